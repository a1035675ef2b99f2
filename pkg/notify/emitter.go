package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrInvalidArgument indicates the receiver rejected the event payload.
var ErrInvalidArgument = errors.New("notify: invalid argument")

// Event is one pipeline stage-transition notification.
type Event struct {
	AttemptID   string          `json:"attempt_id"`
	Environment string          `json:"environment"`
	Stage       string          `json:"stage"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Emitter posts pipeline events to an optional callback URL. A nil Emitter
// is valid and drops every event, so callers never branch on configuration.
type Emitter struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewEmitter creates an emitter for the given callback URL. An empty URL
// yields a nil emitter.
func NewEmitter(url string, client *http.Client) *Emitter {
	trimmed := strings.TrimRight(strings.TrimSpace(url), "/")
	if trimmed == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{url: trimmed, client: client, now: time.Now}
}

// Emit sends the event. Delivery is best-effort; the pipeline never blocks
// on a notification outcome beyond the client timeout.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	} else {
		event.OccurredAt = event.OccurredAt.UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	}
	return fmt.Errorf("notify request failed: %s", summary)
}
