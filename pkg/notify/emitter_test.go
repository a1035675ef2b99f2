package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNilEmitterDropsEvents(t *testing.T) {
	var e *Emitter
	if err := e.Emit(context.Background(), Event{Stage: "validating"}); err != nil {
		t.Fatalf("nil emitter should drop events, got %v", err)
	}
	if NewEmitter("   ", nil) != nil {
		t.Fatalf("blank URL should yield nil emitter")
	}
}

func TestEmitPostsEvent(t *testing.T) {
	var got Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	e := NewEmitter(server.URL, server.Client())
	err := e.Emit(context.Background(), Event{
		AttemptID:   "a-1",
		Environment: "staging",
		Stage:       "smoke_testing",
		Level:       "info",
		Message:     "smoke tests passed",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got.Stage != "smoke_testing" || got.AttemptID != "a-1" {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be stamped")
	}
}

func TestEmitSurfacesBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing attempt_id", http.StatusBadRequest)
	}))
	defer server.Close()

	e := NewEmitter(server.URL, server.Client())
	err := e.Emit(context.Background(), Event{Stage: "deploying"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
