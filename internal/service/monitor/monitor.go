// Package monitor polls a deployed service's health endpoint over a fixed
// window and decides whether the deployment holds its health threshold.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mkarlin/shipgate/internal/domain"
)

// Options configure one monitoring run.
type Options struct {
	Window    time.Duration
	Interval  time.Duration
	Threshold float64
	// SampleTimeout bounds each individual health poll. Defaults to the
	// interval so a slow poll can never overlap the next tick.
	SampleTimeout time.Duration
}

// Monitor drives the post-deploy health polling loop.
type Monitor struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Monitor sharing the pipeline's HTTP client.
func New(client *http.Client, logger *slog.Logger) *Monitor {
	if client == nil {
		client = &http.Client{}
	}
	return &Monitor{client: client, logger: logger}
}

// Run polls GET {baseURL}/health once per interval for up to the window.
// After every sample the rolling health rate over all samples so far is
// recomputed; dropping below the threshold ends the run immediately with a
// failed result. Cancellation of ctx also ends the run with a failed result
// and a cancellation reason; it never surfaces as an error.
func (m *Monitor) Run(ctx context.Context, attemptID, baseURL string, opts Options) domain.MonitoringResult {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = opts.Interval
	}
	baseURL = strings.TrimRight(baseURL, "/")
	start := time.Now()
	deadline := start.Add(opts.Window)

	result := domain.MonitoringResult{AttemptID: attemptID}
	var totalResponse time.Duration
	var respondedCount int

	m.logger.Info("monitoring started",
		"attempt_id", attemptID, "window", opts.Window,
		"interval", opts.Interval, "threshold", opts.Threshold)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			result.Passed = false
			result.Reason = fmt.Sprintf("monitoring cancelled: %v", ctx.Err())
			m.logger.Warn("monitoring cancelled", "attempt_id", attemptID, "samples", result.SampleCount)
			return m.finish(result, totalResponse, respondedCount)
		case <-ticker.C:
		}

		sample := m.sample(ctx, baseURL, opts.SampleTimeout)
		result.Samples = append(result.Samples, sample)
		result.SampleCount++
		if sample.Status != domain.HealthHealthy {
			result.FailedCount++
		}
		if sample.ResponseTime > 0 {
			totalResponse += sample.ResponseTime
			respondedCount++
		}

		rate := result.HealthRate()
		m.logger.Debug("health sample",
			"attempt_id", attemptID, "status", sample.Status,
			"rate", rate, "samples", result.SampleCount)

		// Once the rate is below threshold the outcome cannot improve enough
		// to matter operationally; stop instead of waiting out the window.
		if rate < opts.Threshold {
			result.Duration = time.Since(start)
			result.Passed = false
			result.Reason = fmt.Sprintf("health rate %.3f below threshold %.3f", rate, opts.Threshold)
			m.logger.Warn("monitoring failed early",
				"attempt_id", attemptID, "rate", rate,
				"failed", result.FailedCount, "samples", result.SampleCount)
			return m.finish(result, totalResponse, respondedCount)
		}

		if !time.Now().Before(deadline) {
			result.Duration = time.Since(start)
			result.Passed = true
			m.logger.Info("monitoring passed",
				"attempt_id", attemptID, "rate", rate,
				"samples", result.SampleCount, "duration", result.Duration)
			return m.finish(result, totalResponse, respondedCount)
		}
	}
}

func (m *Monitor) finish(result domain.MonitoringResult, totalResponse time.Duration, responded int) domain.MonitoringResult {
	if responded > 0 {
		result.AvgRespTime = totalResponse / time.Duration(responded)
	}
	return result
}

// sample performs one health poll. Any failure mode (transport error, bad
// status, unready flag) is folded into the sample, never raised.
func (m *Monitor) sample(ctx context.Context, baseURL string, timeout time.Duration) domain.HealthSample {
	sampleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sample := domain.HealthSample{Timestamp: time.Now().UTC()}
	req, err := http.NewRequestWithContext(sampleCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		sample.Status = domain.HealthError
		sample.Error = err.Error()
		return sample
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	sample.ResponseTime = time.Since(start)
	if err != nil {
		sample.Status = domain.HealthError
		sample.Error = err.Error()
		return sample
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		sample.Status = domain.HealthError
		sample.Error = err.Error()
		return sample
	}
	if resp.StatusCode != http.StatusOK {
		sample.Status = domain.HealthUnhealthy
		sample.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return sample
	}
	var health struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		sample.Status = domain.HealthError
		sample.Error = fmt.Sprintf("invalid health payload: %v", err)
		return sample
	}
	sample.Ready = health.ModelLoaded
	if !health.ModelLoaded {
		sample.Status = domain.HealthUnhealthy
		return sample
	}
	sample.Status = domain.HealthHealthy
	return sample
}
