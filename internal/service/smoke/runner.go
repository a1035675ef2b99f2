// Package smoke runs the post-deploy black-box battery against a freshly
// deployed service endpoint.
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/mkarlin/shipgate/internal/domain"
)

const (
	checkHealth  = "health"
	checkPredict = "single_prediction"
	checkBatch   = "batch_prediction"
	checkMetrics = "metrics_probe"

	defaultBatchSize   = 3
	defaultCounterName = "predict_requests_total"
)

// predictionFields must all be present in a successful /predict response.
var predictionFields = []string{"predicted_label", "probability", "confidence", "model_version"}

// Options tune a Runner. Zero values fall back to defaults.
type Options struct {
	LatencyBudget time.Duration
	CheckTimeout  time.Duration
	BatchSize     int
	CounterName   string
}

// Runner executes the four smoke checks against a base URL.
type Runner struct {
	client *http.Client
	logger *slog.Logger
	opts   Options
}

// New creates a Runner. The shared client has no global timeout; each check
// carries its own.
func New(client *http.Client, logger *slog.Logger, opts Options) *Runner {
	if client == nil {
		client = &http.Client{}
	}
	if opts.LatencyBudget <= 0 {
		opts.LatencyBudget = 500 * time.Millisecond
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.CounterName == "" {
		opts.CounterName = defaultCounterName
	}
	return &Runner{client: client, logger: logger, opts: opts}
}

// Run dispatches the four checks concurrently and assembles the report in a
// fixed order once all have finished. The checks share no state, so ordering
// of execution cannot change any individual outcome.
func (r *Runner) Run(baseURL string) domain.SmokeTestReport {
	start := time.Now()
	baseURL = strings.TrimRight(baseURL, "/")

	checks := []func(string) domain.SmokeTestResult{
		r.checkHealth,
		r.checkSinglePrediction,
		r.checkBatchPrediction,
		r.checkMetricsProbe,
	}
	results := make([]domain.SmokeTestResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check func(string) domain.SmokeTestResult) {
			defer wg.Done()
			results[i] = check(baseURL)
		}(i, check)
	}
	wg.Wait()

	report := domain.SmokeTestReport{Results: results, Duration: time.Since(start)}
	for _, res := range results {
		r.logger.Info("smoke check finished",
			"check", res.TestName, "passed", res.Passed,
			"status_code", res.StatusCode, "response_time", res.ResponseTime)
	}
	r.logger.Info("smoke test report",
		"overall", report.OverallPassed(),
		"avg_response_time", report.AvgResponseTime(),
		"duration", report.Duration)
	return report
}

func (r *Runner) checkHealth(baseURL string) domain.SmokeTestResult {
	result, body := r.get(checkHealth, baseURL+"/health")
	if !result.Responded {
		return result
	}
	if result.StatusCode != http.StatusOK {
		return failed(result, fmt.Sprintf("expected 200, got %d", result.StatusCode))
	}
	var health struct {
		Status        string  `json:"status"`
		ModelLoaded   bool    `json:"model_loaded"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return failed(result, fmt.Sprintf("invalid health payload: %v", err))
	}
	result.Details = map[string]any{"status": health.Status, "uptime_seconds": health.UptimeSeconds}
	if !health.ModelLoaded {
		return failed(result, "service is up but model is not loaded")
	}
	result.Passed = true
	result.Message = "healthy and ready"
	return result
}

func (r *Runner) checkSinglePrediction(baseURL string) domain.SmokeTestResult {
	payload := map[string]any{"features": []float64{0.12, 0.48, 0.91}}
	result, body := r.post(checkPredict, baseURL+"/predict", payload)
	if !result.Responded {
		return result
	}
	if result.StatusCode != http.StatusOK {
		return failed(result, fmt.Sprintf("expected 200, got %d", result.StatusCode))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return failed(result, fmt.Sprintf("invalid prediction payload: %v", err))
	}
	var missing []string
	for _, name := range predictionFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		result.Details = map[string]any{"missing_fields": missing}
		return failed(result, "response missing required fields: "+strings.Join(missing, ", "))
	}
	// Correct data delivered too slowly still fails the check; the budget is
	// part of the contract.
	if result.ResponseTime > r.opts.LatencyBudget {
		return failed(result, fmt.Sprintf("latency %s exceeds budget %s", result.ResponseTime, r.opts.LatencyBudget))
	}
	result.Passed = true
	result.Message = fmt.Sprintf("prediction served in %s", result.ResponseTime)
	return result
}

func (r *Runner) checkBatchPrediction(baseURL string) domain.SmokeTestResult {
	items := make([]map[string]any, r.opts.BatchSize)
	for i := range items {
		items[i] = map[string]any{"features": []float64{0.2, float64(i) / 10, 0.7}}
	}
	result, body := r.post(checkBatch, baseURL+"/batch_predict", map[string]any{"items": items})
	if !result.Responded {
		return result
	}
	if result.StatusCode != http.StatusOK {
		return failed(result, fmt.Sprintf("expected 200, got %d", result.StatusCode))
	}
	predictions, err := decodeBatch(body)
	if err != nil {
		return failed(result, err.Error())
	}
	result.Details = map[string]any{"submitted": r.opts.BatchSize, "returned": len(predictions)}
	if len(predictions) != r.opts.BatchSize {
		return failed(result, fmt.Sprintf("submitted %d items, got %d predictions", r.opts.BatchSize, len(predictions)))
	}
	result.Passed = true
	result.Message = fmt.Sprintf("batch of %d served", r.opts.BatchSize)
	return result
}

func (r *Runner) checkMetricsProbe(baseURL string) domain.SmokeTestResult {
	result, body := r.get(checkMetrics, baseURL+"/metrics")
	if !result.Responded {
		return result
	}
	if result.StatusCode != http.StatusOK {
		return failed(result, fmt.Sprintf("expected 200, got %d", result.StatusCode))
	}
	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return failed(result, fmt.Sprintf("unparseable metrics exposition: %v", err))
	}
	result.Details = map[string]any{"families": len(families)}
	if _, ok := families[r.opts.CounterName]; !ok {
		return failed(result, fmt.Sprintf("counter %s not exposed", r.opts.CounterName))
	}
	result.Passed = true
	result.Message = fmt.Sprintf("counter %s present", r.opts.CounterName)
	return result
}

func (r *Runner) get(name, url string) (domain.SmokeTestResult, []byte) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return r.transportFailure(name, 0, err), nil
	}
	return r.do(name, req)
}

func (r *Runner) post(name, url string, payload any) (domain.SmokeTestResult, []byte) {
	body, err := json.Marshal(payload)
	if err != nil {
		return r.transportFailure(name, 0, err), nil
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return r.transportFailure(name, 0, err), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(name, req)
}

// do executes one request under the per-check timeout. Timeouts and transport
// errors become failed results; they never escape as faults.
func (r *Runner) do(name string, req *http.Request) (domain.SmokeTestResult, []byte) {
	ctx, cancel := context.WithTimeout(req.Context(), r.opts.CheckTimeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return r.transportFailure(name, elapsed, err), nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.transportFailure(name, elapsed, err), nil
	}
	return domain.SmokeTestResult{
		TestName:     name,
		ResponseTime: elapsed,
		StatusCode:   resp.StatusCode,
		Responded:    true,
		Timestamp:    time.Now().UTC(),
	}, body
}

func (r *Runner) transportFailure(name string, elapsed time.Duration, err error) domain.SmokeTestResult {
	message := err.Error()
	if isTimeout(err) {
		message = fmt.Sprintf("timed out after %ds", int(r.opts.CheckTimeout.Seconds()))
	}
	return domain.SmokeTestResult{
		TestName:     name,
		Passed:       false,
		Message:      message,
		ResponseTime: elapsed,
		Responded:    false,
		Details:      map[string]any{"error": err.Error()},
		Timestamp:    time.Now().UTC(),
	}
}

func failed(result domain.SmokeTestResult, message string) domain.SmokeTestResult {
	result.Passed = false
	result.Message = message
	return result
}

func decodeBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var predictions []json.RawMessage
		if err := json.Unmarshal(body, &predictions); err != nil {
			return nil, fmt.Errorf("invalid batch payload: %w", err)
		}
		return predictions, nil
	}
	var wrapper struct {
		Predictions []json.RawMessage `json:"predictions"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid batch payload: %w", err)
	}
	if wrapper.Predictions == nil {
		return nil, errors.New("batch response is not an array")
	}
	return wrapper.Predictions, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
