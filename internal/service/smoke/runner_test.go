package smoke

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serviceStub struct {
	predictDelay time.Duration
	dropField    string
	batchShort   bool
	counterName  string
	modelLoaded  bool
}

func (s serviceStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "model_loaded": s.modelLoaded, "uptime_seconds": 42.0,
		})
	})
	mux.HandleFunc("POST /predict", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(s.predictDelay)
		fields := map[string]any{
			"predicted_label": "breakout",
			"probability":     0.83,
			"confidence":      "high",
			"model_version":   "1.4.2",
		}
		delete(fields, s.dropField)
		_ = json.NewEncoder(w).Encode(fields)
	})
	mux.HandleFunc("POST /batch_predict", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		n := len(req.Items)
		if s.batchShort && n > 0 {
			n--
		}
		out := make([]map[string]any, n)
		for i := range out {
			out[i] = map[string]any{"predicted_label": "flat"}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		name := s.counterName
		if name == "" {
			name = defaultCounterName
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte("# TYPE " + name + " counter\n" + name + " 17\n"))
	})
	return mux
}

func newRunner(server *httptest.Server, opts Options) *Runner {
	return New(server.Client(), testLogger(), opts)
}

func TestRunAllChecksPass(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second}).Run(server.URL)
	if !report.OverallPassed() {
		t.Fatalf("expected all checks to pass: %+v", report.Results)
	}
	if len(report.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(report.Results))
	}
	if report.AvgResponseTime() <= 0 {
		t.Fatalf("expected positive average response time")
	}
}

func TestLatencyBudgetBreachFailsOnlyThatCheck(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true, predictDelay: 150 * time.Millisecond}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: 100 * time.Millisecond}).Run(server.URL)
	if report.OverallPassed() {
		t.Fatalf("latency breach must fail the report")
	}
	for _, res := range report.Results {
		if res.TestName == checkPredict {
			if res.Passed {
				t.Fatalf("predict check should have failed on latency")
			}
			if res.StatusCode != http.StatusOK {
				t.Fatalf("latency failure should still record the 200, got %d", res.StatusCode)
			}
		} else if !res.Passed {
			t.Fatalf("check %s should be unaffected by predict latency", res.TestName)
		}
	}
}

func TestFastCorrectPredictionPasses(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: 100 * time.Millisecond}).Run(server.URL)
	for _, res := range report.Results {
		if res.TestName == checkPredict && !res.Passed {
			t.Fatalf("fast correct prediction should pass: %s", res.Message)
		}
	}
}

func TestMissingResponseFieldFails(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true, dropField: "model_version"}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second}).Run(server.URL)
	for _, res := range report.Results {
		if res.TestName == checkPredict {
			if res.Passed {
				t.Fatalf("missing field should fail the predict check")
			}
			return
		}
	}
	t.Fatalf("predict result missing")
}

func TestBatchSizeMismatchFails(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true, batchShort: true}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second}).Run(server.URL)
	for _, res := range report.Results {
		if res.TestName == checkBatch {
			if res.Passed {
				t.Fatalf("short batch should fail the batch check")
			}
			return
		}
	}
	t.Fatalf("batch result missing")
}

func TestMissingCounterFailsMetricsProbe(t *testing.T) {
	server := httptest.NewServer(serviceStub{modelLoaded: true, counterName: "something_else_total"}.handler())
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second}).Run(server.URL)
	for _, res := range report.Results {
		if res.TestName == checkMetrics {
			if res.Passed {
				t.Fatalf("absent counter should fail the metrics probe")
			}
			return
		}
	}
	t.Fatalf("metrics result missing")
}

func TestTimeoutIsAFailedCheckNotAFault(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			<-blocked
			return
		}
		serviceStub{modelLoaded: true}.handler().ServeHTTP(w, r)
	}))
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second, CheckTimeout: 100 * time.Millisecond}).Run(server.URL)
	if report.OverallPassed() {
		t.Fatalf("timed-out health check must fail the report")
	}
	for _, res := range report.Results {
		if res.TestName == checkHealth {
			if res.Responded {
				t.Fatalf("timed-out check must not count as responded")
			}
			if !strings.HasPrefix(res.Message, "timed out after") {
				t.Fatalf("expected timeout message, got %q", res.Message)
			}
		}
	}
}

func TestAvgResponseTimeExcludesTimeouts(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			<-blocked
			return
		}
		serviceStub{modelLoaded: true}.handler().ServeHTTP(w, r)
	}))
	defer server.Close()

	report := newRunner(server, Options{LatencyBudget: time.Second, CheckTimeout: 100 * time.Millisecond}).Run(server.URL)
	responded := 0
	for _, res := range report.Results {
		if res.Responded {
			responded++
		}
	}
	if responded != 3 {
		t.Fatalf("expected 3 responded checks, got %d", responded)
	}
	if report.AvgResponseTime() <= 0 || report.AvgResponseTime() >= 100*time.Millisecond {
		t.Fatalf("average should reflect only fast responded checks, got %s", report.AvgResponseTime())
	}
}
