package validate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mkarlin/shipgate/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// fullEnv returns a lookup covering required and recommended variables.
func fullEnv() func(string) (string, bool) {
	values := map[string]string{
		"ENVIRONMENT": "staging",
		"API_HOST":    "127.0.0.1",
		"API_PORT":    "8001",
		"LOG_LEVEL":   "info",
	}
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func healthyConfig(t *testing.T) config.PipelineConfig {
	t.Helper()
	dir := t.TempDir()
	catalog := writeFile(t, dir, "catalog.json", `{"items":[{"sku":"a"},{"sku":"b"}]}`)
	model := writeFile(t, dir, "model.bin", "weights")
	reg := writeFile(t, dir, "registry.json",
		`{"entries":[{"model_id":"m1","version":"1.0.0","artifact_path":"`+model+`","created_at":"2026-08-01T00:00:00Z"}]}`)
	return config.PipelineConfig{
		ProjectRoot:  dir,
		DataPath:     catalog,
		RegistryPath: reg,
		TestCommand:  "true",
	}
}

func TestValidatePassesWithHealthyProject(t *testing.T) {
	v := New(healthyConfig(t), nil, testLogger())
	v.lookup = fullEnv()

	report := v.Validate(context.Background(), "", true)
	if !report.OverallPassed() {
		t.Fatalf("expected overall pass, report: %+v", report.Checks)
	}
	passed, failed, skipped := report.Counts()
	if passed != 4 || failed != 0 || skipped != 1 {
		t.Fatalf("unexpected counts passed=%d failed=%d skipped=%d", passed, failed, skipped)
	}
}

func TestTestSuiteExitStatusDominates(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.TestCommand = "false"
	v := New(cfg, nil, testLogger())
	v.lookup = fullEnv()

	report := v.Validate(context.Background(), "", true)
	if report.OverallPassed() {
		t.Fatalf("non-zero test exit status must fail the gate")
	}
	for _, check := range report.Checks {
		if check.Name == checkTestSuite {
			if check.Passed {
				t.Fatalf("test_suite check should have failed")
			}
			if check.Details["error"] == nil {
				t.Fatalf("expected error captured in details")
			}
			return
		}
	}
	t.Fatalf("test_suite check missing from report")
}

func TestRequiredEnvVarsAreHardFailure(t *testing.T) {
	v := New(healthyConfig(t), nil, testLogger())
	v.lookup = func(key string) (string, bool) {
		if key == "API_PORT" {
			return "", false
		}
		return fullEnv()(key)
	}

	report := v.Validate(context.Background(), "", true)
	if report.OverallPassed() {
		t.Fatalf("missing required env var must fail the gate")
	}
}

func TestRecommendedEnvVarsAreSoft(t *testing.T) {
	v := New(healthyConfig(t), nil, testLogger())
	v.lookup = func(key string) (string, bool) {
		switch key {
		case "ENVIRONMENT", "API_HOST", "API_PORT":
			return "x", true
		default:
			return "", false
		}
	}

	report := v.Validate(context.Background(), "", true)
	if !report.OverallPassed() {
		t.Fatalf("missing recommended env vars must not fail the gate")
	}
	for _, check := range report.Checks {
		if check.Name == checkEnvVars {
			if check.Details["recommended_missing"] == nil {
				t.Fatalf("expected recommended_missing to be reported")
			}
		}
	}
}

func TestEmptyCatalogFailsDataCheck(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.DataPath = writeFile(t, t.TempDir(), "catalog.json", `{"items":[]}`)
	v := New(cfg, nil, testLogger())
	v.lookup = fullEnv()

	report := v.Validate(context.Background(), "", true)
	if report.OverallPassed() {
		t.Fatalf("empty catalog must fail the gate")
	}
}

func TestEmptyRegistryFailsRegistryCheck(t *testing.T) {
	cfg := healthyConfig(t)
	cfg.RegistryPath = writeFile(t, t.TempDir(), "registry.json", `{"entries":[]}`)
	v := New(cfg, nil, testLogger())
	v.lookup = fullEnv()

	report := v.Validate(context.Background(), "", true)
	if report.OverallPassed() {
		t.Fatalf("empty registry must fail the gate")
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := New(healthyConfig(t), nil, testLogger())
	v.lookup = fullEnv()

	first := v.Validate(context.Background(), "", true)
	second := v.Validate(context.Background(), "", true)
	if first.OverallPassed() != second.OverallPassed() {
		t.Fatalf("overall outcome changed between runs")
	}
	if len(first.Checks) != len(second.Checks) {
		t.Fatalf("check set changed between runs: %d vs %d", len(first.Checks), len(second.Checks))
	}
	for i := range first.Checks {
		if first.Checks[i].Name != second.Checks[i].Name || first.Checks[i].Passed != second.Checks[i].Passed {
			t.Fatalf("check %d differs: %+v vs %+v", i, first.Checks[i], second.Checks[i])
		}
	}
}

func TestParseTestOutputCounts(t *testing.T) {
	output := "ok \tpkg/a\t0.01s\nFAIL\tpkg/b\t0.02s\nok \tpkg/c\t0.03s\n"
	passed, failed := parseTestOutput(output)
	if passed != 2 || failed != 1 {
		t.Fatalf("expected 2 passed / 1 failed, got %d/%d", passed, failed)
	}
}

func TestCatalogSizeSupportsArrayAndWrapper(t *testing.T) {
	if n, err := catalogSize([]byte(`[1,2,3]`)); err != nil || n != 3 {
		t.Fatalf("array catalog: n=%d err=%v", n, err)
	}
	if n, err := catalogSize([]byte(`{"items":[{}]}`)); err != nil || n != 1 {
		t.Fatalf("wrapped catalog: n=%d err=%v", n, err)
	}
	if _, err := catalogSize([]byte(`not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
}
