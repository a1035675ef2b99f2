package domain

import (
	"testing"
	"time"
)

func TestValidationOverallIsConjunctionOfExecutedChecks(t *testing.T) {
	report := ValidationReport{Checks: []ValidationCheck{
		{Name: "a", Passed: true},
		{Name: "b", Passed: true},
	}}
	if !report.OverallPassed() {
		t.Fatalf("all-passed report must pass overall")
	}
	report.Checks = append(report.Checks, ValidationCheck{Name: "c", Passed: false})
	if report.OverallPassed() {
		t.Fatalf("one failed check must fail overall")
	}
	report.Checks[2].Skipped = true
	if !report.OverallPassed() {
		t.Fatalf("skipped checks are excluded from the conjunction")
	}
}

func TestSmokeAvgResponseTimeExcludesNonResponded(t *testing.T) {
	report := SmokeTestReport{Results: []SmokeTestResult{
		{TestName: "a", Responded: true, ResponseTime: 40 * time.Millisecond},
		{TestName: "b", Responded: true, ResponseTime: 60 * time.Millisecond},
		{TestName: "c", Responded: false, ResponseTime: 0},
	}}
	if avg := report.AvgResponseTime(); avg != 50*time.Millisecond {
		t.Fatalf("expected 50ms average, got %s", avg)
	}
	empty := SmokeTestReport{Results: []SmokeTestResult{{Responded: false}}}
	if empty.AvgResponseTime() != 0 {
		t.Fatalf("no responded checks should average to zero")
	}
}

func TestHealthRateArithmetic(t *testing.T) {
	result := MonitoringResult{SampleCount: 20, FailedCount: 1}
	if rate := result.HealthRate(); rate != 0.95 {
		t.Fatalf("20 samples with 1 failure should be 0.95, got %f", rate)
	}
	if result.HealthRate() < 0.95 {
		t.Fatalf("rate 0.95 must satisfy threshold 0.95")
	}
	result.FailedCount = 2
	if rate := result.HealthRate(); rate != 0.90 {
		t.Fatalf("20 samples with 2 failures should be 0.90, got %f", rate)
	}
	if result.HealthRate() >= 0.95 {
		t.Fatalf("rate 0.90 must miss threshold 0.95")
	}
}

func TestAttemptSealIsIdempotent(t *testing.T) {
	a := &Attempt{ID: "a-1", Environment: "staging", FinalStatus: StatusPending}
	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a.Seal(StatusSmokeFailed, first)
	a.Seal(StatusSucceeded, first.Add(time.Hour))
	if a.FinalStatus != StatusSmokeFailed {
		t.Fatalf("first terminal status must win, got %s", a.FinalStatus)
	}
	if !a.EndedAt.Equal(first) {
		t.Fatalf("end time must not move on a sealed attempt")
	}
	if !a.Sealed() {
		t.Fatalf("attempt should report sealed")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Fatalf("pending is not terminal")
	}
	for _, s := range []Status{StatusSucceeded, StatusValidationFailed, StatusRolledBack, StatusRollbackFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
