package domain

import "time"

// ValidationCheck captures the outcome of one pre-deployment check.
type ValidationCheck struct {
	Name      string         `json:"name"`
	Passed    bool           `json:"passed"`
	Skipped   bool           `json:"skipped,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ValidationReport is the ordered result of all pre-deployment checks.
//
// Overall pass/fail is always derived from the checks; it is never stored
// separately so the two can not drift apart.
type ValidationReport struct {
	Checks   []ValidationCheck `json:"checks"`
	Duration time.Duration     `json:"duration"`
}

// OverallPassed reports whether every executed check passed. Skipped checks
// are excluded from the conjunction.
func (r ValidationReport) OverallPassed() bool {
	for _, c := range r.Checks {
		if c.Skipped {
			continue
		}
		if !c.Passed {
			return false
		}
	}
	return true
}

// Counts returns the number of passed, failed and skipped checks.
func (r ValidationReport) Counts() (passed, failed, skipped int) {
	for _, c := range r.Checks {
		switch {
		case c.Skipped:
			skipped++
		case c.Passed:
			passed++
		default:
			failed++
		}
	}
	return passed, failed, skipped
}

// SmokeTestResult captures one black-box check against a deployed endpoint.
type SmokeTestResult struct {
	TestName     string         `json:"test_name"`
	Passed       bool           `json:"passed"`
	Message      string         `json:"message"`
	ResponseTime time.Duration  `json:"response_time"`
	StatusCode   int            `json:"status_code,omitempty"`
	Responded    bool           `json:"responded"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SmokeTestReport aggregates the smoke battery in execution order.
type SmokeTestReport struct {
	Results  []SmokeTestResult `json:"results"`
	Duration time.Duration     `json:"duration"`
}

// OverallPassed reports whether every smoke check passed.
func (r SmokeTestReport) OverallPassed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// AvgResponseTime averages response times over checks that actually received
// a response; timeouts and transport errors are excluded from the denominator.
func (r SmokeTestReport) AvgResponseTime() time.Duration {
	var total time.Duration
	var n int
	for _, res := range r.Results {
		if !res.Responded {
			continue
		}
		total += res.ResponseTime
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// HealthStatus classifies one health poll.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
)

// HealthSample is a single observation from the post-deploy monitoring loop.
type HealthSample struct {
	Timestamp    time.Time     `json:"timestamp"`
	Status       HealthStatus  `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Ready        bool          `json:"ready"`
	Error        string        `json:"error,omitempty"`
}

// MonitoringResult summarizes a monitoring window.
type MonitoringResult struct {
	AttemptID   string         `json:"attempt_id"`
	Passed      bool           `json:"passed"`
	Reason      string         `json:"reason,omitempty"`
	Duration    time.Duration  `json:"duration"`
	SampleCount int            `json:"sample_count"`
	FailedCount int            `json:"failed_count"`
	AvgRespTime time.Duration  `json:"avg_response_time"`
	Samples     []HealthSample `json:"samples,omitempty"`
}

// HealthRate is the fraction of samples that were healthy.
func (m MonitoringResult) HealthRate() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return 1 - float64(m.FailedCount)/float64(m.SampleCount)
}

// DeploymentSnapshot records enough of a running deployment to recreate it.
type DeploymentSnapshot struct {
	VersionID      string    `json:"version_id"`
	Timestamp      time.Time `json:"timestamp"`
	ArtifactTag    string    `json:"artifact_tag"`
	ContainerID    string    `json:"container_id,omitempty"`
	Port           int       `json:"port"`
	DataBackupPath string    `json:"data_backup_path,omitempty"`
}

// RollbackResult captures the outcome of a reversal.
type RollbackResult struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	PreviousRef string         `json:"previous_ref,omitempty"`
	NewRef      string         `json:"new_ref,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}
