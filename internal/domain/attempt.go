package domain

import "time"

// Status is the terminal (or in-flight) status of a deployment attempt.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSucceeded        Status = "succeeded"
	StatusValidationFailed Status = "validation_failed"
	StatusBuildFailed      Status = "build_failed"
	StatusDeployFailed     Status = "deploy_failed"
	StatusSmokeFailed      Status = "smoke_failed"
	StatusMonitorFailed    Status = "monitor_failed"
	StatusRolledBack       Status = "rolled_back"
	StatusRollbackFailed   Status = "rollback_failed"
)

// Terminal reports whether the status ends an attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusPending:
		return false
	default:
		return true
	}
}

// Attempt is the aggregate record of one pipeline run for one environment.
// Each stage appends its report; no stage mutates an earlier stage's report.
// Once sealed the attempt is immutable and never reused.
type Attempt struct {
	ID          string            `json:"attempt_id"`
	Environment string            `json:"environment"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at,omitzero"`
	FinalStatus Status            `json:"final_status"`
	Validation  *ValidationReport `json:"validation,omitempty"`
	Smoke       *SmokeTestReport  `json:"smoke,omitempty"`
	Monitoring  *MonitoringResult `json:"monitoring,omitempty"`
	Rollback    *RollbackResult   `json:"rollback,omitempty"`

	sealed bool
}

// Seal fixes the attempt's final status and end time. Later calls are no-ops
// so the first terminal outcome wins.
func (a *Attempt) Seal(status Status, now time.Time) {
	if a.sealed {
		return
	}
	a.FinalStatus = status
	a.EndedAt = now
	a.sealed = true
}

// Sealed reports whether the attempt has reached a terminal state.
func (a *Attempt) Sealed() bool {
	return a.sealed
}
