// Package orchestrate drives the gated release pipeline: validate, build,
// snapshot, deploy, smoke test, monitor, and roll back on post-deploy
// failure.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlin/shipgate/internal/docker"
	"github.com/mkarlin/shipgate/internal/domain"
	"github.com/mkarlin/shipgate/internal/envlock"
	"github.com/mkarlin/shipgate/internal/metrics"
	"github.com/mkarlin/shipgate/internal/service/monitor"
	"github.com/mkarlin/shipgate/internal/service/rollback"
	"github.com/mkarlin/shipgate/pkg/config"
	"github.com/mkarlin/shipgate/pkg/notify"
)

// Pipeline stages, in forward order.
const (
	stageValidating  = "validating"
	stageBuilding    = "building"
	stageStateSave   = "state_save"
	stageDeploying   = "deploying"
	stageSmokeTest   = "smoke_testing"
	stageMonitoring  = "monitoring"
	stageRollingBack = "rolling_back"
)

const (
	containerStartDeadline = 30 * time.Second
	rollbackBudget         = 2 * time.Minute
)

// Validator is the pre-deployment gate.
type Validator interface {
	Validate(ctx context.Context, projectRoot string, skipBuild bool) domain.ValidationReport
}

// SmokeRunner executes the post-deploy black-box battery.
type SmokeRunner interface {
	Run(baseURL string) domain.SmokeTestReport
}

// HealthMonitor watches the deployment over its configured window.
type HealthMonitor interface {
	Run(ctx context.Context, attemptID, baseURL string, opts monitor.Options) domain.MonitoringResult
}

// RollbackAgent saves and restores deployment snapshots.
type RollbackAgent interface {
	Save(ctx context.Context, req rollback.SaveRequest) (domain.DeploymentSnapshot, error)
	Rollback(ctx context.Context, versionID string) domain.RollbackResult
	Verify(ctx context.Context, versionID string) error
}

// Runtime is the container backend used for build and deploy.
type Runtime interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, name, image string, env []string, port int) (docker.ContainerInfo, error)
	State(ctx context.Context, name string) (docker.ContainerState, error)
	WaitRunning(ctx context.Context, name string, deadline time.Duration) error
}

// Deps is the explicit composition root input: every collaborator is
// constructed once by the caller and injected, so there is no hidden
// initialization order and no process-wide mutable state between attempts.
type Deps struct {
	Config    config.PipelineConfig
	Profile   domain.EnvironmentProfile
	Validator Validator
	Smoke     SmokeRunner
	Monitor   HealthMonitor
	Rollback  RollbackAgent
	Runtime   Runtime
	Logger    *slog.Logger
	Metrics   *metrics.Pipeline
	Notify    *notify.Emitter
	LockDir   string
}

// Orchestrator runs one deployment attempt end to end.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
}

// New creates an Orchestrator from its composition root.
func New(deps Deps) *Orchestrator {
	if deps.LockDir == "" {
		deps.LockDir = deps.Config.SnapshotDir
	}
	return &Orchestrator{deps: deps, now: time.Now}
}

// Deploy executes the full gated pipeline for the orchestrator's environment.
// The returned attempt is always sealed with a terminal status; the error is
// non-nil only for usage errors that prevent the attempt from starting, such
// as a second concurrent deploy against the same environment.
func (o *Orchestrator) Deploy(ctx context.Context, skipBuild bool) (*domain.Attempt, error) {
	profile := o.deps.Profile

	// Exclusive ownership of "the running artifact for this environment" for
	// the whole attempt. A held lock means another attempt is in flight.
	release, err := envlock.TryAcquire(o.deps.LockDir, profile.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	if o.deps.Config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.Config.AttemptTimeout)
		defer cancel()
	}

	attempt := &domain.Attempt{
		ID:          uuid.NewString(),
		Environment: profile.Name,
		StartedAt:   o.now().UTC(),
		FinalStatus: domain.StatusPending,
	}
	o.deps.Logger.Info("deployment attempt started",
		"attempt_id", attempt.ID, "environment", profile.Name,
		"artifact_tag", profile.ArtifactTag, "skip_build", skipBuild)

	// Gate 1: validation. Nothing has changed yet, so failure is terminal
	// with nothing to roll back.
	validation := runStage(o, attempt, stageValidating, func() domain.ValidationReport {
		return o.deps.Validator.Validate(ctx, o.deps.Config.ProjectRoot, skipBuild)
	})
	attempt.Validation = &validation
	if !validation.OverallPassed() {
		return o.seal(attempt, domain.StatusValidationFailed, "pre-deployment validation failed"), nil
	}

	// Build the deployable artifact.
	buildStart := o.now()
	if !skipBuild {
		err := o.deps.Runtime.BuildImage(ctx, o.deps.Config.ProjectRoot, profile.ArtifactTag, nil, nil)
		o.finishStage(attempt, stageBuilding, o.now().Sub(buildStart), err)
		if err != nil {
			return o.seal(attempt, domain.StatusBuildFailed, fmt.Sprintf("artifact build failed: %v", err)), nil
		}
	}

	// Snapshot the pre-deploy state. This must be durable before any
	// production mutation; a failed save aborts the attempt outright.
	versionID := o.now().UTC().Format("20060102T150405Z")
	saveStart := o.now()
	snapshot, err := o.saveRollbackPoint(ctx, versionID)
	o.finishStage(attempt, stageStateSave, o.now().Sub(saveStart), err)
	if err != nil {
		return o.seal(attempt, domain.StatusDeployFailed, fmt.Sprintf("snapshot save failed: %v", err)), nil
	}
	o.deps.Logger.Info("rollback point saved",
		"attempt_id", attempt.ID, "version_id", versionID, "previous_tag", snapshot.ArtifactTag)

	// Deploy: the environment owns exactly one container and one port, so
	// the previous artifact stops before the new one starts.
	deployStart := o.now()
	err = o.swapContainer(ctx, profile)
	o.finishStage(attempt, stageDeploying, o.now().Sub(deployStart), err)
	if err != nil {
		return o.seal(attempt, domain.StatusDeployFailed, fmt.Sprintf("deploy failed: %v", err)), nil
	}

	// Gate 2: smoke tests.
	smoke := runStage(o, attempt, stageSmokeTest, func() domain.SmokeTestReport {
		return o.deps.Smoke.Run(profile.SmokeBaseURL)
	})
	attempt.Smoke = &smoke
	if !smoke.OverallPassed() {
		return o.rollBack(attempt, versionID, domain.StatusSmokeFailed, "smoke tests failed"), nil
	}

	// Gate 3: monitored bake over the profile's window.
	monitorStart := o.now()
	monitoring := o.deps.Monitor.Run(ctx, attempt.ID, profile.SmokeBaseURL, monitor.Options{
		Window:    profile.MonitorWindow,
		Interval:  profile.MonitorInterval,
		Threshold: profile.RollbackThreshold,
	})
	attempt.Monitoring = &monitoring
	o.finishStage(attempt, stageMonitoring, o.now().Sub(monitorStart), statusErr(monitoring.Passed, monitoring.Reason))
	if !monitoring.Passed {
		return o.rollBack(attempt, versionID, domain.StatusMonitorFailed, monitoring.Reason), nil
	}

	return o.seal(attempt, domain.StatusSucceeded, "deployment succeeded"), nil
}

// QuickCheck validates (build skipped) and smoke tests an already-running
// service without touching containers or snapshots.
func (o *Orchestrator) QuickCheck(ctx context.Context) *domain.Attempt {
	profile := o.deps.Profile
	attempt := &domain.Attempt{
		ID:          uuid.NewString(),
		Environment: profile.Name,
		StartedAt:   o.now().UTC(),
		FinalStatus: domain.StatusPending,
	}
	validation := runStage(o, attempt, stageValidating, func() domain.ValidationReport {
		return o.deps.Validator.Validate(ctx, o.deps.Config.ProjectRoot, true)
	})
	attempt.Validation = &validation
	if !validation.OverallPassed() {
		return o.seal(attempt, domain.StatusValidationFailed, "pre-deployment validation failed")
	}
	smoke := runStage(o, attempt, stageSmokeTest, func() domain.SmokeTestReport {
		return o.deps.Smoke.Run(profile.SmokeBaseURL)
	})
	attempt.Smoke = &smoke
	if !smoke.OverallPassed() {
		return o.seal(attempt, domain.StatusSmokeFailed, "smoke tests failed")
	}
	return o.seal(attempt, domain.StatusSucceeded, "quick check passed")
}

// saveRollbackPoint captures the environment's current container and image
// into a durable snapshot.
func (o *Orchestrator) saveRollbackPoint(ctx context.Context, versionID string) (domain.DeploymentSnapshot, error) {
	profile := o.deps.Profile
	req := rollback.SaveRequest{
		VersionID:   versionID,
		ArtifactTag: profile.ArtifactTag,
		BackupData:  true,
	}
	state, err := o.deps.Runtime.State(ctx, profile.ContainerName)
	switch {
	case err == nil:
		req.ContainerRef = state.ID
		if state.Image != "" {
			req.ArtifactTag = state.Image
		}
	case errors.Is(err, docker.ErrNotFound):
		// First deploy into this environment; snapshot the target tag so a
		// rollback still lands on something runnable.
	default:
		return domain.DeploymentSnapshot{}, err
	}
	return o.deps.Rollback.Save(ctx, req)
}

// swapContainer stops the environment's current artifact and starts the new
// one on the same port.
func (o *Orchestrator) swapContainer(ctx context.Context, profile domain.EnvironmentProfile) error {
	if err := o.deps.Runtime.StopContainer(ctx, profile.ContainerName); err != nil {
		return fmt.Errorf("stop previous container: %w", err)
	}
	if err := o.deps.Runtime.RemoveContainer(ctx, profile.ContainerName); err != nil {
		return fmt.Errorf("remove previous container: %w", err)
	}
	info, err := o.deps.Runtime.RunContainer(ctx, profile.ContainerName, profile.ArtifactTag, profile.ServiceEnv(), profile.Port)
	if err != nil {
		return fmt.Errorf("start new container: %w", err)
	}
	if err := o.deps.Runtime.WaitRunning(ctx, profile.ContainerName, containerStartDeadline); err != nil {
		return fmt.Errorf("container %s not running: %w", info.ID, err)
	}
	return nil
}

// rollBack reverses a post-deploy gate failure. It runs exactly once per
// attempt: a failed rollback is terminal and surfaced for manual
// intervention, never retried automatically.
func (o *Orchestrator) rollBack(attempt *domain.Attempt, versionID string, gateStatus domain.Status, reason string) *domain.Attempt {
	o.deps.Logger.Error("post-deploy gate failed, rolling back",
		"attempt_id", attempt.ID, "gate_status", gateStatus, "reason", reason,
		"version_id", versionID)
	o.emit(attempt, string(gateStatus), "error", reason)

	// Rollback runs under its own budget; the deadline that failed the
	// attempt must not also starve the reversal.
	ctx, cancel := context.WithTimeout(context.Background(), rollbackBudget)
	defer cancel()

	start := o.now()
	result := o.deps.Rollback.Rollback(ctx, versionID)
	attempt.Rollback = &result
	o.finishStage(attempt, stageRollingBack, o.now().Sub(start), statusErr(result.Success, result.Message))

	if !result.Success {
		o.deps.Metrics.RecordRollback("failed")
		return o.seal(attempt, domain.StatusRollbackFailed, result.Message)
	}
	// Rollback reporting success is necessary but not authoritative; the
	// independent verify decides the final status.
	if err := o.deps.Rollback.Verify(ctx, versionID); err != nil {
		o.deps.Metrics.RecordRollback("verify_failed")
		return o.seal(attempt, domain.StatusRollbackFailed, fmt.Sprintf("rollback verify failed: %v", err))
	}
	o.deps.Metrics.RecordRollback("succeeded")
	return o.seal(attempt, domain.StatusRolledBack, fmt.Sprintf("rolled back to %s", versionID))
}

func (o *Orchestrator) seal(attempt *domain.Attempt, status domain.Status, message string) *domain.Attempt {
	attempt.Seal(status, o.now().UTC())
	o.deps.Metrics.RecordAttempt(attempt.Environment, string(status))
	level := "info"
	if status != domain.StatusSucceeded {
		level = "error"
	}
	o.emit(attempt, string(status), level, message)
	o.deps.Logger.Info("deployment attempt finished",
		"attempt_id", attempt.ID, "environment", attempt.Environment,
		"final_status", status, "duration", attempt.EndedAt.Sub(attempt.StartedAt))
	return attempt
}

// runStage runs a stage that produces a report, recording duration metrics
// and logging the transition.
func runStage[T any](o *Orchestrator, attempt *domain.Attempt, stage string, fn func() T) T {
	o.deps.Logger.Info("stage started", "attempt_id", attempt.ID, "stage", stage)
	start := o.now()
	out := fn()
	duration := o.now().Sub(start)
	o.deps.Metrics.RecordStage(stage, duration)
	o.deps.Logger.Info("stage finished", "attempt_id", attempt.ID, "stage", stage, "duration", duration)
	return out
}

func (o *Orchestrator) finishStage(attempt *domain.Attempt, stage string, duration time.Duration, err error) {
	o.deps.Metrics.RecordStage(stage, duration)
	if err != nil {
		o.deps.Logger.Error("stage failed", "attempt_id", attempt.ID, "stage", stage, "duration", duration, "error", err)
		return
	}
	o.deps.Logger.Info("stage finished", "attempt_id", attempt.ID, "stage", stage, "duration", duration)
}

func (o *Orchestrator) emit(attempt *domain.Attempt, stage, level, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.deps.Config.NotifyTimeout)
	defer cancel()
	metadata, _ := json.Marshal(map[string]any{"final_status": attempt.FinalStatus})
	if err := o.deps.Notify.Emit(ctx, notify.Event{
		AttemptID:   attempt.ID,
		Environment: attempt.Environment,
		Stage:       stage,
		Level:       level,
		Message:     message,
		Metadata:    metadata,
	}); err != nil {
		o.deps.Logger.Warn("event emission failed", "attempt_id", attempt.ID, "stage", stage, "error", err)
	}
}

func statusErr(ok bool, message string) error {
	if ok {
		return nil
	}
	if message == "" {
		message = "stage failed"
	}
	return errors.New(message)
}
