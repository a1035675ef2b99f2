// Package rollback persists deployment snapshots and reverses a failed
// deployment from them.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mkarlin/shipgate/internal/docker"
	"github.com/mkarlin/shipgate/internal/domain"
)

const startDeadline = 30 * time.Second

// ContainerRuntime is the container backend the agent reverses through.
// *docker.Client satisfies it; tests substitute a fake.
type ContainerRuntime interface {
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, name, image string, env []string, port int) (docker.ContainerInfo, error)
	State(ctx context.Context, name string) (docker.ContainerState, error)
	WaitRunning(ctx context.Context, name string, deadline time.Duration) error
}

// SaveRequest names what the caller wants captured before a deploy proceeds.
type SaveRequest struct {
	VersionID    string
	ArtifactTag  string
	ContainerRef string
	BackupData   bool
}

// Agent saves and restores named deployment snapshots for one environment.
type Agent struct {
	runtime  ContainerRuntime
	dir      string
	dataPath string
	profile  domain.EnvironmentProfile
	logger   *slog.Logger
}

// New creates an Agent persisting snapshots under dir for the given profile.
func New(runtime ContainerRuntime, dir, dataPath string, profile domain.EnvironmentProfile, logger *slog.Logger) *Agent {
	return &Agent{runtime: runtime, dir: dir, dataPath: dataPath, profile: profile, logger: logger}
}

// Save persists a snapshot of the pre-deploy state. The write is durable
// before Save returns; the orchestrator treats a failed Save as fatal and
// never proceeds to deploy without it.
func (a *Agent) Save(ctx context.Context, req SaveRequest) (domain.DeploymentSnapshot, error) {
	if req.VersionID == "" {
		return domain.DeploymentSnapshot{}, fmt.Errorf("version id required")
	}
	snap := domain.DeploymentSnapshot{
		VersionID:   req.VersionID,
		Timestamp:   time.Now().UTC(),
		ArtifactTag: req.ArtifactTag,
		ContainerID: req.ContainerRef,
		Port:        a.profile.Port,
	}
	if req.BackupData && a.dataPath != "" {
		backup := filepath.Join(a.dir, "backup_"+req.VersionID+filepath.Ext(a.dataPath))
		if err := copyFile(a.dataPath, backup); err != nil {
			return domain.DeploymentSnapshot{}, fmt.Errorf("backup data file: %w", err)
		}
		snap.DataBackupPath = backup
	}
	if err := writeSnapshot(a.dir, snap); err != nil {
		return domain.DeploymentSnapshot{}, err
	}
	a.logger.Info("deployment snapshot saved",
		"version_id", snap.VersionID, "artifact_tag", snap.ArtifactTag,
		"port", snap.Port, "backup", snap.DataBackupPath != "")
	return snap, nil
}

// Load returns the snapshot saved under versionID, or ErrSnapshotNotFound.
func (a *Agent) Load(versionID string) (domain.DeploymentSnapshot, error) {
	return readSnapshot(a.dir, versionID)
}

// Rollback reverses the environment to the named snapshot: stop whatever is
// bound to the environment's port, start a container from the snapshot's
// artifact tag on the same port, restore the data backup if one was recorded.
// Failure modes are reported in the result, never thrown.
func (a *Agent) Rollback(ctx context.Context, versionID string) domain.RollbackResult {
	result := domain.RollbackResult{
		PreviousRef: a.profile.ContainerName,
		Timestamp:   time.Now().UTC(),
		Details:     map[string]any{"version_id": versionID},
	}
	snap, err := a.Load(versionID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			result.Message = fmt.Sprintf("snapshot not found for version %s", versionID)
		} else {
			result.Message = fmt.Sprintf("load snapshot: %v", err)
		}
		result.Details["error"] = err.Error()
		a.logger.Error("rollback aborted", "version_id", versionID, "error", err)
		return result
	}

	a.logger.Info("rolling back",
		"version_id", versionID, "artifact_tag", snap.ArtifactTag, "port", snap.Port)

	name := a.profile.ContainerName
	if err := a.runtime.StopContainer(ctx, name); err != nil {
		result.Message = fmt.Sprintf("stop current container: %v", err)
		result.Details["error"] = err.Error()
		return result
	}
	if err := a.runtime.RemoveContainer(ctx, name); err != nil {
		result.Message = fmt.Sprintf("remove current container: %v", err)
		result.Details["error"] = err.Error()
		return result
	}

	info, err := a.runtime.RunContainer(ctx, name, snap.ArtifactTag, a.profile.ServiceEnv(), snap.Port)
	if err != nil {
		result.Message = fmt.Sprintf("start snapshot artifact: %v", err)
		result.Details["error"] = err.Error()
		return result
	}
	result.NewRef = info.ID

	if snap.DataBackupPath != "" && a.dataPath != "" {
		if err := copyFile(snap.DataBackupPath, a.dataPath); err != nil {
			result.Message = fmt.Sprintf("restore data backup: %v", err)
			result.Details["error"] = err.Error()
			return result
		}
		result.Details["data_restored"] = true
	}

	if err := a.runtime.WaitRunning(ctx, name, startDeadline); err != nil {
		result.Message = fmt.Sprintf("restored artifact did not reach running state: %v", err)
		result.Details["error"] = err.Error()
		return result
	}

	result.Success = true
	result.Message = fmt.Sprintf("rolled back to %s (%s)", versionID, snap.ArtifactTag)
	a.logger.Info("rollback complete", "version_id", versionID, "container_id", info.ID)
	return result
}

// Verify independently re-checks that the environment's container is running.
// The orchestrator treats this, not Rollback's own success, as the
// authoritative signal for the attempt's final status.
func (a *Agent) Verify(ctx context.Context, versionID string) error {
	if _, err := a.Load(versionID); err != nil {
		return err
	}
	state, err := a.runtime.State(ctx, a.profile.ContainerName)
	if err != nil {
		return fmt.Errorf("inspect restored container: %w", err)
	}
	if !state.Running {
		return fmt.Errorf("restored container is %s, not running", state.Status)
	}
	return nil
}
