package rollback

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mkarlin/shipgate/internal/domain"
)

// ErrSnapshotNotFound indicates no snapshot was saved under the version id.
var ErrSnapshotNotFound = errors.New("rollback: snapshot not found")

// snapshotFileName returns the on-disk name for a version's snapshot. The
// format is part of the external contract: one file per version, fields as
// key=value pairs.
func snapshotFileName(versionID string) string {
	return "state_" + versionID
}

// writeSnapshot persists the snapshot durably: written to a temp file, synced,
// then renamed into place so a crash never leaves a half-written snapshot.
func writeSnapshot(dir string, snap domain.DeploymentSnapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "version_id=%s\n", snap.VersionID)
	fmt.Fprintf(&b, "timestamp=%s\n", snap.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "artifact_tag=%s\n", snap.ArtifactTag)
	fmt.Fprintf(&b, "container_id=%s\n", snap.ContainerID)
	fmt.Fprintf(&b, "port=%d\n", snap.Port)
	fmt.Fprintf(&b, "data_backup_path=%s\n", snap.DataBackupPath)

	path := filepath.Join(dir, snapshotFileName(snap.VersionID))
	tmp, err := os.CreateTemp(dir, "state_*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// readSnapshot loads a snapshot by version id.
func readSnapshot(dir, versionID string) (domain.DeploymentSnapshot, error) {
	path := filepath.Join(dir, snapshotFileName(versionID))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DeploymentSnapshot{}, ErrSnapshotNotFound
		}
		return domain.DeploymentSnapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	snap := domain.DeploymentSnapshot{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "version_id":
			snap.VersionID = value
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				snap.Timestamp = ts
			}
		case "artifact_tag":
			snap.ArtifactTag = value
		case "container_id":
			snap.ContainerID = value
		case "port":
			if port, err := strconv.Atoi(value); err == nil {
				snap.Port = port
			}
		case "data_backup_path":
			snap.DataBackupPath = value
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.DeploymentSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.VersionID == "" {
		return domain.DeploymentSnapshot{}, fmt.Errorf("snapshot %s has no version_id", path)
	}
	return snap, nil
}

// copyFile copies src to dst, creating parent directories for dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
