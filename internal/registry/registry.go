// Package registry reads the model registry index maintained by the training
// pipeline. Only read access is needed here; the registry's internal storage
// belongs to another system.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrEmpty indicates the registry index contains no entries.
var ErrEmpty = errors.New("registry: no entries")

// Entry describes one registered model artifact.
type Entry struct {
	ModelID      string             `json:"model_id"`
	Version      string             `json:"version"`
	ArtifactPath string             `json:"artifact_path"`
	CreatedAt    time.Time          `json:"created_at"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// Registry is a loaded registry index.
type Registry struct {
	entries []Entry
}

// Load reads and parses the registry index file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry index: %w", err)
	}
	var index struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse registry index: %w", err)
	}
	return &Registry{entries: index.Entries}, nil
}

// Entries returns all registered entries in file order.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Latest returns the most recently created entry and verifies its artifact
// is still present on disk.
func (r *Registry) Latest() (Entry, error) {
	if len(r.entries) == 0 {
		return Entry{}, ErrEmpty
	}
	latest := r.entries[0]
	for _, e := range r.entries[1:] {
		if e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest.ArtifactPath != "" {
		if _, err := os.Stat(latest.ArtifactPath); err != nil {
			return Entry{}, fmt.Errorf("latest entry %s artifact unavailable: %w", latest.ModelID, err)
		}
	}
	return latest, nil
}
