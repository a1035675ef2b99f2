package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeIndex(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return path
}

func TestLatestPicksMostRecentEntry(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "model_v2.bin")
	if err := os.WriteFile(artifact, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	path := writeIndex(t, dir, `{"entries":[
		{"model_id":"clf","version":"1.0.0","created_at":"2026-08-01T10:00:00Z"},
		{"model_id":"clf","version":"2.0.0","artifact_path":"`+artifact+`","created_at":"2026-08-20T10:00:00Z"}
	]}`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	latest, err := reg.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != "2.0.0" {
		t.Fatalf("expected version 2.0.0, got %s", latest.Version)
	}
}

func TestLatestFailsWhenArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeIndex(t, dir, `{"entries":[
		{"model_id":"clf","version":"1.0.0","artifact_path":"`+filepath.Join(dir, "gone.bin")+`","created_at":"2026-08-01T10:00:00Z"}
	]}`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := reg.Latest(); err == nil {
		t.Fatalf("missing artifact must fail Latest")
	}
}

func TestEmptyIndex(t *testing.T) {
	path := writeIndex(t, t.TempDir(), `{"entries":[]}`)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := reg.Latest(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestLoadRejectsMalformedIndex(t *testing.T) {
	path := writeIndex(t, t.TempDir(), `{"entries":`)
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed index must fail to load")
	}
}
