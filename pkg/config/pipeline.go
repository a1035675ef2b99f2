package config

import "time"

// PipelineConfig holds attempt-independent configuration for the release
// pipeline: where the project lives, where persisted state goes, and how to
// reach external collaborators.
type PipelineConfig struct {
	ProjectRoot    string
	DockerHost     string
	SnapshotDir    string
	DataPath       string
	RegistryPath   string
	TestCommand    string
	NotifyURL      string
	NotifyTimeout  time.Duration
	AttemptTimeout time.Duration
}

// LoadPipelineConfig constructs a PipelineConfig from environment variables.
func LoadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ProjectRoot:    GetString("PIPELINE_PROJECT_ROOT", "."),
		DockerHost:     GetString("DOCKER_HOST", ""),
		SnapshotDir:    GetString("SNAPSHOT_DIR", "deployment_state"),
		DataPath:       GetString("DATABASE_PATH", "data/catalog.json"),
		RegistryPath:   GetString("MODEL_REGISTRY_PATH", "models/registry.json"),
		TestCommand:    GetString("PIPELINE_TEST_CMD", "go test ./..."),
		NotifyURL:      GetString("NOTIFY_CALLBACK_URL", ""),
		NotifyTimeout:  time.Duration(GetInt("NOTIFY_TIMEOUT_SECONDS", 5)) * time.Second,
		AttemptTimeout: time.Duration(GetInt("ATTEMPT_TIMEOUT_SECONDS", 0)) * time.Second,
	}
}
