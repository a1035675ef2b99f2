package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/mkarlin/shipgate/pkg/config"
)

// EnvironmentProfile is the immutable per-environment configuration for one
// attempt. It is resolved once before any stage runs; nothing reads ambient
// configuration after that point.
type EnvironmentProfile struct {
	Name              string
	Port              int
	WorkerCount       int
	ArtifactTag       string
	ContainerName     string
	MonitorWindow     time.Duration
	MonitorInterval   time.Duration
	RollbackThreshold float64
	SmokeBaseURL      string
	LatencyBudget     time.Duration
	SmokeTimeout      time.Duration
}

// ServiceEnv renders the environment block passed to the deployed container.
func (p EnvironmentProfile) ServiceEnv() []string {
	return []string{
		"ENVIRONMENT=" + p.Name,
		"API_HOST=0.0.0.0",
		fmt.Sprintf("API_PORT=%d", p.Port),
		fmt.Sprintf("WORKERS=%d", p.WorkerCount),
	}
}

type profileDefaults struct {
	port      int
	workers   int
	window    time.Duration
	interval  time.Duration
	threshold float64
}

var knownEnvironments = map[string]profileDefaults{
	"staging":    {port: 8001, workers: 2, window: 60 * time.Second, interval: 5 * time.Second, threshold: 0.90},
	"production": {port: 8000, workers: 4, window: 300 * time.Second, interval: 10 * time.Second, threshold: 0.95},
}

// ResolveProfile builds the profile for a named environment from built-in
// defaults overridable via <ENV>_* environment variables.
func ResolveProfile(name string) (EnvironmentProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	defaults, ok := knownEnvironments[name]
	if !ok {
		return EnvironmentProfile{}, fmt.Errorf("unknown environment %q (expected staging or production)", name)
	}
	prefix := strings.ToUpper(name)
	port := config.GetInt(prefix+"_PORT", defaults.port)
	profile := EnvironmentProfile{
		Name:              name,
		Port:              port,
		WorkerCount:       config.GetInt(prefix+"_WORKERS", defaults.workers),
		ArtifactTag:       config.GetString(prefix+"_ARTIFACT_TAG", "shipgate-svc:"+name),
		ContainerName:     config.GetString(prefix+"_CONTAINER_NAME", "shipgate-"+name),
		MonitorWindow:     time.Duration(config.GetInt(prefix+"_MONITOR_WINDOW_SECONDS", int(defaults.window.Seconds()))) * time.Second,
		MonitorInterval:   time.Duration(config.GetInt(prefix+"_MONITOR_INTERVAL_SECONDS", int(defaults.interval.Seconds()))) * time.Second,
		RollbackThreshold: config.GetFloat(prefix+"_ROLLBACK_THRESHOLD", defaults.threshold),
		SmokeBaseURL:      config.GetString(prefix+"_SMOKE_BASE_URL", fmt.Sprintf("http://127.0.0.1:%d", port)),
		LatencyBudget:     time.Duration(config.GetInt(prefix+"_LATENCY_BUDGET_MS", 500)) * time.Millisecond,
		SmokeTimeout:      time.Duration(config.GetInt(prefix+"_SMOKE_TIMEOUT_SECONDS", 10)) * time.Second,
	}
	return profile, nil
}
