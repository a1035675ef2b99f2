// Package validate implements the pre-deployment gate: static and readiness
// checks that run before any artifact is shipped.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlin/shipgate/internal/docker"
	"github.com/mkarlin/shipgate/internal/domain"
	"github.com/mkarlin/shipgate/internal/registry"
	"github.com/mkarlin/shipgate/pkg/config"
)

// RequiredEnvVars must be present for the deployed service to start.
var RequiredEnvVars = []string{"ENVIRONMENT", "API_HOST", "API_PORT"}

// RecommendedEnvVars are reported when absent but do not fail the gate.
var RecommendedEnvVars = []string{"LOG_LEVEL", "DATABASE_PATH", "MODEL_REGISTRY_PATH"}

const (
	checkTestSuite = "test_suite"
	checkBuild     = "artifact_build"
	checkEnvVars   = "environment_variables"
	checkDataFiles = "data_files"
	checkRegistry  = "model_registry"

	testSuiteTimeout = 10 * time.Minute
	buildTimeout     = 10 * time.Minute
)

// ImageBuilder is the container-build dependency of the build check.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
}

// Validator runs the five independent pre-deployment checks.
type Validator struct {
	cfg     config.PipelineConfig
	builder ImageBuilder
	logger  *slog.Logger
	lookup  func(string) (string, bool)
}

// New creates a Validator. builder may be nil when builds are always skipped.
func New(cfg config.PipelineConfig, builder ImageBuilder, logger *slog.Logger) *Validator {
	return &Validator{cfg: cfg, builder: builder, logger: logger, lookup: os.LookupEnv}
}

// Validate runs every check and returns the assembled report. Checks never
// propagate errors past their own boundary; a check that fails internally is
// reported as failed with the error captured in its details.
func (v *Validator) Validate(ctx context.Context, projectRoot string, skipBuild bool) domain.ValidationReport {
	start := time.Now()
	if strings.TrimSpace(projectRoot) == "" {
		projectRoot = v.cfg.ProjectRoot
	}

	var report domain.ValidationReport
	report.Checks = append(report.Checks, v.runCheck(checkTestSuite, func() (string, map[string]any, error) {
		return v.checkTests(ctx, projectRoot)
	}))
	if skipBuild {
		report.Checks = append(report.Checks, domain.ValidationCheck{
			Name:      checkBuild,
			Passed:    true,
			Skipped:   true,
			Message:   "artifact build skipped",
			Timestamp: time.Now().UTC(),
		})
	} else {
		report.Checks = append(report.Checks, v.runCheck(checkBuild, func() (string, map[string]any, error) {
			return v.checkArtifactBuild(ctx, projectRoot)
		}))
	}
	report.Checks = append(report.Checks, v.runCheck(checkEnvVars, func() (string, map[string]any, error) {
		return v.checkEnvironment()
	}))
	report.Checks = append(report.Checks, v.runCheck(checkDataFiles, func() (string, map[string]any, error) {
		return v.checkData()
	}))
	report.Checks = append(report.Checks, v.runCheck(checkRegistry, func() (string, map[string]any, error) {
		return v.checkModelRegistry()
	}))

	report.Duration = time.Since(start)
	passed, failed, skipped := report.Counts()
	v.logger.Info("pre-deployment validation finished",
		"passed", passed, "failed", failed, "skipped", skipped,
		"overall", report.OverallPassed(), "duration", report.Duration)
	return report
}

// runCheck times a single check and converts any internal error into a failed
// ValidationCheck instead of letting it escape.
func (v *Validator) runCheck(name string, fn func() (string, map[string]any, error)) domain.ValidationCheck {
	start := time.Now()
	message, details, err := fn()
	elapsed := time.Since(start)
	if details == nil {
		details = map[string]any{}
	}
	details["elapsed"] = elapsed.String()
	check := domain.ValidationCheck{
		Name:      name,
		Passed:    err == nil,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		details["error"] = err.Error()
		if check.Message == "" {
			check.Message = err.Error()
		}
		v.logger.Warn("validation check failed", "check", name, "error", err, "duration", elapsed)
	} else {
		v.logger.Debug("validation check passed", "check", name, "duration", elapsed)
	}
	return check
}

func (v *Validator) checkTests(ctx context.Context, projectRoot string) (string, map[string]any, error) {
	command := strings.Fields(v.cfg.TestCommand)
	if len(command) == 0 {
		return "", nil, fmt.Errorf("no test command configured")
	}
	runCtx, cancel := context.WithTimeout(ctx, testSuiteTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = projectRoot
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	passed, failed := parseTestOutput(string(output))
	details := map[string]any{"passed_count": passed, "failed_count": failed}
	if err != nil {
		details["output_tail"] = tail(string(output), 2048)
		return "test suite failed", details, fmt.Errorf("run %q: %w", v.cfg.TestCommand, err)
	}
	return fmt.Sprintf("test suite passed (%d ok)", passed), details, nil
}

func (v *Validator) checkArtifactBuild(ctx context.Context, projectRoot string) (string, map[string]any, error) {
	if v.builder == nil {
		return "", nil, fmt.Errorf("image builder unavailable")
	}
	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	// Throwaway tag: the preflight build proves the artifact is buildable
	// without touching any tag the deploy stage will use.
	tag := "shipgate-preflight:" + uuid.NewString()[:8]
	var lines int
	err := v.builder.BuildImage(buildCtx, projectRoot, tag, nil, func(string) { lines++ })
	details := map[string]any{"tag": tag, "output_lines": lines}
	if err != nil {
		return "artifact build failed", details, err
	}
	return "artifact build succeeded", details, nil
}

func (v *Validator) checkEnvironment() (string, map[string]any, error) {
	var missing, softMissing []string
	for _, key := range RequiredEnvVars {
		if value, ok := v.lookup(key); !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	for _, key := range RecommendedEnvVars {
		if value, ok := v.lookup(key); !ok || strings.TrimSpace(value) == "" {
			softMissing = append(softMissing, key)
		}
	}
	details := map[string]any{}
	if len(softMissing) > 0 {
		details["recommended_missing"] = softMissing
	}
	if len(missing) > 0 {
		details["required_missing"] = missing
		return "required environment variables missing", details, fmt.Errorf("missing: %s", strings.Join(missing, ", "))
	}
	message := "environment variables present"
	if len(softMissing) > 0 {
		message = fmt.Sprintf("required present, %d recommended missing", len(softMissing))
	}
	return message, details, nil
}

func (v *Validator) checkData() (string, map[string]any, error) {
	path := v.cfg.DataPath
	data, err := os.ReadFile(path)
	if err != nil {
		return "data file unavailable", map[string]any{"path": path}, err
	}
	count, err := catalogSize(data)
	if err != nil {
		return "data file unreadable", map[string]any{"path": path}, err
	}
	details := map[string]any{"path": path, "items": count}
	if count == 0 {
		return "catalog is empty", details, fmt.Errorf("catalog %s contains no items", path)
	}
	return fmt.Sprintf("catalog contains %d items", count), details, nil
}

func (v *Validator) checkModelRegistry() (string, map[string]any, error) {
	reg, err := registry.Load(v.cfg.RegistryPath)
	if err != nil {
		return "model registry unavailable", map[string]any{"path": v.cfg.RegistryPath}, err
	}
	entries := reg.Entries()
	details := map[string]any{"path": v.cfg.RegistryPath, "entries": len(entries)}
	if len(entries) == 0 {
		return "model registry is empty", details, registry.ErrEmpty
	}
	latest, err := reg.Latest()
	if err != nil {
		return "latest registry entry not retrievable", details, err
	}
	details["latest"] = latest.ModelID
	return fmt.Sprintf("registry has %d entries, latest %s", len(entries), latest.ModelID), details, nil
}

// catalogSize accepts either a top-level JSON array or an object with an
// "items" array and returns the number of structural units.
func catalogSize(data []byte) (int, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return 0, fmt.Errorf("parse catalog: %w", err)
		}
		return len(items), nil
	}
	var wrapper struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return 0, fmt.Errorf("parse catalog: %w", err)
	}
	return len(wrapper.Items), nil
}

// parseTestOutput extracts pass/fail package counts from `go test` style
// output. Unrecognized runners degrade to exit-status-only reporting.
func parseTestOutput(output string) (passed, failed int) {
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ok "), strings.HasPrefix(line, "ok\t"):
			passed++
		case strings.HasPrefix(line, "FAIL"), strings.HasPrefix(line, "--- FAIL"):
			failed++
		}
	}
	return passed, failed
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
