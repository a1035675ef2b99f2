package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mkarlin/shipgate/internal/docker"
	"github.com/mkarlin/shipgate/internal/domain"
	"github.com/mkarlin/shipgate/internal/envlock"
	"github.com/mkarlin/shipgate/internal/metrics"
	"github.com/mkarlin/shipgate/internal/service/monitor"
	"github.com/mkarlin/shipgate/internal/service/orchestrate"
	"github.com/mkarlin/shipgate/internal/service/rollback"
	"github.com/mkarlin/shipgate/internal/service/smoke"
	"github.com/mkarlin/shipgate/internal/service/validate"
	"github.com/mkarlin/shipgate/pkg/config"
	"github.com/mkarlin/shipgate/pkg/logger"
	"github.com/mkarlin/shipgate/pkg/notify"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "deploy":
		err = commandDeploy(args)
	case "quick-deploy":
		err = commandQuickDeploy(args)
	case "rollback":
		err = commandRollback(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// pipeline bundles everything a command needs after composition.
type pipeline struct {
	cfg     config.PipelineConfig
	profile domain.EnvironmentProfile
	orch    *orchestrate.Orchestrator
	agent   *rollback.Agent
	runtime *docker.Client
	close   func()
}

func buildPipeline(envName string) (*pipeline, error) {
	cfg := config.LoadPipelineConfig()
	profile, err := domain.ResolveProfile(envName)
	if err != nil {
		return nil, err
	}
	log := logger.New("shipgate", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	runtime, err := docker.New(cfg.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runtime.Ping(pingCtx); err != nil {
		runtime.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	agent := rollback.New(runtime, cfg.SnapshotDir, cfg.DataPath, profile, log)
	orch := orchestrate.New(orchestrate.Deps{
		Config:    cfg,
		Profile:   profile,
		Validator: validate.New(cfg, runtime, log),
		Smoke: smoke.New(&http.Client{Timeout: profile.SmokeTimeout}, log, smoke.Options{
			LatencyBudget: profile.LatencyBudget,
			CheckTimeout:  profile.SmokeTimeout,
		}),
		Monitor:  monitor.New(&http.Client{Timeout: profile.MonitorInterval}, log),
		Rollback: agent,
		Runtime:  runtime,
		Logger:   log,
		Metrics:  metrics.Default(),
		Notify:   notify.NewEmitter(cfg.NotifyURL, &http.Client{Timeout: cfg.NotifyTimeout}),
	})

	return &pipeline{
		cfg:     cfg,
		profile: profile,
		orch:    orch,
		agent:   agent,
		runtime: runtime,
		close:   func() { runtime.Close() },
	}, nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: shipgate deploy <staging|production> [--skip-build]")
	}
	envName := args[0]
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	skipBuild := fs.Bool("skip-build", false, "Skip the artifact build stage (image must already exist)")
	fs.Parse(args[1:])

	p, err := buildPipeline(envName)
	if err != nil {
		return err
	}
	defer p.close()

	attempt, err := p.orch.Deploy(context.Background(), *skipBuild)
	if err != nil {
		return err
	}
	printAttempt(attempt)
	if attempt.FinalStatus != domain.StatusSucceeded {
		os.Exit(1)
	}
	return nil
}

func commandQuickDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: shipgate quick-deploy <staging|production>")
	}
	p, err := buildPipeline(args[0])
	if err != nil {
		return err
	}
	defer p.close()

	attempt := p.orch.QuickCheck(context.Background())
	printAttempt(attempt)
	if attempt.FinalStatus != domain.StatusSucceeded {
		os.Exit(1)
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("usage: shipgate rollback <version_id>")
	}
	versionID := fs.Arg(0)
	envName := config.GetString("ENVIRONMENT", "production")

	p, err := buildPipeline(envName)
	if err != nil {
		return err
	}
	defer p.close()

	// Manual rollback competes with in-flight deploys for the same
	// environment, so it takes the same lock.
	release, err := envlock.TryAcquire(p.cfg.SnapshotDir, envName)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result := p.agent.Rollback(ctx, versionID)
	fmt.Printf("rollback %s: %s\n", versionID, result.Message)
	if !result.Success {
		os.Exit(1)
	}
	if err := p.agent.Verify(ctx, versionID); err != nil {
		return fmt.Errorf("rollback verify failed: %w", err)
	}
	fmt.Printf("rollback verified: %s serving on port %d\n", p.profile.ContainerName, p.profile.Port)
	return nil
}

func printAttempt(attempt *domain.Attempt) {
	fmt.Printf("attempt %s environment=%s\n", attempt.ID, attempt.Environment)
	if attempt.Validation != nil {
		passed, failed, skipped := attempt.Validation.Counts()
		fmt.Printf("  validation: passed=%d failed=%d skipped=%d\n", passed, failed, skipped)
		for _, check := range attempt.Validation.Checks {
			if !check.Passed && !check.Skipped {
				fmt.Printf("    FAIL %s: %s\n", check.Name, check.Message)
			}
		}
	}
	if attempt.Smoke != nil {
		fmt.Printf("  smoke: passed=%v avg_response=%s\n",
			attempt.Smoke.OverallPassed(), attempt.Smoke.AvgResponseTime())
		for _, res := range attempt.Smoke.Results {
			if !res.Passed {
				fmt.Printf("    FAIL %s: %s\n", res.TestName, res.Message)
			}
		}
	}
	if attempt.Monitoring != nil {
		fmt.Printf("  monitoring: passed=%v health_rate=%.3f samples=%d\n",
			attempt.Monitoring.Passed, attempt.Monitoring.HealthRate(), attempt.Monitoring.SampleCount)
		if reason := strings.TrimSpace(attempt.Monitoring.Reason); reason != "" {
			fmt.Printf("    %s\n", reason)
		}
	}
	if attempt.Rollback != nil {
		fmt.Printf("  rollback: success=%v %s\n", attempt.Rollback.Success, attempt.Rollback.Message)
	}
	fmt.Printf("final status: %s (%s)\n", attempt.FinalStatus, attempt.EndedAt.Sub(attempt.StartedAt).Round(time.Millisecond))
}

func printUsage() {
	fmt.Printf("shipgate %s\n\n", buildVersion)
	fmt.Print(`Usage:
	shipgate deploy <staging|production> [--skip-build]
	shipgate quick-deploy <staging|production>
	shipgate rollback <version_id>
	shipgate version

Environment:
	ENVIRONMENT              target environment for rollback (default production)
	PIPELINE_PROJECT_ROOT    project directory to validate and build (default .)
	SNAPSHOT_DIR             deployment snapshot directory (default deployment_state)
	NOTIFY_CALLBACK_URL      optional webhook for pipeline events
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
