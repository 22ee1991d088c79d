package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/api"
	"github.com/fuzzbed/fuzzbed/internal/auth"
	"github.com/fuzzbed/fuzzbed/internal/config"
	"github.com/fuzzbed/fuzzbed/internal/engine"
	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/imagespec"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/lifecycle"
	"github.com/fuzzbed/fuzzbed/internal/lock"
	"github.com/fuzzbed/fuzzbed/internal/log"
	"github.com/fuzzbed/fuzzbed/internal/orchestrator"
	"github.com/fuzzbed/fuzzbed/internal/reaper"
	"github.com/fuzzbed/fuzzbed/internal/storage"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Shutdown budget for in-flight runs after the API has stopped.
const drainTimeout = 20 * time.Second

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "init":
		return runInit(args)
	case "list":
		return runList(args)
	case "start":
		return runStart(args)
	case "ps":
		return runPs(args)
	case "stop":
		return runStop(args)
	case "inspect":
		return runInspect(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runDoctor(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`fuzzbed - containerized fuzz-testing orchestrator

Usage:
  fuzzbed <command> [flags]

Server:
  serve     Run the orchestrator and HTTP API in the foreground
  doctor    Check workspaces for invalid manifests and stale generated files

Client:
  init      Create a workspace from a manifest and harnesses
  list      List workspaces (--out_tests to include harnesses)
  start     Start a fuzz job for a workspace
  ps        Show jobs, or one job with --job_name
  stop      Stop a job
  inspect   Show one job's transitions, timings and workspace
  watch     Live job dashboard

Other:
  config    Show the resolved service configuration (show, get)
  version   Show version information
  help      Show this help message

Client commands talk to $SERVER (or --server) and send $FUZZBED_API_KEY
(or --api-key) as a bearer token.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("fuzzbed %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// loadServiceConfig resolves the service config and applies the --testbed
// override, which wins over both the file and $TESTBED.
func loadServiceConfig(path, testbed string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if testbed != "" {
		if strings.Contains(testbed, ":") {
			return nil, fmt.Errorf("--testbed should not contain multiple paths: %q", testbed)
		}
		cfg.Testbed.Root = testbed
	}
	return cfg, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("service-config", "", "Path to the service configuration file")
	testbed := fs.String("testbed", "", "Testbed root (overrides config and $TESTBED)")
	listen := fs.String("listen", "", "API listen address (overrides config and $SERVER)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadServiceConfig(*configPath, *testbed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fuzzbed starting", "version", version, "testbed", cfg.Testbed.Root)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg); err != nil {
		logger.Error("fuzzbed failed", "error", err)
		return 1
	}
	logger.Info("fuzzbed stopped")
	return 0
}

// serve wires every component over cfg and blocks until ctx is cancelled
// or a component fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	store, err := workspace.NewStore(cfg.Testbed.Root, log.Get())
	if err != nil {
		return fmt.Errorf("open testbed: %w", err)
	}

	pidLock, err := lock.Acquire(cfg.PIDPath())
	if err != nil {
		return fmt.Errorf("acquire PID lock (another instance may be running): %w", err)
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	db, err := storage.OpenSQLite(ctx, cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()
	jnl := journal.New(db)

	hub := events.NewHub(256)
	defer hub.Close()

	registry := jobs.NewRegistry(
		jobs.WithJournal(jnl),
		jobs.WithPublisher(hub),
		jobs.WithLogger(log.Get()),
	)
	defer registry.Close()

	composer, err := imagespec.NewComposer(imagespec.Options{
		BaseImage:    cfg.Image.BaseImage,
		TemplatePath: cfg.Image.TemplatePath,
	})
	if err != nil {
		return err
	}

	controller := lifecycle.New(engine.NewDocker(cfg.Engine.Binary, log.Get()), registry, lifecycle.Config{
		BuildTimeout: cfg.Engine.BuildTimeout,
		StopTimeout:  cfg.Engine.StopTimeout,
		StopGrace:    cfg.Engine.StopGrace,
	}, log.Get())
	if err := restoreJobs(ctx, registry, jnl, controller); err != nil {
		return err
	}

	svc := orchestrator.New(store, composer, registry, controller,
		orchestrator.WithHistory(jnl),
		orchestrator.WithPublisher(hub),
		orchestrator.WithActiveRuns(controller.Active),
		orchestrator.WithLogger(log.Get()),
	)

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	server := api.New(api.Config{
		Listen: cfg.API.Listen,
		Auth:   auth.NewAuthenticator(cfg.API.Auth.APIKey, tokens),
	}, svc, hub, log.WithComponent("api"))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	if cfg.Testbed.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Watch(runCtx, func(list []workspace.Handle) {
				hub.Publish(events.WorkspacesRescan, map[string]any{"workspaces": len(list)})
			})
			if err != nil {
				errCh <- fmt.Errorf("testbed watch: %w", err)
			}
		}()
	}

	if cfg.Jobs.Retention > 0 {
		r, err := reaper.New(registry, cfg.Jobs.Retention, cfg.Jobs.ReapSchedule, log.Get())
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("reaper: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("fuzzbed running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case failure = <-errCh:
		logger.Error("component failed", "error", failure)
	}
	stop()
	wg.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := controller.Shutdown(drainCtx); err != nil {
		logger.Warn("runs still active at shutdown", "active", controller.Active(), "error", err)
	}
	return failure
}

// restoreJobs reloads the journal into the registry. Containers still
// running for unfinished jobs are stopped before those jobs are failed.
func restoreJobs(ctx context.Context, registry *jobs.Registry, jnl *journal.Journal, controller *lifecycle.Controller) error {
	records, err := jnl.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	records = controller.StopOrphans(ctx, records)
	reaped, err := jnl.Reaped(ctx)
	if err != nil {
		return fmt.Errorf("load reaped jobs: %w", err)
	}
	orphans, err := registry.Restore(records, reaped)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	log.WithComponent("main").Info("jobs restored", "jobs", len(records), "orphaned", orphans)
	return nil
}
