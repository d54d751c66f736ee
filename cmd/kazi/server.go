package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/admission"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/secrets"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/vcs"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverAddr       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the task execution server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `kazi --config path` and `kazi server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serverAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts the HTTP API, the task executor behind it, and the
// periodic orphan sweep.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	path := goutils.Env("KAZI_CONFIG", serverConfigPath)
	if path == "" {
		// Pick up ~/.kazi/config.yaml when present; env-only otherwise.
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		SQLite: storage.SQLiteConfig{
			Path:        cfg.Storage.SQLite.Path,
			JournalMode: cfg.Storage.SQLite.JournalMode,
		},
		Postgres: storage.PostgresConfig{
			DSN:          cfg.Storage.Postgres.DSN,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Storage.Postgres.MaxIdleConns,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()

	secretProvider := secrets.NewEnvProvider()

	// Sandbox driver.
	driver, err := buildDriver(ctx, cfg, secretProvider, logger)
	if err != nil {
		return err
	}

	// Orphan reaping only applies to the Docker driver; the remote
	// service expires its own sandboxes.
	var reaper orchestrator.OrphanReaper
	if cfg.Sandbox.Driver == "local" {
		r := sandbox.NewReaper(sandbox.ReaperConfig{MaxAge: cfg.SandboxMaxAge()}, logger)
		reaper = r

		sweep := cron.New()
		if _, err := sweep.AddFunc(cfg.Reaper.Schedule, func() { r.Reap(ctx) }); err != nil {
			return fmt.Errorf("invalid reaper schedule %q: %w", cfg.Reaper.Schedule, err)
		}
		sweep.Start()
		defer sweep.Stop()
		logger.Info("orphan sweep scheduled", slog.String("schedule", cfg.Reaper.Schedule))
	}

	// Admission.
	admit := admission.New(admission.Config{
		LockPath:   cfg.Admission.LockPath,
		QueueSize:  cfg.Admission.QueueSize,
		StaggerMax: cfg.StaggerMax(),
	}, logger)

	// Pull request publication (optional).
	var publisher orchestrator.Publisher
	if cfg.Hosting.TokenRef != "" {
		token, err := secretProvider.Resolve(ctx, cfg.Hosting.TokenRef)
		if err != nil {
			return fmt.Errorf("resolving hosting token: %w", err)
		}
		var ghOpts []vcs.GitHubOption
		if cfg.Hosting.BaseURL != "" {
			ghOpts = append(ghOpts, vcs.WithBaseURL(cfg.Hosting.BaseURL))
		}
		publisher = vcs.NewTaskPublisher(token, logger, ghOpts...)
		logger.Info("pull request publication enabled")
	}

	// Executor.
	agents := make(map[domain.AgentClass]orchestrator.AgentRuntime, len(cfg.Agents))
	for class, entry := range cfg.Agents {
		agents[domain.AgentClass(class)] = orchestrator.AgentRuntime{
			CredentialEnvVar: entry.CredentialEnvVar,
			CredentialRef:    entry.CredentialRef,
			Template:         entry.Template,
		}
	}
	executor := orchestrator.NewExecutor(
		store,
		driver,
		admit,
		secretProvider,
		publisher,
		reaper,
		orchestrator.NewMetrics(obs.Registry()),
		orchestrator.Config{
			Agents:         agents,
			CommitterName:  cfg.Executor.CommitterName,
			CommitterEmail: cfg.Executor.CommitterEmail,
			RunTimeout:     cfg.RunTimeout(),
		},
		logger,
	)

	// HTTP gateway.
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.Addr,
		APIKeys:    cfg.APIKeyOwners(),
		ReadyCheck: store.Ping,
	}
	if obs != nil {
		gwCfg.MetricsRegistry = obs.Registry()
		gwCfg.Metrics = obs.Metrics
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(gwCfg, store, executor, logger).WithSSE(true)
	if cfg.Server.RateLimitPerMinute > 0 {
		gw.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimitPerMinute,
		}))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// buildDriver constructs the configured sandbox driver.
func buildDriver(ctx context.Context, cfg *config.Config, secretProvider secrets.Provider, logger *slog.Logger) (sandbox.Driver, error) {
	switch cfg.Sandbox.Driver {
	case "local":
		return sandbox.NewLocalDriver(sandbox.LocalConfig{
			Images:         cfg.Images(),
			DefaultTimeout: cfg.RunTimeout(),
			MemoryMB:       cfg.Sandbox.Local.MemoryMB,
			CPUCores:       cfg.Sandbox.Local.CPUCores,
			PIDsLimit:      cfg.Sandbox.Local.PIDsLimit,
		}, logger), nil

	case "remote":
		apiKey, err := secretProvider.Resolve(ctx, cfg.Sandbox.Remote.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("resolving sandbox api key: %w", err)
		}
		return sandbox.NewRemoteDriver(sandbox.RemoteConfig{
			BaseURL:        cfg.Sandbox.Remote.BaseURL,
			APIKey:         apiKey,
			Template:       cfg.Sandbox.Remote.Template,
			SessionTimeout: cfg.RunTimeout(),
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown sandbox driver %q", cfg.Sandbox.Driver)
	}
}
