package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabriziosalmi/proximity-sub006/pkg/alloc"
	"github.com/fabriziosalmi/proximity-sub006/pkg/catalog"
	"github.com/fabriziosalmi/proximity-sub006/pkg/config"
	"github.com/fabriziosalmi/proximity-sub006/pkg/orchestrator"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
	"github.com/fabriziosalmi/proximity-sub006/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var traceEnabled bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Long: `Serve starts the engine: it opens the ledger, runs pending migrations,
loads the template catalog, connects to the hypervisor, and drains the job
queue until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), traceEnabled)
		},
	}

	cmd.Flags().BoolVar(&traceEnabled, "trace", false, "export spans to stdout")
	return cmd
}

func runServe(ctx context.Context, traceEnabled bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: cfg.LogLevel})
	if err != nil {
		return err
	}

	tracer, shutdownTracer, err := telemetry.NewTracer(telemetry.TracerConfig{Enabled: traceEnabled})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DatabasePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	cat, err := catalog.New(cfg.TemplateDir, logger)
	if err != nil {
		return err
	}

	hv, err := proxmox.NewClient(cfg.Hypervisor, logger)
	if err != nil {
		return err
	}
	defer hv.Close()

	ports, err := alloc.NewPortAllocator(store,
		alloc.PortRange{Low: cfg.Ports.PublicLow, High: cfg.Ports.PublicHigh},
		alloc.PortRange{Low: cfg.Ports.InternalLow, High: cfg.Ports.InternalHigh},
	)
	if err != nil {
		return err
	}
	vmids := alloc.NewVMIDAllocator(store, hv, 0)

	metrics := telemetry.NewMetrics()

	engine := orchestrator.New(orchestrator.Config{
		Workers:        cfg.Orchestrator.Workers,
		PollInterval:   cfg.Orchestrator.PollInterval,
		MaxAttempts:    cfg.Orchestrator.MaxAttempts,
		BackoffBase:    cfg.Orchestrator.BackoffBase,
		BackoffCap:     cfg.Orchestrator.BackoffCap,
		ReconcileEvery: cfg.Orchestrator.ReconcileEvery,
		JanitorEvery:   cfg.Orchestrator.JanitorEvery,
		StuckDeadline:  cfg.Orchestrator.StuckDeadline,
		Storage:        cfg.Storage,
		Bridge:         cfg.Bridge,
	}, store, hv, cat, ports, vmids, logger, metrics, tracer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := cat.Watch(ctx); err != nil {
			logger.Error().Err(err).Msg("template catalog watcher failed")
		}
	}()

	return engine.Run(ctx)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending ledger migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DatabasePath})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("migrations applied")
			return nil
		},
	}
}
