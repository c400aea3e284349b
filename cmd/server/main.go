package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/api"
	"boundless-bastion/internal/config"
	"boundless-bastion/internal/execution"
	"boundless-bastion/internal/executor"
	"boundless-bastion/internal/gpu"
	"boundless-bastion/internal/model"
	"boundless-bastion/internal/monitor"
	"boundless-bastion/internal/query"
	"boundless-bastion/internal/registry"
	"boundless-bastion/internal/storage"
	"boundless-bastion/internal/telemetry"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration from environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := monitor.NewTracingProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	metrics := monitor.NewMetrics()

	// Initialize database (optional; memory is authoritative)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.Open(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, running without persistence")
			db = nil
		} else {
			defer db.Close()
		}
	}

	var (
		writer       *storage.Writer
		commandSink  registry.CommandSink
		nodeSink     registry.NodeSink
		executionOut execution.Sink
		sampleSink   telemetry.SampleSink
	)
	if db != nil {
		writer = storage.NewWriter(db, cfg.Database.WriteBuffer, metrics)
		writer.Start()
		defer writer.Flush(10 * time.Second)
		commandSink, nodeSink, executionOut, sampleSink = writer, writer, writer, writer
	}

	// Core components
	execStore := execution.NewStore()
	commands := registry.NewCommandRegistry(execStore, registry.WithCommandSink(commandSink))
	nodes := registry.NewNodeRegistry(cfg.Nodes.ReachabilityTTL, nodeSink)
	samples := telemetry.NewStore(sampleSink)

	exec, err := executor.New(cfg.Executor)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create executor")
	}

	coordinator := execution.NewCoordinator(commands, nodes, exec, execStore, execution.Options{
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		Sink:          executionOut,
		Metrics:       metrics,
		Tracer:        monitor.NewTracer(),
	})

	if db != nil {
		snap, err := storage.Load(ctx, db, cfg.Database.HydrateLimit, cfg.Telemetry.Retention)
		if err != nil {
			log.Error().Err(err).Msg("failed to load persisted state")
		} else {
			log.Info().
				Int("commands", commands.Restore(snap.Commands)).
				Int("nodes", nodes.Restore(snap.Nodes)).
				Int("executions", coordinator.Restore(snap.Executions)).
				Int("gpu_samples", samples.Restore(snap.Samples)).
				Msg("restored persisted state")
		}
	}

	registerNodes(cfg, nodes)
	seedCommands(cfg, commands)

	// Background workers
	prober := registry.NewProber(nodes, cfg.Nodes.ProbeInterval, cfg.Nodes.ProbeMaxWait, metrics)
	go prober.Run(ctx)

	collectorCfg := telemetry.CollectorConfig{
		Interval:    cfg.Telemetry.CollectInterval,
		Retention:   cfg.Telemetry.Retention,
		LocalNodeID: cfg.Nodes.LocalNodeID,
		Recorder:    metrics,
	}
	if cfg.Telemetry.NVML {
		provider := gpu.NewNVMLProvider()
		if err := provider.Init(); err != nil {
			log.Warn().Err(err).Msg("NVML unavailable, local GPU sampling disabled")
		} else {
			defer provider.Shutdown()
			collectorCfg.Local = telemetry.NewNVMLSource(provider)
		}
	}
	if cfg.Telemetry.HTTPPull {
		collectorCfg.Remote = telemetry.NewHTTPSource(cfg.Telemetry.GPUPath, cfg.Nodes.ProbeMaxWait)
	}
	if collectorCfg.Local != nil || collectorCfg.Remote != nil {
		go telemetry.NewCollector(samples, nodes, collectorCfg).Run(ctx)
	}

	server := api.NewServer(cfg, api.Deps{
		Commands:   commands,
		Nodes:      nodes,
		Dispatcher: coordinator,
		Query:      query.NewFacade(coordinator, samples),
		Ingester:   samples,
		Metrics:    metrics,
		DB:         healthChecker(db),
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Str("executor", cfg.Executor.Backend).
		Int("commands", commands.Len()).
		Int("nodes", len(nodes.List())).
		Bool("tracing", tp.Enabled()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	coordinator.Close(cfg.Executor.DrainTimeout)
	if err := exec.Close(); err != nil {
		log.Error().Err(err).Msg("executor close error")
	}

	log.Info().Msg("server stopped")
}

// registerNodes adds configured static nodes and the local daemon node.
// Nodes already restored from the database are left as they are.
func registerNodes(cfg *config.Config, nodes *registry.NodeRegistry) {
	static := make([]model.Node, 0, len(cfg.Nodes.Static)+1)
	if cfg.Nodes.LocalDaemonURL != "" {
		static = append(static, model.Node{
			ID:      cfg.Nodes.LocalNodeID,
			Name:    "Local Daemon",
			Address: cfg.Nodes.LocalDaemonURL,
		})
	}
	for _, n := range cfg.Nodes.Static {
		static = append(static, model.Node{ID: n.ID, Name: n.Name, Address: n.Address})
	}

	for _, n := range static {
		if _, err := nodes.Register(n); err != nil {
			if model.IsConflict(err) {
				continue
			}
			log.Warn().Err(err).Str("name", n.Name).Msg("skipping configured node")
		}
	}
}

// seedCommands loads the command file, falling back to the built-in
// defaults when the registry is still empty.
func seedCommands(cfg *config.Config, commands *registry.CommandRegistry) {
	if cfg.Commands.SeedFile != "" {
		inputs, err := registry.LoadCommandFile(cfg.Commands.SeedFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Commands.SeedFile).Msg("failed to load commands file")
		} else {
			n := registry.Seed(commands, inputs)
			log.Info().Int("created", n).Str("path", cfg.Commands.SeedFile).Msg("seeded commands from file")
		}
	}
	if cfg.Commands.SeedDefaults && commands.Len() == 0 {
		n := registry.Seed(commands, registry.DefaultCommands())
		log.Info().Int("created", n).Msg("seeded default commands")
	}
}

// healthChecker avoids handing the API a typed nil.
func healthChecker(db *storage.DB) api.HealthChecker {
	if db == nil {
		return nil
	}
	return db
}
