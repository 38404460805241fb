// Workflowd is the coordination daemon for long-running agent
// workflows. It owns the session state machine, context snapshots, and
// the policy gate every transport goes through.
//
// Usage:
//
//	# Start the HTTP admin server
//	workflowd
//
//	# Serve MCP tools on stdio instead of HTTP
//	workflowd mcp
//
//	# Show version information
//	workflowd version
//
// Configuration is loaded from ~/.config/workflowd/config.yaml and
// WORKFLOWD_* environment variables. See internal/config for details.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
	"github.com/fyrsmithlabs/workflowd/internal/compensation"
	"github.com/fyrsmithlabs/workflowd/internal/config"
	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/httpapi"
	"github.com/fyrsmithlabs/workflowd/internal/mcpserver"
	"github.com/fyrsmithlabs/workflowd/internal/services"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/telemetry"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	mode := "http"
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp":
			mode = "mcp"
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  workflowd           Start the HTTP admin server\n")
			fmt.Fprintf(os.Stderr, "  workflowd mcp       Serve MCP tools on stdio\n")
			fmt.Fprintf(os.Stderr, "  workflowd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, mode, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("workflowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, mode, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Telemetry first: the logger tees into the OTel log bridge when a
	// provider is available.
	tel, err := telemetry.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn("telemetry running degraded; spans and metrics may be lost")
	}

	logger.Info("Starting workflowd",
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.String("mode", mode),
	)

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("persistent_snapshots", cfg.Snapshots.Path != ""),
	)

	reg, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	// Background workers: the reaper and the compensation manager both
	// raise transitions through the gate.
	go reg.Reaper().Run(ctx)

	compCh, cancelComp := reg.Bus().Subscribe(0)
	defer cancelComp()
	go reg.Compensation().Run(ctx, compCh)

	if deps.forwarder != nil {
		fwdCh, cancelFwd := reg.Bus().Subscribe(0)
		defer cancelFwd()
		go deps.forwarder.Run(ctx, fwdCh)
	}

	if mode == "mcp" {
		mcpSrv, err := mcpserver.NewServer(&mcpserver.Config{
			Name:    cfg.Observability.ServiceName,
			Version: version,
			Logger:  logger,
		}, reg.Gate())
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}
		return mcpSrv.Run(ctx)
	}

	srv, err := httpapi.NewServer(reg.Gate(), logger, &httpapi.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsConn  *nats.Conn
	store     workflow.SessionStore
	snapshots snapshot.Repository
	forwarder *eventbus.Forwarder
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// initLogger initializes the structured logger, teeing records into the
// OTel log pipeline when an exporter is configured.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.LogLevel, err)
	}

	var zcfg zap.Config
	if cfg.Observability.EnableTelemetry {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	if provider := tel.LoggerProvider(); provider != nil {
		bridge := otelzap.NewCore(cfg.Observability.ServiceName,
			otelzap.WithLoggerProvider(provider),
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, bridge)
		}))
	}

	return logger, nil
}

// initDependencies wires the session store, the snapshot repository and
// the optional NATS infrastructure.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

		store, err := workflow.NewKVStore(nc, cfg.NATS.Bucket, logger)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}

		fwd, err := eventbus.NewForwarder(nc, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create event forwarder: %w", err)
		}

		deps.natsConn = nc
		deps.store = store
		deps.forwarder = fwd
	} else {
		deps.store = workflow.NewMemoryStore()
		logger.Info("Using in-memory session store")
	}

	repo, err := snapshot.NewChromemRepository(snapshot.ChromemConfig{
		Path:       expandHome(cfg.Snapshots.Path),
		Collection: cfg.Snapshots.Collection,
	}, nil, logger)
	if err != nil {
		if deps.natsConn != nil {
			deps.natsConn.Close()
		}
		return nil, fmt.Errorf("failed to create snapshot repository: %w", err)
	}
	deps.snapshots = repo

	return deps, nil
}

// initServices constructs the engine, gate and workers and collects them
// in the registry.
func initServices(cfg *config.Config, deps *dependencies, logger *zap.Logger) (services.Registry, error) {
	clk := clock.System{}
	bus := eventbus.New(logger)

	engine, err := workflow.NewEngine(workflow.Config{
		DefaultTimeout: cfg.Workflow.DefaultTimeout.Duration(),
	}, deps.store, bus, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	tracker, err := freshness.NewTracker(
		cfg.Freshness.FreshWindow.Duration(),
		cfg.Freshness.AcceptableWindow.Duration(),
		clk,
	)
	if err != nil {
		return nil, fmt.Errorf("creating freshness tracker: %w", err)
	}

	g, err := gate.New(gate.Config{
		RateLimit: cfg.Gate.RateLimit,
		RateBurst: cfg.Gate.RateBurst,
	}, engine, deps.snapshots, tracker, freshness.DefaultPolicy(), clk, logger)
	if err != nil {
		return nil, fmt.Errorf("creating gate: %w", err)
	}

	reaper, err := workflow.NewReaper(workflow.ReaperConfig{
		Interval:     cfg.Workflow.ReapInterval.Duration(),
		AbandonAfter: cfg.Workflow.AbandonAfter.Duration(),
	}, deps.store, g, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("creating reaper: %w", err)
	}

	comp, err := compensation.NewManager(engine, g, logger)
	if err != nil {
		return nil, fmt.Errorf("creating compensation manager: %w", err)
	}

	return services.NewRegistry(services.Options{
		Gate:         g,
		Engine:       engine,
		Snapshots:    deps.snapshots,
		Freshness:    tracker,
		Bus:          bus,
		Reaper:       reaper,
		Compensation: comp,
	}), nil
}

// expandHome resolves a leading ~ in a configured path.
func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
