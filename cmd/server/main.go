package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hybrid-dns/eventbroker/internal/api"
	"github.com/hybrid-dns/eventbroker/internal/auth"
	"github.com/hybrid-dns/eventbroker/internal/batcher"
	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/config"
	"github.com/hybrid-dns/eventbroker/internal/critical"
	"github.com/hybrid-dns/eventbroker/internal/db"
	"github.com/hybrid-dns/eventbroker/internal/delivery"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/logger"
	"github.com/hybrid-dns/eventbroker/internal/metrics"
	"github.com/hybrid-dns/eventbroker/internal/metricscollector"
	"github.com/hybrid-dns/eventbroker/internal/replay"
	"github.com/hybrid-dns/eventbroker/internal/retention"
	"github.com/hybrid-dns/eventbroker/internal/session"
	"github.com/hybrid-dns/eventbroker/internal/subscriptions"
)

const logSeparator = "========================================"

// cliFlags holds all parsed command line flags.
type cliFlags struct {
	showVersion  *bool
	port         *string
	basePath     *string
	logLevel     *string
	dataDir      *string
	databasePath *string
}

// parseFlags defines and parses command line flags.
func parseFlags() cliFlags {
	flags := cliFlags{
		showVersion:  flag.Bool("version", false, "Print version and exit"),
		port:         flag.String("port", "", "HTTP server port (env: EVENTBROKER_PORT, default: 3090)"),
		basePath:     flag.String("base-path", "", "URL base path for reverse proxy (env: EVENTBROKER_BASE_PATH, default: /)"),
		logLevel:     flag.String("log-level", "", "Log level: debug, info, error (env: EVENTBROKER_LOG_LEVEL, default: info)"),
		dataDir:      flag.String("data-dir", "", "Data directory path (env: EVENTBROKER_DATA_DIR)"),
		databasePath: flag.String("database-path", "", "Database file path (env: EVENTBROKER_DATABASE_PATH)"),
	}
	flag.BoolVar(flags.showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()
	return flags
}

// applyFlagOverrides applies CLI flags to the configuration.
func applyFlagOverrides(flags cliFlags) {
	config.ApplyFlags(config.FlagOverrides{
		Port:         flags.port,
		BasePath:     flags.basePath,
		LogLevel:     flags.logLevel,
		DataDir:      flags.dataDir,
		DatabasePath: flags.databasePath,
	})
}

// logConfiguration logs the current configuration.
func logConfiguration(cfg *config.Config) {
	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Bus Queue Size: %d (workers: %d)", cfg.BusQueueSize, cfg.BusWorkerCount)
	logger.Infof("  Escalation Default Timeout: %s", cfg.EscalationDefaultTimeout)
}

// runScheduledBackups runs database backups every 6 hours.
func runScheduledBackups(repo *db.Repository, dbPath string) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := repo.Backup(dbPath); err != nil {
			logger.Errorf("Scheduled backup failed: %v", err)
		}
	}
}

// initDatabase initializes the database and starts background backup.
func initDatabase(cfg *config.Config) *db.Repository {
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("Database initialized successfully")

	if backupPath, err := repo.Backup(cfg.DatabasePath); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("Database backup created: %s", backupPath)
	}

	go runScheduledBackups(repo, cfg.DatabasePath)

	return repo
}

// defaultCriticalRules builds the rule set matching every CRITICAL event
// type against the single administrative account, escalating on the
// configured default timeout up through L4 (spec.md §4.7).
func defaultCriticalRules(cfg *config.Config) []domain.CriticalEventRule {
	return []domain.CriticalEventRule{
		{
			ID:                 "default-critical",
			Name:               "Default critical event notification",
			EventTypes:         domain.CriticalEventTypes(),
			AllAdmins:          true,
			EscalationEnabled:  true,
			EscalationTimeout:  cfg.EscalationDefaultTimeout,
			MaxEscalationLevel: domain.EscalationL4,
			Channels:           []string{"session"},
		},
	}
}

// coreDeps bundles every CORE component the composition root constructs,
// in the order they must start and shut down.
type coreDeps struct {
	repo       *db.Repository
	bus        *eventbus.Bus
	subs       *subscriptions.Registry
	sessions   *session.Manager
	batch      *batcher.Batcher
	tracker    *delivery.Tracker
	replayEng  *replay.Engine
	crit       *critical.Notifier
	collector  *metricscollector.Collector
	retention  *retention.Service
	metricsSvc *metrics.Service
}

// buildCore wires the EventBus, SubscriptionRegistry, SessionManager,
// MessageBatcher, DeliveryTracker, ReplayEngine, CriticalNotifier,
// MetricsCollector, and RetentionService together (spec.md §2's
// component graph), and loads persisted subscription state.
func buildCore(repo *db.Repository, cfg *config.Config) *coreDeps {
	clk := clock.NewRealClock()
	admin := auth.SingleAdmin{}

	subs := subscriptions.New(repo, admin)
	if err := subs.LoadAll(); err != nil {
		logger.Errorf("Failed to load persisted subscriptions: %v", err)
	} else {
		logger.Infof("Subscription registry loaded")
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.MaxGlobal = cfg.SessionGlobalMax
	sessionCfg.MaxPerUser = cfg.SessionPerUserMax
	sessionCfg.IdleTimeout = cfg.SessionIdleTimeout
	sessionCfg.PongTimeout = cfg.SessionPingTimeout
	sessions := session.New(sessionCfg, clk, auth.VerifySessionToken, subs)

	batchCfg := batcher.DefaultConfig()
	batchCfg.MaxBatchCount = cfg.BatcherMaxCount
	batchCfg.MaxBatchBytes = cfg.BatcherMaxBytes
	batchCfg.BatchTimeout = cfg.BatcherTimeout
	batchCfg.CompressionThreshold = cfg.BatcherCompressionThreshold
	batchCfg.MaxQueueSize = cfg.BatcherQueueBound
	batchCfg.LoadThreshold = cfg.BatcherLoadThreshold
	batch := batcher.New(batchCfg, clk, sessions.SendToUser, sessions.Broadcast)

	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.MaxAttempts = cfg.DeliveryMaxAttempts
	deliveryCfg.BaseBackoff = cfg.DeliveryBaseBackoff
	deliveryCfg.SweepInterval = cfg.DeliverySweepPeriod
	tracker := delivery.New(deliveryCfg, repo, sessions, batch, clk)

	bus := eventbus.New(repo, subs, tracker, eventbus.Config{
		QueueSize:   cfg.BusQueueSize,
		WorkerCount: cfg.BusWorkerCount,
	})

	replayEng := replay.New(repo, sessions, clk)

	crit := critical.New(critical.DefaultConfig(), defaultCriticalRules(cfg), repo, sessions, admin, clk)
	crit.RegisterWith(bus)

	collector, err := metricscollector.New(metricscollector.DefaultConfig(), bus, clk)
	if err != nil {
		logger.Errorf("Failed to initialize metrics collector: %v", err)
	}

	retentionCfg := retention.DefaultConfig()
	retentionCfg.EventRetentionDays = cfg.RetentionEventDays
	retentionCfg.DeliveryRetentionDays = cfg.RetentionDeliveryDays
	retentionSvc, err := retention.New(retentionCfg, repo, clk)
	if err != nil {
		logger.Errorf("Failed to initialize retention service: %v", err)
	}

	metricsSvc := metrics.NewService(prometheus.NewRegistry(), bus, batch, sessions, tracker)

	return &coreDeps{
		repo:       repo,
		bus:        bus,
		subs:       subs,
		sessions:   sessions,
		batch:      batch,
		tracker:    tracker,
		replayEng:  replayEng,
		crit:       crit,
		collector:  collector,
		retention:  retentionSvc,
		metricsSvc: metricsSvc,
	}
}

// startCore launches every background component in dependency order:
// the Bus's workers before anything emits into it, the DeliveryTracker's
// retry sweep before the Bus can dispatch, then the notifier, collector,
// and retention cron jobs.
func startCore(c *coreDeps) {
	c.bus.Start()
	c.tracker.Start()
	c.crit.Start()
	if c.collector != nil {
		c.collector.Start()
	}
	if c.retention != nil {
		c.retention.Start()
	}

	if n, err := c.bus.ReconcileUnprocessed(time.Now().Add(-24 * time.Hour)); err != nil {
		logger.Errorf("Failed to reconcile unprocessed events: %v", err)
	} else if n > 0 {
		logger.Infof("Reconciled %d unprocessed events from before restart", n)
	}

	logger.Infof("All background components started")
}

// stopCore shuts components down in the reverse of their start order.
func stopCore(c *coreDeps) {
	if c.retention != nil {
		logger.Infof("Stopping retention service...")
		c.retention.Shutdown()
	}
	if c.collector != nil {
		logger.Infof("Stopping metrics collector...")
		c.collector.Shutdown()
	}
	logger.Infof("Stopping critical notifier...")
	c.crit.Shutdown()
	logger.Infof("Stopping delivery tracker...")
	c.tracker.Shutdown()
	logger.Infof("Stopping event bus...")
	c.bus.Shutdown()
}

// startAPIServer initializes and starts the API server in a goroutine.
func startAPIServer(c *coreDeps, cfg *config.Config) *api.RESTServer {
	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		DB:           c.repo.DB,
		Repo:         c.repo,
		Bus:          c.bus,
		Sessions:     c.sessions,
		Batcher:      c.batch,
		Delivery:     c.tracker,
		ReplayEngine: c.replayEng,
		Critical:     c.crit,
		Subs:         c.subs,
		Metrics:      c.metricsSvc,
	})

	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	return apiServer
}

// logStartupComplete logs the successful startup message.
func logStartupComplete(cfg *config.Config) {
	logger.Infof(logSeparator)
	logger.Infof("eventbroker %s started successfully", config.Version)
	logger.Infof("Server listening on port %s", cfg.Port)
	if cfg.BasePath != "/" {
		logger.Infof("API available at base path: %s", cfg.BasePath)
	}
	logger.Infof(logSeparator)
}

// gracefulShutdown handles the graceful shutdown of all components.
func gracefulShutdown(c *coreDeps, apiServer *api.RESTServer) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Infof("Stopping API server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API server shutdown error: %v", err)
	} else {
		logger.Infof("API server stopped")
	}

	stopCore(c)

	logger.Infof("Closing database connection...")
	if err := c.repo.Close(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	}

	logger.Infof(logSeparator)
	logger.Infof("eventbroker shutdown complete")
	logger.Infof(logSeparator)
}

func main() {
	flags := parseFlags()

	if *flags.showVersion {
		fmt.Printf("eventbroker %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()
	applyFlagOverrides(flags)
	cfg := config.Get()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof(logSeparator)
	logger.Infof("Starting eventbroker %s...", config.Version)
	logger.Infof("Real-time event broadcasting for hybrid-dns")
	logger.Infof(logSeparator)

	logConfiguration(cfg)

	repo := initDatabase(cfg)

	config.LoadBasePathFromDB(repo.DB)
	cfg = config.Get()
	logger.Infof("  Base Path: %s (source: %s)", cfg.BasePath, cfg.BasePathSource)

	core := buildCore(repo, cfg)
	startCore(core)

	apiServer := startAPIServer(core, cfg)
	logStartupComplete(cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof(logSeparator)
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof(logSeparator)

	gracefulShutdown(core, apiServer)
}
