// Package app wires the application together: databases, the
// persistence store, the event bus, broker clients, the analytics
// pipeline, risk and execution, the recovery engine, background jobs,
// the ops server and the production coordinator. Wire is the single
// entry point; everything hangs off the returned Container.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/analytics/scorers"
	"github.com/avramidis/strategos/internal/analytics/signal"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/clients/gateway"
	"github.com/avramidis/strategos/internal/clients/paper"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/integrator"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/recovery"
	"github.com/avramidis/strategos/internal/reliability"
	"github.com/avramidis/strategos/internal/risk"
	"github.com/avramidis/strategos/internal/scheduler"
	"github.com/avramidis/strategos/internal/server"
)

// Component registration priorities. Startup runs ascending, shutdown
// descending, so the bus outlives everything that publishes into it and
// the server is the first thing to stop taking traffic.
const (
	priorityBus       = 10
	priorityBroker    = 20
	priorityPipeline  = 30
	priorityScheduler = 40
	priorityServer    = 50
)

// Six-field cron schedules for the background jobs
const (
	cleanupSchedule     = "0 30 3 * * *" // daily at 03:30
	insightScanSchedule = "0 0 * * * *"  // hourly safety net; the inline trigger fires per record batch
	maintenanceSchedule = "0 0 4 * * *"  // daily at 04:00
	vacuumSchedule      = "0 0 5 * * 0"  // Sundays at 05:00
)

// Wire initializes all dependencies and returns a fully configured
// container. Stages run in dependency order; on any failure everything
// already built is released before the error returns.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Cfg:  cfg,
		Prom: metrics.New(),
		log:  log.With().Str("component", "app").Logger(),
	}

	if err := initDatabases(c, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}
	if err := initPersistence(ctx, c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	c.Bus = events.NewBus(cfg.Analytics, c.Prom, log)

	if err := initBroker(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize broker client: %w", err)
	}
	if err := initAnalytics(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize analytics engines: %w", err)
	}
	if err := initTrading(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize trading path: %w", err)
	}
	if err := initRecovery(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize recovery engine: %w", err)
	}

	c.Coordinator = coordinator.New(cfg.Monitoring, c.Store, c.Prom, log)
	c.Coordinator.OnStateChange(emergencyFlatten(c.Executor, c.Store, log))

	if err := initOps(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize ops surface: %w", err)
	}

	log.Info().
		Str("mode", cfg.Trading.Mode).
		Strs("symbols", cfg.Trading.Symbols).
		Msg("Dependency wiring completed")
	return c, nil
}

// initDatabases opens the durable SQLite stores. Order journal and
// learning records both survive restarts, so both run the durable
// profile.
func initDatabases(c *Container, cfg *config.Config) error {
	journalDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "journal.db"),
		Profile: database.ProfileDurable,
		Name:    "journal",
	})
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	c.JournalDB = journalDB

	learningDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "learning.db"),
		Profile: database.ProfileDurable,
		Name:    "learning",
	})
	if err != nil {
		return fmt.Errorf("failed to open learning database: %w", err)
	}
	c.LearningDB = learningDB
	return nil
}

// initPersistence builds the record store and, when enabled, the
// offsite S3 uploader.
func initPersistence(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	store, err := persistence.New(cfg.Persistence, c.Prom, log)
	if err != nil {
		return err
	}
	c.Store = store

	if cfg.Persistence.Offsite.Enabled {
		client, err := persistence.NewS3Client(ctx, cfg.Persistence.Offsite, log)
		if err != nil {
			return fmt.Errorf("failed to build offsite client: %w", err)
		}
		c.Offsite = persistence.NewOffsite(client, cfg.Persistence.Offsite, log)
	}
	return nil
}

// initBroker picks the client for the configured trading mode. Paper
// mode is self-contained; gateway mode talks to the MT5 bridge and
// carries its own websocket feed.
func initBroker(c *Container, cfg *config.Config, log zerolog.Logger) error {
	switch cfg.Trading.Mode {
	case "paper":
		b := paper.New(log)
		c.Paper = b
		c.Broker = b
		c.Stream = b
	case "gateway":
		client := gateway.New(cfg.Gateway, log)
		c.Gateway = client
		c.Broker = client
		c.Stream = client.Feed()
	default:
		return fmt.Errorf("unknown trading mode %q", cfg.Trading.Mode)
	}
	return nil
}

// initAnalytics builds the four analysis engines. The learning system
// owns the durable pattern records and feeds confidence back into
// signal synthesis.
func initAnalytics(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Confluence = confluence.New(cfg.Analytics, scorers.DefaultScorers(), log)
	c.Structure = structure.New(cfg.Analytics, log)

	learningSystem, err := learning.New(cfg.Analytics, c.LearningDB, log)
	if err != nil {
		return err
	}
	c.Learning = learningSystem
	c.Synthesizer = signal.New(cfg.Analytics, learningSystem, log)
	return nil
}

// initTrading builds the risk gate, the execution engine and the
// pipeline connecting analysis to orders. The correlation oracle is fed
// by the pipeline from primary-timeframe closes.
func initTrading(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Oracle = risk.NewReturnsOracle()
	c.Gate = risk.NewGate(cfg.Risk, c.Oracle, log)

	executor, err := execution.New(c.Broker, c.JournalDB, log)
	if err != nil {
		return err
	}
	c.Executor = executor

	c.Pipeline = integrator.New(
		cfg.Trading,
		cfg.Analytics,
		c.Broker,
		c.Stream,
		c.Confluence,
		c.Structure,
		c.Synthesizer,
		c.Learning,
		c.Gate,
		c.Executor,
		c.Bus,
		c.Prom,
		log,
	)
	c.Pipeline.SetPriceObserver(c.Oracle)
	return nil
}

// initRecovery builds the probe set, the engine and the stock action
// catalogue. The engine runs beside the coordinator rather than under
// it, so it can still act while registered components are failing.
func initRecovery(c *Container, cfg *config.Config, log zerolog.Logger) error {
	var pinger recovery.BrokerPinger
	if p, ok := c.Broker.(recovery.BrokerPinger); ok {
		pinger = p
	}
	var feed recovery.FeedSource
	if c.Gateway != nil {
		feed = &feedSource{clock: c.Gateway.Feed()}
	}

	c.Probes = recovery.NewProbes(
		cfg.Recovery,
		cfg.DataDir,
		pinger,
		&marginSource{broker: c.Broker},
		c.Pipeline,
		feed,
		log,
	)

	engine, err := recovery.New(cfg.Recovery, c.Probes, c.Store, c.Prom, log)
	if err != nil {
		return err
	}

	var controller recovery.BrokerController
	if ctrl, ok := c.Broker.(recovery.BrokerController); ok {
		controller = ctrl
	}

	deps := recovery.ActionDeps{
		Broker:           controller,
		Closer:           &closeAdapter{executor: c.Executor},
		Restarter:        c.Pipeline,
		Sweeper:          c.Store,
		Caches:           c.Confluence,
		NetworkProbeAddr: cfg.Recovery.NetworkProbeAddr,
	}
	for _, action := range recovery.DefaultActions(deps, log) {
		if err := engine.RegisterAction(action); err != nil {
			return fmt.Errorf("failed to register recovery action %s: %w", action.ID, err)
		}
	}

	c.Recovery = engine
	return nil
}

// initOps registers the background jobs, builds the ops server and
// hands every component to the coordinator in startup order.
func initOps(c *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)

	backup := scheduler.NewBackupJob(c.Store, c.Offsite, cfg.Persistence.BackupPath, log)
	cleanup := scheduler.NewCleanupJob(c.Store, log)
	insights := scheduler.NewInsightScanJob(c.Learning, log)
	maintenance := reliability.NewMaintenanceJob(c.Databases(), c.Store, cfg.DataDir, log)
	vacuum := reliability.NewVacuumJob(c.Databases(), log)

	backupSchedule := fmt.Sprintf("0 0 */%d * * *", cfg.Persistence.BackupIntervalH)
	register := []struct {
		schedule string
		job      scheduler.Job
	}{
		{backupSchedule, backup},
		{cleanupSchedule, cleanup},
		{insightScanSchedule, insights},
		{maintenanceSchedule, maintenance},
		{vacuumSchedule, vacuum},
	}
	for _, r := range register {
		if err := sched.AddJob(r.schedule, r.job); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", r.job.Name(), err)
		}
	}
	c.Scheduler = sched

	srv := server.New(server.Config{
		Port:        cfg.Server.Port,
		DevMode:     cfg.Server.DevMode,
		Coordinator: c.Coordinator,
		Recovery:    c.Recovery,
		Bus:         c.Bus,
		Pipeline:    c.Pipeline,
		Executor:    c.Executor,
		Gate:        c.Gate,
		Store:       c.Store,
		Scheduler:   sched,
		Databases:   c.Databases(),
		Prom:        c.Prom,
		Log:         log,
	})
	srv.SetJobs(backup, cleanup, insights, maintenance, vacuum)
	c.Server = srv

	var feed feedRunner
	if c.Gateway != nil {
		feed = c.Gateway.Feed()
	}

	components := []struct {
		name     string
		comp     coordinator.Component
		priority int
	}{
		{"event_bus", &busComponent{bus: c.Bus}, priorityBus},
		{"broker", &brokerComponent{
			broker:         c.Broker,
			feed:           feed,
			connectTimeout: cfg.Monitoring.ComponentStartupTimeout(),
		}, priorityBroker},
		{"integrator", c.Pipeline, priorityPipeline},
		{"scheduler", &schedulerComponent{sched: sched}, priorityScheduler},
		{"server", srv, priorityServer},
	}
	for _, reg := range components {
		if err := c.Coordinator.Register(reg.name, reg.comp, reg.priority); err != nil {
			return fmt.Errorf("failed to register component %s: %w", reg.name, err)
		}
	}

	c.Recovery.SetDispatchGate(dispatchGate(c.Coordinator))
	return nil
}
