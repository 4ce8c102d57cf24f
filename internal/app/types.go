package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/analytics/signal"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/clients/gateway"
	"github.com/avramidis/strategos/internal/clients/paper"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/integrator"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/recovery"
	"github.com/avramidis/strategos/internal/risk"
	"github.com/avramidis/strategos/internal/scheduler"
	"github.com/avramidis/strategos/internal/server"
)

// Container holds every wired subsystem. Wire builds it; after that the
// coordinator owns component lifecycles and the recovery engine runs
// beside them. Close releases only what the coordinator does not manage.
type Container struct {
	Cfg *config.Config

	// Durable SQLite stores: the order journal and the learning records
	JournalDB  *database.DB
	LearningDB *database.DB

	Store   *persistence.Store
	Offsite *persistence.Offsite

	Prom *metrics.Metrics
	Bus  *events.Bus

	// Broker and Stream are the active client for the configured
	// trading mode; exactly one of Paper/Gateway backs them
	Broker  domain.BrokerClient
	Stream  domain.CandleStream
	Paper   *paper.Broker
	Gateway *gateway.Client

	Confluence  *confluence.Engine
	Structure   *structure.Intelligence
	Synthesizer *signal.Synthesizer
	Learning    *learning.System

	// Oracle estimates cross-pair correlation from primary-timeframe
	// closes fed by the pipeline
	Oracle *risk.ReturnsOracle

	Gate     *risk.Gate
	Executor *execution.Engine
	Pipeline *integrator.Pipeline

	Probes   *recovery.Probes
	Recovery *recovery.Engine

	Scheduler   *scheduler.Scheduler
	Server      *server.Server
	Coordinator *coordinator.Coordinator

	log zerolog.Logger
}

// Databases returns the named database set for maintenance jobs and the
// ops surface.
func (c *Container) Databases() map[string]*database.DB {
	dbs := make(map[string]*database.DB, 2)
	if c.JournalDB != nil {
		dbs["journal"] = c.JournalDB
	}
	if c.LearningDB != nil {
		dbs["learning"] = c.LearningDB
	}
	return dbs
}

// Close flushes and releases the persistence store and the databases.
// Call after the coordinator has stopped; safe on a partially built
// container.
func (c *Container) Close() error {
	var firstErr error
	closeOne := func(err error, what string) {
		if err == nil {
			return
		}
		c.log.Error().Err(err).Str("resource", what).Msg("Close failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", what, err)
		}
	}

	if c.Store != nil {
		closeOne(c.Store.Close(), "persistence store")
	}
	if c.LearningDB != nil {
		closeOne(c.LearningDB.Close(), "learning database")
	}
	if c.JournalDB != nil {
		closeOne(c.JournalDB.Close(), "journal database")
	}
	return firstErr
}
