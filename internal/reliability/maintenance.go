// Package reliability holds the scheduled database maintenance jobs:
// integrity checks, WAL checkpoints, the disk space preflight and the
// weekly vacuum.
package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/persistence"
)

const (
	integrityTimeout = 2 * time.Minute

	// below haltFreeGB the job fails hard so the scheduler surfaces it
	// and operators act before sqlite starts failing writes
	haltFreeGB = 0.5
	warnFreeGB = 5.0
)

// MaintenanceJob is the daily pass: integrity check and WAL checkpoint
// over every live database, index checkpoint, disk space preflight and
// a growth report.
type MaintenanceJob struct {
	databases map[string]*database.DB
	store     *persistence.Store
	dataDir   string
	log       zerolog.Logger
}

func NewMaintenanceJob(databases map[string]*database.DB, store *persistence.Store, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		store:     store,
		dataDir:   dataDir,
		log:       log.With().Str("job", "daily_maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "daily_maintenance" }

func (j *MaintenanceJob) Run() error {
	start := time.Now()
	j.log.Info().Msg("Starting daily maintenance")

	ctx, cancel := context.WithTimeout(context.Background(), integrityTimeout)
	defer cancel()

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	for name, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// not fatal, the WAL keeps working until the next pass
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	if j.store != nil {
		if err := j.store.CheckpointIndex(); err != nil {
			j.log.Warn().Err(err).Msg("Index WAL checkpoint failed")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.reportGrowth()

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Daily maintenance completed")
	return nil
}

// checkDiskSpace stats the data filesystem and fails the job below the
// halt threshold
func (j *MaintenanceJob) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	switch {
	case availableGB < haltFreeGB:
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free on %s", availableGB, j.dataDir)
	case availableGB < warnFreeGB:
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	default:
		j.log.Debug().
			Float64("available_gb", availableGB).
			Msg("Disk space check passed")
	}
	return nil
}

func (j *MaintenanceJob) reportGrowth() {
	for name, db := range j.databases {
		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		j.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Int64("free_pages", stats.FreelistCount).
			Msg("Database size")
	}

	if j.store != nil {
		m := j.store.Metrics()
		j.log.Info().
			Int64("storage_bytes", m.StorageBytes).
			Uint64("writes", m.TotalWrites).
			Uint64("errors", m.Errors).
			Msg("Record store size")
	}
}

// VacuumJob is the weekly pass: VACUUM every database during the weekend
// quiet window and report reclaimed space.
type VacuumJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

func NewVacuumJob(databases map[string]*database.DB, log zerolog.Logger) *VacuumJob {
	return &VacuumJob{
		databases: databases,
		log:       log.With().Str("job", "weekly_vacuum").Logger(),
	}
}

func (j *VacuumJob) Name() string { return "weekly_vacuum" }

func (j *VacuumJob) Run() error {
	start := time.Now()
	j.log.Info().Msg("Starting weekly vacuum")

	for name, db := range j.databases {
		before, err := db.GetStats()
		if err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Failed to read stats before vacuum")
		}

		if err := db.Vacuum(); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Vacuum failed")
			continue
		}

		after, err := db.GetStats()
		if err == nil && before != nil {
			j.log.Info().
				Str("database", name).
				Float64("size_before_mb", float64(before.SizeBytes)/1024/1024).
				Float64("size_after_mb", float64(after.SizeBytes)/1024/1024).
				Msg("Vacuum completed")
		}
	}

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Weekly vacuum completed")
	return nil
}
