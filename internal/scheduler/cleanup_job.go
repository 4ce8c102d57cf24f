package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/persistence"
)

// CleanupJob sweeps expired record partitions across every category
type CleanupJob struct {
	store *persistence.Store
	log   zerolog.Logger
}

func NewCleanupJob(store *persistence.Store, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		store: store,
		log:   log.With().Str("job", "retention_cleanup").Logger(),
	}
}

func (j *CleanupJob) Name() string { return "retention_cleanup" }

func (j *CleanupJob) Run() error {
	removed, err := j.store.Cleanup("")
	if err != nil {
		return err
	}
	if removed == 0 {
		j.log.Debug().Msg("No expired partitions")
	}
	return nil
}
