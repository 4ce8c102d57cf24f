package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/persistence"
)

const (
	// uploads share the job goroutine, so a hung endpoint must not
	// stall the next cycle
	offsiteUploadTimeout = 10 * time.Minute

	keepLocalBackups = 7
)

// BackupJob snapshots the persistence store and, when offsite storage is
// configured, ships the snapshot to the S3 bucket and rotates old remote
// archives. Local snapshots beyond a keep count are pruned.
type BackupJob struct {
	store     *persistence.Store
	offsite   *persistence.Offsite
	backupDir string
	log       zerolog.Logger
}

// NewBackupJob creates the backup job. offsite may be nil.
func NewBackupJob(store *persistence.Store, offsite *persistence.Offsite, backupDir string, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		store:     store,
		offsite:   offsite,
		backupDir: backupDir,
		log:       log.With().Str("job", "persistence_backup").Logger(),
	}
}

func (j *BackupJob) Name() string { return "persistence_backup" }

func (j *BackupJob) Run() error {
	dir, err := j.store.Backup()
	if err != nil {
		return err
	}

	j.pruneLocal()

	if j.offsite == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), offsiteUploadTimeout)
	defer cancel()

	if err := j.offsite.UploadBackup(ctx, dir); err != nil {
		return err
	}
	if err := j.offsite.Rotate(ctx); err != nil {
		// the upload landed; rotation can catch up next cycle
		j.log.Warn().Err(err).Msg("Offsite rotation failed")
	}
	return nil
}

// pruneLocal removes the oldest local snapshots beyond the keep count.
// Backup names carry their timestamp, so lexical order is age order.
func (j *BackupJob) pruneLocal() {
	entries, err := os.ReadDir(j.backupDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to list local backups")
		return
	}

	var backups []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "backup_") {
			backups = append(backups, entry.Name())
		}
	}
	if len(backups) <= keepLocalBackups {
		return
	}

	sort.Strings(backups)
	for _, name := range backups[:len(backups)-keepLocalBackups] {
		path := filepath.Join(j.backupDir, name)
		if err := os.RemoveAll(path); err != nil {
			j.log.Warn().Err(err).Str("backup", name).Msg("Failed to prune local backup")
			continue
		}
		j.log.Info().Str("backup", name).Msg("Pruned local backup")
	}
}
