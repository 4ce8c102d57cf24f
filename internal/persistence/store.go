package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/metrics"
)

const (
	datePartitionLayout = "2006-01-02"
	recordExt           = ".json"
	compressedExt       = ".json.gz"
	tempPrefix          = ".tmp-"
)

// Store is the two-tier persistence layer: one JSON file per record under
// date-partitioned category directories, plus an optional sqlite index.
// Safe under concurrent callers.
type Store struct {
	cfg     config.PersistenceConfig
	index   *Index
	indexDB *database.DB
	locks   pathLocks
	pool    *ants.Pool
	prom    *metrics.Metrics
	log     zerolog.Logger

	writes           atomic.Uint64
	reads            atomic.Uint64
	compressedWrites atomic.Uint64
	errorCount       atomic.Uint64
	backupCount      atomic.Uint64
	writeNanos       atomic.Int64
	readNanos        atomic.Int64
}

// New creates the store, its directories, the background worker pool and,
// when enabled, the sqlite index. Stale temp files and partial backups
// from a previous crash are swept on startup.
func New(cfg config.PersistenceConfig, prom *metrics.Metrics, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup path: %w", err)
	}

	s := &Store{
		cfg:  cfg,
		prom: prom,
		log:  log.With().Str("component", "persistence").Logger(),
	}

	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool

	if cfg.EnableIndex {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.BasePath, "index.db"),
			Profile: database.ProfileStandard,
			Name:    "index",
		})
		if err != nil {
			pool.Release()
			return nil, fmt.Errorf("failed to open index database: %w", err)
		}
		index, err := NewIndex(db, cfg.IndexTimeout(), log)
		if err != nil {
			db.Close()
			pool.Release()
			return nil, fmt.Errorf("failed to initialize index: %w", err)
		}
		s.index = index
		s.indexDB = db
	}

	s.sweepTempFiles()
	s.sweepPartialBackups()

	s.log.Info().
		Str("base_path", cfg.BasePath).
		Bool("index", cfg.EnableIndex).
		Bool("compression", cfg.EnableCompression).
		Msg("Persistence store ready")

	return s, nil
}

// Close releases the worker pool and the index connection.
// In-flight Store calls must have completed before Close.
func (s *Store) Close() error {
	s.pool.Release()
	if s.indexDB != nil {
		if err := s.indexDB.Close(); err != nil {
			return fmt.Errorf("failed to close index database: %w", err)
		}
	}
	return nil
}

// CheckpointIndex folds the index WAL into the main file. No-op when
// the index is disabled.
func (s *Store) CheckpointIndex() error {
	if s.indexDB == nil {
		return nil
	}
	return s.indexDB.WALCheckpoint("TRUNCATE")
}

// Store writes one record atomically and upserts its index row. An empty
// id is assigned a generated one; the assigned id is returned. Storing an
// existing id replaces the previous record.
func (s *Store) Store(id string, category Category, payload map[string]interface{}, metadata map[string]string) (string, error) {
	start := time.Now()

	if category == "" {
		s.errorCount.Add(1)
		return "", fmt.Errorf("category is required")
	}
	if id == "" {
		id = ksuid.New().String()
	}

	rec := Record{
		ID:        id,
		Category:  category,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  metadata,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.countError()
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	maxBytes := s.cfg.MaxFileSizeMB * 1024 * 1024
	if maxBytes > 0 && len(data) > maxBytes {
		s.countError()
		return "", fmt.Errorf("record %s exceeds max file size (%d > %d bytes)", id, len(data), maxBytes)
	}

	ext := recordExt
	compressed := false
	if s.cfg.EnableCompression && len(data) > s.cfg.CompressionThresholdBytes {
		data, err = gzipBytes(data)
		if err != nil {
			s.countError()
			return "", fmt.Errorf("failed to compress record: %w", err)
		}
		ext = compressedExt
		compressed = true
	}

	dir := filepath.Join(s.cfg.BasePath, string(category), rec.Timestamp.Format(datePartitionLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.countError()
		return "", fmt.Errorf("failed to create partition directory: %w", err)
	}
	finalPath := filepath.Join(dir, recordFilename(id, rec.Timestamp, ext))

	// Locate the previous file before the write so upsert can retire it
	var previousPath string
	if s.index != nil {
		if row, err := s.index.Get(id, category); err == nil && row != nil {
			previousPath = row.FilePath
		}
	}

	lock := s.locks.forPath(finalPath)
	lock.Lock()
	err = s.writeFile(finalPath, data)
	lock.Unlock()
	if err != nil {
		s.countError()
		return "", err
	}

	if s.index != nil {
		if err := s.index.Upsert(rec, finalPath); err != nil {
			s.countError()
			return "", fmt.Errorf("failed to index record %s: %w", id, err)
		}
	}

	if previousPath != "" && previousPath != finalPath {
		if err := os.Remove(previousPath); err != nil && !os.IsNotExist(err) {
			s.log.Debug().Err(err).Str("path", previousPath).Msg("Failed to remove superseded record file")
		}
	}

	s.writes.Add(1)
	s.writeNanos.Add(time.Since(start).Nanoseconds())
	if compressed {
		s.compressedWrites.Add(1)
	}
	if s.prom != nil {
		s.prom.PersistenceWrites.Inc()
	}

	return id, nil
}

// Load returns the record for an id, or nil when absent. The index is
// consulted first; when it is disabled or misses, recent date partitions
// are scanned newest first. An empty category searches all categories.
func (s *Store) Load(id string, category Category) (*Record, error) {
	start := time.Now()
	defer func() {
		s.reads.Add(1)
		s.readNanos.Add(time.Since(start).Nanoseconds())
		if s.prom != nil {
			s.prom.PersistenceReads.Inc()
		}
	}()

	if id == "" {
		return nil, fmt.Errorf("id is required")
	}

	if s.index != nil {
		row, err := s.index.Get(id, category)
		if err != nil {
			s.countError()
			return nil, err
		}
		if row != nil {
			rec, err := readRecordFile(row.FilePath)
			if err == nil {
				return rec, nil
			}
			// File lost or unreadable; the index row still carries the payload
			s.log.Warn().Err(err).Str("id", id).Str("path", row.FilePath).
				Msg("Record file unreadable, serving from index")
			fromRow, rowErr := row.toRecord()
			if rowErr != nil {
				s.countError()
				return nil, fmt.Errorf("failed to recover record %s from index: %w", id, rowErr)
			}
			return &fromRow, nil
		}
	}

	return s.scanForRecord(id, category)
}

// Query returns records in a category within [since, until], newest first.
// Zero bounds are open; limit <= 0 means unlimited.
func (s *Store) Query(category Category, since, until time.Time, limit int) ([]Record, error) {
	start := time.Now()
	defer func() {
		s.reads.Add(1)
		s.readNanos.Add(time.Since(start).Nanoseconds())
		if s.prom != nil {
			s.prom.PersistenceReads.Inc()
		}
	}()

	if category == "" {
		return nil, fmt.Errorf("category is required")
	}

	if s.index != nil {
		records, err := s.index.Query(category, since, until, limit)
		if err != nil {
			s.countError()
			return nil, err
		}
		return records, nil
	}

	return s.scanCategory(category, since, until, limit)
}

// Metrics returns a snapshot of rolling store activity
func (s *Store) Metrics() StoreMetrics {
	m := StoreMetrics{
		TotalWrites:      s.writes.Load(),
		TotalReads:       s.reads.Load(),
		CompressedWrites: s.compressedWrites.Load(),
		Errors:           s.errorCount.Load(),
		BackupCount:      s.backupCount.Load(),
		StorageBytes:     s.storageBytes(),
	}
	if m.TotalWrites > 0 {
		m.AvgWriteMs = float64(s.writeNanos.Load()) / float64(m.TotalWrites) / 1e6
	}
	if m.TotalReads > 0 {
		m.AvgReadMs = float64(s.readNanos.Load()) / float64(m.TotalReads) / 1e6
	}
	return m
}

// SubmitBackup runs Backup on the background pool
func (s *Store) SubmitBackup() error {
	err := s.pool.Submit(func() {
		if _, err := s.Backup(); err != nil {
			s.log.Error().Err(err).Msg("Background backup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to submit backup task: %w", err)
	}
	return nil
}

// SubmitCleanup runs Cleanup for all categories on the background pool
func (s *Store) SubmitCleanup() error {
	err := s.pool.Submit(func() {
		if _, err := s.Cleanup(""); err != nil {
			s.log.Error().Err(err).Msg("Background cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to submit cleanup task: %w", err)
	}
	return nil
}

// writeFile lands the payload at path. With atomic writes enabled the data
// goes to a temp file in the final directory first, so a rename makes the
// record visible all at once.
func (s *Store) writeFile(path string, data []byte) error {
	if !s.cfg.AtomicWrites {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write record file: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func(stage string, cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to %s: %w", stage, cause)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup("write temp file", err)
	}
	if s.cfg.SyncToDisk {
		if err := tmp.Sync(); err != nil {
			return cleanup("sync temp file", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// scanForRecord walks date partitions newest first looking for the id
func (s *Store) scanForRecord(id string, category Category) (*Record, error) {
	categories := []Category{category}
	if category == "" {
		var err error
		categories, err = s.listCategories()
		if err != nil {
			return nil, err
		}
	}

	prefix := id + "_"
	for _, cat := range categories {
		partitions, err := s.listPartitions(cat)
		if err != nil {
			return nil, err
		}
		// Newest date first
		sort.Sort(sort.Reverse(sort.StringSlice(partitions)))

		for _, partition := range partitions {
			dir := filepath.Join(s.cfg.BasePath, string(cat), partition)
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}

			var matches []string
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() || !strings.HasPrefix(name, prefix) || !isRecordFile(name) {
					continue
				}
				matches = append(matches, name)
			}
			if len(matches) == 0 {
				continue
			}
			// Latest write of the id wins
			sort.Sort(sort.Reverse(sort.StringSlice(matches)))

			rec, err := readRecordFile(filepath.Join(dir, matches[0]))
			if err != nil {
				s.countError()
				return nil, err
			}
			return rec, nil
		}
	}

	return nil, nil // Record not found
}

// scanCategory is the index-disabled Query path
func (s *Store) scanCategory(category Category, since, until time.Time, limit int) ([]Record, error) {
	partitions, err := s.listPartitions(category)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(partitions)))

	var records []Record
	for _, partition := range partitions {
		if skip, err := partitionOutOfRange(partition, since, until); err == nil && skip {
			continue
		}

		dir := filepath.Join(s.cfg.BasePath, string(category), partition)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !isRecordFile(entry.Name()) {
				continue
			}
			rec, err := readRecordFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				s.log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable record file")
				continue
			}
			if !since.IsZero() && rec.Timestamp.Before(since) {
				continue
			}
			if !until.IsZero() && rec.Timestamp.After(until) {
				continue
			}
			records = append(records, *rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) listCategories() ([]Category, error) {
	entries, err := os.ReadDir(s.cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read base path: %w", err)
	}
	var categories []Category
	for _, entry := range entries {
		if entry.IsDir() {
			categories = append(categories, Category(entry.Name()))
		}
	}
	return categories, nil
}

func (s *Store) listPartitions(category Category) ([]string, error) {
	dir := filepath.Join(s.cfg.BasePath, string(category))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read category directory: %w", err)
	}
	var partitions []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(datePartitionLayout, entry.Name()); err != nil {
			continue
		}
		partitions = append(partitions, entry.Name())
	}
	return partitions, nil
}

func (s *Store) storageBytes() int64 {
	var total int64
	filepath.WalkDir(s.cfg.BasePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// sweepTempFiles removes temp files a crashed writer left behind
func (s *Store) sweepTempFiles() {
	removed := 0
	filepath.WalkDir(s.cfg.BasePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("Swept stale temp files")
	}
}

func (s *Store) countError() {
	s.errorCount.Add(1)
	if s.prom != nil {
		s.prom.PersistenceErrors.Inc()
	}
}

func recordFilename(id string, ts time.Time, ext string) string {
	return fmt.Sprintf("%s_%s_%03d%s", id, ts.Format("150405"), ts.Nanosecond()/int(time.Millisecond), ext)
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) || strings.HasSuffix(name, compressedExt)
}

// partitionOutOfRange reports whether a whole date partition falls outside
// [since, until]; parse errors never skip a partition
func partitionOutOfRange(partition string, since, until time.Time) (bool, error) {
	day, err := time.Parse(datePartitionLayout, partition)
	if err != nil {
		return false, err
	}
	dayEnd := day.Add(24 * time.Hour)
	if !since.IsZero() && dayEnd.Before(since) {
		return true, nil
	}
	if !until.IsZero() && day.After(until) {
		return true, nil
	}
	return false, nil
}

func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	if strings.HasSuffix(path, ".gz") {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress record file: %w", err)
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record file: %w", err)
	}
	return &rec, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
