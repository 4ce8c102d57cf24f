package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/config"
)

func testStoreConfig(t *testing.T) config.PersistenceConfig {
	t.Helper()
	dir := t.TempDir()
	return config.PersistenceConfig{
		BasePath:                  filepath.Join(dir, "data"),
		BackupPath:                filepath.Join(dir, "backups"),
		EnableCompression:         true,
		CompressionThresholdBytes: 4096,
		BackupIntervalH:           6,
		RetentionDays:             30,
		MaxFileSizeMB:             10,
		EnableIndex:               true,
		IndexTimeoutSec:           5,
		AtomicWrites:              true,
		SyncToDisk:                false,
		WorkerPoolSize:            2,
	}
}

func newTestStore(t *testing.T, cfg config.PersistenceConfig) *Store {
	t.Helper()
	s, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStoreLoadRoundTrip verifies a stored payload reads back unchanged
func TestStoreLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	payload := map[string]interface{}{"a": float64(1), "note": "fvg"}
	id, err := s.Store("x", CategorySignals, payload, map[string]string{"symbol": "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, "x", id)

	rec, err := s.Load("x", CategorySignals)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, payload, rec.Payload)
	assert.Equal(t, "EURUSD", rec.Metadata["symbol"])
	assert.Equal(t, CategorySignals, rec.Category)
	assert.False(t, rec.Timestamp.IsZero())
}

// TestStoreGeneratesID verifies an empty id is assigned
func TestStoreGeneratesID(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	id, err := s.Store("", CategoryPatterns, map[string]interface{}{"k": "v"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Load(id, CategoryPatterns)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
}

// TestStoreUpsertReplacesRecord verifies storing an existing id keeps
// exactly one live record
func TestStoreUpsertReplacesRecord(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	_, err := s.Store("dup", CategorySignals, map[string]interface{}{"v": float64(1)}, nil)
	require.NoError(t, err)
	_, err = s.Store("dup", CategorySignals, map[string]interface{}{"v": float64(2)}, nil)
	require.NoError(t, err)

	rec, err := s.Load("dup", CategorySignals)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, float64(2), rec.Payload["v"])

	// Superseded file retired
	count := 0
	filepath.WalkDir(filepath.Join(s.cfg.BasePath, string(CategorySignals)), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasPrefix(d.Name(), "dup_") {
			count++
		}
		return nil
	})
	assert.Equal(t, 1, count)
}

// TestLoadMissingReturnsNil verifies absent records are not an error
func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	rec, err := s.Load("ghost", CategoryTrades)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// TestQueryOrdersNewestFirst verifies range queries sort and limit
func TestQueryOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	for i := 0; i < 5; i++ {
		_, err := s.Store(fmt.Sprintf("q%d", i), CategoryAnalysis, map[string]interface{}{"seq": float64(i)}, nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	records, err := s.Query(CategoryAnalysis, time.Time{}, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, float64(4), records[0].Payload["seq"])
	assert.Equal(t, float64(3), records[1].Payload["seq"])
	assert.Equal(t, float64(2), records[2].Payload["seq"])
}

// TestIndexDisabledFallback verifies the directory-scan path answers
// Load and Query correctly without the index
func TestIndexDisabledFallback(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.EnableIndex = false
	s := newTestStore(t, cfg)

	_, err := s.Store("scan1", CategorySignals, map[string]interface{}{"n": float64(1)}, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Store("scan2", CategorySignals, map[string]interface{}{"n": float64(2)}, nil)
	require.NoError(t, err)

	rec, err := s.Load("scan1", CategorySignals)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, float64(1), rec.Payload["n"])

	// Empty category searches every category
	rec, err = s.Load("scan2", "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, float64(2), rec.Payload["n"])

	records, err := s.Query(CategorySignals, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, float64(2), records[0].Payload["n"])
}

// TestCompressionOverThreshold verifies large payloads land as .json.gz
// and still read back intact
func TestCompressionOverThreshold(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.CompressionThresholdBytes = 128
	s := newTestStore(t, cfg)

	payload := map[string]interface{}{"blob": strings.Repeat("abcdefgh", 64)}
	_, err := s.Store("big", CategoryAnalysis, payload, nil)
	require.NoError(t, err)

	found := false
	filepath.WalkDir(s.cfg.BasePath, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.HasPrefix(d.Name(), "big_") {
			assert.True(t, strings.HasSuffix(d.Name(), ".json.gz"))
			found = true
		}
		return nil
	})
	assert.True(t, found, "compressed record file not found")

	rec, err := s.Load("big", CategoryAnalysis)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, payload, rec.Payload)

	assert.Equal(t, uint64(1), s.Metrics().CompressedWrites)
}

// TestStoreRejectsOversizedRecord verifies the size cap
func TestStoreRejectsOversizedRecord(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.EnableCompression = false
	cfg.MaxFileSizeMB = 1
	s := newTestStore(t, cfg)

	payload := map[string]interface{}{"blob": strings.Repeat("x", 2*1024*1024)}
	_, err := s.Store("huge", CategoryAnalysis, payload, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max file size")

	rec, err := s.Load("huge", CategoryAnalysis)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// TestConcurrentSameIDNoTornReads hammers one id with concurrent writers
// and readers; every successful read must be a complete stored payload
func TestConcurrentSameIDNoTornReads(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	const writers = 8
	const rounds = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				payload := map[string]interface{}{"writer": float64(w), "round": float64(r)}
				_, err := s.Store("contended", CategorySignals, payload, nil)
				assert.NoError(t, err)
			}
		}(w)
	}

	stopReaders := make(chan struct{})
	var readerWg sync.WaitGroup
	for r := 0; r < 4; r++ {
		readerWg.Add(1)
		go func() {
			defer readerWg.Done()
			for {
				select {
				case <-stopReaders:
					return
				default:
				}
				rec, err := s.Load("contended", CategorySignals)
				assert.NoError(t, err)
				if rec != nil {
					w, wok := rec.Payload["writer"].(float64)
					r, rok := rec.Payload["round"].(float64)
					assert.True(t, wok && rok, "payload incomplete: %v", rec.Payload)
					assert.True(t, w >= 0 && w < writers)
					assert.True(t, r >= 0 && r < rounds)
				}
			}
		}()
	}

	wg.Wait()
	close(stopReaders)
	readerWg.Wait()

	rec, err := s.Load("contended", CategorySignals)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

// TestPersistenceAcrossReopen verifies records survive a process restart
func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := testStoreConfig(t)

	s, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Store("x", CategorySignals, map[string]interface{}{"a": float64(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, cfg)
	rec, err := reopened.Load("x", CategorySignals)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, float64(1), rec.Payload["a"])
}

// TestCleanupWithZeroRetentionRemovesAll verifies retention 0 wipes the
// category and subsequent loads miss
func TestCleanupWithZeroRetentionRemovesAll(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.RetentionDays = 0
	s := newTestStore(t, cfg)

	_, err := s.Store("x", CategorySignals, map[string]interface{}{"a": float64(1)}, nil)
	require.NoError(t, err)

	removed, err := s.Cleanup(CategorySignals)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, err := s.Load("x", CategorySignals)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// TestCleanupKeepsFreshPartitions verifies today's data survives the
// default retention window
func TestCleanupKeepsFreshPartitions(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	_, err := s.Store("fresh", CategoryTrades, map[string]interface{}{"a": float64(1)}, nil)
	require.NoError(t, err)

	removed, err := s.Cleanup("")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	rec, err := s.Load("fresh", CategoryTrades)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

// TestBackupCreatesManifest verifies backups are self-describing and no
// partial directory is left behind
func TestBackupCreatesManifest(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	_, err := s.Store("b1", CategorySignals, map[string]interface{}{"a": float64(1)}, nil)
	require.NoError(t, err)
	_, err = s.Store("b2", CategoryPatterns, map[string]interface{}{"b": float64(2)}, nil)
	require.NoError(t, err)

	backupDir, err := s.Backup()
	require.NoError(t, err)
	require.DirExists(t, backupDir)

	manifest, err := ReadManifest(backupDir)
	require.NoError(t, err)
	assert.Equal(t, s.cfg.BasePath, manifest.Source)
	assert.True(t, manifest.IncludesIndex)
	assert.GreaterOrEqual(t, manifest.Files, 3) // two records + index db

	entries, err := os.ReadDir(s.cfg.BackupPath)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), partialSuffix))
	}

	assert.Equal(t, uint64(1), s.Metrics().BackupCount)
}

// TestSweepsStaleTempFiles verifies crash leftovers are removed on reopen
func TestSweepsStaleTempFiles(t *testing.T) {
	cfg := testStoreConfig(t)
	s, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)

	dir := filepath.Join(cfg.BasePath, string(CategorySignals), time.Now().UTC().Format(datePartitionLayout))
	require.NoError(t, os.MkdirAll(dir, 0755))
	stale := filepath.Join(dir, tempPrefix+"123456")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))
	require.NoError(t, s.Close())

	reopened := newTestStore(t, cfg)
	_ = reopened

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

// TestMetricsTrackActivity verifies the rolling counters move
func TestMetricsTrackActivity(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	_, err := s.Store("m1", CategorySignals, map[string]interface{}{"a": float64(1)}, nil)
	require.NoError(t, err)
	_, err = s.Load("m1", CategorySignals)
	require.NoError(t, err)
	_, err = s.Load("missing", CategorySignals)
	require.NoError(t, err)

	m := s.Metrics()
	assert.Equal(t, uint64(1), m.TotalWrites)
	assert.Equal(t, uint64(2), m.TotalReads)
	assert.Greater(t, m.StorageBytes, int64(0))
	assert.GreaterOrEqual(t, m.AvgWriteMs, 0.0)
}
