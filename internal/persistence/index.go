package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/database"
)

// dataRecordsColumns is the list of columns for the data_records table.
// Used to avoid SELECT * which can break when schema changes.
// Column order must match scanRow() expectations.
const dataRecordsColumns = `id, category, timestamp, data_json, metadata_json, file_path, created_at`

// indexTimestampLayout is fixed-width so lexicographic ordering of the
// TEXT column matches chronological ordering. RFC3339Nano would drop
// trailing zeros and break ORDER BY.
const indexTimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const dataRecordsSchema = `
CREATE TABLE IF NOT EXISTS data_records (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	data_json TEXT NOT NULL,
	metadata_json TEXT,
	file_path TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_records_category_timestamp ON data_records(category, timestamp);
CREATE INDEX IF NOT EXISTS idx_data_records_timestamp ON data_records(timestamp);
`

// Index is the embedded relational index over the record files.
// All access goes through a single connection-wide lock; the write rate
// is low enough that serialization is cheaper than contention handling.
type Index struct {
	db      *database.DB
	mu      sync.Mutex
	timeout time.Duration
	log     zerolog.Logger
}

// indexRow mirrors one data_records row before JSON decoding
type indexRow struct {
	ID           string
	Category     string
	Timestamp    string
	DataJSON     string
	MetadataJSON sql.NullString
	FilePath     string
	CreatedAt    string
}

// NewIndex opens the index database and ensures the schema exists
func NewIndex(db *database.DB, timeout time.Duration, log zerolog.Logger) (*Index, error) {
	ix := &Index{
		db:      db,
		timeout: timeout,
		log:     log.With().Str("repo", "data_records").Logger(),
	}

	if _, err := db.Exec(dataRecordsSchema); err != nil {
		return nil, fmt.Errorf("failed to create data_records schema: %w", err)
	}

	return ix, nil
}

// Upsert inserts or replaces the index row for a record
func (ix *Index) Upsert(rec Record, filePath string) error {
	dataJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal record payload: %w", err)
	}

	var metadataJSON []byte
	if len(rec.Metadata) > 0 {
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal record metadata: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	query := `
		INSERT INTO data_records (` + dataRecordsColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			timestamp = excluded.timestamp,
			data_json = excluded.data_json,
			metadata_json = excluded.metadata_json,
			file_path = excluded.file_path
	`

	_, err = ix.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Category),
		rec.Timestamp.UTC().Format(indexTimestampLayout),
		string(dataJSON),
		nullable(metadataJSON),
		filePath,
		time.Now().UTC().Format(indexTimestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert index row: %w", err)
	}

	return nil
}

// Get returns the index row for an id, or nil when absent.
// An empty category matches any category.
func (ix *Index) Get(id string, category Category) (*indexRow, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	query := "SELECT " + dataRecordsColumns + " FROM data_records WHERE id = ?"
	args := []interface{}{id}
	if category != "" {
		query += " AND category = ?"
		args = append(args, string(category))
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index by id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Record not found
	}

	row, err := scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan index row: %w", err)
	}

	return &row, nil
}

// Query returns records in a category whose timestamp falls in [since, until],
// newest first. Zero times mean unbounded; limit <= 0 means no limit.
func (ix *Index) Query(category Category, since, until time.Time, limit int) ([]Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	query := "SELECT " + dataRecordsColumns + " FROM data_records WHERE category = ?"
	args := []interface{}{string(category)}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC().Format(indexTimestampLayout))
	}
	if !until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, until.UTC().Format(indexTimestampLayout))
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index range: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		rec, err := row.toRecord()
		if err != nil {
			ix.log.Warn().Err(err).Str("id", row.ID).Msg("Skipping malformed index row")
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate index rows: %w", err)
	}

	return records, nil
}

// Delete removes the index row for an id
func (ix *Index) Delete(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	if _, err := ix.db.ExecContext(ctx, "DELETE FROM data_records WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete index row: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes rows whose timestamp is before the cutoff.
// An empty category prunes across all categories.
func (ix *Index) DeleteOlderThan(category Category, cutoff time.Time) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	query := "DELETE FROM data_records WHERE timestamp < ?"
	args := []interface{}{cutoff.UTC().Format(indexTimestampLayout)}
	if category != "" {
		query += " AND category = ?"
		args = append(args, string(category))
	}

	result, err := ix.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune index rows: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return pruned, nil
}

// Count returns the number of indexed records
func (ix *Index) Count() (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()

	var count int64
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM data_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count index rows: %w", err)
	}
	return count, nil
}

func scanRow(rows *sql.Rows) (indexRow, error) {
	var row indexRow
	err := rows.Scan(
		&row.ID,
		&row.Category,
		&row.Timestamp,
		&row.DataJSON,
		&row.MetadataJSON,
		&row.FilePath,
		&row.CreatedAt,
	)
	return row, err
}

// toRecord reconstructs a Record from the index row alone. Used for range
// queries and as a fallback when the record file is missing.
func (row indexRow) toRecord() (Record, error) {
	ts, err := time.Parse(indexTimestampLayout, row.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse row timestamp: %w", err)
	}

	rec := Record{
		ID:        row.ID,
		Category:  Category(row.Category),
		Timestamp: ts,
	}

	if err := json.Unmarshal([]byte(row.DataJSON), &rec.Payload); err != nil {
		return Record{}, fmt.Errorf("failed to decode row payload: %w", err)
	}
	if row.MetadataJSON.Valid && row.MetadataJSON.String != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON.String), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("failed to decode row metadata: %w", err)
		}
	}

	return rec, nil
}

func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
