// Package persistence provides durable, categorized, indexed storage for
// analysis records. Records live as one-JSON-file-per-record under
// date-partitioned directories, with an optional sqlite index for fast
// lookups. Writes are atomic (temp file + rename) so readers never observe
// a partially written record.
package persistence

import (
	"time"
)

// Category partitions records on disk and in the index.
// The set is open; these are the categories the pipeline writes.
type Category string

const (
	CategoryPatterns    Category = "patterns"
	CategorySignals     Category = "signals"
	CategoryTrades      Category = "trades"
	CategoryPerformance Category = "performance"
	CategoryAnalysis    Category = "analysis"
	CategorySystemState Category = "system_state"
	CategoryRecovery    Category = "recovery"
)

// Record is the persistence unit. id is unique within a category;
// storing the same id again replaces the previous record.
type Record struct {
	ID        string                 `json:"id"`
	Category  Category               `json:"category"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// StoreMetrics is a point-in-time snapshot of store activity
type StoreMetrics struct {
	TotalWrites      uint64  `json:"total_writes"`
	TotalReads       uint64  `json:"total_reads"`
	CompressedWrites uint64  `json:"compressed_writes"`
	AvgWriteMs       float64 `json:"avg_write_ms"`
	AvgReadMs        float64 `json:"avg_read_ms"`
	Errors           uint64  `json:"errors"`
	StorageBytes     int64   `json:"storage_bytes"`
	BackupCount      uint64  `json:"backup_count"`
}
