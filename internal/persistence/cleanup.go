package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sweep reclaims disk space under pressure: abandoned temp files go
// first, then every expired partition. Wired to the disk-cleanup
// recovery action. Returns the number of partitions removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.sweepTempFiles()
	return s.Cleanup("")
}

// Cleanup deletes date partitions older than the retention window and
// prunes matching index rows. An empty category cleans all categories;
// retention_days <= 0 removes every partition. Returns the number of
// partitions removed.
func (s *Store) Cleanup(category Category) (int, error) {
	categories := []Category{category}
	if category == "" {
		var err error
		categories, err = s.listCategories()
		if err != nil {
			s.countError()
			return 0, err
		}
	}

	now := time.Now().UTC()
	removeAll := s.cfg.RetentionDays <= 0
	cutoffDay := now.AddDate(0, 0, -s.cfg.RetentionDays).Truncate(24 * time.Hour)

	removed := 0
	for _, cat := range categories {
		partitions, err := s.listPartitions(cat)
		if err != nil {
			s.countError()
			return removed, err
		}
		for _, partition := range partitions {
			day, err := time.Parse(datePartitionLayout, partition)
			if err != nil {
				continue
			}
			if !removeAll && !day.Before(cutoffDay) {
				continue
			}
			path := filepath.Join(s.cfg.BasePath, string(cat), partition)
			if err := os.RemoveAll(path); err != nil {
				s.countError()
				return removed, fmt.Errorf("failed to remove partition %s: %w", path, err)
			}
			removed++
			s.log.Debug().Str("category", string(cat)).Str("partition", partition).Msg("Removed expired partition")
		}
	}

	if s.index != nil {
		cutoff := cutoffDay
		if removeAll {
			// No retention: drop every row for the cleaned categories
			cutoff = now.Add(24 * time.Hour)
		}
		for _, cat := range categories {
			pruned, err := s.index.DeleteOlderThan(cat, cutoff)
			if err != nil {
				s.countError()
				return removed, err
			}
			if pruned > 0 {
				s.log.Debug().Str("category", string(cat)).Int64("rows", pruned).Msg("Pruned index rows")
			}
		}
	}

	if removed > 0 {
		s.log.Info().Int("partitions", removed).Int("retention_days", s.cfg.RetentionDays).Msg("Cleanup completed")
	}
	return removed, nil
}
