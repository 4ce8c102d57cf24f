package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/analytics/learning"
)

// InsightScanJob forces a periodic insight scan. Scans normally trigger
// on outcome counts; in quiet markets this tick keeps the scorecard
// readings flowing anyway.
type InsightScanJob struct {
	learning *learning.System
	log      zerolog.Logger
}

func NewInsightScanJob(system *learning.System, log zerolog.Logger) *InsightScanJob {
	return &InsightScanJob{
		learning: system,
		log:      log.With().Str("job", "insight_scan").Logger(),
	}
}

func (j *InsightScanJob) Name() string { return "insight_scan" }

func (j *InsightScanJob) Run() error {
	j.learning.ScanInsights()
	return nil
}
