// Package learning tracks how ICT patterns actually perform. Every
// detection is snapshotted with a prediction; once the outcome is known
// the rolling per-pattern performance is updated transactionally and
// feeds confidence back into signal synthesis.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/domain"
)

// NeutralConfidence is returned for patterns without enough samples
const NeutralConfidence = 50.0

// profitFactorCap stands in for a profit factor with zero gross loss
const profitFactorCap = 100.0

const learningSchema = `
CREATE TABLE IF NOT EXISTS pattern_records (
    id TEXT PRIMARY KEY,
    pattern_kind TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    strength REAL NOT NULL,
    confluence REAL NOT NULL,
    context_json TEXT,
    predicted_outcome TEXT NOT NULL,
    predicted_confidence REAL NOT NULL,
    actual_outcome TEXT,
    actual_profit_r REAL,
    feedback TEXT,
    detected_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_pattern_records_kind ON pattern_records(pattern_kind);
CREATE INDEX IF NOT EXISTS idx_pattern_records_completed ON pattern_records(completed_at);

CREATE TABLE IF NOT EXISTS pattern_performance (
    pattern_kind TEXT PRIMARY KEY,
    samples INTEGER NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    losses INTEGER NOT NULL DEFAULT 0,
    gross_profit_r REAL NOT NULL DEFAULT 0,
    gross_loss_r REAL NOT NULL DEFAULT 0,
    win_rate REAL NOT NULL DEFAULT 0,
    profit_factor REAL NOT NULL DEFAULT 0,
    expectancy REAL NOT NULL DEFAULT 0,
    confidence_score REAL NOT NULL DEFAULT 50,
    updated_at INTEGER NOT NULL
);
`

// recordColumns avoids SELECT *; order must match scanRecord
const recordColumns = `id, pattern_kind, symbol, timeframe, strength, confluence, context_json,
	predicted_outcome, predicted_confidence, actual_outcome, actual_profit_r, feedback,
	detected_at, completed_at`

const performanceColumns = `pattern_kind, samples, wins, losses, gross_profit_r, gross_loss_r,
	win_rate, profit_factor, expectancy, confidence_score, updated_at`

// Outcome is the realized result of a traded pattern
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// Detection is one pattern occurrence worth learning from
type Detection struct {
	PatternKind domain.PatternKind
	Symbol      string
	Timeframe   domain.Timeframe
	Strength    float64
	Confluence  float64
	Context     map[string]interface{}
}

// Record is a stored detection with its prediction and, once known,
// its outcome
type Record struct {
	ID                  string                 `json:"id"`
	PatternKind         domain.PatternKind     `json:"pattern_kind"`
	Symbol              string                 `json:"symbol"`
	Timeframe           domain.Timeframe       `json:"timeframe"`
	Strength            float64                `json:"strength"`
	Confluence          float64                `json:"confluence"`
	Context             map[string]interface{} `json:"context,omitempty"`
	PredictedOutcome    Outcome                `json:"predicted_outcome"`
	PredictedConfidence float64                `json:"predicted_confidence"`
	ActualOutcome       Outcome                `json:"actual_outcome,omitempty"`
	ActualProfitR       float64                `json:"actual_profit_r"`
	Feedback            string                 `json:"feedback,omitempty"`
	DetectedAt          time.Time              `json:"detected_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// Performance is the rolling scorecard of one pattern kind
type Performance struct {
	PatternKind     domain.PatternKind `json:"pattern_kind"`
	Samples         int                `json:"samples"`
	Wins            int                `json:"wins"`
	Losses          int                `json:"losses"`
	GrossProfitR    float64            `json:"gross_profit_r"`
	GrossLossR      float64            `json:"gross_loss_r"`
	WinRate         float64            `json:"win_rate"`
	ProfitFactor    float64            `json:"profit_factor"`
	Expectancy      float64            `json:"expectancy"`
	ConfidenceScore float64            `json:"confidence_score"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Insight is a standout reading worth acting on
type Insight struct {
	PatternKind    domain.PatternKind `json:"pattern_kind"`
	Recommendation string             `json:"recommendation"`
	Reason         string             `json:"reason"`
	WinRate        float64            `json:"win_rate"`
	ProfitFactor   float64            `json:"profit_factor"`
	Samples        int                `json:"samples"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

const (
	RecommendIncrease = "increase"
	RecommendDecrease = "decrease"
	RecommendReview   = "review"
)

// InsightHandler receives generated insights
type InsightHandler func(Insight)

// System owns the learning store. Performance updates are totally
// ordered per pattern kind.
type System struct {
	cfg config.AnalyticsConfig
	db  *database.DB
	log zerolog.Logger

	mu        sync.Mutex
	kindLocks map[domain.PatternKind]*sync.Mutex

	processed atomic.Int64

	handlerMu sync.RWMutex
	onInsight InsightHandler
}

func New(cfg config.AnalyticsConfig, db *database.DB, log zerolog.Logger) (*System, error) {
	if _, err := db.Conn().Exec(learningSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize learning schema: %w", err)
	}
	return &System{
		cfg:       cfg,
		db:        db,
		kindLocks: make(map[domain.PatternKind]*sync.Mutex),
		log:       log.With().Str("component", "learning").Logger(),
	}, nil
}

// SetInsightHandler registers the sink for generated insights
func (s *System) SetInsightHandler(h InsightHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onInsight = h
}

// RecordDetection snapshots a detection with a prediction derived from
// the pattern's historical performance and returns the record id
func (s *System) RecordDetection(ctx context.Context, det Detection) (string, error) {
	if det.PatternKind == "" {
		return "", fmt.Errorf("failed to record detection: pattern kind is required")
	}
	if det.Symbol == "" {
		return "", fmt.Errorf("failed to record detection: symbol is required")
	}

	predictedOutcome, predictedConfidence := s.predict(ctx, det.PatternKind)

	contextJSON := "{}"
	if len(det.Context) > 0 {
		raw, err := json.Marshal(det.Context)
		if err != nil {
			return "", fmt.Errorf("failed to serialize detection context: %w", err)
		}
		contextJSON = string(raw)
	}

	id := uuid.NewString()
	query := `
		INSERT INTO pattern_records
		(id, pattern_kind, symbol, timeframe, strength, confluence, context_json,
		 predicted_outcome, predicted_confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Conn().ExecContext(ctx, query,
		id,
		string(det.PatternKind),
		det.Symbol,
		string(det.Timeframe),
		det.Strength,
		det.Confluence,
		contextJSON,
		string(predictedOutcome),
		predictedConfidence,
		time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record detection: %w", err)
	}

	s.log.Debug().
		Str("record_id", id).
		Str("pattern", string(det.PatternKind)).
		Str("symbol", det.Symbol).
		Str("predicted", string(predictedOutcome)).
		Msg("Pattern detection recorded")
	return id, nil
}

// UpdateOutcome finalizes a record and folds the result into the
// pattern's rolling performance. A record's outcome is write-once.
func (s *System) UpdateOutcome(ctx context.Context, recordID string, outcome Outcome, profitR float64, feedback string) error {
	switch outcome {
	case OutcomeWin, OutcomeLoss, OutcomeBreakeven:
	default:
		return fmt.Errorf("failed to update outcome: unknown outcome %q", outcome)
	}

	var kind string
	row := s.db.Conn().QueryRowContext(ctx, `SELECT pattern_kind FROM pattern_records WHERE id = ?`, recordID)
	if err := row.Scan(&kind); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("failed to update outcome: record %s not found", recordID)
		}
		return fmt.Errorf("failed to update outcome: %w", err)
	}

	lock := s.kindLock(domain.PatternKind(kind))
	lock.Lock()
	defer lock.Unlock()

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var completed sql.NullInt64
		if err := tx.QueryRow(`SELECT completed_at FROM pattern_records WHERE id = ?`, recordID).Scan(&completed); err != nil {
			return err
		}
		if completed.Valid {
			return fmt.Errorf("outcome already recorded for %s", recordID)
		}

		now := time.Now().Unix()
		_, err := tx.Exec(`
			UPDATE pattern_records
			SET actual_outcome = ?, actual_profit_r = ?, feedback = ?, completed_at = ?
			WHERE id = ?`,
			string(outcome), profitR, feedback, now, recordID,
		)
		if err != nil {
			return err
		}
		return applyOutcome(tx, kind, outcome, profitR, now)
	})
	if err != nil {
		return fmt.Errorf("failed to update outcome: %w", err)
	}

	s.log.Info().
		Str("record_id", recordID).
		Str("pattern", kind).
		Str("outcome", string(outcome)).
		Float64("profit_r", profitR).
		Msg("Pattern outcome recorded")

	if interval := s.cfg.InsightGenerationInterval; interval > 0 {
		if n := s.processed.Add(1); n%int64(interval) == 0 {
			go s.generateInsights()
		}
	}
	return nil
}

// GetConfidence returns the pattern's confidence score, or the neutral
// default below the sample floor. Storage errors degrade to neutral.
func (s *System) GetConfidence(ctx context.Context, kind domain.PatternKind) float64 {
	var samples int
	var confidence float64
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT samples, confidence_score FROM pattern_performance WHERE pattern_kind = ?`, string(kind))
	if err := row.Scan(&samples, &confidence); err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn().Err(err).Str("pattern", string(kind)).Msg("Failed to read pattern confidence")
		}
		return NeutralConfidence
	}
	if samples < s.cfg.MinSamplesForConfidence {
		return NeutralConfidence
	}
	return confidence
}

// Performance returns the scorecard for one pattern kind, or nil when
// the pattern has no finalized samples yet
func (s *System) Performance(ctx context.Context, kind domain.PatternKind) (*Performance, error) {
	query := "SELECT " + performanceColumns + " FROM pattern_performance WHERE pattern_kind = ?"
	perf, err := scanPerformance(s.db.Conn().QueryRowContext(ctx, query, string(kind)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load performance for %s: %w", kind, err)
	}
	return perf, nil
}

// AllPerformance returns every pattern scorecard
func (s *System) AllPerformance(ctx context.Context) ([]Performance, error) {
	query := "SELECT " + performanceColumns + " FROM pattern_performance ORDER BY pattern_kind"
	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load performance: %w", err)
	}
	defer rows.Close()

	var out []Performance
	for rows.Next() {
		perf, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan performance: %w", err)
		}
		out = append(out, *perf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate performance: %w", err)
	}
	return out, nil
}

// Record loads one detection record by id; nil when absent
func (s *System) Record(ctx context.Context, id string) (*Record, error) {
	query := "SELECT " + recordColumns + " FROM pattern_records WHERE id = ?"
	rec, err := scanRecord(s.db.Conn().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return rec, nil
}

// ProcessedCount is the number of outcomes folded in since startup
func (s *System) ProcessedCount() int64 {
	return s.processed.Load()
}

// ScanInsights runs an outlier scan immediately instead of waiting for
// the outcome-count trigger. Scheduled as a safety net for quiet periods.
func (s *System) ScanInsights() {
	s.generateInsights()
}

func (s *System) predict(ctx context.Context, kind domain.PatternKind) (Outcome, float64) {
	perf, err := s.Performance(ctx, kind)
	if err != nil {
		s.log.Warn().Err(err).Str("pattern", string(kind)).Msg("Failed to load performance for prediction")
		return OutcomeWin, NeutralConfidence
	}
	if perf == nil || perf.Samples < s.cfg.MinSamplesForConfidence {
		return OutcomeWin, NeutralConfidence
	}
	if perf.WinRate < 50 {
		return OutcomeLoss, perf.ConfidenceScore
	}
	return OutcomeWin, perf.ConfidenceScore
}

// applyOutcome folds one result into pattern_performance inside the
// caller's transaction
func applyOutcome(tx *sql.Tx, kind string, outcome Outcome, profitR float64, now int64) error {
	var samples, wins, losses int
	var grossProfit, grossLoss float64
	err := tx.QueryRow(`
		SELECT samples, wins, losses, gross_profit_r, gross_loss_r
		FROM pattern_performance WHERE pattern_kind = ?`, kind).
		Scan(&samples, &wins, &losses, &grossProfit, &grossLoss)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	samples++
	switch outcome {
	case OutcomeWin:
		wins++
	case OutcomeLoss:
		losses++
	}
	if profitR > 0 {
		grossProfit += profitR
	} else {
		grossLoss += -profitR
	}

	winRate := float64(wins) / float64(samples) * 100
	profitFactor := profitFactorCap
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit == 0:
		profitFactor = 0
	}
	expectancy := (grossProfit - grossLoss) / float64(samples)
	confidence := 0.5*winRate +
		0.3*math.Min(100, profitFactor*10) +
		0.2*math.Min(100, float64(samples)*2.5)

	_, err = tx.Exec(`
		INSERT INTO pattern_performance
		(pattern_kind, samples, wins, losses, gross_profit_r, gross_loss_r,
		 win_rate, profit_factor, expectancy, confidence_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_kind) DO UPDATE SET
			samples = excluded.samples,
			wins = excluded.wins,
			losses = excluded.losses,
			gross_profit_r = excluded.gross_profit_r,
			gross_loss_r = excluded.gross_loss_r,
			win_rate = excluded.win_rate,
			profit_factor = excluded.profit_factor,
			expectancy = excluded.expectancy,
			confidence_score = excluded.confidence_score,
			updated_at = excluded.updated_at`,
		kind, samples, wins, losses, grossProfit, grossLoss,
		winRate, profitFactor, expectancy, confidence, now,
	)
	return err
}

// generateInsights scans every scorecard and hands outliers to the
// registered handler. Handler panics are contained.
func (s *System) generateInsights() {
	s.handlerMu.RLock()
	handler := s.onInsight
	s.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	perfs, err := s.AllPerformance(context.Background())
	if err != nil {
		s.log.Warn().Err(err).Msg("Insight scan failed")
		return
	}

	now := time.Now().UTC()
	for _, perf := range perfs {
		if perf.Samples < s.cfg.MinSamplesForConfidence {
			continue
		}
		insight, ok := classifyPerformance(perf, now)
		if !ok {
			continue
		}
		s.emit(handler, insight)
	}
}

func classifyPerformance(perf Performance, now time.Time) (Insight, bool) {
	insight := Insight{
		PatternKind:  perf.PatternKind,
		WinRate:      perf.WinRate,
		ProfitFactor: perf.ProfitFactor,
		Samples:      perf.Samples,
		GeneratedAt:  now,
	}
	switch {
	case perf.WinRate >= 60 && perf.ProfitFactor >= 1.5:
		insight.Recommendation = RecommendIncrease
		insight.Reason = fmt.Sprintf("win rate %.1f%% with profit factor %.2f over %d samples", perf.WinRate, perf.ProfitFactor, perf.Samples)
	case perf.WinRate < 40 || perf.ProfitFactor < 0.8:
		insight.Recommendation = RecommendDecrease
		insight.Reason = fmt.Sprintf("win rate %.1f%% with profit factor %.2f over %d samples", perf.WinRate, perf.ProfitFactor, perf.Samples)
	case perf.WinRate >= 60 || perf.ProfitFactor >= 1.5:
		insight.Recommendation = RecommendReview
		insight.Reason = fmt.Sprintf("mixed readings: win rate %.1f%%, profit factor %.2f", perf.WinRate, perf.ProfitFactor)
	default:
		return Insight{}, false
	}
	return insight, true
}

func (s *System) emit(handler InsightHandler, insight Insight) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("pattern", string(insight.PatternKind)).
				Msg("Insight handler panicked")
		}
	}()
	handler(insight)
	s.log.Info().
		Str("pattern", string(insight.PatternKind)).
		Str("recommendation", insight.Recommendation).
		Msg("Learning insight generated")
}

func (s *System) kindLock(kind domain.PatternKind) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.kindLocks[kind]
	if !ok {
		l = &sync.Mutex{}
		s.kindLocks[kind] = l
	}
	return l
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind, timeframe, predictedOutcome string
	var contextJSON, actualOutcome, feedback sql.NullString
	var actualProfitR sql.NullFloat64
	var detectedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &kind, &rec.Symbol, &timeframe, &rec.Strength, &rec.Confluence, &contextJSON,
		&predictedOutcome, &rec.PredictedConfidence, &actualOutcome, &actualProfitR, &feedback,
		&detectedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.PatternKind = domain.PatternKind(kind)
	rec.Timeframe = domain.Timeframe(timeframe)
	rec.PredictedOutcome = Outcome(predictedOutcome)
	rec.DetectedAt = time.Unix(detectedAt, 0).UTC()
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context: %w", err)
		}
	}
	if actualOutcome.Valid {
		rec.ActualOutcome = Outcome(actualOutcome.String)
	}
	if actualProfitR.Valid {
		rec.ActualProfitR = actualProfitR.Float64
	}
	if feedback.Valid {
		rec.Feedback = feedback.String
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func scanPerformance(row rowScanner) (*Performance, error) {
	var perf Performance
	var kind string
	var updatedAt int64
	err := row.Scan(
		&kind, &perf.Samples, &perf.Wins, &perf.Losses, &perf.GrossProfitR, &perf.GrossLossR,
		&perf.WinRate, &perf.ProfitFactor, &perf.Expectancy, &perf.ConfidenceScore, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	perf.PatternKind = domain.PatternKind(kind)
	perf.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &perf, nil
}

