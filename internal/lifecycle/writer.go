// Package lifecycle classifies optimization results into allocation-gated
// stages and persists the winning configurations.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// outputVersion tags the persisted configuration JSON format.
const outputVersion = 1

// Allocation caps per stage, in percent of capital.
var stageAllocation = map[types.LifecycleStage]float64{
	types.StagePaper:      0,
	types.StageDiscovery:  2,
	types.StageValidation: 5,
	types.StageMature:     10,
	types.StageDecay:      0,
}

// Classify applies the fixed decision table top-down, first match wins.
// DECAY is never assigned at creation; it is a post-deployment transition.
func Classify(train types.MetricVector, overfitting bool) (types.LifecycleStage, float64) {
	var stage types.LifecycleStage
	switch {
	case train.NetProfitPct < 0 || train.SharpeRatio < 0.5:
		stage = types.StagePaper
	case overfitting:
		stage = types.StagePaper
	case train.SampleSize < 30:
		stage = types.StageDiscovery
	case train.SampleSize < 100 && train.SharpeRatio >= 1.0:
		stage = types.StageValidation
	case train.SampleSize >= 100 && train.SharpeRatio >= 1.5:
		stage = types.StageMature
	default:
		stage = types.StageDiscovery
	}
	return stage, stageAllocation[stage]
}

// deriveCircuitBreakers scales the live guardrails off the validated
// metrics: the daily loss stop (a quarter of the historical drawdown,
// clamped to 1..5%) and the drawdown limit (1.5x the historical drawdown,
// clamped to 10..25%) widen as the historical drawdown deepens, while the
// consecutive-loss limit tightens and the cooldown stretches when the
// strategy loses often.
func deriveCircuitBreakers(train types.MetricVector, allocationPct float64) types.CircuitBreakers {
	dailyLoss := train.MaxDrawdownPct / 4
	if dailyLoss < 1 {
		dailyLoss = 1
	}
	if dailyLoss > 5 {
		dailyLoss = 5
	}

	maxDD := 1.5 * train.MaxDrawdownPct
	if maxDD < 10 {
		maxDD = 10
	}
	if maxDD > 25 {
		maxDD = 25
	}

	consecutive := 4
	if train.GrossWinRate < 0.4 {
		consecutive = 3
	}

	cooldown := 30
	if train.GrossWinRate < 0.5 {
		cooldown = 60
	}

	return types.CircuitBreakers{
		MaxDailyLossPct:      roundTo(dailyLoss, 2),
		MaxPositionSizePct:   allocationPct,
		MaxDrawdownPct:       roundTo(maxDD, 2),
		MaxConsecutiveLosses: consecutive,
		DailyTradeLimit:      20,
		CooldownAfterLossMin: cooldown,
		MinSharpeRatio:       0.5,
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

const configurationsSchema = `
CREATE TABLE IF NOT EXISTS trained_configurations (
	id               TEXT PRIMARY KEY,
	strategy         TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	pair             TEXT NOT NULL,
	timeframe        TEXT NOT NULL,
	regime           TEXT NOT NULL,
	status           TEXT NOT NULL,
	is_active        INTEGER NOT NULL DEFAULT 0,
	parameters_json  TEXT NOT NULL,
	net_profit_pct   REAL NOT NULL,
	gross_win_rate   REAL NOT NULL,
	sharpe_ratio     REAL NOT NULL,
	sortino_ratio    REAL NOT NULL,
	calmar_ratio     REAL NOT NULL,
	max_drawdown_pct REAL NOT NULL,
	profit_factor    REAL NOT NULL,
	sample_size      INTEGER NOT NULL,
	val_sharpe_ratio REAL NOT NULL,
	val_win_rate     REAL NOT NULL,
	val_sample_size  INTEGER NOT NULL,
	overfitting      INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);`

// Writer persists trained configurations. Writes are append-only: training
// never mutates an existing row.
type Writer struct {
	logger *zap.Logger
	db     *sqlx.DB
}

// NewWriter opens (and bootstraps) the configuration writer.
func NewWriter(logger *zap.Logger, db *sqlx.DB) (*Writer, error) {
	if _, err := db.Exec(configurationsSchema); err != nil {
		return nil, fmt.Errorf("bootstrapping trained_configurations schema: %w", err)
	}
	return &Writer{logger: logger, db: db}, nil
}

// Write classifies the result and appends a configuration row under a
// fresh UUID. IsActive starts false; activation is an operator action.
func (w *Writer) Write(
	ctx context.Context,
	strategy string,
	tctx types.TrainingContext,
	params map[string]float64,
	train, validation types.MetricVector,
	valSummary types.ValidationSummary,
	now time.Time,
) (*types.TrainedConfiguration, error) {
	stage, allocation := Classify(train, valSummary.OverfittingDetected)

	cfg := &types.TrainedConfiguration{
		ID:                uuid.New().String(),
		Strategy:          strategy,
		Context:           tctx,
		Parameters:        params,
		Metrics:           train,
		ValidationMetrics: validation,
		LifecycleStage:    stage,
		MaxAllocationPct:  allocation,
		IsActive:          false,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	record := types.OutputRecord{
		ConfigID:        cfg.ID,
		Version:         outputVersion,
		Strategy:        strategy,
		Context:         tctx,
		Parameters:      params,
		Metrics:         train,
		Validation:      valSummary,
		Lifecycle:       types.LifecycleSummary{Stage: stage, MaxAllocationPct: allocation},
		CircuitBreakers: deriveCircuitBreakers(train, allocation),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshalling output record: %w", err)
	}

	const q = `INSERT INTO trained_configurations (
	id, strategy, exchange, pair, timeframe, regime, status, is_active, parameters_json,
	net_profit_pct, gross_win_rate, sharpe_ratio, sortino_ratio, calmar_ratio,
	max_drawdown_pct, profit_factor, sample_size,
	val_sharpe_ratio, val_win_rate, val_sample_size, overfitting,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := w.db.ExecContext(ctx, q,
		cfg.ID, strategy, tctx.Exchange, tctx.Pair, string(tctx.Timeframe), string(tctx.Regime),
		string(stage), boolInt(cfg.IsActive), string(payload),
		train.NetProfitPct, train.GrossWinRate, train.SharpeRatio, train.SortinoRatio,
		train.CalmarRatio, train.MaxDrawdownPct, train.ProfitFactor, train.SampleSize,
		validation.SharpeRatio, validation.GrossWinRate, validation.SampleSize,
		boolInt(valSummary.OverfittingDetected),
		now.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("inserting configuration: %w", err)
	}

	w.logger.Info("configuration persisted",
		zap.String("config_id", cfg.ID),
		zap.String("strategy", strategy),
		zap.String("stage", string(stage)),
		zap.Float64("max_allocation_pct", allocation),
	)
	return cfg, nil
}

// List returns recent configurations, newest first.
func (w *Writer) List(ctx context.Context, limit int) ([]types.TrainedConfiguration, error) {
	if limit <= 0 {
		limit = 50
	}
	type row struct {
		ID             string `db:"id"`
		Strategy       string `db:"strategy"`
		Exchange       string `db:"exchange"`
		Pair           string `db:"pair"`
		Timeframe      string `db:"timeframe"`
		Regime         string `db:"regime"`
		Status         string `db:"status"`
		IsActive       int    `db:"is_active"`
		ParametersJSON string `db:"parameters_json"`
		CreatedAt      string `db:"created_at"`
		UpdatedAt      string `db:"updated_at"`
	}
	var rows []row
	const q = `SELECT id, strategy, exchange, pair, timeframe, regime, status, is_active,
	parameters_json, created_at, updated_at
FROM trained_configurations ORDER BY created_at DESC LIMIT ?`
	if err := w.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}

	out := make([]types.TrainedConfiguration, 0, len(rows))
	for _, r := range rows {
		var record types.OutputRecord
		if err := json.Unmarshal([]byte(r.ParametersJSON), &record); err != nil {
			w.logger.Warn("skipping unreadable configuration row",
				zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, types.TrainedConfiguration{
			ID:       r.ID,
			Strategy: r.Strategy,
			Context: types.TrainingContext{
				Exchange:  r.Exchange,
				Pair:      r.Pair,
				Timeframe: types.Timeframe(r.Timeframe),
				Regime:    types.Regime(r.Regime),
			},
			Parameters:       record.Parameters,
			Metrics:          record.Metrics,
			LifecycleStage:   types.LifecycleStage(r.Status),
			MaxAllocationPct: record.Lifecycle.MaxAllocationPct,
			IsActive:         r.IsActive != 0,
			CreatedAt:        parseTime(r.CreatedAt),
			UpdatedAt:        parseTime(r.UpdatedAt),
		})
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
