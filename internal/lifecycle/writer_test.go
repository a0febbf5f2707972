package lifecycle_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallgreen-machine/aplus-trainer/internal/lifecycle"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func metricsWith(netProfit, sharpe float64, sampleSize int) types.MetricVector {
	return types.MetricVector{
		NetProfitPct:   netProfit,
		SharpeRatio:    sharpe,
		SampleSize:     sampleSize,
		GrossWinRate:   0.55,
		MaxDrawdownPct: 8,
	}
}

func TestClassifyDecisionTable(t *testing.T) {
	cases := []struct {
		name      string
		metrics   types.MetricVector
		overfit   bool
		wantStage types.LifecycleStage
		wantAlloc float64
	}{
		{"losing goes paper", metricsWith(-2, 1.2, 200), false, types.StagePaper, 0},
		{"weak sharpe goes paper", metricsWith(5, 0.4, 200), false, types.StagePaper, 0},
		{"overfit goes paper", metricsWith(12, 3.0, 200), true, types.StagePaper, 0},
		{"thin sample is discovery", metricsWith(4, 1.4, 20), false, types.StageDiscovery, 2},
		{"mid sample strong sharpe validates", metricsWith(6, 1.2, 60), false, types.StageValidation, 5},
		{"large sample strong sharpe matures", metricsWith(9, 1.8, 150), false, types.StageMature, 10},
		{"large sample weak sharpe stays discovery", metricsWith(3, 0.9, 150), false, types.StageDiscovery, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage, alloc := lifecycle.Classify(tc.metrics, tc.overfit)
			assert.Equal(t, tc.wantStage, stage)
			assert.Equal(t, tc.wantAlloc, alloc)
		})
	}
}

func newWriter(t *testing.T) *lifecycle.Writer {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	writer, err := lifecycle.NewWriter(zap.NewNop(), db)
	require.NoError(t, err)
	return writer
}

func testContext() types.TrainingContext {
	return types.TrainingContext{
		Exchange:  "binanceus",
		Pair:      "BTC/USDT",
		Timeframe: types.Timeframe5m,
		Regime:    types.RegimeSideways,
	}
}

func TestWritePersistsConfiguration(t *testing.T) {
	writer := newWriter(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	train := metricsWith(9, 1.8, 150)
	validation := metricsWith(7, 1.5, 80)
	summary := types.ValidationSummary{
		TrainWindowDays: 30, TestWindowDays: 10, GapDays: 2,
		TestSharpe: validation.SharpeRatio,
	}
	params := map[string]float64{"lookback": 20, "sl_atr": 1.2}

	cfg, err := writer.Write(context.Background(), "liquidity_sweep", testContext(),
		params, train, validation, summary, now)
	require.NoError(t, err)

	assert.Equal(t, types.StageMature, cfg.LifecycleStage)
	assert.Equal(t, 10.0, cfg.MaxAllocationPct)
	assert.False(t, cfg.IsActive, "new configurations must start inactive")
	assert.NotEmpty(t, cfg.ID)

	listed, err := writer.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, cfg.ID, listed[0].ID)
	assert.Equal(t, params, listed[0].Parameters)
	assert.Equal(t, types.StageMature, listed[0].LifecycleStage)
}

func TestWriteNeverReusesIDs(t *testing.T) {
	writer := newWriter(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	train := metricsWith(5, 1.1, 40)
	summary := types.ValidationSummary{TrainWindowDays: 30, TestWindowDays: 10, GapDays: 2}

	a, err := writer.Write(context.Background(), "liquidity_sweep", testContext(),
		map[string]float64{"x": 1}, train, train, summary, now)
	require.NoError(t, err)
	b, err := writer.Write(context.Background(), "liquidity_sweep", testContext(),
		map[string]float64{"x": 1}, train, train, summary, now.Add(time.Minute))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "same context must produce distinct records")

	listed, err := writer.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestWriteOverfitGoesPaper(t *testing.T) {
	writer := newWriter(t)

	train := metricsWith(15, 3.0, 120)
	validation := metricsWith(-1, 0.4, 60)
	summary := types.ValidationSummary{
		TrainWindowDays: 30, TestWindowDays: 10, GapDays: 2,
		TestSharpe: 0.4, OverfittingDetected: true,
	}

	cfg, err := writer.Write(context.Background(), "liquidity_sweep", testContext(),
		map[string]float64{"x": 1}, train, validation, summary, time.Now())
	require.NoError(t, err)

	assert.Equal(t, types.StagePaper, cfg.LifecycleStage)
	assert.Equal(t, 0.0, cfg.MaxAllocationPct)
}
