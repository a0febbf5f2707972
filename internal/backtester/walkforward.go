package backtester

import (
	"context"
	"errors"
	"time"

	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// ErrInsufficientHistory means the frame cannot hold the minimum number of
// walk-forward windows.
var ErrInsufficientHistory = errors.New("INSUFFICIENT_HISTORY")

// SignalGenerator produces the entry signals a backtest replays. Built
// fresh per run so no state leaks between windows.
type SignalGenerator interface {
	Generate(frame *types.Frame) ([]types.Signal, error)
}

// GeneratorFactory builds a fresh generator for one backtest run.
type GeneratorFactory func() (SignalGenerator, error)

// WindowResult holds one (train, gap, test) window's outcomes.
type WindowResult struct {
	TrainStart   time.Time          `json:"trainStart"`
	TrainEnd     time.Time          `json:"trainEnd"`
	TestStart    time.Time          `json:"testStart"`
	TestEnd      time.Time          `json:"testEnd"`
	TrainMetrics types.MetricVector `json:"trainMetrics"`
	TestMetrics  types.MetricVector `json:"testMetrics"`
}

// WalkForwardReport aggregates the rolling out-of-sample evaluation.
type WalkForwardReport struct {
	TrainMetrics types.MetricVector `json:"trainMetrics"`
	TestMetrics  types.MetricVector `json:"testMetrics"`
	Overfitting  bool               `json:"overfittingFlag"`
	Windows      []WindowResult     `json:"windows"`
	// StabilityScore is the trade-count-weighted fraction of test windows
	// that closed profitable.
	StabilityScore float64 `json:"stabilityScore"`
}

// Validator re-evaluates a candidate parameter vector on held-out rolling
// windows to estimate overfitting.
type Validator struct {
	logger *zap.Logger
	engine *Engine
}

// NewValidator creates a walk-forward validator.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger, engine: NewEngine(logger)}
}

// Validate slides (train, gap, test) windows forward by the test span and
// backtests each side independently. Test metrics aggregate trade-count
// weighted. A window whose backtest fails degrades the run (the window is
// skipped) rather than aborting; fewer than MinWindows usable windows is
// ErrInsufficientHistory.
func (v *Validator) Validate(ctx context.Context, frame *types.Frame, factory GeneratorFactory, cfg types.WalkForwardConfig, btCfg types.BacktestConfig) (*WalkForwardReport, error) {
	if frame == nil || len(frame.Candles) == 0 {
		return nil, ErrEmptyFrame
	}

	day := 24 * time.Hour
	trainSpan := time.Duration(cfg.TrainDays) * day
	testSpan := time.Duration(cfg.TestDays) * day
	gapSpan := time.Duration(cfg.GapDays) * day
	frameEnd := frame.End().Add(frame.Step())

	report := &WalkForwardReport{}

	for trainStart := frame.Start(); ; trainStart = trainStart.Add(testSpan) {
		trainEnd := trainStart.Add(trainSpan)
		testStart := trainEnd.Add(gapSpan)
		testEnd := testStart.Add(testSpan)
		if testEnd.After(frameEnd) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		trainMetrics, ok := v.runWindow(frame.SliceByTime(trainStart, trainEnd), factory, btCfg)
		if !ok {
			continue
		}
		testMetrics, ok := v.runWindow(frame.SliceByTime(testStart, testEnd), factory, btCfg)
		if !ok {
			continue
		}

		report.Windows = append(report.Windows, WindowResult{
			TrainStart:   trainStart,
			TrainEnd:     trainEnd,
			TestStart:    testStart,
			TestEnd:      testEnd,
			TrainMetrics: trainMetrics,
			TestMetrics:  testMetrics,
		})
	}

	if len(report.Windows) < cfg.MinWindows {
		return nil, ErrInsufficientHistory
	}

	var trainSide, testSide []types.MetricVector
	for _, w := range report.Windows {
		trainSide = append(trainSide, w.TrainMetrics)
		testSide = append(testSide, w.TestMetrics)
	}
	report.TrainMetrics = weightedAggregate(trainSide)
	report.TestMetrics = weightedAggregate(testSide)
	report.StabilityScore = stabilityScore(testSide)
	report.Overfitting = report.TestMetrics.SharpeRatio < 0.7*report.TrainMetrics.SharpeRatio ||
		report.TestMetrics.GrossWinRate < 0.8*report.TrainMetrics.GrossWinRate

	v.logger.Info("walk-forward validation complete",
		zap.Int("windows", len(report.Windows)),
		zap.Float64("train_sharpe", report.TrainMetrics.SharpeRatio),
		zap.Float64("test_sharpe", report.TestMetrics.SharpeRatio),
		zap.Bool("overfitting", report.Overfitting),
	)

	return report, nil
}

// runWindow backtests one window slice with a fresh generator. ok=false
// degrades the window instead of failing the validation run.
func (v *Validator) runWindow(slice *types.Frame, factory GeneratorFactory, btCfg types.BacktestConfig) (types.MetricVector, bool) {
	if len(slice.Candles) == 0 {
		return types.MetricVector{}, false
	}
	gen, err := factory()
	if err != nil {
		v.logger.Warn("generator build failed for window", zap.Error(err))
		return types.MetricVector{}, false
	}
	signals, err := gen.Generate(slice)
	if err != nil {
		v.logger.Warn("signal generation failed for window", zap.Error(err))
		return types.MetricVector{}, false
	}
	_, metrics, err := v.engine.Run(slice, signals, btCfg)
	if err != nil {
		v.logger.Warn("window backtest failed", zap.Error(err))
		return types.MetricVector{}, false
	}
	return metrics, true
}

// weightedAggregate averages metric vectors weighted by their trade counts.
func weightedAggregate(windows []types.MetricVector) types.MetricVector {
	var out types.MetricVector
	var weight float64
	for _, w := range windows {
		n := float64(w.SampleSize)
		out.SampleSize += w.SampleSize
		if n == 0 {
			continue
		}
		weight += n
		out.NetProfitPct += w.NetProfitPct * n
		out.GrossWinRate += w.GrossWinRate * n
		out.SharpeRatio += w.SharpeRatio * n
		out.SortinoRatio += w.SortinoRatio * n
		out.CalmarRatio += w.CalmarRatio * n
		out.MaxDrawdownPct += w.MaxDrawdownPct * n
		out.ProfitFactor += w.ProfitFactor * n
		out.AvgWinPct += w.AvgWinPct * n
		out.AvgLossPct += w.AvgLossPct * n
		out.FillRate += w.FillRate * n
	}
	if weight == 0 {
		return out
	}
	out.NetProfitPct /= weight
	out.GrossWinRate /= weight
	out.SharpeRatio /= weight
	out.SortinoRatio /= weight
	out.CalmarRatio /= weight
	out.MaxDrawdownPct /= weight
	out.ProfitFactor /= weight
	out.AvgWinPct /= weight
	out.AvgLossPct /= weight
	out.FillRate /= weight
	return out
}

func stabilityScore(windows []types.MetricVector) float64 {
	var positive, total float64
	for _, w := range windows {
		n := float64(w.SampleSize)
		total += n
		if w.NetProfitPct > 0 {
			positive += n
		}
	}
	if total == 0 {
		return 0
	}
	return positive / total
}
