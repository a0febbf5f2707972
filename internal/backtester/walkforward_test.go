package backtester_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tallgreen-machine/aplus-trainer/internal/backtester"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// flatFrame builds days of identical hourly candles (open 100, high 101,
// low 99, close 100), so signal outcomes are fully determined by where the
// generator places stops and targets.
func flatFrame(days int) *types.Frame {
	frame := &types.Frame{
		Exchange:  "binanceus",
		Symbol:    "BTC/USDT",
		Timeframe: types.Timeframe1h,
	}
	for i := 0; i < days*24; i++ {
		frame.Candles = append(frame.Candles, candle(i, 100, 101, 99, 100))
	}
	return frame
}

// splitGen wins on windows at least winSpanDays long and loses on shorter
// ones, which maps to train windows winning and test windows losing under
// the default layout.
type splitGen struct {
	winSpanDays float64
	alwaysWin   bool
}

func (g *splitGen) Generate(frame *types.Frame) ([]types.Signal, error) {
	spanDays := frame.End().Sub(frame.Start()).Hours() / 24
	win := g.alwaysWin || spanDays >= g.winSpanDays

	var signals []types.Signal
	for i := 4; i < len(frame.Candles)-1; i += 4 {
		entry := frame.Candles[i].Close
		sig := types.Signal{
			Direction:  types.DirectionLong,
			EntryPrice: entry,
			EmittedAt:  frame.Candles[i+1].OpenTime,
		}
		if win {
			// Target inside the candle range, stop far away.
			sig.TakeProfit = d(101)
			sig.StopLoss = d(90)
		} else {
			sig.TakeProfit = d(115)
			sig.StopLoss = d(99)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func TestValidateFlagsOverfitting(t *testing.T) {
	validator := backtester.NewValidator(zap.NewNop())

	gen := &splitGen{winSpanDays: 20} // train (30d) wins, test (10d) loses
	factory := func() (backtester.SignalGenerator, error) { return gen, nil }

	report, err := validator.Validate(context.Background(), flatFrame(90), factory,
		types.DefaultWalkForwardConfig(), zeroCostConfig())
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if !report.Overfitting {
		t.Fatalf("expected overfitting flag: train win rate %f, test win rate %f",
			report.TrainMetrics.GrossWinRate, report.TestMetrics.GrossWinRate)
	}
	if len(report.Windows) < types.DefaultWalkForwardConfig().MinWindows {
		t.Fatalf("expected at least %d windows, got %d",
			types.DefaultWalkForwardConfig().MinWindows, len(report.Windows))
	}
	if report.TestMetrics.SampleSize == 0 {
		t.Fatal("test aggregation lost all trades")
	}
}

func TestValidateCleanResult(t *testing.T) {
	validator := backtester.NewValidator(zap.NewNop())

	gen := &splitGen{alwaysWin: true}
	factory := func() (backtester.SignalGenerator, error) { return gen, nil }

	report, err := validator.Validate(context.Background(), flatFrame(90), factory,
		types.DefaultWalkForwardConfig(), zeroCostConfig())
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if report.Overfitting {
		t.Fatal("uniformly winning generator flagged as overfit")
	}
	if report.StabilityScore != 1 {
		t.Fatalf("stability %f, want 1", report.StabilityScore)
	}
}

func TestValidateInsufficientHistory(t *testing.T) {
	validator := backtester.NewValidator(zap.NewNop())

	gen := &splitGen{alwaysWin: true}
	factory := func() (backtester.SignalGenerator, error) { return gen, nil }

	_, err := validator.Validate(context.Background(), flatFrame(30), factory,
		types.DefaultWalkForwardConfig(), zeroCostConfig())
	if !errors.Is(err, backtester.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestValidateHonoursCancellation(t *testing.T) {
	validator := backtester.NewValidator(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &splitGen{alwaysWin: true}
	factory := func() (backtester.SignalGenerator, error) { return gen, nil }

	_, err := validator.Validate(ctx, flatFrame(90), factory,
		types.DefaultWalkForwardConfig(), zeroCostConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// Keep the frame helper honest: a window slice must never share candles
// outside its bounds.
func TestFrameSliceByTime(t *testing.T) {
	frame := flatFrame(2)
	start := frame.Start().Add(6 * time.Hour)
	end := frame.Start().Add(12 * time.Hour)

	slice := frame.SliceByTime(start, end)
	if len(slice.Candles) != 6 {
		t.Fatalf("slice has %d candles, want 6", len(slice.Candles))
	}
	if !slice.Start().Equal(start) {
		t.Fatalf("slice starts at %s, want %s", slice.Start(), start)
	}
}
