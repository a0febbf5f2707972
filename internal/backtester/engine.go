// Package backtester provides the deterministic backtest engine and the
// walk-forward validator.
package backtester

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// Failure kinds. A frame with no signals is not a failure: the run returns
// an empty trade list and a zeroed metric vector.
var (
	ErrEmptyFrame      = errors.New("EMPTY_FRAME")
	ErrMalformedSignal = errors.New("MALFORMED_SIGNAL")
)

// Engine simulates fills, stop-loss/take-profit/time exits, fees and
// slippage over a candle series in a single deterministic pass.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// position is one open simulated position.
type position struct {
	sig       types.Signal
	entryFill decimal.Decimal
	entryFee  decimal.Decimal
	quantity  decimal.Decimal
	held      int // candles since entry
}

// Run replays signals over the frame and returns the trade list plus its
// metric vector. Signals must arrive in non-decreasing EmittedAt order; a
// signal whose risk triangle is malformed fails the whole run with
// ErrMalformedSignal.
func (e *Engine) Run(frame *types.Frame, signals []types.Signal, cfg types.BacktestConfig) ([]types.TradeRecord, types.MetricVector, error) {
	if frame == nil || len(frame.Candles) == 0 {
		return nil, types.MetricVector{}, ErrEmptyFrame
	}
	for i := range signals {
		if err := signals[i].Validate(); err != nil {
			return nil, types.MetricVector{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
	}
	if len(signals) == 0 {
		return []types.TradeRecord{}, types.MetricVector{}, nil
	}

	one := decimal.NewFromInt(1)
	slipUp := one.Add(cfg.SlippageRate)
	slipDown := one.Sub(cfg.SlippageRate)

	balance := cfg.InitialBalance
	var (
		open    []*position
		trades  []types.TradeRecord
		entered int
		sigIdx  int
	)

	closePosition := func(p *position, price decimal.Decimal, at types.Candle, reason types.ExitReason) {
		var exitFill decimal.Decimal
		if p.sig.Direction == types.DirectionLong {
			exitFill = price.Mul(slipDown)
		} else {
			exitFill = price.Mul(slipUp)
		}
		exitFee := exitFill.Mul(p.quantity).Mul(cfg.FeeRate)

		var gross decimal.Decimal
		if p.sig.Direction == types.DirectionLong {
			gross = exitFill.Sub(p.entryFill).Mul(p.quantity)
		} else {
			gross = p.entryFill.Sub(exitFill).Mul(p.quantity)
		}
		pnlAbs := gross.Sub(p.entryFee).Sub(exitFee)
		balance = balance.Add(gross).Sub(exitFee)

		notional := p.entryFill.Mul(p.quantity)
		pnlPct := 0.0
		if !notional.IsZero() {
			pnlPct = pnlAbs.Div(notional).InexactFloat64() * 100
		}

		trades = append(trades, types.TradeRecord{
			EntryTime:      p.sig.EmittedAt,
			EntryPrice:     p.sig.EntryPrice,
			ExitTime:       at.OpenTime,
			ExitPrice:      exitFill,
			Direction:      p.sig.Direction,
			Quantity:       p.quantity,
			ExitReason:     reason,
			RealizedPnLPct: pnlPct,
			RealizedPnLAbs: pnlAbs,
		})
	}

	for _, candle := range frame.Candles {
		// Exits first, in open order, so results do not depend on map or
		// scheduling nondeterminism.
		remaining := open[:0]
		for _, p := range open {
			p.held++
			price, reason, ok := exitCheck(p, candle, cfg.TimeExitCandles)
			if ok {
				closePosition(p, price, candle, reason)
			} else {
				remaining = append(remaining, p)
			}
		}
		open = remaining

		// Entries: only a signal stamped exactly at this candle's open is
		// fillable. Signals stamped inside a data gap are skipped, never
		// interpolated onto a later candle.
		for sigIdx < len(signals) && !signals[sigIdx].EmittedAt.After(candle.OpenTime) {
			sig := signals[sigIdx]
			sigIdx++
			if !sig.EmittedAt.Equal(candle.OpenTime) {
				continue
			}
			if len(open) >= cfg.MaxConcurrentPositions {
				continue
			}

			entry := sig.EntryPrice
			var entryFill decimal.Decimal
			if sig.Direction == types.DirectionLong {
				entryFill = entry.Mul(slipUp)
			} else {
				entryFill = entry.Mul(slipDown)
			}

			// Size from the UN-slipped prices so quantity, stop and target
			// form a consistent risk triangle:
			//   qty * |entry - stop| == balance * riskPerTrade
			slDistance := entry.Sub(sig.StopLoss).Abs()
			if slDistance.IsZero() {
				continue
			}
			quantity := balance.Mul(cfg.RiskPerTrade).Div(slDistance)

			entryFee := entryFill.Mul(quantity).Mul(cfg.FeeRate)
			balance = balance.Sub(entryFee)
			entered++

			open = append(open, &position{
				sig:       sig,
				entryFill: entryFill,
				entryFee:  entryFee,
				quantity:  quantity,
			})
		}
	}

	// Anything still open closes at the final candle's close.
	last := frame.Candles[len(frame.Candles)-1]
	for _, p := range open {
		closePosition(p, last.Close, last, types.ExitEndOfData)
	}

	metrics := ComputeMetrics(trades, cfg.InitialBalance, frame)
	if len(signals) > 0 {
		metrics.FillRate = float64(entered) / float64(len(signals))
	}
	return trades, metrics, nil
}

// exitCheck applies the fixed exit order: stop loss, then take profit, then
// time exit. When a candle's range touches both the stop and the target,
// the stop wins.
func exitCheck(p *position, candle types.Candle, timeExitCandles int) (decimal.Decimal, types.ExitReason, bool) {
	if p.sig.Direction == types.DirectionLong {
		if candle.Low.LessThanOrEqual(p.sig.StopLoss) {
			return p.sig.StopLoss, types.ExitStopLoss, true
		}
		if candle.High.GreaterThanOrEqual(p.sig.TakeProfit) {
			return p.sig.TakeProfit, types.ExitTakeProfit, true
		}
	} else {
		if candle.High.GreaterThanOrEqual(p.sig.StopLoss) {
			return p.sig.StopLoss, types.ExitStopLoss, true
		}
		if candle.Low.LessThanOrEqual(p.sig.TakeProfit) {
			return p.sig.TakeProfit, types.ExitTakeProfit, true
		}
	}
	if timeExitCandles > 0 && p.held >= timeExitCandles {
		return candle.Close, types.ExitTime, true
	}
	return decimal.Decimal{}, "", false
}
