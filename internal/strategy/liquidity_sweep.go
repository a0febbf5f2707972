package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// LiquiditySweep fades stop hunts: a candle that pierces the rolling
// low/high of the prior lookback window but closes back inside it signals
// that resting liquidity was swept and the move is likely to reverse.
type LiquiditySweep struct{}

// Name returns the strategy's registered name.
func (s *LiquiditySweep) Name() string { return "liquidity_sweep" }

// ParameterSpace declares the search space.
func (s *LiquiditySweep) ParameterSpace() optimize.ParameterSpace {
	return optimize.ParameterSpace{
		{Name: "lookback", Kind: optimize.ParamInteger, Min: 10, Max: 60, Step: 5},
		{Name: "atr_period", Kind: optimize.ParamInteger, Min: 7, Max: 28, Step: 7},
		{Name: "sweep_depth_atr", Kind: optimize.ParamContinuous, Min: 0.0, Max: 0.5},
		{Name: "sl_atr", Kind: optimize.ParamContinuous, Min: 0.5, Max: 2.0},
		{Name: "tp_atr", Kind: optimize.ParamContinuous, Min: 1.0, Max: 4.0},
		{Name: TimeExitParam, Kind: optimize.ParamInteger, Min: 5, Max: 50, Step: 5},
	}
}

// Build materializes a generator for one parameter vector.
func (s *LiquiditySweep) Build(vec optimize.Vector) (SignalGenerator, error) {
	lookback, err := intParam(vec, "lookback")
	if err != nil {
		return nil, err
	}
	atrPeriod, err := intParam(vec, "atr_period")
	if err != nil {
		return nil, err
	}
	sweepDepth, err := floatParam(vec, "sweep_depth_atr")
	if err != nil {
		return nil, err
	}
	slATR, err := floatParam(vec, "sl_atr")
	if err != nil {
		return nil, err
	}
	tpATR, err := floatParam(vec, "tp_atr")
	if err != nil {
		return nil, err
	}
	if lookback < 1 || atrPeriod < 1 {
		return nil, fmt.Errorf("liquidity_sweep: non-positive period")
	}
	return &liquiditySweepGen{
		lookback:   lookback,
		atrPeriod:  atrPeriod,
		sweepDepth: sweepDepth,
		slATR:      slATR,
		tpATR:      tpATR,
	}, nil
}

type liquiditySweepGen struct {
	lookback   int
	atrPeriod  int
	sweepDepth float64
	slATR      float64
	tpATR      float64
}

// Generate emits at most one signal per sweep candle, stamped at the next
// candle's open so the backtest fills on the following bar.
func (g *liquiditySweepGen) Generate(frame *types.Frame) ([]types.Signal, error) {
	var signals []types.Signal
	atr := atrSeries(frame, g.atrPeriod)
	warmup := g.lookback
	if g.atrPeriod > warmup {
		warmup = g.atrPeriod
	}

	for i := warmup; i < len(frame.Candles)-1; i++ {
		a := atr[i]
		if a <= 0 {
			continue
		}
		c := frame.Candles[i]
		low := c.Low.InexactFloat64()
		high := c.High.InexactFloat64()
		close := c.Close.InexactFloat64()
		priorLow, priorHigh := rollingExtremes(frame, i, g.lookback)

		next := frame.Candles[i+1].OpenTime

		if low < priorLow-g.sweepDepth*a && close > priorLow {
			// Sweep of the lows, reclaimed: fade long.
			signals = append(signals, types.Signal{
				Direction:  types.DirectionLong,
				EntryPrice: decimal.NewFromFloat(close),
				StopLoss:   decimal.NewFromFloat(close - g.slATR*a),
				TakeProfit: decimal.NewFromFloat(close + g.tpATR*a),
				EmittedAt:  next,
			})
			continue
		}
		if high > priorHigh+g.sweepDepth*a && close < priorHigh {
			signals = append(signals, types.Signal{
				Direction:  types.DirectionShort,
				EntryPrice: decimal.NewFromFloat(close),
				StopLoss:   decimal.NewFromFloat(close + g.slATR*a),
				TakeProfit: decimal.NewFromFloat(close - g.tpATR*a),
				EmittedAt:  next,
			})
		}
	}
	return signals, nil
}
