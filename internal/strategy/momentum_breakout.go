package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// MomentumBreakout trades closes beyond the rolling extreme of the prior
// window, confirmed by above-average volume.
type MomentumBreakout struct{}

func (s *MomentumBreakout) Name() string { return "momentum_breakout" }

func (s *MomentumBreakout) ParameterSpace() optimize.ParameterSpace {
	return optimize.ParameterSpace{
		{Name: "breakout_period", Kind: optimize.ParamInteger, Min: 10, Max: 80, Step: 10},
		{Name: "atr_period", Kind: optimize.ParamInteger, Min: 7, Max: 28, Step: 7},
		{Name: "volume_mult", Kind: optimize.ParamContinuous, Min: 1.0, Max: 3.0},
		{Name: "sl_atr", Kind: optimize.ParamContinuous, Min: 0.5, Max: 2.5},
		{Name: "tp_atr", Kind: optimize.ParamContinuous, Min: 1.0, Max: 5.0},
		{Name: TimeExitParam, Kind: optimize.ParamInteger, Min: 10, Max: 60, Step: 10},
	}
}

func (s *MomentumBreakout) Build(vec optimize.Vector) (SignalGenerator, error) {
	period, err := intParam(vec, "breakout_period")
	if err != nil {
		return nil, err
	}
	atrPeriod, err := intParam(vec, "atr_period")
	if err != nil {
		return nil, err
	}
	volumeMult, err := floatParam(vec, "volume_mult")
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
	if period < 1 || atrPeriod < 1 {
		return nil, fmt.Errorf("momentum_breakout: non-positive period")
	}
	return &momentumBreakoutGen{
		period:     period,
		atrPeriod:  atrPeriod,
		volumeMult: volumeMult,
		slATR:      slATR,
		tpATR:      tpATR,
	}, nil
}

type momentumBreakoutGen struct {
	period     int
	atrPeriod  int
	volumeMult float64
	slATR      float64
	tpATR      float64
}

func (g *momentumBreakoutGen) Generate(frame *types.Frame) ([]types.Signal, error) {
	var signals []types.Signal
	atr := atrSeries(frame, g.atrPeriod)
	warmup := g.period
	if g.atrPeriod > warmup {
		warmup = g.atrPeriod
	}

	for i := warmup; i < len(frame.Candles)-1; i++ {
		a := atr[i]
		if a <= 0 {
			continue
		}
		c := frame.Candles[i]
		close := c.Close.InexactFloat64()
		priorLow, priorHigh := rollingExtremes(frame, i, g.period)

		var avgVolume float64
		for j := i - g.period; j < i; j++ {
			avgVolume += frame.Candles[j].Volume.InexactFloat64()
		}
		avgVolume /= float64(g.period)
		if frame.Candles[i].Volume.InexactFloat64() < g.volumeMult*avgVolume {
			continue
		}

		next := frame.Candles[i+1].OpenTime

		if close > priorHigh {
			signals = append(signals, types.Signal{
				Direction:  types.DirectionLong,
				EntryPrice: decimal.NewFromFloat(close),
				StopLoss:   decimal.NewFromFloat(close - g.slATR*a),
				TakeProfit: decimal.NewFromFloat(close + g.tpATR*a),
				EmittedAt:  next,
			})
			continue
		}
		if close < priorLow {
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
