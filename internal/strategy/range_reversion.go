package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// RangeReversion fades stretched moves: entries fire when the close's
// z-score against its rolling mean crosses a threshold.
type RangeReversion struct{}

func (s *RangeReversion) Name() string { return "range_reversion" }

func (s *RangeReversion) ParameterSpace() optimize.ParameterSpace {
	return optimize.ParameterSpace{
		{Name: "ma_period", Kind: optimize.ParamInteger, Min: 10, Max: 100, Step: 10},
		{Name: "z_entry", Kind: optimize.ParamContinuous, Min: 1.0, Max: 3.0},
		{Name: "atr_period", Kind: optimize.ParamInteger, Min: 7, Max: 28, Step: 7},
		{Name: "sl_atr", Kind: optimize.ParamContinuous, Min: 0.5, Max: 2.0},
		{Name: "tp_atr", Kind: optimize.ParamContinuous, Min: 0.5, Max: 3.0},
		{Name: TimeExitParam, Kind: optimize.ParamInteger, Min: 5, Max: 40, Step: 5},
	}
}

func (s *RangeReversion) Build(vec optimize.Vector) (SignalGenerator, error) {
	maPeriod, err := intParam(vec, "ma_period")
	if err != nil {
		return nil, err
	}
	zEntry, err := floatParam(vec, "z_entry")
	if err != nil {
		return nil, err
	}
	atrPeriod, err := intParam(vec, "atr_period")
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
	if maPeriod < 2 || atrPeriod < 1 {
		return nil, fmt.Errorf("range_reversion: period too small")
	}
	return &rangeReversionGen{
		maPeriod:  maPeriod,
		zEntry:    zEntry,
		atrPeriod: atrPeriod,
		slATR:     slATR,
		tpATR:     tpATR,
	}, nil
}

type rangeReversionGen struct {
	maPeriod  int
	zEntry    float64
	atrPeriod int
	slATR     float64
	tpATR     float64
}

func (g *rangeReversionGen) Generate(frame *types.Frame) ([]types.Signal, error) {
	var signals []types.Signal
	cs := closes(frame)
	atr := atrSeries(frame, g.atrPeriod)
	warmup := g.maPeriod
	if g.atrPeriod > warmup {
		warmup = g.atrPeriod
	}

	for i := warmup; i < len(frame.Candles)-1; i++ {
		a := atr[i]
		if a <= 0 {
			continue
		}

		var sum, ss float64
		for j := i - g.maPeriod; j < i; j++ {
			sum += cs[j]
		}
		mean := sum / float64(g.maPeriod)
		for j := i - g.maPeriod; j < i; j++ {
			d := cs[j] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(g.maPeriod))
		if sd <= 0 {
			continue
		}

		z := (cs[i] - mean) / sd
		next := frame.Candles[i+1].OpenTime

		if z < -g.zEntry {
			signals = append(signals, types.Signal{
				Direction:  types.DirectionLong,
				EntryPrice: decimal.NewFromFloat(cs[i]),
				StopLoss:   decimal.NewFromFloat(cs[i] - g.slATR*a),
				TakeProfit: decimal.NewFromFloat(cs[i] + g.tpATR*a),
				EmittedAt:  next,
			})
			continue
		}
		if z > g.zEntry {
			signals = append(signals, types.Signal{
				Direction:  types.DirectionShort,
				EntryPrice: decimal.NewFromFloat(cs[i]),
				StopLoss:   decimal.NewFromFloat(cs[i] + g.slATR*a),
				TakeProfit: decimal.NewFromFloat(cs[i] - g.tpATR*a),
				EmittedAt:  next,
			})
		}
	}
	return signals, nil
}
