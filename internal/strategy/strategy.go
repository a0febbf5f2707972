// Package strategy provides the trading strategy plug-ins the training
// pipeline searches over.
package strategy

import (
	"fmt"
	"math"
	"sync"

	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// TimeExitParam is the shared parameter every strategy declares; the worker
// runtime lifts it out of the vector into the backtest config.
const TimeExitParam = "time_exit_candles"

// SignalGenerator produces entry signals for one frame. Generators are
// rebuilt per backtest and hold no state across Generate calls, which keeps
// every run deterministic.
type SignalGenerator interface {
	Generate(frame *types.Frame) ([]types.Signal, error)
}

// Strategy declares a parameter space and builds signal generators for
// concrete vectors drawn from it.
type Strategy interface {
	Name() string
	ParameterSpace() optimize.ParameterSpace
	Build(vec optimize.Vector) (SignalGenerator, error)
}

// Registry manages available strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]func() Strategy)}

	r.Register("liquidity_sweep", func() Strategy { return &LiquiditySweep{} })
	r.Register("momentum_breakout", func() Strategy { return &MomentumBreakout{} })
	r.Register("range_reversion", func() Strategy { return &RangeReversion{} })

	return r
}

// Register registers a strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create instantiates a strategy by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.strategies[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// intParam reads an integer parameter, rounding whatever the optimizer
// proposed.
func intParam(vec optimize.Vector, name string) (int, error) {
	v, ok := vec[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	return int(math.Round(v)), nil
}

func floatParam(vec optimize.Vector, name string) (float64, error) {
	v, ok := vec[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	return v, nil
}

// closes extracts the close series as float64 for indicator math. Signal
// prices are converted back to decimal at emission.
func closes(frame *types.Frame) []float64 {
	out := make([]float64, len(frame.Candles))
	for i, c := range frame.Candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// atrSeries computes a simple moving-average ATR over true ranges.
// atr[i] is the ATR as of candle i, 0 until period candles have passed.
func atrSeries(frame *types.Frame, period int) []float64 {
	n := len(frame.Candles)
	atr := make([]float64, n)
	if period <= 0 || n == 0 {
		return atr
	}
	tr := make([]float64, n)
	for i, c := range frame.Candles {
		high := c.High.InexactFloat64()
		low := c.Low.InexactFloat64()
		tr[i] = high - low
		if i > 0 {
			prevClose := frame.Candles[i-1].Close.InexactFloat64()
			tr[i] = math.Max(tr[i], math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		}
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += tr[i]
		if i >= period {
			sum -= tr[i-period]
		}
		if i >= period-1 {
			atr[i] = sum / float64(period)
		}
	}
	return atr
}

// rollingExtremes returns the min low and max high over the period ending
// at i-1 (the candle itself excluded).
func rollingExtremes(frame *types.Frame, i, period int) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for j := i - period; j < i; j++ {
		l := frame.Candles[j].Low.InexactFloat64()
		h := frame.Candles[j].High.InexactFloat64()
		if l < lo {
			lo = l
		}
		if h > hi {
			hi = h
		}
	}
	return lo, hi
}
