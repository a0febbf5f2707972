package backtester

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// hoursPerYear reflects 24/7 crypto markets: annualization uses 365 days,
// not 252 trading days.
const hoursPerYear = 365 * 24

// ComputeMetrics aggregates a trade list into the metric vector. Ratios are
// computed from per-trade returns with a zero risk-free rate; Sharpe and
// Sortino are annualized by sqrt(trades per year), with trades-per-year
// derived from the frame span. FillRate is the engine's to set.
func ComputeMetrics(trades []types.TradeRecord, initialBalance decimal.Decimal, frame *types.Frame) types.MetricVector {
	if len(trades) == 0 {
		return types.MetricVector{}
	}

	var m types.MetricVector
	m.SampleSize = len(trades)

	var (
		totalPnL    decimal.Decimal
		grossWins   float64
		grossLosses float64
		wins        int
		sumWinPct   float64
		sumLossPct  float64
		losses      int
	)
	returns := make([]float64, len(trades))
	for i, t := range trades {
		totalPnL = totalPnL.Add(t.RealizedPnLAbs)
		returns[i] = t.RealizedPnLPct / 100

		pnl := t.RealizedPnLAbs.InexactFloat64()
		if pnl > 0 {
			wins++
			grossWins += pnl
			sumWinPct += t.RealizedPnLPct
		} else if pnl < 0 {
			losses++
			grossLosses += -pnl
			sumLossPct += -t.RealizedPnLPct
		}
	}

	if !initialBalance.IsZero() {
		m.NetProfitPct = totalPnL.Div(initialBalance).InexactFloat64() * 100
	}
	m.GrossWinRate = float64(wins) / float64(len(trades))
	if wins > 0 {
		m.AvgWinPct = sumWinPct / float64(wins)
	}
	if losses > 0 {
		m.AvgLossPct = sumLossPct / float64(losses)
	}
	if grossLosses > 0 {
		m.ProfitFactor = grossWins / grossLosses
	}

	factor := annualizationFactor(len(trades), frame)
	mean := meanOf(returns)
	if sd := stdDev(returns, mean); sd > 0 {
		m.SharpeRatio = mean / sd * factor
	}
	if dd := downsideDev(returns); dd > 0 {
		m.SortinoRatio = mean / dd * factor
	}

	m.MaxDrawdownPct = maxDrawdownPct(trades, initialBalance)

	years := frameYears(frame)
	if years > 0 && m.MaxDrawdownPct > 0 {
		annualReturnPct := m.NetProfitPct / years
		m.CalmarRatio = annualReturnPct / m.MaxDrawdownPct
	}

	return m
}

// annualizationFactor is sqrt(trades per year): the trade count divided by
// the frame's span in years, the span running from the first candle's open
// to the last candle's open plus one timeframe step.
func annualizationFactor(sampleSize int, frame *types.Frame) float64 {
	years := frameYears(frame)
	if years <= 0 {
		return 1
	}
	tradesPerYear := float64(sampleSize) / years
	if tradesPerYear <= 0 {
		return 1
	}
	return math.Sqrt(tradesPerYear)
}

func frameYears(frame *types.Frame) float64 {
	if frame == nil || len(frame.Candles) == 0 {
		return 0
	}
	span := frame.End().Sub(frame.Start()) + frame.Step()
	return span.Hours() / hoursPerYear
}

// maxDrawdownPct walks the closed-trade balance path.
func maxDrawdownPct(trades []types.TradeRecord, initialBalance decimal.Decimal) float64 {
	balance := initialBalance
	peak := initialBalance
	var maxDD decimal.Decimal
	for _, t := range trades {
		balance = balance.Add(t.RealizedPnLAbs)
		if balance.GreaterThan(peak) {
			peak = balance
		}
		if !peak.IsZero() {
			dd := peak.Sub(balance).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD.InexactFloat64() * 100
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// downsideDev is the deviation of negative returns only, against a zero
// target.
func downsideDev(values []float64) float64 {
	var ss float64
	var n int
	for _, v := range values {
		if v < 0 {
			ss += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(ss / float64(n))
}
