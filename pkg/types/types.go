// Package types provides shared type definitions for the training core.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents candle timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Step returns the candle duration of the timeframe.
func (tf Timeframe) Step() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	return tf.Step() > 0
}

// Regime is a coarse market condition label. The training core treats it
// as an opaque tag supplied by the caller.
type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
	RegimeVolatile Regime = "volatile"
)

// Valid reports whether r is a known regime label.
func (r Regime) Valid() bool {
	switch r {
	case RegimeBull, RegimeBear, RegimeSideways, RegimeVolatile:
		return true
	}
	return false
}

// Direction represents the side of a trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ExitReason represents why a simulated position was closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitTime       ExitReason = "TIME_EXIT"
	ExitEndOfData  ExitReason = "END_OF_DATA"
)

// Candle represents a single OHLCV bar
type Candle struct {
	OpenTime time.Time       `json:"openTime" db:"open_time"`
	Open     decimal.Decimal `json:"open" db:"open"`
	High     decimal.Decimal `json:"high" db:"high"`
	Low      decimal.Decimal `json:"low" db:"low"`
	Close    decimal.Decimal `json:"close" db:"close"`
	Volume   decimal.Decimal `json:"volume" db:"volume"`
}

// Frame is an ordered candle series for one (exchange, symbol, timeframe).
// Candles are sorted by OpenTime ascending. Gaps are explicit: the series
// never interpolates missing intervals.
type Frame struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
}

// Step returns the candle duration of the frame's timeframe.
func (f *Frame) Step() time.Duration {
	return f.Timeframe.Step()
}

// Start returns the open time of the first candle.
func (f *Frame) Start() time.Time {
	if len(f.Candles) == 0 {
		return time.Time{}
	}
	return f.Candles[0].OpenTime
}

// End returns the open time of the last candle.
func (f *Frame) End() time.Time {
	if len(f.Candles) == 0 {
		return time.Time{}
	}
	return f.Candles[len(f.Candles)-1].OpenTime
}

// SliceByTime returns a sub-frame with candles whose open time falls in
// [start, end). The backing array is shared with the parent frame.
func (f *Frame) SliceByTime(start, end time.Time) *Frame {
	lo := len(f.Candles)
	for i, c := range f.Candles {
		if !c.OpenTime.Before(start) {
			lo = i
			break
		}
	}
	hi := len(f.Candles)
	for i := lo; i < len(f.Candles); i++ {
		if !f.Candles[i].OpenTime.Before(end) {
			hi = i
			break
		}
	}
	return &Frame{
		Exchange:  f.Exchange,
		Symbol:    f.Symbol,
		Timeframe: f.Timeframe,
		Candles:   f.Candles[lo:hi],
	}
}

// Signal is a strategy entry signal with its full risk triangle.
type Signal struct {
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	EmittedAt  time.Time       `json:"emittedAt"`
}

// Validate checks the risk-triangle invariant:
// LONG requires SL < entry < TP, SHORT requires TP < entry < SL.
func (s *Signal) Validate() error {
	switch s.Direction {
	case DirectionLong:
		if !(s.StopLoss.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.TakeProfit)) {
			return fmt.Errorf("long signal at %s: stop %s, entry %s, target %s violate SL < entry < TP",
				s.EmittedAt.Format(time.RFC3339), s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case DirectionShort:
		if !(s.TakeProfit.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.StopLoss)) {
			return fmt.Errorf("short signal at %s: target %s, entry %s, stop %s violate TP < entry < SL",
				s.EmittedAt.Format(time.RFC3339), s.TakeProfit, s.EntryPrice, s.StopLoss)
		}
	default:
		return fmt.Errorf("signal at %s: unknown direction %q", s.EmittedAt.Format(time.RFC3339), s.Direction)
	}
	return nil
}

// TradeRecord is one simulated round trip produced by the backtest engine.
type TradeRecord struct {
	EntryTime      time.Time       `json:"entryTime"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	ExitTime       time.Time       `json:"exitTime"`
	ExitPrice      decimal.Decimal `json:"exitPrice"`
	Direction      Direction       `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	ExitReason     ExitReason      `json:"exitReason"`
	RealizedPnLPct float64         `json:"realizedPnlPct"`
	RealizedPnLAbs decimal.Decimal `json:"realizedPnlAbs"`
}

// MetricVector aggregates a backtest's trade list into the statistics the
// optimizers and the lifecycle gate consume. Ratio-valued fields are plain
// float64; money stays decimal inside TradeRecord.
type MetricVector struct {
	NetProfitPct   float64 `json:"netProfitPct" db:"net_profit_pct"`
	GrossWinRate   float64 `json:"grossWinRate" db:"gross_win_rate"`
	SharpeRatio    float64 `json:"sharpeRatio" db:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortinoRatio" db:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmarRatio" db:"calmar_ratio"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct" db:"max_drawdown_pct"`
	ProfitFactor   float64 `json:"profitFactor" db:"profit_factor"`
	SampleSize     int     `json:"sampleSize" db:"sample_size"`
	AvgWinPct      float64 `json:"avgWinPct" db:"avg_win_pct"`
	AvgLossPct     float64 `json:"avgLossPct" db:"avg_loss_pct"`
	FillRate       float64 `json:"fillRate" db:"fill_rate"`
}

// JobStatus is the lifecycle state of a training job
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the transition from s to next is a path in
// the job DAG: PENDING -> {RUNNING, CANCELLED};
// RUNNING -> {COMPLETED, FAILED, CANCELLED}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// OptimizerKind selects the search strategy for a training job
type OptimizerKind string

const (
	OptimizerGrid     OptimizerKind = "grid"
	OptimizerRandom   OptimizerKind = "random"
	OptimizerBayesian OptimizerKind = "bayesian"
)

// Valid reports whether k is a known optimizer kind.
func (k OptimizerKind) Valid() bool {
	switch k {
	case OptimizerGrid, OptimizerRandom, OptimizerBayesian:
		return true
	}
	return false
}

// TrainingContext identifies the market slice a configuration is trained for.
type TrainingContext struct {
	Exchange  string    `json:"exchange"`
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Regime    Regime    `json:"regime"`
}

// TrainingSpec is a job submission.
type TrainingSpec struct {
	Strategy        string        `json:"strategy"`
	Exchange        string        `json:"exchange"`
	Pair            string        `json:"pair"`
	Timeframe       Timeframe     `json:"timeframe"`
	Regime          Regime        `json:"regime"`
	Optimizer       OptimizerKind `json:"optimizer"`
	IterationBudget int           `json:"iterationBudget"`
	LookbackDays    int           `json:"lookbackDays"`
	RandomSeed      *int64        `json:"randomSeed,omitempty"`
}

// Context returns the training context embedded in the spec.
func (s *TrainingSpec) Context() TrainingContext {
	return TrainingContext{
		Exchange:  s.Exchange,
		Pair:      s.Pair,
		Timeframe: s.Timeframe,
		Regime:    s.Regime,
	}
}

// Job is the externally visible state of a training job.
type Job struct {
	ID              string        `json:"id" db:"id"`
	Status          JobStatus     `json:"status" db:"status"`
	Strategy        string        `json:"strategy" db:"strategy"`
	Exchange        string        `json:"exchange" db:"exchange"`
	Pair            string        `json:"pair" db:"pair"`
	Timeframe       Timeframe     `json:"timeframe" db:"timeframe"`
	Regime          Regime        `json:"regime" db:"regime"`
	OptimizerKind   OptimizerKind `json:"optimizerKind" db:"optimizer_kind"`
	IterationBudget int           `json:"iterationBudget" db:"iteration_budget"`
	Progress        float64       `json:"progress" db:"progress"`
	CurrentIter     int           `json:"currentIteration" db:"current_iteration"`
	TotalIters      int           `json:"totalIterations" db:"total_iterations"`
	CurrentStage    string        `json:"currentStage" db:"current_stage"`
	BestScore       *float64      `json:"bestScoreSoFar,omitempty" db:"best_score"`
	ErrorMessage    *string       `json:"errorMessage,omitempty" db:"error_message"`
	ConfigID        *string       `json:"configId,omitempty" db:"config_id"`
	SubmittedAt     time.Time     `json:"submittedAt" db:"submitted_at"`
	StartedAt       *time.Time    `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty" db:"completed_at"`
}

// JobProgress is the polling view of a running job.
type JobProgress struct {
	Progress     float64  `json:"progress"`
	CurrentIter  int      `json:"currentIteration"`
	TotalIters   int      `json:"totalIterations"`
	CurrentStage string   `json:"currentStage"`
	BestScore    *float64 `json:"bestScoreSoFar,omitempty"`
	IsComplete   bool     `json:"isComplete"`
}

// LifecycleStage gates how much capital a trained configuration may receive.
type LifecycleStage string

const (
	StageDiscovery  LifecycleStage = "DISCOVERY"
	StageValidation LifecycleStage = "VALIDATION"
	StageMature     LifecycleStage = "MATURE"
	StageDecay      LifecycleStage = "DECAY"
	StagePaper      LifecycleStage = "PAPER"
)

// TrainedConfiguration is the persisted output of a successful training run.
// Rows are append-only: every run writes a fresh UUID even for a context
// that has been trained before.
type TrainedConfiguration struct {
	ID                string             `json:"id"`
	Strategy          string             `json:"strategy"`
	Context           TrainingContext    `json:"context"`
	Parameters        map[string]float64 `json:"parameters"`
	Metrics           MetricVector       `json:"metrics"`
	ValidationMetrics MetricVector       `json:"validationMetrics"`
	LifecycleStage    LifecycleStage     `json:"lifecycleStage"`
	MaxAllocationPct  float64            `json:"maxAllocationPct"`
	IsActive          bool               `json:"isActive"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}
