// Package types provides configuration types for the training core.
package types

import (
	"github.com/shopspring/decimal"
)

// BacktestConfig is the enumerated cost-model options for one simulation run.
type BacktestConfig struct {
	FeeRate                decimal.Decimal `json:"feeRate"`
	SlippageRate           decimal.Decimal `json:"slippageRate"`
	InitialBalance         decimal.Decimal `json:"initialBalance"`
	RiskPerTrade           decimal.Decimal `json:"riskPerTrade"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`
	TimeExitCandles        int             `json:"timeExitCandles"`
}

// DefaultBacktestConfig returns the standard cost model.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		FeeRate:                decimal.NewFromFloat(0.001),
		SlippageRate:           decimal.NewFromFloat(0.0005),
		InitialBalance:         decimal.NewFromInt(10_000),
		RiskPerTrade:           decimal.NewFromFloat(0.02),
		MaxConcurrentPositions: 1,
	}
}

// WalkForwardConfig bounds the rolling validation windows.
type WalkForwardConfig struct {
	TrainDays  int `json:"trainDays"`
	TestDays   int `json:"testDays"`
	GapDays    int `json:"gapDays"`
	MinWindows int `json:"minWindows"`
}

// DefaultWalkForwardConfig returns the standard window layout.
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{
		TrainDays:  30,
		TestDays:   10,
		GapDays:    2,
		MinWindows: 3,
	}
}

// CircuitBreakers are the live-guardrail values attached to a trained
// configuration. Enforcement is the deployment side's concern; training
// only derives and records them.
type CircuitBreakers struct {
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxPositionSizePct   float64 `json:"max_position_size_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	DailyTradeLimit      int     `json:"daily_trade_limit"`
	CooldownAfterLossMin int     `json:"cooldown_after_loss_minutes"`
	MinSharpeRatio       float64 `json:"min_sharpe_ratio"`
}

// ValidationSummary is the walk-forward block of the output record.
type ValidationSummary struct {
	TrainWindowDays     int     `json:"train_window_days"`
	TestWindowDays      int     `json:"test_window_days"`
	GapDays             int     `json:"gap_days"`
	TestSharpe          float64 `json:"test_sharpe"`
	OverfittingDetected bool    `json:"overfitting_detected"`
}

// LifecycleSummary is the allocation-gate block of the output record.
type LifecycleSummary struct {
	Stage            LifecycleStage `json:"stage"`
	MaxAllocationPct float64        `json:"max_allocation_pct"`
}

// OutputRecord is the configuration JSON persisted alongside the scalar
// columns of a trained configuration.
type OutputRecord struct {
	ConfigID        string             `json:"configId"`
	Version         int                `json:"version"`
	Strategy        string             `json:"strategy"`
	Context         TrainingContext    `json:"context"`
	Parameters      map[string]float64 `json:"parameters"`
	Metrics         MetricVector       `json:"metrics"`
	Validation      ValidationSummary  `json:"validation"`
	Lifecycle       LifecycleSummary   `json:"lifecycle"`
	CircuitBreakers CircuitBreakers    `json:"circuit_breakers"`
}
