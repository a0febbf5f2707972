// Package config loads service configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Validate  ValidateConfig  `mapstructure:"validation"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig locates the sqlite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkersConfig sizes the job runtime.
type WorkersConfig struct {
	Count         int `mapstructure:"count"`
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// BacktestConfig carries the default cost model.
type BacktestConfig struct {
	FeeRate        float64 `mapstructure:"fee_rate"`
	SlippageRate   float64 `mapstructure:"slippage_rate"`
	InitialBalance float64 `mapstructure:"initial_balance"`
	RiskPerTrade   float64 `mapstructure:"risk_per_trade"`
	MaxPositions   int     `mapstructure:"max_positions"`
}

// ValidateConfig carries the walk-forward window layout.
type ValidateConfig struct {
	TrainDays  int `mapstructure:"train_days"`
	TestDays   int `mapstructure:"test_days"`
	GapDays    int `mapstructure:"gap_days"`
	MinWindows int `mapstructure:"min_windows"`
}

// OptimizerConfig bounds per-job parallelism.
type OptimizerConfig struct {
	MaxParallelEval int   `mapstructure:"max_parallel_eval"`
	DefaultSeed     int64 `mapstructure:"default_seed"`
}

// Load reads trainer.yaml (optional) plus TRAINER_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("trainer")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRAINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8090)
	v.SetDefault("database.path", "./trainer.db")
	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.queue_capacity", 1024)
	v.SetDefault("backtest.fee_rate", 0.001)
	v.SetDefault("backtest.slippage_rate", 0.0005)
	v.SetDefault("backtest.initial_balance", 10_000)
	v.SetDefault("backtest.risk_per_trade", 0.02)
	v.SetDefault("backtest.max_positions", 1)
	v.SetDefault("validation.train_days", 30)
	v.SetDefault("validation.test_days", 10)
	v.SetDefault("validation.gap_days", 2)
	v.SetDefault("validation.min_windows", 3)
	v.SetDefault("optimizer.max_parallel_eval", 0)
	v.SetDefault("optimizer.default_seed", 42)
	v.SetDefault("log_level", "info")
}
