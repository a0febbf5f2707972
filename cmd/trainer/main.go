// Package main provides the entry point for the parameter-discovery
// training service: a job queue and worker runtime that search strategy
// parameter spaces, validate the winners walk-forward, and persist
// lifecycle-gated configurations.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/tallgreen-machine/aplus-trainer/internal/api"
	"github.com/tallgreen-machine/aplus-trainer/internal/config"
	"github.com/tallgreen-machine/aplus-trainer/internal/data"
	"github.com/tallgreen-machine/aplus-trainer/internal/lifecycle"
	"github.com/tallgreen-machine/aplus-trainer/internal/queue"
	"github.com/tallgreen-machine/aplus-trainer/internal/strategy"
	"github.com/tallgreen-machine/aplus-trainer/internal/telemetry"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Directory containing trainer.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting trainer",
		zap.String("db", cfg.Database.Path),
		zap.Int("workers", cfg.Workers.Count),
	)

	db, err := sqlx.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()
	// sqlite tolerates one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	store, err := data.NewStore(logger, db, nil)
	if err != nil {
		logger.Fatal("initializing market data store", zap.Error(err))
	}

	writer, err := lifecycle.NewWriter(logger, db)
	if err != nil {
		logger.Fatal("initializing configuration writer", zap.Error(err))
	}

	mirror, err := queue.NewMirror(logger, db)
	if err != nil {
		logger.Fatal("initializing job mirror", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	broker := queue.NewBroker(cfg.Workers.QueueCapacity)
	strategies := strategy.NewRegistry()
	logger.Info("registered strategies", zap.Strings("strategies", strategies.List()))

	runtimeCfg := queue.RuntimeConfig{
		Workers:         cfg.Workers.Count,
		MaxParallelEval: cfg.Optimizer.MaxParallelEval,
		DefaultSeed:     cfg.Optimizer.DefaultSeed,
		Backtest: types.BacktestConfig{
			FeeRate:                decimal.NewFromFloat(cfg.Backtest.FeeRate),
			SlippageRate:           decimal.NewFromFloat(cfg.Backtest.SlippageRate),
			InitialBalance:         decimal.NewFromFloat(cfg.Backtest.InitialBalance),
			RiskPerTrade:           decimal.NewFromFloat(cfg.Backtest.RiskPerTrade),
			MaxConcurrentPositions: cfg.Backtest.MaxPositions,
		},
		WalkForward: types.WalkForwardConfig{
			TrainDays:  cfg.Validate.TrainDays,
			TestDays:   cfg.Validate.TestDays,
			GapDays:    cfg.Validate.GapDays,
			MinWindows: cfg.Validate.MinWindows,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := queue.NewRuntime(logger, runtimeCfg, broker, mirror, store, strategies, writer, metrics)
	if err := runtime.Start(ctx); err != nil {
		logger.Fatal("starting worker runtime", zap.Error(err))
	}

	service := queue.NewService(logger, broker, mirror, strategies, metrics)
	server := api.NewServer(logger, api.ServerConfig{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, service, writer, registry)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	runtime.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}

	logger.Info("trainer stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
