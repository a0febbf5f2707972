package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tallgreen-machine/aplus-trainer/internal/backtester"
	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/internal/strategy"
	"github.com/tallgreen-machine/aplus-trainer/internal/telemetry"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// maxErrorMessageLen bounds the single-line error surfaced on failed jobs.
const maxErrorMessageLen = 500

// FrameFetcher loads candles for a training window.
type FrameFetcher interface {
	Fetch(ctx context.Context, exchange, symbol string, timeframe types.Timeframe, lookback time.Duration, asOf time.Time) (*types.Frame, error)
}

// ConfigWriter persists a finished training result.
type ConfigWriter interface {
	Write(ctx context.Context, strategyName string, tctx types.TrainingContext, params map[string]float64,
		train, validation types.MetricVector, valSummary types.ValidationSummary, now time.Time) (*types.TrainedConfiguration, error)
}

// RuntimeConfig tunes the worker runtime.
type RuntimeConfig struct {
	Workers         int
	MaxParallelEval int   // per-job evaluation cap; <=0 means NumCPU
	DefaultSeed     int64 // used when a spec carries no random_seed
	Backtest        types.BacktestConfig
	WalkForward     types.WalkForwardConfig
}

// Runtime is the worker pool draining the broker. Its only process-wide
// state is the broker connection and the pool handle, both torn down by
// Stop.
type Runtime struct {
	logger    *zap.Logger
	cfg       RuntimeConfig
	broker    *Broker
	mirror    *Mirror
	fetcher   FrameFetcher
	registry  *strategy.Registry
	writer    ConfigWriter
	validator *backtester.Validator
	engine    *backtester.Engine
	metrics   *telemetry.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// NewRuntime wires a worker runtime.
func NewRuntime(
	logger *zap.Logger,
	cfg RuntimeConfig,
	broker *Broker,
	mirror *Mirror,
	fetcher FrameFetcher,
	registry *strategy.Registry,
	writer ConfigWriter,
	metrics *telemetry.Metrics,
) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxParallelEval <= 0 {
		cfg.MaxParallelEval = runtime.NumCPU()
	}
	return &Runtime{
		logger:    logger,
		cfg:       cfg,
		broker:    broker,
		mirror:    mirror,
		fetcher:   fetcher,
		registry:  registry,
		writer:    writer,
		validator: backtester.NewValidator(logger),
		engine:    backtester.NewEngine(logger),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Start sweeps orphaned jobs from a previous run, then launches the pool.
// The mirror wins any divergence from the (empty) broker at startup.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.mirror.SweepOrphans(ctx, r.now()); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("starting worker runtime", zap.Int("workers", r.cfg.Workers))
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}
	return nil
}

// Stop shuts the pool down and waits for in-flight jobs to exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("worker runtime stopped")
}

func (r *Runtime) workerLoop(ctx context.Context, workerID int) {
	defer r.wg.Done()
	logger := r.logger.With(zap.Int("worker_id", workerID))

	for {
		id, spec, err := r.broker.Pull(ctx)
		if err != nil {
			return
		}
		r.runJob(ctx, logger, id, spec)
	}
}

// runJob executes the training pipeline for one claimed job:
// load data -> optimize -> validate -> save. Cancellation is cooperative:
// the job context is cancelled by the broker and polled at every optimizer
// evaluation and before each stage, so no partial configuration is written.
func (r *Runtime) runJob(ctx context.Context, logger *zap.Logger, id string, spec types.TrainingSpec) {
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	if !r.broker.Claim(id, cancelJob) {
		// Cancellation raced the claim; broker and mirror were already
		// flipped by the cancel path.
		return
	}
	if err := r.mirror.MarkRunning(ctx, id, r.now()); err != nil {
		logger.Error("claim mirror write failed", zap.Error(err))
		r.broker.SetTerminal(id, types.JobFailed)
		return
	}
	r.metrics.JobsRunning.Inc()
	defer r.metrics.JobsRunning.Dec()

	// Panic recovery: a bad strategy or a numerical blow-up in one job must
	// not take down the pool and every other in-flight job with it.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("recovered from job panic", zap.Any("panic", rec))
			msg := boundedMessage(fmt.Errorf("panic: %v", rec))
			r.finish(id, types.JobFailed, &msg, nil)
		}
	}()

	logger = logger.With(zap.String("job_id", id), zap.String("strategy", spec.Strategy))
	logger.Info("job claimed",
		zap.String("optimizer", string(spec.Optimizer)),
		zap.Int("budget", spec.IterationBudget),
	)

	reporter := newProgressReporter(logger, r.broker, r.mirror, id)

	fail := func(err error) {
		if jobCtx.Err() != nil && !r.broker.CancelRequested(id) {
			// Runtime shutdown, not a job cancel: leave the row RUNNING so
			// the next startup sweep moves it to worker_crashed.
			logger.Warn("job interrupted by shutdown", zap.Error(err))
			return
		}
		msg := boundedMessage(err)
		logger.Warn("job failed", zap.String("error", msg))
		r.finish(id, types.JobFailed, &msg, nil)
	}
	cancelled := func() bool {
		if jobCtx.Err() != nil && r.broker.CancelRequested(id) {
			logger.Info("job cancelled")
			r.finish(id, types.JobCancelled, nil, nil)
			return true
		}
		return false
	}

	// Stage: loading_data
	reporter.report(ctx, 2, 0, spec.IterationBudget, StageLoadingData, nil)
	lookback := time.Duration(spec.LookbackDays) * 24 * time.Hour
	frame, err := r.fetcher.Fetch(jobCtx, spec.Exchange, spec.Pair, spec.Timeframe, lookback, r.now().UTC())
	if cancelled() {
		return
	}
	if err != nil {
		fail(err)
		return
	}

	strat, ok := r.registry.Create(spec.Strategy)
	if !ok {
		fail(fmt.Errorf("unknown strategy %q", spec.Strategy))
		return
	}
	space := strat.ParameterSpace()

	// Stage: optimizing
	reporter.report(ctx, 5, 0, spec.IterationBudget, StageOptimizing, nil)
	seed := r.cfg.DefaultSeed
	if spec.RandomSeed != nil {
		seed = *spec.RandomSeed
	}
	optimizer, err := optimize.New(spec.Optimizer, optimize.Options{
		Logger:  logger,
		Workers: r.cfg.MaxParallelEval,
		Seed:    seed,
	})
	if err != nil {
		fail(err)
		return
	}

	objective := r.makeObjective(strat, frame)
	progressCb := func(completed, total int, best float64) {
		pct := 5 + 85*float64(completed)/float64(total)
		var bestPtr *float64
		if best > optimize.SentinelScore/2 && !math.IsInf(best, -1) {
			b := best
			bestPtr = &b
		}
		reporter.report(ctx, pct, completed, total, StageOptimizing, bestPtr)
	}

	result, err := optimizer.Optimize(jobCtx, space, objective, spec.IterationBudget, progressCb)
	if cancelled() {
		return
	}
	if err != nil {
		fail(err)
		return
	}
	if result.BestParams == nil {
		fail(errors.New("no parameter vector produced a scoreable backtest"))
		return
	}

	// Stage: validating. Cancellation is re-checked before the validator
	// starts and inside each window.
	if cancelled() {
		return
	}
	reporter.report(ctx, 92, spec.IterationBudget, spec.IterationBudget, StageValidating, nil)

	btCfg := r.backtestConfig(result.BestParams)
	factory := func() (backtester.SignalGenerator, error) { return strat.Build(result.BestParams) }

	trainMetrics, err := r.rerunBest(strat, frame, result.BestParams, btCfg)
	if err != nil {
		fail(err)
		return
	}

	report, err := r.validator.Validate(jobCtx, frame, factory, r.cfg.WalkForward, btCfg)
	if cancelled() {
		return
	}
	if err != nil {
		fail(err)
		return
	}

	// Stage: saving
	if cancelled() {
		return
	}
	reporter.report(ctx, 97, spec.IterationBudget, spec.IterationBudget, StageSaving, nil)

	valSummary := types.ValidationSummary{
		TrainWindowDays:     r.cfg.WalkForward.TrainDays,
		TestWindowDays:      r.cfg.WalkForward.TestDays,
		GapDays:             r.cfg.WalkForward.GapDays,
		TestSharpe:          report.TestMetrics.SharpeRatio,
		OverfittingDetected: report.Overfitting,
	}
	cfg, err := r.writer.Write(ctx, spec.Strategy, spec.Context(), result.BestParams,
		trainMetrics, report.TestMetrics, valSummary, r.now())
	if err != nil {
		fail(err)
		return
	}

	reporter.report(ctx, 100, spec.IterationBudget, spec.IterationBudget, StageDone, &result.BestScore)
	r.finish(id, types.JobCompleted, nil, &cfg.ID)
	logger.Info("job completed",
		zap.String("config_id", cfg.ID),
		zap.Float64("best_score", result.BestScore),
		zap.String("stage", string(cfg.LifecycleStage)),
	)
}

// makeObjective wraps a backtest as the optimizer's scoring function. A
// malformed-signal corner of the space scores the sentinel instead of
// failing the job, and thin backtests (fewer than 10 trades) score the
// sentinel to keep one lucky trade from winning the search.
func (r *Runtime) makeObjective(strat strategy.Strategy, frame *types.Frame) optimize.Objective {
	return func(ctx context.Context, vec optimize.Vector) float64 {
		start := time.Now()
		defer func() {
			r.metrics.Evaluations.Inc()
			r.metrics.EvaluationTime.Observe(time.Since(start).Seconds())
		}()

		gen, err := strat.Build(vec)
		if err != nil {
			return optimize.SentinelScore
		}
		signals, err := gen.Generate(frame)
		if err != nil {
			return optimize.SentinelScore
		}
		_, metrics, err := r.engine.Run(frame, signals, r.backtestConfig(vec))
		if err != nil {
			return optimize.SentinelScore
		}
		if metrics.SampleSize < 10 {
			return optimize.SentinelScore
		}
		return metrics.SharpeRatio
	}
}

// rerunBest replays the winning vector over the full frame for the
// configuration's train metrics.
func (r *Runtime) rerunBest(strat strategy.Strategy, frame *types.Frame, vec optimize.Vector, btCfg types.BacktestConfig) (types.MetricVector, error) {
	gen, err := strat.Build(vec)
	if err != nil {
		return types.MetricVector{}, err
	}
	signals, err := gen.Generate(frame)
	if err != nil {
		return types.MetricVector{}, err
	}
	_, metrics, err := r.engine.Run(frame, signals, btCfg)
	return metrics, err
}

func (r *Runtime) backtestConfig(vec optimize.Vector) types.BacktestConfig {
	cfg := r.cfg.Backtest
	if v, ok := vec[strategy.TimeExitParam]; ok {
		cfg.TimeExitCandles = int(math.Round(v))
	}
	return cfg
}

// finish records the terminal state in both broker and mirror. The mirror
// write uses a background context so shutdown cannot lose a terminal state.
func (r *Runtime) finish(id string, status types.JobStatus, errorMessage, configID *string) {
	r.broker.SetTerminal(id, status)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.mirror.MarkTerminal(ctx, id, status, errorMessage, configID, r.now()); err != nil {
		r.logger.Error("terminal mirror write failed",
			zap.String("job_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	r.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
}

// boundedMessage flattens an error to one bounded line for the job record.
func boundedMessage(err error) string {
	msg := strings.SplitN(err.Error(), "\n", 2)[0]
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
