package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tallgreen-machine/aplus-trainer/internal/strategy"
	"github.com/tallgreen-machine/aplus-trainer/internal/telemetry"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// ErrValidation marks submissions rejected before reaching a worker.
var ErrValidation = errors.New("VALIDATION_ERROR")

const (
	minIterationBudget = 1
	maxIterationBudget = 2000
	maxLookbackDays    = 730
)

// Service is the job-facing surface: submit, status, progress, cancel.
type Service struct {
	logger   *zap.Logger
	broker   *Broker
	mirror   *Mirror
	registry *strategy.Registry
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewService wires the queue service.
func NewService(logger *zap.Logger, broker *Broker, mirror *Mirror, registry *strategy.Registry, metrics *telemetry.Metrics) *Service {
	return &Service{
		logger:   logger,
		broker:   broker,
		mirror:   mirror,
		registry: registry,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Submit validates the spec, creates the PENDING record and enqueues the
// work item under the same id.
func (s *Service) Submit(ctx context.Context, spec types.TrainingSpec) (string, error) {
	if err := s.validate(spec); err != nil {
		return "", err
	}

	id := uuid.New().String()
	if err := s.mirror.InsertPending(ctx, id, spec, s.now()); err != nil {
		return "", err
	}
	if err := s.broker.Enqueue(id, spec); err != nil {
		msg := err.Error()
		_ = s.mirror.MarkTerminal(ctx, id, types.JobFailed, &msg, nil, s.now())
		return "", err
	}

	s.metrics.JobsSubmitted.Inc()
	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("strategy", spec.Strategy),
		zap.String("pair", spec.Pair),
		zap.String("optimizer", string(spec.Optimizer)),
	)
	return id, nil
}

// validate enforces the submission contract. The lookback lower bound is
// deliberately loose here: the data accessor enforces the 30-steps minimum
// so a degenerate window fails the job with INSUFFICIENT_DATA rather than
// being rejected at the door.
func (s *Service) validate(spec types.TrainingSpec) error {
	if spec.Strategy == "" {
		return fmt.Errorf("%w: strategy is required", ErrValidation)
	}
	if _, ok := s.registry.Create(spec.Strategy); !ok {
		return fmt.Errorf("%w: unknown strategy %q", ErrValidation, spec.Strategy)
	}
	if spec.Exchange == "" || spec.Pair == "" {
		return fmt.Errorf("%w: exchange and pair are required", ErrValidation)
	}
	if !spec.Timeframe.Valid() {
		return fmt.Errorf("%w: unknown timeframe %q", ErrValidation, spec.Timeframe)
	}
	if !spec.Regime.Valid() {
		return fmt.Errorf("%w: unknown regime %q", ErrValidation, spec.Regime)
	}
	if !spec.Optimizer.Valid() {
		return fmt.Errorf("%w: unknown optimizer %q", ErrValidation, spec.Optimizer)
	}
	if spec.IterationBudget < minIterationBudget || spec.IterationBudget > maxIterationBudget {
		return fmt.Errorf("%w: iteration_budget %d outside [%d, %d]", ErrValidation,
			spec.IterationBudget, minIterationBudget, maxIterationBudget)
	}
	if spec.LookbackDays < 1 || spec.LookbackDays > maxLookbackDays {
		return fmt.Errorf("%w: lookback_days %d outside [1, %d]", ErrValidation,
			spec.LookbackDays, maxLookbackDays)
	}
	return nil
}

// Status returns the full job record: the durable row, overlaid with the
// broker's fresher progress while the job is in flight.
func (s *Service) Status(ctx context.Context, id string) (*types.Job, error) {
	job, err := s.mirror.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta, ok := s.broker.Meta(id); ok && !job.Status.Terminal() {
		job.Status = meta.Status
		if meta.Progress > job.Progress {
			job.Progress = meta.Progress
		}
		if meta.CurrentIter > job.CurrentIter {
			job.CurrentIter = meta.CurrentIter
		}
		if meta.TotalIters > 0 {
			job.TotalIters = meta.TotalIters
		}
		if meta.Stage != "" {
			job.CurrentStage = meta.Stage
		}
		if meta.BestScore != nil {
			job.BestScore = meta.BestScore
		}
	}
	return job, nil
}

// Progress returns the polling view of a job.
func (s *Service) Progress(ctx context.Context, id string) (*types.JobProgress, error) {
	job, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.JobProgress{
		Progress:     job.Progress,
		CurrentIter:  job.CurrentIter,
		TotalIters:   job.TotalIters,
		CurrentStage: job.CurrentStage,
		BestScore:    job.BestScore,
		IsComplete:   job.Status.Terminal(),
	}, nil
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]types.Job, error) {
	return s.mirror.List(ctx, limit)
}

// Cancel requests cancellation and returns the job's current status.
// Idempotent: cancelling a terminal job is a no-op that reports the
// terminal status.
func (s *Service) Cancel(ctx context.Context, id string) (types.JobStatus, error) {
	status, known := s.broker.RequestCancel(id)
	if !known {
		// Not in the broker (e.g. after a restart): the durable record is
		// authoritative.
		job, err := s.mirror.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	}

	if status == types.JobCancelled {
		// A queued job flips immediately; record it durably. Failure here
		// means the row was already terminal, which is fine.
		if err := s.mirror.MarkTerminal(ctx, id, types.JobCancelled, nil, nil, s.now()); err == nil {
			s.metrics.JobsFinished.WithLabelValues(string(types.JobCancelled)).Inc()
		}
		s.logger.Info("queued job cancelled", zap.String("job_id", id))
	}
	return status, nil
}
