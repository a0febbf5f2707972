package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pipeline stage names, bounded strings mirrored into the job record.
const (
	StageLoadingData = "loading_data"
	StageOptimizing  = "optimizing"
	StageValidating  = "validating"
	StageSaving      = "saving"
	StageDone        = "done"
)

// progressReporter throttles the optimizer's per-evaluation callbacks into
// durable writes: the broker meta is updated on every event, the mirror
// only when progress moved at least minDelta or the stage changed. Without
// the throttle a 2000-evaluation job would hammer the mirror with
// sub-0.1% updates.
type progressReporter struct {
	mu       sync.Mutex
	logger   *zap.Logger
	broker   *Broker
	mirror   *Mirror
	jobID    string
	minDelta float64
	written  float64
	stage    string
}

func newProgressReporter(logger *zap.Logger, broker *Broker, mirror *Mirror, jobID string) *progressReporter {
	return &progressReporter{
		logger:   logger,
		broker:   broker,
		mirror:   mirror,
		jobID:    jobID,
		minDelta: 0.1,
		written:  -1,
	}
}

// report pushes one progress observation upstream. Safe for concurrent use:
// parallel optimizer tasks land their completions here.
func (p *progressReporter) report(ctx context.Context, progress float64, currentIter, totalIters int, stage string, best *float64) {
	p.broker.UpdateProgress(p.jobID, progress, currentIter, totalIters, stage, best)

	p.mu.Lock()
	flush := stage != p.stage || progress-p.written >= p.minDelta || progress >= 100
	if flush {
		p.stage = stage
		if progress > p.written {
			p.written = progress
		}
	}
	p.mu.Unlock()
	if !flush {
		return
	}

	if err := p.mirror.UpdateProgress(ctx, p.jobID, progress, currentIter, totalIters, stage, best); err != nil {
		p.logger.Warn("progress mirror write failed",
			zap.String("job_id", p.jobID),
			zap.Error(err),
		)
	}
}
