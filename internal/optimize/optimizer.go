package optimize

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// SentinelScore marks parameter vectors that could not be scored: malformed
// signal corners of the space, or backtests with too few trades to trust.
const SentinelScore = -1e9

// Objective scores one parameter vector. Implementations wrap a backtest
// and must map their own failures to SentinelScore so a faulty corner of
// the space does not kill the search.
type Objective func(ctx context.Context, vec Vector) float64

// ProgressFunc receives one event per completed evaluation. completed is
// monotonically non-decreasing and reaches total exactly once at the end of
// a successful run.
type ProgressFunc func(completed, total int, best float64)

// Evaluation is one scored point of the search history.
type Evaluation struct {
	Iteration int     `json:"iteration"`
	Params    Vector  `json:"params"`
	Score     float64 `json:"score"`
}

// Result is the outcome of one optimizer run. History is ordered by the
// optimizer's deterministic proposal order, not completion order.
type Result struct {
	BestParams Vector       `json:"bestParams"`
	BestScore  float64      `json:"bestScore"`
	History    []Evaluation `json:"history"`
}

// Optimizer is the shared contract of the search family.
type Optimizer interface {
	Optimize(ctx context.Context, space ParameterSpace, objective Objective, budget int, progress ProgressFunc) (*Result, error)
}

// Options tunes an optimizer instance.
type Options struct {
	Logger     *zap.Logger
	Workers    int   // parallel evaluation cap; <=0 means NumCPU
	Seed       int64 // rng seed for random and bayesian
	GridPoints int   // default points per continuous axis; <=0 means 10
	SeedPoints int   // bayesian warmup evaluations; <=0 means 10
	Candidates int   // bayesian acquisition candidate pool; <=0 means 256
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.GridPoints <= 0 {
		o.GridPoints = 10
	}
	if o.SeedPoints <= 0 {
		o.SeedPoints = 10
	}
	if o.Candidates <= 0 {
		o.Candidates = 256
	}
	return o
}

// New builds an optimizer for the given kind.
func New(kind types.OptimizerKind, opts Options) (Optimizer, error) {
	opts = opts.withDefaults()
	switch kind {
	case types.OptimizerGrid:
		return &GridSearch{opts: opts}, nil
	case types.OptimizerRandom:
		return &RandomSearch{opts: opts}, nil
	case types.OptimizerBayesian:
		return &Bayesian{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer kind %q", kind)
	}
}
