package optimize

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// RandomSearch draws budget independent uniform samples from the space and
// evaluates them in parallel. The sample sequence is fully determined by
// the seed: samples are drawn up front, sequentially, so two runs with the
// same seed produce bit-identical histories no matter how the parallel
// evaluation interleaves.
type RandomSearch struct {
	opts Options
}

// Optimize runs the random search.
func (r *RandomSearch) Optimize(ctx context.Context, space ParameterSpace, objective Objective, budget int, progress ProgressFunc) (*Result, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = 1
	}

	rng := rand.New(rand.NewSource(r.opts.Seed))
	samples := make([]Vector, budget)
	for i := range samples {
		samples[i] = space.Sample(rng)
	}

	r.opts.Logger.Info("starting random search",
		zap.Int("budget", budget),
		zap.Int64("seed", r.opts.Seed),
		zap.Int("workers", r.opts.Workers),
	)

	completed := 0
	best := math.Inf(-1)
	bestIdx := -1

	scores, err := evalParallel(ctx, samples, r.opts.Workers, objective, func(idx int, score float64) {
		completed++
		if score > best {
			best = score
			bestIdx = idx
		}
		if progress != nil {
			progress(completed, budget, best)
		}
	})
	if err != nil {
		return nil, err
	}

	result := &Result{History: make([]Evaluation, budget)}
	for i, s := range samples {
		result.History[i] = Evaluation{Iteration: i, Params: s, Score: scores[i]}
	}
	if bestIdx >= 0 {
		result.BestParams = samples[bestIdx].Clone()
		result.BestScore = best
	} else {
		result.BestScore = math.Inf(-1)
	}
	return result, nil
}
