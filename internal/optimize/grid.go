package optimize

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// GridSearch enumerates the cartesian product of per-parameter grids in a
// deterministic order and evaluates the combinations in parallel.
type GridSearch struct {
	opts Options
}

// Optimize runs the grid. budget > 0 caps enumeration at the first budget
// combinations in enumeration order; budget <= 0 means the full product.
func (g *GridSearch) Optimize(ctx context.Context, space ParameterSpace, objective Objective, budget int, progress ProgressFunc) (*Result, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}

	combos := g.enumerate(space)
	if budget > 0 && len(combos) > budget {
		combos = combos[:budget]
	}
	total := len(combos)

	g.opts.Logger.Info("starting grid search",
		zap.Int("combinations", total),
		zap.Int("workers", g.opts.Workers),
	)

	completed := 0
	best := math.Inf(-1)
	bestIdx := -1

	scores, err := evalParallel(ctx, combos, g.opts.Workers, objective, func(idx int, score float64) {
		completed++
		if score > best {
			best = score
			bestIdx = idx
		}
		if progress != nil {
			progress(completed, total, best)
		}
	})
	if err != nil {
		return nil, err
	}

	result := &Result{History: make([]Evaluation, total)}
	for i, combo := range combos {
		result.History[i] = Evaluation{Iteration: i, Params: combo, Score: scores[i]}
	}
	if bestIdx >= 0 {
		result.BestParams = combos[bestIdx].Clone()
		result.BestScore = best
	} else {
		result.BestScore = math.Inf(-1)
	}
	return result, nil
}

// enumerate builds the cartesian product, first parameter varying slowest.
func (g *GridSearch) enumerate(space ParameterSpace) []Vector {
	axes := make([][]float64, len(space))
	total := 1
	for i, p := range space {
		axes[i] = p.gridValues(g.opts.GridPoints)
		total *= len(axes[i])
	}

	combos := make([]Vector, 0, total)
	idx := make([]int, len(space))
	for {
		v := make(Vector, len(space))
		for i, p := range space {
			v[p.Name] = axes[i][idx[i]]
		}
		combos = append(combos, v)

		d := len(space) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < len(axes[d]) {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return combos
		}
	}
}
