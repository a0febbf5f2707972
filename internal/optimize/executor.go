package optimize

import (
	"context"
	"sync"
)

// evalParallel scores vecs concurrently, at most workers at a time, and
// invokes onDone under an internal lock as each task lands. Firing the hook
// per task (instead of at batch joins) is what keeps upstream progress
// smooth; a wait-for-all join would batch the events.
//
// Scores come back indexed by the caller's proposal order, so history stays
// deterministic regardless of completion order. Dispatch stops at the first
// context cancellation, and a dispatched task that has not yet started its
// evaluation when the context is cancelled is skipped; in-flight tasks drain
// before return, which then reports the context error.
func evalParallel(ctx context.Context, vecs []Vector, workers int, objective Objective, onDone func(idx int, score float64)) ([]float64, error) {
	scores := make([]float64, len(vecs))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sem  = make(chan struct{}, workers)
		cerr error
	)

	for i, vec := range vecs {
		select {
		case <-ctx.Done():
			cerr = ctx.Err()
		default:
		}
		if cerr != nil {
			break
		}

		wg.Add(1)
		go func(idx int, v Vector) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			score := safeEval(ctx, objective, v)

			mu.Lock()
			scores[idx] = score
			if onDone != nil {
				onDone(idx, score)
			}
			mu.Unlock()
		}(i, vec)
	}

	wg.Wait()
	if cerr == nil {
		cerr = ctx.Err()
	}
	return scores, cerr
}

// safeEval runs the objective with panic recovery. Evaluation goroutines
// sit outside the worker runtime's own recovery, and one blown-up corner of
// the space must cost a sentinel score, not the process.
func safeEval(ctx context.Context, objective Objective, v Vector) (score float64) {
	defer func() {
		if recover() != nil {
			score = SentinelScore
		}
	}()
	return objective(ctx, v)
}
