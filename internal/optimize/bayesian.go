package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Bayesian proposes points sequentially from a Gaussian-Process surrogate
// fitted to the (parameters, score) history, maximizing Expected
// Improvement over a seeded candidate pool. Sequential by construction:
// each proposal depends on every score before it, so iterations cannot be
// parallelized. The first SeedPoints evaluations come from a seeded
// Latin-Hypercube draw to give the surrogate something to stand on.
type Bayesian struct {
	opts Options
}

const (
	gpLengthScale = 0.25 // in normalized [0,1] coordinates
	gpNoise       = 1e-6
	eiXi          = 0.01
)

// Optimize runs the sequential Bayesian search.
func (b *Bayesian) Optimize(ctx context.Context, space ParameterSpace, objective Objective, budget int, progress ProgressFunc) (*Result, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = 1
	}

	rng := rand.New(rand.NewSource(b.opts.Seed))

	seedN := b.opts.SeedPoints
	if seedN > budget {
		seedN = budget
	}
	proposals := space.latinHypercube(seedN, rng)

	b.opts.Logger.Info("starting bayesian search",
		zap.Int("budget", budget),
		zap.Int("seed_points", seedN),
		zap.Int64("seed", b.opts.Seed),
	)

	result := &Result{History: make([]Evaluation, 0, budget)}
	best := math.Inf(-1)
	seen := make(map[string]bool, budget)

	evaluate := func(i int, vec Vector) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		score := safeEval(ctx, objective, vec)
		result.History = append(result.History, Evaluation{Iteration: i, Params: vec, Score: score})
		seen[vec.Key()] = true
		if score > best {
			best = score
			result.BestParams = vec.Clone()
			result.BestScore = score
		}
		if progress != nil {
			progress(i+1, budget, best)
		}
		return nil
	}

	for i, vec := range proposals {
		if err := evaluate(i, vec); err != nil {
			return nil, err
		}
	}

	for i := seedN; i < budget; i++ {
		vec, err := b.propose(space, result.History, seen, rng)
		if err != nil {
			// Numerical failure in the surrogate: fall back to a random
			// sample for this iteration and keep going.
			b.opts.Logger.Warn("surrogate fit failed, sampling randomly",
				zap.Int("iteration", i),
				zap.Error(err),
			)
			vec = space.Sample(rng)
		}
		if err := evaluate(i, vec); err != nil {
			return nil, err
		}
	}

	if result.BestParams == nil {
		result.BestScore = math.Inf(-1)
	}
	return result, nil
}

// propose fits the GP to the history and returns the candidate with the
// highest Expected Improvement, skipping already-evaluated points.
func (b *Bayesian) propose(space ParameterSpace, history []Evaluation, seen map[string]bool, rng *rand.Rand) (Vector, error) {
	gp, err := fitGP(space, history)
	if err != nil {
		return nil, err
	}

	var (
		bestVec Vector
		bestEI  = math.Inf(-1)
	)
	for c := 0; c < b.opts.Candidates; c++ {
		cand := space.Sample(rng)
		if seen[cand.Key()] {
			continue
		}
		mu, sigma := gp.predict(space.normalize(cand))
		ei := expectedImprovement(mu, sigma, gp.bestY)
		if ei > bestEI {
			bestEI = ei
			bestVec = cand
		}
	}
	if bestVec == nil {
		// Every candidate already evaluated (small discrete space).
		return space.Sample(rng), nil
	}
	return bestVec, nil
}

// gaussianProcess is a squared-exponential GP over normalized coordinates
// with standardized targets.
type gaussianProcess struct {
	xs    [][]float64
	alpha *mat.VecDense
	chol  mat.Cholesky
	mean  float64
	std   float64
	bestY float64 // best standardized target, for EI
}

// fitGP factorizes the kernel matrix over the history. Sentinel scores are
// clamped to just below the worst real score to keep the fit numerically
// sane without hiding that those corners are bad.
func fitGP(space ParameterSpace, history []Evaluation) (*gaussianProcess, error) {
	n := len(history)
	if n < 2 {
		return nil, fmt.Errorf("not enough observations: %d", n)
	}

	worst := math.Inf(1)
	for _, ev := range history {
		if ev.Score > SentinelScore/2 && ev.Score < worst {
			worst = ev.Score
		}
	}
	if math.IsInf(worst, 1) {
		worst = 0
	}
	floor := worst - 1

	ys := make([]float64, n)
	xs := make([][]float64, n)
	for i, ev := range history {
		y := ev.Score
		if y <= SentinelScore/2 {
			y = floor
		}
		ys[i] = y
		xs[i] = space.normalize(ev.Params)
	}

	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / float64(n)
	var ss float64
	for _, y := range ys {
		d := y - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n))
	if std < 1e-12 {
		return nil, fmt.Errorf("degenerate targets: zero variance")
	}

	bestY := math.Inf(-1)
	yv := mat.NewVecDense(n, nil)
	for i, y := range ys {
		z := (y - mean) / std
		yv.SetVec(i, z)
		if z > bestY {
			bestY = z
		}
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rbfKernel(xs[i], xs[j])
			if i == j {
				v += gpNoise
			}
			k.SetSym(i, j, v)
		}
	}

	gp := &gaussianProcess{xs: xs, mean: mean, std: std, bestY: bestY}
	if ok := gp.chol.Factorize(k); !ok {
		return nil, fmt.Errorf("kernel matrix is not positive definite")
	}

	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, yv); err != nil {
		return nil, fmt.Errorf("solving for alpha: %w", err)
	}
	return gp, nil
}

// predict returns the posterior mean and stddev (standardized units) at x.
func (gp *gaussianProcess) predict(x []float64) (mu, sigma float64) {
	n := len(gp.xs)
	ks := mat.NewVecDense(n, nil)
	for i, xi := range gp.xs {
		ks.SetVec(i, rbfKernel(x, xi))
	}

	mu = mat.Dot(ks, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, ks); err != nil {
		return mu, 0
	}
	variance := rbfKernel(x, x) + gpNoise - mat.Dot(ks, v)
	if variance < 0 {
		variance = 0
	}
	return mu, math.Sqrt(variance)
}

func rbfKernel(a, b []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-d2 / (2 * gpLengthScale * gpLengthScale))
}

// expectedImprovement in standardized units over the incumbent best.
func expectedImprovement(mu, sigma, best float64) float64 {
	if sigma < 1e-12 {
		return 0
	}
	z := (mu - best - eiXi) / sigma
	return sigma * (z*normCDF(z) + normPDF(z))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
