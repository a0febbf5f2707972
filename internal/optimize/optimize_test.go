package optimize_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallgreen-machine/aplus-trainer/internal/optimize"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

func testSpace() optimize.ParameterSpace {
	return optimize.ParameterSpace{
		{Name: "period", Kind: optimize.ParamInteger, Min: 5, Max: 8},
		{Name: "mult", Kind: optimize.ParamContinuous, Min: 0, Max: 1},
		{Name: "mode", Kind: optimize.ParamEnum, Choices: []float64{0, 1}},
	}
}

// paraboloid peaks at period=6, mult=0.5, mode=1.
func paraboloid(_ context.Context, vec optimize.Vector) float64 {
	dp := vec["period"] - 6
	dm := vec["mult"] - 0.5
	return 10 - dp*dp - 4*dm*dm + vec["mode"]
}

// progressRecorder checks the shared callback contract.
type progressRecorder struct {
	mu        sync.Mutex
	completed []int
	totals    []int
}

func (p *progressRecorder) cb(completed, total int, _ float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, completed)
	p.totals = append(p.totals, total)
}

func (p *progressRecorder) assertContract(t *testing.T, wantTotal int) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.completed)
	prev := 0
	final := 0
	for i, c := range p.completed {
		assert.GreaterOrEqual(t, c, prev, "completed must be non-decreasing")
		assert.Equal(t, wantTotal, p.totals[i])
		if c == wantTotal {
			final++
		}
		prev = c
	}
	assert.Equal(t, 1, final, "completed == total must fire exactly once")
}

func TestGridSearchEnumeratesProduct(t *testing.T) {
	opt, err := optimize.New(types.OptimizerGrid, optimize.Options{Workers: 4, GridPoints: 3})
	require.NoError(t, err)

	rec := &progressRecorder{}
	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 0, rec.cb)
	require.NoError(t, err)

	// 4 integer values x 3 continuous points x 2 enum choices.
	require.Len(t, result.History, 4*3*2)
	rec.assertContract(t, 4*3*2)

	assert.InDelta(t, 6, result.BestParams["period"], 1e-9)
	assert.InDelta(t, 0.5, result.BestParams["mult"], 1e-9)
	assert.InDelta(t, 1, result.BestParams["mode"], 1e-9)
}

func TestGridSearchDeterministicOrder(t *testing.T) {
	build := func() *optimize.Result {
		opt, err := optimize.New(types.OptimizerGrid, optimize.Options{Workers: 8, GridPoints: 3})
		require.NoError(t, err)
		result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 0, nil)
		require.NoError(t, err)
		return result
	}

	a, b := build(), build()
	require.Equal(t, len(a.History), len(b.History))
	for i := range a.History {
		assert.Equal(t, a.History[i].Params, b.History[i].Params, "grid order must be deterministic at %d", i)
	}
}

func TestGridSearchBudgetCap(t *testing.T) {
	opt, err := optimize.New(types.OptimizerGrid, optimize.Options{Workers: 2, GridPoints: 3})
	require.NoError(t, err)

	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 5, nil)
	require.NoError(t, err)
	assert.Len(t, result.History, 5)
}

func TestRandomSearchSeedDeterminism(t *testing.T) {
	run := func(seed int64) *optimize.Result {
		opt, err := optimize.New(types.OptimizerRandom, optimize.Options{Workers: 8, Seed: seed})
		require.NoError(t, err)
		result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 32, nil)
		require.NoError(t, err)
		return result
	}

	a, b := run(42), run(42)
	require.Len(t, a.History, 32)
	for i := range a.History {
		assert.Equal(t, a.History[i].Params, b.History[i].Params,
			"same seed must produce bit-identical history at %d", i)
	}

	c := run(7)
	different := false
	for i := range a.History {
		if a.History[i].Params.Key() != c.History[i].Params.Key() {
			different = true
			break
		}
	}
	assert.True(t, different, "different seeds should explore differently")
}

func TestRandomSearchProgressContract(t *testing.T) {
	opt, err := optimize.New(types.OptimizerRandom, optimize.Options{Workers: 4, Seed: 1})
	require.NoError(t, err)

	rec := &progressRecorder{}
	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 20, rec.cb)
	require.NoError(t, err)
	require.Len(t, result.History, 20)
	rec.assertContract(t, 20)
}

func TestRandomSearchSamplesRespectDomains(t *testing.T) {
	opt, err := optimize.New(types.OptimizerRandom, optimize.Options{Workers: 1, Seed: 3})
	require.NoError(t, err)

	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 50, nil)
	require.NoError(t, err)

	for _, ev := range result.History {
		period := ev.Params["period"]
		assert.Equal(t, period, math.Round(period), "integer axis must sample integers")
		assert.GreaterOrEqual(t, period, 5.0)
		assert.LessOrEqual(t, period, 8.0)
		assert.GreaterOrEqual(t, ev.Params["mult"], 0.0)
		assert.LessOrEqual(t, ev.Params["mult"], 1.0)
		assert.Contains(t, []float64{0, 1}, ev.Params["mode"])
	}
}

func TestBayesianSeedDeterminism(t *testing.T) {
	run := func() *optimize.Result {
		opt, err := optimize.New(types.OptimizerBayesian, optimize.Options{Seed: 42, SeedPoints: 6, Candidates: 64})
		require.NoError(t, err)
		result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 18, nil)
		require.NoError(t, err)
		return result
	}

	a, b := run(), run()
	require.Len(t, a.History, 18)
	for i := range a.History {
		assert.Equal(t, a.History[i].Params, b.History[i].Params,
			"same seed must produce bit-identical bayesian history at %d", i)
	}
}

func TestBayesianProgressContract(t *testing.T) {
	opt, err := optimize.New(types.OptimizerBayesian, optimize.Options{Seed: 1, SeedPoints: 4})
	require.NoError(t, err)

	rec := &progressRecorder{}
	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 12, rec.cb)
	require.NoError(t, err)
	require.Len(t, result.History, 12)
	rec.assertContract(t, 12)
}

func TestBayesianImprovesOnSeedPhase(t *testing.T) {
	opt, err := optimize.New(types.OptimizerBayesian, optimize.Options{Seed: 9, SeedPoints: 5, Candidates: 128})
	require.NoError(t, err)

	result, err := opt.Optimize(context.Background(), testSpace(), paraboloid, 30, nil)
	require.NoError(t, err)

	seedBest := math.Inf(-1)
	for _, ev := range result.History[:5] {
		if ev.Score > seedBest {
			seedBest = ev.Score
		}
	}
	assert.GreaterOrEqual(t, result.BestScore, seedBest)
	// The optimum is 11; the guided phase should land well above a poor
	// corner on a smooth surface.
	assert.Greater(t, result.BestScore, 8.5)
}

func TestSentinelCornersDoNotKillSearch(t *testing.T) {
	objective := func(_ context.Context, vec optimize.Vector) float64 {
		if vec["mode"] == 0 {
			return optimize.SentinelScore
		}
		return paraboloid(context.Background(), vec)
	}

	opt, err := optimize.New(types.OptimizerRandom, optimize.Options{Workers: 4, Seed: 5})
	require.NoError(t, err)
	result, err := opt.Optimize(context.Background(), testSpace(), objective, 40, nil)
	require.NoError(t, err)

	require.NotNil(t, result.BestParams)
	assert.Equal(t, 1.0, result.BestParams["mode"])
	assert.Greater(t, result.BestScore, optimize.SentinelScore)
}

func TestPanickingObjectiveScoresSentinel(t *testing.T) {
	objective := func(ctx context.Context, vec optimize.Vector) float64 {
		if vec["mode"] == 0 {
			panic("numerical blow-up")
		}
		return paraboloid(ctx, vec)
	}

	for _, kind := range []types.OptimizerKind{types.OptimizerRandom, types.OptimizerBayesian} {
		opt, err := optimize.New(kind, optimize.Options{Workers: 4, Seed: 5, SeedPoints: 4})
		require.NoError(t, err)

		result, err := opt.Optimize(context.Background(), testSpace(), objective, 30, nil)
		require.NoError(t, err, "%s must survive a panicking corner", kind)
		require.Len(t, result.History, 30)

		for _, ev := range result.History {
			if ev.Params["mode"] == 0 {
				assert.Equal(t, optimize.SentinelScore, ev.Score)
			}
		}
		require.NotNil(t, result.BestParams)
		assert.Equal(t, 1.0, result.BestParams["mode"])
	}
}

func TestCancelledContextStopsOptimizer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opt, err := optimize.New(types.OptimizerBayesian, optimize.Options{Seed: 1})
	require.NoError(t, err)
	_, err = opt.Optimize(ctx, testSpace(), paraboloid, 10, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
