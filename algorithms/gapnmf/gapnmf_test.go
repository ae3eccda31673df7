package gapnmf

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/RyanBlaney/sonido-gapnmf/algorithms/common"
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/special"
)

// lowRankSpectrogram synthesizes an F x T magnitude spectrogram as a
// rank-component non-negative product with mild multiplicative noise.
func lowRankSpectrogram(freqs, frames, rank int, seed uint64) *mat.Dense {
	src := rand.NewPCG(seed, seed)
	gamma := distuv.Gamma{Alpha: 2, Beta: 2, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: 0.1, Src: src}

	w := mat.NewDense(freqs, rank, nil)
	for f := range freqs {
		for k := range rank {
			w.Set(f, k, gamma.Rand())
		}
	}
	h := mat.NewDense(rank, frames, nil)
	for k := range rank {
		for t := range frames {
			h.Set(k, t, gamma.Rand())
		}
	}

	x := mat.NewDense(freqs, frames, nil)
	x.Mul(w, h)
	for f := range freqs {
		for t := range frames {
			x.Set(f, t, x.At(f, t)*math.Exp(noise.Rand()))
		}
	}
	return x
}

func testGaPConfig(rank int) *Config {
	cfg := DefaultConfig()
	cfg.Rank = rank
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rank", func(c *Config) { c.Rank = 0 }},
		{"negative smoothness", func(c *Config) { c.Smoothness = -1 }},
		{"zero component shape", func(c *Config) { c.A = 0 }},
		{"zero activation shape", func(c *Config) { c.B = 0 }},
		{"zero power mass", func(c *Config) { c.Beta = 0 }},
		{"cutoff at one", func(c *Config) { c.PruneCutoff = 1 }},
		{"negative solver cap", func(c *Config) { c.SolverMaxIter = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			_, err := NewGaPNMF(lowRankSpectrogram(4, 5, 2, 1), cfg, rand.NewPCG(1, 2))
			assert.Error(t, err)
		})
	}
}

func TestNewGaPNMFRejectsBadInput(t *testing.T) {
	cfg := testGaPConfig(3)
	src := rand.NewPCG(7, 7)

	_, err := NewGaPNMF(nil, cfg, src)
	assert.Error(t, err)

	_, err = NewGaPNMF(mat.NewDense(2, 2, []float64{1, 2, -3, 4}), cfg, src)
	assert.Error(t, err)

	_, err = NewGaPNMF(mat.NewDense(2, 2, []float64{1, 2, math.NaN(), 4}), cfg, src)
	assert.Error(t, err)

	_, err = NewGaPNMF(mat.NewDense(2, 2, nil), cfg, src)
	assert.Error(t, err, "an all-zero spectrogram carries no energy")
}

func TestGoodKSelection(t *testing.T) {
	s := factorState{
		rank:   5,
		cutoff: 1e-6,
		et:     []float64{10, 5, 1e-8, 0.2, 1e-10},
	}
	assert.Equal(t, []int{0, 1, 3}, s.goodK())
}

func TestGoodKNeverEmpty(t *testing.T) {
	// The dominant component survives any cutoff below 1.
	s := factorState{
		rank:   3,
		cutoff: 0.9,
		et:     []float64{1, 1, 1},
	}
	good := s.goodK()
	require.NotEmpty(t, good)
	assert.Len(t, good, 1)
}

func TestGoodKOrdersByPower(t *testing.T) {
	s := factorState{
		rank:   4,
		cutoff: 1e-6,
		et:     []float64{0.5, 2, 1, 4},
	}
	assert.Equal(t, []int{3, 1, 2, 0}, s.goodK())
}

func TestClearBadKResetsToPrior(t *testing.T) {
	cfg := testGaPConfig(4)
	m, err := NewGaPNMF(lowRankSpectrogram(6, 8, 2, 21), cfg, rand.NewPCG(21, 22))
	require.NoError(t, err)

	// Collapse two components' expected power well below the cutoff share.
	for _, k := range []int{1, 3} {
		m.rhot[k] = 1e12
		m.taut[k] = 0
	}
	m.refreshTheta(m.allK())
	good := m.goodK()
	assert.NotContains(t, good, 1)
	assert.NotContains(t, good, 3)

	m.clearBadK()

	for _, k := range []int{1, 3} {
		for f := range m.freqs {
			assert.Equal(t, 0.0, m.tauw.At(f, k), "pruned tau must be exactly zero")
			assert.Equal(t, cfg.A, m.rhow.At(f, k))

			ex, exinv := special.GIGMoments(cfg.A, cfg.A, 0)
			assert.Equal(t, ex, m.ew.At(f, k))
			assert.Equal(t, exinv, m.ewinv.At(f, k))
		}
		for tt := range m.frames {
			assert.Equal(t, 0.0, m.tauh.At(k, tt))
			assert.Equal(t, cfg.B, m.rhoh.At(k, tt))
		}
	}
}

func TestMomentRefreshIdempotent(t *testing.T) {
	m, err := NewGaPNMF(lowRankSpectrogram(5, 6, 2, 31), testGaPConfig(3), rand.NewPCG(31, 32))
	require.NoError(t, err)
	m.Update()

	ew := mat.DenseCopyOf(m.ew)
	ewinv := mat.DenseCopyOf(m.ewinv)
	eh := mat.DenseCopyOf(m.eh)
	et := append([]float64(nil), m.et...)

	m.refreshAll()

	assert.True(t, mat.Equal(ew, m.ew))
	assert.True(t, mat.Equal(ewinv, m.ewinv))
	assert.True(t, mat.Equal(eh, m.eh))
	assert.Equal(t, et, m.et)
}

func TestGaPNMFDeterminism(t *testing.T) {
	x := lowRankSpectrogram(8, 10, 3, 41)
	a, err := NewGaPNMF(x, testGaPConfig(6), rand.NewPCG(41, 42))
	require.NoError(t, err)
	b, err := NewGaPNMF(x, testGaPConfig(6), rand.NewPCG(41, 42))
	require.NoError(t, err)

	for range 5 {
		a.Update()
		b.Update()
		assert.Equal(t, a.Bound(), b.Bound())
	}
	assert.Equal(t, a.GoodK(), b.GoodK())
	assert.True(t, mat.Equal(a.Reconstruction(), b.Reconstruction()))
}

func TestGaPNMFBoundMostlyNondecreasing(t *testing.T) {
	x := lowRankSpectrogram(12, 15, 3, 51)
	m, err := NewGaPNMF(x, testGaPConfig(10), rand.NewPCG(51, 52))
	require.NoError(t, err)

	bounds := make([]float64, 0, 50)
	for range 50 {
		m.Update()
		bounds = append(bounds, m.Bound())
	}

	ok := 0
	for i := 1; i < len(bounds); i++ {
		if common.RelativeChange(bounds[i], bounds[i-1]) >= -1e-4 {
			ok++
		}
	}
	frac := float64(ok) / float64(len(bounds)-1)
	assert.GreaterOrEqual(t, frac, 0.95, "bound decreased in too many steps: %v", bounds)
}

// With the default cutoff the redundant components settle at a prior-level
// power that still clears the relative threshold, so the support cannot be
// expected to shrink; what the fit does guarantee is that the expected power
// concentrates on the components carrying the data.
func TestGaPNMFPowerConcentrates(t *testing.T) {
	x := lowRankSpectrogram(12, 15, 3, 61)
	m, err := NewGaPNMF(x, testGaPConfig(15), rand.NewPCG(61, 62))
	require.NoError(t, err)

	for range 50 {
		m.Update()
	}

	powers := m.Powers()
	total := 0.0
	top := 0.0
	for _, p := range powers {
		total += p
		if p > top {
			top = p
		}
	}
	assert.Greater(t, top/total, 0.8, "dominant component share of total power")
	carrying := 0
	for _, p := range powers {
		if p/total > 1e-2 {
			carrying++
		}
	}
	assert.Less(t, carrying, 15, "most components should hold a negligible power share")
}

// A cutoff above the prior-level power share makes pruning actually trigger:
// redundant components drop out of the support and stay reset at their
// priors, since cleared components keep their collapsed power posteriors and
// are never updated again.
func TestGaPNMFPrunesOverprovisionedRank(t *testing.T) {
	x := lowRankSpectrogram(12, 15, 3, 61)
	cfg := testGaPConfig(15)
	cfg.PruneCutoff = 1e-2
	m, err := NewGaPNMF(x, cfg, rand.NewPCG(61, 62))
	require.NoError(t, err)

	for range 50 {
		m.Update()
	}

	good := m.GoodK()
	assert.NotEmpty(t, good)
	assert.Less(t, len(good), 15, "rank-3 data should not need all 15 components")

	for _, k := range m.badK(good) {
		for f := range m.freqs {
			assert.Equal(t, cfg.A, m.rhow.At(f, k))
			assert.Equal(t, 0.0, m.tauw.At(f, k), "pruned component %d must sit on the degenerate gamma path", k)
		}
		for tt := range m.frames {
			assert.Equal(t, cfg.B, m.rhoh.At(k, tt))
			assert.Equal(t, 0.0, m.tauh.At(k, tt))
		}
	}
}

func TestGaPNMFReconstruction(t *testing.T) {
	x := lowRankSpectrogram(10, 12, 3, 71)
	m, err := NewGaPNMF(x, testGaPConfig(8), rand.NewPCG(71, 72))
	require.NoError(t, err)
	for range 40 {
		m.Update()
	}

	rec := m.Reconstruction()
	rf, rt := rec.Dims()
	require.Equal(t, 10, rf)
	require.Equal(t, 12, rt)

	num, den := 0.0, 0.0
	for f := range rf {
		for tt := range rt {
			d := rec.At(f, tt) - x.At(f, tt)
			num += d * d
			den += x.At(f, tt) * x.At(f, tt)
		}
	}
	relErr := math.Sqrt(num / den)
	assert.Less(t, relErr, 0.5, "reconstruction relative error")

	wf, wk := m.Components().Dims()
	assert.Equal(t, 10, wf)
	assert.Equal(t, 8, wk)
	hk, ht := m.Activations().Dims()
	assert.Equal(t, 8, hk)
	assert.Equal(t, 12, ht)
	assert.Len(t, m.Powers(), 8)
}
