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
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/dictprior"
)

// testPrior builds a small synthetic dictionary prior: smooth log-domain
// atoms, unit activation shapes and moderate per-bin precisions.
func testPrior(t *testing.T, atoms, freqs int, seed uint64) *dictprior.Prior {
	t.Helper()
	src := rand.NewPCG(seed, seed)
	normal := distuv.Normal{Mu: 0, Sigma: 0.4, Src: src}

	u := mat.NewDense(atoms, freqs, nil)
	for l := range atoms {
		phase := float64(l) / float64(atoms)
		for f := range freqs {
			base := math.Sin(2*math.Pi*(float64(f)/float64(freqs)+phase))
			u.Set(l, f, 0.5*base+0.2*normal.Rand())
		}
	}
	alpha := make([]float64, atoms)
	for l := range alpha {
		alpha[l] = 1
	}
	gamma := make([]float64, freqs)
	for f := range gamma {
		gamma[f] = 2
	}
	p, err := dictprior.NewPrior(u, alpha, gamma)
	require.NoError(t, err)
	return p
}

// sourceFilterSpectrogram synthesizes a spectrogram from the source-filter
// generative story: each component's spectrum is exp(-U' a) for activations a
// drawn from the prior, scaled by random powers and activations.
func sourceFilterSpectrogram(prior *dictprior.Prior, frames, rank int, seed uint64) *mat.Dense {
	src := rand.NewPCG(seed, seed)
	freqs := prior.NumFreqs()
	atoms := prior.NumAtoms()
	gammaDist := distuv.Gamma{Alpha: 2, Beta: 2, Src: src}

	w := mat.NewDense(freqs, rank, nil)
	for k := range rank {
		a := make([]float64, atoms)
		for l := range a {
			d := distuv.Gamma{Alpha: prior.Alpha[l], Beta: prior.Alpha[l], Src: src}
			a[l] = d.Rand()
		}
		for f := range freqs {
			s := 0.0
			for l := range atoms {
				s += a[l] * prior.U.At(l, f)
			}
			w.Set(f, k, math.Exp(-s))
		}
	}
	h := mat.NewDense(rank, frames, nil)
	for k := range rank {
		for t := range frames {
			h.Set(k, t, gammaDist.Rand())
		}
	}
	x := mat.NewDense(freqs, frames, nil)
	x.Mul(w, h)
	return x
}

func testSFConfig(rank int) *Config {
	cfg := DefaultConfig()
	cfg.Rank = rank
	cfg.SolverMaxIter = 500
	return cfg
}

func TestNewSourceFilterValidates(t *testing.T) {
	prior := testPrior(t, 3, 8, 1)
	x := sourceFilterSpectrogram(prior, 10, 2, 2)
	src := rand.NewPCG(1, 2)

	_, err := NewSourceFilter(x, nil, testSFConfig(4), src)
	assert.Error(t, err, "nil prior")

	short := testPrior(t, 3, 5, 3)
	_, err = NewSourceFilter(x, short, testSFConfig(4), src)
	assert.Error(t, err, "frequency bin mismatch")

	bad := *prior
	bad.Alpha = append([]float64(nil), prior.Alpha...)
	bad.Alpha[1] = -1
	_, err = NewSourceFilter(x, &bad, testSFConfig(4), src)
	assert.Error(t, err, "non-positive alpha")

	bad = *prior
	bad.Gamma = append([]float64(nil), prior.Gamma...)
	bad.Gamma[0] = 0
	_, err = NewSourceFilter(x, &bad, testSFConfig(4), src)
	assert.Error(t, err, "non-positive gamma")
}

func TestSourceFilterDeterminism(t *testing.T) {
	prior := testPrior(t, 3, 8, 11)
	x := sourceFilterSpectrogram(prior, 10, 2, 12)

	a, err := NewSourceFilter(x, prior, testSFConfig(4), rand.NewPCG(13, 14))
	require.NoError(t, err)
	b, err := NewSourceFilter(x, prior, testSFConfig(4), rand.NewPCG(13, 14))
	require.NoError(t, err)

	for range 3 {
		a.Update()
		b.Update()
		assert.Equal(t, a.Bound(), b.Bound())
	}
	assert.Equal(t, a.GoodK(), b.GoodK())
	assert.True(t, mat.Equal(a.DictionaryActivations(), b.DictionaryActivations()))
	assert.True(t, mat.Equal(a.Reconstruction(), b.Reconstruction()))
}

func TestSourceFilterBoundMostlyNondecreasing(t *testing.T) {
	prior := testPrior(t, 3, 8, 21)
	x := sourceFilterSpectrogram(prior, 12, 2, 22)
	d, err := NewSourceFilter(x, prior, testSFConfig(5), rand.NewPCG(23, 24))
	require.NoError(t, err)

	bounds := make([]float64, 0, 20)
	for range 20 {
		d.Update()
		bounds = append(bounds, d.Bound())
	}

	ok := 0
	for i := 1; i < len(bounds); i++ {
		if common.RelativeChange(bounds[i], bounds[i-1]) >= -1e-4 {
			ok++
		}
	}
	frac := float64(ok) / float64(len(bounds)-1)
	assert.GreaterOrEqual(t, frac, 0.9, "bound decreased in too many steps: %v", bounds)
}

func TestSourceFilterClearBadKResets(t *testing.T) {
	prior := testPrior(t, 3, 8, 31)
	x := sourceFilterSpectrogram(prior, 10, 2, 32)
	d, err := NewSourceFilter(x, prior, testSFConfig(4), rand.NewPCG(33, 34))
	require.NoError(t, err)
	d.Update()

	// Collapse one component's expected power below the cutoff share.
	d.rhot[2] = 1e12
	d.taut[2] = 0
	d.refreshTheta(d.allK())
	require.NotContains(t, d.goodK(), 2)

	d.clearBadK()

	for f := range d.freqs {
		assert.Equal(t, 0.0, d.tauw.At(f, 2))
		assert.Equal(t, prior.Gamma[f], d.rhow.At(f, 2))
	}
	for tt := range d.frames {
		assert.Equal(t, 0.0, d.tauh.At(2, tt))
	}
	for l := range d.atoms {
		assert.Equal(t, prior.Alpha[l], d.nua.At(l, 2))
		assert.Equal(t, prior.Alpha[l], d.rhoa.At(l, 2))
		// Reset activations sit at their prior mean.
		assert.Equal(t, 1.0, d.ea.At(l, 2))
	}
	slab := d.logEexpa[2]
	for f := range d.freqs {
		for l := range d.atoms {
			assert.Equal(t, 0.0, slab.At(f, l), "cleared slab must be identically zero")
		}
	}
}

func TestSourceFilterReconstruction(t *testing.T) {
	prior := testPrior(t, 3, 10, 41)
	x := sourceFilterSpectrogram(prior, 12, 3, 42)
	d, err := NewSourceFilter(x, prior, testSFConfig(6), rand.NewPCG(43, 44))
	require.NoError(t, err)

	for range 15 {
		d.Update()
	}

	rec := d.Reconstruction()
	rf, rt := rec.Dims()
	require.Equal(t, 10, rf)
	require.Equal(t, 12, rt)

	num, den := 0.0, 0.0
	for f := range rf {
		for tt := range rt {
			diff := rec.At(f, tt) - x.At(f, tt)
			num += diff * diff
			den += x.At(f, tt) * x.At(f, tt)
		}
	}
	relErr := math.Sqrt(num / den)
	assert.Less(t, relErr, 0.6, "reconstruction relative error")

	la, ka := d.DictionaryActivations().Dims()
	assert.Equal(t, 3, la)
	assert.Equal(t, 6, ka)
}

func TestSourceFilterActivationMomentsStayCoupled(t *testing.T) {
	prior := testPrior(t, 2, 6, 51)
	x := sourceFilterSpectrogram(prior, 8, 2, 52)
	d, err := NewSourceFilter(x, prior, testSFConfig(3), rand.NewPCG(53, 54))
	require.NoError(t, err)
	d.Update()

	// Recomputing from the natural parameters must reproduce the caches
	// exactly: no update may leave a stale moment behind.
	ea := mat.DenseCopyOf(d.ea)
	eloga := mat.DenseCopyOf(d.eloga)
	d.refreshAMoments()
	assert.True(t, mat.Equal(ea, d.ea))
	assert.True(t, mat.Equal(eloga, d.eloga))
}
