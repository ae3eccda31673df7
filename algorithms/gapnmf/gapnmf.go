// Package gapnmf decomposes magnitude spectrograms with gamma-process
// non-negative matrix factorization: X is approximated by W diag(theta) H
// under Gamma priors, with generalized inverse Gaussian variational
// posteriors and automatic pruning of components whose expected power theta
// collapses. GaPNMF is the generic engine; SourceFilter replaces the generic
// component prior with a dictionary prior trained by the dictprior package.
package gapnmf

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-gapnmf/algorithms/special"
	"github.com/RyanBlaney/sonido-gapnmf/logging"
)

// Decomposer is the contract shared by the factorization engines: one
// coordinate ascent pass over all variational posteriors, the evidence lower
// bound for monitoring, the surviving component set and the posterior mean
// reconstruction.
type Decomposer interface {
	Update()
	Bound() float64
	GoodK() []int
	Reconstruction() *mat.Dense
}

// GaPNMF factorizes a spectrogram under independent Gamma(a, a) priors on
// the component spectra, Gamma(b, b) on the activations and
// Gamma(beta/K, beta) on the per-component powers. All posteriors update in
// closed form; a pass never needs an iterative solver.
//
// References:
// - Hoffman, M., Blei, D., Cook, P. (2010). "Bayesian Nonparametric Matrix Factorization for Recorded Music"
type GaPNMF struct {
	factorState

	// scale is the mean of the raw input when normalization is on, 1
	// otherwise; reconstructions multiply it back in.
	scale float64

	cfg *Config
	src rand.Source
}

var _ Decomposer = (*GaPNMF)(nil)

// NewGaPNMF builds the engine from a non-negative F x T magnitude
// spectrogram (frequency bins by time frames). A nil cfg selects
// DefaultConfig. A nil src seeds a fresh PCG from the clock; pass an
// explicit source for reproducible runs.
func NewGaPNMF(x *mat.Dense, cfg *Config, src rand.Source) (*GaPNMF, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	data, freqs, frames, err := copySpectrogram(x)
	if err != nil {
		return nil, err
	}
	if src == nil {
		logging.Info("gap-nmf using clock seeded randomness")
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	scale := 1.0
	if cfg.NormalizeInput {
		total := 0.0
		for f := range freqs {
			for t := range frames {
				total += data.At(f, t)
			}
		}
		scale = total / float64(freqs*frames)
		data.Scale(1/scale, data)
	}

	m := &GaPNMF{
		factorState: factorState{
			x:      data,
			freqs:  freqs,
			frames: frames,
			rank:   cfg.Rank,
			hShape: cfg.B,
			tShape: cfg.Beta / float64(cfg.Rank),
			tRate:  cfg.Beta,
			cutoff: cfg.PruneCutoff,
		},
		scale: scale,
		cfg:   cfg,
		src:   src,
	}
	m.wShape = make([]float64, freqs)
	for f := range m.wShape {
		m.wShape[f] = cfg.A
	}
	m.initGrids(cfg.Smoothness, src)
	return m, nil
}

// Update runs one coordinate ascent pass: activations, component spectra,
// component powers, then the pruning reset.
func (m *GaPNMF) Update() {
	m.updateH()
	m.updateW()
	m.updateTheta()
	m.clearBadK()
}

func (m *GaPNMF) updateH() {
	goodk := m.goodK()
	c, xbarinv, xvar := m.phaseWeights(goodk, false)
	logging.Debug("updating activations", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	m.hUpdate(goodk, xbarinv, xvar)
}

func (m *GaPNMF) updateW() {
	goodk := m.goodK()
	c, xbarinv, xvar := m.phaseWeights(goodk, false)
	logging.Debug("updating component spectra", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	m.wUpdate(goodk, func(int, int) float64 { return m.cfg.A }, xbarinv, xvar)
}

func (m *GaPNMF) updateTheta() {
	goodk := m.goodK()
	c, xbarinv, xvar := m.phaseWeights(goodk, false)
	logging.Debug("updating component powers", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	m.thetaUpdate(goodk, xbarinv, xvar)
}

// clearBadK resets pruned components' spectra and activations to their
// priors and recomputes every cached moment. The power parameters keep their
// collapsed posteriors, so pruned components stay negligible unless the
// survivors shrink drastically.
func (m *GaPNMF) clearBadK() {
	bad := m.badK(m.goodK())
	for _, k := range bad {
		for f := range m.freqs {
			m.rhow.Set(f, k, m.cfg.A)
			m.tauw.Set(f, k, 0)
		}
		for t := range m.frames {
			m.rhoh.Set(k, t, m.cfg.B)
			m.tauh.Set(k, t, 0)
		}
	}
	m.refreshAll()
}

// Bound returns the evidence lower bound of the current posteriors: the
// likelihood term weights the data by the harmonic reconstruction and takes
// the arithmetic reconstruction as the point estimate, and each grid adds
// its posterior-against-prior term.
func (m *GaPNMF) Bound() float64 {
	goodk := m.goodK()
	xbar := m.xbar(goodk)
	xtwid := m.xtwid(goodk)

	score := 0.0
	for f := range m.freqs {
		xr := m.x.RawRowView(f)
		br := xbar.RawRowView(f)
		tr := xtwid.RawRowView(f)
		for t := range xr {
			score -= xr[t]/tr[t] + math.Log(br[t])
		}
	}
	for f := range m.freqs {
		for k := range m.rank {
			score += special.GIGGammaTerm(m.ew.At(f, k), m.ewinv.At(f, k),
				m.rhow.At(f, k), m.tauw.At(f, k), m.cfg.A, m.cfg.A)
		}
	}
	for k := range m.rank {
		for t := range m.frames {
			score += special.GIGGammaTerm(m.eh.At(k, t), m.ehinv.At(k, t),
				m.rhoh.At(k, t), m.tauh.At(k, t), m.cfg.B, m.cfg.B)
		}
	}
	for k := range m.rank {
		score += special.GIGGammaTerm(m.et[k], m.etinv[k], m.rhot[k], m.taut[k],
			m.tShape, m.tRate)
	}
	return score
}

// GoodK returns the indices of the components carrying the decomposition,
// largest expected power first.
func (m *GaPNMF) GoodK() []int {
	return m.goodK()
}

// Reconstruction returns the posterior mean spectrogram over the surviving
// components, rescaled back to the input's units (F x T).
func (m *GaPNMF) Reconstruction() *mat.Dense {
	out := m.xbar(m.goodK())
	out.Scale(m.scale, out)
	return out
}

// Components returns a copy of the posterior mean component spectra E[W],
// bins by components (F x K).
func (m *GaPNMF) Components() *mat.Dense {
	return mat.DenseCopyOf(m.ew)
}

// Activations returns a copy of the posterior mean activations E[H],
// components by frames (K x T).
func (m *GaPNMF) Activations() *mat.Dense {
	return mat.DenseCopyOf(m.eh)
}

// Powers returns a copy of the expected per-component powers E[theta].
func (m *GaPNMF) Powers() []float64 {
	return append([]float64(nil), m.et...)
}
