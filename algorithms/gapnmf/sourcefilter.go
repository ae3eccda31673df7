package gapnmf

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/RyanBlaney/sonido-gapnmf/algorithms/common"
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/dictprior"
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/solver"
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/special"
	"github.com/RyanBlaney/sonido-gapnmf/logging"
)

// SourceFilter factorizes a spectrogram with the component spectra tied to a
// trained source-filter dictionary prior: component k's spectrum follows a
// Gamma whose rate at bin f is gamma[f] E[exp(-sum_l a[l,k] U[f,l])], with
// Gamma(alpha[l], alpha[l]) priors on the per-component dictionary
// activations a. The activation posteriors have no closed form and are fit
// per component by quasi-Newton in log space; everything else updates in
// closed form as in GaPNMF.
//
// The input keeps its original scale. Each phase estimates the gain between
// the data and the reconstruction and folds it into the update weights, so
// the fixed dictionary scale and the data scale need not agree.
//
// References:
// - Liang, D., Hoffman, M.D., Mysore, G.J. (2014). "A Generative Product-of-Filters Model of Audio"
// - Hoffman, M., Blei, D., Cook, P. (2010). "Bayesian Nonparametric Matrix Factorization for Recorded Music"
type SourceFilter struct {
	factorState

	u     *mat.Dense // F x L dictionary atoms
	alpha []float64  // L activation prior shapes
	atoms int

	// per-component dictionary activation posteriors with cached moments
	nua, rhoa *mat.Dense // L x K Gamma shape and rate
	ea, eloga *mat.Dense // L x K

	// logEexpa[k] caches log E[exp(-a[l,k] U[f,l])] as an F x L slab;
	// cleared slabs are identically zero so pruned components fall back to
	// the plain gamma[f] rate.
	logEexpa []*mat.Dense

	cfg *Config
	src rand.Source
}

var _ Decomposer = (*SourceFilter)(nil)

// NewSourceFilter builds the engine from a non-negative F x T magnitude
// spectrogram and a dictionary prior trained on matching frequency bins.
// A nil cfg selects DefaultConfig. A nil src seeds a fresh PCG from the
// clock; pass an explicit source for reproducible runs.
func NewSourceFilter(x *mat.Dense, prior *dictprior.Prior, cfg *Config, src rand.Source) (*SourceFilter, error) {
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
	if prior == nil {
		return nil, fmt.Errorf("dictionary prior must not be nil")
	}
	atoms := prior.NumAtoms()
	if prior.NumFreqs() != freqs {
		return nil, fmt.Errorf("prior covers %d frequency bins, spectrogram has %d", prior.NumFreqs(), freqs)
	}
	for l, a := range prior.Alpha {
		if !(a > 0) {
			return nil, fmt.Errorf("prior alpha[%d] = %g, shapes must be positive", l, a)
		}
	}
	for f, g := range prior.Gamma {
		if !(g > 0) {
			return nil, fmt.Errorf("prior gamma[%d] = %g, rates must be positive", f, g)
		}
	}
	if src == nil {
		logging.Info("gap-nmf using clock seeded randomness")
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	d := &SourceFilter{
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
		alpha: append([]float64(nil), prior.Alpha...),
		atoms: atoms,
		cfg:   cfg,
		src:   src,
	}
	d.u = mat.NewDense(freqs, atoms, nil)
	for l := range atoms {
		for f := range freqs {
			d.u.Set(f, l, prior.U.At(l, f))
		}
	}
	d.wShape = append([]float64(nil), prior.Gamma...)

	d.initGrids(cfg.Smoothness, src)
	gammaDist := distuv.Gamma{Alpha: cfg.Smoothness, Beta: cfg.Smoothness, Src: src}
	d.nua = mat.NewDense(atoms, cfg.Rank, nil)
	for l := range atoms {
		for k := range cfg.Rank {
			d.nua.Set(l, k, initScale*gammaDist.Rand())
		}
	}
	d.rhoa = mat.NewDense(atoms, cfg.Rank, nil)
	for l := range atoms {
		for k := range cfg.Rank {
			d.rhoa.Set(l, k, initScale*gammaDist.Rand())
		}
	}
	d.ea = mat.NewDense(atoms, cfg.Rank, nil)
	d.eloga = mat.NewDense(atoms, cfg.Rank, nil)
	d.refreshAMoments()

	d.logEexpa = make([]*mat.Dense, cfg.Rank)
	for k := range d.logEexpa {
		d.logEexpa[k] = mat.NewDense(freqs, atoms, nil)
	}
	return d, nil
}

// refreshAMoments recomputes every cached dictionary activation moment. The
// logEexpa slabs are left alone; they follow their own lifecycle through
// updateA and clearBadK.
func (d *SourceFilter) refreshAMoments() {
	for l := range d.atoms {
		for k := range d.rank {
			ex, elogx := special.GammaMoments(d.nua.At(l, k), d.rhoa.At(l, k))
			d.ea.Set(l, k, ex)
			d.eloga.Set(l, k, elogx)
		}
	}
}

// refreshA recomputes component k's activation moments and its slab of the
// logEexpa cache.
func (d *SourceFilter) refreshA(k int) {
	for l := range d.atoms {
		ex, elogx := special.GammaMoments(d.nua.At(l, k), d.rhoa.At(l, k))
		d.ea.Set(l, k, ex)
		d.eloga.Set(l, k, elogx)
	}
	slab := d.logEexpa[k]
	for f := range d.freqs {
		for l := range d.atoms {
			slab.Set(f, l, special.LogExpectedNegExp(d.nua.At(l, k), d.rhoa.At(l, k), d.u.At(f, l)))
		}
	}
}

// wPriorRate is component k's effective prior rate at bin f, the dictionary
// prior folded into the plain rate: gamma[f] E[exp(-sum_l a[l,k] U[f,l])].
func (d *SourceFilter) wPriorRate(f, k int) float64 {
	slab := d.logEexpa[k]
	s := 0.0
	for l := range d.atoms {
		s += slab.At(f, l)
	}
	return d.wShape[f] * math.Exp(s)
}

// Update runs one coordinate ascent pass: activations first, then the
// dictionary activation posteriors of the surviving components, component
// spectra, component powers, and the pruning reset. The per-component
// solves read only state committed before the phase and write disjoint
// columns, so they run on the worker pool.
func (d *SourceFilter) Update() {
	d.updateH()

	goodk := d.goodK()
	start := time.Now()
	common.ParallelFor(len(goodk), func(i int) {
		d.updateA(goodk[i])
	})
	logging.Debug("updating dictionary activations", logging.Fields{
		"components": len(goodk),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	d.updateW()
	d.updateTheta()
	d.clearBadK()
}

// updateA refits component k's dictionary activation posterior, a 2L-dim
// quasi-Newton solve over (log nu, log rho) of the prior term plus the cross
// term tying the activations to E[W[:,k]] through the dictionary.
func (d *SourceFilter) updateA(k int) {
	L := d.atoms

	split := func(theta []float64, nu, rho []float64) {
		for l := range L {
			nu[l] = math.Exp(theta[l])
			rho[l] = math.Exp(theta[L+l])
		}
	}

	obj := solver.Objective{
		Func: func(theta []float64) float64 {
			nu := make([]float64, L)
			rho := make([]float64, L)
			split(theta, nu, rho)

			val := 0.0
			for l := range L {
				ex, elogx := special.GammaMoments(nu[l], rho[l])
				val += (d.alpha[l]-nu[l])*elogx - (d.alpha[l]-rho[l])*ex
				lg, _ := math.Lgamma(nu[l])
				val += lg - nu[l]*math.Log(rho[l])
			}
			for f := range d.freqs {
				sumLog := 0.0
				dot := 0.0
				for l := range L {
					uf := d.u.At(f, l)
					sumLog += special.LogExpectedNegExp(nu[l], rho[l], uf)
					dot += uf * nu[l] / rho[l]
				}
				val -= d.wShape[f] * (d.ew.At(f, k)*math.Exp(sumLog) + dot)
			}
			return val
		},
		Grad: func(grad, theta []float64) {
			nu := make([]float64, L)
			rho := make([]float64, L)
			split(theta, nu, rho)

			eexp := make([]float64, d.freqs)
			for f := range d.freqs {
				s := 0.0
				for l := range L {
					s += special.LogExpectedNegExp(nu[l], rho[l], d.u.At(f, l))
				}
				eexp[f] = math.Exp(s)
			}
			for l := range L {
				gnu, grho := 0.0, 0.0
				for f := range d.freqs {
					uf := d.u.At(f, l)
					g := d.wShape[f]
					ewk := d.ew.At(f, k)
					tmp := uf / rho[l]
					gnu += (ewk*logTerm(tmp)*eexp[f] - tmp) * g
					grho += (uf - ewk*uf*invTerm(tmp)*eexp[f]) * g
				}
				gnu += 1 - d.alpha[l]/rho[l] + (d.alpha[l]-nu[l])*special.Trigamma(nu[l])
				grho = nu[l]/(rho[l]*rho[l])*grho + d.alpha[l]*(nu[l]/(rho[l]*rho[l])-1/rho[l])
				grad[l] = nu[l] * gnu
				grad[L+l] = rho[l] * grho
			}
		},
	}

	theta0 := make([]float64, 2*L)
	for l := range L {
		theta0[l] = math.Log(d.nua.At(l, k))
		theta0[L+l] = math.Log(d.rhoa.At(l, k))
	}
	res := solver.Maximize(obj, theta0, d.solverOptions())
	for l := range L {
		nv := math.Exp(res.X[l])
		rv := math.Exp(res.X[L+l])
		if !(nv > 0) || !(rv > 0) {
			panic(fmt.Sprintf("gapnmf: non-positive posterior parameters (nu=%g, rho=%g) at atom %d component %d", nv, rv, l, k))
		}
		d.nua.Set(l, k, nv)
		d.rhoa.Set(l, k, rv)
	}
	d.refreshA(k)
}

func (d *SourceFilter) updateH() {
	goodk := d.goodK()
	c, xbarinv, xvar := d.phaseWeights(goodk, true)
	logging.Debug("updating activations", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	d.hUpdate(goodk, xbarinv, xvar)
}

func (d *SourceFilter) updateW() {
	goodk := d.goodK()
	c, xbarinv, xvar := d.phaseWeights(goodk, true)
	logging.Debug("updating component spectra", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	d.wUpdate(goodk, d.wPriorRate, xbarinv, xvar)
}

func (d *SourceFilter) updateTheta() {
	goodk := d.goodK()
	c, xbarinv, xvar := d.phaseWeights(goodk, true)
	logging.Debug("updating component powers", logging.Fields{
		"components":    len(goodk),
		"optimal_scale": c,
	})
	d.thetaUpdate(goodk, xbarinv, xvar)
}

// clearBadK resets pruned components' posteriors to their priors: spectra
// and activations to the degenerate gamma path, dictionary activations to
// Gamma(alpha, alpha), and the logEexpa slab to zero. Every cached moment is
// then recomputed. The power parameters keep their collapsed posteriors.
func (d *SourceFilter) clearBadK() {
	bad := d.badK(d.goodK())
	for _, k := range bad {
		for f := range d.freqs {
			d.rhow.Set(f, k, d.wShape[f])
			d.tauw.Set(f, k, 0)
		}
		for t := range d.frames {
			d.rhoh.Set(k, t, d.hShape)
			d.tauh.Set(k, t, 0)
		}
		for l := range d.atoms {
			d.nua.Set(l, k, d.alpha[l])
			d.rhoa.Set(l, k, d.alpha[l])
		}
		d.logEexpa[k].Zero()
	}
	d.refreshAll()
	d.refreshAMoments()
}

// Bound returns the evidence lower bound of the current posteriors. The
// likelihood term takes the arithmetic reconstruction as the point estimate
// and charges the gain estimated against the harmonic reconstruction; the
// component spectra term uses the dictionary-folded prior rates.
func (d *SourceFilter) Bound() float64 {
	goodk := d.goodK()
	c := d.optimalScale(d.xtwid(goodk))
	xbar := d.xbar(goodk)

	score := 0.0
	logc := math.Log(c)
	for f := range d.freqs {
		br := xbar.RawRowView(f)
		for t := range br {
			score -= math.Log(br[t]) + logc
		}
	}
	for f := range d.freqs {
		for k := range d.rank {
			score += special.GIGGammaTerm(d.ew.At(f, k), d.ewinv.At(f, k),
				d.rhow.At(f, k), d.tauw.At(f, k), d.wShape[f], d.wPriorRate(f, k))
		}
	}
	for k := range d.rank {
		for t := range d.frames {
			score += special.GIGGammaTerm(d.eh.At(k, t), d.ehinv.At(k, t),
				d.rhoh.At(k, t), d.tauh.At(k, t), d.hShape, d.hShape)
		}
	}
	for k := range d.rank {
		score += special.GIGGammaTerm(d.et[k], d.etinv[k], d.rhot[k], d.taut[k],
			d.tShape, d.tRate)
	}
	for l := range d.atoms {
		for k := range d.rank {
			score += special.GammaGammaTerm(d.ea.At(l, k), d.eloga.At(l, k),
				d.nua.At(l, k), d.rhoa.At(l, k), d.alpha[l])
		}
	}
	return score
}

// GoodK returns the indices of the components carrying the decomposition,
// largest expected power first.
func (d *SourceFilter) GoodK() []int {
	return d.goodK()
}

// Reconstruction returns the posterior mean spectrogram over the surviving
// components scaled by the estimated gain (F x T), comparable to the input.
func (d *SourceFilter) Reconstruction() *mat.Dense {
	goodk := d.goodK()
	c := d.optimalScale(d.xtwid(goodk))
	out := d.xbar(goodk)
	out.Scale(c, out)
	return out
}

// Components returns a copy of the posterior mean component spectra E[W],
// bins by components (F x K).
func (d *SourceFilter) Components() *mat.Dense {
	return mat.DenseCopyOf(d.ew)
}

// Activations returns a copy of the posterior mean activations E[H],
// components by frames (K x T).
func (d *SourceFilter) Activations() *mat.Dense {
	return mat.DenseCopyOf(d.eh)
}

// Powers returns a copy of the expected per-component powers E[theta].
func (d *SourceFilter) Powers() []float64 {
	return append([]float64(nil), d.et...)
}

// DictionaryActivations returns a copy of the posterior mean dictionary
// activations E[a], atoms by components (L x K).
func (d *SourceFilter) DictionaryActivations() *mat.Dense {
	return mat.DenseCopyOf(d.ea)
}

func (d *SourceFilter) solverOptions() solver.Options {
	return solver.Options{
		MaxIterations: d.cfg.SolverMaxIter,
		Diagnostics:   d.cfg.SolverDiagnostics,
	}
}

// logTerm is log(1+x) with a linear branch for tiny |x| and -Inf outside the
// support x > -1.
func logTerm(x float64) float64 {
	switch {
	case x <= -1:
		return math.Inf(-1)
	case math.Abs(x) <= 1e-12:
		return x
	default:
		return math.Log1p(x)
	}
}

// invTerm is 1/(1+x) on the support and +Inf outside it.
func invTerm(x float64) float64 {
	if x <= -1 {
		return math.Inf(1)
	}
	return 1 / (1 + x)
}
