package dictprior

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/RyanBlaney/sonido-gapnmf/algorithms/common"
	"github.com/RyanBlaney/sonido-gapnmf/algorithms/solver"
	"github.com/RyanBlaney/sonido-gapnmf/logging"
)

// LogNormalDict fits the source-filter dictionary prior under a log-normal
// noise model: log W[f,t] = sum over l of a[t,l]*U[l,f] plus noise with
// per-frequency
// precision gamma[f], Gamma(alpha[l], alpha[l]) priors on the activations and
// log-normal variational posteriors parameterized by mean mu[t,l] and
// precision r[t,l].
//
// References:
// - Liang, D., Hoffman, M.D., Mysore, G.J. (2014). "A Generative Product-of-Filters Model of Audio"
// - Hoffman, M.D., Blei, D.M., Cook, P.R. (2010). "Bayesian Nonparametric Matrix Factorization for Recorded Music"
type LogNormalDict struct {
	v *mat.Dense // T x F log spectrogram, frames by frequency bins

	frames, freqs, atoms int

	// model parameters
	u     *mat.Dense // L x F
	alpha []float64  // L
	gamma []float64  // F

	// variational parameters with cached moments
	mu, r          *mat.Dense // T x L
	ea, ea2, eloga *mat.Dense // T x L

	oldMuInc, oldRInc                 float64
	oldUInc, oldGammaInc, oldAlphaInc float64

	cfg *Config
	src rand.Source
}

// NewLogNormalDict builds the engine from a strictly positive F x T
// magnitude spectrogram (frequency bins by time frames); the engine models
// its log. A nil cfg selects DefaultConfig. A nil src seeds a fresh PCG from
// the clock; pass an explicit source for reproducible runs.
func NewLogNormalDict(x *mat.Dense, cfg *Config, src rand.Source) (*LogNormalDict, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if x == nil {
		return nil, fmt.Errorf("spectrogram must not be nil")
	}
	freqs, frames := x.Dims()
	if freqs == 0 || frames == 0 {
		return nil, fmt.Errorf("spectrogram must not be empty")
	}

	v := mat.NewDense(frames, freqs, nil)
	for f := range freqs {
		for t := range frames {
			w := x.At(f, t)
			if w <= 0 || math.IsNaN(w) {
				return nil, fmt.Errorf("spectrogram entries must be strictly positive, got %g at bin %d frame %d", w, f, t)
			}
			v.Set(t, f, math.Log(w))
		}
	}

	if src == nil {
		logging.Info("dictionary prior using clock seeded randomness")
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	d := &LogNormalDict{
		v:      v,
		frames: frames,
		freqs:  freqs,
		atoms:  cfg.NumAtoms,
		cfg:    cfg,
		src:    src,
	}
	d.initModel(cfg.Smoothness)
	d.initVariational(cfg.Smoothness)
	return d, nil
}

func (d *LogNormalDict) initModel(smoothness float64) {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: d.src}
	d.u = mat.NewDense(d.atoms, d.freqs, nil)
	for l := range d.atoms {
		for f := range d.freqs {
			d.u.Set(l, f, normal.Rand())
		}
	}

	alphaDist := distuv.Gamma{Alpha: smoothness, Beta: smoothness, Src: d.src}
	d.alpha = make([]float64, d.atoms)
	for l := range d.alpha {
		d.alpha[l] = alphaDist.Rand()
	}

	gammaDist := distuv.Gamma{Alpha: smoothness, Beta: 2 * smoothness, Src: d.src}
	d.gamma = make([]float64, d.freqs)
	for f := range d.gamma {
		d.gamma[f] = gammaDist.Rand()
	}

	d.oldUInc = math.Inf(1)
	d.oldGammaInc = math.Inf(1)
	d.oldAlphaInc = math.Inf(1)
}

func (d *LogNormalDict) initVariational(smoothness float64) {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: d.src}
	d.mu = mat.NewDense(d.frames, d.atoms, nil)
	for t := range d.frames {
		for l := range d.atoms {
			d.mu.Set(t, l, normal.Rand())
		}
	}

	precDist := distuv.Gamma{Alpha: smoothness, Beta: smoothness, Src: d.src}
	d.r = mat.NewDense(d.frames, d.atoms, nil)
	for t := range d.frames {
		for l := range d.atoms {
			d.r.Set(t, l, precDist.Rand())
		}
	}

	d.ea = mat.NewDense(d.frames, d.atoms, nil)
	d.ea2 = mat.NewDense(d.frames, d.atoms, nil)
	d.eloga = mat.NewDense(d.frames, d.atoms, nil)
	for l := range d.atoms {
		d.refreshMoments(l)
	}

	d.oldMuInc = math.Inf(1)
	d.oldRInc = math.Inf(1)
}

// refreshMoments recomputes the cached activation moments of atom l from its
// variational parameters. Natural parameters and moments change together;
// no caller may observe a stale pair.
func (d *LogNormalDict) refreshMoments(l int) {
	for t := range d.frames {
		m := d.mu.At(t, l)
		prec := d.r.At(t, l)
		d.ea.Set(t, l, math.Exp(m+1/(2*prec)))
		d.ea2.Set(t, l, math.Exp(2*m+2/prec))
		d.eloga.Set(t, l, m)
	}
}

// EStep approximates the activation posteriors with the model parameters
// held fixed. With ColdStart it reinitializes the variational parameters and
// sweeps the atoms until the selected convergence check passes or MaxIter
// sub-iterations run out; running out is best effort, not an error. Without
// ColdStart it performs a single warm sweep.
func (d *LogNormalDict) EStep(opts *EStepOptions) error {
	if opts == nil {
		opts = DefaultEStepOptions()
	}
	o := opts.normalized()
	if err := validateConvCheck(o.ConvCheck); err != nil {
		return err
	}

	logging.Debug("variational E-step", logging.Fields{"cold_start": o.ColdStart})
	if !o.ColdStart {
		for l := range d.atoms {
			d.updatePhi(l)
		}
		return nil
	}

	d.initVariational(o.Smoothness)
	for iter := range o.MaxIter {
		oldMu := mat.DenseCopyOf(d.mu)
		oldR := mat.DenseCopyOf(d.r)
		start := time.Now()
		for l := range d.atoms {
			d.updatePhi(l)
		}
		muInc := common.MeanAbsDiff(d.mu.RawMatrix().Data, oldMu.RawMatrix().Data)
		sigmaInc := sigmaIncrement(d.r.RawMatrix().Data, oldR.RawMatrix().Data)
		logging.Debug("E-step sub-iteration", logging.Fields{
			"iter":       iter,
			"mu_inc":     muInc,
			"sigma_inc":  sigmaInc,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		switch o.ConvCheck {
		case ConvCheckFirstOrder:
			if muInc <= o.Tol && sigmaInc <= o.Tol {
				return nil
			}
		case ConvCheckSecondOrder:
			if d.oldMuInc-muInc <= o.Tol && d.oldRInc-sigmaInc <= o.Tol {
				return nil
			}
			d.oldMuInc, d.oldRInc = muInc, sigmaInc
		}
	}
	return nil
}

// updatePhi refits every frame's posterior for atom l against the residual
// spectrum left by the other atoms. The frame subproblems all read the same
// frozen residual and write disjoint cells, so they run on the worker pool.
func (d *LogNormalDict) updatePhi(l int) {
	eres := d.residualExcluding(l)
	ul := mat.Row(nil, l, d.u)
	alphaL := d.alpha[l]

	quad := 0.0
	for f, uf := range ul {
		quad += d.gamma[f] * uf * uf
	}

	solverOpts := d.solverOptions()
	common.ParallelFor(d.frames, func(t int) {
		lin := 0.0
		for f, uf := range ul {
			lin += eres.At(t, f) * uf * d.gamma[f]
		}
		obj := solver.Objective{
			Func: func(x []float64) float64 {
				phi := x[0]
				e := math.Exp(phi)
				return alphaL*phi + e*(lin-alphaL) - 0.5*e*e*quad
			},
			Grad: func(grad, x []float64) {
				phi := x[0]
				e := math.Exp(phi)
				grad[0] = alphaL + e*(lin-alphaL) - e*e*quad
			},
		}
		curvature := func(phi float64) float64 {
			e := math.Exp(phi)
			return -(e*(lin-alphaL) - 2*e*e*quad)
		}

		res := solver.Maximize(obj, []float64{d.mu.At(t, l)}, solverOpts)
		phi := res.X[0]
		prec := curvature(phi)
		if !(prec > 0) {
			// The quasi-Newton iterate is not at a strict local maximum;
			// retry with the derivative-free bracketing search.
			alt := solver.MaximizeSimplex(obj.Func, []float64{phi}, solverOpts.MaxIterations, nil)
			phi = alt.X[0]
			prec = curvature(phi)
			logging.Warn("non-concave solution from quasi-newton, simplex retry", logging.Fields{
				"frame":     t,
				"atom":      l,
				"precision": prec,
			})
		}
		d.mu.Set(t, l, phi)
		d.r.Set(t, l, prec)
	})

	for t := range d.frames {
		if !(d.r.At(t, l) > 0) {
			panic(fmt.Sprintf("dictprior: non-positive posterior precision %g at frame %d atom %d", d.r.At(t, l), t, l))
		}
	}
	d.refreshMoments(l)
}

// residualExcluding returns V - E[A]*U with atom l's own contribution added
// back, the target each frame subproblem fits atom l against.
func (d *LogNormalDict) residualExcluding(l int) *mat.Dense {
	eres := mat.NewDense(d.frames, d.freqs, nil)
	eres.Mul(d.ea, d.u)
	ul := d.u.RawRowView(l)
	for t := range d.frames {
		eal := d.ea.At(t, l)
		for f := range d.freqs {
			eres.Set(t, f, d.v.At(t, f)-eres.At(t, f)+eal*ul[f])
		}
	}
	return eres
}

// MStep updates the dictionary and hyperparameters with the activation
// posteriors held fixed and reports whether the selected convergence check
// passed.
func (d *LogNormalDict) MStep(opts *MStepOptions) (bool, error) {
	if opts == nil {
		opts = DefaultMStepOptions()
	}
	o := opts.normalized()
	if err := validateConvCheck(o.ConvCheck); err != nil {
		return false, err
	}

	logging.Debug("variational M-step")
	oldU := mat.DenseCopyOf(d.u)
	oldGamma := append([]float64(nil), d.gamma...)
	oldAlpha := append([]float64(nil), d.alpha...)

	for l := range d.atoms {
		d.updateU(l)
	}
	d.updateGamma()
	d.updateAlpha()

	uInc := common.MeanAbsDiff(d.u.RawMatrix().Data, oldU.RawMatrix().Data)
	sigmaInc := sigmaIncrement(d.gamma, oldGamma)
	alphaInc := common.MeanAbsDiff(d.alpha, oldAlpha)
	logging.Info("M-step increments", logging.Fields{
		"u_inc":     uInc,
		"sigma_inc": sigmaInc,
		"alpha_inc": alphaInc,
	})

	switch o.ConvCheck {
	case ConvCheckFirstOrder:
		return uInc < o.Tol && sigmaInc < o.Tol && alphaInc < o.Tol, nil
	default:
		if d.oldUInc-uInc < o.Tol && d.oldGammaInc-sigmaInc < o.Tol && d.oldAlphaInc-alphaInc < o.Tol {
			return true, nil
		}
		d.oldUInc, d.oldGammaInc, d.oldAlphaInc = uInc, sigmaInc, alphaInc
		return false, nil
	}
}

// updateU refits dictionary row l. The objective is an expected squared
// residual, separable across frequency bins, solved on the same quasi-Newton
// path as the non-quadratic subproblems.
func (d *LogNormalDict) updateU(l int) {
	eres := d.residualExcluding(l)

	sumEA2 := 0.0
	for t := range d.frames {
		sumEA2 += d.ea2.At(t, l)
	}
	coef := make([]float64, d.freqs)
	for t := range d.frames {
		eal := d.ea.At(t, l)
		for f := range d.freqs {
			coef[f] += eal * eres.At(t, f)
		}
	}

	obj := solver.Objective{
		Func: func(u []float64) float64 {
			v := 0.0
			for f, uf := range u {
				v += sumEA2*uf*uf - 2*coef[f]*uf
			}
			return -v
		},
		Grad: func(grad, u []float64) {
			for f, uf := range u {
				grad[f] = -2 * (sumEA2*uf - coef[f])
			}
		},
	}
	res := solver.Maximize(obj, mat.Row(nil, l, d.u), d.solverOptions())
	d.u.SetRow(l, res.X)
}

// updateGamma sets each frequency's noise precision to the inverse mean
// expected squared residual of that bin.
func (d *LogNormalDict) updateGamma() {
	sq := d.expectedSquaredResidual()
	for f := range d.freqs {
		sum := 0.0
		for t := range d.frames {
			sum += sq.At(t, f)
		}
		d.gamma[f] = float64(d.frames) / sum
	}
}

// expectedSquaredResidual returns E[(V - A*U)^2] elementwise. The second
// moment term EV2 = EA2*(U.*U) + (EA*U)^2 - (EA.*EA)*(U.*U) carries the
// activation variance, not just the mean.
func (d *LogNormalDict) expectedSquaredResidual() *mat.Dense {
	ev := mat.NewDense(d.frames, d.freqs, nil)
	ev.Mul(d.ea, d.u)

	u2 := mat.NewDense(d.atoms, d.freqs, nil)
	u2.MulElem(d.u, d.u)
	ea2u2 := mat.NewDense(d.frames, d.freqs, nil)
	ea2u2.Mul(d.ea2, u2)
	eaSq := mat.NewDense(d.frames, d.atoms, nil)
	eaSq.MulElem(d.ea, d.ea)
	eaSqU2 := mat.NewDense(d.frames, d.freqs, nil)
	eaSqU2.Mul(eaSq, u2)

	out := mat.NewDense(d.frames, d.freqs, nil)
	for t := range d.frames {
		for f := range d.freqs {
			v := d.v.At(t, f)
			evtf := ev.At(t, f)
			ev2 := ea2u2.At(t, f) + evtf*evtf - eaSqU2.At(t, f)
			out.Set(t, f, v*v-2*v*evtf+ev2)
		}
	}
	return out
}

// updateAlpha refits the per-atom Gamma shapes against the (EA, ElogA)
// sufficient statistics, jointly over atoms in log space.
func (d *LogNormalDict) updateAlpha() {
	sumE := make([]float64, d.atoms)
	sumElog := make([]float64, d.atoms)
	for t := range d.frames {
		for l := range d.atoms {
			sumE[l] += d.ea.At(t, l)
			sumElog[l] += d.eloga.At(t, l)
		}
	}
	fitGammaShapes(d.alpha, sumE, sumElog, float64(d.frames), d.solverOptions())
}

// fitGammaShapes maximizes the Gamma likelihood of per-atom sufficient
// statistics (sum E[A], sum E[log A]) over the shape parameters, jointly in log
// space, and overwrites alpha with the refit values.
func fitGammaShapes(alpha, sumE, sumElog []float64, frames float64, opts solver.Options) {
	obj := solver.Objective{
		Func: func(eta []float64) float64 {
			v := 0.0
			for l, e := range eta {
				a := math.Exp(e)
				lg, _ := math.Lgamma(a)
				v += frames*(a*e-lg) + sumElog[l]*(a-1) - sumE[l]*a
			}
			return v
		},
		Grad: func(grad, eta []float64) {
			for l, e := range eta {
				a := math.Exp(e)
				grad[l] = a * (frames*(e+1-mathext.Digamma(a)) + sumElog[l] - sumE[l])
			}
		},
	}

	eta0 := make([]float64, len(alpha))
	for l := range eta0 {
		eta0[l] = math.Log(alpha[l])
	}
	res := solver.Maximize(obj, eta0, opts)
	for l := range alpha {
		a := math.Exp(res.X[l])
		if !(a > 0) {
			panic(fmt.Sprintf("dictprior: alpha[%d] collapsed to %g", l, a))
		}
		alpha[l] = a
	}
}

// Objective returns the monitored M-step objective: the expected complete
// data log likelihood of the current model parameters under the activation
// posteriors, entropy terms dropped.
func (d *LogNormalDict) Objective() float64 {
	frames := float64(d.frames)
	sq := d.expectedSquaredResidual()

	obj := 0.0
	for f := range d.freqs {
		obj += 0.5 * frames * math.Log(d.gamma[f])
	}
	for t := range d.frames {
		for f := range d.freqs {
			obj -= 0.5 * sq.At(t, f) * d.gamma[f]
		}
	}
	for l := range d.atoms {
		a := d.alpha[l]
		lg, _ := math.Lgamma(a)
		obj += frames * (a*math.Log(a) - lg)
	}
	for t := range d.frames {
		for l := range d.atoms {
			obj += d.eloga.At(t, l)*(d.alpha[l]-1) - d.ea.At(t, l)*d.alpha[l]
		}
	}
	return obj
}

// Prior exports a deep copy of the learned dictionary prior.
func (d *LogNormalDict) Prior() *Prior {
	return &Prior{
		U:     mat.DenseCopyOf(d.u),
		Alpha: append([]float64(nil), d.alpha...),
		Gamma: append([]float64(nil), d.gamma...),
	}
}

// SetPrior overwrites the model parameters with a previously learned prior,
// for encoding new spectra against a fixed dictionary via warm E-steps.
func (d *LogNormalDict) SetPrior(p *Prior) error {
	if p == nil {
		return fmt.Errorf("prior must not be nil")
	}
	if p.NumAtoms() != d.atoms || p.NumFreqs() != d.freqs {
		return fmt.Errorf("prior is %d atoms x %d bins, engine wants %d x %d",
			p.NumAtoms(), p.NumFreqs(), d.atoms, d.freqs)
	}
	d.u.Copy(p.U)
	copy(d.alpha, p.Alpha)
	copy(d.gamma, p.Gamma)
	return nil
}

// Coefficients returns a copy of the expected activations E[A], frames by
// atoms (T x L).
func (d *LogNormalDict) Coefficients() *mat.Dense {
	return mat.DenseCopyOf(d.ea)
}

// Reconstruction returns the expected spectrogram exp(E[A]*U) transposed to
// the public frequency-by-time convention (F x T).
func (d *LogNormalDict) Reconstruction() *mat.Dense {
	ev := mat.NewDense(d.frames, d.freqs, nil)
	ev.Mul(d.ea, d.u)
	out := mat.NewDense(d.freqs, d.frames, nil)
	for t := range d.frames {
		for f := range d.freqs {
			out.Set(f, t, math.Exp(ev.At(t, f)))
		}
	}
	return out
}

func (d *LogNormalDict) solverOptions() solver.Options {
	return solver.Options{
		MaxIterations: d.cfg.SolverMaxIter,
		Diagnostics:   d.cfg.SolverDiagnostics,
	}
}

// sigmaIncrement is the mean absolute change of the standard deviations
// sqrt(1/p) implied by two precision vectors.
func sigmaIncrement(newPrec, oldPrec []float64) float64 {
	if len(newPrec) == 0 {
		return 0
	}
	sum := 0.0
	for i := range newPrec {
		sum += math.Abs(math.Sqrt(1/oldPrec[i]) - math.Sqrt(1/newPrec[i]))
	}
	return sum / float64(len(newPrec))
}

func (o *EStepOptions) normalized() EStepOptions {
	out := *o
	if out.Smoothness <= 0 {
		out.Smoothness = DefaultSmoothness
	}
	if out.ConvCheck == 0 {
		out.ConvCheck = ConvCheckFirstOrder
	}
	if out.MaxIter <= 0 {
		out.MaxIter = 500
	}
	if out.Tol <= 0 {
		out.Tol = 1e-3
	}
	return out
}

func (o *MStepOptions) normalized() MStepOptions {
	out := *o
	if out.ConvCheck == 0 {
		out.ConvCheck = ConvCheckFirstOrder
	}
	if out.Tol <= 0 {
		out.Tol = 0.01
	}
	return out
}
