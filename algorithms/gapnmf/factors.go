package gapnmf

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/RyanBlaney/sonido-gapnmf/algorithms/special"
	"github.com/RyanBlaney/sonido-gapnmf/logging"
)

// initScale is the magnitude of the random initial natural parameters.
const initScale = 10000.0

// tauFloor clamps tiny tau values to exactly zero, putting those posteriors
// on the degenerate gamma path of special.GIGMoments.
const tauFloor = 1e-100

// factorState is the GIG posterior machinery both engines are built on:
// component spectra W (F x K, one GIG shape per frequency bin), activations
// H (K x T, scalar shape) and global component powers theta (K, scalar
// shape), each stored as natural parameters (rho, tau) with the cached
// moments E[x], E[1/x] and 1/E[1/x]. The engines own the update schedule and
// the prior rates; the grids, reconstructions and pruning live here.
type factorState struct {
	x             *mat.Dense // F x T spectrogram being decomposed
	freqs, frames int
	rank          int

	wShape []float64 // per-bin GIG shape for W, length F
	hShape float64   // GIG shape for H
	tShape float64   // GIG shape for theta, beta / K
	tRate  float64   // Gamma prior rate for theta, beta
	cutoff float64   // pruning threshold as a fraction of total expected power

	rhow, tauw          *mat.Dense // F x K
	ew, ewinv, ewinvinv *mat.Dense

	rhoh, tauh          *mat.Dense // K x T
	eh, ehinv, ehinvinv *mat.Dense

	rhot, taut          []float64 // K
	et, etinv, etinvinv []float64
}

// copySpectrogram validates and copies a finite non-negative input matrix.
func copySpectrogram(x *mat.Dense) (*mat.Dense, int, int, error) {
	if x == nil {
		return nil, 0, 0, fmt.Errorf("spectrogram must not be nil")
	}
	freqs, frames := x.Dims()
	if freqs == 0 || frames == 0 {
		return nil, 0, 0, fmt.Errorf("spectrogram must not be empty")
	}
	out := mat.NewDense(freqs, frames, nil)
	total := 0.0
	for f := range freqs {
		for t := range frames {
			v := x.At(f, t)
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, 0, 0, fmt.Errorf("spectrogram entries must be finite and non-negative, got %g at bin %d frame %d", v, f, t)
			}
			total += v
			out.Set(f, t, v)
		}
	}
	if total == 0 {
		return nil, 0, 0, fmt.Errorf("spectrogram must carry some energy")
	}
	return out, freqs, frames, nil
}

// initGrids draws the natural parameters of all three grids, allocates the
// moment caches and refreshes them. The theta draws are spread by the rank so
// each component starts with total power near the prior mass.
func (s *factorState) initGrids(smoothness float64, src rand.Source) {
	gammaDist := distuv.Gamma{Alpha: smoothness, Beta: smoothness, Src: src}
	draw := func(rows, cols int, scale float64) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		for i := range rows {
			for j := range cols {
				m.Set(i, j, scale*gammaDist.Rand())
			}
		}
		return m
	}

	s.rhow = draw(s.freqs, s.rank, initScale)
	s.tauw = draw(s.freqs, s.rank, initScale)
	s.rhoh = draw(s.rank, s.frames, initScale)
	s.tauh = draw(s.rank, s.frames, initScale)

	s.rhot = make([]float64, s.rank)
	for k := range s.rhot {
		s.rhot[k] = float64(s.rank) * initScale * gammaDist.Rand()
	}
	s.taut = make([]float64, s.rank)
	for k := range s.taut {
		s.taut[k] = initScale / float64(s.rank) * gammaDist.Rand()
	}

	s.allocMoments()
	s.refreshAll()
}

// allocMoments allocates the moment caches; the natural parameter grids must
// already be in place.
func (s *factorState) allocMoments() {
	s.ew = mat.NewDense(s.freqs, s.rank, nil)
	s.ewinv = mat.NewDense(s.freqs, s.rank, nil)
	s.ewinvinv = mat.NewDense(s.freqs, s.rank, nil)
	s.eh = mat.NewDense(s.rank, s.frames, nil)
	s.ehinv = mat.NewDense(s.rank, s.frames, nil)
	s.ehinvinv = mat.NewDense(s.rank, s.frames, nil)
	s.et = make([]float64, s.rank)
	s.etinv = make([]float64, s.rank)
	s.etinvinv = make([]float64, s.rank)
}

// refreshAll recomputes every cached moment from the natural parameters.
func (s *factorState) refreshAll() {
	all := s.allK()
	s.refreshW(all)
	s.refreshH(all)
	s.refreshTheta(all)
}

// refreshW recomputes the component spectra moments on the given columns.
// NaN moments are counted and reported, not repaired; they signal a
// degenerate posterior that the surrounding updates will keep propagating.
func (s *factorState) refreshW(cols []int) {
	nan := 0
	badF, badK := 0, 0
	for _, k := range cols {
		for f := range s.freqs {
			ex, exinv := special.GIGMoments(s.wShape[f], s.rhow.At(f, k), s.tauw.At(f, k))
			if math.IsNaN(ex) || math.IsNaN(exinv) {
				if nan == 0 {
					badF, badK = f, k
				}
				nan++
			}
			s.ew.Set(f, k, ex)
			s.ewinv.Set(f, k, exinv)
			s.ewinvinv.Set(f, k, 1/exinv)
		}
	}
	if nan > 0 {
		logging.Warn("nan in refreshed component spectra moments", logging.Fields{
			"count":     nan,
			"bin":       badF,
			"component": badK,
			"shape":     s.wShape[badF],
			"rho":       s.rhow.At(badF, badK),
			"tau":       s.tauw.At(badF, badK),
		})
	}
}

// refreshH recomputes the activation moments on the given rows.
func (s *factorState) refreshH(rows []int) {
	for _, k := range rows {
		for t := range s.frames {
			ex, exinv := special.GIGMoments(s.hShape, s.rhoh.At(k, t), s.tauh.At(k, t))
			s.eh.Set(k, t, ex)
			s.ehinv.Set(k, t, exinv)
			s.ehinvinv.Set(k, t, 1/exinv)
		}
	}
}

// refreshTheta recomputes the component power moments at the given indices.
func (s *factorState) refreshTheta(idx []int) {
	for _, k := range idx {
		ex, exinv := special.GIGMoments(s.tShape, s.rhot[k], s.taut[k])
		s.et[k] = ex
		s.etinv[k] = exinv
		s.etinvinv[k] = 1 / exinv
	}
}

func (s *factorState) allK() []int {
	all := make([]int, s.rank)
	for k := range all {
		all[k] = k
	}
	return all
}

// goodK returns the components carrying the decomposition, largest expected
// power first: the prefix of the power ordering whose E[theta] exceeds the
// cutoff fraction of the total. The dominant component always stays, so a
// cutoff above its share cannot empty the model.
func (s *factorState) goodK() []int {
	order := make([]int, s.rank)
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(i, j int) bool { return s.et[order[i]] > s.et[order[j]] })

	total := 0.0
	for _, v := range s.et {
		total += v
	}
	thresh := s.cutoff * total

	good := make([]int, 0, s.rank)
	for i, k := range order {
		if i > 0 && s.et[k] <= thresh {
			break
		}
		good = append(good, k)
	}
	return good
}

// badK returns the complement of good in ascending component order.
func (s *factorState) badK(good []int) []int {
	keep := make([]bool, s.rank)
	for _, k := range good {
		keep[k] = true
	}
	bad := make([]int, 0, s.rank-len(good))
	for k, ok := range keep {
		if !ok {
			bad = append(bad, k)
		}
	}
	return bad
}

// recon accumulates w diag(tv) h over the given components.
func (s *factorState) recon(w *mat.Dense, tv []float64, h *mat.Dense, cols []int) *mat.Dense {
	out := mat.NewDense(s.freqs, s.frames, nil)
	for _, k := range cols {
		hr := h.RawRowView(k)
		for f := range s.freqs {
			wk := w.At(f, k) * tv[k]
			or := out.RawRowView(f)
			for t := range or {
				or[t] += wk * hr[t]
			}
		}
	}
	return out
}

// xbar is the arithmetic posterior mean reconstruction E[W] diag(E[theta])
// E[H] restricted to the given components.
func (s *factorState) xbar(cols []int) *mat.Dense {
	return s.recon(s.ew, s.et, s.eh, cols)
}

// xtwid is the harmonic counterpart built from the 1/E[1/x] moments; it
// weights the variance terms of the updates and the bound.
func (s *factorState) xtwid(cols []int) *mat.Dense {
	return s.recon(s.ewinvinv, s.etinvinv, s.ehinvinv, cols)
}

// optimalScale is the maximum likelihood gain between the data and the
// harmonic reconstruction, mean(X / xtwid).
func (s *factorState) optimalScale(xtwid *mat.Dense) float64 {
	total := 0.0
	for f := range s.freqs {
		xr := s.x.RawRowView(f)
		tr := xtwid.RawRowView(f)
		for t := range xr {
			total += xr[t] / tr[t]
		}
	}
	return total / float64(s.freqs*s.frames)
}

// phaseWeights prepares the per-entry weights shared by every natural
// parameter update: the inverse arithmetic reconstruction 1/xbar for the rho
// data terms and the X-weighted inverse square harmonic reconstruction
// X*xtwid^-2 for the tau data terms. With scaled set, the tau weights fold
// in the optimal gain c, which reconciles the data with a prior that pins
// the component scale. c is returned for phase logging either way.
func (s *factorState) phaseWeights(goodk []int, scaled bool) (c float64, xbarinv, xvar *mat.Dense) {
	xvar = s.xtwid(goodk)
	c = s.optimalScale(xvar)
	div := 1.0
	if scaled {
		div = c
	}
	xbarinv = s.xbar(goodk)
	for f := range s.freqs {
		br := xbarinv.RawRowView(f)
		vr := xvar.RawRowView(f)
		xr := s.x.RawRowView(f)
		for t := range br {
			br[t] = 1 / br[t]
			vr[t] = xr[t] / div / (vr[t] * vr[t])
		}
	}
	return c, xbarinv, xvar
}

// wUpdate recomputes the component spectra grid on the given columns from
// the phase weights, with the prior contribution to rho supplied per entry,
// and refreshes the touched moments.
func (s *factorState) wUpdate(cols []int, priorRate func(f, k int) float64, xbarinv, xvar *mat.Dense) {
	for _, k := range cols {
		hr := s.eh.RawRowView(k)
		hir := s.ehinvinv.RawRowView(k)
		et, etii := s.et[k], s.etinvinv[k]
		for f := range s.freqs {
			br := xbarinv.RawRowView(f)
			vr := xvar.RawRowView(f)
			rho, tau := 0.0, 0.0
			for t := range br {
				rho += br[t] * hr[t]
				tau += vr[t] * hir[t]
			}
			rho = priorRate(f, k) + et*rho
			wii := s.ewinvinv.At(f, k)
			tau *= etii * wii * wii
			if tau < tauFloor {
				tau = 0
			}
			s.rhow.Set(f, k, rho)
			s.tauw.Set(f, k, tau)
		}
	}
	s.refreshW(cols)
}

// hUpdate recomputes the activation grid on the given rows from the phase
// weights and refreshes the touched moments.
func (s *factorState) hUpdate(rows []int, xbarinv, xvar *mat.Dense) {
	rho := make([]float64, s.frames)
	tau := make([]float64, s.frames)
	for _, k := range rows {
		for t := range rho {
			rho[t], tau[t] = 0, 0
		}
		for f := range s.freqs {
			w := s.ew.At(f, k)
			wii := s.ewinvinv.At(f, k)
			br := xbarinv.RawRowView(f)
			vr := xvar.RawRowView(f)
			for t := range rho {
				rho[t] += w * br[t]
				tau[t] += wii * vr[t]
			}
		}
		et, etii := s.et[k], s.etinvinv[k]
		for t := range rho {
			s.rhoh.Set(k, t, s.hShape+et*rho[t])
			hii := s.ehinvinv.At(k, t)
			v := etii * hii * hii * tau[t]
			if v < tauFloor {
				v = 0
			}
			s.tauh.Set(k, t, v)
		}
	}
	s.refreshH(rows)
}

// thetaUpdate recomputes the component power parameters at the given indices
// from the phase weights and refreshes the touched moments.
func (s *factorState) thetaUpdate(idx []int, xbarinv, xvar *mat.Dense) {
	for _, k := range idx {
		hr := s.eh.RawRowView(k)
		hir := s.ehinvinv.RawRowView(k)
		rho, tau := 0.0, 0.0
		for f := range s.freqs {
			w := s.ew.At(f, k)
			wii := s.ewinvinv.At(f, k)
			br := xbarinv.RawRowView(f)
			vr := xvar.RawRowView(f)
			for t := range hr {
				rho += w * br[t] * hr[t]
				tau += wii * vr[t] * hir[t]
			}
		}
		etii := s.etinvinv[k]
		tau *= etii * etii
		if tau < tauFloor {
			tau = 0
		}
		s.rhot[k] = s.tRate + rho
		s.taut[k] = tau
	}
	s.refreshTheta(idx)
}
