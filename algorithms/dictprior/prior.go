// Package dictprior learns a source-filter dictionary prior over audio
// spectra with mean-field variational EM. A dictionary of log-domain spectral
// envelope atoms U, per-atom Gamma shapes alpha and per-frequency noise
// precisions (or rates) gamma are fit to a training spectrogram by
// alternating a per-frame activation E-step with a dictionary M-step. Two
// noise models are provided: a log-normal model operating on log spectra and
// a multiplicative gamma model operating on the spectra directly. The learned
// Prior is consumed by the gapnmf package as a fixed prior over NMF component
// spectra.
package dictprior

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Prior is the learned source-filter dictionary artifact: atoms U in the log
// spectral domain (L x F, atoms by frequency bins), the Gamma shape alpha per
// atom and the observation parameter gamma per frequency bin.
type Prior struct {
	U     *mat.Dense
	Alpha []float64
	Gamma []float64
}

// NewPrior validates dimensions and positivity and wraps the parameters.
// The inputs are retained, not copied.
func NewPrior(u *mat.Dense, alpha, gamma []float64) (*Prior, error) {
	if u == nil {
		return nil, fmt.Errorf("dictionary must not be nil")
	}
	atoms, freqs := u.Dims()
	if len(alpha) != atoms {
		return nil, fmt.Errorf("alpha has %d entries for %d atoms", len(alpha), atoms)
	}
	if len(gamma) != freqs {
		return nil, fmt.Errorf("gamma has %d entries for %d frequency bins", len(gamma), freqs)
	}
	for l, a := range alpha {
		if !(a > 0) {
			return nil, fmt.Errorf("alpha[%d] = %g, shapes must be positive", l, a)
		}
	}
	for f, g := range gamma {
		if !(g > 0) {
			return nil, fmt.Errorf("gamma[%d] = %g, rates must be positive", f, g)
		}
	}
	return &Prior{U: u, Alpha: alpha, Gamma: gamma}, nil
}

// NumAtoms returns the dictionary size L.
func (p *Prior) NumAtoms() int {
	r, _ := p.U.Dims()
	return r
}

// NumFreqs returns the number of frequency bins F.
func (p *Prior) NumFreqs() int {
	_, c := p.U.Dims()
	return c
}

// Clone returns a deep copy.
func (p *Prior) Clone() *Prior {
	return &Prior{
		U:     mat.DenseCopyOf(p.U),
		Alpha: append([]float64(nil), p.Alpha...),
		Gamma: append([]float64(nil), p.Gamma...),
	}
}
