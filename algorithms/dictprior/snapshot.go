package dictprior

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// Snapshots carry every model and natural parameter plus the data matrix, so
// inference can resume in another process. Cached moments are deliberately
// absent: Restore recomputes them, so a snapshot can never resurrect a stale
// parameter/moment pair.

type logNormalSnapshot struct {
	Frames int       `msgpack:"frames"`
	Freqs  int       `msgpack:"freqs"`
	Atoms  int       `msgpack:"atoms"`
	V      []float64 `msgpack:"v"`
	U      []float64 `msgpack:"u"`
	Alpha  []float64 `msgpack:"alpha"`
	Gamma  []float64 `msgpack:"gamma"`
	Mu     []float64 `msgpack:"mu"`
	R      []float64 `msgpack:"r"`

	OldMuInc    float64 `msgpack:"old_mu_inc"`
	OldRInc     float64 `msgpack:"old_r_inc"`
	OldUInc     float64 `msgpack:"old_u_inc"`
	OldGammaInc float64 `msgpack:"old_gamma_inc"`
	OldAlphaInc float64 `msgpack:"old_alpha_inc"`

	Config *Config `msgpack:"config"`
}

type gammaSnapshot struct {
	Frames int       `msgpack:"frames"`
	Freqs  int       `msgpack:"freqs"`
	Atoms  int       `msgpack:"atoms"`
	W      []float64 `msgpack:"w"`
	U      []float64 `msgpack:"u"`
	Alpha  []float64 `msgpack:"alpha"`
	Gamma  []float64 `msgpack:"gamma"`
	A      []float64 `msgpack:"a"`
	B      []float64 `msgpack:"b"`

	OldUInc     float64 `msgpack:"old_u_inc"`
	OldGammaInc float64 `msgpack:"old_gamma_inc"`
	OldAlphaInc float64 `msgpack:"old_alpha_inc"`

	Config *Config `msgpack:"config"`
}

// Snapshot serializes the engine's full state.
func (d *LogNormalDict) Snapshot() ([]byte, error) {
	s := logNormalSnapshot{
		Frames:      d.frames,
		Freqs:       d.freqs,
		Atoms:       d.atoms,
		V:           append([]float64(nil), d.v.RawMatrix().Data...),
		U:           append([]float64(nil), d.u.RawMatrix().Data...),
		Alpha:       append([]float64(nil), d.alpha...),
		Gamma:       append([]float64(nil), d.gamma...),
		Mu:          append([]float64(nil), d.mu.RawMatrix().Data...),
		R:           append([]float64(nil), d.r.RawMatrix().Data...),
		OldMuInc:    d.oldMuInc,
		OldRInc:     d.oldRInc,
		OldUInc:     d.oldUInc,
		OldGammaInc: d.oldGammaInc,
		OldAlphaInc: d.oldAlphaInc,
		Config:      d.cfg,
	}
	return msgpack.Marshal(&s)
}

// RestoreLogNormal rebuilds an engine from a Snapshot blob and recomputes
// the cached moments. The source seeds any later cold-start E-steps; nil
// selects a clock-seeded one.
func RestoreLogNormal(data []byte, src rand.Source) (*LogNormalDict, error) {
	var s logNormalSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Config == nil {
		return nil, fmt.Errorf("snapshot is missing its config")
	}
	if err := s.Config.validate(); err != nil {
		return nil, err
	}
	if s.Frames <= 0 || s.Freqs <= 0 || s.Atoms != s.Config.NumAtoms {
		return nil, fmt.Errorf("snapshot dimensions are inconsistent")
	}
	if len(s.V) != s.Frames*s.Freqs || len(s.U) != s.Atoms*s.Freqs ||
		len(s.Mu) != s.Frames*s.Atoms || len(s.R) != s.Frames*s.Atoms ||
		len(s.Alpha) != s.Atoms || len(s.Gamma) != s.Freqs {
		return nil, fmt.Errorf("snapshot payload lengths are inconsistent")
	}
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	d := &LogNormalDict{
		v:           mat.NewDense(s.Frames, s.Freqs, s.V),
		frames:      s.Frames,
		freqs:       s.Freqs,
		atoms:       s.Atoms,
		u:           mat.NewDense(s.Atoms, s.Freqs, s.U),
		alpha:       s.Alpha,
		gamma:       s.Gamma,
		mu:          mat.NewDense(s.Frames, s.Atoms, s.Mu),
		r:           mat.NewDense(s.Frames, s.Atoms, s.R),
		oldMuInc:    s.OldMuInc,
		oldRInc:     s.OldRInc,
		oldUInc:     s.OldUInc,
		oldGammaInc: s.OldGammaInc,
		oldAlphaInc: s.OldAlphaInc,
		cfg:         s.Config,
		src:         src,
	}
	d.ea = mat.NewDense(s.Frames, s.Atoms, nil)
	d.ea2 = mat.NewDense(s.Frames, s.Atoms, nil)
	d.eloga = mat.NewDense(s.Frames, s.Atoms, nil)
	for l := range d.atoms {
		d.refreshMoments(l)
	}
	return d, nil
}

// Snapshot serializes the engine's full state.
func (d *GammaDict) Snapshot() ([]byte, error) {
	s := gammaSnapshot{
		Frames:      d.frames,
		Freqs:       d.freqs,
		Atoms:       d.atoms,
		W:           append([]float64(nil), d.w.RawMatrix().Data...),
		U:           append([]float64(nil), d.u.RawMatrix().Data...),
		Alpha:       append([]float64(nil), d.alpha...),
		Gamma:       append([]float64(nil), d.gamma...),
		A:           append([]float64(nil), d.a.RawMatrix().Data...),
		B:           append([]float64(nil), d.b.RawMatrix().Data...),
		OldUInc:     d.oldUInc,
		OldGammaInc: d.oldGammaInc,
		OldAlphaInc: d.oldAlphaInc,
		Config:      d.cfg,
	}
	return msgpack.Marshal(&s)
}

// RestoreGamma rebuilds an engine from a Snapshot blob and recomputes the
// cached moments. The source seeds any later cold-start E-steps; nil selects
// a clock-seeded one.
func RestoreGamma(data []byte, src rand.Source) (*GammaDict, error) {
	var s gammaSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Config == nil {
		return nil, fmt.Errorf("snapshot is missing its config")
	}
	if err := s.Config.validate(); err != nil {
		return nil, err
	}
	if s.Frames <= 0 || s.Freqs <= 0 || s.Atoms != s.Config.NumAtoms {
		return nil, fmt.Errorf("snapshot dimensions are inconsistent")
	}
	if len(s.W) != s.Frames*s.Freqs || len(s.U) != s.Atoms*s.Freqs ||
		len(s.A) != s.Frames*s.Atoms || len(s.B) != s.Frames*s.Atoms ||
		len(s.Alpha) != s.Atoms || len(s.Gamma) != s.Freqs {
		return nil, fmt.Errorf("snapshot payload lengths are inconsistent")
	}
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	d := &GammaDict{
		w:           mat.NewDense(s.Frames, s.Freqs, s.W),
		frames:      s.Frames,
		freqs:       s.Freqs,
		atoms:       s.Atoms,
		u:           mat.NewDense(s.Atoms, s.Freqs, s.U),
		alpha:       s.Alpha,
		gamma:       s.Gamma,
		a:           mat.NewDense(s.Frames, s.Atoms, s.A),
		b:           mat.NewDense(s.Frames, s.Atoms, s.B),
		oldUInc:     s.OldUInc,
		oldGammaInc: s.OldGammaInc,
		oldAlphaInc: s.OldAlphaInc,
		cfg:         s.Config,
		src:         src,
	}
	d.ea = mat.NewDense(s.Frames, s.Atoms, nil)
	d.eloga = mat.NewDense(s.Frames, s.Atoms, nil)
	for t := range d.frames {
		d.refreshMomentsRow(t)
	}
	return d, nil
}
