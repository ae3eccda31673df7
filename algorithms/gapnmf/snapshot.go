package gapnmf

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// Snapshots carry the data matrix and every natural parameter, so a
// decomposition can resume in another process. The GIG and Gamma moment
// caches are deliberately absent: Restore recomputes them, so a snapshot can
// never resurrect a stale parameter/moment pair. The logEexpa slabs are the
// one exception; a pruned component's slab is held at zero rather than
// recomputed from its posterior, so the slabs are state, not cache, and ride
// in the blob.

type gridSnapshot struct {
	Freqs  int `msgpack:"freqs"`
	Frames int `msgpack:"frames"`
	Rank   int `msgpack:"rank"`

	X    []float64 `msgpack:"x"`
	RhoW []float64 `msgpack:"rho_w"`
	TauW []float64 `msgpack:"tau_w"`
	RhoH []float64 `msgpack:"rho_h"`
	TauH []float64 `msgpack:"tau_h"`
	RhoT []float64 `msgpack:"rho_t"`
	TauT []float64 `msgpack:"tau_t"`
}

type gapnmfSnapshot struct {
	Grids  gridSnapshot `msgpack:"grids"`
	Scale  float64      `msgpack:"scale"`
	Config *Config      `msgpack:"config"`
}

type sourceFilterSnapshot struct {
	Grids gridSnapshot `msgpack:"grids"`
	Atoms int          `msgpack:"atoms"`

	U     []float64 `msgpack:"u"`
	Alpha []float64 `msgpack:"alpha"`
	Gamma []float64 `msgpack:"gamma"`

	NuA      []float64   `msgpack:"nu_a"`
	RhoA     []float64   `msgpack:"rho_a"`
	LogEexpa [][]float64 `msgpack:"log_e_expa"`

	Config *Config `msgpack:"config"`
}

func (s *factorState) gridSnapshot() gridSnapshot {
	return gridSnapshot{
		Freqs:  s.freqs,
		Frames: s.frames,
		Rank:   s.rank,
		X:      append([]float64(nil), s.x.RawMatrix().Data...),
		RhoW:   append([]float64(nil), s.rhow.RawMatrix().Data...),
		TauW:   append([]float64(nil), s.tauw.RawMatrix().Data...),
		RhoH:   append([]float64(nil), s.rhoh.RawMatrix().Data...),
		TauH:   append([]float64(nil), s.tauh.RawMatrix().Data...),
		RhoT:   append([]float64(nil), s.rhot...),
		TauT:   append([]float64(nil), s.taut...),
	}
}

func (g *gridSnapshot) validate(rank int) error {
	if g.Freqs <= 0 || g.Frames <= 0 || g.Rank != rank {
		return fmt.Errorf("snapshot dimensions are inconsistent")
	}
	fk := g.Freqs * g.Rank
	kt := g.Rank * g.Frames
	if len(g.X) != g.Freqs*g.Frames ||
		len(g.RhoW) != fk || len(g.TauW) != fk ||
		len(g.RhoH) != kt || len(g.TauH) != kt ||
		len(g.RhoT) != g.Rank || len(g.TauT) != g.Rank {
		return fmt.Errorf("snapshot payload lengths are inconsistent")
	}
	return nil
}

// restore rebuilds the grids and moment caches from the snapshot.
func (g *gridSnapshot) restore(s *factorState) {
	s.freqs = g.Freqs
	s.frames = g.Frames
	s.rank = g.Rank
	s.x = mat.NewDense(g.Freqs, g.Frames, g.X)
	s.rhow = mat.NewDense(g.Freqs, g.Rank, g.RhoW)
	s.tauw = mat.NewDense(g.Freqs, g.Rank, g.TauW)
	s.rhoh = mat.NewDense(g.Rank, g.Frames, g.RhoH)
	s.tauh = mat.NewDense(g.Rank, g.Frames, g.TauH)
	s.rhot = g.RhoT
	s.taut = g.TauT
	s.allocMoments()
	s.refreshAll()
}

// Snapshot serializes the engine's full state.
func (m *GaPNMF) Snapshot() ([]byte, error) {
	s := gapnmfSnapshot{
		Grids:  m.gridSnapshot(),
		Scale:  m.scale,
		Config: m.cfg,
	}
	return msgpack.Marshal(&s)
}

// RestoreGaPNMF rebuilds an engine from a Snapshot blob and recomputes the
// cached moments. The source seeds nothing until a later re-initialization;
// nil selects a clock-seeded one.
func RestoreGaPNMF(data []byte, src rand.Source) (*GaPNMF, error) {
	var s gapnmfSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Config == nil {
		return nil, fmt.Errorf("snapshot is missing its config")
	}
	if err := s.Config.validate(); err != nil {
		return nil, err
	}
	if err := s.Grids.validate(s.Config.Rank); err != nil {
		return nil, err
	}
	if !(s.Scale > 0) {
		return nil, fmt.Errorf("snapshot scale must be positive, got %g", s.Scale)
	}
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	m := &GaPNMF{
		factorState: factorState{
			hShape: s.Config.B,
			tShape: s.Config.Beta / float64(s.Config.Rank),
			tRate:  s.Config.Beta,
			cutoff: s.Config.PruneCutoff,
		},
		scale: s.Scale,
		cfg:   s.Config,
		src:   src,
	}
	m.wShape = make([]float64, s.Grids.Freqs)
	for f := range m.wShape {
		m.wShape[f] = s.Config.A
	}
	s.Grids.restore(&m.factorState)
	return m, nil
}

// Snapshot serializes the engine's full state, including the dictionary
// prior it was built with.
func (d *SourceFilter) Snapshot() ([]byte, error) {
	s := sourceFilterSnapshot{
		Grids:  d.gridSnapshot(),
		Atoms:  d.atoms,
		U:      append([]float64(nil), d.u.RawMatrix().Data...),
		Alpha:  append([]float64(nil), d.alpha...),
		Gamma:  append([]float64(nil), d.wShape...),
		NuA:    append([]float64(nil), d.nua.RawMatrix().Data...),
		RhoA:   append([]float64(nil), d.rhoa.RawMatrix().Data...),
		Config: d.cfg,
	}
	s.LogEexpa = make([][]float64, len(d.logEexpa))
	for k, slab := range d.logEexpa {
		s.LogEexpa[k] = append([]float64(nil), slab.RawMatrix().Data...)
	}
	return msgpack.Marshal(&s)
}

// RestoreSourceFilter rebuilds an engine from a Snapshot blob and recomputes
// the cached moments. The source seeds nothing until a later
// re-initialization; nil selects a clock-seeded one.
func RestoreSourceFilter(data []byte, src rand.Source) (*SourceFilter, error) {
	var s sourceFilterSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Config == nil {
		return nil, fmt.Errorf("snapshot is missing its config")
	}
	if err := s.Config.validate(); err != nil {
		return nil, err
	}
	if err := s.Grids.validate(s.Config.Rank); err != nil {
		return nil, err
	}
	if s.Atoms <= 0 {
		return nil, fmt.Errorf("snapshot dimensions are inconsistent")
	}
	fl := s.Grids.Freqs * s.Atoms
	lk := s.Atoms * s.Grids.Rank
	if len(s.U) != fl || len(s.Alpha) != s.Atoms || len(s.Gamma) != s.Grids.Freqs ||
		len(s.NuA) != lk || len(s.RhoA) != lk || len(s.LogEexpa) != s.Grids.Rank {
		return nil, fmt.Errorf("snapshot payload lengths are inconsistent")
	}
	for k := range s.LogEexpa {
		if len(s.LogEexpa[k]) != fl {
			return nil, fmt.Errorf("snapshot payload lengths are inconsistent")
		}
	}
	for l, a := range s.Alpha {
		if !(a > 0) {
			return nil, fmt.Errorf("snapshot alpha[%d] = %g, shapes must be positive", l, a)
		}
	}
	for f, g := range s.Gamma {
		if !(g > 0) {
			return nil, fmt.Errorf("snapshot gamma[%d] = %g, rates must be positive", f, g)
		}
	}
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now)
	}

	d := &SourceFilter{
		factorState: factorState{
			hShape: s.Config.B,
			tShape: s.Config.Beta / float64(s.Config.Rank),
			tRate:  s.Config.Beta,
			cutoff: s.Config.PruneCutoff,
		},
		u:     mat.NewDense(s.Grids.Freqs, s.Atoms, s.U),
		alpha: s.Alpha,
		atoms: s.Atoms,
		nua:   mat.NewDense(s.Atoms, s.Grids.Rank, s.NuA),
		rhoa:  mat.NewDense(s.Atoms, s.Grids.Rank, s.RhoA),
		cfg:   s.Config,
		src:   src,
	}
	d.wShape = s.Gamma
	s.Grids.restore(&d.factorState)
	d.ea = mat.NewDense(s.Atoms, s.Grids.Rank, nil)
	d.eloga = mat.NewDense(s.Atoms, s.Grids.Rank, nil)
	d.refreshAMoments()
	d.logEexpa = make([]*mat.Dense, s.Grids.Rank)
	for k := range d.logEexpa {
		d.logEexpa[k] = mat.NewDense(s.Grids.Freqs, s.Atoms, s.LogEexpa[k])
	}
	return d, nil
}
