package gapnmf

import "fmt"

// Config holds the model-level settings shared by both factorization engines.
// The source-filter engine ignores A (its component prior comes from the
// trained dictionary) and NormalizeInput (rescaling the input would detach it
// from the dictionary's scale).
type Config struct {
	Rank              int     `json:"rank"`               // component ceiling K
	Smoothness        float64 `json:"smoothness"`         // concentration of random init
	A                 float64 `json:"a"`                  // component spectra prior shape and rate
	B                 float64 `json:"b"`                  // activation prior shape and rate
	Beta              float64 `json:"beta"`               // total expected component power
	PruneCutoff       float64 `json:"prune_cutoff"`       // retention threshold as a fraction of total power
	NormalizeInput    bool    `json:"normalize_input"`    // divide the input by its mean
	SolverMaxIter     int     `json:"solver_max_iter"`    // iteration cap per subproblem
	SolverDiagnostics bool    `json:"solver_diagnostics"` // gradient checks on solver trouble
}

// DefaultConfig returns the settings used by the original experiments.
func DefaultConfig() *Config {
	return &Config{
		Rank:              100,
		Smoothness:        100,
		A:                 0.1,
		B:                 0.1,
		Beta:              1,
		PruneCutoff:       1e-6,
		NormalizeInput:    true,
		SolverMaxIter:     15000,
		SolverDiagnostics: false,
	}
}

func (c *Config) validate() error {
	if c.Rank < 1 {
		return fmt.Errorf("rank must be at least 1, got %d", c.Rank)
	}
	if c.Smoothness <= 0 {
		return fmt.Errorf("smoothness must be positive, got %g", c.Smoothness)
	}
	if c.A <= 0 {
		return fmt.Errorf("component prior shape must be positive, got %g", c.A)
	}
	if c.B <= 0 {
		return fmt.Errorf("activation prior shape must be positive, got %g", c.B)
	}
	if c.Beta <= 0 {
		return fmt.Errorf("power prior mass must be positive, got %g", c.Beta)
	}
	if c.PruneCutoff <= 0 || c.PruneCutoff >= 1 {
		return fmt.Errorf("prune cutoff must be in (0, 1), got %g", c.PruneCutoff)
	}
	if c.SolverMaxIter < 0 {
		return fmt.Errorf("solver iteration cap must be non-negative, got %d", c.SolverMaxIter)
	}
	return nil
}
