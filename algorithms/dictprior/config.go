package dictprior

import "fmt"

// Convergence check modes shared by the E-step and M-step.
const (
	// ConvCheckFirstOrder compares the parameter increments of the latest
	// pass against the tolerance.
	ConvCheckFirstOrder = 1
	// ConvCheckSecondOrder compares the change of the increments across
	// consecutive passes against the tolerance.
	ConvCheckSecondOrder = 2
)

// DefaultSmoothness concentrates random initialization; larger values start
// the variational parameters closer to their prior means.
const DefaultSmoothness = 100.0

// Config holds the model-level settings shared by both dictionary engines.
type Config struct {
	NumAtoms          int     `json:"num_atoms"`          // dictionary size L
	Smoothness        float64 `json:"smoothness"`         // concentration of random init
	SolverMaxIter     int     `json:"solver_max_iter"`    // iteration cap per subproblem
	SolverDiagnostics bool    `json:"solver_diagnostics"` // gradient checks on solver trouble
	Verbose           bool    `json:"verbose"`            // compute and log bound increments per phase
}

// DefaultConfig returns the settings used by the original experiments.
func DefaultConfig() *Config {
	return &Config{
		NumAtoms:          10,
		Smoothness:        DefaultSmoothness,
		SolverMaxIter:     15000,
		SolverDiagnostics: false,
		Verbose:           false,
	}
}

func (c *Config) validate() error {
	if c.NumAtoms < 1 {
		return fmt.Errorf("num atoms must be at least 1, got %d", c.NumAtoms)
	}
	if c.Smoothness <= 0 {
		return fmt.Errorf("smoothness must be positive, got %g", c.Smoothness)
	}
	if c.SolverMaxIter < 0 {
		return fmt.Errorf("solver iteration cap must be non-negative, got %d", c.SolverMaxIter)
	}
	return nil
}

// EStepOptions control one variational E-step.
//
// The gamma-noise engine performs a single pass per E-step, so it only reads
// ColdStart and Smoothness; the sub-iteration fields drive the log-normal
// engine's inner convergence loop.
type EStepOptions struct {
	ColdStart  bool    `json:"cold_start"` // reinitialize variational parameters first
	Smoothness float64 `json:"smoothness"` // concentration of the reinitialization
	ConvCheck  int     `json:"conv_check"` // ConvCheckFirstOrder or ConvCheckSecondOrder
	MaxIter    int     `json:"max_iter"`   // sub-iteration cap
	Tol        float64 `json:"tol"`        // absolute convergence threshold
}

// DefaultEStepOptions returns a cold-start E-step with first-order
// convergence checking.
func DefaultEStepOptions() *EStepOptions {
	return &EStepOptions{
		ColdStart:  true,
		Smoothness: DefaultSmoothness,
		ConvCheck:  ConvCheckFirstOrder,
		MaxIter:    500,
		Tol:        1e-3,
	}
}

// MStepOptions control one variational M-step.
//
// Batch selects the gamma-noise engine's joint per-frequency dictionary
// update instead of the per-atom sweep; the log-normal engine ignores it.
// ConvCheck and Tol drive the convergence verdict both engines return.
type MStepOptions struct {
	ConvCheck int     `json:"conv_check"`
	Tol       float64 `json:"tol"`
	Batch     bool    `json:"batch"`
}

// DefaultMStepOptions returns a per-atom M-step with first-order convergence
// checking.
func DefaultMStepOptions() *MStepOptions {
	return &MStepOptions{
		ConvCheck: ConvCheckFirstOrder,
		Tol:       0.01,
	}
}

func validateConvCheck(mode int) error {
	if mode != ConvCheckFirstOrder && mode != ConvCheckSecondOrder {
		return fmt.Errorf("convergence check mode must be %d or %d, got %d",
			ConvCheckFirstOrder, ConvCheckSecondOrder, mode)
	}
	return nil
}
