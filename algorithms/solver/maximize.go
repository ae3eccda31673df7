// Package solver wraps gonum's optimizers into the robust maximization
// utility the variational engines share: quasi-Newton with analytic
// gradients over an unconstrained (log-space) parameterization, a numeric
// gradient diagnostic for debugging misbehaving objectives, and a
// derivative-free simplex fallback as the last resort for one-dimensional
// subproblems.
package solver

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/RyanBlaney/sonido-gapnmf/logging"
)

// DefaultMaxIterations caps the major iterations of a single subproblem.
// Individual subproblems are low-dimensional and cheap, so the cap is
// generous and rarely binding.
const DefaultMaxIterations = 15000

// numericGradStep is the central-difference step used by the gradient
// diagnostic.
const numericGradStep = 1e-8

// Objective is a function to maximize together with its analytic gradient.
// Grad must write the gradient of Func at x into grad.
type Objective struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// Options control a single Maximize call.
type Options struct {
	// MaxIterations caps major iterations; <= 0 selects DefaultMaxIterations.
	MaxIterations int

	// Diagnostics compares the analytic gradient against a central-difference
	// approximation at the returned point whenever the optimizer reports
	// trouble, and logs the discrepancy at debug level.
	Diagnostics bool

	// ScalarFallback retries one-dimensional problems with a derivative-free
	// simplex search when the quasi-Newton line search fails.
	ScalarFallback bool

	// Logger receives diagnostics; nil selects the global logger.
	Logger logging.Logger
}

// DefaultOptions returns the options used by the engines unless configured
// otherwise.
func DefaultOptions() Options {
	return Options{MaxIterations: DefaultMaxIterations}
}

// Result reports the best point found. Maximize never fails outright: the
// caller always receives an iterate, converged or not, matching the
// accept-the-last-iterate policy of coordinate ascent (the surrounding EM
// loop absorbs occasional subproblem sloppiness).
type Result struct {
	X            []float64
	F            float64 // objective value at X (maximized scale)
	Converged    bool
	Status       string
	UsedFallback bool
}

// Maximize runs quasi-Newton (L-BFGS) maximization of obj from x0. The
// objective is negated internally; callers express everything in
// maximization terms.
func Maximize(obj Objective, x0 []float64, opts Options) Result {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 { return -obj.Func(x) },
		Grad: func(grad, x []float64) {
			obj.Grad(grad, x)
			floats.Scale(-1, grad)
		},
	}
	settings := &optimize.Settings{MajorIterations: opts.MaxIterations}

	x := make([]float64, len(x0))
	copy(x, x0)
	res, err := optimize.Minimize(problem, x, settings, &optimize.LBFGS{})

	var out Result
	if res == nil {
		// Optimizer could not even start; keep the caller's point.
		out.X = append([]float64(nil), x0...)
		out.F = obj.Func(out.X)
		out.Status = "no result"
	} else {
		out.X = append([]float64(nil), res.X...)
		out.F = -res.F
		out.Status = res.Status.String()
		out.Converged = err == nil && terminalOK(res.Status)
	}

	if out.Converged {
		return out
	}

	if opts.Diagnostics {
		logGradientCheck(logger, obj, out, err)
	}

	if opts.ScalarFallback && len(x0) == 1 {
		alt := MaximizeSimplex(obj.Func, x0, opts.MaxIterations, logger)
		if alt.F > out.F || math.IsNaN(out.F) {
			logger.Warn("quasi-newton line search failed, keeping simplex fallback result", logging.Fields{
				"status":     out.Status,
				"f":          out.F,
				"fallback_f": alt.F,
			})
			alt.UsedFallback = true
			return alt
		}
	}
	return out
}

// MaximizeSimplex maximizes f with a derivative-free Nelder-Mead search.
// It doubles as the engines' bracketing retry when an analytic curvature
// check rejects the quasi-Newton solution.
func MaximizeSimplex(f func(x []float64) float64, x0 []float64, maxIter int, logger logging.Logger) Result {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return -f(x) },
	}
	settings := &optimize.Settings{MajorIterations: maxIter}

	x := make([]float64, len(x0))
	copy(x, x0)
	res, err := optimize.Minimize(problem, x, settings, &optimize.NelderMead{})
	if res == nil {
		out := Result{X: append([]float64(nil), x0...), Status: "no result"}
		out.F = f(out.X)
		if logger != nil {
			logger.Error(err, "simplex search could not start")
		}
		return out
	}
	return Result{
		X:         append([]float64(nil), res.X...),
		F:         -res.F,
		Converged: err == nil && terminalOK(res.Status),
		Status:    res.Status.String(),
	}
}

// terminalOK reports whether a status describes a healthy local optimum
// rather than a cap or a line-search breakdown.
func terminalOK(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionThreshold, optimize.FunctionConvergence,
		optimize.GradientThreshold, optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// logGradientCheck compares the analytic gradient with a central-difference
// approximation at the solution, the standard first question when a
// quasi-Newton solver stalls on these objectives.
func logGradientCheck(logger logging.Logger, obj Objective, r Result, err error) {
	ana := make([]float64, len(r.X))
	obj.Grad(ana, r.X)
	num := fd.Gradient(nil, obj.Func, r.X, &fd.Settings{
		Formula: fd.Central,
		Step:    numericGradStep,
	})

	maxDiff, maxAna := 0.0, 0.0
	for i := range ana {
		if d := math.Abs(ana[i] - num[i]); d > maxDiff {
			maxDiff = d
		}
		if a := math.Abs(ana[i]); a > maxAna {
			maxAna = a
		}
	}
	fields := logging.Fields{
		"status":        r.Status,
		"f":             r.F,
		"dim":           len(r.X),
		"max_grad_diff": maxDiff,
		"max_grad":      maxAna,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logger.Debug("gradient check at returned point", fields)
}
