package special

import (
	"math"
)

// Evidence lower bound building blocks shared by the variational engines.
// Each function scores a single posterior coordinate; callers sum over their
// parameter grids with per-element prior rates where the model calls for
// them. The terms are diagnostics for monitoring coordinate-ascent progress,
// not quantities the updates themselves depend on.

// GIGGammaTerm returns E_q[log p(x)] - E_q[log q(x)] for one coordinate with
// prior p = Gamma(shape, priorRate) and posterior q = GIG(shape, rho, tau).
// ex and exinv are the cached GIG moments of q. The E[log x] contributions
// cancel because prior and posterior share the same shape. A coordinate
// sitting exactly at its prior (tau = 0, rho = priorRate) scores zero.
func GIGGammaTerm(ex, exinv, rho, tau, shape, priorRate float64) float64 {
	lg, _ := math.Lgamma(shape)
	score := shape*math.Log(priorRate) - lg - (priorRate-rho)*ex
	if tau > gammaPathCutoff {
		sqrtRho := math.Sqrt(rho)
		sqrtTau := math.Sqrt(tau)
		x := 2 * sqrtRho * sqrtTau
		score += math.Ln2 + tau*exinv - 0.5*shape*(math.Log(rho)-math.Log(tau))
		// log K stays finite through the scaled form: log kve(shape, x) - x.
		score += LogScaledBesselK(shape, x) - x
	} else {
		score += -shape*math.Log(rho) + lg
	}
	return score
}

// GammaGammaTerm returns E_q[log p(x)] - E_q[log q(x)] for one coordinate
// with prior p = Gamma(priorShape, priorShape) and posterior
// q = Gamma(nu, rho). ex and elogx are the cached Gamma moments of q.
func GammaGammaTerm(ex, elogx, nu, rho, priorShape float64) float64 {
	lgNu, _ := math.Lgamma(nu)
	lgA, _ := math.Lgamma(priorShape)
	return (priorShape-nu)*elogx - (priorShape-rho)*ex +
		lgNu - lgA + priorShape*math.Log(priorShape) - nu*math.Log(rho)
}
