package special

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// gammaPathCutoff is the tau threshold below which a GIG(shape, rho, tau)
// posterior is treated as the limiting Gamma(shape, rho) distribution. Both
// moments are
// cheaper and numerically safer on that path.
const gammaPathCutoff = 1e-200

// linearLogApprox is the |u/rate| threshold below which log1p(u/rate) is
// replaced by its first-order expansion.
const linearLogApprox = 1e-12

// GIGMoments returns E[x] and E[1/x] for x following a generalized inverse
// Gaussian distribution with density proportional to
//
//	x^(shape-1) * exp(-rho*x - tau/x)
//
// For tau > 1e-200 the moments are ratios of scaled Bessel K functions of
// orders shape-1, shape and shape+1 at argument 2*sqrt(rho*tau). At or below
// the cutoff the distribution degenerates to Gamma(shape, rho): E[x] =
// shape/rho and E[1/x] = rho/(shape-1), which is +Inf for shape <= 1. The
// degenerate branch
// requires shape >= 0; a negative shape there indicates corrupted posterior
// state and panics.
func GIGMoments(shape, rho, tau float64) (ex, exinv float64) {
	if tau > gammaPathCutoff {
		sqrtRho := math.Sqrt(rho)
		sqrtTau := math.Sqrt(tau)
		x := 2 * sqrtRho * sqrtTau
		km1, k0, _ := scaledKPair(shape, x)
		// Ratios of the scaled pair plus the recurrence
		// K_{shape+1} = K_{shape-1} + (2*shape/x) K_shape avoid evaluating a
		// third transcendental and stay finite where K_{shape+1} overflows.
		rm := km1 / k0
		rp := rm + 2*shape/x
		ex = rp * (sqrtTau / sqrtRho)
		exinv = rm * (sqrtRho / sqrtTau)
		return ex, exinv
	}
	if shape < 0 {
		panic("special: negative shape on the degenerate gamma path")
	}
	ex = shape / rho
	if shape > 1 {
		exinv = rho / (shape - 1)
	} else {
		exinv = math.Inf(1)
	}
	return ex, exinv
}

// GammaMoments returns E[x] and E[log x] for x ~ Gamma(shape, rate).
func GammaMoments(shape, rate float64) (ex, elogx float64) {
	return shape / rate, mathext.Digamma(shape) - math.Log(rate)
}

// LogExpectedNegExp returns log E[exp(-x*u)] for x ~ Gamma(shape, rate) and
// constant u, which is -shape*log(1 + u/rate). The expectation diverges for
// u/rate <= -1, returning +Inf; tiny |u/rate| uses the linear expansion
// -shape*u/rate directly.
func LogExpectedNegExp(shape, rate, u float64) float64 {
	t := u / rate
	if t <= -1 {
		return math.Inf(1)
	}
	if math.Abs(t) <= linearLogApprox {
		return -shape * t
	}
	return -shape * math.Log1p(t)
}

// Trigamma returns the derivative of the digamma function, via the Hurwitz
// zeta identity trigamma(x) = zeta(2, x). Valid for x > 0.
func Trigamma(x float64) float64 {
	return mathext.Zeta(2, x)
}

// GammaEntropy returns the differential entropy of Gamma(shape, rate).
func GammaEntropy(shape, rate float64) float64 {
	lg, _ := math.Lgamma(shape)
	return shape - math.Log(rate) + lg + (1-shape)*mathext.Digamma(shape)
}
