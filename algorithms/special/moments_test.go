package special

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGIGMomentsPositivityGrid(t *testing.T) {
	shapes := []float64{1e-2, 0.5, 1.0, 2.0, 50.0, 1e3, 1e6}
	rhos := []float64{1e-250, 1e-6, 0.5, 1.0, 1e3, 1e6}
	taus := []float64{0, 1e-250, 1e-210, 1e-150, 1e-6, 1.0, 1e3, 1e6}

	for _, shape := range shapes {
		for _, rho := range rhos {
			for _, tau := range taus {
				ex, exinv := GIGMoments(shape, rho, tau)
				assert.False(t, math.IsNaN(ex),
					"E[x] NaN at shape=%v rho=%v tau=%v", shape, rho, tau)
				assert.False(t, math.IsNaN(exinv),
					"E[1/x] NaN at shape=%v rho=%v tau=%v", shape, rho, tau)
				assert.True(t, ex > 0,
					"E[x] not positive at shape=%v rho=%v tau=%v: %v", shape, rho, tau, ex)
				assert.True(t, exinv > 0 || math.IsInf(exinv, 1),
					"E[1/x] invalid at shape=%v rho=%v tau=%v: %v", shape, rho, tau, exinv)
			}
		}
	}
}

func TestGIGMomentsGammaLimit(t *testing.T) {
	// Exactly at tau=0 and below the 1e-200 cutoff the closed Gamma forms
	// apply verbatim.
	ex, exinv := GIGMoments(3, 2, 0)
	assert.Equal(t, 1.5, ex)
	assert.Equal(t, 1.0, exinv)

	ex, exinv = GIGMoments(0.5, 4, 1e-220)
	assert.Equal(t, 0.125, ex)
	assert.True(t, math.IsInf(exinv, 1), "E[1/x] must diverge for shape <= 1")

	_, exinv = GIGMoments(1.0, 4, 0)
	assert.True(t, math.IsInf(exinv, 1))
}

func TestGIGMomentsContinuityAcrossCutoff(t *testing.T) {
	// Just above the cutoff the Bessel ratios must reproduce the Gamma
	// closed forms; the branch switch may not introduce a jump.
	shapes := []float64{1.5, 3.0, 10.0}
	rhos := []float64{0.4, 2.0, 77.0}
	for _, shape := range shapes {
		for _, rho := range rhos {
			exGIG, exinvGIG := GIGMoments(shape, rho, 1e-195)
			exGam, exinvGam := GIGMoments(shape, rho, 0)
			assert.InEpsilon(t, exGam, exGIG, 1e-8,
				"E[x] discontinuous at shape=%v rho=%v", shape, rho)
			assert.InEpsilon(t, exinvGam, exinvGIG, 1e-8,
				"E[1/x] discontinuous at shape=%v rho=%v", shape, rho)
		}
	}

	// For shape <= 1 the Gamma side is +Inf; the GIG side must blow up as
	// tau -> 0 rather than settle on a finite plateau.
	_, exinv := GIGMoments(0.7, 2.0, 1e-195)
	assert.True(t, exinv > 1e10, "E[1/x] should diverge, got %v", exinv)
}

func TestGIGMomentsHalfShapeClosedForm(t *testing.T) {
	// shape = 1/2: K_{-1/2} = K_{1/2}, so E[1/x] = sqrt(rho/tau) exactly and
	// E[x] = sqrt(tau/rho) + 1/(2*rho).
	cases := []struct{ rho, tau float64 }{
		{1, 1},
		{0.3, 4.0},
		{25, 0.01},
	}
	for _, c := range cases {
		ex, exinv := GIGMoments(0.5, c.rho, c.tau)
		assert.InEpsilon(t, math.Sqrt(c.tau/c.rho)+1/(2*c.rho), ex, 1e-10,
			"rho=%v tau=%v", c.rho, c.tau)
		assert.InEpsilon(t, math.Sqrt(c.rho/c.tau), exinv, 1e-10,
			"rho=%v tau=%v", c.rho, c.tau)
	}
}

func TestGIGMomentsIdempotent(t *testing.T) {
	ex1, exinv1 := GIGMoments(2.5, 1.3, 0.7)
	ex2, exinv2 := GIGMoments(2.5, 1.3, 0.7)
	assert.Equal(t, ex1, ex2)
	assert.Equal(t, exinv1, exinv2)
}

func TestGIGMomentsNegativeShapePanics(t *testing.T) {
	require.Panics(t, func() { GIGMoments(-0.5, 1, 0) })
}

func TestGammaMoments(t *testing.T) {
	ex, elogx := GammaMoments(1, 1)
	assert.Equal(t, 1.0, ex)
	// E[log x] for Exp(1) is -gamma_E.
	assert.InDelta(t, -0.5772156649015329, elogx, 1e-10)

	ex, elogx = GammaMoments(3, 2)
	assert.Equal(t, 1.5, ex)
	// psi(3) = 3/2 - gamma_E
	assert.InDelta(t, 1.5-0.5772156649015329-math.Log(2), elogx, 1e-10)
}

func TestLogExpectedNegExp(t *testing.T) {
	tests := []struct {
		name  string
		shape float64
		rate  float64
		u     float64
		want  float64
	}{
		{"plain", 2, 3, 1.5, -2 * math.Log1p(0.5)},
		{"negative u inside domain", 2, 3, -1.5, -2 * math.Log1p(-0.5)},
		{"near pole", 2, 1, -0.9999, -2 * math.Log1p(-0.9999)},
		{"linear branch", 5, 1, 3e-13, -5 * 3e-13},
		{"linear branch negative", 5, 1, -3e-13, 5 * 3e-13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LogExpectedNegExp(tt.shape, tt.rate, tt.u)
			assert.InDelta(t, tt.want, got, 1e-10)
		})
	}

	assert.True(t, math.IsInf(LogExpectedNegExp(2, 1, -1), 1),
		"u/rate = -1 must diverge")
	assert.True(t, math.IsInf(LogExpectedNegExp(2, 1, -1.5), 1),
		"u/rate < -1 must diverge")
}

func TestTrigamma(t *testing.T) {
	assert.InDelta(t, math.Pi*math.Pi/6, Trigamma(1), 1e-10)
	assert.InDelta(t, math.Pi*math.Pi/2, Trigamma(0.5), 1e-10)
	// Recurrence psi'(x+1) = psi'(x) - 1/x^2.
	assert.InDelta(t, Trigamma(2.7), Trigamma(1.7)-1/(1.7*1.7), 1e-10)
}

func TestGammaEntropy(t *testing.T) {
	// Exp(1) has entropy 1.
	assert.InDelta(t, 1.0, GammaEntropy(1, 1), 1e-12)
	// Gamma(2, 1): 2 + lnGamma(2) + (1-2)*psi(2) = 1 + gamma_E.
	assert.InDelta(t, 1+0.5772156649015329, GammaEntropy(2, 1), 1e-10)
	// Rate acts as a pure shift: H(shape, rate) = H(shape, 1) - log(rate).
	assert.InDelta(t, GammaEntropy(3.3, 1)-math.Log(5), GammaEntropy(3.3, 5), 1e-12)
}
