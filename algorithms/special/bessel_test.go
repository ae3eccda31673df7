package special

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Half-integer orders have elementary closed forms:
// exp(x)*K_{1/2}(x)  = sqrt(pi/(2x))
// exp(x)*K_{3/2}(x)  = sqrt(pi/(2x)) * (1 + 1/x)
// exp(x)*K_{5/2}(x)  = sqrt(pi/(2x)) * (1 + 3/x + 3/x^2)
func TestScaledBesselKHalfIntegerOrders(t *testing.T) {
	xs := []float64{0.05, 0.3, 1.0, 2.0, 2.5, 10.0, 100.0, 1e4}
	for _, x := range xs {
		base := math.Sqrt(math.Pi / (2 * x))

		got := ScaledBesselK(0.5, x)
		assert.InEpsilon(t, base, got, 1e-11, "order 1/2, x=%v", x)

		got = ScaledBesselK(1.5, x)
		assert.InEpsilon(t, base*(1+1/x), got, 1e-11, "order 3/2, x=%v", x)

		got = ScaledBesselK(2.5, x)
		assert.InEpsilon(t, base*(1+3/x+3/(x*x)), got, 1e-11, "order 5/2, x=%v", x)
	}
}

func TestScaledBesselKKnownValues(t *testing.T) {
	// K_0(1) and K_1(1) from Abramowitz & Stegun, table 9.8.
	assert.InEpsilon(t, math.E*0.42102443824070834, ScaledBesselK(0, 1), 1e-9)
	assert.InEpsilon(t, math.E*0.60190723019723458, ScaledBesselK(1, 1), 1e-9)
}

func TestScaledBesselKRecurrence(t *testing.T) {
	// exp(x)*K_{nu+1} = exp(x)*K_{nu-1} + (2*nu/x)*exp(x)*K_nu
	nus := []float64{0.3, 1.2, 2.0, 4.7, 11.4}
	xs := []float64{0.5, 1.9, 2.0, 3.5, 50.0}
	for _, nu := range nus {
		for _, x := range xs {
			lhs := ScaledBesselK(nu+1, x)
			rhs := ScaledBesselK(nu-1, x) + (2*nu/x)*ScaledBesselK(nu, x)
			assert.InEpsilon(t, rhs, lhs, 1e-10, "nu=%v x=%v", nu, x)
		}
	}
}

func TestScaledBesselKOrderSymmetry(t *testing.T) {
	for _, x := range []float64{0.7, 3.0, 42.0} {
		for _, nu := range []float64{0.25, 1.75, 6.5} {
			assert.Equal(t, ScaledBesselK(nu, x), ScaledBesselK(-nu, x),
				"K is symmetric in the order, nu=%v x=%v", nu, x)
		}
	}
}

func TestScaledBesselKLargeArgumentAsymptotic(t *testing.T) {
	// kve(nu, x) -> sqrt(pi/(2x)) * (1 + (4nu^2-1)/(8x) + ...) as x -> inf.
	x := 1e4
	for _, nu := range []float64{0.0, 1.0, 2.3} {
		mu4 := 4 * nu * nu
		want := math.Sqrt(math.Pi/(2*x)) *
			(1 + (mu4-1)/(8*x) + (mu4-1)*(mu4-9)/(2*64*x*x))
		assert.InEpsilon(t, want, ScaledBesselK(nu, x), 1e-6, "nu=%v", nu)
	}
}

func TestLogScaledBesselKLargeOrder(t *testing.T) {
	// K_nu(x) ~ Gamma(nu)/2 * (2/x)^nu for small x, so the log form stays
	// finite long after the scaled value overflows.
	nu, x := 300.0, 0.5
	require.True(t, math.IsInf(ScaledBesselK(nu, x), 1))

	lg, _ := math.Lgamma(nu)
	want := x + lg - math.Ln2 + nu*math.Log(2/x)
	got := LogScaledBesselK(nu, x)
	assert.InDelta(t, want, got, 0.01)
}

func TestLogScaledBesselKMatchesDirectLog(t *testing.T) {
	for _, x := range []float64{0.4, 2.0, 17.0} {
		for _, nu := range []float64{0.1, 1.0, 7.7} {
			assert.InDelta(t, math.Log(ScaledBesselK(nu, x)),
				LogScaledBesselK(nu, x), 1e-10, "nu=%v x=%v", nu, x)
		}
	}
}

func TestScaledBesselKInvalidInput(t *testing.T) {
	assert.True(t, math.IsNaN(ScaledBesselK(1, 0)))
	assert.True(t, math.IsNaN(ScaledBesselK(1, -3)))
	assert.True(t, math.IsNaN(LogScaledBesselK(1, 0)))
	assert.True(t, math.IsNaN(ScaledBesselK(math.NaN(), 1)))
}
