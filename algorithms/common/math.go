package common

import "math"

// Convergence measures shared by the iterative fitting loops.

// MeanAbsDiff calculates the mean absolute difference between two equally
// sized slices, the parameter-change measure used by iterative fits
func MeanAbsDiff(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	sum := 0.0
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}

	return sum / float64(len(a))
}

// RelativeChange calculates (current - previous) / |previous|, the
// improvement measure used by bound based convergence checks
func RelativeChange(current, previous float64) float64 {
	if previous == 0 {
		return 0.0
	}
	return (current - previous) / math.Abs(previous)
}
