package common

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelForCoversEveryIndexOnce(t *testing.T) {
	const n = 250
	counts := make([]int64, n)
	ParallelFor(n, func(i int) {
		atomic.AddInt64(&counts[i], 1)
	})
	for i, c := range counts {
		assert.Equal(t, int64(1), c, "index %d", i)
	}
}

func TestParallelForSmallAndEmpty(t *testing.T) {
	var calls int64
	ParallelFor(0, func(i int) { atomic.AddInt64(&calls, 1) })
	ParallelFor(-3, func(i int) { atomic.AddInt64(&calls, 1) })
	assert.Equal(t, int64(0), calls)

	ParallelFor(1, func(i int) {
		assert.Equal(t, 0, i)
		atomic.AddInt64(&calls, 1)
	})
	assert.Equal(t, int64(1), calls)
}

func TestParallelForBlocksUntilDone(t *testing.T) {
	out := make([]float64, 64)
	ParallelFor(len(out), func(i int) {
		out[i] = float64(i) * 2
	})
	// All writes must be visible after return.
	for i := range out {
		assert.Equal(t, float64(i)*2, out[i])
	}
}

func TestWorkerCountBounds(t *testing.T) {
	cpus := runtime.NumCPU()
	for _, n := range []int{0, 1, 2, 50, 99, 100, 500, 999, 1000, 100000} {
		w := WorkerCount(n)
		assert.GreaterOrEqual(t, w, 1, "n=%d", n)
		assert.LessOrEqual(t, w, max(cpus, 1), "n=%d", n)
	}
	// Tiny workloads never get more workers than tasks.
	assert.LessOrEqual(t, WorkerCount(2), 2)
}

func TestMeanAbsDiff(t *testing.T) {
	assert.Equal(t, 0.0, MeanAbsDiff(nil, nil))
	assert.Equal(t, 0.0, MeanAbsDiff([]float64{1, 2}, []float64{1}))
	assert.Equal(t, 0.0, MeanAbsDiff([]float64{1, 2}, []float64{1, 2}))
	assert.InDelta(t, 1.5, MeanAbsDiff([]float64{0, 1}, []float64{1, -1}), 1e-15)
}

func TestRelativeChange(t *testing.T) {
	assert.Equal(t, 0.0, RelativeChange(5, 0))
	assert.InDelta(t, 0.5, RelativeChange(3, 2), 1e-15)
	assert.InDelta(t, 0.5, RelativeChange(-1, -2), 1e-15)
	assert.InDelta(t, -0.25, RelativeChange(1.5, 2), 1e-15)
}
