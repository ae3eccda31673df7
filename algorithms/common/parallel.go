package common

import (
	"runtime"
	"sync"
)

// WorkerCount determines the number of workers for n independent tasks based
// on available CPUs and workload size
func WorkerCount(n int) int {
	numCPU := runtime.NumCPU()

	// For small workloads, don't over-parallelize
	if n < 100 {
		return max(1, min(numCPU/2, n))
	}

	// For medium workloads, use most CPUs
	if n < 1000 {
		return min(numCPU, 8)
	}

	// For large workloads, use all available CPUs
	return numCPU
}

// ParallelFor runs fn(i) for every i in [0, n) across a pool of worker
// goroutines and blocks until all calls return. fn must be safe to run
// concurrently for distinct indices; each index is processed exactly once.
func ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}

	numWorkers := WorkerCount(n)
	if numWorkers == 1 {
		for i := range n {
			fn(i)
		}
		return
	}

	jobs := make(chan int, n)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

	for i := range n {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
}
