package grid

import (
	"runtime"
	"sync"
)

// Pool is a fixed-size worker pool for CPU-bound voxel loops. Work is
// partitioned into one contiguous range per worker so that no two tasks
// write the same voxel, and so that per-worker partial results can be
// reduced in a fixed order regardless of scheduling. The worker count is
// an explicit construction parameter, never ambient process state.
type Pool struct {
	workers int
}

// NewPool creates a pool with the given number of workers. A count of
// zero or less selects the number of CPUs.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int { return p.workers }

// Run partitions [0, n) into disjoint ranges and invokes task once per
// worker with its range. It blocks until every worker finishes, which
// gives callers a barrier between pipeline stages.
func (p *Pool) Run(n int, task func(worker, lo, hi int)) {
	if n <= 0 {
		return
	}
	w := p.workers
	if w > n {
		w = n
	}
	chunk := (n + w - 1) / w

	var wg sync.WaitGroup
	for i := 0; i < w; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(worker, lo, hi int) {
			defer wg.Done()
			task(worker, lo, hi)
		}(i, lo, hi)
	}
	wg.Wait()
}

// ReduceSum runs task over [0, n) and returns the per-worker partial sums
// combined in worker order. The fixed accumulation order keeps the result
// bit-reproducible across runs with the same worker count; partials are
// never shared between workers, so no locking is involved.
func (p *Pool) ReduceSum(n, terms int, task func(worker, lo, hi int, partial []float64)) []float64 {
	partials := make([][]float64, p.workers)
	p.Run(n, func(worker, lo, hi int) {
		buf := make([]float64, terms)
		task(worker, lo, hi, buf)
		partials[worker] = buf
	})
	total := make([]float64, terms)
	for _, part := range partials {
		if part == nil {
			continue
		}
		for i, v := range part {
			total[i] += v
		}
	}
	return total
}
