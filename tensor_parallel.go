package main

import "sync"

// ===========================================================================
// PARALLEL MATMUL
// ===========================================================================
//
// Data-parallel matrix multiply: output rows are split into contiguous
// chunks, one per worker. Each worker writes a disjoint slice of the output,
// so no synchronization is needed beyond the final WaitGroup.
//
// Row partitioning (rather than a finer-grained tile scheme) keeps each
// worker streaming through contiguous memory, which is what the cache wants
// for the im2col matmuls that dominate conv forward/backward time.
//
// ===========================================================================

// matMulParallel computes C = A @ B with numWorkers goroutines.
func matMulParallel(a, b *Tensor, numWorkers int) *Tensor {
	m, k, n := checkMatMulShapes(a, b)
	out := NewTensor(m, n)

	if numWorkers > m {
		numWorkers = m
	}
	if numWorkers <= 1 {
		matMulRange(a, b, out, 0, m, k, n)
		return out
	}

	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		lo := w * rowsPerWorker
		hi := lo + rowsPerWorker
		if hi > m {
			hi = m
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			matMulRange(a, b, out, lo, hi, k, n)
		}(lo, hi)
	}
	wg.Wait()
	return out
}
