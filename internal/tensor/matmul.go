package tensor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// numWorkers defines the default parallelism for CPU kernels.
var numWorkers = runtime.NumCPU()

// parallelRows shards [0, rows) across workers for kernels that are
// independent per output row.
func parallelRows(rows int, f func(start, end int)) {
	if rows < 64 || numWorkers <= 1 {
		f(0, rows)
		return
	}
	var wg sync.WaitGroup
	per := (rows + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * per
		if start >= rows {
			break
		}
		end := start + per
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// matmulNN accumulates dst += a * b where a is (m,k) and b is (k,n),
// all row-major. Loop order keeps every inner access contiguous.
func matmulNN(dst []float64, a, b []float64, m, k, n int) {
	parallelRows(m, func(start, end int) {
		for i := start; i < end; i++ {
			out := dst[i*n : (i+1)*n]
			rowA := a[i*k : (i+1)*k]
			for p := 0; p < k; p++ {
				av := rowA[p]
				if av == 0 {
					continue
				}
				simd.VecAddScaled(out, b[p*n:(p+1)*n], av)
			}
		}
	})
}

// matmulNT accumulates dst += a * b^T where a is (m,k) and b is (n,k).
// Both operands are read row-contiguously, so the dot-product kernel applies.
func matmulNT(dst []float64, a, b []float64, m, k, n int) {
	parallelRows(m, func(start, end int) {
		for i := start; i < end; i++ {
			rowA := a[i*k : (i+1)*k]
			out := dst[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				out[j] += simd.DotProduct(rowA, b[j*k:(j+1)*k])
			}
		}
	})
}

// matmulTN accumulates dst += a^T * b where a is (k,m) and b is (k,n).
func matmulTN(dst []float64, a, b []float64, m, k, n int) {
	parallelRows(m, func(start, end int) {
		for i := start; i < end; i++ {
			out := dst[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := a[p*m+i]
				if av == 0 {
					continue
				}
				simd.VecAddScaled(out, b[p*n:(p+1)*n], av)
			}
		}
	})
}

// checkMatMul validates the inner dimension.
func checkMatMul(a, b *Tensor) {
	if a.cols != b.rows {
		panic(fmt.Sprintf("tensor: MatMul inner dim mismatch %dx%d * %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
}
