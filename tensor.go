package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// TENSOR RUNTIME
// ===========================================================================
//
// A minimal float32 tensor for image-classification workloads. Data is stored
// in row-major (C-contiguous) order; image batches use NCHW layout throughout
// the codebase. Every parameter tensor carries a gradient buffer of the same
// size, filled in by the manual backward passes in layers.go.
//
// Tensors are not safe for concurrent mutation. The parallel execution paths
// (tensor_parallel.go) partition output rows so workers never share elements.
//
// ===========================================================================

// initRNG drives parameter initialization. Reseeded once at startup when the
// run is seeded, before any model construction.
var initRNG = rand.New(rand.NewSource(42))

// SeedRNG reseeds parameter initialization for reproducible runs.
func SeedRNG(seed int64) {
	initRNG = rand.New(rand.NewSource(seed))
}

// Tensor is a multi-dimensional array of float32 values in row-major order.
type Tensor struct {
	Data  []float32
	Shape []int
	Grad  []float32
}

// NewTensor creates a zero tensor with the given shape. Shape errors are
// programmer bugs, so invalid shapes panic rather than return an error.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shapeCopy,
		Grad:  make([]float32, size),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, 0.02), the
// small-init used for classifier heads.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(initRNG.NormFloat64() * 0.02)
	}
	return t
}

// NewTensorHe creates a tensor with Kaiming-He initialization for a layer
// with the given fan-in. Standard init for conv/linear weights feeding ReLU.
func NewTensorHe(fanIn int, shape ...int) *Tensor {
	t := NewTensor(shape...)
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(initRNG.NormFloat64() * std)
	}
	return t
}

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set stores value at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.Shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer. Called before every backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, gradients included.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.Shape...)
	copy(clone.Data, t.Data)
	copy(clone.Grad, t.Grad)
	return clone
}

// Reshape returns a view with a different shape sharing the underlying data
// and gradient buffers. The element count must match.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.Data), newShape))
	}
	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)
	return &Tensor{Data: t.Data, Shape: shapeCopy, Grad: t.Grad}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.Shape, len(t.Data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := NewTensor(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Scale multiplies every element by a scalar.
func Scale(a *Tensor, scalar float32) *Tensor {
	out := NewTensor(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * scalar
	}
	return out
}

// MatMul computes C = A @ B for 2-D tensors using the configured backend.
// The serial kernel iterates in i-k-j order so the inner loop walks both
// B and C contiguously.
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := checkMatMulShapes(a, b)
	if cfg := activeBackend(); cfg.Parallel && m >= cfg.ParallelThreshold {
		return matMulParallel(a, b, cfg.Workers)
	}
	out := NewTensor(m, n)
	matMulRange(a, b, out, 0, m, k, n)
	return out
}

// matMulRange computes output rows [lo, hi) of C = A @ B. Shared by the
// serial and parallel paths.
func matMulRange(a, b, out *Tensor, lo, hi, k, n int) {
	for i := lo; i < hi; i++ {
		ai := i * k
		ci := i * n
		for p := 0; p < k; p++ {
			av := a.Data[ai+p]
			if av == 0 {
				continue
			}
			bi := p * n
			for j := 0; j < n; j++ {
				out.Data[ci+j] += av * b.Data[bi+j]
			}
		}
	}
}

func checkMatMulShapes(a, b *Tensor) (m, k, n int) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("tensor: matmul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("tensor: matmul shape mismatch %v @ %v", a.Shape, b.Shape))
	}
	return a.Shape[0], a.Shape[1], b.Shape[1]
}

// Transpose returns the transpose of a 2-D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.Shape) != 2 {
		panic("tensor: transpose requires 2D tensor")
	}
	rows, cols := a.Shape[0], a.Shape[1]
	out := NewTensor(cols, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[j*rows+i] = a.Data[i*cols+j]
		}
	}
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
