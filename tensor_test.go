package main

import (
	"math"
	"math/rand"
	"testing"
)

// TestTensorBasics tests tensor creation and element access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	if len(tensor.Shape) != 2 || tensor.Shape[0] != 2 || tensor.Shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", tensor.Shape)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

// TestMatMul verifies matrix multiplication against hand-computed values.
func TestMatMul(t *testing.T) {
	a := NewTensor(2, 3)
	copy(a.Data, []float32{1, 2, 3, 4, 5, 6})
	b := NewTensor(3, 2)
	copy(b.Data, []float32{1, 2, 3, 4, 5, 6})

	c := MatMul(a, b)

	if c.Shape[0] != 2 || c.Shape[1] != 2 {
		t.Fatalf("expected shape [2 2], got %v", c.Shape)
	}
	want := []float32{22, 28, 49, 64}
	for i, w := range want {
		if c.Data[i] != w {
			t.Errorf("c[%d]: expected %f, got %f", i, w, c.Data[i])
		}
	}
}

// TestMatMulShapeMismatchPanics verifies incompatible shapes fail loudly.
func TestMatMulShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on shape mismatch")
		}
	}()
	MatMul(NewTensor(2, 3), NewTensor(4, 2))
}

// TestMatMulParallelMatchesSerial checks the row-partitioned parallel kernel
// against the serial one.
func TestMatMulParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := NewTensor(70, 30)
	b := NewTensor(30, 50)
	for i := range a.Data {
		a.Data[i] = rng.Float32() - 0.5
	}
	for i := range b.Data {
		b.Data[i] = rng.Float32() - 0.5
	}

	serial := MatMul(a, b)
	parallel := matMulParallel(a, b, 4)

	for i := range serial.Data {
		if diff := math.Abs(float64(serial.Data[i] - parallel.Data[i])); diff > 1e-5 {
			t.Fatalf("element %d: serial %f vs parallel %f", i, serial.Data[i], parallel.Data[i])
		}
	}
}

// TestBackendSelection verifies device names map to backends.
func TestBackendSelection(t *testing.T) {
	cpu, err := BackendForDevice("cpu", 0)
	if err != nil {
		t.Fatalf("cpu backend: %v", err)
	}
	if cpu.Parallel {
		t.Error("cpu backend should be serial")
	}

	par, err := BackendForDevice("parallel", 3)
	if err != nil {
		t.Fatalf("parallel backend: %v", err)
	}
	if !par.Parallel || par.Workers != 3 {
		t.Errorf("expected parallel backend with 3 workers, got %+v", par)
	}

	if _, err := BackendForDevice("cuda", 0); err == nil {
		t.Error("expected error for unsupported device")
	}
}

// TestTranspose verifies 2D transpose.
func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	copy(a.Data, []float32{1, 2, 3, 4, 5, 6})

	at := Transpose(a)

	if at.Shape[0] != 3 || at.Shape[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", at.Shape)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i, w := range want {
		if at.Data[i] != w {
			t.Errorf("at[%d]: expected %f, got %f", i, w, at.Data[i])
		}
	}
}

// TestAddScale verifies elementwise helpers.
func TestAddScale(t *testing.T) {
	a := NewTensor(2, 2)
	copy(a.Data, []float32{1, 2, 3, 4})
	b := NewTensor(2, 2)
	copy(b.Data, []float32{10, 20, 30, 40})

	sum := Add(a, b)
	for i, w := range []float32{11, 22, 33, 44} {
		if sum.Data[i] != w {
			t.Errorf("sum[%d]: expected %f, got %f", i, w, sum.Data[i])
		}
	}

	scaled := Scale(a, 2)
	for i, w := range []float32{2, 4, 6, 8} {
		if scaled.Data[i] != w {
			t.Errorf("scaled[%d]: expected %f, got %f", i, w, scaled.Data[i])
		}
	}
}

// TestReshapeSharesData verifies reshape is a view, not a copy.
func TestReshapeSharesData(t *testing.T) {
	a := NewTensor(2, 3)
	r := a.Reshape(3, 2)
	r.Data[0] = 42
	if a.Data[0] != 42 {
		t.Error("reshape should share the underlying data")
	}
	if r.Shape[0] != 3 || r.Shape[1] != 2 {
		t.Errorf("expected shape [3 2], got %v", r.Shape)
	}
}

// TestSeedRNGReproducible verifies seeded initialization repeats.
func TestSeedRNGReproducible(t *testing.T) {
	SeedRNG(99)
	a := NewTensorRand(4, 4)
	SeedRNG(99)
	b := NewTensorRand(4, 4)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs after reseeding: %f vs %f", i, a.Data[i], b.Data[i])
		}
	}
}
