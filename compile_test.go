package main

import (
	"math"
	"math/rand"
	"testing"
)

// TestFoldBatchNormEquivalence verifies inference output is unchanged after
// conv+bn folding.
func TestFoldBatchNormEquivalence(t *testing.T) {
	SeedRNG(21)
	m, err := NewModel("simplecnn", 5, 16)
	if err != nil {
		t.Fatal(err)
	}

	// Push the running statistics off their initial values first.
	rng := rand.New(rand.NewSource(22))
	warm := NewTensor(4, 3, 16, 16)
	randomFill(warm.Data, rng)
	m.Forward(warm, true)

	x := NewTensor(2, 3, 16, 16)
	randomFill(x.Data, rng)
	before := m.Forward(x, false)

	folds, err := FoldBatchNorm(m)
	if err != nil {
		t.Fatal(err)
	}
	if folds != 3 {
		t.Errorf("expected 3 folds in simplecnn, got %d", folds)
	}

	after := m.Forward(x, false)
	for i := range before.Data {
		if diff := math.Abs(float64(before.Data[i] - after.Data[i])); diff > 1e-4 {
			t.Fatalf("output %d diverged after folding: %f vs %f", i, before.Data[i], after.Data[i])
		}
	}
}

// TestFoldBasicBlockEquivalence verifies folding through residual blocks and
// the projection shortcut.
func TestFoldBasicBlockEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	b := NewBasicBlock(4, 8, 2)

	warm := NewTensor(4, 4, 8, 8)
	randomFill(warm.Data, rng)
	b.Forward(warm, true)

	x := NewTensor(2, 4, 8, 8)
	randomFill(x.Data, rng)
	before := b.Forward(x, false)

	if folds := b.fold(); folds != 3 {
		t.Errorf("expected 3 folds (two main, one shortcut), got %d", folds)
	}

	after := b.Forward(x, false)
	for i := range before.Data {
		if diff := math.Abs(float64(before.Data[i] - after.Data[i])); diff > 1e-4 {
			t.Fatalf("output %d diverged after folding: %f vs %f", i, before.Data[i], after.Data[i])
		}
	}

	// A folded block is inference-only: its batch norm parameters are gone.
	if got := len(b.Params()); got != 6 {
		t.Errorf("expected 6 parameter tensors after folding (conv W+B pairs), got %d", got)
	}
}

// TestFoldRejectsConvFreeModels verifies models without conv+bn pairs report
// an error so callers can fall back.
func TestFoldRejectsConvFreeModels(t *testing.T) {
	m, err := NewModel("mlp", 3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FoldBatchNorm(m); err == nil {
		t.Error("expected fold error for mlp")
	}
}

// TestFoldedBlockBackwardPanics verifies training through a folded block is
// rejected.
func TestFoldedBlockBackwardPanics(t *testing.T) {
	b := NewBasicBlock(2, 2, 1)
	b.fold()
	out := b.Forward(NewTensor(1, 2, 4, 4), false)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on backward through folded block")
		}
	}()
	b.Backward(NewTensor(out.Shape...))
}
