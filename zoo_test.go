package main

import (
	"strings"
	"testing"
)

// TestModelNames verifies the registry listing.
func TestModelNames(t *testing.T) {
	names := ModelNames()
	if len(names) == 0 {
		t.Fatal("no architectures registered")
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []string{"resnet18", "resnet34", "simplecnn", "mlp"} {
		if !found[want] {
			t.Errorf("architecture %s missing from registry", want)
		}
	}
}

// TestUnknownArch verifies the error names the supported list.
func TestUnknownArch(t *testing.T) {
	_, err := NewModel("resnet50", 10, 0)
	if err == nil {
		t.Fatal("expected error for unknown architecture")
	}
	if !strings.Contains(err.Error(), "resnet18") {
		t.Errorf("error should list supported architectures: %v", err)
	}
}

// TestSimpleCNNForwardShape verifies the compact convnet's output.
func TestSimpleCNNForwardShape(t *testing.T) {
	m, err := NewModel("simplecnn", 7, 16)
	if err != nil {
		t.Fatal(err)
	}
	out := m.Forward(NewTensor(2, 3, 16, 16), false)
	if !shapeEqual(out.Shape, []int{2, 7}) {
		t.Errorf("expected shape [2 7], got %v", out.Shape)
	}
}

// TestMLPForwardShape verifies the flattened baseline.
func TestMLPForwardShape(t *testing.T) {
	m, err := NewModel("mlp", 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	out := m.Forward(NewTensor(3, 3, 8, 8), false)
	if !shapeEqual(out.Shape, []int{3, 4}) {
		t.Errorf("expected shape [3 4], got %v", out.Shape)
	}
}

// TestResNet18ForwardShape runs the residual net at a reduced resolution.
func TestResNet18ForwardShape(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping resnet forward in short mode")
	}
	m, err := NewModel("resnet18", 10, 32)
	if err != nil {
		t.Fatal(err)
	}
	out := m.Forward(NewTensor(1, 3, 32, 32), false)
	if !shapeEqual(out.Shape, []int{1, 10}) {
		t.Errorf("expected shape [1 10], got %v", out.Shape)
	}
}

// TestDefaultImageSize verifies per-architecture resolutions.
func TestDefaultImageSize(t *testing.T) {
	cases := map[string]int{
		"resnet18":  224,
		"resnet34":  224,
		"simplecnn": 64,
		"mlp":       32,
	}
	for arch, want := range cases {
		got, err := DefaultImageSize(arch)
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		if got != want {
			t.Errorf("%s: expected %d, got %d", arch, want, got)
		}
	}
}

// TestModelZeroGrad verifies gradients clear across the whole network.
func TestModelZeroGrad(t *testing.T) {
	m, err := NewModel("mlp", 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range m.Parameters() {
		p.ZeroGrad()
		for i := range p.Grad {
			p.Grad[i] = 1
		}
	}
	m.ZeroGrad()
	for _, p := range m.Parameters() {
		for i, g := range p.Grad {
			if g != 0 {
				t.Fatalf("grad[%d] not cleared: %f", i, g)
			}
		}
	}
}
