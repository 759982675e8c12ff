package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ===========================================================================
// MODEL ZOO
// ===========================================================================
//
// Architectures are constructed by name, the way the benchmark scripts
// expect ("-a resnet18"). Each entry carries a default input resolution;
// --image-size overrides it. Unknown names fail fast with the full list so
// typos surface immediately instead of five minutes into a run.
//
// Pretrained weights are plain weight checkpoints named <arch>.ckpt inside
// the weights directory.
//
// ===========================================================================

// Model is a classifier built from the layer library.
type Model struct {
	Arch       string
	NumClasses int
	ImageSize  int
	Net        *Sequential
}

// Forward computes class logits for a [N, 3, S, S] batch.
func (m *Model) Forward(x *Tensor, train bool) *Tensor {
	return m.Net.Forward(x, train)
}

// Backward propagates the loss gradient through the whole network.
func (m *Model) Backward(dlogits *Tensor) {
	m.Net.Backward(dlogits)
}

// Parameters returns every trainable tensor in a stable order.
func (m *Model) Parameters() []*Tensor {
	return m.Net.Params()
}

// ZeroGrad clears all parameter gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

type archSpec struct {
	imageSize int
	build     func(numClasses, imageSize int) *Sequential
}

var archRegistry = map[string]archSpec{
	"resnet18":  {224, func(nc, _ int) *Sequential { return resNet([]int{2, 2, 2, 2}, nc) }},
	"resnet34":  {224, func(nc, _ int) *Sequential { return resNet([]int{3, 4, 6, 3}, nc) }},
	"simplecnn": {64, buildSimpleCNN},
	"mlp":       {32, buildMLP},
}

// ModelNames lists supported architectures in sorted order.
func ModelNames() []string {
	names := make([]string, 0, len(archRegistry))
	for name := range archRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultImageSize returns the native input resolution for an architecture.
func DefaultImageSize(arch string) (int, error) {
	spec, ok := archRegistry[arch]
	if !ok {
		return 0, unknownArchError(arch)
	}
	return spec.imageSize, nil
}

// NewModel constructs an architecture by name. imageSize <= 0 selects the
// architecture's default resolution.
func NewModel(arch string, numClasses, imageSize int) (*Model, error) {
	spec, ok := archRegistry[arch]
	if !ok {
		return nil, unknownArchError(arch)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("model %s: numClasses must be positive, got %d", arch, numClasses)
	}
	if imageSize <= 0 {
		imageSize = spec.imageSize
	}
	return &Model{
		Arch:       arch,
		NumClasses: numClasses,
		ImageSize:  imageSize,
		Net:        spec.build(numClasses, imageSize),
	}, nil
}

func unknownArchError(arch string) error {
	names := ModelNames()
	return fmt.Errorf("unknown architecture %q (supported: %v)", arch, names)
}

// LoadPretrained fills the model's parameters from <dir>/<arch>.ckpt.
func LoadPretrained(m *Model, dir string) error {
	path := filepath.Join(dir, m.Arch+".ckpt")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no pretrained weights for %s at %s: %w", m.Arch, path, err)
	}
	_, err := LoadCheckpointInto(path, m.Parameters(), nil)
	if err != nil {
		return fmt.Errorf("load pretrained %s: %w", path, err)
	}
	return nil
}

// resNet assembles the stem, four residual stages, and classifier head
// shared by the BasicBlock ResNets.
func resNet(blocks []int, numClasses int) *Sequential {
	layers := []Layer{
		NewConv2d(3, 64, 7, 2, 3, false),
		NewBatchNorm2d(64),
		NewReLU(),
		NewMaxPool2d(3, 2, 1),
	}

	channels := []int{64, 128, 256, 512}
	inC := 64
	for stage, n := range blocks {
		outC := channels[stage]
		for b := 0; b < n; b++ {
			stride := 1
			if stage > 0 && b == 0 {
				stride = 2
			}
			layers = append(layers, NewBasicBlock(inC, outC, stride))
			inC = outC
		}
	}

	layers = append(layers,
		NewGlobalAvgPool(),
		NewLinear(512, numClasses),
	)
	return NewSequential(layers...)
}

// buildSimpleCNN is a compact three-stage convnet for quick runs on small
// inputs; global average pooling keeps it resolution-agnostic.
func buildSimpleCNN(numClasses, _ int) *Sequential {
	return NewSequential(
		NewConv2d(3, 32, 3, 1, 1, false),
		NewBatchNorm2d(32),
		NewReLU(),
		NewMaxPool2d(2, 2, 0),
		NewConv2d(32, 64, 3, 1, 1, false),
		NewBatchNorm2d(64),
		NewReLU(),
		NewMaxPool2d(2, 2, 0),
		NewConv2d(64, 128, 3, 1, 1, false),
		NewBatchNorm2d(128),
		NewReLU(),
		NewGlobalAvgPool(),
		NewLinear(128, numClasses),
	)
}

// buildMLP flattens the image; its first layer width depends on the input
// resolution, so the resolution is fixed at construction time.
func buildMLP(numClasses, imageSize int) *Sequential {
	in := 3 * imageSize * imageSize
	return NewSequential(
		NewFlatten(),
		NewLinear(in, 512),
		NewReLU(),
		NewLinear(512, numClasses),
	)
}
