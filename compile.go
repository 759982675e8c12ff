package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// GRAPH OPTIMIZATION
// ===========================================================================
//
// Conv+BatchNorm folding for inference: batch norm with frozen running
// statistics is an affine transform per channel, so it folds into the
// preceding convolution's weights and bias. One matmul per layer instead of
// a matmul plus a normalization sweep.
//
// Folding is inference-only - a folded model has no batch statistics to
// backpropagate through, and Backward on a folded block panics. The command
// layer treats a model with nothing to fold as a soft failure: log and run
// unoptimized.
//
// ===========================================================================

// FoldBatchNorm folds every conv+bn pair in the model in place and returns
// the number of folds. Zero folds is reported as an error so callers can
// fall back.
func FoldBatchNorm(m *Model) (int, error) {
	folds := foldSequential(m.Net)
	if folds == 0 {
		return 0, fmt.Errorf("compile: %s has no foldable conv+bn pairs", m.Arch)
	}
	return folds, nil
}

func foldSequential(s *Sequential) int {
	folds := 0
	var out []Layer
	for i := 0; i < len(s.Layers); i++ {
		if conv, ok := s.Layers[i].(*Conv2d); ok && i+1 < len(s.Layers) {
			if bn, ok := s.Layers[i+1].(*BatchNorm2d); ok {
				out = append(out, fuseConvBN(conv, bn))
				folds++
				i++
				continue
			}
		}
		if block, ok := s.Layers[i].(*BasicBlock); ok {
			folds += block.fold()
		}
		out = append(out, s.Layers[i])
	}
	s.Layers = out
	return folds
}

// fuseConvBN returns a biased convolution equivalent to conv followed by bn
// in eval mode.
func fuseConvBN(conv *Conv2d, bn *BatchNorm2d) *Conv2d {
	fused := NewConv2d(conv.InC, conv.OutC, conv.KH, conv.Stride, conv.Pad, true)
	patch := conv.InC * conv.KH * conv.KW
	for oc := 0; oc < conv.OutC; oc++ {
		scale := bn.Gamma.Data[oc] / float32(math.Sqrt(float64(bn.RunningVar[oc]+bn.Eps)))
		for j := 0; j < patch; j++ {
			fused.W.Data[oc*patch+j] = conv.W.Data[oc*patch+j] * scale
		}
		bias := bn.Beta.Data[oc] - bn.RunningMean[oc]*scale
		if conv.hasBias {
			bias += conv.B.Data[oc] * scale
		}
		fused.B.Data[oc] = bias
	}
	return fused
}

// fold fuses the block's conv+bn pairs and marks it inference-only.
func (b *BasicBlock) fold() int {
	if b.folded {
		return 0
	}
	b.Conv1 = fuseConvBN(b.Conv1, b.BN1)
	b.Conv2 = fuseConvBN(b.Conv2, b.BN2)
	folds := 2
	if b.Down != nil {
		folds += foldSequential(b.Down)
	}
	b.folded = true
	return folds
}
