package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// REDUCED PRECISION
// ===========================================================================
//
// Software float16 (IEEE 754 half) and bfloat16 support. There is no native
// 16-bit arithmetic here: values are stored in 16 bits and computed in
// float32 after widening, which models the numeric behavior of mixed
// precision (rounding at storage boundaries) without accelerator hardware.
//
// Two use cases:
//
//   Inference - weights and activations are rounded through the 16-bit
//   format between layers, so reported accuracy reflects the precision loss
//   a real half-precision deployment would see.
//
//   Training - float32 master weights with a dynamic loss scaler. The loss
//   is multiplied by the scale before backward, gradients are unscaled
//   before the optimizer step, and the scale backs off on overflow.
//
// ===========================================================================

// Precision names a numeric format for model execution.
type Precision string

const (
	PrecisionFloat32  Precision = "float32"
	PrecisionFloat16  Precision = "float16"
	PrecisionBFloat16 Precision = "bfloat16"
)

// ParsePrecision validates a precision flag value.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", PrecisionFloat32:
		return PrecisionFloat32, nil
	case PrecisionFloat16:
		return PrecisionFloat16, nil
	case PrecisionBFloat16:
		return PrecisionBFloat16, nil
	default:
		return "", fmt.Errorf("unknown precision %q (supported: float32, float16, bfloat16)", s)
	}
}

// Float16 is an IEEE 754 binary16 value stored in a uint16.
type Float16 uint16

// Float32ToFloat16 converts with round-to-nearest-even. Values above the
// half-precision range become infinity; subnormals are flushed correctly.
func Float32ToFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow to inf, preserve NaN payload bit.
		if int32(bits>>23&0xff) == 0xff && mant != 0 {
			return Float16(sign | 0x7e00)
		}
		return Float16(sign | 0x7c00)
	case exp <= 0:
		// Subnormal or zero.
		if exp < -10 {
			return Float16(sign)
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint32(1) << (shift - 1)
		rounded := (mant + half) >> shift
		// Round-to-nearest-even on exact ties.
		if mant&(half*2-1) == half && rounded&1 == 1 {
			rounded--
		}
		return Float16(sign | uint16(rounded))
	default:
		rounded := mant + 0xfff + (mant >> 13 & 1)
		if rounded&0x800000 != 0 {
			rounded = 0
			exp++
			if exp >= 0x1f {
				return Float16(sign | 0x7c00)
			}
		}
		return Float16(sign | uint16(exp)<<10 | uint16(rounded>>13))
	}
}

// Float16ToFloat32 widens a half-precision value.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Normalize subnormal.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// Float32ToBFloat16 truncates a float32 to bfloat16 with round-to-nearest.
// bfloat16 keeps the float32 exponent, so there is no range clamping.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7fffffff > 0x7f800000 {
		// NaN: keep it a NaN after truncation.
		return uint16(bits>>16) | 0x0040
	}
	rounded := bits + 0x7fff + (bits >> 16 & 1)
	return uint16(rounded >> 16)
}

// BFloat16ToFloat32 widens a bfloat16 value.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// TensorF16 stores tensor data in half precision.
type TensorF16 struct {
	Data  []Float16
	Shape []int
}

// NewTensorF16 creates a zero half-precision tensor.
func NewTensorF16(shape ...int) *TensorF16 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &TensorF16{Data: make([]Float16, size), Shape: shapeCopy}
}

// FromTensor fills the half-precision tensor from a float32 tensor.
func (t *TensorF16) FromTensor(src *Tensor) {
	for i, v := range src.Data {
		t.Data[i] = Float32ToFloat16(v)
	}
}

// ToTensor widens back to float32.
func (t *TensorF16) ToTensor() *Tensor {
	out := NewTensor(t.Shape...)
	for i, h := range t.Data {
		out.Data[i] = Float16ToFloat32(h)
	}
	return out
}

// RoundTensor rounds every element of t in place through the given precision.
// A no-op for float32.
func RoundTensor(t *Tensor, p Precision) {
	switch p {
	case PrecisionFloat16:
		for i, v := range t.Data {
			t.Data[i] = Float16ToFloat32(Float32ToFloat16(v))
		}
	case PrecisionBFloat16:
		for i, v := range t.Data {
			t.Data[i] = BFloat16ToFloat32(Float32ToBFloat16(v))
		}
	}
}

// ===========================================================================
// LOSS SCALING
// ===========================================================================

// LossScaler implements dynamic loss scaling for mixed-precision training.
// Gradients that overflow half-precision range trigger a scale backoff and
// the step is skipped; after a run of good steps the scale grows back.
type LossScaler struct {
	Scale         float64
	GrowthFactor  float64
	BackoffFactor float64
	GrowthSteps   int

	goodSteps int
}

// NewLossScaler returns a scaler with the conventional defaults.
func NewLossScaler() *LossScaler {
	return &LossScaler{
		Scale:         65536,
		GrowthFactor:  2,
		BackoffFactor: 0.5,
		GrowthSteps:   2000,
	}
}

// ScaleLoss returns the loss multiplied by the current scale.
func (s *LossScaler) ScaleLoss(loss float64) float64 {
	return loss * s.Scale
}

// Unscale divides gradients by the scale and reports whether any gradient
// overflowed (Inf/NaN). On overflow the gradients are unusable and the
// caller must skip the optimizer step.
func (s *LossScaler) Unscale(params []*Tensor) (overflow bool) {
	inv := float32(1 / s.Scale)
	for _, p := range params {
		for i, g := range p.Grad {
			v := g * inv
			if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
				overflow = true
			}
			p.Grad[i] = v
		}
	}
	return overflow
}

// Update adjusts the scale after a step: backoff on overflow, growth after
// GrowthSteps consecutive good steps.
func (s *LossScaler) Update(overflow bool) {
	if overflow {
		s.Scale *= s.BackoffFactor
		if s.Scale < 1 {
			s.Scale = 1
		}
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.GrowthSteps {
		s.Scale *= s.GrowthFactor
		s.goodSteps = 0
	}
}
