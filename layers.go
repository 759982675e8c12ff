package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// LAYERS
// ===========================================================================
//
// Building blocks for convolutional classifiers, each with a hand-written
// backward pass. The contract mirrors the forward/backward split used by the
// transformer training code this grew out of:
//
//   Forward caches whatever the backward pass needs (inputs, masks, batch
//   statistics). Backward consumes the upstream gradient, accumulates into
//   parameter .Grad buffers, and returns the gradient w.r.t. its input.
//
// Convolution is implemented as im2col + matmul so the heavy lifting lands
// in the tensor matmul kernels, which is also where the parallel backend
// applies. The im2col buffers are recomputed during backward instead of
// cached; recompute is cheaper than holding per-batch patch matrices alive
// across the whole forward pass.
//
// ===========================================================================

// Layer is a differentiable module.
type Layer interface {
	// Forward runs the layer. train selects training behavior where it
	// differs from inference (batch norm statistics).
	Forward(x *Tensor, train bool) *Tensor

	// Backward propagates the upstream gradient, accumulating parameter
	// gradients and returning the gradient w.r.t. the forward input.
	Backward(dout *Tensor) *Tensor

	// Params returns the layer's trainable parameters.
	Params() []*Tensor
}

// view wraps a data slice as a read-only tensor for matmul staging.
func view(data []float32, shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		panic(fmt.Sprintf("layers: view size %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: shape}
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// ===========================================================================
// CONVOLUTION
// ===========================================================================

// Conv2d is a 2-D convolution over NCHW input, stored as a weight matrix
// [outC, inC*kh*kw] so forward is a single matmul per sample.
type Conv2d struct {
	InC, OutC   int
	KH, KW      int
	Stride, Pad int
	W           *Tensor // [OutC, InC*KH*KW]
	B           *Tensor // [OutC]
	hasBias     bool
	x           *Tensor // cached forward input
}

// NewConv2d creates a He-initialized convolution. Bias is omitted when the
// layer is followed by batch norm.
func NewConv2d(inC, outC, kernel, stride, pad int, bias bool) *Conv2d {
	fanIn := inC * kernel * kernel
	c := &Conv2d{
		InC: inC, OutC: outC,
		KH: kernel, KW: kernel,
		Stride: stride, Pad: pad,
		W:       NewTensorHe(fanIn, outC, fanIn),
		hasBias: bias,
	}
	if bias {
		c.B = NewTensor(outC)
	}
	return c
}

func (c *Conv2d) outSize(h, w int) (int, int) {
	return (h+2*c.Pad-c.KH)/c.Stride + 1, (w+2*c.Pad-c.KW)/c.Stride + 1
}

// Forward computes the convolution for a [N, InC, H, W] batch.
func (c *Conv2d) Forward(x *Tensor, train bool) *Tensor {
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if ch != c.InC {
		panic(fmt.Sprintf("conv2d: expected %d input channels, got %d", c.InC, ch))
	}
	oh, ow := c.outSize(h, w)
	l := oh * ow
	patch := c.InC * c.KH * c.KW

	out := NewTensor(n, c.OutC, oh, ow)
	cols := make([]float32, patch*l)
	for i := 0; i < n; i++ {
		im2col(x.Data[i*ch*h*w:(i+1)*ch*h*w], cols, ch, h, w, c.KH, c.KW, c.Stride, c.Pad, oh, ow)
		prod := MatMul(c.W, view(cols, patch, l)) // [OutC, L]
		dst := out.Data[i*c.OutC*l : (i+1)*c.OutC*l]
		copy(dst, prod.Data)
		if c.hasBias {
			for oc := 0; oc < c.OutC; oc++ {
				b := c.B.Data[oc]
				row := dst[oc*l : (oc+1)*l]
				for j := range row {
					row[j] += b
				}
			}
		}
	}
	c.x = x
	return out
}

// Backward accumulates weight/bias gradients and returns dL/dx.
func (c *Conv2d) Backward(dout *Tensor) *Tensor {
	x := c.x
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := c.outSize(h, w)
	l := oh * ow
	patch := c.InC * c.KH * c.KW

	dx := NewTensor(x.Shape...)
	cols := make([]float32, patch*l)
	for i := 0; i < n; i++ {
		im2col(x.Data[i*ch*h*w:(i+1)*ch*h*w], cols, ch, h, w, c.KH, c.KW, c.Stride, c.Pad, oh, ow)
		dv := view(dout.Data[i*c.OutC*l:(i+1)*c.OutC*l], c.OutC, l)

		// dW += dout @ cols^T
		dw := MatMul(dv, Transpose(view(cols, patch, l)))
		addInto(c.W.Grad, dw.Data)

		if c.hasBias {
			for oc := 0; oc < c.OutC; oc++ {
				sum := float32(0)
				row := dv.Data[oc*l : (oc+1)*l]
				for _, v := range row {
					sum += v
				}
				c.B.Grad[oc] += sum
			}
		}

		// dcols = W^T @ dout, scattered back to image space.
		dcols := MatMul(Transpose(c.W), dv)
		col2im(dcols.Data, dx.Data[i*ch*h*w:(i+1)*ch*h*w], ch, h, w, c.KH, c.KW, c.Stride, c.Pad, oh, ow)
	}
	return dx
}

func (c *Conv2d) Params() []*Tensor {
	if c.hasBias {
		return []*Tensor{c.W, c.B}
	}
	return []*Tensor{c.W}
}

// im2col unrolls conv patches of a single CHW image into a [C*KH*KW, OH*OW]
// column matrix. Out-of-bounds (padding) positions contribute zeros.
func im2col(img, cols []float32, c, h, w, kh, kw, stride, pad, oh, ow int) {
	l := oh * ow
	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := ((ci*kh+ki)*kw + kj) * l
				for oi := 0; oi < oh; oi++ {
					ii := oi*stride + ki - pad
					base := row + oi*ow
					if ii < 0 || ii >= h {
						for oj := 0; oj < ow; oj++ {
							cols[base+oj] = 0
						}
						continue
					}
					src := (ci*h + ii) * w
					for oj := 0; oj < ow; oj++ {
						jj := oj*stride + kj - pad
						if jj < 0 || jj >= w {
							cols[base+oj] = 0
						} else {
							cols[base+oj] = img[src+jj]
						}
					}
				}
			}
		}
	}
}

// col2im scatters column-matrix gradients back into image space, summing
// overlapping patch contributions.
func col2im(dcols, dimg []float32, c, h, w, kh, kw, stride, pad, oh, ow int) {
	l := oh * ow
	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := ((ci*kh+ki)*kw + kj) * l
				for oi := 0; oi < oh; oi++ {
					ii := oi*stride + ki - pad
					if ii < 0 || ii >= h {
						continue
					}
					dst := (ci*h + ii) * w
					base := row + oi*ow
					for oj := 0; oj < ow; oj++ {
						jj := oj*stride + kj - pad
						if jj >= 0 && jj < w {
							dimg[dst+jj] += dcols[base+oj]
						}
					}
				}
			}
		}
	}
}

// ===========================================================================
// BATCH NORM
// ===========================================================================

// BatchNorm2d normalizes each channel over the batch and spatial dimensions.
// Training mode uses batch statistics and updates the running estimates used
// at inference time.
type BatchNorm2d struct {
	C           int
	Gamma, Beta *Tensor
	RunningMean []float32
	RunningVar  []float32
	Momentum    float32
	Eps         float32

	// backward caches
	xhat   []float32
	invstd []float32
	shape  []int
}

// NewBatchNorm2d creates a batch norm layer with unit scale and zero shift.
func NewBatchNorm2d(c int) *BatchNorm2d {
	bn := &BatchNorm2d{
		C:           c,
		Gamma:       NewTensor(c),
		Beta:        NewTensor(c),
		RunningMean: make([]float32, c),
		RunningVar:  make([]float32, c),
		Momentum:    0.1,
		Eps:         1e-5,
	}
	for i := 0; i < c; i++ {
		bn.Gamma.Data[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

func (bn *BatchNorm2d) Forward(x *Tensor, train bool) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if c != bn.C {
		panic(fmt.Sprintf("batchnorm2d: expected %d channels, got %d", bn.C, c))
	}
	hw := h * w
	m := float32(n * hw)
	out := NewTensor(x.Shape...)

	if !train {
		for ci := 0; ci < c; ci++ {
			invstd := float32(1 / math.Sqrt(float64(bn.RunningVar[ci]+bn.Eps)))
			g, b, mu := bn.Gamma.Data[ci], bn.Beta.Data[ci], bn.RunningMean[ci]
			for ni := 0; ni < n; ni++ {
				off := (ni*c + ci) * hw
				for j := 0; j < hw; j++ {
					out.Data[off+j] = g*(x.Data[off+j]-mu)*invstd + b
				}
			}
		}
		bn.xhat = nil
		return out
	}

	bn.xhat = make([]float32, len(x.Data))
	bn.invstd = make([]float32, c)
	bn.shape = x.Shape

	for ci := 0; ci < c; ci++ {
		var sum, sqsum float32
		for ni := 0; ni < n; ni++ {
			off := (ni*c + ci) * hw
			for j := 0; j < hw; j++ {
				v := x.Data[off+j]
				sum += v
				sqsum += v * v
			}
		}
		mean := sum / m
		variance := sqsum/m - mean*mean
		if variance < 0 {
			variance = 0
		}
		invstd := float32(1 / math.Sqrt(float64(variance+bn.Eps)))
		bn.invstd[ci] = invstd

		g, b := bn.Gamma.Data[ci], bn.Beta.Data[ci]
		for ni := 0; ni < n; ni++ {
			off := (ni*c + ci) * hw
			for j := 0; j < hw; j++ {
				xh := (x.Data[off+j] - mean) * invstd
				bn.xhat[off+j] = xh
				out.Data[off+j] = g*xh + b
			}
		}

		bn.RunningMean[ci] = (1-bn.Momentum)*bn.RunningMean[ci] + bn.Momentum*mean
		// Unbiased variance for the running estimate.
		unbiased := variance
		if m > 1 {
			unbiased = variance * m / (m - 1)
		}
		bn.RunningVar[ci] = (1-bn.Momentum)*bn.RunningVar[ci] + bn.Momentum*unbiased
	}
	return out
}

func (bn *BatchNorm2d) Backward(dout *Tensor) *Tensor {
	if bn.xhat == nil {
		panic("batchnorm2d: backward without training forward")
	}
	n, c, h, w := bn.shape[0], bn.shape[1], bn.shape[2], bn.shape[3]
	hw := h * w
	m := float32(n * hw)
	dx := NewTensor(bn.shape...)

	for ci := 0; ci < c; ci++ {
		var dbeta, dgamma float32
		for ni := 0; ni < n; ni++ {
			off := (ni*c + ci) * hw
			for j := 0; j < hw; j++ {
				d := dout.Data[off+j]
				dbeta += d
				dgamma += d * bn.xhat[off+j]
			}
		}
		bn.Gamma.Grad[ci] += dgamma
		bn.Beta.Grad[ci] += dbeta

		scale := bn.Gamma.Data[ci] * bn.invstd[ci] / m
		for ni := 0; ni < n; ni++ {
			off := (ni*c + ci) * hw
			for j := 0; j < hw; j++ {
				dx.Data[off+j] = scale * (m*dout.Data[off+j] - dbeta - bn.xhat[off+j]*dgamma)
			}
		}
	}
	return dx
}

func (bn *BatchNorm2d) Params() []*Tensor { return []*Tensor{bn.Gamma, bn.Beta} }

// ===========================================================================
// ACTIVATIONS AND POOLING
// ===========================================================================

// ReLU with a cached pass-through mask.
type ReLU struct {
	mask []bool
}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(x *Tensor, train bool) *Tensor {
	out := NewTensor(x.Shape...)
	r.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out
}

func (r *ReLU) Backward(dout *Tensor) *Tensor {
	dx := NewTensor(dout.Shape...)
	for i, pass := range r.mask {
		if pass {
			dx.Data[i] = dout.Data[i]
		}
	}
	return dx
}

func (r *ReLU) Params() []*Tensor { return nil }

// MaxPool2d with cached argmax positions for the backward scatter.
type MaxPool2d struct {
	K, Stride, Pad int

	argmax []int32
	shape  []int
}

func NewMaxPool2d(kernel, stride, pad int) *MaxPool2d {
	return &MaxPool2d{K: kernel, Stride: stride, Pad: pad}
}

func (p *MaxPool2d) Forward(x *Tensor, train bool) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*p.Pad-p.K)/p.Stride + 1
	ow := (w+2*p.Pad-p.K)/p.Stride + 1
	out := NewTensor(n, c, oh, ow)
	p.argmax = make([]int32, n*c*oh*ow)
	p.shape = x.Shape

	idx := 0
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			plane := (ni*c + ci) * h * w
			for oi := 0; oi < oh; oi++ {
				for oj := 0; oj < ow; oj++ {
					best := float32(math.Inf(-1))
					bestAt := int32(-1)
					for ki := 0; ki < p.K; ki++ {
						ii := oi*p.Stride + ki - p.Pad
						if ii < 0 || ii >= h {
							continue
						}
						for kj := 0; kj < p.K; kj++ {
							jj := oj*p.Stride + kj - p.Pad
							if jj < 0 || jj >= w {
								continue
							}
							v := x.Data[plane+ii*w+jj]
							if v > best {
								best = v
								bestAt = int32(plane + ii*w + jj)
							}
						}
					}
					out.Data[idx] = best
					p.argmax[idx] = bestAt
					idx++
				}
			}
		}
	}
	return out
}

func (p *MaxPool2d) Backward(dout *Tensor) *Tensor {
	dx := NewTensor(p.shape...)
	for i, at := range p.argmax {
		if at >= 0 {
			dx.Data[at] += dout.Data[i]
		}
	}
	return dx
}

func (p *MaxPool2d) Params() []*Tensor { return nil }

// GlobalAvgPool reduces [N, C, H, W] to [N, C].
type GlobalAvgPool struct {
	shape []int
}

func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{} }

func (p *GlobalAvgPool) Forward(x *Tensor, train bool) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	hw := h * w
	out := NewTensor(n, c)
	p.shape = x.Shape
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			off := (ni*c + ci) * hw
			var sum float32
			for j := 0; j < hw; j++ {
				sum += x.Data[off+j]
			}
			out.Data[ni*c+ci] = sum / float32(hw)
		}
	}
	return out
}

func (p *GlobalAvgPool) Backward(dout *Tensor) *Tensor {
	n, c, h, w := p.shape[0], p.shape[1], p.shape[2], p.shape[3]
	hw := h * w
	dx := NewTensor(p.shape...)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			g := dout.Data[ni*c+ci] / float32(hw)
			off := (ni*c + ci) * hw
			for j := 0; j < hw; j++ {
				dx.Data[off+j] = g
			}
		}
	}
	return dx
}

func (p *GlobalAvgPool) Params() []*Tensor { return nil }

// Flatten collapses all dimensions after the batch dimension.
type Flatten struct {
	shape []int
}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *Tensor, train bool) *Tensor {
	f.shape = x.Shape
	rest := 1
	for _, d := range x.Shape[1:] {
		rest *= d
	}
	return x.Reshape(x.Shape[0], rest)
}

func (f *Flatten) Backward(dout *Tensor) *Tensor {
	return dout.Reshape(f.shape...)
}

func (f *Flatten) Params() []*Tensor { return nil }

// ===========================================================================
// LINEAR
// ===========================================================================

// Linear is a fully connected layer: out = x @ W + b.
type Linear struct {
	In, Out int
	W       *Tensor // [In, Out]
	B       *Tensor // [Out]

	x *Tensor
}

func NewLinear(in, out int) *Linear {
	return &Linear{
		In: in, Out: out,
		W: NewTensorHe(in, in, out),
		B: NewTensor(out),
	}
}

func (l *Linear) Forward(x *Tensor, train bool) *Tensor {
	out := MatMul(x, l.W)
	n := x.Shape[0]
	for i := 0; i < n; i++ {
		row := out.Data[i*l.Out : (i+1)*l.Out]
		for j := range row {
			row[j] += l.B.Data[j]
		}
	}
	l.x = x
	return out
}

func (l *Linear) Backward(dout *Tensor) *Tensor {
	dw := MatMul(Transpose(l.x), dout)
	addInto(l.W.Grad, dw.Data)
	n := dout.Shape[0]
	for i := 0; i < n; i++ {
		row := dout.Data[i*l.Out : (i+1)*l.Out]
		for j, v := range row {
			l.B.Grad[j] += v
		}
	}
	return MatMul(dout, Transpose(l.W))
}

func (l *Linear) Params() []*Tensor { return []*Tensor{l.W, l.B} }

// ===========================================================================
// COMPOSITES
// ===========================================================================

// Sequential chains layers in order.
type Sequential struct {
	Layers []Layer
}

func NewSequential(layers ...Layer) *Sequential { return &Sequential{Layers: layers} }

func (s *Sequential) Forward(x *Tensor, train bool) *Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x, train)
	}
	return x
}

func (s *Sequential) Backward(dout *Tensor) *Tensor {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		dout = s.Layers[i].Backward(dout)
	}
	return dout
}

func (s *Sequential) Params() []*Tensor {
	var params []*Tensor
	for _, l := range s.Layers {
		params = append(params, l.Params()...)
	}
	return params
}

// BasicBlock is the two-conv residual block used by the smaller ResNets.
// Down, when non-nil, projects the shortcut to the main path's shape.
type BasicBlock struct {
	Conv1 *Conv2d
	BN1   *BatchNorm2d
	Conv2 *Conv2d
	BN2   *BatchNorm2d
	Down  *Sequential

	relu1, relu2 *ReLU
	folded       bool
}

// NewBasicBlock builds a residual block. stride > 1 downsamples in the first
// conv and in the 1x1 projection shortcut.
func NewBasicBlock(inC, outC, stride int) *BasicBlock {
	b := &BasicBlock{
		Conv1: NewConv2d(inC, outC, 3, stride, 1, false),
		BN1:   NewBatchNorm2d(outC),
		Conv2: NewConv2d(outC, outC, 3, 1, 1, false),
		BN2:   NewBatchNorm2d(outC),
		relu1: NewReLU(),
		relu2: NewReLU(),
	}
	if stride != 1 || inC != outC {
		b.Down = NewSequential(
			NewConv2d(inC, outC, 1, stride, 0, false),
			NewBatchNorm2d(outC),
		)
	}
	return b
}

func (b *BasicBlock) Forward(x *Tensor, train bool) *Tensor {
	var main *Tensor
	if b.folded {
		// Batch norms were fused into the convolutions (compile.go).
		main = b.relu1.Forward(b.Conv1.Forward(x, train), train)
		main = b.Conv2.Forward(main, train)
	} else {
		main = b.relu1.Forward(b.BN1.Forward(b.Conv1.Forward(x, train), train), train)
		main = b.BN2.Forward(b.Conv2.Forward(main, train), train)
	}

	shortcut := x
	if b.Down != nil {
		shortcut = b.Down.Forward(x, train)
	}
	return b.relu2.Forward(Add(main, shortcut), train)
}

func (b *BasicBlock) Backward(dout *Tensor) *Tensor {
	if b.folded {
		panic("basicblock: backward through a folded (inference-only) block")
	}
	d := b.relu2.Backward(dout)

	// Gradient splits at the residual add: one copy through the main path,
	// one through the shortcut.
	dmain := b.Conv1.Backward(b.BN1.Backward(b.relu1.Backward(b.Conv2.Backward(b.BN2.Backward(d)))))

	dshort := d
	if b.Down != nil {
		dshort = b.Down.Backward(d)
	}
	return Add(dmain, dshort)
}

func (b *BasicBlock) Params() []*Tensor {
	params := b.Conv1.Params()
	if !b.folded {
		params = append(params, b.BN1.Params()...)
	}
	params = append(params, b.Conv2.Params()...)
	if !b.folded {
		params = append(params, b.BN2.Params()...)
	}
	if b.Down != nil {
		params = append(params, b.Down.Params()...)
	}
	return params
}

// ===========================================================================
// LOSS
// ===========================================================================

// SoftmaxCrossEntropy computes mean cross-entropy over a [N, K] logit batch
// and the gradient w.r.t. the logits, averaged over the batch.
func SoftmaxCrossEntropy(logits *Tensor, targets []int) (float64, *Tensor) {
	n, k := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		panic(fmt.Sprintf("loss: %d targets for batch of %d", len(targets), n))
	}
	dlogits := NewTensor(n, k)
	var total float64
	for i := 0; i < n; i++ {
		row := logits.Data[i*k : (i+1)*k]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxv))
		}
		logSum := math.Log(sum)
		t := targets[i]
		if t < 0 || t >= k {
			panic(fmt.Sprintf("loss: target %d out of range [0,%d)", t, k))
		}
		total += logSum - float64(row[t]-maxv)

		drow := dlogits.Data[i*k : (i+1)*k]
		for j, v := range row {
			p := float32(math.Exp(float64(v-maxv)) / sum)
			drow[j] = p / float32(n)
		}
		drow[t] -= 1 / float32(n)
	}
	return total / float64(n), dlogits
}
