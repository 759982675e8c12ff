package main

import "math"

// ===========================================================================
// OPTIMIZATION
// ===========================================================================
//
// SGD with momentum and weight decay, the standard recipe for ImageNet-style
// classifiers, plus the step learning-rate schedule (decay 10x every 30
// epochs). The Optimizer interface leaves room for swapping in Adam-family
// optimizers without touching the training loop.
//
// ===========================================================================

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step performs one update with the given learning rate.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad(params []*Tensor)
}

var _ Optimizer = (*SGDOptimizer)(nil)

// SGDOptimizer implements stochastic gradient descent with classical
// momentum and decoupled-from-nothing L2 weight decay folded into the
// gradient, matching the reference recipe.
type SGDOptimizer struct {
	Momentum    float64
	WeightDecay float64

	velocity [][]float32
}

// NewSGDOptimizer creates an SGD optimizer. Momentum buffers are allocated
// lazily on the first step.
func NewSGDOptimizer(momentum, weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{Momentum: momentum, WeightDecay: weightDecay}
}

// Step applies v = mu*v + (grad + wd*param); param -= lr * v.
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	if opt.velocity == nil {
		opt.velocity = make([][]float32, len(params))
		for i, p := range params {
			opt.velocity[i] = make([]float32, len(p.Data))
		}
	}
	mu := float32(opt.Momentum)
	wd := float32(opt.WeightDecay)
	step := float32(lr)
	for i, p := range params {
		v := opt.velocity[i]
		for j := range p.Data {
			g := p.Grad[j] + wd*p.Data[j]
			v[j] = mu*v[j] + g
			p.Data[j] -= step * v[j]
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// MomentumBuffers exposes the velocity state for checkpointing. May be nil
// before the first step.
func (opt *SGDOptimizer) MomentumBuffers() [][]float32 { return opt.velocity }

// SetMomentumBuffers restores velocity state from a checkpoint.
func (opt *SGDOptimizer) SetMomentumBuffers(buffers [][]float32) {
	opt.velocity = buffers
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	BaseLR   float64
	StepSize int
	Gamma    float64
}

// NewStepLR returns the classic 30-epoch, 10x-decay schedule when called
// with stepSize 30 and gamma 0.1.
func NewStepLR(baseLR float64, stepSize int, gamma float64) *StepLR {
	return &StepLR{BaseLR: baseLR, StepSize: stepSize, Gamma: gamma}
}

// LR returns the learning rate for a zero-based epoch index.
func (s *StepLR) LR(epoch int) float64 {
	if s.StepSize <= 0 {
		return s.BaseLR
	}
	return s.BaseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
