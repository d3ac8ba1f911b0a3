// Package nn holds the learned function families the flow machinery is built
// from: affine layers, layer normalization and softplus stacks, plus a small
// stacked GRU. Every building block exposes both its forward map and the
// exact gradient of that map with respect to its input (a vector-Jacobian
// product), so exact Jacobian traces can be accumulated by explicit
// reverse-mode sweeps without a tape framework. Parameters serialize through
// a flat named ParamSet keyed by component path.
package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Linear is the affine map y = W x + b.
type Linear struct {
	Weight *mat.Dense
	Bias   *mat.VecDense
}

// NewLinear returns a Linear with weights and biases drawn uniformly from
// [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int, src rand.Source) *Linear {
	rnd := rand.New(src)
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = bound * (2*rnd.Float64() - 1)
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = bound * (2*rnd.Float64() - 1)
	}
	return &Linear{Weight: mat.NewDense(out, in, w), Bias: mat.NewVecDense(out, b)}
}

// In returns the input dimension of the layer.
func (l *Linear) In() int {
	_, in := l.Weight.Dims()
	return in
}

// Out returns the output dimension of the layer.
func (l *Linear) Out() int {
	out, _ := l.Weight.Dims()
	return out
}

// Forward computes W x + b.
func (l *Linear) Forward(x mat.Vector) *mat.VecDense {
	out := mat.NewVecDense(l.Out(), nil)
	out.MulVec(l.Weight, x)
	out.AddVec(out, l.Bias)
	return out
}

// InputGradient maps a gradient with respect to the output to the gradient
// with respect to the input, W^T grad.
func (l *Linear) InputGradient(grad mat.Vector) *mat.VecDense {
	out := mat.NewVecDense(l.In(), nil)
	out.MulVec(l.Weight.T(), grad)
	return out
}

// AddParameters registers the layer's parameters under prefix.
func (l *Linear) AddParameters(ps ParamSet, prefix string) {
	ps.Put(prefix+".weight", l.Weight)
	ps.Put(prefix+".bias", l.Bias)
}

// SetParameters restores the layer's parameters from ps.
func (l *Linear) SetParameters(ps ParamSet, prefix string) error {
	if err := ps.Fill(prefix+".weight", l.Weight); err != nil {
		return err
	}
	return ps.FillVec(prefix+".bias", l.Bias)
}

// LayerNorm normalizes a vector to zero mean and unit variance and applies a
// learned elementwise affine map.
type LayerNorm struct {
	Gain   *mat.VecDense
	Offset *mat.VecDense
	eps    float64
}

// NewLayerNorm returns a LayerNorm over dim features with unit gain and zero
// offset.
func NewLayerNorm(dim int) *LayerNorm {
	gain := mat.NewVecDense(dim, nil)
	for i := 0; i < dim; i++ {
		gain.SetVec(i, 1)
	}
	return &LayerNorm{Gain: gain, Offset: mat.NewVecDense(dim, nil), eps: 1e-5}
}

func (ln *LayerNorm) moments(x mat.Vector) (mean, sigma float64) {
	n := x.Len()
	for i := 0; i < n; i++ {
		mean += x.AtVec(i)
	}
	mean /= float64(n)
	var variance float64
	for i := 0; i < n; i++ {
		d := x.AtVec(i) - mean
		variance += d * d
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance + ln.eps)
}

// Forward computes gain * (x - mean) / sigma + offset.
func (ln *LayerNorm) Forward(x mat.Vector) *mat.VecDense {
	mean, sigma := ln.moments(x)
	n := x.Len()
	out := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetVec(i, ln.Gain.AtVec(i)*(x.AtVec(i)-mean)/sigma+ln.Offset.AtVec(i))
	}
	return out
}

// InputGradient computes the exact gradient with respect to x given the
// gradient with respect to the output. x must be the same vector that
// produced the output; the moments are recomputed from it so the layer stays
// stateless and safe to share across concurrent sweeps.
func (ln *LayerNorm) InputGradient(x, grad mat.Vector) *mat.VecDense {
	mean, sigma := ln.moments(x)
	n := x.Len()

	// g = grad * gain, in normalized coordinates xhat = (x - mean) / sigma:
	// dx = (g - mean(g) - xhat * mean(g * xhat)) / sigma
	var meanG, meanGXhat float64
	xhat := make([]float64, n)
	g := make([]float64, n)
	for i := 0; i < n; i++ {
		xhat[i] = (x.AtVec(i) - mean) / sigma
		g[i] = grad.AtVec(i) * ln.Gain.AtVec(i)
		meanG += g[i]
		meanGXhat += g[i] * xhat[i]
	}
	meanG /= float64(n)
	meanGXhat /= float64(n)

	out := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetVec(i, (g[i]-meanG-xhat[i]*meanGXhat)/sigma)
	}
	return out
}

// AddParameters registers the layer's parameters under prefix.
func (ln *LayerNorm) AddParameters(ps ParamSet, prefix string) {
	ps.Put(prefix+".gain", ln.Gain)
	ps.Put(prefix+".offset", ln.Offset)
}

// SetParameters restores the layer's parameters from ps.
func (ln *LayerNorm) SetParameters(ps ParamSet, prefix string) error {
	if err := ps.FillVec(prefix+".gain", ln.Gain); err != nil {
		return err
	}
	return ps.FillVec(prefix+".offset", ln.Offset)
}

// Softplus is log(1 + e^x) with the usual large-argument shortcut.
func Softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// Sigmoid is the derivative of Softplus.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// SoftplusVec applies Softplus elementwise.
func SoftplusVec(x mat.Vector) *mat.VecDense {
	out := mat.NewVecDense(x.Len(), nil)
	for i := 0; i < x.Len(); i++ {
		out.SetVec(i, Softplus(x.AtVec(i)))
	}
	return out
}

// SoftplusGradient maps a gradient through y = Softplus(x): grad * sigmoid(x).
func SoftplusGradient(x, grad mat.Vector) *mat.VecDense {
	out := mat.NewVecDense(x.Len(), nil)
	for i := 0; i < x.Len(); i++ {
		out.SetVec(i, grad.AtVec(i)*Sigmoid(x.AtVec(i)))
	}
	return out
}

// MLP is a stack of Linear layers with LayerNorm and softplus between every
// pair, matching the feed-forward family used by both the controlled drift
// and the encoder read-outs: the final layer is purely affine.
type MLP struct {
	Linears []*Linear
	Norms   []*LayerNorm
}

// NewMLP builds an MLP mapping in -> hidden... -> out.
func NewMLP(in, out int, hidden []int, src rand.Source) *MLP {
	dims := append([]int{in}, hidden...)
	dims = append(dims, out)
	m := &MLP{}
	for i := 0; i+1 < len(dims); i++ {
		m.Linears = append(m.Linears, NewLinear(dims[i], dims[i+1], src))
		if i+2 < len(dims) {
			m.Norms = append(m.Norms, NewLayerNorm(dims[i+1]))
		}
	}
	return m
}

// In returns the input dimension of the stack.
func (m *MLP) In() int { return m.Linears[0].In() }

// Out returns the output dimension of the stack.
func (m *MLP) Out() int { return m.Linears[len(m.Linears)-1].Out() }

// Forward evaluates the stack.
func (m *MLP) Forward(x mat.Vector) *mat.VecDense {
	out, _ := m.forward(x, false)
	return out
}

// Tape records the intermediate values of one MLP forward pass so an exact
// reverse-mode sweep can be replayed against it.
type Tape struct {
	// pre[i] is the output of Linears[i]; normOut[i] its normalized value
	// (absent for the final layer).
	pre     []*mat.VecDense
	normOut []*mat.VecDense
}

// ForwardTape evaluates the stack and returns the tape of intermediates.
func (m *MLP) ForwardTape(x mat.Vector) (*mat.VecDense, *Tape) {
	out, tape := m.forward(x, true)
	return out, tape
}

func (m *MLP) forward(x mat.Vector, record bool) (*mat.VecDense, *Tape) {
	var tape *Tape
	if record {
		tape = &Tape{}
	}
	act := mat.Vector(x)
	for i, lin := range m.Linears {
		pre := lin.Forward(act)
		if record {
			tape.pre = append(tape.pre, pre)
		}
		if i < len(m.Norms) {
			normed := m.Norms[i].Forward(pre)
			if record {
				tape.normOut = append(tape.normOut, normed)
			}
			act = SoftplusVec(normed)
		} else {
			act = pre
		}
	}
	return act.(*mat.VecDense), tape
}

// InputGradient runs a reverse-mode sweep over a recorded tape, mapping a
// gradient with respect to the stack output to the gradient with respect to
// the stack input.
func (m *MLP) InputGradient(tape *Tape, grad mat.Vector) *mat.VecDense {
	if len(tape.pre) != len(m.Linears) {
		panic(fmt.Errorf("nn: tape with %d entries for %d layers", len(tape.pre), len(m.Linears)))
	}
	g := mat.Vector(grad)
	for i := len(m.Linears) - 1; i >= 0; i-- {
		if i < len(m.Norms) {
			g = SoftplusGradient(tape.normOut[i], g)
			g = m.Norms[i].InputGradient(tape.pre[i], g)
		}
		g = m.Linears[i].InputGradient(g)
	}
	return g.(*mat.VecDense)
}

// AddParameters registers every layer under prefix.
func (m *MLP) AddParameters(ps ParamSet, prefix string) {
	for i, lin := range m.Linears {
		lin.AddParameters(ps, fmt.Sprintf("%s.linear%d", prefix, i))
	}
	for i, norm := range m.Norms {
		norm.AddParameters(ps, fmt.Sprintf("%s.norm%d", prefix, i))
	}
}

// SetParameters restores every layer from ps.
func (m *MLP) SetParameters(ps ParamSet, prefix string) error {
	for i, lin := range m.Linears {
		if err := lin.SetParameters(ps, fmt.Sprintf("%s.linear%d", prefix, i)); err != nil {
			return err
		}
	}
	for i, norm := range m.Norms {
		if err := norm.SetParameters(ps, fmt.Sprintf("%s.norm%d", prefix, i)); err != nil {
			return err
		}
	}
	return nil
}
