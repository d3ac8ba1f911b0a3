// Package cde summarizes an observed trajectory into a fixed-size condition
// embedding. The reference summarizer integrates a controlled differential
// equation: a natural cubic spline turns the discrete observations into a
// continuous control signal and a learned drift network maps the latent state
// to a matrix that is contracted with the spline derivative,
//
//	z'(t) = h(z(t)) X'(t),    z(t0) = embed(X(t0)).
//
// A simpler recurrent summarizer over the raw observations satisfies the same
// contract; the two are interchangeable behind the Encoder interface.
package cde

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/gonumExtensions"
	"github.com/kosieram21/TrajFlow/nn"
	"github.com/kosieram21/TrajFlow/ode"
	"github.com/kosieram21/TrajFlow/spline"
)

// Encoder is the capability "observed path -> fixed-size embedding". path is
// a (T, C) matrix of dense, equally spaced observations; the embedding has
// the encoder's embedding dimension.
type Encoder interface {
	Embed(path *mat.Dense) (*mat.VecDense, error)
	EmbeddingDim() int
	AddParameters(ps nn.ParamSet, prefix string)
	SetParameters(ps nn.ParamSet, prefix string) error
}

// DriftNetwork is the learned function h mapping a latent state of dimension
// H to an (H, C) matrix, the controlled vector field's linear response to
// the control derivative.
type DriftNetwork struct {
	mlp      *nn.MLP
	hidden   int
	channels int
}

// NewDriftNetwork returns a DriftNetwork for latent dimension hidden driven
// by channels control channels.
func NewDriftNetwork(hidden, channels int, src rand.Source) *DriftNetwork {
	return &DriftNetwork{
		mlp:      nn.NewMLP(hidden, hidden*channels, []int{hidden, hidden}, src),
		hidden:   hidden,
		channels: channels,
	}
}

// Matrix evaluates h(z): the flat network output is squashed with tanh and
// reshaped row-major to (H, C).
func (d *DriftNetwork) Matrix(z mat.Vector) *mat.Dense {
	if z.Len() != d.hidden {
		panic(errors.New("cde: latent state does not match drift network"))
	}
	flat := d.mlp.Forward(z)
	out := mat.NewDense(d.hidden, d.channels, nil)
	for i := 0; i < d.hidden; i++ {
		for j := 0; j < d.channels; j++ {
			out.Set(i, j, math.Tanh(flat.AtVec(i*d.channels+j)))
		}
	}
	return out
}

// AddParameters registers the drift network under prefix.
func (d *DriftNetwork) AddParameters(ps nn.ParamSet, prefix string) {
	d.mlp.AddParameters(ps, prefix+".mlp")
}

// SetParameters restores the drift network from ps.
func (d *DriftNetwork) SetParameters(ps nn.ParamSet, prefix string) error {
	return d.mlp.SetParameters(ps, prefix+".mlp")
}

// controlledField is the CDE vector field f(t, z) = h(z) X'(t).
type controlledField struct {
	control spline.ControlSignal
	drift   *DriftNetwork
}

// Derivative returns the controlled state derivative at time t.
func (f controlledField) Derivative(t float64, state mat.Vector) mat.Vector {
	out := mat.NewVecDense(f.drift.hidden, nil)
	out.MulVec(f.drift.Matrix(state), f.control.Derivative(t))
	return out
}

// CDEEncoder integrates the controlled vector field across the observed time
// range and reads the terminal latent state out through a learned map.
type CDEEncoder struct {
	embed   *nn.MLP
	readout *nn.MLP
	drift   *DriftNetwork

	solver *ode.RungeKutta
	config ode.Config

	channels  int
	embedding int
}

// NewCDEEncoder returns a CDEEncoder consuming channels-dimensional
// observations and producing embedding-dimensional summaries. Integration
// uses Dormand-Prince at the reference 1e-5 tolerance.
func NewCDEEncoder(channels, embedding int, src rand.Source) *CDEEncoder {
	return &CDEEncoder{
		embed:     nn.NewMLP(channels, embedding, []int{embedding, embedding}, src),
		readout:   nn.NewMLP(embedding, embedding, []int{embedding, embedding}, src),
		drift:     NewDriftNetwork(embedding, channels, src),
		solver:    ode.NewDormandPrince(),
		config:    ode.DefaultConfig(),
		channels:  channels,
		embedding: embedding,
	}
}

// EmbeddingDim returns the dimension of the produced embeddings.
func (e *CDEEncoder) EmbeddingDim() int { return e.embedding }

// Embed builds a spline over the observed path on the unit time grid,
// integrates the controlled field from embed(X(0)) to t=1 and returns the
// read-out of the terminal state. The spline and the latent trajectory are
// discarded afterwards.
func (e *CDEEncoder) Embed(path *mat.Dense) (*mat.VecDense, error) {
	steps, channels := path.Dims()
	if channels != e.channels {
		return nil, fmt.Errorf("cde: path has %d channels, encoder expects %d", channels, e.channels)
	}
	if steps < 2 {
		return nil, fmt.Errorf("cde: path needs at least 2 observations to span a time grid, got %d", steps)
	}

	times := gonumExtensions.Linspace(0, 1, steps)
	control, err := spline.NewNaturalCubicSpline(times, path)
	if err != nil {
		return nil, err
	}

	z0 := e.embed.Forward(control.Evaluate(times[0]))
	trajectory, err := e.solver.Integrate(controlledField{control, e.drift}, z0, []float64{times[0], times[steps-1]}, e.config)
	if err != nil {
		return nil, fmt.Errorf("cde: encoding integration failed: %w", err)
	}
	return e.readout.Forward(trajectory[1]), nil
}

// AddParameters registers the encoder's components under prefix.
func (e *CDEEncoder) AddParameters(ps nn.ParamSet, prefix string) {
	e.embed.AddParameters(ps, prefix+".embed")
	e.readout.AddParameters(ps, prefix+".readout")
	e.drift.AddParameters(ps, prefix+".drift")
}

// SetParameters restores the encoder's components from ps.
func (e *CDEEncoder) SetParameters(ps nn.ParamSet, prefix string) error {
	if err := e.embed.SetParameters(ps, prefix+".embed"); err != nil {
		return err
	}
	if err := e.readout.SetParameters(ps, prefix+".readout"); err != nil {
		return err
	}
	return e.drift.SetParameters(ps, prefix+".drift")
}

// GRUEncoder is the recurrent alternative: a stacked GRU over the raw
// observations whose final hidden state is the embedding.
type GRUEncoder struct {
	gru       *nn.GRU
	channels  int
	embedding int
}

// NewGRUEncoder returns a 3-layer GRU encoder, the default summarizer.
func NewGRUEncoder(channels, embedding int, src rand.Source) *GRUEncoder {
	return &GRUEncoder{
		gru:       nn.NewGRU(channels, embedding, 3, src),
		channels:  channels,
		embedding: embedding,
	}
}

// EmbeddingDim returns the dimension of the produced embeddings.
func (e *GRUEncoder) EmbeddingDim() int { return e.embedding }

// Embed runs the GRU stack over the path and returns the last hidden state.
func (e *GRUEncoder) Embed(path *mat.Dense) (*mat.VecDense, error) {
	_, channels := path.Dims()
	if channels != e.channels {
		return nil, fmt.Errorf("cde: path has %d channels, encoder expects %d", channels, e.channels)
	}
	return e.gru.Forward(path), nil
}

// AddParameters registers the GRU under prefix.
func (e *GRUEncoder) AddParameters(ps nn.ParamSet, prefix string) {
	e.gru.AddParameters(ps, prefix+".gru")
}

// SetParameters restores the GRU from ps.
func (e *GRUEncoder) SetParameters(ps nn.ParamSet, prefix string) error {
	return e.gru.SetParameters(ps, prefix+".gru")
}
