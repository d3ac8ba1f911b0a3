package ode

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/gonumExtensions"
)

// fieldFunc adapts a plain function to the VectorField interface.
type fieldFunc func(t float64, state mat.Vector) mat.Vector

func (f fieldFunc) Derivative(t float64, state mat.Vector) mat.Vector {
	return f(t, state)
}

func decay(_ float64, state mat.Vector) mat.Vector {
	out := mat.NewVecDense(state.Len(), nil)
	out.ScaleVec(-1, state)
	return out
}

func TestDormandPrinceStages(t *testing.T) {
	rk := NewDormandPrince()
	require.Equal(t, 7, rk.Description.stages)
	// The last stage row equals the fifth-order weights (first-same-as-last
	// property of the pair).
	require.Equal(t, rk.Description.rungeKuttaMatrix[6], rk.Description.weights[0][:6])
}

func TestExponentialDecay(t *testing.T) {
	rk := NewDormandPrince()
	initial := mat.NewVecDense(1, []float64{1})
	trajectory, err := rk.Integrate(fieldFunc(decay), initial, []float64{0, 1}, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, trajectory, 2)
	require.InDelta(t, math.Exp(-1), trajectory[1].AtVec(0), 1e-5)
	// The initial state must be returned untouched as the first point.
	require.Equal(t, 1.0, trajectory[0].AtVec(0))
}

func TestHarmonicOscillator(t *testing.T) {
	// x'' = -x as a 2d system; solution (cos t, -sin t) from (1, 0).
	field := fieldFunc(func(_ float64, state mat.Vector) mat.Vector {
		return mat.NewVecDense(2, []float64{state.AtVec(1), -state.AtVec(0)})
	})
	times := gonumExtensions.Linspace(0, 2*math.Pi, 5)
	initial := mat.NewVecDense(2, []float64{1, 0})

	for _, rk := range []*RungeKutta{NewDormandPrince(), NewFehlberg45()} {
		trajectory, err := rk.Integrate(field, initial, times, DefaultConfig())
		require.NoError(t, err)
		for i, tt := range times {
			require.InDelta(t, math.Cos(tt), trajectory[i].AtVec(0), 1e-4, "cos at %v", tt)
			require.InDelta(t, -math.Sin(tt), trajectory[i].AtVec(1), 1e-4, "sin at %v", tt)
		}
	}
}

func TestBackwardIntegrationInverts(t *testing.T) {
	// Integrating 0 -> 1 and then 1 -> 0 must recover the initial state
	// within solver tolerance.
	rk := NewDormandPrince()
	field := fieldFunc(func(t float64, state mat.Vector) mat.Vector {
		out := mat.NewVecDense(state.Len(), nil)
		for i := 0; i < state.Len(); i++ {
			out.SetVec(i, math.Sin(3*t)-0.5*state.AtVec(i))
		}
		return out
	})
	initial := mat.NewVecDense(3, []float64{0.3, -1.2, 2})

	forward, err := rk.Integrate(field, initial, []float64{0, 1}, DefaultConfig())
	require.NoError(t, err)
	backward, err := rk.Integrate(field, forward[1], []float64{1, 0}, DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < initial.Len(); i++ {
		require.InDelta(t, initial.AtVec(i), backward[1].AtVec(i), 1e-4)
	}
}

func TestMaxStepsExceeded(t *testing.T) {
	rk := NewDormandPrince()
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.AbsoluteTolerance = 1e-12
	cfg.RelativeTolerance = 1e-12

	field := fieldFunc(func(t float64, state mat.Vector) mat.Vector {
		out := mat.NewVecDense(state.Len(), nil)
		for i := 0; i < state.Len(); i++ {
			out.SetVec(i, math.Cos(50*t))
		}
		return out
	})
	_, err := rk.Integrate(field, mat.NewVecDense(1, []float64{0}), []float64{0, 10}, cfg)
	require.ErrorIs(t, err, ErrMaxSteps)
}

func TestNotFiniteState(t *testing.T) {
	rk := NewDormandPrince()
	field := fieldFunc(func(_ float64, state mat.Vector) mat.Vector {
		return mat.NewVecDense(1, []float64{math.NaN()})
	})
	_, err := rk.Integrate(field, mat.NewVecDense(1, []float64{1}), []float64{0, 1}, DefaultConfig())
	require.ErrorIs(t, err, ErrNotFinite)
}

func TestRejectsNonMonotoneTimes(t *testing.T) {
	rk := NewDormandPrince()
	_, err := rk.Integrate(fieldFunc(decay), mat.NewVecDense(1, []float64{1}), []float64{0, 1, 0.5}, DefaultConfig())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMaxSteps))

	_, err = rk.Integrate(fieldFunc(decay), mat.NewVecDense(1, []float64{1}), []float64{0}, DefaultConfig())
	require.Error(t, err)
}
