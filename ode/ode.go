// Package ode is an ordinary differential equation library that implements
// embedded Runge-Kutta methods with adaptive step-size control,
// https://en.wikipedia.org/wiki/Runge–Kutta_methods. The package integrates
// any vector field exposing a Derivative method, forward or backward in time,
// and reports numerical degeneracy (step-budget exhaustion, non-finite
// states) as distinguishable errors instead of truncating silently.
package ode

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/gonumExtensions"
)

// VectorField is the right-hand side of x'(t) = f(t, x(t)).
type VectorField interface {
	Derivative(t float64, state mat.Vector) mat.Vector
}

// Sentinel errors for numerical degeneracy. Both typically indicate an
// unstable vector field; the integration is aborted and the caller decides
// on retry policy.
var (
	ErrMaxSteps  = errors.New("ode: maximum number of steps exceeded")
	ErrNotFinite = errors.New("ode: state is no longer finite")
)

// Config bounds an adaptive integration. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	// Per-step error tolerances. The local error estimate is compared
	// against AbsoluteTolerance + RelativeTolerance * |state|.
	AbsoluteTolerance float64
	RelativeTolerance float64
	// InitialStep, if > 0, is the magnitude of the first trial step.
	// Otherwise 1/100 of the integration span is used.
	InitialStep float64
	// MaxSteps caps the total number of trial steps, accepted or rejected.
	MaxSteps int
}

// DefaultConfig returns the reference configuration: 1e-5 absolute and
// relative tolerance with a 10000 step budget.
func DefaultConfig() Config {
	return Config{
		AbsoluteTolerance: 1e-5,
		RelativeTolerance: 1e-5,
		MaxSteps:          10000,
	}
}

// RungeKutta holds the butcherTableau which describes the Runge Kutta method.
type RungeKutta struct {
	Description butcherTableau
}

// butcherTableau which describes the approximate solution, see
// https://en.wikipedia.org/wiki/Runge–Kutta_methods. Adaptive integration
// requires an embedded pair: weights[0] is the higher-order solution,
// weights[1] the lower-order one used for the error estimate.
type butcherTableau struct {
	stages           int
	order            float64
	weights          [][]float64
	nodes            []float64
	rungeKuttaMatrix [][]float64
}

// NewDormandPrince returns the Dormand-Prince 5(4) embedded pair, the
// reference method for every integration in this repository,
// https://en.wikipedia.org/wiki/Dormand–Prince_method.
func NewDormandPrince() *RungeKutta {
	var temp butcherTableau
	temp.stages = 7
	temp.order = 5
	temp.nodes = []float64{0, 1. / 5., 3. / 10., 4. / 5., 8. / 9., 1., 1.}
	temp.weights = [][]float64{
		{35. / 384., 0, 500. / 1113., 125. / 192., -2187. / 6784., 11. / 84., 0},
		{5179. / 57600., 0, 7571. / 16695., 393. / 640., -92097. / 339200., 187. / 2100., 1. / 40.},
	}
	temp.rungeKuttaMatrix = [][]float64{
		nil,
		{1. / 5.},
		{3. / 40., 9. / 40.},
		{44. / 45., -56. / 15., 32. / 9.},
		{19372. / 6561., -25360. / 2187., 64448. / 6561., -212. / 729.},
		{9017. / 3168., -355. / 33., 46732. / 5247., 49. / 176., -5103. / 18656.},
		{35. / 384., 0, 500. / 1113., 125. / 192., -2187. / 6784., 11. / 84.},
	}
	return &RungeKutta{temp}
}

// NewFehlberg45 implements https://en.wikipedia.org/wiki/Runge%E2%80%93Kutta%E2%80%93Fehlberg_method
func NewFehlberg45() *RungeKutta {
	var temp butcherTableau
	temp.stages = 6
	temp.order = 5
	temp.nodes = []float64{0, 1. / 4., 3. / 8., 12. / 13., 1., 1. / 2.}
	temp.weights = [][]float64{
		{16. / 135., 0, 6656. / 12825., 28561. / 56430., -9. / 50., 2. / 55.},
		{25. / 216., 0, 1408. / 2565., 2197. / 4104., -1. / 5., 0},
	}
	temp.rungeKuttaMatrix = [][]float64{
		nil,
		{1. / 4.},
		{3. / 32., 9. / 32.},
		{1932. / 2197., -7200. / 2197., 7296. / 2197.},
		{439. / 216., -8., 3680. / 513., -845. / 4104.},
		{-8. / 27., 2, -3544. / 2565., 1859. / 4104., -11. / 40.},
	}
	return &RungeKutta{temp}
}

// step performs one trial step of size h from (t, state) and returns the
// higher-order solution together with the embedded error estimate.
func (rk RungeKutta) step(field VectorField, t, h float64, state *mat.VecDense) (next, errVec *mat.VecDense) {
	m := state.Len()
	k := make([]mat.Vector, rk.Description.stages)
	var tempV mat.VecDense
	for index := range k {
		tempV.CloneFromVec(state)
		// Combine previously computed derivative points according to the
		// Butcher tableau.
		for index2, a := range rk.Description.rungeKuttaMatrix[index] {
			tempV.AddScaledVec(&tempV, h*a, k[index2])
		}
		k[index] = field.Derivative(t+h*rk.Description.nodes[index], &tempV)
	}

	next = mat.NewVecDense(m, nil)
	next.CloneFromVec(state)
	errVec = mat.NewVecDense(m, nil)
	// Sum up the different contributions with relevant weights.
	for index, ki := range k {
		next.AddScaledVec(next, h*rk.Description.weights[0][index], ki)
		errVec.AddScaledVec(errVec, h*(rk.Description.weights[0][index]-rk.Description.weights[1][index]), ki)
	}
	return next, errVec
}

// errorNorm is the scaled RMS of the local error estimate: a value <= 1 means
// the step satisfies the tolerances.
func errorNorm(errVec, state, next *mat.VecDense, cfg Config) float64 {
	m := errVec.Len()
	var sum float64
	for i := 0; i < m; i++ {
		scale := cfg.AbsoluteTolerance +
			cfg.RelativeTolerance*math.Max(math.Abs(state.AtVec(i)), math.Abs(next.AtVec(i)))
		e := errVec.AtVec(i) / scale
		sum += e * e
	}
	return math.Sqrt(sum / float64(m))
}

// Integrate advances initial through every interval of times, which must be
// strictly monotone (increasing or decreasing; decreasing times integrate the
// field backwards). The returned trajectory holds one state per entry of
// times, the first being a copy of initial. Integration aborts with
// ErrMaxSteps when the step budget is exhausted and with ErrNotFinite when
// the state picks up a NaN or Inf.
func (rk RungeKutta) Integrate(field VectorField, initial mat.Vector, times []float64, cfg Config) ([]*mat.VecDense, error) {
	if len(rk.Description.weights) != 2 {
		panic(errors.New("ode: adaptive integration requires an embedded tableau"))
	}
	if len(times) < 2 {
		return nil, fmt.Errorf("ode: need at least 2 time points, got %d", len(times))
	}
	direction := 1.
	if times[len(times)-1] < times[0] {
		direction = -1.
	}
	for i := 1; i < len(times); i++ {
		if direction*(times[i]-times[i-1]) <= 0 {
			return nil, fmt.Errorf("ode: time points must be strictly monotone, times[%d]=%v, times[%d]=%v",
				i-1, times[i-1], i, times[i])
		}
	}

	span := math.Abs(times[len(times)-1] - times[0])
	h := cfg.InitialStep
	if h <= 0 {
		h = span / 100
	}
	h *= direction

	state := mat.NewVecDense(initial.Len(), nil)
	state.CloneFromVec(initial)
	trajectory := make([]*mat.VecDense, 0, len(times))
	first := mat.NewVecDense(initial.Len(), nil)
	first.CloneFromVec(initial)
	trajectory = append(trajectory, first)

	steps := 0
	tnow := times[0]
	for _, target := range times[1:] {
		for direction*(target-tnow) > 0 {
			if steps >= cfg.MaxSteps {
				return nil, fmt.Errorf("%w after %d steps at t=%v", ErrMaxSteps, steps, tnow)
			}
			steps++

			// Never overshoot the next requested time point; a step that
			// lands on it snaps exactly to avoid floating-point residue.
			lastStep := false
			if direction*(tnow+h-target) >= 0 {
				h = target - tnow
				lastStep = true
			}

			next, errVec := rk.step(field, tnow, h, state)
			norm := errorNorm(errVec, state, next, cfg)
			if math.IsNaN(norm) {
				return nil, fmt.Errorf("%w: error estimate is NaN at t=%v", ErrNotFinite, tnow)
			}

			// Standard step-size controller: safety factor 0.9, growth
			// clamped to [0.2, 5].
			factor := 5.
			if norm > 0 {
				factor = 0.9 * math.Pow(norm, -1/rk.Description.order)
				factor = math.Min(5, math.Max(0.2, factor))
			}

			if norm <= 1 {
				if lastStep {
					tnow = target
				} else {
					tnow += h
				}
				state = next
				if gonumExtensions.NANORINF(state) {
					return nil, fmt.Errorf("%w at t=%v", ErrNotFinite, tnow)
				}
			}
			h *= factor
			if math.Abs(h) < span*1e-14 {
				return nil, fmt.Errorf("%w: step size underflow at t=%v", ErrMaxSteps, tnow)
			}
		}
		point := mat.NewVecDense(state.Len(), nil)
		point.CloneFromVec(state)
		trajectory = append(trajectory, point)
	}
	return trajectory, nil
}
