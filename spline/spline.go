// Package spline turns a discretely sampled control path into a continuous,
// differentiable signal. The interpolant is the natural cubic spline: a
// piecewise cubic with continuous first and second derivatives and zero
// second derivative at both endpoints. Its derivative is what drives a
// controlled differential equation, so the package exposes Evaluate,
// Derivative and SecondDerivative at arbitrary times, including beyond the
// sampled range (the boundary segment extrapolates).
package spline

import (
	"fmt"

	"github.com/kosieram21/TrajFlow/tridiag"
	"gonum.org/v1/gonum/mat"
)

// ControlSignal is a continuous vector-valued function of time together with
// its first derivative. It is the contract a controlled vector field needs
// from its driving path.
type ControlSignal interface {
	Evaluate(t float64) mat.Vector
	Derivative(t float64) mat.Vector
}

// NaturalCubicSpline interpolates an (N, C) control path sampled at strictly
// increasing times. The per-segment coefficients are stored premultiplied as
// (a, b, 2c, 3d) since the derivative is evaluated far more often than the
// value. Immutable once constructed.
type NaturalCubicSpline struct {
	times []float64
	// One row per segment, (N-1, C) each.
	a, b, twoC, threeD *mat.Dense
}

// NewNaturalCubicSpline fits a natural cubic spline to values sampled at
// times. values must be an (N, C) matrix with N == len(times) >= 2 and times
// strictly increasing; anything else is a construction error. For N == 2 the
// interpolant degenerates to a single linear segment.
func NewNaturalCubicSpline(times []float64, values *mat.Dense) (*NaturalCubicSpline, error) {
	n, c := values.Dims()
	if len(times) != n {
		return nil, fmt.Errorf("spline: %d times for %d path samples", len(times), n)
	}
	if n < 2 {
		return nil, fmt.Errorf("spline: control path must have at least 2 samples, got %d", n)
	}
	for i := 1; i < n; i++ {
		if times[i] <= times[i-1] {
			return nil, fmt.Errorf("spline: times must be strictly increasing, times[%d]=%v >= times[%d]=%v",
				i-1, times[i-1], i, times[i])
		}
	}

	s := &NaturalCubicSpline{times: append([]float64(nil), times...)}

	if n == 2 {
		s.a = mat.NewDense(1, c, nil)
		s.b = mat.NewDense(1, c, nil)
		s.twoC = mat.NewDense(1, c, nil)
		s.threeD = mat.NewDense(1, c, nil)
		dt := times[1] - times[0]
		for col := 0; col < c; col++ {
			s.a.Set(0, col, values.At(0, col))
			s.b.Set(0, col, (values.At(1, col)-values.At(0, col))/dt)
		}
		return s, nil
	}

	// Per-segment time deltas and their reciprocals.
	recip := make([]float64, n-1)
	recipSq := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		recip[i] = 1 / (times[i+1] - times[i])
		recipSq[i] = recip[i] * recip[i]
	}

	// The knot derivatives k solve the tridiagonal system with diagonal
	// 2(1/dt_{i-1} + 1/dt_i) (boundary terms zero), off-diagonals 1/dt and
	// right-hand side 3*dv/dt^2 summed over the segments adjacent to each
	// knot. Strictly increasing times make the system diagonally dominant,
	// hence non-singular.
	diagonal := make([]float64, n)
	for i := 0; i < n-1; i++ {
		diagonal[i] += recip[i]
		diagonal[i+1] += recip[i]
	}
	for i := range diagonal {
		diagonal[i] *= 2
	}
	rhs := mat.NewDense(n, c, nil)
	for i := 0; i < n-1; i++ {
		for col := 0; col < c; col++ {
			scaled := 3 * (values.At(i+1, col) - values.At(i, col)) * recipSq[i]
			rhs.Set(i, col, rhs.At(i, col)+scaled)
			rhs.Set(i+1, col, rhs.At(i+1, col)+scaled)
		}
	}
	knotDerivatives := tridiag.Solve(recip, diagonal, recip, rhs)

	// Segment coefficients from the knot derivatives:
	//   a    = v_i
	//   b    = k_i
	//   2c   = (6 dv/dt - 4 k_i - 2 k_{i+1}) / dt
	//   3d   = (-6 dv/dt + 3 (k_i + k_{i+1})) / dt^2
	s.a = mat.NewDense(n-1, c, nil)
	s.b = mat.NewDense(n-1, c, nil)
	s.twoC = mat.NewDense(n-1, c, nil)
	s.threeD = mat.NewDense(n-1, c, nil)
	for i := 0; i < n-1; i++ {
		for col := 0; col < c; col++ {
			dv := values.At(i+1, col) - values.At(i, col)
			ki := knotDerivatives.At(i, col)
			kn := knotDerivatives.At(i+1, col)
			s.a.Set(i, col, values.At(i, col))
			s.b.Set(i, col, ki)
			s.twoC.Set(i, col, (6*dv*recip[i]-4*ki-2*kn)*recip[i])
			s.threeD.Set(i, col, (-6*dv*recip[i]+3*(ki+kn))*recipSq[i])
		}
	}
	return s, nil
}

// Channels returns the channel count C of the interpolated path.
func (s *NaturalCubicSpline) Channels() int {
	_, c := s.a.Dims()
	return c
}

// segment locates the piece covering t as count(times <= t) - 1, clamped to
// [0, N-2]. Times outside the sampled range select the boundary segment, so
// extrapolation reuses the first or last cubic.
func (s *NaturalCubicSpline) segment(t float64) (int, float64) {
	index := -1
	for _, knot := range s.times {
		if knot <= t {
			index++
		}
	}
	if index < 0 {
		index = 0
	}
	if max := len(s.times) - 2; index > max {
		index = max
	}
	return index, t - s.times[index]
}

// Evaluate returns the length-C spline value at t via Horner evaluation of
// the segment cubic.
func (s *NaturalCubicSpline) Evaluate(t float64) mat.Vector {
	index, frac := s.segment(t)
	_, c := s.a.Dims()
	out := mat.NewVecDense(c, nil)
	for col := 0; col < c; col++ {
		inner := 0.5*s.twoC.At(index, col) + s.threeD.At(index, col)*frac/3
		inner = s.b.At(index, col) + inner*frac
		out.SetVec(col, s.a.At(index, col)+inner*frac)
	}
	return out
}

// Derivative returns the length-C first derivative of the spline at t.
func (s *NaturalCubicSpline) Derivative(t float64) mat.Vector {
	index, frac := s.segment(t)
	_, c := s.a.Dims()
	out := mat.NewVecDense(c, nil)
	for col := 0; col < c; col++ {
		inner := s.twoC.At(index, col) + s.threeD.At(index, col)*frac
		out.SetVec(col, s.b.At(index, col)+inner*frac)
	}
	return out
}

// SecondDerivative returns the length-C second derivative of the spline at t.
// At the first and last knot it is zero up to solver round-off; that is the
// natural boundary condition.
func (s *NaturalCubicSpline) SecondDerivative(t float64) mat.Vector {
	index, frac := s.segment(t)
	_, c := s.a.Dims()
	out := mat.NewVecDense(c, nil)
	for col := 0; col < c; col++ {
		out.SetVec(col, s.twoC.At(index, col)+2*s.threeD.At(index, col)*frac)
	}
	return out
}
