package spline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/gonumExtensions"
)

func TestConstructionErrors(t *testing.T) {
	_, err := NewNaturalCubicSpline([]float64{0}, mat.NewDense(1, 1, []float64{1}))
	require.Error(t, err, "single sample")

	_, err = NewNaturalCubicSpline([]float64{0, 1, 1}, mat.NewDense(3, 1, []float64{1, 2, 3}))
	require.Error(t, err, "non-increasing times")

	_, err = NewNaturalCubicSpline([]float64{0, 1}, mat.NewDense(3, 1, []float64{1, 2, 3}))
	require.Error(t, err, "time/sample count mismatch")
}

func TestTwoPointLinearSegment(t *testing.T) {
	// A 2-sample path [(0,0),(1,1)] must interpolate linearly: value 0.5 at
	// t=0.5 and constant unit derivative everywhere, including extrapolated t.
	s, err := NewNaturalCubicSpline([]float64{0, 1}, mat.NewDense(2, 1, []float64{0, 1}))
	require.NoError(t, err)

	require.InDelta(t, 0.5, s.Evaluate(0.5).AtVec(0), 1e-12)
	for _, tt := range []float64{-1, 0, 0.25, 0.9, 1, 2.5} {
		require.InDelta(t, 1.0, s.Derivative(tt).AtVec(0), 1e-12, "derivative at %v", tt)
		require.InDelta(t, 0.0, s.SecondDerivative(tt).AtVec(0), 1e-12)
	}
}

func TestInterpolationExactness(t *testing.T) {
	times := []float64{0, 0.3, 0.7, 1.4, 2, 2.1}
	values := mat.NewDense(6, 2, []float64{
		0, 1,
		0.5, -0.2,
		-1, 3,
		2, 2,
		0.1, -1.5,
		4, 0,
	})
	s, err := NewNaturalCubicSpline(times, values)
	require.NoError(t, err)

	for i, knot := range times {
		got := s.Evaluate(knot)
		for col := 0; col < 2; col++ {
			require.InDelta(t, values.At(i, col), got.AtVec(col), 1e-9,
				"knot %d channel %d", i, col)
		}
	}
}

func TestNaturalBoundary(t *testing.T) {
	times := gonumExtensions.Linspace(0, 1, 8)
	values := mat.NewDense(8, 1, nil)
	for i, tt := range times {
		values.Set(i, 0, math.Sin(5*tt)+tt*tt)
	}
	s, err := NewNaturalCubicSpline(times, values)
	require.NoError(t, err)

	require.InDelta(t, 0, s.SecondDerivative(times[0]).AtVec(0), 1e-8)
	require.InDelta(t, 0, s.SecondDerivative(times[len(times)-1]).AtVec(0), 1e-8)
}

func TestContinuityAtInteriorKnots(t *testing.T) {
	// Value and first derivative must agree when an interior knot is reached
	// from either segment.
	times := []float64{0, 1, 2.5, 3, 4.2}
	values := mat.NewDense(5, 1, []float64{0, 2, -1, 0.5, 3})
	s, err := NewNaturalCubicSpline(times, values)
	require.NoError(t, err)

	const eps = 1e-7
	for _, knot := range times[1 : len(times)-1] {
		left := s.Evaluate(knot - eps).AtVec(0)
		right := s.Evaluate(knot + eps).AtVec(0)
		require.InDelta(t, left, right, 1e-5, "value jump at %v", knot)

		dLeft := s.Derivative(knot - eps).AtVec(0)
		dRight := s.Derivative(knot + eps).AtVec(0)
		require.InDelta(t, dLeft, dRight, 1e-4, "derivative jump at %v", knot)
	}
}

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	times := gonumExtensions.Linspace(0, 2, 6)
	values := mat.NewDense(6, 1, nil)
	for i, tt := range times {
		values.Set(i, 0, math.Exp(-tt)*math.Cos(3*tt))
	}
	s, err := NewNaturalCubicSpline(times, values)
	require.NoError(t, err)

	const eps = 1e-6
	for _, tt := range []float64{0.1, 0.55, 1.2, 1.9} {
		num := (s.Evaluate(tt+eps).AtVec(0) - s.Evaluate(tt-eps).AtVec(0)) / (2 * eps)
		require.InDelta(t, num, s.Derivative(tt).AtVec(0), 1e-5, "at %v", tt)
	}
}

func TestExtrapolationUsesBoundarySegment(t *testing.T) {
	times := []float64{0, 1, 2}
	values := mat.NewDense(3, 1, []float64{0, 1, 4})
	s, err := NewNaturalCubicSpline(times, values)
	require.NoError(t, err)

	// Beyond the range the boundary cubic keeps extrapolating smoothly; it
	// must agree with the limit of the in-range evaluation.
	inRange := s.Evaluate(2).AtVec(0)
	require.InDelta(t, 4, inRange, 1e-9)
	require.False(t, math.IsNaN(s.Evaluate(3).AtVec(0)))
	require.False(t, math.IsNaN(s.Evaluate(-1).AtVec(0)))
}
