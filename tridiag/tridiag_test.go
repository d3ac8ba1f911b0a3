package tridiag

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/gonumExtensions"
)

// poissonSystem returns the diagonals of the discrete 1D Poisson matrix
// tridiag(-1, 2, -1) of size k.
func poissonSystem(k int) (lower, diagonal, upper []float64) {
	lower = make([]float64, k-1)
	diagonal = make([]float64, k)
	upper = make([]float64, k-1)
	for i := 0; i < k; i++ {
		diagonal[i] = 2
	}
	for i := 0; i < k-1; i++ {
		lower[i] = -1
		upper[i] = -1
	}
	return lower, diagonal, upper
}

func TestSolvePoisson(t *testing.T) {
	// For tridiag(-1, 2, -1) with a constant right-hand side of ones the
	// closed-form solution is x_i = (i+1)(k-i)/2 for i = 0..k-1.
	const k = 9
	lower, diagonal, upper := poissonSystem(k)
	rhs := gonumExtensions.Ones(k, 1)

	x := Solve(lower, diagonal, upper, rhs)
	for i := 0; i < k; i++ {
		want := float64(i+1) * float64(k-i) / 2
		require.InDelta(t, want, x.At(i, 0), 1e-12, "solution entry %d", i)
	}
}

func TestSolveMultipleChannels(t *testing.T) {
	// Each channel is an independent system; the second channel is the first
	// scaled by a constant, so the solutions must scale the same way.
	const k = 6
	lower, diagonal, upper := poissonSystem(k)
	rhs := mat.NewDense(k, 2, nil)
	for i := 0; i < k; i++ {
		rhs.Set(i, 0, float64(i)-2.5)
		rhs.Set(i, 1, 3*(float64(i)-2.5))
	}

	x := Solve(lower, diagonal, upper, rhs)
	for i := 0; i < k; i++ {
		require.InDelta(t, 3*x.At(i, 0), x.At(i, 1), 1e-12)
	}
}

func TestSolveResidual(t *testing.T) {
	// A x must reproduce the right-hand side for a non-symmetric system.
	lower := []float64{0.5, -0.25, 1.5}
	diagonal := []float64{4, 3, 5, 2}
	upper := []float64{-1, 0.75, 0.3}
	rhs := mat.NewDense(4, 1, []float64{1, -2, 0.5, 3})

	x := Solve(lower, diagonal, upper, rhs)

	for i := 0; i < 4; i++ {
		got := diagonal[i] * x.At(i, 0)
		if i > 0 {
			got += lower[i-1] * x.At(i-1, 0)
		}
		if i < 3 {
			got += upper[i] * x.At(i+1, 0)
		}
		require.InDelta(t, rhs.At(i, 0), got, 1e-12, "residual row %d", i)
	}
}

func TestSolveAdjointFiniteDifference(t *testing.T) {
	// Objective f = sum(weights * x). The adjoint gradients must match central
	// finite differences of f with respect to every system entry.
	const eps = 1e-6
	lower := []float64{0.5, -0.25, 1.5}
	diagonal := []float64{4, 3, 5, 2}
	upper := []float64{-1, 0.75, 0.3}
	rhsData := []float64{1, -2, 0.5, 3}
	weights := []float64{0.2, -1, 0.7, 0.4}

	objective := func(lo, di, up, rh []float64) float64 {
		x := Solve(lo, di, up, mat.NewDense(4, 1, rh))
		var f float64
		for i, w := range weights {
			f += w * x.At(i, 0)
		}
		return f
	}

	x := Solve(lower, diagonal, upper, mat.NewDense(4, 1, rhsData))
	grad := mat.NewDense(4, 1, append([]float64(nil), weights...))
	gradRhs, gradLower, gradDiagonal, gradUpper := SolveAdjoint(lower, diagonal, upper, x, grad)

	perturb := func(s []float64, i int, d float64) []float64 {
		out := append([]float64(nil), s...)
		out[i] += d
		return out
	}

	for i := range rhsData {
		num := (objective(lower, diagonal, upper, perturb(rhsData, i, eps)) -
			objective(lower, diagonal, upper, perturb(rhsData, i, -eps))) / (2 * eps)
		require.InDelta(t, num, gradRhs.At(i, 0), 1e-6, "rhs gradient %d", i)
	}
	for i := range diagonal {
		num := (objective(lower, perturb(diagonal, i, eps), upper, rhsData) -
			objective(lower, perturb(diagonal, i, -eps), upper, rhsData)) / (2 * eps)
		require.InDelta(t, num, gradDiagonal[i], 1e-6, "diagonal gradient %d", i)
	}
	for i := range lower {
		num := (objective(perturb(lower, i, eps), diagonal, upper, rhsData) -
			objective(perturb(lower, i, -eps), diagonal, upper, rhsData)) / (2 * eps)
		require.InDelta(t, num, gradLower[i], 1e-6, "lower gradient %d", i)

		num = (objective(lower, diagonal, perturb(upper, i, eps), rhsData) -
			objective(lower, diagonal, perturb(upper, i, -eps), rhsData)) / (2 * eps)
		require.InDelta(t, num, gradUpper[i], 1e-6, "upper gradient %d", i)
	}
}
