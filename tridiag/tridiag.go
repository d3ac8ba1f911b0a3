// Package tridiag solves tridiagonal linear systems A x = b with a batch of
// independent right-hand-side channels. The matrix A of size (K, K) is stored
// as its three diagonals:
//
//	D[0] U[0]
//	L[0] D[1] U[1]
//	     L[1] D[2] U[2]
//	          ...  ...  ...
//	               L[K-2] D[K-1]
//
// The solver is written as a pure function: the elimination builds a fresh
// value per index instead of mutating a shared buffer, so every intermediate
// of the forward and backward pass is recoverable and the solve composes with
// the explicit adjoint in SolveAdjoint.
package tridiag

import (
	"gonum.org/v1/gonum/mat"
)

// Solve computes x such that A x = rhs using two-pass Gaussian elimination
// without pivoting. lower and upper have length K-1, diagonal has length K
// and rhs is a (K, C) matrix of C independent channels. The returned matrix
// has the same shape as rhs.
//
// A zero pivot propagates NaN/Inf through the solution rather than raising an
// error; callers are expected to pass diagonally dominant systems, such as the
// natural-cubic-spline knot system, which are non-singular by construction.
func Solve(lower, diagonal, upper []float64, rhs *mat.Dense) *mat.Dense {
	k, c := rhs.Dims()
	if len(diagonal) != k || len(lower) != k-1 || len(upper) != k-1 {
		panic("tridiag: diagonal lengths do not match right-hand side")
	}

	// Forward elimination. newDiagonal[i] and newRhs[i] are fresh values per
	// index; the inputs are never written to.
	newDiagonal := make([]float64, k)
	newRhs := make([][]float64, k)
	newDiagonal[0] = diagonal[0]
	newRhs[0] = make([]float64, c)
	mat.Row(newRhs[0], 0, rhs)
	for i := 1; i < k; i++ {
		w := lower[i-1] / newDiagonal[i-1]
		newDiagonal[i] = diagonal[i] - w*upper[i-1]
		row := make([]float64, c)
		mat.Row(row, i, rhs)
		for col := 0; col < c; col++ {
			row[col] -= w * newRhs[i-1][col]
		}
		newRhs[i] = row
	}

	// Backward substitution.
	out := mat.NewDense(k, c, nil)
	for col := 0; col < c; col++ {
		out.Set(k-1, col, newRhs[k-1][col]/newDiagonal[k-1])
	}
	for i := k - 2; i >= 0; i-- {
		for col := 0; col < c; col++ {
			out.Set(i, col, (newRhs[i][col]-upper[i]*out.At(i+1, col))/newDiagonal[i])
		}
	}
	return out
}

// SolveAdjoint computes the reverse-mode gradients of x = Solve(L, D, U, rhs)
// given the solution x and the gradient of a scalar objective with respect to
// it. From A x = rhs the implicit-function adjoint is
//
//	lambda       = A^T \ grad
//	grad_rhs     = lambda
//	grad_D[i]    = -sum_c lambda[i][c] x[i][c]
//	grad_L[i]    = -sum_c lambda[i+1][c] x[i][c]
//	grad_U[i]    = -sum_c lambda[i][c] x[i+1][c]
//
// so a single transposed solve yields every gradient exactly. This is the
// differentiable-primitive form of the solver: an outer optimizer can push
// gradients through a spline fit without replaying the elimination.
func SolveAdjoint(lower, diagonal, upper []float64, x, grad *mat.Dense) (gradRhs *mat.Dense, gradLower, gradDiagonal, gradUpper []float64) {
	k, c := x.Dims()
	if gm, gn := grad.Dims(); gm != k || gn != c {
		panic("tridiag: gradient shape does not match solution")
	}

	// Transposing A swaps the sub- and super-diagonals.
	lambda := Solve(upper, diagonal, lower, grad)

	gradLower = make([]float64, k-1)
	gradDiagonal = make([]float64, k)
	gradUpper = make([]float64, k-1)
	for i := 0; i < k; i++ {
		for col := 0; col < c; col++ {
			gradDiagonal[i] -= lambda.At(i, col) * x.At(i, col)
		}
	}
	for i := 0; i < k-1; i++ {
		for col := 0; col < c; col++ {
			gradLower[i] -= lambda.At(i+1, col) * x.At(i, col)
			gradUpper[i] -= lambda.At(i, col) * x.At(i+1, col)
		}
	}
	return lambda, gradLower, gradDiagonal, gradUpper
}
