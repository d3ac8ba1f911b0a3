package cnf

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func testState(seqLen, inputDim int) *mat.Dense {
	z := mat.NewDense(seqLen, inputDim, nil)
	rnd := rand.New(rand.NewSource(42))
	for s := 0; s < seqLen; s++ {
		for j := 0; j < inputDim; j++ {
			z.Set(s, j, rnd.NormFloat64())
		}
	}
	return z
}

func testCondition(dim int) *mat.VecDense {
	cond := mat.NewVecDense(dim, nil)
	rnd := rand.New(rand.NewSource(43))
	for i := 0; i < dim; i++ {
		cond.SetVec(i, rnd.NormFloat64())
	}
	return cond
}

func TestDriftShapes(t *testing.T) {
	const seqLen, inputDim, conditionDim = 5, 2, 4
	drift := NewConditionalDrift(inputDim, conditionDim, []int{8, 8}, true, rand.NewSource(1))

	zDot, negDivergence := drift.Derivative(0.3, testState(seqLen, inputDim), testCondition(conditionDim))
	rows, cols := zDot.Dims()
	require.Equal(t, seqLen, rows)
	require.Equal(t, inputDim, cols)
	require.Equal(t, seqLen, negDivergence.Len())
}

// TestJacobianTrace checks the exact divergence against a central
// finite-difference estimate of the Jacobian diagonal, for both
// re-conditioning configurations.
func TestJacobianTrace(t *testing.T) {
	const seqLen, inputDim, conditionDim = 3, 2, 4
	const eps = 1e-5

	for name, recondition := range map[string]bool{"every layer": true, "first layer": false} {
		drift := NewConditionalDrift(inputDim, conditionDim, []int{8, 8}, recondition, rand.NewSource(2))
		z := testState(seqLen, inputDim)
		cond := testCondition(conditionDim)
		tt := 0.37

		_, negDivergence := drift.Derivative(tt, z, cond)

		for s := 0; s < seqLen; s++ {
			var numTrace float64
			for j := 0; j < inputDim; j++ {
				bump := mat.DenseCopyOf(z)
				bump.Set(s, j, z.At(s, j)+eps)
				plus, _ := drift.Derivative(tt, bump, cond)
				bump.Set(s, j, z.At(s, j)-eps)
				minus, _ := drift.Derivative(tt, bump, cond)
				numTrace += (plus.At(s, j) - minus.At(s, j)) / (2 * eps)
			}
			require.InDelta(t, -numTrace, negDivergence.AtVec(s), 1e-5,
				"%s: step %d", name, s)
		}
	}
}

// TestZeroDriftZeroDivergence pins the divergence sanity property: a drift
// whose final layer is zeroed is the zero function, so the Jacobian trace
// must be exactly zero.
func TestZeroDriftZeroDivergence(t *testing.T) {
	const seqLen, inputDim, conditionDim = 4, 2, 3
	drift := NewConditionalDrift(inputDim, conditionDim, []int{6}, true, rand.NewSource(3))
	last := drift.Layers[len(drift.Layers)-1]
	last.Weight.Zero()
	last.Bias.Zero()

	zDot, negDivergence := drift.Derivative(0.5, testState(seqLen, inputDim), testCondition(conditionDim))
	for s := 0; s < seqLen; s++ {
		require.Zero(t, negDivergence.AtVec(s))
		for j := 0; j < inputDim; j++ {
			require.Zero(t, zDot.At(s, j))
		}
	}
}

func TestDriftPanicsOnShapeMismatch(t *testing.T) {
	drift := NewConditionalDrift(2, 3, []int{4}, true, rand.NewSource(4))
	require.Panics(t, func() {
		drift.Derivative(0, testState(2, 5), testCondition(3))
	})
	require.Panics(t, func() {
		drift.Derivative(0, testState(2, 2), testCondition(7))
	})
}
