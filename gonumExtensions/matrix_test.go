package gonumExtensions

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFullAndOnes(t *testing.T) {
	m := Full(3, 2, -0.5)
	rows, cols := m.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, 2, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			require.Equal(t, -0.5, m.At(i, j))
		}
	}

	ones := Ones(2, 4)
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			require.Equal(t, 1.0, ones.At(i, j))
		}
	}
}

func TestLinspace(t *testing.T) {
	grid := Linspace(0, 1, 5)
	require.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, grid)

	grid = Linspace(-2, 2, 2)
	require.Equal(t, []float64{-2, 2}, grid)
}

func TestNANORINF(t *testing.T) {
	require.False(t, NANORINF(mat.NewDense(2, 2, []float64{1, -1, 0, 2})))
	require.True(t, NANORINF(mat.NewDense(2, 2, []float64{1, math.NaN(), 0, 2})))
	require.True(t, NANORINF(mat.NewDense(2, 2, []float64{1, 0, math.Inf(1), 2})))
}
