package cnf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/kosieram21/TrajFlow/ode"
)

// ConditionalCNF jointly integrates a (state, log-density-correction) pair
// under a ConditionalDrift. Forward integration (0 -> 1) is the density
// direction: it carries an observed future path to the base distribution
// while accumulating delta such that log p(data) = log p_base(terminal) -
// delta. Reverse integration (1 -> 0) is the sampling direction, carrying a
// base draw to a future path.
type ConditionalCNF struct {
	Drift *ConditionalDrift

	solver *ode.RungeKutta
	config ode.Config
}

// NewConditionalCNF wraps drift with the reference Dormand-Prince integrator
// at 1e-5 tolerance.
func NewConditionalCNF(drift *ConditionalDrift) *ConditionalCNF {
	return &ConditionalCNF{
		Drift:  drift,
		solver: ode.NewDormandPrince(),
		config: ode.DefaultConfig(),
	}
}

// cnfField packs the (seqLen, inputDim) state and its seqLen log-density
// corrections into one flat integration variable:
// [z row-major | delta_logpz]. The condition embedding is read-only for the
// duration of the integration.
type cnfField struct {
	drift     *ConditionalDrift
	condition mat.Vector
	seqLen    int
	inputDim  int
}

func (f cnfField) size() int { return f.seqLen*f.inputDim + f.seqLen }

func (f cnfField) pack(z *mat.Dense, delta *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(f.size(), nil)
	for s := 0; s < f.seqLen; s++ {
		for j := 0; j < f.inputDim; j++ {
			out.SetVec(s*f.inputDim+j, z.At(s, j))
		}
	}
	for s := 0; s < f.seqLen; s++ {
		out.SetVec(f.seqLen*f.inputDim+s, delta.AtVec(s))
	}
	return out
}

func (f cnfField) unpack(state mat.Vector) (*mat.Dense, *mat.VecDense) {
	z := mat.NewDense(f.seqLen, f.inputDim, nil)
	for s := 0; s < f.seqLen; s++ {
		for j := 0; j < f.inputDim; j++ {
			z.Set(s, j, state.AtVec(s*f.inputDim+j))
		}
	}
	delta := mat.NewVecDense(f.seqLen, nil)
	for s := 0; s < f.seqLen; s++ {
		delta.SetVec(s, state.AtVec(f.seqLen*f.inputDim+s))
	}
	return z, delta
}

// Derivative evaluates the joint field: the state block moves with the drift
// and the correction block with the negative divergence.
func (f cnfField) Derivative(t float64, state mat.Vector) mat.Vector {
	z, _ := f.unpack(state)
	zDot, negDivergence := f.drift.Derivative(t, z, f.condition)
	return f.pack(zDot, negDivergence)
}

// Transform integrates (z, deltaLogpz) across the integration-time interval
// and returns the terminal pair; intermediate values are discarded. A nil
// deltaLogpz starts the correction at zero and nil times defaults to [0, 1];
// reverse flips the times, turning the density direction into the sampling
// direction. The condition embedding is not mutated and may be shared across
// concurrent Transform calls.
func (cnf *ConditionalCNF) Transform(z *mat.Dense, deltaLogpz *mat.VecDense, condition mat.Vector, times []float64, reverse bool) (*mat.Dense, *mat.VecDense, error) {
	seqLen, inputDim := z.Dims()
	if inputDim != cnf.Drift.InputDim {
		return nil, nil, fmt.Errorf("cnf: state has %d channels, drift expects %d", inputDim, cnf.Drift.InputDim)
	}
	if condition.Len() != cnf.Drift.ConditionDim {
		return nil, nil, fmt.Errorf("cnf: condition embedding has dim %d, drift expects %d",
			condition.Len(), cnf.Drift.ConditionDim)
	}
	if deltaLogpz == nil {
		deltaLogpz = mat.NewVecDense(seqLen, nil)
	} else if deltaLogpz.Len() != seqLen {
		return nil, nil, fmt.Errorf("cnf: delta_logpz has length %d for %d sequence steps", deltaLogpz.Len(), seqLen)
	}
	if times == nil {
		times = []float64{0, 1}
	}
	if reverse {
		flipped := make([]float64, len(times))
		for i, t := range times {
			flipped[len(times)-1-i] = t
		}
		times = flipped
	}

	field := cnfField{drift: cnf.Drift, condition: condition, seqLen: seqLen, inputDim: inputDim}
	trajectory, err := cnf.solver.Integrate(field, field.pack(z, deltaLogpz), times, cnf.config)
	if err != nil {
		return nil, nil, fmt.Errorf("cnf: flow integration failed: %w", err)
	}
	zOut, deltaOut := field.unpack(trajectory[len(trajectory)-1])
	return zOut, deltaOut, nil
}
