package nn

import (
	"encoding/json"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// Param is one named tensor in a flat parameter set. Vectors are stored as
// single-column matrices.
type Param struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// ParamSet is a flat named-parameter set keyed by component path, e.g.
// "flow.drift.linear0.weight". It is the persistence format for every
// learned component in the repository: collect with AddParameters, encode as
// JSON, and restore with SetParameters independent of any training code.
type ParamSet map[string]Param

// Put copies m into the set under name.
func (ps ParamSet) Put(name string, m mat.Matrix) {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}
	ps[name] = Param{Rows: rows, Cols: cols, Data: data}
}

func (ps ParamSet) lookup(name string, rows, cols int) (Param, error) {
	p, ok := ps[name]
	if !ok {
		return Param{}, fmt.Errorf("nn: parameter %q not in set", name)
	}
	if p.Rows != rows || p.Cols != cols || len(p.Data) != rows*cols {
		return Param{}, fmt.Errorf("nn: parameter %q has shape (%d, %d), want (%d, %d)",
			name, p.Rows, p.Cols, rows, cols)
	}
	return p, nil
}

// Fill copies the named parameter into dst, which must already have the
// stored shape.
func (ps ParamSet) Fill(name string, dst *mat.Dense) error {
	rows, cols := dst.Dims()
	p, err := ps.lookup(name, rows, cols)
	if err != nil {
		return err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(i, j, p.Data[i*cols+j])
		}
	}
	return nil
}

// FillVec copies the named parameter into dst, which must already have the
// stored length.
func (ps ParamSet) FillVec(name string, dst *mat.VecDense) error {
	p, err := ps.lookup(name, dst.Len(), 1)
	if err != nil {
		return err
	}
	for i := 0; i < dst.Len(); i++ {
		dst.SetVec(i, p.Data[i])
	}
	return nil
}

// Encode writes the set as JSON.
func (ps ParamSet) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(ps)
}

// DecodeParamSet reads a JSON-encoded parameter set.
func DecodeParamSet(r io.Reader) (ParamSet, error) {
	var ps ParamSet
	if err := json.NewDecoder(r).Decode(&ps); err != nil {
		return nil, fmt.Errorf("nn: decoding parameter set: %w", err)
	}
	return ps, nil
}
