package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// GRUCell is a single gated recurrent unit layer,
//
//	r  = sigmoid(Wr x + bir + Ur h + bhr)
//	u  = sigmoid(Wu x + biu + Uu h + bhu)
//	n  = tanh(Wn x + bin + r * (Un h + bhn))
//	h' = (1 - u) * n + u * h
type GRUCell struct {
	Wr, Wu, Wn *mat.Dense
	Ur, Uu, Un *mat.Dense
	// Input and hidden biases per gate.
	Bir, Biu, Bin *mat.VecDense
	Bhr, Bhu, Bhn *mat.VecDense
}

// NewGRUCell returns a GRUCell with all parameters drawn uniformly from
// [-1/sqrt(hidden), 1/sqrt(hidden)].
func NewGRUCell(in, hidden int, src rand.Source) *GRUCell {
	rnd := rand.New(src)
	bound := 1 / math.Sqrt(float64(hidden))
	dense := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = bound * (2*rnd.Float64() - 1)
		}
		return mat.NewDense(r, c, data)
	}
	vec := func(n int) *mat.VecDense {
		data := make([]float64, n)
		for i := range data {
			data[i] = bound * (2*rnd.Float64() - 1)
		}
		return mat.NewVecDense(n, data)
	}
	return &GRUCell{
		Wr: dense(hidden, in), Wu: dense(hidden, in), Wn: dense(hidden, in),
		Ur: dense(hidden, hidden), Uu: dense(hidden, hidden), Un: dense(hidden, hidden),
		Bir: vec(hidden), Biu: vec(hidden), Bin: vec(hidden),
		Bhr: vec(hidden), Bhu: vec(hidden), Bhn: vec(hidden),
	}
}

// Hidden returns the hidden dimension of the cell.
func (c *GRUCell) Hidden() int {
	h, _ := c.Wr.Dims()
	return h
}

func gate(w *mat.Dense, x mat.Vector, u *mat.Dense, h mat.Vector, bi, bh *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(bi.Len(), nil)
	out.MulVec(w, x)
	out.AddVec(out, bi)
	var rec mat.VecDense
	rec.MulVec(u, h)
	rec.AddVec(&rec, bh)
	out.AddVec(out, &rec)
	return out
}

// Step advances the hidden state by one observation.
func (c *GRUCell) Step(x, h mat.Vector) *mat.VecDense {
	hidden := c.Hidden()

	r := gate(c.Wr, x, c.Ur, h, c.Bir, c.Bhr)
	u := gate(c.Wu, x, c.Uu, h, c.Biu, c.Bhu)

	// Candidate state: the reset gate scales only the recurrent half.
	n := mat.NewVecDense(hidden, nil)
	n.MulVec(c.Wn, x)
	n.AddVec(n, c.Bin)
	var rec mat.VecDense
	rec.MulVec(c.Un, h)
	rec.AddVec(&rec, c.Bhn)

	next := mat.NewVecDense(hidden, nil)
	for i := 0; i < hidden; i++ {
		ri := Sigmoid(r.AtVec(i))
		ui := Sigmoid(u.AtVec(i))
		ni := math.Tanh(n.AtVec(i) + ri*rec.AtVec(i))
		next.SetVec(i, (1-ui)*ni+ui*h.AtVec(i))
	}
	return next
}

// AddParameters registers the cell's parameters under prefix.
func (c *GRUCell) AddParameters(ps ParamSet, prefix string) {
	for name, m := range map[string]*mat.Dense{
		"wr": c.Wr, "wu": c.Wu, "wn": c.Wn, "ur": c.Ur, "uu": c.Uu, "un": c.Un,
	} {
		ps.Put(prefix+"."+name, m)
	}
	for name, v := range map[string]*mat.VecDense{
		"bir": c.Bir, "biu": c.Biu, "bin": c.Bin, "bhr": c.Bhr, "bhu": c.Bhu, "bhn": c.Bhn,
	} {
		ps.Put(prefix+"."+name, v)
	}
}

// SetParameters restores the cell's parameters from ps.
func (c *GRUCell) SetParameters(ps ParamSet, prefix string) error {
	for name, m := range map[string]*mat.Dense{
		"wr": c.Wr, "wu": c.Wu, "wn": c.Wn, "ur": c.Ur, "uu": c.Uu, "un": c.Un,
	} {
		if err := ps.Fill(prefix+"."+name, m); err != nil {
			return err
		}
	}
	for name, v := range map[string]*mat.VecDense{
		"bir": c.Bir, "biu": c.Biu, "bin": c.Bin, "bhr": c.Bhr, "bhu": c.Bhu, "bhn": c.Bhn,
	} {
		if err := ps.FillVec(prefix+"."+name, v); err != nil {
			return err
		}
	}
	return nil
}

// GRU is a stack of GRUCells run over a time-major observation sequence.
type GRU struct {
	Cells []*GRUCell
}

// NewGRU builds layers stacked cells mapping in-dimensional observations to
// hidden-dimensional states; cells above the first consume the hidden state
// of the cell below.
func NewGRU(in, hidden, layers int, src rand.Source) *GRU {
	g := &GRU{}
	for l := 0; l < layers; l++ {
		cellIn := in
		if l > 0 {
			cellIn = hidden
		}
		g.Cells = append(g.Cells, NewGRUCell(cellIn, hidden, src))
	}
	return g
}

// Forward consumes a (T, in) sequence and returns the final hidden state of
// the top cell. Hidden states start at zero.
func (g *GRU) Forward(sequence *mat.Dense) *mat.VecDense {
	steps, in := sequence.Dims()
	if want := g.Cells[0].Wr.RawMatrix().Cols; in != want {
		panic(fmt.Errorf("nn: gru expects %d input features, got %d", want, in))
	}

	hidden := make([]*mat.VecDense, len(g.Cells))
	for l := range hidden {
		hidden[l] = mat.NewVecDense(g.Cells[l].Hidden(), nil)
	}
	row := mat.NewVecDense(in, nil)
	for step := 0; step < steps; step++ {
		for j := 0; j < in; j++ {
			row.SetVec(j, sequence.At(step, j))
		}
		input := mat.Vector(row)
		for l, cell := range g.Cells {
			hidden[l] = cell.Step(input, hidden[l])
			input = hidden[l]
		}
	}
	return hidden[len(hidden)-1]
}

// AddParameters registers every cell under prefix.
func (g *GRU) AddParameters(ps ParamSet, prefix string) {
	for l, cell := range g.Cells {
		cell.AddParameters(ps, fmt.Sprintf("%s.cell%d", prefix, l))
	}
}

// SetParameters restores every cell from ps.
func (g *GRU) SetParameters(ps ParamSet, prefix string) error {
	for l, cell := range g.Cells {
		if err := cell.SetParameters(ps, fmt.Sprintf("%s.cell%d", prefix, l)); err != nil {
			return err
		}
	}
	return nil
}
