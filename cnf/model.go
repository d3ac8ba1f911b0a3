package cnf

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/kosieram21/TrajFlow/cde"
	"github.com/kosieram21/TrajFlow/gonumExtensions"
	"github.com/kosieram21/TrajFlow/nn"
)

// EncoderKind selects the observed-path summarizer at configuration time.
type EncoderKind int

const (
	// EncoderGRU is the recurrent summarizer, the default.
	EncoderGRU EncoderKind = iota
	// EncoderCDE is the controlled-differential-equation summarizer.
	EncoderCDE
)

// Config describes a TrajectoryFlowModel.
type Config struct {
	// SeqLen and InputDim shape the future paths the flow transports;
	// FeatureDim counts the extra per-step observation features consumed by
	// the encoder alongside the positions.
	SeqLen     int
	InputDim   int
	FeatureDim int
	// EmbeddingDim is the dimension of the condition embedding.
	EmbeddingDim int
	// HiddenDims are the widths of the conditional drift stack.
	HiddenDims []int
	// Encoder selects the summarizer implementation.
	Encoder EncoderKind
	// ReconditionEachLayer feeds the time and positional encodings to every
	// drift layer instead of only the first. The reference configuration
	// sets it.
	ReconditionEachLayer bool
}

// NewConfig returns the reference configuration for the given shapes: a GRU
// encoder and per-layer time/position re-conditioning.
func NewConfig(seqLen, inputDim, featureDim, embeddingDim int, hiddenDims []int) Config {
	return Config{
		SeqLen:               seqLen,
		InputDim:             inputDim,
		FeatureDim:           featureDim,
		EmbeddingDim:         embeddingDim,
		HiddenDims:           hiddenDims,
		Encoder:              EncoderGRU,
		ReconditionEachLayer: true,
	}
}

// baseDistribution is the fixed per-step diagonal Gaussian over
// (seqLen, inputDim) paths. The mean and variance buffers persist with the
// model; the distmv handles are rebuilt whenever the buffers change.
type baseDistribution struct {
	mean     *mat.Dense
	variance *mat.Dense
	rows     []*distmv.Normal
	src      rand.Source
}

func newBaseDistribution(seqLen, inputDim int, src rand.Source) (*baseDistribution, error) {
	b := &baseDistribution{
		mean:     mat.NewDense(seqLen, inputDim, nil),
		variance: gonumExtensions.Ones(seqLen, inputDim),
		src:      src,
	}
	if err := b.rebuild(); err != nil {
		return nil, err
	}
	return b, nil
}

// rebuild refreshes the per-step Gaussians from the buffers.
func (b *baseDistribution) rebuild() error {
	seqLen, inputDim := b.mean.Dims()
	b.rows = make([]*distmv.Normal, seqLen)
	mu := make([]float64, inputDim)
	for s := 0; s < seqLen; s++ {
		mat.Row(mu, s, b.mean)
		sigma := mat.NewSymDense(inputDim, nil)
		for j := 0; j < inputDim; j++ {
			sigma.SetSym(j, j, b.variance.At(s, j))
		}
		normal, ok := distmv.NewNormal(mu, sigma, b.src)
		if !ok {
			return fmt.Errorf("cnf: base variance for step %d is not positive definite", s)
		}
		b.rows[s] = normal
	}
	return nil
}

// Sample draws one (seqLen, inputDim) path.
func (b *baseDistribution) Sample() *mat.Dense {
	seqLen, inputDim := b.mean.Dims()
	out := mat.NewDense(seqLen, inputDim, nil)
	row := make([]float64, inputDim)
	for s := 0; s < seqLen; s++ {
		b.rows[s].Rand(row)
		out.SetRow(s, row)
	}
	return out
}

// LogProb returns the per-step log density of z under the base distribution.
func (b *baseDistribution) LogProb(z *mat.Dense) *mat.VecDense {
	seqLen, inputDim := b.mean.Dims()
	out := mat.NewVecDense(seqLen, nil)
	row := make([]float64, inputDim)
	for s := 0; s < seqLen; s++ {
		mat.Row(row, s, z)
		out.SetVec(s, b.rows[s].LogProb(row))
	}
	return out
}

// TrajectoryFlowModel composes an observed-path encoder, a conditional CNF
// and the base distribution into the two external operations of the system:
// sampling future paths given an observed past and evaluating exact
// log-densities of observed futures. No explicit Jacobian determinant is ever
// formed; only its trace integral.
type TrajectoryFlowModel struct {
	Encoder cde.Encoder
	Flow    *ConditionalCNF

	base   *baseDistribution
	config Config
}

// New builds a TrajectoryFlowModel from cfg, drawing initial parameters from
// src.
func New(cfg Config, src rand.Source) (*TrajectoryFlowModel, error) {
	if cfg.SeqLen < 1 || cfg.InputDim < 1 || cfg.EmbeddingDim < 1 {
		return nil, fmt.Errorf("cnf: invalid config: seq_len=%d input_dim=%d embedding_dim=%d",
			cfg.SeqLen, cfg.InputDim, cfg.EmbeddingDim)
	}
	if cfg.FeatureDim < 0 {
		return nil, fmt.Errorf("cnf: invalid config: feature_dim=%d", cfg.FeatureDim)
	}

	channels := cfg.InputDim + cfg.FeatureDim
	var encoder cde.Encoder
	switch cfg.Encoder {
	case EncoderGRU:
		encoder = cde.NewGRUEncoder(channels, cfg.EmbeddingDim, src)
	case EncoderCDE:
		encoder = cde.NewCDEEncoder(channels, cfg.EmbeddingDim, src)
	default:
		return nil, fmt.Errorf("cnf: unknown encoder kind %d", cfg.Encoder)
	}

	drift := NewConditionalDrift(cfg.InputDim, cfg.EmbeddingDim, cfg.HiddenDims, cfg.ReconditionEachLayer, src)
	base, err := newBaseDistribution(cfg.SeqLen, cfg.InputDim, src)
	if err != nil {
		return nil, err
	}

	return &TrajectoryFlowModel{
		Encoder: encoder,
		Flow:    NewConditionalCNF(drift),
		base:    base,
		config:  cfg,
	}, nil
}

// Config returns the model's configuration.
func (m *TrajectoryFlowModel) Config() Config { return m.config }

// Embed concatenates the observed positions with their features and summarizes
// them into a condition embedding. positions is (T, InputDim) and features is
// (T, FeatureDim); they must cover the same T timesteps.
func (m *TrajectoryFlowModel) Embed(positions, features *mat.Dense) (*mat.VecDense, error) {
	steps, inputDim := positions.Dims()
	if inputDim != m.config.InputDim {
		return nil, fmt.Errorf("cnf: observed positions have %d channels, model expects %d", inputDim, m.config.InputDim)
	}
	observed := positions
	if m.config.FeatureDim > 0 {
		if features == nil {
			return nil, fmt.Errorf("cnf: features are nil, model expects (%d, %d)", steps, m.config.FeatureDim)
		}
		fSteps, featureDim := features.Dims()
		if fSteps != steps || featureDim != m.config.FeatureDim {
			return nil, fmt.Errorf("cnf: features have shape (%d, %d), model expects (%d, %d)",
				fSteps, featureDim, steps, m.config.FeatureDim)
		}
		joined := mat.NewDense(steps, inputDim+featureDim, nil)
		joined.Augment(positions, features)
		observed = joined
	}
	return m.Encoder.Embed(observed)
}

// Density integrates an observed future path in the density direction
// (0 -> 1) conditioned on the observed past and returns the terminal state
// (base-distributed when the flow is trained) together with the accumulated
// log-density correction. Feed both to LogProb for the exact density.
func (m *TrajectoryFlowModel) Density(positions, features, future *mat.Dense) (*mat.Dense, *mat.VecDense, error) {
	if err := m.checkFuture(future); err != nil {
		return nil, nil, err
	}
	embedding, err := m.Embed(positions, features)
	if err != nil {
		return nil, nil, err
	}
	return m.Flow.Transform(future, nil, embedding, nil, false)
}

// Sample draws numSamples base-distribution paths, computes the condition
// embedding once, and integrates every draw through the sampling direction
// (1 -> 0). It returns the base draws, the corresponding future paths and the
// per-sample log-density corrections. The embedding is shared read-only
// across the per-sample integrations, which run concurrently.
func (m *TrajectoryFlowModel) Sample(positions, features *mat.Dense, numSamples int) (baseSamples, outputPaths []*mat.Dense, deltaLogpz []*mat.VecDense, err error) {
	if numSamples < 1 {
		return nil, nil, nil, fmt.Errorf("cnf: num_samples must be positive, got %d", numSamples)
	}
	embedding, err := m.Embed(positions, features)
	if err != nil {
		return nil, nil, nil, err
	}

	// The rand source is not safe for concurrent use: draw sequentially,
	// integrate concurrently.
	baseSamples = make([]*mat.Dense, numSamples)
	for i := range baseSamples {
		baseSamples[i] = m.base.Sample()
	}

	outputPaths = make([]*mat.Dense, numSamples)
	deltaLogpz = make([]*mat.VecDense, numSamples)
	errs := make([]error, numSamples)
	var wg sync.WaitGroup
	wg.Add(numSamples)
	for i := 0; i < numSamples; i++ {
		go func(i int) {
			defer wg.Done()
			outputPaths[i], deltaLogpz[i], errs[i] = m.Flow.Transform(baseSamples[i], nil, embedding, nil, true)
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return nil, nil, nil, e
		}
	}
	return baseSamples, outputPaths, deltaLogpz, nil
}

// LogProb applies the change-of-variables identity: given the terminal state
// of a density-direction integration and its correction, it returns the
// per-step base log density and the corrected log density
// log p(z_t1) = log p_base(z_t0) - delta_logpz.
func (m *TrajectoryFlowModel) LogProb(zT0 *mat.Dense, deltaLogpz *mat.VecDense) (logBase, logCorrected *mat.VecDense, err error) {
	if err := m.checkFuture(zT0); err != nil {
		return nil, nil, err
	}
	if deltaLogpz.Len() != m.config.SeqLen {
		return nil, nil, fmt.Errorf("cnf: delta_logpz has length %d, model expects %d", deltaLogpz.Len(), m.config.SeqLen)
	}
	logBase = m.base.LogProb(zT0)
	logCorrected = mat.NewVecDense(m.config.SeqLen, nil)
	logCorrected.SubVec(logBase, deltaLogpz)
	return logBase, logCorrected, nil
}

func (m *TrajectoryFlowModel) checkFuture(z *mat.Dense) error {
	seqLen, inputDim := z.Dims()
	if seqLen != m.config.SeqLen || inputDim != m.config.InputDim {
		return fmt.Errorf("cnf: future path has shape (%d, %d), model expects (%d, %d)",
			seqLen, inputDim, m.config.SeqLen, m.config.InputDim)
	}
	return nil
}

// Parameters flattens every learned weight and the base-distribution buffers
// into one named set, loadable independent of training code.
func (m *TrajectoryFlowModel) Parameters() nn.ParamSet {
	ps := nn.ParamSet{}
	m.Encoder.AddParameters(ps, "encoder")
	m.Flow.Drift.AddParameters(ps, "flow.drift")
	ps.Put("base.mean", m.base.mean)
	ps.Put("base.variance", m.base.variance)
	return ps
}

// SetParameters restores the model from a parameter set produced by
// Parameters on an identically configured model.
func (m *TrajectoryFlowModel) SetParameters(ps nn.ParamSet) error {
	if err := m.Encoder.SetParameters(ps, "encoder"); err != nil {
		return err
	}
	if err := m.Flow.Drift.SetParameters(ps, "flow.drift"); err != nil {
		return err
	}
	if err := ps.Fill("base.mean", m.base.mean); err != nil {
		return err
	}
	if err := ps.Fill("base.variance", m.base.variance); err != nil {
		return err
	}
	return m.base.rebuild()
}
