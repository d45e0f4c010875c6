package hrm

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Trace entry kinds.
const (
	KindLow  = "low"
	KindHigh = "high"
)

// Carry is the (z_H, z_L) state pair passed between segments or inference
// calls. Both tensors are (batch*seq, hidden).
type Carry struct {
	ZH, ZL *tensor.Tensor
}

// Detach returns a value-only copy with no gradient linkage. Segment
// boundaries must pass carries through here; segments are independent
// forward graphs chained by data, never by live graph references.
func (c *Carry) Detach() *Carry {
	return &Carry{ZH: c.ZH.Detach(), ZL: c.ZL.Detach()}
}

// TraceEntry is a diagnostic snapshot taken after one hierarchical update.
// Traces are only written on request and are never read back into training.
type TraceEntry struct {
	Cycle    int
	Timestep int // -1 for high-level updates
	Kind     string
	ZH, ZL   *tensor.Tensor
}

// ForwardInput is a single forward call. InputIDs is [batch][seq] with all
// rows the same length. Mask is optional (1=attend, 0=ignore). Carry is
// optional; a fresh call starts from the learned initial states. Cycles and
// Timesteps override the config when positive.
type ForwardInput struct {
	InputIDs     [][]int
	Mask         [][]float64
	Carry        *Carry
	Cycles       int
	Timesteps    int
	CollectTrace bool
}

// ForwardOutput bundles everything one hierarchical execution produces.
type ForwardOutput struct {
	Logits  *tensor.Tensor // (batch*seq, vocab)
	ZH, ZL  *tensor.Tensor // (batch*seq, hidden), reusable as next carry
	QValues *tensor.Tensor // (batch, 2): (q_halt, q_continue) logits
	Trace   []TraceEntry
	Batch   int
	Seq     int
}

// Carry returns the output state as a carry for the next call. Not detached;
// callers at segment boundaries must Detach it.
func (o *ForwardOutput) Carry() *Carry {
	return &Carry{ZH: o.ZH, ZL: o.ZL}
}

// NamedParam pairs a stable parameter name with its tensor. The order
// returned by NamedParameters is deterministic; the optimizer and the
// checkpoint format both rely on it.
type NamedParam struct {
	Name   string
	Tensor *tensor.Tensor
}

// Model owns the two-level recurrent update. The low (fast) level runs T
// steps per cycle against a frozen high-level context; the high (slow) level
// updates once per cycle from the settled low-level state. The periodic
// high-level update is what restarts low-level convergence and keeps the
// computation active across many steps.
//
// The model holds no process-wide state: construction is explicit and the
// forward pass mutates nothing but its output.
type Model struct {
	cfg        Config
	embed      *tensor.Tensor // (vocab, hidden)
	embedScale float64
	initH      *tensor.Tensor // (1, hidden) learned initial z_H
	initL      *tensor.Tensor // (1, hidden) learned initial z_L
	lowBlock   *reasoningBlock
	highBlock  *reasoningBlock
	rope       *rotary
	lmHead     *tensor.Tensor // (hidden, vocab)
	qHead      *tensor.Tensor // (hidden, 2)
	qBias      *tensor.Tensor // (1, 2)
}

// NewModel validates the config and builds a model with seeded Xavier
// initialization. The same (config, seed) pair always produces identical
// weights.
func NewModel(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{
		cfg:        cfg,
		embed:      tensor.Param(cfg.VocabSize, cfg.HiddenSize, nil),
		embedScale: math.Sqrt(float64(cfg.HiddenSize)),
		initH:      tensor.Param(1, cfg.HiddenSize, nil),
		initL:      tensor.Param(1, cfg.HiddenSize, nil),
		lowBlock:   newReasoningBlock(cfg, rng),
		highBlock:  newReasoningBlock(cfg, rng),
		rope:       newRotary(cfg.MaxPosition, cfg.HiddenSize/cfg.NumHeads, cfg.RoPETheta),
		lmHead:     tensor.Param(cfg.HiddenSize, cfg.VocabSize, nil),
		qHead:      tensor.Param(cfg.HiddenSize, 2, nil),
		qBias:      tensor.Param(1, 2, nil),
	}
	xavierInit(rng, m.embed)
	xavierInit(rng, m.lmHead)
	normalInit(rng, m.initH, 1.0)
	normalInit(rng, m.initL, 1.0)
	// Q head starts at zero so initial halt/continue estimates are neutral.
	return m, nil
}

// Config returns the immutable configuration.
func (m *Model) Config() Config { return m.cfg }

// NamedParameters returns every trainable parameter in a fixed order.
func (m *Model) NamedParameters() []NamedParam {
	out := []NamedParam{
		{"embed", m.embed},
		{"init_h", m.initH},
		{"init_l", m.initL},
	}
	m.lowBlock.params("low", &out)
	m.highBlock.params("high", &out)
	out = append(out,
		NamedParam{"lm_head", m.lmHead},
		NamedParam{"q_head", m.qHead},
		NamedParam{"q_bias", m.qBias},
	)
	return out
}

// Forward runs the full N x T hierarchical unroll with every step on the
// tape (nil tape for inference). Deterministic for fixed weights and inputs.
func (m *Model) Forward(tp *tensor.Tape, in ForwardInput) (*ForwardOutput, error) {
	return m.run(tp, tp, in, nil)
}

// ForwardApprox is numerically identical to Forward but keeps only the
// final low-level step and the final high-level update on the tape; every
// earlier step runs detached. Backward memory is therefore O(1) in N and T.
func (m *Model) ForwardApprox(tp *tensor.Tape, in ForwardInput) (*ForwardOutput, error) {
	return m.run(nil, tp, in, nil)
}

// stepObserver is called after each state update with the updated pair and
// the previous value of whichever state changed.
type stepObserver func(kind string, cycle, timestep int, zH, zL, prev *tensor.Tensor)

func (m *Model) run(tpEarly, tpFinal *tensor.Tape, in ForwardInput, obs stepObserver) (*ForwardOutput, error) {
	batch, seq, err := m.checkInput(in)
	if err != nil {
		return nil, err
	}
	cycles := in.Cycles
	if cycles == 0 {
		cycles = m.cfg.Cycles
	}
	timesteps := in.Timesteps
	if timesteps == 0 {
		timesteps = m.cfg.Timesteps
	}
	if cycles < 1 || timesteps < 1 {
		return nil, fmt.Errorf("hrm: cycle/timestep overrides must be >= 1, got N=%d T=%d", cycles, timesteps)
	}

	mask := flattenMask(in.Mask)

	// Token embedding, scaled. Computed on the final tape so the input
	// injection of the attached steps reaches the embedding table.
	flat := make([]int, 0, batch*seq)
	for _, row := range in.InputIDs {
		flat = append(flat, row...)
	}
	xTilde := tensor.Scale(tpFinal, tensor.RowGather(tpFinal, m.embed, flat), m.embedScale)

	var zH, zL *tensor.Tensor
	if in.Carry != nil {
		zH, zL = in.Carry.ZH.Detach(), in.Carry.ZL.Detach()
	} else {
		// Tile the learned initial rows. Gradient reaches them only on
		// the full-unroll tape; the one-step approximation truncates
		// before the first step by construction.
		zeroIdx := make([]int, batch*seq)
		zH = tensor.RowGather(tpEarly, m.initH, zeroIdx)
		zL = tensor.RowGather(tpEarly, m.initL, zeroIdx)
	}

	var trace []TraceEntry
	record := func(kind string, cycle, ts int, prev *tensor.Tensor) {
		if in.CollectTrace {
			trace = append(trace, TraceEntry{Cycle: cycle, Timestep: ts, Kind: kind, ZH: zH.Detach(), ZL: zL.Detach()})
		}
		if obs != nil {
			obs(kind, cycle, ts, zH, zL, prev)
		}
	}

	for c := 0; c < cycles; c++ {
		for t := 0; t < timesteps; t++ {
			tp := tpEarly
			if c == cycles-1 && t == timesteps-1 {
				tp = tpFinal
			}
			prev := zL
			inj := tensor.Add(tp, tensor.Add(tp, zL, zH), xTilde)
			zL = m.lowBlock.forward(tp, inj, m.rope, batch, seq, m.cfg.NumHeads, mask, m.cfg.RMSNormEps)
			record(KindLow, c, t, prev)
		}
		tp := tpEarly
		if c == cycles-1 {
			tp = tpFinal
		}
		prev := zH
		inj := tensor.Add(tp, zH, zL)
		zH = m.highBlock.forward(tp, inj, m.rope, batch, seq, m.cfg.NumHeads, mask, m.cfg.RMSNormEps)
		record(KindHigh, c, -1, prev)
	}

	logits := tensor.MatMul(tpFinal, zH, m.lmHead)

	// Q values read from sequence position 0 of the slow state.
	firstRows := make([]int, batch)
	for b := range firstRows {
		firstRows[b] = b * seq
	}
	qHidden := tensor.RowGather(tpFinal, zH, firstRows)
	qValues := tensor.AddBias(tpFinal, tensor.MatMul(tpFinal, qHidden, m.qHead), m.qBias)

	return &ForwardOutput{
		Logits:  logits,
		ZH:      zH,
		ZL:      zL,
		QValues: qValues,
		Trace:   trace,
		Batch:   batch,
		Seq:     seq,
	}, nil
}

func (m *Model) checkInput(in ForwardInput) (batch, seq int, err error) {
	batch = len(in.InputIDs)
	if batch == 0 {
		return 0, 0, fmt.Errorf("hrm: empty batch")
	}
	seq = len(in.InputIDs[0])
	if seq == 0 {
		return 0, 0, fmt.Errorf("hrm: empty sequence")
	}
	if seq > m.cfg.MaxPosition {
		return 0, 0, fmt.Errorf("hrm: sequence length %d exceeds max position %d", seq, m.cfg.MaxPosition)
	}
	for b, row := range in.InputIDs {
		if len(row) != seq {
			return 0, 0, fmt.Errorf("hrm: ragged batch: row %d has length %d, want %d", b, len(row), seq)
		}
		for i, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return 0, 0, fmt.Errorf("hrm: input id %d at (%d,%d) out of range [0,%d)", id, b, i, m.cfg.VocabSize)
			}
		}
	}
	if in.Mask != nil {
		if len(in.Mask) != batch {
			return 0, 0, fmt.Errorf("hrm: mask batch %d != input batch %d", len(in.Mask), batch)
		}
		for b, row := range in.Mask {
			if len(row) != seq {
				return 0, 0, fmt.Errorf("hrm: mask row %d has length %d, want %d", b, len(row), seq)
			}
		}
	}
	if in.Carry != nil {
		hr, hc := in.Carry.ZH.Dims()
		lr, lc := in.Carry.ZL.Dims()
		if hr != batch*seq || hc != m.cfg.HiddenSize {
			return 0, 0, fmt.Errorf("hrm: carry z_H shape %dx%d incompatible with batch*seq=%d hidden=%d", hr, hc, batch*seq, m.cfg.HiddenSize)
		}
		if lr != batch*seq || lc != m.cfg.HiddenSize {
			return 0, 0, fmt.Errorf("hrm: carry z_L shape %dx%d incompatible with batch*seq=%d hidden=%d", lr, lc, batch*seq, m.cfg.HiddenSize)
		}
	}
	return batch, seq, nil
}

func flattenMask(mask [][]float64) []float64 {
	if mask == nil {
		return nil
	}
	out := make([]float64, 0, len(mask)*len(mask[0]))
	for _, row := range mask {
		out = append(out, row...)
	}
	return out
}

// xavierInit applies Xavier/Glorot uniform initialization.
func xavierInit(rng *rand.Rand, t *tensor.Tensor) {
	r, c := t.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// normalInit fills with N(0, std^2) values.
func normalInit(rng *rand.Rand, t *tensor.Tensor, std float64) {
	data := t.Data()
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
}
