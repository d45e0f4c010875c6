package hrm

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// rotary holds precomputed cos/sin tables, one row per position, one column
// per half-dimension pair. cos^2+sin^2 = 1 by construction.
type rotary struct {
	cos, sin *tensor.Tensor
	headDim  int
}

func newRotary(maxPos, headDim int, theta float64) *rotary {
	half := headDim / 2
	cos := tensor.Zeros(maxPos, half)
	sin := tensor.Zeros(maxPos, half)
	for pos := 0; pos < maxPos; pos++ {
		cosRow := cos.Row(pos)
		sinRow := sin.Row(pos)
		for i := 0; i < half; i++ {
			angle := float64(pos) * math.Pow(theta, -2.0*float64(i)/float64(headDim))
			cosRow[i] = math.Cos(angle)
			sinRow[i] = math.Sin(angle)
		}
	}
	return &rotary{cos: cos, sin: sin, headDim: headDim}
}

// reasoningBlock is the shared transformer block used by both hierarchy
// levels: multi-head self-attention with rotary positions, then a SwiGLU
// feed-forward, post-norm residual style.
type reasoningBlock struct {
	wq, wk, wv, wo    *tensor.Tensor
	attnGain          *tensor.Tensor
	wGate, wUp, wDown *tensor.Tensor
	ffGain            *tensor.Tensor
}

func newReasoningBlock(cfg Config, rng *rand.Rand) *reasoningBlock {
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	b := &reasoningBlock{
		wq:       tensor.Param(h, h, nil),
		wk:       tensor.Param(h, h, nil),
		wv:       tensor.Param(h, h, nil),
		wo:       tensor.Param(h, h, nil),
		attnGain: tensor.Param(1, h, ones(h)),
		wGate:    tensor.Param(h, inter, nil),
		wUp:      tensor.Param(h, inter, nil),
		wDown:    tensor.Param(inter, h, nil),
		ffGain:   tensor.Param(1, h, ones(h)),
	}
	xavierInit(rng, b.wq)
	xavierInit(rng, b.wk)
	xavierInit(rng, b.wv)
	xavierInit(rng, b.wo)
	xavierInit(rng, b.wGate)
	xavierInit(rng, b.wUp)
	xavierInit(rng, b.wDown)
	return b
}

func (b *reasoningBlock) forward(tp *tensor.Tape, x *tensor.Tensor, rope *rotary, batch, seq, heads int, mask []float64, eps float64) *tensor.Tensor {
	headDim := rope.headDim
	q := tensor.MatMul(tp, x, b.wq)
	k := tensor.MatMul(tp, x, b.wk)
	v := tensor.MatMul(tp, x, b.wv)
	q = tensor.RoPE(tp, q, rope.cos, rope.sin, seq, heads, headDim)
	k = tensor.RoPE(tp, k, rope.cos, rope.sin, seq, heads, headDim)

	scale := 1.0 / math.Sqrt(float64(headDim))
	att := tensor.Attention(tp, q, k, v, batch, seq, heads, scale, mask)
	att = tensor.MatMul(tp, att, b.wo)

	h := tensor.RMSNorm(tp, tensor.Add(tp, x, att), b.attnGain, eps)

	gate := tensor.SiLU(tp, tensor.MatMul(tp, h, b.wGate))
	up := tensor.MatMul(tp, h, b.wUp)
	ff := tensor.MatMul(tp, tensor.Mul(tp, gate, up), b.wDown)

	return tensor.RMSNorm(tp, tensor.Add(tp, h, ff), b.ffGain, eps)
}

func (b *reasoningBlock) params(prefix string, out *[]NamedParam) {
	*out = append(*out,
		NamedParam{prefix + ".wq", b.wq},
		NamedParam{prefix + ".wk", b.wk},
		NamedParam{prefix + ".wv", b.wv},
		NamedParam{prefix + ".wo", b.wo},
		NamedParam{prefix + ".attn_gain", b.attnGain},
		NamedParam{prefix + ".w_gate", b.wGate},
		NamedParam{prefix + ".w_up", b.wUp},
		NamedParam{prefix + ".w_down", b.wDown},
		NamedParam{prefix + ".ff_gain", b.ffGain},
	)
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1.0
	}
	return v
}
