package tensor

import "fmt"

// Tape records the backward closures of every op executed against it, in
// forward execution order. Backward replays them in reverse.
//
// A nil *Tape is valid everywhere an op accepts one and means "do not
// record": the op computes the identical forward value but leaves no graph
// behind. The one-step gradient approximation and all inference paths run
// on a nil tape. There is no package-level tape; callers own their tapes
// explicitly.
type Tape struct {
	backs []func()
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// record appends a backward closure. Safe on a nil receiver.
func (tp *Tape) record(f func()) {
	if tp == nil {
		return
	}
	tp.backs = append(tp.backs, f)
}

// active reports whether ops should build gradient state.
func (tp *Tape) active() bool { return tp != nil }

// Ops returns the number of recorded backward closures. The memory held by
// a tape is proportional to this count, which is what the one-step gradient
// approximation bounds.
func (tp *Tape) Ops() int {
	if tp == nil {
		return 0
	}
	return len(tp.backs)
}

// Backward seeds the scalar loss gradient with 1 and runs every recorded
// closure in reverse order, accumulating gradients into leaf grad buffers.
func (tp *Tape) Backward(loss *Tensor) {
	if tp == nil {
		panic("tensor: Backward on nil tape")
	}
	if loss.rows != 1 || loss.cols != 1 {
		panic(fmt.Sprintf("tensor: Backward expects a 1x1 loss, got %dx%d", loss.rows, loss.cols))
	}
	if loss.grad == nil {
		panic("tensor: loss was not recorded on this tape")
	}
	loss.grad[0] = 1
	for i := len(tp.backs) - 1; i >= 0; i-- {
		tp.backs[i]()
	}
}
