package train

import (
	"fmt"
)

// IgnoreIndex is the label sentinel marking positions excluded from loss
// and accuracy.
const IgnoreIndex = -100

// Batch is the unit of work dataset providers must yield: token ids with
// labels of the same shape and consistent padding length, plus an optional
// attention mask (1=attend, 0=ignore).
type Batch struct {
	InputIDs [][]int
	Labels   [][]int
	Mask     [][]float64
}

// Validate checks the shape contract shared by every training call.
func (b *Batch) Validate() error {
	if len(b.InputIDs) == 0 {
		return fmt.Errorf("train: empty batch")
	}
	if len(b.Labels) != len(b.InputIDs) {
		return fmt.Errorf("train: labels batch %d != inputs batch %d", len(b.Labels), len(b.InputIDs))
	}
	seq := len(b.InputIDs[0])
	for i := range b.InputIDs {
		if len(b.InputIDs[i]) != seq {
			return fmt.Errorf("train: ragged input row %d: length %d, want %d", i, len(b.InputIDs[i]), seq)
		}
		if len(b.Labels[i]) != seq {
			return fmt.Errorf("train: labels row %d: length %d, want %d", i, len(b.Labels[i]), seq)
		}
	}
	if b.Mask != nil && len(b.Mask) != len(b.InputIDs) {
		return fmt.Errorf("train: mask batch %d != inputs batch %d", len(b.Mask), len(b.InputIDs))
	}
	return nil
}

// FlatLabels returns labels flattened to batch*seq.
func (b *Batch) FlatLabels() []int {
	out := make([]int, 0, len(b.Labels)*len(b.Labels[0]))
	for _, row := range b.Labels {
		out = append(out, row...)
	}
	return out
}

// Loader is the dataset-provider collaborator surface. Next returns io.EOF
// when the epoch is exhausted.
type Loader interface {
	Next() (*Batch, error)
}
