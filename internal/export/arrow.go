// Package export serializes model diagnostics (hidden states, residual
// series, participation ratios) to Arrow IPC files for offline analysis
// tools. Strictly a read-only consumer surface: nothing written here feeds
// back into training.
package export

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Schema: one row per exported vector, tagged with a series name and the
// training step it was captured at.
func diagSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "series", Type: arrow.BinaryTypes.String},
			{Name: "step", Type: arrow.PrimitiveTypes.Int64},
			{Name: "vector", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)
}

// Writer appends diagnostic records to a single Arrow IPC file.
type Writer struct {
	f   *os.File
	w   *ipc.FileWriter
	mem memory.Allocator
}

// Create opens path for writing and emits the schema header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", path, err)
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(diagSchema()), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: open ipc writer: %w", err)
	}
	return &Writer{f: f, w: w, mem: mem}, nil
}

// WriteStates writes one row per row of t, all under the same series name.
func (w *Writer) WriteStates(series string, step int, t *tensor.Tensor) error {
	rows, _ := t.Dims()
	vectors := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		vectors[i] = t.Row(i)
	}
	return w.writeRecord(series, step, vectors)
}

// WriteSeries writes a single row holding the given values (residual
// magnitudes, participation ratios and similar scalar series).
func (w *Writer) WriteSeries(series string, step int, values []float64) error {
	return w.writeRecord(series, step, [][]float64{values})
}

func (w *Writer) writeRecord(series string, step int, vectors [][]float64) error {
	nameBuilder := array.NewStringBuilder(w.mem)
	defer nameBuilder.Release()
	stepBuilder := array.NewInt64Builder(w.mem)
	defer stepBuilder.Release()
	listBuilder := array.NewListBuilder(w.mem, arrow.PrimitiveTypes.Float64)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float64Builder)

	for _, vec := range vectors {
		nameBuilder.Append(series)
		stepBuilder.Append(int64(step))
		listBuilder.Append(true)
		valueBuilder.AppendValues(vec, nil)
	}

	cols := []arrow.Array{nameBuilder.NewArray(), stepBuilder.NewArray(), listBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	rec := array.NewRecord(diagSchema(), cols, int64(len(vectors)))
	defer rec.Release()
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("export: write record: %w", err)
	}
	return nil
}

// Close finishes the IPC footer and closes the file on all paths.
func (w *Writer) Close() error {
	werr := w.w.Close()
	ferr := w.f.Close()
	if werr != nil {
		return fmt.Errorf("export: close ipc writer: %w", werr)
	}
	if ferr != nil {
		return fmt.Errorf("export: close file: %w", ferr)
	}
	return nil
}
