package results

import (
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/quantlens/quantlens/internal/tensor"
)

// arrowSchema is the columnar layout for exported results: one row
// per captured value.
var arrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "match_name", Type: arrow.BinaryTypes.String},
	{Name: "results_type", Type: arrow.BinaryTypes.String},
	{Name: "model_name", Type: arrow.BinaryTypes.String},
	{Name: "ref_node_name", Type: arrow.BinaryTypes.String},
	{Name: "ref_node_type", Type: arrow.BinaryTypes.String},
	{Name: "prev_node_name", Type: arrow.BinaryTypes.String},
	{Name: "prev_node_type", Type: arrow.BinaryTypes.String},
	{Name: "index_of_arg", Type: arrow.PrimitiveTypes.Int32},
	{Name: "index_within_arg", Type: arrow.PrimitiveTypes.Int32},
	{Name: "fqn", Type: arrow.BinaryTypes.String},
	{Name: "qconfig", Type: arrow.BinaryTypes.String},
	{Name: "capture_index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "min", Type: arrow.PrimitiveTypes.Float64},
	{Name: "max", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mean", Type: arrow.PrimitiveTypes.Float64},
	{Name: "rms", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteArrowIPC serializes results to the Arrow IPC file format, one
// row per captured tensor, in deterministic group order. Recurrent
// captures export their output tensor.
func WriteArrowIPC(w io.Writer, r Results) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, arrowSchema)
	defer b.Release()

	for _, name := range r.SortedNames() {
		byType := r[name]
		for _, resultsType := range sortedKeys(byType) {
			byModel := byType[resultsType]
			for _, model := range sortedKeys(byModel) {
				for _, rec := range byModel[model] {
					for ci, v := range rec.Values {
						t, err := comparableTensor(v)
						if err != nil {
							continue
						}
						appendRow(b, name, model, rec, ci, t)
					}
				}
			}
		}
	}

	out := b.NewRecord()
	defer out.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(arrowSchema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := fw.Write(out); err != nil {
		fw.Close()
		return fmt.Errorf("arrow write: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("arrow close: %w", err)
	}
	return nil
}

func appendRow(b *array.RecordBuilder, name, model string, rec *Record, captureIdx int, t *tensor.Tensor) {
	b.Field(0).(*array.StringBuilder).Append(name)
	b.Field(1).(*array.StringBuilder).Append(rec.Type)
	b.Field(2).(*array.StringBuilder).Append(model)
	b.Field(3).(*array.StringBuilder).Append(rec.RefNodeName)
	b.Field(4).(*array.StringBuilder).Append(rec.RefNodeTargetType)
	b.Field(5).(*array.StringBuilder).Append(rec.PrevNodeName)
	b.Field(6).(*array.StringBuilder).Append(rec.PrevNodeTargetType)
	b.Field(7).(*array.Int32Builder).Append(int32(rec.IndexOfArg))
	b.Field(8).(*array.Int32Builder).Append(int32(rec.IndexWithinArg))
	b.Field(9).(*array.StringBuilder).Append(rec.FQN)
	b.Field(10).(*array.StringBuilder).Append(rec.QConfigStr)
	b.Field(11).(*array.Int32Builder).Append(int32(captureIdx))

	shapeB := b.Field(12).(*array.ListBuilder)
	shapeB.Append(true)
	shapeVals := shapeB.ValueBuilder().(*array.Int32Builder)
	for _, d := range t.Shape {
		shapeVals.Append(int32(d))
	}

	valsB := b.Field(13).(*array.ListBuilder)
	valsB.Append(true)
	valsB.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data, nil)

	s := tensor.ComputeStats(t)
	b.Field(14).(*array.Float64Builder).Append(float64(s.Min))
	b.Field(15).(*array.Float64Builder).Append(float64(s.Max))
	b.Field(16).(*array.Float64Builder).Append(float64(s.Mean))
	b.Field(17).(*array.Float64Builder).Append(float64(s.RMS))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
