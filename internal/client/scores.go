package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ScoreBatchBuilder assembles per-hypothesis loss rows into Arrow
// RecordBatches suitable for a Longbow dataset.
type ScoreBatchBuilder struct {
	mem memory.Allocator
}

// NewScoreBatchBuilder creates a new builder.
func NewScoreBatchBuilder(mem memory.Allocator) *ScoreBatchBuilder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &ScoreBatchBuilder{mem: mem}
}

// Build converts one scoring pass into a RecordBatch with a row per
// (batch, hypothesis) pair: the negated terminal log-probability plus
// the source and target extents the lattice was swept over. Returns
// nil for an empty pass.
func (b *ScoreBatchBuilder) Build(scores []float32, srcLengths, tgtLengths []int32) (arrow.RecordBatch, error) {
	if len(scores) == 0 {
		return nil, nil
	}
	if len(srcLengths) != len(scores) || len(tgtLengths) != len(scores) {
		return nil, fmt.Errorf("client: %d scores but %d/%d lengths", len(scores), len(srcLengths), len(tgtLengths))
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "score", Type: arrow.PrimitiveTypes.Float32},
			{Name: "src_length", Type: arrow.PrimitiveTypes.Int32},
			{Name: "tgt_length", Type: arrow.PrimitiveTypes.Int32},
		},
		nil,
	)

	scoreBuilder := array.NewFloat32Builder(b.mem)
	defer scoreBuilder.Release()
	scoreBuilder.AppendValues(scores, nil)

	srcBuilder := array.NewInt32Builder(b.mem)
	defer srcBuilder.Release()
	srcBuilder.AppendValues(srcLengths, nil)

	tgtBuilder := array.NewInt32Builder(b.mem)
	defer tgtBuilder.Release()
	tgtBuilder.AppendValues(tgtLengths, nil)

	cols := []arrow.Array{scoreBuilder.NewArray(), srcBuilder.NewArray(), tgtBuilder.NewArray()}
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(len(scores))), nil
}
