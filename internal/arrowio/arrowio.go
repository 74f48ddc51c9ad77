// Package arrowio moves alpha-lattice compute problems and their results
// across the Arrow boundary: requests arrive as record batches with one
// row per batch element, responses leave as record batches with one row
// per (batch, hypothesis) pair. The engine itself only sees the flat
// buffers decoded here.
package arrowio

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/rnnt"
)

// Column names and schema metadata keys. Dimensions that do not vary per
// row travel in the schema metadata rather than in columns.
const (
	ColLogits     = "logits"
	ColTargets    = "targets"
	ColSrcLengths = "src_lengths"
	ColTgtLengths = "tgt_lengths"
	ColAlphas     = "alphas"
	ColScore      = "score"

	metaMaxSrcLen  = "bodkin.max_src_len"
	metaMaxTgtLen  = "bodkin.max_tgt_len"
	metaNumTargets = "bodkin.num_targets"
	metaNHypos     = "bodkin.n_hypos"
	metaBlank      = "bodkin.blank"
	metaClamp      = "bodkin.clamp"
)

// Request is one decoded compute problem. Exactly one of Logits and
// Logits64 is set; it decides which kernel instantiation runs and the
// numeric type of the response.
type Request struct {
	Opts       rnnt.Options
	Logits     []float32
	Logits64   []float64
	Targets    []int32
	SrcLengths []int32
	TgtLengths []int32
}

// Wide reports whether the request carries float64 scores.
func (r Request) Wide() bool { return r.Logits64 != nil }

// Response is a decoded result batch.
type Response struct {
	MaxSrcLen int
	MaxTgtLen int
	Alphas    []float32
	Alphas64  []float64
	Scores    []float32
	Scores64  []float64
}

// Codec builds and reads the record batches. Safe for concurrent use.
type Codec struct {
	mem memory.Allocator
}

func NewCodec(mem memory.Allocator) *Codec {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Codec{mem: mem}
}

func (c *Codec) metadata(opts rnnt.Options) arrow.Metadata {
	return arrow.NewMetadata(
		[]string{metaMaxSrcLen, metaMaxTgtLen, metaNumTargets, metaNHypos, metaBlank, metaClamp},
		[]string{
			strconv.Itoa(opts.MaxSrcLen),
			strconv.Itoa(opts.MaxTgtLen),
			strconv.Itoa(opts.NumTargets),
			strconv.Itoa(opts.NHypos),
			strconv.Itoa(int(opts.Blank)),
			strconv.FormatFloat(opts.Clamp, 'g', -1, 64),
		},
	)
}

func floatType(wide bool) arrow.DataType {
	if wide {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.PrimitiveTypes.Float32
}

// RequestSchema is the request layout for the given dimensions: one row
// per batch element, hypotheses flattened into the row's lists. The
// targets column is a variable list because its row width H*(U-1) is
// zero for empty-target requests, which fixed-size lists cannot carry.
func (c *Codec) RequestSchema(opts rnnt.Options, wide bool) *arrow.Schema {
	md := c.metadata(opts)
	s, u, v, h := opts.MaxSrcLen, opts.MaxTgtLen, opts.NumTargets, opts.NHypos
	return arrow.NewSchema([]arrow.Field{
		{Name: ColLogits, Type: arrow.FixedSizeListOf(int32(s*u*v), floatType(wide))},
		{Name: ColTargets, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColSrcLengths, Type: arrow.FixedSizeListOf(int32(h), arrow.PrimitiveTypes.Int32)},
		{Name: ColTgtLengths, Type: arrow.FixedSizeListOf(int32(h), arrow.PrimitiveTypes.Int32)},
	}, &md)
}

// ResponseSchema is the result layout: one row per (batch, hypothesis)
// pair carrying that pair's padded lattice and its loss.
func (c *Codec) ResponseSchema(opts rnnt.Options, wide bool) *arrow.Schema {
	md := c.metadata(opts)
	return arrow.NewSchema([]arrow.Field{
		{Name: ColAlphas, Type: arrow.FixedSizeListOf(int32(opts.MaxSrcLen*opts.MaxTgtLen), floatType(wide))},
		{Name: ColScore, Type: floatType(wide)},
	}, &md)
}

// EncodeRequest builds a request batch from flat engine buffers. Values
// are appended through builders, so the input slices stay caller-owned.
func (c *Codec) EncodeRequest(req Request) (arrow.RecordBatch, error) {
	opts := req.Opts
	if opts.BatchSize < 1 || opts.NHypos < 1 || opts.MaxSrcLen < 1 || opts.MaxTgtLen < 1 || opts.NumTargets < 1 {
		return nil, fmt.Errorf("request dimensions must be positive, got batch=%d hypos=%d src=%d tgt=%d vocab=%d: %w",
			opts.BatchSize, opts.NHypos, opts.MaxSrcLen, opts.MaxTgtLen, opts.NumTargets, rnnt.ErrShape)
	}
	if (req.Logits == nil) == (req.Logits64 == nil) {
		return nil, fmt.Errorf("request must carry exactly one logit buffer: %w", rnnt.ErrUnsupportedDtype)
	}
	if len(req.Logits)+len(req.Logits64) != opts.LogitElements() {
		return nil, fmt.Errorf("logit buffer holds %d elements, want %d: %w",
			len(req.Logits)+len(req.Logits64), opts.LogitElements(), rnnt.ErrShape)
	}
	if len(req.Targets) != opts.TargetElements() {
		return nil, fmt.Errorf("targets buffer holds %d elements, want %d: %w",
			len(req.Targets), opts.TargetElements(), rnnt.ErrShape)
	}
	if len(req.SrcLengths) != opts.Pairs() || len(req.TgtLengths) != opts.Pairs() {
		return nil, fmt.Errorf("lengths buffers hold %d/%d entries, want %d: %w",
			len(req.SrcLengths), len(req.TgtLengths), opts.Pairs(), rnnt.ErrShape)
	}

	schema := c.RequestSchema(opts, req.Wide())
	b := opts.BatchSize
	logitWidth := opts.MaxSrcLen * opts.MaxTgtLen * opts.NumTargets

	lb := array.NewFixedSizeListBuilder(c.mem, int32(logitWidth), floatType(req.Wide()))
	defer lb.Release()
	if req.Wide() {
		vb := lb.ValueBuilder().(*array.Float64Builder)
		for row := 0; row < b; row++ {
			lb.Append(true)
			vb.AppendValues(req.Logits64[row*logitWidth:(row+1)*logitWidth], nil)
		}
	} else {
		vb := lb.ValueBuilder().(*array.Float32Builder)
		for row := 0; row < b; row++ {
			lb.Append(true)
			vb.AppendValues(req.Logits[row*logitWidth:(row+1)*logitWidth], nil)
		}
	}
	logitArr := lb.NewArray()
	defer logitArr.Release()

	tgtWidth := opts.NHypos * (opts.MaxTgtLen - 1)
	tb := array.NewListBuilder(c.mem, arrow.PrimitiveTypes.Int32)
	defer tb.Release()
	tvb := tb.ValueBuilder().(*array.Int32Builder)
	for row := 0; row < b; row++ {
		tb.Append(true)
		tvb.AppendValues(req.Targets[row*tgtWidth:(row+1)*tgtWidth], nil)
	}
	targetArr := tb.NewArray()
	defer targetArr.Release()
	srcArr := c.buildIntList(req.SrcLengths, b, opts.NHypos)
	defer srcArr.Release()
	tgtArr := c.buildIntList(req.TgtLengths, b, opts.NHypos)
	defer tgtArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{logitArr, targetArr, srcArr, tgtArr}, int64(b)), nil
}

func (c *Codec) buildIntList(vals []int32, rows, width int) arrow.Array {
	lb := array.NewFixedSizeListBuilder(c.mem, int32(width), arrow.PrimitiveTypes.Int32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Int32Builder)
	for row := 0; row < rows; row++ {
		lb.Append(true)
		vb.AppendValues(vals[row*width:(row+1)*width], nil)
	}
	return lb.NewArray()
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("schema metadata missing %s: %w", key, rnnt.ErrShape)
	}
	n, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return 0, fmt.Errorf("schema metadata %s=%q: %w", key, md.Values()[idx], rnnt.ErrShape)
	}
	return n, nil
}

func metaFloat(md arrow.Metadata, key string) (float64, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("schema metadata missing %s: %w", key, rnnt.ErrShape)
	}
	f, err := strconv.ParseFloat(md.Values()[idx], 64)
	if err != nil {
		return 0, fmt.Errorf("schema metadata %s=%q: %w", key, md.Values()[idx], rnnt.ErrShape)
	}
	return f, nil
}

func column(rec arrow.RecordBatch, name string) (arrow.Array, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) != 1 {
		return nil, fmt.Errorf("record has %d columns named %s, want 1: %w", len(indices), name, rnnt.ErrShape)
	}
	return rec.Column(indices[0]), nil
}

// intList flattens a FixedSizeList<int32> column, checking the declared
// list width. Copies out so the result outlives the record.
func intList(rec arrow.RecordBatch, name string, width int) ([]int32, error) {
	col, err := column(rec, name)
	if err != nil {
		return nil, err
	}
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %s is %s, want fixed_size_list<int32>: %w", name, col.DataType(), rnnt.ErrUnsupportedDtype)
	}
	if got := int(fsl.DataType().(*arrow.FixedSizeListType).Len()); got != width {
		return nil, fmt.Errorf("column %s has list width %d, want %d: %w", name, got, width, rnnt.ErrShape)
	}
	vals, ok := fsl.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column %s holds %s values, want int32: %w", name, fsl.ListValues().DataType(), rnnt.ErrUnsupportedDtype)
	}
	out := make([]int32, fsl.Len()*width)
	base := fsl.Offset() * width
	for i := range out {
		out[i] = vals.Value(base + i)
	}
	return out, nil
}

// targetList flattens the variable-width targets column, checking every
// row against the geometry's H*(U-1) width. Copies out so the result
// outlives the record.
func targetList(rec arrow.RecordBatch, width int) ([]int32, error) {
	col, err := column(rec, ColTargets)
	if err != nil {
		return nil, err
	}
	list, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %s is %s, want list<int32>: %w", ColTargets, col.DataType(), rnnt.ErrUnsupportedDtype)
	}
	vals, ok := list.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column %s holds %s values, want int32: %w", ColTargets, list.ListValues().DataType(), rnnt.ErrUnsupportedDtype)
	}
	out := make([]int32, 0, list.Len()*width)
	for row := 0; row < list.Len(); row++ {
		start, end := list.ValueOffsets(row)
		if int(end-start) != width {
			return nil, fmt.Errorf("column %s row %d holds %d entries, want %d: %w",
				ColTargets, row, end-start, width, rnnt.ErrShape)
		}
		for i := start; i < end; i++ {
			out = append(out, vals.Value(int(i)))
		}
	}
	return out, nil
}

// DecodeRequest rebuilds the flat engine buffers from a request batch.
// Dimensions come from the schema metadata, the batch size from the row
// count; the resolver then re-derives Options so every consistency rule
// runs against the wire values. Buffers are copied out of the record, so
// the caller may release it as soon as this returns.
func (c *Codec) DecodeRequest(rec arrow.RecordBatch) (Request, error) {
	md := rec.Schema().Metadata()
	maxSrcLen, err := metaInt(md, metaMaxSrcLen)
	if err != nil {
		return Request{}, err
	}
	maxTgtLen, err := metaInt(md, metaMaxTgtLen)
	if err != nil {
		return Request{}, err
	}
	numTargets, err := metaInt(md, metaNumTargets)
	if err != nil {
		return Request{}, err
	}
	nHypos, err := metaInt(md, metaNHypos)
	if err != nil {
		return Request{}, err
	}
	blank, err := metaInt(md, metaBlank)
	if err != nil {
		return Request{}, err
	}
	clamp, err := metaFloat(md, metaClamp)
	if err != nil {
		return Request{}, err
	}

	batch := int(rec.NumRows())
	if batch <= 0 {
		return Request{}, fmt.Errorf("request has %d rows: %w", batch, rnnt.ErrShape)
	}
	opts, err := rnnt.DeriveOptions([4]int{batch, maxSrcLen, maxTgtLen, numTargets}, batch*nHypos, batch*nHypos, int32(blank), clamp)
	if err != nil {
		return Request{}, err
	}

	req := Request{Opts: opts}

	logitCol, err := column(rec, ColLogits)
	if err != nil {
		return Request{}, err
	}
	fsl, ok := logitCol.(*array.FixedSizeList)
	if !ok {
		return Request{}, fmt.Errorf("column %s is %s, want fixed_size_list: %w", ColLogits, logitCol.DataType(), rnnt.ErrUnsupportedDtype)
	}
	logitWidth := maxSrcLen * maxTgtLen * numTargets
	if got := int(fsl.DataType().(*arrow.FixedSizeListType).Len()); got != logitWidth {
		return Request{}, fmt.Errorf("column %s has list width %d, want %d: %w", ColLogits, got, logitWidth, rnnt.ErrShape)
	}
	base := fsl.Offset() * logitWidth
	switch vals := fsl.ListValues().(type) {
	case *array.Float32:
		req.Logits = make([]float32, batch*logitWidth)
		for i := range req.Logits {
			req.Logits[i] = vals.Value(base + i)
		}
	case *array.Float64:
		req.Logits64 = make([]float64, batch*logitWidth)
		for i := range req.Logits64 {
			req.Logits64[i] = vals.Value(base + i)
		}
	default:
		return Request{}, fmt.Errorf("column %s holds %s values: %w", ColLogits, fsl.ListValues().DataType(), rnnt.ErrUnsupportedDtype)
	}

	if req.Targets, err = targetList(rec, nHypos*(maxTgtLen-1)); err != nil {
		return Request{}, err
	}
	if req.SrcLengths, err = intList(rec, ColSrcLengths, nHypos); err != nil {
		return Request{}, err
	}
	if req.TgtLengths, err = intList(rec, ColTgtLengths, nHypos); err != nil {
		return Request{}, err
	}
	return req, nil
}

// EncodeResponse builds a float32 result batch without copying the
// lattice: the alpha and score buffers back the Arrow arrays directly,
// so they must stay untouched until the record has been written out.
func (c *Codec) EncodeResponse(opts rnnt.Options, alphas, scores []float32) (arrow.RecordBatch, error) {
	if len(alphas) != opts.LatticeElements() {
		return nil, fmt.Errorf("alpha buffer holds %d elements, want %d: %w", len(alphas), opts.LatticeElements(), rnnt.ErrShape)
	}
	if len(scores) != opts.Pairs() {
		return nil, fmt.Errorf("score buffer holds %d entries, want %d: %w", len(scores), opts.Pairs(), rnnt.ErrShape)
	}

	pairs := opts.Pairs()
	width := opts.MaxSrcLen * opts.MaxTgtLen
	fslType := arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)

	alphaBuf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(alphas))
	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, len(alphas), []*memory.Buffer{nil, alphaBuf}, nil, 0, 0)
	defer valuesData.Release()
	fslData := array.NewData(fslType, pairs, []*memory.Buffer{nil}, []arrow.ArrayData{valuesData}, 0, 0)
	defer fslData.Release()
	alphaArr := array.NewFixedSizeListData(fslData)
	defer alphaArr.Release()

	scoreBuf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(scores))
	scoreData := array.NewData(arrow.PrimitiveTypes.Float32, pairs, []*memory.Buffer{nil, scoreBuf}, nil, 0, 0)
	defer scoreData.Release()
	scoreArr := array.NewFloat32Data(scoreData)
	defer scoreArr.Release()

	schema := c.ResponseSchema(opts, false)
	return array.NewRecordBatch(schema, []arrow.Array{alphaArr, scoreArr}, int64(pairs)), nil
}

// EncodeResponse64 is the float64 form of EncodeResponse.
func (c *Codec) EncodeResponse64(opts rnnt.Options, alphas, scores []float64) (arrow.RecordBatch, error) {
	if len(alphas) != opts.LatticeElements() {
		return nil, fmt.Errorf("alpha buffer holds %d elements, want %d: %w", len(alphas), opts.LatticeElements(), rnnt.ErrShape)
	}
	if len(scores) != opts.Pairs() {
		return nil, fmt.Errorf("score buffer holds %d entries, want %d: %w", len(scores), opts.Pairs(), rnnt.ErrShape)
	}

	pairs := opts.Pairs()
	width := opts.MaxSrcLen * opts.MaxTgtLen
	fslType := arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float64)

	alphaBuf := memory.NewBufferBytes(arrow.Float64Traits.CastToBytes(alphas))
	valuesData := array.NewData(arrow.PrimitiveTypes.Float64, len(alphas), []*memory.Buffer{nil, alphaBuf}, nil, 0, 0)
	defer valuesData.Release()
	fslData := array.NewData(fslType, pairs, []*memory.Buffer{nil}, []arrow.ArrayData{valuesData}, 0, 0)
	defer fslData.Release()
	alphaArr := array.NewFixedSizeListData(fslData)
	defer alphaArr.Release()

	scoreBuf := memory.NewBufferBytes(arrow.Float64Traits.CastToBytes(scores))
	scoreData := array.NewData(arrow.PrimitiveTypes.Float64, pairs, []*memory.Buffer{nil, scoreBuf}, nil, 0, 0)
	defer scoreData.Release()
	scoreArr := array.NewFloat64Data(scoreData)
	defer scoreArr.Release()

	schema := c.ResponseSchema(opts, true)
	return array.NewRecordBatch(schema, []arrow.Array{alphaArr, scoreArr}, int64(pairs)), nil
}

// DecodeResponse copies a result batch back into flat slices.
func (c *Codec) DecodeResponse(rec arrow.RecordBatch) (Response, error) {
	md := rec.Schema().Metadata()
	maxSrcLen, err := metaInt(md, metaMaxSrcLen)
	if err != nil {
		return Response{}, err
	}
	maxTgtLen, err := metaInt(md, metaMaxTgtLen)
	if err != nil {
		return Response{}, err
	}
	resp := Response{MaxSrcLen: maxSrcLen, MaxTgtLen: maxTgtLen}

	alphaCol, err := column(rec, ColAlphas)
	if err != nil {
		return Response{}, err
	}
	fsl, ok := alphaCol.(*array.FixedSizeList)
	if !ok {
		return Response{}, fmt.Errorf("column %s is %s, want fixed_size_list: %w", ColAlphas, alphaCol.DataType(), rnnt.ErrUnsupportedDtype)
	}
	width := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	if width != maxSrcLen*maxTgtLen {
		return Response{}, fmt.Errorf("column %s has list width %d, want %d: %w", ColAlphas, width, maxSrcLen*maxTgtLen, rnnt.ErrShape)
	}
	pairs := int(rec.NumRows())
	base := fsl.Offset() * width

	scoreCol, err := column(rec, ColScore)
	if err != nil {
		return Response{}, err
	}

	switch vals := fsl.ListValues().(type) {
	case *array.Float32:
		resp.Alphas = make([]float32, pairs*width)
		for i := range resp.Alphas {
			resp.Alphas[i] = vals.Value(base + i)
		}
		scoreArr, ok := scoreCol.(*array.Float32)
		if !ok {
			return Response{}, fmt.Errorf("column %s is %s, want float32: %w", ColScore, scoreCol.DataType(), rnnt.ErrUnsupportedDtype)
		}
		resp.Scores = make([]float32, pairs)
		for i := range resp.Scores {
			resp.Scores[i] = scoreArr.Value(i)
		}
	case *array.Float64:
		resp.Alphas64 = make([]float64, pairs*width)
		for i := range resp.Alphas64 {
			resp.Alphas64[i] = vals.Value(base + i)
		}
		scoreArr, ok := scoreCol.(*array.Float64)
		if !ok {
			return Response{}, fmt.Errorf("column %s is %s, want float64: %w", ColScore, scoreCol.DataType(), rnnt.ErrUnsupportedDtype)
		}
		resp.Scores64 = make([]float64, pairs)
		for i := range resp.Scores64 {
			resp.Scores64[i] = scoreArr.Value(i)
		}
	default:
		return Response{}, fmt.Errorf("column %s holds %s values: %w", ColAlphas, fsl.ListValues().DataType(), rnnt.ErrUnsupportedDtype)
	}
	return resp, nil
}
