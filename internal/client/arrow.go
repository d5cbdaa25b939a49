package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names shared by the HTTP, Flight and CLI surfaces.
const (
	ColumnID           = "id"
	ColumnEmbedding    = "embedding"
	ColumnInputIDs     = "input_ids"
	ColumnTokenTypeIDs = "token_type_ids"
)

// ErrSchema is returned when a record does not carry the expected columns.
var ErrSchema = errors.New("unexpected arrow schema")

// EmbeddingSchema is the schema of records built by BuildRecordBatch.
func EmbeddingSchema(dim int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnID, Type: arrow.PrimitiveTypes.Int64},
			{Name: ColumnEmbedding, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// InputSchema is the schema of records built by BuildInputRecord.
func InputSchema(withTypes bool) *arrow.Schema {
	fields := []arrow.Field{
		{Name: ColumnInputIDs, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}
	if withTypes {
		fields = append(fields, arrow.Field{
			Name: ColumnTokenTypeIDs, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true,
		})
	}
	return arrow.NewSchema(fields, nil)
}

// RecordBatchBuilder creates Arrow records from token ids and embeddings.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts embeddings into a record of (id, embedding) rows
// where ids count up from firstID. It returns nil for an empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(embeddings [][]float32, firstID int64) (arrow.RecordBatch, error) {
	if len(embeddings) == 0 {
		return nil, nil
	}
	dim := len(embeddings[0])
	for i, emb := range embeddings {
		if len(emb) != dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(emb), dim)
		}
	}

	idBuilder := array.NewInt64Builder(b.mem)
	defer idBuilder.Release()
	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(dim), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Reserve(len(embeddings) * dim)

	for i, emb := range embeddings {
		idBuilder.Append(firstID + int64(i))
		listBuilder.Append(true)
		valueBuilder.AppendValues(emb, nil)
	}

	cols := []arrow.Array{idBuilder.NewArray(), listBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(EmbeddingSchema(dim), cols, int64(len(embeddings))), nil
}

// BuildInputRecord encodes token id sequences as list<int32> columns. The
// token_type_ids column is omitted when tokenTypeIDs is nil.
func (b *RecordBatchBuilder) BuildInputRecord(inputIDs, tokenTypeIDs [][]int) (arrow.RecordBatch, error) {
	if tokenTypeIDs != nil && len(tokenTypeIDs) != len(inputIDs) {
		return nil, fmt.Errorf("%d token type rows for %d sequences", len(tokenTypeIDs), len(inputIDs))
	}

	cols := []arrow.Array{b.buildIntLists(inputIDs)}
	if tokenTypeIDs != nil {
		cols = append(cols, b.buildIntLists(tokenTypeIDs))
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(InputSchema(tokenTypeIDs != nil), cols, int64(len(inputIDs))), nil
}

func (b *RecordBatchBuilder) buildIntLists(rows [][]int) arrow.Array {
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Int32Builder)

	for _, row := range rows {
		listBuilder.Append(true)
		for _, v := range row {
			valueBuilder.Append(int32(v))
		}
	}
	return listBuilder.NewArray()
}

// DecodeInputRecord reads the input_ids and optional token_type_ids columns.
// Null token type rows decode as zeros.
func DecodeInputRecord(rec arrow.RecordBatch) (inputIDs, tokenTypeIDs [][]int, err error) {
	idsCol, err := column(rec, ColumnInputIDs)
	if err != nil {
		return nil, nil, err
	}
	inputIDs, err = decodeIntLists(idsCol)
	if err != nil {
		return nil, nil, fmt.Errorf("column %s: %w", ColumnInputIDs, err)
	}

	if len(rec.Schema().FieldIndices(ColumnTokenTypeIDs)) == 0 {
		return inputIDs, nil, nil
	}
	typesCol, err := column(rec, ColumnTokenTypeIDs)
	if err != nil {
		return nil, nil, err
	}
	tokenTypeIDs, err = decodeIntLists(typesCol)
	if err != nil {
		return nil, nil, fmt.Errorf("column %s: %w", ColumnTokenTypeIDs, err)
	}
	for i, row := range tokenTypeIDs {
		if row == nil {
			tokenTypeIDs[i] = make([]int, len(inputIDs[i]))
		}
	}
	return inputIDs, tokenTypeIDs, nil
}

// DecodeEmbeddings reads the embedding column of a record built by
// BuildRecordBatch.
func DecodeEmbeddings(rec arrow.RecordBatch) ([][]float32, error) {
	col, err := column(rec, ColumnEmbedding)
	if err != nil {
		return nil, err
	}
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("%w: column %s is %s, want fixed_size_list<float32>", ErrSchema, ColumnEmbedding, col.DataType())
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: column %s holds %s, want float32", ErrSchema, ColumnEmbedding, fsl.ListValues().DataType())
	}

	raw := values.Float32Values()
	out := make([][]float32, fsl.Len())
	for i := range out {
		start, end := fsl.ValueOffsets(i)
		out[i] = append([]float32(nil), raw[start:end]...)
	}
	return out, nil
}

func column(rec arrow.RecordBatch, name string) (arrow.Array, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: missing column %q", ErrSchema, name)
	}
	return rec.Column(indices[0]), nil
}

func decodeIntLists(col arrow.Array) ([][]int, error) {
	list, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want list<int32>", ErrSchema, col.DataType())
	}

	var at func(i int64) int
	switch values := list.ListValues().(type) {
	case *array.Int32:
		at = func(i int64) int { return int(values.Value(int(i))) }
	case *array.Int64:
		at = func(i int64) int { return int(values.Value(int(i))) }
	default:
		return nil, fmt.Errorf("%w: list values are %s, want int32 or int64", ErrSchema, values.DataType())
	}

	out := make([][]int, list.Len())
	for i := range out {
		if list.IsNull(i) {
			continue
		}
		start, end := list.ValueOffsets(i)
		row := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			row = append(row, at(j))
		}
		out[i] = row
	}
	return out, nil
}
