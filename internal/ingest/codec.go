package ingest

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/aplake/internal/config"
	"github.com/rs/zerolog"
)

// Stored column names.
const (
	ColTimestamp   = "Timestamp"
	ColLineNumber  = "LineNumber"
	ColValue       = "Value"
	ColStringValue = "StringValue"
	ColBinaryValue = "BinaryValue"
)

// PartitionSchema is the fixed schema of every partition file.
var PartitionSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColTimestamp, Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: ColLineNumber, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColValue, Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	{Name: ColStringValue, Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: ColBinaryValue, Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// sharedArrowAllocator is safe for concurrent use.
var sharedArrowAllocator = memory.NewGoAllocator()

// ParquetCodec converts batches to and from Parquet files.
type ParquetCodec struct {
	compression     compress.Compression
	useDictionary   bool
	writeStatistics bool
	dataPageVersion string
	logger          zerolog.Logger
}

// NewParquetCodec creates a codec from parquet settings. Unknown compression
// names fall back to snappy.
func NewParquetCodec(cfg *config.ParquetConfig, logger zerolog.Logger) *ParquetCodec {
	var comp compress.Compression
	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "zstd":
		comp = compress.Codecs.Zstd
	case "none", "uncompressed":
		comp = compress.Codecs.Uncompressed
	default:
		comp = compress.Codecs.Snappy
	}

	return &ParquetCodec{
		compression:     comp,
		useDictionary:   cfg.UseDictionary,
		writeStatistics: cfg.WriteStatistics,
		dataPageVersion: cfg.DataPageVersion,
		logger:          logger.With().Str("component", "parquet-codec").Logger(),
	}
}

// Encode writes b as a single-row-group Parquet file.
func (c *ParquetCodec) Encode(b *Batch) ([]byte, error) {
	mem := sharedArrowAllocator

	tsB := array.NewInt64Builder(mem)
	lnB := array.NewInt64Builder(mem)
	valB := array.NewFloat32Builder(mem)
	strB := array.NewStringBuilder(mem)
	binB := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	builders := []array.Builder{tsB, lnB, valB, strB, binB}
	defer func() {
		for _, bld := range builders {
			bld.Release()
		}
	}()

	tsB.AppendValues(b.Timestamps, b.TSValid)
	lnB.AppendValues(b.LineNumbers, nil)
	valB.AppendValues(b.Values, b.ValValid)
	strB.AppendValues(b.Strings, b.StrValid)
	binB.AppendValues(b.Binaries, b.BinValid)

	arrays := make([]arrow.Array, len(builders))
	for i, bld := range builders {
		arrays[i] = bld.NewArray()
	}
	defer func() {
		for _, arr := range arrays {
			arr.Release()
		}
	}()

	record := array.NewRecord(PartitionSchema, arrays, int64(b.Len()))
	defer record.Release()

	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(c.compression),
		parquet.WithDictionaryDefault(c.useDictionary),
		parquet.WithStats(c.writeStatistics),
	}
	if c.dataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}

	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(
		PartitionSchema,
		&buf,
		parquet.NewWriterProperties(writerOpts...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	c.logger.Trace().Int("rows", b.Len()).Int("size", buf.Len()).Msg("Encoded Parquet file")
	return buf.Bytes(), nil
}

// Decode reads a partition file back into a batch.
func (c *ParquetCodec) Decode(ctx context.Context, data []byte) (*Batch, error) {
	mem := sharedArrowAllocator
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read Parquet file: %w", err)
	}
	defer tbl.Release()

	cols := make(map[string]int, 5)
	for _, f := range PartitionSchema.Fields() {
		idx := tbl.Schema().FieldIndices(f.Name)
		if len(idx) != 1 {
			return nil, fmt.Errorf("parquet file has no %s column", f.Name)
		}
		cols[f.Name] = idx[0]
	}

	out := NewBatch(int(tbl.NumRows()))
	for _, chunk := range tbl.Column(cols[ColLineNumber]).Data().Chunks() {
		ln, ok := chunk.(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %s", ColLineNumber, chunk.DataType())
		}
		out.LineNumbers = append(out.LineNumbers, ln.Int64Values()...)
	}

	for _, chunk := range tbl.Column(cols[ColTimestamp]).Data().Chunks() {
		ts, ok := chunk.(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %s", ColTimestamp, chunk.DataType())
		}
		for i := 0; i < ts.Len(); i++ {
			valid := ts.IsValid(i)
			out.TSValid = append(out.TSValid, valid)
			if valid {
				out.Timestamps = append(out.Timestamps, ts.Value(i))
			} else {
				out.Timestamps = append(out.Timestamps, 0)
			}
		}
	}

	for _, chunk := range tbl.Column(cols[ColValue]).Data().Chunks() {
		vals, ok := chunk.(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %s", ColValue, chunk.DataType())
		}
		for i := 0; i < vals.Len(); i++ {
			valid := vals.IsValid(i)
			out.ValValid = append(out.ValValid, valid)
			if valid {
				out.Values = append(out.Values, vals.Value(i))
			} else {
				out.Values = append(out.Values, float32(math.NaN()))
			}
		}
	}

	for _, chunk := range tbl.Column(cols[ColStringValue]).Data().Chunks() {
		strs, ok := chunk.(*array.String)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %s", ColStringValue, chunk.DataType())
		}
		for i := 0; i < strs.Len(); i++ {
			valid := strs.IsValid(i)
			out.StrValid = append(out.StrValid, valid)
			if valid {
				out.Strings = append(out.Strings, strings.Clone(strs.Value(i)))
			} else {
				out.Strings = append(out.Strings, "")
			}
		}
	}

	for _, chunk := range tbl.Column(cols[ColBinaryValue]).Data().Chunks() {
		bins, ok := chunk.(*array.Binary)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %s", ColBinaryValue, chunk.DataType())
		}
		for i := 0; i < bins.Len(); i++ {
			valid := bins.IsValid(i)
			out.BinValid = append(out.BinValid, valid)
			if valid {
				out.Binaries = append(out.Binaries, append([]byte{}, bins.Value(i)...))
			} else {
				out.Binaries = append(out.Binaries, nil)
			}
		}
	}

	n := out.Len()
	if len(out.Timestamps) != n || len(out.Values) != n || len(out.Strings) != n || len(out.Binaries) != n {
		return nil, fmt.Errorf("parquet file has ragged columns")
	}
	return out, nil
}
