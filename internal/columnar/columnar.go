// Package columnar streams an engine result cursor to a client as an
// Arrow-compatible IPC byte stream: a schema prefix, one record batch
// per chunk pulled from the cursor, and an end-of-stream marker, with an
// optional single-shot ZSTD/LZ4 compression pass and a coarse
// per-request memory guard. It never materializes the whole result set
// in memory beyond one batch at a time (compression is the one
// exception: it necessarily operates on the complete serialized bytes).
package columnar

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"

	"flapi/internal/apperror"
	"flapi/internal/config"
)

const defaultBatchSize = 8192
const defaultMaxMemoryBytes = 256 * 1024 * 1024

// memoryBytesPerRow is the coarse per-row memory proxy the guard uses
// instead of tracking actual allocation sizes.
const memoryBytesPerRow = 100

// Config is the resolved, defaulted form of config.ColumnarConfig.
type Config struct {
	BatchSize        int
	Codec            string
	CompressionLevel int
	MaxMemoryBytes   int64
}

// resolveConfig applies the serializer's defaults on top of whatever the
// operator configured.
func resolveConfig(cfg config.ColumnarConfig) Config {
	c := Config{
		BatchSize:        cfg.BatchSize,
		Codec:            cfg.Codec,
		CompressionLevel: cfg.CompressionLevel,
		MaxMemoryBytes:   cfg.MaxMemoryBytes,
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	return c
}

// Serializer streams query results as Arrow IPC, applying the resolved
// configuration's batch size, memory guard, and default codec.
type Serializer struct {
	cfg     Config
	metrics *metrics
}

// NewSerializer builds a Serializer from operator configuration.
func NewSerializer(cfg config.ColumnarConfig) *Serializer {
	return &Serializer{cfg: resolveConfig(cfg), metrics: defaultMetrics}
}

// StreamOptions carries the per-request codec choice negotiated from the
// Accept header or ?format= query parameter; an empty Codec falls back
// to the serializer's configured default.
type StreamOptions struct {
	Codec string
}

// Stream pulls rows from the cursor, writes them to w as an Arrow IPC
// stream (schema, record batches, EOS marker), and — if a codec is
// requested — compresses the complete stream in one shot before writing
// it out. rows is owned by the caller; Stream does not close it.
func (s *Serializer) Stream(ctx context.Context, w io.Writer, rows *sql.Rows, opts StreamOptions) (err error) {
	start := time.Now()
	marker := newRequestMarker(s.metrics)
	defer func() {
		if err != nil {
			kind := ""
			if ae, ok := apperror.As(err); ok {
				kind = ae.SubKind
			}
			marker.failure(kind)
			return
		}
		marker.success()
		s.metrics.durationMicros.Observe(float64(time.Since(start).Microseconds()))
	}()

	codec := s.cfg.Codec
	if opts.Codec != "" {
		codec = opts.Codec
	}
	codec, cerr := normalizeCodec(codec)
	if cerr != nil {
		return apperror.New(apperror.KindValidation, cerr.Error(), cerr)
	}
	if codec != "" {
		s.metrics.compressionRequests.Inc()
	}

	colTypes, cterr := rows.ColumnTypes()
	if cterr != nil {
		return apperror.New(apperror.KindSerializer, "failed to read cursor column types", cterr)
	}
	rs := buildResultSchema(colTypes)

	var dest io.Writer
	var buf *bytes.Buffer
	counter := &byteCounter{w: w}
	if codec != "" {
		buf = &bytes.Buffer{}
		dest = buf
	} else {
		dest = counter
	}

	ipcWriter := ipc.NewWriter(dest, ipc.WithSchema(rs.schema))

	allocator := newAllocator()
	builder := array.NewRecordBuilder(allocator, rs.schema)
	defer builder.Release()

	cols := make([]any, len(colTypes))
	ptrs := make([]any, len(colTypes))
	for i := range cols {
		ptrs[i] = &cols[i]
	}

	var runningEstimate int64
	rowsInBatch := 0

	flush := func() error {
		if rowsInBatch == 0 {
			return nil
		}
		rec := builder.NewRecord()
		werr := ipcWriter.Write(rec)
		rec.Release()
		if werr != nil {
			return apperror.New(apperror.KindSerializer, "failed to write record batch", werr)
		}
		s.metrics.totalBatches.Inc()
		s.metrics.totalRows.Add(float64(rowsInBatch))
		s.metrics.batchRowCount.Observe(float64(rowsInBatch))

		runningEstimate += int64(rowsInBatch) * memoryBytesPerRow
		s.metrics.setCurrentMemory(runningEstimate)
		if runningEstimate > s.cfg.MaxMemoryBytes {
			return apperror.New(apperror.KindSerializer, "columnar stream exceeded memory guard", nil).WithSub(apperror.SerializerMemory)
		}
		rowsInBatch = 0
		return nil
	}

	for rows.Next() {
		select {
		case <-ctx.Done():
			return apperror.New(apperror.KindSerializer, "columnar stream cancelled", ctx.Err())
		default:
		}

		if err := rows.Scan(ptrs...); err != nil {
			return apperror.New(apperror.KindSerializer, "failed to scan cursor row", err)
		}
		if err := appendRow(builder, rs.kinds, cols); err != nil {
			return apperror.New(apperror.KindSerializer, "failed to append row to builder", err)
		}
		rowsInBatch++

		if rowsInBatch >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return apperror.New(apperror.KindSerializer, "cursor iteration error", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if err := ipcWriter.Close(); err != nil {
		return apperror.New(apperror.KindSerializer, "failed to close ipc writer", err)
	}

	var uncompressedSize, responseSize int64
	if codec != "" {
		uncompressedSize = int64(buf.Len())
		s.metrics.bytesWrittenUncompressed.Add(float64(uncompressedSize))

		compressed, applied := compress(codec, s.cfg.CompressionLevel, buf.Bytes())
		if !applied {
			s.metrics.compressionErrors.Inc()
		}
		if applied && uncompressedSize > 0 {
			ratio := float64(len(compressed)) / float64(uncompressedSize) * 1_000_000
			s.metrics.compressionRatio.Observe(ratio)
		}
		if _, werr := w.Write(compressed); werr != nil {
			return apperror.New(apperror.KindSerializer, "failed to write compressed stream", werr)
		}
		responseSize = int64(len(compressed))
	} else {
		uncompressedSize = counter.n
		responseSize = counter.n
		s.metrics.bytesWrittenUncompressed.Add(float64(uncompressedSize))
	}
	s.metrics.bytesCompressed.Add(float64(responseSize))
	s.metrics.responseBytes.Observe(float64(responseSize))

	return nil
}

// byteCounter wraps an io.Writer to count bytes actually written,
// without buffering them — used on the uncompressed path where record
// batches stream straight through to the client.
type byteCounter struct {
	w io.Writer
	n int64
}

func (b *byteCounter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	b.n += int64(n)
	return n, err
}
