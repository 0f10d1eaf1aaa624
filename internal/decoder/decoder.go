package decoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Format identifies the container format of a log file.
type Format string

const (
	FormatDataFlash Format = "bin"
	FormatTlog      Format = "tlog"
)

// Compression identifies an outer compression wrapper on a log file.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

var (
	// ErrUnsupportedInput is returned for files that are not a recognised log format.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrCorrupt is returned when the stream cannot be decoded further.
	ErrCorrupt = errors.New("corrupt log stream")
)

// readBufferSize bounds Peek lookahead; it must exceed the largest frame.
const readBufferSize = 64 * 1024

// Decoder yields records from a log file and can rewind to the first record.
type Decoder interface {
	Format() Format
	// Next returns the next record, or io.EOF at end of stream.
	Next() (*Record, error)
	// Rewind repositions the decoder so that the next call to Next yields
	// the first record again.
	Rewind() error
	Stats() Stats
	Close() error
}

// Stats counts decoder events since the last rewind.
type Stats struct {
	Records int64
	// Resyncs counts bytes skipped while searching for a valid frame.
	Resyncs int64
	BadCRC  int64
	Unknown int64
}

// Options configures Open.
type Options struct {
	// TempDir receives decompressed copies of compressed inputs. Empty means os.TempDir().
	TempDir string
	Logger  zerolog.Logger
}

// DetectFormat classifies a path by suffix, looking through a .gz or .zst wrapper.
func DetectFormat(path string) (Format, Compression, error) {
	name := strings.ToLower(filepath.Base(path))
	comp := CompressionNone
	switch {
	case strings.HasSuffix(name, ".gz"):
		comp = CompressionGzip
		name = strings.TrimSuffix(name, ".gz")
	case strings.HasSuffix(name, ".zst"):
		comp = CompressionZstd
		name = strings.TrimSuffix(name, ".zst")
	case strings.HasSuffix(name, ".zstd"):
		comp = CompressionZstd
		name = strings.TrimSuffix(name, ".zstd")
	}

	switch filepath.Ext(name) {
	case ".bin":
		return FormatDataFlash, comp, nil
	case ".tlog":
		return FormatTlog, comp, nil
	}
	return "", comp, fmt.Errorf("%w: %s", ErrUnsupportedInput, filepath.Base(path))
}

// Open opens a log file and returns the decoder for its format. Compressed
// inputs are expanded into a temporary file so that Rewind stays exact; the
// temporary file is removed by Close.
func Open(path string, opts Options) (Decoder, error) {
	format, comp, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	src, cleanup, err := prepareSource(path, comp, opts)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(src)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	base := &stream{
		file:    f,
		reader:  bufio.NewReaderSize(f, readBufferSize),
		cleanup: cleanup,
	}

	logger := opts.Logger.With().Str("component", "decoder").Str("format", string(format)).Logger()
	switch format {
	case FormatDataFlash:
		return newDataFlashDecoder(base, logger), nil
	default:
		return newTlogDecoder(base, logger), nil
	}
}

// Scan reads every remaining record, calls fn for each, then rewinds the decoder.
func Scan(d Decoder, fn func(*Record) error) error {
	for {
		rec, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return d.Rewind()
}

// stream is the rewindable byte source shared by both decoders.
type stream struct {
	file    *os.File
	reader  *bufio.Reader
	cleanup func()
}

func (s *stream) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind log: %w", err)
	}
	s.reader.Reset(s.file)
	return nil
}

func (s *stream) close() error {
	err := s.file.Close()
	s.cleanup()
	return err
}

// peek returns up to n bytes without consuming them. A short slice means end of stream.
func (s *stream) peek(n int) ([]byte, error) {
	b, err := s.reader.Peek(n)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return b, err
	}
	return b, nil
}

func (s *stream) discard(n int) {
	s.reader.Discard(n)
}

func prepareSource(path string, comp Compression, opts Options) (string, func(), error) {
	noop := func() {}
	if comp == CompressionNone {
		return path, noop, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", noop, fmt.Errorf("failed to open log: %w", err)
	}
	defer in.Close()

	var r io.Reader
	switch comp {
	case CompressionGzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return "", noop, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		defer gz.Close()
		r = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(in)
		if err != nil {
			return "", noop, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		defer zr.Close()
		r = zr
	}

	out, err := os.CreateTemp(opts.TempDir, ".aplake-*"+filepath.Ext(strings.TrimSuffix(path, filepath.Ext(path))))
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := out.Name()
	cleanup := func() { os.Remove(tmpPath) }

	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to decompress %s: %w", filepath.Base(path), err)
	}

	opts.Logger.Debug().
		Str("path", path).
		Str("compression", string(comp)).
		Int64("size", n).
		Msg("Decompressed log to temp file")

	return tmpPath, cleanup, nil
}
