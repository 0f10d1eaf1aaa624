// Package identity derives the content address of a log file and the
// vehicle metadata reported alongside a conversion.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/zeebo/blake3"
)

// hashChunkSize is the read size used while hashing.
const hashChunkSize = 1 << 20

// ErrUnsupportedInput is returned for files that are not a recognised log.
var ErrUnsupportedInput = decoder.ErrUnsupportedInput

// Kind is the container kind of a log.
type Kind string

const (
	KindBinaryLog    Kind = "BinaryLog"
	KindTelemetryLog Kind = "TelemetryLog"
)

// Format returns the decoder format for k.
func (k Kind) Format() decoder.Format {
	if k == KindTelemetryLog {
		return decoder.FormatTlog
	}
	return decoder.FormatDataFlash
}

// LogIdentity is computed once per input and never changes.
type LogIdentity struct {
	ContentHash string
	Kind        Kind
	Compression decoder.Compression
	Algorithm   string
}

// DetectKind classifies a path by suffix, looking through a .gz or .zst wrapper.
func DetectKind(path string) (Kind, decoder.Compression, error) {
	format, comp, err := decoder.DetectFormat(path)
	if err != nil {
		return "", comp, err
	}
	if format == decoder.FormatTlog {
		return KindTelemetryLog, comp, nil
	}
	return KindBinaryLog, comp, nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "", config.HashSHA256:
		return sha256.New(), nil
	case config.HashBLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unknown hash algorithm: %s", algorithm)
}

// HashReader returns the lowercase hex digest of everything read from r.
func HashReader(r io.Reader, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeHash hashes the raw bytes of the file at path. Both algorithms
// yield 64 hex characters.
func ComputeHash(path, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f, algorithm)
}

// Identify detects the kind of path and hashes it. Unsupported inputs fail
// before the file is read.
func Identify(path, algorithm string) (*LogIdentity, error) {
	kind, comp, err := DetectKind(path)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = config.HashSHA256
	}
	sum, err := ComputeHash(path, algorithm)
	if err != nil {
		return nil, err
	}
	return &LogIdentity{ContentHash: sum, Kind: kind, Compression: comp, Algorithm: algorithm}, nil
}
