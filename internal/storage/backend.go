package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read and ReadTo when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Backend stores converted output under slash-separated relative paths.
type Backend interface {
	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path (for large files)
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Read reads data from the specified path
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadTo reads data from the specified path and writes it to the writer
	ReadTo(ctx context.Context, path string, writer io.Writer) error

	// List lists all objects with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete deletes the object at the specified path. Missing objects are not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// BatchDeleter supports deleting many objects in few requests.
type BatchDeleter interface {
	DeleteBatch(ctx context.Context, paths []string) error
}

// ObjectInfo provides metadata about a storage object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// ObjectLister lists objects with their metadata.
type ObjectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// DeleteAll removes paths, batching when the backend supports it.
func DeleteAll(ctx context.Context, b Backend, paths []string) error {
	if bd, ok := b.(BatchDeleter); ok {
		return bd.DeleteBatch(ctx, paths)
	}
	for _, p := range paths {
		if err := b.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// NewBackend builds the configured backend, wrapped with retries for remote
// stores when enabled.
func NewBackend(cfg *config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		backend, err = NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "azure", "azblob":
		backend, err = NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.RetryEnabled {
		return backend, nil
	}
	return NewResilientBackend(backend, &ResilientConfig{
		MaxFailures:   cfg.BreakerFailures,
		Timeout:       cfg.BreakerTimeout,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}, logger), nil
}

// URI returns a location DuckDB and users can resolve for path.
func URI(b Backend, path string) string {
	switch bb := b.(type) {
	case *LocalBackend:
		return bb.GetFullPath(path)
	case *S3Backend:
		return "s3://" + bb.GetBucket() + "/" + path
	case *AzureBlobBackend:
		return "azure://" + bb.GetContainer() + "/" + path
	case *ResilientBackend:
		return URI(bb.backend, path)
	default:
		return path
	}
}
