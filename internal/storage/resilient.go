package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/aplake/internal/metrics"
	"github.com/rs/zerolog"
)

// ResilientBackend retries failed storage calls with exponential backoff and
// stops calling a backend that keeps failing.
type ResilientBackend struct {
	backend Backend
	cb      *breaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig holds configuration for the resilient backend
type ResilientConfig struct {
	MaxFailures   int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns default resilient backend configuration
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewResilientBackend wraps backend.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	log := logger.With().Str("component", "resilient-storage").Logger()
	return &ResilientBackend{
		backend:       backend,
		cb:            newBreaker(cfg.MaxFailures, cfg.Timeout, log),
		logger:        log,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// retry runs fn through the breaker until it succeeds, the breaker opens,
// the context ends or retries are exhausted. Not-found is final.
func retry[T any](ctx context.Context, r *ResilientBackend, op, path string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if !r.cb.allow() {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected, circuit breaker open")
			return zero, ErrCircuitOpen
		}

		v, err := fn()
		if errors.Is(err, ErrNotFound) {
			r.cb.record(nil)
			return zero, err
		}
		r.cb.record(err)
		if err == nil {
			return v, nil
		}

		lastErr = err
		metrics.Get().IncStorageErrors()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay << uint(attempt)
		if delay > r.retryMaxDelay || delay <= 0 {
			delay = r.retryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	_, err := retry(ctx, r, "write", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Write(ctx, path, data)
	})
	return err
}

// WriteReader retries only when reader can be rewound.
func (r *ResilientBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		if !r.cb.allow() {
			return ErrCircuitOpen
		}
		err := r.backend.WriteReader(ctx, path, reader, size)
		r.cb.record(err)
		return err
	}
	_, err := retry(ctx, r, "write", path, func() (struct{}, error) {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.backend.WriteReader(ctx, path, reader, size)
	})
	return err
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	return retry(ctx, r, "read", path, func() ([]byte, error) {
		return r.backend.Read(ctx, path)
	})
}

// ReadTo is not retried: a partial copy may already have reached writer.
func (r *ResilientBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	if !r.cb.allow() {
		return ErrCircuitOpen
	}
	err := r.backend.ReadTo(ctx, path, writer)
	if errors.Is(err, ErrNotFound) {
		r.cb.record(nil)
	} else {
		r.cb.record(err)
	}
	return err
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, r, "list", prefix, func() ([]string, error) {
		return r.backend.List(ctx, prefix)
	})
}

// ListObjects falls back to List without metadata when unsupported.
func (r *ResilientBackend) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return retry(ctx, r, "list", prefix, func() ([]ObjectInfo, error) {
		if ol, ok := r.backend.(ObjectLister); ok {
			return ol.ListObjects(ctx, prefix)
		}
		paths, err := r.backend.List(ctx, prefix)
		objects := make([]ObjectInfo, len(paths))
		for i, p := range paths {
			objects[i] = ObjectInfo{Path: p}
		}
		return objects, err
	})
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	_, err := retry(ctx, r, "delete", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Delete(ctx, path)
	})
	return err
}

func (r *ResilientBackend) DeleteBatch(ctx context.Context, paths []string) error {
	_, err := retry(ctx, r, "delete", fmt.Sprintf("%d objects", len(paths)), func() (struct{}, error) {
		return struct{}{}, DeleteAll(ctx, r.backend, paths)
	})
	return err
}

func (r *ResilientBackend) Exists(ctx context.Context, path string) (bool, error) {
	return retry(ctx, r, "exists", path, func() (bool, error) {
		return r.backend.Exists(ctx, path)
	})
}

func (r *ResilientBackend) Close() error { return r.backend.Close() }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

// BreakerState returns the circuit breaker state.
func (r *ResilientBackend) BreakerState() BreakerState { return r.cb.State() }

// ResetCircuitBreaker closes the breaker.
func (r *ResilientBackend) ResetCircuitBreaker() { r.cb.reset() }
