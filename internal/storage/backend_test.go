package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalBackend_BasicOperations(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "LogUID=abc/MessageType=GPS/x.parquet", []byte("hello")))
		data, err := backend.Read(ctx, "LogUID=abc/MessageType=GPS/x.parquet")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "over.bin", []byte("one")))
		require.NoError(t, backend.Write(ctx, "over.bin", []byte("two")))
		data, err := backend.Read(ctx, "over.bin")
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("WriteReader and ReadTo", func(t *testing.T) {
		payload := bytes.Repeat([]byte("x"), 4096)
		require.NoError(t, backend.WriteReader(ctx, "big/data.bin", bytes.NewReader(payload), int64(len(payload))))

		var buf bytes.Buffer
		require.NoError(t, backend.ReadTo(ctx, "big/data.bin", &buf))
		assert.Equal(t, payload, buf.Bytes())
	})

	t.Run("Exists", func(t *testing.T) {
		exists, err := backend.Exists(ctx, "exists/file")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, backend.Write(ctx, "exists/file", []byte("d")))
		exists, err = backend.Exists(ctx, "exists/file")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "del/file", []byte("d")))
		require.NoError(t, backend.Delete(ctx, "del/file"))
		exists, _ := backend.Exists(ctx, "del/file")
		assert.False(t, exists)

		// Deleting a missing file is not an error
		assert.NoError(t, backend.Delete(ctx, "del/file"))
	})

	t.Run("Read missing", func(t *testing.T) {
		_, err := backend.Read(ctx, "nope/missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, backend.ReadTo(ctx, "nope/missing", io.Discard), ErrNotFound)
	})
}

func TestLocalBackend_ListSortedAndSkipsHidden(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	for _, p := range []string{"p/part-b.parquet", "p/part-a.parquet", "p/sub/part-c.parquet", "other/x"} {
		require.NoError(t, backend.Write(ctx, p, []byte(p)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(backend.GetBasePath(), "p", ".aplake-123.tmp"), []byte("t"), 0600))

	paths, err := backend.List(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/part-a.parquet", "p/part-b.parquet", "p/sub/part-c.parquet"}, paths)

	objects, err := backend.ListObjects(ctx, "p/sub")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, int64(len("p/sub/part-c.parquet")), objects[0].Size)
	assert.False(t, objects[0].LastModified.IsZero())

	empty, err := backend.List(ctx, "does/not/exist")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocalBackend_PathTraversal(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	assert.Error(t, backend.Write(ctx, "../escape", []byte("x")))
	assert.Error(t, backend.Write(ctx, "a/../../escape", []byte("x")))

	// Leading slashes are relative to the base
	require.NoError(t, backend.Write(ctx, "/rooted/file", []byte("x")))
	assert.FileExists(t, filepath.Join(backend.GetBasePath(), "rooted", "file"))
	assert.Empty(t, backend.GetFullPath("../../etc/passwd"))
}

func TestDeleteAll(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()
	paths := []string{"d/1", "d/2", "d/3"}
	for _, p := range paths {
		require.NoError(t, backend.Write(ctx, p, []byte("x")))
	}

	require.NoError(t, DeleteAll(ctx, backend, paths))
	left, err := backend.List(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBackend(&config.StorageConfig{Backend: "local", LocalPath: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())
	assert.Equal(t, filepath.Join(dir, "LogUID=x", "f.parquet"), URI(b, "LogUID=x/f.parquet"))

	_, err = NewBackend(&config.StorageConfig{Backend: "ftp"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewBackend(&config.StorageConfig{Backend: "s3"}, zerolog.Nop())
	assert.Error(t, err, "bucket is required")

	_, err = NewBackend(&config.StorageConfig{Backend: "azure", AzureContainer: "c"}, zerolog.Nop())
	assert.Error(t, err, "authentication is required")
}

// flakyBackend is an in-memory backend failing the first failures calls.
type flakyBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int
	calls    int
}

var errFlaky = errors.New("transient failure")

func newFlaky(failures int) *flakyBackend {
	return &flakyBackend{objects: map[string][]byte{}, failures: failures}
}

func (f *flakyBackend) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errFlaky
	}
	return nil
}

func (f *flakyBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = append([]byte(nil), data...)
	return nil
}

func (f *flakyBackend) WriteReader(ctx context.Context, path string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.Write(ctx, path, data)
}

func (f *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, nil
}

func (f *flakyBackend) ReadTo(ctx context.Context, path string, w io.Writer) error {
	data, err := f.Read(ctx, path)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (f *flakyBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *flakyBackend) Delete(ctx context.Context, path string) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	return nil
}

func (f *flakyBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok, nil
}

func (f *flakyBackend) Close() error { return nil }
func (f *flakyBackend) Type() string { return "flaky" }

func fastRetry(failures int) *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   failures,
		Timeout:       time.Minute,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func TestResilientBackend_RetriesTransientFailures(t *testing.T) {
	inner := newFlaky(2)
	r := NewResilientBackend(inner, fastRetry(10), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "a", []byte("x")))
	assert.Equal(t, 3, inner.calls)

	data, err := r.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.Equal(t, BreakerClosed, r.BreakerState())
}

func TestResilientBackend_GivesUp(t *testing.T) {
	inner := newFlaky(100)
	r := NewResilientBackend(inner, fastRetry(100), zerolog.Nop())

	err := r.Write(context.Background(), "a", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, inner.calls)
}

func TestResilientBackend_NotFoundIsNotRetried(t *testing.T) {
	inner := newFlaky(0)
	r := NewResilientBackend(inner, fastRetry(1), zerolog.Nop())

	_, err := r.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, BreakerClosed, r.BreakerState())
}

func TestResilientBackend_BreakerOpensAndRecovers(t *testing.T) {
	inner := newFlaky(2)
	r := NewResilientBackend(inner, &ResilientConfig{
		MaxFailures: 2,
		Timeout:     time.Second,
		MaxRetries:  0,
	}, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	r.cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, r.Write(ctx, "a", nil))
	assert.Error(t, r.Write(ctx, "a", nil))
	assert.Equal(t, BreakerOpen, r.BreakerState())

	assert.ErrorIs(t, r.Write(ctx, "a", nil), ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the backend")

	now = now.Add(2 * time.Second)
	require.NoError(t, r.Write(ctx, "a", nil))
	assert.Equal(t, BreakerClosed, r.BreakerState())
}

func TestResilientBackend_WriteReaderRewinds(t *testing.T) {
	inner := newFlaky(1)
	r := NewResilientBackend(inner, fastRetry(10), zerolog.Nop())

	require.NoError(t, r.WriteReader(context.Background(), "a", bytes.NewReader([]byte("payload")), 7))
	assert.Equal(t, "payload", string(inner.objects["a"]))
}

func TestResilientBackend_ListObjectsFallback(t *testing.T) {
	inner := newFlaky(0)
	inner.objects["p/1"] = []byte("1")
	inner.objects["p/2"] = []byte("2")
	r := NewResilientBackend(inner, fastRetry(10), zerolog.Nop())

	objects, err := r.ListObjects(context.Background(), "p/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "p/1", objects[0].Path)
	assert.Equal(t, "flaky", r.Type())
	assert.Equal(t, "p/1", URI(r, "p/1"))
}
