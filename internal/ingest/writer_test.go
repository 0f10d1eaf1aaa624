package ingest

import (
	"context"
	"errors"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/router"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory storage.Backend. failWrites makes the next n
// writes fail.
type memBackend struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failWrites int
	writes     int
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Write(ctx context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrites > 0 {
		m.failWrites--
		return errors.New("write refused")
	}
	m.objects[p] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) WriteReader(ctx context.Context, p string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.Write(ctx, p, data)
}

func (m *memBackend) Read(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memBackend) ReadTo(ctx context.Context, p string, w io.Writer) error {
	data, err := m.Read(ctx, p)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (m *memBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *memBackend) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, p)
	return nil
}

func (m *memBackend) Exists(ctx context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok, nil
}

func (m *memBackend) Close() error { return nil }
func (m *memBackend) Type() string { return "memory" }

const testLogUID = "ab12"

func testConfig(policy string, batchSize int) *config.Config {
	return &config.Config{
		Convert: config.ConvertConfig{BatchSize: batchSize, FlushPolicy: policy},
		Parquet: config.ParquetConfig{Compression: "snappy", UseDictionary: true, WriteStatistics: true, DataPageVersion: "2.0"},
	}
}

func numRow(line int64, v float64) router.Row {
	return router.Row{Timestamp: line * 10, HasTimestamp: true, LineNumber: line, Cell: router.Numeric(v)}
}

func lineNumbers(b *Batch) []int64 {
	return append([]int64(nil), b.LineNumbers...)
}

func TestPartitionWriter_FragmentPolicy(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	w, err := NewPartitionWriter(testConfig(config.FlushPolicyFragment, 2), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.FlushPolicyFragment, w.Policy())

	volt := router.PartitionKey{MessageType: "BAT", Instance: "0", KeyName: "Volt"}
	curr := router.PartitionKey{MessageType: "BAT", Instance: "0", KeyName: "Curr"}

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, w.Append(ctx, volt, numRow(i, float64(i)/2)))
	}
	require.NoError(t, w.Append(ctx, curr, numRow(6, -1)))
	require.NoError(t, w.Close(ctx))

	files, err := PartitionFiles(ctx, backend, testLogUID, volt)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		assert.True(t, strings.HasPrefix(path.Base(f), "part-"+w.RunID()+"-"))
	}

	got, err := ReadPartition(ctx, backend, w.codec, testLogUID, volt)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, lineNumbers(got))
	assert.Equal(t, []float32{0.5, 1, 1.5, 2, 2.5}, got.Values)

	keys, err := ListPartitions(ctx, backend, testLogUID)
	require.NoError(t, err)
	assert.Equal(t, []router.PartitionKey{curr, volt}, keys)

	manifests, err := ReadManifests(ctx, backend, testLogUID)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	m := manifests[0]
	assert.True(t, m.Succeeded())
	assert.Equal(t, w.RunID(), m.RunID)
	assert.Equal(t, int64(6), m.Rows)
	assert.Equal(t, int64(4), m.Flushes)
	require.Len(t, m.Partitions, 2)
	assert.Equal(t, "Volt", m.Partitions[0].KeyName)
	assert.Equal(t, int64(5), m.Partitions[0].Rows)
	assert.Equal(t, files, m.Partitions[0].Files)
}

func TestPartitionWriter_MergePolicy(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	w, err := NewPartitionWriter(testConfig(config.FlushPolicyMerge, 2), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)

	key := router.PartitionKey{MessageType: "ATT", Instance: "0", KeyName: "Roll"}
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, w.Append(ctx, key, numRow(i, float64(i))))
	}
	require.NoError(t, w.Close(ctx))

	files, err := PartitionFiles(ctx, backend, testLogUID, key)
	require.NoError(t, err)
	require.Equal(t, []string{PartitionDir(testLogUID, key) + "/" + MergedFileName}, files)

	got, err := ReadPartition(ctx, backend, w.codec, testLogUID, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, lineNumbers(got))

	m := w.Manifest()
	require.Len(t, m.Partitions, 1)
	assert.Equal(t, files, m.Partitions[0].Files)
	assert.Equal(t, int64(5), m.Partitions[0].Rows)
}

func TestPartitionWriter_MergeAppendsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	key := router.PartitionKey{MessageType: "ATT", Instance: "0", KeyName: "Roll"}

	for run := 0; run < 2; run++ {
		w, err := NewPartitionWriter(testConfig(config.FlushPolicyMerge, 100), backend, testLogUID, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, w.Append(ctx, key, numRow(int64(run+1), 1)))
		require.NoError(t, w.Close(ctx))
	}

	got, err := ReadPartition(ctx, backend, NewParquetCodec(&config.ParquetConfig{}, zerolog.Nop()), testLogUID, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, lineNumbers(got))

	manifests, err := ReadManifests(ctx, backend, testLogUID)
	require.NoError(t, err)
	assert.Len(t, manifests, 2)
}

func TestPartitionWriter_RowConservation(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []string{config.FlushPolicyFragment, config.FlushPolicyMerge} {
		t.Run(policy, func(t *testing.T) {
			backend := newMemBackend()
			w, err := NewPartitionWriter(testConfig(policy, 7), backend, testLogUID, zerolog.Nop())
			require.NoError(t, err)

			want := map[router.PartitionKey]int{}
			var emissions []router.Emission
			for i := 0; i < 100; i++ {
				key := router.PartitionKey{MessageType: "IMU", Instance: []string{"0", "1", "2"}[i%3], KeyName: "GyrX"}
				emissions = append(emissions, router.Emission{Key: key, Row: numRow(int64(i+1), float64(i))})
				want[key]++
			}
			require.NoError(t, w.AppendAll(ctx, emissions))
			require.NoError(t, w.Close(ctx))

			partitions, rows := w.Stats()
			assert.Equal(t, 3, partitions)
			assert.Equal(t, int64(100), rows)

			for key, n := range want {
				got, err := ReadPartition(ctx, backend, w.codec, testLogUID, key)
				require.NoError(t, err)
				assert.Equal(t, n, got.Len(), key.String())
				assert.True(t, slices.IsSorted(got.LineNumbers))
			}
		})
	}
}

func TestPartitionWriter_FailedFlushKeepsRows(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	w, err := NewPartitionWriter(testConfig(config.FlushPolicyFragment, 100), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)

	key := router.PartitionKey{MessageType: "GPS", Instance: "0", KeyName: "Lat"}
	require.NoError(t, w.Append(ctx, key, numRow(1, -35.1)))
	require.NoError(t, w.Append(ctx, key, numRow(2, -35.2)))

	backend.failWrites = 1
	require.Error(t, w.Flush(ctx, key))

	require.NoError(t, w.Flush(ctx, key))
	got, err := ReadPartition(ctx, backend, w.codec, testLogUID, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, lineNumbers(got))
}

func TestPartitionWriter_CloseRecordsFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	w, err := NewPartitionWriter(testConfig(config.FlushPolicyFragment, 100), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)

	key := router.PartitionKey{MessageType: "GPS", Instance: "0", KeyName: "Lat"}
	require.NoError(t, w.Append(ctx, key, numRow(1, -35.1)))
	w.MarkFailed(errors.New("decoder gave up"))
	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))

	manifests, err := ReadManifests(ctx, backend, testLogUID)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.False(t, manifests[0].Succeeded())
	assert.Equal(t, "decoder gave up", manifests[0].Error)
	assert.Equal(t, int64(1), manifests[0].Rows)

	assert.Error(t, w.Append(ctx, key, numRow(2, 0)))
}

func TestPartitionWriter_FlushAllCombinesErrors(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	w, err := NewPartitionWriter(testConfig(config.FlushPolicyFragment, 100), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)

	a := router.PartitionKey{MessageType: "A", Instance: "0", KeyName: "x"}
	b := router.PartitionKey{MessageType: "B", Instance: "0", KeyName: "y"}
	require.NoError(t, w.Append(ctx, a, numRow(1, 1)))
	require.NoError(t, w.Append(ctx, b, numRow(2, 2)))

	backend.failWrites = 2
	err = w.FlushAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A[0].x")
	assert.Contains(t, err.Error(), "B[0].y")
	assert.Equal(t, 2, backend.writes)
}

func TestNewPartitionWriter_Validation(t *testing.T) {
	_, err := NewPartitionWriter(testConfig("sometimes", 10), newMemBackend(), testLogUID, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewPartitionWriter(testConfig("", 10), newMemBackend(), "", zerolog.Nop())
	assert.Error(t, err)

	w, err := NewPartitionWriter(testConfig("", 0), newMemBackend(), testLogUID, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.FlushPolicyFragment, w.Policy())
	assert.Equal(t, DefaultBatchSize, w.batchSize)
}

func TestFragmentNamesSortInFlushOrder(t *testing.T) {
	names := []string{FragmentName("r", 10), FragmentName("r", 2), FragmentName("r", 0)}
	slices.Sort(names)
	assert.Equal(t, []string{FragmentName("r", 0), FragmentName("r", 2), FragmentName("r", 10)}, names)
}

func TestPartitionWriter_LocalBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	w, err := NewPartitionWriter(testConfig(config.FlushPolicyFragment, 3), backend, testLogUID, zerolog.Nop())
	require.NoError(t, err)

	key := router.PartitionKey{MessageType: "MSG", Instance: "0", KeyName: "Message"}
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, w.Append(ctx, key, router.Row{LineNumber: i, Cell: router.Text("hello")}))
	}
	require.NoError(t, w.Close(ctx))

	got, err := ReadPartition(ctx, backend, w.codec, testLogUID, key)
	require.NoError(t, err)
	require.Equal(t, 4, got.Len())
	for i := 0; i < got.Len(); i++ {
		assert.False(t, got.TSValid[i])
		assert.Equal(t, "hello", got.Strings[i])
		assert.False(t, got.ValValid[i])
	}
}
