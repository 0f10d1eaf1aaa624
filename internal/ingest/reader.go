package ingest

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/basekick-labs/aplake/internal/router"
	"github.com/basekick-labs/aplake/internal/storage"
)

// ListPartitions returns every partition holding at least one Parquet file
// under the log, sorted by path.
func ListPartitions(ctx context.Context, backend storage.Backend, logUID string) ([]router.PartitionKey, error) {
	prefix := LogPrefix(logUID) + "/"
	paths, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		rel := strings.TrimPrefix(p, prefix)
		if strings.HasPrefix(rel, runsDir+"/") || !strings.HasSuffix(rel, ".parquet") {
			continue
		}
		dir := path.Dir(rel)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	slices.Sort(dirs)

	keys := make([]router.PartitionKey, 0, len(dirs))
	for _, dir := range dirs {
		key, err := router.ParsePath(dir)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// PartitionFiles returns the Parquet files of one partition in name order.
func PartitionFiles(ctx context.Context, backend storage.Backend, logUID string, key router.PartitionKey) ([]string, error) {
	dir := PartitionDir(logUID, key) + "/"
	paths, err := backend.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	files := make([]string, 0, len(paths))
	for _, p := range paths {
		// Only direct children; a prefix listing may include deeper paths.
		if strings.HasSuffix(p, ".parquet") && path.Dir(p)+"/" == dir {
			files = append(files, p)
		}
	}
	slices.Sort(files)
	return files, nil
}

// ReadPartition returns the union of all files of a partition in name order.
// It serves both flush policies.
func ReadPartition(ctx context.Context, backend storage.Backend, codec *ParquetCodec, logUID string, key router.PartitionKey) (*Batch, error) {
	files, err := PartitionFiles(ctx, backend, logUID, key)
	if err != nil {
		return nil, err
	}

	out := NewBatch(0)
	for _, f := range files {
		data, err := backend.Read(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		b, err := codec.Decode(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", f, err)
		}
		out.AppendBatch(b)
	}
	return out, nil
}
