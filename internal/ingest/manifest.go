package ingest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

const runsDir = "_runs"

// RunManifest describes what one conversion run wrote.
type RunManifest struct {
	RunID      string           `msgpack:"run_id"`
	LogUID     string           `msgpack:"log_uid"`
	Policy     string           `msgpack:"policy"`
	StartedAt  time.Time        `msgpack:"started_at"`
	FinishedAt time.Time        `msgpack:"finished_at"`
	Rows       int64            `msgpack:"rows"`
	Flushes    int64            `msgpack:"flushes"`
	Error      string           `msgpack:"error,omitempty"`
	Partitions []PartitionEntry `msgpack:"partitions"`
}

// PartitionEntry lists the rows and files one run wrote to a partition.
type PartitionEntry struct {
	MessageType string   `msgpack:"message_type"`
	Instance    string   `msgpack:"instance"`
	KeyName     string   `msgpack:"key_name"`
	Rows        int64    `msgpack:"rows"`
	Files       []string `msgpack:"files"`
}

// Succeeded reports whether the run finished without error.
func (m *RunManifest) Succeeded() bool { return m.Error == "" }

// ManifestPath returns where the manifest of runID is stored.
func ManifestPath(logUID, runID string) string {
	return LogPrefix(logUID) + "/" + runsDir + "/" + runID + ".msgpack"
}

// WriteManifest stores m under the log's _runs directory.
func WriteManifest(ctx context.Context, backend storage.Backend, m *RunManifest) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode run manifest: %w", err)
	}
	if err := backend.Write(ctx, ManifestPath(m.LogUID, m.RunID), data); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return nil
}

// ReadManifests returns every run manifest of a log, oldest run first.
func ReadManifests(ctx context.Context, backend storage.Backend, logUID string) ([]*RunManifest, error) {
	paths, err := backend.List(ctx, LogPrefix(logUID)+"/"+runsDir+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list run manifests: %w", err)
	}
	slices.Sort(paths)

	manifests := make([]*RunManifest, 0, len(paths))
	for _, p := range paths {
		if !strings.HasSuffix(p, ".msgpack") {
			continue
		}
		data, err := backend.Read(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read run manifest %s: %w", p, err)
		}
		var m RunManifest
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode run manifest %s: %w", p, err)
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}
