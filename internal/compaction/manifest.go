package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/aplake/internal/ingest"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/rs/zerolog"
)

// manifestDir holds manifests of in-flight compactions, per log.
const manifestDir = "_compaction_state"

// Manifest records a compaction between uploading its output and deleting
// its inputs. If the process dies in between, recovery finishes the
// deletion so rows are never visible twice.
type Manifest struct {
	OutputPath    string    `json:"output_path"`
	OutputSize    int64     `json:"output_size"`
	InputFiles    []string  `json:"input_files"`
	LogUID        string    `json:"log_uid"`
	PartitionPath string    `json:"partition_path"`
	JobID         string    `json:"job_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ManifestManager reads, writes and recovers compaction manifests.
type ManifestManager struct {
	backend storage.Backend
	logger  zerolog.Logger
}

// NewManifestManager creates a manifest manager.
func NewManifestManager(backend storage.Backend, logger zerolog.Logger) *ManifestManager {
	return &ManifestManager{
		backend: backend,
		logger:  logger.With().Str("component", "compaction-manifest").Logger(),
	}
}

// ManifestPath returns where the manifest of jobID is stored.
func ManifestPath(logUID, jobID string) string {
	return ingest.LogPrefix(logUID) + "/" + manifestDir + "/" + jobID + ".json"
}

// WriteManifest stores m and returns its path.
func (m *ManifestManager) WriteManifest(ctx context.Context, manifest *Manifest) (string, error) {
	manifestPath := ManifestPath(manifest.LogUID, manifest.JobID)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := m.backend.Write(ctx, manifestPath, data); err != nil {
		return "", fmt.Errorf("failed to write manifest to %s: %w", manifestPath, err)
	}

	m.logger.Debug().
		Str("path", manifestPath).
		Str("output", manifest.OutputPath).
		Int("input_count", len(manifest.InputFiles)).
		Msg("Wrote compaction manifest")
	return manifestPath, nil
}

// DeleteManifest removes a manifest.
func (m *ManifestManager) DeleteManifest(ctx context.Context, manifestPath string) error {
	if err := m.backend.Delete(ctx, manifestPath); err != nil {
		return fmt.Errorf("failed to delete manifest %s: %w", manifestPath, err)
	}
	return nil
}

// ReadManifest reads one manifest.
func (m *ManifestManager) ReadManifest(ctx context.Context, manifestPath string) (*Manifest, error) {
	data, err := m.backend.Read(ctx, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", manifestPath, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest %s: %w", manifestPath, err)
	}
	return &manifest, nil
}

// ListManifests lists the manifests left for a log.
func (m *ManifestManager) ListManifests(ctx context.Context, logUID string) ([]string, error) {
	objects, err := m.backend.List(ctx, ingest.LogPrefix(logUID)+"/"+manifestDir+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}

	var manifests []string
	for _, obj := range objects {
		if strings.HasSuffix(obj, ".json") {
			manifests = append(manifests, obj)
		}
	}
	return manifests, nil
}

// RecoverOrphanedManifests finishes or rolls back compactions interrupted
// for a log. It returns how many manifests were resolved.
func (m *ManifestManager) RecoverOrphanedManifests(ctx context.Context, logUID string) (int, error) {
	manifests, err := m.ListManifests(ctx, logUID)
	if err != nil {
		return 0, err
	}
	if len(manifests) == 0 {
		return 0, nil
	}

	m.logger.Info().Int("count", len(manifests)).Msg("Found orphaned manifests, starting recovery")

	var recovered int
	for _, manifestPath := range manifests {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if err := m.recoverManifest(ctx, manifestPath); err != nil {
			m.logger.Error().Err(err).Str("manifest", manifestPath).Msg("Failed to recover manifest")
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *ManifestManager) recoverManifest(ctx context.Context, manifestPath string) error {
	manifest, err := m.ReadManifest(ctx, manifestPath)
	if err != nil {
		// Unreadable: the inputs are still in place, so compaction simply retries.
		m.logger.Warn().Err(err).Str("manifest", manifestPath).Msg("Cannot read manifest, deleting")
		return m.DeleteManifest(ctx, manifestPath)
	}

	exists, err := m.backend.Exists(ctx, manifest.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to check output file existence: %w", err)
	}
	if !exists {
		m.logger.Info().
			Str("output", manifest.OutputPath).
			Msg("Output file missing, deleting manifest for retry")
		return m.DeleteManifest(ctx, manifestPath)
	}

	if lister, ok := m.backend.(storage.ObjectLister); ok {
		objects, err := lister.ListObjects(ctx, manifest.OutputPath)
		if err == nil && len(objects) == 1 && objects[0].Size != manifest.OutputSize {
			m.logger.Warn().
				Str("output", manifest.OutputPath).
				Int64("expected_size", manifest.OutputSize).
				Int64("actual_size", objects[0].Size).
				Msg("Output file size mismatch, deleting for retry")
			if err := m.backend.Delete(ctx, manifest.OutputPath); err != nil {
				return fmt.Errorf("failed to delete partial output: %w", err)
			}
			return m.DeleteManifest(ctx, manifestPath)
		}
	}

	m.logger.Info().
		Str("output", manifest.OutputPath).
		Int("inputs", len(manifest.InputFiles)).
		Msg("Output file valid, completing input file deletion")

	if err := storage.DeleteAll(ctx, m.backend, manifest.InputFiles); err != nil {
		return fmt.Errorf("failed to delete inputs: %w", err)
	}
	return m.DeleteManifest(ctx, manifestPath)
}
