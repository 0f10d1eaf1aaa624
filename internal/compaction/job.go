package compaction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/basekick-labs/aplake/internal/database"
	"github.com/basekick-labs/aplake/internal/ingest"
	"github.com/basekick-labs/aplake/internal/metrics"
	"github.com/basekick-labs/aplake/internal/router"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// downloadWorkers bounds concurrent downloads within one job.
const downloadWorkers = 4

// storedColumns is the projection written by compaction, in schema order.
var storedColumns = []string{
	ingest.ColTimestamp,
	ingest.ColLineNumber,
	ingest.ColValue,
	ingest.ColStringValue,
	ingest.ColBinaryValue,
}

// validateParquetFile checks the PAR1 magic at both ends of a file without
// loading it.
func validateParquetFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	// 4 byte header + 4 byte footer length + 4 byte footer magic
	if stat.Size() < 12 {
		return fmt.Errorf("file too small to be valid parquet (%d bytes)", stat.Size())
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(file, magic); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if string(magic) != "PAR1" {
		return fmt.Errorf("invalid parquet magic header: got %q", magic)
	}

	if _, err := file.Seek(-4, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to footer: %w", err)
	}
	if _, err := io.ReadFull(file, magic); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	if string(magic) != "PAR1" {
		return fmt.Errorf("invalid parquet magic footer: got %q", magic)
	}
	return nil
}

// CompactedName returns the output name for a compaction whose first input
// is firstInput. It sorts before firstInput and every later fragment.
func CompactedName(firstInput string) string {
	return strings.TrimSuffix(path.Base(firstInput), ".parquet") + "-compacted.parquet"
}

// buildSelectColumns quotes the stored columns for a SELECT list.
func buildSelectColumns() string {
	quoted := make([]string, len(storedColumns))
	for i, c := range storedColumns {
		quoted[i] = fmt.Sprintf(`"%s"`, c)
	}
	return strings.Join(quoted, ", ")
}

// buildFileList renders local paths as a DuckDB list literal.
func buildFileList(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = database.QuoteString(p)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// JobResult summarizes one partition compaction.
type JobResult struct {
	Partition      router.PartitionKey
	OutputPath     string
	FilesCompacted int
	FilesSkipped   int
	Rows           int64
	BytesBefore    int64
	BytesAfter     int64
	Duration       time.Duration
}

// Job compacts the fragments of one partition into a single file.
type Job struct {
	LogUID    string
	Partition router.PartitionKey
	Files     []string
	JobID     string

	backend   storage.Backend
	db        *database.DuckDB
	manifests *ManifestManager
	tempDir   string
	logger    zerolog.Logger
}

type downloadedFile struct {
	storageKey string
	localPath  string
	size       int64
}

// Run downloads, merges, uploads and finally deletes the inputs. Inputs are
// removed only after the output is stored and its manifest is written.
func (j *Job) Run(ctx context.Context) (*JobResult, error) {
	start := time.Now()
	result := &JobResult{Partition: j.Partition}

	j.logger.Debug().Int("file_count", len(j.Files)).Msg("Starting compaction job")

	tempDir := filepath.Join(j.tempDir, j.JobID)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, j.fail(fmt.Errorf("failed to create temp directory: %w", err))
	}
	defer j.cleanupTemp(tempDir)

	downloaded, err := j.downloadFiles(ctx, tempDir)
	if err != nil {
		return nil, j.fail(fmt.Errorf("failed to download files: %w", err))
	}

	var valid []downloadedFile
	for _, df := range downloaded {
		if err := validateParquetFile(df.localPath); err != nil {
			j.logger.Error().Err(err).Str("file", df.storageKey).Msg("Skipping corrupted file")
			result.FilesSkipped++
			continue
		}
		valid = append(valid, df)
		result.BytesBefore += df.size
	}
	if len(valid) == 0 {
		return nil, j.fail(fmt.Errorf("no valid parquet files found"))
	}

	outputName := CompactedName(valid[0].storageKey)
	localOut := filepath.Join(tempDir, "out", outputName)
	if err := os.MkdirAll(filepath.Dir(localOut), 0755); err != nil {
		return nil, j.fail(fmt.Errorf("failed to create output directory: %w", err))
	}

	rows, err := j.compactFiles(ctx, valid, localOut)
	if err != nil {
		return nil, j.fail(fmt.Errorf("failed to compact files: %w", err))
	}
	result.Rows = rows

	info, err := os.Stat(localOut)
	if err != nil {
		return nil, j.fail(fmt.Errorf("failed to stat compacted file: %w", err))
	}
	result.BytesAfter = info.Size()

	inputs := make([]string, len(valid))
	for i, df := range valid {
		inputs[i] = df.storageKey
	}
	outputKey := path.Join(path.Dir(valid[0].storageKey), outputName)

	manifestPath, err := j.manifests.WriteManifest(ctx, &Manifest{
		OutputPath:    outputKey,
		OutputSize:    result.BytesAfter,
		InputFiles:    inputs,
		LogUID:        j.LogUID,
		PartitionPath: j.Partition.Path(),
		JobID:         j.JobID,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, j.fail(err)
	}

	if err := j.uploadFile(ctx, localOut, outputKey, result.BytesAfter); err != nil {
		// Inputs are intact; drop the manifest so nothing is deleted on recovery.
		if derr := j.manifests.DeleteManifest(ctx, manifestPath); derr != nil {
			j.logger.Warn().Err(derr).Msg("Failed to delete manifest after upload failure")
		}
		return nil, j.fail(fmt.Errorf("failed to upload compacted file: %w", err))
	}

	if err := storage.DeleteAll(ctx, j.backend, inputs); err != nil {
		// The manifest stays behind and recovery completes the deletion.
		return nil, j.fail(fmt.Errorf("failed to delete compacted inputs: %w", err))
	}
	if err := j.manifests.DeleteManifest(ctx, manifestPath); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to delete compaction manifest")
	}

	result.OutputPath = outputKey
	result.FilesCompacted = len(valid)
	result.Duration = time.Since(start)

	m := metrics.Get()
	m.IncCompactionJobs()
	m.IncCompactionSuccess()
	m.IncCompactionFilesCompacted(int64(result.FilesCompacted))
	m.IncCompactionBytesWritten(result.BytesAfter)

	j.logger.Info().
		Str("output", outputKey).
		Int("files_compacted", result.FilesCompacted).
		Int64("rows", result.Rows).
		Int64("bytes_before", result.BytesBefore).
		Int64("bytes_after", result.BytesAfter).
		Dur("duration", result.Duration).
		Msg("Compaction job completed")

	return result, nil
}

// downloadFiles fetches every input into tempDir, preserving input order.
func (j *Job) downloadFiles(ctx context.Context, tempDir string) ([]downloadedFile, error) {
	out := make([]downloadedFile, len(j.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)
	for i, key := range j.Files {
		g.Go(func() error {
			localPath := filepath.Join(tempDir, path.Base(key))
			f, err := os.Create(localPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", localPath, err)
			}
			defer f.Close()

			cw := &countingWriter{w: f}
			if err := j.backend.ReadTo(gctx, key, cw); err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			out[i] = downloadedFile{storageKey: key, localPath: localPath, size: cw.n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// compactFiles merges the inputs in file order into outPath and checks
// that no row was lost.
func (j *Job) compactFiles(ctx context.Context, files []downloadedFile, outPath string) (int64, error) {
	localPaths := make([]string, len(files))
	for i, df := range files {
		localPaths[i] = df.localPath
	}
	fileList := buildFileList(localPaths)

	want, err := j.db.QueryInt64(ctx, fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", fileList))
	if err != nil {
		return 0, fmt.Errorf("failed to count input rows: %w", err)
	}

	query := fmt.Sprintf(`
		COPY (
			SELECT %s FROM read_parquet(%s, filename=true)
			ORDER BY filename, "%s"
		) TO %s (
			FORMAT PARQUET,
			COMPRESSION ZSTD,
			ROW_GROUP_SIZE 122880
		)
	`, buildSelectColumns(), fileList, ingest.ColLineNumber, database.QuoteString(outPath))

	if _, err := j.db.Exec(ctx, query); err != nil {
		return 0, fmt.Errorf("failed to execute compaction query: %w", err)
	}

	got, err := j.db.QueryInt64(ctx, fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", database.QuoteString(outPath)))
	if err != nil {
		return 0, fmt.Errorf("failed to count output rows: %w", err)
	}
	if got != want {
		return 0, fmt.Errorf("row count mismatch: inputs have %d, output has %d", want, got)
	}
	return got, nil
}

func (j *Job) uploadFile(ctx context.Context, localPath, key string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()
	return j.backend.WriteReader(ctx, key, f, size)
}

func (j *Job) cleanupTemp(tempDir string) {
	if err := os.RemoveAll(tempDir); err != nil {
		j.logger.Warn().Err(err).Str("dir", tempDir).Msg("Failed to cleanup temp directory")
	}
}

func (j *Job) fail(err error) error {
	m := metrics.Get()
	m.IncCompactionJobs()
	m.IncCompactionFailed()
	j.logger.Error().Err(err).Msg("Compaction job failed")
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
