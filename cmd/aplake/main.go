package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/aplake/internal/compaction"
	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/convert"
	"github.com/basekick-labs/aplake/internal/ingest"
	"github.com/basekick-labs/aplake/internal/logger"
	"github.com/basekick-labs/aplake/internal/metrics"
	"github.com/basekick-labs/aplake/internal/shutdown"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage: aplake <command> [flags] [args]

Commands:
  convert <file>...   convert .bin/.tlog logs to partitioned Parquet
  info <file>...      print identity and metadata without writing
  compact <log_uid>   merge fragment files of a converted log
  runs <log_uid>      list the run manifests of a converted log
  version             print the version

Output lands under LogUID=<content hash>/, so a file always maps to the same
directory. With the fragment policy each convert adds files there; run
compact to merge them.
`

const shutdownTimeout = 30 * time.Second

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUnsupported = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "version", "--version", "-v":
		fmt.Println(Version)
		return
	case "help", "--help", "-h":
		fmt.Print(usage)
		return
	case "convert", "info", "compact", "runs":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(exitUsage)
	}

	os.Exit(run(cmd, args))
}

// commonFlags are the overrides accepted by every data command.
type commonFlags struct {
	output      string
	logLevel    string
	metricsFile string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.output, "output", "o", "", "local output root (overrides storage.local_path)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (overrides log.level)")
	fs.StringVar(&c.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
}

func (c *commonFlags) apply(cfg *config.Config) {
	if c.output != "" {
		cfg.Storage.Backend = "local"
		cfg.Storage.LocalPath = c.output
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
}

func run(cmd string, args []string) int {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	var (
		policy      string
		batchSize   int
		hashAlg     string
		autoCompact bool
		noCatalog   bool
	)
	if cmd == "convert" || cmd == "info" {
		fs.StringVar(&hashAlg, "hash", "", "content hash algorithm: sha256 or blake3")
	}
	if cmd == "convert" {
		fs.StringVar(&policy, "policy", "", "flush policy: fragment or merge")
		fs.IntVar(&batchSize, "batch-size", 0, "rows buffered per partition before a flush")
		fs.BoolVar(&autoCompact, "compact", false, "compact fragments after each conversion")
		fs.BoolVar(&noCatalog, "no-catalog", false, "do not record runs in the catalog")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "%s: missing argument\n\n%s", cmd, usage)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	common.apply(cfg)
	if fs.Changed("policy") {
		cfg.Convert.FlushPolicy = policy
	}
	if fs.Changed("batch-size") {
		cfg.Convert.BatchSize = batchSize
	}
	if fs.Changed("hash") {
		cfg.Convert.HashAlgorithm = hashAlg
	}
	if fs.Changed("compact") {
		cfg.Convert.AutoCompact = autoCompact
	}
	if noCatalog || cmd != "convert" {
		cfg.Catalog.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitUsage
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(logger.Get("metrics"))

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	sd := shutdown.New(shutdownTimeout, logger.Get("shutdown"))
	sd.RegisterHook("metrics-file", func(context.Context) error {
		return writeMetrics(common.metricsFile)
	}, shutdown.PriorityMetrics)
	defer func() {
		if err := sd.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Shutdown finished with errors")
		}
	}()

	backend, err := storage.NewBackend(&cfg.Storage, logger.Get("storage"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize storage backend")
		return exitFailure
	}
	sd.Register("storage", backend, shutdown.PriorityStorage)

	switch cmd {
	case "compact":
		return runCompact(ctx, cfg, backend, sd, fs.Args())
	case "runs":
		return runManifests(ctx, backend, fs.Args())
	}

	conv, err := convert.New(cfg, backend, logger.Get("convert"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize converter")
		return exitFailure
	}
	sd.Register("converter", conv, shutdown.PriorityConverter)

	code := exitOK
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, path := range fs.Args() {
		var summary *convert.Summary
		if cmd == "info" {
			summary, err = conv.Inspect(ctx, path)
		} else {
			summary, err = conv.Convert(ctx, path)
		}
		if summary != nil {
			if encErr := enc.Encode(summary); encErr != nil {
				log.Error().Err(encErr).Msg("Failed to encode summary")
			}
		}
		if err != nil {
			log.Error().Err(err).Str("file", path).Msgf("%s failed", cmd)
			if errors.Is(err, convert.ErrUnsupportedInput) {
				code = max(code, exitUnsupported)
			} else {
				code = max(code, exitFailure)
			}
		}
	}
	return code
}

func runCompact(ctx context.Context, cfg *config.Config, backend storage.Backend, sd *shutdown.Coordinator, logUIDs []string) int {
	c, err := compaction.NewCompactor(&cfg.Compaction, backend, logger.Get("compaction"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize compactor")
		return exitFailure
	}
	sd.Register("compactor", c, shutdown.PriorityCompactor)

	code := exitOK
	enc := json.NewEncoder(os.Stdout)
	for _, logUID := range logUIDs {
		res, err := c.CompactLog(ctx, logUID)
		if res != nil {
			if encErr := enc.Encode(res); encErr != nil {
				log.Error().Err(encErr).Msg("Failed to encode result")
			}
		}
		if err != nil {
			log.Error().Err(err).Str("log_uid", logUID).Msg("Compaction failed")
			code = exitFailure
		}
	}
	return code
}

func runManifests(ctx context.Context, backend storage.Backend, logUIDs []string) int {
	enc := json.NewEncoder(os.Stdout)
	for _, logUID := range logUIDs {
		manifests, err := ingest.ReadManifests(ctx, backend, logUID)
		if err != nil {
			log.Error().Err(err).Str("log_uid", logUID).Msg("Failed to read run manifests")
			return exitFailure
		}
		for _, m := range manifests {
			if err := enc.Encode(m); err != nil {
				log.Error().Err(err).Msg("Failed to encode manifest")
				return exitFailure
			}
		}
	}
	return exitOK
}

func writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(metrics.Get().PrometheusFormat()), 0644); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}
