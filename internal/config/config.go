package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for aplake
type Config struct {
	Log        LogConfig
	Storage    StorageConfig
	Convert    ConvertConfig
	Parquet    ParquetConfig
	Compaction CompactionConfig
	Catalog    CatalogConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Backend   string
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3UseSSL    bool
	S3PathStyle bool // Use path-style addressing (required for MinIO)
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
	// Retry/circuit breaker around remote writes
	RetryEnabled    bool
	MaxRetries      int
	RetryDelay      time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Flush policies for partition batches. A writer uses exactly one for its lifetime.
const (
	FlushPolicyFragment = "fragment"
	FlushPolicyMerge    = "merge"
)

// Content hash algorithms for LogUID derivation.
const (
	HashSHA256 = "sha256"
	HashBLAKE3 = "blake3"
)

type ConvertConfig struct {
	BatchSize        int    // Rows per partition before a flush (default: 20000)
	FlushPolicy      string // fragment or merge
	ProgressInterval int    // Records between progress log lines (0 disables)
	HashAlgorithm    string // sha256 or blake3
	TempDirectory    string // Scratch space for decompressed inputs
	AutoCompact      bool   // Compact fragments after a successful run
}

type ParquetConfig struct {
	Compression     string // snappy, gzip, zstd, none
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string // 1.0 or 2.0
}

type CompactionConfig struct {
	MinFiles      int    // Minimum files in a partition before it is compacted (default: 2)
	MaxConcurrent int    // Partitions compacted in parallel
	TempDirectory string // Scratch space for downloaded fragments
	MemoryLimit   string // DuckDB memory_limit
	Threads       int    // DuckDB threads
}

type CatalogConfig struct {
	Enabled bool
	DBPath  string // SQLite database path
}

// Load reads configuration from defaults, aplake.toml and APLAKE_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("APLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("aplake")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aplake/")
	v.AddConfigPath("$HOME/.aplake/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Storage: StorageConfig{
			Backend:                 v.GetString("storage.backend"),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			RetryEnabled:            v.GetBool("storage.retry_enabled"),
			MaxRetries:              v.GetInt("storage.max_retries"),
			RetryDelay:              v.GetDuration("storage.retry_delay"),
			RetryMaxDelay:           v.GetDuration("storage.retry_max_delay"),
			BreakerFailures:         v.GetInt("storage.breaker_failures"),
			BreakerTimeout:          v.GetDuration("storage.breaker_timeout"),
		},
		Convert: ConvertConfig{
			BatchSize:        v.GetInt("convert.batch_size"),
			FlushPolicy:      strings.ToLower(v.GetString("convert.flush_policy")),
			ProgressInterval: v.GetInt("convert.progress_interval"),
			HashAlgorithm:    strings.ToLower(v.GetString("convert.hash_algorithm")),
			TempDirectory:    v.GetString("convert.temp_directory"),
			AutoCompact:      v.GetBool("convert.auto_compact"),
		},
		Parquet: ParquetConfig{
			Compression:     strings.ToLower(v.GetString("parquet.compression")),
			UseDictionary:   v.GetBool("parquet.use_dictionary"),
			WriteStatistics: v.GetBool("parquet.write_statistics"),
			DataPageVersion: v.GetString("parquet.data_page_version"),
		},
		Compaction: CompactionConfig{
			MinFiles:      v.GetInt("compaction.min_files"),
			MaxConcurrent: v.GetInt("compaction.max_concurrent"),
			TempDirectory: v.GetString("compaction.temp_directory"),
			MemoryLimit:   v.GetString("compaction.memory_limit"),
			Threads:       v.GetInt("compaction.threads"),
		},
		Catalog: CatalogConfig{
			Enabled: v.GetBool("catalog.enabled"),
			DBPath:  v.GetString("catalog.db_path"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./output")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.retry_enabled", true)
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_delay", 100*time.Millisecond)
	v.SetDefault("storage.retry_max_delay", 5*time.Second)
	v.SetDefault("storage.breaker_failures", 5)
	v.SetDefault("storage.breaker_timeout", 30*time.Second)

	// Convert defaults
	v.SetDefault("convert.batch_size", 20000)
	v.SetDefault("convert.flush_policy", FlushPolicyFragment)
	v.SetDefault("convert.progress_interval", 100000)
	v.SetDefault("convert.hash_algorithm", HashSHA256)
	v.SetDefault("convert.temp_directory", "")
	v.SetDefault("convert.auto_compact", false)

	// Parquet defaults
	v.SetDefault("parquet.compression", "zstd")
	v.SetDefault("parquet.use_dictionary", true)
	v.SetDefault("parquet.write_statistics", true)
	v.SetDefault("parquet.data_page_version", "2.0")

	// Compaction defaults
	v.SetDefault("compaction.min_files", 2)
	v.SetDefault("compaction.max_concurrent", 4)
	v.SetDefault("compaction.temp_directory", "./data/compaction")
	v.SetDefault("compaction.memory_limit", getDefaultMemoryLimit())
	v.SetDefault("compaction.threads", getDefaultThreadCount())

	// Catalog defaults
	v.SetDefault("catalog.enabled", true)
	v.SetDefault("catalog.db_path", "./data/aplake.db")
}

// Validate rejects values the converter cannot act on.
func (c *Config) Validate() error {
	switch c.Convert.FlushPolicy {
	case FlushPolicyFragment, FlushPolicyMerge:
	default:
		return fmt.Errorf("invalid convert.flush_policy %q (use %q or %q)", c.Convert.FlushPolicy, FlushPolicyFragment, FlushPolicyMerge)
	}
	switch c.Convert.HashAlgorithm {
	case HashSHA256, HashBLAKE3:
	default:
		return fmt.Errorf("invalid convert.hash_algorithm %q (use %q or %q)", c.Convert.HashAlgorithm, HashSHA256, HashBLAKE3)
	}
	if c.Convert.BatchSize <= 0 {
		return fmt.Errorf("convert.batch_size must be positive, got %d", c.Convert.BatchSize)
	}
	switch c.Storage.Backend {
	case "local", "s3", "minio", "azure", "azblob":
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	if c.Compaction.MinFiles < 2 {
		return fmt.Errorf("compaction.min_files must be at least 2, got %d", c.Compaction.MinFiles)
	}
	if _, err := ParseSize(c.Compaction.MemoryLimit); err != nil {
		return fmt.Errorf("invalid compaction.memory_limit: %w", err)
	}
	if c.Compaction.MaxConcurrent < 1 {
		c.Compaction.MaxConcurrent = 1
	}
	return nil
}

func getDefaultThreadCount() int {
	return runtime.NumCPU()
}

func getDefaultMemoryLimit() string {
	// Heuristic: ~2GB per core, use a quarter of it for compaction
	targetMemGB := runtime.NumCPU() / 2
	if targetMemGB < 1 {
		return "1GB"
	}
	if targetMemGB > 16 {
		return "16GB"
	}
	return fmt.Sprintf("%dGB", targetMemGB)
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
