package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"polyflow/models"
)

type Config struct {
	Polyflow  PolyflowConfig  `yaml:"polyflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Stream    StreamConfig    `yaml:"stream"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PolyflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	BookBuffer   int `yaml:"book_buffer"`
	OracleBuffer int `yaml:"oracle_buffer"`
}

// DiscoveryConfig drives the market discovery poller. Each series entry maps
// one catalog series (e.g. bitcoin-up-or-down-5m) to a bucket and a sliding
// window of future-resolving events to track.
type DiscoveryConfig struct {
	URL               string         `yaml:"url"`
	Interval          time.Duration  `yaml:"interval"`
	Timeout           time.Duration  `yaml:"timeout"`
	RequestsPerSecond int            `yaml:"requests_per_second"`
	Burst             int            `yaml:"burst"`
	Series            []SeriesConfig `yaml:"series"`
}

type SeriesConfig struct {
	Bucket string `yaml:"bucket"`
	Slug   string `yaml:"slug"`
	Window int    `yaml:"window"`
}

type StreamConfig struct {
	URL               string        `yaml:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	StabilityWindow   time.Duration `yaml:"stability_window"`
}

type OracleConfig struct {
	Enabled bool     `yaml:"enabled"`
	Symbols []string `yaml:"symbols"`
}

type WriterConfig struct {
	Directory          string        `yaml:"directory"`
	MaxRowsPerFile     int           `yaml:"max_rows_per_file"`
	MaxBufferAge       time.Duration `yaml:"max_buffer_age"`
	FlushCheckInterval time.Duration `yaml:"flush_check_interval"`
	Compression        string        `yaml:"compression"`
	WriteRetryDelay    time.Duration `yaml:"write_retry_delay"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MinFileAge      time.Duration `yaml:"min_file_age"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	Report     bool   `yaml:"report"`
	CloudWatch bool   `yaml:"cloudwatch"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Writer: WriterConfig{
			Compression:     "snappy",
			WriteRetryDelay: time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Polyflow.Name == "" {
		return fmt.Errorf("polyflow.name is required")
	}
	if cfg.Polyflow.Version == "" {
		return fmt.Errorf("polyflow.version is required")
	}

	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}
	if cfg.Oracle.Enabled && cfg.Channels.OracleBuffer <= 0 {
		return fmt.Errorf("channels.oracle_buffer must be greater than 0 when the oracle feed is enabled")
	}

	if cfg.Discovery.URL == "" {
		return fmt.Errorf("discovery.url is required")
	}
	if cfg.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be greater than 0")
	}
	if len(cfg.Discovery.Series) == 0 {
		return fmt.Errorf("discovery.series must list at least one series")
	}
	for i, s := range cfg.Discovery.Series {
		if _, err := models.ParseBucket(s.Bucket); err != nil {
			return fmt.Errorf("discovery.series[%d]: %w", i, err)
		}
		if s.Slug == "" {
			return fmt.Errorf("discovery.series[%d].slug is required", i)
		}
		if s.Window <= 0 {
			return fmt.Errorf("discovery.series[%d].window must be greater than 0", i)
		}
	}

	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be greater than 0")
	}
	if cfg.Stream.HeartbeatTimeout <= cfg.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.heartbeat_timeout must exceed stream.heartbeat_interval")
	}
	if cfg.Stream.BackoffBase <= 0 || cfg.Stream.BackoffCap < cfg.Stream.BackoffBase {
		return fmt.Errorf("stream backoff must satisfy 0 < backoff_base <= backoff_cap")
	}

	if cfg.Oracle.Enabled && len(cfg.Oracle.Symbols) == 0 {
		return fmt.Errorf("oracle.symbols must list at least one symbol when enabled")
	}

	if cfg.Writer.Directory == "" {
		return fmt.Errorf("writer.directory is required")
	}
	if cfg.Writer.MaxRowsPerFile <= 0 {
		return fmt.Errorf("writer.max_rows_per_file must be greater than 0")
	}
	if cfg.Writer.MaxBufferAge <= 0 {
		return fmt.Errorf("writer.max_buffer_age must be greater than 0")
	}
	if cfg.Writer.FlushCheckInterval <= 0 {
		return fmt.Errorf("writer.flush_check_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
