package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/pressurenet/readings-aggregator/internal/handlers"
)

const envPrefix = "PNET_"

// Statistics backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Config represents the top-level configuration of the aggregator.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	AWS         AWSConfig         `koanf:"aws"`
	Queue       QueueConfig       `koanf:"queue"`
	Storage     StorageConfig     `koanf:"storage"`
	Statistics  StatisticsConfig  `koanf:"statistics"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Retry       RetryConfig       `koanf:"retry"`

	// Streams are loaded from aggregation.streams_dir, or the built-in chain.
	Streams []handlers.StreamSpec `koanf:"-"`
}

// ServerConfig holds the health and metrics HTTP server settings.
type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Port    int    `koanf:"port"`
	Host    string `koanf:"host"`
	Mode    string `koanf:"mode"` // "debug" or "release"
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// AWSConfig is shared by the SQS, S3 and DynamoDB clients. Endpoint and static
// keys are for local stacks; leave them empty to use the default chain.
type AWSConfig struct {
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	ForcePathStyle  bool   `koanf:"force_path_style"`
}

type QueueConfig struct {
	URL               string `koanf:"url"`
	BatchSize         int    `koanf:"batch_size"`
	WaitTime          string `koanf:"wait_time"`
	PollInterval      string `koanf:"poll_interval"`
	VisibilityTimeout string `koanf:"visibility_timeout"`
}

type StorageConfig struct {
	PublicBucket  string `koanf:"public_bucket"`
	PrivateBucket string `koanf:"private_bucket"`
	ArchiveRoot   string `koanf:"archive_root"`
	Compress      bool   `koanf:"compress"`
}

// StatisticsConfig selects the geospatial index the statistics stream writes to.
type StatisticsConfig struct {
	Backend          string `koanf:"backend"` // dynamodb, postgres or none
	Table            string `koanf:"table"`
	PartitionKeyAttr string `koanf:"partition_key_attr"`
	RangeKeyAttr     string `koanf:"range_key_attr"`
	DSN              string `koanf:"dsn"`
	MaxOpenConns     int    `koanf:"max_open_conns"`
	MaxIdleConns     int    `koanf:"max_idle_conns"`
	AutoMigrate      bool   `koanf:"auto_migrate"`
}

type GranularityConfig struct {
	Label      string `koanf:"label"`
	Duration   string `koanf:"duration"`
	FlushEvery string `koanf:"flush_every"`
}

type AggregationConfig struct {
	Granularities     []GranularityConfig `koanf:"granularities"`
	WorkerCount       int                 `koanf:"worker_count"`
	PersistedTTL      string              `koanf:"persisted_ttl"`
	PersistedCapacity int                 `koanf:"persisted_capacity"`
	BufferExpiry      string              `koanf:"buffer_expiry"`
	SharingLevels     []string            `koanf:"sharing_levels"`
	StreamsDir        string              `koanf:"streams_dir"`
	ShutdownTimeout   string              `koanf:"shutdown_timeout"`
	StallAfter        string              `koanf:"stall_after"`
}

// RetryConfig is the per-call policy applied to every queue, store and index call.
type RetryConfig struct {
	MaxTries        int    `koanf:"max_tries"`
	CallTimeout     string `koanf:"call_timeout"`
	InitialInterval string `koanf:"initial_interval"`
	MaxInterval     string `koanf:"max_interval"`
	MaxElapsed      string `koanf:"max_elapsed"`
}

// ParsedGranularities converts the configured granularities.
func (c AggregationConfig) ParsedGranularities() ([]block.Granularity, error) {
	if len(c.Granularities) == 0 {
		return nil, fmt.Errorf("aggregation.granularities must not be empty")
	}
	out := make([]block.Granularity, 0, len(c.Granularities))
	seen := make(map[string]bool, len(c.Granularities))
	for i, gc := range c.Granularities {
		d, err := block.ParseDuration(gc.Duration)
		if err != nil {
			return nil, fmt.Errorf("aggregation.granularities[%d].duration: %w", i, err)
		}
		g := block.Granularity{Label: gc.Label, Duration: d}
		if gc.FlushEvery != "" {
			if g.FlushEvery, err = block.ParseDuration(gc.FlushEvery); err != nil {
				return nil, fmt.Errorf("aggregation.granularities[%d].flush_every: %w", i, err)
			}
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("aggregation.granularities[%d]: %w", i, err)
		}
		if seen[g.Label] {
			return nil, fmt.Errorf("aggregation.granularities: duplicate label %q", g.Label)
		}
		seen[g.Label] = true
		out = append(out, g)
	}
	return out, nil
}

// Policy converts the retry settings.
func (c RetryConfig) Policy() (storage.RetryPolicy, error) {
	p := storage.RetryPolicy{MaxTries: uint(max(c.MaxTries, 0))}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"retry.call_timeout", c.CallTimeout, &p.CallTimeout},
		{"retry.initial_interval", c.InitialInterval, &p.InitialInterval},
		{"retry.max_interval", c.MaxInterval, &p.MaxInterval},
		{"retry.max_elapsed", c.MaxElapsed, &p.MaxElapsed},
	}
	for _, f := range fields {
		d, err := parsePositive(f.name, f.raw)
		if err != nil {
			return storage.RetryPolicy{}, err
		}
		*f.dst = d
	}
	return p, nil
}

// Duration parses a named duration setting; it must be > 0.
func Duration(name, raw string) (time.Duration, error) {
	return parsePositive(name, raw)
}

func parsePositive(name, raw string) (time.Duration, error) {
	d, err := block.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return d, nil
}

// Validate checks the loaded configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
		}
		if c.Server.Mode != "debug" && c.Server.Mode != "release" {
			return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if c.Queue.BatchSize <= 0 || c.Queue.BatchSize > storage.MaxReceiveBatch {
		return fmt.Errorf("queue.batch_size must be 1-%d", storage.MaxReceiveBatch)
	}
	if wait, err := time.ParseDuration(c.Queue.WaitTime); err != nil || wait < 0 || wait > 20*time.Second {
		return fmt.Errorf("invalid queue.wait_time %q (must be 0s-20s)", c.Queue.WaitTime)
	}
	for name, raw := range map[string]string{
		"queue.poll_interval":          c.Queue.PollInterval,
		"queue.visibility_timeout":     c.Queue.VisibilityTimeout,
		"aggregation.persisted_ttl":    c.Aggregation.PersistedTTL,
		"aggregation.buffer_expiry":    c.Aggregation.BufferExpiry,
		"aggregation.shutdown_timeout": c.Aggregation.ShutdownTimeout,
		"aggregation.stall_after":      c.Aggregation.StallAfter,
	} {
		if _, err := parsePositive(name, raw); err != nil {
			return err
		}
	}

	if c.Storage.PrivateBucket == "" {
		return fmt.Errorf("storage.private_bucket is required")
	}
	if c.Storage.PublicBucket == "" {
		return fmt.Errorf("storage.public_bucket is required")
	}

	switch c.Statistics.Backend {
	case BackendDynamoDB:
	case BackendPostgres:
		if c.Statistics.DSN == "" {
			return fmt.Errorf("statistics.dsn is required for the postgres backend")
		}
		if c.Statistics.MaxOpenConns <= 0 {
			return fmt.Errorf("statistics.max_open_conns must be > 0")
		}
		if c.Statistics.MaxIdleConns <= 0 {
			return fmt.Errorf("statistics.max_idle_conns must be > 0")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unsupported statistics.backend %q", c.Statistics.Backend)
	}
	if c.Statistics.Backend != BackendNone && c.Statistics.Table == "" {
		return fmt.Errorf("statistics.table is required")
	}

	if _, err := c.Aggregation.ParsedGranularities(); err != nil {
		return err
	}
	if c.Aggregation.WorkerCount <= 0 {
		return fmt.Errorf("aggregation.worker_count must be > 0")
	}
	if c.Aggregation.PersistedCapacity <= 0 {
		return fmt.Errorf("aggregation.persisted_capacity must be > 0")
	}
	if len(c.Aggregation.SharingLevels) == 0 {
		return fmt.Errorf("aggregation.sharing_levels must not be empty")
	}
	for _, level := range c.Aggregation.SharingLevels {
		if level == "" || strings.Contains(level, "/") {
			return fmt.Errorf("invalid sharing level %q", level)
		}
	}

	if c.Retry.MaxTries <= 0 {
		return fmt.Errorf("retry.max_tries must be > 0")
	}
	if _, err := c.Retry.Policy(); err != nil {
		return err
	}
	return nil
}

// Load loads the configuration from the given file path and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"server.enabled":                 true,
		"server.port":                    9090,
		"server.host":                    "0.0.0.0",
		"server.mode":                    "release",
		"log.level":                      "info",
		"log.format":                     "text",
		"aws.region":                     "us-east-1",
		"queue.batch_size":               storage.MaxReceiveBatch,
		"queue.wait_time":                "10s",
		"queue.poll_interval":            "1s",
		"queue.visibility_timeout":       "30m",
		"storage.archive_root":           handlers.DefaultArchiveRoot,
		"storage.compress":               true,
		"statistics.backend":             BackendDynamoDB,
		"statistics.table":               "pressurenet-statistics",
		"statistics.max_open_conns":      10,
		"statistics.max_idle_conns":      5,
		"statistics.auto_migrate":        true,
		"aggregation.worker_count":       10,
		"aggregation.persisted_ttl":      "24h",
		"aggregation.persisted_capacity": 1_000_000,
		"aggregation.buffer_expiry":      "1h",
		"aggregation.sharing_levels":     handlers.DefaultSharingLevels(),
		"aggregation.streams_dir":        "./config/streams",
		"aggregation.shutdown_timeout":   "30s",
		"aggregation.stall_after":        "5m",
		"aggregation.granularities": []map[string]interface{}{
			{"label": "10minute", "duration": "10m"},
			{"label": "hourly", "duration": "1h"},
			{"label": "daily", "duration": "1d"},
		},
		"retry.max_tries":        4,
		"retry.call_timeout":     "10s",
		"retry.initial_interval": "200ms",
		"retry.max_interval":     "5s",
		"retry.max_elapsed":      "1m",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// 2. Load from file
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Load from Environment Variables
	// PNET_QUEUE__URL=... overrides queue.url
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	streams, err := loadStreams(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load output streams: %w", err)
	}
	cfg.Streams = streams
	return &cfg, nil
}

func loadStreams(cfg *Config) ([]handlers.StreamSpec, error) {
	repo, err := handlers.NewFileSystemStreamRepository(cfg.Aggregation.StreamsDir)
	if err != nil {
		return nil, err
	}
	if streams := repo.List(); len(streams) > 0 {
		for _, s := range streams {
			slog.Info("[Config] Loaded output stream", "name", s.Name, "kind", s.Kind, "fingerprint", s.Fingerprint[:12])
		}
		return streams, nil
	}

	gs, err := cfg.Aggregation.ParsedGranularities()
	if err != nil {
		return nil, err
	}
	streams := handlers.DefaultStreams(cfg.Storage.PublicBucket, gs)
	if cfg.Statistics.Backend == BackendNone {
		streams = slices.DeleteFunc(streams, func(s handlers.StreamSpec) bool { return s.Kind == handlers.KindStatistics })
	}
	slog.Info("[Config] No stream files found, using built-in streams", "dir", cfg.Aggregation.StreamsDir, "streams", len(streams))
	return streams, nil
}
