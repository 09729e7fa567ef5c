// Package config loads the wave server configuration from a directory of YAML
// files. Files are decoded in lexical order into one Config, so later files
// override earlier ones key by key; zero values are then replaced by defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFillValue is the internal no-data sentinel carried in sample streams.
const DefaultFillValue = math.MinInt32

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Span     SpanConfig     `yaml:"span"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Merge    MergeConfig    `yaml:"merge"`
	Heli     HeliConfig     `yaml:"heli"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Remote   RemoteConfig   `yaml:"remote"`
	Holdings HoldingsConfig `yaml:"holdings"`
	LiveFeed LiveFeedConfig `yaml:"livefeed"`
	Restrict RestrictConfig `yaml:"restrict"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`

	// LoadedFrom is the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains listener and session settings.
type ServerConfig struct {
	Name               string `yaml:"name"`
	ListenAddress      string `yaml:"listen_address"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	WriteTimeoutSecs   int    `yaml:"write_timeout_seconds"`
	MaxLineBytes       int    `yaml:"max_line_bytes"`
	MaxRequestSeconds  int    `yaml:"max_request_seconds"`
}

// PoolConfig bounds the connection worker pool.
type PoolConfig struct {
	MinWorkers           int `yaml:"min_workers"`
	MaxWorkers           int `yaml:"max_workers"`
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`
	StallSeconds         int `yaml:"stall_seconds"`
	IdleRetireSeconds    int `yaml:"idle_retire_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	AssignBackoffMS      int `yaml:"assign_backoff_ms"`
	AssignMaxWaitSeconds int `yaml:"assign_max_wait_seconds"`
}

// SpanConfig sizes the in-memory span buffers.
type SpanConfig struct {
	DurationSeconds   int     `yaml:"duration_seconds"`
	MaxSamples        int     `yaml:"max_samples"`
	FillValue         int32   `yaml:"fill_value"`
	AdjacencyFraction float64 `yaml:"adjacency_fraction"`
}

// CatalogConfig drives catalog refresh and menu caching.
type CatalogConfig struct {
	ScanIntervalSeconds  int `yaml:"scan_interval_seconds"`
	PublishIntervalMS    int `yaml:"publish_interval_ms"`
	MenuCacheSeconds     int `yaml:"menu_cache_seconds"`
	MetadataCacheSeconds int `yaml:"metadata_cache_seconds"`
	MenuTTLSeconds       int `yaml:"menu_ttl_seconds"`
	EndFallbackHours     int `yaml:"end_fallback_hours"`
}

// MergeConfig controls archive access from the merge engine.
type MergeConfig struct {
	ArchiveAttempts       int `yaml:"archive_attempts"`
	ArchiveBaseDelayMS    int `yaml:"archive_base_delay_ms"`
	ArchiveTimeoutSeconds int `yaml:"archive_timeout_seconds"`
	MaxRequestSeconds     int `yaml:"max_request_seconds"`
}

// HeliConfig tunes the helicorder decimation filter.
type HeliConfig struct {
	CacheSeconds  int     `yaml:"cache_seconds"`
	WarmupSeconds float64 `yaml:"warmup_seconds"`
	WarmupSamples int     `yaml:"warmup_samples"`
	GapSeconds    float64 `yaml:"gap_seconds"`
	CutoffHz      float64 `yaml:"cutoff_hz"`
	Scale         float64 `yaml:"scale"`
}

// ArchiveConfig configures the local pebble block store and its writer.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Path                   string `yaml:"path"`
	CacheSizeBytes         int64  `yaml:"cache_size_bytes"`
	PoolBlocks             int    `yaml:"pool_blocks"`
	BlockSamples           int    `yaml:"block_samples"`
	PoolWaitMS             int    `yaml:"pool_wait_ms"`
	PoolHardCeilingSeconds int    `yaml:"pool_hard_ceiling_seconds"`
	RetentionDays          int    `yaml:"retention_days"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
}

// RemoteConfig points at another wave server used as a network archive.
type RemoteConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// HoldingsConfig configures the SQLite holdings table scanned for coverage.
type HoldingsConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	DBPath                  string `yaml:"db_path"`
	Table                   string `yaml:"table"`
	PreflightTimeoutSeconds int    `yaml:"preflight_timeout_seconds"`
}

// LiveFeedConfig configures the MQTT live-arrival feed.
type LiveFeedConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
	Buffer   int    `yaml:"buffer"`
}

// RestrictConfig lists channel patterns hidden from unauthenticated clients.
type RestrictConfig struct {
	Patterns []string `yaml:"patterns"`
}

// AdminConfig contains admin HTTP settings (/metrics, pprof).
type AdminConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig contains file logging settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads every *.yaml / *.yml file in dir in lexical order and merges them.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("config: no yaml files in %s", dir)
	}
	sort.Strings(names)

	var cfg Config
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	}
	cfg.LoadedFrom = dir
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults replaces zero values with the documented defaults. The
// tolerances here are tuned policy, not physical constants.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Name) == "" {
		c.Server.Name = "waveserver"
	}
	if strings.TrimSpace(c.Server.ListenAddress) == "" {
		c.Server.ListenAddress = ":16022"
	}
	setInt(&c.Server.IdleTimeoutSeconds, 600)
	setInt(&c.Server.WriteTimeoutSecs, 30)
	setInt(&c.Server.MaxLineBytes, 1024)
	setInt(&c.Server.MaxRequestSeconds, 120)

	setInt(&c.Pool.MinWorkers, 4)
	setInt(&c.Pool.MaxWorkers, 128)
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		c.Pool.MaxWorkers = c.Pool.MinWorkers
	}
	setInt(&c.Pool.StaleAfterSeconds, 3600)
	setInt(&c.Pool.StallSeconds, 900)
	setInt(&c.Pool.IdleRetireSeconds, 300)
	setInt(&c.Pool.SweepIntervalSeconds, 30)
	setInt(&c.Pool.AssignBackoffMS, 50)
	setInt(&c.Pool.AssignMaxWaitSeconds, 10)

	setInt(&c.Span.DurationSeconds, 1800)
	setInt(&c.Span.MaxSamples, 1<<20)
	if c.Span.FillValue == 0 {
		c.Span.FillValue = DefaultFillValue
	}
	if c.Span.AdjacencyFraction <= 0 {
		c.Span.AdjacencyFraction = 0.5
	}

	setInt(&c.Catalog.ScanIntervalSeconds, 300)
	setInt(&c.Catalog.PublishIntervalMS, 1000)
	setInt(&c.Catalog.MenuCacheSeconds, 20)
	setInt(&c.Catalog.MetadataCacheSeconds, 60)
	setInt(&c.Catalog.EndFallbackHours, 24)

	setInt(&c.Merge.ArchiveAttempts, 3)
	setInt(&c.Merge.ArchiveBaseDelayMS, 100)
	setInt(&c.Merge.ArchiveTimeoutSeconds, 30)
	setInt(&c.Merge.MaxRequestSeconds, 86400)

	setInt(&c.Heli.CacheSeconds, 3600)
	if c.Heli.WarmupSeconds <= 0 {
		c.Heli.WarmupSeconds = 3
	}
	if c.Heli.GapSeconds <= 0 {
		c.Heli.GapSeconds = 2
	}
	if c.Heli.CutoffHz <= 0 {
		c.Heli.CutoffHz = 5
	}
	if c.Heli.Scale == 0 {
		c.Heli.Scale = 1
	}

	if strings.TrimSpace(c.Archive.Path) == "" {
		c.Archive.Path = "data/archive"
	}
	if c.Archive.CacheSizeBytes <= 0 {
		c.Archive.CacheSizeBytes = 64 << 20
	}
	setInt(&c.Archive.PoolBlocks, 4096)
	setInt(&c.Archive.BlockSamples, 4096)
	setInt(&c.Archive.PoolWaitMS, 50)
	setInt(&c.Archive.PoolHardCeilingSeconds, 120)
	setInt(&c.Archive.RetentionDays, 30)
	setInt(&c.Archive.QueueSize, 10000)
	setInt(&c.Archive.BatchSize, 256)
	setInt(&c.Archive.BatchIntervalMS, 500)
	setInt(&c.Archive.CleanupIntervalSeconds, 3600)

	setInt(&c.Remote.TimeoutSeconds, 30)

	if strings.TrimSpace(c.Holdings.Table) == "" {
		c.Holdings.Table = "holdings"
	}
	setInt(&c.Holdings.PreflightTimeoutSeconds, 2)

	setInt(&c.LiveFeed.Port, 1883)
	if strings.TrimSpace(c.LiveFeed.Topic) == "" {
		c.LiveFeed.Topic = "waveserver/live/#"
	}
	setInt(&c.LiveFeed.Buffer, 4096)

	if strings.TrimSpace(c.Admin.ListenAddress) == "" {
		c.Admin.ListenAddress = "127.0.0.1:16080"
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/logs"
	}
	setInt(&c.Logging.RetentionDays, 7)
}

// Validate rejects combinations that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.Enabled && strings.TrimSpace(c.Remote.Address) == "" {
		errs = append(errs, errors.New("remote.address is required when remote.enabled"))
	}
	if c.Holdings.Enabled && strings.TrimSpace(c.Holdings.DBPath) == "" {
		errs = append(errs, errors.New("holdings.db_path is required when holdings.enabled"))
	}
	if c.LiveFeed.Enabled && strings.TrimSpace(c.LiveFeed.Broker) == "" {
		errs = append(errs, errors.New("livefeed.broker is required when livefeed.enabled"))
	}
	if c.LiveFeed.QoS < 0 || c.LiveFeed.QoS > 2 {
		errs = append(errs, fmt.Errorf("livefeed.qos must be 0..2, got %d", c.LiveFeed.QoS))
	}
	if c.Span.AdjacencyFraction >= 1 {
		errs = append(errs, fmt.Errorf("span.adjacency_fraction must be below 1, got %g", c.Span.AdjacencyFraction))
	}
	if c.Archive.BlockSamples > c.Span.MaxSamples {
		errs = append(errs, fmt.Errorf("archive.block_samples (%d) exceeds span.max_samples (%d)", c.Archive.BlockSamples, c.Span.MaxSamples))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// Seconds converts an integer seconds field into a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts an integer milliseconds field into a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Print displays the configuration summary on stdout.
func (c *Config) Print() {
	fmt.Printf("Server: %s listening on %s (idle timeout %ds)\n", c.Server.Name, c.Server.ListenAddress, c.Server.IdleTimeoutSeconds)
	fmt.Printf("Pool: %d..%d workers (stale after %ds)\n", c.Pool.MinWorkers, c.Pool.MaxWorkers, c.Pool.StaleAfterSeconds)
	fmt.Printf("Span: %ds per channel (max %d samples)\n", c.Span.DurationSeconds, c.Span.MaxSamples)
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %d days, %d pooled blocks)\n", c.Archive.Path, c.Archive.RetentionDays, c.Archive.PoolBlocks)
	}
	if c.Remote.Enabled {
		fmt.Printf("Remote archive: %s\n", c.Remote.Address)
	}
	if c.Holdings.Enabled {
		fmt.Printf("Holdings: %s (table %s)\n", c.Holdings.DBPath, c.Holdings.Table)
	}
	if c.LiveFeed.Enabled {
		fmt.Printf("Live feed: %s:%d (topic: %s)\n", c.LiveFeed.Broker, c.LiveFeed.Port, c.LiveFeed.Topic)
	}
	if len(c.Restrict.Patterns) > 0 {
		fmt.Printf("Restricted: %s\n", strings.Join(c.Restrict.Patterns, ", "))
	}
	if c.Admin.Enabled {
		fmt.Printf("Admin: %s\n", c.Admin.ListenAddress)
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
