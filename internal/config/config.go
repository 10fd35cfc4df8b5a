// Package config - Runtime configuration for the storage core
//
// What: Built-in defaults, optional YAML file, environment overrides
// How: Defaults() -> LoadFile (optional) -> ApplyEnv; later layers win
// Why: Embedded deployments tune via file, containers via DRIFT_* env vars
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftdb/drift/internal/dberr"
)

// Config is the full runtime configuration.
type Config struct {
	// DataDir is the root of the on-disk footprint (snapshot, WAL, pages).
	DataDir string `yaml:"data_dir"`

	// WALEnabled turns the segmented write-ahead log on or off.
	WALEnabled bool `yaml:"wal_enabled"`

	// SyncOnWrite forces an fsync after every commit record.
	SyncOnWrite bool `yaml:"sync_on_write"`

	// DiskBacked enables the page store + secondary index tier. When false
	// the store is memory-only (WAL and snapshot still apply).
	DiskBacked bool `yaml:"disk_backed"`

	// WALSegmentSize is the rotation threshold in bytes.
	WALSegmentSize int64 `yaml:"wal_segment_size"`

	// BufferPoolPages bounds the page cache (in pages).
	BufferPoolPages int `yaml:"buffer_pool_pages"`

	// SweepInterval is the TTL sweeper cadence; SweepBatch bounds evictions
	// per pass.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`

	// CheckpointInterval is the WAL checkpoint cadence (0 disables).
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig mirrors the connection pool knobs.
type PoolConfig struct {
	MinConnections      int           `yaml:"min_connections"`
	MaxConnections      int           `yaml:"max_connections"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RecycleConnections  bool          `yaml:"recycle_connections"`
}

// rawConfig mirrors Config with string durations, so YAML accepts the
// human form ("250ms", "2s") as well as bare nanosecond integers.
type rawConfig struct {
	DataDir            *string      `yaml:"data_dir"`
	WALEnabled         *bool        `yaml:"wal_enabled"`
	SyncOnWrite        *bool        `yaml:"sync_on_write"`
	DiskBacked         *bool        `yaml:"disk_backed"`
	WALSegmentSize     *int64       `yaml:"wal_segment_size"`
	BufferPoolPages    *int         `yaml:"buffer_pool_pages"`
	SweepInterval      *string      `yaml:"sweep_interval"`
	SweepBatch         *int         `yaml:"sweep_batch"`
	CheckpointInterval *string      `yaml:"checkpoint_interval"`
	Pool               *rawPoolConf `yaml:"pool"`
}

type rawPoolConf struct {
	MinConnections      *int    `yaml:"min_connections"`
	MaxConnections      *int    `yaml:"max_connections"`
	MaxIdleTime         *string `yaml:"max_idle_time"`
	ConnectionTimeout   *string `yaml:"connection_timeout"`
	MaxLifetime         *string `yaml:"max_lifetime"`
	HealthCheckInterval *string `yaml:"health_check_interval"`
	RecycleConnections  *bool   `yaml:"recycle_connections"`
}

// UnmarshalYAML overlays only the keys present in the document, leaving
// everything else at its current value.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setIf(raw.DataDir, &c.DataDir)
	setIf(raw.WALEnabled, &c.WALEnabled)
	setIf(raw.SyncOnWrite, &c.SyncOnWrite)
	setIf(raw.DiskBacked, &c.DiskBacked)
	setIf(raw.WALSegmentSize, &c.WALSegmentSize)
	setIf(raw.BufferPoolPages, &c.BufferPoolPages)
	setIf(raw.SweepBatch, &c.SweepBatch)
	if err := setDur(raw.SweepInterval, &c.SweepInterval); err != nil {
		return err
	}
	if err := setDur(raw.CheckpointInterval, &c.CheckpointInterval); err != nil {
		return err
	}
	if raw.Pool != nil {
		p := raw.Pool
		setIf(p.MinConnections, &c.Pool.MinConnections)
		setIf(p.MaxConnections, &c.Pool.MaxConnections)
		setIf(p.RecycleConnections, &c.Pool.RecycleConnections)
		for _, pair := range []struct {
			src *string
			dst *time.Duration
		}{
			{p.MaxIdleTime, &c.Pool.MaxIdleTime},
			{p.ConnectionTimeout, &c.Pool.ConnectionTimeout},
			{p.MaxLifetime, &c.Pool.MaxLifetime},
			{p.HealthCheckInterval, &c.Pool.HealthCheckInterval},
		} {
			if err := setDur(pair.src, pair.dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func setIf[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

func setDur(src *string, dst *time.Duration) error {
	if src == nil {
		return nil
	}
	if n, err := strconv.ParseInt(*src, 10, 64); err == nil {
		*dst = time.Duration(n)
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", *src, err)
	}
	*dst = d
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DataDir:            "./data",
		WALEnabled:         true,
		SyncOnWrite:        true,
		DiskBacked:         false,
		WALSegmentSize:     64 * 1024 * 1024,
		BufferPoolPages:    1024,
		SweepInterval:      30 * time.Second,
		SweepBatch:         1024,
		CheckpointInterval: 5 * time.Minute,
		Pool: PoolConfig{
			MinConnections:      2,
			MaxConnections:      64,
			MaxIdleTime:         5 * time.Minute,
			ConnectionTimeout:   10 * time.Second,
			MaxLifetime:         time.Hour,
			HealthCheckInterval: 30 * time.Second,
			RecycleConnections:  true,
		},
	}
}

// LoadFile overlays a YAML file onto c. A missing file is not an error when
// optional is true.
func (c *Config) LoadFile(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return dberr.New(dberr.KindValidation, "config.load", "parse %s: %v", path, err)
	}
	return nil
}

// ApplyEnv overlays DRIFT_* environment variables onto c.
func (c *Config) ApplyEnv() {
	envStr("DRIFT_DATA_DIR", &c.DataDir)
	envBool("DRIFT_WAL_ENABLED", &c.WALEnabled)
	envBool("DRIFT_SYNC_ON_WRITE", &c.SyncOnWrite)
	envBool("DRIFT_DISK_BACKED", &c.DiskBacked)
	envInt64("DRIFT_WAL_SEGMENT_SIZE", &c.WALSegmentSize)
	envInt("DRIFT_BUFFER_POOL_PAGES", &c.BufferPoolPages)
	envInt("DRIFT_POOL_MIN_CONNECTIONS", &c.Pool.MinConnections)
	envInt("DRIFT_POOL_MAX_CONNECTIONS", &c.Pool.MaxConnections)
	envDuration("DRIFT_POOL_MAX_IDLE_TIME", &c.Pool.MaxIdleTime)
	envDuration("DRIFT_POOL_CONNECTION_TIMEOUT", &c.Pool.ConnectionTimeout)
	envDuration("DRIFT_POOL_MAX_LIFETIME", &c.Pool.MaxLifetime)
	envDuration("DRIFT_POOL_HEALTH_CHECK_INTERVAL", &c.Pool.HealthCheckInterval)
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return dberr.New(dberr.KindValidation, "config.validate", "data_dir must not be empty")
	}
	if c.WALSegmentSize < 4096 {
		return dberr.New(dberr.KindValidation, "config.validate", "wal_segment_size %d below minimum 4096", c.WALSegmentSize)
	}
	if c.BufferPoolPages <= 0 {
		return dberr.New(dberr.KindValidation, "config.validate", "buffer_pool_pages must be positive")
	}
	if c.Pool.MaxConnections <= 0 {
		return dberr.New(dberr.KindValidation, "config.validate", "pool.max_connections must be positive")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return dberr.New(dberr.KindValidation, "config.validate",
			"pool.min_connections %d exceeds max_connections %d", c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	return nil
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
