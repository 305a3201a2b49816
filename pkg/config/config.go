package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/KevoDB/logcask/pkg/entry"
)

const (
	// DefaultConfigFileName is the name used when a config is saved next to the data
	DefaultConfigFileName = "logcask.json"
	CurrentConfigVersion  = 1

	// EnvPrefix prefixes every environment override, e.g. LOGCASK_SYNC_MODE
	EnvPrefix = "LOGCASK_"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// SyncMode controls when appended entries are fsynced.
type SyncMode int

const (
	// SyncNone leaves durability to the OS page cache; entries are still
	// flushed to the OS before they become visible.
	SyncNone SyncMode = iota
	// SyncBatch fsyncs once SyncBytes have accumulated and on a timer.
	SyncBatch
	// SyncImmediate fsyncs every write before it is acknowledged.
	SyncImmediate
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "always"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode accepts "none", "batch" and "always" (alias "immediate").
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return SyncNone, nil
	case "batch":
		return SyncBatch, nil
	case "always", "immediate":
		return SyncImmediate, nil
	}
	return SyncNone, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, s)
}

func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *SyncMode) UnmarshalText(text []byte) error {
	parsed, err := ParseSyncMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Config struct {
	Version int `json:"version"`

	DataDir string `json:"data_dir"`

	// Segment configuration
	SegmentMaxSize int64 `json:"segment_max_size"`
	MaxKeySize     int   `json:"max_key_size"`
	MaxValueSize   int   `json:"max_value_size"`
	UseHintFiles   bool  `json:"use_hint_files"`
	// HintCompression is one of "none", "zstd" or "snappy"
	HintCompression string `json:"hint_compression"`

	// Durability
	SyncMode       SyncMode `json:"sync_mode"`
	SyncBytes      int64    `json:"sync_bytes"`
	SyncIntervalMs int64    `json:"sync_interval_ms"`

	// Compaction configuration
	AutoCompaction        bool    `json:"auto_compaction"`
	CompactionRatio       float64 `json:"compaction_ratio"` // dead bytes / total bytes
	CompactionIntervalSec int64   `json:"compaction_interval_sec"`

	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentConfigVersion,
		DataDir: dataDir,

		SegmentMaxSize:  64 * 1024 * 1024, // 64MB
		MaxKeySize:      64 * 1024,
		MaxValueSize:    64 * 1024 * 1024,
		UseHintFiles:    true,
		HintCompression: "zstd",

		SyncMode:       SyncBatch,
		SyncBytes:      1024 * 1024, // 1MB
		SyncIntervalMs: 1000,

		AutoCompaction:        true,
		CompactionRatio:       0.2,
		CompactionIntervalSec: 30,

		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}
	if c.SegmentMaxSize <= 0 {
		return fmt.Errorf("%w: segment max size must be positive", ErrInvalidConfig)
	}
	if c.MaxKeySize <= 0 || c.MaxValueSize <= 0 {
		return fmt.Errorf("%w: key and value size limits must be positive", ErrInvalidConfig)
	}
	if c.MaxKeySize > entry.MaxKeyLen {
		return fmt.Errorf("%w: max key size %d exceeds the entry format limit %d", ErrInvalidConfig, c.MaxKeySize, entry.MaxKeyLen)
	}
	if int64(c.MaxValueSize) > entry.MaxValueLen {
		return fmt.Errorf("%w: max value size %d exceeds the entry format limit %d", ErrInvalidConfig, c.MaxValueSize, int64(entry.MaxValueLen))
	}
	switch c.HintCompression {
	case "none", "zstd", "snappy":
	default:
		return fmt.Errorf("%w: unknown hint compression %q", ErrInvalidConfig, c.HintCompression)
	}
	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, int(c.SyncMode))
	}
	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}
	if c.SyncIntervalMs < 0 {
		return fmt.Errorf("%w: sync interval must not be negative", ErrInvalidConfig)
	}
	if c.CompactionRatio <= 0 || c.CompactionRatio >= 1 {
		return fmt.Errorf("%w: compaction ratio must be between 0 and 1", ErrInvalidConfig)
	}
	if c.CompactionIntervalSec < 0 {
		return fmt.Errorf("%w: compaction interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads a JSON config file. Fields missing from the file keep
// their defaults, and DataDir falls back to the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as JSON, replacing any existing file atomically
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// LoadFromEnv applies LOGCASK_* environment overrides on top of the current values.
func (c *Config) LoadFromEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "SYNC_MODE"); v != "" {
		mode, err := ParseSyncMode(v)
		if err != nil {
			return err
		}
		c.SyncMode = mode
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	ints := map[string]*int64{
		"SEGMENT_MAX_SIZE":        &c.SegmentMaxSize,
		"SYNC_BYTES":              &c.SyncBytes,
		"SYNC_INTERVAL_MS":        &c.SyncIntervalMs,
		"COMPACTION_INTERVAL_SEC": &c.CompactionIntervalSec,
	}
	for name, dst := range ints {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
		}
		*dst = n
	}

	if v := os.Getenv(EnvPrefix + "COMPACTION_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sCOMPACTION_RATIO: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		c.CompactionRatio = f
	}
	if v := os.Getenv(EnvPrefix + "AUTO_COMPACTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sAUTO_COMPACTION: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		c.AutoCompaction = b
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Snapshot returns a copy of the configuration that is safe to read without locking.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:               c.Version,
		DataDir:               c.DataDir,
		SegmentMaxSize:        c.SegmentMaxSize,
		MaxKeySize:            c.MaxKeySize,
		MaxValueSize:          c.MaxValueSize,
		UseHintFiles:          c.UseHintFiles,
		HintCompression:       c.HintCompression,
		SyncMode:              c.SyncMode,
		SyncBytes:             c.SyncBytes,
		SyncIntervalMs:        c.SyncIntervalMs,
		AutoCompaction:        c.AutoCompaction,
		CompactionRatio:       c.CompactionRatio,
		CompactionIntervalSec: c.CompactionIntervalSec,
		LogLevel:              c.LogLevel,
	}
}
