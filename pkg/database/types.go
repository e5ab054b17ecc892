package database

import (
	"fmt"
	"time"
)

// DatabaseConfig holds configuration for the clip index database.
type DatabaseConfig struct {
	// Path is the SQLite file location.
	Path string

	// MaxConnections limits the connection pool.
	MaxConnections int

	// ConnectionTimeout bounds the initial connectivity check.
	ConnectionTimeout time.Duration

	// BusyTimeout is passed to SQLite so concurrent writers wait instead
	// of failing immediately.
	BusyTimeout time.Duration

	// MetricsBatchSize is how many metric rows are inserted per
	// transaction.
	MetricsBatchSize int

	// MetricsFlushInterval flushes a partial batch after this long.
	MetricsFlushInterval time.Duration

	// MetricsRetention is how long metric rows are kept.
	MetricsRetention time.Duration

	// ClipRetention is how long clip records are kept. Zero keeps them
	// forever.
	ClipRetention time.Duration

	// RetentionInterval is how often the retention worker runs.
	RetentionInterval time.Duration
}

// DefaultDatabaseConfig returns sensible defaults for a local daemon.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Path:                 "kiroku.db",
		MaxConnections:       4,
		ConnectionTimeout:    5 * time.Second,
		BusyTimeout:          5 * time.Second,
		MetricsBatchSize:     100,
		MetricsFlushInterval: 10 * time.Second,
		MetricsRetention:     7 * 24 * time.Hour,
		ClipRetention:        0,
		RetentionInterval:    time.Hour,
	}
}

// Validate checks the configuration for usable values.
func (c *DatabaseConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.MetricsBatchSize <= 0 {
		return fmt.Errorf("metrics batch size must be positive, got %d", c.MetricsBatchSize)
	}
	if c.MetricsFlushInterval <= 0 {
		return fmt.Errorf("metrics flush interval must be positive")
	}
	return nil
}

// ClipRecord is one saved clip as stored in the index.
type ClipRecord struct {
	ID         string
	Path       string
	CreatedAt  time.Time
	Duration   time.Duration
	FrameCount int
	AudioCount int
	Bytes      int64
	HasAudio   bool
}

// MetricRow is one persisted metric sample.
type MetricRow struct {
	SessionID string
	Name      string
	Type      string
	Value     float64
	Tags      map[string]string
	Timestamp time.Time
}

// ClipStats summarizes the clip index.
type ClipStats struct {
	Count      int64
	TotalBytes int64
	Oldest     time.Time
	Newest     time.Time
}
