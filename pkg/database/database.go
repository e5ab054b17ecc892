// Package database persists the clip index and session metrics in a local
// SQLite file. It backs the daemon's history and health dashboards; the
// capture pipeline itself never blocks on it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...interface{}) {
	log.Printf("ERROR: "+format, v...)
}

// Database owns the SQLite connection and schema.
type Database struct {
	db     *sql.DB
	config *DatabaseConfig
	logger Logger
}

// NewDatabase opens (creating if needed) the clip index database.
func NewDatabase(config *DatabaseConfig) (*Database, error) {
	if config == nil {
		config = DefaultDatabaseConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database configuration")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	d := &Database{db: db, config: config, logger: &defaultLogger{}}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// SetLogger replaces the package's default standard-library logger.
func (d *Database) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// DB exposes the underlying handle for repositories.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Config returns the active configuration.
func (d *Database) Config() *DatabaseConfig {
	return d.config
}

func (d *Database) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS clips (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			frame_count INTEGER NOT NULL,
			audio_count INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			has_audio BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clips_created_at ON clips(created_at)`,
		`CREATE TABLE IF NOT EXISTS session_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			value REAL NOT NULL,
			tags TEXT,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session ON session_metrics(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON session_metrics(timestamp)`,
	}
	for _, stmt := range schema {
		if _, err := d.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "failed to initialize schema")
		}
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return errors.Wrap(d.db.Close(), "failed to close database")
}
