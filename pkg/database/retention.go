package database

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RetentionWorker periodically deletes expired metric rows and, when clip
// retention is configured, expired clip records and their files.
type RetentionWorker struct {
	database *Database
	clips    *ClipRepository
	logger   Logger

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
}

// NewRetentionWorker creates a retention worker over an open database.
func NewRetentionWorker(d *Database, clips *ClipRepository) *RetentionWorker {
	return &RetentionWorker{
		database: d,
		clips:    clips,
		logger:   d.logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the periodic cleanup goroutine.
func (w *RetentionWorker) Start() {
	go w.run()
}

// Stop halts the worker and waits for the in-flight cycle.
func (w *RetentionWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.doneChan
}

func (w *RetentionWorker) run() {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.database.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.RunOnce(context.Background()); err != nil {
				w.logger.Errorf("retention cycle failed: %v", err)
			}
		case <-w.stopChan:
			return
		}
	}
}

// RunOnce executes a single retention cycle.
func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	config := w.database.config

	if config.MetricsRetention > 0 {
		cutoff := time.Now().Add(-config.MetricsRetention)
		result, err := w.database.db.ExecContext(ctx,
			`DELETE FROM session_metrics WHERE timestamp < ?`, cutoff)
		if err != nil {
			return errors.Wrap(err, "failed to delete expired metrics")
		}
		if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
			w.logger.Printf("retention: deleted %d expired metric rows", deleted)
		}
	}

	if config.ClipRetention > 0 && w.clips != nil {
		cutoff := time.Now().Add(-config.ClipRetention)
		pruned, err := w.clips.PruneOlderThan(ctx, cutoff)
		if err != nil {
			return errors.Wrap(err, "failed to prune expired clips")
		}
		if pruned > 0 {
			w.logger.Printf("retention: pruned %d expired clips", pruned)
		}
	}
	return nil
}
