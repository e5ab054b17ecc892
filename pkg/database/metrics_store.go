package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

// MetricsBatchStore handles efficient bulk insertion of session metrics.
// Rows are buffered on a channel and written in transactions, sized by
// MetricsBatchSize and bounded in staleness by MetricsFlushInterval, so
// the capture path never waits on SQLite.
type MetricsBatchStore struct {
	db     *sql.DB
	config *DatabaseConfig
	logger Logger

	rowBuffer  chan *MetricRow
	retryQueue chan []*MetricRow

	stopChan chan struct{}
	doneChan chan struct{}

	running  bool
	runMutex sync.Mutex

	processedCount int64
	errorCount     int64
	statsMutex     sync.RWMutex
}

// NewMetricsBatchStore creates a batch store over an open database.
func NewMetricsBatchStore(d *Database) *MetricsBatchStore {
	config := d.config
	return &MetricsBatchStore{
		db:         d.db,
		config:     config,
		logger:     d.logger,
		rowBuffer:  make(chan *MetricRow, config.MetricsBatchSize*2),
		retryQueue: make(chan []*MetricRow, 4),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins the batch collector goroutine.
func (s *MetricsBatchStore) Start() error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.running {
		return fmt.Errorf("metrics batch store is already running")
	}
	s.running = true
	go s.runCollector()
	return nil
}

// Stop flushes any buffered rows and stops the collector.
func (s *MetricsBatchStore) Stop() error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if !s.running {
		return nil
	}
	close(s.stopChan)
	<-s.doneChan
	s.running = false
	return nil
}

// Store queues one metric row. It never blocks; when the buffer is full
// the row is dropped and counted.
func (s *MetricsBatchStore) Store(row *MetricRow) {
	select {
	case s.rowBuffer <- row:
	default:
		s.statsMutex.Lock()
		s.errorCount++
		s.statsMutex.Unlock()
	}
}

// StoreSnapshot queues every metric in a session snapshot.
func (s *MetricsBatchStore) StoreSnapshot(sessionID string, snapshot replay.MetricSnapshot) {
	for _, metric := range snapshot.Metrics {
		s.Store(&MetricRow{
			SessionID: sessionID,
			Name:      metric.Name,
			Type:      metric.Type.String(),
			Value:     metric.Value,
			Tags:      metric.Tags,
			Timestamp: metric.Timestamp,
		})
	}
}

// Stats returns how many rows were written and how many were lost.
func (s *MetricsBatchStore) Stats() (processed, dropped int64) {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.processedCount, s.errorCount
}

func (s *MetricsBatchStore) runCollector() {
	defer close(s.doneChan)

	batch := make([]*MetricRow, 0, s.config.MetricsBatchSize)
	ticker := time.NewTicker(s.config.MetricsFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			s.logger.Errorf("metrics batch insert failed, requeueing %d rows: %v", len(batch), err)
			s.requeue(batch)
		}
		batch = make([]*MetricRow, 0, s.config.MetricsBatchSize)
	}

	for {
		select {
		case row := <-s.rowBuffer:
			batch = append(batch, row)
			if len(batch) >= s.config.MetricsBatchSize {
				flush()
			}
		case retry := <-s.retryQueue:
			if err := s.insertBatch(retry); err != nil {
				s.logger.Errorf("metrics retry insert failed, dropping %d rows: %v", len(retry), err)
				s.statsMutex.Lock()
				s.errorCount += int64(len(retry))
				s.statsMutex.Unlock()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case row := <-s.rowBuffer:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *MetricsBatchStore) requeue(batch []*MetricRow) {
	select {
	case s.retryQueue <- batch:
	default:
		s.statsMutex.Lock()
		s.errorCount += int64(len(batch))
		s.statsMutex.Unlock()
	}
}

func (s *MetricsBatchStore) insertBatch(batch []*MetricRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin metrics transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO session_metrics (session_id, metric_name, metric_type, value, tags, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare metrics insert")
	}
	defer stmt.Close()

	for _, row := range batch {
		var tags []byte
		if len(row.Tags) > 0 {
			if tags, err = json.Marshal(row.Tags); err != nil {
				return errors.Wrap(err, "failed to marshal metric tags")
			}
		}
		if _, err := stmt.Exec(row.SessionID, row.Name, row.Type, row.Value, tags, row.Timestamp); err != nil {
			return errors.Wrap(err, "failed to insert metric row")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit metrics batch")
	}

	s.statsMutex.Lock()
	s.processedCount += int64(len(batch))
	s.statsMutex.Unlock()
	return nil
}
