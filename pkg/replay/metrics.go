package replay

import (
	"fmt"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	CounterType MetricType = iota
	GaugeType
	TimingType
)

func (mt MetricType) String() string {
	switch mt {
	case CounterType:
		return "counter"
	case GaugeType:
		return "gauge"
	case TimingType:
		return "timing"
	default:
		return "unknown"
	}
}

// Metric is a single measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricSnapshot is a point-in-time copy of all metrics.
type MetricSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]Metric `json:"metrics"`
}

// SessionMetrics collects counters, gauges and timings for one replay
// session, tagged with the session id.
type SessionMetrics struct {
	sessionID string
	mu        sync.RWMutex
	metrics   map[string]Metric
}

// NewSessionMetrics creates a metrics collector for one session.
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		metrics:   make(map[string]Metric),
	}
}

// Counter adds value to a named counter.
func (m *SessionMetrics) Counter(name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricKey(name, tags)
	total := float64(value)
	if existing, ok := m.metrics[key]; ok && existing.Type == CounterType {
		total += existing.Value
	}
	m.metrics[key] = Metric{
		Name:      name,
		Type:      CounterType,
		Value:     total,
		Tags:      m.withSessionTag(tags),
		Timestamp: time.Now(),
	}
}

// Gauge sets a named gauge.
func (m *SessionMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricKey(name, tags)
	m.metrics[key] = Metric{
		Name:      name,
		Type:      GaugeType,
		Value:     value,
		Tags:      m.withSessionTag(tags),
		Timestamp: time.Now(),
	}
}

// Timing records a duration in milliseconds.
func (m *SessionMetrics) Timing(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricKey(name, tags)
	m.metrics[key] = Metric{
		Name:      name,
		Type:      TimingType,
		Value:     float64(duration.Nanoseconds()) / 1e6,
		Tags:      m.withSessionTag(tags),
		Timestamp: time.Now(),
	}
}

// Get retrieves one metric.
func (m *SessionMetrics) Get(name string, tags map[string]string) (Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[metricKey(name, tags)]
	return metric, ok
}

// Snapshot returns a copy of all current metrics.
func (m *SessionMetrics) Snapshot() MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricSnapshot{
		Timestamp: time.Now(),
		Metrics:   make(map[string]Metric, len(m.metrics)),
	}
	for key, metric := range m.metrics {
		snapshot.Metrics[key] = metric
	}
	return snapshot
}

// SessionID returns the owning session id.
func (m *SessionMetrics) SessionID() string {
	return m.sessionID
}

func (m *SessionMetrics) withSessionTag(tags map[string]string) map[string]string {
	merged := make(map[string]string, len(tags)+1)
	merged["session_id"] = m.sessionID
	for k, v := range tags {
		merged[k] = v
	}
	return merged
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	key := name
	for k, v := range tags {
		key += fmt.Sprintf(",%s=%s", k, v)
	}
	return key
}

// Replay-specific helpers keep metric names in one place.

// RecordFrameCaptured counts one successful encoder submission.
func (m *SessionMetrics) RecordFrameCaptured() {
	m.Counter("replay.frames.captured", 1, nil)
}

// RecordFrameDropped counts one dropped frame by submit result.
func (m *SessionMetrics) RecordFrameDropped(result SubmitResult) {
	m.Counter("replay.frames.dropped", 1, map[string]string{"result": result.String()})
}

// RecordBufferUsage records the frame and audio buffer footprints.
func (m *SessionMetrics) RecordBufferUsage(frames int, frameBytes int64, audioSamples int, audioBytes int64) {
	m.Gauge("replay.buffer.frames", float64(frames), nil)
	m.Gauge("replay.buffer.frame_bytes", float64(frameBytes), nil)
	m.Gauge("replay.buffer.audio_samples", float64(audioSamples), nil)
	m.Gauge("replay.buffer.audio_bytes", float64(audioBytes), nil)
}

// RecordSave counts a save attempt and its mux latency.
func (m *SessionMetrics) RecordSave(result SaveResult) {
	status := "ok"
	if !result.Ok() {
		status = "failed"
	}
	m.Counter("replay.saves.total", 1, map[string]string{"status": status})
	if result.Ok() {
		m.Timing("replay.saves.mux_time", result.Elapsed, nil)
	}
}

// RecordStateChange counts one state transition.
func (m *SessionMetrics) RecordStateChange(from, to ReplayState) {
	m.Counter("replay.state.changes", 1, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
}

// RecordAccessLost counts one capture access-lost episode.
func (m *SessionMetrics) RecordAccessLost() {
	m.Counter("replay.capture.access_lost", 1, nil)
}
