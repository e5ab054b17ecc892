package health

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/latoulicious/Kiroku/pkg/notify"
)

// StallLevel classifies a worker's heartbeat age.
type StallLevel int

const (
	StallNone StallLevel = iota
	StallSoft
	StallHard
)

func (s StallLevel) String() string {
	switch s {
	case StallNone:
		return "healthy"
	case StallSoft:
		return "soft_stall"
	case StallHard:
		return "hard_stall"
	default:
		return "unknown"
	}
}

// Logger is the minimal logging surface the monitor needs.
type Logger interface {
	Printf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }
func (stdLogger) Errorf(format string, v ...interface{}) { log.Printf("ERROR: "+format, v...) }

// MonitorConfig tunes the health monitor thresholds.
type MonitorConfig struct {
	PollInterval  time.Duration // how often heartbeat ages are sampled
	SoftThreshold time.Duration // age beyond which a worker is soft-stalled
	HardThreshold time.Duration // age beyond which a worker is hard-stalled
	CleanupWait   time.Duration // how long a cleanup worker waits before leaking
}

// DefaultMonitorConfig returns the standard thresholds: 500ms poll, 2s soft,
// 5s hard, 60s cleanup wait.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:  500 * time.Millisecond,
		SoftThreshold: 2 * time.Second,
		HardThreshold: 5 * time.Second,
		CleanupWait:   60 * time.Second,
	}
}

// Monitor watches heartbeat ages for a set of workers while the pipeline is
// capturing, classifies stalls, and posts a single notification per hard
// stall before disabling itself until re-armed.
type Monitor struct {
	registry *Registry
	workers  []WorkerID
	cfg      MonitorConfig
	logger   Logger
	notifier notify.Notifier

	// capturing reports whether the pipeline is in a state worth
	// monitoring; polls are skipped otherwise.
	capturing func() bool

	armed      atomic.Bool
	graceUntil atomic.Int64 // unix nanos; polls before this are skipped

	mu       sync.Mutex
	episodes map[WorkerID]StallLevel

	zombies *ZombieRegistry
	cleanup conc.WaitGroup

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewMonitor creates a health monitor over the given workers. A nil
// notifier falls back to log output; a nil zombie registry gets a private
// one.
func NewMonitor(registry *Registry, workers []WorkerID, capturing func() bool, cfg MonitorConfig, notifier notify.Notifier, logger Logger) *Monitor {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if logger == nil {
		logger = stdLogger{}
	}
	m := &Monitor{
		registry:  registry,
		workers:   append([]WorkerID(nil), workers...),
		cfg:       cfg,
		logger:    logger,
		notifier:  notifier,
		capturing: capturing,
		episodes:  make(map[WorkerID]StallLevel),
		zombies:   NewZombieRegistry(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.armed.Store(true)
	return m
}

// SetZombieRegistry shares an external zombie registry so resource owners
// can consult the same leaked-handle set. Must be called before Start.
func (m *Monitor) SetZombieRegistry(z *ZombieRegistry) {
	if z != nil {
		m.zombies = z
	}
}

// Zombies returns the registry of intentionally leaked handles.
func (m *Monitor) Zombies() *ZombieRegistry {
	return m.zombies
}

// Start launches the polling goroutine. Calling Start twice panics.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		panic("health: monitor started twice")
	}
	go m.run()
}

// Stop terminates the polling goroutine and waits for any in-flight
// cleanup workers to finish their bounded wait.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.done
	}
	m.cleanup.Wait()
}

// Armed reports whether the monitor is currently armed. A monitor disarms
// itself after posting a hard-stall notification.
func (m *Monitor) Armed() bool {
	return m.armed.Load()
}

// Rearm re-enables stall detection after the owning application restarted
// the pipeline. The grace period suppresses polls immediately afterwards so
// a slow restart is not misread as a stall.
func (m *Monitor) Rearm(grace time.Duration) {
	m.graceUntil.Store(time.Now().Add(grace).UnixNano())
	m.mu.Lock()
	m.episodes = make(map[WorkerID]StallLevel)
	m.mu.Unlock()
	m.armed.Store(true)
	m.logger.Printf("health monitor re-armed, grace period %s", grace)
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	if !m.armed.Load() {
		return
	}
	if time.Now().UnixNano() < m.graceUntil.Load() {
		return
	}
	if m.capturing != nil && !m.capturing() {
		return
	}

	var hardStalled []WorkerID
	for _, id := range m.workers {
		level := m.classify(id)
		if m.recordEpisode(id, level) {
			switch level {
			case StallSoft:
				m.logger.Printf("worker %s soft-stalled, heartbeat age %dms", id, m.registry.AgeMS(id))
			case StallHard:
				m.logger.Errorf("worker %s hard-stalled, heartbeat age %dms", id, m.registry.AgeMS(id))
			case StallNone:
				m.logger.Printf("worker %s recovered", id)
			}
		}
		if level == StallHard {
			hardStalled = append(hardStalled, id)
		}
	}

	if len(hardStalled) > 0 {
		m.notifyHardStall(hardStalled)
	}
}

func (m *Monitor) classify(id WorkerID) StallLevel {
	age, ok := m.registry.Age(id)
	if !ok {
		// Never seen: the worker has not started yet, leave it alone.
		return StallNone
	}
	switch {
	case age > m.cfg.HardThreshold:
		return StallHard
	case age > m.cfg.SoftThreshold:
		return StallSoft
	default:
		return StallNone
	}
}

// recordEpisode updates the per-worker episode level and reports whether
// the level changed, so each stall episode logs exactly once per level.
func (m *Monitor) recordEpisode(id WorkerID, level StallLevel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.episodes[id]
	if prev == level {
		return false
	}
	m.episodes[id] = level
	return true
}

// notifyHardStall posts one notification naming every hard-stalled worker
// and disarms the monitor until Rearm is called.
func (m *Monitor) notifyHardStall(workers []WorkerID) {
	if !m.armed.CompareAndSwap(true, false) {
		return
	}

	fields := make(map[string]string, len(workers))
	for _, id := range workers {
		fields[string(id)] = fmt.Sprintf("age %dms", m.registry.AgeMS(id))
	}
	event := notify.Event{
		Kind:    notify.EventStall,
		Title:   "Replay pipeline stalled",
		Message: fmt.Sprintf("%d worker(s) exceeded the hard stall threshold; monitor disabled until re-armed", len(workers)),
		Fields:  fields,
		At:      time.Now(),
	}
	if err := m.notifier.Notify(event); err != nil {
		m.logger.Errorf("failed to deliver stall notification: %v", err)
	}
	m.logger.Errorf("hard stall notification posted, monitor disarmed")
}

// ScheduleCleanup spawns a detached worker that waits, bounded by the
// configured cleanup wait, for the stalled worker to exit naturally. If the
// bound elapses the handle is orphaned in the zombie registry rather than
// force-terminated: a hung worker may be inside a driver call that cannot
// be safely interrupted.
func (m *Monitor) ScheduleCleanup(worker WorkerID, exited <-chan struct{}, handle Leakable) {
	m.cleanup.Go(func() {
		select {
		case <-exited:
			m.logger.Printf("stalled worker %s exited on its own, no cleanup needed", worker)
		case <-time.After(m.cfg.CleanupWait):
			m.zombies.Orphan(handle, worker, fmt.Sprintf("worker did not exit within %s", m.cfg.CleanupWait))
			m.logger.Errorf("stalled worker %s did not exit within %s, leaking its resources intentionally (zombies=%d)",
				worker, m.cfg.CleanupWait, m.zombies.Len())
		}
	})
}
