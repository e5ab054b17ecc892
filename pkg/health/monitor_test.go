package health

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/Kiroku/pkg/notify"
)

// testLogger captures monitor output for assertions.
type testLogger struct {
	mu       sync.Mutex
	messages []string
	errors   []string
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(format, v...))
}

func (l *testLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func (l *testLogger) countContaining(needle string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, msg := range append(append([]string(nil), l.messages...), l.errors...) {
		if strings.Contains(msg, needle) {
			count++
		}
	}
	return count
}

type countingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *countingNotifier) Notify(event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// monitorRig wires a monitor to a fake clock. Polls are driven directly so
// the tests never sleep on the real ticker.
type monitorRig struct {
	registry *Registry
	monitor  *Monitor
	logger   *testLogger
	notifier *countingNotifier
	now      time.Time
}

func newMonitorRig(workers ...WorkerID) *monitorRig {
	rig := &monitorRig{
		registry: NewRegistry(),
		logger:   &testLogger{},
		notifier: &countingNotifier{},
		now:      time.Unix(1000, 0),
	}
	rig.registry.setClock(func() time.Time { return rig.now })
	rig.monitor = NewMonitor(rig.registry, workers,
		func() bool { return true },
		DefaultMonitorConfig(), rig.notifier, rig.logger)
	return rig
}

func (r *monitorRig) advance(d time.Duration) {
	r.now = r.now.Add(d)
}

func TestClassifyThresholds(t *testing.T) {
	rig := newMonitorRig("w")

	// Never seen: left alone.
	assert.Equal(t, StallNone, rig.monitor.classify("w"))

	rig.registry.Beat("w")
	assert.Equal(t, StallNone, rig.monitor.classify("w"))

	rig.advance(3 * time.Second)
	assert.Equal(t, StallSoft, rig.monitor.classify("w"))

	rig.advance(3 * time.Second)
	assert.Equal(t, StallHard, rig.monitor.classify("w"))
}

func TestSoftStallLogsOncePerEpisode(t *testing.T) {
	rig := newMonitorRig("w")
	rig.registry.Beat("w")
	rig.advance(3 * time.Second)

	rig.monitor.poll()
	rig.monitor.poll()
	rig.monitor.poll()
	assert.Equal(t, 1, rig.logger.countContaining("soft-stalled"))

	// Recovery logs once as well.
	rig.registry.Beat("w")
	rig.monitor.poll()
	rig.monitor.poll()
	assert.Equal(t, 1, rig.logger.countContaining("recovered"))

	// A second episode logs again.
	rig.advance(3 * time.Second)
	rig.monitor.poll()
	assert.Equal(t, 2, rig.logger.countContaining("soft-stalled"))
}

func TestHardStallNotifiesOnceAndDisarms(t *testing.T) {
	rig := newMonitorRig("w")
	rig.registry.Beat("w")
	rig.advance(10 * time.Second)

	require.True(t, rig.monitor.Armed())
	rig.monitor.poll()

	assert.Equal(t, 1, rig.notifier.count())
	assert.False(t, rig.monitor.Armed())

	// Disarmed: further polls produce nothing.
	rig.monitor.poll()
	rig.monitor.poll()
	assert.Equal(t, 1, rig.notifier.count())
}

func TestRearmRestoresDetectionAfterGrace(t *testing.T) {
	rig := newMonitorRig("w")
	rig.registry.Beat("w")
	rig.advance(10 * time.Second)
	rig.monitor.poll()
	require.Equal(t, 1, rig.notifier.count())

	// Grace suppresses polls right after the re-arm; the stall episode
	// table is cleared so the next episode reports fresh.
	rig.monitor.Rearm(time.Hour)
	assert.True(t, rig.monitor.Armed())
	rig.monitor.poll()
	assert.Equal(t, 1, rig.notifier.count())

	// Without grace the stall is detected again.
	rig.monitor.Rearm(0)
	rig.monitor.poll()
	assert.Equal(t, 2, rig.notifier.count())
}

func TestPollSkippedWhileNotCapturing(t *testing.T) {
	capturing := false
	rig := &monitorRig{
		registry: NewRegistry(),
		logger:   &testLogger{},
		notifier: &countingNotifier{},
		now:      time.Unix(1000, 0),
	}
	rig.registry.setClock(func() time.Time { return rig.now })
	rig.monitor = NewMonitor(rig.registry, []WorkerID{"w"},
		func() bool { return capturing },
		DefaultMonitorConfig(), rig.notifier, rig.logger)

	rig.registry.Beat("w")
	rig.advance(10 * time.Second)

	rig.monitor.poll()
	assert.Equal(t, 0, rig.notifier.count())

	capturing = true
	rig.monitor.poll()
	assert.Equal(t, 1, rig.notifier.count())
}

func TestMonitorStartStop(t *testing.T) {
	rig := newMonitorRig("w")
	rig.monitor.Start()
	rig.monitor.Stop()

	assert.Panics(t, func() { rig.monitor.Start() })
}

func TestScheduleCleanupLeaksAfterBound(t *testing.T) {
	rig := newMonitorRig("w")
	rig.monitor.cfg.CleanupWait = 20 * time.Millisecond

	handle := &fakeHandle{}
	neverExits := make(chan struct{})
	rig.monitor.ScheduleCleanup("w", neverExits, handle)

	require.Eventually(t, func() bool {
		return rig.monitor.Zombies().Contains(handle)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, handle.leakCount())
}

func TestScheduleCleanupNoLeakWhenWorkerExits(t *testing.T) {
	rig := newMonitorRig("w")
	rig.monitor.cfg.CleanupWait = time.Hour

	handle := &fakeHandle{}
	exits := make(chan struct{})
	rig.monitor.ScheduleCleanup("w", exits, handle)
	close(exits)

	rig.monitor.Stop()
	assert.False(t, rig.monitor.Zombies().Contains(handle))
	assert.Equal(t, 0, handle.leakCount())
}
