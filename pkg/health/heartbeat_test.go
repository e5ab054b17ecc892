package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAgeUnknownWorker(t *testing.T) {
	registry := NewRegistry()

	_, ok := registry.Age("ghost")
	assert.False(t, ok)
	assert.Equal(t, int64(-1), registry.AgeMS("ghost"))
}

func TestRegistryBeatAndAge(t *testing.T) {
	registry := NewRegistry()
	current := time.Unix(1000, 0)
	registry.setClock(func() time.Time { return current })

	registry.Beat("worker")
	current = current.Add(3 * time.Second)

	age, ok := registry.Age("worker")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, age)
	assert.Equal(t, int64(3000), registry.AgeMS("worker"))
}

func TestRegistryLastWriteWins(t *testing.T) {
	registry := NewRegistry()
	current := time.Unix(1000, 0)
	registry.setClock(func() time.Time { return current })

	registry.Beat("worker")
	current = current.Add(10 * time.Second)
	registry.Beat("worker")

	age, ok := registry.Age("worker")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), age)
}

func TestRegistryForget(t *testing.T) {
	registry := NewRegistry()
	registry.Beat("worker")
	registry.Forget("worker")

	_, ok := registry.Age("worker")
	assert.False(t, ok)
}

func TestRegistryConcurrentBeats(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.Beat("shared")
			}
		}()
	}
	wg.Wait()

	_, ok := registry.Age("shared")
	assert.True(t, ok)
}

type fakeHandle struct {
	mu     sync.Mutex
	leaked int
}

func (h *fakeHandle) MarkLeaked() {
	h.mu.Lock()
	h.leaked++
	h.mu.Unlock()
}

func (h *fakeHandle) leakCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaked
}

func TestZombieRegistryOrphan(t *testing.T) {
	zombies := NewZombieRegistry()
	handle := &fakeHandle{}

	assert.False(t, zombies.Contains(handle))
	zombies.Orphan(handle, "buffer_loop", "did not exit")

	assert.True(t, zombies.Contains(handle))
	assert.Equal(t, 1, handle.leakCount())
	assert.Equal(t, 1, zombies.Len())

	records := zombies.Records()
	require.Len(t, records, 1)
	assert.Equal(t, WorkerID("buffer_loop"), records[0].Worker)
	assert.Equal(t, "did not exit", records[0].Reason)
}

func TestZombieRegistryOrphanIdempotent(t *testing.T) {
	zombies := NewZombieRegistry()
	handle := &fakeHandle{}

	zombies.Orphan(handle, "a", "first")
	zombies.Orphan(handle, "b", "second")

	assert.Equal(t, 1, zombies.Len())
	assert.Equal(t, 1, handle.leakCount())
	assert.Equal(t, "first", zombies.Records()[0].Reason)
}

func TestZombieRegistryNilHandle(t *testing.T) {
	zombies := NewZombieRegistry()
	zombies.Orphan(nil, "a", "nil")
	assert.Equal(t, 0, zombies.Len())
}
