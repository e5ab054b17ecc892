package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSample(pts int64, size int) *EncodedAudioSample {
	return &EncodedAudioSample{Data: make([]byte, size), PTS: pts, Duration: TicksPerSecond / 50}
}

func TestAudioBufferGrowthDoubles(t *testing.T) {
	buffer := NewAudioSampleBuffer(60, 16384)
	assert.Equal(t, 1024, buffer.CurrentCapacity())

	// Filling past each capacity doubles the backing array: 1024 -> 2048
	// -> 4096. Timestamps stay inside the window so nothing is evicted.
	for i := 0; i < 1025; i++ {
		buffer.Push(makeSample(int64(i), 10))
	}
	assert.Equal(t, 2048, buffer.CurrentCapacity())
	assert.Equal(t, 1025, buffer.Len())

	for i := 1025; i < 2049; i++ {
		buffer.Push(makeSample(int64(i), 10))
	}
	assert.Equal(t, 4096, buffer.CurrentCapacity())
}

func TestAudioBufferGrowthStopsAtMax(t *testing.T) {
	buffer := NewAudioSampleBuffer(60, 1500)
	assert.Equal(t, 1024, buffer.CurrentCapacity())

	// Doubling would exceed the cap, so growth lands exactly on it.
	for i := 0; i < 1025; i++ {
		buffer.Push(makeSample(int64(i), 10))
	}
	assert.Equal(t, 1500, buffer.CurrentCapacity())
}

func TestAudioBufferEmergencyEviction(t *testing.T) {
	maxSamples := 1000
	buffer := NewAudioSampleBuffer(60, maxSamples)

	// Fill to the cap with same-window timestamps, then push one more.
	for i := 0; i < maxSamples; i++ {
		buffer.Push(makeSample(int64(i), 10))
	}
	require.Equal(t, maxSamples, buffer.Len())
	require.Equal(t, maxSamples, buffer.CurrentCapacity())

	buffer.Push(makeSample(int64(maxSamples), 10))

	// Emergency eviction retains floor(cap*3/4) then appends the new one.
	assert.Equal(t, maxSamples*3/4+1, buffer.Len())

	// The oldest samples went first.
	snapshot := buffer.Snapshot()
	assert.Equal(t, int64(maxSamples-maxSamples*3/4), snapshot[0].PTS)
	assert.Equal(t, int64(maxSamples), snapshot[len(snapshot)-1].PTS)
}

func TestAudioBufferTimeWindowEviction(t *testing.T) {
	buffer := NewAudioSampleBuffer(1, 16384)

	buffer.Push(makeSample(0, 10))
	buffer.Push(makeSample(TicksPerSecond/2, 10))
	require.Equal(t, 2, buffer.Len())

	// This sample is more than one window past the first two.
	buffer.Push(makeSample(2*TicksPerSecond, 10))
	assert.Equal(t, 1, buffer.Len())
	assert.Equal(t, int64(0), buffer.Duration())
}

func TestAudioBufferSnapshotIsDeepCopy(t *testing.T) {
	buffer := NewAudioSampleBuffer(60, 100)
	sample := makeSample(0, 4)
	sample.Data[0] = 0x42
	buffer.Push(sample)

	snapshot := buffer.Snapshot()
	require.Len(t, snapshot, 1)
	snapshot[0].Data[0] = 0x00
	snapshot[0].PTS = 999

	fresh := buffer.Snapshot()
	assert.Equal(t, byte(0x42), fresh[0].Data[0])
	assert.Equal(t, int64(0), fresh[0].PTS)
}

func TestAudioBufferMemoryAccounting(t *testing.T) {
	buffer := NewAudioSampleBuffer(60, 100)
	buffer.Push(makeSample(0, 100))
	buffer.Push(makeSample(1, 50))
	assert.Equal(t, int64(150), buffer.MemoryUsage())

	buffer.Reset()
	assert.Equal(t, int64(0), buffer.MemoryUsage())
}
