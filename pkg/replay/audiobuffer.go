package replay

import "sync"

// Audio sample buffer growth parameters.
const (
	// audioBufferInitialCapacity is the starting backing-array size;
	// growth doubles from here up to the configured cap.
	audioBufferInitialCapacity = 1024

	// audioEmergencyRetainNum/Den is the fraction of samples retained by
	// an emergency eviction when doubling would exceed the cap.
	audioEmergencyRetainNum = 3
	audioEmergencyRetainDen = 4
)

// AudioSampleBuffer is a growable store of encoded audio samples with
// time-window eviction mirroring the video buffer, plus an emergency
// capacity-based eviction that retains ~75% of the cap when growth is
// exhausted.
//
// It is written from the audio-encode callback and deep-copied by the save
// path, so every operation runs under its own mutex.
type AudioSampleBuffer struct {
	mu          sync.Mutex
	samples     []*EncodedAudioSample
	capacity    int // current backing capacity, doubles up to maxCapacity
	maxCapacity int
	maxDuration int64 // 100ns ticks
	memoryBytes int64
}

// NewAudioSampleBuffer creates a buffer covering durationSeconds of encoded
// audio, capped at maxSamples entries.
func NewAudioSampleBuffer(durationSeconds int, maxSamples int) *AudioSampleBuffer {
	capacity := audioBufferInitialCapacity
	if capacity > maxSamples {
		capacity = maxSamples
	}
	return &AudioSampleBuffer{
		samples:     make([]*EncodedAudioSample, 0, capacity),
		capacity:    capacity,
		maxCapacity: maxSamples,
		maxDuration: int64(durationSeconds) * TicksPerSecond,
	}
}

// Push takes ownership of the sample and appends it, evicting by the time
// window first, then growing (doubling up to the cap), and finally falling
// back to emergency eviction when growth is exhausted.
func (b *AudioSampleBuffer) Push(sample *EncodedAudioSample) {
	if sample == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Time-window eviction: remove oldest while the span including the
	// new sample exceeds the window.
	drop := 0
	for drop < len(b.samples) && sample.PTS-b.samples[drop].PTS > b.maxDuration {
		b.memoryBytes -= int64(len(b.samples[drop].Data))
		drop++
	}
	if drop > 0 {
		b.samples = b.samples[:copy(b.samples, b.samples[drop:])]
	}

	if len(b.samples) >= b.capacity {
		if b.capacity*2 <= b.maxCapacity {
			b.grow(b.capacity * 2)
		} else if b.capacity < b.maxCapacity {
			b.grow(b.maxCapacity)
		} else {
			b.emergencyEvict()
		}
	}

	b.samples = append(b.samples, sample)
	b.memoryBytes += int64(len(sample.Data))
}

// grow reallocates the backing array at the new capacity. Caller holds the
// lock.
func (b *AudioSampleBuffer) grow(newCapacity int) {
	grown := make([]*EncodedAudioSample, len(b.samples), newCapacity)
	copy(grown, b.samples)
	b.samples = grown
	b.capacity = newCapacity
}

// emergencyEvict retains the newest floor(cap*3/4) samples. Runs only when
// both the time window and doubling could not make room. Caller holds the
// lock.
func (b *AudioSampleBuffer) emergencyEvict() {
	retain := b.maxCapacity * audioEmergencyRetainNum / audioEmergencyRetainDen
	if retain >= len(b.samples) {
		return
	}
	drop := len(b.samples) - retain
	for i := 0; i < drop; i++ {
		b.memoryBytes -= int64(len(b.samples[i].Data))
	}
	b.samples = b.samples[:copy(b.samples, b.samples[drop:])]
}

// Len returns the number of retained samples.
func (b *AudioSampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// CurrentCapacity returns the current backing-array capacity. Grows by
// doubling up to the configured maximum.
func (b *AudioSampleBuffer) CurrentCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Duration returns newest.PTS - oldest.PTS in 100ns ticks, or 0 with fewer
// than two samples.
func (b *AudioSampleBuffer) Duration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) < 2 {
		return 0
	}
	return b.samples[len(b.samples)-1].PTS - b.samples[0].PTS
}

// MemoryUsage returns the total retained payload size in bytes.
func (b *AudioSampleBuffer) MemoryUsage() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memoryBytes
}

// Snapshot deep-copies every retained sample in timestamp order. The save
// path calls this so muxing never races with the encode callback.
func (b *AudioSampleBuffer) Snapshot() []*EncodedAudioSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make([]*EncodedAudioSample, len(b.samples))
	for i, sample := range b.samples {
		snapshot[i] = sample.Clone()
	}
	return snapshot
}

// Reset drops every retained sample.
func (b *AudioSampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = b.samples[:0]
	b.memoryBytes = 0
}
