package replay

import (
	"errors"
	"fmt"
	"sync"
)

// MaxSequenceHeaderSize bounds the out-of-band codec configuration blob
// stored alongside the frame buffer.
const MaxSequenceHeaderSize = 256

var (
	// ErrNoKeyframe is returned by ExtractForMuxing when the buffer holds
	// no self-contained frame to anchor decoding on.
	ErrNoKeyframe = errors.New("replay: no keyframe in buffer")

	// ErrNonMonotonicTimestamp is returned by Add when a frame's timestamp
	// is older than the newest retained frame. Out-of-order delivery from
	// the encoder would silently corrupt the duration math, so it is
	// rejected instead.
	ErrNonMonotonicTimestamp = errors.New("replay: frame timestamp not monotonic")

	// ErrEmptyFrame is returned by Add for a nil or zero-length frame.
	ErrEmptyFrame = errors.New("replay: empty frame")
)

// FrameRingBuffer is a bounded circular store of encoded video frames with
// time-window and capacity eviction. It retains at most maxDuration worth
// of frames (keeping at least one), never exceeding its fixed capacity.
//
// All operations run under one mutex, including the deep copy inside
// ExtractForMuxing, so eviction can never race with extraction.
type FrameRingBuffer struct {
	mu          sync.Mutex
	slots       []*EncodedFrame
	head        int // next insert position
	tail        int // oldest retained frame
	count       int
	capacity    int
	maxDuration int64 // 100ns ticks
	memoryBytes int64
	seqHeader   []byte
}

// FrameBufferCapacity computes the slot count for a window of
// durationSeconds at the given fps: duration*fps*1.5 clamped to
// [MinFrameCapacity, MaxFrameCapacity]. The 1.5 headroom covers delivery
// jitter between the time-window and the hard cap.
func FrameBufferCapacity(durationSeconds, fps int) int {
	capacity := durationSeconds * fps * 3 / 2
	if capacity < MinFrameCapacity {
		capacity = MinFrameCapacity
	}
	if capacity > MaxFrameCapacity {
		capacity = MaxFrameCapacity
	}
	return capacity
}

// NewFrameRingBuffer creates a frame ring buffer for a rolling window of
// durationSeconds at the given target fps. Slots are preallocated.
func NewFrameRingBuffer(durationSeconds, fps int) *FrameRingBuffer {
	capacity := FrameBufferCapacity(durationSeconds, fps)
	return &FrameRingBuffer{
		slots:       make([]*EncodedFrame, capacity),
		capacity:    capacity,
		maxDuration: int64(durationSeconds) * TicksPerSecond,
	}
}

// Add takes ownership of the frame and inserts it, evicting from the tail
// first by the time window and then by capacity. O(1) amortized.
func (b *FrameRingBuffer) Add(frame *EncodedFrame) error {
	if frame == nil || len(frame.Data) == 0 {
		return ErrEmptyFrame
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 {
		newest := b.slots[b.prevIndex(b.head)]
		if frame.PTS < newest.PTS {
			return fmt.Errorf("%w: got %d after %d", ErrNonMonotonicTimestamp, frame.PTS, newest.PTS)
		}
	}

	// Time-window eviction: drop oldest frames until the span including
	// the new frame fits. A single over-long frame is still retained.
	for b.count > 0 && frame.PTS-b.slots[b.tail].PTS > b.maxDuration {
		b.evictOldestLocked()
	}

	// Hard safety cap, independent of timing.
	for b.count >= b.capacity {
		b.evictOldestLocked()
	}

	b.slots[b.head] = frame
	b.head = (b.head + 1) % b.capacity
	b.count++
	b.memoryBytes += int64(len(frame.Data))
	return nil
}

// evictOldestLocked drops the tail frame. Caller holds the lock.
func (b *FrameRingBuffer) evictOldestLocked() {
	frame := b.slots[b.tail]
	b.slots[b.tail] = nil
	b.tail = (b.tail + 1) % b.capacity
	b.count--
	b.memoryBytes -= int64(len(frame.Data))
}

func (b *FrameRingBuffer) prevIndex(i int) int {
	return (i - 1 + b.capacity) % b.capacity
}

// Len returns the number of retained frames.
func (b *FrameRingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the fixed slot count.
func (b *FrameRingBuffer) Capacity() int {
	return b.capacity
}

// Duration returns newest.PTS - oldest.PTS in 100ns ticks, or 0 when the
// buffer holds fewer than two frames.
func (b *FrameRingBuffer) Duration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < 2 {
		return 0
	}
	newest := b.slots[b.prevIndex(b.head)]
	oldest := b.slots[b.tail]
	return newest.PTS - oldest.PTS
}

// MemoryUsage returns the total retained payload size in bytes.
func (b *FrameRingBuffer) MemoryUsage() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memoryBytes
}

// SetSequenceHeader stores the codec configuration blob handed to the
// muxer together with extracted frames.
func (b *FrameRingBuffer) SetSequenceHeader(header []byte) error {
	if len(header) > MaxSequenceHeaderSize {
		return fmt.Errorf("replay: sequence header %d bytes exceeds %d byte limit", len(header), MaxSequenceHeaderSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqHeader = append([]byte(nil), header...)
	return nil
}

// SequenceHeader returns a copy of the stored codec configuration blob.
func (b *FrameRingBuffer) SequenceHeader() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.seqHeader...)
}

// Extract is the deep-copied, caller-owned result of ExtractForMuxing.
type Extract struct {
	Frames         []*EncodedFrame
	SequenceHeader []byte
	// BasePTS is the original timestamp of the first copied frame; every
	// copied frame has been re-based relative to it.
	BasePTS int64
}

// ExtractForMuxing scans from the oldest retained frame for the first
// keyframe and deep-copies every frame from there onward, re-basing each
// timestamp to be relative to the first copied frame. Decoding a
// dependent-frame codec must start at a self-contained keyframe or picture
// ordering is corrupted, so a buffer without one fails with ErrNoKeyframe.
func (b *FrameRingBuffer) ExtractForMuxing() (*Extract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keyOffset := -1
	for i := 0; i < b.count; i++ {
		if b.slots[(b.tail+i)%b.capacity].Keyframe {
			keyOffset = i
			break
		}
	}
	if keyOffset < 0 {
		return nil, ErrNoKeyframe
	}

	base := b.slots[(b.tail+keyOffset)%b.capacity].PTS
	frames := make([]*EncodedFrame, 0, b.count-keyOffset)
	for i := keyOffset; i < b.count; i++ {
		copied := b.slots[(b.tail+i)%b.capacity].Clone()
		copied.PTS -= base
		frames = append(frames, copied)
	}

	return &Extract{
		Frames:         frames,
		SequenceHeader: append([]byte(nil), b.seqHeader...),
		BasePTS:        base,
	}, nil
}

// Reset drops every retained frame. The sequence header is kept; it
// belongs to the encoder, not the window.
func (b *FrameRingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.head, b.tail, b.count = 0, 0, 0
	b.memoryBytes = 0
}
