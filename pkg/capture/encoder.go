package capture

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

const (
	// drainCapacity bounds undelivered encoder output.
	drainCapacity = 64

	// softwareGOP is the keyframe cadence of the software encoder.
	softwareGOP = 30

	keyframePayload = 4096
	deltaPayload    = 512
)

// SoftwareEncoder is a deterministic stand-in for a hardware encoder. It
// produces compact synthetic payloads with a fixed keyframe cadence,
// buffers one frame of lookahead, and supports failure injection for
// tests. It implements replay.HardwareEncoder.
type SoftwareEncoder struct {
	cfg   replay.EncoderConfig
	drain chan *replay.EncodedFrame

	mu        sync.Mutex
	pending   *replay.EncodedFrame // one-frame lookahead
	frameNum  int64
	destroyed bool

	leaked        atomic.Bool
	failTransient atomic.Int32
	deviceLost    atomic.Bool
	submitted     atomic.Int64
}

// NewSoftwareEncoder creates an encoder for the given stream parameters.
func NewSoftwareEncoder(cfg replay.EncoderConfig) (replay.HardwareEncoder, error) {
	return &SoftwareEncoder{
		cfg:   cfg,
		drain: make(chan *replay.EncodedFrame, drainCapacity),
	}, nil
}

// Submit encodes one texture. The previous frame is released to the drain
// channel, mimicking one frame of encoder latency.
func (e *SoftwareEncoder) Submit(tex *replay.Texture, pts int64) replay.SubmitResult {
	if e.deviceLost.Load() {
		return replay.SubmitDeviceLost
	}
	if e.failTransient.Load() > 0 {
		e.failTransient.Add(-1)
		return replay.SubmitTransient
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return replay.SubmitDeviceLost
	}

	frame := e.encode(tex, pts)
	ready := e.pending
	e.pending = frame
	e.frameNum++
	e.submitted.Add(1)

	if ready != nil {
		select {
		case e.drain <- ready:
		default:
			// Drain consumer fell behind; drop this frame and report it.
			e.pending = nil
			return replay.SubmitTransient
		}
	}
	return replay.SubmitSuccess
}

// encode builds the synthetic payload: a small header plus a slice of the
// input pixels, full-size for keyframes and truncated for deltas.
func (e *SoftwareEncoder) encode(tex *replay.Texture, pts int64) *replay.EncodedFrame {
	keyframe := e.frameNum%softwareGOP == 0
	size := deltaPayload
	if keyframe {
		size = keyframePayload
	}
	if tex != nil && len(tex.Data) < size {
		size = len(tex.Data)
	}

	data := make([]byte, 16+size)
	binary.LittleEndian.PutUint64(data[0:8], uint64(pts))
	binary.LittleEndian.PutUint64(data[8:16], uint64(e.frameNum))
	if tex != nil {
		copy(data[16:], tex.Data[:size])
	}

	interval := replay.TicksPerSecond
	if e.cfg.FPS > 0 {
		interval = replay.TicksPerSecond / int64(e.cfg.FPS)
	}
	return &replay.EncodedFrame{
		Data:     data,
		PTS:      pts,
		Duration: interval,
		Keyframe: keyframe,
	}
}

// Drain is the channel completed frames arrive on. Closed by Destroy.
func (e *SoftwareEncoder) Drain() <-chan *replay.EncodedFrame {
	return e.drain
}

// SequenceHeader returns the codec configuration blob.
func (e *SoftwareEncoder) SequenceHeader() []byte {
	header := make([]byte, 12)
	copy(header[0:4], "SENC")
	binary.LittleEndian.PutUint32(header[4:8], uint32(e.cfg.Width))
	binary.LittleEndian.PutUint32(header[8:12], uint32(e.cfg.Height))
	return header
}

// Flush returns the lookahead frame, if any.
func (e *SoftwareEncoder) Flush() []*replay.EncodedFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	out := []*replay.EncodedFrame{e.pending}
	e.pending = nil
	return out
}

// Destroy releases the encoder and closes the drain channel.
func (e *SoftwareEncoder) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	close(e.drain)
}

// MarkLeaked detaches the handle; the encoder tolerates never being
// destroyed afterwards.
func (e *SoftwareEncoder) MarkLeaked() {
	e.leaked.Store(true)
}

// Leaked reports whether MarkLeaked was called.
func (e *SoftwareEncoder) Leaked() bool {
	return e.leaked.Load()
}

// Submitted returns how many textures were accepted.
func (e *SoftwareEncoder) Submitted() int64 {
	return e.submitted.Load()
}

// InjectTransient makes the next n submissions fail transiently.
func (e *SoftwareEncoder) InjectTransient(n int) {
	e.failTransient.Store(int32(n))
}

// InjectDeviceLost makes every further submission report a lost device.
func (e *SoftwareEncoder) InjectDeviceLost() {
	e.deviceLost.Store(true)
}
