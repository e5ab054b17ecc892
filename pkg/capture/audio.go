package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

// ToneSource generates a sine tone in its native format, paced against the
// wall clock like a real capture device. It implements
// replay.AudioDeviceCapture.
type ToneSource struct {
	format    replay.AudioFormat
	frequency float64

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	generated int64 // sample frames produced so far
	phase     float64
}

// NewToneSource creates a tone generator with the given native format.
func NewToneSource(format replay.AudioFormat, frequency float64) *ToneSource {
	return &ToneSource{format: format, frequency: frequency}
}

// Start begins pacing the tone against the wall clock.
func (t *ToneSource) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("capture: tone source already started")
	}
	t.started = true
	t.startedAt = time.Now()
	t.generated = 0
	t.phase = 0
	return nil
}

// Read returns up to maxBytes of tone PCM. Only as much audio as wall
// clock time has elapsed is ever produced.
func (t *ToneSource) Read(maxBytes int) ([]byte, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil, 0, fmt.Errorf("capture: tone source not started")
	}

	frameBytes := t.format.Channels * 2
	elapsed := int64(time.Since(t.startedAt)) * int64(t.format.SampleRate) / int64(time.Second)
	available := elapsed - t.generated
	if available <= 0 {
		return nil, 0, nil
	}
	if max := int64(maxBytes / frameBytes); available > max {
		available = max
	}
	if available == 0 {
		return nil, 0, nil
	}

	pts := t.generated * replay.TicksPerSecond / int64(t.format.SampleRate)
	pcm := make([]byte, available*int64(frameBytes))
	step := 2 * math.Pi * t.frequency / float64(t.format.SampleRate)
	for i := int64(0); i < available; i++ {
		sample := int16(math.Sin(t.phase) * 0.25 * math.MaxInt16)
		t.phase += step
		for ch := 0; ch < t.format.Channels; ch++ {
			off := (i*int64(t.format.Channels) + int64(ch)) * 2
			binary.LittleEndian.PutUint16(pcm[off:], uint16(sample))
		}
	}
	t.generated += available
	return pcm, pts, nil
}

// Format returns the native PCM format of the tone.
func (t *ToneSource) Format() replay.AudioFormat {
	return t.format
}

// Stop halts tone generation.
func (t *ToneSource) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	return nil
}

// Close releases the source.
func (t *ToneSource) Close() error {
	return t.Stop()
}

// pcmChunkTicks is the duration of one encoded chunk (20ms).
const pcmChunkTicks = replay.TicksPerSecond / 50

// PCMChunkEncoder packages canonical PCM into fixed-duration encoded
// chunks, delivering each through the callback. It stands in for an AAC or
// Opus encoder and implements replay.AudioEncoder.
type PCMChunkEncoder struct {
	cfg       replay.AudioEncoderConfig
	chunkSize int // bytes per chunk

	mu       sync.Mutex
	callback func(sample *replay.EncodedAudioSample)
	carry    []byte
	carryPTS int64
	closed   bool
}

// NewPCMChunkEncoder creates a chunking encoder for the canonical format.
func NewPCMChunkEncoder(cfg replay.AudioEncoderConfig) (replay.AudioEncoder, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid audio format %+v", cfg.Format)
	}
	frameBytes := cfg.Format.Channels * 2
	framesPerChunk := cfg.Format.SampleRate / 50
	return &PCMChunkEncoder{
		cfg:       cfg,
		chunkSize: framesPerChunk * frameBytes,
	}, nil
}

// SetCallback installs the delivery callback for encoded chunks.
func (e *PCMChunkEncoder) SetCallback(fn func(sample *replay.EncodedAudioSample)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = fn
}

// Feed accepts PCM, emitting every complete chunk through the callback and
// carrying the remainder into the next call.
func (e *PCMChunkEncoder) Feed(pcm []byte, pts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("capture: audio encoder is closed")
	}
	if len(e.carry) == 0 {
		e.carryPTS = pts
	}
	e.carry = append(e.carry, pcm...)

	for len(e.carry) >= e.chunkSize {
		e.emitLocked(e.carry[:e.chunkSize], pcmChunkTicks)
		e.carry = e.carry[e.chunkSize:]
		e.carryPTS += pcmChunkTicks
	}
	return nil
}

func (e *PCMChunkEncoder) emitLocked(chunk []byte, duration int64) {
	if e.callback == nil {
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)
	e.callback(&replay.EncodedAudioSample{
		Data:     data,
		PTS:      e.carryPTS,
		Duration: duration,
	})
}

// CodecConfig returns the configuration blob for the muxer.
func (e *PCMChunkEncoder) CodecConfig() []byte {
	config := make([]byte, 12)
	copy(config[0:4], "PCMC")
	binary.LittleEndian.PutUint32(config[4:8], uint32(e.cfg.Format.SampleRate))
	binary.LittleEndian.PutUint32(config[8:12], uint32(e.cfg.Format.Channels))
	return config
}

// Close emits any carried partial chunk and shuts the encoder down.
func (e *PCMChunkEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if len(e.carry) > 0 {
		frameBytes := e.cfg.Format.Channels * 2
		frames := int64(len(e.carry) / frameBytes)
		duration := frames * replay.TicksPerSecond / int64(e.cfg.Format.SampleRate)
		e.emitLocked(e.carry, duration)
		e.carry = nil
	}
	e.closed = true
	return nil
}
