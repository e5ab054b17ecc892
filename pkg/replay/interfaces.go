package replay

import (
	"github.com/latoulicious/Kiroku/pkg/health"
	"github.com/latoulicious/Kiroku/pkg/notify"
)

// Rect is a capture region in source pixels.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Texture is a captured or converted surface handed between the capture
// source, the color converter and the hardware encoder. For GPU-backed
// implementations Data stays nil and Handle identifies the device-resident
// surface; synthetic implementations carry the pixels inline.
type Texture struct {
	Handle uint64
	Width  int
	Height int
	Data   []byte
}

// CaptureSource produces frame textures for one screen, window or area.
type CaptureSource interface {
	// Bounds returns the full extent of the underlying source.
	Bounds() Rect
	// SetRegion restricts capture to a sub-region of the source.
	SetRegion(region Rect) error
	// FrameTexture captures the next frame. ok is false when no frame is
	// available this instant; that is not an error.
	FrameTexture() (tex *Texture, ok bool)
	// AccessLost reports a platform condition where the source became
	// temporarily invalid and needs reinitialization.
	AccessLost() bool
	// Reinit attempts to recover from an access-lost condition.
	Reinit() error
	// Close releases the source.
	Close() error
}

// ColorConverter converts a captured texture into the encoder's input
// format. GPU implementations stay device-resident with no CPU round-trip.
type ColorConverter interface {
	Convert(src *Texture) (*Texture, error)
	Close() error
}

// EncoderConfig parameterizes hardware encoder creation.
type EncoderConfig struct {
	Width   int
	Height  int
	FPS     int
	Quality QualityPreset
}

// HardwareEncoder is the asynchronous video encoder abstraction. Completed
// frames are delivered in submission order on the bounded Drain channel;
// there is no callback re-entrancy to reason about.
type HardwareEncoder interface {
	// Submit hands one texture to the encoder with its presentation
	// timestamp in 100ns ticks. Never blocks for more than a frame
	// interval.
	Submit(tex *Texture, pts int64) SubmitResult
	// Drain is the bounded channel on which completed frames arrive. The
	// channel is closed by Destroy.
	Drain() <-chan *EncodedFrame
	// SequenceHeader returns the out-of-band codec configuration blob for
	// the muxer.
	SequenceHeader() []byte
	// Flush synchronously returns any buffered-but-undelivered frames.
	Flush() []*EncodedFrame
	// Destroy releases the encoder. Must not be called on a handle that
	// was marked leaked.
	Destroy()
	// MarkLeaked detaches the handle without blocking; the encoder must
	// tolerate never being destroyed afterwards.
	MarkLeaked()
}

// AudioFormat describes a PCM stream: little-endian signed 16-bit
// interleaved samples.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// AudioDeviceConfig selects one capture device and its mix volume (0-100).
type AudioDeviceConfig struct {
	DeviceID string
	Volume   int
}

// AudioDeviceCapture captures native-format PCM from one device.
type AudioDeviceCapture interface {
	Start() error
	// Read returns up to maxBytes of captured PCM together with the
	// capture timestamp of the first byte, in 100ns ticks. An empty slice
	// means nothing is buffered right now.
	Read(maxBytes int) (pcm []byte, pts int64, err error)
	Format() AudioFormat
	Stop() error
	Close() error
}

// AudioEncoderConfig parameterizes audio encoder creation. Input is always
// the mixer's canonical format.
type AudioEncoderConfig struct {
	Format  AudioFormat
	Bitrate int
}

// AudioEncoder encodes canonical-format PCM. Encoded samples are delivered
// through the callback, which runs on the encoder's goroutine and must
// therefore only touch lock-protected state.
type AudioEncoder interface {
	Feed(pcm []byte, pts int64) error
	SetCallback(fn func(sample *EncodedAudioSample))
	// CodecConfig returns the codec configuration blob for the muxer.
	CodecConfig() []byte
	Close() error
}

// ContainerMuxer writes buffered streams into a finalized container file
// without re-encoding. Both methods interleave by ascending timestamp.
type ContainerMuxer interface {
	WriteFile(path string, video []*EncodedFrame, videoConfig []byte) error
	WriteFileWithAudio(path string, video []*EncodedFrame, videoConfig []byte, audio []*EncodedAudioSample, audioConfig []byte) error
}

// Capabilities is the session context handed to the pipeline once per run:
// every external collaborator the core consumes, with no ambient globals.
type Capabilities struct {
	Source          CaptureSource
	Converter       ColorConverter
	NewEncoder      func(cfg EncoderConfig) (HardwareEncoder, error)
	NewAudioSource  func(cfg AudioDeviceConfig) (AudioDeviceCapture, error)
	NewAudioEncoder func(cfg AudioEncoderConfig) (AudioEncoder, error)
	Muxer           ContainerMuxer

	// Optional collaborators. Nil disables the concern.
	Notifier   notify.Notifier
	Clips      ClipSink
	Heartbeats *health.Registry
	Zombies    *health.ZombieRegistry
}
