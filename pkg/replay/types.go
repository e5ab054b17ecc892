package replay

import (
	"fmt"
	"time"

	"github.com/latoulicious/Kiroku/pkg/health"
)

// TicksPerSecond is the timestamp resolution used throughout the pipeline:
// 100ns ticks, 10,000,000 per second.
const TicksPerSecond int64 = 10_000_000

// Worker identifiers registered with the heartbeat registry. The health
// monitor watches the buffer loop and the encoder drain; the audio mix
// worker beats for diagnostics only.
const (
	WorkerBufferLoop   health.WorkerID = "replay.buffer_loop"
	WorkerEncoderDrain health.WorkerID = "replay.encoder_drain"
	WorkerAudioMix     health.WorkerID = "replay.audio_mix"
)

// ReplayState represents the current state of the replay pipeline.
type ReplayState int32

const (
	StateUninitialized ReplayState = iota
	StateStarting
	StateCapturing
	StateSaving
	StateStopping
	StateError
	StateRecovering
)

func (s ReplayState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateSaving:
		return "saving"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates every state change the pipeline is allowed to
// perform. Any transition not listed here is a programming error and is
// rejected loudly instead of silently corrupting the state machine.
var legalTransitions = map[ReplayState][]ReplayState{
	StateUninitialized: {StateStarting},
	StateStarting:      {StateCapturing, StateError},
	StateCapturing:     {StateSaving, StateStopping, StateError},
	StateSaving:        {StateCapturing, StateError},
	StateStopping:      {StateUninitialized, StateError},
	StateError:         {StateRecovering, StateStopping},
	StateRecovering:    {StateStarting, StateUninitialized},
}

// TransitionLegal reports whether moving from one state to another is
// permitted by the pipeline's state machine.
func TransitionLegal(from, to ReplayState) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a state change violates the
// legal-transition table.
type ErrIllegalTransition struct {
	From ReplayState
	To   ReplayState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal replay state transition %s -> %s", e.From, e.To)
}

// SubmitResult classifies the outcome of a single hardware-encoder
// submission.
type SubmitResult int

const (
	SubmitSuccess SubmitResult = iota
	SubmitTransient
	SubmitDeviceLost
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitSuccess:
		return "success"
	case SubmitTransient:
		return "transient"
	case SubmitDeviceLost:
		return "device_lost"
	default:
		return "unknown"
	}
}

// EncodedFrame is one hardware-encoded video frame. The buffer inside Data
// is owned by whoever holds the frame; ownership transfers into the
// FrameRingBuffer on Add.
type EncodedFrame struct {
	Data     []byte
	PTS      int64 // presentation timestamp in 100ns ticks
	Duration int64 // frame duration in 100ns ticks
	Keyframe bool
}

// Size returns the payload size in bytes.
func (f *EncodedFrame) Size() int {
	return len(f.Data)
}

// Clone returns a deep copy of the frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &EncodedFrame{
		Data:     data,
		PTS:      f.PTS,
		Duration: f.Duration,
		Keyframe: f.Keyframe,
	}
}

// EncodedAudioSample is one encoded audio sample produced by the audio
// encoder callback.
type EncodedAudioSample struct {
	Data     []byte
	PTS      int64
	Duration int64
}

// Size returns the payload size in bytes.
func (s *EncodedAudioSample) Size() int {
	return len(s.Data)
}

// Clone returns a deep copy of the sample.
func (s *EncodedAudioSample) Clone() *EncodedAudioSample {
	data := make([]byte, len(s.Data))
	copy(data, s.Data)
	return &EncodedAudioSample{Data: data, PTS: s.PTS, Duration: s.Duration}
}

// ErrorCategory represents the subsystem a pipeline error belongs to.
type ErrorCategory int

const (
	CategoryCapture ErrorCategory = iota
	CategoryEncode
	CategoryAudio
	CategoryMux
	CategoryStorage
	CategorySystem
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryCapture:
		return "capture"
	case CategoryEncode:
		return "encode"
	case CategoryAudio:
		return "audio"
	case CategoryMux:
		return "mux"
	case CategoryStorage:
		return "storage"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// ErrorSeverity represents the severity level of pipeline errors.
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PipelineError is a classified error surfaced by the replay pipeline.
type PipelineError struct {
	Err       error
	Category  ErrorCategory
	Severity  ErrorSeverity
	Timestamp time.Time
	Retryable bool
}

func (pe *PipelineError) Error() string {
	return pe.Err.Error()
}

func (pe *PipelineError) Unwrap() error {
	return pe.Err
}

// NewPipelineError creates a new classified pipeline error.
func NewPipelineError(err error, category ErrorCategory, severity ErrorSeverity) *PipelineError {
	return &PipelineError{
		Err:       err,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Retryable: severity <= SeverityMedium,
	}
}

// SaveResult is delivered on the channel returned by SaveAsync once the mux
// completes (or fails).
type SaveResult struct {
	Path       string
	Err        error
	FrameCount int
	AudioCount int
	Duration   time.Duration // media span of the saved clip
	Elapsed    time.Duration // wall clock spent muxing
	Bytes      int64
}

// Ok reports whether the save completed successfully.
func (r SaveResult) Ok() bool {
	return r.Err == nil
}

// ClipInfo describes a clip that was written to disk. It is handed to the
// optional ClipSink after every successful save.
type ClipInfo struct {
	ID         string
	Path       string
	CreatedAt  time.Time
	Duration   time.Duration
	FrameCount int
	AudioCount int
	Bytes      int64
	HasAudio   bool
}

// ClipSink receives a record of every successfully saved clip. Storage
// failures are logged, never propagated into the capture loop.
type ClipSink interface {
	RecordClip(info ClipInfo) error
}

// saveRequest is the single-slot save command consumed by the pipeline
// loop. At most one is in flight at any time; SaveAsync enforces that.
type saveRequest struct {
	path   string
	result chan SaveResult
}
