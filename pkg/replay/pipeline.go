package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latoulicious/Kiroku/pkg/health"
	"github.com/latoulicious/Kiroku/pkg/notify"
)

const (
	// loopWait bounds every wait in the buffer loop so frame scheduling is
	// never starved by a blocked signal.
	loopWait = time.Millisecond

	// Access-lost settle interval and its backoff ceiling.
	accessLostSettle    = 100 * time.Millisecond
	accessLostSettleMax = 2 * time.Second

	// audioFeedMaxBytes bounds one best-effort audio feed per iteration.
	audioFeedMaxBytes = 32768
)

var (
	// ErrNotCapturing is returned by SaveAsync outside the Capturing state.
	ErrNotCapturing = errors.New("replay: pipeline is not capturing")

	// ErrNotReady is returned by SaveAsync before the minimum number of
	// frames has been captured.
	ErrNotReady = errors.New("replay: not enough frames captured yet")

	// ErrSaveInFlight is returned by SaveAsync while a previous save is
	// still being processed. At most one save is in flight.
	ErrSaveInFlight = errors.New("replay: a save is already in flight")

	// ErrPipelineStopped is delivered on a save's result channel when the
	// pipeline shut down before the accepted request could run.
	ErrPipelineStopped = errors.New("replay: pipeline stopped before save ran")

	// ErrStopTimeout is returned by Stop when the buffer loop does not
	// join within the configured bound. The caller hands recovery to the
	// health monitor; nothing is force-terminated.
	ErrStopTimeout = errors.New("replay: buffer loop did not stop in time")
)

// exitReason records why the buffer loop ended.
type exitReason int

const (
	exitStop exitReason = iota
	exitDeviceLost
)

// ReplayPipeline owns one capture session: the frame ring buffer, the
// audio sample buffer and mixer, the hardware encoder handle, and the
// state machine that sequences them. One goroutine (the buffer loop) owns
// all mutable pipeline state; everything crossing a goroutine boundary is
// either atomic, lock-protected buffer access, or a one-shot signal.
type ReplayPipeline struct {
	cfg       *ReplayConfig
	caps      Capabilities
	logger    Logger
	metrics   *SessionMetrics
	sessionID string

	state atomic.Int32

	frames   *FrameRingBuffer
	audioBuf *AudioSampleBuffer
	mixer    *AudioMixer
	encoder  HardwareEncoder
	audioEnc AudioEncoder

	// audioErr records why audio degraded to off; video capture proceeds.
	audioErr error

	stopCh      chan struct{}
	stopOnce    sync.Once
	saveCh      chan *saveRequest
	savePending atomic.Bool
	savesReady  atomic.Bool

	framesCaptured atomic.Int64
	transientCount atomic.Int64

	// Buffer-loop-local scheduling state. Only the run goroutine touches
	// these after Start.
	audioFedFrames int64

	region Rect

	drainDone chan struct{}
	done      chan struct{}
}

// NewReplayPipeline creates an idle pipeline for the given configuration
// and capabilities. Nothing runs until Start.
func NewReplayPipeline(cfg *ReplayConfig, caps Capabilities, logger Logger) (*ReplayPipeline, error) {
	if cfg == nil {
		cfg = DefaultReplayConfig()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if caps.Source == nil || caps.Converter == nil || caps.NewEncoder == nil || caps.Muxer == nil {
		return nil, errors.New("replay: capture source, converter, encoder factory and muxer are required")
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if caps.Heartbeats == nil {
		caps.Heartbeats = health.NewRegistry()
	}
	if caps.Zombies == nil {
		caps.Zombies = health.NewZombieRegistry()
	}

	sessionID := uuid.NewString()
	return &ReplayPipeline{
		cfg:       cfg,
		caps:      caps,
		logger:    logger.With(String("component", "replay_pipeline"), String("session_id", sessionID)),
		metrics:   NewSessionMetrics(sessionID),
		sessionID: sessionID,
		stopCh:    make(chan struct{}),
		saveCh:    make(chan *saveRequest, 1),
		drainDone: make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// SessionID returns the unique id of this capture session.
func (p *ReplayPipeline) SessionID() string {
	return p.sessionID
}

// State returns the current pipeline state.
func (p *ReplayPipeline) State() ReplayState {
	return ReplayState(p.state.Load())
}

// Metrics returns the session metrics collector.
func (p *ReplayPipeline) Metrics() *SessionMetrics {
	return p.metrics
}

// Heartbeats returns the registry the pipeline's workers beat into.
func (p *ReplayPipeline) Heartbeats() *health.Registry {
	return p.caps.Heartbeats
}

// FramesCaptured returns how many frames were successfully submitted.
func (p *ReplayPipeline) FramesCaptured() int64 {
	return p.framesCaptured.Load()
}

// TransientFailures returns how many submissions failed transiently.
func (p *ReplayPipeline) TransientFailures() int64 {
	return p.transientCount.Load()
}

// AudioError returns the recorded reason audio is disabled, or nil.
func (p *ReplayPipeline) AudioError() error {
	return p.audioErr
}

// Region returns the resolved capture region.
func (p *ReplayPipeline) Region() Rect {
	return p.region
}

// Done is closed when the buffer loop and its teardown have finished.
func (p *ReplayPipeline) Done() <-chan struct{} {
	return p.done
}

// AbandonEncoder exposes the encoder handle for the health monitor's
// cleanup worker after a timed-out Stop.
func (p *ReplayPipeline) AbandonEncoder() health.Leakable {
	return p.encoder
}

// transition moves the state machine to the target state, rejecting any
// change the legal-transition table does not allow.
func (p *ReplayPipeline) transition(to ReplayState) error {
	for {
		from := ReplayState(p.state.Load())
		if !TransitionLegal(from, to) {
			err := &ErrIllegalTransition{From: from, To: to}
			p.logger.Error("rejected state transition", Error(err))
			return err
		}
		if p.state.CompareAndSwap(int32(from), int32(to)) {
			p.logger.Info("state changed",
				String("from", from.String()),
				String("to", to.String()))
			p.metrics.RecordStateChange(from, to)
			return nil
		}
	}
}

// Start resolves the capture region, creates the encoder and buffers,
// optionally brings up the audio sub-pipeline, and launches the buffer
// loop. On any fatal initialization error the state becomes Error and
// nothing partially runs.
func (p *ReplayPipeline) Start(ctx context.Context) error {
	if err := p.transition(StateStarting); err != nil {
		return err
	}

	if err := p.initVideo(); err != nil {
		p.transition(StateError)
		return err
	}
	p.initAudio(ctx)

	if err := p.transition(StateCapturing); err != nil {
		return err
	}

	go p.drainLoop()
	go p.run()

	p.logger.Info("replay pipeline capturing",
		Int("window_seconds", p.cfg.WindowSeconds),
		Int("fps", p.cfg.FPS),
		String("quality", p.cfg.Quality.String()),
		Int("buffer_capacity", p.frames.Capacity()),
		Bool("audio", p.audioEnc != nil))
	return nil
}

func (p *ReplayPipeline) initVideo() error {
	bounds := p.caps.Source.Bounds()
	region := resolveCaptureRegion(p.cfg, bounds)
	if region.Width <= 0 || region.Height <= 0 {
		return fmt.Errorf("replay: resolved capture region %+v is empty", region)
	}
	if err := p.caps.Source.SetRegion(region); err != nil {
		return fmt.Errorf("replay: failed to set capture region: %w", err)
	}
	p.region = region

	encoder, err := p.caps.NewEncoder(EncoderConfig{
		Width:   region.Width,
		Height:  region.Height,
		FPS:     p.cfg.FPS,
		Quality: p.cfg.Quality,
	})
	if err != nil {
		return fmt.Errorf("replay: failed to create hardware encoder: %w", err)
	}
	p.encoder = encoder

	p.frames = NewFrameRingBuffer(p.cfg.WindowSeconds, p.cfg.FPS)
	if header := encoder.SequenceHeader(); len(header) > 0 {
		if err := p.frames.SetSequenceHeader(header); err != nil {
			p.logger.Warn("sequence header rejected", Error(err))
		}
	}
	return nil
}

// initAudio brings up the mixer and audio encoder. Every failure here is
// non-fatal: the error is recorded and the pipeline continues video-only.
func (p *ReplayPipeline) initAudio(ctx context.Context) {
	p.audioBuf = NewAudioSampleBuffer(p.cfg.WindowSeconds, p.cfg.MaxAudioSamples)
	if !p.cfg.AudioEnabled {
		return
	}
	if p.caps.NewAudioSource == nil || p.caps.NewAudioEncoder == nil {
		p.audioErr = ErrNoAudioSources
		p.logger.Warn("audio enabled but no audio capabilities provided")
		return
	}

	mixer, err := NewAudioMixer(p.cfg.AudioDevices, p.caps.NewAudioSource, p.logger)
	if err != nil {
		p.audioErr = err
		p.logger.Warn("audio capture unavailable, continuing video-only", Error(err))
		return
	}

	audioEnc, err := p.caps.NewAudioEncoder(AudioEncoderConfig{
		Format:  MixFormat,
		Bitrate: p.cfg.AudioBitrate,
	})
	if err != nil {
		p.audioErr = err
		p.logger.Warn("audio encoder unavailable, continuing video-only", Error(err))
		return
	}

	// The callback runs on the encoder's goroutine; the sample buffer's
	// lock is the only shared state it touches.
	audioEnc.SetCallback(func(sample *EncodedAudioSample) {
		p.audioBuf.Push(sample)
	})
	mixer.SetHeartbeat(func() {
		p.caps.Heartbeats.Beat(WorkerAudioMix)
	})

	if err := mixer.Start(ctx); err != nil {
		p.audioErr = err
		p.logger.Warn("audio mixer failed to start, continuing video-only", Error(err))
		audioEnc.Close()
		return
	}

	p.mixer = mixer
	p.audioEnc = audioEnc
	p.logger.Info("audio sub-pipeline running", Int("sources", mixer.SourceCount()))
}

// drainLoop pops completed frames from the encoder's bounded channel into
// the frame ring buffer. It stands in for the hardware encoder's output
// thread and is watched by the health monitor.
func (p *ReplayPipeline) drainLoop() {
	defer close(p.drainDone)
	for frame := range p.encoder.Drain() {
		p.caps.Heartbeats.Beat(WorkerEncoderDrain)
		if err := p.frames.Add(frame); err != nil {
			p.logger.Warn("dropping undeliverable frame", Error(err))
		}
	}
}

// run is the buffer loop: heartbeat, bounded wait on stop/save, audio
// feed, drift-corrected frame scheduling.
func (p *ReplayPipeline) run() {
	defer close(p.done)

	interval := p.cfg.FrameInterval()
	start := time.Now()
	var nextDue int64 // ideal boundary of the next frame, ticks since start
	var frameIndex int64
	settle := accessLostSettle
	reason := exitStop

loop:
	for {
		// Heartbeat before any blocking call so a stall is attributed to
		// the call that hung, not the loop overhead.
		p.caps.Heartbeats.Beat(WorkerBufferLoop)

		select {
		case <-p.stopCh:
			break loop
		case req := <-p.saveCh:
			p.handleSave(req)
			continue
		case <-time.After(loopWait):
		}

		p.pumpAudio()

		if ticksSince(start) < nextDue {
			continue
		}
		nextDue += interval

		outcome := p.captureOne(frameIndex*interval, &settle)
		switch outcome {
		case captureSuccess:
			frameIndex++
		case captureDeviceLost:
			reason = exitDeviceLost
			break loop
		}
	}

	p.teardown(reason)
}

type captureOutcome int

const (
	captureSuccess captureOutcome = iota
	captureSkipped
	captureDropped
	captureDeviceLost
)

// captureOne captures, converts and submits a single frame with the given
// synthetic timestamp.
func (p *ReplayPipeline) captureOne(pts int64, settle *time.Duration) captureOutcome {
	if p.caps.Source.AccessLost() {
		p.handleAccessLost(settle)
		return captureSkipped
	}
	*settle = accessLostSettle

	tex, ok := p.caps.Source.FrameTexture()
	if !ok {
		return captureSkipped
	}

	converted, err := p.caps.Converter.Convert(tex)
	if err != nil {
		p.logger.Warn("color conversion failed, dropping frame", Error(err))
		p.metrics.RecordFrameDropped(SubmitTransient)
		return captureDropped
	}

	switch result := p.encoder.Submit(converted, pts); result {
	case SubmitSuccess:
		captured := p.framesCaptured.Add(1)
		p.metrics.RecordFrameCaptured()
		if captured >= p.cfg.MinFramesForSave {
			p.savesReady.Store(true)
		}
		if captured%64 == 0 {
			p.metrics.RecordBufferUsage(p.frames.Len(), p.frames.MemoryUsage(), p.audioBuf.Len(), p.audioBuf.MemoryUsage())
		}
		return captureSuccess
	case SubmitTransient:
		// Dropped and counted; recovery belongs to the health monitor,
		// not a retry loop here.
		p.transientCount.Add(1)
		p.metrics.RecordFrameDropped(SubmitTransient)
		return captureDropped
	default: // SubmitDeviceLost
		p.metrics.RecordFrameDropped(SubmitDeviceLost)
		p.logger.Error("encoder device lost, exiting capture loop",
			Error(errors.New("device lost")))
		return captureDeviceLost
	}
}

// handleAccessLost waits a settle interval (still servicing stop and save
// signals), attempts one reinitialization, and grows the settle interval
// on repeated failure so the loop never busy-spins against a dead source.
func (p *ReplayPipeline) handleAccessLost(settle *time.Duration) {
	p.metrics.RecordAccessLost()

	select {
	case <-p.stopCh:
		// The main loop observes the closed channel on its next pass.
		return
	case req := <-p.saveCh:
		p.handleSave(req)
	case <-time.After(*settle):
	}

	if err := p.caps.Source.Reinit(); err != nil {
		p.logger.Warn("capture reinit failed",
			Error(err), Duration("next_settle", *settle))
		*settle *= 2
		if *settle > accessLostSettleMax {
			*settle = accessLostSettleMax
		}
		return
	}
	p.logger.Info("capture source reinitialized")
	*settle = accessLostSettle
}

// pumpAudio moves mixed PCM into the audio encoder, best effort.
func (p *ReplayPipeline) pumpAudio() {
	if p.mixer == nil || p.audioEnc == nil {
		return
	}
	pcm := p.mixer.ReadMixed(audioFeedMaxBytes)
	if len(pcm) == 0 {
		return
	}
	pts := p.audioFedFrames * TicksPerSecond / int64(MixFormat.SampleRate)
	if err := p.audioEnc.Feed(pcm, pts); err != nil {
		p.logger.Warn("audio feed failed", Error(err))
		return
	}
	p.audioFedFrames += int64(len(pcm) / (MixFormat.Channels * mixBytesPerSample))
}

// SaveAsync requests that the current buffered window be written to path.
// The returned channel delivers exactly one SaveResult. The request is
// rejected outside the Capturing state, before the minimum frame count, or
// while another save is in flight.
func (p *ReplayPipeline) SaveAsync(path string) (<-chan SaveResult, error) {
	if p.State() != StateCapturing {
		return nil, ErrNotCapturing
	}
	if !p.savesReady.Load() {
		return nil, ErrNotReady
	}
	if !p.savePending.CompareAndSwap(false, true) {
		return nil, ErrSaveInFlight
	}

	req := &saveRequest{path: path, result: make(chan SaveResult, 1)}
	select {
	case p.saveCh <- req:
		return req.result, nil
	default:
		// Unreachable while savePending is honored; guard anyway.
		p.savePending.Store(false)
		return nil, ErrSaveInFlight
	}
}

// handleSave runs on the buffer loop: deep-copy both buffers, mux
// synchronously, deliver the result, then resume capturing. Capture state
// is otherwise untouched, so a failed save never disturbs the session.
func (p *ReplayPipeline) handleSave(req *saveRequest) {
	started := time.Now()
	if err := p.transition(StateSaving); err != nil {
		p.finishSave(req, SaveResult{Path: req.path, Err: err})
		return
	}

	result := p.doSave(req.path)
	result.Elapsed = time.Since(started)

	if err := p.transition(StateCapturing); err != nil {
		// The table guarantees Saving -> Capturing; reaching here means a
		// concurrent illegal mutation, which transition already logged.
		result.Err = err
	}
	p.finishSave(req, result)
}

func (p *ReplayPipeline) finishSave(req *saveRequest, result SaveResult) {
	p.metrics.RecordSave(result)
	p.savePending.Store(false)
	req.result <- result
	p.notifySave(result)
	if result.Ok() && p.caps.Clips != nil {
		info := ClipInfo{
			ID:         uuid.NewString(),
			Path:       result.Path,
			CreatedAt:  time.Now(),
			Duration:   result.Duration,
			FrameCount: result.FrameCount,
			AudioCount: result.AudioCount,
			Bytes:      result.Bytes,
			HasAudio:   result.AudioCount > 0,
		}
		if err := p.caps.Clips.RecordClip(info); err != nil {
			p.logger.Warn("failed to index saved clip", Error(err))
		}
	}
}

func (p *ReplayPipeline) doSave(path string) SaveResult {
	result := SaveResult{Path: path}

	extract, err := p.frames.ExtractForMuxing()
	if err != nil {
		result.Err = NewPipelineError(err, CategoryMux, SeverityMedium)
		p.logger.Warn("save rejected", Error(err))
		return result
	}

	var audio []*EncodedAudioSample
	var audioConfig []byte
	if p.audioEnc != nil {
		audio = rebaseAudio(p.audioBuf.Snapshot(), extract.BasePTS)
		audioConfig = p.audioEnc.CodecConfig()
	}

	if len(audio) > 0 {
		err = p.caps.Muxer.WriteFileWithAudio(path, extract.Frames, extract.SequenceHeader, audio, audioConfig)
	} else {
		err = p.caps.Muxer.WriteFile(path, extract.Frames, extract.SequenceHeader)
	}
	if err != nil {
		result.Err = NewPipelineError(err, CategoryMux, SeverityHigh)
		p.logger.Error("mux failed", Error(err), String("path", path))
		return result
	}

	result.FrameCount = len(extract.Frames)
	result.AudioCount = len(audio)
	if n := len(extract.Frames); n > 0 {
		last := extract.Frames[n-1]
		result.Duration = time.Duration(last.PTS+last.Duration) * 100
	}
	if stat, statErr := os.Stat(path); statErr == nil {
		result.Bytes = stat.Size()
	}

	p.logger.Info("clip saved",
		String("path", path),
		Int("frames", result.FrameCount),
		Int("audio_samples", result.AudioCount),
		Duration("duration", result.Duration))
	return result
}

func (p *ReplayPipeline) notifySave(result SaveResult) {
	if p.caps.Notifier == nil {
		return
	}
	event := notify.Event{
		Kind:  notify.EventSaveComplete,
		Title: "Replay saved",
		Message: fmt.Sprintf("%d frames, %s of footage", result.FrameCount,
			result.Duration.Round(time.Millisecond)),
		Fields: map[string]string{"path": result.Path},
		At:     time.Now(),
	}
	if !result.Ok() {
		event.Kind = notify.EventSaveFailed
		event.Title = "Replay save failed"
		event.Message = result.Err.Error()
	}
	if err := p.caps.Notifier.Notify(event); err != nil {
		p.logger.Warn("save notification failed", Error(err))
	}
}

// rebaseAudio drops samples before the video base timestamp and shifts the
// rest to the clip's zero, keeping the streams aligned for interleaving.
func rebaseAudio(samples []*EncodedAudioSample, basePTS int64) []*EncodedAudioSample {
	rebased := samples[:0]
	for _, sample := range samples {
		if sample.PTS < basePTS {
			continue
		}
		sample.PTS -= basePTS
		rebased = append(rebased, sample)
	}
	return rebased
}

// Stop signals the buffer loop and waits, bounded by the configured stop
// timeout, for it to tear down. A timed-out Stop returns ErrStopTimeout
// and leaves recovery to the health monitor's cleanup worker.
func (p *ReplayPipeline) Stop() error {
	switch p.State() {
	case StateUninitialized:
		return nil
	case StateStarting:
		return errors.New("replay: cannot stop while starting")
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.done:
		return nil
	case <-time.After(p.cfg.StopTimeout):
		return ErrStopTimeout
	}
}

// MarkRecovering is called by the supervising application after a fatal
// stall, before it rebuilds the session. Only legal from the Error state.
func (p *ReplayPipeline) MarkRecovering() error {
	return p.transition(StateRecovering)
}

// teardown flushes buffered encoder output into the video buffer, shuts
// down the audio sub-pipeline, and releases the encoder unless the handle
// was orphaned by a cleanup worker.
func (p *ReplayPipeline) teardown(reason exitReason) {
	if reason == exitStop {
		p.transition(StateStopping)
	}

	// A save accepted concurrently with the stop signal may still be queued;
	// its result channel must always receive.
	select {
	case req := <-p.saveCh:
		p.finishSave(req, SaveResult{Path: req.path, Err: ErrPipelineStopped})
	default:
	}

	if p.mixer != nil {
		p.mixer.Stop()
	}
	if p.audioEnc != nil {
		p.audioEnc.Close()
	}

	if p.encoder != nil {
		if p.caps.Zombies.Contains(p.encoder) {
			p.logger.Warn("encoder handle was orphaned, skipping release")
		} else {
			for _, frame := range p.encoder.Flush() {
				if err := p.frames.Add(frame); err != nil {
					p.logger.Warn("dropping flushed frame", Error(err))
				}
			}
			p.encoder.Destroy()
			<-p.drainDone
		}
	}

	switch reason {
	case exitStop:
		p.transition(StateUninitialized)
	case exitDeviceLost:
		p.transition(StateError)
	}

	p.caps.Heartbeats.Forget(WorkerBufferLoop)
	p.caps.Heartbeats.Forget(WorkerEncoderDrain)
	p.caps.Heartbeats.Forget(WorkerAudioMix)
	p.logger.Info("replay pipeline stopped")
}

// resolveCaptureRegion applies the area selection and aspect preset to the
// source bounds, forcing even dimensions for the encoder.
func resolveCaptureRegion(cfg *ReplayConfig, bounds Rect) Rect {
	region := bounds
	if cfg.Selector == CaptureArea {
		if clipped, ok := intersectRect(cfg.Area, bounds); ok {
			region = clipped
		}
	}
	region = applyAspect(region, cfg.Aspect)
	region.Width &^= 1
	region.Height &^= 1
	return region
}

// applyAspect fits the largest rectangle of the preset's ratio inside r,
// centered.
func applyAspect(r Rect, aspect AspectRatio) Rect {
	frac, ok := aspectFractions[aspect]
	if !ok {
		return r
	}
	num, den := frac[0], frac[1]
	width := r.Width
	height := width * den / num
	if height > r.Height {
		height = r.Height
		width = height * num / den
	}
	return Rect{
		X:      r.X + (r.Width-width)/2,
		Y:      r.Y + (r.Height-height)/2,
		Width:  width,
		Height: height,
	}
}

func intersectRect(a, b Rect) (Rect, bool) {
	x1 := maxInt(a.X, b.X)
	y1 := maxInt(a.Y, b.Y)
	x2 := minInt(a.X+a.Width, b.X+b.Width)
	y2 := minInt(a.Y+a.Height, b.Y+b.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}, false
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ticksSince converts elapsed wall clock into 100ns ticks.
func ticksSince(start time.Time) int64 {
	return int64(time.Since(start)) / 100
}
