package replay_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/Kiroku/pkg/capture"
	"github.com/latoulicious/Kiroku/pkg/mux"
	"github.com/latoulicious/Kiroku/pkg/notify"
	"github.com/latoulicious/Kiroku/pkg/replay"
)

// testRig bundles a pipeline with handles to its injected collaborators.
type testRig struct {
	pipeline *replay.ReplayPipeline
	source   *capture.SyntheticSource
	encoder  *capture.SoftwareEncoder
	notifier *recordingNotifier
	clips    *recordingClipSink
	dir      string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type recordingClipSink struct {
	mu    sync.Mutex
	clips []replay.ClipInfo
}

func (s *recordingClipSink) RecordClip(info replay.ClipInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, info)
	return nil
}

func (s *recordingClipSink) Clips() []replay.ClipInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replay.ClipInfo(nil), s.clips...)
}

func testConfig() *replay.ReplayConfig {
	cfg := replay.DefaultReplayConfig()
	cfg.WindowSeconds = 2
	cfg.FPS = 240 // fast frames keep the tests short
	cfg.MinFramesForSave = 5
	cfg.StopTimeout = 5 * time.Second
	cfg.Logging.Level = "error"
	return cfg
}

func newTestRig(t *testing.T, cfg *replay.ReplayConfig, mutate func(caps *replay.Capabilities)) *testRig {
	t.Helper()

	rig := &testRig{
		source:   capture.NewSyntheticSource(256, 144),
		notifier: &recordingNotifier{},
		clips:    &recordingClipSink{},
		dir:      t.TempDir(),
	}

	caps := replay.Capabilities{
		Source:    rig.source,
		Converter: capture.NewPassthroughConverter(),
		NewEncoder: func(encCfg replay.EncoderConfig) (replay.HardwareEncoder, error) {
			enc, err := capture.NewSoftwareEncoder(encCfg)
			if err != nil {
				return nil, err
			}
			rig.encoder = enc.(*capture.SoftwareEncoder)
			return enc, nil
		},
		NewAudioSource: func(replay.AudioDeviceConfig) (replay.AudioDeviceCapture, error) {
			return capture.NewToneSource(replay.AudioFormat{SampleRate: 44100, Channels: 1}, 440), nil
		},
		NewAudioEncoder: capture.NewPCMChunkEncoder,
		Muxer:           mux.NewFileMuxer(),
		Notifier:        rig.notifier,
		Clips:           rig.clips,
	}
	if mutate != nil {
		mutate(&caps)
	}

	pipeline, err := replay.NewReplayPipeline(cfg, caps, replay.NullLogger())
	require.NoError(t, err)
	rig.pipeline = pipeline
	return rig
}

func waitForFrames(t *testing.T, p *replay.ReplayPipeline, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.FramesCaptured() >= n
	}, 10*time.Second, 5*time.Millisecond, "pipeline never captured %d frames", n)
}

func TestPipelineCaptureSaveStop(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg, nil)

	require.NoError(t, rig.pipeline.Start(context.Background()))
	assert.Equal(t, replay.StateCapturing, rig.pipeline.State())

	waitForFrames(t, rig.pipeline, 40)

	path := filepath.Join(rig.dir, "clip.krpl")
	result, err := rig.pipeline.SaveAsync(path)
	require.NoError(t, err)

	saved := <-result
	require.NoError(t, saved.Err)
	assert.Equal(t, path, saved.Path)
	assert.Greater(t, saved.FrameCount, 0)
	assert.Greater(t, saved.Bytes, int64(0))
	assert.Equal(t, replay.StateCapturing, rig.pipeline.State())

	// The saved file parses and opens with a keyframe.
	clip, err := mux.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, clip.Video)
	assert.True(t, clip.Video[0].Keyframe)
	assert.Equal(t, int64(0), clip.Video[0].PTS)
	for i := 1; i < len(clip.Video); i++ {
		assert.GreaterOrEqual(t, clip.Video[i].PTS, clip.Video[i-1].PTS)
	}

	// The sink saw the clip and a completion notification went out.
	require.Eventually(t, func() bool { return len(rig.clips.Clips()) == 1 }, time.Second, 5*time.Millisecond)
	events := rig.notifier.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, notify.EventSaveComplete, events[0].Kind)

	require.NoError(t, rig.pipeline.Stop())
	assert.Equal(t, replay.StateUninitialized, rig.pipeline.State())
}

func TestSaveRejectedBeforeMinimumFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MinFramesForSave = 1 << 30 // never reached
	rig := newTestRig(t, cfg, nil)

	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()

	_, err := rig.pipeline.SaveAsync(filepath.Join(rig.dir, "clip.krpl"))
	assert.ErrorIs(t, err, replay.ErrNotReady)
}

func TestSaveRejectedWhenNotCapturing(t *testing.T) {
	rig := newTestRig(t, testConfig(), nil)

	_, err := rig.pipeline.SaveAsync(filepath.Join(rig.dir, "clip.krpl"))
	assert.ErrorIs(t, err, replay.ErrNotCapturing)
}

// slowMuxer delays every write so a second save request can be issued
// while the first is still in flight.
type slowMuxer struct {
	inner replay.ContainerMuxer
	delay time.Duration
}

func (m *slowMuxer) WriteFile(path string, video []*replay.EncodedFrame, videoConfig []byte) error {
	time.Sleep(m.delay)
	return m.inner.WriteFile(path, video, videoConfig)
}

func (m *slowMuxer) WriteFileWithAudio(path string, video []*replay.EncodedFrame, videoConfig []byte, audio []*replay.EncodedAudioSample, audioConfig []byte) error {
	time.Sleep(m.delay)
	return m.inner.WriteFileWithAudio(path, video, videoConfig, audio, audioConfig)
}

func TestOnlyOneSaveInFlight(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg, func(caps *replay.Capabilities) {
		caps.Muxer = &slowMuxer{inner: mux.NewFileMuxer(), delay: 300 * time.Millisecond}
	})

	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()
	waitForFrames(t, rig.pipeline, 10)

	first, err := rig.pipeline.SaveAsync(filepath.Join(rig.dir, "a.krpl"))
	require.NoError(t, err)

	// The second request must be rejected while the first is pending.
	_, err = rig.pipeline.SaveAsync(filepath.Join(rig.dir, "b.krpl"))
	assert.Error(t, err)

	saved := <-first
	assert.NoError(t, saved.Err)

	// Once the first completes, saving works again.
	require.Eventually(t, func() bool {
		_, err := rig.pipeline.SaveAsync(filepath.Join(rig.dir, "c.krpl"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSaveAcceptedDuringStopAlwaysDelivers(t *testing.T) {
	// Stop racing an accepted save: the buffer loop may take the stop
	// signal first, but the result channel must still receive. Several
	// rounds to give the race a chance either way.
	for round := 0; round < 6; round++ {
		cfg := testConfig()
		rig := newTestRig(t, cfg, nil)

		require.NoError(t, rig.pipeline.Start(context.Background()))
		waitForFrames(t, rig.pipeline, cfg.MinFramesForSave)

		result, err := rig.pipeline.SaveAsync(filepath.Join(rig.dir, "racing.krpl"))
		require.NoError(t, err)
		require.NoError(t, rig.pipeline.Stop())

		select {
		case saved := <-result:
			if saved.Err != nil {
				assert.ErrorIs(t, saved.Err, replay.ErrPipelineStopped)
			}
		case <-time.After(time.Second):
			t.Fatalf("round %d: accepted save never delivered a result", round)
		}
	}
}

func TestTransientFailuresCountedNotFatal(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg, nil)

	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()
	waitForFrames(t, rig.pipeline, 5)

	rig.encoder.InjectTransient(3)
	require.Eventually(t, func() bool {
		return rig.pipeline.TransientFailures() >= 3
	}, 10*time.Second, 5*time.Millisecond)

	// Capture continues past the transient failures.
	captured := rig.pipeline.FramesCaptured()
	waitForFrames(t, rig.pipeline, captured+5)
	assert.Equal(t, replay.StateCapturing, rig.pipeline.State())
}

func TestDeviceLostEndsSessionInErrorState(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg, nil)

	require.NoError(t, rig.pipeline.Start(context.Background()))
	waitForFrames(t, rig.pipeline, 5)

	rig.encoder.InjectDeviceLost()

	select {
	case <-rig.pipeline.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never exited after device loss")
	}
	assert.Equal(t, replay.StateError, rig.pipeline.State())

	// The supervisor can mark the session recovering before a rebuild.
	assert.NoError(t, rig.pipeline.MarkRecovering())
	assert.Equal(t, replay.StateRecovering, rig.pipeline.State())
}

func TestAccessLostRecoversViaReinit(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(t, cfg, nil)

	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()
	waitForFrames(t, rig.pipeline, 5)

	// Two reinit attempts fail before the source comes back.
	rig.source.LoseAccess(2)

	captured := rig.pipeline.FramesCaptured()
	waitForFrames(t, rig.pipeline, captured+5)
	assert.GreaterOrEqual(t, rig.source.ReinitCalls(), 3)
	assert.Equal(t, replay.StateCapturing, rig.pipeline.State())
}

func TestAudioFailureDegradesToVideoOnly(t *testing.T) {
	cfg := testConfig()
	cfg.AudioEnabled = true
	cfg.AudioDevices = []replay.AudioDeviceConfig{{DeviceID: "default", Volume: 100}}

	rig := newTestRig(t, cfg, func(caps *replay.Capabilities) {
		caps.NewAudioSource = func(replay.AudioDeviceConfig) (replay.AudioDeviceCapture, error) {
			return nil, assert.AnError
		}
	})

	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()

	// Audio failed but video capture proceeds.
	assert.ErrorIs(t, rig.pipeline.AudioError(), replay.ErrNoAudioSources)
	waitForFrames(t, rig.pipeline, 5)
}

func TestSaveWithAudio(t *testing.T) {
	cfg := testConfig()
	cfg.AudioEnabled = true
	cfg.AudioDevices = []replay.AudioDeviceConfig{{DeviceID: "tone", Volume: 100}}

	rig := newTestRig(t, cfg, nil)
	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()
	require.NoError(t, rig.pipeline.AudioError())

	// Let both streams accumulate real time.
	waitForFrames(t, rig.pipeline, 60)
	time.Sleep(500 * time.Millisecond)

	path := filepath.Join(rig.dir, "clip.krpl")
	result, err := rig.pipeline.SaveAsync(path)
	require.NoError(t, err)
	saved := <-result
	require.NoError(t, saved.Err)
	assert.Greater(t, saved.AudioCount, 0)

	clip, err := mux.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, clip.HasAudio())
	for i := 1; i < len(clip.Audio); i++ {
		assert.GreaterOrEqual(t, clip.Audio[i].PTS, clip.Audio[i-1].PTS)
	}
}

func TestStopIsIdempotentFromUninitialized(t *testing.T) {
	rig := newTestRig(t, testConfig(), nil)
	assert.NoError(t, rig.pipeline.Stop())
}

func TestStartRejectedTwice(t *testing.T) {
	rig := newTestRig(t, testConfig(), nil)
	require.NoError(t, rig.pipeline.Start(context.Background()))
	defer rig.pipeline.Stop()

	// Capturing -> Starting is not a legal transition.
	assert.Error(t, rig.pipeline.Start(context.Background()))
}
