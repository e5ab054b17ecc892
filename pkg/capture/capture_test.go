package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

func TestSyntheticSourceFrames(t *testing.T) {
	source := NewSyntheticSource(640, 480)
	assert.Equal(t, replay.Rect{Width: 640, Height: 480}, source.Bounds())

	require.NoError(t, source.SetRegion(replay.Rect{X: 10, Y: 10, Width: 320, Height: 240}))

	tex, ok := source.FrameTexture()
	require.True(t, ok)
	assert.Equal(t, 320, tex.Width)
	assert.Equal(t, 240, tex.Height)
	assert.Len(t, tex.Data, 320*240*4)

	// Consecutive frames differ.
	next, ok := source.FrameTexture()
	require.True(t, ok)
	assert.NotEqual(t, tex.Data, next.Data)
}

func TestSyntheticSourceRejectsEmptyRegion(t *testing.T) {
	source := NewSyntheticSource(640, 480)
	assert.Error(t, source.SetRegion(replay.Rect{}))
}

func TestSyntheticSourceAccessLostCycle(t *testing.T) {
	source := NewSyntheticSource(64, 64)

	source.LoseAccess(2)
	assert.True(t, source.AccessLost())
	_, ok := source.FrameTexture()
	assert.False(t, ok)

	assert.Error(t, source.Reinit())
	assert.Error(t, source.Reinit())
	assert.NoError(t, source.Reinit())
	assert.False(t, source.AccessLost())
	assert.Equal(t, 3, source.ReinitCalls())

	_, ok = source.FrameTexture()
	assert.True(t, ok)
}

func TestSoftwareEncoderKeyframeCadence(t *testing.T) {
	enc, err := NewSoftwareEncoder(replay.EncoderConfig{Width: 64, Height: 64, FPS: 30})
	require.NoError(t, err)
	encoder := enc.(*SoftwareEncoder)
	defer encoder.Destroy()

	tex := &replay.Texture{Width: 64, Height: 64, Data: make([]byte, 64*64*4)}
	interval := replay.TicksPerSecond / 30
	for i := 0; i < softwareGOP+1; i++ {
		require.Equal(t, replay.SubmitSuccess, encoder.Submit(tex, int64(i)*interval))
	}

	var frames []*replay.EncodedFrame
	// One frame of lookahead: submitting n textures delivers n-1 frames.
	for i := 0; i < softwareGOP; i++ {
		frames = append(frames, <-encoder.Drain())
	}

	assert.True(t, frames[0].Keyframe)
	for i := 1; i < softwareGOP; i++ {
		assert.False(t, frames[i].Keyframe, "frame %d", i)
	}

	flushed := encoder.Flush()
	require.Len(t, flushed, 1)
	assert.True(t, flushed[0].Keyframe) // frame softwareGOP starts the next GOP
}

func TestSoftwareEncoderFailureInjection(t *testing.T) {
	enc, err := NewSoftwareEncoder(replay.EncoderConfig{Width: 64, Height: 64, FPS: 30})
	require.NoError(t, err)
	encoder := enc.(*SoftwareEncoder)
	defer encoder.Destroy()

	tex := &replay.Texture{Width: 64, Height: 64, Data: make([]byte, 256)}

	encoder.InjectTransient(2)
	assert.Equal(t, replay.SubmitTransient, encoder.Submit(tex, 0))
	assert.Equal(t, replay.SubmitTransient, encoder.Submit(tex, 1))
	assert.Equal(t, replay.SubmitSuccess, encoder.Submit(tex, 2))

	encoder.InjectDeviceLost()
	assert.Equal(t, replay.SubmitDeviceLost, encoder.Submit(tex, 3))
}

func TestSoftwareEncoderDestroyClosesDrain(t *testing.T) {
	enc, err := NewSoftwareEncoder(replay.EncoderConfig{Width: 64, Height: 64, FPS: 30})
	require.NoError(t, err)

	enc.Destroy()
	enc.Destroy() // idempotent

	_, open := <-enc.Drain()
	assert.False(t, open)
}

func TestToneSourcePacedByWallClock(t *testing.T) {
	source := NewToneSource(replay.AudioFormat{SampleRate: 48000, Channels: 2}, 440)

	// Reading before Start fails.
	_, _, err := source.Read(1024)
	assert.Error(t, err)

	require.NoError(t, source.Start())
	defer source.Close()

	time.Sleep(50 * time.Millisecond)
	pcm, pts, err := source.Read(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pts)

	// Roughly 50ms of 48kHz stereo PCM, never more than elapsed time.
	frames := len(pcm) / 4
	assert.Greater(t, frames, 48000/1000*20)
	assert.Less(t, frames, 48000/1000*500)

	// Second read resumes at the running timestamp.
	time.Sleep(20 * time.Millisecond)
	_, pts, err = source.Read(1 << 20)
	require.NoError(t, err)
	expected := int64(frames) * replay.TicksPerSecond / 48000
	assert.Equal(t, expected, pts)
}

func TestPCMChunkEncoderEmitsFixedChunks(t *testing.T) {
	enc, err := NewPCMChunkEncoder(replay.AudioEncoderConfig{Format: replay.AudioFormat{SampleRate: 48000, Channels: 2}})
	require.NoError(t, err)

	var samples []*replay.EncodedAudioSample
	enc.SetCallback(func(sample *replay.EncodedAudioSample) {
		samples = append(samples, sample)
	})

	// 48000/50 frames per chunk at 4 bytes per frame.
	chunkBytes := 48000 / 50 * 4
	pcm := make([]byte, chunkBytes*2+100)
	require.NoError(t, enc.Feed(pcm, 0))

	require.Len(t, samples, 2)
	assert.Equal(t, int64(0), samples[0].PTS)
	assert.Equal(t, replay.TicksPerSecond/50, samples[1].PTS)
	assert.Equal(t, replay.TicksPerSecond/50, samples[0].Duration)
	assert.Len(t, samples[0].Data, chunkBytes)

	// Close flushes the 100-byte remainder as a short final chunk.
	require.NoError(t, enc.Close())
	require.Len(t, samples, 3)
	assert.Len(t, samples[2].Data, 100)

	assert.Error(t, enc.Feed(pcm, 0))
}

func TestPCMChunkEncoderCodecConfig(t *testing.T) {
	enc, err := NewPCMChunkEncoder(replay.AudioEncoderConfig{Format: replay.AudioFormat{SampleRate: 48000, Channels: 2}})
	require.NoError(t, err)

	config := enc.CodecConfig()
	assert.Equal(t, "PCMC", string(config[:4]))

	_, err = NewPCMChunkEncoder(replay.AudioEncoderConfig{})
	assert.Error(t, err)
}
