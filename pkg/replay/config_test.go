package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReplayConfigIsValid(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.Normalize()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 60, cfg.WindowSeconds)
	assert.Equal(t, 30, cfg.FPS)
}

func TestNormalizeClampsBounds(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.WindowSeconds = 0
	cfg.FPS = 1000
	cfg.MinFramesForSave = -5
	cfg.StopTimeout = 0
	cfg.AudioDevices = []AudioDeviceConfig{
		{DeviceID: "a", Volume: 150},
		{DeviceID: "b", Volume: -10},
		{DeviceID: "c", Volume: 50},
		{DeviceID: "d", Volume: 50},
	}

	cfg.Normalize()

	assert.Equal(t, MinWindowSeconds, cfg.WindowSeconds)
	assert.Equal(t, MaxFPS, cfg.FPS)
	assert.Equal(t, int64(1), cfg.MinFramesForSave)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	require.Len(t, cfg.AudioDevices, MaxAudioSources)
	assert.Equal(t, 100, cfg.AudioDevices[0].Volume)
	assert.Equal(t, 0, cfg.AudioDevices[1].Volume)
}

func TestValidateRejectsEmptyArea(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.Selector = CaptureArea
	assert.Error(t, cfg.Validate())

	cfg.Area = Rect{Width: 640, Height: 480}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresAudioDevices(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.AudioEnabled = true
	assert.Error(t, cfg.Validate())

	cfg.AudioDevices = []AudioDeviceConfig{{DeviceID: "default", Volume: 100}}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REPLAY_WINDOW_SECONDS", "120")
	t.Setenv("REPLAY_FPS", "60")
	t.Setenv("REPLAY_QUALITY", "high")
	t.Setenv("REPLAY_ASPECT", "16:9")
	t.Setenv("REPLAY_AUDIO_ENABLED", "true")
	t.Setenv("REPLAY_AUDIO_DEVICES", "desktop:100, mic:80")

	cfg := DefaultReplayConfig()
	cfg.LoadFromEnvironment()

	assert.Equal(t, 120, cfg.WindowSeconds)
	assert.Equal(t, 60, cfg.FPS)
	assert.Equal(t, QualityHigh, cfg.Quality)
	assert.Equal(t, Aspect16x9, cfg.Aspect)
	assert.True(t, cfg.AudioEnabled)
	require.Len(t, cfg.AudioDevices, 2)
	assert.Equal(t, AudioDeviceConfig{DeviceID: "desktop", Volume: 100}, cfg.AudioDevices[0])
	assert.Equal(t, AudioDeviceConfig{DeviceID: "mic", Volume: 80}, cfg.AudioDevices[1])
}

func TestParseAudioDevicesDefaultsVolume(t *testing.T) {
	devices := parseAudioDevices("speakers")
	require.Len(t, devices, 1)
	assert.Equal(t, AudioDeviceConfig{DeviceID: "speakers", Volume: 100}, devices[0])
}

func TestParseQualityPreset(t *testing.T) {
	assert.Equal(t, QualityUltra, ParseQualityPreset("Ultra"))
	assert.Equal(t, QualityMedium, ParseQualityPreset("bogus"))
}

func TestParseAspectRatio(t *testing.T) {
	assert.Equal(t, Aspect21x9, ParseAspectRatio("21:9"))
	assert.Equal(t, AspectNative, ParseAspectRatio("whatever"))
}

func TestFrameInterval(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.FPS = 30
	assert.Equal(t, TicksPerSecond/30, cfg.FrameInterval())
	assert.Equal(t, int64(60)*TicksPerSecond, cfg.WindowTicks())
}

func TestResolveCaptureRegionAspectCrop(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.Aspect = Aspect1x1
	region := resolveCaptureRegion(cfg, Rect{Width: 1920, Height: 1080})

	// A 1:1 crop of 1920x1080 is 1080x1080 centered.
	assert.Equal(t, Rect{X: 420, Y: 0, Width: 1080, Height: 1080}, region)
}

func TestResolveCaptureRegionForcesEvenDimensions(t *testing.T) {
	cfg := DefaultReplayConfig()
	region := resolveCaptureRegion(cfg, Rect{Width: 1919, Height: 1079})
	assert.Equal(t, 1918, region.Width)
	assert.Equal(t, 1078, region.Height)
}

func TestResolveCaptureRegionClipsArea(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.Selector = CaptureArea
	cfg.Area = Rect{X: 1800, Y: 1000, Width: 640, Height: 480}

	region := resolveCaptureRegion(cfg, Rect{Width: 1920, Height: 1080})
	assert.Equal(t, Rect{X: 1800, Y: 1000, Width: 120, Height: 80}, region)
}
