package replay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Clamping bounds for user-supplied settings.
const (
	MinWindowSeconds = 1
	MaxWindowSeconds = 1200
	MinFPS           = 10
	MaxFPS           = 240
	MaxAudioSources  = 3

	// Frame buffer capacity bounds, applied to duration*fps*1.5.
	MinFrameCapacity = 100
	MaxFrameCapacity = 100000
)

// QualityPreset selects the hardware encoder quality/bitrate trade-off.
type QualityPreset int

const (
	QualityLow QualityPreset = iota
	QualityMedium
	QualityHigh
	QualityUltra
)

func (q QualityPreset) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

// ParseQualityPreset converts a string to a QualityPreset, defaulting to
// medium.
func ParseQualityPreset(s string) QualityPreset {
	switch strings.ToLower(s) {
	case "low":
		return QualityLow
	case "medium":
		return QualityMedium
	case "high":
		return QualityHigh
	case "ultra":
		return QualityUltra
	default:
		return QualityMedium
	}
}

// CaptureSelector names what kind of source is captured.
type CaptureSelector int

const (
	CaptureMonitor CaptureSelector = iota
	CaptureWindow
	CaptureArea
)

func (c CaptureSelector) String() string {
	switch c {
	case CaptureMonitor:
		return "monitor"
	case CaptureWindow:
		return "window"
	case CaptureArea:
		return "area"
	default:
		return "unknown"
	}
}

// AspectRatio is one of the discrete crop presets applied to the capture
// region, centered on the source bounds. AspectNative leaves the bounds
// untouched.
type AspectRatio int

const (
	AspectNative AspectRatio = iota
	Aspect16x9
	Aspect16x10
	Aspect21x9
	Aspect4x3
	Aspect3x2
	Aspect5x4
	Aspect1x1
	Aspect9x16
)

// aspectFractions maps each preset to width/height numerator and
// denominator. AspectNative is absent on purpose.
var aspectFractions = map[AspectRatio][2]int{
	Aspect16x9:  {16, 9},
	Aspect16x10: {16, 10},
	Aspect21x9:  {21, 9},
	Aspect4x3:   {4, 3},
	Aspect3x2:   {3, 2},
	Aspect5x4:   {5, 4},
	Aspect1x1:   {1, 1},
	Aspect9x16:  {9, 16},
}

func (a AspectRatio) String() string {
	switch a {
	case AspectNative:
		return "native"
	case Aspect16x9:
		return "16:9"
	case Aspect16x10:
		return "16:10"
	case Aspect21x9:
		return "21:9"
	case Aspect4x3:
		return "4:3"
	case Aspect3x2:
		return "3:2"
	case Aspect5x4:
		return "5:4"
	case Aspect1x1:
		return "1:1"
	case Aspect9x16:
		return "9:16"
	default:
		return "unknown"
	}
}

// ParseAspectRatio converts a string such as "16:9" or "native" to an
// AspectRatio, defaulting to native.
func ParseAspectRatio(s string) AspectRatio {
	switch strings.TrimSpace(s) {
	case "16:9":
		return Aspect16x9
	case "16:10":
		return Aspect16x10
	case "21:9":
		return Aspect21x9
	case "4:3":
		return Aspect4x3
	case "3:2":
		return Aspect3x2
	case "5:4":
		return Aspect5x4
	case "1:1":
		return Aspect1x1
	case "9:16":
		return Aspect9x16
	default:
		return AspectNative
	}
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ReplayConfig contains the full configuration for one replay session.
type ReplayConfig struct {
	Enabled bool `json:"enabled"`

	// Rolling window length in seconds, 1-1200.
	WindowSeconds int `json:"window_seconds"`

	// Capture source selection.
	Selector     CaptureSelector `json:"selector"`
	MonitorIndex int             `json:"monitor_index"`
	Area         Rect            `json:"area"` // used when Selector == CaptureArea
	Aspect       AspectRatio     `json:"aspect"`

	// Target frame rate, clamped to [MinFPS, MaxFPS].
	FPS int `json:"fps"`

	Quality QualityPreset `json:"quality"`

	// Audio capture. Up to MaxAudioSources devices with per-source volume.
	AudioEnabled bool                `json:"audio_enabled"`
	AudioDevices []AudioDeviceConfig `json:"audio_devices"`
	AudioBitrate int                 `json:"audio_bitrate"`

	// MinFramesForSave is the number of successfully submitted frames
	// required before save requests are accepted.
	MinFramesForSave int64 `json:"min_frames_for_save"`

	// MaxAudioSamples caps the audio sample buffer's growth.
	MaxAudioSamples int `json:"max_audio_samples"`

	// StopTimeout bounds how long Stop waits for the buffer loop to join.
	StopTimeout time.Duration `json:"stop_timeout"`

	Logging LoggingConfig `json:"logging"`
}

// DefaultReplayConfig returns a configuration with sensible defaults:
// a 60 second window at 30 fps, medium quality, audio off.
func DefaultReplayConfig() *ReplayConfig {
	return &ReplayConfig{
		Enabled:          true,
		WindowSeconds:    60,
		Selector:         CaptureMonitor,
		MonitorIndex:     0,
		Aspect:           AspectNative,
		FPS:              30,
		Quality:          QualityMedium,
		AudioEnabled:     false,
		AudioBitrate:     160000,
		MinFramesForSave: 30,
		MaxAudioSamples:  16384,
		StopTimeout:      5 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadFromEnvironment overrides configuration values from REPLAY_*
// environment variables.
func (c *ReplayConfig) LoadFromEnvironment() {
	if val := os.Getenv("REPLAY_ENABLED"); val != "" {
		c.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("REPLAY_WINDOW_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			c.WindowSeconds = seconds
		}
	}
	if val := os.Getenv("REPLAY_MONITOR_INDEX"); val != "" {
		if index, err := strconv.Atoi(val); err == nil {
			c.MonitorIndex = index
		}
	}
	if val := os.Getenv("REPLAY_ASPECT"); val != "" {
		c.Aspect = ParseAspectRatio(val)
	}
	if val := os.Getenv("REPLAY_FPS"); val != "" {
		if fps, err := strconv.Atoi(val); err == nil {
			c.FPS = fps
		}
	}
	if val := os.Getenv("REPLAY_QUALITY"); val != "" {
		c.Quality = ParseQualityPreset(val)
	}
	if val := os.Getenv("REPLAY_AUDIO_ENABLED"); val != "" {
		c.AudioEnabled = val == "true" || val == "1"
	}
	if val := os.Getenv("REPLAY_AUDIO_DEVICES"); val != "" {
		c.AudioDevices = parseAudioDevices(val)
	}
	if val := os.Getenv("REPLAY_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("REPLAY_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
}

// parseAudioDevices parses "id:volume,id:volume" pairs. A missing volume
// defaults to 100.
func parseAudioDevices(val string) []AudioDeviceConfig {
	var devices []AudioDeviceConfig
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id := part
		volume := 100
		if idx := strings.LastIndex(part, ":"); idx > 0 {
			if v, err := strconv.Atoi(part[idx+1:]); err == nil {
				id = part[:idx]
				volume = v
			}
		}
		devices = append(devices, AudioDeviceConfig{DeviceID: id, Volume: volume})
	}
	return devices
}

// Normalize clamps out-of-range values to their supported bounds instead of
// rejecting them, matching how the capture settings surface behaves.
func (c *ReplayConfig) Normalize() {
	if c.WindowSeconds < MinWindowSeconds {
		c.WindowSeconds = MinWindowSeconds
	}
	if c.WindowSeconds > MaxWindowSeconds {
		c.WindowSeconds = MaxWindowSeconds
	}
	if c.FPS < MinFPS {
		c.FPS = MinFPS
	}
	if c.FPS > MaxFPS {
		c.FPS = MaxFPS
	}
	if len(c.AudioDevices) > MaxAudioSources {
		c.AudioDevices = c.AudioDevices[:MaxAudioSources]
	}
	for i := range c.AudioDevices {
		if c.AudioDevices[i].Volume < 0 {
			c.AudioDevices[i].Volume = 0
		}
		if c.AudioDevices[i].Volume > 100 {
			c.AudioDevices[i].Volume = 100
		}
	}
	if c.MinFramesForSave <= 0 {
		c.MinFramesForSave = 1
	}
	if c.MaxAudioSamples <= 0 {
		c.MaxAudioSamples = DefaultReplayConfig().MaxAudioSamples
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultReplayConfig().StopTimeout
	}
}

// Validate validates the configuration and returns any errors. Values that
// can be clamped are not errors; Normalize handles those.
func (c *ReplayConfig) Validate() error {
	var errs []string

	if c.Selector == CaptureArea && (c.Area.Width <= 0 || c.Area.Height <= 0) {
		errs = append(errs, "area capture requires a non-empty region")
	}
	if c.MonitorIndex < 0 {
		errs = append(errs, "monitor_index must be >= 0")
	}
	if c.AudioEnabled && len(c.AudioDevices) == 0 {
		errs = append(errs, "audio_enabled requires at least one audio device")
	}
	if c.AudioBitrate < 0 {
		errs = append(errs, "audio_bitrate must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, "logging level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, "logging format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("replay configuration validation failed: %v", errs)
	}
	return nil
}

// FrameInterval returns the ideal frame interval in 100ns ticks.
func (c *ReplayConfig) FrameInterval() int64 {
	return TicksPerSecond / int64(c.FPS)
}

// WindowTicks returns the rolling window length in 100ns ticks.
func (c *ReplayConfig) WindowTicks() int64 {
	return int64(c.WindowSeconds) * TicksPerSecond
}
