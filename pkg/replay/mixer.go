package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Canonical mix output format: 48kHz stereo s16le.
var MixFormat = AudioFormat{SampleRate: 48000, Channels: 2}

const (
	mixBytesPerSample = 2
	mixCycle          = 10 * time.Millisecond

	// Per-source ring: half a second of canonical-rate audio is plenty to
	// absorb scheduling jitter between capture and mix.
	sourceRingBytes = 48000 * 2 * mixBytesPerSample / 2

	// Combined ring: two seconds of mixed output awaiting the encoder.
	mixedRingBytes = 48000 * 2 * mixBytesPerSample * 2

	// How much is read from a device per capture pass.
	captureReadBytes = 8192
)

// ErrNoAudioSources is recorded when no capture device could be created;
// the pipeline continues video-only.
var ErrNoAudioSources = errors.New("replay: no audio sources available")

// byteRing is a fixed-size byte ring. Writes past capacity drop the oldest
// bytes. Not goroutine safe; callers lock.
type byteRing struct {
	buf   []byte
	start int
	count int
}

func newByteRing(size int) *byteRing {
	return &byteRing{buf: make([]byte, size)}
}

func (r *byteRing) available() int {
	return r.count
}

// write appends p, evicting the oldest bytes when the ring would overflow.
func (r *byteRing) write(p []byte) {
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.start = 0
		r.count = len(r.buf)
		return
	}
	overflow := r.count + len(p) - len(r.buf)
	if overflow > 0 {
		r.start = (r.start + overflow) % len(r.buf)
		r.count -= overflow
	}
	writePos := (r.start + r.count) % len(r.buf)
	n := copy(r.buf[writePos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.count += len(p)
}

// read removes and returns exactly n bytes (wrap aware). n must be
// <= available.
func (r *byteRing) read(n int) []byte {
	out := make([]byte, n)
	first := copy(out, r.buf[r.start:min(r.start+n, len(r.buf))])
	if first < n {
		copy(out[first:], r.buf[:n-first])
	}
	r.start = (r.start + n) % len(r.buf)
	r.count -= n
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// mixerSource is one capture device feeding the mixer.
type mixerSource struct {
	capture AudioDeviceCapture
	format  AudioFormat
	volume  float64 // 0.0 - 1.0

	mu     sync.Mutex
	ring   *byteRing
	active atomic.Bool
}

// AudioMixer captures native-format audio from up to three devices on
// their own goroutines, aligns the sources each mix cycle by the minimum
// bytes available, resamples each to the canonical format with linear
// interpolation, applies per-source volume, sums, and pushes the mixed
// chunk into a combined ring consumed by the pipeline's audio-encode step.
type AudioMixer struct {
	sources []*mixerSource
	logger  Logger

	mixedMu sync.Mutex
	mixed   *byteRing

	heartbeat func()

	cancel context.CancelFunc
	group  *errgroup.Group
	runMu  sync.Mutex
}

// NewAudioMixer creates the mixer and its capture sources. Devices that
// fail to open are skipped with a warning; if none open at all the mixer
// returns ErrNoAudioSources and the caller degrades to video-only.
func NewAudioMixer(devices []AudioDeviceConfig, newSource func(AudioDeviceConfig) (AudioDeviceCapture, error), logger Logger) (*AudioMixer, error) {
	if logger == nil {
		logger = NullLogger()
	}

	mixer := &AudioMixer{
		logger: logger.With(String("component", "audio_mixer")),
		mixed:  newByteRing(mixedRingBytes),
	}

	for _, device := range devices {
		if len(mixer.sources) >= MaxAudioSources {
			break
		}
		capture, err := newSource(device)
		if err != nil {
			mixer.logger.Warn("audio device unavailable, skipping",
				String("device", device.DeviceID), Error(err))
			continue
		}
		mixer.sources = append(mixer.sources, &mixerSource{
			capture: capture,
			format:  capture.Format(),
			volume:  float64(device.Volume) / 100.0,
			ring:    newByteRing(sourceRingBytes),
		})
	}

	if len(mixer.sources) == 0 {
		return nil, ErrNoAudioSources
	}
	return mixer, nil
}

// SetHeartbeat installs a liveness callback invoked once per mix cycle.
func (m *AudioMixer) SetHeartbeat(fn func()) {
	m.heartbeat = fn
}

// SourceCount returns how many capture devices opened successfully.
func (m *AudioMixer) SourceCount() int {
	return len(m.sources)
}

// Start launches one capture goroutine per source plus the mix goroutine.
func (m *AudioMixer) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("replay: mixer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.group = group

	for _, source := range m.sources {
		if err := source.capture.Start(); err != nil {
			m.logger.Warn("audio source failed to start", Error(err))
			continue
		}
		source.active.Store(true)
		src := source
		group.Go(func() error {
			m.captureLoop(ctx, src)
			return nil
		})
	}

	group.Go(func() error {
		m.mixLoop(ctx)
		return nil
	})
	return nil
}

// Stop cancels all goroutines and stops the devices.
func (m *AudioMixer) Stop() {
	m.runMu.Lock()
	cancel, group := m.cancel, m.group
	m.cancel, m.group = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		group.Wait()
	}
	for _, source := range m.sources {
		source.active.Store(false)
		source.capture.Stop()
		source.capture.Close()
	}
}

// captureLoop pulls PCM from one device into its per-source ring.
func (m *AudioMixer) captureLoop(ctx context.Context, source *mixerSource) {
	ticker := time.NewTicker(mixCycle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pcm, _, err := source.capture.Read(captureReadBytes)
		if err != nil {
			m.logger.Warn("audio read failed, deactivating source", Error(err))
			source.active.Store(false)
			return
		}
		if len(pcm) == 0 {
			continue
		}
		source.mu.Lock()
		source.ring.write(pcm)
		source.mu.Unlock()
	}
}

// mixLoop produces one mixed chunk per cycle.
func (m *AudioMixer) mixLoop(ctx context.Context) {
	ticker := time.NewTicker(mixCycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.heartbeat != nil {
			m.heartbeat()
		}
		m.mixOnce()
	}
}

// mixOnce reads the minimum available byte count from every active source,
// resamples, scales, sums and clamps into one chunk.
func (m *AudioMixer) mixOnce() {
	var active []*mixerSource
	minAvail := 0
	for _, source := range m.sources {
		if !source.active.Load() {
			continue
		}
		source.mu.Lock()
		avail := source.ring.available()
		source.mu.Unlock()
		// Whole frames only.
		frameBytes := source.format.Channels * mixBytesPerSample
		avail -= avail % frameBytes
		if avail == 0 {
			continue
		}
		if minAvail == 0 || avail < minAvail {
			minAvail = avail
		}
		active = append(active, source)
	}
	if len(active) == 0 || minAvail == 0 {
		return
	}

	chunk := m.mixChunk(active, minAvail)
	if len(chunk) == 0 {
		return
	}
	m.mixedMu.Lock()
	m.mixed.write(chunk)
	m.mixedMu.Unlock()
}

// mixChunk reads minAvail bytes from each active source, time-aligning
// them, and produces one canonical-format chunk.
func (m *AudioMixer) mixChunk(active []*mixerSource, minAvail int) []byte {
	resampled := make([][]int16, 0, len(active))
	volumes := make([]float64, 0, len(active))
	shortest := -1
	for _, source := range active {
		frameBytes := source.format.Channels * mixBytesPerSample
		// Read the same byte count from every source so they stay
		// time-aligned; trim to this source's frame size.
		take := minAvail - minAvail%frameBytes
		if take == 0 {
			continue
		}
		source.mu.Lock()
		raw := source.ring.read(take)
		source.mu.Unlock()

		samples := pcmToInt16(raw)
		out := resampleLinear(samples, source.format, MixFormat)
		resampled = append(resampled, out)
		volumes = append(volumes, source.volume)
		if shortest < 0 || len(out) < shortest {
			shortest = len(out)
		}
	}
	if len(resampled) == 0 || shortest <= 0 {
		return nil
	}

	contributors := len(resampled)
	mixed := make([]int16, shortest)
	for i := 0; i < shortest; i++ {
		var acc float64
		for s := range resampled {
			acc += float64(resampled[s][i]) * volumes[s]
		}
		// Average only when more than one source contributed so a single
		// active source is never attenuated.
		if contributors > 1 {
			acc /= float64(contributors)
		}
		mixed[i] = clampInt16(acc)
	}
	return int16ToPCM(mixed)
}

// ReadMixed removes up to maxBytes of mixed canonical-format PCM.
func (m *AudioMixer) ReadMixed(maxBytes int) []byte {
	frameBytes := MixFormat.Channels * mixBytesPerSample
	m.mixedMu.Lock()
	defer m.mixedMu.Unlock()
	n := min(maxBytes, m.mixed.available())
	n -= n % frameBytes
	if n <= 0 {
		return nil
	}
	return m.mixed.read(n)
}

// MixedAvailable returns how many mixed bytes are pending.
func (m *AudioMixer) MixedAvailable() int {
	m.mixedMu.Lock()
	defer m.mixedMu.Unlock()
	return m.mixed.available()
}

// resampleLinear converts interleaved PCM between formats using linear
// interpolation between adjacent samples. Mono input is duplicated across
// output channels; extra input channels beyond the output count are
// dropped.
func resampleLinear(in []int16, from, to AudioFormat) []int16 {
	if len(in) == 0 {
		return nil
	}
	inFrames := len(in) / from.Channels
	if inFrames == 0 {
		return nil
	}
	if from.SampleRate == to.SampleRate && from.Channels == to.Channels {
		return append([]int16(nil), in[:inFrames*from.Channels]...)
	}

	outFrames := inFrames * to.SampleRate / from.SampleRate
	if outFrames == 0 {
		return nil
	}
	out := make([]int16, outFrames*to.Channels)

	for frame := 0; frame < outFrames; frame++ {
		// Position of this output frame in input frame space.
		pos := float64(frame) * float64(from.SampleRate) / float64(to.SampleRate)
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}

		for ch := 0; ch < to.Channels; ch++ {
			srcCh := ch
			if srcCh >= from.Channels {
				srcCh = from.Channels - 1
			}
			a := float64(in[idx*from.Channels+srcCh])
			b := float64(in[next*from.Channels+srcCh])
			out[frame*to.Channels+ch] = clampInt16(a + (b-a)*frac)
		}
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func pcmToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

func int16ToPCM(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}
