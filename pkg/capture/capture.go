// Package capture provides software implementations of the replay capture
// interfaces: a synthetic frame source, a passthrough color converter, a
// software encoder with injectable failures, and a tone-generating audio
// device. They back the daemon on hosts without capture hardware and give
// the pipeline tests deterministic collaborators.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

// SyntheticSource generates a moving test pattern. It implements
// replay.CaptureSource.
type SyntheticSource struct {
	mu         sync.Mutex
	bounds     replay.Rect
	region     replay.Rect
	frameCount uint64

	accessLost  atomic.Bool
	reinitFails atomic.Int32
	reinitCalls atomic.Int32
	closed      atomic.Bool
}

// NewSyntheticSource creates a source with the given virtual display size.
func NewSyntheticSource(width, height int) *SyntheticSource {
	bounds := replay.Rect{Width: width, Height: height}
	return &SyntheticSource{bounds: bounds, region: bounds}
}

// Bounds returns the virtual display extent.
func (s *SyntheticSource) Bounds() replay.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// SetRegion restricts generation to a sub-region of the display.
func (s *SyntheticSource) SetRegion(region replay.Rect) error {
	if region.Width <= 0 || region.Height <= 0 {
		return fmt.Errorf("capture: invalid region %+v", region)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = region
	return nil
}

// FrameTexture generates the next pattern frame.
func (s *SyntheticSource) FrameTexture() (*replay.Texture, bool) {
	if s.closed.Load() || s.accessLost.Load() {
		return nil, false
	}
	s.mu.Lock()
	region := s.region
	frame := s.frameCount
	s.frameCount++
	s.mu.Unlock()

	// BGRA gradient that shifts each frame, so consecutive frames differ.
	data := make([]byte, region.Width*region.Height*4)
	shift := byte(frame)
	for y := 0; y < region.Height; y++ {
		row := y * region.Width * 4
		for x := 0; x < region.Width; x++ {
			off := row + x*4
			data[off] = byte(x) + shift
			data[off+1] = byte(y)
			data[off+2] = shift
			data[off+3] = 0xff
		}
	}
	return &replay.Texture{
		Handle: frame,
		Width:  region.Width,
		Height: region.Height,
		Data:   data,
	}, true
}

// AccessLost reports the injected access-lost condition.
func (s *SyntheticSource) AccessLost() bool {
	return s.accessLost.Load()
}

// Reinit recovers from access loss once the injected failure budget is
// spent.
func (s *SyntheticSource) Reinit() error {
	s.reinitCalls.Add(1)
	if s.reinitFails.Load() > 0 {
		s.reinitFails.Add(-1)
		return fmt.Errorf("capture: source still unavailable")
	}
	s.accessLost.Store(false)
	return nil
}

// ReinitCalls returns how many reinit attempts were made.
func (s *SyntheticSource) ReinitCalls() int {
	return int(s.reinitCalls.Load())
}

// LoseAccess injects an access-lost condition that clears after failCount
// failed reinit attempts.
func (s *SyntheticSource) LoseAccess(failCount int) {
	s.reinitFails.Store(int32(failCount))
	s.accessLost.Store(true)
}

// Close stops frame generation.
func (s *SyntheticSource) Close() error {
	s.closed.Store(true)
	return nil
}

// PassthroughConverter hands textures through unchanged. It implements
// replay.ColorConverter for sources that already produce encoder input.
type PassthroughConverter struct {
	converted atomic.Int64
}

// NewPassthroughConverter returns a no-op converter.
func NewPassthroughConverter() *PassthroughConverter {
	return &PassthroughConverter{}
}

// Convert returns the source texture unchanged.
func (c *PassthroughConverter) Convert(src *replay.Texture) (*replay.Texture, error) {
	if src == nil {
		return nil, fmt.Errorf("capture: nil texture")
	}
	c.converted.Add(1)
	return src, nil
}

// Converted returns how many textures passed through.
func (c *PassthroughConverter) Converted() int64 {
	return c.converted.Load()
}

// Close releases the converter.
func (c *PassthroughConverter) Close() error {
	return nil
}
