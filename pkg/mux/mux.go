// Package mux writes replay clips into a simple length-prefixed container.
//
// A clip file starts with the magic "KRPL", a format version, and a flags
// word, followed by the video codec configuration blob, the optional audio
// codec configuration blob, and the two packet streams. Every blob and
// packet is length-prefixed, all integers are little-endian. Files are
// written to a temporary sibling and renamed into place so a crash mid-save
// never leaves a truncated clip at the destination path.
package mux

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

const (
	// Magic identifies a replay clip file.
	Magic = "KRPL"

	// FormatVersion is bumped on any incompatible layout change.
	FormatVersion uint16 = 1

	flagHasAudio uint16 = 1 << 0

	packetFlagKeyframe uint8 = 1 << 0

	// maxPacketSize rejects corrupt length prefixes while reading.
	maxPacketSize = 64 << 20
)

var (
	// ErrNoFrames is returned when a write is attempted with no video.
	ErrNoFrames = errors.New("mux: no video frames to write")

	// ErrFirstFrameNotKeyframe is returned when the stream does not open
	// with a decodable frame.
	ErrFirstFrameNotKeyframe = errors.New("mux: first video frame is not a keyframe")

	// ErrNonAscendingPTS is returned when packet timestamps go backwards.
	ErrNonAscendingPTS = errors.New("mux: packet timestamps are not ascending")

	// ErrBadMagic is returned when a file does not start with the clip magic.
	ErrBadMagic = errors.New("mux: not a replay clip file")
)

// FileMuxer writes clips to the local filesystem. It implements
// replay.ContainerMuxer.
type FileMuxer struct{}

// NewFileMuxer returns a muxer writing the clip container format.
func NewFileMuxer() *FileMuxer {
	return &FileMuxer{}
}

// WriteFile writes a video-only clip to path.
func (m *FileMuxer) WriteFile(path string, video []*replay.EncodedFrame, videoConfig []byte) error {
	return m.write(path, video, videoConfig, nil, nil)
}

// WriteFileWithAudio writes a clip with interleavable audio to path.
func (m *FileMuxer) WriteFileWithAudio(path string, video []*replay.EncodedFrame, videoConfig []byte, audio []*replay.EncodedAudioSample, audioConfig []byte) error {
	return m.write(path, video, videoConfig, audio, audioConfig)
}

func (m *FileMuxer) write(path string, video []*replay.EncodedFrame, videoConfig []byte, audio []*replay.EncodedAudioSample, audioConfig []byte) error {
	if err := validateVideo(video); err != nil {
		return err
	}
	if err := validateAudio(audio); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "mux: failed to create clip directory")
		}
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "mux: failed to create temporary clip file")
	}

	if err := writeClip(file, video, videoConfig, audio, audioConfig); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "mux: failed to sync clip file")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "mux: failed to close clip file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "mux: failed to move clip into place")
	}
	return nil
}

func validateVideo(video []*replay.EncodedFrame) error {
	if len(video) == 0 {
		return ErrNoFrames
	}
	if !video[0].Keyframe {
		return ErrFirstFrameNotKeyframe
	}
	prev := int64(-1)
	for _, frame := range video {
		if frame.PTS < prev {
			return ErrNonAscendingPTS
		}
		prev = frame.PTS
	}
	return nil
}

func validateAudio(audio []*replay.EncodedAudioSample) error {
	prev := int64(-1)
	for _, sample := range audio {
		if sample.PTS < prev {
			return ErrNonAscendingPTS
		}
		prev = sample.PTS
	}
	return nil
}

func writeClip(file *os.File, video []*replay.EncodedFrame, videoConfig []byte, audio []*replay.EncodedAudioSample, audioConfig []byte) error {
	w := bufio.NewWriter(file)

	var flags uint16
	if len(audio) > 0 {
		flags |= flagHasAudio
	}

	if _, err := w.WriteString(Magic); err != nil {
		return errors.Wrap(err, "mux: write magic")
	}
	if err := writeU16(w, FormatVersion); err != nil {
		return err
	}
	if err := writeU16(w, flags); err != nil {
		return err
	}
	if err := writeBlob(w, videoConfig); err != nil {
		return err
	}
	if err := writeBlob(w, audioConfig); err != nil {
		return err
	}

	if err := writeU32(w, uint32(len(video))); err != nil {
		return err
	}
	for _, frame := range video {
		var pktFlags uint8
		if frame.Keyframe {
			pktFlags |= packetFlagKeyframe
		}
		if err := writePacket(w, frame.Data, frame.PTS, frame.Duration, pktFlags); err != nil {
			return err
		}
	}

	if err := writeU32(w, uint32(len(audio))); err != nil {
		return err
	}
	for _, sample := range audio {
		if err := writePacket(w, sample.Data, sample.PTS, sample.Duration, 0); err != nil {
			return err
		}
	}

	return errors.Wrap(w.Flush(), "mux: flush clip file")
}

// Packet layout: u32 data length, i64 pts, i64 duration, u8 flags, data.
func writePacket(w *bufio.Writer, data []byte, pts, duration int64, flags uint8) error {
	if err := writeU32(w, uint32(len(data))); err != nil {
		return err
	}
	if err := writeI64(w, pts); err != nil {
		return err
	}
	if err := writeI64(w, duration); err != nil {
		return err
	}
	if err := w.WriteByte(flags); err != nil {
		return errors.Wrap(err, "mux: write packet flags")
	}
	_, err := w.Write(data)
	return errors.Wrap(err, "mux: write packet data")
}

func writeBlob(w *bufio.Writer, blob []byte) error {
	if err := writeU32(w, uint32(len(blob))); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return errors.Wrap(err, "mux: write blob")
}

func writeU16(w *bufio.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "mux: write u16")
}

func writeU32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "mux: write u32")
}

func writeI64(w *bufio.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "mux: write i64")
}
