package mux

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

// Clip is the parsed contents of a replay clip file.
type Clip struct {
	Version     uint16
	VideoConfig []byte
	AudioConfig []byte
	Video       []*replay.EncodedFrame
	Audio       []*replay.EncodedAudioSample
}

// HasAudio reports whether the clip carries an audio stream.
func (c *Clip) HasAudio() bool {
	return len(c.Audio) > 0
}

// ReadFile parses a clip written by FileMuxer.
func ReadFile(path string) (*Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "mux: failed to open clip file")
	}
	defer file.Close()
	return Read(file)
}

// Read parses a clip from r.
func Read(r io.Reader) (*Clip, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Wrap(err, "mux: read magic")
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}

	version, err := readU16(br)
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, errors.Errorf("mux: unsupported clip format version %d", version)
	}
	if _, err := readU16(br); err != nil { // flags, informational
		return nil, err
	}

	clip := &Clip{Version: version}
	if clip.VideoConfig, err = readBlob(br); err != nil {
		return nil, err
	}
	if clip.AudioConfig, err = readBlob(br); err != nil {
		return nil, err
	}

	videoCount, err := readU32(br)
	if err != nil {
		return nil, err
	}
	clip.Video = make([]*replay.EncodedFrame, 0, videoCount)
	for i := uint32(0); i < videoCount; i++ {
		data, pts, duration, flags, err := readPacket(br)
		if err != nil {
			return nil, err
		}
		clip.Video = append(clip.Video, &replay.EncodedFrame{
			Data:     data,
			PTS:      pts,
			Duration: duration,
			Keyframe: flags&packetFlagKeyframe != 0,
		})
	}

	audioCount, err := readU32(br)
	if err != nil {
		return nil, err
	}
	clip.Audio = make([]*replay.EncodedAudioSample, 0, audioCount)
	for i := uint32(0); i < audioCount; i++ {
		data, pts, duration, _, err := readPacket(br)
		if err != nil {
			return nil, err
		}
		clip.Audio = append(clip.Audio, &replay.EncodedAudioSample{
			Data:     data,
			PTS:      pts,
			Duration: duration,
		})
	}

	return clip, nil
}

func readPacket(r *bufio.Reader) (data []byte, pts, duration int64, flags uint8, err error) {
	size, err := readU32(r)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	if size > maxPacketSize {
		return nil, 0, 0, 0, errors.Errorf("mux: packet size %d exceeds limit", size)
	}
	if pts, err = readI64(r); err != nil {
		return nil, 0, 0, 0, err
	}
	if duration, err = readI64(r); err != nil {
		return nil, 0, 0, 0, err
	}
	if flags, err = r.ReadByte(); err != nil {
		return nil, 0, 0, 0, errors.Wrap(err, "mux: read packet flags")
	}
	data = make([]byte, size)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, 0, 0, 0, errors.Wrap(err, "mux: read packet data")
	}
	return data, pts, duration, flags, nil
}

func readBlob(r *bufio.Reader) ([]byte, error) {
	size, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if size > maxPacketSize {
		return nil, errors.Errorf("mux: blob size %d exceeds limit", size)
	}
	if size == 0 {
		return nil, nil
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, errors.Wrap(err, "mux: read blob")
	}
	return blob, nil
}

func readU16(r *bufio.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "mux: read u16")
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readU32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "mux: read u32")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readI64(r *bufio.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "mux: read i64")
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}
