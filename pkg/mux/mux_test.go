package mux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

func frame(pts int64, keyframe bool, payload byte) *replay.EncodedFrame {
	return &replay.EncodedFrame{
		Data:     []byte{payload, payload, payload},
		PTS:      pts,
		Duration: 333333,
		Keyframe: keyframe,
	}
}

func sample(pts int64, payload byte) *replay.EncodedAudioSample {
	return &replay.EncodedAudioSample{
		Data:     []byte{payload, payload},
		PTS:      pts,
		Duration: 200000,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	muxer := NewFileMuxer()

	video := []*replay.EncodedFrame{
		frame(0, true, 1),
		frame(333333, false, 2),
		frame(666666, false, 3),
	}
	videoConfig := []byte{0xDE, 0xAD}

	require.NoError(t, muxer.WriteFile(path, video, videoConfig))

	clip, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, clip.Version)
	assert.Equal(t, videoConfig, clip.VideoConfig)
	assert.Nil(t, clip.AudioConfig)
	assert.False(t, clip.HasAudio())
	require.Len(t, clip.Video, 3)

	for i, original := range video {
		assert.Equal(t, original.Data, clip.Video[i].Data)
		assert.Equal(t, original.PTS, clip.Video[i].PTS)
		assert.Equal(t, original.Duration, clip.Video[i].Duration)
		assert.Equal(t, original.Keyframe, clip.Video[i].Keyframe)
	}
}

func TestWriteReadWithAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	muxer := NewFileMuxer()

	video := []*replay.EncodedFrame{frame(0, true, 1)}
	audio := []*replay.EncodedAudioSample{sample(0, 9), sample(200000, 8)}

	require.NoError(t, muxer.WriteFileWithAudio(path, video, []byte{1}, audio, []byte{2}))

	clip, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, clip.HasAudio())
	require.Len(t, clip.Audio, 2)
	assert.Equal(t, audio[0].Data, clip.Audio[0].Data)
	assert.Equal(t, audio[1].PTS, clip.Audio[1].PTS)
	assert.Equal(t, []byte{2}, clip.AudioConfig)
}

func TestWriteRejectsEmptyVideo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	err := NewFileMuxer().WriteFile(path, nil, nil)
	assert.ErrorIs(t, err, ErrNoFrames)
	assert.NoFileExists(t, path)
}

func TestWriteRejectsDeltaFirstFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	video := []*replay.EncodedFrame{frame(0, false, 1)}
	err := NewFileMuxer().WriteFile(path, video, nil)
	assert.ErrorIs(t, err, ErrFirstFrameNotKeyframe)
}

func TestWriteRejectsDescendingTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	video := []*replay.EncodedFrame{frame(100, true, 1), frame(50, false, 2)}
	err := NewFileMuxer().WriteFile(path, video, nil)
	assert.ErrorIs(t, err, ErrNonAscendingPTS)

	audio := []*replay.EncodedAudioSample{sample(100, 1), sample(50, 2)}
	err = NewFileMuxer().WriteFileWithAudio(path, []*replay.EncodedFrame{frame(0, true, 1)}, nil, audio, nil)
	assert.ErrorIs(t, err, ErrNonAscendingPTS)
}

func TestWriteCreatesDirectoryAndLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "clip.krpl")

	video := []*replay.EncodedFrame{frame(0, true, 1)}
	require.NoError(t, NewFileMuxer().WriteFile(path, video, nil))

	assert.FileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.krpl")
	require.NoError(t, os.WriteFile(path, []byte("NOPEnope"), 0o644))

	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.krpl")
	video := []*replay.EncodedFrame{frame(0, true, 1)}
	require.NoError(t, NewFileMuxer().WriteFile(path, video, nil))

	full, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, full[:len(full)-2], 0o644))

	_, err = ReadFile(path)
	assert.Error(t, err)
}
