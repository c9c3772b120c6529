package container

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openBytes(t *testing.T, kind Kind, data []byte, opts ...Option) (Demuxer, error) {
	t.Helper()
	return Open(kind, bytes.NewReader(data), int64(len(data)), opts...)
}

func drain(t *testing.T, d Demuxer) []Frame {
	t.Helper()
	var frames []Frame
	for {
		frame, err := d.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestOpenWAVReadsPCMFrames(t *testing.T) {
	t.Parallel()

	data := pcm16(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	d, err := openBytes(t, KindWAV, makeWAV(wavSpec{format: 1, channels: 2, sampleRate: 16000, bits: 16, data: data}),
		WithPCMFrameSize(2))
	require.NoError(t, err)

	track := d.Track()
	require.Equal(t, CodecPCM, track.Codec)
	require.Equal(t, EncodingInt, track.Encoding)
	require.Equal(t, 16000, track.SampleRate)
	require.Equal(t, 2, track.Channels)
	require.Equal(t, 4, track.BytesPerFrame())

	frames := drain(t, d)
	require.Len(t, frames, 3)
	require.Equal(t, data[0:8], frames[0].Data)
	require.Equal(t, data[8:16], frames[1].Data)
	require.Equal(t, data[16:20], frames[2].Data)
	for i, frame := range frames {
		require.EqualValues(t, i, frame.Index)
	}
	require.Equal(t, 4*time.Second/16000, frames[2].Timestamp)
}

func TestOpenWAVSkipsUnknownChunksWithPadding(t *testing.T) {
	t.Parallel()

	raw := makeWAV(wavSpec{
		format: 1, channels: 1, sampleRate: 8000, bits: 16,
		data:  pcm16(100, -100),
		extra: [][2]string{{"LIST", "odd"}, {"junk", "four"}},
	})
	d, err := openBytes(t, KindWAV, raw)
	require.NoError(t, err)

	frames := drain(t, d)
	require.Len(t, frames, 1)
	require.Equal(t, pcm16(100, -100), frames[0].Data)
}

func TestOpenWAVStreamingDataSizeReadsToEOF(t *testing.T) {
	t.Parallel()

	for _, size := range []uint32{0, 0xFFFFFFFF} {
		raw := makeWAV(wavSpec{format: 1, channels: 1, sampleRate: 8000, bits: 16, data: pcm16(1, 2, 3), dataSize: size, overrideSize: true})
		d, err := openBytes(t, KindWAV, raw)
		require.NoError(t, err)

		frames := drain(t, d)
		require.Len(t, frames, 1)
		require.Equal(t, pcm16(1, 2, 3), frames[0].Data)
	}
}

func TestOpenWAVTrimsPartialTrailingFrame(t *testing.T) {
	t.Parallel()

	data := append(pcm16(1, 2), 0x7F)
	d, err := openBytes(t, KindWAV, makeWAV(wavSpec{format: 1, channels: 2, sampleRate: 8000, bits: 16, data: data}))
	require.NoError(t, err)

	frames := drain(t, d)
	require.Len(t, frames, 1)
	require.Equal(t, pcm16(1, 2), frames[0].Data)
}

func TestOpenWAVErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "too short",
			raw:  []byte("RIFF"),
			want: ErrTruncatedHeader,
		},
		{
			name: "not riff",
			raw:  []byte("RIFX\x00\x00\x00\x00WAVEfmt "),
			want: ErrInconsistentFraming,
		},
		{
			name: "unsupported format tag",
			raw:  makeWAV(wavSpec{format: 2, channels: 1, sampleRate: 8000, bits: 4, data: []byte{0}}),
			want: ErrUnsupportedCodec,
		},
		{
			name: "unsupported bit depth",
			raw:  makeWAV(wavSpec{format: 1, channels: 1, sampleRate: 8000, bits: 12, data: []byte{0, 0}}),
			want: ErrUnsupportedCodec,
		},
		{
			name: "zero sample rate",
			raw:  makeWAV(wavSpec{format: 1, channels: 1, sampleRate: 0, bits: 16, data: pcm16(0)}),
			want: ErrInconsistentFraming,
		},
		{
			name: "zero channels",
			raw:  makeWAV(wavSpec{format: 1, channels: 0, sampleRate: 8000, bits: 16, data: pcm16(0)}),
			want: ErrInconsistentFraming,
		},
		{
			name: "data chunk past end of file",
			raw:  makeWAV(wavSpec{format: 1, channels: 1, sampleRate: 8000, bits: 16, data: pcm16(0), dataSize: 1000, overrideSize: true}),
			want: ErrInconsistentFraming,
		},
		{
			name: "missing data chunk",
			raw:  makeWAV(wavSpec{format: 1, channels: 1, sampleRate: 8000, bits: 16})[:36],
			want: ErrTruncatedHeader,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := openBytes(t, KindWAV, tc.raw)
			require.Error(t, err)
			require.ErrorIs(t, err, tc.want)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, KindWAV, parseErr.Container)
		})
	}
}

func TestOpenWAVFloat(t *testing.T) {
	t.Parallel()

	d, err := openBytes(t, KindWAV, makeWAV(wavSpec{format: 3, channels: 1, sampleRate: 44100, bits: 32, data: make([]byte, 16)}))
	require.NoError(t, err)
	require.Equal(t, EncodingFloat, d.Track().Encoding)
	require.Equal(t, 32, d.Track().BitDepth)
}

func TestDetectKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want Kind
		err  bool
	}{
		{path: "a.wav", want: KindWAV},
		{path: "/tmp/A.WAV", want: KindWAV},
		{path: "clip.weba", want: KindMatroska},
		{path: "clip.webm", want: KindMatroska},
		{path: "clip.mka", want: KindMatroska},
		{path: "song.mp3", err: true},
		{path: "noext", err: true},
	}

	for _, tc := range tests {
		got, err := DetectKind(tc.path)
		if tc.err {
			require.ErrorIs(t, err, ErrUnsupportedFormat, tc.path)
			continue
		}
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.want, got, tc.path)
	}
}
