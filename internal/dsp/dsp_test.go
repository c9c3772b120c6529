package dsp

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxscribe/internal/codec"
)

type blockList struct {
	blocks []codec.Block
}

func (b *blockList) Next() (codec.Block, error) {
	if len(b.blocks) == 0 {
		return codec.Block{}, io.EOF
	}
	block := b.blocks[0]
	b.blocks = b.blocks[1:]
	return block, nil
}

// stereoSine splits a 440 Hz stereo sine of n frames into blocks of uneven
// size.
func stereoSine(n, rate int, amplitude float64) *blockList {
	sizes := []int{960, 17, 4096, 1, 2880}
	var blocks []codec.Block
	var start int64
	for i := 0; start < int64(n); i++ {
		size := min(sizes[i%len(sizes)], n-int(start))
		samples := make([]float32, 2*size)
		for j := 0; j < size; j++ {
			v := float32(amplitude * math.Sin(2*math.Pi*440*float64(start+int64(j))/float64(rate)))
			samples[2*j] = v
			samples[2*j+1] = v
		}
		blocks = append(blocks, codec.Block{Samples: samples, Channels: 2, SampleRate: rate, Start: start})
		start += int64(size)
	}
	return &blockList{blocks: blocks}
}

type chunkSource struct {
	chunks [][]float32
}

func (c *chunkSource) Next() ([]float32, error) {
	if len(c.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func readAll(t *testing.T, next func() ([]float32, error)) []float32 {
	t.Helper()
	var out []float32
	for {
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func collectWindows(t *testing.T, f *Framer) []Window {
	t.Helper()
	var windows []Window
	for {
		w, err := f.Next()
		if errors.Is(err, io.EOF) {
			return windows
		}
		require.NoError(t, err)
		windows = append(windows, w)
	}
}

func TestMonoStreamSineToWindowsPreservesSampleAccounting(t *testing.T) {
	t.Parallel()

	const frames = 48000*3/2 + 7
	want := int64(math.Ceil(float64(frames) / 3))

	for _, quality := range []Quality{QualityHigh, QualityLinear} {
		stream, err := NewMonoStream(stereoSine(frames, 48000, 0.5), 48000, 16000, quality)
		require.NoError(t, err, quality)

		framer, err := NewFramer(stream, 4000, 800)
		require.NoError(t, err)
		windows := collectWindows(t, framer)

		require.EqualValues(t, want, stream.Produced(), quality)

		var covered int64
		for i, w := range windows {
			require.Equal(t, i, w.Index)
			require.Len(t, w.Samples, 4000)
			require.Equal(t, covered-int64(w.Overlap), w.Start, "window %d", i)
			covered = w.Start + int64(w.Valid)
		}
		require.Equal(t, want, covered, quality)
	}
}

func TestMonoStreamHighQualityKeepsSignalLevel(t *testing.T) {
	t.Parallel()

	stream, err := NewMonoStream(stereoSine(48000, 48000, 0.5), 48000, 16000, QualityHigh)
	require.NoError(t, err)
	out := readAll(t, stream.Next)
	require.Len(t, out, 16000)

	// 0.5 amplitude sine has an RMS of about -9 dBFS
	level := Measure(out[4000:12000])
	require.InDelta(t, 20*math.Log10(0.5/math.Sqrt2), level.RMSdBFS, 1.5)
}

// burst is a Hann-windowed 1 kHz tone of width samples centred at centre.
func burst(n, centre, width, rate int) *blockList {
	samples := make([]float32, n)
	for i := centre - width/2; i < centre+width/2; i++ {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i-centre+width/2)/float64(width))
		samples[i] = float32(0.5 * w * math.Sin(2*math.Pi*1000*float64(i)/float64(rate)))
	}
	return &blockList{blocks: []codec.Block{{Samples: samples, Channels: 1, SampleRate: rate}}}
}

func energyCentre(samples []float32) float64 {
	var weighted, total float64
	for i, s := range samples {
		e := float64(s) * float64(s)
		weighted += float64(i) * e
		total += e
	}
	return weighted / total
}

func TestMonoStreamTiming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		quality Quality
		want    float64
		delta   float64
	}{
		{quality: QualityLinear, want: 8080, delta: 1},
		// the sinc filter's group delay is not compensated
		{quality: QualityHigh, want: 8080 - 125, delta: 15},
	}

	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			t.Parallel()

			stream, err := NewMonoStream(burst(48000, 24240, 2400, 48000), 48000, 16000, tt.quality)
			require.NoError(t, err)
			out := readAll(t, stream.Next)
			require.Len(t, out, 16000)
			require.InDelta(t, tt.want, energyCentre(out), tt.delta)
		})
	}
}

func TestMonoStreamLinearInterpolation(t *testing.T) {
	t.Parallel()

	src := &blockList{blocks: []codec.Block{
		{Samples: []float32{0, 2}, Channels: 1, SampleRate: 8000},
		{Samples: []float32{4, 6}, Channels: 1, SampleRate: 8000, Start: 2},
	}}
	stream, err := NewMonoStream(src, 8000, 16000, QualityLinear)
	require.NoError(t, err)

	out := readAll(t, stream.Next)
	require.InDeltaSlice(t, []float32{0, 1, 2, 3, 4, 5, 6, 6}, out, 1e-6)
}

func TestMonoStreamDownmixAveragesChannels(t *testing.T) {
	t.Parallel()

	src := &blockList{blocks: []codec.Block{
		{Samples: []float32{1, 0, 0.5, -0.5, -1, -1}, Channels: 2, SampleRate: 16000},
	}}
	stream, err := NewMonoStream(src, 16000, 16000, QualityHigh)
	require.NoError(t, err)

	require.Equal(t, []float32{0.5, 0, -1}, readAll(t, stream.Next))
}

func TestMonoStreamOutputLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source, target, frames int
	}{
		{source: 44100, target: 16000, frames: 44101},
		{source: 8000, target: 16000, frames: 333},
		{source: 22050, target: 16000, frames: 1},
		{source: 48000, target: 16000, frames: 0},
	}

	for _, tc := range tests {
		for _, quality := range []Quality{QualityHigh, QualityLinear} {
			samples := make([]float32, tc.frames)
			src := &blockList{blocks: []codec.Block{{Samples: samples, Channels: 1, SampleRate: tc.source}}}
			stream, err := NewMonoStream(src, tc.source, tc.target, quality)
			require.NoError(t, err)

			out := readAll(t, stream.Next)
			want := (tc.frames*tc.target + tc.source - 1) / tc.source
			require.Len(t, out, want, "%d->%d %s", tc.source, tc.target, quality)
		}
	}
}

func TestFramerWindows(t *testing.T) {
	t.Parallel()

	type win struct {
		start   int64
		valid   int
		overlap int
	}

	tests := []struct {
		name    string
		n       int
		length  int
		overlap int
		want    []win
	}{
		{name: "empty", n: 0, length: 4, overlap: 1},
		{name: "shorter than window", n: 3, length: 4, overlap: 1, want: []win{{0, 3, 0}}},
		{name: "exact window", n: 4, length: 4, overlap: 1, want: []win{{0, 4, 0}}},
		{name: "one new sample", n: 5, length: 4, overlap: 1, want: []win{{0, 4, 0}, {3, 2, 1}}},
		{name: "exact hops", n: 10, length: 4, overlap: 1, want: []win{{0, 4, 0}, {3, 4, 1}, {6, 4, 1}}},
		{name: "no overlap", n: 9, length: 4, overlap: 0, want: []win{{0, 4, 0}, {4, 4, 0}, {8, 1, 0}}},
	}

	for _, tc := range tests {
		src := &chunkSource{}
		all := ramp(tc.n)
		for i := 0; i < len(all); i += 3 {
			src.chunks = append(src.chunks, all[i:min(i+3, len(all))])
		}

		framer, err := NewFramer(src, tc.length, tc.overlap)
		require.NoError(t, err)
		windows := collectWindows(t, framer)

		require.Len(t, windows, len(tc.want), tc.name)
		for i, w := range windows {
			require.Equal(t, tc.want[i].start, w.Start, "%s window %d", tc.name, i)
			require.Equal(t, tc.want[i].valid, w.Valid, "%s window %d", tc.name, i)
			require.Equal(t, tc.want[i].overlap, w.Overlap, "%s window %d", tc.name, i)
			require.Equal(t, all[w.Start:w.Start+int64(w.Valid)], w.Samples[:w.Valid])
			for _, pad := range w.Samples[w.Valid:] {
				require.Zero(t, pad)
			}
		}
	}
}

func TestNewFramerRejectsInvalidGeometry(t *testing.T) {
	t.Parallel()

	_, err := NewFramer(&chunkSource{}, 0, 0)
	require.Error(t, err)
	_, err = NewFramer(&chunkSource{}, 4, 4)
	require.Error(t, err)
	_, err = NewFramer(&chunkSource{}, 4, -1)
	require.Error(t, err)
}

func TestMeasureAndIsSilent(t *testing.T) {
	t.Parallel()

	silent := Measure(make([]float32, 1600))
	require.True(t, math.IsInf(silent.RMSdBFS, -1))
	require.True(t, IsSilent(silent, -65))
	require.True(t, IsSilent(Measure(nil), -65))

	tone := make([]float32, 1600)
	for i := range tone {
		tone[i] = float32(0.25 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	level := Measure(tone)
	require.False(t, IsSilent(level, -65))
	require.Greater(t, level.PeakdBFS, -20.0)

	hiss := make([]float32, 1600)
	for i := range hiss {
		hiss[i] = 0.0001
	}
	require.True(t, IsSilent(Measure(hiss), -65))
}

func TestParseQuality(t *testing.T) {
	t.Parallel()

	q, err := ParseQuality(" High ")
	require.NoError(t, err)
	require.Equal(t, QualityHigh, q)

	_, err = ParseQuality("cubic")
	require.Error(t, err)
}
