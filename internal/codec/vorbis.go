package codec

import (
	"fmt"

	"github.com/jfreymuth/vorbis"

	"github.com/fmueller/voxscribe/internal/container"
)

type vorbisDecoder struct {
	dec      vorbis.Decoder
	channels int
}

// newVorbisDecoder primes a decoder with the identification, comment and
// setup headers stored Xiph-laced in the track's codec private data.
func newVorbisDecoder(track container.TrackDescriptor) (Decoder, Format, error) {
	if len(track.CodecPrivate) == 0 {
		return nil, Format{}, fmt.Errorf("%w: vorbis track has no codec private data", ErrUnsupported)
	}
	headers, err := container.UnlaceXiph(track.CodecPrivate)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: vorbis headers: %v", ErrUnsupported, err)
	}
	if len(headers) != 3 {
		return nil, Format{}, fmt.Errorf("%w: expected 3 vorbis headers, got %d", ErrUnsupported, len(headers))
	}

	d := &vorbisDecoder{}
	for i, header := range headers {
		if err := d.dec.ReadHeader(header); err != nil {
			return nil, Format{}, fmt.Errorf("%w: vorbis header %d: %v", ErrUnsupported, i, err)
		}
	}
	if !d.dec.HeadersRead() {
		return nil, Format{}, fmt.Errorf("%w: incomplete vorbis headers", ErrUnsupported)
	}

	d.channels = d.dec.Channels()
	return d, Format{SampleRate: d.dec.SampleRate(), Channels: d.channels}, nil
}

func (d *vorbisDecoder) Decode(data []byte) (out []float32, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty vorbis packet", ErrCorruptFrame)
	}
	// The decoder indexes its mode and codebook tables with values read from
	// the packet, so garbage input can panic.
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: vorbis packet: %v", ErrDecoderDesync, r)
		}
	}()
	out, err = d.dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	return out, nil
}

// NominalSamples is unknown for Vorbis without the mode tables, so the
// adapter falls back to the previous frame's length.
func (d *vorbisDecoder) NominalSamples([]byte) int {
	return 0
}

func (d *vorbisDecoder) Reset() {
	d.dec.Clear()
}

func (d *vorbisDecoder) Close() error {
	return nil
}
