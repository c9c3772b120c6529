package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fmueller/voxscribe/internal/container"
)

type pcmDecoder struct {
	encoding   container.SampleEncoding
	bits       int
	frameBytes int
}

func newPCMDecoder(track container.TrackDescriptor) (Decoder, Format, error) {
	if _, err := sampleConverter(track.Encoding, track.BitDepth); err != nil {
		return nil, Format{}, err
	}
	if track.Channels <= 0 {
		return nil, Format{}, fmt.Errorf("%w: pcm with %d channels", ErrUnsupported, track.Channels)
	}
	d := &pcmDecoder{
		encoding:   track.Encoding,
		bits:       track.BitDepth,
		frameBytes: track.BytesPerFrame(),
	}
	return d, Format{SampleRate: track.SampleRate, Channels: track.Channels}, nil
}

func (d *pcmDecoder) Decode(data []byte) ([]float32, error) {
	if len(data)%d.frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte sample frames", ErrCorruptFrame, len(data), d.frameBytes)
	}
	convert, _ := sampleConverter(d.encoding, d.bits)
	width := d.bits / 8
	out := make([]float32, len(data)/width)
	for i := range out {
		out[i] = convert(data[i*width:])
	}
	return out, nil
}

func (d *pcmDecoder) NominalSamples(data []byte) int {
	return len(data) / d.frameBytes
}

func (d *pcmDecoder) Reset() {}

func (d *pcmDecoder) Close() error { return nil }

// sampleConverter returns a little-endian sample decoder scaled to [-1, 1].
// 8-bit integer PCM is unsigned with a bias of 128.
func sampleConverter(encoding container.SampleEncoding, bits int) (func([]byte) float32, error) {
	if encoding == container.EncodingFloat {
		switch bits {
		case 32:
			return func(b []byte) float32 {
				return math.Float32frombits(binary.LittleEndian.Uint32(b))
			}, nil
		case 64:
			return func(b []byte) float32 {
				return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
			}, nil
		}
		return nil, fmt.Errorf("%w: float pcm with %d bits", ErrUnsupported, bits)
	}

	switch bits {
	case 8:
		return func(b []byte) float32 {
			return (float32(b[0]) - 128) / 128
		}, nil
	case 16:
		return func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		}, nil
	case 24:
		return func(b []byte) float32 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			return float32(v) / 8388608
		}, nil
	case 32:
		return func(b []byte) float32 {
			return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
		}, nil
	}
	return nil, fmt.Errorf("%w: integer pcm with %d bits", ErrUnsupported, bits)
}
