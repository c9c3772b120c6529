// Package codec turns the compressed frames of a container track into
// normalized float32 PCM blocks.
package codec

import (
	"errors"
	"fmt"

	"github.com/fmueller/voxscribe/internal/container"
)

var (
	// ErrUnsupported is returned when no decoder can be built for a track.
	ErrUnsupported = errors.New("unsupported codec configuration")

	ErrCorruptFrame  = errors.New("corrupt frame")
	ErrDecoderDesync = errors.New("decoder desynchronized")
)

// Error reports a failure to decode a single frame. Kind is ErrCorruptFrame
// or ErrDecoderDesync.
type Error struct {
	Codec      container.Codec
	FrameIndex int64
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s frame %d: %v", e.Codec, e.FrameIndex, e.Kind)
	}
	return fmt.Sprintf("%s frame %d: %v: %v", e.Codec, e.FrameIndex, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Format is the PCM layout a decoder produces.
type Format struct {
	SampleRate int
	Channels   int
}

// Block is a run of decoded interleaved samples in [-1, 1].
type Block struct {
	Samples    []float32
	Channels   int
	SampleRate int
	// Start is the offset of the first sample frame, counted in per-channel
	// samples since the start of the track.
	Start int64
	// Concealed marks silence substituted for a frame that failed to decode.
	Concealed bool
}

// Frames returns the number of per-channel samples in the block.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Decoder decodes the frames of one track. Implementations keep state across
// frames and are not safe for concurrent use.
type Decoder interface {
	// Decode returns the interleaved samples of one frame.
	Decode(data []byte) ([]float32, error)
	// NominalSamples returns the per-channel sample count the frame would
	// decode to, or 0 when it cannot be determined without decoding.
	NominalSamples(data []byte) int
	// Reset drops inter-frame state after a desync.
	Reset()
	Close() error
}

// Factory builds a decoder for a track and reports the format it produces.
type Factory func(track container.TrackDescriptor) (Decoder, Format, error)

// DefaultFactory selects the built-in decoder for the track's codec.
func DefaultFactory(track container.TrackDescriptor) (Decoder, Format, error) {
	switch track.Codec {
	case container.CodecPCM:
		return newPCMDecoder(track)
	case container.CodecOpus:
		return newOpusDecoder(track)
	case container.CodecVorbis:
		return newVorbisDecoder(track)
	default:
		return nil, Format{}, fmt.Errorf("%w: %s", ErrUnsupported, track.Codec)
	}
}
