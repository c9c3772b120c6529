package codec

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fmueller/voxscribe/internal/container"
)

// FrameSource yields the compressed frames of one track, ending with io.EOF.
type FrameSource interface {
	Track() container.TrackDescriptor
	Next() (container.Frame, error)
}

// consecutive failures after which the decoder state is considered lost
const desyncThreshold = 2

// Adapter decodes the frames of a FrameSource into Blocks, replacing frames
// that fail to decode with silence of the same nominal duration.
type Adapter struct {
	src     FrameSource
	dec     Decoder
	format  Format
	codec   container.Codec
	logger  *zap.Logger
	onError func(*Error)

	offset     int64
	lastFrames int
	failures   int
	concealed  int
}

type AdapterOption func(*Adapter)

func WithLogger(logger *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithErrorHook registers a callback invoked for every concealed frame.
func WithErrorHook(fn func(*Error)) AdapterOption {
	return func(a *Adapter) {
		a.onError = fn
	}
}

// NewAdapter builds the decoder for src's track. A track no decoder can
// handle fails with ErrUnsupported.
func NewAdapter(src FrameSource, factory Factory, opts ...AdapterOption) (*Adapter, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	track := src.Track()
	dec, format, err := factory(track)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			err = fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("build %s decoder: %w", track.Codec, err)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		_ = dec.Close()
		return nil, fmt.Errorf("build %s decoder: %w: invalid output format %dHz/%dch", track.Codec, ErrUnsupported, format.SampleRate, format.Channels)
	}

	a := &Adapter{
		src:    src,
		dec:    dec,
		format: format,
		codec:  track.Codec,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Format returns the sample rate and channel layout of every Block.
func (a *Adapter) Format() Format {
	return a.format
}

// Concealed returns how many frames were replaced by silence so far.
func (a *Adapter) Concealed() int {
	return a.concealed
}

// Next decodes the next frame. Container errors and io.EOF are returned
// unchanged; decode failures never surface as errors.
func (a *Adapter) Next() (Block, error) {
	frame, err := a.src.Next()
	if err != nil {
		return Block{}, err
	}

	samples, decErr := a.dec.Decode(frame.Data)
	if decErr == nil && len(samples)%a.format.Channels != 0 {
		decErr = fmt.Errorf("%w: %d samples not divisible by %d channels", ErrDecoderDesync, len(samples), a.format.Channels)
	}
	if decErr != nil {
		return a.conceal(frame, decErr), nil
	}

	a.failures = 0
	block := Block{
		Samples:    samples,
		Channels:   a.format.Channels,
		SampleRate: a.format.SampleRate,
		Start:      a.offset,
	}
	if n := block.Frames(); n > 0 {
		a.lastFrames = n
	}
	a.offset += int64(block.Frames())
	return block, nil
}

func (a *Adapter) conceal(frame container.Frame, cause error) Block {
	a.failures++
	kind := ErrCorruptFrame
	if errors.Is(cause, ErrDecoderDesync) || a.failures >= desyncThreshold {
		kind = ErrDecoderDesync
	}
	codecErr := &Error{Codec: a.codec, FrameIndex: frame.Index, Kind: kind, Err: cause}

	frames := a.dec.NominalSamples(frame.Data)
	if frames <= 0 {
		frames = a.lastFrames
	}

	a.logger.Warn("concealing undecodable frame with silence",
		zap.Int64("frame", frame.Index),
		zap.Duration("timestamp", frame.Timestamp),
		zap.Int("samples", frames),
		zap.Error(codecErr))

	if kind == ErrDecoderDesync {
		a.dec.Reset()
		a.failures = 0
	}
	a.concealed++
	if a.onError != nil {
		a.onError(codecErr)
	}

	block := Block{
		Samples:    make([]float32, frames*a.format.Channels),
		Channels:   a.format.Channels,
		SampleRate: a.format.SampleRate,
		Start:      a.offset,
		Concealed:  true,
	}
	a.offset += int64(frames)
	return block
}

func (a *Adapter) Close() error {
	return a.dec.Close()
}
