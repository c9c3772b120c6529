// Package container demultiplexes audio containers (RIFF/WAVE and
// Matroska/WebM) into a track descriptor and an ordered, lazily produced
// sequence of frames.
package container

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnsupportedFormat   = errors.New("unsupported input format")
	ErrTruncatedHeader     = errors.New("truncated header")
	ErrUnsupportedCodec    = errors.New("unsupported codec")
	ErrInconsistentFraming = errors.New("inconsistent framing")
	ErrUnknownElement      = errors.New("unknown element")
)

// ParseError reports a malformed or unsupported container. Err wraps one of
// the Err* sentinels of this package.
type ParseError struct {
	Container Kind
	Offset    int64
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse at offset %d: %v", e.Container, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(kind Kind, offset int64, sentinel error, format string, args ...any) error {
	return &ParseError{
		Container: kind,
		Offset:    offset,
		Err:       fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

type Kind int

const (
	KindWAV Kind = iota + 1
	KindMatroska
)

func (k Kind) String() string {
	switch k {
	case KindWAV:
		return "wav"
	case KindMatroska:
		return "matroska"
	default:
		return fmt.Sprintf("container(%d)", int(k))
	}
}

type Codec int

const (
	CodecPCM Codec = iota + 1
	CodecOpus
	CodecVorbis
)

func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecOpus:
		return "opus"
	case CodecVorbis:
		return "vorbis"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// SampleEncoding describes how raw PCM samples are stored.
type SampleEncoding int

const (
	EncodingInt SampleEncoding = iota + 1
	EncodingFloat
)

// TrackDescriptor is the immutable description of the selected audio track.
type TrackDescriptor struct {
	Codec      Codec
	SampleRate int
	Channels   int

	// BitDepth and Encoding are only meaningful for CodecPCM.
	BitDepth int
	Encoding SampleEncoding

	// CodecPrivate carries the codec initialization data (OpusHead, Vorbis
	// Xiph-laced headers).
	CodecPrivate []byte
	CodecDelay   time.Duration
}

func (t TrackDescriptor) validate(kind Kind, offset int64) error {
	if t.SampleRate <= 0 {
		return parseErr(kind, offset, ErrInconsistentFraming, "sample rate must be positive, got %d", t.SampleRate)
	}
	if t.Channels <= 0 {
		return parseErr(kind, offset, ErrInconsistentFraming, "channel count must be positive, got %d", t.Channels)
	}
	if t.Codec == CodecPCM {
		if err := validatePCM(t.Encoding, t.BitDepth); err != nil {
			return &ParseError{Container: kind, Offset: offset, Err: err}
		}
	}
	return nil
}

func (t TrackDescriptor) String() string {
	if t.Codec == CodecPCM {
		enc := "int"
		if t.Encoding == EncodingFloat {
			enc = "float"
		}
		return fmt.Sprintf("%s %s%d %dHz %dch", t.Codec, enc, t.BitDepth, t.SampleRate, t.Channels)
	}
	return fmt.Sprintf("%s %dHz %dch", t.Codec, t.SampleRate, t.Channels)
}

// BytesPerFrame returns the size of one interleaved PCM sample frame, or 0
// for compressed codecs.
func (t TrackDescriptor) BytesPerFrame() int {
	if t.Codec != CodecPCM {
		return 0
	}
	return t.BitDepth / 8 * t.Channels
}

// Frame is one compressed (or raw PCM) payload of the selected track.
type Frame struct {
	Index     int64
	Timestamp time.Duration
	Data      []byte
}

// Demuxer yields the frames of a single audio track in order. Next returns
// io.EOF once the track is exhausted. A Demuxer cannot be restarted.
type Demuxer interface {
	Track() TrackDescriptor
	Next() (Frame, error)
}

const (
	defaultMaxLookahead = 1 << 20
	defaultPCMFrames    = 4096
)

type options struct {
	maxLookahead int64
	pcmFrames    int
	logger       *zap.Logger
}

type Option func(*options)

// WithMaxLookahead bounds the forward scan used to resynchronize after an
// element of unknown extent.
func WithMaxLookahead(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLookahead = n
		}
	}
}

// WithPCMFrameSize sets how many sample frames each raw PCM Frame carries.
func WithPCMFrameSize(frames int) Option {
	return func(o *options) {
		if frames > 0 {
			o.pcmFrames = frames
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open parses the container headers from r and returns a demuxer positioned
// at the first frame of the selected audio track.
func Open(kind Kind, r io.ReaderAt, size int64, opts ...Option) (Demuxer, error) {
	o := options{
		maxLookahead: defaultMaxLookahead,
		pcmFrames:    defaultPCMFrames,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	src := &source{r: r, size: size}
	switch kind {
	case KindWAV:
		return openWAV(src, o)
	case KindMatroska:
		return openMatroska(src, o)
	default:
		return nil, fmt.Errorf("%w: container kind %d", ErrUnsupportedFormat, int(kind))
	}
}

// DetectKind maps a file name to its container kind by extension.
func DetectKind(path string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav", ".wave":
		return KindWAV, nil
	case ".weba", ".webm", ".mka", ".mkv":
		return KindMatroska, nil
	case "":
		return 0, fmt.Errorf("%w: %s has no extension", ErrUnsupportedFormat, filepath.Base(path))
	default:
		return 0, fmt.Errorf("%w: %q (supported: wav, weba, webm)", ErrUnsupportedFormat, ext)
	}
}

type source struct {
	r    io.ReaderAt
	size int64
}

// read returns exactly n bytes at off or an error when the range is out of
// bounds. It never reads past size.
func (s *source) read(off int64, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > s.size || n > s.size-off {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	m, err := s.r.ReadAt(buf, off)
	if m == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return nil, err
}

// readUpTo reads at most n bytes at off, clipped to the end of the source.
func (s *source) readUpTo(off int64, n int64) ([]byte, error) {
	if off >= s.size {
		return nil, nil
	}
	if rem := s.size - off; n > rem {
		n = rem
	}
	return s.read(off, n)
}

func samplesToDuration(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
