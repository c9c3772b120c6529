package pipeline

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fmueller/voxscribe/internal/codec"
	"github.com/fmueller/voxscribe/internal/container"
	"github.com/fmueller/voxscribe/internal/dsp"
)

// Source is the normalized mono signal of one input file.
type Source struct {
	Track  container.TrackDescriptor
	Format codec.Format
	Stream *dsp.MonoStream

	file    *os.File
	adapter *codec.Adapter
}

// OpenSource opens path and prepares its selected audio track for reading as
// mono samples at cfg.SampleRate. Only SampleRate, Quality, MaxLookahead and
// PCMFrames of cfg are used.
func OpenSource(path string, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	return openSource(path, cfg, codec.DefaultFactory, logger)
}

func openSource(path string, cfg Config, factory codec.Factory, logger *zap.Logger) (*Source, error) {
	kind, err := container.DetectKind(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	src := &Source{file: f}
	ok := false
	defer func() {
		if !ok {
			_ = src.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}

	demux, err := container.Open(kind, f, info.Size(),
		container.WithMaxLookahead(cfg.MaxLookahead),
		container.WithPCMFrameSize(cfg.PCMFrames),
		container.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	src.Track = demux.Track()

	src.adapter, err = codec.NewAdapter(demux, factory, codec.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	src.Format = src.adapter.Format()

	logger.Debug("decoding track",
		zap.Stringer("track", src.Track),
		zap.Int("decode_rate", src.Format.SampleRate),
		zap.Int("decode_channels", src.Format.Channels))

	src.Stream, err = dsp.NewMonoStream(src.adapter, src.Format.SampleRate, cfg.SampleRate, cfg.Quality)
	if err != nil {
		return nil, err
	}

	ok = true
	return src, nil
}

// Concealed reports how many frames were replaced by silence so far.
func (s *Source) Concealed() int {
	if s.adapter == nil {
		return 0
	}
	return s.adapter.Concealed()
}

func (s *Source) Close() error {
	var errs []error
	if s.adapter != nil {
		errs = append(errs, s.adapter.Close())
		s.adapter = nil
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	return errors.Join(errs...)
}
