// Package pipeline drives one input file through demuxing, decoding,
// normalization, inference and transcript decoding, and runs batches of
// files concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxscribe/internal/codec"
	"github.com/fmueller/voxscribe/internal/container"
	"github.com/fmueller/voxscribe/internal/dsp"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/observe"
	"github.com/fmueller/voxscribe/internal/transcript"
)

// Config holds the per-file processing parameters. Inference.Vocab and
// Inference.Blank are taken from the vocabulary.
type Config struct {
	SampleRate   int
	Quality      dsp.Quality
	MaxLookahead int64
	PCMFrames    int
	Inference    inference.Config
}

type Transcriber struct {
	vocab   *transcript.Vocabulary
	cfg     Config
	orch    *inference.Orchestrator
	factory codec.Factory
	logger  *zap.Logger
	metrics *observe.Metrics
}

type Option func(*Transcriber)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transcriber) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) {
		t.metrics = m
	}
}

// WithCodecFactory replaces the decoders built for each track.
func WithCodecFactory(f codec.Factory) Option {
	return func(t *Transcriber) {
		if f != nil {
			t.factory = f
		}
	}
}

// New builds a Transcriber around a shared executor. The executor must be
// safe for concurrent use when files are processed in parallel.
func New(exec inference.Executor, vocab *transcript.Vocabulary, cfg Config, opts ...Option) (*Transcriber, error) {
	if vocab == nil {
		return nil, errors.New("pipeline: vocabulary is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("pipeline: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Quality == "" {
		cfg.Quality = dsp.QualityHigh
	}
	cfg.Inference.Vocab = vocab.Size()
	cfg.Inference.Blank = vocab.Blank()

	t := &Transcriber{
		vocab:   vocab,
		cfg:     cfg,
		factory: codec.DefaultFactory,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	orchOpts := []inference.Option{inference.WithLogger(t.logger)}
	if t.metrics != nil {
		orchOpts = append(orchOpts, inference.WithBatchObserver(func(windows int, elapsed time.Duration, err error) {
			t.metrics.RecordInference(context.Background(), windows, elapsed, err != nil)
		}))
	}
	orch, err := inference.New(exec, cfg.Inference, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	t.orch = orch
	return t, nil
}

// FileStats describes what happened while transcribing one file.
type FileStats struct {
	Track     container.TrackDescriptor
	Samples   int64
	Concealed int
	Inference inference.Stats
}

// TranscribeFile runs the whole chain for path and returns its transcript.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (transcript.Transcript, error) {
	tr, _, err := t.transcribe(ctx, path)
	return tr, err
}

func (t *Transcriber) transcribe(ctx context.Context, path string) (transcript.Transcript, FileStats, error) {
	var stats FileStats

	if err := ctx.Err(); err != nil {
		return transcript.Transcript{}, stats, err
	}

	logger := t.logger.With(zap.String("file", path))
	src, err := openSource(path, t.cfg, t.factory, logger)
	if err != nil {
		return transcript.Transcript{}, stats, err
	}
	defer src.Close()
	stats.Track = src.Track

	framer, err := dsp.NewFramer(src.Stream, t.cfg.Inference.WindowLength, t.cfg.Inference.Overlap)
	if err != nil {
		return transcript.Transcript{}, stats, err
	}

	dec := transcript.NewDecoder(t.vocab)
	runStats, err := t.orch.Run(ctx, framer, dec.Push)

	stats.Inference = runStats
	stats.Samples = src.Stream.Produced()
	stats.Concealed = src.Concealed()
	if t.metrics != nil {
		t.metrics.RecordGated(ctx, runStats.Gated)
		t.metrics.RecordConcealed(ctx, stats.Track.Codec.String(), stats.Concealed)
	}
	if err != nil {
		return transcript.Transcript{}, stats, err
	}

	if want := inference.RowsFor(stats.Samples, t.cfg.Inference.Stride); runStats.Rows != want {
		return transcript.Transcript{}, stats, fmt.Errorf("stitched %d logits rows for %d samples, want %d", runStats.Rows, stats.Samples, want)
	}

	logger.Debug("transcribed",
		zap.Int64("samples", stats.Samples),
		zap.Int("windows", runStats.Windows),
		zap.Int("gated_windows", runStats.Gated),
		zap.Int("concealed_frames", stats.Concealed))

	return dec.Finish(), stats, nil
}
