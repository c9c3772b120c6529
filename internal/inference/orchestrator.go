package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxscribe/internal/dsp"
)

// WindowSource yields windows in order, ending with io.EOF.
type WindowSource interface {
	Next() (dsp.Window, error)
}

type Config struct {
	// Stride is the number of samples covered by one logits row.
	Stride       int
	WindowLength int
	Overlap      int
	BatchSize    int
	// Vocab is the expected size of the logits' last dimension.
	Vocab int
	// Blank is the vocabulary index emitted for gated windows.
	Blank int

	SilenceGate          bool
	SilenceThresholdDBFS float64
}

func (c Config) Validate() error {
	var errs []error
	if c.Stride <= 0 {
		errs = append(errs, fmt.Errorf("frame stride must be positive, got %d", c.Stride))
	} else {
		if c.WindowLength%c.Stride != 0 {
			errs = append(errs, fmt.Errorf("window length %d is not a multiple of the frame stride %d", c.WindowLength, c.Stride))
		}
		if c.Overlap%c.Stride != 0 {
			errs = append(errs, fmt.Errorf("overlap %d is not a multiple of the frame stride %d", c.Overlap, c.Stride))
		}
	}
	if c.WindowLength <= 0 {
		errs = append(errs, fmt.Errorf("window length must be positive, got %d", c.WindowLength))
	}
	if c.Overlap < 0 || c.Overlap >= c.WindowLength {
		errs = append(errs, fmt.Errorf("overlap must be in [0, window length), got %d", c.Overlap))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.Vocab <= 0 {
		errs = append(errs, fmt.Errorf("vocabulary size must be positive, got %d", c.Vocab))
	} else if c.Blank < 0 || c.Blank >= c.Vocab {
		errs = append(errs, fmt.Errorf("blank index %d outside vocabulary of %d", c.Blank, c.Vocab))
	}
	return errors.Join(errs...)
}

// Stats summarizes one Run.
type Stats struct {
	Windows int
	Gated   int
	Batches int
	Rows    int64
}

// BatchObserver is told about every executor call.
type BatchObserver func(windows int, elapsed time.Duration, err error)

type Orchestrator struct {
	exec     Executor
	cfg      Config
	minRows  int
	logger   *zap.Logger
	observer BatchObserver
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithBatchObserver(fn BatchObserver) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

func New(exec Executor, cfg Config, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("inference: executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	o := &Orchestrator{
		exec:    exec,
		cfg:     cfg,
		minRows: int(RowsFor(int64(cfg.WindowLength), cfg.Stride)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run pulls every window from src, infers them in batches and passes the
// stitched rows to emit in order. Errors from src and emit are returned
// unchanged; executor failures are wrapped in *ModelExecutionError.
func (o *Orchestrator) Run(ctx context.Context, src WindowSource, emit func(FrameLogits) error) (Stats, error) {
	r := run{o: o, emit: emit}
	batch := make([]dsp.Window, 0, o.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			return r.stats, err
		}

		w, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.stats, err
		}
		if len(w.Samples) != o.cfg.WindowLength {
			return r.stats, fmt.Errorf("window %d has %d samples, want %d", w.Index, len(w.Samples), o.cfg.WindowLength)
		}

		batch = append(batch, w)
		if len(batch) == o.cfg.BatchSize {
			if err := r.flush(ctx, batch); err != nil {
				return r.stats, err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := r.flush(ctx, batch); err != nil {
			return r.stats, err
		}
	}
	return r.stats, nil
}

type run struct {
	o       *Orchestrator
	emit    func(FrameLogits) error
	emitted int64
	stats   Stats
}

func (r *run) flush(ctx context.Context, batch []dsp.Window) error {
	cfg := r.o.cfg

	gated := make([]bool, len(batch))
	var inputs [][]float32
	for i, w := range batch {
		if cfg.SilenceGate && dsp.IsSilent(dsp.Measure(w.Samples[:w.Valid]), cfg.SilenceThresholdDBFS) {
			gated[i] = true
			continue
		}
		inputs = append(inputs, w.Samples)
	}

	var outputs []Logits
	if len(inputs) > 0 {
		started := time.Now()
		var err error
		outputs, err = r.o.exec.Infer(ctx, inputs)
		if err == nil && len(outputs) != len(inputs) {
			err = fmt.Errorf("%w: %d outputs for %d windows", ErrShapeMismatch, len(outputs), len(inputs))
		}
		elapsed := time.Since(started)
		if r.o.observer != nil {
			r.o.observer(len(inputs), elapsed, err)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ModelExecutionError{Window: batch[0].Index, Err: err}
		}
		r.o.logger.Debug("inferred batch",
			zap.Int("first_window", batch[0].Index),
			zap.Int("windows", len(inputs)),
			zap.Duration("elapsed", elapsed))
		r.stats.Batches++
	}

	next := 0
	for i, w := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		plan, err := PlanStitch(r.emitted, w, cfg.Stride)
		if err != nil {
			return err
		}

		var rows Logits
		if gated[i] {
			rows = blankRows(plan.Keep, cfg.Vocab, cfg.Blank)
			r.stats.Gated++
		} else {
			out := outputs[next]
			next++
			if err := validateLogits(out, cfg.Vocab, r.o.minRows); err != nil {
				return &ModelExecutionError{Window: w.Index, Err: err}
			}
			rows = Logits{
				Rows:  plan.Keep,
				Vocab: out.Vocab,
				Data:  out.Data[plan.Skip*out.Vocab : (plan.Skip+plan.Keep)*out.Vocab],
			}
		}

		if plan.Keep > 0 {
			if err := r.emit(FrameLogits{StartRow: plan.StartRow, Logits: rows}); err != nil {
				return err
			}
		}
		r.emitted += int64(plan.Keep)
		r.stats.Rows = r.emitted
		r.stats.Windows++
	}
	return nil
}

// blankRows builds rows whose arg-max is the blank token.
func blankRows(rows, vocab, blank int) Logits {
	data := make([]float32, rows*vocab)
	for i := 0; i < rows; i++ {
		data[i*vocab+blank] = 1
	}
	return Logits{Rows: rows, Vocab: vocab, Data: data}
}
