package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fmueller/voxscribe/internal/codec"
	"github.com/fmueller/voxscribe/internal/container"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/transcript"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// BatchOptions controls a multi-file run.
type BatchOptions struct {
	// OutputDir receives <stem>.txt for every input. Empty writes next to
	// each input.
	OutputDir string
	// Concurrency bounds the number of files in flight; 0 means
	// DefaultConcurrency().
	Concurrency int
	// OnDone is called once per file as soon as it finishes. Calls may come
	// from several goroutines.
	OnDone func(Result)
}

// DefaultConcurrency is min(2, NumCPU).
func DefaultConcurrency() int {
	return min(2, runtime.NumCPU())
}

// Result is the outcome for one input file.
type Result struct {
	Input   string
	Output  string
	Text    string
	Stats   FileStats
	Elapsed time.Duration
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Report lists results in input order.
type Report struct {
	Results []Result
}

// Failed returns the number of files without a transcript.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK() {
			n++
		}
	}
	return n
}

func (r Report) Succeeded() int {
	return len(r.Results) - r.Failed()
}

// Run transcribes every input and writes its transcript. A failing file is
// recorded in the report and never stops the others.
func (t *Transcriber) Run(ctx context.Context, inputs []string, opts BatchOptions) Report {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency()
	}

	report := Report{Results: make([]Result, len(inputs))}
	claimed := make(map[string]string, len(inputs))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, input := range inputs {
		output := OutputPath(input, opts.OutputDir)
		report.Results[i] = Result{Input: input, Output: output}

		key := filepath.Clean(output)
		if first, ok := claimed[key]; ok {
			report.Results[i].Err = fmt.Errorf("output %s is already written for %s", output, first)
			t.finish(ctx, report.Results[i], opts.OnDone)
			continue
		}
		claimed[key] = input

		res := &report.Results[i]
		g.Go(func() error {
			t.process(ctx, res)
			t.finish(ctx, *res, opts.OnDone)
			return nil
		})
	}

	_ = g.Wait()
	return report
}

func (t *Transcriber) process(ctx context.Context, res *Result) {
	started := time.Now()
	defer func() { res.Elapsed = time.Since(started) }()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return
	}

	tr, stats, err := t.transcribe(ctx, res.Input)
	res.Stats = stats
	if err != nil {
		res.Err = err
		return
	}

	res.Text = tr.Text()
	if err := writeTranscript(res.Output, res.Text); err != nil {
		res.Err = err
	}
}

func (t *Transcriber) finish(ctx context.Context, res Result, onDone func(Result)) {
	status, kind := StatusOK, ""
	if res.Err != nil {
		status, kind = StatusFailed, Classify(res.Err)
		t.logger.Error("transcription failed",
			zap.String("file", res.Input),
			zap.String("kind", kind),
			zap.Error(res.Err))
	} else {
		t.logger.Info("transcribed",
			zap.String("file", res.Input),
			zap.String("output", res.Output),
			zap.Duration("elapsed", res.Elapsed))
	}
	if t.metrics != nil {
		t.metrics.RecordFile(context.WithoutCancel(ctx), status, kind, res.Elapsed)
	}
	if onDone != nil {
		onDone(res)
	}
}

// Classify maps an error to a short kind for logs, metrics and summaries.
func Classify(err error) string {
	var (
		parseErr  *container.ParseError
		modelErr  *inference.ModelExecutionError
		lookupErr *transcript.VocabLookupError
		codecErr  *codec.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, container.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.As(err, &parseErr):
		return "container"
	case errors.Is(err, codec.ErrUnsupported), errors.As(err, &codecErr):
		return "codec"
	case errors.As(err, &modelErr):
		return "model"
	case errors.As(err, &lookupErr):
		return "vocabulary"
	case errors.Is(err, errOutput):
		return "output"
	default:
		return "internal"
	}
}
