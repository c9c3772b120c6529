package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/model"
	"github.com/fmueller/voxscribe/internal/observe"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/fmueller/voxscribe/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>...",
		Short: "Transcribe audio files into .txt transcripts",
		Long: "Transcribe wav, weba and webm files. Each input gets a <name>.txt next to it, or in\n" +
			"--output-dir. Files that fail are reported and produce no transcript.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runTranscribe(cmd, args)
		},
	}

	bindLoggingFlags(cmd, app)
	bindConfigFlag(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindAudioFlags(cmd, app)
	bindInferenceFlags(cmd, app)
	bindOutputFlags(cmd, app)
	return cmd
}

func (a *appState) runTranscribe(cmd *cobra.Command, args []string) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	metrics, shutdownMetrics, err := a.newMetrics(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			a.log().Warn("failed to export metrics", zap.Error(err))
		}
	}()

	tr, closeFn, err := a.newTranscriber(cfg, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			a.log().Warn("failed to release model executor", zap.Error(err))
		}
	}()

	inputs := make([]string, len(args))
	for i, arg := range args {
		inputs[i] = filepath.Clean(arg)
	}

	progress := newBatchProgress(a.progressEnabled() && len(inputs) > 1, len(inputs))
	report := tr.Run(cmd.Context(), inputs, pipeline.BatchOptions{
		OutputDir:   cfg.Output.Dir,
		Concurrency: cfg.Output.Concurrency,
		OnDone:      progress.done,
	})
	progress.finish()

	a.printSummary(cmd.OutOrStdout(), report)
	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(report.Results))
	}
	return nil
}

// newMetrics returns instruments backed by a Prometheus textfile exporter when
// output.metrics_file is set, and by the global meter provider otherwise.
func (a *appState) newMetrics(cfg config.Config) (*observe.Metrics, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Output.MetricsFile == "" {
		m, err := observe.Global()
		if err != nil {
			return nil, nil, fmt.Errorf("create metrics: %w", err)
		}
		return m, noop, nil
	}

	provider, err := observe.NewProvider(observe.ProviderConfig{
		ServiceName:    "voxscribe",
		ServiceVersion: version.Resolve(),
		TextfilePath:   cfg.Output.MetricsFile,
	})
	if err != nil {
		return nil, nil, err
	}
	m, err := observe.NewMetrics(provider.MeterProvider())
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, nil, fmt.Errorf("create metrics: %w", err)
	}
	a.log().Debug("exporting metrics", zap.String("path", cfg.Output.MetricsFile))
	return m, provider.Shutdown, nil
}

func (a *appState) newTranscriber(cfg config.Config, metrics *observe.Metrics) (*pipeline.Transcriber, func() error, error) {
	modelDir, err := platform.ResolveModelDir(cfg.Model.Dir)
	if err != nil {
		return nil, nil, err
	}

	resolved, err := model.Resolve(cfg.Model.Name, modelDir, cfg.Model.Labels)
	if err != nil {
		return nil, nil, err
	}

	vocab, err := transcript.LoadVocabulary(resolved.LabelsPath, transcript.VocabOptions{
		BlankLabel:  cfg.Vocabulary.Blank,
		RepeatLabel: cfg.Vocabulary.Repeat,
		SpaceLabel:  cfg.Vocabulary.Space,
	})
	if err != nil {
		return nil, nil, err
	}

	a.log().Info("loading model", zap.String("model", resolved.Path), zap.String("labels", resolved.LabelsPath))
	stopSpinner := startSpinner(a.progressEnabled(), "Loading model")
	exec, closeExec, err := a.executorFn(cfg, resolved.Path)
	stopSpinner()
	if err != nil {
		return nil, nil, fmt.Errorf("load model %s: %w", resolved.Path, err)
	}

	tr, err := pipeline.New(exec, vocab, pipelineConfig(cfg),
		pipeline.WithLogger(a.log()),
		pipeline.WithMetrics(metrics))
	if err != nil {
		_ = closeExec()
		return nil, nil, err
	}
	return tr, closeExec, nil
}

func (a *appState) printSummary(w io.Writer, report pipeline.Report) {
	for _, r := range report.Results {
		if !r.OK() {
			fmt.Fprintf(w, "failed  %s (%s)\n", r.Input, pipeline.Classify(r.Err))
			continue
		}
		fmt.Fprintf(w, "ok      %s -> %s\n", r.Input, r.Output)
		if isBlankTranscript(r.Text) {
			a.log().Warn(noSpeechHint(), zap.String("file", r.Input))
		}
	}
	fmt.Fprintf(w, "%d succeeded, %d failed\n", report.Succeeded(), report.Failed())
}
