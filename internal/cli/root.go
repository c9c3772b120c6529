package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/dsp"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type executorFunc func(cfg config.Config, modelPath string) (inference.Executor, func() error, error)

type appState struct {
	verbose     bool
	jsonLogs    bool
	noProgress  bool
	configPath  string
	model       string
	modelDir    string
	labels      string
	onnxLib     string
	outputDir   string
	metricsFile string
	window      int
	overlap     int
	quality     string
	batchSize   int
	concurrency int
	silenceGate bool
	silenceDBFS float64

	logger *zap.Logger
	out    io.Writer

	getenv       func(string) string
	userConfigFn func() (string, error)
	executorFn   executorFunc
}

func newAppState() *appState {
	defaults := config.Default()
	app := &appState{
		model:        defaults.Model.Name,
		window:       defaults.Inference.WindowSamples,
		overlap:      defaults.Inference.OverlapSamples,
		quality:      defaults.Audio.ResampleQuality,
		batchSize:    defaults.Inference.BatchSize,
		concurrency:  defaults.Output.Concurrency,
		silenceGate:  defaults.Inference.SilenceGate,
		silenceDBFS:  defaults.Inference.SilenceThresholdDBFS,
		out:          os.Stdout,
		getenv:       os.Getenv,
		userConfigFn: platform.ResolveConfigPath,
	}
	app.executorFn = app.newONNXExecutor
	return app
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxscribe",
		Short:         "Transcribe wav, weba and webm audio files to text",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{
				Verbose: app.verbose,
				JSON:    app.jsonLogs,
				Color:   term.IsTerminal(int(os.Stderr.Fd())),
				Version: c.Root().Version,
			})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindConfigFlag(cmd, app)

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newConvertCmd(app))
	cmd.AddCommand(newProbeCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindConfigFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.configPath, "config", app.configPath, "YAML configuration file (default: user config dir)")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Model name or .onnx model file path")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	cmd.Flags().StringVar(&app.labels, "labels", app.labels, "JSON label file; defaults to the one next to the model")
	cmd.Flags().StringVar(&app.onnxLib, "onnxruntime-lib", app.onnxLib, "Path to the ONNX Runtime shared library (env "+config.EnvONNXRuntimeLib+")")
}

func bindAudioFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.quality, "resample-quality", app.quality, "Resampler: high|linear")
}

func bindInferenceFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().IntVar(&app.window, "window", app.window, "Window length in samples at the model rate")
	cmd.Flags().IntVar(&app.overlap, "overlap", app.overlap, "Overlap between consecutive windows in samples")
	cmd.Flags().IntVar(&app.batchSize, "batch-size", app.batchSize, "Windows per model call")
	cmd.Flags().BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Skip the model for windows below the silence threshold")
	cmd.Flags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

func bindOutputFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.outputDir, "output-dir", app.outputDir, "Directory for .txt transcripts (default: next to each input)")
	cmd.Flags().IntVar(&app.concurrency, "concurrency", app.concurrency, "Files transcribed in parallel")
	cmd.Flags().StringVar(&app.metricsFile, "metrics-file", app.metricsFile, "Write run metrics in Prometheus text format to this file at exit")
}

// loadConfig layers defaults, the config file, the environment and changed
// flags, in that order.
func (a *appState) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	path, explicit := a.configPath, a.configPath != ""
	if !explicit && a.userConfigFn != nil {
		if p, err := a.userConfigFn(); err == nil {
			path = p
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		switch {
		case err == nil:
			cfg = loaded
			a.log().Debug("loaded config", zap.String("path", path))
		case !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return config.Config{}, err
		}
	}

	if a.getenv != nil {
		cfg.ApplyEnv(a.getenv)
	}
	a.applyFlags(cmd, &cfg)

	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *appState) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("model") {
		cfg.Model.Name = a.model
	}
	if changed("model-dir") {
		cfg.Model.Dir = a.modelDir
	}
	if changed("labels") {
		cfg.Model.Labels = a.labels
	}
	if changed("onnxruntime-lib") {
		cfg.Model.ONNXRuntimeLib = a.onnxLib
	}
	if changed("resample-quality") {
		cfg.Audio.ResampleQuality = a.quality
	}
	if changed("window") {
		cfg.Inference.WindowSamples = a.window
	}
	if changed("overlap") {
		cfg.Inference.OverlapSamples = a.overlap
	}
	if changed("batch-size") {
		cfg.Inference.BatchSize = a.batchSize
	}
	if changed("silence-gate") {
		cfg.Inference.SilenceGate = a.silenceGate
	}
	if changed("silence-threshold-dbfs") {
		cfg.Inference.SilenceThresholdDBFS = a.silenceDBFS
	}
	if changed("output-dir") {
		cfg.Output.Dir = a.outputDir
	}
	if changed("concurrency") {
		cfg.Output.Concurrency = a.concurrency
	}
	if changed("metrics-file") {
		cfg.Output.MetricsFile = a.metricsFile
	}
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	quality, _ := dsp.ParseQuality(cfg.Audio.ResampleQuality)
	return pipeline.Config{
		SampleRate:   cfg.Audio.SampleRate,
		Quality:      quality,
		MaxLookahead: cfg.Audio.MaxLookahead,
		PCMFrames:    cfg.Audio.PCMFrameSize,
		Inference: inference.Config{
			Stride:               cfg.Inference.FrameStride,
			WindowLength:         cfg.Inference.WindowSamples,
			Overlap:              cfg.Inference.OverlapSamples,
			BatchSize:            cfg.Inference.BatchSize,
			SilenceGate:          cfg.Inference.SilenceGate,
			SilenceThresholdDBFS: cfg.Inference.SilenceThresholdDBFS,
		},
	}
}

func (a *appState) newONNXExecutor(cfg config.Config, modelPath string) (inference.Executor, func() error, error) {
	lib := cfg.Model.ONNXRuntimeLib
	if lib == "" {
		lib = platform.ONNXRuntimeLibraryName(runtime.GOOS)
	}

	exec, err := inference.NewONNXExecutor(inference.ONNXConfig{
		ModelPath:      modelPath,
		LibraryPath:    lib,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	}, a.log())
	if err != nil {
		return nil, nil, err
	}
	return exec, exec.Close, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
