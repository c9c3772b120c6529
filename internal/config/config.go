// Package config loads voxscribe settings from YAML. Values not present in
// the file keep their defaults; command-line flags are applied on top by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/fmueller/voxscribe/internal/dsp"
	"github.com/fmueller/voxscribe/internal/model"
	"github.com/fmueller/voxscribe/internal/transcript"
)

// EnvONNXRuntimeLib overrides model.onnxruntime_lib.
const EnvONNXRuntimeLib = "VOXSCRIBE_ONNXRUNTIME_LIB"

type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Audio      AudioConfig      `yaml:"audio"`
	Inference  InferenceConfig  `yaml:"inference"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Output     OutputConfig     `yaml:"output"`
}

type ModelConfig struct {
	// Name is a registered model name or a path to an .onnx file.
	Name           string `yaml:"name"`
	Dir            string `yaml:"dir"`
	Labels         string `yaml:"labels"`
	ONNXRuntimeLib string `yaml:"onnxruntime_lib"`
	InputName      string `yaml:"input_name"`
	OutputName     string `yaml:"output_name"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	ResampleQuality string `yaml:"resample_quality"`
	PCMFrameSize    int    `yaml:"pcm_frame_size"`
	MaxLookahead    int64  `yaml:"max_lookahead"`
}

type InferenceConfig struct {
	WindowSamples        int     `yaml:"window_samples"`
	OverlapSamples       int     `yaml:"overlap_samples"`
	FrameStride          int     `yaml:"frame_stride"`
	BatchSize            int     `yaml:"batch_size"`
	SilenceGate          bool    `yaml:"silence_gate"`
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"`
}

type VocabularyConfig struct {
	Blank  string `yaml:"blank"`
	Repeat string `yaml:"repeat"`
	Space  string `yaml:"space"`
}

type OutputConfig struct {
	Dir         string `yaml:"dir"`
	Concurrency int    `yaml:"concurrency"`
	// MetricsFile receives the run's metrics in Prometheus text format.
	MetricsFile string `yaml:"metrics_file"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{
			Name:       model.DefaultModel,
			InputName:  "input",
			OutputName: "output",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			ResampleQuality: string(dsp.QualityHigh),
			PCMFrameSize:    4096,
			MaxLookahead:    1 << 20,
		},
		Inference: InferenceConfig{
			WindowSamples:        172800,
			OverlapSamples:       16000,
			FrameStride:          320,
			BatchSize:            4,
			SilenceGate:          true,
			SilenceThresholdDBFS: -65,
		},
		Vocabulary: VocabularyConfig{
			Blank:  transcript.DefaultBlankLabel,
			Repeat: transcript.DefaultRepeatLabel,
			Space:  transcript.DefaultSpaceLabel,
		},
		Output: OutputConfig{
			Concurrency: min(2, runtime.NumCPU()),
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv copies environment overrides into cfg.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if lib := getenv(EnvONNXRuntimeLib); lib != "" {
		c.Model.ONNXRuntimeLib = lib
	}
}

// Validate returns a joined error listing every invalid value.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if _, err := dsp.ParseQuality(cfg.Audio.ResampleQuality); err != nil {
		errs = append(errs, fmt.Errorf("audio.resample_quality: %w", err))
	}
	if cfg.Audio.PCMFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.pcm_frame_size must be positive, got %d", cfg.Audio.PCMFrameSize))
	}
	if cfg.Audio.MaxLookahead <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_lookahead must be positive, got %d", cfg.Audio.MaxLookahead))
	}

	inf := cfg.Inference
	if inf.FrameStride <= 0 {
		errs = append(errs, fmt.Errorf("inference.frame_stride must be positive, got %d", inf.FrameStride))
	}
	if inf.WindowSamples <= 0 {
		errs = append(errs, fmt.Errorf("inference.window_samples must be positive, got %d", inf.WindowSamples))
	} else if inf.FrameStride > 0 && inf.WindowSamples%inf.FrameStride != 0 {
		errs = append(errs, fmt.Errorf("inference.window_samples %d is not a multiple of frame_stride %d", inf.WindowSamples, inf.FrameStride))
	}
	if inf.OverlapSamples < 0 || (inf.WindowSamples > 0 && inf.OverlapSamples >= inf.WindowSamples) {
		errs = append(errs, fmt.Errorf("inference.overlap_samples must be in [0, window_samples), got %d", inf.OverlapSamples))
	} else if inf.FrameStride > 0 && inf.OverlapSamples%inf.FrameStride != 0 {
		errs = append(errs, fmt.Errorf("inference.overlap_samples %d is not a multiple of frame_stride %d", inf.OverlapSamples, inf.FrameStride))
	}
	if inf.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("inference.batch_size must be positive, got %d", inf.BatchSize))
	}
	if inf.SilenceThresholdDBFS > 0 {
		errs = append(errs, fmt.Errorf("inference.silence_threshold_dbfs must not be positive, got %g", inf.SilenceThresholdDBFS))
	}

	if cfg.Vocabulary.Blank == "" {
		errs = append(errs, errors.New("vocabulary.blank must not be empty"))
	}
	if cfg.Vocabulary.Blank != "" && cfg.Vocabulary.Blank == cfg.Vocabulary.Repeat {
		errs = append(errs, fmt.Errorf("vocabulary.blank and vocabulary.repeat are both %q", cfg.Vocabulary.Blank))
	}

	if cfg.Model.IntraOpThreads < 0 {
		errs = append(errs, fmt.Errorf("model.intra_op_threads must not be negative, got %d", cfg.Model.IntraOpThreads))
	}
	if cfg.Output.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("output.concurrency must be positive, got %d", cfg.Output.Concurrency))
	}

	return errors.Join(errs...)
}
