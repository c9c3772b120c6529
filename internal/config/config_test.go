package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	require.Equal(t, 16000, cfg.Audio.SampleRate)
	require.Equal(t, 172800, cfg.Inference.WindowSamples)
	require.Equal(t, 16000, cfg.Inference.OverlapSamples)
	require.Equal(t, 320, cfg.Inference.FrameStride)
	require.Positive(t, cfg.Output.Concurrency)
	require.LessOrEqual(t, cfg.Output.Concurrency, 2)
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`
model:
  name: /models/custom.onnx
  intra_op_threads: 2
audio:
  resample_quality: linear
inference:
  window_samples: 32000
  overlap_samples: 3200
  silence_gate: false
output:
  dir: out
  concurrency: 3
  metrics_file: /var/lib/node_exporter/voxscribe.prom
`))
	require.NoError(t, err)
	require.Equal(t, "/models/custom.onnx", cfg.Model.Name)
	require.Equal(t, 2, cfg.Model.IntraOpThreads)
	require.Equal(t, "input", cfg.Model.InputName)
	require.Equal(t, "linear", cfg.Audio.ResampleQuality)
	require.Equal(t, 16000, cfg.Audio.SampleRate)
	require.Equal(t, 32000, cfg.Inference.WindowSamples)
	require.False(t, cfg.Inference.SilenceGate)
	require.Equal(t, 320, cfg.Inference.FrameStride)
	require.Equal(t, "out", cfg.Output.Dir)
	require.Equal(t, 3, cfg.Output.Concurrency)
	require.Equal(t, "/var/lib/node_exporter/voxscribe.prom", cfg.Output.MetricsFile)
}

func TestLoadFromReaderEmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("inference:\n  window: 100\n"))
	require.ErrorContains(t, err, "window")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "sample rate", mutate: func(c *Config) { c.Audio.SampleRate = 0 }, want: "audio.sample_rate"},
		{name: "quality", mutate: func(c *Config) { c.Audio.ResampleQuality = "cubic" }, want: "audio.resample_quality"},
		{name: "window off stride", mutate: func(c *Config) { c.Inference.WindowSamples = 1000 }, want: "not a multiple"},
		{name: "overlap too large", mutate: func(c *Config) { c.Inference.OverlapSamples = c.Inference.WindowSamples }, want: "overlap_samples"},
		{name: "overlap off stride", mutate: func(c *Config) { c.Inference.OverlapSamples = 100 }, want: "overlap_samples 100"},
		{name: "batch", mutate: func(c *Config) { c.Inference.BatchSize = 0 }, want: "batch_size"},
		{name: "threshold", mutate: func(c *Config) { c.Inference.SilenceThresholdDBFS = 3 }, want: "silence_threshold_dbfs"},
		{name: "blank", mutate: func(c *Config) { c.Vocabulary.Blank = "" }, want: "vocabulary.blank"},
		{name: "blank equals repeat", mutate: func(c *Config) { c.Vocabulary.Repeat = c.Vocabulary.Blank }, want: "both"},
		{name: "concurrency", mutate: func(c *Config) { c.Output.Concurrency = 0 }, want: "output.concurrency"},
		{name: "threads", mutate: func(c *Config) { c.Model.IntraOpThreads = -1 }, want: "intra_op_threads"},
	}
	for _, tc := range tests {
		cfg := Default()
		tc.mutate(&cfg)
		require.ErrorContains(t, Validate(cfg), tc.want, tc.name)
	}

	cfg := Default()
	cfg.Audio.SampleRate = 0
	cfg.Inference.BatchSize = 0
	err := Validate(cfg)
	require.ErrorContains(t, err, "audio.sample_rate")
	require.ErrorContains(t, err, "batch_size")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inference:\n  batch_size: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Inference.BatchSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("inference:\n  batch_size: 0\n"), 0o644))
	_, err = Load(bad)
	require.ErrorContains(t, err, "batch_size")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Model.ONNXRuntimeLib = "/from/file.so"
	cfg.ApplyEnv(func(key string) string {
		if key == EnvONNXRuntimeLib {
			return "/from/env.so"
		}
		return ""
	})
	require.Equal(t, "/from/env.so", cfg.Model.ONNXRuntimeLib)

	cfg.ApplyEnv(func(string) string { return "" })
	require.Equal(t, "/from/env.so", cfg.Model.ONNXRuntimeLib)
}
