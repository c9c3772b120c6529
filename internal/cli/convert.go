package cli

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/voxscribe/internal/pipeline"
)

func newConvertCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <input> <output.wav>",
		Short: "Write the normalized mono model input of a file as 16-bit WAV",
		Long: "Decode an input file, downmix and resample it exactly as transcribe does, and write\n" +
			"the result as a 16-bit mono WAV file. Useful to listen to what the model hears.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}

			samples, err := convertToWAV(args[0], args[1], pipelineConfig(cfg), app.log())
			if err != nil {
				return err
			}

			seconds := float64(samples) / float64(cfg.Audio.SampleRate)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d samples (%.2fs at %d Hz)\n", args[1], samples, seconds, cfg.Audio.SampleRate)
			return nil
		},
	}

	bindLoggingFlags(cmd, app)
	bindConfigFlag(cmd, app)
	bindAudioFlags(cmd, app)
	return cmd
}

func convertToWAV(input, output string, cfg pipeline.Config, logger *zap.Logger) (written int64, err error) {
	src, err := pipeline.OpenSource(input, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(output)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc := wav.NewEncoder(tmp, cfg.SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: cfg.SampleRate},
		SourceBitDepth: 16,
	}

	for {
		chunk, err := src.Stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}

		buf.Data = buf.Data[:0]
		for _, s := range chunk {
			buf.Data = append(buf.Data, int(floatToInt16(s)))
		}
		if err := enc.Write(buf); err != nil {
			return 0, fmt.Errorf("write wav: %w", err)
		}
		written += int64(len(chunk))
	}

	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("finalize wav: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close wav: %w", err)
	}
	if err := os.Rename(tmpPath, output); err != nil {
		return 0, fmt.Errorf("move wav into place: %w", err)
	}

	success = true
	return written, nil
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * math.MaxInt16)
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}
