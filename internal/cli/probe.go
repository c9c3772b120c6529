package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmueller/voxscribe/internal/container"
	"github.com/fmueller/voxscribe/internal/pipeline"
)

type probeResult struct {
	Kind      container.Kind
	Track     container.TrackDescriptor
	Samples   int64
	Concealed int
}

func newProbeCmd(app *appState) *cobra.Command {
	var decode bool

	cmd := &cobra.Command{
		Use:   "probe <audio-file>...",
		Short: "Print the selected audio track of each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				res, err := probeFile(path, pipelineConfig(cfg), decode, app)
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s: %v\n", path, err)
					continue
				}

				fmt.Fprintf(w, "%s: %s %s\n", path, res.Kind, res.Track)
				if decode {
					d := time.Duration(float64(res.Samples) / float64(cfg.Audio.SampleRate) * float64(time.Second))
					fmt.Fprintf(w, "  %d samples at %d Hz (%s), %d concealed frames\n",
						res.Samples, cfg.Audio.SampleRate, d.Round(time.Millisecond), res.Concealed)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be read", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&decode, "decode", false, "Decode the whole track and report its normalized length")
	bindLoggingFlags(cmd, app)
	bindConfigFlag(cmd, app)
	return cmd
}

func probeFile(path string, cfg pipeline.Config, decode bool, app *appState) (probeResult, error) {
	kind, err := container.DetectKind(path)
	if err != nil {
		return probeResult{}, err
	}

	src, err := pipeline.OpenSource(path, cfg, app.log())
	if err != nil {
		return probeResult{}, err
	}
	defer src.Close()

	res := probeResult{Kind: kind, Track: src.Track}
	if !decode {
		return res, nil
	}

	for {
		_, err := src.Stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
	}
	res.Samples = src.Stream.Produced()
	res.Concealed = src.Concealed()
	return res, nil
}
