package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/inference"
)

var testLabels = []string{"_", " ", "a", "b"}

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runAppCommand(t, newTestApp(t, nil), args)
}

func runAppCommand(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetContext(context.Background())
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// newTestApp returns an app that ignores the user config and environment.
// A nil exec makes model loading fail.
func newTestApp(t *testing.T, exec inference.Executor) *appState {
	t.Helper()

	app := newAppState()
	app.noProgress = true
	app.getenv = func(string) string { return "" }
	app.userConfigFn = func() (string, error) { return "", nil }
	app.executorFn = func(_ config.Config, modelPath string) (inference.Executor, func() error, error) {
		if exec == nil {
			return nil, nil, os.ErrNotExist
		}
		return exec, func() error { return nil }, nil
	}
	return app
}

// letterExecutor emits "a" for every row of every window it sees.
type letterExecutor struct {
	calls atomic.Int32
}

func (e *letterExecutor) Infer(_ context.Context, batch [][]float32) ([]inference.Logits, error) {
	e.calls.Add(1)

	vocab := len(testLabels)
	out := make([]inference.Logits, len(batch))
	for i, w := range batch {
		rows := (len(w) + 319) / 320
		data := make([]float32, rows*vocab)
		for r := 0; r < rows; r++ {
			data[r*vocab+2] = 1
		}
		out[i] = inference.Logits{Rows: rows, Vocab: vocab, Data: data}
	}
	return out, nil
}

// writeModelDir creates a model directory holding a placeholder default model
// and its label file.
func writeModelDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	labels, err := json.Marshal(testLabels)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en_v5.onnx"), []byte("onnx"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en_v1_labels.json"), labels, 0o644))
	return dir
}

func writeToneWAV(t *testing.T, path string, sampleRate int, seconds float64, amplitude float64) {
	t.Helper()

	n := int(float64(sampleRate) * seconds)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	require.NoError(t, os.WriteFile(path, makePCM16WAVForTest(samples, sampleRate, 1), 0o644))
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
