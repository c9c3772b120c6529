package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errOutput = errors.New("write transcript")

// OutputPath returns <dir>/<stem>.txt, with dir defaulting to the input's
// directory.
func OutputPath(input, dir string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, stem+".txt")
}

// writeTranscript replaces path atomically so readers never see a partial
// transcript.
func writeTranscript(path, text string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", errOutput, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", errOutput, err)
	}
	tempPath := tmp.Name()

	success := false
	defer func() {
		_ = tmp.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if text != "" {
		text += "\n"
	}
	if _, err := tmp.WriteString(text); err != nil {
		return fmt.Errorf("%w: %v", errOutput, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp file: %v", errOutput, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: chmod temp file: %v", errOutput, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", errOutput, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: move temp file into place: %v", errOutput, err)
	}

	success = true
	return nil
}
