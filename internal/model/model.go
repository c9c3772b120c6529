// Package model resolves the acoustic model and its label file from a name
// in the model directory or from explicit paths.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultModel = "en_v5"

// Model is a known model layout inside the model directory.
type Model struct {
	Name       string
	FileName   string
	LabelsFile string
}

type Resolved struct {
	Name         string
	Path         string
	LabelsPath   string
	IsCustomPath bool
}

var registry = map[string]Model{
	"en_v3": {Name: "en_v3", FileName: "en_v3.onnx", LabelsFile: "en_v1_labels.json"},
	"en_v4": {Name: "en_v4", FileName: "en_v4_0.onnx", LabelsFile: "en_v1_labels.json"},
	"en_v5": {Name: "en_v5", FileName: "en_v5.onnx", LabelsFile: "en_v1_labels.json"},
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Lookup(name string) (Model, bool) {
	m, ok := registry[name]
	return m, ok
}

// Resolve locates the model file named by ref, which is either a registry
// name looked up in modelDir or a path to an .onnx file. labelsOverride, when
// set, replaces the label file that belongs to the model.
func Resolve(ref, modelDir, labelsOverride string) (Resolved, error) {
	if strings.TrimSpace(ref) == "" {
		ref = DefaultModel
	}

	var resolved Resolved
	if m, ok := Lookup(ref); ok {
		if strings.TrimSpace(modelDir) == "" {
			return Resolved{}, errors.New("model directory must not be empty for named model")
		}
		resolved = Resolved{
			Name:       m.Name,
			Path:       filepath.Join(modelDir, m.FileName),
			LabelsPath: filepath.Join(modelDir, m.LabelsFile),
		}
	} else {
		if !looksLikePath(ref) {
			return Resolved{}, fmt.Errorf("unknown model %q (known models: %s)", ref, strings.Join(Names(), ", "))
		}
		path := filepath.Clean(ref)
		resolved = Resolved{
			Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Path:         path,
			IsCustomPath: true,
		}
	}

	if err := mustExist("model", resolved.Path); err != nil {
		return Resolved{}, err
	}

	switch {
	case labelsOverride != "":
		resolved.LabelsPath = filepath.Clean(labelsOverride)
	case resolved.IsCustomPath:
		resolved.LabelsPath = findLabels(resolved.Path)
		if resolved.LabelsPath == "" {
			return Resolved{}, fmt.Errorf("no labels file next to %s; pass --labels", resolved.Path)
		}
	}

	if err := mustExist("labels", resolved.LabelsPath); err != nil {
		return Resolved{}, err
	}
	return resolved, nil
}

// findLabels looks for <stem>_labels.json, then labels.json, next to the
// model.
func findLabels(modelPath string) string {
	dir := filepath.Dir(modelPath)
	stem := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	for _, name := range []string{stem + "_labels.json", "labels.json"} {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func mustExist(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s file does not exist: %s", what, path)
		}
		return fmt.Errorf("stat %s file: %w", what, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory: %s", what, path)
	}
	return nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".onnx")
}
