// Package transcript turns stitched CTC logits into text.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	DefaultBlankLabel  = "_"
	DefaultRepeatLabel = "2"
	DefaultSpaceLabel  = " "
)

// VocabLookupError reports a decoded index with no label. It means the model
// and the vocabulary do not belong together.
type VocabLookupError struct {
	Index int
	Row   int64
	Size  int
}

func (e *VocabLookupError) Error() string {
	return fmt.Sprintf("vocabulary lookup failed: index %d at row %d, vocabulary has %d labels", e.Index, e.Row, e.Size)
}

// Vocabulary maps model output indices to text pieces.
type Vocabulary struct {
	labels []string
	blank  int
	// repeat is -1 when the label set has no repeat marker.
	repeat int
	space  string
}

type VocabOptions struct {
	BlankLabel  string
	RepeatLabel string
	SpaceLabel  string
}

func (o VocabOptions) withDefaults() VocabOptions {
	if o.BlankLabel == "" {
		o.BlankLabel = DefaultBlankLabel
	}
	if o.RepeatLabel == "" {
		o.RepeatLabel = DefaultRepeatLabel
	}
	if o.SpaceLabel == "" {
		o.SpaceLabel = DefaultSpaceLabel
	}
	return o
}

// NewVocabulary indexes labels. The blank label must be present; the repeat
// label is optional.
func NewVocabulary(labels []string, opts VocabOptions) (*Vocabulary, error) {
	opts = opts.withDefaults()
	if len(labels) == 0 {
		return nil, errors.New("vocabulary is empty")
	}

	v := &Vocabulary{
		labels: append([]string(nil), labels...),
		blank:  -1,
		repeat: -1,
		space:  opts.SpaceLabel,
	}
	for i, label := range labels {
		switch {
		case label == opts.BlankLabel && v.blank < 0:
			v.blank = i
		case label == opts.RepeatLabel && v.repeat < 0:
			v.repeat = i
		}
	}
	if v.blank < 0 {
		return nil, fmt.Errorf("vocabulary has no blank label %q", opts.BlankLabel)
	}
	return v, nil
}

// ParseVocabulary reads a JSON array of label strings.
func ParseVocabulary(r io.Reader, opts VocabOptions) (*Vocabulary, error) {
	var labels []string
	if err := json.NewDecoder(r).Decode(&labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return NewVocabulary(labels, opts)
}

func LoadVocabulary(path string, opts VocabOptions) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	v, err := ParseVocabulary(f, opts)
	if err != nil {
		return nil, fmt.Errorf("labels %s: %w", path, err)
	}
	return v, nil
}

func (v *Vocabulary) Size() int {
	return len(v.labels)
}

func (v *Vocabulary) Blank() int {
	return v.blank
}

func (v *Vocabulary) Label(i int) (string, bool) {
	if i < 0 || i >= len(v.labels) {
		return "", false
	}
	return v.labels[i], true
}
