package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxscribe/internal/inference"
)

var testLabels = []string{"_", " ", "a", "b", "l", "o", "h", "e", "2"}

func testVocab(t *testing.T) *Vocabulary {
	t.Helper()
	v, err := NewVocabulary(testLabels, VocabOptions{})
	require.NoError(t, err)
	return v
}

func index(label string) int {
	for i, l := range testLabels {
		if l == label {
			return i
		}
	}
	panic("unknown label " + label)
}

// oneHot builds logits whose arg-max per row follows labels.
func oneHot(start int64, vocab int, labels ...string) inference.FrameLogits {
	data := make([]float32, len(labels)*vocab)
	for r, label := range labels {
		for c := 0; c < vocab; c++ {
			data[r*vocab+c] = -1
		}
		data[r*vocab+index(label)] = 3
	}
	return inference.FrameLogits{
		StartRow: start,
		Logits:   inference.Logits{Rows: len(labels), Vocab: vocab, Data: data},
	}
}

func TestArgMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		row  []float32
		want int
	}{
		{row: []float32{0.1, 0.7, 0.2}, want: 1},
		{row: []float32{0.5, 0.5, 0.1}, want: 0},
		{row: []float32{-3, -2, -2}, want: 1},
		{row: []float32{4}, want: 0},
		{row: nil, want: -1},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ArgMax(tc.row), "%v", tc.row)
	}
}

func TestCollapse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []int
		want []int
	}{
		{in: nil, want: []int{}},
		{in: []int{0, 0, 0}, want: []int{}},
		{in: []int{2, 2, 0, 2, 3, 3}, want: []int{2, 3}},
		{in: []int{0, 4, 4, 0, 0, 4}, want: []int{4}},
		{in: []int{4, 0, 8, 0, 4}, want: []int{4, 8, 4}},
		{in: []int{5, 6, 7}, want: []int{5, 6, 7}},
	}
	for _, tc := range tests {
		got := Collapse(tc.in, 0)
		require.Equal(t, tc.want, got, "%v", tc.in)
		require.Equal(t, got, Collapse(got, 0), "collapse of %v is not idempotent", tc.in)
	}
}

func TestDecoderCollapsesAcrossChunks(t *testing.T) {
	t.Parallel()

	v := testVocab(t)
	d := NewDecoder(v)
	vocab := len(testLabels)

	require.NoError(t, d.Push(oneHot(0, vocab, "_", "h", "h", "e")))
	require.NoError(t, d.Push(oneHot(4, vocab, "e", "l", "_", "2")))
	require.NoError(t, d.Push(oneHot(8, vocab, "2", "o", "o", " ", " ", "a")))
	require.EqualValues(t, 14, d.Rows())

	tr := d.Finish()
	require.Equal(t, "hello a", tr.Text())
	require.Equal(t, []string{"h", "e", "l", "", "o", " ", "a"}, tr.Tokens())
}

func TestDecoderRejectsOutOfOrderChunks(t *testing.T) {
	t.Parallel()

	d := NewDecoder(testVocab(t))
	require.Error(t, d.Push(oneHot(3, len(testLabels), "a")))
}

func TestDecoderVocabLookupError(t *testing.T) {
	t.Parallel()

	d := NewDecoder(testVocab(t))
	fl := inference.FrameLogits{Logits: inference.Logits{Rows: 1, Vocab: 12, Data: make([]float32, 12)}}
	fl.Data[10] = 1

	err := d.Push(fl)
	var lookupErr *VocabLookupError
	require.ErrorAs(t, err, &lookupErr)
	require.Equal(t, 10, lookupErr.Index)
	require.Equal(t, len(testLabels), lookupErr.Size)
}

func TestTextRendering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{name: "silence", labels: []string{"_", "_", "_"}, want: ""},
		{name: "only spaces", labels: []string{" ", "_", " "}, want: ""},
		{name: "leading repeat is a space", labels: []string{"2", "a", "b"}, want: "ab"},
		{name: "repeat after space", labels: []string{"a", " ", "2", "b"}, want: "a b"},
		{name: "space runs", labels: []string{" ", "a", " ", "_", " ", "b", " "}, want: "a b"},
		{name: "double letter", labels: []string{"b", "o", "2", "_", "b"}, want: "boob"},
		{name: "letter after its repeat", labels: []string{"l", "2", "l", "o"}, want: "llo"},
	}
	for _, tc := range tests {
		d := NewDecoder(testVocab(t))
		require.NoError(t, d.Push(oneHot(0, len(testLabels), tc.labels...)), tc.name)
		require.Equal(t, tc.want, d.Finish().Text(), tc.name)
	}
}

func TestVocabularyWithoutRepeatLabel(t *testing.T) {
	t.Parallel()

	v, err := NewVocabulary([]string{"<b>", "x", "2"}, VocabOptions{BlankLabel: "<b>", RepeatLabel: "%"})
	require.NoError(t, err)
	require.Equal(t, 0, v.Blank())

	d := NewDecoder(v)
	fl := inference.FrameLogits{Logits: inference.Logits{Rows: 2, Vocab: 3, Data: []float32{0, 1, 0, 0, 0, 1}}}
	require.NoError(t, d.Push(fl))
	require.Equal(t, "x2", d.Finish().Text())
}

func TestVocabularyErrors(t *testing.T) {
	t.Parallel()

	_, err := NewVocabulary(nil, VocabOptions{})
	require.Error(t, err)

	_, err = NewVocabulary([]string{"a", "b"}, VocabOptions{})
	require.ErrorContains(t, err, "blank")

	_, err = ParseVocabulary(strings.NewReader(`{"labels": 1}`), VocabOptions{})
	require.Error(t, err)
}

func TestLoadVocabulary(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, os.WriteFile(path, []byte(`["_", " ", "a", "2"]`), 0o644))

	v, err := LoadVocabulary(path, VocabOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, v.Size())
	label, ok := v.Label(2)
	require.True(t, ok)
	require.Equal(t, "a", label)
	_, ok = v.Label(4)
	require.False(t, ok)

	_, err = LoadVocabulary(filepath.Join(t.TempDir(), "missing.json"), VocabOptions{})
	require.Error(t, err)
}
