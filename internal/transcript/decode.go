package transcript

import (
	"fmt"
	"strings"

	"github.com/fmueller/voxscribe/internal/inference"
)

// ArgMax returns the index of the largest score, the first one on ties.
// It returns -1 for an empty row.
func ArgMax(row []float32) int {
	best := -1
	for i, v := range row {
		if best < 0 || v > row[best] {
			best = i
		}
	}
	return best
}

// collapser works one index at a time so runs that span chunk boundaries
// collapse the same way as runs inside one chunk.
type collapser struct {
	blank   int
	last    int
	started bool
}

func (c *collapser) push(idx int) bool {
	if idx == c.blank {
		return false
	}
	if c.started && idx == c.last {
		return false
	}
	c.last = idx
	c.started = true
	return true
}

// Collapse drops blanks and merges runs of the same index, including runs
// interrupted only by blanks. Label sets spell doubled letters with the
// repeat label instead. Collapse(Collapse(x)) == Collapse(x).
func Collapse(indices []int, blank int) []int {
	c := collapser{blank: blank}
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if c.push(idx) {
			out = append(out, idx)
		}
	}
	return out
}

type piece struct {
	text   string
	repeat bool
}

// Transcript is the ordered sequence of decoded pieces of one file.
type Transcript struct {
	pieces []piece
	space  string
}

// Tokens returns the raw pieces; repeat markers appear as an empty string.
func (t Transcript) Tokens() []string {
	out := make([]string, len(t.pieces))
	for i, p := range t.pieces {
		out[i] = p.text
	}
	return out
}

// Text renders the transcript. A repeat marker stands for the piece before
// it, or a space at the very start; a piece equal to the one just rendered
// is dropped. Runs of spaces collapse to one and the result is trimmed.
func (t Transcript) Text() string {
	var b strings.Builder
	prev := ""
	for i, p := range t.pieces {
		text := p.text
		switch {
		case p.repeat && i == 0:
			text = t.space
		case p.repeat:
			text = prev
		case text == prev:
			continue
		}
		b.WriteString(text)
		prev = text
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Decoder greedily decodes stitched logits as they arrive.
type Decoder struct {
	vocab    *Vocabulary
	collapse collapser
	rows     int64
	pieces   []piece
}

func NewDecoder(vocab *Vocabulary) *Decoder {
	return &Decoder{vocab: vocab, collapse: collapser{blank: vocab.blank}}
}

// Push decodes the next run of rows. Runs must arrive in row order.
func (d *Decoder) Push(fl inference.FrameLogits) error {
	if fl.StartRow != d.rows {
		return fmt.Errorf("logits out of order: got row %d, want %d", fl.StartRow, d.rows)
	}

	for r := 0; r < fl.Rows; r++ {
		idx := ArgMax(fl.Row(r))
		row := fl.StartRow + int64(r)
		if idx < 0 || idx >= d.vocab.Size() {
			return &VocabLookupError{Index: idx, Row: row, Size: d.vocab.Size()}
		}
		if !d.collapse.push(idx) {
			continue
		}
		if idx == d.vocab.repeat {
			d.pieces = append(d.pieces, piece{repeat: true})
			continue
		}
		d.pieces = append(d.pieces, piece{text: d.vocab.labels[idx]})
	}
	d.rows += int64(fl.Rows)
	return nil
}

// Rows reports how many rows have been decoded.
func (d *Decoder) Rows() int64 {
	return d.rows
}

func (d *Decoder) Finish() Transcript {
	return Transcript{pieces: d.pieces, space: d.vocab.space}
}
