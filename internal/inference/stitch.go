package inference

import (
	"fmt"

	"github.com/fmueller/voxscribe/internal/dsp"
)

// Stitch selects the rows of one window's logits that extend the stitched
// sequence: rows [Skip, Skip+Keep) become absolute rows starting at StartRow.
type Stitch struct {
	StartRow int64
	Skip     int
	Keep     int
}

// PlanStitch computes the stitch for w given that emitted rows have already
// been produced. Rows covering the overlap with the previous window are
// dropped, and rows past the window's real samples are never kept.
func PlanStitch(emitted int64, w dsp.Window, stride int) (Stitch, error) {
	if stride <= 0 {
		return Stitch{}, fmt.Errorf("frame stride must be positive, got %d", stride)
	}
	s := int64(stride)
	if w.Start%s != 0 || int64(w.Overlap)%s != 0 {
		return Stitch{}, fmt.Errorf("window %d: start %d and overlap %d must be multiples of the frame stride %d",
			w.Index, w.Start, w.Overlap, stride)
	}

	startRow := w.Start / s
	skip := int64(w.Overlap) / s
	if startRow+skip != emitted {
		return Stitch{}, fmt.Errorf("window %d: stitch expects row %d but %d rows were emitted",
			w.Index, startRow+skip, emitted)
	}

	end := (w.Start + int64(w.Valid) + s - 1) / s
	keep := end - emitted
	if keep < 0 {
		keep = 0
	}

	return Stitch{StartRow: emitted, Skip: int(skip), Keep: int(keep)}, nil
}

// RowsFor returns ceil(samples/stride), the number of logits rows that cover
// the given number of samples.
func RowsFor(samples int64, stride int) int64 {
	return (samples + int64(stride) - 1) / int64(stride)
}
