// Package inference runs the acoustic model over audio windows and stitches
// the per-window logits into one sequence in which every time frame appears
// exactly once.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrShapeMismatch reports executor output whose dimensions disagree with the
// configured model geometry.
var ErrShapeMismatch = errors.New("model output shape mismatch")

// ModelExecutionError is fatal for the file being transcribed; it is never
// retried.
type ModelExecutionError struct {
	// Window is the index of the first window of the failing batch.
	Window int
	Err    error
}

func (e *ModelExecutionError) Error() string {
	return fmt.Sprintf("model execution failed at window %d: %v", e.Window, e.Err)
}

func (e *ModelExecutionError) Unwrap() error {
	return e.Err
}

// Logits is a row-major Rows x Vocab matrix of scores.
type Logits struct {
	Rows  int
	Vocab int
	Data  []float32
}

// Row returns row i without copying.
func (l Logits) Row(i int) []float32 {
	return l.Data[i*l.Vocab : (i+1)*l.Vocab]
}

// FrameLogits is a run of stitched rows. StartRow is the absolute index of
// the first row in the file's logits sequence.
type FrameLogits struct {
	StartRow int64
	Logits
}

// Executor runs the model on a batch of equal-length mono windows and returns
// one Logits per window. Implementations must be safe for concurrent use.
type Executor interface {
	Infer(ctx context.Context, batch [][]float32) ([]Logits, error)
}

func validateLogits(l Logits, vocab, minRows int) error {
	if l.Vocab != vocab {
		return fmt.Errorf("%w: vocabulary dimension %d, want %d", ErrShapeMismatch, l.Vocab, vocab)
	}
	if l.Rows < minRows {
		return fmt.Errorf("%w: %d rows, want at least %d", ErrShapeMismatch, l.Rows, minRows)
	}
	if len(l.Data) != l.Rows*l.Vocab {
		return fmt.Errorf("%w: %d values for %dx%d", ErrShapeMismatch, len(l.Data), l.Rows, l.Vocab)
	}
	return nil
}
