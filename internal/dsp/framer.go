package dsp

import (
	"errors"
	"fmt"
	"io"
)

// SampleSource yields runs of mono samples, ending with io.EOF.
type SampleSource interface {
	Next() ([]float32, error)
}

// Window is a fixed-length slice of the mono signal handed to the model.
type Window struct {
	Index int
	// Start is the absolute offset of Samples[0] in the model-rate stream.
	Start   int64
	Samples []float32
	// Valid counts the leading samples that are real audio; the rest is zero
	// padding.
	Valid int
	// Overlap is the number of leading samples shared with the previous
	// window, 0 for the first.
	Overlap int
}

// Framer cuts a sample stream into windows of a fixed length that advance by
// length-overlap samples.
type Framer struct {
	src     SampleSource
	length  int
	overlap int
	hop     int

	buf      []float32 // samples from bufStart on
	bufStart int64
	total    int64 // samples received so far
	eof      bool
	index    int
}

func NewFramer(src SampleSource, length, overlap int) (*Framer, error) {
	if length <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", length)
	}
	if overlap < 0 || overlap >= length {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", length, overlap)
	}
	return &Framer{
		src:     src,
		length:  length,
		overlap: overlap,
		hop:     length - overlap,
	}, nil
}

// Next returns the next window or io.EOF once the stream is covered.
func (f *Framer) Next() (Window, error) {
	start := int64(f.index) * int64(f.hop)

	for !f.eof && f.total < start+int64(f.length) {
		samples, err := f.src.Next()
		if errors.Is(err, io.EOF) {
			f.eof = true
			break
		}
		if err != nil {
			return Window{}, err
		}
		f.buf = append(f.buf, samples...)
		f.total += int64(len(samples))
	}

	// A later window is only worth emitting when it reaches past the samples
	// the previous window already covered.
	covered := start
	if f.index > 0 {
		covered = start + int64(f.overlap)
	}
	if f.total <= covered {
		f.buf = nil
		return Window{}, io.EOF
	}

	valid := int(min(int64(f.length), f.total-start))
	offset := int(start - f.bufStart)

	w := Window{
		Index:   f.index,
		Start:   start,
		Samples: make([]float32, f.length),
		Valid:   valid,
	}
	copy(w.Samples, f.buf[offset:offset+valid])
	if f.index > 0 {
		w.Overlap = f.overlap
	}

	f.index++
	nextStart := start + int64(f.hop)
	if drop := int(nextStart - f.bufStart); drop > 0 {
		drop = min(drop, len(f.buf))
		f.buf = f.buf[drop:]
		f.bufStart += int64(drop)
	}
	return w, nil
}
