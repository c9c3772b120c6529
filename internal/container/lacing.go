package container

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	lacingNone  = 0
	lacingXiph  = 1
	lacingFixed = 2
	lacingEBML  = 3
)

var errLaceBounds = errors.New("lace sizes exceed block payload")

// UnlaceXiph splits data laid out as a frame-count byte (count-1) followed by
// Xiph-coded sizes for all but the last frame. Matroska uses the same layout
// for Vorbis codec private data.
func UnlaceXiph(data []byte) ([][]byte, error) {
	frames, err := unlace(lacingXiph, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentFraming, err)
	}
	return frames, nil
}

// unlace splits a block payload (after the flags byte) into frames.
func unlace(lacing byte, data []byte) ([][]byte, error) {
	if lacing == lacingNone {
		return [][]byte{data}, nil
	}
	if len(data) < 1 {
		return nil, errors.New("laced block missing frame count")
	}
	count := int(data[0]) + 1
	data = data[1:]

	switch lacing {
	case lacingXiph:
		sizes := make([]int, count)
		pos := 0
		for i := 0; i < count-1; i++ {
			size := 0
			for {
				if pos >= len(data) {
					return nil, errLaceBounds
				}
				b := data[pos]
				pos++
				size += int(b)
				if b != 0xFF {
					break
				}
			}
			sizes[i] = size
		}
		return splitLaced(data[pos:], sizes)

	case lacingFixed:
		if len(data)%count != 0 {
			return nil, fmt.Errorf("fixed lacing: %d bytes not divisible into %d frames", len(data), count)
		}
		size := len(data) / count
		sizes := make([]int, count)
		for i := range sizes {
			sizes[i] = size
		}
		return splitLaced(data, sizes)

	case lacingEBML:
		sizes := make([]int, count)
		pos := 0
		if count > 1 {
			first, n, _, err := readVint(data)
			if err != nil {
				return nil, fmt.Errorf("ebml lacing first size: %w", err)
			}
			if first > uint64(len(data)) {
				return nil, errLaceBounds
			}
			pos += n
			sizes[0] = int(first)
			prev := int64(first)
			for i := 1; i < count-1; i++ {
				delta, n, err := readSignedVint(data[pos:])
				if err != nil {
					return nil, fmt.Errorf("ebml lacing size delta: %w", err)
				}
				pos += n
				size := prev + delta
				if size < 0 || size > int64(len(data)) {
					return nil, errLaceBounds
				}
				sizes[i] = int(size)
				prev = size
			}
		}
		return splitLaced(data[pos:], sizes)

	default:
		return nil, fmt.Errorf("unknown lacing mode %d", lacing)
	}
}

// splitLaced cuts data according to sizes; the last size is implied by the
// remainder.
func splitLaced(data []byte, sizes []int) ([][]byte, error) {
	frames := make([][]byte, len(sizes))
	pos := 0
	for i := 0; i < len(sizes)-1; i++ {
		if sizes[i] > len(data)-pos {
			return nil, errLaceBounds
		}
		frames[i] = data[pos : pos+sizes[i]]
		pos += sizes[i]
	}
	last := data[pos:]
	if want := sizes[len(sizes)-1]; want != 0 && want != len(last) {
		// fixed lacing sets every size, so the remainder must agree
		return nil, errLaceBounds
	}
	frames[len(sizes)-1] = last
	return frames, nil
}

type blockHeader struct {
	track    uint64
	timecode int16
	lacing   byte
}

func parseBlockHeader(data []byte) (blockHeader, []byte, error) {
	track, n, _, err := readVint(data)
	if err != nil {
		return blockHeader{}, nil, fmt.Errorf("block track number: %w", err)
	}
	if len(data) < n+3 {
		return blockHeader{}, nil, errors.New("block header truncated")
	}
	h := blockHeader{
		track:    track,
		timecode: int16(binary.BigEndian.Uint16(data[n : n+2])),
		lacing:   (data[n+2] & 0x06) >> 1,
	}
	return h, data[n+3:], nil
}
