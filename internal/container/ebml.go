package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EBML and Matroska element IDs (marker bits included).
const (
	idEBML        uint32 = 0x1A45DFA3
	idDocType     uint32 = 0x4282
	idSegment     uint32 = 0x18538067
	idSeekHead    uint32 = 0x114D9B74
	idInfo        uint32 = 0x1549A966
	idTracks      uint32 = 0x1654AE6B
	idCluster     uint32 = 0x1F43B675
	idCues        uint32 = 0x1C53BB6B
	idTags        uint32 = 0x1254C367
	idChapters    uint32 = 0x1043A770
	idAttachments uint32 = 0x1941A469
	idVoid        uint32 = 0xEC
	idCRC32       uint32 = 0xBF

	idTimecodeScale uint32 = 0x2AD7B1

	idTrackEntry        uint32 = 0xAE
	idTrackNumber       uint32 = 0xD7
	idTrackType         uint32 = 0x83
	idCodecID           uint32 = 0x86
	idCodecPrivate      uint32 = 0x63A2
	idCodecDelay        uint32 = 0x56AA
	idAudio             uint32 = 0xE1
	idSamplingFrequency uint32 = 0xB5
	idChannels          uint32 = 0x9F
	idBitDepth          uint32 = 0x6264

	idTimecode       uint32 = 0xE7
	idPosition       uint32 = 0xA7
	idPrevSize       uint32 = 0xAB
	idSilentTracks   uint32 = 0x5854
	idSimpleBlock    uint32 = 0xA3
	idBlockGroup     uint32 = 0xA0
	idBlock          uint32 = 0xA1
	idEncryptedBlock uint32 = 0xAF
)

const trackTypeAudio = 2

// levelOneIDs are the children of Segment. They are four bytes long, which
// makes them usable as resynchronization markers.
var levelOneIDs = map[uint32]bool{
	idSeekHead:    true,
	idInfo:        true,
	idTracks:      true,
	idCluster:     true,
	idCues:        true,
	idTags:        true,
	idChapters:    true,
	idAttachments: true,
}

var clusterChildIDs = map[uint32]bool{
	idTimecode:       true,
	idPosition:       true,
	idPrevSize:       true,
	idSilentTracks:   true,
	idSimpleBlock:    true,
	idBlockGroup:     true,
	idEncryptedBlock: true,
	idVoid:           true,
	idCRC32:          true,
}

// isChild reports whether id may appear directly inside parent. Only the
// masters that are allowed an unknown size need an answer.
func isChild(parent, id uint32) bool {
	switch parent {
	case idSegment:
		return levelOneIDs[id] || id == idVoid || id == idCRC32
	case idCluster:
		return clusterChildIDs[id]
	default:
		return false
	}
}

// isAncestorLevel reports whether id belongs to a level at or above parent,
// which means it terminates an unknown-size parent.
func isAncestorLevel(parent, id uint32) bool {
	switch parent {
	case idCluster:
		return levelOneIDs[id] || id == idSegment || id == idEBML
	case idSegment:
		return id == idSegment || id == idEBML
	default:
		return false
	}
}

var (
	errVintZero     = errors.New("invalid vint: leading byte is zero")
	errVintTooShort = errors.New("vint runs past end of data")
)

// elementSize is the size field of an element: either a known byte count or
// the unknown-size sentinel (all value bits set).
type elementSize struct {
	n       int64
	unknown bool
}

func knownSize(n int64) elementSize {
	return elementSize{n: n}
}

var unknownSize = elementSize{unknown: true}

func (s elementSize) String() string {
	if s.unknown {
		return "unknown"
	}
	return fmt.Sprintf("%d", s.n)
}

type elementHeader struct {
	id        uint32
	size      elementSize
	offset    int64
	headerLen int64
}

func (h elementHeader) dataOffset() int64 {
	return h.offset + h.headerLen
}

// end returns the offset just past the element; only valid for known sizes.
func (h elementHeader) end() int64 {
	return h.dataOffset() + h.size.n
}

func vintLength(first byte) int {
	if first == 0 {
		return 0
	}
	n := 1
	for mask := byte(0x80); first&mask == 0; mask >>= 1 {
		n++
	}
	return n
}

// readElementID decodes an element ID keeping its marker bits.
func readElementID(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errVintTooShort
	}
	n := vintLength(b[0])
	if n == 0 || n > 4 {
		return 0, 0, fmt.Errorf("invalid element id leading byte %#x", b[0])
	}
	if len(b) < n {
		return 0, 0, errVintTooShort
	}
	var id uint32
	for i := 0; i < n; i++ {
		id = id<<8 | uint32(b[i])
	}
	return id, n, nil
}

// readVint decodes a variable-length integer with its marker bit stripped.
// allOnes is set when every value bit is 1.
func readVint(b []byte) (value uint64, n int, allOnes bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, errVintTooShort
	}
	n = vintLength(b[0])
	if n == 0 {
		return 0, 0, false, errVintZero
	}
	if len(b) < n {
		return 0, 0, false, errVintTooShort
	}
	value = uint64(b[0] & (0xFF >> uint(n)))
	for i := 1; i < n; i++ {
		value = value<<8 | uint64(b[i])
	}
	allOnes = value == (uint64(1)<<(7*uint(n)))-1
	return value, n, allOnes, nil
}

// readSignedVint decodes the signed variant used by EBML lace deltas.
func readSignedVint(b []byte) (int64, int, error) {
	value, n, _, err := readVint(b)
	if err != nil {
		return 0, 0, err
	}
	bias := int64(1)<<(7*uint(n)-1) - 1
	return int64(value) - bias, n, nil
}

// parseElementHeader decodes the ID and size at the start of b. offset is
// the absolute position of b[0] and is recorded in the header.
func parseElementHeader(b []byte, offset int64) (elementHeader, error) {
	id, idLen, err := readElementID(b)
	if err != nil {
		return elementHeader{}, err
	}
	value, sizeLen, allOnes, err := readVint(b[idLen:])
	if err != nil {
		return elementHeader{}, err
	}

	size := knownSize(int64(value))
	if allOnes {
		size = unknownSize
	} else if value > math.MaxInt64/2 {
		return elementHeader{}, fmt.Errorf("element %#x size %d out of range", id, value)
	}

	return elementHeader{
		id:        id,
		size:      size,
		offset:    offset,
		headerLen: int64(idLen + sizeLen),
	}, nil
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func readFloat(b []byte) (float64, error) {
	switch len(b) {
	case 0:
		return 0, nil
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("invalid float element length %d", len(b))
	}
}

// walkChildren iterates the children of a fully buffered master element.
// Unknown sizes are not permitted inside buffered masters.
func walkChildren(data []byte, base int64, fn func(h elementHeader, payload []byte) error) error {
	pos := 0
	for pos < len(data) {
		h, err := parseElementHeader(data[pos:], base+int64(pos))
		if err != nil {
			return fmt.Errorf("%w: child header at %d: %v", ErrInconsistentFraming, base+int64(pos), err)
		}
		if h.size.unknown {
			return fmt.Errorf("%w: element %#x at %d has unknown size inside a sized parent", ErrInconsistentFraming, h.id, h.offset)
		}
		start := pos + int(h.headerLen)
		if h.size.n > int64(len(data)-start) {
			return fmt.Errorf("%w: element %#x at %d size %d exceeds parent", ErrInconsistentFraming, h.id, h.offset, h.size.n)
		}
		end := start + int(h.size.n)
		if err := fn(h, data[start:end]); err != nil {
			return err
		}
		pos = end
	}
	return nil
}
