package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimecodeScale = 1_000_000 // ns per tick
	maxHeaderLen         = 12        // 4-byte id + 8-byte size
	resyncChunk          = 64 << 10

	// Matroska defaults applied when the element is absent.
	defaultChannels     = 1
	defaultSamplingFreq = 8000
)

var supportedCodecIDs = map[string]Codec{
	"A_OPUS":           CodecOpus,
	"A_VORBIS":         CodecVorbis,
	"A_PCM/INT/LIT":    CodecPCM,
	"A_PCM/FLOAT/IEEE": CodecPCM,
}

// openMaster is a master element the reader has descended into. end is the
// exclusive bound of its content: its own extent when the size is known, the
// nearest bounded ancestor otherwise.
type openMaster struct {
	id      uint32
	end     int64
	unknown bool
}

type matroskaDemuxer struct {
	src    *source
	logger *zap.Logger

	maxLookahead int64

	track       TrackDescriptor
	trackNumber uint64

	pos   int64
	stack []openMaster

	timecodeScale int64
	clusterTime   int64

	pending []Frame
	index   int64
}

func openMatroska(src *source, o options) (*matroskaDemuxer, error) {
	d := &matroskaDemuxer{
		src:           src,
		logger:        o.logger,
		maxLookahead:  o.maxLookahead,
		timecodeScale: defaultTimecodeScale,
	}

	if err := d.readEBMLHeader(); err != nil {
		return nil, err
	}
	if err := d.readHeaders(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *matroskaDemuxer) Track() TrackDescriptor {
	return d.track
}

func (d *matroskaDemuxer) readEBMLHeader() error {
	buf, err := d.src.readUpTo(0, maxHeaderLen)
	if err != nil {
		return parseErr(KindMatroska, 0, ErrTruncatedHeader, "ebml header: %v", err)
	}
	if len(buf) < 4 || binary.BigEndian.Uint32(buf) != idEBML {
		return parseErr(KindMatroska, 0, ErrInconsistentFraming, "missing EBML signature")
	}
	h, err := parseElementHeader(buf, 0)
	if err != nil {
		return parseErr(KindMatroska, 0, ErrTruncatedHeader, "ebml header: %v", err)
	}
	if h.size.unknown {
		return parseErr(KindMatroska, 0, ErrInconsistentFraming, "ebml header has unknown size")
	}
	payload, err := d.src.read(h.dataOffset(), h.size.n)
	if err != nil {
		return parseErr(KindMatroska, h.dataOffset(), ErrTruncatedHeader, "ebml header payload: %v", err)
	}

	docType := "matroska"
	err = walkChildren(payload, h.dataOffset(), func(child elementHeader, data []byte) error {
		if child.id == idDocType {
			docType = strings.TrimRight(string(data), "\x00")
		}
		return nil
	})
	if err != nil {
		return &ParseError{Container: KindMatroska, Offset: h.dataOffset(), Err: err}
	}
	if docType != "webm" && docType != "matroska" {
		return parseErr(KindMatroska, h.dataOffset(), ErrUnsupportedCodec, "doc type %q", docType)
	}

	d.pos = h.end()
	return nil
}

// readHeaders advances through the segment until the Tracks element has been
// parsed, leaving the reader positioned after it.
func (d *matroskaDemuxer) readHeaders() error {
	for {
		h, err := d.nextElement()
		if errors.Is(err, io.EOF) {
			return parseErr(KindMatroska, d.pos, ErrTruncatedHeader, "no Tracks element before end of file")
		}
		if err != nil {
			return err
		}

		switch h.id {
		case idSegment:
			d.enter(h)
		case idInfo:
			payload, err := d.payload(h)
			if err != nil {
				return err
			}
			if err := d.parseInfo(h, payload); err != nil {
				return err
			}
		case idTracks:
			payload, err := d.payload(h)
			if err != nil {
				return err
			}
			return d.selectTrack(h, payload)
		case idCluster:
			return parseErr(KindMatroska, h.offset, ErrInconsistentFraming, "cluster precedes Tracks element")
		default:
			d.skip(h)
		}
	}
}

func (d *matroskaDemuxer) parseInfo(h elementHeader, payload []byte) error {
	err := walkChildren(payload, h.dataOffset(), func(child elementHeader, data []byte) error {
		if child.id == idTimecodeScale {
			if scale := readUint(data); scale > 0 {
				d.timecodeScale = int64(scale)
			}
		}
		return nil
	})
	if err != nil {
		return &ParseError{Container: KindMatroska, Offset: h.offset, Err: err}
	}
	return nil
}

type trackEntry struct {
	number       uint64
	trackType    uint64
	codecID      string
	codecPrivate []byte
	codecDelay   uint64

	sampleRate    float64
	hasSampleRate bool
	channels      uint64
	hasChannels   bool
	bitDepth      uint64
}

func (d *matroskaDemuxer) selectTrack(h elementHeader, payload []byte) error {
	var entries []trackEntry
	err := walkChildren(payload, h.dataOffset(), func(child elementHeader, data []byte) error {
		if child.id != idTrackEntry {
			return nil
		}
		entry, err := parseTrackEntry(child, data)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return &ParseError{Container: KindMatroska, Offset: h.offset, Err: err}
	}

	for _, entry := range entries {
		if entry.trackType != trackTypeAudio {
			continue
		}
		codec, ok := supportedCodecIDs[entry.codecID]
		if !ok {
			d.logger.Debug("skipping audio track with unsupported codec",
				zap.Uint64("track", entry.number), zap.String("codec_id", entry.codecID))
			continue
		}

		track := TrackDescriptor{
			Codec:        codec,
			SampleRate:   defaultSamplingFreq,
			Channels:     defaultChannels,
			CodecPrivate: entry.codecPrivate,
			CodecDelay:   time.Duration(entry.codecDelay),
		}
		if entry.hasSampleRate {
			track.SampleRate = int(entry.sampleRate + 0.5)
		}
		if entry.hasChannels {
			track.Channels = int(entry.channels)
		}
		if codec == CodecPCM {
			track.BitDepth = int(entry.bitDepth)
			track.Encoding = EncodingInt
			if entry.codecID == "A_PCM/FLOAT/IEEE" {
				track.Encoding = EncodingFloat
			}
		}
		if err := track.validate(KindMatroska, h.offset); err != nil {
			return err
		}

		d.track = track
		d.trackNumber = entry.number
		d.logger.Debug("selected matroska audio track",
			zap.Uint64("track", entry.number), zap.Stringer("descriptor", track))
		return nil
	}

	return parseErr(KindMatroska, h.offset, ErrUnsupportedCodec, "no audio track with a supported codec among %d tracks", len(entries))
}

func parseTrackEntry(h elementHeader, payload []byte) (trackEntry, error) {
	var entry trackEntry
	err := walkChildren(payload, h.dataOffset(), func(child elementHeader, data []byte) error {
		switch child.id {
		case idTrackNumber:
			entry.number = readUint(data)
		case idTrackType:
			entry.trackType = readUint(data)
		case idCodecID:
			entry.codecID = strings.TrimRight(string(data), "\x00")
		case idCodecPrivate:
			entry.codecPrivate = append([]byte(nil), data...)
		case idCodecDelay:
			entry.codecDelay = readUint(data)
		case idAudio:
			return walkChildren(data, child.dataOffset(), func(audio elementHeader, v []byte) error {
				switch audio.id {
				case idSamplingFrequency:
					rate, err := readFloat(v)
					if err != nil {
						return fmt.Errorf("%w: sampling frequency: %v", ErrInconsistentFraming, err)
					}
					entry.sampleRate = rate
					entry.hasSampleRate = true
				case idChannels:
					entry.channels = readUint(v)
					entry.hasChannels = true
				case idBitDepth:
					entry.bitDepth = readUint(v)
				}
				return nil
			})
		}
		return nil
	})
	return entry, err
}

func (d *matroskaDemuxer) Next() (Frame, error) {
	for {
		if len(d.pending) > 0 {
			frame := d.pending[0]
			d.pending = d.pending[1:]
			return frame, nil
		}

		h, err := d.nextElement()
		if err != nil {
			return Frame{}, err
		}

		switch h.id {
		case idSegment:
			d.enter(h)
		case idCluster:
			d.enter(h)
			d.clusterTime = 0
		case idTimecode:
			payload, err := d.payload(h)
			if err != nil {
				return Frame{}, err
			}
			d.clusterTime = int64(readUint(payload))
		case idSimpleBlock:
			payload, err := d.payload(h)
			if err != nil {
				return Frame{}, err
			}
			if err := d.queueBlock(h.dataOffset(), payload); err != nil {
				return Frame{}, err
			}
		case idBlockGroup:
			payload, err := d.payload(h)
			if err != nil {
				return Frame{}, err
			}
			err = walkChildren(payload, h.dataOffset(), func(child elementHeader, data []byte) error {
				if child.id == idBlock {
					return d.queueBlock(child.dataOffset(), data)
				}
				return nil
			})
			if err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					return Frame{}, err
				}
				return Frame{}, &ParseError{Container: KindMatroska, Offset: h.offset, Err: err}
			}
		default:
			d.skip(h)
		}
	}
}

func (d *matroskaDemuxer) queueBlock(offset int64, payload []byte) error {
	bh, rest, err := parseBlockHeader(payload)
	if err != nil {
		return parseErr(KindMatroska, offset, ErrInconsistentFraming, "%v", err)
	}
	if bh.track != d.trackNumber {
		return nil
	}
	frames, err := unlace(bh.lacing, rest)
	if err != nil {
		return parseErr(KindMatroska, offset, ErrInconsistentFraming, "%v", err)
	}

	ts := time.Duration((d.clusterTime + int64(bh.timecode)) * d.timecodeScale)
	for _, data := range frames {
		d.pending = append(d.pending, Frame{
			Index:     d.index,
			Timestamp: ts,
			Data:      data,
		})
		d.index++
	}
	return nil
}

// limit is the exclusive bound of the innermost open master.
func (d *matroskaDemuxer) limit() int64 {
	if len(d.stack) == 0 {
		return d.src.size
	}
	return d.stack[len(d.stack)-1].end
}

func (d *matroskaDemuxer) enter(h elementHeader) {
	m := openMaster{id: h.id, end: d.limit(), unknown: h.size.unknown}
	if !h.size.unknown {
		m.end = h.end()
	}
	d.stack = append(d.stack, m)
	d.pos = h.dataOffset()
}

func (d *matroskaDemuxer) pop() {
	d.stack = d.stack[:len(d.stack)-1]
}

func (d *matroskaDemuxer) skip(h elementHeader) {
	d.logger.Debug("skipping matroska element", zap.String("id", fmt.Sprintf("%#x", h.id)), zap.Int64("offset", h.offset))
	d.pos = h.end()
}

func (d *matroskaDemuxer) payload(h elementHeader) ([]byte, error) {
	data, err := d.src.read(h.dataOffset(), h.size.n)
	if err != nil {
		return nil, parseErr(KindMatroska, h.offset, ErrInconsistentFraming, "element %#x payload: %v", h.id, err)
	}
	d.pos = h.end()
	return data, nil
}

// nextElement returns the header of the next element at the current nesting
// level. It closes masters whose extent has been consumed, ends unknown-size
// masters at the first ID that cannot be their child, clamps truncated
// Segment and Cluster sizes, and resynchronizes past unrecognized content.
// The returned header always has a known size.
func (d *matroskaDemuxer) nextElement() (elementHeader, error) {
	for {
		for len(d.stack) > 0 && d.pos >= d.stack[len(d.stack)-1].end {
			d.pos = d.stack[len(d.stack)-1].end
			d.pop()
		}
		if d.pos >= d.src.size {
			return elementHeader{}, io.EOF
		}

		var parent *openMaster
		if len(d.stack) > 0 {
			parent = &d.stack[len(d.stack)-1]
		}
		inUnknown := parent != nil && parent.unknown

		buf, err := d.src.readUpTo(d.pos, maxHeaderLen)
		if err != nil {
			return elementHeader{}, parseErr(KindMatroska, d.pos, ErrInconsistentFraming, "read element header: %v", err)
		}
		h, err := parseElementHeader(buf, d.pos)
		if err != nil {
			if errors.Is(err, errVintTooShort) && d.src.size-d.pos < maxHeaderLen {
				d.logger.Warn("matroska stream ends inside an element header; treating as end of stream",
					zap.Int64("offset", d.pos))
				d.pos = d.src.size
				return elementHeader{}, io.EOF
			}
			if inUnknown {
				if err := d.resync(d.pos + 1); err != nil {
					return elementHeader{}, err
				}
				continue
			}
			return elementHeader{}, parseErr(KindMatroska, d.pos, ErrInconsistentFraming, "element header: %v", err)
		}

		if inUnknown && !isChild(parent.id, h.id) {
			if isAncestorLevel(parent.id, h.id) {
				d.pop()
				continue
			}
			d.logger.Debug("unrecognized element inside unknown-size parent; resynchronizing",
				zap.String("id", fmt.Sprintf("%#x", h.id)), zap.Int64("offset", h.offset))
			if err := d.resync(h.offset + 1); err != nil {
				return elementHeader{}, err
			}
			continue
		}

		isMaster := h.id == idSegment || h.id == idCluster
		if h.size.unknown {
			if isMaster {
				return h, nil
			}
			d.logger.Debug("element of unknown size; resynchronizing",
				zap.String("id", fmt.Sprintf("%#x", h.id)), zap.Int64("offset", h.offset))
			if err := d.resync(h.offset + 1); err != nil {
				return elementHeader{}, err
			}
			continue
		}

		if isMaster && h.end() > d.src.size {
			d.logger.Warn("matroska element runs past end of file; clamping",
				zap.String("id", fmt.Sprintf("%#x", h.id)),
				zap.Int64("declared_end", h.end()),
				zap.Int64("file_size", d.src.size))
			h.size = knownSize(d.src.size - h.dataOffset())
		}
		if h.end() > d.limit() {
			return elementHeader{}, parseErr(KindMatroska, h.offset, ErrInconsistentFraming,
				"element %#x size %s exceeds parent bound %d", h.id, h.size, d.limit())
		}
		return h, nil
	}
}

// resync scans forward from start for the next level-1 element ID within the
// lookahead window and repositions the reader there as a child of the
// segment.
func (d *matroskaDemuxer) resync(start int64) error {
	bound := start + d.maxLookahead
	segment := -1
	for i := len(d.stack) - 1; i >= 0; i-- {
		if d.stack[i].id == idSegment {
			segment = i
			break
		}
	}
	if segment >= 0 && d.stack[segment].end < bound {
		bound = d.stack[segment].end
	}
	if d.src.size < bound {
		bound = d.src.size
	}

	for off := start; off+4 <= bound; {
		n := int64(resyncChunk)
		if rem := bound - off; n > rem {
			n = rem
		}
		buf, err := d.src.read(off, n)
		if err != nil {
			return parseErr(KindMatroska, off, ErrInconsistentFraming, "resync read: %v", err)
		}
		for i := 0; i+4 <= len(buf); i++ {
			if levelOneIDs[binary.BigEndian.Uint32(buf[i:])] {
				found := off + int64(i)
				d.logger.Debug("resynchronized on level-1 element",
					zap.Int64("from", start), zap.Int64("to", found))
				if segment >= 0 {
					for len(d.stack) > segment+1 {
						d.pop()
					}
				}
				d.pos = found
				return nil
			}
		}
		if n < 4 {
			break
		}
		off += n - 3
	}

	return parseErr(KindMatroska, start, ErrUnknownElement, "no level-1 element within %d bytes", d.maxLookahead)
}
