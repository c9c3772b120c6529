package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE

	riffHeaderSize  = 12
	chunkHeaderSize = 8
)

// Sub-format GUID tails shared by KSDATAFORMAT_SUBTYPE_PCM and _IEEE_FLOAT.
var wavGUIDTail = []byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

type wavDemuxer struct {
	src   *source
	track TrackDescriptor

	pos        int64
	end        int64
	frameBytes int64
	index      int64
	emitted    int64
}

func openWAV(src *source, o options) (*wavDemuxer, error) {
	header, err := src.read(0, riffHeaderSize)
	if err != nil {
		return nil, parseErr(KindWAV, 0, ErrTruncatedHeader, "riff header: %v", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, parseErr(KindWAV, 0, ErrInconsistentFraming, "missing RIFF/WAVE signature")
	}

	var (
		track      TrackDescriptor
		blockAlign int
		dataOffset int64
		dataSize   int64
		hasFmt     bool
		hasData    bool
	)

	pos := int64(riffHeaderSize)
	for pos < src.size && !hasData {
		chunkHeader, err := src.read(pos, chunkHeaderSize)
		if err != nil {
			if hasFmt {
				break
			}
			return nil, parseErr(KindWAV, pos, ErrTruncatedHeader, "chunk header: %v", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))
		chunkStart := pos + chunkHeaderSize
		remaining := src.size - chunkStart

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, parseErr(KindWAV, pos, ErrTruncatedHeader, "fmt chunk too small (%d bytes)", chunkSize)
			}
			if chunkSize > remaining {
				return nil, parseErr(KindWAV, pos, ErrInconsistentFraming, "fmt chunk size %d exceeds file", chunkSize)
			}
			buf, err := src.read(chunkStart, chunkSize)
			if err != nil {
				return nil, parseErr(KindWAV, chunkStart, ErrTruncatedHeader, "fmt chunk: %v", err)
			}
			track, blockAlign, err = parseFmtChunk(buf)
			if err != nil {
				return nil, &ParseError{Container: KindWAV, Offset: chunkStart, Err: err}
			}
			hasFmt = true
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			if chunkSize == 0 || chunkSize == 0xFFFFFFFF {
				// Streaming writers leave the size unset until the end.
				dataSize = remaining
				o.logger.Debug("wav data chunk size unset; reading to end of file", zap.Int64("bytes", dataSize))
			} else if chunkSize > remaining {
				return nil, parseErr(KindWAV, pos, ErrInconsistentFraming, "data chunk size %d exceeds remaining %d bytes", chunkSize, remaining)
			}
			hasData = true
		default:
			if chunkSize > remaining {
				return nil, parseErr(KindWAV, pos, ErrInconsistentFraming, "chunk %q size %d exceeds file", chunkID, chunkSize)
			}
			o.logger.Debug("skipping wav chunk", zap.String("chunk", chunkID), zap.Int64("size", chunkSize))
		}

		skip := chunkSize
		if chunkSize%2 != 0 {
			skip++
		}
		pos = chunkStart + skip
	}

	if !hasFmt {
		return nil, parseErr(KindWAV, pos, ErrTruncatedHeader, "missing fmt chunk")
	}
	if !hasData {
		return nil, parseErr(KindWAV, pos, ErrTruncatedHeader, "missing data chunk")
	}
	if err := track.validate(KindWAV, dataOffset); err != nil {
		return nil, err
	}
	if blockAlign != track.BytesPerFrame() {
		o.logger.Debug("wav block align disagrees with format; using computed frame size",
			zap.Int("block_align", blockAlign), zap.Int("frame_bytes", track.BytesPerFrame()))
	}

	frameBytes := int64(track.BytesPerFrame())
	if trailing := dataSize % frameBytes; trailing != 0 {
		o.logger.Warn("wav data ends with a partial sample frame; ignoring trailing bytes", zap.Int64("bytes", trailing))
		dataSize -= trailing
	}

	return &wavDemuxer{
		src:        src,
		track:      track,
		pos:        dataOffset,
		end:        dataOffset + dataSize,
		frameBytes: frameBytes * int64(o.pcmFrames),
	}, nil
}

func parseFmtChunk(buf []byte) (TrackDescriptor, int, error) {
	audioFormat := binary.LittleEndian.Uint16(buf[0:2])
	channels := int(binary.LittleEndian.Uint16(buf[2:4]))
	sampleRate := int(binary.LittleEndian.Uint32(buf[4:8]))
	blockAlign := int(binary.LittleEndian.Uint16(buf[12:14]))
	bitsPerSample := int(binary.LittleEndian.Uint16(buf[14:16]))

	if audioFormat == wavFormatExtensible {
		if len(buf) < 40 {
			return TrackDescriptor{}, 0, fmt.Errorf("%w: extensible fmt chunk too small", ErrTruncatedHeader)
		}
		guid := buf[24:40]
		if !bytes.Equal(guid[2:], wavGUIDTail) {
			return TrackDescriptor{}, 0, fmt.Errorf("%w: unknown extensible sub-format", ErrUnsupportedCodec)
		}
		audioFormat = binary.LittleEndian.Uint16(guid[0:2])
	}

	track := TrackDescriptor{
		Codec:      CodecPCM,
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitsPerSample,
	}
	switch audioFormat {
	case wavFormatPCM:
		track.Encoding = EncodingInt
	case wavFormatIEEEFloat:
		track.Encoding = EncodingFloat
	default:
		return TrackDescriptor{}, 0, fmt.Errorf("%w: wav format tag %#x", ErrUnsupportedCodec, audioFormat)
	}
	return track, blockAlign, nil
}

func validatePCM(encoding SampleEncoding, bitsPerSample int) error {
	switch encoding {
	case EncodingInt:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case EncodingFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return fmt.Errorf("%w: pcm encoding %d with %d bits per sample", ErrUnsupportedCodec, encoding, bitsPerSample)
}

func (d *wavDemuxer) Track() TrackDescriptor {
	return d.track
}

func (d *wavDemuxer) Next() (Frame, error) {
	if d.pos >= d.end {
		return Frame{}, io.EOF
	}

	n := d.frameBytes
	if rem := d.end - d.pos; n > rem {
		n = rem
	}
	data, err := d.src.read(d.pos, n)
	if err != nil {
		return Frame{}, parseErr(KindWAV, d.pos, ErrInconsistentFraming, "read data: %v", err)
	}

	frame := Frame{
		Index:     d.index,
		Timestamp: samplesToDuration(d.emitted, d.track.SampleRate),
		Data:      data,
	}
	d.pos += n
	d.index++
	d.emitted += n / int64(d.track.BytesPerFrame())
	return frame, nil
}
