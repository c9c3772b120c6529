package container

import (
	"bytes"
	"encoding/binary"
	"math"
)

type wavSpec struct {
	format     uint16
	channels   int
	sampleRate int
	bits       int
	data       []byte
	// dataSize replaces the declared data chunk size when overrideSize is set.
	dataSize     uint32
	overrideSize bool
	extra        [][2]string
}

func makeWAV(spec wavSpec) []byte {
	var body bytes.Buffer
	body.WriteString("WAVE")

	for _, chunk := range spec.extra {
		body.WriteString(chunk[0])
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(chunk[1])))
		body.WriteString(chunk[1])
		if len(chunk[1])%2 != 0 {
			body.WriteByte(0)
		}
	}

	blockAlign := spec.channels * spec.bits / 8
	body.WriteString("fmt ")
	_ = binary.Write(&body, binary.LittleEndian, uint32(16))
	_ = binary.Write(&body, binary.LittleEndian, spec.format)
	_ = binary.Write(&body, binary.LittleEndian, uint16(spec.channels))
	_ = binary.Write(&body, binary.LittleEndian, uint32(spec.sampleRate))
	_ = binary.Write(&body, binary.LittleEndian, uint32(spec.sampleRate*blockAlign))
	_ = binary.Write(&body, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&body, binary.LittleEndian, uint16(spec.bits))

	body.WriteString("data")
	size := uint32(len(spec.data))
	if spec.overrideSize {
		size = spec.dataSize
	}
	_ = binary.Write(&body, binary.LittleEndian, size)
	body.Write(spec.data)

	var out bytes.Buffer
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// ebml encodes one element with a minimal-length size.
func ebml(id uint32, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	return append(append(encodeID(id), encodeSize(uint64(len(body)))...), body...)
}

// ebmlUnknown encodes a master element with the 8-byte unknown size marker.
func ebmlUnknown(id uint32, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := encodeID(id)
	out = append(out, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	return append(out, body...)
}

// ebmlSized encodes an element whose declared size differs from its payload.
func ebmlSized(id uint32, size uint64, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	return append(append(encodeID(id), encodeSize8(size)...), body...)
}

func encodeID(id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFFFF:
		return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFF:
		return []byte{byte(id >> 8), byte(id)}
	default:
		return []byte{byte(id)}
	}
}

func encodeSize(n uint64) []byte {
	for length := 1; length <= 8; length++ {
		if n < (uint64(1)<<(7*uint(length)))-1 {
			out := make([]byte, length)
			v := n | uint64(1)<<(7*uint(length))
			for i := length - 1; i >= 0; i-- {
				out[i] = byte(v)
				v >>= 8
			}
			return out
		}
	}
	panic("size too large")
}

func encodeSize8(n uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	out[0] = 0x01
	return out
}

func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var out []byte
	for v > 0 {
		out = append([]byte{byte(v)}, out...)
		v >>= 8
	}
	return out
}

func floatBytes(v float64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, math.Float64bits(v))
	return out
}

func ebmlHeader(docType string) []byte {
	return ebml(idEBML, ebml(idDocType, []byte(docType)))
}

type trackSpec struct {
	number       uint64
	trackType    uint64
	codecID      string
	private      []byte
	rate         float64
	channels     uint64
	bitDepth     uint64
	omitAudio    bool
	omitRate     bool
	omitChannels bool
}

func trackEntryElement(spec trackSpec) []byte {
	parts := [][]byte{
		ebml(idTrackNumber, uintBytes(spec.number)),
		ebml(idTrackType, uintBytes(spec.trackType)),
		ebml(idCodecID, []byte(spec.codecID)),
	}
	if spec.private != nil {
		parts = append(parts, ebml(idCodecPrivate, spec.private))
	}
	if !spec.omitAudio {
		var audio [][]byte
		if !spec.omitRate {
			audio = append(audio, ebml(idSamplingFrequency, floatBytes(spec.rate)))
		}
		if !spec.omitChannels {
			audio = append(audio, ebml(idChannels, uintBytes(spec.channels)))
		}
		if spec.bitDepth > 0 {
			audio = append(audio, ebml(idBitDepth, uintBytes(spec.bitDepth)))
		}
		parts = append(parts, ebml(idAudio, audio...))
	}
	return ebml(idTrackEntry, parts...)
}

func tracksElement(specs ...trackSpec) []byte {
	var entries [][]byte
	for _, spec := range specs {
		entries = append(entries, trackEntryElement(spec))
	}
	return ebml(idTracks, entries...)
}

func opusTrack() trackSpec {
	return trackSpec{number: 1, trackType: trackTypeAudio, codecID: "A_OPUS", rate: 48000, channels: 2}
}

func simpleBlock(track uint64, timecode int16, lacing byte, payload []byte) []byte {
	body := encodeSize(track)
	body = append(body, byte(uint16(timecode)>>8), byte(timecode), lacing<<1)
	return ebml(idSimpleBlock, append(body, payload...))
}

func cluster(timecode uint64, blocks ...[]byte) []byte {
	return ebml(idCluster, append([][]byte{ebml(idTimecode, uintBytes(timecode))}, blocks...)...)
}
