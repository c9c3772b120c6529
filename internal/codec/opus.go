package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/fmueller/voxscribe/internal/container"
)

// Opus always decodes at 48 kHz regardless of the input sample rate
// recorded in the header.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = 5760 // 120 ms at 48 kHz
	opusHeadSize     = 19
)

// opusHead is the identification header carried in Matroska CodecPrivate.
type opusHead struct {
	version  byte
	channels int
	preSkip  int
	rate     uint32
	mapping  byte
}

func parseOpusHead(b []byte) (opusHead, error) {
	if len(b) < opusHeadSize || string(b[:8]) != "OpusHead" {
		return opusHead{}, errors.New("missing OpusHead magic")
	}
	h := opusHead{
		version:  b[8],
		channels: int(b[9]),
		preSkip:  int(binary.LittleEndian.Uint16(b[10:12])),
		rate:     binary.LittleEndian.Uint32(b[12:16]),
		mapping:  b[18],
	}
	if h.version>>4 != 0 {
		return opusHead{}, fmt.Errorf("unsupported OpusHead version %d", h.version)
	}
	return h, nil
}

type opusDecoder struct {
	dec      *gopus.Decoder
	channels int

	preSkip int
	skip    int
}

func newOpusDecoder(track container.TrackDescriptor) (Decoder, Format, error) {
	channels := track.Channels
	preSkip := int(track.CodecDelay * opusSampleRate / time.Second)

	if len(track.CodecPrivate) > 0 {
		head, err := parseOpusHead(track.CodecPrivate)
		if err != nil {
			return nil, Format{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		if head.mapping != 0 && head.channels > 2 {
			return nil, Format{}, fmt.Errorf("%w: opus channel mapping family %d", ErrUnsupported, head.mapping)
		}
		channels = head.channels
		preSkip = head.preSkip
	}
	if channels < 1 || channels > 2 {
		return nil, Format{}, fmt.Errorf("%w: opus with %d channels", ErrUnsupported, channels)
	}

	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: create opus decoder: %v", ErrUnsupported, err)
	}

	d := &opusDecoder{
		dec:      dec,
		channels: channels,
		preSkip:  preSkip,
		skip:     preSkip,
	}
	return d, Format{SampleRate: opusSampleRate, Channels: channels}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty opus packet", ErrCorruptFrame)
	}
	if opusPacketSamples(data) == 0 {
		return nil, fmt.Errorf("%w: malformed opus toc %#x", ErrCorruptFrame, data[0])
	}

	pcm, err := d.dec.Decode(data, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}

	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}

	if d.skip > 0 {
		frames := len(out) / d.channels
		n := min(d.skip, frames)
		d.skip -= n
		out = out[n*d.channels:]
	}
	return out, nil
}

func (d *opusDecoder) NominalSamples(data []byte) int {
	return opusPacketSamples(data)
}

func (d *opusDecoder) Reset() {
	d.dec.ResetState()
}

func (d *opusDecoder) Close() error {
	return nil
}

// opusFrameMicros maps a TOC configuration number to its frame duration.
var opusFrameMicros = [32]int{
	10000, 20000, 40000, 60000, // SILK NB
	10000, 20000, 40000, 60000, // SILK MB
	10000, 20000, 40000, 60000, // SILK WB
	10000, 20000, // Hybrid SWB
	10000, 20000, // Hybrid FB
	2500, 5000, 10000, 20000, // CELT NB
	2500, 5000, 10000, 20000, // CELT WB
	2500, 5000, 10000, 20000, // CELT SWB
	2500, 5000, 10000, 20000, // CELT FB
}

// opusPacketSamples returns the per-channel sample count of a packet at
// 48 kHz from its TOC byte, or 0 when the packet is malformed.
func opusPacketSamples(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	toc := data[0]
	perFrame := opusFrameMicros[toc>>3] * opusSampleRate / 1_000_000

	var frames int
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(data) < 2 {
			return 0
		}
		frames = int(data[1] & 0x3F)
	}

	total := perFrame * frames
	if total == 0 || total > opusMaxFrameSize {
		return 0
	}
	return total
}
