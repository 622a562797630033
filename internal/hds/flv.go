package hds

import (
	"fmt"
	"io"

	"segdl/internal/models"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
)

const (
	flvHeaderSize    = 9
	flvTagHeaderSize = 11

	flagHasAudio = 0x04
	flagHasVideo = 0x01
)

// flvTag is one tag read from a fragment's mdat payload.
type flvTag struct {
	typ       uint8
	timestamp uint32
	streamID  uint32
	data      []byte
}

// readTags splits a run of FLV tags, each followed by its previous tag size. Filtered tags and
// types other than audio, video and script data mean the fragment is encrypted.
func readTags(b []byte) ([]flvTag, error) {
	var tags []flvTag
	for pos := 0; pos < len(b); {
		if len(b)-pos < flvTagHeaderSize {
			return nil, fmt.Errorf("flv tag header truncated at %d", pos)
		}
		h := b[pos:]
		typ := pio.U8(h) & 0x3f
		switch typ {
		case flvio.TAG_AUDIO, flvio.TAG_VIDEO, flvio.TAG_SCRIPTDATA:
		default:
			return nil, fmt.Errorf("%w: unknown tag type %d, this stream is probably encrypted", models.ErrUnsupportedStream, typ)
		}
		size := int(pio.U24BE(h[1:]))
		ts := pio.U24BE(h[4:]) | uint32(pio.U8(h[7:]))<<24
		end := pos + flvTagHeaderSize + size
		if end > len(b) {
			return nil, fmt.Errorf("flv tag of %d bytes truncated at %d", size, pos)
		}
		tags = append(tags, flvTag{
			typ:       typ,
			timestamp: ts,
			streamID:  pio.U24BE(h[8:]),
			data:      b[pos+flvTagHeaderSize : end],
		})
		pos = min(end+4, len(b))
	}
	return tags, nil
}

// concat joins fragment tags into one FLV stream. The file header and the manifest metadata are
// written before the first fragment; timestamps are rebased so the output starts at zero.
type concat struct {
	metadata   []byte
	headerDone bool
	hasBase    bool
	base       uint32
}

func newConcat(metadata []byte) *concat {
	return &concat{metadata: metadata}
}

func (c *concat) write(w io.Writer, tags []flvTag) error {
	if !c.headerDone {
		var flags uint8
		for _, t := range tags {
			switch t.typ {
			case flvio.TAG_AUDIO:
				flags |= flagHasAudio
			case flvio.TAG_VIDEO:
				flags |= flagHasVideo
			}
		}
		if err := writeHeader(w, flags); err != nil {
			return err
		}
		if c.metadata != nil {
			if err := writeTag(w, flvTag{typ: flvio.TAG_SCRIPTDATA, data: c.metadata}); err != nil {
				return err
			}
		}
		c.headerDone = true
	}

	for _, t := range tags {
		if t.typ == flvio.TAG_SCRIPTDATA && c.metadata != nil {
			continue
		}
		if !c.hasBase {
			c.base, c.hasBase = t.timestamp, true
		}
		if t.timestamp >= c.base {
			t.timestamp -= c.base
		} else {
			t.timestamp = 0
		}
		if err := writeTag(w, t); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(w io.Writer, flags uint8) error {
	b := make([]byte, flvHeaderSize+4)
	copy(b, "FLV")
	pio.PutU8(b[3:], 1)
	pio.PutU8(b[4:], flags)
	pio.PutU32BE(b[5:], flvHeaderSize)
	_, err := w.Write(b)
	return err
}

func writeTag(w io.Writer, t flvTag) error {
	b := make([]byte, flvTagHeaderSize+len(t.data)+4)
	pio.PutU8(b, t.typ)
	pio.PutU24BE(b[1:], uint32(len(t.data)))
	pio.PutU24BE(b[4:], t.timestamp&0xffffff)
	pio.PutU8(b[7:], uint8(t.timestamp>>24))
	pio.PutU24BE(b[8:], t.streamID)
	copy(b[flvTagHeaderSize:], t.data)
	pio.PutU32BE(b[flvTagHeaderSize+len(t.data):], uint32(flvTagHeaderSize+len(t.data)))
	_, err := w.Write(b)
	return err
}
