// Package hds follows Adobe HTTP Dynamic Streaming manifests and remuxes their fragments to FLV.
package hds

import (
	"errors"
	"fmt"

	"github.com/nareix/joy4/utils/bits/pio"
)

var errShortBox = errors.New("box truncated")

// cursor reads big-endian fields from a box payload. The first failed read sticks in err.
type cursor struct {
	b   []byte
	pos int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.b) {
		c.err = errShortBox
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := pio.U8(c.b[c.pos:])
	c.pos++
	return v
}

func (c *cursor) u24() uint32 {
	if !c.need(3) {
		return 0
	}
	v := pio.U24BE(c.b[c.pos:])
	c.pos += 3
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := pio.U32BE(c.b[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := pio.U64BE(c.b[c.pos:])
	c.pos += 8
	return v
}

// str reads a NUL terminated string.
func (c *cursor) str() string {
	if c.err != nil {
		return ""
	}
	for i := c.pos; i < len(c.b); i++ {
		if c.b[i] == 0 {
			s := string(c.b[c.pos:i])
			c.pos = i + 1
			return s
		}
	}
	c.err = errShortBox
	return ""
}

func (c *cursor) strings() []string {
	n := int(c.u8())
	var out []string
	for i := 0; i < n && c.err == nil; i++ {
		out = append(out, c.str())
	}
	return out
}

// box is one ISO base media box.
type box struct {
	typ     string
	payload []byte
}

// nextBox reads the box header at the cursor and returns the box, advancing past it.
// A size of 1 uses the 64-bit large size and a size of 0 extends to the end of the data.
func (c *cursor) nextBox() (box, error) {
	start := c.pos
	size := uint64(c.u32())
	if !c.need(4) {
		return box{}, c.err
	}
	typ := string(c.b[c.pos : c.pos+4])
	c.pos += 4
	switch size {
	case 0:
		size = uint64(len(c.b) - start)
	case 1:
		size = c.u64()
	}
	if c.err != nil {
		return box{}, c.err
	}
	header := uint64(c.pos - start)
	if size < header || uint64(start)+size > uint64(len(c.b)) {
		c.err = fmt.Errorf("%s box size %d out of bounds", typ, size)
		return box{}, c.err
	}
	end := start + int(size)
	b := box{typ: typ, payload: c.b[c.pos:end]}
	c.pos = end
	return b, nil
}

// findMdat returns the payload of the first mdat box of an F4V fragment.
func findMdat(data []byte) ([]byte, error) {
	c := &cursor{b: data}
	for c.pos < len(c.b) {
		b, err := c.nextBox()
		if err != nil {
			return nil, fmt.Errorf("failed to parse fragment: %w", err)
		}
		if b.typ == "mdat" {
			return b.payload, nil
		}
	}
	return nil, errors.New("no mdat box found in fragment")
}
