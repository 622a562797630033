package dash

import (
	"errors"
	"fmt"
	"net/http"

	"segdl/internal/fetch"
	"segdl/internal/models"

	"github.com/nareix/joy4/utils/bits/pio"
)

// fakeChunkSize is the range size used to split a resource whose index cannot be read.
const fakeChunkSize = 3 << 20

var errShortSidx = errors.New("not enough data for sidx box")

// parseSidx reads the references of the first sidx box in data. byteOffset is the position of
// data within the resource; the returned ranges are absolute.
func parseSidx(data []byte, byteOffset int64) ([]models.ByteRange, error) {
	pos := 0
	found := false
	for pos+8 <= len(data) {
		size := int(pio.U32BE(data[pos:]))
		boxType := string(data[pos+4 : pos+8])
		if boxType == "sidx" {
			found = true
			break
		}
		if boxType == "moof" || boxType == "traf" {
			pos += 8
			continue
		}
		if size < 8 {
			return nil, fmt.Errorf("invalid %q box size %d", boxType, size)
		}
		pos += size
	}
	if !found {
		return nil, errors.New("no sidx box found")
	}

	sidxEnd := pos + int(pio.U32BE(data[pos:]))
	if sidxEnd > len(data) || pos+32 > len(data) {
		return nil, errShortSidx
	}
	version := pio.U8(data[pos+8:])
	// box header, version and flags, reference_ID and timescale
	pos += 20

	var firstOffset int64
	if version == 0 {
		firstOffset = int64(pio.U32BE(data[pos+4:]))
		pos += 8
	} else {
		if pos+16 > len(data) {
			return nil, errShortSidx
		}
		firstOffset = int64(pio.U64BE(data[pos+8:]))
		pos += 16
	}
	firstOffset += int64(sidxEnd) + byteOffset

	if pos+4 > len(data) {
		return nil, errShortSidx
	}
	count := int(pio.U16BE(data[pos+2:]))
	pos += 4

	ranges := make([]models.ByteRange, 0, count)
	offset := firstOffset
	for i := 0; i < count; i++ {
		if pos+12 > len(data) {
			return nil, errShortSidx
		}
		size := int64(pio.U32BE(data[pos:]) & 0x7fffffff)
		ranges = append(ranges, models.ByteRange{Offset: offset, HasOffset: true, Length: size})
		offset += size
		pos += 12
	}
	if pos != sidxEnd {
		return nil, fmt.Errorf("final position %d differs from sidx end %d", pos, sidxEnd)
	}
	return ranges, nil
}

// fakeSidx splits a resource into fixed-size ranges using the size reported by resp.
func fakeSidx(resp *http.Response, chunkSize int64) ([]models.ByteRange, error) {
	size, err := fetch.ResourceSize(resp)
	if err != nil {
		return nil, err
	}
	var ranges []models.ByteRange
	for start := int64(0); start < size; start += chunkSize {
		ranges = append(ranges, models.ByteRange{Offset: start, HasOffset: true, Length: min(chunkSize, size-start)})
	}
	return ranges, nil
}
