package models

import (
	"fmt"
	"time"
)

// Segment represents one downloadable unit of a stream.
// Segments are produced by a manifest source and consumed exactly once by the writer.
type Segment struct {
	// URL is the fully-qualified URL to fetch the segment from.
	URL string
	// Ordinal is the protocol-assigned position of the segment (media sequence, DASH
	// emission counter, HDS fragment number). Strictly increasing within a stream.
	Ordinal uint64
	// Duration is the segment duration in seconds.
	Duration float64
	// IsInit indicates an initialization segment (fMP4 init, DASH Initialization).
	IsInit bool
	// IsContent marks media payload. Initialization segments carry no content.
	IsContent bool
	// AvailableAt is the wall-clock time before which the segment must not be fetched.
	// Zero means available immediately.
	AvailableAt time.Time
	// ByteRange restricts the fetch to a sub-range of the resource.
	ByteRange *ByteRange
	// Key is the decryption key descriptor, nil for clear segments.
	Key *DecryptionKey
	// Name is the protocol-level identifier used for logging (file name, fragment id).
	Name string
}

// ByteRange describes an HTTP byte range. When HasOffset is false the range
// continues from the end of the previous range requested for the same URL.
type ByteRange struct {
	Offset    int64
	HasOffset bool
	Length    int64
}

// Header renders the range as an HTTP Range header value starting at start.
func (b *ByteRange) Header(start int64) string {
	if b.Length <= 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, start+b.Length-1)
}

// DecryptionKey describes how a segment is encrypted.
type DecryptionKey struct {
	// Method is the encryption method, e.g. "AES-128" or "NONE".
	Method string
	// URI is where the key bytes are fetched from.
	URI string
	// IV is the explicit initialization vector, nil when derived from the ordinal.
	IV []byte
}

// Available reports whether the segment can be fetched at now, and how long to wait otherwise.
func (s *Segment) Available(now time.Time) (bool, time.Duration) {
	if s.AvailableAt.IsZero() || !s.AvailableAt.After(now) {
		return true, 0
	}
	return false, s.AvailableAt.Sub(now)
}

func (s *Segment) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%d (%s)", s.Ordinal, s.Name)
	}
	return fmt.Sprintf("%d", s.Ordinal)
}
