package models

import "errors"

// Stream-level errors. Components wrap these with fmt.Errorf("...: %w") so callers
// can match them with errors.Is.
var (
	// ErrManifestUnavailable is returned when the playlist or manifest could not be
	// (re)loaded within the configured number of attempts.
	ErrManifestUnavailable = errors.New("manifest unavailable")
	// ErrTooManySegmentFetchFailures is returned once the fetch failure ceiling is reached.
	ErrTooManySegmentFetchFailures = errors.New("too many segment fetch failures")
	// ErrTooManySegmentWriteFailures is returned once the write failure ceiling is reached.
	ErrTooManySegmentWriteFailures = errors.New("too many segment write failures")
	// ErrDecryption is fatal and never retried.
	ErrDecryption = errors.New("segment decryption failed")
	// ErrUnsupportedStream covers master playlists where media was expected, I-frame only
	// playlists, DRM protected manifests and encrypted FLV tags.
	ErrUnsupportedStream = errors.New("unsupported stream")
	// ErrRangeUnsatisfiable is returned when the server answers a probe with an unknown range.
	ErrRangeUnsatisfiable = errors.New("range not satisfiable")
)
