// Package segmented implements the protocol-neutral pipeline that turns a manifest into an ordered byte stream.
//
// A Worker goroutine polls a Manifest and hands new segments to a Writer. The Writer fetches
// segments concurrently on a bounded pool but commits them to the RingBuffer strictly in the
// order they were put. A Reader wires the three together and exposes a blocking io.Reader.
package segmented

import (
	"context"
	"io"
	"net/http"
	"time"

	"segdl/internal/config"
	"segdl/internal/models"
)

// Update is the result of loading or reloading a manifest.
type Update struct {
	// Segments currently listed by the manifest, in ordinal order.
	Segments []*models.Segment
	// End is set when no further segments will appear (endlist, static manifest).
	End bool
	// Live enables live edge selection on the first update.
	Live bool
	// EdgeCount overrides the configured live edge, in segments.
	EdgeCount int
	// TargetDuration is the base reload interval.
	TargetDuration time.Duration
	// MinReload is the lower bound of the reload interval.
	MinReload time.Duration
}

// Manifest produces segments for one stream.
type Manifest interface {
	// Refresh loads or reloads the manifest.
	Refresh(ctx context.Context) (*Update, error)
}

// Handler customizes how a protocol fetches and writes its segments.
type Handler interface {
	// Request builds the HTTP request for seg. It runs on the goroutine that puts segments,
	// in ordinal order, so per-stream request state needs no locking. A nil request skips the segment.
	Request(ctx context.Context, seg *models.Segment) (*http.Request, error)
	// Write transforms the fetched payload and writes it to w exactly once.
	// It runs on the writer goroutine in ordinal order.
	Write(ctx context.Context, seg *models.Segment, data []byte, w io.Writer) error
}

// Options controls one segmented stream.
type Options struct {
	Protocol         string
	Threads          int
	Attempts         int
	SegmentTimeout   time.Duration
	StreamTimeout    time.Duration
	BufferSize       int
	MaxErrors        int
	LiveEdge         int
	LiveRestart      bool
	ReloadAttempts   int
	ReloadRetryDelay time.Duration
	StartOffset      float64
	DurationLimit    float64
}

// NewOptions derives stream options from the download configuration.
func NewOptions(cfg *config.Options, protocol string) Options {
	return Options{
		Protocol:         protocol,
		Threads:          cfg.SegmentThreads,
		Attempts:         cfg.SegmentAttempts,
		SegmentTimeout:   cfg.SegmentTimeout,
		StreamTimeout:    cfg.StreamTimeout,
		BufferSize:       cfg.RingBufferSize,
		MaxErrors:        cfg.MaxSegmentErrors,
		LiveEdge:         cfg.LiveEdge,
		LiveRestart:      cfg.LiveRestart,
		ReloadAttempts:   cfg.PlaylistReloadAttempts,
		ReloadRetryDelay: time.Second,
		StartOffset:      cfg.StartOffset,
		DurationLimit:    cfg.DurationLimit,
	}
}

// queueSize is the number of outstanding fetches the writer keeps in flight.
func (o Options) queueSize() int {
	return max(o.Threads-2, 3)
}

// sleep waits for d or until ctx is done. It reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
