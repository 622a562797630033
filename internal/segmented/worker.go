package segmented

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"segdl/internal/buffer"
	"segdl/internal/logger"
	"segdl/internal/metrics"
	"segdl/internal/models"
)

// State is the lifecycle state of a Worker.
type State int32

const (
	StateInitializing State = iota
	StatePolling
	StateReloading
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateReloading:
		return "reloading"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultMinReload = time.Second

// Worker polls a Manifest and feeds new segments to a Writer.
type Worker struct {
	manifest Manifest
	writer   *Writer
	buffer   *buffer.RingBuffer
	opts     Options
	logger   logger.Logger
	fail     func(error)
	state    atomic.Int32

	update   *Update
	started  bool
	emitted  bool
	last     uint64
	duration float64
}

// NewWorker creates a worker. fail is called once a fatal error closes the stream.
func NewWorker(manifest Manifest, writer *Writer, buf *buffer.RingBuffer, opts Options, log logger.Logger, fail func(error)) *Worker {
	return &Worker{
		manifest: manifest,
		writer:   writer,
		buffer:   buf,
		opts:     opts,
		logger:   log,
		fail:     fail,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Init performs the first manifest load.
func (w *Worker) Init(ctx context.Context) error {
	w.setState(StateInitializing)
	update, err := w.reload(ctx)
	if err != nil {
		return err
	}
	w.update = update
	return nil
}

// Run emits segments until the manifest ends, the duration limit is reached, or ctx is done.
// Init must have succeeded first.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		w.setState(StateDraining)
		w.writer.Put(ctx, nil)
		w.setState(StateClosed)
	}()

	for {
		w.setState(StatePolling)
		segments := w.pending(w.update)
		for _, seg := range segments {
			if ctx.Err() != nil || !w.writer.Put(ctx, seg) {
				return
			}
			w.last, w.emitted = seg.Ordinal, true
			if seg.IsInit {
				continue
			}
			w.duration += seg.Duration
			if w.opts.DurationLimit > 0 && w.duration >= w.opts.DurationLimit {
				w.logger.Infof("Stopping stream early after %.1fs", w.opts.DurationLimit)
				return
			}
		}
		if w.update.End {
			w.logger.Debugf("Reached the end of the stream at segment %d", w.last)
			return
		}

		w.setState(StateReloading)
		interval := w.reloadInterval(w.update, len(segments) > 0)
		w.logger.Debugf("Reloading manifest in %s", interval)
		if !sleep(ctx, interval) {
			return
		}
		if err := w.buffer.WaitFree(ctx); err != nil {
			return
		}
		update, err := w.reload(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Errorf("Giving up on manifest: %v", err)
				w.fail(err)
			}
			return
		}
		w.update = update
	}
}

// reload refreshes the manifest, retrying up to the configured number of attempts.
func (w *Worker) reload(ctx context.Context) (*Update, error) {
	attempts := max(w.opts.ReloadAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		update, err := w.manifest.Refresh(ctx)
		if err == nil {
			metrics.ManifestReloads.WithLabelValues(w.opts.Protocol, "ok").Inc()
			if n := len(update.Segments); n > 0 {
				w.writer.SetLastOrdinal(update.Segments[n-1].Ordinal)
			}
			return update, nil
		}
		metrics.ManifestReloads.WithLabelValues(w.opts.Protocol, "error").Inc()
		if errors.Is(err, models.ErrUnsupportedStream) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		w.logger.Warnf("Failed to reload manifest (attempt %d/%d): %v", attempt, attempts, err)
		if attempt < attempts && !sleep(ctx, w.opts.ReloadRetryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", models.ErrManifestUnavailable, attempts, lastErr)
}

// pending returns the segments of u not emitted yet, applying the start position on the first update.
func (w *Worker) pending(u *Update) []*models.Segment {
	var out []*models.Segment
	for _, seg := range u.Segments {
		if !w.emitted || seg.Ordinal > w.last {
			out = append(out, seg)
		}
	}
	if !w.started {
		w.started = true
		out = w.startPosition(out, u)
	}
	return out
}

// startPosition trims the first batch to the start offset or the live edge. Init segments are always kept.
func (w *Worker) startPosition(segments []*models.Segment, u *Update) []*models.Segment {
	var content []*models.Segment
	for _, seg := range segments {
		if !seg.IsInit {
			content = append(content, seg)
		}
	}
	if len(content) == 0 {
		return segments
	}

	var start uint64
	switch {
	case w.opts.StartOffset > 0:
		start = durationToOrdinal(content, w.opts.StartOffset, !u.Live)
	case u.Live && !w.opts.LiveRestart:
		edge := w.opts.LiveEdge
		if u.EdgeCount > 0 {
			edge = u.EdgeCount
		}
		n := min(len(content), max(edge, 1))
		start = content[len(content)-n].Ordinal
	default:
		return segments
	}

	w.logger.Debugf("First segment: %d; last segment: %d; starting at %d",
		content[0].Ordinal, content[len(content)-1].Ordinal, start)
	out := segments[:0:0]
	for _, seg := range segments {
		if seg.IsInit || seg.Ordinal >= start {
			out = append(out, seg)
		}
	}
	return out
}

// durationToOrdinal walks forward (or backward from the end) until offset seconds are covered.
func durationToOrdinal(segments []*models.Segment, offset float64, forward bool) uint64 {
	var d float64
	def := segments[0].Ordinal
	for i := range segments {
		seg := segments[i]
		if !forward {
			seg = segments[len(segments)-1-i]
		}
		if d >= offset {
			return seg.Ordinal
		}
		d += seg.Duration
		def = seg.Ordinal
	}
	return def
}

func (w *Worker) reloadInterval(u *Update, changed bool) time.Duration {
	floor := u.MinReload
	if floor <= 0 {
		floor = defaultMinReload
	}
	interval := u.TargetDuration
	if !changed {
		interval /= 2
	}
	return max(interval, floor)
}
