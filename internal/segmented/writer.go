package segmented

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"segdl/internal/buffer"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/metrics"
	"segdl/internal/models"

	"github.com/panjf2000/ants/v2"
)

// result is the outcome of one segment fetch. A nil data slice with a nil error means skipped.
type result struct {
	data []byte
	err  error
}

// entry pairs a segment with the one-shot channel its fetch resolves.
type entry struct {
	seg  *models.Segment
	done chan result
}

// Writer fetches segments on a bounded pool and writes them to the buffer in put order.
type Writer struct {
	handler Handler
	client  *fetch.Client
	buffer  *buffer.RingBuffer
	opts    Options
	logger  logger.Logger
	pool    *ants.Pool
	queue   chan *entry
	fail    func(error)
	closed  atomic.Bool

	mu          sync.Mutex
	fetchErrors int
	writeErrors int

	bytesRecv   atomic.Int64
	bytesMax    atomic.Int64
	total       atomic.Int64
	lastOrdinal atomic.Uint64
}

// NewWriter creates a writer. fail is called once a fatal error closes the stream.
func NewWriter(handler Handler, client *fetch.Client, buf *buffer.RingBuffer, opts Options, log logger.Logger, fail func(error)) (*Writer, error) {
	pool, err := ants.NewPool(max(opts.Threads, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create segment fetch pool: %w", err)
	}
	return &Writer{
		handler: handler,
		client:  client,
		buffer:  buf,
		opts:    opts,
		logger:  log,
		pool:    pool,
		queue:   make(chan *entry, opts.queueSize()),
		fail:    fail,
	}, nil
}

// Put schedules seg for fetching and queues it for writing. A nil segment marks the end of input.
// It blocks while the queue is full and reports false once the writer or ctx is closed.
func (w *Writer) Put(ctx context.Context, seg *models.Segment) bool {
	if w.closed.Load() {
		return false
	}
	if seg == nil {
		return w.enqueue(ctx, nil)
	}

	req, err := w.handler.Request(ctx, seg)
	if err != nil {
		w.failure(ctx, "fetch", seg, err)
		return !w.closed.Load()
	}
	if req == nil {
		w.logger.Debugf("Skipping segment %s", seg)
		return true
	}

	e := &entry{seg: seg, done: make(chan result, 1)}
	if err := w.pool.Submit(func() { e.done <- w.fetch(ctx, seg, req) }); err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			return false
		}
		w.failure(ctx, "fetch", seg, err)
		return !w.closed.Load()
	}
	return w.enqueue(ctx, e)
}

func (w *Writer) enqueue(ctx context.Context, e *entry) bool {
	select {
	case w.queue <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drains the queue in FIFO order until the end marker or ctx is done, then closes the buffer.
func (w *Writer) Run(ctx context.Context) {
	defer w.close()

	for {
		var e *entry
		select {
		case e = <-w.queue:
		case <-ctx.Done():
			return
		}
		if e == nil {
			w.logger.Debugf("Segment queue drained")
			return
		}

		var res result
		select {
		case res = <-e.done:
		case <-ctx.Done():
			return
		}
		if errors.Is(res.err, models.ErrRangeUnsatisfiable) {
			w.logger.Errorf("Fatal error fetching segment %s: %v", e.seg, res.err)
			w.fail(res.err)
			return
		}
		if res.err != nil {
			w.failure(ctx, "fetch", e.seg, res.err)
			continue
		}
		if res.data == nil {
			continue
		}
		w.write(ctx, e.seg, res.data)
	}
}

// fetch downloads a segment with per-attempt timeout and retries.
func (w *Writer) fetch(ctx context.Context, seg *models.Segment, req *http.Request) result {
	if ok, wait := seg.Available(time.Now()); !ok {
		w.logger.Debugf("Waiting for segment %s (%.1fs)", seg, wait.Seconds())
		if !sleep(ctx, wait) {
			return result{err: ctx.Err()}
		}
	}

	attempts := max(w.opts.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return result{err: ctx.Err()}
		}
		w.logger.Debugf("Downloading segment %s (Attempt %d/%d)", seg, attempt, attempts)
		resp, err := w.client.Do(req, 1, w.opts.SegmentTimeout)
		if err != nil {
			lastErr = fmt.Errorf("download attempt %d failed for segment %s: %w", attempt, seg, err)
			if errors.Is(err, models.ErrRangeUnsatisfiable) {
				break
			}
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("download attempt %d for segment %s failed while reading body: %w", attempt, seg, err)
			w.logger.Warnf(lastErr.Error())
			continue
		}
		if data == nil {
			data = []byte{}
		}
		metrics.SegmentsFetched.WithLabelValues(w.opts.Protocol).Inc()
		w.logger.Debugf("Successfully downloaded segment %s", seg)
		return result{data: data}
	}
	return result{err: fmt.Errorf("failed to download segment %s after %d attempts: %w", seg, attempts, lastErr)}
}

func (w *Writer) write(ctx context.Context, seg *models.Segment, data []byte) {
	cw := &countingWriter{w: w.buffer}
	err := w.handler.Write(ctx, seg, data, cw)
	switch {
	case err == nil:
	case errors.Is(err, buffer.ErrBufferClosed):
		return
	case errors.Is(err, models.ErrDecryption), errors.Is(err, models.ErrUnsupportedStream):
		w.logger.Errorf("Fatal error writing segment %s: %v", seg, err)
		w.fail(err)
		return
	default:
		w.failure(ctx, "write", seg, err)
		return
	}

	if cw.n > 0 {
		metrics.BytesWritten.WithLabelValues(w.opts.Protocol).Add(float64(cw.n))
		w.updateTotal(cw.n, seg.Ordinal)
	}
	w.logger.Debugf("Download of segment %s complete", seg)
}

// failure counts a segment error and closes the stream once the ceiling is reached.
func (w *Writer) failure(ctx context.Context, kind string, seg *models.Segment, err error) {
	if ctx.Err() != nil || w.closed.Load() {
		return
	}
	metrics.SegmentErrors.WithLabelValues(w.opts.Protocol, kind).Inc()

	w.mu.Lock()
	var count int
	var sentinel error
	if kind == "fetch" {
		w.fetchErrors++
		count, sentinel = w.fetchErrors, models.ErrTooManySegmentFetchFailures
	} else {
		w.writeErrors++
		count, sentinel = w.writeErrors, models.ErrTooManySegmentWriteFailures
	}
	w.mu.Unlock()

	w.logger.Errorf("Failed to %s segment %s (%d/%d): %v", kind, seg, count, w.opts.MaxErrors, err)
	if count >= max(w.opts.MaxErrors, 1) {
		w.fail(fmt.Errorf("%w: %w", sentinel, err))
	}
}

// SetLastOrdinal records the highest ordinal announced by the manifest.
func (w *Writer) SetLastOrdinal(n uint64) {
	w.lastOrdinal.Store(n)
}

func (w *Writer) updateTotal(n int64, ordinal uint64) {
	for {
		cur := w.bytesMax.Load()
		if n <= cur || w.bytesMax.CompareAndSwap(cur, n) {
			break
		}
	}
	recv := w.bytesRecv.Add(n)
	var remaining int64
	if last := w.lastOrdinal.Load(); last > ordinal {
		remaining = int64(last - ordinal)
	}
	w.total.Store(recv + w.bytesMax.Load()*remaining)
}

// TotalBytes is the extrapolated stream size.
func (w *Writer) TotalBytes() int64 {
	return w.total.Load()
}

// BytesReceived is the number of bytes committed to the buffer.
func (w *Writer) BytesReceived() int64 {
	return w.bytesRecv.Load()
}

// Errors returns the fetch and write failure counters.
func (w *Writer) Errors() (fetchErrors, writeErrors int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetchErrors, w.writeErrors
}

func (w *Writer) close() {
	if w.closed.Swap(true) {
		return
	}
	w.logger.Debugf("Closing writer")
	w.buffer.Close()
}

// release frees the fetch pool. Called once both goroutines are done.
func (w *Writer) release() {
	w.closed.Store(true)
	w.pool.Release()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
