package segmented

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"segdl/internal/buffer"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/metrics"
)

// Reader is the consumer side of a segmented stream. It implements io.ReadCloser.
type Reader struct {
	opts   Options
	logger logger.Logger
	buffer *buffer.RingBuffer
	worker *Worker
	writer *Writer
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Open loads the manifest and starts the worker and writer goroutines.
// Errors from the first manifest load are returned directly.
func Open(ctx context.Context, manifest Manifest, handler Handler, client *fetch.Client, opts Options, log logger.Logger) (*Reader, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Reader{
		opts:   opts,
		logger: log,
		buffer: buffer.NewRingBuffer(opts.BufferSize),
		cancel: cancel,
	}

	writer, err := NewWriter(handler, client, r.buffer, opts, log, r.fail)
	if err != nil {
		cancel()
		return nil, err
	}
	r.writer = writer
	r.worker = NewWorker(manifest, writer, r.buffer, opts, log, r.fail)

	if err := r.worker.Init(ctx); err != nil {
		cancel()
		writer.release()
		return nil, fmt.Errorf("could not open %s stream: %w", opts.Protocol, err)
	}

	metrics.ActiveStreams.WithLabelValues(opts.Protocol).Inc()
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		writer.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.worker.Run(ctx)
	}()
	log.Debugf("Opened %s stream", opts.Protocol)
	return r, nil
}

// fail records the first fatal error and shuts the stream down.
func (r *Reader) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.cancel()
	r.buffer.Close()
}

// Read blocks until len(p) bytes, capped at the buffer size, are available. Buffered data is returned before the fatal error
// that closed the stream; a stall longer than the stream timeout returns buffer.ErrReadTimeout.
func (r *Reader) Read(p []byte) (int, error) {
	data, err := r.buffer.ReadN(min(len(p), r.buffer.Size()), true, r.opts.StreamTimeout)
	if len(data) > 0 {
		return copy(p, data), nil
	}
	if errors.Is(err, buffer.ErrReadTimeout) {
		return 0, fmt.Errorf("no data received for %s: %w", r.opts.StreamTimeout, err)
	}
	if e := r.Err(); e != nil {
		return 0, e
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

// Err returns the error that closed the stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the worker and writer and releases the fetch pool. Safe to call more than once.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Debugf("Closing %s stream", r.opts.Protocol)
		r.cancel()
		r.buffer.Close()
		r.wg.Wait()
		r.writer.release()
		metrics.ActiveStreams.WithLabelValues(r.opts.Protocol).Dec()
	})
	return nil
}

// TotalBytes is the extrapolated size of the stream, zero until the first segment is written.
func (r *Reader) TotalBytes() int64 {
	return r.writer.TotalBytes()
}

// State returns the worker state.
func (r *Reader) State() State {
	return r.worker.State()
}

// Errors returns the writer's fetch and write failure counters.
func (r *Reader) Errors() (fetchErrors, writeErrors int) {
	return r.writer.Errors()
}
