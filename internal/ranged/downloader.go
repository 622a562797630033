// Package ranged downloads one HTTP resource to a file, splitting it into parallel range requests
// when its size is known.
package ranged

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/metrics"
	"segdl/internal/progress"

	"golang.org/x/sync/errgroup"
)

const (
	// SingleWorkerLimit is the size up to which a resource is fetched by one worker.
	SingleWorkerLimit = 10 << 20
	copyBufferSize    = 32 << 10
	protocol          = "http"
)

// Chunk is an inclusive byte range of the resource.
type Chunk struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int64 {
	return c.End - c.Start + 1
}

// Chunks partitions [0, size) into at most workers contiguous chunks of ceil(size/workers) bytes.
// Sizes up to SingleWorkerLimit produce a single chunk.
func Chunks(size int64, workers int) []Chunk {
	if size <= 0 {
		return nil
	}
	workers = max(workers, 1)
	if size <= SingleWorkerLimit {
		workers = 1
	}
	step := (size + int64(workers) - 1) / int64(workers)
	chunks := make([]Chunk, 0, workers)
	for start := int64(0); start < size; start += step {
		chunks = append(chunks, Chunk{Start: start, End: min(start+step, size) - 1})
	}
	return chunks
}

// Downloader fetches url into path. The only state shared between workers is the received
// byte counter.
type Downloader struct {
	client   *fetch.Client
	url      string
	path     string
	workers  int
	attempts int
	logger   logger.Logger
	tracker  *progress.Tracker

	received atomic.Int64
	size     atomic.Int64
}

// New creates a downloader. tracker may be nil.
func New(client *fetch.Client, url, path string, cfg *config.Options, tracker *progress.Tracker, log logger.Logger) *Downloader {
	if tracker == nil {
		tracker = progress.NewTracker(nil)
	}
	return &Downloader{
		client:   client,
		url:      url,
		path:     path,
		workers:  cfg.HTTPWorkers,
		attempts: cfg.SegmentAttempts,
		logger:   log.With("protocol", protocol),
		tracker:  tracker,
	}
}

// Received returns the number of bytes written so far.
func (d *Downloader) Received() int64 {
	return d.received.Load()
}

// Size returns the resource size, or -1 when the server does not report it.
func (d *Downloader) Size() int64 {
	return d.size.Load()
}

// Run downloads the resource and blocks until it is complete, failed or ctx is cancelled.
// A partially written file is left in place for the caller to remove.
func (d *Downloader) Run(ctx context.Context) error {
	d.tracker.SetState(progress.StateStart, nil)
	metrics.ActiveStreams.WithLabelValues(protocol).Inc()
	defer metrics.ActiveStreams.WithLabelValues(protocol).Dec()

	err := d.run(ctx)
	if err != nil {
		d.tracker.SetState(progress.StateError, err)
		return err
	}
	d.tracker.Update(d.Received(), max(d.Size(), 0))
	d.tracker.SetState(progress.StateDone, nil)
	return nil
}

func (d *Downloader) run(ctx context.Context) error {
	req, err := d.client.NewRequest(ctx, d.url)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req, d.attempts, 0)
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", d.url, err)
	}
	defer resp.Body.Close()
	finalURL := resp.Request.URL.String()

	size, err := fetch.ResourceSize(resp)
	switch {
	case errors.Is(err, fetch.ErrUnknownSize):
		d.size.Store(-1)
		d.logger.Warnf("File size is unknown, downloading %s sequentially", finalURL)
		return d.sequential(ctx, resp.Body)
	case err != nil:
		return err
	}
	d.size.Store(size)

	file, err := os.Create(d.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", d.path, err)
	}
	defer file.Close()
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to allocate %s: %w", d.path, err)
	}

	chunks := Chunks(size, d.workers)
	d.logger.Infof("Downloading %s (%s) with %d workers", finalURL, progress.FormatSize(float64(size)), len(chunks))
	d.tracker.SetState(progress.StateDownloading, nil)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { resp.Body.Close() })
	defer stop()

	for i, c := range chunks {
		d.logger.Debugf("start %d - end %d has bytes %d", c.Start, c.End, c.Len())
		if i == 0 {
			g.Go(func() error { return d.writeChunk(file, resp.Body, c) })
			continue
		}
		g.Go(func() error {
			header := http.Header{"Range": {fmt.Sprintf("bytes=%d-%d", c.Start, c.End)}}
			r, err := d.client.Get(gctx, finalURL, header, d.attempts, 0)
			if err != nil {
				return fmt.Errorf("failed to fetch bytes %d-%d: %w", c.Start, c.End, err)
			}
			defer r.Body.Close()
			if r.StatusCode != http.StatusPartialContent {
				return fmt.Errorf("server ignored range request for bytes %d-%d (status %d)", c.Start, c.End, r.StatusCode)
			}
			stop := context.AfterFunc(gctx, func() { r.Body.Close() })
			defer stop()
			return d.writeChunk(file, r.Body, c)
		})
	}

	done := make(chan struct{})
	go d.report(done)
	err = g.Wait()
	close(done)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if got := d.Received(); got != size {
		return fmt.Errorf("downloaded %d of %d bytes", got, size)
	}
	return file.Sync()
}

// writeChunk copies exactly c.Len() bytes of body to the chunk offset of file.
func (d *Downloader) writeChunk(file *os.File, body io.Reader, c Chunk) error {
	w := &countingWriter{w: io.NewOffsetWriter(file, c.Start), d: d}
	n, err := io.CopyBuffer(w, io.LimitReader(body, c.Len()), make([]byte, copyBufferSize))
	if err != nil {
		return fmt.Errorf("failed to download bytes %d-%d: %w", c.Start, c.End, err)
	}
	if n != c.Len() {
		return fmt.Errorf("failed to download bytes %d-%d: %w", c.Start, c.End, io.ErrUnexpectedEOF)
	}
	return nil
}

// sequential appends the body to the file until EOF.
func (d *Downloader) sequential(ctx context.Context, body io.ReadCloser) error {
	file, err := os.Create(d.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", d.path, err)
	}
	defer file.Close()

	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()
	d.tracker.SetState(progress.StateDownloading, nil)

	done := make(chan struct{})
	go d.report(done)
	_, err = io.CopyBuffer(&countingWriter{w: file, d: d}, body, make([]byte, copyBufferSize))
	close(done)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to download %s: %w", d.url, err)
	}
	return file.Sync()
}

// report feeds the tracker until done is closed.
func (d *Downloader) report(done <-chan struct{}) {
	ticker := time.NewTicker(progress.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.tracker.Update(d.Received(), max(d.Size(), 0))
		}
	}
}

type countingWriter struct {
	w io.Writer
	d *Downloader
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.d.received.Add(int64(n))
	metrics.BytesWritten.WithLabelValues(protocol).Add(float64(n))
	return n, err
}
