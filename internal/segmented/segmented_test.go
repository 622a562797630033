package segmented_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
	"segdl/internal/segmented"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedManifest returns its updates in order and repeats the last one.
type scriptedManifest struct {
	mu      sync.Mutex
	updates []*segmented.Update
	errs    []error
	calls   int
}

func (m *scriptedManifest) Refresh(ctx context.Context) (*segmented.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.updates) {
		i = len(m.updates) - 1
	}
	return m.updates[i], nil
}

// recordingHandler writes payloads unchanged and remembers the order.
type recordingHandler struct {
	client    *fetch.Client
	failWrite bool
	fatal     error
	mu        sync.Mutex
	written   []uint64
}

func (h *recordingHandler) Request(ctx context.Context, seg *models.Segment) (*http.Request, error) {
	return h.client.NewRequest(ctx, seg.URL)
}

func (h *recordingHandler) Write(ctx context.Context, seg *models.Segment, data []byte, w io.Writer) error {
	if h.failWrite {
		return errors.New("corrupt segment")
	}
	if h.fatal != nil {
		return h.fatal
	}
	h.mu.Lock()
	h.written = append(h.written, seg.Ordinal)
	h.mu.Unlock()
	_, err := w.Write(data)
	return err
}

func (h *recordingHandler) Written() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.written...)
}

func testOptions() segmented.Options {
	return segmented.Options{
		Protocol:         "test",
		Threads:          4,
		Attempts:         1,
		SegmentTimeout:   2 * time.Second,
		StreamTimeout:    5 * time.Second,
		BufferSize:       1 << 20,
		MaxErrors:        5,
		LiveEdge:         3,
		ReloadAttempts:   2,
		ReloadRetryDelay: time.Millisecond,
	}
}

func testClient() *fetch.Client {
	return fetch.NewClient(config.Default(), logger.NewNop()).WithRetryDelay(time.Millisecond)
}

// segmentServer serves "/seg/N" with payload "segment-N|" after a random delay.
func segmentServer(t *testing.T, maxDelay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxDelay > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(maxDelay))))
		}
		fmt.Fprintf(w, "segment-%s|", strings.TrimPrefix(r.URL.Path, "/seg/"))
	}))
	t.Cleanup(server.Close)
	return server
}

func makeSegments(base string, first, count int) []*models.Segment {
	segs := make([]*models.Segment, 0, count)
	for i := first; i < first+count; i++ {
		segs = append(segs, &models.Segment{
			URL:       fmt.Sprintf("%s/seg/%d", base, i),
			Ordinal:   uint64(i),
			Duration:  2,
			IsContent: true,
		})
	}
	return segs
}

func TestReader_StaticOrderUnderRandomLatency(t *testing.T) {
	server := segmentServer(t, 20*time.Millisecond)
	segs := makeSegments(server.URL, 0, 30)
	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: segs, End: true}}}
	handler := &recordingHandler{client: testClient()}

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)

	var want strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&want, "segment-%d|", i)
	}
	assert.Equal(t, want.String(), string(got))
	assert.Equal(t, int64(len(got)), reader.TotalBytes())
	assert.Eventually(t, func() bool { return reader.State() == segmented.StateClosed }, time.Second, 5*time.Millisecond)
}

func TestReader_FetchFailureCeiling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 10), End: true}}}
	handler := &recordingHandler{client: testClient()}

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	_, err = io.ReadAll(reader)
	assert.ErrorIs(t, err, models.ErrTooManySegmentFetchFailures)
	fetchErrors, _ := reader.Errors()
	assert.Equal(t, 5, fetchErrors)
}

func TestReader_WriteFailureCeiling(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 8), End: true}}}
	handler := &recordingHandler{client: testClient(), failWrite: true}

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	_, err = io.ReadAll(reader)
	assert.ErrorIs(t, err, models.ErrTooManySegmentWriteFailures)
}

func TestReader_LiveEdge(t *testing.T) {
	server := segmentServer(t, 0)
	segs := makeSegments(server.URL, 100, 10)
	manifest := &scriptedManifest{updates: []*segmented.Update{
		{Segments: segs, Live: true, TargetDuration: 10 * time.Millisecond, MinReload: 10 * time.Millisecond},
		{Segments: append(segs, makeSegments(server.URL, 110, 1)...), End: true},
	}}
	handler := &recordingHandler{client: testClient()}

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "segment-107|segment-108|segment-109|segment-110|", string(got))
	assert.Equal(t, []uint64{107, 108, 109, 110}, handler.Written())
}

func TestReader_LiveRestartAndDurationLimit(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{
		{Segments: makeSegments(server.URL, 0, 10), Live: true, TargetDuration: time.Second},
	}}
	handler := &recordingHandler{client: testClient()}
	opts := testOptions()
	opts.LiveRestart = true
	opts.DurationLimit = 5

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), opts, logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	// Three 2s segments reach the 5s limit.
	assert.Equal(t, "segment-0|segment-1|segment-2|", string(got))
}

func TestReader_StartOffset(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 5), End: true}}}
	opts := testOptions()
	opts.StartOffset = 4

	reader, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), opts, logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "segment-2|segment-3|segment-4|", string(got))
}

func TestReader_ManifestUnavailable(t *testing.T) {
	server := segmentServer(t, 0)
	reloadErr := errors.New("connection refused")
	manifest := &scriptedManifest{
		updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 2), Live: true, TargetDuration: 10 * time.Millisecond, MinReload: 10 * time.Millisecond}},
		errs:    []error{nil, reloadErr, reloadErr, reloadErr},
	}

	reader, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	_, err = io.ReadAll(reader)
	assert.ErrorIs(t, err, models.ErrManifestUnavailable)
	assert.ErrorIs(t, err, reloadErr)
}

func TestOpen_UnsupportedStream(t *testing.T) {
	manifest := &scriptedManifest{errs: []error{fmt.Errorf("master playlist: %w", models.ErrUnsupportedStream)}}

	_, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), testOptions(), logger.NewNop())
	assert.ErrorIs(t, err, models.ErrUnsupportedStream)
	manifest.mu.Lock()
	defer manifest.mu.Unlock()
	assert.Equal(t, 1, manifest.calls, "unsupported streams must not be retried")
}

func TestReader_DecryptionFailureClosesStream(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 8), End: true}}}
	handler := &recordingHandler{
		client: testClient(),
		fatal:  fmt.Errorf("segment 0: %w: bad padding", models.ErrDecryption),
	}

	reader, err := segmented.Open(context.Background(), manifest, handler, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	assert.ErrorIs(t, err, models.ErrDecryption)
	assert.Empty(t, got)
	_, writeErrors := reader.Errors()
	assert.Zero(t, writeErrors)
}

func TestReader_RangeUnsatisfiableClosesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes */100")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 8), End: true}}}
	opts := testOptions()
	opts.Attempts = 3

	reader, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), opts, logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	_, err = io.ReadAll(reader)
	assert.ErrorIs(t, err, models.ErrRangeUnsatisfiable)
	assert.NotErrorIs(t, err, models.ErrTooManySegmentFetchFailures)
	fetchErrors, _ := reader.Errors()
	assert.Zero(t, fetchErrors)
}

func TestReader_ReadLargerThanBuffer(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{{Segments: makeSegments(server.URL, 0, 6), End: true}}}
	opts := testOptions()
	opts.BufferSize = 16
	opts.StreamTimeout = 0

	reader, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), opts, logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		var out []byte
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			out = append(out, buf[:n]...)
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				done <- readResult{out, err}
				return
			}
		}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		var want strings.Builder
		for i := 0; i < 6; i++ {
			fmt.Fprintf(&want, "segment-%d|", i)
		}
		assert.Equal(t, want.String(), string(res.data))
	case <-time.After(5 * time.Second):
		reader.Close()
		t.Fatal("read with a buffer larger than the ring buffer stalled")
	}
}

func TestReader_CloseIsIdempotent(t *testing.T) {
	server := segmentServer(t, 0)
	manifest := &scriptedManifest{updates: []*segmented.Update{
		{Segments: makeSegments(server.URL, 0, 3), Live: true, TargetDuration: time.Hour},
	}}

	reader, err := segmented.Open(context.Background(), manifest, &recordingHandler{client: testClient()}, testClient(), testOptions(), logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())

	buf := make([]byte, 64)
	for {
		_, err = reader.Read(buf)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
	assert.Nil(t, reader.Err())
}
