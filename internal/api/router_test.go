package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/metrics"
	"segdl/internal/progress"
	"segdl/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (http.Handler, *session.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.SegmentAttempts = 1
	log := logger.NewNop()
	m := session.NewManager(cfg, fetch.NewClient(cfg, log), log)
	t.Cleanup(m.Stop)
	return New(m, log), m
}

func TestAPI_DownloadLifecycle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.txt", time.Time{}, strings.NewReader("hello world"))
	}))
	defer upstream.Close()

	handler, m := newTestAPI(t)

	body, _ := json.Marshal(map[string]string{"url": upstream.URL + "/a.txt"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/downloads", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created downloadStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "http", created.Protocol)

	d, ok := m.Get(created.ID)
	require.True(t, ok)
	require.NoError(t, d.Wait())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got downloadStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, progress.StateDone, got.Progress.State)
	assert.Equal(t, int64(11), got.Progress.BytesDownloaded)
	assert.Empty(t, got.Error)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []downloadStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/downloads/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_NotFoundAndBadRequest(t *testing.T) {
	handler, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/downloads/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/downloads", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/downloads", strings.NewReader(`{"url":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Metrics(t *testing.T) {
	handler, _ := newTestAPI(t)
	metrics.ManifestReloads.WithLabelValues("hls", "ok").Inc()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "segdl_manifest_reloads_total")
}
