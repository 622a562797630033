package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"segdl/internal/logger"
	"segdl/internal/progress"
	"segdl/internal/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	downloads *session.Manager
	logger    logger.Logger
}

// downloadStatus is the JSON view of a download.
type downloadStatus struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Path      string          `json:"path"`
	Protocol  string          `json:"protocol"`
	StartedAt time.Time       `json:"started_at"`
	Progress  progress.Report `json:"progress"`
	Error     string          `json:"error,omitempty"`
}

type startRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func New(downloads *session.Manager, log logger.Logger) http.Handler {
	api := &API{
		downloads: downloads,
		logger:    log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /downloads", api.handleStart)
	mux.HandleFunc("GET /downloads", api.handleList)
	mux.HandleFunc("GET /downloads/{id}", api.handleGet)
	mux.HandleFunc("DELETE /downloads/{id}", api.handleCancel)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func status(d *session.Download) downloadStatus {
	s := downloadStatus{
		ID:        d.ID,
		URL:       d.URL,
		Path:      d.Path,
		Protocol:  string(d.Protocol),
		StartedAt: d.StartedAt,
		Progress:  d.Report(),
	}
	if err := d.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("Failed to encode response: %v", err)
	}
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	d, err := a.downloads.Start(req.URL, req.Name, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to start download: %v", err), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusCreated, status(d))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	downloads := a.downloads.List()
	out := make([]downloadStatus, 0, len(downloads))
	for _, d := range downloads {
		out = append(out, status(d))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, found := a.downloads.Get(id)
	if !found {
		http.Error(w, fmt.Sprintf("Download %s not found", id), http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, status(d))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.downloads.Cancel(id) {
		http.Error(w, fmt.Sprintf("Download %s not found", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
