// Package metrics exposes prometheus collectors for stream and download activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsFetched counts segments whose body was fetched successfully.
	SegmentsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segdl_segments_fetched_total",
		Help: "Segments fetched successfully.",
	}, []string{"protocol"})

	// SegmentErrors counts segment failures by kind (fetch, write).
	SegmentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segdl_segment_errors_total",
		Help: "Segment fetch and write failures.",
	}, []string{"protocol", "kind"})

	// BytesWritten counts bytes committed to stream buffers or output files.
	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segdl_bytes_written_total",
		Help: "Bytes written to stream buffers and files.",
	}, []string{"protocol"})

	// ManifestReloads counts playlist and manifest reloads by result (ok, error).
	ManifestReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segdl_manifest_reloads_total",
		Help: "Manifest reloads.",
	}, []string{"protocol", "result"})

	// HTTPRequests counts upstream HTTP responses by status code class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segdl_http_requests_total",
		Help: "Upstream HTTP requests by status.",
	}, []string{"status"})

	// ActiveStreams is the number of open streams and downloads.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segdl_active_streams",
		Help: "Open streams and downloads.",
	}, []string{"protocol"})
)
