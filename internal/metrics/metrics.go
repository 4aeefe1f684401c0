// Package metrics provides Prometheus metrics for the download engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTotal counts segment fetches by result (ok, network_error, cipher_error, write_error).
	SegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsgrab_segments_total",
		Help: "Total number of segment fetches, by result.",
	}, []string{"result"})

	// SegmentBytesTotal counts plaintext bytes written to chunk files.
	SegmentBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsgrab_segment_bytes_total",
		Help: "Total number of plaintext bytes written to chunk files.",
	})

	// KeyResolutionsTotal counts key resolutions by strategy and result.
	KeyResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsgrab_key_resolutions_total",
		Help: "Total number of key resolutions, by strategy and result.",
	}, []string{"strategy", "result"})

	// DownloadsTotal counts finished downloads by outcome (completed or a failure kind).
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsgrab_downloads_total",
		Help: "Total number of finished downloads, by outcome.",
	}, []string{"result"})

	// InFlightSegments tracks segment fetches currently running.
	InFlightSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsgrab_inflight_segments",
		Help: "Current number of segment fetches in flight.",
	})
)
