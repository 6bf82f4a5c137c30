// Package metrics exposes run counters on a dedicated prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels of FilesTotal
const (
	OutcomeDownloaded = "downloaded"
	OutcomeSkipped    = "skipped"
	OutcomeRetryable  = "retryable"
	OutcomeFailed     = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	PostsProcessed prometheus.Counter
	FilesTotal     *prometheus.CounterVec
	BytesTotal     prometheus.Counter
	FileDuration   prometheus.Histogram
	PagesTotal     *prometheus.CounterVec
	ActiveWorkers  prometheus.Gauge
	DroppedEvents  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PostsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kemono_posts_processed_total",
			Help: "Posts handled by post workers",
		}),
		FilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kemono_files_total",
			Help: "Files by outcome",
		}, []string{"outcome"}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kemono_downloaded_bytes_total",
			Help: "Bytes written to completed files",
		}),
		FileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kemono_file_download_seconds",
			Help:    "Wall time of successful file downloads",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		PagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kemono_pages_fetched_total",
			Help: "Post pages fetched by status",
		}, []string{"status"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kemono_active_post_workers",
			Help: "Post workers currently processing",
		}),
		DroppedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kemono_dropped_progress_events",
			Help: "Progress events dropped by the event bus",
		}),
	}
	m.registry.MustRegister(
		m.PostsProcessed,
		m.FilesTotal,
		m.BytesTotal,
		m.FileDuration,
		m.PagesTotal,
		m.ActiveWorkers,
		m.DroppedEvents,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFile records one file outcome.
func (m *Metrics) ObserveFile(outcome string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDownloaded {
		m.BytesTotal.Add(float64(bytes))
		m.FileDuration.Observe(elapsed.Seconds())
	}
}

// ObservePage records one fetched post page; err nil counts as "ok".
func (m *Metrics) ObservePage(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PagesTotal.WithLabelValues(status).Inc()
}
