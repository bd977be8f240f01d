// Package metrics exposes Prometheus metrics for transfers and expirations.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Uploads          *prometheus.CounterVec // filedrop_uploads_total{mode,status}
	Downloads        *prometheus.CounterVec // filedrop_downloads_total{mode,status}
	BytesStored      prometheus.Counter     // filedrop_bytes_stored_total
	BytesServed      prometheus.Counter     // filedrop_bytes_served_total
	Collisions       prometheus.Counter     // filedrop_identifier_collisions_total
	Expirations      *prometheus.CounterVec // filedrop_expirations_total{result}
	RequestDuration  *prometheus.HistogramVec
	WatcherConnected prometheus.Gauge
}

// Init registers the metrics once. A nil registry means the default one.
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		instance = &Metrics{
			Uploads: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filedrop_uploads_total",
				Help: "Uploads by mode (mediated, direct) and status",
			}, []string{"mode", "status"}),

			Downloads: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filedrop_downloads_total",
				Help: "Downloads by mode (mediated, direct) and status",
			}, []string{"mode", "status"}),

			BytesStored: f.NewCounter(prometheus.CounterOpts{
				Name: "filedrop_bytes_stored_total",
				Help: "Bytes accepted by mediated uploads",
			}),

			BytesServed: f.NewCounter(prometheus.CounterOpts{
				Name: "filedrop_bytes_served_total",
				Help: "Bytes written to clients by mediated downloads",
			}),

			Collisions: f.NewCounter(prometheus.CounterOpts{
				Name: "filedrop_identifier_collisions_total",
				Help: "Identifier candidates rejected because they were already live",
			}),

			Expirations: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filedrop_expirations_total",
				Help: "Expired primary keys handled by the watcher, by delete result",
			}, []string{"result"}),

			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "filedrop_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "status"}),

			WatcherConnected: f.NewGauge(prometheus.GaugeOpts{
				Name: "filedrop_watcher_subscribed",
				Help: "1 while the expiration watcher holds a notification subscription",
			}),
		}
	})
	return instance
}

// Get returns the registered metrics or nil before Init.
func Get() *Metrics {
	return instance
}

// Mode is the label value for a driver mode.
func Mode(extern bool) string {
	if extern {
		return "direct"
	}
	return "mediated"
}

// The Record methods are no-ops on a nil receiver so packages can run
// without metrics in tests.

func (m *Metrics) RecordUpload(extern bool, status string, bytes int64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(Mode(extern), status).Inc()
	if bytes > 0 {
		m.BytesStored.Add(float64(bytes))
	}
}

func (m *Metrics) RecordDownload(extern bool, status string, bytes int64) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(Mode(extern), status).Inc()
	if bytes > 0 {
		m.BytesServed.Add(float64(bytes))
	}
}

func (m *Metrics) RecordCollision() {
	if m == nil {
		return
	}
	m.Collisions.Inc()
}

func (m *Metrics) RecordExpiration(result string) {
	if m == nil {
		return
	}
	m.Expirations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, status).Observe(seconds)
}

func (m *Metrics) SetWatcherSubscribed(on bool) {
	if m == nil {
		return
	}
	if on {
		m.WatcherConnected.Set(1)
		return
	}
	m.WatcherConnected.Set(0)
}
