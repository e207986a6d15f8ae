// Package metrics exposes the focus state to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/focus"
)

// Metrics owns a dedicated Prometheus registry so that tests can instantiate
// it repeatedly without duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	ConferenceRequests prometheus.Counter
	HealthRequests     prometheus.Counter
	ThrottledRequests  prometheus.Counter
	AllocationSeconds  prometheus.Histogram
	AllocationFailures *prometheus.CounterVec
}

// New builds the metric set for a service. Gauges read the live state, so
// scraping needs no bookkeeping in the hot paths.
func New(service *focus.Service) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ConferenceRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_conference_requests_total",
			Help: "Conference requests received over IQ and REST.",
		}),
		HealthRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_health_requests_total",
			Help: "Health endpoint requests served.",
		}),
		ThrottledRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_throttled_requests_total",
			Help: "HTTP requests rejected by the rate limiter.",
		}),
		AllocationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "focus_allocation_seconds",
			Help:    "Time to allocate an endpoint on a bridge.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		AllocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focus_allocation_failures_total",
			Help: "Endpoint allocations that failed, by bridge.",
		}, []string{"bridge"}),
	}
	registry.MustRegister(
		m.ConferenceRequests, m.HealthRequests, m.ThrottledRequests,
		m.AllocationSeconds, m.AllocationFailures,
	)
	service.SetColibriObserver(m)

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_conferences",
		Help: "Live conferences.",
	}, func() float64 {
		return float64(service.Conferences().Count())
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_participants",
		Help: "Participants across all live conferences.",
	}, func() float64 {
		total := 0
		for _, c := range service.Conferences().Snapshot() {
			total += c.ParticipantCount()
		}
		return float64(total)
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_bridges",
		Help: "Known bridges.",
	}, func() float64 {
		return float64(len(service.Bridges().Snapshot()))
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_bridges_operational",
		Help: "Bridges that are operational and accepting new endpoints.",
	}, func() float64 {
		return float64(service.Bridges().OperationalCount())
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_jibri_instances_idle",
		Help: "Recorder instances that are idle and healthy.",
	}, func() float64 {
		_, idle := service.Jibri().Recorders().Counts()
		return float64(idle)
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "focus_version_pins",
		Help: "Rooms with an unexpired bridge version pin.",
	}, func() float64 {
		return float64(len(service.Pins().Snapshot()))
	}))

	return m
}

// AllocationSucceeded implements colibri.Observer.
func (m *Metrics) AllocationSucceeded(_ bridge.ID, elapsed time.Duration) {
	m.AllocationSeconds.Observe(elapsed.Seconds())
}

// AllocationFailed implements colibri.Observer.
func (m *Metrics) AllocationFailed(id bridge.ID) {
	m.AllocationFailures.WithLabelValues(string(id)).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
