// Package metrics holds the Prometheus collectors exported by the bazaar.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Metrics groups every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	SalesVolume   prometheus.Counter
	FeesCollected prometheus.Counter
	Active        prometheus.Gauge
	Paused        prometheus.Gauge
	FeeBps        prometheus.Gauge
	Relayed       *prometheus.CounterVec
	Archived      *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bazaar_transitions_total",
				Help: "Committed ledger transitions by event kind",
			},
			[]string{"kind"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bazaar_rejections_total",
				Help: "Rejected ledger operations by operation and failure kind",
			},
			[]string{"op", "code"},
		),
		SalesVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bazaar_sales_volume_total",
			Help: "Sum of sale prices in the smallest currency unit",
		}),
		FeesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bazaar_fees_collected_total",
			Help: "Sum of platform fees in the smallest currency unit",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bazaar_active_listings",
			Help: "Listings currently open for purchase",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bazaar_paused",
			Help: "1 while the marketplace is paused",
		}),
		FeeBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bazaar_fee_bps",
			Help: "Current platform fee in basis points",
		}),
		Relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bazaar_relay_events_total",
				Help: "Events handled by the relay by outcome",
			},
			[]string{"outcome"},
		),
		Archived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bazaar_archived_records_total",
				Help: "Records copied to cold storage by kind",
			},
			[]string{"kind"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bazaar_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.Transitions, m.Rejections, m.SalesVolume, m.FeesCollected,
		m.Active, m.Paused, m.FeeBps, m.Relayed, m.Archived, m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition records a committed transition.
func (m *Metrics) ObserveTransition(tr domain.Transition) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(tr.Event.Kind)).Inc()
	if tr.Sale != nil {
		m.SalesVolume.Add(tr.Sale.Price.Float64())
		m.FeesCollected.Add(tr.Sale.Fee.Float64())
	}
	m.FeeBps.Set(float64(tr.Market.FeeBps))
	if tr.Market.Paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

// ObserveRejection records a rejected operation.
func (m *Metrics) ObserveRejection(op string, err error) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(op, domain.Code(err)).Inc()
}

// SetActive sets the active listing gauge.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.Active.Set(float64(n))
}

// ObserveRelay counts relay outcomes ("published", "failed").
func (m *Metrics) ObserveRelay(outcome string, n int) {
	if m == nil {
		return
	}
	m.Relayed.WithLabelValues(outcome).Add(float64(n))
}

// ObserveArchive counts archived records.
func (m *Metrics) ObserveArchive(kind string, n int64) {
	if m == nil {
		return
	}
	m.Archived.WithLabelValues(kind).Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
