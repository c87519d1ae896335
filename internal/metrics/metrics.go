// Package metrics exposes the payment engine's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	unrecognized *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	captures     *prometheus.CounterVec
	providerCall *prometheus.HistogramVec
	stuck        *prometheus.GaugeVec
	parked       *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "mpay"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.unrecognized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "status_unrecognized_total",
			Help:      "Provider callbacks carrying a status the engine does not map.",
		},
		[]string{"provider", "status"},
	)
	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "transitions_total",
			Help:      "Committed tranche state transitions.",
		},
		[]string{"from", "to"},
	)
	c.captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "capture_attempts_total",
			Help:      "Escrow transfer attempts by result.",
		},
		[]string{"result"},
	)
	c.providerCall = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_seconds",
			Help:      "Latency of payment provider calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)
	c.stuck = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "stuck",
			Help:      "Tranches past their expected dwell time, by status, at the last sweep.",
		},
		[]string{"status"},
	)
	c.parked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "parked_total",
			Help:      "Outbox events parked after exhausting their delivery attempts.",
		},
		[]string{"type"},
	)
	c.registry.MustRegister(c.unrecognized, c.transitions, c.captures, c.providerCall, c.stuck, c.parked)
	return c
}

func (c *Collector) UnrecognizedStatus(provider, status string) {
	if c == nil {
		return
	}
	c.unrecognized.WithLabelValues(provider, status).Inc()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Capture(result string) {
	if c == nil {
		return
	}
	c.captures.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveProvider(op string, err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.providerCall.WithLabelValues(op, result).Observe(d.Seconds())
}

func (c *Collector) EventParked(typ string) {
	if c == nil {
		return
	}
	c.parked.WithLabelValues(typ).Inc()
}

// SetStuck replaces the stuck gauge with the latest sweep counts.
func (c *Collector) SetStuck(counts map[string]int) {
	if c == nil {
		return
	}
	c.stuck.Reset()
	for status, n := range counts {
		c.stuck.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
