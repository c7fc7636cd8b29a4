// Package metrics provides Prometheus collectors for the lifecycle engine:
// transition counts, session outcomes and external-call failures.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the walletcore Prometheus collectors.
type Collector struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	sessionOutcomes  *prometheus.CounterVec
	externalFailures *prometheus.CounterVec
}

// NewCollector creates and registers the walletcore collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "walletcore"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_transitions_total",
		Help:      "Transaction status transitions by target status.",
	}, []string{"status"})

	c.sessionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_outcomes_total",
		Help:      "Wallet sessions reaching a terminal status.",
	}, []string{"status"})

	c.externalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "external_failures_total",
		Help:      "Failures from remote collaborators by operation and kind.",
	}, []string{"op", "kind"})

	c.registry.MustRegister(c.transitions, c.sessionOutcomes, c.externalFailures)
	return c
}

// Transition records a transaction moving to a status.
func (c *Collector) Transition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

// SessionOutcome records a session reaching a terminal status.
func (c *Collector) SessionOutcome(status string) {
	c.sessionOutcomes.WithLabelValues(status).Inc()
}

// ExternalFailure records a failed remote call. kind is "transient" or
// "definitive".
func (c *Collector) ExternalFailure(op, kind string) {
	c.externalFailures.WithLabelValues(op, kind).Inc()
}

// Handler exposes the collectors for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
