// Package metrics exposes Prometheus collectors for the decision engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry and the engine's metrics.
// A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	decisions           *prometheus.CounterVec
	decisionDuration    *prometheus.HistogramVec
	alertScores         prometheus.Histogram
	persistFailures     prometheus.Counter
	runtimeRules        *prometheus.GaugeVec
	suggestionsMined    *prometheus.GaugeVec
	ingestedMessages    *prometheus.CounterVec
	labelsApplied       *prometheus.CounterVec
	suggestionRefreshes *prometheus.CounterVec
}

// NewCollector registers all collectors on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_decisions_total",
			Help: "Total number of triage decisions by kind and outcome",
		}, []string{"kind", "decision"}),
		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harrier_decision_duration_seconds",
			Help:    "Time taken to produce a triage decision",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"kind"}),
		alertScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harrier_alert_score",
			Help:    "Distribution of fraud alert scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.45, 0.6, 0.75, 0.9, 1},
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "harrier_event_persist_failures_total",
			Help: "Fraud events that could not be written to the event store",
		}),
		runtimeRules: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harrier_runtime_rules",
			Help: "Number of accepted runtime rules per tenant",
		}, []string{"tenant_id"}),
		suggestionsMined: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harrier_rule_suggestions",
			Help: "Number of rule suggestions produced by the last scheduled run",
		}, []string{"tenant_id"}),
		ingestedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_ingested_transactions_total",
			Help: "Transactions consumed from the event bus by outcome",
		}, []string{"status"}),
		labelsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_labels_total",
			Help: "Analyst labels applied to fraud events",
		}, []string{"label"}),
		suggestionRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_suggestion_refresh_total",
			Help: "Scheduled suggestion refreshes by outcome",
		}, []string{"status"}),
	}
}

// RecordFraud records a fraud decision and its latency.
func (c *Collector) RecordFraud(result domain.FraudDecisionResult, duration time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues("fraud", string(result.Decision)).Inc()
	c.decisionDuration.WithLabelValues("fraud").Observe(duration.Seconds())
	c.alertScores.Observe(result.AlertScore)
	if !result.Persisted {
		c.persistFailures.Inc()
	}
}

// RecordCredit records a credit decision and its latency.
func (c *Collector) RecordCredit(result domain.CreditDecisionResult, duration time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues("credit", string(result.Decision)).Inc()
	c.decisionDuration.WithLabelValues("credit").Observe(duration.Seconds())
}

// SetRuntimeRules records the size of a tenant's runtime rule set.
func (c *Collector) SetRuntimeRules(tenantID string, n int) {
	if c == nil {
		return
	}
	c.runtimeRules.WithLabelValues(tenantID).Set(float64(n))
}

// RecordSuggestionRefresh records a scheduled suggestion run.
func (c *Collector) RecordSuggestionRefresh(tenantID string, n int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.suggestionRefreshes.WithLabelValues("error").Inc()
		return
	}
	c.suggestionRefreshes.WithLabelValues("ok").Inc()
	c.suggestionsMined.WithLabelValues(tenantID).Set(float64(n))
}

// RecordIngest records the outcome of one bus-ingested transaction.
func (c *Collector) RecordIngest(err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ingestedMessages.WithLabelValues(status).Inc()
}

// RecordLabel records an analyst label.
func (c *Collector) RecordLabel(label domain.Label) {
	if c == nil {
		return
	}
	c.labelsApplied.WithLabelValues(string(label)).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
