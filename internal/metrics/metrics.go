// Package metrics exposes Prometheus collectors for scope and gate decisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allygate"

// Recorder owns a dedicated registry so tests and embedded uses never collide
// with the global default registry.
type Recorder struct {
	registry      *prometheus.Registry
	scope         *prometheus.CounterVec
	gate          *prometheus.CounterVec
	missingFields *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	replies       *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
}

// NewRecorder creates and registers all collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		scope: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_decisions_total",
			Help:      "Scope decisions by outcome and reason.",
		}, []string{"in_scope", "reason"}),
		gate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Gate decisions by conversation type and whether the gate engaged.",
		}, []string{"conversation_type", "requires_gate"}),
		missingFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_fields_total",
			Help:      "Required fields reported missing, by conversation type and field.",
		}, []string{"conversation_type", "field"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_lookups_total",
			Help:      "Decision cache lookups by result.",
		}, []string{"result"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_deliveries_total",
			Help:      "Outbound reply delivery attempts by result.",
		}, []string{"result"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to process one conversation turn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		r.scope, r.gate, r.missingFields, r.cacheLookups, r.replies, r.turnDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveScope counts one scope decision.
func (r *Recorder) ObserveScope(d models.ScopeDecision) {
	r.scope.WithLabelValues(strconv.FormatBool(d.InScope), string(d.Reason)).Inc()
}

// ObserveGate counts one gate decision and each of its missing fields.
func (r *Recorder) ObserveGate(d models.GateDecision) {
	t := string(d.ConversationType)
	r.gate.WithLabelValues(t, strconv.FormatBool(d.RequiresGate)).Inc()
	for _, f := range d.MissingFields {
		r.missingFields.WithLabelValues(t, string(f)).Inc()
	}
}

// ObserveCacheLookup counts a decision cache hit or miss.
func (r *Recorder) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveReplyDelivery counts one delivery attempt. result is "sent", "retry" or "failed".
func (r *Recorder) ObserveReplyDelivery(result string) {
	r.replies.WithLabelValues(result).Inc()
}

// ObserveTurn records how long a turn took. outcome is one of "redirected",
// "gated", "answered" or "error".
func (r *Recorder) ObserveTurn(outcome string, d time.Duration) {
	r.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
