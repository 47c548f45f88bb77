// Package observability wires the engine's metric hooks to Prometheus.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"daygraph-backend/domain/events"
)

// Metrics holds every collector the engine reports into.
type Metrics struct {
	MutationsTotal  *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	BroadcastsTotal prometheus.Counter
	StoreRetries    prometheus.Counter
	Participants    *prometheus.GaugeVec
}

// NewMetrics registers the engine's collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daygraph_mutations_total",
			Help: "Mutations processed, by event type and ack status.",
		}, []string{"type", "status"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daygraph_rejections_total",
			Help: "Mutations rejected by the write-protection gateway, by reason code.",
		}, []string{"code"}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daygraph_conflicts_total",
			Help: "Concurrent-edit conflicts resolved, by outcome for the incoming event.",
		}, []string{"outcome"}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "daygraph_broadcasts_total",
			Help: "Events fanned out to session rooms.",
		}),
		StoreRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "daygraph_store_retries_total",
			Help: "Transient store failures retried.",
		}),
		Participants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daygraph_room_participants",
			Help: "Current participants per scope.",
		}, []string{"scope"}),
	}
}

// OnMutation records a processed mutation outcome.
func (m *Metrics) OnMutation(eventType string, status events.AckStatus) {
	m.MutationsTotal.WithLabelValues(eventType, string(status)).Inc()
}

// OnRejection records a gateway rejection by reason code.
func (m *Metrics) OnRejection(code string) {
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

// OnConflict records a resolved conflict.
func (m *Metrics) OnConflict(incomingWon bool) {
	outcome := "incoming_lost"
	if incomingWon {
		outcome = "incoming_won"
	}
	m.ConflictsTotal.WithLabelValues(outcome).Inc()
}

// OnBroadcast counts one room fan-out.
func (m *Metrics) OnBroadcast() {
	m.BroadcastsTotal.Inc()
}

// OnStoreRetry counts one transient-failure retry.
func (m *Metrics) OnStoreRetry() {
	m.StoreRetries.Inc()
}

// OnPresence tracks a scope's participant count. A zero count removes the
// series so idle scopes do not accumulate.
func (m *Metrics) OnPresence(scope string, count int) {
	if count == 0 {
		m.Participants.DeleteLabelValues(scope)
		return
	}
	m.Participants.WithLabelValues(scope).Set(float64(count))
}
