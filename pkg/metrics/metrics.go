// Package metrics holds the Prometheus collectors shared by the store,
// controller and transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreMutations counts applied store transitions by operation.
	StoreMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qdash_store_mutations_total",
		Help: "Session configuration mutations applied, by operation and outcome",
	}, []string{"op", "outcome"})

	// MergesTotal counts inbound hierarchical patches by outcome.
	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qdash_merges_total",
		Help: "Inbound link patches processed, by outcome",
	}, []string{"outcome"})

	// MergeSkippedBranches counts malformed branches ignored during merges.
	MergeSkippedBranches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qdash_merge_skipped_branches_total",
		Help: "Malformed patch branches skipped during merges",
	})

	// InboundMessages counts transport messages by type.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qdash_inbound_messages_total",
		Help: "Messages received from the simulation backend, by type",
	}, []string{"type"})

	// SimulationStarts counts submitted simulation starts by outcome.
	SimulationStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qdash_simulation_starts_total",
		Help: "Simulation start submissions, by outcome",
	}, []string{"outcome"})

	// Connected is 1 while the backend connection is up.
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qdash_backend_connected",
		Help: "1 when the backend WebSocket is connected",
	})
)

// Outcome labels.
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Mutation records one store transition.
func Mutation(op string, changed bool) {
	outcome := OutcomeNoop
	if changed {
		outcome = OutcomeApplied
	}
	StoreMutations.WithLabelValues(op, outcome).Inc()
}
