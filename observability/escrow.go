package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records engine activity. It satisfies the recorder the escrow
// engine accepts through SetMetrics.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	signatures  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	settlements *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registered on the default
// Prometheus registerer.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = NewEscrowMetrics(prometheus.DefaultRegisterer)
	})
	return escrowRegistry
}

// NewEscrowMetrics builds and registers the escrow collectors on reg.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	m := &EscrowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow state transitions segmented by resulting state.",
		}, []string{"state"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "escrow",
			Name:      "signatures_total",
			Help:      "Recorded participant signatures segmented by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "escrow",
			Name:      "errors_total",
			Help:      "Rejected escrow operations segmented by operation and error kind.",
		}, []string{"operation", "kind"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Disbursement attempts segmented by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.signatures, m.errors, m.settlements)
	}
	return m
}

func (m *EscrowMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *EscrowMetrics) RecordSignature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) RecordError(operation, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, kind).Inc()
}

func (m *EscrowMetrics) RecordSettlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}
