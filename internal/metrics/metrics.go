// Package metrics exposes Prometheus counters for the coin ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	entries          *prometheus.CounterVec
	coins            *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	idempotentNoops  *prometheus.CounterVec
	reconcileRuns    prometheus.Counter
	reconcileFinding prometheus.Gauge
}

// New registers the ledger collectors on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		entries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycoin_ledger_entries_total",
			Help: "Ledger entries committed, by kind",
		}, []string{"kind"}),
		coins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycoin_coins_moved_total",
			Help: "Absolute coin amount moved by committed entries, by ledger kind",
		}, []string{"kind"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycoin_rejections_total",
			Help: "Rejected balance operations, by reason",
		}, []string{"reason"}),
		idempotentNoops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycoin_idempotent_noops_total",
			Help: "Repeated transitions or deductions that changed nothing",
		}, []string{"operation"}),
		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "joycoin_reconcile_runs_total",
			Help: "Completed reconciliation passes",
		}),
		reconcileFinding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "joycoin_reconcile_findings",
			Help: "Discrepancies found by the last reconciliation pass",
		}),
	}
}

// Entry records one appended ledger entry.
func (m *Metrics) Entry(kind string, amount int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(kind).Inc()
	if amount < 0 {
		amount = -amount
	}
	m.coins.WithLabelValues(kind).Add(float64(amount))
}

// Rejected records a business-rule rejection such as insufficient funds. It
// counts every attempt that was rejected.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// Noop records a retried operation that made no change.
func (m *Metrics) Noop(operation string) {
	if m == nil {
		return
	}
	m.idempotentNoops.WithLabelValues(operation).Inc()
}

// Reconciled records the outcome of a reconciliation pass.
func (m *Metrics) Reconciled(findings int) {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
	m.reconcileFinding.Set(float64(findings))
}
