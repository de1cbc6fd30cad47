// Package metrics exposes keeper counters and gauges to Prometheus.
//
// Methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"vault-keeper/internal/tracker"
	"vault-keeper/pkg/types"
)

var (
	weiPerEther = decimal.New(1, 18)
	weiPerGwei  = decimal.New(1, 9)
)

// Metrics holds the keeper's collectors.
type Metrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	events        *prometheus.CounterVec
	snapshots     prometheus.Counter
	attempts      *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	gasSpent      prometheus.Counter
	tracked       *prometheus.GaugeVec
	pending       *prometheus.GaugeVec
	killSwitch    prometheus.Gauge
	gasPrice      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_cycles_total",
			Help: "Scheduler cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_events_applied_total",
			Help: "Chain events applied to the tracker by kind.",
		}, []string{"kind"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_indexer_snapshots_total",
			Help: "Indexer snapshots applied to the tracker.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_execution_attempts_total",
			Help: "Transactions admitted and submitted by action.",
		}, []string{"action"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_admission_rejections_total",
			Help: "Requests rejected by admission control by action and reason.",
		}, []string{"action", "reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_execution_outcomes_total",
			Help: "Finished executions by action and result.",
		}, []string{"action", "result"}),
		gasSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_gas_spent_ether_total",
			Help: "Fees paid for mined keeper transactions, in ether.",
		}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_tracked_entities",
			Help: "Entities in the tracker by type.",
		}, []string{"type"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_pending_actions",
			Help: "Actions with a pending flag set, by action.",
		}, []string{"action"}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_kill_switch_active",
			Help: "1 while the risk kill switch is engaged.",
		}),
		gasPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_gas_price_gwei",
			Help: "Gas price suggested by the node at the last cycle.",
		}),
	}
	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.events,
		m.snapshots,
		m.attempts,
		m.rejections,
		m.outcomes,
		m.gasSpent,
		m.tracked,
		m.pending,
		m.killSwitch,
		m.gasPrice,
	)
	return m
}

// ObserveCycle records one completed scheduler cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// IncEvent counts an applied chain event.
func (m *Metrics) IncEvent(kind types.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

// IncSnapshot counts an applied indexer snapshot.
func (m *Metrics) IncSnapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// IncAttempt counts a submitted transaction.
func (m *Metrics) IncAttempt(action types.Action) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(action)).Inc()
}

// IncRejection counts an admission rejection.
func (m *Metrics) IncRejection(action types.Action, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(string(action), reason).Inc()
}

// ObserveOutcome counts a finished execution and the fee it paid.
func (m *Metrics) ObserveOutcome(action types.Action, result string, fee *big.Int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(action), result).Inc()
	if fee != nil && fee.Sign() > 0 {
		m.gasSpent.Add(decimal.NewFromBigInt(fee, 0).Div(weiPerEther).InexactFloat64())
	}
}

// SetTracker publishes tracker counts.
func (m *Metrics) SetTracker(st tracker.Stats) {
	if m == nil {
		return
	}
	m.tracked.WithLabelValues("loan").Set(float64(st.Loans))
	m.tracked.WithLabelValues("order").Set(float64(st.Orders))
	m.tracked.WithLabelValues("active_order").Set(float64(st.ActiveOrders))
	m.tracked.WithLabelValues("position").Set(float64(st.Positions))
	m.tracked.WithLabelValues("loan_awaiting_check").Set(float64(st.LoansAwaitingCheck))
	m.pending.WithLabelValues(string(types.ActionLiquidation)).Set(float64(st.PendingLiquidation))
	m.pending.WithLabelValues(string(types.ActionPurchase)).Set(float64(st.PendingPurchase))
	m.pending.WithLabelValues(string(types.ActionAdjustment)).Set(float64(st.PendingAdjustment))
	m.pending.WithLabelValues(string(types.ActionSale)).Set(float64(st.PendingSale))
}

// SetKillSwitch publishes the kill switch state.
func (m *Metrics) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	if active {
		m.killSwitch.Set(1)
	} else {
		m.killSwitch.Set(0)
	}
}

// SetGasPrice publishes the current gas price, given in wei.
func (m *Metrics) SetGasPrice(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	m.gasPrice.Set(decimal.NewFromBigInt(wei, 0).Div(weiPerGwei).InexactFloat64())
}
