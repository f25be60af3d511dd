// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics holds the Prometheus instruments shared by both ledgers
// and the messengers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luxfi/xloan/guard"
)

const namespace = "xloan"

// Ledger labels.
const (
	Collateral = "collateral"
	Liquidity  = "liquidity"
)

// Metrics holds all Prometheus metrics for the loan ledgers.
type Metrics struct {
	// Operations counts entry-point calls by ledger, operation and result.
	Operations *prometheus.CounterVec
	// Transitions counts state changes by ledger and resulting state.
	Transitions *prometheus.CounterVec
	// MessagesSent counts outbound payloads by action and path (direct, messenger).
	MessagesSent *prometheus.CounterVec
	// MessagesReceived counts inbound deliveries by messenger, action and result.
	MessagesReceived *prometheus.CounterVec
	// OracleRejections counts stale or invalid price reads by ledger.
	OracleRejections *prometheus.CounterVec
	// RelayFees sums delivery fees paid, in native wei, by source chain.
	RelayFees *prometheus.CounterVec
	// CollateralCustodied tracks collateral held in the vault.
	CollateralCustodied prometheus.Gauge
	// OutstandingPrincipal tracks funded, unsettled principal.
	OutstandingPrincipal prometheus.Gauge
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger entry-point calls by ledger, operation and result.",
		}, []string{"ledger", "op", "result"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Loan state transitions by ledger and target state.",
		}, []string{"ledger", "state"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound cross-ledger instructions by action and path.",
		}, []string{"action", "path"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound deliveries by messenger, action and result.",
		}, []string{"messenger", "action", "result"}),
		OracleRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_rejections_total",
			Help:      "Price reads rejected as stale or invalid.",
		}, []string{"ledger"}),
		RelayFees: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fees_wei_total",
			Help:      "Delivery fees paid by the relay adapter.",
		}, []string{"chain"}),
		CollateralCustodied: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_custodied",
			Help:      "Collateral units held in custody, in whole tokens.",
		}),
		OutstandingPrincipal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_principal",
			Help:      "Funded principal not yet repaid or defaulted, in whole tokens.",
		}),
	}
}

// Op records the outcome of an entry point.
func (m *Metrics) Op(ledger, op string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(ledger, op, Result(err)).Inc()
}

// Transition records a state change.
func (m *Metrics) Transition(ledger, state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(ledger, state).Inc()
}

// Sent records an outbound instruction.
func (m *Metrics) Sent(action, path string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(action, path).Inc()
}

// Received records an inbound delivery.
func (m *Metrics) Received(messenger, action string, err error) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(messenger, action, Result(err)).Inc()
}

// OracleRejected records a refused price read.
func (m *Metrics) OracleRejected(ledger string) {
	if m == nil {
		return
	}
	m.OracleRejections.WithLabelValues(ledger).Inc()
}

// FeePaid adds a relay fee in wei.
func (m *Metrics) FeePaid(chain string, wei float64) {
	if m == nil {
		return
	}
	m.RelayFees.WithLabelValues(chain).Add(wei)
}

// AddCollateral moves the custody gauge.
func (m *Metrics) AddCollateral(units float64) {
	if m == nil {
		return
	}
	m.CollateralCustodied.Add(units)
}

// AddPrincipal moves the outstanding principal gauge.
func (m *Metrics) AddPrincipal(units float64) {
	if m == nil {
		return
	}
	m.OutstandingPrincipal.Add(units)
}

// Result maps err to a result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, guard.ErrReentrancy):
		return "busy"
	case errors.Is(err, guard.ErrPaused):
		return "paused"
	default:
		return "rejected"
	}
}
