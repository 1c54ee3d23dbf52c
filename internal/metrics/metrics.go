package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service collectors. A nil *Registry is valid and
// records nothing, which keeps tests free of metric plumbing.
type Registry struct {
	registry         *prometheus.Registry
	withdrawalsTotal *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	anomaliesTotal   *prometheus.CounterVec
	activeWatches    prometheus.Gauge
	kiosksOnline     prometheus.Gauge
	dlqDepth         prometheus.Gauge
}

func NewRegistry() *Registry {
	withdrawals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashpoint_withdrawals_created_total",
		Help: "Withdrawal create requests by result",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashpoint_withdrawal_transitions_total",
		Help: "Applied withdrawal state transitions",
	}, []string{"from", "to"})

	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashpoint_payment_events_total",
		Help: "Terminal payment events by outcome",
	}, []string{"outcome"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashpoint_kiosk_deliveries_total",
		Help: "Authorization delivery attempts to kiosks",
	}, []string{"result"})

	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashpoint_anomalies_total",
		Help: "Dropped or rejected inbound events",
	}, []string{"kind"})

	watches := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashpoint_payment_watches_active",
		Help: "Payment confirmation watches in flight",
	})

	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashpoint_kiosks_online",
		Help: "Kiosks within the liveness window at last heartbeat",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashpoint_dlq_depth",
		Help: "Unmatched payment callbacks awaiting reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(withdrawals, transitions, payments, deliveries, anomalies, watches, online, dlq)

	return &Registry{
		registry:         r,
		withdrawalsTotal: withdrawals,
		transitionsTotal: transitions,
		paymentEvents:    payments,
		deliveriesTotal:  deliveries,
		anomaliesTotal:   anomalies,
		activeWatches:    watches,
		kiosksOnline:     online,
		dlqDepth:         dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncWithdrawal(result string) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Registry) IncPaymentEvent(outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(outcome).Inc()
}

func (m *Registry) IncDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomaliesTotal.WithLabelValues(kind).Inc()
}

func (m *Registry) SetActiveWatches(n int) {
	if m == nil {
		return
	}
	m.activeWatches.Set(float64(n))
}

func (m *Registry) SetKiosksOnline(n int) {
	if m == nil {
		return
	}
	m.kiosksOnline.Set(float64(n))
}

func (m *Registry) SetDLQDepth(n int) {
	if m == nil {
		return
	}
	m.dlqDepth.Set(float64(n))
}
