package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PaymentSubmissions *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	SideEffectFailures *prometheus.CounterVec
	BalanceLookups     prometheus.Counter
	GatewayEvents      *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PaymentSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_submissions_total",
				Help: "Total payment submission attempts.",
			},
			[]string{"status"},
		),
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Total payment resolutions by outcome.",
			},
			[]string{"outcome"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_duration_seconds",
				Help:    "Settlement transaction latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "side_effect_failures_total",
				Help: "Side effects that failed after a committed settlement.",
			},
			[]string{"effect"},
		),
		BalanceLookups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_lookups_total",
				Help: "Total outstanding balance computations.",
			},
		),
		GatewayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_processed_total",
				Help: "Total gateway settlement events processed.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.PaymentSubmissions,
		m.Settlements,
		m.SettlementDuration,
		m.SideEffectFailures,
		m.BalanceLookups,
		m.GatewayEvents,
	)
	return m
}
