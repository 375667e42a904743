package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicebet_bets_total",
		Help: "Wager lifecycle events by result (submitted, rejected_<reason>, won, lost, failed).",
	}, []string{"result"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicebet_protocol_violations_total",
		Help: "Inbound ledger events dropped because they did not match the tracked wager.",
	}, []string{"event"})

	QuoteAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicebet_quote_attempts_total",
		Help: "Price provider attempts by provider and result (ok, unavailable, throttled, invalid).",
	}, []string{"provider", "result"})

	QuotesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicebet_quotes_served_total",
		Help: "Quotes returned to callers by the provider that produced them.",
	}, []string{"provider"})

	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicebet_quote_provider_seconds",
		Help:    "Latency of price provider attempts.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"provider"})

	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicebet_swaps_total",
		Help: "Swap tickets by terminal result (confirmed, or the execution error kind).",
	}, []string{"result"})
)
