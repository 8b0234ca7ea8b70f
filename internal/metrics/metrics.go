// Package metrics holds the Prometheus collectors of the trading controller.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradebot"

// Metrics groups every collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	fetches     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	stale       *prometheus.GaugeVec
	signals     *prometheus.CounterVec
	orders      *prometheus.CounterVec
	halts       *prometheus.CounterVec
	positions   *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kline_fetches_total",
			Help:      "Candle fetches issued to the exchange per series.",
		}, []string{"market", "symbol", "timeframe"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kline_fetch_errors_total",
			Help:      "Failed candle fetches per series.",
		}, []string{"market", "symbol", "timeframe"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_stale",
			Help:      "1 when a candle series has not refreshed within the staleness window.",
		}, []string{"market", "symbol", "timeframe"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals forwarded to subscribers.",
		}, []string{"kind", "direction"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders placed by the bot.",
		}, []string{"purpose", "result"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_halts_total",
			Help:      "Positions moved to the halted state.",
		}, []string{"symbol"}),
		positions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions by origin.",
		}, []string{"origin"}),
	}
	reg.MustRegister(
		m.fetches, m.fetchErrors, m.stale, m.signals, m.orders, m.halts, m.positions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// FetchObserved counts one candle fetch and whether it failed.
func (m *Metrics) FetchObserved(market, symbol, timeframe string, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(market, symbol, timeframe).Inc()
	if err != nil {
		m.fetchErrors.WithLabelValues(market, symbol, timeframe).Inc()
	}
}

// SetStale flags a series as stale or fresh.
func (m *Metrics) SetStale(market, symbol, timeframe string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.stale.WithLabelValues(market, symbol, timeframe).Set(v)
}

// ForgetSeries drops the per-series labels of an unsubscribed series.
func (m *Metrics) ForgetSeries(market, symbol, timeframe string) {
	if m == nil {
		return
	}
	m.fetches.DeleteLabelValues(market, symbol, timeframe)
	m.fetchErrors.DeleteLabelValues(market, symbol, timeframe)
	m.stale.DeleteLabelValues(market, symbol, timeframe)
}

// SignalForwarded counts a signal delivered to a subscriber.
func (m *Metrics) SignalForwarded(kind, direction string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind, direction).Inc()
}

// OrderPlaced counts an order placement attempt.
func (m *Metrics) OrderPlaced(purpose string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orders.WithLabelValues(purpose, result).Inc()
}

// PositionHalted counts a halt.
func (m *Metrics) PositionHalted(symbol string) {
	if m == nil {
		return
	}
	m.halts.WithLabelValues(symbol).Inc()
}

// SetOpenPositions publishes the number of open positions per origin.
func (m *Metrics) SetOpenPositions(byOrigin map[string]int) {
	if m == nil {
		return
	}
	m.positions.Reset()
	for origin, n := range byOrigin {
		m.positions.WithLabelValues(origin).Set(float64(n))
	}
}
