package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.FetchObserved("futures", "BTCUSDT", "15m", nil)
	m.FetchObserved("futures", "BTCUSDT", "15m", errors.New("timeout"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("futures", "BTCUSDT", "15m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchErrors.WithLabelValues("futures", "BTCUSDT", "15m")))

	m.SetStale("futures", "BTCUSDT", "15m", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stale.WithLabelValues("futures", "BTCUSDT", "15m")))
	m.SetStale("futures", "BTCUSDT", "15m", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.stale.WithLabelValues("futures", "BTCUSDT", "15m")))

	m.SignalForwarded("ma_cross", "long")
	m.OrderPlaced("entry", nil)
	m.OrderPlaced("entry", errors.New("rejected"))
	m.PositionHalted("BTCUSDT")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("ma_cross", "long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("entry", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("entry", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halts.WithLabelValues("BTCUSDT")))

	m.SetOpenPositions(map[string]int{"bot": 2, "manual": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.positions.WithLabelValues("bot")))

	m.ForgetSeries("futures", "BTCUSDT", "15m")
	assert.Equal(t, 0, testutil.CollectAndCount(m.fetches))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FetchObserved("spot", "ETHUSDT", "1h", nil)
		m.SetStale("spot", "ETHUSDT", "1h", true)
		m.SignalForwarded("anomaly", "short")
		m.OrderPlaced("close", nil)
		m.PositionHalted("ETHUSDT")
		m.SetOpenPositions(nil)
		m.ForgetSeries("spot", "ETHUSDT", "1h")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SignalForwarded("macd_cross", "short")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tradebot_signals_total{direction="short",kind="macd_cross"} 1`))
}
