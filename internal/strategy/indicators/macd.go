package indicators

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// MACDConfig holds the EMA periods of a MACD.
type MACDConfig struct {
	Fast   int
	Slow   int
	Signal int
}

// DefaultMACDConfig is the classic 12/26/9.
var DefaultMACDConfig = MACDConfig{Fast: 12, Slow: 26, Signal: 9}

// Validate checks the periods.
func (c MACDConfig) Validate() error {
	if c.Fast <= 0 || c.Slow <= 0 || c.Signal <= 0 {
		return fmt.Errorf("MACD periods must be positive: %+v", c)
	}
	if c.Fast >= c.Slow {
		return fmt.Errorf("MACD fast period %d must be below slow period %d", c.Fast, c.Slow)
	}
	return nil
}

// RequiredDataPoints is the number of closes before the signal line exists.
func (c MACDConfig) RequiredDataPoints() int {
	return c.Slow + c.Signal - 1
}

// MACDValue is one MACD reading.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the indicator from scratch over a close series.
type MACD struct {
	config MACDConfig
}

// NewMACD creates a MACD indicator.
func NewMACD(config MACDConfig) *MACD {
	return &MACD{config: config}
}

// Name returns the name of the indicator
func (m *MACD) Name() string { return "MACD" }

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (m *MACD) RequiredDataPoints() int { return m.config.RequiredDataPoints() }

// Calculate returns the histogram of the last candle.
func (m *MACD) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	v, err := m.Values(closes(klines))
	if err != nil {
		return 0, err
	}
	return v.Histogram, nil
}

// Values computes the MACD line, signal line and histogram of the last close.
// Both EMAs are seeded by their own SMA; the signal EMA runs on the MACD line from the first slow EMA.
func (m *MACD) Values(series []float64) (MACDValue, error) {
	c := m.config
	if err := c.Validate(); err != nil {
		return MACDValue{}, err
	}
	if len(series) < c.RequiredDataPoints() {
		return MACDValue{}, fmt.Errorf("not enough data (%d) to calculate MACD, need %d", len(series), c.RequiredDataPoints())
	}

	fast := talib.Ema(series, c.Fast)
	slow := talib.Ema(series, c.Slow)
	line := make([]float64, 0, len(series)-c.Slow+1)
	for i := c.Slow - 1; i < len(series); i++ {
		line = append(line, fast[i]-slow[i])
	}
	signal := talib.Ema(line, c.Signal)

	last := len(line) - 1
	return MACDValue{
		MACD:      line[last],
		Signal:    signal[last],
		Histogram: line[last] - signal[last],
	}, nil
}
