package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time // Start time of the interval, aligned to the timeframe boundary
	CloseTime time.Time // End time of the interval
	Symbol    string
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool // Whether the interval boundary has passed
}

// Timeframe is a candle interval in exchange notation.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"

	DefaultTimeframe = Timeframe15m
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

var timeframeAliases = map[string]Timeframe{
	"60m":   Timeframe1h,
	"240m":  Timeframe4h,
	"1440m": Timeframe1d,
}

// ParseTimeframe normalizes user input into a supported Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := timeframeAliases[s]; ok {
		return alias, nil
	}
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is supported.
func (t Timeframe) Valid() bool {
	_, ok := timeframeDurations[t]
	return ok
}

// Duration returns the interval length, or zero for an unsupported timeframe.
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// Align floors ts to the UTC boundary of the timeframe counted from the Unix epoch.
func (t Timeframe) Align(ts time.Time) time.Time {
	d := t.Duration()
	if d == 0 {
		return ts
	}
	ms := d.Milliseconds()
	return time.UnixMilli(ts.UnixMilli() / ms * ms).UTC()
}

// IsAligned reports whether ts sits exactly on a boundary.
func (t Timeframe) IsAligned(ts time.Time) bool {
	return t.Align(ts).Equal(ts)
}

// Next returns the boundary following the candle that contains ts.
func (t Timeframe) Next(ts time.Time) time.Time {
	return t.Align(ts).Add(t.Duration())
}

func (t Timeframe) String() string { return string(t) }

// SeriesKey identifies one shared candle series.
type SeriesKey struct {
	Market    MarketType
	Symbol    string
	Timeframe Timeframe
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Market, k.Symbol, k.Timeframe)
}
