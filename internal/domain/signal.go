package domain

import "time"

// SignalKind identifies the detector that produced a signal.
type SignalKind string

const (
	SignalMACross   SignalKind = "ma_cross"
	SignalMACDCross SignalKind = "macd_cross"
	SignalAnomaly   SignalKind = "anomaly"
)

// Priority orders signal kinds firing on the same candle. Higher wins.
func (k SignalKind) Priority() int {
	switch k {
	case SignalAnomaly:
		return 3
	case SignalMACDCross:
		return 2
	case SignalMACross:
		return 1
	}
	return 0
}

// Signal is an ephemeral event consumed once by the position manager.
type Signal struct {
	Kind      SignalKind
	Direction Side
	UserID    int64
	Market    MarketType
	Symbol    string
	Timeframe Timeframe
	Time      time.Time // Open time of the finalized candle
	Strength  float64
	Price     float64 // Close of the finalized candle
	// MACDConfirms is true when the MACD line sits on the signal's side of its signal line.
	MACDConfirms bool
	// ChangePct is the close-to-close move in percent.
	ChangePct float64
}
