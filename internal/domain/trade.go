package domain

import "time"

// Trade represents a completed round trip on a (user, symbol).
type Trade struct {
	ID          int64
	PositionID  int64 // Identifier of the position this trade closed (optional)
	UserID      int64
	Symbol      string
	Side        Side
	Origin      Origin
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	PNL         float64
	EntryTime   time.Time
	ExitTime    time.Time
	CloseReason CloseReason
}

// TradeSummary aggregates closed trades over a period.
type TradeSummary struct {
	Trades int
	Wins   int
	PNL    float64
}
