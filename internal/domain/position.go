package domain

import "time"

// PositionState is the state machine value of a (user, symbol) position.
type PositionState string

const (
	StateFlat    PositionState = "flat"
	StateOpening PositionState = "opening"
	StateOpen    PositionState = "open"
	StateClosing PositionState = "closing"
	StateHalted  PositionState = "halted"
)

// Position represents the single directional holding for a (user, symbol).
type Position struct {
	ID         int64
	UserID     int64
	Symbol     string
	Side       Side
	State      PositionState
	Origin     Origin
	EntryPrice float64
	ExitPrice  float64 // 0 while open
	Quantity   float64 // Absolute size in base units
	Leverage   int
	StopLoss   float64 // 0 when the leg is disabled
	TakeProfit float64 // 0 when the leg is disabled
	EntryTime  time.Time
	ExitTime   time.Time
	Status     PositionStatus
	PNL        float64

	StopLossOrderID   *string     `db:"stop_loss_order_id"`
	TakeProfitOrderID *string     `db:"take_profit_order_id"`
	CloseReason       CloseReason `db:"close_reason"`
	HaltReason        string      `db:"halt_reason"`

	// ReverseTo is the side to open once the close in progress is confirmed.
	ReverseTo Side `db:"reverse_to"`
	// LastPrice is the last observed candle close, used to value external closes.
	LastPrice float64 `db:"-"`
	UpdatedAt time.Time
}

// NewFlatPosition returns the zero state for a key.
func NewFlatPosition(userID int64, symbol string) *Position {
	return &Position{
		UserID: userID,
		Symbol: symbol,
		Side:   SideFlat,
		State:  StateFlat,
		Origin: OriginBot,
	}
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// IsFlat reports whether there is no exposure and nothing in flight.
func (p *Position) IsFlat() bool {
	return p.State == StateFlat
}

// IsHalted reports whether automated action is suspended for this key.
func (p *Position) IsHalted() bool {
	return p.State == StateHalted
}

// HasExposure reports whether the record believes a non-zero size is held.
func (p *Position) HasExposure() bool {
	return p.Side != SideFlat && p.Quantity > 0
}

// UnrealizedPNL computes PNL at price for the current side.
func (p *Position) UnrealizedPNL(price float64) float64 {
	switch p.Side {
	case SideLong:
		return (price - p.EntryPrice) * p.Quantity
	case SideShort:
		return (p.EntryPrice - price) * p.Quantity
	}
	return 0
}

// Clone returns a copy safe to hand out to readers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.StopLossOrderID != nil {
		v := *p.StopLossOrderID
		cp.StopLossOrderID = &v
	}
	if p.TakeProfitOrderID != nil {
		v := *p.TakeProfitOrderID
		cp.TakeProfitOrderID = &v
	}
	return &cp
}
