package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side is the direction of a position or a signal.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// IsDirectional reports whether s is long or short. The zero value is not.
func (s Side) IsDirectional() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the reverse direction. Flat has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// EntryOrderSide is the order side that opens a position in this direction.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return Sell
	}
	return Buy
}

// CloseOrderSide is the order side that reduces a position in this direction.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return Buy
	}
	return Sell
}

// SideFromAmount maps a signed exchange position amount to a Side.
func SideFromAmount(amt float64) Side {
	switch {
	case amt > 0:
		return SideLong
	case amt < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// Origin tells who is responsible for an order or position.
type Origin string

const (
	OriginBot    Origin = "bot"
	OriginManual Origin = "manual"
	OriginMixed  Origin = "mixed"
)

// MarketType selects the exchange market a subscription reads from.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// PositionStatus represents the persisted lifecycle status of a position row.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonMarket      CloseReason = "Market"
	CloseReasonLiquidation CloseReason = "Liquidation"
	CloseReasonUnknown     CloseReason = "Unknown"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonReversal    CloseReason = "SIGNAL_REVERSAL"
	CloseReasonEntryFailed CloseReason = "ENTRY_FAILED"
)

// OrderStatus mirrors the exchange order status values.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further fills can happen on the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}
