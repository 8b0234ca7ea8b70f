package domain

import "time"

// OrderPurpose records why the bot placed an order.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeClose      OrderPurpose = "close"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeTakeProfit OrderPurpose = "take_profit"
	PurposeUnknown    OrderPurpose = ""
)

// OrderType mirrors the exchange order types the bot uses.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Order is an exchange order seen by the bot, either placed by it or observed on the account.
type Order struct {
	ID            int64 // Exchange order id
	ClientOrderID string
	UserID        int64
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Purpose       OrderPurpose
	Quantity      float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
	Origin        Origin
	Status        OrderStatus
	ExecutedQty   float64
	AvgPrice      float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsProtective reports whether the order is a stop-loss or take-profit leg.
func (o *Order) IsProtective() bool {
	return o.Purpose == PurposeStopLoss || o.Purpose == PurposeTakeProfit
}
