package ports

import (
	"context"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// OrderResponse holds essential information about a placed or queried order.
type OrderResponse struct {
	OrderID       int64
	Symbol        string
	ClientOrderID string
	Price         float64
	AvgPrice      float64
	OrigQuantity  float64
	ExecutedQty   float64
	StopPrice     float64
	Status        domain.OrderStatus
	TimeInForce   string
	Type          string
	Side          string
	ReduceOnly    bool
	Timestamp     time.Time
}

// PositionRisk holds risk information about an open position.
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64 // Signed: positive long, negative short
	EntryPrice       float64
	MarkPrice        float64
	UnRealizedProfit float64
	LiquidationPrice float64
	Leverage         int
	MarginType       string
	IsolatedMargin   float64
	IsAutoAddMargin  bool
	MaxNotionalValue float64
}

// BookTicker is the best bid/ask of a symbol.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

// OrderOptions carries the optional order flags.
type OrderOptions struct {
	ClientOrderID string // Bot tag; empty lets the exchange assign one
	ReduceOnly    bool
}

// OrderUpdate is one event of the account's live order/fill stream.
type OrderUpdate struct {
	UserID          int64
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            domain.OrderSide
	Type            string
	Status          domain.OrderStatus
	ExecutionType   string
	OrigQty         float64
	LastFilledQty   float64
	CumFilledQty    float64
	LastFilledPrice float64
	AvgPrice        float64
	StopPrice       float64
	ReduceOnly      bool
	RealizedPNL     float64
	Time            time.Time
}

// IsFill reports whether the update changed the account's position.
func (u *OrderUpdate) IsFill() bool {
	return u.Status == domain.OrderStatusFilled || u.Status == domain.OrderStatusPartiallyFilled
}

// MarketDataClient is the public candle feed consumed by the aggregator.
type MarketDataClient interface {
	GetKlines(ctx context.Context, market domain.MarketType, symbol, interval string, limit int) ([]*domain.Kline, error)
}

// ExchangeClient defines the interface for interacting with one authenticated account.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// GetTickerPrice retrieves the last traded price.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	// GetBookTicker retrieves the best bid/ask.
	GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error)
	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// PlaceMarketOrder places a market order.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, opts OrderOptions) (*OrderResponse, error)
	// PlaceLimitOrder places a GTC limit order.
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string, opts OrderOptions) (*OrderResponse, error)
	// PlaceStopMarketOrder places a resting stop-market order.
	PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts OrderOptions) (*OrderResponse, error)
	// PlaceTakeProfitMarketOrder places a resting take-profit-market order.
	PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts OrderOptions) (*OrderResponse, error)
	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	// GetOrder queries the current state of an order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	// GetPositionRisk retrieves the position for a symbol. Returns nil, nil when flat.
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)
	// SupportsProtectiveOrders reports whether resting stop/take-profit orders are available.
	SupportsProtectiveOrders() bool
	// StreamUserData starts the account order/fill stream.
	StreamUserData(ctx context.Context, handler func(update *OrderUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// CredentialProvider resolves a user to an authenticated exchange client handle.
type CredentialProvider interface {
	ClientFor(ctx context.Context, userID int64) (ExchangeClient, error)
}
