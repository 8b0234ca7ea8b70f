package ports

import (
	"context"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving trading positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpen retrieves the open position for a (user, symbol), if any.
	// Returns nil, nil if no open position is found.
	FindOpen(ctx context.Context, userID int64, symbol string) (*domain.Position, error)
	// FindByID retrieves a position by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindAllOpen retrieves every open position across users.
	FindAllOpen(ctx context.Context) ([]*domain.Position, error)
	// GetTotalProfit calculates the sum of PNL for a user's closed positions.
	GetTotalProfit(ctx context.Context, userID int64) (float64, error)
}

// TradeRepository defines the interface for storing and retrieving completed trades.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a (user, symbol), up to a limit.
	FindBySymbol(ctx context.Context, userID int64, symbol string, limit int) ([]*domain.Trade, error)
	// CountTodayBySymbol counts the trades entered today (UTC) for a (user, symbol).
	CountTodayBySymbol(ctx context.Context, userID int64, symbol string) (int, error)
	// SummarizeSince aggregates a user's trades closed at or after since.
	SummarizeSince(ctx context.Context, userID int64, since time.Time) (domain.TradeSummary, error)
}

// OrderRepository persists the bot order registry.
type OrderRepository interface {
	// SaveOrder inserts or updates an order keyed by (user, exchange id).
	SaveOrder(ctx context.Context, order *domain.Order) error
	// UpdateOrderStatus records a status transition.
	UpdateOrderStatus(ctx context.Context, userID, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64) error
	// FindBotOrders returns the bot orders updated within the retention window.
	FindBotOrders(ctx context.Context) ([]*domain.Order, error)
}
