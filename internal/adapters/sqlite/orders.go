package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// --- OrderRepository Implementation ---

// SaveOrder inserts or updates a bot order keyed by (user, exchange id).
func (r *Repository) SaveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == 0 {
		return fmt.Errorf("save order %s: exchange id is required: %w", o.ClientOrderID, ports.ErrInvalidRequest)
	}
	const query = `
	INSERT INTO bot_orders (user_id, order_id, client_order_id, symbol, side, type, purpose, quantity, price,
	                        stop_price, reduce_only, status, executed_qty, avg_price, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, order_id) DO UPDATE SET
		status = excluded.status,
		executed_qty = excluded.executed_qty,
		avg_price = excluded.avg_price,
		updated_at = excluded.updated_at`

	created := o.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	_, err := r.db.ExecContext(ctx, query,
		o.UserID, o.ID, o.ClientOrderID, o.Symbol, o.Side, o.Type, o.Purpose, o.Quantity, o.Price,
		o.StopPrice, o.ReduceOnly, o.Status, o.ExecutedQty, o.AvgPrice, created.UTC(), r.now())
	if err != nil {
		return fmt.Errorf("failed to save bot order %d: %w: %w", o.ID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Bot order saved", map[string]interface{}{"orderID": o.ID, "purpose": o.Purpose, "status": o.Status})
	return nil
}

// UpdateOrderStatus records a status transition of a bot order.
func (r *Repository) UpdateOrderStatus(ctx context.Context, userID, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64) error {
	const query = `
	UPDATE bot_orders SET status = ?, executed_qty = ?, avg_price = ?, updated_at = ?
	WHERE user_id = ? AND order_id = ?`

	result, err := r.db.ExecContext(ctx, query, status, executedQty, avgPrice, r.now(), userID, orderID)
	if err != nil {
		return fmt.Errorf("failed to update bot order %d: %w: %w", orderID, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for bot order %d: %w", orderID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("bot order %d not found: %w", orderID, ports.ErrNotFound)
	}
	return nil
}

// FindBotOrders returns the bot orders updated within the retention window.
func (r *Repository) FindBotOrders(ctx context.Context) ([]*domain.Order, error) {
	const query = `
	SELECT user_id, order_id, client_order_id, symbol, side, type, purpose, quantity, price, stop_price,
	       reduce_only, status, executed_qty, avg_price, created_at, updated_at
	FROM bot_orders WHERE updated_at >= ? ORDER BY user_id, order_id`

	rows, err := r.db.QueryContext(ctx, query, r.now().Add(-r.orderRetention))
	if err != nil {
		return nil, fmt.Errorf("failed to query bot orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o := &domain.Order{Origin: domain.OriginBot}
		var side, typ, purpose, status string
		if err := rows.Scan(&o.UserID, &o.ID, &o.ClientOrderID, &o.Symbol, &side, &typ, &purpose, &o.Quantity,
			&o.Price, &o.StopPrice, &o.ReduceOnly, &status, &o.ExecutedQty, &o.AvgPrice, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot order: %w", err)
		}
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(typ)
		o.Purpose = domain.OrderPurpose(purpose)
		o.Status = domain.OrderStatus(status)
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bot order rows: %w", err)
	}
	return orders, nil
}

// PruneOrders deletes bot orders last updated before cutoff.
func (r *Repository) PruneOrders(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM bot_orders WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune bot orders: %w: %w", ports.ErrDeleteFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for prune: %w", err)
	}
	if n > 0 {
		r.logger.Info(ctx, "Pruned bot orders", map[string]interface{}{"deleted": n, "cutoff": cutoff})
	}
	return n, nil
}
