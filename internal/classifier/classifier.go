// Package classifier tells orders placed by the bot apart from orders the account owner placed.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// DefaultPrefix tags bot client order ids.
const DefaultPrefix = "tb"

// maxClientOrderID is the exchange limit on client order id length.
const maxClientOrderID = 36

type orderKey struct {
	userID  int64
	orderID int64
}

type clientKey struct {
	userID   int64
	clientID string
}

// ClassifiedUpdate is a stream update with its attribution.
type ClassifiedUpdate struct {
	Update  *ports.OrderUpdate
	Origin  domain.Origin
	Purpose domain.OrderPurpose
	// Order is a copy of the registry entry, nil for manual orders.
	Order *domain.Order
}

// IsBot reports whether the bot placed the order.
func (c ClassifiedUpdate) IsBot() bool { return c.Origin == domain.OriginBot }

// Classifier keeps the registry of bot orders.
type Classifier struct {
	prefix string
	repo   ports.OrderRepository
	logger ports.Logger

	mu       sync.RWMutex
	byID     map[orderKey]*domain.Order
	byClient map[clientKey]*domain.Order
}

// New creates a classifier. repo may be nil, in which case the registry lives in memory only.
func New(prefix string, repo ports.OrderRepository, logger ports.Logger) (*Classifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for classifier")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if len(prefix)+32 > maxClientOrderID {
		return nil, fmt.Errorf("client order prefix %q too long", prefix)
	}
	for _, r := range prefix {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return nil, fmt.Errorf("client order prefix %q must be alphanumeric", prefix)
		}
	}
	return &Classifier{
		prefix:   prefix,
		repo:     repo,
		logger:   logger,
		byID:     make(map[orderKey]*domain.Order),
		byClient: make(map[clientKey]*domain.Order),
	}, nil
}

// NewClientOrderID returns a fresh bot tag.
func (c *Classifier) NewClientOrderID() string {
	return c.prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsBotTag reports whether a client order id carries the bot tag.
func (c *Classifier) IsBotTag(clientID string) bool {
	return strings.HasPrefix(clientID, c.prefix) && len(clientID) == len(c.prefix)+32
}

// Register records a bot order. Call it once before placement with ID zero so early stream
// events are attributed, and again with the exchange id once the placement returns.
func (c *Classifier) Register(ctx context.Context, order *domain.Order) error {
	if order == nil || order.ClientOrderID == "" {
		return fmt.Errorf("register order: client order id is required: %w", ports.ErrInvalidRequest)
	}
	now := time.Now().UTC()
	o := *order
	o.Origin = domain.OriginBot
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	c.mu.Lock()
	if prev, ok := c.byClient[clientKey{o.UserID, o.ClientOrderID}]; ok {
		// Keep progress a stream event may already have recorded.
		if o.Status == "" || (prev.Status.IsTerminal() && !o.Status.IsTerminal()) {
			o.Status = prev.Status
		}
		if prev.ExecutedQty > o.ExecutedQty {
			o.ExecutedQty, o.AvgPrice = prev.ExecutedQty, prev.AvgPrice
		}
		if o.ID == 0 {
			o.ID = prev.ID
		}
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusNew
	}
	entry := &o
	c.byClient[clientKey{o.UserID, o.ClientOrderID}] = entry
	if o.ID != 0 {
		c.byID[orderKey{o.UserID, o.ID}] = entry
	}
	c.mu.Unlock()

	if o.ID == 0 || c.repo == nil {
		return nil
	}
	if err := c.repo.SaveOrder(ctx, &o); err != nil {
		c.logger.Error(ctx, err, "Register: failed to persist bot order", map[string]interface{}{
			"userID":  o.UserID,
			"orderID": o.ID,
		})
		return fmt.Errorf("persist bot order %d: %w", o.ID, err)
	}
	return nil
}

// Load warms the registry from storage.
func (c *Classifier) Load(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	orders, err := c.repo.FindBotOrders(ctx)
	if err != nil {
		return fmt.Errorf("load bot orders: %w", err)
	}
	c.mu.Lock()
	for _, o := range orders {
		cp := *o
		cp.Origin = domain.OriginBot
		c.byID[orderKey{cp.UserID, cp.ID}] = &cp
		if cp.ClientOrderID != "" {
			c.byClient[clientKey{cp.UserID, cp.ClientOrderID}] = &cp
		}
	}
	c.mu.Unlock()
	c.logger.Info(ctx, "Bot order registry loaded", map[string]interface{}{"orders": len(orders)})
	return nil
}

// Classify attributes an order: registered or tagged orders are the bot's, anything else is manual.
func (c *Classifier) Classify(userID, orderID int64, clientID string) domain.Origin {
	if _, ok := c.Lookup(userID, orderID, clientID); ok {
		return domain.OriginBot
	}
	if c.IsBotTag(clientID) {
		return domain.OriginBot
	}
	return domain.OriginManual
}

// Lookup returns a copy of the registry entry of an order.
func (c *Classifier) Lookup(userID, orderID int64, clientID string) (*domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if orderID != 0 {
		if o, ok := c.byID[orderKey{userID, orderID}]; ok {
			cp := *o
			return &cp, true
		}
	}
	if clientID != "" {
		if o, ok := c.byClient[clientKey{userID, clientID}]; ok {
			cp := *o
			return &cp, true
		}
	}
	return nil, false
}

// Observe classifies a stream update and records the status transition of bot orders.
func (c *Classifier) Observe(ctx context.Context, u *ports.OrderUpdate) ClassifiedUpdate {
	out := ClassifiedUpdate{Update: u, Origin: c.Classify(u.UserID, u.OrderID, u.ClientOrderID)}
	if out.Origin != domain.OriginBot {
		return out
	}

	c.mu.Lock()
	o, ok := c.byID[orderKey{u.UserID, u.OrderID}]
	if !ok {
		o, ok = c.byClient[clientKey{u.UserID, u.ClientOrderID}]
	}
	if ok {
		if o.ID == 0 && u.OrderID != 0 {
			o.ID = u.OrderID
			c.byID[orderKey{u.UserID, u.OrderID}] = o
		}
		o.Status = u.Status
		o.ExecutedQty = u.CumFilledQty
		if u.AvgPrice > 0 {
			o.AvgPrice = u.AvgPrice
		}
		o.UpdatedAt = time.Now().UTC()
		cp := *o
		out.Order = &cp
		out.Purpose = o.Purpose
	}
	c.mu.Unlock()

	if out.Order == nil {
		c.logger.Warn(ctx, "Observe: tagged order missing from registry", map[string]interface{}{
			"userID":        u.UserID,
			"orderID":       u.OrderID,
			"clientOrderID": u.ClientOrderID,
		})
		return out
	}
	if c.repo != nil && out.Order.ID != 0 {
		if err := c.repo.UpdateOrderStatus(ctx, u.UserID, out.Order.ID, u.Status, out.Order.ExecutedQty, out.Order.AvgPrice); err != nil {
			c.logger.Warn(ctx, "Observe: failed to persist order status", map[string]interface{}{
				"orderID": out.Order.ID,
				"error":   err.Error(),
			})
		}
	}
	return out
}

// MarkStatus records a status learned from polling the exchange.
func (c *Classifier) MarkStatus(ctx context.Context, userID int64, resp *ports.OrderResponse) {
	if resp == nil {
		return
	}
	c.Observe(ctx, &ports.OrderUpdate{
		UserID:        userID,
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		CumFilledQty:  resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
	})
}
