// Package paper simulates a futures account in memory. It backs dry-run mode and the tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

type position struct {
	amt      float64 // Signed
	entry    float64
	leverage int
}

type order struct {
	resp ports.OrderResponse
	side domain.OrderSide
}

// Exchange is an in-memory ports.ExchangeClient.
type Exchange struct {
	userID     int64
	logger     ports.Logger
	protective bool
	spread     float64 // Relative bid/ask spread
	now        func() time.Time

	mu         sync.Mutex
	nextID     int64
	manualSeq  int64
	prices     map[string]float64
	positions  map[string]*position
	orders     map[int64]*order
	handlers   map[int]func(*ports.OrderUpdate)
	nextSub    int
	holdLimits bool
	failures   map[string][]error
	calls      map[string]int
}

// Option customizes the simulated account.
type Option func(*Exchange)

// WithProtectiveOrders toggles support for resting stop and take-profit orders.
func WithProtectiveOrders(enabled bool) Option {
	return func(x *Exchange) { x.protective = enabled }
}

// WithSpread sets the relative bid/ask spread, e.g. 0.001 for 10 bps.
func WithSpread(spread float64) Option {
	return func(x *Exchange) { x.spread = spread }
}

// WithClock overrides the time source of order timestamps.
func WithClock(now func() time.Time) Option {
	return func(x *Exchange) { x.now = now }
}

// New creates an empty account for userID.
func New(userID int64, logger ports.Logger, opts ...Option) *Exchange {
	x := &Exchange{
		userID:     userID,
		logger:     logger,
		protective: true,
		now:        time.Now,
		nextID:     1000,
		prices:     make(map[string]float64),
		positions:  make(map[string]*position),
		orders:     make(map[int64]*order),
		handlers:   make(map[int]func(*ports.OrderUpdate)),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// InjectError makes the next calls of method fail with err, once per queued error.
func (x *Exchange) InjectError(method string, errs ...error) {
	x.mu.Lock()
	x.failures[method] = append(x.failures[method], errs...)
	x.mu.Unlock()
}

// HoldLimitOrders keeps limit orders resting even when they are marketable.
func (x *Exchange) HoldLimitOrders(hold bool) {
	x.mu.Lock()
	x.holdLimits = hold
	x.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (x *Exchange) Calls(method string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[method]
}

// call records a call and pops an injected failure. Must hold x.mu.
func (x *Exchange) call(method string) error {
	x.calls[method]++
	if q := x.failures[method]; len(q) > 0 {
		x.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

// SetPrice moves the market and triggers resting orders.
func (x *Exchange) SetPrice(symbol string, price float64) {
	x.mu.Lock()
	x.prices[symbol] = price
	var updates []*ports.OrderUpdate

	ids := make([]int64, 0, len(x.orders))
	for id := range x.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := x.orders[id]
		if o.resp.Symbol != symbol || o.resp.Status != domain.OrderStatusNew {
			continue
		}
		if !x.triggered(o, price) {
			continue
		}
		fillPrice := price
		if domain.OrderType(o.resp.Type) == domain.OrderTypeLimit {
			fillPrice = o.resp.Price
		}
		if u := x.fill(o, fillPrice); u != nil {
			updates = append(updates, u)
		}
	}
	x.mu.Unlock()
	x.emit(updates...)
}

func (x *Exchange) triggered(o *order, price float64) bool {
	switch domain.OrderType(o.resp.Type) {
	case domain.OrderTypeStopMarket:
		if o.side == domain.Sell {
			return price <= o.resp.StopPrice
		}
		return price >= o.resp.StopPrice
	case domain.OrderTypeTakeProfitMarket:
		if o.side == domain.Sell {
			return price >= o.resp.StopPrice
		}
		return price <= o.resp.StopPrice
	case domain.OrderTypeLimit:
		if x.holdLimits {
			return false
		}
		if o.side == domain.Buy {
			return price <= o.resp.Price
		}
		return price >= o.resp.Price
	}
	return false
}

// ExecuteManual simulates an order placed by the account owner outside the bot.
func (x *Exchange) ExecuteManual(symbol string, side domain.OrderSide, quantity float64) (*ports.OrderResponse, error) {
	x.mu.Lock()
	x.manualSeq++
	cid := fmt.Sprintf("web_%d", x.manualSeq)
	x.mu.Unlock()
	return x.PlaceMarketOrder(context.Background(), symbol, side, strconv.FormatFloat(quantity, 'f', -1, 64), ports.OrderOptions{ClientOrderID: cid})
}

// Position returns the signed position amount of symbol.
func (x *Exchange) Position(symbol string) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.positions[symbol]; ok {
		return p.amt
	}
	return 0
}

// OpenOrders lists the resting orders of symbol.
func (x *Exchange) OpenOrders(symbol string) []ports.OrderResponse {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []ports.OrderResponse
	for _, o := range x.orders {
		if o.resp.Symbol == symbol && o.resp.Status == domain.OrderStatusNew {
			out = append(out, o.resp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (x *Exchange) SetServerTime(ctx context.Context) error { return nil }

func (x *Exchange) Ping(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.call("Ping")
}

func (x *Exchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call("GetTickerPrice"); err != nil {
		return 0, err
	}
	p, ok := x.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("GetTickerPrice failed: %w: no price for %s", ports.ErrInvalidSymbol, symbol)
	}
	return p, nil
}

func (x *Exchange) GetBookTicker(ctx context.Context, symbol string) (*ports.BookTicker, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call("GetBookTicker"); err != nil {
		return nil, err
	}
	p, ok := x.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("GetBookTicker failed: %w: no price for %s", ports.ErrInvalidSymbol, symbol)
	}
	half := p * x.spread / 2
	return &ports.BookTicker{Symbol: symbol, BidPrice: p - half, BidQty: 1, AskPrice: p + half, AskQty: 1}, nil
}

func (x *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call("SetLeverage"); err != nil {
		return err
	}
	x.pos(symbol).leverage = leverage
	return nil
}

func (x *Exchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	x.mu.Lock()
	if err := x.call("PlaceMarketOrder"); err != nil {
		x.mu.Unlock()
		return nil, err
	}
	price, ok := x.prices[symbol]
	if !ok {
		x.mu.Unlock()
		return nil, fmt.Errorf("PlaceMarketOrder failed: %w: no price for %s", ports.ErrInvalidSymbol, symbol)
	}
	o, err := x.newOrder(symbol, side, domain.OrderTypeMarket, quantity, 0, 0, opts)
	if err != nil {
		x.mu.Unlock()
		return nil, err
	}
	u := x.fill(o, price)
	resp := o.resp
	x.mu.Unlock()
	x.emit(u)
	if resp.Status == domain.OrderStatusRejected {
		return nil, fmt.Errorf("PlaceMarketOrder failed: %w: reduce only order would not reduce", ports.ErrOrderRejected)
	}
	return &resp, nil
}

func (x *Exchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	limit, err := strconv.ParseFloat(price, 64)
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("PlaceLimitOrder failed: %w: bad price %q", ports.ErrInvalidRequest, price)
	}
	x.mu.Lock()
	if err := x.call("PlaceLimitOrder"); err != nil {
		x.mu.Unlock()
		return nil, err
	}
	o, err := x.newOrder(symbol, side, domain.OrderTypeLimit, quantity, limit, 0, opts)
	if err != nil {
		x.mu.Unlock()
		return nil, err
	}
	var u *ports.OrderUpdate
	if last, ok := x.prices[symbol]; ok && x.triggered(o, last) {
		u = x.fill(o, limit)
	}
	resp := o.resp
	x.mu.Unlock()
	x.emit(u)
	if resp.Status == domain.OrderStatusRejected {
		return nil, fmt.Errorf("PlaceLimitOrder failed: %w: reduce only order would not reduce", ports.ErrOrderRejected)
	}
	return &resp, nil
}

func (x *Exchange) PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	return x.placeTrigger("PlaceStopMarketOrder", domain.OrderTypeStopMarket, symbol, side, quantity, stopPrice, opts)
}

func (x *Exchange) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	return x.placeTrigger("PlaceTakeProfitMarketOrder", domain.OrderTypeTakeProfitMarket, symbol, side, quantity, stopPrice, opts)
}

func (x *Exchange) placeTrigger(method string, typ domain.OrderType, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call(method); err != nil {
		return nil, err
	}
	if !x.protective {
		return nil, fmt.Errorf("%s failed: %w: order type %s not supported", method, ports.ErrInvalidRequest, typ)
	}
	stop, err := strconv.ParseFloat(stopPrice, 64)
	if err != nil || stop <= 0 {
		return nil, fmt.Errorf("%s failed: %w: bad stop price %q", method, ports.ErrInvalidRequest, stopPrice)
	}
	o, err := x.newOrder(symbol, side, typ, quantity, 0, stop, opts)
	if err != nil {
		return nil, err
	}
	if last, ok := x.prices[symbol]; ok && x.triggered(o, last) {
		delete(x.orders, o.resp.OrderID)
		return nil, fmt.Errorf("%s failed: %w: order would immediately trigger", method, ports.ErrOrderRejected)
	}
	resp := o.resp
	return &resp, nil
}

func (x *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	x.mu.Lock()
	if err := x.call("CancelOrder"); err != nil {
		x.mu.Unlock()
		return nil, err
	}
	o, ok := x.orders[orderID]
	if !ok || o.resp.Symbol != symbol || o.resp.Status.IsTerminal() {
		x.mu.Unlock()
		return nil, fmt.Errorf("CancelOrder failed: %w: order %d", ports.ErrOrderNotFound, orderID)
	}
	o.resp.Status = domain.OrderStatusCanceled
	resp := o.resp
	u := x.update(o, "CANCELED", 0, 0, 0)
	x.mu.Unlock()
	x.emit(u)
	return &resp, nil
}

func (x *Exchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := x.orders[orderID]
	if !ok || o.resp.Symbol != symbol {
		return nil, fmt.Errorf("GetOrder failed: %w: order %d", ports.ErrOrderNotFound, orderID)
	}
	resp := o.resp
	return &resp, nil
}

func (x *Exchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.call("GetPositionRisk"); err != nil {
		return nil, err
	}
	p, ok := x.positions[symbol]
	if !ok || p.amt == 0 {
		return nil, nil
	}
	mark := x.prices[symbol]
	return &ports.PositionRisk{
		Symbol:           symbol,
		PositionAmt:      p.amt,
		EntryPrice:       p.entry,
		MarkPrice:        mark,
		UnRealizedProfit: (mark - p.entry) * p.amt,
		Leverage:         p.leverage,
		MarginType:       "cross",
	}, nil
}

func (x *Exchange) SupportsProtectiveOrders() bool { return x.protective }

// StreamUserData delivers order updates synchronously from the goroutine that caused them.
func (x *Exchange) StreamUserData(ctx context.Context, handler func(update *ports.OrderUpdate), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	x.mu.Lock()
	if err := x.call("StreamUserData"); err != nil {
		x.mu.Unlock()
		return nil, nil, err
	}
	id := x.nextSub
	x.nextSub++
	x.handlers[id] = handler
	x.mu.Unlock()

	doneC := make(chan struct{})
	stopC := make(chan struct{})
	go func() {
		defer close(doneC)
		select {
		case <-stopC:
		case <-ctx.Done():
		}
		x.mu.Lock()
		delete(x.handlers, id)
		x.mu.Unlock()
	}()
	return doneC, stopC, nil
}

func (x *Exchange) pos(symbol string) *position {
	p, ok := x.positions[symbol]
	if !ok {
		p = &position{leverage: 1}
		x.positions[symbol] = p
	}
	return p
}

func (x *Exchange) newOrder(symbol string, side domain.OrderSide, typ domain.OrderType, quantity string, price, stop float64, opts ports.OrderOptions) (*order, error) {
	qty, err := strconv.ParseFloat(quantity, 64)
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("place order failed: %w: bad quantity %q", ports.ErrInvalidRequest, quantity)
	}
	x.nextID++
	cid := opts.ClientOrderID
	if cid == "" {
		cid = fmt.Sprintf("paper_%d", x.nextID)
	}
	o := &order{
		side: side,
		resp: ports.OrderResponse{
			OrderID:       x.nextID,
			Symbol:        symbol,
			ClientOrderID: cid,
			Price:         price,
			OrigQuantity:  qty,
			StopPrice:     stop,
			Status:        domain.OrderStatusNew,
			TimeInForce:   "GTC",
			Type:          string(typ),
			Side:          string(side),
			ReduceOnly:    opts.ReduceOnly,
			Timestamp:     x.now(),
		},
	}
	x.orders[o.resp.OrderID] = o
	return o, nil
}

// fill executes o at price against the position. Must hold x.mu.
func (x *Exchange) fill(o *order, price float64) *ports.OrderUpdate {
	p := x.pos(o.resp.Symbol)
	qty := o.resp.OrigQuantity
	signed := qty
	if o.side == domain.Sell {
		signed = -qty
	}
	if o.resp.ReduceOnly {
		if p.amt == 0 || math.Signbit(signed) == math.Signbit(p.amt) {
			o.resp.Status = domain.OrderStatusRejected
			if domain.OrderType(o.resp.Type) != domain.OrderTypeMarket && domain.OrderType(o.resp.Type) != domain.OrderTypeLimit {
				// Resting legs of a position that is gone expire instead.
				o.resp.Status = domain.OrderStatusExpired
			}
			return x.update(o, "EXPIRED", 0, 0, 0)
		}
		if math.Abs(signed) > math.Abs(p.amt) {
			signed = -p.amt
			qty = math.Abs(signed)
		}
	}

	var realized float64
	switch {
	case p.amt == 0 || math.Signbit(signed) == math.Signbit(p.amt):
		total := math.Abs(p.amt) + qty
		p.entry = (p.entry*math.Abs(p.amt) + price*qty) / total
	default:
		closing := math.Min(qty, math.Abs(p.amt))
		dir := 1.0
		if p.amt < 0 {
			dir = -1
		}
		realized = (price - p.entry) * closing * dir
		if qty > math.Abs(p.amt) {
			p.entry = price
		}
	}
	p.amt = round8(p.amt + signed)
	if p.amt == 0 {
		p.entry = 0
	}

	o.resp.Status = domain.OrderStatusFilled
	o.resp.ExecutedQty = qty
	o.resp.AvgPrice = price
	x.logger.Debug(context.Background(), "Paper fill", map[string]interface{}{
		"symbol":   o.resp.Symbol,
		"orderID":  o.resp.OrderID,
		"side":     o.side,
		"qty":      qty,
		"price":    price,
		"position": p.amt,
	})
	return x.update(o, "TRADE", qty, price, realized)
}

func (x *Exchange) update(o *order, execType string, lastQty, lastPrice, realized float64) *ports.OrderUpdate {
	return &ports.OrderUpdate{
		UserID:          x.userID,
		Symbol:          o.resp.Symbol,
		OrderID:         o.resp.OrderID,
		ClientOrderID:   o.resp.ClientOrderID,
		Side:            o.side,
		Type:            o.resp.Type,
		Status:          o.resp.Status,
		ExecutionType:   execType,
		OrigQty:         o.resp.OrigQuantity,
		LastFilledQty:   lastQty,
		CumFilledQty:    o.resp.ExecutedQty,
		LastFilledPrice: lastPrice,
		AvgPrice:        o.resp.AvgPrice,
		StopPrice:       o.resp.StopPrice,
		ReduceOnly:      o.resp.ReduceOnly,
		RealizedPNL:     realized,
		Time:            x.now(),
	}
}

func (x *Exchange) emit(updates ...*ports.OrderUpdate) {
	x.mu.Lock()
	hs := make([]func(*ports.OrderUpdate), 0, len(x.handlers))
	ids := make([]int, 0, len(x.handlers))
	for id := range x.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		hs = append(hs, x.handlers[id])
	}
	x.mu.Unlock()

	for _, u := range updates {
		if u == nil {
			continue
		}
		for _, h := range hs {
			cp := *u
			h(&cp)
		}
	}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
