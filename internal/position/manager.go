// Package position keeps one directional position per (user, symbol) in step with the exchange.
package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/classifier"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/metrics"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/risk"
)

// qtyEpsilon absorbs float noise when comparing exchange and cached sizes.
const qtyEpsilon = 1e-9

// Config holds the execution parameters.
type Config struct {
	FillTimeout      time.Duration // How long to wait for an order to fill
	FillPoll         time.Duration // Order status polling period
	MaxCloseAttempts int
	RepriceStep      float64 // Relative price improvement per close attempt, e.g. 0.001
	RetryAttempts    int     // Transient error retries per exchange call
	RetryMin         time.Duration
	RetryMax         time.Duration
}

// DefaultConfig returns the default execution parameters.
func DefaultConfig() Config {
	return Config{
		FillTimeout:      10 * time.Second,
		FillPoll:         500 * time.Millisecond,
		MaxCloseAttempts: 3,
		RepriceStep:      0.001,
		RetryAttempts:    3,
		RetryMin:         200 * time.Millisecond,
		RetryMax:         2 * time.Second,
	}
}

// Profile is the auto-trading setup of one (user, symbol).
type Profile struct {
	UserID       int64
	Symbol       string
	Market       domain.MarketType
	Timeframe    domain.Timeframe
	NotifyTarget string
	AutoTrade    domain.AutoTrade
}

// SeriesKey is the candle series the profile trades on.
func (p *Profile) SeriesKey() domain.SeriesKey {
	return domain.SeriesKey{Market: p.Market, Symbol: p.Symbol, Timeframe: p.Timeframe}
}

// Key identifies a managed position.
type Key struct {
	UserID int64
	Symbol string
}

// Dependencies are the collaborators of the manager.
type Dependencies struct {
	Credentials ports.CredentialProvider
	Positions   ports.PositionRepository
	Trades      ports.TradeRepository
	Classifier  *classifier.Classifier
	Risk        *risk.Manager
	Notifier    ports.Notifier
	Metrics     *metrics.Metrics
	Logger      ports.Logger
	// ATR returns the latest volatility reading of a series, used by ATR protection.
	ATR func(key domain.SeriesKey) (float64, bool)
}

type slot struct {
	op sync.Mutex // Held for the whole of a reaction

	profile     Profile
	pos         *domain.Position
	view        *domain.Position // Published snapshot, guarded by Manager.mu
	leverageSet bool
	lastSignal  time.Time
}

// Manager owns the position state machine of every configured (user, symbol).
type Manager struct {
	cfg  Config
	deps Dependencies
	now  func() time.Time

	mu    sync.Mutex
	slots map[Key]*slot
}

// NewManager creates a position manager.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Credentials == nil || deps.Positions == nil || deps.Trades == nil ||
		deps.Classifier == nil || deps.Risk == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for position manager")
	}
	if cfg.FillTimeout <= 0 || cfg.FillPoll <= 0 {
		return nil, fmt.Errorf("fill timeout and poll interval must be positive")
	}
	if cfg.MaxCloseAttempts <= 0 {
		return nil, fmt.Errorf("max close attempts must be positive")
	}
	if cfg.RepriceStep < 0 || cfg.RepriceStep >= 0.1 {
		return nil, fmt.Errorf("reprice step must be in [0, 0.1)")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 100 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		now:   func() time.Time { return time.Now().UTC() },
		slots: make(map[Key]*slot),
	}, nil
}

// Configure registers or updates the auto-trading profile of a (user, symbol).
func (m *Manager) Configure(p Profile) {
	k := Key{p.UserID, p.Symbol}
	m.mu.Lock()
	s, ok := m.slots[k]
	if !ok {
		s = &slot{pos: domain.NewFlatPosition(p.UserID, p.Symbol)}
		s.view = s.pos.Clone()
		m.slots[k] = s
	}
	m.mu.Unlock()

	s.op.Lock()
	if ok && s.profile.AutoTrade.Leverage != p.AutoTrade.Leverage {
		s.leverageSet = false
	}
	s.profile = p
	s.op.Unlock()
}

// Remove forgets a (user, symbol) after any in-flight reaction completed.
// Exchange-side orders are left as they are.
func (m *Manager) Remove(userID int64, symbol string) {
	s := m.slot(userID, symbol)
	if s == nil {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	m.mu.Lock()
	delete(m.slots, Key{userID, symbol})
	m.mu.Unlock()
}

// Get returns a snapshot of the position of a (user, symbol).
func (m *Manager) Get(userID int64, symbol string) (*domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[Key{userID, symbol}]
	if !ok {
		return nil, false
	}
	return s.view.Clone(), true
}

// Keys lists the managed positions.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID != keys[j].UserID {
			return keys[i].UserID < keys[j].UserID
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

// OpenByOrigin counts positions with exposure per origin.
func (m *Manager) OpenByOrigin() map[string]int {
	out := map[string]int{}
	m.mu.Lock()
	for _, s := range m.slots {
		if s.view.HasExposure() {
			out[string(s.view.Origin)]++
		}
	}
	m.mu.Unlock()
	return out
}

// Sync loads the stored record of a (user, symbol) and reconciles it with the exchange.
func (m *Manager) Sync(ctx context.Context, userID int64, symbol string) error {
	op := "Sync"
	s := m.slot(userID, symbol)
	if s == nil {
		return fmt.Errorf("%s failed: %d/%s: %w", op, userID, symbol, ports.ErrNotFound)
	}
	s.op.Lock()
	defer s.op.Unlock()

	stored, err := m.deps.Positions.FindOpen(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if stored != nil {
		s.pos = stored
		if s.pos.State == "" || s.pos.State == domain.StateOpening || s.pos.State == domain.StateClosing {
			// An interrupted reaction: the exchange decides below.
			s.pos.State = domain.StateOpen
		}
		m.publish(s)
		m.deps.Logger.Info(ctx, op+": Loaded stored position", map[string]interface{}{
			"userID":     userID,
			"symbol":     symbol,
			"positionID": stored.ID,
			"side":       stored.Side,
			"state":      stored.State,
		})
	}
	return m.reconcile(ctx, s, "startup")
}

// HandleSignal reacts to a trading signal: open when flat, ignore on the same side,
// reverse (close, confirm, then open) on the opposite side.
func (m *Manager) HandleSignal(ctx context.Context, sig *domain.Signal) error {
	op := "HandleSignal"
	if sig == nil {
		return nil
	}
	s := m.slot(sig.UserID, sig.Symbol)
	if s == nil {
		return fmt.Errorf("%s failed: %d/%s: %w", op, sig.UserID, sig.Symbol, ports.ErrNotFound)
	}
	s.op.Lock()
	defer s.op.Unlock()

	fields := map[string]interface{}{
		"userID":    sig.UserID,
		"symbol":    sig.Symbol,
		"kind":      sig.Kind,
		"direction": sig.Direction,
		"time":      sig.Time,
	}
	if !sig.Time.After(s.lastSignal) {
		m.deps.Logger.Debug(ctx, op+": Ignoring replayed signal", fields)
		return nil
	}
	s.lastSignal = sig.Time
	if sig.Price > 0 {
		s.pos.LastPrice = sig.Price
	}

	at := s.profile.AutoTrade
	if !at.Enabled() || !at.Mode.Allows(sig) {
		m.deps.Logger.Debug(ctx, op+": Signal not tradable under mode", fields)
		return nil
	}
	if !sig.Direction.IsDirectional() {
		return nil
	}
	if s.pos.IsHalted() {
		m.deps.Logger.Warn(ctx, op+": Ignoring signal, trading halted", fields)
		return fmt.Errorf("%s: %d/%s: %w", op, sig.UserID, sig.Symbol, ports.ErrHalted)
	}

	switch {
	case !s.pos.HasExposure():
		return m.open(ctx, s, sig.Direction, sig)
	case s.pos.Side == sig.Direction:
		m.deps.Logger.Debug(ctx, op+": Already positioned on signal side", fields)
		return nil
	case sig.Strength < at.ReversalMinStrength:
		fields["strength"] = sig.Strength
		m.deps.Logger.Info(ctx, op+": Opposite signal below reversal strength", fields)
		return nil
	}

	m.deps.Logger.Info(ctx, op+": Reversing position", fields)
	from := s.pos.Side
	s.pos.ReverseTo = sig.Direction
	closed, err := m.closeExisting(ctx, s, domain.CloseReasonReversal)
	if err != nil {
		return err
	}
	if closed == nil || s.pos.HasExposure() {
		// The close turned into a reconciliation; the exchange state now rules.
		return nil
	}
	if err := m.open(ctx, s, sig.Direction, sig); err != nil {
		return err
	}
	if s.pos.HasExposure() {
		m.notify(ctx, s, domain.Notification{
			Kind:     domain.NotifyPositionReversed,
			Signal:   sig,
			Side:     s.pos.Side,
			Origin:   s.pos.Origin,
			Price:    s.pos.EntryPrice,
			Quantity: s.pos.Quantity,
			PNL:      closed.PNL,
			Reason:   fmt.Sprintf("%s -> %s", from, s.pos.Side),
		})
	}
	return nil
}

// OnCandle enforces the stop-loss and take-profit levels on a finalized candle close.
func (m *Manager) OnCandle(ctx context.Context, userID int64, symbol string, candle domain.Kline) error {
	op := "OnCandle"
	s := m.slot(userID, symbol)
	if s == nil {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.pos.LastPrice = candle.Close
	if !s.pos.HasExposure() || s.pos.State != domain.StateOpen {
		return nil
	}
	reason, hit := risk.Check(s.pos, candle.Close)
	if !hit {
		return nil
	}
	client, err := m.client(ctx, s)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"userID": userID,
		"symbol": symbol,
		"reason": reason,
		"close":  candle.Close,
	}

	resp, filled, err := m.deps.Risk.RestingFilled(ctx, client, s.pos, reason)
	if err != nil {
		m.deps.Logger.Warn(ctx, op+": Could not query resting order", map[string]interface{}{"symbol": symbol, "error": err.Error()})
	}
	if filled {
		m.deps.Logger.Info(ctx, op+": Resting protective order already executed", fields)
		m.deps.Classifier.MarkStatus(ctx, userID, resp)
		_ = m.deps.Risk.Cancel(ctx, client, s.pos)
		m.finishClose(ctx, s, resp.AvgPrice, reason)
		return nil
	}

	m.deps.Logger.Info(ctx, op+": Protection level crossed, closing", fields)
	m.notify(ctx, s, domain.Notification{
		Kind:       domain.NotifyProtectionTriggered,
		Side:       s.pos.Side,
		Price:      candle.Close,
		StopLoss:   s.pos.StopLoss,
		TakeProfit: s.pos.TakeProfit,
		Reason:     string(reason),
	})
	_, err = m.closeExisting(ctx, s, reason)
	return err
}

// OnOrderUpdate consumes a classified stream update: protective fills of the bot close the
// position, fills of manual orders trigger a reconciliation.
func (m *Manager) OnOrderUpdate(ctx context.Context, cu classifier.ClassifiedUpdate) error {
	op := "OnOrderUpdate"
	u := cu.Update
	if u == nil {
		return nil
	}
	s := m.slot(u.UserID, u.Symbol)
	if s == nil {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()

	if !cu.IsBot() {
		if !u.IsFill() {
			return nil
		}
		m.deps.Logger.Info(ctx, op+": Manual fill observed", map[string]interface{}{
			"userID":  u.UserID,
			"symbol":  u.Symbol,
			"orderID": u.OrderID,
			"side":    u.Side,
			"qty":     u.LastFilledQty,
		})
		return m.reconcile(ctx, s, "manual order")
	}

	if (cu.Purpose != domain.PurposeStopLoss && cu.Purpose != domain.PurposeTakeProfit) || u.Status != domain.OrderStatusFilled || !s.pos.HasExposure() {
		return nil
	}
	reason := domain.CloseReasonStopLoss
	legID := s.pos.StopLossOrderID
	if cu.Purpose == domain.PurposeTakeProfit {
		reason = domain.CloseReasonTakeProfit
		legID = s.pos.TakeProfitOrderID
	}
	if legID == nil || *legID != fmt.Sprint(u.OrderID) {
		// A leg of an earlier position, or one replaced since.
		return m.reconcile(ctx, s, "stale protective fill")
	}
	client, err := m.client(ctx, s)
	if err != nil {
		return err
	}
	m.deps.Logger.Info(ctx, op+": Protective order filled", map[string]interface{}{
		"symbol":  u.Symbol,
		"reason":  reason,
		"orderID": u.OrderID,
		"price":   u.AvgPrice,
	})
	other := domain.CloseReasonTakeProfit
	if reason == domain.CloseReasonStopLoss {
		s.pos.StopLossOrderID = nil
	} else {
		s.pos.TakeProfitOrderID = nil
		other = domain.CloseReasonStopLoss
	}
	if err := m.deps.Risk.CancelLeg(ctx, client, s.pos, other); err != nil {
		m.deps.Logger.Warn(ctx, op+": Surviving leg not cancelled", map[string]interface{}{"symbol": u.Symbol, "leg": other, "error": err.Error()})
	}
	price := u.AvgPrice
	if price == 0 {
		price = u.LastFilledPrice
	}
	m.finishClose(ctx, s, price, reason)
	return nil
}

// Reconcile makes the cached position match the exchange, which is authoritative.
func (m *Manager) Reconcile(ctx context.Context, userID int64, symbol string, cause string) error {
	s := m.slot(userID, symbol)
	if s == nil {
		return fmt.Errorf("Reconcile failed: %d/%s: %w", userID, symbol, ports.ErrNotFound)
	}
	s.op.Lock()
	defer s.op.Unlock()
	return m.reconcile(ctx, s, cause)
}

// Clear lifts a halt and reconciles with the exchange.
func (m *Manager) Clear(ctx context.Context, userID int64, symbol string) error {
	s := m.slot(userID, symbol)
	if s == nil {
		return fmt.Errorf("Clear failed: %d/%s: %w", userID, symbol, ports.ErrNotFound)
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.pos.IsHalted() {
		s.pos.State = domain.StateFlat
		if s.pos.HasExposure() {
			s.pos.State = domain.StateOpen
		}
		m.deps.Logger.Info(ctx, "Clear: Halt lifted", map[string]interface{}{
			"userID": userID,
			"symbol": symbol,
			"reason": s.pos.HaltReason,
		})
		s.pos.HaltReason = ""
		m.persist(ctx, s)
		m.publish(s)
	}
	return m.reconcile(ctx, s, "halt cleared")
}

// reconcile must be called with s.op held.
func (m *Manager) reconcile(ctx context.Context, s *slot, cause string) error {
	op := "reconcile"
	client, err := m.client(ctx, s)
	if err != nil {
		return err
	}
	var ex *ports.PositionRisk
	err = m.retry(ctx, func() error {
		var e error
		ex, e = client.GetPositionRisk(ctx, s.profile.Symbol)
		return e
	})
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	exAmt := 0.0
	if ex != nil {
		exAmt = ex.PositionAmt
	}
	exSide := domain.SideFromAmount(exAmt)
	exQty := math.Abs(exAmt)
	pos := s.pos
	fields := map[string]interface{}{
		"userID":   pos.UserID,
		"symbol":   pos.Symbol,
		"cause":    cause,
		"cached":   fmt.Sprintf("%s %g", pos.Side, pos.Quantity),
		"exchange": exAmt,
	}

	switch {
	case !pos.HasExposure() && exSide == domain.SideFlat:
		return nil

	case pos.HasExposure() && exSide == domain.SideFlat:
		reason, exit := m.flatCloseReason(ctx, client, pos)
		fields["reason"] = reason
		m.deps.Logger.Info(ctx, op+": Position closed on the exchange", fields)
		_ = m.deps.Risk.Cancel(ctx, client, pos)
		if exit <= 0 {
			exit = m.marketPrice(ctx, client, s)
		}
		closed := m.finishClose(ctx, s, exit, reason)
		if reason == domain.CloseReasonManual {
			m.notify(ctx, s, domain.Notification{Kind: domain.NotifyReconciled, Side: closed.Side, Origin: closed.Origin, Price: exit, PNL: closed.PNL, Reason: cause})
		}
		return nil

	case !pos.HasExposure():
		m.deps.Logger.Info(ctx, op+": Adopting position opened outside the bot", fields)
		m.adopt(ctx, s, client, ex, cause)
		return nil

	case exSide != pos.Side:
		m.deps.Logger.Info(ctx, op+": Position flipped outside the bot", fields)
		_ = m.deps.Risk.Cancel(ctx, client, pos)
		m.finishClose(ctx, s, ex.EntryPrice, domain.CloseReasonManual)
		m.adopt(ctx, s, client, ex, cause)
		return nil

	case math.Abs(exQty-pos.Quantity) > qtyEpsilon:
		m.deps.Logger.Info(ctx, op+": Position size changed outside the bot", fields)
		pos.Quantity = exQty
		if ex.EntryPrice > 0 {
			pos.EntryPrice = ex.EntryPrice
		}
		if pos.Origin == domain.OriginBot {
			pos.Origin = domain.OriginMixed
		}
		m.protect(ctx, s, client)
		m.persist(ctx, s)
		m.publish(s)
		m.notify(ctx, s, domain.Notification{Kind: domain.NotifyReconciled, Side: pos.Side, Origin: pos.Origin, Price: pos.EntryPrice, Quantity: pos.Quantity, Reason: cause})
		return nil
	}

	if pos.State == domain.StateOpen && pos.StopLoss == 0 && pos.TakeProfit == 0 && hasProtection(s.profile.AutoTrade) {
		// Loaded without levels, e.g. after a crash between fill and protection.
		m.protect(ctx, s, client)
		m.persist(ctx, s)
		m.publish(s)
	}
	return nil
}

// flatCloseReason names why a cached position is flat on the exchange. A filled resting leg
// wins with its average price; anything else is a manual close and returns a zero exit.
// legs must still carry the protective order ids.
func (m *Manager) flatCloseReason(ctx context.Context, client ports.ExchangeClient, legs *domain.Position) (domain.CloseReason, float64) {
	for _, reason := range []domain.CloseReason{domain.CloseReasonStopLoss, domain.CloseReasonTakeProfit} {
		resp, filled, err := m.deps.Risk.RestingFilled(ctx, client, legs, reason)
		if err != nil {
			m.deps.Logger.Warn(ctx, "flatCloseReason: Could not query resting order", map[string]interface{}{
				"symbol": legs.Symbol, "reason": reason, "error": err.Error(),
			})
			continue
		}
		if !filled {
			continue
		}
		m.deps.Classifier.MarkStatus(ctx, legs.UserID, resp)
		exit := resp.AvgPrice
		if exit <= 0 {
			exit = resp.StopPrice
		}
		return reason, exit
	}
	return domain.CloseReasonManual, 0
}

func (m *Manager) adopt(ctx context.Context, s *slot, client ports.ExchangeClient, ex *ports.PositionRisk, cause string) {
	state := domain.StateOpen
	if s.pos.IsHalted() {
		state = domain.StateHalted
	}
	halt := s.pos.HaltReason
	price := ex.EntryPrice
	if price <= 0 {
		price = m.marketPrice(ctx, client, s)
	}
	s.pos = &domain.Position{
		UserID:     s.profile.UserID,
		Symbol:     s.profile.Symbol,
		Side:       domain.SideFromAmount(ex.PositionAmt),
		State:      state,
		Origin:     domain.OriginManual,
		EntryPrice: price,
		Quantity:   math.Abs(ex.PositionAmt),
		Leverage:   ex.Leverage,
		EntryTime:  m.now(),
		Status:     domain.StatusOpen,
		HaltReason: halt,
		LastPrice:  s.pos.LastPrice,
	}
	id, err := m.deps.Positions.Create(ctx, s.pos)
	if err != nil {
		m.deps.Logger.Error(ctx, err, "adopt: Failed to store adopted position", map[string]interface{}{"symbol": s.pos.Symbol})
	} else {
		s.pos.ID = id
	}
	m.protect(ctx, s, client)
	m.persist(ctx, s)
	m.publish(s)
	m.notify(ctx, s, domain.Notification{
		Kind:       domain.NotifyPositionAdopted,
		Side:       s.pos.Side,
		Origin:     s.pos.Origin,
		Price:      s.pos.EntryPrice,
		Quantity:   s.pos.Quantity,
		StopLoss:   s.pos.StopLoss,
		TakeProfit: s.pos.TakeProfit,
		Reason:     cause,
	})
}

func (m *Manager) slot(userID int64, symbol string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[Key{userID, symbol}]
}

// publish exposes the current state to readers. Must hold s.op.
func (m *Manager) publish(s *slot) {
	view := s.pos.Clone()
	m.mu.Lock()
	s.view = view
	m.mu.Unlock()
}

func hasProtection(at domain.AutoTrade) bool {
	p := at.Protection
	return p.StopLossPct > 0 || p.TakeProfitPct > 0 || p.StopLossATR > 0 || p.TakeProfitATR > 0 ||
		p.StopLossPrice > 0 || p.TakeProfitPrice > 0
}
