package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jpillora/backoff"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/utils"
)

// open places a market entry for side and protects the fill. Must hold s.op.
func (m *Manager) open(ctx context.Context, s *slot, side domain.Side, sig *domain.Signal) error {
	op := "open"
	p := &s.profile
	at := &p.AutoTrade
	fields := map[string]interface{}{
		"userID": p.UserID,
		"symbol": p.Symbol,
		"side":   side,
	}

	if at.MaxTradesPerDay > 0 {
		n, err := m.deps.Trades.CountTodayBySymbol(ctx, p.UserID, p.Symbol)
		if err != nil {
			m.deps.Logger.Warn(ctx, op+": Could not count today's trades", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
		} else if n >= at.MaxTradesPerDay {
			fields["count"] = n
			m.deps.Logger.Info(ctx, op+": Daily trade limit reached, not opening", fields)
			return nil
		}
	}

	client, err := m.client(ctx, s)
	if err != nil {
		return err
	}
	if !s.leverageSet && at.Leverage > 0 {
		err := m.retry(ctx, func() error { return client.SetLeverage(ctx, p.Symbol, at.Leverage) })
		if err != nil {
			if ports.IsRejection(err) || ports.IsFatal(err) {
				return m.halt(ctx, s, "set leverage", err)
			}
			return fmt.Errorf("%s failed: set leverage: %w", op, err)
		}
		s.leverageSet = true
	}

	qty := utils.TruncateQuantity(at.Quantity, at.QtyPrecision())
	if qty <= 0 && at.Amount > 0 {
		price := 0.0
		if sig != nil {
			price = sig.Price
		}
		if price <= 0 {
			price = m.marketPrice(ctx, client, s)
		}
		qty = utils.QuoteToQuantity(at.Amount, price, at.QtyPrecision())
	}
	if qty <= 0 {
		err := fmt.Errorf("%s failed: order size rounds to zero: %w", op, ports.ErrConfigurationError)
		m.notify(ctx, s, domain.Notification{Kind: domain.NotifyAlert, Side: side, Reason: "entry size is zero", Error: err.Error()})
		return err
	}

	s.pos.State = domain.StateOpening
	s.pos.Side = side
	m.publish(s)

	order := &domain.Order{
		ClientOrderID: m.deps.Classifier.NewClientOrderID(),
		UserID:        p.UserID,
		Symbol:        p.Symbol,
		Side:          side.EntryOrderSide(),
		Type:          domain.OrderTypeMarket,
		Purpose:       domain.PurposeEntry,
		Quantity:      qty,
	}
	_ = m.deps.Classifier.Register(ctx, order)
	m.deps.Logger.Info(ctx, op+": Placing entry order", map[string]interface{}{
		"symbol":        p.Symbol,
		"side":          order.Side,
		"quantity":      qty,
		"clientOrderID": order.ClientOrderID,
	})
	resp, err := client.PlaceMarketOrder(ctx, p.Symbol, order.Side, utils.FormatQuantity(qty, at.QtyPrecision()),
		ports.OrderOptions{ClientOrderID: order.ClientOrderID})
	m.deps.Metrics.OrderPlaced(string(domain.PurposeEntry), err)
	if err != nil {
		m.resetFlat(s)
		if ports.IsRejection(err) {
			return m.halt(ctx, s, "entry rejected", err)
		}
		// The order may exist even though the call failed.
		m.deps.Logger.Warn(ctx, op+": Entry placement failed, checking exchange", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
		if rerr := m.reconcile(ctx, s, "entry placement error"); rerr != nil {
			m.deps.Logger.Warn(ctx, op+": Reconcile after failed entry failed", map[string]interface{}{"symbol": p.Symbol, "error": rerr.Error()})
		}
		if !s.pos.HasExposure() {
			m.notify(ctx, s, domain.Notification{Kind: domain.NotifyAlert, Side: side, Reason: "entry order failed", Error: err.Error()})
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	order.ID, order.Status = resp.OrderID, resp.Status
	_ = m.deps.Classifier.Register(ctx, order)

	filled := m.awaitFill(ctx, client, p.UserID, p.Symbol, resp)
	if !filled.Status.IsTerminal() {
		filled = m.cancelRemainder(ctx, client, p.UserID, p.Symbol, filled)
	}
	if filled.ExecutedQty <= 0 {
		m.resetFlat(s)
		m.deps.Logger.Warn(ctx, op+": Entry order not filled", map[string]interface{}{
			"symbol":  p.Symbol,
			"orderID": filled.OrderID,
			"status":  filled.Status,
		})
		m.notify(ctx, s, domain.Notification{Kind: domain.NotifyAlert, Side: side, Reason: "entry order not filled", Error: string(filled.Status)})
		return fmt.Errorf("%s failed: entry %d %s: %w", op, filled.OrderID, filled.Status, ports.ErrOrderPlacementFailed)
	}

	entry := filled.AvgPrice
	if entry <= 0 {
		entry = filled.Price
	}
	if entry <= 0 {
		entry = m.marketPrice(ctx, client, s)
	}
	last := s.pos.LastPrice
	s.pos = &domain.Position{
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Side:       side,
		State:      domain.StateOpen,
		Origin:     domain.OriginBot,
		EntryPrice: entry,
		Quantity:   filled.ExecutedQty,
		Leverage:   at.Leverage,
		EntryTime:  m.now(),
		Status:     domain.StatusOpen,
		LastPrice:  last,
	}
	id, err := m.deps.Positions.Create(ctx, s.pos)
	if err != nil {
		m.deps.Logger.Error(ctx, err, op+": Failed to store opened position", map[string]interface{}{"symbol": p.Symbol})
	} else {
		s.pos.ID = id
	}
	m.protect(ctx, s, client)
	m.persist(ctx, s)
	m.publish(s)

	m.deps.Logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"positionID": s.pos.ID,
		"symbol":     p.Symbol,
		"side":       side,
		"entry":      entry,
		"quantity":   s.pos.Quantity,
		"stopLoss":   s.pos.StopLoss,
		"takeProfit": s.pos.TakeProfit,
	})
	m.notify(ctx, s, domain.Notification{
		Kind:       domain.NotifyPositionOpened,
		Signal:     sig,
		Side:       side,
		Origin:     domain.OriginBot,
		Price:      entry,
		Quantity:   s.pos.Quantity,
		StopLoss:   s.pos.StopLoss,
		TakeProfit: s.pos.TakeProfit,
	})
	return nil
}

// closeExisting flattens the position with reduce-only orders: limit orders repriced across
// the spread, a market order on the last attempt, then a halt. A position already flat on
// the exchange is recorded under the reason that flattened it. A nil position with a nil
// error means the exchange flipped and was reconciled instead. Must hold s.op.
func (m *Manager) closeExisting(ctx context.Context, s *slot, reason domain.CloseReason) (*domain.Position, error) {
	op := "closeExisting"
	p := &s.profile
	at := &p.AutoTrade
	client, err := m.client(ctx, s)
	if err != nil {
		return nil, err
	}

	side := s.pos.Side
	legs := s.pos.Clone()
	s.pos.State = domain.StateClosing
	m.persist(ctx, s)
	m.publish(s)
	if err := m.deps.Risk.Cancel(ctx, client, s.pos); err != nil {
		m.deps.Logger.Warn(ctx, op+": Protective orders not fully cancelled", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
	}

	var execQty, notional float64
	exitPrice := func() float64 {
		if execQty > 0 {
			return notional / execQty
		}
		return m.marketPrice(ctx, client, s)
	}

	for attempt := 1; attempt <= m.cfg.MaxCloseAttempts; attempt++ {
		fields := map[string]interface{}{
			"userID":  p.UserID,
			"symbol":  p.Symbol,
			"reason":  reason,
			"attempt": attempt,
		}
		var ex *ports.PositionRisk
		err := m.retry(ctx, func() error {
			var e error
			ex, e = client.GetPositionRisk(ctx, p.Symbol)
			return e
		})
		if err != nil {
			fields["error"] = err.Error()
			m.deps.Logger.Warn(ctx, op+": Could not read exchange position", fields)
			continue
		}
		exAmt := 0.0
		if ex != nil {
			exAmt = ex.PositionAmt
		}
		if domain.SideFromAmount(exAmt) != side {
			if exAmt == 0 && execQty > 0 {
				return m.finishClose(ctx, s, exitPrice(), reason), nil
			}
			if exAmt == 0 {
				// Flat before any close order of ours: a resting leg or the user got there first.
				flatReason, exit := m.flatCloseReason(ctx, client, legs)
				fields["closedBy"] = flatReason
				m.deps.Logger.Info(ctx, op+": Position already flat on the exchange", fields)
				if exit <= 0 {
					exit = exitPrice()
				}
				return m.finishClose(ctx, s, exit, flatReason), nil
			}
			m.deps.Logger.Warn(ctx, op+": Exchange position changed during close", fields)
			s.pos.State = domain.StateOpen
			return nil, m.reconcile(ctx, s, "close interrupted")
		}
		remaining := math.Abs(exAmt)

		order := &domain.Order{
			ClientOrderID: m.deps.Classifier.NewClientOrderID(),
			UserID:        p.UserID,
			Symbol:        p.Symbol,
			Side:          side.CloseOrderSide(),
			Purpose:       domain.PurposeClose,
			Quantity:      remaining,
			ReduceOnly:    true,
		}
		opts := ports.OrderOptions{ClientOrderID: order.ClientOrderID, ReduceOnly: true}
		qtyStr := utils.FormatQuantity(remaining, at.QtyPrecision())

		var book *ports.BookTicker
		if attempt < m.cfg.MaxCloseAttempts {
			if book, err = client.GetBookTicker(ctx, p.Symbol); err != nil {
				m.deps.Logger.Warn(ctx, op+": No book ticker, closing at market", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
				book = nil
			}
		}
		var resp *ports.OrderResponse
		if book == nil {
			order.Type = domain.OrderTypeMarket
			_ = m.deps.Classifier.Register(ctx, order)
			resp, err = client.PlaceMarketOrder(ctx, p.Symbol, order.Side, qtyStr, opts)
		} else {
			order.Type = domain.OrderTypeLimit
			order.Price = m.limitPrice(side, book, attempt, at.PxPrecision())
			_ = m.deps.Classifier.Register(ctx, order)
			resp, err = client.PlaceLimitOrder(ctx, p.Symbol, order.Side, qtyStr, utils.FormatPrice(order.Price, at.PxPrecision()), opts)
		}
		m.deps.Metrics.OrderPlaced(string(domain.PurposeClose), err)
		if err != nil {
			fields["error"] = err.Error()
			if ports.IsRejection(err) && !errors.Is(err, ports.ErrOrderRejected) {
				return nil, m.halt(ctx, s, "close rejected", err)
			}
			// A rejected reduce-only order may mean nothing is left; the next read tells.
			m.deps.Logger.Warn(ctx, op+": Close order failed", fields)
			continue
		}
		order.ID, order.Status = resp.OrderID, resp.Status
		_ = m.deps.Classifier.Register(ctx, order)

		filled := m.awaitFill(ctx, client, p.UserID, p.Symbol, resp)
		if !filled.Status.IsTerminal() {
			filled = m.cancelRemainder(ctx, client, p.UserID, p.Symbol, filled)
		}
		if filled.ExecutedQty > 0 {
			price := filled.AvgPrice
			if price <= 0 {
				price = filled.Price
			}
			execQty += filled.ExecutedQty
			notional += filled.ExecutedQty * price
		}
		if filled.Status == domain.OrderStatusFilled && filled.ExecutedQty >= remaining-qtyEpsilon {
			return m.finishClose(ctx, s, exitPrice(), reason), nil
		}
		fields["status"] = filled.Status
		fields["executed"] = filled.ExecutedQty
		m.deps.Logger.Warn(ctx, op+": Close order not fully filled, repricing", fields)
	}

	ex, err := client.GetPositionRisk(ctx, p.Symbol)
	if err == nil && (ex == nil || ex.PositionAmt == 0) {
		return m.finishClose(ctx, s, exitPrice(), reason), nil
	}
	return nil, m.halt(ctx, s, "close not filled", ports.ErrCloseUnfilled)
}

// finishClose records the close of the current position and resets the slot to flat.
// A halt survives the close until it is cleared.
func (m *Manager) finishClose(ctx context.Context, s *slot, exit float64, reason domain.CloseReason) *domain.Position {
	op := "finishClose"
	pos := s.pos
	if exit <= 0 {
		exit = pos.LastPrice
	}
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	halted, haltReason := pos.IsHalted(), pos.HaltReason

	pos.ExitPrice = exit
	pos.ExitTime = m.now()
	pos.Status = domain.StatusClosed
	pos.CloseReason = reason
	pos.PNL = round8(pos.UnrealizedPNL(exit))
	if !halted {
		pos.State = domain.StateFlat
	}
	pos.StopLossOrderID, pos.TakeProfitOrderID = nil, nil
	pos.ReverseTo = ""
	closed := pos.Clone()
	m.persist(ctx, s)

	if _, err := m.deps.Trades.CreateTrade(ctx, &domain.Trade{
		PositionID:  closed.ID,
		UserID:      closed.UserID,
		Symbol:      closed.Symbol,
		Side:        closed.Side,
		Origin:      closed.Origin,
		EntryPrice:  closed.EntryPrice,
		ExitPrice:   closed.ExitPrice,
		Quantity:    closed.Quantity,
		Leverage:    closed.Leverage,
		PNL:         closed.PNL,
		EntryTime:   closed.EntryTime,
		ExitTime:    closed.ExitTime,
		CloseReason: reason,
	}); err != nil {
		m.deps.Logger.Error(ctx, err, op+": Failed to store trade", map[string]interface{}{"symbol": closed.Symbol, "positionID": closed.ID})
	}

	s.pos = domain.NewFlatPosition(closed.UserID, closed.Symbol)
	s.pos.LastPrice = closed.LastPrice
	if halted {
		s.pos.State = domain.StateHalted
		s.pos.HaltReason = haltReason
	}
	m.publish(s)

	m.deps.Logger.Info(ctx, op+": Position closed", map[string]interface{}{
		"positionID": closed.ID,
		"symbol":     closed.Symbol,
		"side":       closed.Side,
		"origin":     closed.Origin,
		"exit":       exit,
		"pnl":        closed.PNL,
		"reason":     reason,
	})
	m.notify(ctx, s, domain.Notification{
		Kind:     domain.NotifyPositionClosed,
		Side:     closed.Side,
		Origin:   closed.Origin,
		Price:    exit,
		Quantity: closed.Quantity,
		PNL:      closed.PNL,
		Reason:   string(reason),
	})
	return closed
}

// halt suspends automated action for the slot and alerts the user.
func (m *Manager) halt(ctx context.Context, s *slot, what string, cause error) error {
	s.pos.State = domain.StateHalted
	s.pos.HaltReason = fmt.Sprintf("%s: %v", what, cause)
	m.persist(ctx, s)
	m.publish(s)
	m.deps.Metrics.PositionHalted(s.profile.Symbol)
	m.deps.Logger.Error(ctx, cause, "halt: Automated trading halted", map[string]interface{}{
		"userID": s.profile.UserID,
		"symbol": s.profile.Symbol,
		"reason": what,
	})
	m.notify(ctx, s, domain.Notification{
		Kind:     domain.NotifyAlert,
		Side:     s.pos.Side,
		Quantity: s.pos.Quantity,
		Reason:   what,
		Error:    cause.Error(),
	})
	return fmt.Errorf("%s: %w: %w", what, ports.ErrHalted, cause)
}

// awaitFill polls an order until it is terminal or the fill timeout passes.
func (m *Manager) awaitFill(ctx context.Context, client ports.ExchangeClient, userID int64, symbol string, resp *ports.OrderResponse) *ports.OrderResponse {
	last := resp
	m.deps.Classifier.MarkStatus(ctx, userID, resp)
	if resp.Status.IsTerminal() {
		return resp
	}
	deadline := time.Now().Add(m.cfg.FillTimeout)
	ticker := time.NewTicker(m.cfg.FillPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
		got, err := client.GetOrder(ctx, symbol, resp.OrderID)
		if err != nil {
			m.deps.Logger.Debug(ctx, "awaitFill: Order query failed", map[string]interface{}{"orderID": resp.OrderID, "error": err.Error()})
		} else {
			last = got
			m.deps.Classifier.MarkStatus(ctx, userID, got)
			if got.Status.IsTerminal() {
				return got
			}
		}
		if time.Now().After(deadline) {
			return last
		}
	}
}

// cancelRemainder cancels a working order and returns its final state.
func (m *Manager) cancelRemainder(ctx context.Context, client ports.ExchangeClient, userID int64, symbol string, resp *ports.OrderResponse) *ports.OrderResponse {
	got, err := client.CancelOrder(ctx, symbol, resp.OrderID)
	if err != nil {
		if !errors.Is(err, ports.ErrOrderNotFound) {
			m.deps.Logger.Warn(ctx, "cancelRemainder: Cancel failed", map[string]interface{}{"orderID": resp.OrderID, "error": err.Error()})
		}
		got, err = client.GetOrder(ctx, symbol, resp.OrderID)
		if err != nil {
			return resp
		}
	}
	if got.ExecutedQty < resp.ExecutedQty {
		got.ExecutedQty, got.AvgPrice = resp.ExecutedQty, resp.AvgPrice
	}
	m.deps.Classifier.MarkStatus(ctx, userID, got)
	return got
}

func (m *Manager) limitPrice(side domain.Side, book *ports.BookTicker, attempt, precision int) float64 {
	step := m.cfg.RepriceStep * float64(attempt)
	if side == domain.SideShort {
		return utils.RoundPrice(book.AskPrice*(1+step), precision)
	}
	return utils.RoundPrice(book.BidPrice*(1-step), precision)
}

// protect places or refreshes the protection of the current position. Failures leave the
// levels to candle polling and alert the user.
func (m *Manager) protect(ctx context.Context, s *slot, client ports.ExchangeClient) {
	var atr float64
	if m.deps.ATR != nil {
		atr, _ = m.deps.ATR(s.profile.SeriesKey())
	}
	if err := m.deps.Risk.Protect(ctx, client, s.pos, &s.profile.AutoTrade, atr); err != nil {
		m.deps.Logger.Warn(ctx, "protect: Protection degraded", map[string]interface{}{
			"symbol": s.profile.Symbol,
			"error":  err.Error(),
		})
		m.notify(ctx, s, domain.Notification{
			Kind:       domain.NotifyAlert,
			Side:       s.pos.Side,
			StopLoss:   s.pos.StopLoss,
			TakeProfit: s.pos.TakeProfit,
			Reason:     "protection degraded",
			Error:      err.Error(),
		})
	}
}

func (m *Manager) persist(ctx context.Context, s *slot) {
	if s.pos.ID == 0 {
		return
	}
	if err := m.deps.Positions.Update(ctx, s.pos); err != nil {
		m.deps.Logger.Error(ctx, err, "persist: Failed to update position", map[string]interface{}{
			"positionID": s.pos.ID,
			"symbol":     s.pos.Symbol,
		})
	}
}

func (m *Manager) resetFlat(s *slot) {
	last := s.pos.LastPrice
	s.pos = domain.NewFlatPosition(s.profile.UserID, s.profile.Symbol)
	s.pos.LastPrice = last
	m.publish(s)
}

func (m *Manager) client(ctx context.Context, s *slot) (ports.ExchangeClient, error) {
	client, err := m.deps.Credentials.ClientFor(ctx, s.profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve client for user %d: %w", s.profile.UserID, err)
	}
	return client, nil
}

// marketPrice returns the ticker price, falling back to the last candle close.
func (m *Manager) marketPrice(ctx context.Context, client ports.ExchangeClient, s *slot) float64 {
	var price float64
	err := m.retry(ctx, func() error {
		var e error
		price, e = client.GetTickerPrice(ctx, s.profile.Symbol)
		return e
	})
	if err != nil || price <= 0 {
		return s.pos.LastPrice
	}
	return price
}

// retry runs fn until it succeeds, fails with a non-transient error, or the attempts run out.
func (m *Manager) retry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: m.cfg.RetryMin, Max: m.cfg.RetryMax, Factor: 2, Jitter: true}
	var err error
	for i := 0; i < m.cfg.RetryAttempts; i++ {
		if err = fn(); err == nil || !ports.IsTransient(err) {
			return err
		}
		if i == m.cfg.RetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Duration()):
		}
	}
	return err
}

func (m *Manager) notify(ctx context.Context, s *slot, n domain.Notification) {
	if m.deps.Notifier == nil {
		return
	}
	n.UserID = s.profile.UserID
	n.Target = s.profile.NotifyTarget
	n.Symbol = s.profile.Symbol
	n.Timeframe = s.profile.Timeframe
	if n.Time.IsZero() {
		n.Time = m.now()
	}
	if err := m.deps.Notifier.Notify(ctx, n); err != nil {
		m.deps.Logger.Warn(ctx, "notify: Failed to deliver notification", map[string]interface{}{
			"kind":  n.Kind,
			"error": err.Error(),
		})
	}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
