package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/metrics"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/utils"
)

// Levels are the stop-loss and take-profit prices of a position. Zero disables a leg.
type Levels struct {
	StopLoss   float64
	TakeProfit float64
}

// ComputeLevels derives SL/TP prices for a position entered at entry.
func ComputeLevels(cfg domain.ProtectionConfig, side domain.Side, entry, atr float64, precision int) (Levels, error) {
	if side != domain.SideLong && side != domain.SideShort {
		return Levels{}, fmt.Errorf("cannot protect a %s position", side)
	}
	if entry <= 0 {
		return Levels{}, fmt.Errorf("entry price must be positive, got %f", entry)
	}
	dir := 1.0
	if side == domain.SideShort {
		dir = -1
	}

	var lv Levels
	switch cfg.Mode {
	case domain.ProtectionPercent, "":
		if cfg.StopLossPct > 0 {
			lv.StopLoss = entry * (1 - dir*cfg.StopLossPct/100)
		}
		if cfg.TakeProfitPct > 0 {
			lv.TakeProfit = entry * (1 + dir*cfg.TakeProfitPct/100)
		}
	case domain.ProtectionATR:
		if cfg.StopLossATR == 0 && cfg.TakeProfitATR == 0 {
			break
		}
		if atr <= 0 {
			return Levels{}, fmt.Errorf("ATR protection requires a positive ATR")
		}
		if cfg.StopLossATR > 0 {
			lv.StopLoss = entry - dir*cfg.StopLossATR*atr
		}
		if cfg.TakeProfitATR > 0 {
			lv.TakeProfit = entry + dir*cfg.TakeProfitATR*atr
		}
	case domain.ProtectionPrice:
		lv.StopLoss, lv.TakeProfit = cfg.StopLossPrice, cfg.TakeProfitPrice
		if lv.StopLoss > 0 && (lv.StopLoss-entry)*dir >= 0 {
			return Levels{}, fmt.Errorf("stop loss %f is on the wrong side of entry %f for a %s position", lv.StopLoss, entry, side)
		}
		if lv.TakeProfit > 0 && (lv.TakeProfit-entry)*dir <= 0 {
			return Levels{}, fmt.Errorf("take profit %f is on the wrong side of entry %f for a %s position", lv.TakeProfit, entry, side)
		}
	default:
		return Levels{}, fmt.Errorf("unsupported protection mode: %s", cfg.Mode)
	}

	if lv.StopLoss < 0 {
		lv.StopLoss = 0
	}
	lv.StopLoss = utils.RoundPrice(lv.StopLoss, precision)
	lv.TakeProfit = utils.RoundPrice(lv.TakeProfit, precision)
	return lv, nil
}

// Check reports whether price crossed a level of pos. The stop loss wins if both did.
func Check(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	if pos == nil || !pos.HasExposure() || price <= 0 {
		return "", false
	}
	switch pos.Side {
	case domain.SideLong:
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
	case domain.SideShort:
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
	}
	return "", false
}

// Registrar tags and records bot orders.
type Registrar interface {
	NewClientOrderID() string
	Register(ctx context.Context, order *domain.Order) error
}

// Manager places and cancels the protective legs of positions.
type Manager struct {
	logger    ports.Logger
	registrar Registrar
	metrics   *metrics.Metrics
}

// NewManager creates a protection manager.
func NewManager(logger ports.Logger, registrar Registrar, m *metrics.Metrics) (*Manager, error) {
	if logger == nil || registrar == nil {
		return nil, fmt.Errorf("missing required dependencies for risk manager")
	}
	return &Manager{logger: logger, registrar: registrar, metrics: m}, nil
}

// Protect replaces the protection of pos. Levels are always computed so the candle check works;
// resting orders are placed only when the client supports them and the profile asks for them.
// A leg whose placement fails is left to polling and reported in the returned error.
func (m *Manager) Protect(ctx context.Context, client ports.ExchangeClient, pos *domain.Position, at *domain.AutoTrade, atr float64) error {
	op := "Protect"
	if err := m.Cancel(ctx, client, pos); err != nil {
		m.logger.Warn(ctx, op+": Failed to cancel previous protection", map[string]interface{}{
			"symbol": pos.Symbol,
			"error":  err.Error(),
		})
	}

	var cfg domain.ProtectionConfig
	if at != nil {
		cfg = at.Protection
	}
	lv, err := ComputeLevels(cfg, pos.Side, pos.EntryPrice, atr, at.PxPrecision())
	if err != nil {
		pos.StopLoss, pos.TakeProfit = 0, 0
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	pos.StopLoss, pos.TakeProfit = lv.StopLoss, lv.TakeProfit
	m.logger.Info(ctx, op+": Protection levels set", map[string]interface{}{
		"userID":     pos.UserID,
		"symbol":     pos.Symbol,
		"side":       pos.Side,
		"entry":      pos.EntryPrice,
		"stopLoss":   lv.StopLoss,
		"takeProfit": lv.TakeProfit,
	})

	if !cfg.Resting || !client.SupportsProtectiveOrders() {
		return nil
	}

	qty := utils.FormatQuantity(pos.Quantity, at.QtyPrecision())
	closeSide := pos.Side.CloseOrderSide()
	var errs []error
	if lv.StopLoss > 0 {
		id, err := m.placeLeg(ctx, client, pos, domain.PurposeStopLoss, closeSide, qty, utils.FormatPrice(lv.StopLoss, at.PxPrecision()))
		if err != nil {
			errs = append(errs, fmt.Errorf("stop loss: %w", err))
		} else {
			pos.StopLossOrderID = &id
		}
	}
	if lv.TakeProfit > 0 {
		id, err := m.placeLeg(ctx, client, pos, domain.PurposeTakeProfit, closeSide, qty, utils.FormatPrice(lv.TakeProfit, at.PxPrecision()))
		if err != nil {
			errs = append(errs, fmt.Errorf("take profit: %w", err))
		} else {
			pos.TakeProfitOrderID = &id
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrOrderPlacementFailed, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) placeLeg(ctx context.Context, client ports.ExchangeClient, pos *domain.Position, purpose domain.OrderPurpose, side domain.OrderSide, qty, stopPrice string) (string, error) {
	op := "placeLeg"
	cid := m.registrar.NewClientOrderID()
	orderType := domain.OrderTypeStopMarket
	if purpose == domain.PurposeTakeProfit {
		orderType = domain.OrderTypeTakeProfitMarket
	}
	order := &domain.Order{
		ClientOrderID: cid,
		UserID:        pos.UserID,
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          orderType,
		Purpose:       purpose,
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
	}
	if err := m.registrar.Register(ctx, order); err != nil {
		return "", err
	}

	opts := ports.OrderOptions{ClientOrderID: cid, ReduceOnly: true}
	var resp *ports.OrderResponse
	var err error
	if purpose == domain.PurposeTakeProfit {
		resp, err = client.PlaceTakeProfitMarketOrder(ctx, pos.Symbol, side, qty, stopPrice, opts)
	} else {
		resp, err = client.PlaceStopMarketOrder(ctx, pos.Symbol, side, qty, stopPrice, opts)
	}
	m.metrics.OrderPlaced(string(purpose), err)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to place protective order", map[string]interface{}{
			"symbol":    pos.Symbol,
			"purpose":   purpose,
			"stopPrice": stopPrice,
		})
		return "", err
	}

	order.ID = resp.OrderID
	order.StopPrice = resp.StopPrice
	order.Status = resp.Status
	if err := m.registrar.Register(ctx, order); err != nil {
		m.logger.Warn(ctx, op+": Protective order placed but not persisted", map[string]interface{}{
			"orderID": resp.OrderID,
			"error":   err.Error(),
		})
	}
	m.logger.Info(ctx, op+": Protective order placed", map[string]interface{}{
		"symbol":    pos.Symbol,
		"purpose":   purpose,
		"orderID":   resp.OrderID,
		"stopPrice": stopPrice,
	})
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// Cancel removes both resting legs of pos. Orders already gone are ignored.
func (m *Manager) Cancel(ctx context.Context, client ports.ExchangeClient, pos *domain.Position) error {
	var errs []error
	if pos.StopLossOrderID != nil {
		if err := m.cancelOrderWarn(ctx, client, pos.Symbol, *pos.StopLossOrderID, "SL"); err != nil {
			errs = append(errs, err)
		} else {
			pos.StopLossOrderID = nil
		}
	}
	if pos.TakeProfitOrderID != nil {
		if err := m.cancelOrderWarn(ctx, client, pos.Symbol, *pos.TakeProfitOrderID, "TP"); err != nil {
			errs = append(errs, err)
		} else {
			pos.TakeProfitOrderID = nil
		}
	}
	return errors.Join(errs...)
}

// CancelLeg removes one resting leg.
func (m *Manager) CancelLeg(ctx context.Context, client ports.ExchangeClient, pos *domain.Position, reason domain.CloseReason) error {
	switch reason {
	case domain.CloseReasonStopLoss:
		if pos.StopLossOrderID == nil {
			return nil
		}
		if err := m.cancelOrderWarn(ctx, client, pos.Symbol, *pos.StopLossOrderID, "SL"); err != nil {
			return err
		}
		pos.StopLossOrderID = nil
	case domain.CloseReasonTakeProfit:
		if pos.TakeProfitOrderID == nil {
			return nil
		}
		if err := m.cancelOrderWarn(ctx, client, pos.Symbol, *pos.TakeProfitOrderID, "TP"); err != nil {
			return err
		}
		pos.TakeProfitOrderID = nil
	}
	return nil
}

// RestingFilled reports whether the exchange already executed the resting leg for reason.
func (m *Manager) RestingFilled(ctx context.Context, client ports.ExchangeClient, pos *domain.Position, reason domain.CloseReason) (*ports.OrderResponse, bool, error) {
	var idStr *string
	switch reason {
	case domain.CloseReasonStopLoss:
		idStr = pos.StopLossOrderID
	case domain.CloseReasonTakeProfit:
		idStr = pos.TakeProfitOrderID
	}
	if idStr == nil {
		return nil, false, nil
	}
	id, err := strconv.ParseInt(*idStr, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("invalid order id %q: %w", *idStr, err)
	}
	resp, err := client.GetOrder(ctx, pos.Symbol, id)
	if err != nil {
		return nil, false, err
	}
	return resp, resp.Status == domain.OrderStatusFilled, nil
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
func (m *Manager) cancelOrderWarn(ctx context.Context, client ports.ExchangeClient, symbol, idStr, orderType string) error {
	op := "cancelOrderWarn"
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		m.logger.Warn(ctx, op+": Unparseable order id, dropping it", map[string]interface{}{"orderID": idStr, "type": orderType})
		return nil
	}
	_, err = client.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		// Already filled or cancelled.
		if errors.Is(err, ports.ErrOrderNotFound) {
			m.logger.Warn(ctx, op+": Order not found, likely already filled or cancelled", map[string]interface{}{"orderID": orderID, "type": orderType})
			return nil
		}
		m.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"orderID": orderID, "type": orderType})
		return err
	}
	m.logger.Info(ctx, op+": Order cancelled successfully", map[string]interface{}{"orderID": orderID, "type": orderType})
	return nil
}
