package binanceclient

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// --- Translation Helpers ---

func parseOr0(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// avgFromQuote derives the average fill price where the exchange omits it.
func avgFromQuote(cumQuote, executed string) float64 {
	q, qty := parseOr0(cumQuote), parseOr0(executed)
	if qty == 0 {
		return 0
	}
	return q / qty
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	avg := parseOr0(order.AvgPrice)
	if avg == 0 {
		avg = avgFromQuote(order.CumQuote, order.ExecutedQuantity)
	}
	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         parseOr0(order.Price),
		AvgPrice:      avg,
		OrigQuantity:  parseOr0(order.OrigQuantity),
		ExecutedQty:   parseOr0(order.ExecutedQuantity),
		StopPrice:     parseOr0(order.StopPrice),
		Status:        domain.OrderStatus(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		ReduceOnly:    order.ReduceOnly,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translateCancelResponse(res *futures.CancelOrderResponse) *ports.OrderResponse {
	if res == nil {
		return nil
	}
	return &ports.OrderResponse{
		OrderID:       res.OrderID,
		Symbol:        res.Symbol,
		ClientOrderID: res.ClientOrderID,
		Price:         parseOr0(res.Price),
		AvgPrice:      avgFromQuote(res.CumQuote, res.ExecutedQuantity),
		OrigQuantity:  parseOr0(res.OrigQuantity),
		ExecutedQty:   parseOr0(res.ExecutedQuantity),
		StopPrice:     parseOr0(res.StopPrice),
		Status:        domain.OrderStatus(res.Status),
		TimeInForce:   string(res.TimeInForce),
		Type:          string(res.Type),
		Side:          string(res.Side),
		ReduceOnly:    res.ReduceOnly,
		Timestamp:     time.UnixMilli(res.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	avg := parseOr0(order.AvgPrice)
	if avg == 0 {
		avg = avgFromQuote(order.CumQuote, order.ExecutedQuantity)
	}
	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         parseOr0(order.Price),
		AvgPrice:      avg,
		OrigQuantity:  parseOr0(order.OrigQuantity),
		ExecutedQty:   parseOr0(order.ExecutedQuantity),
		StopPrice:     parseOr0(order.StopPrice),
		Status:        domain.OrderStatus(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		ReduceOnly:    order.ReduceOnly,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) *ports.PositionRisk {
	if pos == nil {
		return nil
	}
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is string in go-binance
	isAutoAdd, _ := strconv.ParseBool(pos.IsAutoAddMargin)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      parseOr0(pos.PositionAmt),
		EntryPrice:       parseOr0(pos.EntryPrice),
		MarkPrice:        parseOr0(pos.MarkPrice),
		UnRealizedProfit: parseOr0(pos.UnRealizedProfit),
		LiquidationPrice: parseOr0(pos.LiquidationPrice),
		Leverage:         leverage,
		MarginType:       pos.MarginType,
		IsolatedMargin:   parseOr0(pos.IsolatedMargin),
		IsAutoAddMargin:  isAutoAdd,
		MaxNotionalValue: parseOr0(pos.MaxNotionalValue),
	}
}

func translateBookTicker(bt *futures.BookTicker) (*ports.BookTicker, error) {
	if bt == nil {
		return nil, errors.New("received nil book ticker")
	}
	bid, err := strconv.ParseFloat(bt.BidPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing bid price '%s': %w", bt.BidPrice, err)
	}
	ask, err := strconv.ParseFloat(bt.AskPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing ask price '%s': %w", bt.AskPrice, err)
	}
	return &ports.BookTicker{
		Symbol:   bt.Symbol,
		BidPrice: bid,
		BidQty:   parseOr0(bt.BidQuantity),
		AskPrice: ask,
		AskQty:   parseOr0(bt.AskQuantity),
	}, nil
}

// klineRow is the market-independent shape of a REST kline.
type klineRow struct {
	openTime, closeTime            int64
	open, high, low, close, volume string
}

func futuresRows(klines []*futures.Kline) []klineRow {
	rows := make([]klineRow, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		rows = append(rows, klineRow{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
	}
	return rows
}

func spotRows(klines []*binance.Kline) []klineRow {
	rows := make([]klineRow, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		rows = append(rows, klineRow{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
	}
	return rows
}

func translateRows(rows []klineRow, symbol, interval string) ([]*domain.Kline, error) {
	out := make([]*domain.Kline, 0, len(rows))
	for _, r := range rows {
		k, err := translateRow(r, symbol, interval)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func translateRow(r klineRow, symbol, interval string) (*domain.Kline, error) {
	open, err := strconv.ParseFloat(r.open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", r.open, err)
	}
	high, err := strconv.ParseFloat(r.high, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", r.high, err)
	}
	low, err := strconv.ParseFloat(r.low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", r.low, err)
	}
	cls, err := strconv.ParseFloat(r.close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", r.close, err)
	}
	vol, err := strconv.ParseFloat(r.volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", r.volume, err)
	}

	// Finality is decided by the aggregator against its clock.
	return &domain.Kline{
		OpenTime:  time.UnixMilli(r.openTime).UTC(),
		CloseTime: time.UnixMilli(r.closeTime).UTC(),
		Symbol:    symbol, // Not part of the REST payload
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}

// translateOrderUpdate maps an ORDER_TRADE_UPDATE event. Other event types return nil.
func translateOrderUpdate(userID int64, event *futures.WsUserDataEvent) *ports.OrderUpdate {
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return nil
	}
	o := event.OrderTradeUpdate
	ts := o.TradeTime
	if ts == 0 {
		ts = event.Time
	}
	return &ports.OrderUpdate{
		UserID:          userID,
		Symbol:          o.Symbol,
		OrderID:         o.ID,
		ClientOrderID:   o.ClientOrderID,
		Side:            domain.OrderSide(o.Side),
		Type:            string(o.Type),
		Status:          domain.OrderStatus(o.Status),
		ExecutionType:   string(o.ExecutionType),
		OrigQty:         parseOr0(o.OriginalQty),
		LastFilledQty:   parseOr0(o.LastFilledQty),
		CumFilledQty:    parseOr0(o.AccumulatedFilledQty),
		LastFilledPrice: parseOr0(o.LastFilledPrice),
		AvgPrice:        parseOr0(o.AveragePrice),
		StopPrice:       parseOr0(o.StopPrice),
		ReduceOnly:      o.IsReduceOnly,
		RealizedPNL:     parseOr0(o.RealizedPnL),
		Time:            time.UnixMilli(ts).UTC(),
	}
}
