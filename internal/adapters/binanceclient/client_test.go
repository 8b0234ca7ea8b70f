package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "key", SecretKey: "secret", UserID: 7, Logger: logger.Nop()})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "logger is required")

	c := newTestClient(t)
	assert.Equal(t, baseURLProduction, c.futuresClient.BaseURL)
	assert.Equal(t, spotBaseURLProduction, c.spotClient.BaseURL)
	assert.Equal(t, time.Second, c.reconnectDelay)
	assert.Equal(t, 10, c.maxReconnectAttempts)
	assert.True(t, c.SupportsProtectiveOrders())
}

func TestHandleError(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"rate limited", &common.APIError{Code: -1003, Message: "Too many requests"}, ports.ErrRateLimited},
		{"recv window", &common.APIError{Code: -1021, Message: "Timestamp outside recvWindow"}, ports.ErrTimeout},
		{"bad signature", &common.APIError{Code: -1022, Message: "Signature invalid"}, ports.ErrAuthenticationFailed},
		{"bad parameter", &common.APIError{Code: -1102, Message: "Mandatory parameter missing"}, ports.ErrInvalidRequest},
		{"invalid symbol code", &common.APIError{Code: -1121, Message: "Invalid symbol."}, ports.ErrInvalidSymbol},
		{"invalid symbol message", &common.APIError{Code: -9999, Message: "Invalid symbol status"}, ports.ErrInvalidSymbol},
		{"unknown order", &common.APIError{Code: -2013, Message: "Order does not exist."}, ports.ErrOrderNotFound},
		{"bad keys", &common.APIError{Code: -2015, Message: "Invalid API-key"}, ports.ErrInvalidAPIKeys},
		{"margin", &common.APIError{Code: -2019, Message: "Margin is insufficient."}, ports.ErrInsufficientFunds},
		{"reduce only", &common.APIError{Code: -2022, Message: "ReduceOnly Order is rejected."}, ports.ErrOrderRejected},
		{"unmapped api", &common.APIError{Code: -9999, Message: "something new"}, ports.ErrUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ports.ErrTimeout},
		{"canceled", context.Canceled, ports.ErrContextCanceled},
		{"connection", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed},
		{"other", errors.New("boom"), ports.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.handleError(ctx, tt.err, "Op")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
			assert.ErrorIs(t, err, tt.err, "original error stays in the chain")
		})
	}

	assert.NoError(t, c.handleError(ctx, nil, "Op"))
}

func TestErrorClassification(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	assert.True(t, ports.IsTransient(c.handleError(ctx, &common.APIError{Code: -1003}, "Op")))
	assert.True(t, ports.IsRejection(c.handleError(ctx, &common.APIError{Code: -2019}, "Op")))
	assert.True(t, ports.IsFatal(c.handleError(ctx, &common.APIError{Code: -1121}, "Op")))
	assert.False(t, ports.IsTransient(c.handleError(ctx, context.Canceled, "Op")))
}

func TestTranslateRow(t *testing.T) {
	open := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := futuresRows([]*futures.Kline{
		{OpenTime: open.UnixMilli(), CloseTime: open.Add(time.Minute).UnixMilli() - 1,
			Open: "100.5", High: "101", Low: "99.75", Close: "100.25", Volume: "12.5"},
		nil,
	})
	require.Len(t, rows, 1)

	klines, err := translateRows(rows, "BTCUSDT", "1m")
	require.NoError(t, err)
	require.Len(t, klines, 1)
	k := klines[0]
	assert.Equal(t, open, k.OpenTime)
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.Equal(t, "1m", k.Interval)
	assert.Equal(t, 100.5, k.Open)
	assert.Equal(t, 99.75, k.Low)
	assert.Equal(t, 12.5, k.Volume)
	assert.False(t, k.IsFinal)

	_, err = translateRows([]klineRow{{open: "x"}}, "BTCUSDT", "1m")
	assert.Error(t, err)
}

func TestTranslateOrders(t *testing.T) {
	created := translateOrderResponse(&futures.CreateOrderResponse{
		OrderID: 11, Symbol: "BTCUSDT", ClientOrderID: "tb-1", ExecutedQuantity: "0.5",
		CumQuote: "50", OrigQuantity: "0.5", Status: futures.OrderStatusTypeFilled, ReduceOnly: true,
		Side: futures.SideTypeSell, Type: futures.OrderTypeMarket,
	})
	assert.Equal(t, int64(11), created.OrderID)
	assert.Equal(t, 100.0, created.AvgPrice, "average derived from cumulative quote")
	assert.Equal(t, domain.OrderStatusFilled, created.Status)
	assert.True(t, created.ReduceOnly)

	canceled := translateCancelResponse(&futures.CancelOrderResponse{
		OrderID: 12, ExecutedQuantity: "0", CumQuote: "0", Status: futures.OrderStatusTypeCanceled,
	})
	assert.Equal(t, domain.OrderStatusCanceled, canceled.Status)
	assert.Zero(t, canceled.AvgPrice)

	got := translateOrder(&futures.Order{OrderID: 13, AvgPrice: "101.5", ExecutedQuantity: "1", StopPrice: "98"})
	assert.Equal(t, 101.5, got.AvgPrice)
	assert.Equal(t, 98.0, got.StopPrice)

	assert.Nil(t, translateOrderResponse(nil))
	assert.Nil(t, translateOrder(nil))
}

func TestTranslatePositionRisk(t *testing.T) {
	pr := translatePositionRisk(&futures.PositionRisk{
		Symbol: "BTCUSDT", PositionAmt: "-0.25", EntryPrice: "100", Leverage: "5", MarginType: "isolated",
	})
	assert.Equal(t, -0.25, pr.PositionAmt)
	assert.Equal(t, 5, pr.Leverage)
	assert.Equal(t, domain.SideShort, domain.SideFromAmount(pr.PositionAmt))
}

func TestTranslateBookTicker(t *testing.T) {
	bt, err := translateBookTicker(&futures.BookTicker{Symbol: "BTCUSDT", BidPrice: "99.9", AskPrice: "100.1", BidQuantity: "3"})
	require.NoError(t, err)
	assert.Equal(t, 99.9, bt.BidPrice)
	assert.Equal(t, 100.1, bt.AskPrice)
	assert.Equal(t, 3.0, bt.BidQty)

	_, err = translateBookTicker(&futures.BookTicker{BidPrice: "bad"})
	assert.Error(t, err)
	_, err = translateBookTicker(nil)
	assert.Error(t, err)
}

func TestTranslateOrderUpdate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	event := &futures.WsUserDataEvent{
		Event: futures.UserDataEventTypeOrderTradeUpdate,
		Time:  ts.UnixMilli(),
		WsUserDataOrderTradeUpdate: futures.WsUserDataOrderTradeUpdate{
			OrderTradeUpdate: futures.WsOrderTradeUpdate{
				Symbol: "BTCUSDT", ClientOrderID: "manual-1", Side: futures.SideTypeBuy,
				Type: futures.OrderTypeMarket, Status: futures.OrderStatusTypeFilled,
				ExecutionType: futures.OrderExecutionTypeTrade, ID: 99,
				OriginalQty: "1", LastFilledQty: "1", AccumulatedFilledQty: "1",
				LastFilledPrice: "100", AveragePrice: "100", RealizedPnL: "0",
			},
		},
	}

	u := translateOrderUpdate(7, event)
	require.NotNil(t, u)
	assert.Equal(t, int64(7), u.UserID)
	assert.Equal(t, int64(99), u.OrderID)
	assert.Equal(t, domain.Buy, u.Side)
	assert.Equal(t, domain.OrderStatusFilled, u.Status)
	assert.Equal(t, 1.0, u.CumFilledQty)
	assert.Equal(t, ts, u.Time, "falls back to the event time")
	assert.True(t, u.IsFill())

	assert.Nil(t, translateOrderUpdate(7, &futures.WsUserDataEvent{Event: futures.UserDataEventTypeAccountUpdate}))
	assert.Nil(t, translateOrderUpdate(7, nil))
}
