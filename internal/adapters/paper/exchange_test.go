package paper

import (
	"context"
	"strings"
	"testing"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExchange(opts ...Option) *Exchange {
	x := New(1, logger.Nop(), opts...)
	x.SetPrice("BTCUSDT", 100)
	return x
}

func TestExchange_MarketOrdersAndPNL(t *testing.T) {
	ctx := context.Background()
	x := newExchange()

	resp, err := x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Buy, "0.5", ports.OrderOptions{ClientOrderID: "tbentry"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, resp.Status)
	assert.Equal(t, 100.0, resp.AvgPrice)
	assert.Equal(t, "tbentry", resp.ClientOrderID)

	risk, err := x.GetPositionRisk(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, risk)
	assert.Equal(t, 0.5, risk.PositionAmt)
	assert.Equal(t, 100.0, risk.EntryPrice)

	var updates []*ports.OrderUpdate
	_, stop, err := x.StreamUserData(ctx, func(u *ports.OrderUpdate) { updates = append(updates, u) }, nil)
	require.NoError(t, err)
	defer close(stop)

	x.SetPrice("BTCUSDT", 110)
	// Reduce-only size is clamped to the position.
	resp, err = x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, "1", ports.OrderOptions{ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 0.5, resp.ExecutedQty)
	assert.Zero(t, x.Position("BTCUSDT"))

	require.Len(t, updates, 1)
	assert.InDelta(t, 5.0, updates[0].RealizedPNL, 1e-9)
	assert.True(t, updates[0].IsFill())

	risk, err = x.GetPositionRisk(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, risk)

	_, err = x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, "1", ports.OrderOptions{ReduceOnly: true})
	assert.ErrorIs(t, err, ports.ErrOrderRejected, "nothing to reduce")
}

func TestExchange_FlipAveragesAndResets(t *testing.T) {
	ctx := context.Background()
	x := newExchange()
	_, err := x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Buy, "1", ports.OrderOptions{})
	require.NoError(t, err)
	x.SetPrice("BTCUSDT", 120)
	_, err = x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Buy, "1", ports.OrderOptions{})
	require.NoError(t, err)

	risk, _ := x.GetPositionRisk(ctx, "BTCUSDT")
	assert.Equal(t, 2.0, risk.PositionAmt)
	assert.Equal(t, 110.0, risk.EntryPrice)

	_, err = x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, "3", ports.OrderOptions{})
	require.NoError(t, err)
	risk, _ = x.GetPositionRisk(ctx, "BTCUSDT")
	assert.Equal(t, -1.0, risk.PositionAmt)
	assert.Equal(t, 120.0, risk.EntryPrice)
}

func TestExchange_RestingOrders(t *testing.T) {
	ctx := context.Background()
	x := newExchange()
	_, err := x.PlaceMarketOrder(ctx, "BTCUSDT", domain.Buy, "1", ports.OrderOptions{})
	require.NoError(t, err)

	sl, err := x.PlaceStopMarketOrder(ctx, "BTCUSDT", domain.Sell, "1", "98", ports.OrderOptions{ReduceOnly: true})
	require.NoError(t, err)
	tp, err := x.PlaceTakeProfitMarketOrder(ctx, "BTCUSDT", domain.Sell, "1", "105", ports.OrderOptions{ReduceOnly: true})
	require.NoError(t, err)
	assert.Len(t, x.OpenOrders("BTCUSDT"), 2)

	_, err = x.PlaceStopMarketOrder(ctx, "BTCUSDT", domain.Sell, "1", "101", ports.OrderOptions{ReduceOnly: true})
	assert.ErrorIs(t, err, ports.ErrOrderRejected, "would trigger immediately")

	x.SetPrice("BTCUSDT", 97.5)
	got, err := x.GetOrder(ctx, "BTCUSDT", sl.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 97.5, got.AvgPrice)
	assert.Zero(t, x.Position("BTCUSDT"))

	// The sibling is still resting until someone cancels it.
	_, err = x.CancelOrder(ctx, "BTCUSDT", tp.OrderID)
	require.NoError(t, err)
	_, err = x.CancelOrder(ctx, "BTCUSDT", tp.OrderID)
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
	_, err = x.GetOrder(ctx, "BTCUSDT", 1)
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestExchange_LimitOrders(t *testing.T) {
	ctx := context.Background()
	x := newExchange(WithSpread(0.002))
	book, err := x.GetBookTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 99.9, book.BidPrice, 1e-9)
	assert.InDelta(t, 100.1, book.AskPrice, 1e-9)

	resp, err := x.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, "1", "100.1", ports.OrderOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, resp.Status)

	x.HoldLimitOrders(true)
	resp, err = x.PlaceLimitOrder(ctx, "BTCUSDT", domain.Sell, "1", "99.9", ports.OrderOptions{ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, resp.Status)
	assert.Equal(t, 1.0, x.Position("BTCUSDT"))

	x.HoldLimitOrders(false)
	x.SetPrice("BTCUSDT", 100)
	got, _ := x.GetOrder(ctx, "BTCUSDT", resp.OrderID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 99.9, got.AvgPrice)
}

func TestExchange_ManualOrdersAndOptions(t *testing.T) {
	ctx := context.Background()
	x := newExchange(WithProtectiveOrders(false))
	assert.False(t, x.SupportsProtectiveOrders())

	var updates []*ports.OrderUpdate
	_, stop, err := x.StreamUserData(ctx, func(u *ports.OrderUpdate) { updates = append(updates, u) }, nil)
	require.NoError(t, err)
	defer close(stop)

	_, err = x.ExecuteManual("BTCUSDT", domain.Sell, 0.25)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.True(t, strings.HasPrefix(updates[0].ClientOrderID, "web_"))
	assert.Equal(t, int64(1), updates[0].UserID)
	assert.Equal(t, -0.25, x.Position("BTCUSDT"))

	_, err = x.PlaceStopMarketOrder(ctx, "BTCUSDT", domain.Buy, "0.25", "110", ports.OrderOptions{ReduceOnly: true})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	x.InjectError("GetTickerPrice", ports.ErrTimeout)
	_, err = x.GetTickerPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ports.ErrTimeout)
	p, err := x.GetTickerPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)
	assert.Equal(t, 2, x.Calls("GetTickerPrice"))

	_, err = x.GetTickerPrice(ctx, "NOPEUSDT")
	assert.ErrorIs(t, err, ports.ErrInvalidSymbol)
}
