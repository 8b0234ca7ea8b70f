package classifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (nopLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type memOrderRepo struct {
	mu      sync.Mutex
	orders  map[int64]*domain.Order
	updates int
	saveErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[int64]*domain.Order{}}
}

func (r *memOrderRepo) SaveOrder(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *memOrderRepo) UpdateOrderStatus(ctx context.Context, userID, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	o, ok := r.orders[orderID]
	if !ok {
		return ports.ErrNotFound
	}
	o.Status, o.ExecutedQty, o.AvgPrice = status, executedQty, avgPrice
	return nil
}

func (r *memOrderRepo) FindBotOrders(ctx context.Context) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func TestNew_Prefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{name: "default", prefix: ""},
		{name: "custom", prefix: "bot1"},
		{name: "too long", prefix: "abcde", wantErr: true},
		{name: "not alphanumeric", prefix: "t-b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.prefix, nil, nopLogger{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			id := c.NewClientOrderID()
			assert.LessOrEqual(t, len(id), 36)
			assert.True(t, c.IsBotTag(id))
		})
	}
}

func TestClassifier_NewClientOrderIDUnique(t *testing.T) {
	c, err := New("tb", nil, nopLogger{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := c.NewClientOrderID()
		assert.True(t, strings.HasPrefix(id, "tb"))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestClassifier_Classify(t *testing.T) {
	ctx := context.Background()
	c, err := New("tb", newMemOrderRepo(), nopLogger{})
	require.NoError(t, err)

	cid := c.NewClientOrderID()
	require.NoError(t, c.Register(ctx, &domain.Order{ID: 42, ClientOrderID: cid, UserID: 1, Symbol: "BTCUSDT", Purpose: domain.PurposeEntry}))

	tests := []struct {
		name     string
		userID   int64
		orderID  int64
		clientID string
		want     domain.Origin
	}{
		{name: "registered by id", userID: 1, orderID: 42, want: domain.OriginBot},
		{name: "registered by client id", userID: 1, clientID: cid, want: domain.OriginBot},
		{name: "tagged but unknown", userID: 1, orderID: 7, clientID: c.NewClientOrderID(), want: domain.OriginBot},
		{name: "web order", userID: 1, orderID: 8, clientID: "web_0bW3r8nM1", want: domain.OriginManual},
		{name: "prefix only is not a tag", userID: 1, orderID: 9, clientID: "tbmanual", want: domain.OriginManual},
		{name: "other user same id", userID: 2, orderID: 42, clientID: "ios_abc", want: domain.OriginManual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.userID, tt.orderID, tt.clientID))
		})
	}
}

func TestClassifier_EarlyStreamEventBeforePlacementReturns(t *testing.T) {
	ctx := context.Background()
	repo := newMemOrderRepo()
	c, err := New("tb", repo, nopLogger{})
	require.NoError(t, err)

	cid := c.NewClientOrderID()
	require.NoError(t, c.Register(ctx, &domain.Order{ClientOrderID: cid, UserID: 1, Symbol: "BTCUSDT", Purpose: domain.PurposeStopLoss}))
	assert.Empty(t, repo.orders, "nothing persisted before the exchange id is known")

	// The fill arrives on the stream before the REST response.
	cu := c.Observe(ctx, &ports.OrderUpdate{UserID: 1, Symbol: "BTCUSDT", OrderID: 99, ClientOrderID: cid, Status: domain.OrderStatusFilled, CumFilledQty: 0.5, AvgPrice: 98})
	assert.True(t, cu.IsBot())
	assert.Equal(t, domain.PurposeStopLoss, cu.Purpose)
	require.NotNil(t, cu.Order)
	assert.Equal(t, int64(99), cu.Order.ID)

	// The late placement response must not roll the status back.
	require.NoError(t, c.Register(ctx, &domain.Order{ID: 99, ClientOrderID: cid, UserID: 1, Symbol: "BTCUSDT", Purpose: domain.PurposeStopLoss, Status: domain.OrderStatusNew}))
	o, ok := c.Lookup(1, 99, "")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 0.5, o.ExecutedQty)
	require.Contains(t, repo.orders, int64(99))
	assert.Equal(t, domain.OriginBot, repo.orders[99].Origin)
}

func TestClassifier_ObserveManual(t *testing.T) {
	repo := newMemOrderRepo()
	c, err := New("tb", repo, nopLogger{})
	require.NoError(t, err)

	cu := c.Observe(context.Background(), &ports.OrderUpdate{UserID: 1, Symbol: "BTCUSDT", OrderID: 5, ClientOrderID: "web_x", Status: domain.OrderStatusFilled})
	assert.False(t, cu.IsBot())
	assert.Nil(t, cu.Order)
	assert.Equal(t, domain.PurposeUnknown, cu.Purpose)
	assert.Zero(t, repo.updates)
}

func TestClassifier_ObservePersistsStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMemOrderRepo()
	c, err := New("tb", repo, nopLogger{})
	require.NoError(t, err)
	cid := c.NewClientOrderID()
	require.NoError(t, c.Register(ctx, &domain.Order{ID: 10, ClientOrderID: cid, UserID: 3, Symbol: "ETHUSDT", Purpose: domain.PurposeTakeProfit}))

	c.MarkStatus(ctx, 3, &ports.OrderResponse{OrderID: 10, ClientOrderID: cid, Symbol: "ETHUSDT", Status: domain.OrderStatusPartiallyFilled, ExecutedQty: 0.2, AvgPrice: 2000})
	assert.Equal(t, 1, repo.updates)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, repo.orders[10].Status)
	assert.Equal(t, 0.2, repo.orders[10].ExecutedQty)
}

func TestClassifier_Load(t *testing.T) {
	ctx := context.Background()
	repo := newMemOrderRepo()
	repo.orders[77] = &domain.Order{ID: 77, ClientOrderID: "legacy-id", UserID: 4, Symbol: "BTCUSDT", Purpose: domain.PurposeEntry}

	c, err := New("tb", repo, nopLogger{})
	require.NoError(t, err)
	assert.Equal(t, domain.OriginManual, c.Classify(4, 77, "legacy-id"))

	require.NoError(t, c.Load(ctx))
	assert.Equal(t, domain.OriginBot, c.Classify(4, 77, ""))
	assert.Equal(t, domain.OriginBot, c.Classify(4, 0, "legacy-id"))
}

func TestClassifier_RegisterErrors(t *testing.T) {
	ctx := context.Background()
	repo := newMemOrderRepo()
	repo.saveErr = ports.ErrQueryFailed
	c, err := New("tb", repo, nopLogger{})
	require.NoError(t, err)

	err = c.Register(ctx, &domain.Order{ID: 1, UserID: 1})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	cid := c.NewClientOrderID()
	err = c.Register(ctx, &domain.Order{ID: 1, UserID: 1, ClientOrderID: cid})
	assert.True(t, errors.Is(err, ports.ErrQueryFailed))
	// Attribution still works in memory.
	assert.Equal(t, domain.OriginBot, c.Classify(1, 1, ""))
}
