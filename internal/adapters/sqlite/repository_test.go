package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "trading-bot-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func openPosition(userID int64, symbol string) *domain.Position {
	sl := "1001"
	return &domain.Position{
		UserID:          userID,
		Symbol:          symbol,
		Side:            domain.SideLong,
		State:           domain.StateOpen,
		Origin:          domain.OriginBot,
		EntryPrice:      2000.0,
		Quantity:        1.0,
		Leverage:        4,
		StopLoss:        1900.0,
		TakeProfit:      2200.0,
		StopLossOrderID: &sl,
		EntryTime:       time.Now(),
		Status:          domain.StatusOpen,
	}
}

func TestRepository_CreateAndFindPosition(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Repository) error
		pos     *domain.Position
		wantErr error
	}{
		{
			name: "valid position",
			pos:  openPosition(1, "ETHUSDT"),
		},
		{
			name: "duplicate open position",
			setup: func(r *Repository) error {
				_, err := r.Create(context.Background(), openPosition(1, "ETHUSDT"))
				return err
			},
			pos:     openPosition(1, "ETHUSDT"),
			wantErr: ports.ErrDuplicateEntry,
		},
		{
			name: "same symbol for another user",
			setup: func(r *Repository) error {
				_, err := r.Create(context.Background(), openPosition(1, "ETHUSDT"))
				return err
			},
			pos: openPosition(2, "ETHUSDT"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()
			if tt.setup != nil {
				require.NoError(t, tt.setup(repo))
			}

			id, err := repo.Create(ctx, tt.pos)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Greater(t, id, int64(0))

			found, err := repo.FindByID(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, found)

			assert.Equal(t, tt.pos.UserID, found.UserID)
			assert.Equal(t, tt.pos.Symbol, found.Symbol)
			assert.Equal(t, tt.pos.Side, found.Side)
			assert.Equal(t, tt.pos.State, found.State)
			assert.Equal(t, tt.pos.Origin, found.Origin)
			assert.Equal(t, tt.pos.EntryPrice, found.EntryPrice)
			assert.Equal(t, tt.pos.Quantity, found.Quantity)
			assert.Equal(t, tt.pos.Leverage, found.Leverage)
			assert.Equal(t, tt.pos.StopLoss, found.StopLoss)
			assert.Equal(t, tt.pos.TakeProfit, found.TakeProfit)
			assert.Equal(t, tt.pos.StopLossOrderID, found.StopLossOrderID)
			assert.Nil(t, found.TakeProfitOrderID)
			assert.Equal(t, tt.pos.Status, found.Status)
			assert.WithinDuration(t, tt.pos.EntryTime, found.EntryTime, time.Second)
		})
	}
}

func TestRepository_UpdatePosition(t *testing.T) {
	tests := []struct {
		name    string
		create  bool
		update  func(*domain.Position)
		wantErr error
	}{
		{
			name:   "close position",
			create: true,
			update: func(p *domain.Position) {
				p.Status = domain.StatusClosed
				p.State = domain.StateFlat
				p.ExitPrice = 2100.0
				p.ExitTime = time.Now()
				p.PNL = 100.0
				p.CloseReason = domain.CloseReasonTakeProfit
				p.StopLossOrderID = nil
			},
		},
		{
			name:   "halt position",
			create: true,
			update: func(p *domain.Position) {
				p.State = domain.StateHalted
				p.HaltReason = "close not filled"
				p.Origin = domain.OriginMixed
			},
		},
		{
			name: "update non-existent position",
			update: func(p *domain.Position) {
				p.ID = 999
				p.Status = domain.StatusClosed
			},
			wantErr: ports.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()
			pos := openPosition(1, "ETHUSDT")
			if tt.create {
				_, err := repo.Create(ctx, pos)
				require.NoError(t, err)
			}

			tt.update(pos)
			err := repo.Update(ctx, pos)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			found, err := repo.FindByID(ctx, pos.ID)
			require.NoError(t, err)
			require.NotNil(t, found)

			assert.Equal(t, pos.Status, found.Status)
			assert.Equal(t, pos.State, found.State)
			assert.Equal(t, pos.Origin, found.Origin)
			assert.Equal(t, pos.ExitPrice, found.ExitPrice)
			assert.Equal(t, pos.PNL, found.PNL)
			assert.Equal(t, pos.CloseReason, found.CloseReason)
			assert.Equal(t, pos.HaltReason, found.HaltReason)
			assert.Equal(t, pos.StopLossOrderID, found.StopLossOrderID)
		})
	}
}

func TestRepository_FindOpen(t *testing.T) {
	tests := []struct {
		name   string
		userID int64
		symbol string
		setup  func(*Repository) error
		want   *domain.Position
	}{
		{
			name:   "find existing open position",
			userID: 1,
			symbol: "ETHUSDT",
			setup: func(r *Repository) error {
				_, err := r.Create(context.Background(), openPosition(1, "ETHUSDT"))
				return err
			},
			want: openPosition(1, "ETHUSDT"),
		},
		{
			name:   "other user's position is invisible",
			userID: 2,
			symbol: "ETHUSDT",
			setup: func(r *Repository) error {
				_, err := r.Create(context.Background(), openPosition(1, "ETHUSDT"))
				return err
			},
		},
		{
			name:   "closed position is not open",
			userID: 1,
			symbol: "ETHUSDT",
			setup: func(r *Repository) error {
				p := openPosition(1, "ETHUSDT")
				if _, err := r.Create(context.Background(), p); err != nil {
					return err
				}
				p.Status = domain.StatusClosed
				return r.Update(context.Background(), p)
			},
		},
		{
			name:   "no open position",
			userID: 1,
			symbol: "BTCUSDT",
			setup:  func(r *Repository) error { return nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()
			require.NoError(t, tt.setup(repo))

			got, err := repo.FindOpen(ctx, tt.userID, tt.symbol)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.Side, got.Side)
			assert.Equal(t, tt.want.EntryPrice, got.EntryPrice)
			assert.Equal(t, tt.want.Quantity, got.Quantity)
			assert.Equal(t, tt.want.Status, got.Status)
		})
	}
}

func TestRepository_ReopenAfterClose(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := openPosition(1, "ETHUSDT")
	_, err := repo.Create(ctx, first)
	require.NoError(t, err)
	first.Status = domain.StatusClosed
	require.NoError(t, repo.Update(ctx, first))

	_, err = repo.Create(ctx, openPosition(1, "ETHUSDT"))
	require.NoError(t, err)

	open, err := repo.FindAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Reopening the closed row would break the one-open invariant.
	first.Status = domain.StatusOpen
	assert.ErrorIs(t, repo.Update(ctx, first), ports.ErrDuplicateEntry)
}

func TestRepository_GetTotalProfit(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Repository) error
		want  float64
	}{
		{
			name: "multiple closed positions",
			setup: func(r *Repository) error {
				for i, symbol := range []string{"ETHUSDT", "BTCUSDT", "SOLUSDT"} {
					pos := openPosition(1, symbol)
					if i == 2 {
						pos.UserID = 2
					}
					if _, err := r.Create(context.Background(), pos); err != nil {
						return err
					}
					pos.Status = domain.StatusClosed
					pos.ExitTime = time.Now()
					pos.PNL = 100.0
					if err := r.Update(context.Background(), pos); err != nil {
						return err
					}
				}
				return nil
			},
			want: 200.0, // user 2's position is excluded
		},
		{
			name:  "no closed positions",
			setup: func(r *Repository) error { return nil },
			want:  0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()
			require.NoError(t, tt.setup(repo))

			got, err := repo.GetTotalProfit(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepository_Trades(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	trades := []*domain.Trade{
		{UserID: 1, Symbol: "ETHUSDT", Side: domain.SideLong, Origin: domain.OriginBot, PNL: 10, EntryTime: now.Add(-time.Minute), ExitTime: now, CloseReason: domain.CloseReasonReversal, PositionID: 7},
		{UserID: 1, Symbol: "ETHUSDT", Side: domain.SideShort, Origin: domain.OriginManual, PNL: -4, EntryTime: now, ExitTime: now},
		{UserID: 1, Symbol: "ETHUSDT", Side: domain.SideLong, Origin: domain.OriginBot, PNL: 3, EntryTime: now.Add(-72 * time.Hour), ExitTime: now.Add(-71 * time.Hour)},
		{UserID: 2, Symbol: "ETHUSDT", Side: domain.SideLong, Origin: domain.OriginBot, PNL: 50, EntryTime: now, ExitTime: now},
	}
	for _, tr := range trades {
		id, err := repo.CreateTrade(ctx, tr)
		require.NoError(t, err)
		assert.Equal(t, id, tr.ID)
	}

	got, err := repo.FindBySymbol(ctx, 1, "ETHUSDT", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.OriginManual, got[0].Origin)
	assert.Equal(t, domain.CloseReasonUnknown, got[0].CloseReason)
	assert.Equal(t, domain.CloseReasonReversal, got[1].CloseReason)
	assert.Equal(t, int64(7), got[1].PositionID)

	// Trades without a reason are stored as NULL, like positions.
	var nullReasons int
	require.NoError(t, repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trade_history WHERE close_reason IS NULL`).Scan(&nullReasons))
	assert.Equal(t, 3, nullReasons)

	count, err := repo.CountTodayBySymbol(ctx, 1, "ETHUSDT")
	require.NoError(t, err)
	// The trade entered a minute ago may fall on yesterday right after midnight.
	assert.GreaterOrEqual(t, count, 1)
	assert.LessOrEqual(t, count, 2)

	sum, err := repo.SummarizeSince(ctx, 1, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.TradeSummary{Trades: 2, Wins: 1, PNL: 6}, sum)
}

func TestRepository_BotOrders(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	order := &domain.Order{
		ID:            42,
		ClientOrderID: "tb0123456789abcdef0123456789abcdef",
		UserID:        1,
		Symbol:        "BTCUSDT",
		Side:          domain.Sell,
		Type:          domain.OrderTypeStopMarket,
		Purpose:       domain.PurposeStopLoss,
		Quantity:      0.5,
		StopPrice:     98,
		ReduceOnly:    true,
		Status:        domain.OrderStatusNew,
	}
	require.NoError(t, repo.SaveOrder(ctx, order))

	// Saving again updates progress only.
	order.Status = domain.OrderStatusPartiallyFilled
	order.ExecutedQty = 0.2
	require.NoError(t, repo.SaveOrder(ctx, order))

	require.NoError(t, repo.UpdateOrderStatus(ctx, 1, 42, domain.OrderStatusFilled, 0.5, 97.9))
	assert.ErrorIs(t, repo.UpdateOrderStatus(ctx, 1, 43, domain.OrderStatusFilled, 0.5, 97.9), ports.ErrNotFound)
	assert.ErrorIs(t, repo.SaveOrder(ctx, &domain.Order{ClientOrderID: "x"}), ports.ErrInvalidRequest)

	orders, err := repo.FindBotOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	got := orders[0]
	assert.Equal(t, order.ClientOrderID, got.ClientOrderID)
	assert.Equal(t, domain.PurposeStopLoss, got.Purpose)
	assert.Equal(t, domain.OrderTypeStopMarket, got.Type)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 0.5, got.ExecutedQty)
	assert.Equal(t, 97.9, got.AvgPrice)
	assert.True(t, got.ReduceOnly)
	assert.Equal(t, domain.OriginBot, got.Origin)

	n, err := repo.PruneOrders(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	orders, err = repo.FindBotOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}
