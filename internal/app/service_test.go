package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/paper"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/classifier"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/market"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/position"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/risk"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy/indicators"
)

const testSymbol = "BTCUSDT"

var (
	baseTime   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	futuresKey = domain.SeriesKey{Market: domain.MarketFutures, Symbol: testSymbol, Timeframe: domain.Timeframe1m}
	spotKey    = domain.SeriesKey{Market: domain.MarketSpot, Symbol: "ETHUSDT", Timeframe: domain.Timeframe1m}
)

// --- fakes ---

type emptyFeed struct{}

func (emptyFeed) GetKlines(ctx context.Context, market domain.MarketType, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

type fakeCreds struct {
	mu         sync.Mutex
	client     ports.ExchangeClient
	err        error
	registered map[int64]string
	forgotten  []int64
}

func (c *fakeCreds) ClientFor(ctx context.Context, userID int64) (ports.ExchangeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if _, ok := c.registered[userID]; !ok {
		return nil, ports.ErrNotFound
	}
	return c.client, nil
}

func (c *fakeCreds) Register(userID int64, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[userID] = ref
}

func (c *fakeCreds) Forget(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registered, userID)
	c.forgotten = append(c.forgotten, userID)
}

type memPositions struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Position
}

func (r *memPositions) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cp := pos.Clone()
	cp.ID = r.nextID
	r.rows[cp.ID] = cp
	return cp.ID, nil
}

func (r *memPositions) Update(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[pos.ID]; !ok {
		return ports.ErrNotFound
	}
	r.rows[pos.ID] = pos.Clone()
	return nil
}

func (r *memPositions) FindOpen(ctx context.Context, userID int64, symbol string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.UserID == userID && p.Symbol == symbol && p.Status == domain.StatusOpen {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memPositions) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Clone(), nil
}

func (r *memPositions) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (r *memPositions) GetTotalProfit(ctx context.Context, userID int64) (float64, error) {
	return 0, nil
}

type memTrades struct {
	summary domain.TradeSummary
	since   time.Time
}

func (r *memTrades) CreateTrade(ctx context.Context, t *domain.Trade) (int64, error) { return 1, nil }

func (r *memTrades) FindBySymbol(ctx context.Context, userID int64, symbol string, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

func (r *memTrades) CountTodayBySymbol(ctx context.Context, userID int64, symbol string) (int, error) {
	return 0, nil
}

func (r *memTrades) SummarizeSince(ctx context.Context, userID int64, since time.Time) (domain.TradeSummary, error) {
	r.since = since
	return r.summary, nil
}

type fakePruner struct {
	cutoff time.Time
}

func (p *fakePruner) PruneOrders(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 2, nil
}

type recNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (n *recNotifier) Notify(ctx context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recNotifier) ofKind(kind domain.NotificationKind) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, note := range n.notes {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

// --- fixture ---

type fixture struct {
	svc    *TradingService
	x      *paper.Exchange
	creds  *fakeCreds
	agg    *market.Aggregator
	pm     *position.Manager
	trades *memTrades
	pruner *fakePruner
	notes  *recNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{
		x:      paper.New(1, log),
		trades: &memTrades{},
		pruner: &fakePruner{},
		notes:  &recNotifier{},
	}
	f.creds = &fakeCreds{client: f.x, registered: make(map[int64]string)}

	var err error
	f.agg, err = market.NewAggregator(market.DefaultConfig(), emptyFeed{}, log)
	require.NoError(t, err)
	engine, err := strategy.New(strategy.Config{
		Indicators: indicators.SetConfig{
			FastMA:    2,
			SlowMA:    3,
			MAType:    indicators.SimpleMovingAverage,
			MACD:      indicators.MACDConfig{Fast: 2, Slow: 3, Signal: 2},
			ATRPeriod: 2,
		},
		AnomalyATRMultiple: 3,
	}, log)
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultPrefix, nil, log)
	require.NoError(t, err)
	rm, err := risk.NewManager(log, cls, nil)
	require.NoError(t, err)

	f.pm, err = position.NewManager(position.Config{
		FillTimeout:      20 * time.Millisecond,
		FillPoll:         2 * time.Millisecond,
		MaxCloseAttempts: 3,
		RetryAttempts:    2,
		RetryMin:         time.Millisecond,
		RetryMax:         2 * time.Millisecond,
	}, position.Dependencies{
		Credentials: f.creds,
		Positions:   &memPositions{rows: make(map[int64]*domain.Position)},
		Trades:      f.trades,
		Classifier:  cls,
		Risk:        rm,
		Notifier:    f.notes,
		Logger:      log,
		ATR:         engine.LatestATR,
	})
	require.NoError(t, err)

	f.svc, err = NewTradingService(Config{OrderRetention: 48 * time.Hour}, Dependencies{
		Aggregator:  f.agg,
		Engine:      engine,
		Positions:   f.pm,
		Classifier:  cls,
		Credentials: f.creds,
		Trades:      f.trades,
		Orders:      f.pruner,
		Notifier:    f.notes,
		Logger:      log,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		f.svc.RemoveUser(context.Background(), 1)
		f.svc.Wait()
	})
	return f
}

func tradingUser() domain.UserConfig {
	return domain.UserConfig{
		ID:            1,
		Active:        true,
		CredentialRef: "alice",
		NotifyTarget:  "chat-1",
		Subscriptions: []domain.Subscription{
			{
				Market:    domain.MarketFutures,
				Symbol:    testSymbol,
				Timeframe: domain.Timeframe1m,
				Monitors:  domain.Monitors{MA: true},
				AutoTrade: &domain.AutoTrade{
					Mode:              domain.TradeModeAny,
					Quantity:          0.5,
					Leverage:          5,
					QuantityPrecision: 3,
					PricePrecision:    2,
					Protection: domain.ProtectionConfig{
						Mode:          domain.ProtectionPercent,
						StopLossPct:   2,
						TakeProfitPct: 5,
						Resting:       true,
					},
				},
			},
			{
				Market:    domain.MarketSpot,
				Symbol:    "ETHUSDT",
				Timeframe: domain.Timeframe1m,
				Monitors:  domain.Monitors{MA: true},
			},
		},
	}
}

func candle(key domain.SeriesKey, i int, closePrice float64) domain.Kline {
	open := baseTime.Add(time.Duration(i) * time.Minute)
	return domain.Kline{
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Symbol:    key.Symbol,
		Interval:  string(key.Timeframe),
		Open:      closePrice,
		High:      closePrice + 0.5,
		Low:       closePrice - 0.5,
		Close:     closePrice,
		IsFinal:   true,
	}
}

func seed(key domain.SeriesKey) market.Event {
	return market.Event{Kind: market.EventSeed, Key: key, Candles: []domain.Kline{
		candle(key, 0, 10), candle(key, 1, 9), candle(key, 2, 8),
	}}
}

func finalized(key domain.SeriesKey, i int, closePrice float64, stale bool) market.Event {
	return market.Event{Kind: market.EventFinalized, Key: key, Candle: candle(key, i, closePrice), Stale: stale}
}

// --- tests ---

func TestNewTradingService_MissingDependencies(t *testing.T) {
	_, err := NewTradingService(Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestAddUser_RegistersSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	assert.Equal(t, "alice", f.creds.registered[1])
	assert.ElementsMatch(t, []domain.SeriesKey{futuresKey, spotKey}, f.agg.Keys())
	assert.Equal(t, []position.Key{{UserID: 1, Symbol: testSymbol}}, f.pm.Keys(), "only the futures subscription trades")
}

func TestAddUser_InactiveIsSkipped(t *testing.T) {
	f := newFixture(t)
	u := tradingUser()
	u.Active = false

	require.NoError(t, f.svc.AddUser(context.Background(), u))
	assert.Empty(t, f.agg.Keys())
	assert.Empty(t, f.creds.registered)
}

func TestAddUser_FatalCredentialKeepsNotifying(t *testing.T) {
	f := newFixture(t)
	f.creds.err = fmt.Errorf("resolve: %w", ports.ErrConfigurationError)

	require.NoError(t, f.svc.AddUser(context.Background(), tradingUser()))
	f.svc.Wait()

	assert.Len(t, f.notes.ofKind(domain.NotifySubscriptionDisabled), 1)
	assert.Len(t, f.agg.Keys(), 2, "subscriptions stay for signals")
	assert.Empty(t, f.pm.Keys())
}

func TestFinalizedCandle_SignalOpensPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	f.svc.handleEvents(ctx, []market.Event{
		seed(futuresKey),
		finalized(futuresKey, 3, 10, false),
		finalized(futuresKey, 4, 12, false),
	})
	f.svc.Wait()

	signals := f.notes.ofKind(domain.NotifySignal)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalMACross, signals[0].Signal.Kind)
	assert.Equal(t, domain.SideLong, signals[0].Side)
	assert.Equal(t, "chat-1", signals[0].Target)

	assert.Len(t, f.notes.ofKind(domain.NotifyPositionOpened), 1)
	assert.InDelta(t, 0.5, f.x.Position(testSymbol), 1e-9)
	p, ok := f.pm.Get(1, testSymbol)
	require.True(t, ok)
	assert.Equal(t, domain.OriginBot, p.Origin)
}

func TestFinalizedCandle_NotifyOnlySubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))

	f.svc.handleEvents(ctx, []market.Event{
		seed(spotKey),
		finalized(spotKey, 3, 10, false),
		finalized(spotKey, 4, 12, false),
	})
	f.svc.Wait()

	signals := f.notes.ofKind(domain.NotifySignal)
	require.Len(t, signals, 1)
	assert.Equal(t, "ETHUSDT", signals[0].Symbol)
	assert.Empty(t, f.notes.ofKind(domain.NotifyPositionOpened))
	assert.Zero(t, f.x.Calls("PlaceMarketOrder"))
}

func TestFinalizedCandle_StaleForwardsNoSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))

	f.svc.handleEvents(ctx, []market.Event{
		seed(futuresKey),
		finalized(futuresKey, 3, 10, true),
		finalized(futuresKey, 4, 12, true),
	})
	f.svc.Wait()

	assert.Empty(t, f.notes.ofKind(domain.NotifySignal))
	assert.Zero(t, f.x.Position(testSymbol))
}

func TestDisabledSeries_DropsSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	f.svc.handleEvents(ctx, []market.Event{{Kind: market.EventDisabled, Key: futuresKey, Err: ports.ErrInvalidSymbol}})
	f.svc.Wait()

	disabled := f.notes.ofKind(domain.NotifySubscriptionDisabled)
	require.Len(t, disabled, 1)
	assert.Equal(t, testSymbol, disabled[0].Symbol)
	assert.Equal(t, []domain.SeriesKey{spotKey}, f.agg.Keys())
	assert.Empty(t, f.pm.Keys())
}

func TestReactionFailed_FatalDisablesTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	pk := position.Key{UserID: 1, Symbol: testSymbol}
	f.svc.reactionFailed(ctx, pk, "HandleSignal", fmt.Errorf("place: %w", ports.ErrHalted))
	assert.Empty(t, f.notes.ofKind(domain.NotifySubscriptionDisabled), "halted is not fatal")

	f.svc.reactionFailed(ctx, pk, "HandleSignal", fmt.Errorf("place: %w", ports.ErrInvalidAPIKeys))
	f.svc.Wait()
	require.Len(t, f.notes.ofKind(domain.NotifySubscriptionDisabled), 1)
	assert.Equal(t, []domain.SeriesKey{spotKey}, f.agg.Keys())
}

func TestRemoveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	f.svc.RemoveUser(ctx, 1)
	f.svc.Wait()

	assert.Empty(t, f.agg.Keys())
	assert.Empty(t, f.pm.Keys())
	assert.Contains(t, f.creds.forgotten, int64(1))

	// Unknown users are a no-op.
	f.svc.RemoveUser(ctx, 42)
}

func TestReconcileAll_AdoptsManualPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	f.x.SetPrice(testSymbol, 100)
	_, err := f.x.ExecuteManual(testSymbol, domain.Buy, 1)
	require.NoError(t, err)
	f.svc.ReconcileAll(ctx)
	f.svc.Wait()

	p, ok := f.pm.Get(1, testSymbol)
	require.True(t, ok)
	assert.Equal(t, domain.OriginManual, p.Origin)
	assert.InDelta(t, 1.0, p.Quantity, 1e-9)
}

func TestDailySummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	f.trades.summary = domain.TradeSummary{Trades: 3, Wins: 2, PNL: 1.5}
	require.NoError(t, f.svc.AddUser(ctx, tradingUser()))
	f.svc.Wait()

	f.svc.DailySummary(ctx)

	sums := f.notes.ofKind(domain.NotifyDailySummary)
	require.Len(t, sums, 1)
	assert.Equal(t, 3, sums[0].Trades)
	assert.Equal(t, 2, sums[0].Wins)
	assert.Equal(t, 1.5, sums[0].PNL)
	assert.Equal(t, now.Add(-24*time.Hour), f.trades.since)
	assert.Equal(t, now.Add(-48*time.Hour), f.pruner.cutoff)
}

func TestClearHalt_NotManaged(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ClearHalt(context.Background(), 9, testSymbol)
	assert.Error(t, err)
}

func TestSchedule_InvalidSpec(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.ReconcileSpec = "not a cron spec"
	_, err := f.svc.schedule(context.Background())
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx, []domain.UserConfig{tradingUser()}) }()
	require.Eventually(t, func() bool { return len(f.agg.Keys()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// --- executor ---

func TestSerialExecutor_FIFOPerKey(t *testing.T) {
	e := newSerialExecutor(context.Background(), logger.Nop())
	key := position.Key{UserID: 1, Symbol: testSymbol}

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.True(t, e.Submit(key, func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	e.Wait()

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	e.mu.Lock()
	assert.Empty(t, e.queues, "drained queues are released")
	e.mu.Unlock()
}

func TestSerialExecutor_KeysRunConcurrently(t *testing.T) {
	e := newSerialExecutor(context.Background(), logger.Nop())
	release := make(chan struct{})
	var ran atomic.Int32

	e.Submit(position.Key{UserID: 1, Symbol: "A"}, func(context.Context) { <-release })
	e.Submit(position.Key{UserID: 2, Symbol: "A"}, func(context.Context) { ran.Add(1) })

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond,
		"a blocked key must not delay another")
	close(release)
	e.Wait()
}

func TestSerialExecutor_PanicIsContained(t *testing.T) {
	e := newSerialExecutor(context.Background(), logger.Nop())
	key := position.Key{UserID: 1, Symbol: testSymbol}
	var after atomic.Bool

	e.Submit(key, func(context.Context) { panic("boom") })
	e.Submit(key, func(context.Context) { after.Store(true) })
	e.Wait()

	assert.True(t, after.Load())
}

func TestSerialExecutor_Close(t *testing.T) {
	e := newSerialExecutor(context.Background(), logger.Nop())
	key := position.Key{UserID: 1, Symbol: testSymbol}
	release := make(chan struct{})
	e.Submit(key, func(context.Context) { <-release })

	err := e.Close(10 * time.Millisecond)
	assert.True(t, errors.Is(err, ports.ErrTimeout))
	assert.False(t, e.Submit(key, func(context.Context) {}), "closed executor rejects work")

	close(release)
	assert.NoError(t, e.Close(time.Second))
}

func TestSerialExecutor_DetachedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newSerialExecutor(ctx, logger.Nop())
	cancel()

	var seen error
	e.Submit(position.Key{UserID: 1}, func(rctx context.Context) { seen = rctx.Err() })
	e.Wait()
	assert.NoError(t, seen)
}
