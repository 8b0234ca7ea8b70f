package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/classifier"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/market"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/metrics"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/position"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy"
)

// Config holds the service parameters.
type Config struct {
	ReconcileSpec   string        // Cron spec of the periodic reconciliation; empty disables it
	SummarySpec     string        // Cron spec of the daily summary; empty disables it
	OrderRetention  time.Duration // Bot orders older than this are pruned by the summary job
	ShutdownTimeout time.Duration // How long Start waits for in-flight reactions on shutdown
}

// CredentialRegistry is the credential provider plus user registration.
type CredentialRegistry interface {
	ports.CredentialProvider
	Register(userID int64, ref string)
	Forget(userID int64)
}

// OrderPruner deletes old bot orders.
type OrderPruner interface {
	PruneOrders(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dependencies are the collaborators of the service.
type Dependencies struct {
	Aggregator  *market.Aggregator
	Engine      *strategy.Engine
	Positions   *position.Manager
	Classifier  *classifier.Classifier
	Credentials CredentialRegistry
	Trades      ports.TradeRepository
	Orders      OrderPruner // Optional
	Notifier    ports.Notifier
	Metrics     *metrics.Metrics
	Logger      ports.Logger
}

// priceFeeder is implemented by simulated accounts that need market prices pushed to them.
type priceFeeder interface {
	SetPrice(symbol string, price float64)
}

type userState struct {
	cfg    domain.UserConfig
	subs   map[domain.SeriesKey]*domain.Subscription
	stream chan struct{} // Stop channel of the user data stream, nil when not streaming
}

// TradingService orchestrates the shared candle loop and the per-user reactions.
type TradingService struct {
	cfg    Config
	deps   Dependencies
	logger ports.Logger
	now    func() time.Time

	exec *serialExecutor

	mu          sync.RWMutex
	users       map[int64]*userState
	subscribers map[domain.SeriesKey]map[int64]*domain.Subscription
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg Config, deps Dependencies) (*TradingService, error) {
	if deps.Aggregator == nil || deps.Engine == nil || deps.Positions == nil || deps.Classifier == nil ||
		deps.Credentials == nil || deps.Trades == nil || deps.Notifier == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = 7 * 24 * time.Hour
	}
	return &TradingService{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		exec:        newSerialExecutor(context.Background(), deps.Logger),
		users:       make(map[int64]*userState),
		subscribers: make(map[domain.SeriesKey]map[int64]*domain.Subscription),
	}, nil
}

// Start loads the order registry, registers users, and runs the shared loop until ctx is canceled.
// In-flight reactions are drained before it returns.
func (s *TradingService) Start(ctx context.Context, users []domain.UserConfig) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{"users": len(users)})

	if err := s.deps.Classifier.Load(ctx); err != nil {
		return fmt.Errorf("failed to load order registry: %w", err)
	}
	for _, u := range users {
		if err := s.AddUser(ctx, u); err != nil {
			// One broken user never stops the others.
			s.logger.Error(ctx, err, "Failed to register user", map[string]interface{}{"userID": u.ID})
		}
	}

	scheduler, err := s.schedule(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()

	runErr := s.deps.Aggregator.Run(ctx, s.handleEvents)

	s.logger.Info(ctx, "Shutting down Trading Service...")
	<-scheduler.Stop().Done()
	s.stopStreams()
	if err := s.exec.Close(s.cfg.ShutdownTimeout); err != nil {
		s.logger.Error(ctx, err, "In-flight reactions did not finish before shutdown")
	}
	s.logger.Info(ctx, "Trading Service stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (s *TradingService) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	bg := context.WithoutCancel(ctx)
	if s.cfg.ReconcileSpec != "" {
		if _, err := c.AddFunc(s.cfg.ReconcileSpec, func() { s.ReconcileAll(bg) }); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w: %w", s.cfg.ReconcileSpec, ports.ErrConfigurationError, err)
		}
	}
	if s.cfg.SummarySpec != "" {
		if _, err := c.AddFunc(s.cfg.SummarySpec, func() { s.DailySummary(bg) }); err != nil {
			return nil, fmt.Errorf("invalid summary schedule %q: %w: %w", s.cfg.SummarySpec, ports.ErrConfigurationError, err)
		}
	}
	return c, nil
}

// AddUser registers a user and its subscriptions. Inactive users are skipped.
func (s *TradingService) AddUser(ctx context.Context, u domain.UserConfig) error {
	op := "AddUser"
	if !u.Active {
		s.logger.Info(ctx, op+": Skipping inactive user", map[string]interface{}{"userID": u.ID})
		return nil
	}
	s.RemoveUser(ctx, u.ID)

	st := &userState{cfg: u, subs: make(map[domain.SeriesKey]*domain.Subscription)}
	s.mu.Lock()
	s.users[u.ID] = st
	s.mu.Unlock()

	trading := u.HasAutoTrading()
	if trading {
		s.deps.Credentials.Register(u.ID, u.CredentialRef)
		if err := s.startStream(ctx, st); err != nil {
			// Non-fatal stream errors leave reconciliation to the periodic job.
			if ports.IsFatal(err) {
				s.disableTrading(ctx, u, err)
				trading = false
			} else {
				s.logger.Warn(ctx, op+": User data stream unavailable", map[string]interface{}{"userID": u.ID, "error": err.Error()})
			}
		}
	}

	for i := range u.Subscriptions {
		sub := u.Subscriptions[i]
		if !trading && sub.AutoTrade.Enabled() {
			sub.AutoTrade = nil
		}
		s.addSubscription(ctx, u, &sub)
	}
	s.logger.Info(ctx, op+": User registered", map[string]interface{}{
		"userID":        u.ID,
		"subscriptions": len(u.Subscriptions),
		"trading":       trading,
	})
	return nil
}

func (s *TradingService) addSubscription(ctx context.Context, u domain.UserConfig, sub *domain.Subscription) {
	key := domain.SeriesKey{Market: sub.Market, Symbol: sub.Symbol, Timeframe: sub.Timeframe}

	s.mu.Lock()
	st, ok := s.users[u.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.subs[key] = sub
	if s.subscribers[key] == nil {
		s.subscribers[key] = make(map[int64]*domain.Subscription)
	}
	s.subscribers[key][u.ID] = sub
	s.mu.Unlock()

	refs := s.deps.Aggregator.Subscribe(key)
	s.logger.Debug(ctx, "Subscription added", map[string]interface{}{"userID": u.ID, "series": key.String(), "refs": refs})

	if !sub.Trades() {
		return
	}
	s.deps.Positions.Configure(position.Profile{
		UserID:       u.ID,
		Symbol:       sub.Symbol,
		Market:       sub.Market,
		Timeframe:    sub.Timeframe,
		NotifyTarget: u.NotifyTarget,
		AutoTrade:    *sub.AutoTrade,
	})
	pk := position.Key{UserID: u.ID, Symbol: sub.Symbol}
	s.exec.Submit(pk, func(rctx context.Context) {
		if err := s.deps.Positions.Sync(rctx, pk.UserID, pk.Symbol); err != nil {
			s.reactionFailed(rctx, pk, "Sync", err)
		}
	})
}

// RemoveSubscription stops future reactions for one series of a user.
// Reactions already queued or running complete.
func (s *TradingService) RemoveSubscription(ctx context.Context, userID int64, key domain.SeriesKey) {
	s.mu.Lock()
	st, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub, ok := st.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(st.subs, key)
	if subs := s.subscribers[key]; subs != nil {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(s.subscribers, key)
		}
	}
	s.mu.Unlock()

	if refs := s.deps.Aggregator.Unsubscribe(key); refs == 0 {
		s.deps.Engine.Drop(key)
	}
	if sub.Trades() {
		pk := position.Key{UserID: userID, Symbol: key.Symbol}
		s.exec.Submit(pk, func(context.Context) { s.deps.Positions.Remove(pk.UserID, pk.Symbol) })
	}
	s.logger.Info(ctx, "Subscription removed", map[string]interface{}{"userID": userID, "series": key.String()})
}

// RemoveUser drops every subscription of a user and stops its stream.
func (s *TradingService) RemoveUser(ctx context.Context, userID int64) {
	s.mu.RLock()
	st, ok := s.users[userID]
	var keys []domain.SeriesKey
	if ok {
		for k := range st.subs {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	for _, k := range keys {
		s.RemoveSubscription(ctx, userID, k)
	}

	s.mu.Lock()
	if st.stream != nil {
		close(st.stream)
		st.stream = nil
	}
	delete(s.users, userID)
	s.mu.Unlock()
	s.deps.Credentials.Forget(userID)
	s.logger.Info(ctx, "User removed", map[string]interface{}{"userID": userID})
}

// ClearHalt lifts the halt of a (user, symbol) and waits for the reconciliation.
func (s *TradingService) ClearHalt(ctx context.Context, userID int64, symbol string) error {
	pk := position.Key{UserID: userID, Symbol: symbol}
	done := make(chan error, 1)
	if !s.exec.Submit(pk, func(rctx context.Context) { done <- s.deps.Positions.Clear(rctx, userID, symbol) }) {
		return fmt.Errorf("ClearHalt failed: service is shutting down: %w", ports.ErrContextCanceled)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvents is the aggregator handler: one poll cycle, grouped by series in timestamp order.
func (s *TradingService) handleEvents(ctx context.Context, events []market.Event) {
	for i := range events {
		ev := &events[i]
		switch ev.Kind {
		case market.EventSeed:
			s.deps.Engine.Seed(ev.Key, ev.Candles)
			if n := len(ev.Candles); n > 0 {
				s.feedPrice(ctx, ev.Key, ev.Candles[n-1].Close)
			}
		case market.EventFinalized:
			s.onFinalized(ctx, ev)
		case market.EventDisabled:
			s.onDisabled(ctx, ev)
		}
	}
}

type subscriber struct {
	user domain.UserConfig
	sub  *domain.Subscription
}

func (s *TradingService) subscribersOf(key domain.SeriesKey) []subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.subscribers[key]
	out := make([]subscriber, 0, len(subs))
	for uid, sub := range subs {
		if st, ok := s.users[uid]; ok {
			out = append(out, subscriber{user: st.cfg, sub: sub})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].user.ID < out[j].user.ID })
	return out
}

func (s *TradingService) onFinalized(ctx context.Context, ev *market.Event) {
	eval, ok := s.deps.Engine.Evaluate(ev.Key, ev.Candle, ev.Stale)
	if !ok {
		return
	}
	s.feedPrice(ctx, ev.Key, ev.Candle.Close)

	candle := ev.Candle
	for _, sb := range s.subscribersOf(ev.Key) {
		sig, hasSignal := strategy.SelectSignal(eval, sb.user.ID, sb.sub)
		if hasSignal {
			s.deps.Metrics.SignalForwarded(string(sig.Kind), string(sig.Direction))
			s.notify(ctx, domain.Notification{
				Kind:      domain.NotifySignal,
				UserID:    sb.user.ID,
				Target:    sb.user.NotifyTarget,
				Symbol:    ev.Key.Symbol,
				Timeframe: ev.Key.Timeframe,
				Signal:    sig,
				Side:      sig.Direction,
				Price:     sig.Price,
				Time:      sig.Time,
			})
		}
		if !sb.sub.Trades() {
			continue
		}

		// Protection runs on every candle, stale or not; the signal follows on the same queue.
		pk := position.Key{UserID: sb.user.ID, Symbol: ev.Key.Symbol}
		s.exec.Submit(pk, func(rctx context.Context) {
			if err := s.deps.Positions.OnCandle(rctx, pk.UserID, pk.Symbol, candle); err != nil {
				s.reactionFailed(rctx, pk, "OnCandle", err)
			}
			if !hasSignal {
				return
			}
			if err := s.deps.Positions.HandleSignal(rctx, sig); err != nil {
				s.reactionFailed(rctx, pk, "HandleSignal", err)
			}
		})
	}
}

func (s *TradingService) onDisabled(ctx context.Context, ev *market.Event) {
	reason := "market data disabled"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	for _, sb := range s.subscribersOf(ev.Key) {
		s.notify(ctx, domain.Notification{
			Kind:      domain.NotifySubscriptionDisabled,
			UserID:    sb.user.ID,
			Target:    sb.user.NotifyTarget,
			Symbol:    ev.Key.Symbol,
			Timeframe: ev.Key.Timeframe,
			Reason:    reason,
		})
		s.RemoveSubscription(ctx, sb.user.ID, ev.Key)
	}
	s.logger.Warn(ctx, "Series disabled", map[string]interface{}{"series": ev.Key.String(), "reason": reason})
}

// reactionFailed classifies an error returned by a position reaction.
func (s *TradingService) reactionFailed(ctx context.Context, pk position.Key, what string, err error) {
	fields := map[string]interface{}{"userID": pk.UserID, "symbol": pk.Symbol, "reaction": what, "error": err.Error()}
	switch {
	case errors.Is(err, ports.ErrHalted):
		s.logger.Debug(ctx, "Reaction skipped: halted", fields)
	case ports.IsFatal(err):
		s.logger.Error(ctx, err, "Reaction failed fatally, disabling trading subscription", fields)
		s.disableTradingKey(ctx, pk, err)
	default:
		s.logger.Warn(ctx, "Reaction failed", fields)
	}
}

// disableTradingKey removes the trading subscription of (user, symbol) and tells the user.
func (s *TradingService) disableTradingKey(ctx context.Context, pk position.Key, cause error) {
	s.mu.RLock()
	st, ok := s.users[pk.UserID]
	var keys []domain.SeriesKey
	var target string
	if ok {
		target = st.cfg.NotifyTarget
		for k, sub := range st.subs {
			if k.Symbol == pk.Symbol && sub.Trades() {
				keys = append(keys, k)
			}
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		s.notify(ctx, domain.Notification{
			Kind:      domain.NotifySubscriptionDisabled,
			UserID:    pk.UserID,
			Target:    target,
			Symbol:    k.Symbol,
			Timeframe: k.Timeframe,
			Reason:    "auto trading disabled",
			Error:     cause.Error(),
		})
		s.RemoveSubscription(ctx, pk.UserID, k)
	}
}

// disableTrading reports a user whose credential cannot trade; subscriptions keep notifying.
func (s *TradingService) disableTrading(ctx context.Context, u domain.UserConfig, cause error) {
	for i := range u.Subscriptions {
		sub := &u.Subscriptions[i]
		if !sub.Trades() {
			continue
		}
		s.notify(ctx, domain.Notification{
			Kind:      domain.NotifySubscriptionDisabled,
			UserID:    u.ID,
			Target:    u.NotifyTarget,
			Symbol:    sub.Symbol,
			Timeframe: sub.Timeframe,
			Reason:    "auto trading disabled",
			Error:     cause.Error(),
		})
	}
	s.logger.Error(ctx, cause, "Auto trading disabled for user", map[string]interface{}{"userID": u.ID})
}

func (s *TradingService) startStream(ctx context.Context, st *userState) error {
	userID := st.cfg.ID
	client, err := s.deps.Credentials.ClientFor(ctx, userID)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	handler := func(u *ports.OrderUpdate) {
		cu := s.deps.Classifier.Observe(bg, u)
		pk := position.Key{UserID: u.UserID, Symbol: u.Symbol}
		if pk.UserID == 0 {
			pk.UserID = userID
		}
		s.exec.Submit(pk, func(rctx context.Context) {
			if err := s.deps.Positions.OnOrderUpdate(rctx, cu); err != nil {
				s.reactionFailed(rctx, pk, "OnOrderUpdate", err)
			}
		})
	}
	errHandler := func(err error) {
		s.logger.Warn(bg, "User data stream error", map[string]interface{}{"userID": userID, "error": err.Error()})
	}

	_, stopCh, err := client.StreamUserData(bg, handler, errHandler)
	if err != nil {
		return err
	}
	s.mu.Lock()
	st.stream = stopCh
	s.mu.Unlock()
	return nil
}

func (s *TradingService) stopStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.users {
		if st.stream != nil {
			close(st.stream)
			st.stream = nil
		}
	}
}

// feedPrice pushes the latest close to simulated accounts of trading subscribers.
func (s *TradingService) feedPrice(ctx context.Context, key domain.SeriesKey, price float64) {
	if key.Market != domain.MarketFutures || price <= 0 {
		return
	}
	for _, sb := range s.subscribersOf(key) {
		if !sb.sub.Trades() {
			continue
		}
		client, err := s.deps.Credentials.ClientFor(ctx, sb.user.ID)
		if err != nil {
			continue
		}
		if pf, ok := client.(priceFeeder); ok {
			pf.SetPrice(key.Symbol, price)
		}
	}
}

// ReconcileAll queues a reconciliation of every managed position.
func (s *TradingService) ReconcileAll(ctx context.Context) {
	keys := s.deps.Positions.Keys()
	for _, pk := range keys {
		pk := pk
		s.exec.Submit(pk, func(rctx context.Context) {
			if err := s.deps.Positions.Reconcile(rctx, pk.UserID, pk.Symbol, "periodic"); err != nil {
				s.reactionFailed(rctx, pk, "Reconcile", err)
			}
		})
	}
	s.deps.Metrics.SetOpenPositions(s.deps.Positions.OpenByOrigin())
	s.logger.Debug(ctx, "Periodic reconciliation queued", map[string]interface{}{"positions": len(keys)})
}

// DailySummary reports the last 24h of trades to every trading user and prunes old bot orders.
func (s *TradingService) DailySummary(ctx context.Context) {
	now := s.now()
	since := now.Add(-24 * time.Hour)

	s.mu.RLock()
	users := make([]domain.UserConfig, 0, len(s.users))
	for _, st := range s.users {
		if st.cfg.HasAutoTrading() {
			users = append(users, st.cfg)
		}
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	for _, u := range users {
		sum, err := s.deps.Trades.SummarizeSince(ctx, u.ID, since)
		if err != nil {
			s.logger.Error(ctx, err, "DailySummary: failed to summarize trades", map[string]interface{}{"userID": u.ID})
			continue
		}
		s.notify(ctx, domain.Notification{
			Kind:   domain.NotifyDailySummary,
			UserID: u.ID,
			Target: u.NotifyTarget,
			Trades: sum.Trades,
			Wins:   sum.Wins,
			PNL:    sum.PNL,
			Time:   now,
		})
	}

	if s.deps.Orders != nil {
		if _, err := s.deps.Orders.PruneOrders(ctx, now.Add(-s.cfg.OrderRetention)); err != nil {
			s.logger.Error(ctx, err, "DailySummary: failed to prune bot orders")
		}
	}
}

func (s *TradingService) notify(ctx context.Context, n domain.Notification) {
	if n.Time.IsZero() {
		n.Time = s.now()
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		s.logger.Warn(ctx, "Notification failed", map[string]interface{}{"kind": n.Kind, "userID": n.UserID, "error": err.Error()})
	}
}

// Wait blocks until no reaction is queued or running.
func (s *TradingService) Wait() {
	s.exec.Wait()
}
