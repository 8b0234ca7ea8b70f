// Package market maintains one shared candle series per (market, symbol, timeframe),
// however many users watch it.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/metrics"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// maxFetchLimit is the largest page the klines endpoints serve.
const maxFetchLimit = 1500

// ErrMisaligned is returned when the exchange delivers candles off the timeframe grid.
var ErrMisaligned = errors.New("candle open time not aligned to timeframe")

// Config holds the aggregator parameters.
type Config struct {
	TickInterval    time.Duration // Loop period
	MaxPollInterval time.Duration // Upper bound between two fetches of one series
	StaleAfter      time.Duration // A series without a successful fetch for this long is stale
	HistorySize     int           // Closed candles kept and fetched on initial load
	FetchLimit      int           // Candles fetched on a regular refresh
	MinSpacing      time.Duration // Minimum spacing between two exchange calls
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	Concurrency     int // Parallel fetches per cycle
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Second,
		MaxPollInterval: time.Minute,
		StaleAfter:      3 * time.Minute,
		HistorySize:     150,
		FetchLimit:      3,
		MinSpacing:      200 * time.Millisecond,
		MinBackoff:      time.Second,
		MaxBackoff:      2 * time.Minute,
		Concurrency:     4,
	}
}

func (c Config) validate() error {
	if c.TickInterval <= 0 || c.MaxPollInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("aggregator intervals must be positive")
	}
	if c.HistorySize < 2 || c.HistorySize > maxFetchLimit {
		return fmt.Errorf("history size must be between 2 and %d", maxFetchLimit)
	}
	if c.FetchLimit < 2 {
		return fmt.Errorf("fetch limit must be at least 2")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("invalid backoff bounds")
	}
	return nil
}

// EventKind tells the consumer what happened to a series.
type EventKind int

const (
	// EventSeed replaces all history: indicator state must be rebuilt from Candles.
	EventSeed EventKind = iota
	// EventFinalized carries one newly closed candle.
	EventFinalized
	// EventDisabled reports a series that stopped polling after a fatal error.
	EventDisabled
)

func (k EventKind) String() string {
	switch k {
	case EventSeed:
		return "seed"
	case EventFinalized:
		return "finalized"
	case EventDisabled:
		return "disabled"
	}
	return "unknown"
}

// Event is one change of a candle series, in timestamp order per key.
type Event struct {
	Kind    EventKind
	Key     domain.SeriesKey
	Candles []domain.Kline // EventSeed
	Candle  domain.Kline   // EventFinalized
	// Stale is set when the finalized candle closed longer than StaleAfter ago.
	Stale bool
	Err   error // EventDisabled
}

// Series is a read-only snapshot of a shared candle series.
type Series struct {
	Key         domain.SeriesKey
	Closed      []domain.Kline
	Live        *domain.Kline
	Stale       bool
	Disabled    bool
	LastRefresh time.Time
}

// Handler consumes the events of one poll cycle.
type Handler func(ctx context.Context, events []Event)

type entry struct {
	mu sync.Mutex // Serializes updates of this series

	refs        int
	created     time.Time
	closed      []domain.Kline
	live        *domain.Kline
	initialized bool

	lastAttempt time.Time
	lastSuccess time.Time
	nextAttempt time.Time
	backoff     *backoff.Backoff

	stale       bool
	disabled    bool
	disabledErr error
}

// Aggregator polls candles once per series and reconciles them into closed and live candles.
type Aggregator struct {
	cfg     Config
	client  ports.MarketDataClient
	logger  ports.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	group   singleflight.Group
	now     func() time.Time

	mu      sync.RWMutex
	entries map[domain.SeriesKey]*entry
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator creates an aggregator over a public market data client.
func NewAggregator(cfg Config, client ports.MarketDataClient, logger ports.Logger, opts ...Option) (*Aggregator, error) {
	if client == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for aggregator")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}
	a := &Aggregator{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		entries: make(map[domain.SeriesKey]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Subscribe registers interest in a series and returns its reference count.
func (a *Aggregator) Subscribe(key domain.SeriesKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		e = &entry{
			created: a.now(),
			backoff: &backoff.Backoff{
				Min:    a.cfg.MinBackoff,
				Max:    a.cfg.MaxBackoff,
				Factor: 2,
				Jitter: true,
			},
		}
		a.entries[key] = e
		a.logger.Info(context.Background(), "Series subscribed", map[string]interface{}{"series": key.String()})
	}
	e.refs++
	return e.refs
}

// Unsubscribe drops one reference; the series is forgotten at zero.
func (a *Aggregator) Unsubscribe(key domain.SeriesKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return 0
	}
	e.refs--
	if e.refs > 0 {
		return e.refs
	}
	delete(a.entries, key)
	a.metrics.ForgetSeries(string(key.Market), key.Symbol, string(key.Timeframe))
	a.logger.Info(context.Background(), "Series released", map[string]interface{}{"series": key.String()})
	return 0
}

// Keys lists the subscribed series.
func (a *Aggregator) Keys() []domain.SeriesKey {
	a.mu.RLock()
	keys := make([]domain.SeriesKey, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	a.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// GetSeries returns a snapshot copy of a series.
func (a *Aggregator) GetSeries(key domain.SeriesKey) (Series, error) {
	e := a.entry(key)
	if e == nil {
		return Series{}, fmt.Errorf("series %s: %w", key, ports.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Series{
		Key:         key,
		Closed:      append([]domain.Kline(nil), e.closed...),
		Stale:       e.stale,
		Disabled:    e.disabled,
		LastRefresh: e.lastSuccess,
	}
	if e.live != nil {
		live := *e.live
		s.Live = &live
	}
	return s, nil
}

// Refresh fetches and reconciles one series. Concurrent calls for the same key share one fetch.
func (a *Aggregator) Refresh(ctx context.Context, key domain.SeriesKey) ([]Event, error) {
	v, err, _ := a.group.Do(key.String(), func() (interface{}, error) {
		return a.refresh(ctx, key)
	})
	events, _ := v.([]Event)
	return events, err
}

// RefreshDue refreshes every series that is due, one fetch per series.
// Per-series failures are logged and do not abort the cycle.
func (a *Aggregator) RefreshDue(ctx context.Context) []Event {
	now := a.now()
	a.sweepStale(now)

	var due []domain.SeriesKey
	a.mu.RLock()
	for k, e := range a.entries {
		// A locked entry is being refreshed right now.
		if !e.mu.TryLock() {
			continue
		}
		if a.isDue(k, e, now) {
			due = append(due, k)
		}
		e.mu.Unlock()
	}
	a.mu.RUnlock()
	if len(due) == 0 {
		return nil
	}
	sortKeys(due)

	results := make([][]Event, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, key := range due {
		i, key := i, key
		g.Go(func() error {
			events, err := a.Refresh(gctx, key)
			if err != nil && gctx.Err() == nil {
				a.logger.Warn(gctx, "Series refresh failed", map[string]interface{}{
					"series": key.String(),
					"error":  err.Error(),
				})
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()

	var out []Event
	for _, evs := range results {
		out = append(out, evs...)
	}
	return out
}

// Run drives the shared poll loop until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context, handler Handler) error {
	a.logger.Info(ctx, "Candle aggregator started", map[string]interface{}{"tick": a.cfg.TickInterval.String()})
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if events := a.RefreshDue(ctx); len(events) > 0 && handler != nil {
			handler(ctx, events)
		}
		select {
		case <-ctx.Done():
			a.logger.Info(ctx, "Candle aggregator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Aggregator) entry(key domain.SeriesKey) *entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries[key]
}

// isDue must be called with e.mu held.
func (a *Aggregator) isDue(key domain.SeriesKey, e *entry, now time.Time) bool {
	if e.disabled || now.Before(e.nextAttempt) {
		return false
	}
	if !e.initialized {
		return true
	}
	interval := a.cfg.MaxPollInterval
	if half := key.Timeframe.Duration() / 2; half > 0 && half < interval {
		interval = half
	}
	if now.Sub(e.lastAttempt) >= interval {
		return true
	}
	if e.live != nil {
		// Past its end the live candle is polled every tick until the exchange rolls over,
		// for at most MaxPollInterval.
		boundary := e.live.OpenTime.Add(key.Timeframe.Duration())
		if !now.Before(boundary) && now.Before(boundary.Add(a.cfg.MaxPollInterval)) {
			return true
		}
	}
	return false
}

func (a *Aggregator) sweepStale(now time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for k, e := range a.entries {
		if !e.mu.TryLock() {
			continue
		}
		ref := e.lastSuccess
		if ref.IsZero() {
			ref = e.created
		}
		stale := !e.disabled && now.Sub(ref) > a.cfg.StaleAfter
		if stale != e.stale {
			e.stale = stale
			a.metrics.SetStale(string(k.Market), k.Symbol, string(k.Timeframe), stale)
			if stale {
				a.logger.Warn(context.Background(), "Series is stale", map[string]interface{}{
					"series":      k.String(),
					"lastRefresh": e.lastSuccess,
				})
			}
		}
		e.mu.Unlock()
	}
}

func (a *Aggregator) refresh(ctx context.Context, key domain.SeriesKey) ([]Event, error) {
	op := "Refresh"
	e := a.entry(key)
	if e == nil {
		return nil, fmt.Errorf("%s failed: series %s: %w", op, key, ports.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disabled {
		return nil, fmt.Errorf("%s failed: series %s: %w: %w", op, key, ports.ErrSubscriptionDisabled, e.disabledErr)
	}

	now := a.now()
	e.lastAttempt = now

	limit := a.cfg.FetchLimit
	if !e.initialized || len(e.closed) == 0 {
		limit = a.cfg.HistorySize + 1
	}
	klines, err := a.fetch(ctx, key, limit)
	if err != nil {
		return a.failed(ctx, key, e, now, err)
	}
	closed, live := split(klines)

	if !e.initialized || len(e.closed) == 0 {
		a.succeeded(key, e, now)
		return []Event{a.seed(key, e, closed, live)}, nil
	}

	last := e.closed[len(e.closed)-1].OpenTime
	tf := key.Timeframe.Duration()
	newer := after(closed, last)

	if len(newer) > 0 && !newer[0].OpenTime.Equal(last.Add(tf)) {
		missing := int(newer[0].OpenTime.Sub(last) / tf)
		a.logger.Warn(ctx, "Gap in candle series, backfilling", map[string]interface{}{
			"series":  key.String(),
			"last":    last,
			"first":   newer[0].OpenTime,
			"missing": missing,
		})
		backfillLimit := missing + a.cfg.FetchLimit + 1
		if backfillLimit > maxFetchLimit {
			backfillLimit = maxFetchLimit
		}
		klines, err = a.fetch(ctx, key, backfillLimit)
		if err != nil {
			return a.failed(ctx, key, e, now, err)
		}
		closed, live = split(klines)
		newer = after(closed, last)
	}
	a.succeeded(key, e, now)

	if !contiguousFrom(newer, last, tf) {
		// The exchange itself is missing intervals: restart from what is contiguous.
		a.logger.Warn(ctx, "Candle series not contiguous after backfill, reseeding", map[string]interface{}{
			"series": key.String(),
		})
		return []Event{a.seed(key, e, closed, live)}, nil
	}

	events := make([]Event, 0, len(newer))
	for _, k := range newer {
		e.closed = append(e.closed, k)
		events = append(events, Event{
			Kind:   EventFinalized,
			Key:    key,
			Candle: k,
			Stale:  k.OpenTime.Add(tf).Before(now.Add(-a.cfg.StaleAfter)),
		})
	}
	if over := len(e.closed) - a.cfg.HistorySize; over > 0 {
		e.closed = append([]domain.Kline(nil), e.closed[over:]...)
	}
	if live != nil {
		e.live = live
	}
	return events, nil
}

// seed replaces the cached history with the contiguous tail of closed. Must hold e.mu.
func (a *Aggregator) seed(key domain.SeriesKey, e *entry, closed []domain.Kline, live *domain.Kline) Event {
	tail := contiguousTail(closed, key.Timeframe.Duration())
	if over := len(tail) - a.cfg.HistorySize; over > 0 {
		tail = tail[over:]
	}
	e.closed = append([]domain.Kline(nil), tail...)
	e.live = live
	e.initialized = true
	a.logger.Info(context.Background(), "Series seeded", map[string]interface{}{
		"series":  key.String(),
		"candles": len(e.closed),
	})
	return Event{Kind: EventSeed, Key: key, Candles: append([]domain.Kline(nil), e.closed...)}
}

func (a *Aggregator) succeeded(key domain.SeriesKey, e *entry, now time.Time) {
	e.lastSuccess = now
	e.nextAttempt = time.Time{}
	e.backoff.Reset()
	if e.stale {
		e.stale = false
		a.metrics.SetStale(string(key.Market), key.Symbol, string(key.Timeframe), false)
		a.logger.Info(context.Background(), "Series recovered", map[string]interface{}{"series": key.String()})
	}
}

func (a *Aggregator) failed(ctx context.Context, key domain.SeriesKey, e *entry, now time.Time, err error) ([]Event, error) {
	if ports.IsFatal(err) || errors.Is(err, ports.ErrInvalidRequest) {
		e.disabled = true
		e.disabledErr = err
		a.logger.Error(ctx, err, "Series disabled", map[string]interface{}{"series": key.String()})
		return []Event{{Kind: EventDisabled, Key: key, Err: err}}, err
	}
	wait := e.backoff.Duration()
	e.nextAttempt = now.Add(wait)
	ref := e.lastSuccess
	if ref.IsZero() {
		ref = e.created
	}
	if now.Sub(ref) > a.cfg.StaleAfter && !e.stale {
		e.stale = true
		a.metrics.SetStale(string(key.Market), key.Symbol, string(key.Timeframe), true)
	}
	a.logger.Debug(ctx, "Series fetch backing off", map[string]interface{}{
		"series": key.String(),
		"wait":   wait.String(),
	})
	return nil, err
}

func (a *Aggregator) fetch(ctx context.Context, key domain.SeriesKey, limit int) ([]domain.Kline, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w: %w", ports.ErrContextCanceled, err)
	}
	raw, err := a.client.GetKlines(ctx, key.Market, key.Symbol, string(key.Timeframe), limit)
	a.metrics.FetchObserved(string(key.Market), key.Symbol, string(key.Timeframe), err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Kline, 0, len(raw))
	for _, k := range raw {
		if k == nil {
			continue
		}
		if !key.Timeframe.IsAligned(k.OpenTime) {
			return nil, fmt.Errorf("%w: %s open %s", ErrMisaligned, key, k.OpenTime.Format(time.RFC3339))
		}
		if n := len(out); n > 0 && !k.OpenTime.After(out[n-1].OpenTime) {
			return nil, fmt.Errorf("%w: %s candles out of order", ErrMisaligned, key)
		}
		out = append(out, *k)
	}
	return out, nil
}

// split separates the candles the exchange has moved past from the in-progress one.
// Only a successor in the same response proves a candle closed on the exchange, so the
// newest candle is live however far the local clock has run.
func split(klines []domain.Kline) ([]domain.Kline, *domain.Kline) {
	if len(klines) == 0 {
		return nil, nil
	}
	n := len(klines) - 1
	closed := make([]domain.Kline, n)
	for i := range closed {
		closed[i] = klines[i]
		closed[i].IsFinal = true
	}
	live := klines[n]
	live.IsFinal = false
	return closed, &live
}

func after(klines []domain.Kline, t time.Time) []domain.Kline {
	i := sort.Search(len(klines), func(i int) bool { return klines[i].OpenTime.After(t) })
	return klines[i:]
}

func contiguousFrom(klines []domain.Kline, last time.Time, d time.Duration) bool {
	prev := last
	for _, k := range klines {
		if !k.OpenTime.Equal(prev.Add(d)) {
			return false
		}
		prev = k.OpenTime
	}
	return true
}

func contiguousTail(klines []domain.Kline, d time.Duration) []domain.Kline {
	if len(klines) == 0 {
		return nil
	}
	start := len(klines) - 1
	for start > 0 && klines[start-1].OpenTime.Add(d).Equal(klines[start].OpenTime) {
		start--
	}
	return klines[start:]
}

func sortKeys(keys []domain.SeriesKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
