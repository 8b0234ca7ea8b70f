package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/strategy/indicators"
)

// Config holds parameters for signal detection.
type Config struct {
	Indicators indicators.SetConfig
	// AnomalyATRMultiple flags a candle whose move or range exceeds this many ATRs.
	AnomalyATRMultiple float64
}

// driftTolerance is the relative error allowed between incremental and recomputed readings.
const driftTolerance = 1e-6

// DefaultConfig is MA 9/26 SMA, MACD 12/26/9, ATR 14, anomaly at 3 ATR.
var DefaultConfig = Config{
	Indicators:         indicators.DefaultSetConfig,
	AnomalyATRMultiple: 3,
}

// Evaluation is the detector output for one finalized candle of a series.
type Evaluation struct {
	Key      domain.SeriesKey
	Candle   domain.Kline
	Snapshot indicators.Snapshot
	Stale    bool

	// MACross and MACDCross are SideFlat when no cross happened.
	MACross      domain.Side
	MAStrength   float64
	MACDCross    domain.Side
	MACDStrength float64
	// MACDSide is the side the MACD line currently sits on relative to its signal line.
	MACDSide domain.Side

	// AnomalyRatio is the candle move in ATR units of the previous candle; 0 if ATR was not ready.
	AnomalyRatio  float64
	ATRAnomaly    bool
	MoveDirection domain.Side
	ChangePct     float64
}

type seriesState struct {
	ind      *indicators.State
	lastTime time.Time
	maSign   int
	macdSign int
	prevATR  float64
	prevOK   bool
}

// Engine maintains indicator state per candle series and detects crosses and anomalies.
type Engine struct {
	cfg    Config
	logger ports.Logger

	mu     sync.Mutex
	series map[domain.SeriesKey]*seriesState
}

// New creates a new Engine instance.
func New(cfg Config, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for signal engine")
	}
	if err := cfg.Indicators.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indicator config: %w", err)
	}
	if cfg.AnomalyATRMultiple <= 0 {
		return nil, fmt.Errorf("anomaly ATR multiple must be positive")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		series: make(map[domain.SeriesKey]*seriesState),
	}, nil
}

// Seed discards any state of the series and warms it on closed history.
// No signals are produced for history. The warmed state is checked against a
// full recomputation of the same history.
func (e *Engine) Seed(key domain.SeriesKey, closed []domain.Kline) {
	ctx := context.Background()
	st := e.newSeries()
	for i := range closed {
		st.apply(closed[i])
	}

	e.mu.Lock()
	e.series[key] = st
	e.mu.Unlock()

	e.logger.Debug(ctx, "Signal engine seeded", map[string]interface{}{
		"series":  key.String(),
		"candles": len(closed),
	})
	if len(closed) == 0 {
		return
	}
	ref, err := indicators.Recompute(ctx, closed, e.cfg.Indicators)
	if err != nil {
		e.logger.Warn(ctx, "Could not recompute seeded indicators", map[string]interface{}{"series": key.String(), "error": err.Error()})
		return
	}
	if drift := indicators.Diverges(st.ind.Last(), ref, driftTolerance); len(drift) > 0 {
		e.logger.Warn(ctx, "Incremental indicators drifted from recomputation", map[string]interface{}{
			"series":  key.String(),
			"candles": len(closed),
			"fields":  drift,
		})
	}
}

// Drop forgets a series.
func (e *Engine) Drop(key domain.SeriesKey) {
	e.mu.Lock()
	delete(e.series, key)
	e.mu.Unlock()
}

// Evaluate updates the series with a finalized candle and reports what fired.
// Replays and duplicates return false.
func (e *Engine) Evaluate(key domain.SeriesKey, candle domain.Kline, stale bool) (*Evaluation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.series[key]
	if !ok {
		st = e.newSeries()
		e.series[key] = st
	}
	if !st.lastTime.IsZero() {
		if !candle.OpenTime.After(st.lastTime) {
			return nil, false
		}
		if !candle.OpenTime.Equal(st.lastTime.Add(key.Timeframe.Duration())) {
			// Indicators must not span a gap.
			e.logger.Warn(context.Background(), "Non-adjacent candle, resetting indicator state", map[string]interface{}{
				"series":   key.String(),
				"lastTime": st.lastTime,
				"openTime": candle.OpenTime,
			})
			st = e.newSeries()
			e.series[key] = st
		}
	}

	prevMA, prevMACD := st.maSign, st.macdSign
	snap := st.apply(candle)
	prevATR, prevATROK := st.prevATR, st.prevOK

	ev := &Evaluation{
		Key:       key,
		Candle:    candle,
		Snapshot:  snap,
		Stale:     stale,
		MACross:   domain.SideFlat,
		MACDCross: domain.SideFlat,
		MACDSide:  domain.SideFlat,
	}

	if snap.MAReady && prevMA != 0 && st.maSign != prevMA {
		ev.MACross = sideOf(st.maSign)
		if snap.SlowMA != 0 {
			ev.MAStrength = math.Abs(snap.MADelta()) / snap.SlowMA * 100
		}
	}
	if snap.MACDReady {
		ev.MACDSide = sideOf(st.macdSign)
		if prevMACD != 0 && st.macdSign != prevMACD {
			ev.MACDCross = sideOf(st.macdSign)
			if snap.Close != 0 {
				ev.MACDStrength = math.Abs(snap.Histogram) / snap.Close * 100
			}
		}
	}

	if snap.HasPrev {
		move := snap.Close - snap.PrevClose
		ev.MoveDirection = sideOf(sign(move))
		if ev.MoveDirection == domain.SideFlat {
			ev.MoveDirection = sideOf(sign(snap.Close - snap.Open))
		}
		if snap.PrevClose != 0 {
			ev.ChangePct = move / snap.PrevClose * 100
		}
		if prevATROK && prevATR > 0 {
			magnitude := math.Max(math.Abs(move), snap.High-snap.Low)
			ev.AnomalyRatio = magnitude / prevATR
			ev.ATRAnomaly = ev.AnomalyRatio >= e.cfg.AnomalyATRMultiple && ev.MoveDirection != domain.SideFlat
		}
	}

	return ev, true
}

// LatestATR returns the current ATR of a series.
func (e *Engine) LatestATR(key domain.SeriesKey) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.series[key]
	if !ok {
		return 0, false
	}
	last := st.ind.Last()
	return last.ATR, last.ATRReady
}

// SelectSignal applies a subscription's monitors to an evaluation and returns the
// single highest-priority signal, if any.
func SelectSignal(ev *Evaluation, userID int64, sub *domain.Subscription) (*domain.Signal, bool) {
	if ev == nil || sub == nil || ev.Stale {
		return nil, false
	}
	base := domain.Signal{
		UserID:    userID,
		Market:    ev.Key.Market,
		Symbol:    ev.Key.Symbol,
		Timeframe: ev.Key.Timeframe,
		Time:      ev.Candle.OpenTime,
		Price:     ev.Candle.Close,
		ChangePct: ev.ChangePct,
	}

	var candidates []domain.Signal
	if sub.Monitors.Anomaly && ev.MoveDirection.IsDirectional() {
		pctHit := sub.AnomalyPct > 0 && math.Abs(ev.ChangePct) >= sub.AnomalyPct
		if ev.ATRAnomaly || pctHit {
			s := base
			s.Kind = domain.SignalAnomaly
			s.Direction = ev.MoveDirection
			s.Strength = ev.AnomalyRatio
			if s.Strength == 0 {
				s.Strength = math.Abs(ev.ChangePct)
			}
			candidates = append(candidates, s)
		}
	}
	if sub.Monitors.MACD && ev.MACDCross.IsDirectional() {
		s := base
		s.Kind = domain.SignalMACDCross
		s.Direction = ev.MACDCross
		s.Strength = ev.MACDStrength
		candidates = append(candidates, s)
	}
	if sub.Monitors.MA && ev.MACross.IsDirectional() {
		s := base
		s.Kind = domain.SignalMACross
		s.Direction = ev.MACross
		s.Strength = ev.MAStrength
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Kind.Priority() > best.Kind.Priority() {
			best = c
		}
	}
	best.MACDConfirms = ev.MACDSide.IsDirectional() && ev.MACDSide == best.Direction
	return &best, true
}

func (e *Engine) newSeries() *seriesState {
	return &seriesState{ind: indicators.NewState(e.cfg.Indicators)}
}

// apply feeds one candle and tracks the last non-zero delta signs.
// prevATR holds the ATR as of the candle before k.
func (s *seriesState) apply(k domain.Kline) indicators.Snapshot {
	prev := s.ind.Last()
	s.prevATR, s.prevOK = prev.ATR, prev.ATRReady && s.ind.Count() > 0
	snap := s.ind.Update(k)
	s.lastTime = k.OpenTime
	if snap.MAReady {
		if sg := sign(snap.MADelta()); sg != 0 {
			s.maSign = sg
		}
	}
	if snap.MACDReady {
		if sg := sign(snap.Histogram); sg != 0 {
			s.macdSign = sg
		}
	}
	return snap
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func sideOf(sg int) domain.Side {
	switch sg {
	case 1:
		return domain.SideLong
	case -1:
		return domain.SideShort
	}
	return domain.SideFlat
}
