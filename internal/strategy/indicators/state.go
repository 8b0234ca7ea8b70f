package indicators

import (
	"fmt"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// SetConfig is the indicator set maintained per (symbol, timeframe).
type SetConfig struct {
	FastMA    int
	SlowMA    int
	MAType    MovingAverageType
	MACD      MACDConfig
	ATRPeriod int
}

// DefaultSetConfig mirrors the MA9/MA26 and 12/26/9 settings.
var DefaultSetConfig = SetConfig{
	FastMA:    9,
	SlowMA:    26,
	MAType:    SimpleMovingAverage,
	MACD:      DefaultMACDConfig,
	ATRPeriod: 14,
}

// Validate checks the periods.
func (c SetConfig) Validate() error {
	if c.FastMA <= 0 || c.SlowMA <= 0 {
		return fmt.Errorf("MA periods must be positive")
	}
	if c.FastMA >= c.SlowMA {
		return fmt.Errorf("fast MA period %d must be below slow MA period %d", c.FastMA, c.SlowMA)
	}
	if c.MAType != SimpleMovingAverage && c.MAType != ExponentialMovingAverage {
		return fmt.Errorf("unsupported moving average type: %s", c.MAType)
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("ATR period must be positive")
	}
	return c.MACD.Validate()
}

// Warmup is the number of closed candles needed before every indicator is ready,
// plus one so a cross can be observed on the first live evaluation.
func (c SetConfig) Warmup() int {
	n := c.SlowMA
	if m := c.MACD.RequiredDataPoints(); m > n {
		n = m
	}
	if c.ATRPeriod+1 > n {
		n = c.ATRPeriod + 1
	}
	return n + 1
}

// Snapshot is the indicator reading after one candle.
type Snapshot struct {
	Time      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	PrevClose float64
	HasPrev   bool

	FastMA  float64
	SlowMA  float64
	MAReady bool

	MACD      float64
	Signal    float64
	Histogram float64
	MACDReady bool

	ATR      float64
	ATRReady bool

	Count int
}

// MADelta is fast MA minus slow MA.
func (s Snapshot) MADelta() float64 { return s.FastMA - s.SlowMA }

// WilderATR is the incremental counterpart of ATR.Calculate.
type WilderATR struct {
	period    int
	count     int
	sum       float64
	value     float64
	prevClose float64
}

// NewWilderATR creates an ATR of period candles.
func NewWilderATR(period int) *WilderATR {
	return &WilderATR{period: period}
}

// Update adds a candle; the value is reported ready after period+1 candles.
func (a *WilderATR) Update(high, low, close float64) (float64, bool) {
	tr := high - low
	if a.count > 0 {
		tr = trueRange(high, low, a.prevClose)
	}
	a.prevClose = close
	a.count++
	switch {
	case a.count < a.period:
		a.sum += tr
	case a.count == a.period:
		a.sum += tr
		a.value = a.sum / float64(a.period)
	default:
		a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	}
	return a.value, a.count > a.period
}

// State holds the incrementally updated indicators of one candle series.
type State struct {
	cfg        SetConfig
	fast, slow updater
	macdFast   *RollingEMA
	macdSlow   *RollingEMA
	macdSignal *RollingEMA
	atr        *WilderATR
	last       Snapshot
	count      int
}

// NewState creates empty indicator state.
func NewState(cfg SetConfig) *State {
	s := &State{
		cfg:        cfg,
		macdFast:   NewRollingEMA(cfg.MACD.Fast),
		macdSlow:   NewRollingEMA(cfg.MACD.Slow),
		macdSignal: NewRollingEMA(cfg.MACD.Signal),
		atr:        NewWilderATR(cfg.ATRPeriod),
	}
	s.fast, s.slow = newAverage(cfg.MAType, cfg.FastMA), newAverage(cfg.MAType, cfg.SlowMA)
	return s
}

// Count is the number of candles consumed.
func (s *State) Count() int { return s.count }

// Last returns the latest snapshot.
func (s *State) Last() Snapshot { return s.last }

// Update consumes one closed candle.
func (s *State) Update(k domain.Kline) Snapshot {
	snap := Snapshot{
		Time:  k.OpenTime,
		Open:  k.Open,
		High:  k.High,
		Low:   k.Low,
		Close: k.Close,
	}
	if s.count > 0 {
		snap.PrevClose = s.last.Close
		snap.HasPrev = true
	}
	s.count++
	snap.Count = s.count

	fast, fastOK := s.fast.Update(k.Close)
	slow, slowOK := s.slow.Update(k.Close)
	snap.FastMA, snap.SlowMA, snap.MAReady = fast, slow, fastOK && slowOK

	mf, _ := s.macdFast.Update(k.Close)
	ms, slowReady := s.macdSlow.Update(k.Close)
	if slowReady {
		line := mf - ms
		sig, sigOK := s.macdSignal.Update(line)
		snap.MACD = line
		if sigOK {
			snap.Signal = sig
			snap.Histogram = line - sig
			snap.MACDReady = true
		}
	}

	snap.ATR, snap.ATRReady = s.atr.Update(k.High, k.Low, k.Close)

	s.last = snap
	return snap
}
