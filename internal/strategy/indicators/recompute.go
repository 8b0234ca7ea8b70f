package indicators

import (
	"context"
	"fmt"
	"math"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// Recompute derives the last snapshot of a candle series from scratch.
// It is the reference that incremental State must agree with.
func Recompute(ctx context.Context, klines []domain.Kline, cfg SetConfig) (Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}
	if len(klines) == 0 {
		return Snapshot{}, fmt.Errorf("no candles to recompute")
	}

	window := make([]*domain.Kline, len(klines))
	for i := range klines {
		window[i] = &klines[i]
	}
	last := klines[len(klines)-1]
	snap := Snapshot{
		Time:  last.OpenTime,
		Open:  last.Open,
		High:  last.High,
		Low:   last.Low,
		Close: last.Close,
		Count: len(klines),
	}
	if len(klines) > 1 {
		snap.PrevClose = klines[len(klines)-2].Close
		snap.HasPrev = true
	}

	if len(klines) >= cfg.SlowMA {
		values := closes(window)
		var err error
		if snap.FastMA, err = WindowMA(values, cfg.FastMA, cfg.MAType); err != nil {
			return Snapshot{}, err
		}
		if snap.SlowMA, err = WindowMA(values, cfg.SlowMA, cfg.MAType); err != nil {
			return Snapshot{}, err
		}
		snap.MAReady = true
	}

	macd := NewMACD(cfg.MACD)
	if len(klines) >= macd.RequiredDataPoints() {
		v, err := macd.Values(closes(window))
		if err != nil {
			return Snapshot{}, err
		}
		snap.MACD, snap.Signal, snap.Histogram = v.MACD, v.Signal, v.Histogram
		snap.MACDReady = true
	}

	atr := NewATR(ATRConfig{IndicatorConfig: IndicatorConfig{Period: cfg.ATRPeriod}})
	if len(klines) >= atr.RequiredDataPoints() {
		v, err := atr.Calculate(ctx, window)
		if err != nil {
			return Snapshot{}, err
		}
		snap.ATR = v
		snap.ATRReady = true
	}

	return snap, nil
}

// Diverges lists the readings of inc that differ from ref by more than tol, relative to
// the magnitude of ref. Readiness mismatches are reported too.
func Diverges(inc, ref Snapshot, tol float64) []string {
	var out []string
	check := func(name string, a, b float64) {
		if math.Abs(a-b) > tol*math.Max(1, math.Abs(b)) {
			out = append(out, name)
		}
	}
	if inc.MAReady != ref.MAReady {
		out = append(out, "maReady")
	} else if inc.MAReady {
		check("fastMA", inc.FastMA, ref.FastMA)
		check("slowMA", inc.SlowMA, ref.SlowMA)
	}
	if inc.MACDReady != ref.MACDReady {
		out = append(out, "macdReady")
	} else if inc.MACDReady {
		check("macd", inc.MACD, ref.MACD)
		check("signal", inc.Signal, ref.Signal)
	}
	if inc.ATRReady != ref.ATRReady {
		out = append(out, "atrReady")
	} else if inc.ATRReady {
		check("atr", inc.ATR, ref.ATR)
	}
	return out
}
