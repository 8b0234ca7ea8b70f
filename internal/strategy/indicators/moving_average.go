package indicators

import "fmt"

// MovingAverageType selects how the MA cross lines are smoothed.
type MovingAverageType string

const (
	SimpleMovingAverage      MovingAverageType = "SMA"
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// updater is a streaming average.
type updater interface {
	Update(v float64) (float64, bool)
}

func newAverage(typ MovingAverageType, period int) updater {
	if typ == ExponentialMovingAverage {
		return NewRollingEMA(period)
	}
	return NewRollingSMA(period)
}

// WindowMA averages the last period values of a full window. The EMA is seeded with
// the SMA of the first period values, the same way RollingEMA is.
func WindowMA(values []float64, period int, typ MovingAverageType) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%s period must be positive, got %d", typ, period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate %s for period %d", len(values), typ, period)
	}
	switch typ {
	case SimpleMovingAverage:
		total := 0.0
		for _, v := range values[len(values)-period:] {
			total += v
		}
		return total / float64(period), nil
	case ExponentialMovingAverage:
		k := 2.0 / float64(period+1)
		ema := 0.0
		for _, v := range values[:period] {
			ema += v
		}
		ema /= float64(period)
		for _, v := range values[period:] {
			ema = (v-ema)*k + ema
		}
		return ema, nil
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", typ)
	}
}

// RollingSMA is an incremental simple moving average over a ring buffer.
type RollingSMA struct {
	period int
	window []float64
	next   int
	count  int
	sum    float64
}

// NewRollingSMA creates an SMA of period values.
func NewRollingSMA(period int) *RollingSMA {
	return &RollingSMA{period: period, window: make([]float64, period)}
}

// Update adds v and returns the average once period values were seen.
func (s *RollingSMA) Update(v float64) (float64, bool) {
	if s.count >= s.period {
		s.sum -= s.window[s.next]
	} else {
		s.count++
	}
	s.window[s.next] = v
	s.sum += v
	s.next = (s.next + 1) % s.period
	if s.count < s.period {
		return 0, false
	}
	return s.sum / float64(s.period), true
}

// RollingEMA is an incremental EMA seeded by the SMA of its first period values.
type RollingEMA struct {
	period int
	k      float64
	count  int
	seed   float64
	value  float64
}

// NewRollingEMA creates an EMA of period values.
func NewRollingEMA(period int) *RollingEMA {
	return &RollingEMA{period: period, k: 2.0 / float64(period+1)}
}

// Update adds v and returns the EMA once seeded.
func (e *RollingEMA) Update(v float64) (float64, bool) {
	e.count++
	switch {
	case e.count < e.period:
		e.seed += v
		return 0, false
	case e.count == e.period:
		e.seed += v
		e.value = e.seed / float64(e.period)
	default:
		e.value = (v-e.value)*e.k + e.value
	}
	return e.value, true
}
