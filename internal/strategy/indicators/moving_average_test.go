package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

func TestWindowMA(t *testing.T) {
	values := []float64{100, 102, 101, 103, 104}

	tests := []struct {
		name    string
		period  int
		typ     MovingAverageType
		want    float64
		wantErr bool
	}{
		{name: "SMA of the tail", period: 3, typ: SimpleMovingAverage, want: (101 + 103 + 104) / 3.0},
		// Seed 101, then 103 and 104 with k = 0.5.
		{name: "EMA seeded by SMA", period: 3, typ: ExponentialMovingAverage, want: 103},
		{name: "whole window", period: 5, typ: SimpleMovingAverage, want: 102},
		{name: "not enough data", period: 6, typ: SimpleMovingAverage, wantErr: true},
		{name: "zero period", period: 0, typ: ExponentialMovingAverage, wantErr: true},
		{name: "unknown type", period: 3, typ: "WMA", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WindowMA(values, tt.period, tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRollingAverages_MatchWindow(t *testing.T) {
	series := randomWalk(11, 60)
	values := closes(klinePtrs(series))

	for _, typ := range []MovingAverageType{SimpleMovingAverage, ExponentialMovingAverage} {
		t.Run(string(typ), func(t *testing.T) {
			avg := newAverage(typ, 7)
			for i, v := range values {
				got, ok := avg.Update(v)
				want, err := WindowMA(values[:i+1], 7, typ)
				if i < 6 {
					assert.False(t, ok)
					assert.Error(t, err)
					continue
				}
				require.True(t, ok)
				require.NoError(t, err)
				assert.InDelta(t, want, got, 1e-9, "at %d", i)
			}
		})
	}
}

func klinePtrs(series []domain.Kline) []*domain.Kline {
	out := make([]*domain.Kline, len(series))
	for i := range series {
		out[i] = &series[i]
	}
	return out
}
