package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

const validUsersYAML = `
users:
  - id: 1
    name: alice
    active: true
    credential: alice
    notify: chat-1
    subscriptions:
      - market: futures
        symbol: btcusdt
        timeframe: 60m
        monitors: {ma: true, macd: true}
        auto_trade:
          mode: MAMACD
          quantity: 0.01
          leverage: 5
          protection:
            stop_loss_pct: 2
            take_profit_pct: 4
            resting: true
      - market: spot
        symbol: ETHUSDT
        anomaly_pct: 3
  - id: 2
    active: true
    subscriptions:
      - symbol: SOLUSDT
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadUsers(t *testing.T) {
	users, err := LoadUsers(writeFile(t, "users.yaml", validUsersYAML))
	require.NoError(t, err)
	require.Len(t, users, 2)

	alice := users[0]
	assert.Equal(t, int64(1), alice.ID)
	assert.Equal(t, "chat-1", alice.NotifyTarget)
	assert.True(t, alice.HasTrading)
	require.Len(t, alice.Subscriptions, 2)

	btc := alice.Subscriptions[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, domain.Timeframe1h, btc.Timeframe, "alias normalized")
	assert.True(t, btc.Trades())
	require.NotNil(t, btc.AutoTrade)
	assert.Equal(t, domain.TradeModeMAMACD, btc.AutoTrade.Mode)
	assert.Equal(t, domain.ProtectionPercent, btc.AutoTrade.Protection.Mode)
	assert.True(t, btc.AutoTrade.Protection.Resting)
	assert.False(t, btc.Monitors.Anomaly)

	eth := alice.Subscriptions[1]
	assert.Equal(t, domain.MarketSpot, eth.Market)
	assert.Equal(t, domain.DefaultTimeframe, eth.Timeframe)
	assert.True(t, eth.Monitors.Anomaly, "no monitors selected enables all of them")
	assert.False(t, eth.Trades())

	sol := users[1].Subscriptions[0]
	assert.Equal(t, domain.MarketFutures, sol.Market)
	assert.False(t, users[1].HasTrading)
}

func TestLoadUsersJSON(t *testing.T) {
	body := `{"users":[{"id":3,"subscriptions":[{"symbol":"BNBUSDT","timeframe":"5m"}]}]}`
	users, err := LoadUsers(writeFile(t, "users.json", body))
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, domain.Timeframe5m, users[0].Subscriptions[0].Timeframe)
}

func TestLoadUsersValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{
			"missing id",
			"users:\n  - subscriptions:\n      - symbol: BTCUSDT\n",
			"ID",
		},
		{
			"bad timeframe",
			"users:\n  - id: 1\n    subscriptions:\n      - symbol: BTCUSDT\n        timeframe: 7m\n",
			`"timeframe"`,
		},
		{
			"trading without credential",
			"users:\n  - id: 1\n    subscriptions:\n      - symbol: BTCUSDT\n        auto_trade: {mode: any, quantity: 1}\n",
			"CredentialRef",
		},
		{
			"spot auto trade",
			"users:\n  - id: 1\n    credential: a\n    subscriptions:\n      - market: spot\n        symbol: BTCUSDT\n        auto_trade: {mode: any, quantity: 1}\n",
			"requires the futures market",
		},
		{
			"no size",
			"users:\n  - id: 1\n    credential: a\n    subscriptions:\n      - symbol: BTCUSDT\n        auto_trade: {mode: any}\n",
			"Quantity",
		},
		{
			"duplicate trading symbol",
			"users:\n  - id: 1\n    credential: a\n    subscriptions:\n      - symbol: BTCUSDT\n        timeframe: 1m\n        auto_trade: {mode: any, quantity: 1}\n      - symbol: BTCUSDT\n        timeframe: 5m\n        auto_trade: {mode: ma, quantity: 1}\n",
			"more than one trading subscription",
		},
		{
			"duplicate user",
			"users:\n  - id: 1\n  - id: 1\n",
			"duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadUsers(writeFile(t, "users.yaml", tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ports.ErrConfigurationError)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadUsersMissingFile(t *testing.T) {
	_, err := LoadUsers(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}
