package domain

// TradeMode selects which signals may place real orders.
type TradeMode string

const (
	TradeModeOff    TradeMode = "off"    // notify only
	TradeModeMA     TradeMode = "ma"     // MA crosses trade
	TradeModeMACD   TradeMode = "macd"   // MACD crosses trade
	TradeModeMAMACD TradeMode = "mamacd" // MA crosses trade when MACD agrees
	TradeModeAny    TradeMode = "any"    // every forwarded signal trades, anomalies included
)

// Allows reports whether sig may trigger orders under this mode.
func (m TradeMode) Allows(sig *Signal) bool {
	if sig == nil {
		return false
	}
	switch m {
	case TradeModeMA:
		return sig.Kind == SignalMACross
	case TradeModeMACD:
		return sig.Kind == SignalMACDCross
	case TradeModeMAMACD:
		return sig.Kind == SignalMACross && sig.MACDConfirms
	case TradeModeAny:
		return true
	}
	return false
}

// ProtectionMode selects how stop-loss and take-profit levels are derived.
type ProtectionMode string

const (
	ProtectionPercent ProtectionMode = "percent"
	ProtectionATR     ProtectionMode = "atr"
	ProtectionPrice   ProtectionMode = "price"
)

// ProtectionConfig holds the SL/TP parameters of one auto-trading subscription.
// Percent values are in percent units (2 means 2%). Zero disables a leg.
type ProtectionConfig struct {
	Mode            ProtectionMode `mapstructure:"mode" validate:"omitempty,oneof=percent atr price"`
	StopLossPct     float64        `mapstructure:"stop_loss_pct" validate:"gte=0,lt=100"`
	TakeProfitPct   float64        `mapstructure:"take_profit_pct" validate:"gte=0"`
	StopLossATR     float64        `mapstructure:"stop_loss_atr" validate:"gte=0"`
	TakeProfitATR   float64        `mapstructure:"take_profit_atr" validate:"gte=0"`
	StopLossPrice   float64        `mapstructure:"stop_loss_price" validate:"gte=0"`
	TakeProfitPrice float64        `mapstructure:"take_profit_price" validate:"gte=0"`
	// Resting places exchange-side protective orders when the market supports them.
	Resting bool `mapstructure:"resting"`
}

// AutoTrade configures order placement for one subscription.
type AutoTrade struct {
	Mode                TradeMode        `mapstructure:"mode" validate:"required,oneof=off ma macd mamacd any"`
	Quantity            float64          `mapstructure:"quantity" validate:"required_without=Amount,gte=0"`
	Amount              float64          `mapstructure:"amount" validate:"required_without=Quantity,gte=0"`
	Leverage            int              `mapstructure:"leverage" validate:"gte=0,lte=125"`
	QuantityPrecision   int              `mapstructure:"quantity_precision" validate:"gte=0,lte=8"`
	PricePrecision      int              `mapstructure:"price_precision" validate:"gte=0,lte=8"`
	Protection          ProtectionConfig `mapstructure:"protection"`
	ReversalMinStrength float64          `mapstructure:"reversal_min_strength" validate:"gte=0"`
	MaxTradesPerDay     int              `mapstructure:"max_trades_per_day" validate:"gte=0"`
}

// Enabled reports whether the subscription may place orders at all.
func (a *AutoTrade) Enabled() bool {
	return a != nil && a.Mode != "" && a.Mode != TradeModeOff
}

// Monitors selects the active detectors of a subscription.
type Monitors struct {
	MA      bool `mapstructure:"ma"`
	MACD    bool `mapstructure:"macd"`
	Anomaly bool `mapstructure:"anomaly"`
}

// Any reports whether at least one detector is active.
func (m Monitors) Any() bool { return m.MA || m.MACD || m.Anomaly }

// Subscription describes what a user watches and how to react.
type Subscription struct {
	Market    MarketType `mapstructure:"market" validate:"required,oneof=spot futures"`
	Symbol    string     `mapstructure:"symbol" validate:"required,uppercase,alphanum,min=5,max=20"`
	Timeframe Timeframe  `mapstructure:"timeframe" validate:"required,timeframe"`
	Monitors  Monitors   `mapstructure:"monitors"`
	// AnomalyPct fires an anomaly when |close change| exceeds this percent. Zero disables it.
	AnomalyPct float64    `mapstructure:"anomaly_pct" validate:"gte=0"`
	AutoTrade  *AutoTrade `mapstructure:"auto_trade" validate:"omitempty"`
}

// Trades reports whether the subscription can place orders.
func (s *Subscription) Trades() bool {
	return s.Market == MarketFutures && s.AutoTrade.Enabled()
}

// UserConfig is the fully validated configuration of one user.
type UserConfig struct {
	ID            int64          `mapstructure:"id" validate:"required,gt=0"`
	Name          string         `mapstructure:"name"`
	Active        bool           `mapstructure:"active"`
	CredentialRef string         `mapstructure:"credential" validate:"required_if=HasTrading true"`
	NotifyTarget  string         `mapstructure:"notify"`
	Subscriptions []Subscription `mapstructure:"subscriptions" validate:"dive"`
	// HasTrading is derived after decoding and drives credential validation.
	HasTrading bool `mapstructure:"-"`
}

// HasAutoTrading reports whether any subscription places orders.
func (u *UserConfig) HasAutoTrading() bool {
	for i := range u.Subscriptions {
		if u.Subscriptions[i].Trades() {
			return true
		}
	}
	return false
}

const (
	DefaultQuantityPrecision = 3
	DefaultPricePrecision    = 4
)

// QtyPrecision returns the configured quantity precision or the default.
func (a *AutoTrade) QtyPrecision() int {
	if a == nil || a.QuantityPrecision == 0 {
		return DefaultQuantityPrecision
	}
	return a.QuantityPrecision
}

// PxPrecision returns the configured price precision or the default.
func (a *AutoTrade) PxPrecision() int {
	if a == nil || a.PricePrecision == 0 {
		return DefaultPricePrecision
	}
	return a.PricePrecision
}
