package domain

import "time"

// NotificationKind enumerates the structured events relayed to a user.
type NotificationKind string

const (
	NotifySignal               NotificationKind = "signal"
	NotifyPositionOpened       NotificationKind = "position_opened"
	NotifyPositionReversed     NotificationKind = "position_reversed"
	NotifyPositionClosed       NotificationKind = "position_closed"
	NotifyPositionAdopted      NotificationKind = "position_adopted"
	NotifyProtectionTriggered  NotificationKind = "protection_triggered"
	NotifyReconciled           NotificationKind = "reconciled"
	NotifyAlert                NotificationKind = "alert"
	NotifySubscriptionDisabled NotificationKind = "subscription_disabled"
	NotifyDailySummary         NotificationKind = "daily_summary"
)

// Notification is a structured event; rendering it for humans is the front-end's job.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	UserID     int64            `json:"user_id"`
	Target     string           `json:"target,omitempty"`
	Symbol     string           `json:"symbol,omitempty"`
	Timeframe  Timeframe        `json:"timeframe,omitempty"`
	Signal     *Signal          `json:"signal,omitempty"`
	Side       Side             `json:"side,omitempty"`
	Origin     Origin           `json:"origin,omitempty"`
	Price      float64          `json:"price,omitempty"`
	Quantity   float64          `json:"quantity,omitempty"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	PNL        float64          `json:"pnl,omitempty"`
	Trades     int              `json:"trades,omitempty"`
	Wins       int              `json:"wins,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Time       time.Time        `json:"time"`
}
