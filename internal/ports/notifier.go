package ports

import (
	"context"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// Notifier relays structured events to the user-facing front-end.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}
