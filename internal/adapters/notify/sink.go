// Package notify writes structured notifications as JSON lines for an external front-end to relay.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// Sink implements ports.Notifier on an io.Writer, one JSON object per line.
type Sink struct {
	logger ports.Logger
	now    func() time.Time

	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewSink writes notifications to w.
func NewSink(w io.Writer, logger ports.Logger) *Sink {
	return &Sink{logger: logger, now: time.Now, enc: json.NewEncoder(w)}
}

// OpenFile appends notifications to path, creating it if needed. "-" selects stdout.
func OpenFile(path string, logger ports.Logger) (*Sink, error) {
	if path == "" || path == "-" {
		return NewSink(os.Stdout, logger), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification file %s: %w: %w", path, ports.ErrConfigurationError, err)
	}
	s := NewSink(f, logger)
	s.closer = f
	return s, nil
}

// Notify writes n as a single line. Writes are serialized.
func (s *Sink) Notify(ctx context.Context, n domain.Notification) error {
	if n.Time.IsZero() {
		n.Time = s.now()
	}
	n.Time = n.Time.UTC()

	s.mu.Lock()
	err := s.enc.Encode(n)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error(ctx, err, "Notify: failed to write notification", map[string]interface{}{"kind": n.Kind, "userID": n.UserID})
		return fmt.Errorf("notify %s failed: %w", n.Kind, err)
	}
	s.logger.Debug(ctx, "Notify: notification written", map[string]interface{}{"kind": n.Kind, "userID": n.UserID, "symbol": n.Symbol})
	return nil
}

// Close closes the underlying file, if the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
