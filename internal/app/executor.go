package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/position"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// reaction is one unit of work for a (user, symbol).
type reaction func(ctx context.Context)

// serialExecutor runs reactions in FIFO order per key, at most one at a time per key.
// A key costs a goroutine only while its queue is non-empty.
type serialExecutor struct {
	ctx    context.Context // Detached from the caller's cancellation
	logger ports.Logger

	mu      sync.Mutex
	queues  map[position.Key][]reaction
	running map[position.Key]bool
	closed  bool
	active  int // Draining goroutines
	idle    *sync.Cond
}

func newSerialExecutor(ctx context.Context, logger ports.Logger) *serialExecutor {
	e := &serialExecutor{
		ctx:     context.WithoutCancel(ctx),
		logger:  logger,
		queues:  make(map[position.Key][]reaction),
		running: make(map[position.Key]bool),
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Submit queues fn behind the pending reactions of key. It reports false once the executor is closed.
func (e *serialExecutor) Submit(key position.Key, fn reaction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queues[key] = append(e.queues[key], fn)
	if !e.running[key] {
		e.running[key] = true
		e.active++
		go e.drain(key)
	}
	return true
}

func (e *serialExecutor) drain(key position.Key) {
	for {
		e.mu.Lock()
		q := e.queues[key]
		if len(q) == 0 {
			delete(e.queues, key)
			delete(e.running, key)
			e.active--
			if e.active == 0 {
				e.idle.Broadcast()
			}
			e.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		e.queues[key] = q[1:]
		e.mu.Unlock()

		e.run(key, fn)
	}
}

func (e *serialExecutor) run(key position.Key, fn reaction) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(e.ctx, fmt.Errorf("panic: %v", r), "Reaction panicked", map[string]interface{}{
				"userID": key.UserID,
				"symbol": key.Symbol,
			})
		}
	}()
	fn(e.ctx)
}

// Close rejects new work and waits for queued reactions to finish, up to timeout.
func (e *serialExecutor) Close(timeout time.Duration) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reactions still running after %s: %w", timeout, ports.ErrTimeout)
	}
}

// Wait blocks until every queue is empty. Used by tests and the one-shot CLI paths.
func (e *serialExecutor) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.active > 0 {
		e.idle.Wait()
	}
}
