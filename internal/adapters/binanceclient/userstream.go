package binanceclient

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// StreamUserData starts the account order/fill stream. The listen key is kept
// alive and the socket is reconnected with exponential backoff until ctx is
// cancelled, stopCh is signalled or the reconnect budget runs out.
func (c *Client) StreamUserData(ctx context.Context, handler func(update *ports.OrderUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamUserData"
	listenKey, err := c.startUserStream(ctx)
	if err != nil {
		return nil, nil, err
	}

	wsCtx, cancelWs := context.WithCancel(ctx)
	fields := map[string]interface{}{"userID": c.userID}

	binanceHandler := func(event *futures.WsUserDataEvent) {
		if event != nil && event.Event == futures.UserDataEventTypeListenKeyExpired {
			c.logger.Warn(wsCtx, op+": Listen key expired", fields)
			return
		}
		if u := translateOrderUpdate(c.userID, event); u != nil {
			handler(u)
		}
	}
	binanceErrHandler := func(err error) {
		translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
		if errHandler != nil {
			errHandler(translatedErr)
		}
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		defer close(doneCh)
		defer cancelWs()
		defer c.closeUserStream(listenKey)

		b := &backoff.Backoff{Min: c.reconnectDelay, Max: c.maxReconnectDelay, Factor: 2, Jitter: true}
		keepAlive := time.NewTicker(c.keepAlive)
		defer keepAlive.Stop()

		for {
			innerDoneCh, innerStopCh, connectErr := futures.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				if !c.sleepBackoff(wsCtx, b, op, errHandler) {
					return
				}
				// A fresh key covers the case where the old one expired while disconnected.
				if key, err := c.startUserStream(wsCtx); err == nil {
					listenKey = key
				}
				continue
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.", fields)
			b.Reset()

		connected:
			for {
				select {
				case <-keepAlive.C:
					if err := c.keepAliveUserStream(wsCtx, listenKey); err != nil {
						c.logger.Warn(wsCtx, op+": Keepalive failed, renewing listen key", fields)
						if key, err := c.startUserStream(wsCtx); err == nil && key != listenKey {
							listenKey = key
							closeInner(innerStopCh)
						}
					}
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
					break connected
				case <-wsCtx.Done():
					closeInner(innerStopCh)
					c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", fields)
					return
				}
			}

			if !c.sleepBackoff(wsCtx, b, op, errHandler) {
				return
			}
		}
	}()

	return doneCh, stopCh, nil
}

// sleepBackoff waits out the next backoff step. It returns false when the
// stream should stop.
func (c *Client) sleepBackoff(ctx context.Context, b *backoff.Backoff, op string, errHandler func(error)) bool {
	if int(b.Attempt()) >= c.maxReconnectAttempts {
		err := fmt.Errorf("%s: giving up after %d reconnect attempts: %w", op, c.maxReconnectAttempts, ports.ErrConnectionFailed)
		c.logger.Error(ctx, err, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"userID": c.userID})
		if errHandler != nil {
			errHandler(err)
		}
		return false
	}
	delay := b.Duration()
	c.logger.Info(ctx, op+": Reconnecting after delay", map[string]interface{}{"userID": c.userID, "attempt": b.Attempt(), "delay": delay.String()})
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func closeInner(stopC chan struct{}) {
	select {
	case stopC <- struct{}{}:
	default:
	}
}

func (c *Client) startUserStream(ctx context.Context) (string, error) {
	op := "StartUserStream"
	if err := c.wait(ctx, op); err != nil {
		return "", err
	}
	key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	return key, nil
}

func (c *Client) keepAliveUserStream(ctx context.Context, listenKey string) error {
	op := "KeepaliveUserStream"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// closeUserStream releases the listen key after the stream context is gone.
func (c *Client) closeUserStream(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		c.logger.Debug(ctx, "CloseUserStream failed", map[string]interface{}{"userID": c.userID, "error": err.Error()})
	}
}
