package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

const (
	// Base URLs
	baseURLProduction     = "https://fapi.binance.com"
	baseURLTestnet        = "https://testnet.binancefuture.com"
	spotBaseURLProduction = "https://api.binance.com"
	spotBaseURLTestnet    = "https://testnet.binance.vision"

	maxKlinesPerRequest = 1500
)

// Client implements ports.ExchangeClient and ports.MarketDataClient using the go-binance library.
// One Client serves one credential.
type Client struct {
	futuresClient        *futures.Client
	spotClient           *binance.Client
	userID               int64
	logger               ports.Logger
	limiter              *rate.Limiter
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	maxReconnectAttempts int
	keepAlive            time.Duration
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	// UserID is stamped on every order update of the user data stream.
	UserID               int64
	Logger               ports.Logger
	RequestsPerSecond    float64       // REST budget of this credential, default 10
	Burst                int           // default 20
	ReconnectDelay       time.Duration // Initial reconnect delay, default 1s
	MaxReconnectDelay    time.Duration // default 1m
	MaxReconnectAttempts int           // Consecutive failures before giving up, default 10
	KeepAliveInterval    time.Duration // Listen key keepalive, default 30m
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		// Public endpoints still work; private calls fail with an auth error.
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	fc := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	sc := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		fc.BaseURL = baseURLTestnet
		sc.BaseURL = spotBaseURLTestnet
		// The websocket endpoints are only switchable through the package flag.
		futures.UseTestnet = true
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": fc.BaseURL})
	} else {
		fc.BaseURL = baseURLProduction
		sc.BaseURL = spotBaseURLProduction
		cfg.Logger.Debug(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": fc.BaseURL})
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxDelay := cfg.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}

	return &Client{
		futuresClient:        fc,
		spotClient:           sc,
		userID:               cfg.UserID,
		logger:               cfg.Logger,
		limiter:              rate.NewLimiter(rate.Limit(rps), burst),
		reconnectDelay:       reconnectDelay,
		maxReconnectDelay:    maxDelay,
		maxReconnectAttempts: maxAttempts,
		keepAlive:            keepAlive,
	}, nil
}

// apiErrorCodes maps Binance API error codes to the standard errors.
var apiErrorCodes = map[int64]error{
	-1003: ports.ErrRateLimited,          // Too many requests
	-1015: ports.ErrRateLimited,          // Too many new orders
	-1021: ports.ErrTimeout,              // Timestamp for this request is outside of the recvWindow
	-1022: ports.ErrAuthenticationFailed, // Signature for this request is not valid
	-1101: ports.ErrInvalidRequest,
	-1102: ports.ErrInvalidRequest,
	-1103: ports.ErrInvalidRequest,
	-1104: ports.ErrInvalidRequest,
	-1105: ports.ErrInvalidRequest,
	-1106: ports.ErrInvalidRequest,
	-1111: ports.ErrInvalidRequest, // Precision is over the maximum defined for this asset
	-1115: ports.ErrInvalidRequest,
	-1116: ports.ErrInvalidRequest,
	-1117: ports.ErrInvalidRequest,
	-1120: ports.ErrInvalidRequest,
	-1121: ports.ErrInvalidSymbol, // Invalid symbol
	-1125: ports.ErrInvalidRequest,
	-1127: ports.ErrInvalidRequest,
	-1128: ports.ErrInvalidRequest,
	-1130: ports.ErrInvalidRequest,
	-2010: ports.ErrOrderPlacementFailed, // New order rejected
	-2011: ports.ErrOrderCancelFailed,    // Cancel order rejected
	-2013: ports.ErrOrderNotFound,        // Order does not exist
	-2014: ports.ErrInvalidAPIKeys,       // API-key format invalid
	-2015: ports.ErrInvalidAPIKeys,       // Invalid API-key, IP, or permissions for action
	-2019: ports.ErrInsufficientFunds,    // Margin is insufficient
	-2022: ports.ErrOrderRejected,        // ReduceOnly Order is rejected
	-3005: ports.ErrInsufficientFunds,    // Insufficient balance
	-3041: ports.ErrInsufficientFunds,    // Position is not sufficient
	-4003: ports.ErrInvalidRequest,       // Qty not within permissible range
	-4014: ports.ErrInvalidRequest,       // Price not within permissible range
	-4015: ports.ErrInvalidRequest,       // Leverage is not valid
	-4044: ports.ErrPositionNotFound,
	-4047: ports.ErrInsufficientFunds, // Exceeded the maximum allowable position at current leverage
	-4131: ports.ErrOrderRejected,     // Counterparty best price does not meet the PERCENT_PRICE filter
	-4164: ports.ErrInvalidRequest,    // Order notional too small
}

// mapError classifies err without logging it.
func mapError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if mapped, ok := apiErrorCodes[apiErr.Code]; ok {
			return mapped
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "invalid symbol") {
			return ports.ErrInvalidSymbol
		}
		return ports.ErrUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		return ports.ErrContextCanceled
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "i/o timeout"),
		strings.Contains(err.Error(), "EOF"):
		return ports.ErrConnectionFailed
	default:
		return ports.ErrUnknown
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error(), "userID": c.userID}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
	}

	mapped := mapError(err)
	var finalErr error
	if errors.Is(mapped, ports.ErrContextCanceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, mapped, err)
		c.logger.Debug(ctx, operation+" canceled", fields)
		return finalErr
	}
	finalErr = fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
	if apiErr != nil {
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
	} else {
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	}
	return finalErr
}

// wait blocks on the credential's request budget.
func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	offset, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s", symbol), op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err), op)
	}
	return price, nil
}

// GetBookTicker retrieves the best bid and ask for a symbol.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (*ports.BookTicker, error) {
	op := "GetBookTicker"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	books, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(books) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no book ticker returned for symbol %s", symbol), op)
	}
	bt, err := translateBookTicker(books[0])
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return bt, nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"userID": c.userID, "symbol": symbol, "leverage": leverage})
	return nil
}

// newOrder prepares an order service with the common flags applied.
func (c *Client) newOrder(symbol string, side domain.OrderSide, typ futures.OrderType, quantity string, opts ports.OrderOptions) *futures.CreateOrderService {
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(typ).
		Quantity(quantity)
	if opts.ClientOrderID != "" {
		svc = svc.NewClientOrderID(opts.ClientOrderID)
	}
	if opts.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	return svc
}

// PlaceMarketOrder places a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	order, err := c.newOrder(symbol, side, futures.OrderTypeMarket, quantity, opts).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"userID": c.userID, "symbol": symbol, "side": side, "quantity": quantity,
		"reduceOnly": opts.ReduceOnly, "orderID": resp.OrderID, "status": resp.Status, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// PlaceLimitOrder places a GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	op := "PlaceLimitOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	order, err := c.newOrder(symbol, side, futures.OrderTypeLimit, quantity, opts).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(price).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"userID": c.userID, "symbol": symbol, "side": side, "quantity": quantity, "price": price,
		"reduceOnly": opts.ReduceOnly, "orderID": resp.OrderID, "status": resp.Status,
	})
	return resp, nil
}

// PlaceStopMarketOrder places a resting stop-market order triggered by the mark price.
func (c *Client) PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	return c.placeTrigger(ctx, "PlaceStopMarketOrder", futures.OrderTypeStopMarket, symbol, side, quantity, stopPrice, opts)
}

// PlaceTakeProfitMarketOrder places a resting take-profit-market order triggered by the mark price.
func (c *Client) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	return c.placeTrigger(ctx, "PlaceTakeProfitMarketOrder", futures.OrderTypeTakeProfitMarket, symbol, side, quantity, stopPrice, opts)
}

func (c *Client) placeTrigger(ctx context.Context, op string, typ futures.OrderType, symbol string, side domain.OrderSide, quantity, stopPrice string, opts ports.OrderOptions) (*ports.OrderResponse, error) {
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, op+": Attempting to place trigger order", map[string]interface{}{
		"userID": c.userID, "symbol": symbol, "side": side, "quantity": quantity, "stopPrice": stopPrice, "type": typ,
	})

	// Legs are sized and reduce-only, never closePosition.
	order, err := c.newOrder(symbol, side, typ, quantity, opts).
		StopPrice(stopPrice).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"userID": c.userID, "symbol": symbol, "side": side, "quantity": quantity,
		"stopPrice": stopPrice, "orderID": resp.OrderID, "status": resp.Status,
	})
	return resp, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"userID": c.userID, "symbol": symbol, "orderID": orderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		// -2013 surfaces as ErrOrderNotFound, e.g. the order already filled.
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateCancelResponse(res)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"userID": c.userID, "symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// GetOrder queries the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "GetOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// GetPositionRisk retrieves the risk information for a specific position symbol.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	op := "GetPositionRisk"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		qty, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse position amount '%s': %w", p.PositionAmt, err), op)
		}
		if qty == 0 {
			c.logger.Debug(ctx, op+": Position amount is zero for symbol", map[string]interface{}{"symbol": symbol})
			return nil, nil
		}
		return translatePositionRisk(p), nil
	}
	c.logger.Debug(ctx, op+": No position found for symbol", map[string]interface{}{"symbol": symbol})
	return nil, nil
}

// SupportsProtectiveOrders reports resting stop and take-profit support. Futures always has it.
func (c *Client) SupportsProtectiveOrders() bool { return true }

// GetKlines retrieves the most recent klines of a spot or futures symbol.
func (c *Client) GetKlines(ctx context.Context, market domain.MarketType, symbol, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}

	var rows []klineRow
	switch market {
	case domain.MarketSpot:
		klines, err := c.spotClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		rows = spotRows(klines)
	case domain.MarketFutures, "":
		klines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		rows = futuresRows(klines)
	default:
		return nil, c.handleError(ctx, fmt.Errorf("unsupported market %q: %w", market, ports.ErrInvalidRequest), op)
	}

	out, err := translateRows(rows, symbol, interval)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
	}
	return out, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, market domain.MarketType, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	from := start
	pageSize := maxKlinesPerRequest
	if market == domain.MarketSpot {
		pageSize = 1000
	}

	for {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		var rows []klineRow
		if market == domain.MarketSpot {
			klines, err := c.spotClient.NewKlinesService().
				Symbol(symbol).Interval(interval).
				StartTime(from.UnixMilli()).EndTime(end.UnixMilli()).
				Limit(pageSize).
				Do(ctx)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			rows = spotRows(klines)
		} else {
			klines, err := c.futuresClient.NewKlinesService().
				Symbol(symbol).Interval(interval).
				StartTime(from.UnixMilli()).EndTime(end.UnixMilli()).
				Limit(pageSize).
				Do(ctx)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			rows = futuresRows(klines)
		}
		if len(rows) == 0 {
			break
		}
		page, err := translateRows(rows, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
		}
		allKlines = append(allKlines, page...)

		// Next page starts right after the last close.
		from = time.UnixMilli(rows[len(rows)-1].closeTime + 1)
		if from.After(end) || len(rows) < pageSize {
			break
		}
	}
	c.logger.Info(ctx, op+" complete", map[string]interface{}{"symbol": symbol, "interval": interval, "market": market, "count": len(allKlines)})
	return allKlines, nil
}
