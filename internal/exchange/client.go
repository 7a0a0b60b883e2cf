// Package exchange implements the futures REST and WebSocket clients.
//
// The REST client (Client) covers the endpoints the system needs:
//   - GetKlines:           GET    /fapi/v1/klines   : historical candlesticks
//   - GetBalance:          GET    /fapi/v2/balance  : futures wallet balances
//   - CreateOrder:         POST   /fapi/v1/order    : submit one order
//   - CancelOrder:         DELETE /fapi/v1/order    : cancel one order
//   - CreateListenKey:     POST   /fapi/v1/listenKey: open a user-data stream
//   - KeepAliveListenKey:  PUT    /fapi/v1/listenKey: extend the stream
//
// Requests are rate-limited via per-category TokenBuckets. Reads retry
// automatically on 5xx. Order submission uses its own retry loop so every
// attempt carries a fresh timestamp and signature: up to three retries on
// 5xx or transport errors, an immediate failure on any 4xx.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"perpbot/pkg/types"
)

const (
	requestTimeout  = 10 * time.Second
	orderMaxRetries = 3
	orderRetryWait  = 500 * time.Millisecond
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: status %d code %d: %s", e.HTTPStatus, e.Code, e.Msg)
}

// Retryable reports whether the error is worth retrying (server side).
func (e *APIError) Retryable() bool {
	return e.HTTPStatus >= 500
}

// Client is the REST API client for one account.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client bound to one account's credentials.
func NewClient(baseURL string, signer *Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("X-MBX-APIKEY", signer.APIKey()).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads; order submission runs its own retry loop so each
			// attempt is re-signed with a fresh timestamp.
			return err == nil && r.StatusCode() >= 500 &&
				r.Request.Method == http.MethodGet
		})

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest"),
	}
}

// GetKlines fetches up to limit historical K-lines for symbol/interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1500 {
		limit = 200
	}

	var raw [][]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	klines := make([]types.Kline, 0, len(raw))
	nowMS := time.Now().UnixMilli()
	for _, row := range raw {
		k, err := parseKlineRow(row, nowMS)
		if err != nil {
			return nil, fmt.Errorf("parse kline: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow converts one positional kline array into a Kline. The row is
// [openTime, open, high, low, close, volume, closeTime, ...]; numeric fields
// arrive as strings.
func parseKlineRow(row []any, nowMS int64) (types.Kline, error) {
	if len(row) < 7 {
		return types.Kline{}, fmt.Errorf("short row: %d fields", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("bad open time: %v", row[0])
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("bad close time: %v", row[6])
	}

	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return types.Kline{}, fmt.Errorf("bad field %d: %v", i, row[i])
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Kline{}, fmt.Errorf("parse field %d: %w", i, err)
		}
		vals[i-1] = f
	}

	return types.Kline{
		OpenTime: int64(openTime),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		IsClosed: int64(closeTime) <= nowMS,
	}, nil
}

// GetBalance fetches the futures wallet balances.
func (c *Client) GetBalance(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Balance
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.signer.SignedQuery(nil)).
		SetResult(&result).
		Get("/fapi/v2/balance")
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	return result, nil
}

// CreateOrder submits one order. Each attempt is signed with a fresh
// timestamp. Returns the acknowledgement, the number of retries consumed,
// and the terminal error if all attempts failed.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, int, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, 0, err
	}

	var lastErr error
	for attempt := 0; attempt <= orderMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, attempt - 1, ctx.Err()
			case <-time.After(orderRetryWait):
			}
		}

		ack, err := c.submitOrder(ctx, req)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("order submitted after retry",
					"symbol", req.Symbol, "retries", attempt)
			}
			return ack, attempt, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			// Client errors will not heal on retry.
			return nil, attempt, err
		}
		c.logger.Warn("order submit failed, retrying",
			"symbol", req.Symbol, "attempt", attempt, "error", err)
	}
	return nil, orderMaxRetries, lastErr
}

func (c *Client) submitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 && req.Type != types.Market {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var result types.OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.signer.SignedQuery(params)).
		SetResult(&result).
		Post("/fapi/v1/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	return &result, nil
}

// CancelOrder cancels one order by its client order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.signer.SignedQuery(params)).
		Delete("/fapi/v1/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// CreateListenKey opens a user-data stream and returns its listen-key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", apiError(resp)
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("listenKey", listenKey).
		Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *resty.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = resp.String()
	}
	return apiErr
}
