// Package dataengine implements the data engine: per-account exchange
// connectivity driven by bus events. Each loaded account gets its own REST
// client, market-data feed and user-data stream; a failure on one account
// never touches another. K-lines are never cached: a closed candle triggers a
// fresh REST fetch and the full window is published downstream.
package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"perpbot/internal/account"
	"perpbot/internal/bus"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/pkg/types"
)

// historyLimit caps every K-line window fetched over REST.
const historyLimit = 200

// RestAPI is the slice of the exchange client the engine calls. Tests swap in
// a fake.
type RestAPI interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
	GetBalance(ctx context.Context) ([]types.Balance, error)
	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, int, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// conn is one account's connection set.
type conn struct {
	userID string
	client RestAPI
	market *exchange.KlineFeed
	user   *exchange.UserFeed
	cancel context.CancelFunc
}

// Engine is the data engine manager.
type Engine struct {
	bus      *bus.Bus
	accounts *account.Registry
	cfg      config.ExchangeConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*conn

	// newClient builds the REST client for an account; tests replace it.
	newClient func(a *account.Account) RestAPI
	// dialWS gates the WebSocket feeds so unit tests can run without a
	// network.
	dialWS bool

	tokens []bus.Token
}

// New creates the data engine.
func New(b *bus.Bus, accounts *account.Registry, cfg config.ExchangeConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		bus:      b,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.With("component", "de"),
		conns:    make(map[string]*conn),
		dialWS:   true,
	}
	e.newClient = e.defaultClient
	return e
}

func (e *Engine) defaultClient(a *account.Account) RestAPI {
	base := e.cfg.RESTBaseURL
	if a.Testnet {
		base = e.cfg.TestnetRESTBaseURL
	}
	return exchange.NewClient(base, exchange.NewSigner(a.APIKey, a.APISecret), e.logger.With("user_id", a.UserID))
}

// Start registers the manager's event subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{"pm.account.loaded", e.handleAccountLoaded},
		{"pm.account.disabled", e.handleAccountDisabled},
		{"de.get_historical_klines", e.handleHistoricalKlines},
		{"trading.get_account_balance", e.handleBalanceRequest},
		{"trading.order.create", e.handleOrderCreate},
		{"trading.order.cancel", e.handleOrderCancel},
	}
	for _, s := range subs {
		token, err := e.bus.Subscribe(s.subject, "de."+s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		e.tokens = append(e.tokens, token)
	}
	e.logger.Info("data engine started")
	return nil
}

// Stop tears down every connection and waits for the pumps to drain.
func (e *Engine) Stop() {
	for _, t := range e.tokens {
		e.bus.Unsubscribe(t)
	}
	e.tokens = nil

	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for userID, c := range e.conns {
		e.teardown(c)
		delete(e.conns, userID)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("data engine stopped")
}

func (e *Engine) teardown(c *conn) {
	if c.cancel != nil {
		c.cancel()
	}
	if c.market != nil {
		c.market.Close()
	}
	if c.user != nil {
		c.user.Close()
	}
}

func (e *Engine) conn(userID string) *conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conns[userID]
}

// handleAccountLoaded builds the account's connection set. Credentials are
// verified with a signed call before anything else; an authentication failure
// aborts this account's setup only.
func (e *Engine) handleAccountLoaded(evt bus.Event) error {
	userID := evt.Str("user_id")
	acct, ok := e.accounts.Get(userID)
	if !ok {
		e.connectFailed(userID, "account not found in registry", false)
		return fmt.Errorf("account %s not in registry", userID)
	}

	client := e.newClient(acct)

	checkCtx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()
	if _, err := client.GetBalance(checkCtx); err != nil {
		e.connectFailed(userID, fmt.Sprintf("credential check: %v", err), false)
		return nil
	}

	connCtx, connCancel := context.WithCancel(e.ctx)
	c := &conn{userID: userID, client: client, cancel: connCancel}

	if e.dialWS {
		if rc, ok := client.(*exchange.Client); ok {
			marketURL, userURL := e.cfg.WSMarketURL, e.cfg.WSUserURL
			if acct.Testnet {
				marketURL, userURL = e.cfg.TestnetWSMarketURL, e.cfg.TestnetWSUserURL
			}
			logger := e.logger.With("user_id", userID)
			c.market = exchange.NewKlineFeed(marketURL, logger)
			c.user = exchange.NewUserFeed(userURL, rc, logger)
			e.launchFeeds(connCtx, c)
		}
	}

	e.mu.Lock()
	e.conns[userID] = c
	e.mu.Unlock()

	e.bus.Publish(bus.NewEventFrom("de.client.connected", map[string]any{
		"user_id": userID,
		"testnet": acct.Testnet,
	}, "de"))
	e.logger.Info("exchange client connected", "user_id", userID, "testnet", acct.Testnet)
	return nil
}

func (e *Engine) connectFailed(userID, reason string, critical bool) {
	e.bus.Publish(bus.NewEventFrom("de.client.connection_failed", map[string]any{
		"user_id":  userID,
		"error":    reason,
		"critical": critical,
	}, "de"))
}

func (e *Engine) launchFeeds(ctx context.Context, c *conn) {
	e.wg.Add(4)

	go func() {
		defer e.wg.Done()
		if err := c.market.Run(ctx); err != nil && ctx.Err() == nil {
			e.connectFailed(c.userID, fmt.Sprintf("market websocket: %v", err), true)
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := c.user.Run(ctx); err != nil && ctx.Err() == nil {
			e.connectFailed(c.userID, fmt.Sprintf("user websocket: %v", err), true)
		}
	}()
	go e.pumpMarket(ctx, c)
	go e.pumpUser(ctx, c)
}

// pumpMarket translates closed candles into full-window kline updates.
func (e *Engine) pumpMarket(ctx context.Context, c *conn) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case upd := <-c.market.Updates():
			e.onClosedKline(ctx, c, upd)
		case <-c.market.Connects():
			e.logger.Debug("market feed up", "user_id", c.userID)
		}
	}
}

// onClosedKline re-fetches the latest window over REST so downstream always
// sees a complete, consistent history regardless of WS gaps.
func (e *Engine) onClosedKline(ctx context.Context, c *conn, upd exchange.ClosedKline) {
	klines, err := c.client.GetKlines(ctx, upd.Symbol, upd.Interval, historyLimit)
	if err != nil {
		e.logger.Error("kline refetch failed",
			"user_id", c.userID, "symbol", upd.Symbol, "error", err)
		return
	}
	if len(klines) == 0 {
		return
	}
	e.bus.Publish(bus.NewEventFrom("de.kline.update", map[string]any{
		"user_id":  c.userID,
		"symbol":   upd.Symbol,
		"interval": upd.Interval,
		"klines":   klines,
		"close":    klines[len(klines)-1].Close,
	}, "de"))
}

// pumpUser translates user-stream frames into order, account and position
// events.
func (e *Engine) pumpUser(ctx context.Context, c *conn) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.user.Connects():
			e.bus.Publish(bus.NewEventFrom("de.user_stream.started", map[string]any{
				"user_id": c.userID,
			}, "de"))
		case err := <-c.user.Disconnects():
			e.bus.Publish(bus.NewEventFrom("de.websocket.disconnected", map[string]any{
				"user_id": c.userID,
				"error":   fmt.Sprint(err),
			}, "de"))
		case u := <-c.user.OrderUpdates():
			e.publishOrderUpdate(c.userID, u)
		case u := <-c.user.AccountUpdates():
			e.publishAccountUpdate(c.userID, u)
		}
	}
}

func (e *Engine) publishOrderUpdate(userID string, u exchange.OrderUpdate) {
	e.bus.Publish(bus.NewEventFrom("de.order.update", map[string]any{
		"user_id":         userID,
		"symbol":          u.Symbol,
		"client_order_id": u.ClientOrderID,
		"order_id":        u.OrderID,
		"side":            string(u.Side),
		"status":          string(u.Status),
		"price":           u.Price,
		"quantity":        u.Quantity,
		"filled_quantity": u.FilledQty,
		"avg_price":       u.AvgPrice,
	}, "de"))

	if u.Status != types.StatusFilled {
		return
	}
	price := u.AvgPrice
	if price <= 0 {
		price = u.LastFillPrice
	}
	if price <= 0 {
		price = u.Price
	}
	e.bus.Publish(bus.NewEventFrom("de.order.filled", map[string]any{
		"user_id":         userID,
		"symbol":          u.Symbol,
		"client_order_id": u.ClientOrderID,
		"order_id":        u.OrderID,
		"side":            string(u.Side),
		"price":           price,
		"quantity":        u.FilledQty,
	}, "de"))
}

func (e *Engine) publishAccountUpdate(userID string, u exchange.AccountUpdate) {
	if len(u.Balances) > 0 {
		e.bus.Publish(bus.NewEventFrom("de.account.update", map[string]any{
			"user_id":   userID,
			"balances":  u.Balances,
			"available": bestAvailable(u.Balances),
		}, "de"))
	}
	for _, p := range u.Positions {
		e.bus.Publish(bus.NewEventFrom("de.position.update", map[string]any{
			"user_id":        userID,
			"symbol":         p.Symbol,
			"amount":         p.Amount,
			"entry_price":    p.EntryPrice,
			"unrealized_pnl": p.UnrealizedPnL,
		}, "de"))
	}
}

// handleAccountDisabled tears the account's connections down; trading for the
// other accounts continues untouched.
func (e *Engine) handleAccountDisabled(evt bus.Event) error {
	userID := evt.Str("user_id")
	e.mu.Lock()
	c := e.conns[userID]
	delete(e.conns, userID)
	e.mu.Unlock()

	if c == nil {
		return nil
	}
	e.teardown(c)
	e.logger.Info("account connections closed", "user_id", userID)
	return nil
}

// handleHistoricalKlines serves a seed-window request and makes sure the
// matching WS stream is subscribed so updates follow.
func (e *Engine) handleHistoricalKlines(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	interval := evt.Str("interval")

	c := e.conn(userID)
	if c == nil {
		e.bus.Publish(bus.NewEventFrom("de.historical_klines.failed", map[string]any{
			"user_id": userID,
			"symbol":  symbol,
			"error":   "no exchange client for user",
		}, "de"))
		return nil
	}

	limit := evt.Int("limit")
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}

	klines, err := c.client.GetKlines(e.ctx, symbol, interval, limit)
	if err != nil {
		e.bus.Publish(bus.NewEventFrom("de.historical_klines.failed", map[string]any{
			"user_id": userID,
			"symbol":  symbol,
			"error":   err.Error(),
		}, "de"))
		return nil
	}

	if c.market != nil {
		if err := c.market.Subscribe(symbol, interval); err != nil {
			e.logger.Warn("stream subscribe failed",
				"user_id", userID, "symbol", symbol, "error", err)
		}
	}

	e.bus.Publish(bus.NewEventFrom("de.historical_klines.success", map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	}, "de"))
	return nil
}

func (e *Engine) handleBalanceRequest(evt bus.Event) error {
	userID := evt.Str("user_id")
	c := e.conn(userID)
	if c == nil {
		return fmt.Errorf("balance request for unknown user %s", userID)
	}

	balances, err := c.client.GetBalance(e.ctx)
	if err != nil {
		return fmt.Errorf("get balance for %s: %w", userID, err)
	}

	e.bus.Publish(bus.NewEventFrom("de.account.balance", map[string]any{
		"user_id":   userID,
		"balances":  balances,
		"available": bestAvailable(balances),
	}, "de"))
	return nil
}

func (e *Engine) handleOrderCreate(evt bus.Event) error {
	userID := evt.Str("user_id")
	c := e.conn(userID)
	if c == nil {
		// The request still resolves so the executor never waits on an
		// account that was disabled mid-flight.
		e.bus.Publish(bus.NewEventFrom("de.order.failed", map[string]any{
			"user_id":         userID,
			"task_id":         evt.Str("task_id"),
			"symbol":          evt.Str("symbol"),
			"client_order_id": evt.Str("client_order_id"),
			"error":           "no exchange client for user",
			"retry_count":     0,
		}, "de"))
		return nil
	}

	req := types.OrderRequest{
		Symbol:        evt.Str("symbol"),
		Side:          types.Side(evt.Str("side")),
		Type:          types.OrderType(evt.Str("type")),
		Price:         evt.Float("price"),
		Quantity:      evt.Float("quantity"),
		ReduceOnly:    evt.Bool("reduce_only"),
		ClientOrderID: evt.Str("client_order_id"),
	}

	ack, retries, err := c.client.CreateOrder(e.ctx, req)
	if err != nil {
		e.bus.Publish(bus.NewEventFrom("de.order.failed", map[string]any{
			"user_id":         userID,
			"task_id":         evt.Str("task_id"),
			"symbol":          req.Symbol,
			"client_order_id": req.ClientOrderID,
			"error":           err.Error(),
			"retry_count":     retries,
		}, "de"))
		return nil
	}

	e.bus.Publish(bus.NewEventFrom("de.order.submitted", map[string]any{
		"user_id":         userID,
		"task_id":         evt.Str("task_id"),
		"symbol":          ack.Symbol,
		"client_order_id": ack.ClientOrderID,
		"order_id":        strconv.FormatInt(ack.OrderID, 10),
		"status":          string(ack.Status),
		"retry_count":     retries,
	}, "de"))
	return nil
}

// handleOrderCancel resolves every cancel request with exactly one event:
// de.order.cancelled on success, de.order.failed with action=cancel
// otherwise, so the close path never waits forever.
func (e *Engine) handleOrderCancel(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	clientID := evt.Str("client_order_id")

	c := e.conn(userID)
	if c == nil {
		e.bus.Publish(bus.NewEventFrom("de.order.failed", map[string]any{
			"user_id":         userID,
			"symbol":          symbol,
			"client_order_id": clientID,
			"action":          "cancel",
			"error":           "no exchange client for user",
		}, "de"))
		return nil
	}

	if err := c.client.CancelOrder(e.ctx, symbol, clientID); err != nil {
		e.bus.Publish(bus.NewEventFrom("de.order.failed", map[string]any{
			"user_id":         userID,
			"symbol":          symbol,
			"client_order_id": clientID,
			"action":          "cancel",
			"error":           err.Error(),
		}, "de"))
		return nil
	}

	e.bus.Publish(bus.NewEventFrom("de.order.cancelled", map[string]any{
		"user_id":         userID,
		"symbol":          symbol,
		"client_order_id": clientID,
	}, "de"))
	return nil
}

// bestAvailable picks the largest available balance across assets; accounts
// here run a single margin asset.
func bestAvailable(balances []types.Balance) float64 {
	best := 0.0
	for _, b := range balances {
		if b.Available > best {
			best = b.Available
		}
	}
	return best
}
