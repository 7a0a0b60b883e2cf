// userws.go implements the user-data WebSocket stream.
//
// The stream is bound to a listen-key obtained over REST. A keepalive request
// extends the key every 30 minutes. On any disconnect the feed reports the
// drop, requests a brand-new listen-key and reopens; stale keys are never
// reused. Inbound frames are translated into order and account updates.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpbot/pkg/types"
)

const (
	listenKeyKeepAlive = 30 * time.Minute
	userBufferSize     = 64
)

// OrderUpdate is one order lifecycle event from the user stream.
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          types.Side
	Status        types.OrderStatus
	Price         float64
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	LastFillPrice float64
	IsFill        bool // execution type was TRADE
}

// AccountUpdate carries balance and position changes.
type AccountUpdate struct {
	Balances  []types.Balance
	Positions []PositionUpdate
}

// PositionUpdate is one symbol's position change.
type PositionUpdate struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// UserFeed manages one account's user-data stream.
type UserFeed struct {
	client *Client // listen-key create/keepalive
	url    string

	conn   *websocket.Conn
	connMu sync.Mutex

	orderCh    chan OrderUpdate
	accountCh  chan AccountUpdate
	connects   chan struct{} // one signal per successful (re)connect
	disconnect chan error    // one entry per stream drop

	tracker *ConnTracker
	logger  *slog.Logger
}

// NewUserFeed creates a user-data feed. The client is used for the listen-key
// lifecycle.
func NewUserFeed(wsURL string, client *Client, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		client:     client,
		url:        wsURL,
		orderCh:    make(chan OrderUpdate, userBufferSize),
		accountCh:  make(chan AccountUpdate, userBufferSize),
		connects:   make(chan struct{}, 1),
		disconnect: make(chan error, 8),
		tracker:    NewConnTracker(),
		logger:     logger.With("component", "ws_user"),
	}
}

// OrderUpdates returns the read-only channel of order events.
func (f *UserFeed) OrderUpdates() <-chan OrderUpdate { return f.orderCh }

// AccountUpdates returns the read-only channel of account events.
func (f *UserFeed) AccountUpdates() <-chan AccountUpdate { return f.accountCh }

// Connects returns a channel signalled on every successful (re)connect.
func (f *UserFeed) Connects() <-chan struct{} { return f.connects }

// Disconnects returns a channel receiving one error per stream drop.
func (f *UserFeed) Disconnects() <-chan error { return f.disconnect }

// State returns the connection state.
func (f *UserFeed) State() ConnState { return f.tracker.State() }

// Run obtains a listen-key, opens the stream and keeps it alive until ctx is
// cancelled or the connection is declared FAILED. Every reconnect uses a new
// listen-key.
func (f *UserFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		f.tracker.Connecting()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case f.disconnect <- err:
		default:
		}

		if f.tracker.ConnectFailed() {
			f.logger.Error("user websocket failed permanently",
				"error", err,
				"consecutive_failures", f.tracker.Failures(),
			)
			return fmt.Errorf("user websocket failed after %d attempts: %w",
				f.tracker.Failures(), err)
		}

		f.logger.Warn("user websocket disconnected, reconnecting with new listen-key",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close closes the underlying connection.
func (f *UserFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *UserFeed) connectAndRead(ctx context.Context) error {
	listenKey, err := f.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		f.tracker.Dropped()
	}()

	f.tracker.Connected()
	select {
	case f.connects <- struct{}{}:
	default:
	}
	f.logger.Info("user websocket connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go f.keepAliveLoop(keepCtx, listenKey)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// keepAliveLoop extends the listen-key every 30 minutes. A keepalive failure
// closes the connection so Run reconnects with a fresh key.
func (f *UserFeed) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				f.logger.Warn("listen-key keepalive failed", "error", err)
				f.Close()
				return
			}
			f.logger.Debug("listen-key extended")
		}
	}
}

func (f *UserFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		update, err := parseOrderFrame(data)
		if err != nil {
			f.logger.Error("unmarshal order update", "error", err)
			return
		}
		select {
		case f.orderCh <- update:
		default:
			f.logger.Warn("order channel full, dropping update", "order", update.OrderID)
		}

	case "ACCOUNT_UPDATE":
		update, err := parseAccountFrame(data)
		if err != nil {
			f.logger.Error("unmarshal account update", "error", err)
			return
		}
		select {
		case f.accountCh <- update:
		default:
			f.logger.Warn("account channel full, dropping update")
		}

	case "listenKeyExpired":
		f.logger.Warn("listen-key expired, forcing reconnect")
		f.Close()

	default:
		f.logger.Debug("ignoring user stream event", "type", envelope.EventType)
	}
}

func parseOrderFrame(data []byte) (OrderUpdate, error) {
	var frame struct {
		Order struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Side          string `json:"S"`
			ExecType      string `json:"x"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			Price         string `json:"p"`
			Quantity      string `json:"q"`
			FilledQty     string `json:"z"`
			LastFillPrice string `json:"L"`
			AvgPrice      string `json:"ap"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return OrderUpdate{}, err
	}

	o := frame.Order
	update := OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Side:          types.Side(o.Side),
		Status:        types.OrderStatus(o.Status),
		IsFill:        o.ExecType == "TRADE",
	}
	update.Price, _ = strconv.ParseFloat(o.Price, 64)
	update.Quantity, _ = strconv.ParseFloat(o.Quantity, 64)
	update.FilledQty, _ = strconv.ParseFloat(o.FilledQty, 64)
	update.LastFillPrice, _ = strconv.ParseFloat(o.LastFillPrice, 64)
	update.AvgPrice, _ = strconv.ParseFloat(o.AvgPrice, 64)
	return update, nil
}

func parseAccountFrame(data []byte) (AccountUpdate, error) {
	var frame struct {
		Account struct {
			Balances []struct {
				Asset   string `json:"a"`
				Balance string `json:"wb"`
			} `json:"B"`
			Positions []struct {
				Symbol        string `json:"s"`
				Amount        string `json:"pa"`
				EntryPrice    string `json:"ep"`
				UnrealizedPnL string `json:"up"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return AccountUpdate{}, err
	}

	var update AccountUpdate
	for _, b := range frame.Account.Balances {
		total, _ := strconv.ParseFloat(b.Balance, 64)
		update.Balances = append(update.Balances, types.Balance{
			Asset:     b.Asset,
			Total:     total,
			Available: total,
		})
	}
	for _, p := range frame.Account.Positions {
		pos := PositionUpdate{Symbol: p.Symbol}
		pos.Amount, _ = strconv.ParseFloat(p.Amount, 64)
		pos.EntryPrice, _ = strconv.ParseFloat(p.EntryPrice, 64)
		pos.UnrealizedPnL, _ = strconv.ParseFloat(p.UnrealizedPnL, 64)
		update.Positions = append(update.Positions, pos)
	}
	return update, nil
}
