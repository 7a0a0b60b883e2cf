// marketws.go implements the multiplexed market-data WebSocket feed.
//
// One connection per account carries every (symbol, interval) K-line stream
// that account needs. Streams are added with SUBSCRIBE frames and tracked so
// a reconnect re-issues the whole set. Only frames flagged as closed are
// forwarded; the data engine reacts to a closed candle by fetching a fresh
// K-line window over REST, so nothing is cached here.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and gives
// up after five consecutive failed attempts.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpbot/pkg/types"
)

const (
	wsReadTimeout      = 60 * time.Second // heartbeat window; forces reconnect when silent
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	klineBufferSize    = 256
)

// ClosedKline is one closed candle from the market stream.
type ClosedKline struct {
	Symbol   string
	Interval string
	Kline    types.Kline
}

// KlineFeed manages one account's market-data connection.
type KlineFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	// Track stream names ("xrpusdc@kline_15m") for re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	updates  chan ClosedKline
	connects chan struct{} // one signal per successful (re)connect
	tracker  *ConnTracker
	reqID    int64
	logger   *slog.Logger
}

// NewKlineFeed creates a market feed for one account.
func NewKlineFeed(wsURL string, logger *slog.Logger) *KlineFeed {
	return &KlineFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		updates:    make(chan ClosedKline, klineBufferSize),
		connects:   make(chan struct{}, 1),
		tracker:    NewConnTracker(),
		logger:     logger.With("component", "ws_market"),
	}
}

// Updates returns the read-only channel of closed K-lines.
func (f *KlineFeed) Updates() <-chan ClosedKline { return f.updates }

// Connects returns a channel signalled on every successful (re)connect.
func (f *KlineFeed) Connects() <-chan struct{} { return f.connects }

// State returns the connection state.
func (f *KlineFeed) State() ConnState { return f.tracker.State() }

// Run connects and maintains the connection until ctx is cancelled or the
// connection is declared FAILED.
func (f *KlineFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		f.tracker.Connecting()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if f.tracker.ConnectFailed() {
			f.logger.Error("market websocket failed permanently",
				"error", err,
				"consecutive_failures", f.tracker.Failures(),
			)
			return fmt.Errorf("market websocket failed after %d attempts: %w",
				f.tracker.Failures(), err)
		}

		f.logger.Warn("market websocket disconnected, reconnecting",
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

// Subscribe adds a (symbol, interval) K-line stream. Safe before and after
// the connection is up; pending streams are sent on (re)connect.
func (f *KlineFeed) Subscribe(symbol, interval string) error {
	stream := streamName(symbol, interval)
	f.subscribedMu.Lock()
	f.subscribed[stream] = true
	f.subscribedMu.Unlock()

	if err := f.sendSubscribe([]string{stream}); err != nil {
		// Not connected yet; the initial subscription covers it.
		f.logger.Debug("subscribe deferred until connect", "stream", stream)
		return nil
	}
	return nil
}

// Unsubscribe removes a K-line stream.
func (f *KlineFeed) Unsubscribe(symbol, interval string) error {
	stream := streamName(symbol, interval)
	f.subscribedMu.Lock()
	delete(f.subscribed, stream)
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"method": "UNSUBSCRIBE",
		"params": []string{stream},
		"id":     f.nextID(),
	})
}

// Subscribed returns the currently tracked stream names.
func (f *KlineFeed) Subscribed() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	return out
}

// Close closes the underlying connection.
func (f *KlineFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *KlineFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	// Restore the full subscription set.
	f.subscribedMu.RLock()
	streams := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		streams = append(streams, s)
	}
	f.subscribedMu.RUnlock()
	if len(streams) > 0 {
		if err := f.sendSubscribe(streams); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.tracker.Connected()
	select {
	case f.connects <- struct{}{}:
	default:
	}
	f.logger.Info("market websocket connected", "streams", len(streams))

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

func (f *KlineFeed) sendSubscribe(streams []string) error {
	return f.writeJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     f.nextID(),
	})
}

// wsKlineFrame is the inbound kline event envelope.
type wsKlineFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		IsClosed bool   `json:"x"`
	} `json:"k"`
}

func (f *KlineFeed) dispatchMessage(data []byte) {
	var frame wsKlineFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch frame.EventType {
	case "kline":
		// Only closed candles drive recomputation downstream.
		if !frame.Kline.IsClosed {
			return
		}
		kline, err := klineFromFrame(frame)
		if err != nil {
			f.logger.Error("parse kline frame", "error", err)
			return
		}
		update := ClosedKline{
			Symbol:   frame.Symbol,
			Interval: frame.Kline.Interval,
			Kline:    kline,
		}
		select {
		case f.updates <- update:
		default:
			f.logger.Warn("kline channel full, dropping update", "symbol", frame.Symbol)
		}

	case "":
		// Subscription acknowledgements carry no event type.

	default:
		f.logger.Debug("unknown ws event type", "type", frame.EventType)
	}
}

func klineFromFrame(frame wsKlineFrame) (types.Kline, error) {
	parse := func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}

	open, err := parse(frame.Kline.Open)
	if err != nil {
		return types.Kline{}, err
	}
	high, err := parse(frame.Kline.High)
	if err != nil {
		return types.Kline{}, err
	}
	low, err := parse(frame.Kline.Low)
	if err != nil {
		return types.Kline{}, err
	}
	closeP, err := parse(frame.Kline.Close)
	if err != nil {
		return types.Kline{}, err
	}
	volume, err := parse(frame.Kline.Volume)
	if err != nil {
		return types.Kline{}, err
	}

	return types.Kline{
		OpenTime: frame.Kline.OpenTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closeP,
		Volume:   volume,
		IsClosed: frame.Kline.IsClosed,
	}, nil
}

func (f *KlineFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *KlineFeed) nextID() int64 {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.reqID++
	return f.reqID
}

func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}
