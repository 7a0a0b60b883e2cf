package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/account"
	"perpbot/internal/bus"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAPI implements RestAPI in memory.
type fakeAPI struct {
	mu         sync.Mutex
	klines     []types.Kline
	klinesErr  error
	balances   []types.Balance
	balanceErr error
	createErr  error
	cancelErr  error
	created    []types.OrderRequest
	cancelled  []string
}

func (f *fakeAPI) GetKlines(_ context.Context, _, _ string, limit int) ([]types.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.klinesErr != nil {
		return nil, f.klinesErr
	}
	if limit < len(f.klines) {
		return f.klines[len(f.klines)-limit:], nil
	}
	return f.klines, nil
}

func (f *fakeAPI) GetBalance(context.Context) ([]types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, f.balanceErr
}

func (f *fakeAPI) CreateOrder(_ context.Context, req types.OrderRequest) (*types.OrderAck, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, 3, f.createErr
	}
	f.created = append(f.created, req)
	return &types.OrderAck{
		OrderID:       int64(len(f.created)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        types.StatusNew,
	}, 0, nil
}

func (f *fakeAPI) CancelOrder(_ context.Context, _, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, clientOrderID)
	return nil
}

func testKlines(n int) []types.Kline {
	out := make([]types.Kline, n)
	for i := range out {
		out[i] = types.Kline{
			OpenTime: int64(i) * 900_000,
			Open:     1.0,
			High:     1.1,
			Low:      0.9,
			Close:    1.0 + float64(i)*0.001,
			Volume:   1000,
			IsClosed: true,
		}
	}
	return out
}

// testEngine starts the engine with a fake client, loads alice and waits for
// the connect announcement.
func testEngine(t *testing.T, api *fakeAPI) (*Engine, *bus.Bus) {
	t.Helper()

	b := bus.New(bus.NewMemoryJournal(), testLogger())
	connCh := record(t, b, "de.client.*")

	reg := account.New(b, testLogger())
	e := New(b, reg, config.ExchangeConfig{}, testLogger())
	e.dialWS = false
	e.newClient = func(*account.Account) RestAPI { return api }
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	reg.LoadAccounts(map[string]map[string]any{
		"alice": {"name": "Alice", "api_key": "k", "api_secret": "s", "strategy": "main"},
	})
	waitFor(t, connCh, "de.client.connected")
	return e, b
}

func record(t *testing.T, b *bus.Bus, pattern string) chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 64)
	_, err := b.Subscribe(pattern, "recorder:"+pattern, func(evt bus.Event) error {
		ch <- evt
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitFor(t *testing.T, ch chan bus.Event, subject string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Subject == subject {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", subject)
		}
	}
}

func TestCredentialFailureAbortsAccountSetup(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.NewMemoryJournal(), testLogger())
	connCh := record(t, b, "de.client.*")

	reg := account.New(b, testLogger())
	e := New(b, reg, config.ExchangeConfig{}, testLogger())
	e.dialWS = false
	e.newClient = func(*account.Account) RestAPI {
		return &fakeAPI{balanceErr: fmt.Errorf("signature for this request is not valid")}
	}
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	reg.LoadAccounts(map[string]map[string]any{
		"alice": {"name": "Alice", "api_key": "bad", "api_secret": "bad", "strategy": "main"},
	})

	failed := waitFor(t, connCh, "de.client.connection_failed")
	assert.Equal(t, "alice", failed.Str("user_id"))
	assert.Contains(t, failed.Str("error"), "credential check")
	assert.False(t, failed.Bool("critical"))
}

func TestHistoricalKlinesSuccessAndFailure(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{klines: testKlines(200), balances: []types.Balance{{Asset: "USDC", Available: 100}}}
	_, b := testEngine(t, api)
	histCh := record(t, b, "de.historical_klines.*")

	b.Publish(bus.NewEventFrom("de.get_historical_klines", map[string]any{
		"user_id":  "alice",
		"symbol":   "XRPUSDC",
		"interval": "15m",
		"limit":    50,
	}, "ta"))

	success := waitFor(t, histCh, "de.historical_klines.success")
	klines, ok := success.Data["klines"].([]types.Kline)
	require.True(t, ok)
	assert.Len(t, klines, 50)
	assert.Equal(t, "15m", success.Str("interval"))

	api.mu.Lock()
	api.klinesErr = fmt.Errorf("server busy")
	api.mu.Unlock()

	b.Publish(bus.NewEventFrom("de.get_historical_klines", map[string]any{
		"user_id":  "alice",
		"symbol":   "XRPUSDC",
		"interval": "15m",
		"limit":    50,
	}, "ta"))
	failed := waitFor(t, histCh, "de.historical_klines.failed")
	assert.Contains(t, failed.Str("error"), "server busy")
}

func TestBalanceRequestPicksAvailableMargin(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{balances: []types.Balance{
		{Asset: "BNB", Total: 0.5, Available: 0.5},
		{Asset: "USDC", Total: 1000.5, Available: 900.25},
	}}
	_, b := testEngine(t, api)
	balCh := record(t, b, "de.account.balance")

	b.Publish(bus.NewEventFrom("trading.get_account_balance", map[string]any{
		"user_id": "alice",
	}, "tr"))

	bal := waitFor(t, balCh, "de.account.balance")
	assert.InDelta(t, 900.25, bal.Float("available"), 1e-9)
	balances, ok := bal.Data["balances"].([]types.Balance)
	require.True(t, ok)
	assert.Len(t, balances, 2)
}

func TestOrderCreateSubmittedAndFailed(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{balances: []types.Balance{{Asset: "USDC", Available: 100}}}
	_, b := testEngine(t, api)
	orderCh := record(t, b, "de.order.*")

	createEvt := func(id string) bus.Event {
		return bus.NewEventFrom("trading.order.create", map[string]any{
			"user_id":         "alice",
			"task_id":         "task-1",
			"symbol":          "XRPUSDC",
			"side":            "BUY",
			"type":            "MARKET",
			"quantity":        100.0,
			"client_order_id": id,
		}, "tr")
	}

	b.Publish(createEvt("c-1"))
	submitted := waitFor(t, orderCh, "de.order.submitted")
	assert.Equal(t, "c-1", submitted.Str("client_order_id"))
	assert.Equal(t, "task-1", submitted.Str("task_id"))
	assert.Equal(t, "1", submitted.Str("order_id"))
	assert.Equal(t, 0, submitted.Int("retry_count"))

	api.mu.Lock()
	api.createErr = fmt.Errorf("server busy")
	api.mu.Unlock()

	b.Publish(createEvt("c-2"))
	failed := waitFor(t, orderCh, "de.order.failed")
	assert.Equal(t, "c-2", failed.Str("client_order_id"))
	assert.Equal(t, 3, failed.Int("retry_count"))
}

func TestOrderCancelAlwaysResolves(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{balances: []types.Balance{{Asset: "USDC", Available: 100}}}
	_, b := testEngine(t, api)
	orderCh := record(t, b, "de.order.*")

	cancelEvt := func(id string) bus.Event {
		return bus.NewEventFrom("trading.order.cancel", map[string]any{
			"user_id":         "alice",
			"symbol":          "XRPUSDC",
			"client_order_id": id,
		}, "tr")
	}

	b.Publish(cancelEvt("c-1"))
	ack := waitFor(t, orderCh, "de.order.cancelled")
	assert.Equal(t, "c-1", ack.Str("client_order_id"))

	// A rejected cancel still resolves, flagged as a cancel failure.
	api.mu.Lock()
	api.cancelErr = fmt.Errorf("unknown order")
	api.mu.Unlock()

	b.Publish(cancelEvt("c-2"))
	failed := waitFor(t, orderCh, "de.order.failed")
	assert.Equal(t, "cancel", failed.Str("action"))
	assert.Equal(t, "c-2", failed.Str("client_order_id"))
}

func TestOrderRequestsAfterDisableStillResolve(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{balances: []types.Balance{{Asset: "USDC", Available: 100}}}
	e, b := testEngine(t, api)
	orderCh := record(t, b, "de.order.*")

	b.Publish(bus.NewEventFrom("pm.account.disabled", map[string]any{
		"user_id": "alice",
	}, "pm"))
	require.Eventually(t, func() bool { return e.conn("alice") == nil },
		2*time.Second, 10*time.Millisecond)

	// A cancel issued while the teardown raced ahead must still resolve, or
	// the close barrier downstream waits forever.
	b.Publish(bus.NewEventFrom("trading.order.cancel", map[string]any{
		"user_id":         "alice",
		"symbol":          "XRPUSDC",
		"client_order_id": "c-9",
	}, "tr"))
	failed := waitFor(t, orderCh, "de.order.failed")
	assert.Equal(t, "cancel", failed.Str("action"))
	assert.Equal(t, "c-9", failed.Str("client_order_id"))
	assert.Contains(t, failed.Str("error"), "no exchange client")

	b.Publish(bus.NewEventFrom("trading.order.create", map[string]any{
		"user_id":         "alice",
		"task_id":         "task-1",
		"symbol":          "XRPUSDC",
		"side":            "BUY",
		"type":            "MARKET",
		"quantity":        100.0,
		"client_order_id": "c-10",
	}, "tr"))
	failed = waitFor(t, orderCh, "de.order.failed")
	assert.Equal(t, "c-10", failed.Str("client_order_id"))
	assert.Equal(t, "task-1", failed.Str("task_id"))
	assert.Equal(t, 0, failed.Int("retry_count"))
}

func TestClosedKlineRefetchesFullWindow(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		klines:   testKlines(200),
		balances: []types.Balance{{Asset: "USDC", Available: 100}},
	}
	e, b := testEngine(t, api)
	klineCh := record(t, b, "de.kline.update")

	c := e.conn("alice")
	require.NotNil(t, c)

	e.onClosedKline(context.Background(), c, exchange.ClosedKline{
		Symbol:   "XRPUSDC",
		Interval: "15m",
		Kline:    types.Kline{Close: 1.199, IsClosed: true},
	})

	upd := waitFor(t, klineCh, "de.kline.update")
	klines, ok := upd.Data["klines"].([]types.Kline)
	require.True(t, ok)
	assert.Len(t, klines, 200)
	assert.InDelta(t, klines[len(klines)-1].Close, upd.Float("close"), 1e-9)
}
