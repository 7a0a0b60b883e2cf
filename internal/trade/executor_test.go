package trade

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/bus"
	"perpbot/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSelectMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		grid types.GridConfig
		want Mode
	}{
		{"disabled", types.GridConfig{}, NoGrid},
		{"normal full ratio", types.GridConfig{Enabled: true, GridType: "normal", Ratio: 1}, NormalGrid},
		{"normal partial ratio", types.GridConfig{Enabled: true, GridType: "normal", Ratio: 0.5}, AbnormalGrid},
		{"abnormal", types.GridConfig{Enabled: true, GridType: "abnormal", Ratio: 1}, AbnormalGrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SelectMode(tt.grid))
		})
	}
}

// testExecutor starts an executor on a live bus and seeds alice's capital the
// way DE would.
func testExecutor(t *testing.T) (*Executor, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.NewMemoryJournal(), testLogger())

	e := New(b, nil, testLogger())
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	b.Publish(bus.NewEventFrom("de.account.balance", map[string]any{
		"user_id":   "alice",
		"available": 1000.0,
	}, "de"))
	time.Sleep(50 * time.Millisecond)
	return e, b
}

// record funnels every event matching pattern into its own channel so
// cross-subject ordering cannot drop anything.
func record(t *testing.T, b *bus.Bus, pattern string) chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 128)
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

func collectN(t *testing.T, ch chan bus.Event, n int) []bus.Event {
	t.Helper()
	out := make([]bus.Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("collected %d of %d events", len(out), n)
		}
	}
	return out
}

func assertQuiet(t *testing.T, ch chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s", evt.Subject)
	case <-time.After(150 * time.Millisecond):
	}
}

func openSignal(side types.Side, price float64, grid types.GridConfig, leverage int) bus.Event {
	return bus.NewEventFrom("st.signal.generated", map[string]any{
		"user_id":    "alice",
		"symbol":     "XRPUSDC",
		"action":     "OPEN",
		"side":       string(side),
		"price":      price,
		"leverage":   leverage,
		"pair_count": 1,
		"grid":       grid,
	}, "st")
}

func closeSignal(side types.Side, price float64) bus.Event {
	return bus.NewEventFrom("st.signal.generated", map[string]any{
		"user_id":    "alice",
		"symbol":     "XRPUSDC",
		"action":     "CLOSE",
		"side":       string(side),
		"price":      price,
		"leverage":   5,
		"pair_count": 1,
		"grid":       types.GridConfig{},
	}, "st")
}

func fill(clientOrderID string, price, qty float64) bus.Event {
	return bus.NewEventFrom("de.order.filled", map[string]any{
		"user_id":         "alice",
		"symbol":          "XRPUSDC",
		"client_order_id": clientOrderID,
		"price":           price,
		"quantity":        qty,
	}, "de")
}

func cancelled(clientOrderID string) bus.Event {
	return bus.NewEventFrom("de.order.cancelled", map[string]any{
		"user_id":         "alice",
		"symbol":          "XRPUSDC",
		"client_order_id": clientOrderID,
	}, "de")
}

var normalGrid = types.GridConfig{
	Enabled:    true,
	GridType:   "normal",
	Ratio:      1,
	GridLevels: 10,
	LowerPrice: 0.95,
	UpperPrice: 1.05,
}

func TestNoGridRoundTrip(t *testing.T) {
	t.Parallel()

	e, b := testExecutor(t)
	trCh := record(t, b, "tr.*")
	orderCh := record(t, b, "trading.order.create")

	// OPEN BUY: 1000 × 0.95 margin × 5 leverage at price 1.0 → qty 4750.
	b.Publish(openSignal(types.Buy, 1.0, types.GridConfig{}, 5))

	created := waitFor(t, trCh, "tr.task.created")
	assert.Equal(t, "alice", created.Str("user_id"))

	entry := waitFor(t, orderCh, "trading.order.create")
	assert.Equal(t, "MARKET", entry.Str("type"))
	assert.Equal(t, "BUY", entry.Str("side"))
	assert.InDelta(t, 4750.0, entry.Float("quantity"), 1e-9)
	assert.False(t, entry.Bool("reduce_only"))

	// Position opens only on the confirmed fill.
	task, ok := e.Task("alice", "XRPUSDC")
	require.True(t, ok)
	assert.Equal(t, types.PositionNone, task.State())

	b.Publish(fill(entry.Str("client_order_id"), 1.0, 4750))
	opened := waitFor(t, trCh, "tr.position.opened")
	assert.Equal(t, "BUY", opened.Str("side"))
	assert.InDelta(t, 1.0, opened.Float("entry_price"), 1e-9)
	assert.Equal(t, types.PositionLong, task.State())

	// CLOSE SELL at 1.1: no grid orders to cancel, so the close finalises on
	// the fill alone.
	b.Publish(closeSignal(types.Sell, 1.1))
	closeOrder := waitFor(t, orderCh, "trading.order.create")
	assert.Equal(t, "SELL", closeOrder.Str("side"))
	assert.True(t, closeOrder.Bool("reduce_only"))
	assert.InDelta(t, 4750.0, closeOrder.Float("quantity"), 1e-9)

	b.Publish(fill(closeOrder.Str("client_order_id"), 1.1, 4750))
	closed := waitFor(t, trCh, "tr.position.closed")
	assert.Equal(t, "SELL", closed.Str("side"))
	assert.InDelta(t, SingleProfit(1.0, 1.1, 4750, true), closed.Float("pnl"), 1e-9)
	assert.Equal(t, types.PositionNone, task.State())
}

func TestOpenWithoutBalanceRejected(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.NewMemoryJournal(), testLogger())
	orderCh := record(t, b, "trading.order.create")

	e := New(b, nil, testLogger())
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	b.Publish(openSignal(types.Buy, 1.0, types.GridConfig{}, 5))
	assertQuiet(t, orderCh)
}

func TestNormalGridFirstFillOpensPosition(t *testing.T) {
	t.Parallel()

	e, b := testExecutor(t)
	trCh := record(t, b, "tr.position.*")
	orderCh := record(t, b, "trading.order.create")

	// leverage 1: grid capital 950, ten levels around entry 1.0, 95 per level.
	b.Publish(openSignal(types.Buy, 1.0, normalGrid, 1))
	gridOrders := collectN(t, orderCh, 10)

	var buyAt95 bus.Event
	buys, sells := 0, 0
	for _, o := range gridOrders {
		assert.Equal(t, "LIMIT", o.Str("type"))
		assert.True(t, o.Bool("is_grid_order"))
		if o.Str("side") == "BUY" {
			buys++
			if o.Float("price") == 0.95 {
				buyAt95 = o
			}
		} else {
			sells++
		}
	}
	assert.Equal(t, 5, buys)
	assert.Equal(t, 5, sells)
	require.NotEmpty(t, buyAt95.Str("client_order_id"))
	assert.InDelta(t, 100.0, buyAt95.Float("quantity"), 1e-9) // 95 / 0.95

	// First grid fill opens the position and rests the counter sell at 0.96.
	b.Publish(fill(buyAt95.Str("client_order_id"), 0.95, 100))
	opened := waitFor(t, trCh, "tr.position.opened")
	assert.InDelta(t, 0.95, opened.Float("entry_price"), 1e-9)

	counter := waitFor(t, orderCh, "trading.order.create")
	assert.Equal(t, "SELL", counter.Str("side"))
	assert.InDelta(t, 0.96, counter.Float("price"), 1e-9)
	assert.InDelta(t, 100.0, counter.Float("quantity"), 1e-9)

	// The counter fill completes the pair and realises its profit.
	b.Publish(fill(counter.Str("client_order_id"), 0.96, 100))
	time.Sleep(100 * time.Millisecond)

	task, ok := e.Task("alice", "XRPUSDC")
	require.True(t, ok)
	assert.InDelta(t, PairProfit(0.95, 0.96, 100), task.Realized(), 1e-9)
}

func TestAbnormalGridDefersGridPortion(t *testing.T) {
	t.Parallel()

	_, b := testExecutor(t)
	trCh := record(t, b, "tr.position.*")
	orderCh := record(t, b, "trading.order.create")

	grid := types.GridConfig{
		Enabled:    true,
		GridType:   "abnormal",
		Ratio:      0.5,
		GridLevels: 10,
		LowerPrice: 0.95,
		UpperPrice: 1.05,
	}
	// Entry uses half the capital share: 950 × 0.5 × 2 / 1.0 = 950.
	b.Publish(openSignal(types.Buy, 1.0, grid, 2))

	entry := waitFor(t, orderCh, "trading.order.create")
	assert.Equal(t, "MARKET", entry.Str("type"))
	assert.InDelta(t, 950.0, entry.Float("quantity"), 1e-9)

	// No grid orders until the grid trigger arrives.
	assertQuiet(t, orderCh)

	b.Publish(fill(entry.Str("client_order_id"), 1.0, 950))
	waitFor(t, trCh, "tr.position.opened")
	assertQuiet(t, orderCh)

	b.Publish(bus.NewEventFrom("st.grid.create", map[string]any{
		"user_id":     "alice",
		"symbol":      "XRPUSDC",
		"entry_price": 1.0,
		"grid":        grid,
	}, "st"))
	gridOrders := collectN(t, orderCh, 10)
	for _, o := range gridOrders {
		assert.True(t, o.Bool("is_grid_order"))
	}
}

func TestClosePathWaitsForCancelAcks(t *testing.T) {
	t.Parallel()

	e, b := testExecutor(t)
	trCh := record(t, b, "tr.position.*")
	orderCh := record(t, b, "trading.order.create")
	cancelCh := record(t, b, "trading.order.cancel")

	b.Publish(openSignal(types.Buy, 1.0, normalGrid, 1))
	gridOrders := collectN(t, orderCh, 10)

	// Open via a deterministic buy fill.
	var buyOrder bus.Event
	for _, o := range gridOrders {
		if o.Str("side") == "BUY" && o.Float("price") == 0.99 {
			buyOrder = o
		}
	}
	require.NotEmpty(t, buyOrder.Str("client_order_id"))
	b.Publish(fill(buyOrder.Str("client_order_id"), 0.99, buyOrder.Float("quantity")))
	waitFor(t, trCh, "tr.position.opened")
	waitFor(t, orderCh, "trading.order.create") // counter sell at 1.00

	// Close: the fill lands first, then every surviving grid order must be
	// cancelled and acknowledged before tr.position.closed appears.
	b.Publish(closeSignal(types.Sell, 1.02))
	closeOrder := waitFor(t, orderCh, "trading.order.create")
	b.Publish(fill(closeOrder.Str("client_order_id"), 1.02, closeOrder.Float("quantity")))

	cancels := collectN(t, cancelCh, 10) // 9 surviving levels + the counter order

	// Acknowledge all but one: still not closed.
	for _, c := range cancels[:len(cancels)-1] {
		b.Publish(cancelled(c.Str("client_order_id")))
	}
	select {
	case evt := <-trCh:
		t.Fatalf("position closed early: %s", evt.Subject)
	case <-time.After(150 * time.Millisecond):
	}

	b.Publish(cancelled(cancels[len(cancels)-1].Str("client_order_id")))
	closed := waitFor(t, trCh, "tr.position.closed")
	assert.Equal(t, "SELL", closed.Str("side"))
	assert.InDelta(t, 1.02, closed.Float("price"), 1e-9)

	// The task's lifecycle ends with the close.
	_, ok := e.Task("alice", "XRPUSDC")
	assert.False(t, ok)
}

func TestMoveUpShiftsBandAndReposts(t *testing.T) {
	t.Parallel()

	_, b := testExecutor(t)
	orderCh := record(t, b, "trading.order.create")
	cancelCh := record(t, b, "trading.order.cancel")

	grid := normalGrid
	grid.MoveUp = true
	b.Publish(openSignal(types.Buy, 1.0, grid, 1))
	collectN(t, orderCh, 10)

	// Price breaks the upper band: the old orders are cancelled and the band
	// shifts up one interval (0.96..1.06) before reposting around last price.
	b.Publish(bus.NewEventFrom("de.kline.update", map[string]any{
		"user_id": "alice",
		"symbol":  "XRPUSDC",
		"close":   1.055,
	}, "de"))

	collectN(t, cancelCh, 10)
	reposted := collectN(t, orderCh, 1)
	for _, o := range reposted {
		price := o.Float("price")
		assert.GreaterOrEqual(t, price, 0.96-1e-9)
		assert.LessOrEqual(t, price, 1.06+1e-9)
	}
}
