package trade

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/bus"
	"perpbot/pkg/types"
)

// Persister is the slice of the store the executor needs. A nil persister
// disables persistence; writes are best-effort either way.
type Persister interface {
	SaveTask(rec types.TaskRecord) error
	SaveOrder(o types.Order) error
}

type taskKey struct {
	userID string
	symbol string
}

// Executor is the trade manager. It owns every trading task, sizes and
// submits orders through the data engine, tracks grid pairs and reports
// position transitions.
type Executor struct {
	bus       *bus.Bus
	capital   *CapitalManager
	db        Persister
	precision Precision
	logger    *slog.Logger

	mu      sync.Mutex
	tasks   map[taskKey]*Task
	byOrder map[string]*Task // client order id -> owning task

	tokens []bus.Token
}

// New creates the trade executor. db may be nil.
func New(b *bus.Bus, db Persister, logger *slog.Logger) *Executor {
	return &Executor{
		bus:       b,
		capital:   NewCapitalManager(),
		db:        db,
		precision: DefaultPrecision,
		logger:    logger.With("component", "tr"),
		tasks:     make(map[taskKey]*Task),
		byOrder:   make(map[string]*Task),
	}
}

// Start registers the manager's event subscriptions.
func (e *Executor) Start() error {
	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{"pm.account.loaded", e.handleAccountLoaded},
		{"de.account.balance", e.handleBalance},
		{"de.account.update", e.handleBalance},
		{"st.signal.generated", e.handleSignal},
		{"st.grid.create", e.handleGridCreate},
		{"de.order.submitted", e.handleSubmitted},
		{"de.order.failed", e.handleOrderFailed},
		{"de.order.filled", e.handleFilled},
		{"de.order.cancelled", e.handleCancelled},
		{"de.kline.update", e.handleKline},
	}
	for _, s := range subs {
		token, err := e.bus.Subscribe(s.subject, "tr."+s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		e.tokens = append(e.tokens, token)
	}
	e.logger.Info("trade executor started")
	return nil
}

// Stop removes the manager's subscriptions.
func (e *Executor) Stop() {
	for _, t := range e.tokens {
		e.bus.Unsubscribe(t)
	}
	e.tokens = nil
}

// Task returns the task for (userID, symbol) if one exists.
func (e *Executor) Task(userID, symbol string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskKey{userID, symbol}]
	return t, ok
}

// handleAccountLoaded bootstraps capital accounting for the user.
func (e *Executor) handleAccountLoaded(evt bus.Event) error {
	e.bus.Publish(bus.NewEventFrom("trading.get_account_balance", map[string]any{
		"user_id": evt.Str("user_id"),
	}, "tr"))
	return nil
}

func (e *Executor) handleBalance(evt bus.Event) error {
	userID := evt.Str("user_id")
	available := evt.Float("available")
	e.capital.SetAvailable(userID, available)
	e.logger.Debug("balance updated", "user_id", userID, "available", available)
	return nil
}

// handleSignal routes an order intent into the owning task.
func (e *Executor) handleSignal(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	side := types.Side(evt.Str("side"))
	price := evt.Float("price")
	if userID == "" || symbol == "" || price <= 0 {
		return fmt.Errorf("malformed signal: %+v", evt.Data)
	}

	switch evt.Str("action") {
	case "OPEN":
		return e.openPosition(evt, userID, symbol, side, price)
	case "CLOSE":
		return e.closePosition(userID, symbol, side)
	default:
		return fmt.Errorf("unknown signal action %q", evt.Str("action"))
	}
}

func (e *Executor) openPosition(evt bus.Event, userID, symbol string, side types.Side, price float64) error {
	grid, _ := evt.Data["grid"].(types.GridConfig)
	mode := SelectMode(grid)
	leverage := evt.Int("leverage")
	pairCount := evt.Int("pair_count")
	if leverage < 1 || pairCount < 1 {
		return fmt.Errorf("signal missing sizing inputs: leverage=%d pair_count=%d", leverage, pairCount)
	}

	available := e.capital.Available(userID)
	if available <= 0 {
		return fmt.Errorf("no balance known for user %s", userID)
	}
	perSymbol := PerSymbolMargin(available, pairCount)

	t := e.obtainTask(userID, symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != types.PositionNone || t.closing || t.entryOrderID != "" || t.gridActive {
		e.logger.Warn("open ignored, task busy",
			"user_id", userID, "symbol", symbol, "state", t.state)
		return nil
	}

	t.mode = mode
	t.side = side
	t.leverage = leverage
	t.moveUp = grid.MoveUp
	t.moveDown = grid.MoveDown

	switch mode {
	case NoGrid:
		return e.submitEntryLocked(t, side, perSymbol, leverage, price)

	case NormalGrid:
		plan, err := NewGridPlan(grid.LowerPrice, grid.UpperPrice, grid.GridLevels)
		if err != nil {
			return fmt.Errorf("grid plan: %w", err)
		}
		t.plan = plan
		capital := perSymbol * float64(leverage)
		return e.layGridLocked(t, price, capital)

	case AbnormalGrid:
		plan, err := NewGridPlan(grid.LowerPrice, grid.UpperPrice, grid.GridLevels)
		if err != nil {
			return fmt.Errorf("grid plan: %w", err)
		}
		t.plan = plan
		// Grid portion waits for st.grid.create after the entry fill.
		t.gridCapital = GridMargin(perSymbol, grid.Ratio) * float64(leverage)
		return e.submitEntryLocked(t, side, EntryMargin(perSymbol, grid.Ratio), leverage, price)
	}
	return nil
}

// submitEntryLocked sizes and submits the market entry. Caller holds t.mu.
func (e *Executor) submitEntryLocked(t *Task, side types.Side, margin float64, leverage int, price float64) error {
	qty := Truncate(PositionSize(margin, leverage, price), e.precision.Quantity)
	if err := CheckNotional(price, qty); err != nil {
		e.logger.Warn("entry rejected", "symbol", t.Symbol, "reason", err)
		return nil
	}

	o := &types.Order{
		ClientOrderID: uuid.NewString(),
		TaskID:        t.ID,
		UserID:        t.UserID,
		Symbol:        t.Symbol,
		Side:          side,
		Type:          types.Market,
		Quantity:      qty,
		Status:        types.StatusNew,
		CreatedAt:     time.Now(),
	}
	t.entryOrderID = o.ClientOrderID
	e.submitLocked(t, o, false)
	return nil
}

// layGridLocked plans and submits the resting grid orders. Caller holds t.mu.
func (e *Executor) layGridLocked(t *Task, entry, capital float64) error {
	planned, err := t.plan.Symmetric(entry, capital)
	if err != nil {
		return fmt.Errorf("grid orders: %w", err)
	}

	placed := 0
	for _, g := range planned {
		price, qty := e.precision.Apply(g.Price, g.Quantity)
		if err := CheckNotional(price, qty); err != nil {
			e.logger.Warn("grid level skipped", "symbol", t.Symbol, "price", price, "reason", err)
			continue
		}
		o := &types.Order{
			ClientOrderID: uuid.NewString(),
			TaskID:        t.ID,
			UserID:        t.UserID,
			Symbol:        t.Symbol,
			Side:          g.Side,
			Type:          types.Limit,
			Price:         price,
			Quantity:      qty,
			Status:        types.StatusNew,
			IsGridOrder:   true,
			CreatedAt:     time.Now(),
		}
		e.submitLocked(t, o, false)
		placed++
	}
	if placed == 0 {
		return fmt.Errorf("no grid orders met the notional minimum")
	}

	t.gridActive = true
	t.gridBasis = capital
	e.logger.Info("grid placed",
		"user_id", t.UserID,
		"symbol", t.Symbol,
		"orders", placed,
		"lower", t.plan.Lower,
		"upper", t.plan.Upper,
	)
	return nil
}

func (e *Executor) closePosition(userID, symbol string, side types.Side) error {
	t, ok := e.Task(userID, symbol)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == types.PositionNone || t.closing {
		e.logger.Warn("close ignored", "user_id", userID, "symbol", symbol, "state", t.state)
		return nil
	}

	o := &types.Order{
		ClientOrderID: uuid.NewString(),
		TaskID:        t.ID,
		UserID:        userID,
		Symbol:        symbol,
		Side:          side,
		Type:          types.Market,
		Quantity:      t.quantity,
		Status:        types.StatusNew,
		CreatedAt:     time.Now(),
	}
	t.closing = true
	t.closeOrderID = o.ClientOrderID
	e.submitLocked(t, o, true)
	return nil
}

// handleGridCreate lays the deferred grid portion of an abnormal-mode task.
func (e *Executor) handleGridCreate(evt bus.Event) error {
	t, ok := e.Task(evt.Str("user_id"), evt.Str("symbol"))
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode != AbnormalGrid || t.gridActive || t.gridCapital <= 0 {
		return nil
	}
	capital := t.gridCapital
	t.gridCapital = 0
	return e.layGridLocked(t, evt.Float("entry_price"), capital)
}

// submitLocked registers the order and hands it to the data engine. Caller
// holds t.mu.
func (e *Executor) submitLocked(t *Task, o *types.Order, reduceOnly bool) {
	t.orders[o.ClientOrderID] = o
	e.mu.Lock()
	e.byOrder[o.ClientOrderID] = t
	e.mu.Unlock()
	e.persistOrder(*o)

	e.bus.Publish(bus.NewEventFrom("trading.order.create", map[string]any{
		"user_id":         t.UserID,
		"task_id":         t.ID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            string(o.Type),
		"price":           o.Price,
		"quantity":        o.Quantity,
		"reduce_only":     reduceOnly,
		"client_order_id": o.ClientOrderID,
		"is_grid_order":   o.IsGridOrder,
	}, "tr"))
}

func (e *Executor) taskFor(clientOrderID string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byOrder[clientOrderID]
}

func (e *Executor) handleSubmitted(evt bus.Event) error {
	clientID := evt.Str("client_order_id")
	t := e.taskFor(clientID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if o := t.orders[clientID]; o != nil {
		o.OrderID = evt.Str("order_id")
		e.persistOrder(*o)
	}
	return nil
}

// handleOrderFailed releases whatever the failed order was holding so the
// task can act again. A failed cancel still counts as resolution of the
// pending cancel; the close path must not hang on it.
func (e *Executor) handleOrderFailed(evt bus.Event) error {
	clientID := evt.Str("client_order_id")
	t := e.taskFor(clientID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if evt.Str("action") == "cancel" {
		delete(t.pendingCancels, clientID)
		e.maybeFinalizeCloseLocked(t)
		return nil
	}

	o := t.orders[clientID]
	if o == nil {
		return nil
	}
	o.Status = types.StatusRejected
	e.persistOrder(*o)
	e.logger.Error("order failed",
		"user_id", t.UserID,
		"symbol", t.Symbol,
		"client_order_id", clientID,
		"error", evt.Str("error"),
	)

	switch clientID {
	case t.entryOrderID:
		t.entryOrderID = ""
	case t.closeOrderID:
		t.closing = false
		t.closeOrderID = ""
	}
	return nil
}

// handleFilled routes a confirmed fill: entry fills open the position, close
// fills start the cancellation sweep, grid fills roll the pair book.
func (e *Executor) handleFilled(evt bus.Event) error {
	clientID := evt.Str("client_order_id")
	t := e.taskFor(clientID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.orders[clientID]
	if o == nil {
		return nil
	}

	price := evt.Float("price")
	if price <= 0 {
		price = o.Price
	}
	qty := evt.Float("quantity")
	if qty <= 0 {
		qty = o.Quantity
	}
	o.Status = types.StatusFilled
	o.AvgPrice = price
	o.FilledQty = qty
	o.FilledAt = time.Now()
	e.persistOrder(*o)

	switch {
	case clientID == t.entryOrderID:
		e.positionOpenedLocked(t, o.Side, price, qty)

	case clientID == t.closeOrderID:
		t.closePrice = price
		t.realized += SingleProfit(t.entry, price, t.quantity, t.side == types.Buy)
		e.sweepGridOrdersLocked(t)
		e.maybeFinalizeCloseLocked(t)

	case o.IsGridOrder:
		e.gridFillLocked(t, o, price, qty)
	}
	return nil
}

// positionOpenedLocked records the confirmed entry and announces it.
func (e *Executor) positionOpenedLocked(t *Task, side types.Side, price, qty float64) {
	t.state = types.PositionLong
	if side == types.Sell {
		t.state = types.PositionShort
	}
	t.side = side
	t.entry = price
	t.quantity = qty
	e.persistTask(t.record("OPEN"))

	e.bus.Publish(bus.NewEventFrom("tr.position.opened", map[string]any{
		"user_id":     t.UserID,
		"symbol":      t.Symbol,
		"side":        string(side),
		"entry_price": price,
		"quantity":    qty,
		"task_id":     t.ID,
	}, "tr"))
	e.logger.Info("position opened",
		"user_id", t.UserID, "symbol", t.Symbol, "side", side, "entry", price, "quantity", qty)
}

// gridFillLocked handles one grid order fill: a counter fill completes its
// pair and realises the profit; a primary fill opens a pair and rests the
// counter order one interval away.
func (e *Executor) gridFillLocked(t *Task, o *types.Order, price, qty float64) {
	if o.GridPairID != "" {
		profit, ok := t.book.Complete(o.GridPairID)
		if ok {
			t.realized += profit
			e.persistTask(t.record("OPEN"))
			e.logger.Info("grid pair completed",
				"user_id", t.UserID,
				"symbol", t.Symbol,
				"pair_id", o.GridPairID,
				"profit", profit,
				"realized", t.realized,
			)
		}
		return
	}

	var buyPrice, sellPrice float64
	var counterSide types.Side
	if o.Side == types.Buy {
		buyPrice = price
		sellPrice = Truncate(price+t.plan.Interval, e.precision.Price)
		counterSide = types.Sell
	} else {
		sellPrice = price
		buyPrice = Truncate(price-t.plan.Interval, e.precision.Price)
		counterSide = types.Buy
	}
	pairID := t.book.Open(buyPrice, sellPrice, qty)

	counterPrice := sellPrice
	if counterSide == types.Buy {
		counterPrice = buyPrice
	}
	counter := &types.Order{
		ClientOrderID: uuid.NewString(),
		TaskID:        t.ID,
		UserID:        t.UserID,
		Symbol:        t.Symbol,
		Side:          counterSide,
		Type:          types.Limit,
		Price:         counterPrice,
		Quantity:      qty,
		Status:        types.StatusNew,
		IsGridOrder:   true,
		GridPairID:    pairID,
		CreatedAt:     time.Now(),
	}
	e.submitLocked(t, counter, false)

	// The first grid fill of a full-grid task is its position entry.
	if t.mode == NormalGrid && t.state == types.PositionNone {
		e.positionOpenedLocked(t, o.Side, price, qty)
	}
}

// sweepGridOrdersLocked requests cancellation of every resting grid order.
func (e *Executor) sweepGridOrdersLocked(t *Task) {
	for _, o := range t.openGridOrders() {
		t.pendingCancels[o.ClientOrderID] = true
		e.bus.Publish(bus.NewEventFrom("trading.order.cancel", map[string]any{
			"user_id":         t.UserID,
			"symbol":          t.Symbol,
			"client_order_id": o.ClientOrderID,
		}, "tr"))
	}
}

// maybeFinalizeCloseLocked publishes tr.position.closed once the close fill
// has landed and no cancellation is outstanding.
func (e *Executor) maybeFinalizeCloseLocked(t *Task) {
	if !t.closing || t.closeOrderID == "" || len(t.pendingCancels) > 0 {
		return
	}
	closeOrder := t.orders[t.closeOrderID]
	if closeOrder == nil || closeOrder.Status != types.StatusFilled {
		return
	}

	closeSide := t.side.Opposite()
	pnl := t.realized
	e.persistTask(t.record("CLOSED"))

	t.state = types.PositionNone
	t.closing = false
	t.entryOrderID = ""
	t.closeOrderID = ""
	t.gridActive = false
	t.quantity = 0

	// The task's lifecycle ends here; the next signal builds a fresh one.
	e.mu.Lock()
	delete(e.tasks, taskKey{t.UserID, t.Symbol})
	for id := range t.orders {
		delete(e.byOrder, id)
	}
	e.mu.Unlock()

	e.bus.Publish(bus.NewEventFrom("tr.position.closed", map[string]any{
		"user_id": t.UserID,
		"symbol":  t.Symbol,
		"side":    string(closeSide),
		"price":   t.closePrice,
		"pnl":     pnl,
		"task_id": t.ID,
	}, "tr"))
	e.logger.Info("position closed",
		"user_id", t.UserID, "symbol", t.Symbol, "exit", t.closePrice, "pnl", pnl)
}

func (e *Executor) handleCancelled(evt bus.Event) error {
	clientID := evt.Str("client_order_id")
	t := e.taskFor(clientID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if o := t.orders[clientID]; o != nil {
		o.Status = types.StatusCanceled
		e.persistOrder(*o)
	}
	delete(t.pendingCancels, clientID)
	e.maybeFinalizeCloseLocked(t)
	return nil
}

// handleKline watches the last price of grid tasks with band-move enabled.
// Breaching the band cancels the resting orders, shifts the band one interval
// and reposts around the current price.
func (e *Executor) handleKline(evt bus.Event) error {
	t, ok := e.Task(evt.Str("user_id"), evt.Str("symbol"))
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.gridActive || t.closing {
		return nil
	}
	last := evt.Float("close")

	switch {
	case t.moveUp && last > t.plan.Upper:
		return e.moveBandLocked(t, t.plan.ShiftUp(), last)
	case t.moveDown && last < t.plan.Lower:
		return e.moveBandLocked(t, t.plan.ShiftDown(), last)
	}
	return nil
}

func (e *Executor) moveBandLocked(t *Task, shifted GridPlan, last float64) error {
	for _, o := range t.openGridOrders() {
		e.bus.Publish(bus.NewEventFrom("trading.order.cancel", map[string]any{
			"user_id":         t.UserID,
			"symbol":          t.Symbol,
			"client_order_id": o.ClientOrderID,
		}, "tr"))
	}

	t.plan = shifted
	t.gridActive = false
	e.logger.Info("grid band moved",
		"user_id", t.UserID,
		"symbol", t.Symbol,
		"lower", shifted.Lower,
		"upper", shifted.Upper,
		"last", last,
	)
	if !shifted.Contains(last) {
		// Price ran past a single shift; wait for the next candle.
		return nil
	}
	return e.layGridLocked(t, last, t.gridBasis)
}

func (e *Executor) persistTask(rec types.TaskRecord) {
	if e.db == nil {
		return
	}
	if err := e.db.SaveTask(rec); err != nil {
		e.logger.Error("persist task failed", "task_id", rec.TaskID, "error", err)
	}
}

func (e *Executor) persistOrder(o types.Order) {
	if e.db == nil {
		return
	}
	if err := e.db.SaveOrder(o); err != nil {
		e.logger.Error("persist order failed", "client_order_id", o.ClientOrderID, "error", err)
	}
}

// obtainTask returns the task for (userID, symbol), creating and announcing
// it on first use.
func (e *Executor) obtainTask(userID, symbol string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := taskKey{userID, symbol}
	if t, ok := e.tasks[k]; ok {
		return t
	}
	t := newTask(userID, symbol)
	e.tasks[k] = t
	e.persistTask(types.TaskRecord{
		TaskID:    t.ID,
		UserID:    userID,
		Symbol:    symbol,
		Status:    "CREATED",
		CreatedAt: t.createdAt,
	})
	e.bus.Publish(bus.NewEventFrom("tr.task.created", map[string]any{
		"task_id": t.ID,
		"user_id": userID,
		"symbol":  symbol,
	}, "tr"))
	return t
}
