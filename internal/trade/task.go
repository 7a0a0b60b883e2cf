package trade

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"perpbot/pkg/types"
)

// Mode is a task's execution mode, selected from the signal's grid config.
type Mode int

const (
	// NoGrid places a single sized market order.
	NoGrid Mode = iota
	// NormalGrid commits the full capital share to resting grid orders.
	NormalGrid
	// AbnormalGrid enters with a sized market order first, then lays the
	// grid with the remaining capital share.
	AbnormalGrid
)

func (m Mode) String() string {
	switch m {
	case NormalGrid:
		return "NORMAL_GRID"
	case AbnormalGrid:
		return "ABNORMAL_GRID"
	default:
		return "NO_GRID"
	}
}

// SelectMode maps a grid config to an execution mode: disabled grids trade
// plain; a normal grid with the full capital ratio is NORMAL_GRID; everything
// else enters first and grids the remainder.
func SelectMode(g types.GridConfig) Mode {
	if !g.Enabled {
		return NoGrid
	}
	if g.GridType == "normal" && g.Ratio == 1 {
		return NormalGrid
	}
	return AbnormalGrid
}

// Task is the per-(user, symbol) trading state machine. All mutation happens
// inside the executor's handlers while holding mu, so the task has exactly one
// writer at a time. Position state changes only on confirmed fills.
type Task struct {
	ID     string
	UserID string
	Symbol string

	mu sync.Mutex

	mode     Mode
	state    types.PositionState
	side     types.Side
	entry    float64
	quantity float64
	leverage int
	realized float64

	plan        GridPlan
	gridActive  bool
	gridCapital float64 // reserved for a deferred grid portion
	gridBasis   float64 // capital the active grid was laid with
	moveUp      bool
	moveDown    bool
	book        *GridBook

	orders         map[string]*types.Order // by client order id
	entryOrderID   string
	closeOrderID   string
	closePrice     float64
	closing        bool
	pendingCancels map[string]bool

	createdAt time.Time
}

func newTask(userID, symbol string) *Task {
	return &Task{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		state:          types.PositionNone,
		book:           NewGridBook(),
		orders:         make(map[string]*types.Order),
		pendingCancels: make(map[string]bool),
		createdAt:      time.Now(),
	}
}

// State returns the position state.
func (t *Task) State() types.PositionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Realized returns the accumulated realised P&L.
func (t *Task) Realized() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realized
}

// record builds the persistence row. Caller holds mu.
func (t *Task) record(status string) types.TaskRecord {
	rec := types.TaskRecord{
		TaskID:     t.ID,
		UserID:     t.UserID,
		Symbol:     t.Symbol,
		Side:       t.side,
		EntryPrice: t.entry,
		Quantity:   t.quantity,
		PnL:        t.realized,
		Status:     status,
		CreatedAt:  t.createdAt,
	}
	if status == "CLOSED" {
		rec.ExitPrice = t.closePrice
		rec.ClosedAt = time.Now()
	}
	return rec
}

// openGridOrders returns the resting grid orders still on the book. Caller
// holds mu.
func (t *Task) openGridOrders() []*types.Order {
	out := make([]*types.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if o.IsGridOrder && (o.Status == types.StatusNew || o.Status == types.StatusPartiallyFilled) {
			out = append(out, o)
		}
	}
	return out
}
