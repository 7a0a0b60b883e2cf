// Package store persists the event journal and trading records in a single
// SQLite file.
//
// Three tables are maintained:
//
//   - events:        the bus journal, trimmed to the most recent 1000 rows
//   - trading_tasks: one row per trading task, updated on every state transition
//   - orders:        one row per order, keyed by client order ID
//
// Writes are serialised behind a mutex; reads go straight to the database.
// Trading writes are best-effort: the executor logs a failure and
// keeps trading, because in-memory state is authoritative and is rebuilt from
// the exchange on restart.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"perpbot/internal/bus"
	"perpbot/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	data       TEXT NOT NULL,
	source     TEXT,
	timestamp  DATETIME NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS trading_tasks (
	task_id     TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT,
	entry_price REAL,
	exit_price  REAL,
	quantity    REAL,
	pnl         REAL,
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	closed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON trading_tasks(user_id);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	order_id        TEXT,
	task_id         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	price           REAL,
	quantity        REAL,
	filled_quantity REAL,
	status          TEXT NOT NULL,
	is_grid_order   INTEGER NOT NULL DEFAULT 0,
	grid_pair_id    TEXT,
	created_at      DATETIME NOT NULL,
	filled_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_orders_task ON orders(task_id);
`

// Store is the SQLite-backed persistence layer. It implements bus.Journal.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serialises writes
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serialises at the driver level; a single connection
	// avoids SQLITE_BUSY between the journal and trading writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one event to the journal and trims history past the cap.
func (s *Store) Append(evt bus.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`INSERT INTO events (event_id, subject, data, source, timestamp) VALUES (?, ?, ?, ?, ?)`,
		evt.EventID, evt.Subject, string(data), evt.Source, evt.Timestamp,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := s.db.Exec(
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`,
		bus.JournalCap,
	); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}

// Recent returns up to limit journal entries, newest first.
func (s *Store) Recent(limit int) ([]bus.Event, error) {
	if limit <= 0 || limit > bus.JournalCap {
		limit = bus.JournalCap
	}

	rows, err := s.db.Query(
		`SELECT event_id, subject, data, source, timestamp FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var evt bus.Event
		var data string
		var source sql.NullString
		if err := rows.Scan(&evt.EventID, &evt.Subject, &data, &source, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &evt.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		evt.Source = source.String
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveTask upserts one trading task row.
func (s *Store) SaveTask(rec types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closedAt any
	if !rec.ClosedAt.IsZero() {
		closedAt = rec.ClosedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO trading_tasks (task_id, user_id, symbol, side, entry_price, exit_price, quantity, pnl, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			exit_price = excluded.exit_price,
			quantity = excluded.quantity,
			pnl = excluded.pnl,
			status = excluded.status,
			closed_at = excluded.closed_at`,
		rec.TaskID, rec.UserID, rec.Symbol, string(rec.Side), rec.EntryPrice, rec.ExitPrice,
		rec.Quantity, rec.PnL, rec.Status, rec.CreatedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// SaveOrder upserts one order row, keyed by client order ID.
func (s *Store) SaveOrder(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filledAt any
	if !o.FilledAt.IsZero() {
		filledAt = o.FilledAt
	}

	_, err := s.db.Exec(`
		INSERT INTO orders (client_order_id, order_id, task_id, user_id, symbol, side, type, price, quantity, filled_quantity, status, is_grid_order, grid_pair_id, created_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			order_id = excluded.order_id,
			price = excluded.price,
			quantity = excluded.quantity,
			filled_quantity = excluded.filled_quantity,
			status = excluded.status,
			filled_at = excluded.filled_at`,
		o.ClientOrderID, o.OrderID, o.TaskID, o.UserID, o.Symbol, string(o.Side), string(o.Type),
		o.Price, o.Quantity, o.FilledQty, string(o.Status), boolToInt(o.IsGridOrder),
		o.GridPairID, o.CreatedAt, filledAt,
	)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// Tasks returns all persisted trading tasks, newest first.
func (s *Store) Tasks() ([]types.TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT task_id, user_id, symbol, side, entry_price, exit_price, quantity, pnl, status, created_at, closed_at
		FROM trading_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []types.TaskRecord
	for rows.Next() {
		var rec types.TaskRecord
		var side string
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.TaskID, &rec.UserID, &rec.Symbol, &side, &rec.EntryPrice,
			&rec.ExitPrice, &rec.Quantity, &rec.PnL, &rec.Status, &rec.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.Side = types.Side(side)
		if closedAt.Valid {
			rec.ClosedAt = closedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrdersForTask returns every order recorded for one task.
func (s *Store) OrdersForTask(taskID string) ([]types.Order, error) {
	rows, err := s.db.Query(`
		SELECT client_order_id, order_id, task_id, user_id, symbol, side, type, price, quantity, filled_quantity, status, is_grid_order, grid_pair_id, created_at, filled_at
		FROM orders WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var side, typ, status string
		var gridPair sql.NullString
		var isGrid int
		var filledAt sql.NullTime
		if err := rows.Scan(&o.ClientOrderID, &o.OrderID, &o.TaskID, &o.UserID, &o.Symbol,
			&side, &typ, &o.Price, &o.Quantity, &o.FilledQty, &status, &isGrid,
			&gridPair, &o.CreatedAt, &filledAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = types.Side(side)
		o.Type = types.OrderType(typ)
		o.Status = types.OrderStatus(status)
		o.IsGridOrder = isGrid != 0
		o.GridPairID = gridPair.String
		if filledAt.Valid {
			o.FilledAt = filledAt.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ bus.Journal = (*Store)(nil)
