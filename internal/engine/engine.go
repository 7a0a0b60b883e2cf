// Package engine wires the managers together: persistence, the event bus,
// the account registry, the data engine, technical analysis, strategy and
// trade execution. It owns startup and shutdown ordering; everything else
// talks through the bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"perpbot/internal/account"
	"perpbot/internal/bus"
	"perpbot/internal/config"
	"perpbot/internal/dataengine"
	"perpbot/internal/indicator"
	"perpbot/internal/store"
	"perpbot/internal/strategy"
	"perpbot/internal/trade"
	"perpbot/pkg/types"
)

// Engine is the composition root.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	db       *store.Store
	bus      *bus.Bus
	registry *account.Registry
	data     *dataengine.Engine
	ta       *indicator.Engine
	st       *strategy.Engine
	tr       *trade.Executor

	cancel context.CancelFunc
}

// New builds the full manager graph. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New(db, logger)
	registry := account.New(b, logger)

	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		db:       db,
		bus:      b,
		registry: registry,
		data:     dataengine.New(b, registry, cfg.Exchange, logger),
		ta:       indicator.New(b, indicator.NewFactory(), logger),
		st:       strategy.New(b, cfg.StrategyDir, logger),
		tr:       trade.New(b, db, logger),
	}, nil
}

// Start brings the managers up, then loads the accounts. Subscribers are
// registered before the first pm.account.loaded fires so no event is missed.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.tr.Start(); err != nil {
		return fmt.Errorf("start trade executor: %w", err)
	}
	if err := e.st.Start(); err != nil {
		return fmt.Errorf("start strategy manager: %w", err)
	}
	if err := e.ta.Start(); err != nil {
		return fmt.Errorf("start ta manager: %w", err)
	}
	if err := e.data.Start(ctx); err != nil {
		return fmt.Errorf("start data engine: %w", err)
	}

	users, err := config.LoadAccounts(e.cfg.AccountsPath)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	loaded := e.registry.LoadAccounts(users)
	if loaded == 0 {
		return fmt.Errorf("no valid accounts in %s", e.cfg.AccountsPath)
	}

	e.logger.Info("engine started", "accounts", loaded)
	return nil
}

// Stop shuts down in reverse dependency order: announce shutdown, drop the
// exchange connections, detach the managers, drain the bus, close the store.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")

	e.registry.Shutdown()
	e.data.Stop()
	e.ta.Stop()
	e.st.Stop()
	e.tr.Stop()
	if e.cancel != nil {
		e.cancel()
	}

	e.bus.Close(e.cfg.Shutdown.Grace)
	if err := e.db.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// RecentEvents exposes the journal tail for the status API.
func (e *Engine) RecentEvents(limit int) ([]bus.Event, error) {
	return e.bus.QueryRecent(limit)
}

// AccountStatus is one account's public state for the status API.
type AccountStatus struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Testnet  bool   `json:"testnet"`
	Enabled  bool   `json:"enabled"`
}

// Accounts reports every loaded account without credentials.
func (e *Engine) Accounts() []AccountStatus {
	ids := e.registry.UserIDs()
	out := make([]AccountStatus, 0, len(ids))
	for _, id := range ids {
		acct, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, AccountStatus{
			UserID:   acct.UserID,
			Name:     acct.Name,
			Strategy: acct.Strategy,
			Testnet:  acct.Testnet,
			Enabled:  acct.Enabled(),
		})
	}
	return out
}

// Tasks exposes the persisted trading tasks for the status API.
func (e *Engine) Tasks() ([]types.TaskRecord, error) {
	return e.db.Tasks()
}
