package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"perpbot/internal/bus"
	"perpbot/internal/config"
	"perpbot/internal/indicator"
	"perpbot/pkg/types"
)

// Engine is the strategy manager. One Strategy per loaded account.
type Engine struct {
	bus         *bus.Bus
	strategyDir string
	logger      *slog.Logger

	mu         sync.RWMutex
	strategies map[string]*Strategy // by user_id

	tokens []bus.Token
}

// New creates the strategy manager. strategyDir is the root of the per-user
// strategy files.
func New(b *bus.Bus, strategyDir string, logger *slog.Logger) *Engine {
	return &Engine{
		bus:         b,
		strategyDir: strategyDir,
		logger:      logger.With("component", "st"),
		strategies:  make(map[string]*Strategy),
	}
}

// Start registers the manager's event subscriptions.
func (e *Engine) Start() error {
	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{"pm.account.loaded", e.handleAccountLoaded},
		{"ta.calculation.completed", e.handleCalculation},
		{"tr.position.opened", e.handlePositionOpened},
		{"tr.position.closed", e.handlePositionClosed},
	}
	for _, s := range subs {
		token, err := e.bus.Subscribe(s.subject, "st."+s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		e.tokens = append(e.tokens, token)
	}
	e.logger.Info("strategy manager started")
	return nil
}

// Stop removes the manager's subscriptions.
func (e *Engine) Stop() {
	for _, t := range e.tokens {
		e.bus.Unsubscribe(t)
	}
	e.tokens = nil
}

// Get returns the strategy loaded for userID.
func (e *Engine) Get(userID string) (*Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[userID]
	return s, ok
}

// handleAccountLoaded loads the account's strategy file and subscribes every
// indicator it configures. A load failure is announced and leaves the account
// without a strategy; other accounts are unaffected.
func (e *Engine) handleAccountLoaded(evt bus.Event) error {
	userID := evt.Str("user_id")
	name := evt.Str("strategy")

	cfg, err := config.LoadStrategy(e.strategyDir, userID, name)
	if err != nil {
		e.logger.Error("strategy load failed", "user_id", userID, "strategy", name, "error", err)
		e.bus.Publish(bus.NewEventFrom("st.strategy.load_failed", map[string]any{
			"user_id":  userID,
			"strategy": name,
			"error":    err.Error(),
		}, "st"))
		return nil
	}

	strat := newStrategy(userID, name, cfg)
	e.mu.Lock()
	e.strategies[userID] = strat
	e.mu.Unlock()

	symbols := make([]string, 0, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		symbols = append(symbols, pair.Symbol)
	}
	e.bus.Publish(bus.NewEventFrom("st.strategy.loaded", map[string]any{
		"user_id":    userID,
		"strategy":   name,
		"timeframe":  cfg.Timeframe,
		"pair_count": len(cfg.TradingPairs),
		"symbols":    symbols,
	}, "st"))

	for _, pair := range cfg.TradingPairs {
		for _, indName := range sortedNames(pair.IndicatorParams) {
			e.bus.Publish(bus.NewEventFrom("st.indicator.subscribe", map[string]any{
				"user_id":   userID,
				"symbol":    pair.Symbol,
				"interval":  cfg.Timeframe,
				"indicator": indName,
				"params":    pair.IndicatorParams[indName],
			}, "st"))
		}
	}

	e.logger.Info("strategy loaded",
		"user_id", userID,
		"strategy", name,
		"timeframe", cfg.Timeframe,
		"pairs", len(cfg.TradingPairs),
	)
	return nil
}

// handleCalculation synthesises the composite signal and, when the transition
// table demands it, emits an order intent.
func (e *Engine) handleCalculation(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")

	strat, ok := e.Get(userID)
	if !ok {
		return nil
	}
	pair, ok := strat.pair(symbol)
	if !ok {
		return nil
	}

	results, _ := evt.Data["results"].(map[string]indicator.Result)
	sig := composite(sortedNames(pair.IndicatorParams), results)
	pos := strat.Position(symbol)

	decision, act := decide(pos, sig)
	if !act {
		e.logger.Debug("no transition",
			"user_id", userID, "symbol", symbol, "position", pos, "signal", sig)
		return nil
	}

	e.emitSignal(strat, symbol, decision, sig, evt.Float("close"), false)
	return nil
}

// emitSignal publishes st.signal.generated carrying everything the trade
// executor needs: sizing inputs, margin settings and the grid config verbatim.
func (e *Engine) emitSignal(strat *Strategy, symbol string, d Decision, sig types.Signal, price float64, reverse bool) {
	cfg := strat.Config
	e.bus.Publish(bus.NewEventFrom("st.signal.generated", map[string]any{
		"user_id":       strat.UserID,
		"symbol":        symbol,
		"action":        d.Action,
		"side":          string(d.Side),
		"signal":        string(sig),
		"price":         price,
		"leverage":      cfg.Leverage,
		"position_side": cfg.PositionSide,
		"margin_mode":   cfg.MarginMode,
		"margin_type":   cfg.MarginType,
		"pair_count":    len(cfg.TradingPairs),
		"grid":          cfg.GridTrading,
		"reverse":       reverse,
	}, "st"))

	e.logger.Info("signal generated",
		"user_id", strat.UserID,
		"symbol", symbol,
		"action", d.Action,
		"side", d.Side,
		"price", price,
		"reverse", reverse,
	)
}

// handlePositionOpened records the confirmed position and, when grid trading
// is enabled, asks the executor to lay the grid around the entry.
func (e *Engine) handlePositionOpened(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")

	strat, ok := e.Get(userID)
	if !ok {
		return nil
	}

	pos := types.PositionLong
	if types.Side(evt.Str("side")) == types.Sell {
		pos = types.PositionShort
	}
	strat.setPosition(symbol, pos)
	e.logger.Info("position recorded", "user_id", userID, "symbol", symbol, "position", pos)

	if strat.Config.GridTrading.Enabled {
		e.bus.Publish(bus.NewEventFrom("st.grid.create", map[string]any{
			"user_id":     userID,
			"symbol":      symbol,
			"task_id":     evt.Str("task_id"),
			"entry_price": evt.Float("entry_price"),
			"grid":        strat.Config.GridTrading,
		}, "st"))
	}
	return nil
}

// handlePositionClosed clears the position and, in reverse mode, immediately
// opens in the closing direction.
func (e *Engine) handlePositionClosed(evt bus.Event) error {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")

	strat, ok := e.Get(userID)
	if !ok {
		return nil
	}
	strat.setPosition(symbol, types.PositionNone)
	e.logger.Info("position cleared",
		"user_id", userID, "symbol", symbol, "pnl", evt.Float("pnl"))

	if !strat.Config.Reverse {
		return nil
	}

	// The close order's side is the new entry direction.
	side := types.Side(evt.Str("side"))
	if side != types.Buy && side != types.Sell {
		return fmt.Errorf("position closed without side: user=%s symbol=%s", userID, symbol)
	}
	sig := types.SignalShort
	if side == types.Buy {
		sig = types.SignalLong
	}
	e.emitSignal(strat, symbol, Decision{Action: "OPEN", Side: side}, sig, evt.Float("price"), true)
	return nil
}

func sortedNames(m map[string]map[string]any) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
