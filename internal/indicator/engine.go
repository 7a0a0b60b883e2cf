package indicator

import (
	"fmt"
	"log/slog"
	"sync"

	"perpbot/internal/bus"
	"perpbot/pkg/types"
)

// instanceKey identifies one indicator instance.
type instanceKey struct {
	userID   string
	symbol   string
	interval string
	name     string
}

// defaultHistoryLimit is how many K-lines are requested to seed an instance
// when its own minimum is smaller.
const defaultHistoryLimit = 200

type instance struct {
	ind    Indicator
	seeded bool // historical window received
}

// Engine is the technical-analysis manager. It owns indicator instances keyed
// by (user, symbol, interval, name) and aggregates their per-tick results into
// a single calculation event per closed candle.
type Engine struct {
	bus     *bus.Bus
	factory *Factory
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[instanceKey]*instance

	tokens []bus.Token
}

// New creates the TA manager.
func New(b *bus.Bus, factory *Factory, logger *slog.Logger) *Engine {
	return &Engine{
		bus:       b,
		factory:   factory,
		logger:    logger.With("component", "ta"),
		instances: make(map[instanceKey]*instance),
	}
}

// Start registers the manager's event subscriptions.
func (e *Engine) Start() error {
	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{"st.indicator.subscribe", e.handleSubscribe},
		{"de.historical_klines.success", e.handleHistory},
		{"de.historical_klines.failed", e.handleHistoryFailed},
		{"de.kline.update", e.handleKlineUpdate},
	}
	for _, s := range subs {
		token, err := e.bus.Subscribe(s.subject, "ta."+s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		e.tokens = append(e.tokens, token)
	}
	e.logger.Info("ta manager started", "indicators", e.factory.Names())
	return nil
}

// Stop removes the manager's subscriptions.
func (e *Engine) Stop() {
	for _, t := range e.tokens {
		e.bus.Unsubscribe(t)
	}
	e.tokens = nil
}

// handleSubscribe creates an indicator instance and requests its seed window.
// Duplicate subscriptions for an existing instance are ignored.
func (e *Engine) handleSubscribe(evt bus.Event) error {
	key := instanceKey{
		userID:   evt.Str("user_id"),
		symbol:   evt.Str("symbol"),
		interval: evt.Str("interval"),
		name:     evt.Str("indicator"),
	}
	if key.userID == "" || key.symbol == "" || key.interval == "" || key.name == "" {
		return fmt.Errorf("indicator subscribe missing fields: %+v", evt.Data)
	}

	params, _ := evt.Data["params"].(map[string]any)

	e.mu.Lock()
	if _, exists := e.instances[key]; exists {
		e.mu.Unlock()
		e.logger.Debug("indicator already subscribed",
			"user_id", key.userID, "symbol", key.symbol, "indicator", key.name)
		return nil
	}
	e.mu.Unlock()

	ind, err := e.factory.New(key.name, params)
	if err != nil {
		e.bus.Publish(bus.NewEventFrom("ta.indicator.create_failed", map[string]any{
			"user_id":   key.userID,
			"symbol":    key.symbol,
			"interval":  key.interval,
			"indicator": key.name,
			"error":     err.Error(),
		}, "ta"))
		return fmt.Errorf("create indicator %s: %w", key.name, err)
	}

	e.mu.Lock()
	e.instances[key] = &instance{ind: ind}
	e.mu.Unlock()

	e.bus.Publish(bus.NewEventFrom("ta.indicator.created", map[string]any{
		"user_id":    key.userID,
		"symbol":     key.symbol,
		"interval":   key.interval,
		"indicator":  key.name,
		"min_klines": ind.MinKlines(),
	}, "ta"))

	// Seed the instance with history before it can produce signals.
	limit := defaultHistoryLimit
	if ind.MinKlines() > limit {
		limit = ind.MinKlines()
	}
	e.bus.Publish(bus.NewEventFrom("de.get_historical_klines", map[string]any{
		"user_id":  key.userID,
		"symbol":   key.symbol,
		"interval": key.interval,
		"limit":    limit,
	}, "ta"))

	e.logger.Info("indicator created",
		"user_id", key.userID,
		"symbol", key.symbol,
		"interval", key.interval,
		"indicator", key.name,
	)
	return nil
}

// handleHistory marks every matching instance as seeded. An instance whose
// minimum exceeds the delivered window stays unseeded and announces it, so the
// condition is visible on the bus rather than buried in a log line.
func (e *Engine) handleHistory(evt bus.Event) error {
	userID, symbol, interval := evt.Str("user_id"), evt.Str("symbol"), evt.Str("interval")
	klines := klinesFromEvent(evt)

	type shortSeed struct {
		name string
		need int
	}
	var short []shortSeed

	e.mu.Lock()
	for key, inst := range e.instances {
		if key.userID != userID || key.symbol != symbol || key.interval != interval || inst.seeded {
			continue
		}
		if len(klines) < inst.ind.MinKlines() {
			short = append(short, shortSeed{name: key.name, need: inst.ind.MinKlines()})
			continue
		}
		inst.seeded = true
		e.logger.Info("indicator seeded",
			"user_id", userID, "symbol", symbol, "indicator", key.name, "klines", len(klines))
	}
	e.mu.Unlock()

	for _, s := range short {
		e.logger.Warn("seed window too small",
			"indicator", s.name, "symbol", symbol, "got", len(klines), "need", s.need)
		e.bus.Publish(bus.NewEventFrom("ta.indicator.seed_failed", map[string]any{
			"user_id":   userID,
			"symbol":    symbol,
			"interval":  interval,
			"indicator": s.name,
			"got":       len(klines),
			"need":      s.need,
		}, "ta"))
	}
	return nil
}

func (e *Engine) handleHistoryFailed(evt bus.Event) error {
	e.logger.Warn("historical klines failed",
		"user_id", evt.Str("user_id"),
		"symbol", evt.Str("symbol"),
		"error", evt.Str("error"),
	)
	return nil
}

// handleKlineUpdate recomputes every seeded instance matching the update and
// publishes one aggregated result per (user, symbol, interval) tick.
func (e *Engine) handleKlineUpdate(evt bus.Event) error {
	userID, symbol, interval := evt.Str("user_id"), evt.Str("symbol"), evt.Str("interval")
	klines := klinesFromEvent(evt)
	if len(klines) == 0 {
		return fmt.Errorf("kline update without klines: user=%s symbol=%s", userID, symbol)
	}

	e.mu.Lock()
	matched := make(map[string]Indicator)
	for key, inst := range e.instances {
		if key.userID == userID && key.symbol == symbol && key.interval == interval && inst.seeded {
			matched[key.name] = inst.ind
		}
	}
	e.mu.Unlock()

	if len(matched) == 0 {
		return nil
	}

	results := make(map[string]Result, len(matched))
	for name, ind := range matched {
		res, err := ind.Compute(klines)
		if err != nil {
			e.logger.Error("indicator compute failed",
				"indicator", name, "symbol", symbol, "error", err)
			continue
		}
		results[name] = res
	}
	if len(results) == 0 {
		return nil
	}

	e.bus.Publish(bus.NewEventFrom("ta.calculation.completed", map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"close":    klines[len(klines)-1].Close,
		"results":  results,
	}, "ta"))
	return nil
}

// klinesFromEvent extracts the typed K-line window DE attaches to its events.
func klinesFromEvent(evt bus.Event) []types.Kline {
	klines, _ := evt.Data["klines"].([]types.Kline)
	return klines
}
