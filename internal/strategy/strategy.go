// Package strategy implements the strategy manager. It loads each account's
// strategy file, subscribes the indicators it names, synthesises a composite
// signal per symbol from the aggregated indicator results and turns signal
// transitions into order intents. Position state changes only on confirmed
// trade events, never on signal emission.
package strategy

import (
	"sync"

	"perpbot/internal/config"
	"perpbot/internal/indicator"
	"perpbot/pkg/types"
)

// Strategy is one account's live strategy state.
type Strategy struct {
	UserID string
	Name   string
	Config *config.StrategyConfig

	mu        sync.Mutex
	positions map[string]types.PositionState
}

func newStrategy(userID, name string, cfg *config.StrategyConfig) *Strategy {
	positions := make(map[string]types.PositionState, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		positions[pair.Symbol] = types.PositionNone
	}
	return &Strategy{UserID: userID, Name: name, Config: cfg, positions: positions}
}

// Position returns the current position state for symbol.
func (s *Strategy) Position(symbol string) types.PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[symbol]; ok {
		return pos
	}
	return types.PositionNone
}

func (s *Strategy) setPosition(symbol string, pos types.PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = pos
}

// pair returns the trading-pair config for symbol.
func (s *Strategy) pair(symbol string) (config.TradingPair, bool) {
	for _, p := range s.Config.TradingPairs {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return config.TradingPair{}, false
}

// composite applies the unanimity rule: every expected indicator must report
// the same non-NONE direction, otherwise the composite is NONE.
func composite(expected []string, results map[string]indicator.Result) types.Signal {
	if len(expected) == 0 {
		return types.SignalNone
	}
	agreed := types.SignalNone
	for i, name := range expected {
		res, ok := results[name]
		if !ok || res.Signal == types.SignalNone {
			return types.SignalNone
		}
		if i == 0 {
			agreed = res.Signal
			continue
		}
		if res.Signal != agreed {
			return types.SignalNone
		}
	}
	return agreed
}

// Decision is an order intent derived from a signal transition.
type Decision struct {
	Action string // "OPEN" or "CLOSE"
	Side   types.Side
}

// decide maps (current position, composite signal) to an order intent. A
// signal matching the held direction, or a NONE signal, produces nothing.
func decide(pos types.PositionState, sig types.Signal) (Decision, bool) {
	switch {
	case pos == types.PositionNone && sig == types.SignalLong:
		return Decision{Action: "OPEN", Side: types.Buy}, true
	case pos == types.PositionNone && sig == types.SignalShort:
		return Decision{Action: "OPEN", Side: types.Sell}, true
	case pos == types.PositionLong && sig == types.SignalShort:
		return Decision{Action: "CLOSE", Side: types.Sell}, true
	case pos == types.PositionShort && sig == types.SignalLong:
		return Decision{Action: "CLOSE", Side: types.Buy}, true
	}
	return Decision{}, false
}
