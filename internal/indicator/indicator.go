// Package indicator implements the technical-analysis manager. Indicators are
// created on demand from strategy subscriptions, seeded with a historical
// K-line window and recomputed on every closed candle. Each (user, symbol)
// tick produces exactly one aggregated calculation event.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"perpbot/pkg/types"
)

// Result is one indicator's output for a single tick.
type Result struct {
	Signal types.Signal   `json:"signal"`
	Data   map[string]any `json:"data"`
}

// Indicator computes a directional signal from a closed-candle window.
// Implementations are stateless between ticks; the full window arrives on
// every call.
type Indicator interface {
	Name() string
	// MinKlines is the smallest window the indicator accepts.
	MinKlines() int
	Compute(klines []types.Kline) (Result, error)
}

// Constructor builds an indicator from its strategy-file parameter map.
type Constructor func(params map[string]any) (Indicator, error)

// Factory maps indicator names to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns a factory pre-loaded with the built-in indicators.
func NewFactory() *Factory {
	f := &Factory{ctors: make(map[string]Constructor)}
	f.Register("ma_stop_ta", NewMAStop)
	f.Register("rsi_ta", NewRSI)
	f.Register("ema_cross_ta", NewEMACross)
	return f
}

// Register adds or replaces a constructor.
func (f *Factory) Register(name string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[name] = c
}

// New builds the named indicator.
func (f *Factory) New(name string, params map[string]any) (Indicator, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown indicator %q", name)
	}
	return ctor(params)
}

// Names returns the registered indicator names, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for n := range f.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func closePrices(klines []types.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// paramInt reads an integer parameter, tolerating the float64 that JSON
// decoding produces.
func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// minWindow is the shared floor for indicator windows: twice the dominant
// period, but never fewer than 50 candles.
func minWindow(period int) int {
	if w := 2 * period; w > 50 {
		return w
	}
	return 50
}
