package indicator

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"perpbot/pkg/types"
)

const (
	emaDefaultFast = 12
	emaDefaultSlow = 26
)

// EMACross signals on fast/slow exponential moving average crossovers: a fast
// EMA crossing above the slow one is LONG, crossing below is SHORT. Without a
// cross on the latest candle the signal is NONE.
type EMACross struct {
	fast int
	slow int
}

// NewEMACross builds an EMA crossover indicator. Defaults: fast 12, slow 26.
func NewEMACross(params map[string]any) (Indicator, error) {
	e := &EMACross{
		fast: paramInt(params, "fast_period", emaDefaultFast),
		slow: paramInt(params, "slow_period", emaDefaultSlow),
	}
	if e.fast < 1 || e.slow < 1 {
		return nil, fmt.Errorf("ema_cross: periods must be positive, got fast=%d slow=%d", e.fast, e.slow)
	}
	if e.fast >= e.slow {
		return nil, fmt.Errorf("ema_cross: fast period %d must be below slow period %d", e.fast, e.slow)
	}
	return e, nil
}

func (e *EMACross) Name() string { return "ema_cross_ta" }

func (e *EMACross) MinKlines() int { return minWindow(e.slow) }

func (e *EMACross) Compute(klines []types.Kline) (Result, error) {
	if len(klines) <= e.slow {
		return Result{}, fmt.Errorf("ema_cross: need %d klines, got %d", e.slow+1, len(klines))
	}

	closes := closePrices(klines)
	fast := talib.Ema(closes, e.fast)
	slow := talib.Ema(closes, e.slow)

	n := len(closes)
	curFast, prevFast := fast[n-1], fast[n-2]
	curSlow, prevSlow := slow[n-1], slow[n-2]

	signal := types.SignalNone
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		signal = types.SignalLong
	case prevFast >= prevSlow && curFast < curSlow:
		signal = types.SignalShort
	}

	return Result{
		Signal: signal,
		Data: map[string]any{
			"ema_fast":      round6(curFast),
			"ema_slow":      round6(curSlow),
			"prev_ema_fast": round6(prevFast),
			"prev_ema_slow": round6(prevSlow),
			"close":         round6(closes[n-1]),
			"fast_period":   e.fast,
			"slow_period":   e.slow,
		},
	}, nil
}
