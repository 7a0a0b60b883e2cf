package indicator

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"perpbot/pkg/types"
)

const (
	rsiDefaultPeriod     = 14
	rsiDefaultOverbought = 70.0
	rsiDefaultOversold   = 30.0
)

// RSI is a relative-strength-index mean-reversion indicator: oversold
// readings signal LONG, overbought readings SHORT.
type RSI struct {
	period     int
	overbought float64
	oversold   float64
}

// NewRSI builds an RSI indicator. Defaults: period 14, overbought 70,
// oversold 30.
func NewRSI(params map[string]any) (Indicator, error) {
	r := &RSI{
		period:     paramInt(params, "period", rsiDefaultPeriod),
		overbought: paramFloat(params, "overbought", rsiDefaultOverbought),
		oversold:   paramFloat(params, "oversold", rsiDefaultOversold),
	}
	if r.period < 2 {
		return nil, fmt.Errorf("rsi: period must be at least 2, got %d", r.period)
	}
	if r.oversold >= r.overbought {
		return nil, fmt.Errorf("rsi: oversold %v must be below overbought %v", r.oversold, r.overbought)
	}
	return r, nil
}

func (r *RSI) Name() string { return "rsi_ta" }

func (r *RSI) MinKlines() int { return minWindow(r.period) }

func (r *RSI) Compute(klines []types.Kline) (Result, error) {
	if len(klines) <= r.period {
		return Result{}, fmt.Errorf("rsi: need %d klines, got %d", r.period+1, len(klines))
	}

	values := talib.Rsi(closePrices(klines), r.period)
	last := values[len(values)-1]

	signal := types.SignalNone
	switch {
	case last <= r.oversold:
		signal = types.SignalLong
	case last >= r.overbought:
		signal = types.SignalShort
	}

	return Result{
		Signal: signal,
		Data: map[string]any{
			"rsi":        round6(last),
			"close":      round6(klines[len(klines)-1].Close),
			"period":     r.period,
			"overbought": r.overbought,
			"oversold":   r.oversold,
		},
	}, nil
}
