package indicator

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"perpbot/pkg/types"
)

const (
	maStopDefaultPeriod  = 20
	maStopDefaultPercent = 2.0
)

// MAStop is a moving-average stop-line indicator. Two stop lines bracket the
// SMA at a configured percentage; the close breaking above the long line is a
// LONG signal, below the short line a SHORT signal.
type MAStop struct {
	period  int
	percent float64
}

// NewMAStop builds an MA-Stop indicator from strategy parameters.
// Defaults: period 20, percent 2.
func NewMAStop(params map[string]any) (Indicator, error) {
	period := paramInt(params, "period", maStopDefaultPeriod)
	percent := paramFloat(params, "percent", maStopDefaultPercent)
	if period < 1 {
		return nil, fmt.Errorf("ma_stop: period must be positive, got %d", period)
	}
	if percent <= 0 {
		return nil, fmt.Errorf("ma_stop: percent must be positive, got %v", percent)
	}
	return &MAStop{period: period, percent: percent}, nil
}

func (m *MAStop) Name() string { return "ma_stop_ta" }

func (m *MAStop) MinKlines() int { return minWindow(m.period) }

func (m *MAStop) Compute(klines []types.Kline) (Result, error) {
	if len(klines) < m.period {
		return Result{}, fmt.Errorf("ma_stop: need %d klines, got %d", m.period, len(klines))
	}

	closes := closePrices(klines)
	ma := talib.Sma(closes, m.period)
	lastMA := ma[len(ma)-1]
	lastClose := closes[len(closes)-1]

	stopLong := lastMA * (1 - m.percent/100)
	stopShort := lastMA * (1 + m.percent/100)

	// Long takes precedence when the bands overlap.
	signal := types.SignalNone
	switch {
	case lastClose > stopLong:
		signal = types.SignalLong
	case lastClose < stopShort:
		signal = types.SignalShort
	}

	return Result{
		Signal: signal,
		Data: map[string]any{
			"ma":              round6(lastMA),
			"stop_line_long":  round6(stopLong),
			"stop_line_short": round6(stopShort),
			"close":           round6(lastClose),
			"period":          m.period,
			"percent":         m.percent,
		},
	}, nil
}
