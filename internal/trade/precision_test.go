package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateNeverRounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v      float64
		places int32
		want   float64
	}{
		{1.23456789, 4, 1.2345},
		{1.99999, 1, 1.9},
		{95.959595, 1, 95.9},
		{100.0, 1, 100.0},
		{0.00009, 4, 0.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Truncate(tt.v, tt.places), 1e-12, "Truncate(%v, %d)", tt.v, tt.places)
	}
}

func TestPrecisionApply(t *testing.T) {
	t.Parallel()

	p := Precision{Price: 4, Quantity: 1}
	price, qty := p.Apply(1.234567, 99.99)
	assert.InDelta(t, 1.2345, price, 1e-12)
	assert.InDelta(t, 99.9, qty, 1e-12)
}

func TestCheckNotional(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckNotional(1.0, 5.0))
	assert.NoError(t, CheckNotional(0.5, 100))
	assert.ErrorContains(t, CheckNotional(1.0, 4.9), "below minimum")
	assert.Error(t, CheckNotional(0, 100))
}
