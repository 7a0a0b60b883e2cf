package trade

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// minNotional is the exchange's minimum order value in quote currency.
const minNotional = 5.0

// Precision is the instrument's decimal places for price and quantity.
type Precision struct {
	Price    int32
	Quantity int32
}

// DefaultPrecision covers the small-cap perpetuals this system trades; a
// per-symbol table can override it later.
var DefaultPrecision = Precision{Price: 4, Quantity: 1}

// Truncate cuts v to the given number of decimal places without rounding.
// Exchanges reject over-precise values, and rounding up a quantity can exceed
// the available margin.
func Truncate(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Truncate(places).InexactFloat64()
}

// Apply truncates an order's price and quantity to the instrument precision.
func (p Precision) Apply(price, qty float64) (float64, float64) {
	return Truncate(price, p.Price), Truncate(qty, p.Quantity)
}

// CheckNotional rejects orders below the exchange minimum before submission.
func CheckNotional(price, qty float64) error {
	if notional := price * qty; notional < minNotional {
		return fmt.Errorf("order notional %.4f below minimum %.1f", notional, minNotional)
	}
	return nil
}
