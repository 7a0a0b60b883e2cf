package trade

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"perpbot/pkg/types"
)

// feeRate is the taker fee applied to both legs of a grid pair.
const feeRate = 0.0004

// GridPlan is the price band of a grid: levels+1 evenly spaced prices from
// Lower to Upper.
type GridPlan struct {
	Lower    float64
	Upper    float64
	Levels   int
	Interval float64
}

// NewGridPlan validates the band and computes the price interval.
func NewGridPlan(lower, upper float64, levels int) (GridPlan, error) {
	if levels < 1 {
		return GridPlan{}, fmt.Errorf("grid levels must be >= 1, got %d", levels)
	}
	if lower <= 0 || upper <= lower {
		return GridPlan{}, fmt.Errorf("grid band invalid: lower=%v upper=%v", lower, upper)
	}
	return GridPlan{
		Lower:    lower,
		Upper:    upper,
		Levels:   levels,
		Interval: (upper - lower) / float64(levels),
	}, nil
}

// Prices returns the levels+1 grid prices, ascending.
func (g GridPlan) Prices() []float64 {
	out := make([]float64, g.Levels+1)
	for i := range out {
		out[i] = g.Lower + float64(i)*g.Interval
	}
	return out
}

// Contains reports whether price sits strictly inside the band.
func (g GridPlan) Contains(price float64) bool {
	return price > g.Lower && price < g.Upper
}

// ShiftUp moves the band up by one interval.
func (g GridPlan) ShiftUp() GridPlan {
	g.Lower += g.Interval
	g.Upper += g.Interval
	return g
}

// ShiftDown moves the band down by one interval.
func (g GridPlan) ShiftDown() GridPlan {
	g.Lower -= g.Interval
	g.Upper -= g.Interval
	return g
}

// GridOrder is one planned grid level before submission.
type GridOrder struct {
	Price    float64
	Side     types.Side
	Quantity float64
}

// Symmetric plans resting limit orders around the entry price: buys strictly
// below, sells strictly above. capital is split evenly across the planned
// orders, so each level's quantity is its capital share at its own price.
// The entry must sit strictly inside the band.
func (g GridPlan) Symmetric(entry, capital float64) ([]GridOrder, error) {
	if !g.Contains(entry) {
		return nil, fmt.Errorf("entry price %v outside grid band [%v, %v]", entry, g.Lower, g.Upper)
	}
	if capital <= 0 {
		return nil, fmt.Errorf("grid capital must be positive, got %v", capital)
	}

	prices := g.Prices()
	planned := make([]GridOrder, 0, len(prices))
	for _, price := range prices {
		switch {
		case price < entry:
			planned = append(planned, GridOrder{Price: price, Side: types.Buy})
		case price > entry:
			planned = append(planned, GridOrder{Price: price, Side: types.Sell})
		}
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("no grid levels around entry %v", entry)
	}

	perOrder := capital / float64(len(planned))
	for i := range planned {
		planned[i].Quantity = perOrder / planned[i].Price
	}
	return planned, nil
}

// PairProfit is the realised profit of one completed buy/sell pair with taker
// fees on both legs.
func PairProfit(buyPrice, sellPrice, qty float64) float64 {
	gross := (sellPrice - buyPrice) * qty
	fees := (buyPrice + sellPrice) * qty * feeRate
	return gross - fees
}

// SingleProfit is the realised profit of one entry/exit round trip. Long
// positions profit when exit exceeds entry; shorts the other way.
func SingleProfit(entry, exit, qty float64, long bool) float64 {
	gross := (exit - entry) * qty
	if !long {
		gross = -gross
	}
	fees := (entry + exit) * qty * feeRate
	return gross - fees
}

// GridPair links a filled grid order with its resting counter order one
// interval away. The pair completes, and its profit is realised, when the
// counter side fills.
type GridPair struct {
	ID        string
	BuyPrice  float64
	SellPrice float64
	Quantity  float64
}

// GridBook tracks open grid pairs and accumulated realised grid profit.
type GridBook struct {
	mu       sync.Mutex
	pairs    map[string]*GridPair
	realized float64
}

// NewGridBook creates an empty book.
func NewGridBook() *GridBook {
	return &GridBook{pairs: make(map[string]*GridPair)}
}

// Open records a new pair after its first side filled. Returns the pair ID
// the counter order must carry.
func (b *GridBook) Open(buyPrice, sellPrice, qty float64) string {
	pair := &GridPair{
		ID:        uuid.NewString(),
		BuyPrice:  buyPrice,
		SellPrice: sellPrice,
		Quantity:  qty,
	}
	b.mu.Lock()
	b.pairs[pair.ID] = pair
	b.mu.Unlock()
	return pair.ID
}

// Complete closes the pair when its counter side fills and returns the pair
// profit. Unknown IDs return zero.
func (b *GridBook) Complete(pairID string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pair, ok := b.pairs[pairID]
	if !ok {
		return 0, false
	}
	delete(b.pairs, pairID)
	profit := PairProfit(pair.BuyPrice, pair.SellPrice, pair.Quantity)
	b.realized += profit
	return profit, true
}

// OpenPairs returns the number of incomplete pairs.
func (b *GridBook) OpenPairs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}

// Realized returns the accumulated profit of completed pairs.
func (b *GridBook) Realized() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}
