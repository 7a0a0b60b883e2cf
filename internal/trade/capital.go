// Package trade implements the trade executor: per-symbol trading tasks with
// three execution modes (plain market entry, full grid, entry plus grid),
// capital allocation with a safety buffer, precision handling, grid pairing
// with profit accounting, and the close path that only reports a position
// closed after every outstanding grid order is cancelled.
package trade

import "sync"

// safetyRatio keeps 5% of the wallet out of play.
const safetyRatio = 0.95

// CapitalManager tracks each user's available margin balance.
type CapitalManager struct {
	mu        sync.RWMutex
	available map[string]float64
}

// NewCapitalManager creates an empty capital manager.
func NewCapitalManager() *CapitalManager {
	return &CapitalManager{available: make(map[string]float64)}
}

// SetAvailable records the latest available balance for userID.
func (c *CapitalManager) SetAvailable(userID string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available[userID] = v
}

// Available returns the last known available balance, zero if never set.
func (c *CapitalManager) Available(userID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available[userID]
}

// PerSymbolMargin splits the buffered balance evenly across the configured
// trading pairs.
func PerSymbolMargin(available float64, pairCount int) float64 {
	if pairCount < 1 {
		return 0
	}
	return available * safetyRatio / float64(pairCount)
}

// PositionSize converts margin into a base-asset quantity at the given price.
func PositionSize(margin float64, leverage int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return margin * float64(leverage) / price
}

// EntryMargin is the capital share a ratio<1 grid mode spends on the initial
// market entry.
func EntryMargin(perSymbol, ratio float64) float64 {
	return perSymbol * ratio
}

// GridMargin is the remaining capital share reserved for the grid orders.
func GridMargin(perSymbol, ratio float64) float64 {
	return perSymbol * (1 - ratio)
}
