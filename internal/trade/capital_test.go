package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapitalManagerTracksUsers(t *testing.T) {
	t.Parallel()

	c := NewCapitalManager()
	assert.Zero(t, c.Available("alice"))

	c.SetAvailable("alice", 1000)
	c.SetAvailable("bob", 250)
	assert.InDelta(t, 1000.0, c.Available("alice"), 1e-9)
	assert.InDelta(t, 250.0, c.Available("bob"), 1e-9)

	c.SetAvailable("alice", 900)
	assert.InDelta(t, 900.0, c.Available("alice"), 1e-9)
}

func TestCapitalFormulas(t *testing.T) {
	t.Parallel()

	// 5% buffer, then an even split across pairs.
	assert.InDelta(t, 475.0, PerSymbolMargin(1000, 2), 1e-9)
	assert.InDelta(t, 950.0, PerSymbolMargin(1000, 1), 1e-9)
	assert.Zero(t, PerSymbolMargin(1000, 0))

	assert.InDelta(t, 4750.0, PositionSize(950, 5, 1.0), 1e-9)
	assert.InDelta(t, 2375.0, PositionSize(950, 5, 2.0), 1e-9)
	assert.Zero(t, PositionSize(950, 5, 0))

	// ratio splits between entry and grid capital.
	assert.InDelta(t, 380.0, EntryMargin(950, 0.4), 1e-9)
	assert.InDelta(t, 570.0, GridMargin(950, 0.4), 1e-9)
	assert.InDelta(t, 950.0, EntryMargin(950, 1), 1e-9)
	assert.Zero(t, GridMargin(950, 1))
}
