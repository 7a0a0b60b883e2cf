package exchange

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	// Reference vector from the exchange API documentation.
	s := NewSigner(
		"vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		"NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	)
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		s.Sign(query),
	)
}

func TestSignedQueryFreshTimestampPerCall(t *testing.T) {
	t.Parallel()

	s := NewSigner("key", "secret")
	ts := time.UnixMilli(1700000000000)
	s.now = func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}

	first := s.SignedQuery(url.Values{"symbol": {"XRPUSDC"}})
	second := s.SignedQuery(url.Values{"symbol": {"XRPUSDC"}})

	assert.NotEqual(t, first, second)
	assert.Contains(t, first, "timestamp=1700000001000")
	assert.Contains(t, second, "timestamp=1700000002000")
	assert.Contains(t, first, "recvWindow=5000")

	// Signature is always the final parameter, computed over everything before it.
	idx := strings.LastIndex(first, "&signature=")
	require.Positive(t, idx)
	assert.Equal(t, s.Sign(first[:idx]), first[idx+len("&signature="):])
}
