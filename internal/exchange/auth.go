// auth.go implements request signing for the futures REST API.
//
// Signed endpoints take the canonical query string (including a millisecond
// timestamp and recvWindow), compute HMAC-SHA256 over it with the account's
// API secret, and append the hex signature as the final parameter. The API
// key travels in the X-MBX-APIKEY header. Timestamps are generated per
// request, so every retry re-signs with a fresh timestamp.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const recvWindowMS = 5000

// Signer signs requests for one account.
type Signer struct {
	apiKey    string
	apiSecret string

	// now is swappable for deterministic signature tests.
	now func() time.Time
}

// NewSigner creates a signer from the account's API credentials.
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}
}

// APIKey returns the key sent in the auth header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign computes the hex HMAC-SHA256 signature of an encoded query string.
func (s *Signer) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery stamps params with timestamp and recvWindow, signs the encoded
// form, and returns the full query string with the signature appended.
func (s *Signer) SignedQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMS))

	query := params.Encode()
	return query + "&signature=" + s.Sign(query)
}
