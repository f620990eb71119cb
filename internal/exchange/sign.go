package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// sign computes Binance's HMAC-SHA256 signature over an encoded query
// string, hex-encoded, using the account's API secret. Grounded on the
// pack's chidi150c-coinbase/binance_broker.go sign()/get() functions, the
// only in-pack precedent for this exact exchange's auth scheme.
func sign(secret string, q url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(q.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
