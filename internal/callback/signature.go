package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of a notification-level callback body.
const SignatureHeader = "x-enp-signature"

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(body []byte, key, signature string) bool {
	expected := Sign(body, key)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
