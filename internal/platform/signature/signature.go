// Package signature signs bridge envelopes with a shared secret so the
// broadcast host only fans out events its own publishers sent.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the signature of the request body.
const Header = "X-Bridge-Signature"

const prefix = "sha256="

// Sign returns the header value for body.
func Sign(secret, body []byte) string {
	return prefix + hex.EncodeToString(digest(secret, body))
}

// Verify reports whether value is a valid signature of body.
func Verify(secret, body []byte, value string) bool {
	encoded, ok := strings.CutPrefix(value, prefix)
	if !ok {
		return false
	}
	sum, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	return hmac.Equal(sum, digest(secret, body))
}

func digest(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
