package config

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// NewAccessToken generates a URL-safe random token for authenticating the CLI
// client against the local gateway.
func NewAccessToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return "rk_" + base64.RawURLEncoding.EncodeToString(b)
}

// TokenEqual compares two tokens in constant time.
func TokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
