// Package signature verifies provider webhook signatures.
//
// The wire contract is a hex encoded HMAC-SHA256 of the raw request body,
// keyed with the shared webhook secret. Hex digits are accepted in either case.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog/log"
)

// Sign returns the header value a provider would send for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is the signature of payload under secret.
// It never panics and treats any malformed input as a mismatch.
func Verify(payload []byte, header, secret string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("signature verification panicked")
			ok = false
		}
	}()

	if secret == "" || header == "" {
		log.Debug().Msg("signature or secret missing")
		return false
	}
	received, err := hex.DecodeString(header)
	if err != nil {
		log.Debug().Int("header_len", len(header)).Msg("signature header is not hex")
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(received, mac.Sum(nil))
}
