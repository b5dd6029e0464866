// Package token extracts canonical ticket tokens from raw QR payloads.
//
// Tickets encode either a plain opaque token string or a small JSON object
// carrying the token in a "token" or "qrToken" field. Normalize handles both
// without distinguishing them as error cases: a payload that is not a JSON
// object IS the token.
package token

import (
	"strings"

	"github.com/goccy/go-json"
)

// envelope is the subset of a JSON ticket payload we care about.
type envelope struct {
	Token   string `json:"token"`
	QRToken string `json:"qrToken"`
}

// Normalize returns the canonical ticket token for a raw decoded payload.
//
// If the payload is a JSON object containing a non-empty "token" or "qrToken"
// field, that field's value is returned ("token" wins when both are present).
// Any other payload (plain strings, malformed JSON, JSON objects without a
// token field, non-object JSON values) is returned unchanged.
//
// Normalize never fails: a parse failure is the common case (plain-string
// QR), not an error.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)

	// Only JSON objects can carry an embedded token. This also keeps bare
	// JSON scalars ("123", "true") treated as opaque tokens.
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return raw
	}
	if env.Token != "" {
		return env.Token
	}
	if env.QRToken != "" {
		return env.QRToken
	}
	return raw
}
