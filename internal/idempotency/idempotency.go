// Package idempotency holds the helpers shared by every write path that
// accepts a client-supplied Idempotency-Key.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Header is the HTTP header carrying the client key
const Header = "Idempotency-Key"

// MaxKeyLength bounds the accepted key size
const MaxKeyLength = 255

// Operation names used as scope prefixes
const (
	OpOrderCreate = "order_create"
)

// Key normalizes a raw header value
func Key(raw string) string {
	return strings.TrimSpace(raw)
}

// Scope builds the server-side scope string, e.g. "order_create:42"
func Scope(op, identity string) string {
	return fmt.Sprintf("%s:%s", op, identity)
}

// HashRequest returns the sha256 hex digest of payload's canonical JSON.
// Struct field order is fixed by the type, so two decodes of equivalent
// bodies hash the same regardless of whitespace or key order on the wire.
func HashRequest(payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
