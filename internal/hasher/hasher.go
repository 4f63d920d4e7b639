// Package hasher computes the content hashes that make evidence
// non-repudiable: a SHA-256 over payload bytes and a SHA-256 over the
// canonical JSON form of the descriptive metadata.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DeferredERPSentinel is hashed in place of payload bytes when an ERP_API
// submission defers the payload to a server-side fetch that did not run.
const DeferredERPSentinel = "erp-api:deferred-fetch"

// Hash returns the lowercase hex SHA-256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DeferredPayloadHash is the payload hash recorded for a deferred ERP fetch.
func DeferredPayloadHash() string {
	return Hash([]byte(DeferredERPSentinel))
}

// Canonicalize renders v as JSON with object keys sorted at every depth,
// no insignificant whitespace and no HTML escaping. Numbers keep their
// literal form so re-encoding never changes precision.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encoding canonical metadata: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalHash canonicalizes v and hashes the result.
func CanonicalHash(v interface{}) (canonical string, hash string, err error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", "", err
	}
	return string(b), Hash(b), nil
}

// Equal compares two hex digests without early exit.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
