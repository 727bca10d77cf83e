// Package signature computes the HMAC integrity tag carried by every
// callback payload. The tag is an HMAC-SHA256 over the canonical JSON of
// the lots array: compact separators, object keys sorted, HTML characters
// left literal, non-ASCII runes \u-escaped. Both sides of the webhook
// contract canonicalize the same way, so the exact byte form matters.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer signs and verifies lot arrays with a shared key.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given shared key.
func NewSigner(sharedKey string) *Signer {
	return &Signer{key: []byte(sharedKey)}
}

// Calc returns the hex HMAC-SHA256 of the canonical JSON of lots.
func (s *Signer) Calc(lots interface{}) (string, error) {
	canonical, err := canonicalJSON(lots)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize lots: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a caller-supplied signature against the lots array.
func (s *Signer) Verify(lots interface{}, sig string) bool {
	expected, err := s.Calc(lots)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// canonicalJSON round-trips the value through a generic decode so that
// struct fields end up as maps, which encoding/json marshals with sorted
// keys and no extra whitespace. Numbers are kept verbatim via json.Number.
// HTML escaping is disabled and non-ASCII runes are \u-escaped afterwards,
// matching the canonical form callers verify against.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every rune above 0x7f as a \uXXXX escape, with
// surrogate pairs for runes outside the basic plane. Non-ASCII bytes only
// occur inside JSON strings, so the whole document can be scanned at once.
func escapeNonASCII(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))
	for _, r := range string(in) {
		switch {
		case r < 0x80:
			out.WriteByte(byte(r))
		case r > 0xffff:
			r -= 0x10000
			fmt.Fprintf(&out, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}
