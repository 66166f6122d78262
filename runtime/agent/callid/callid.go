// Package callid computes deterministic tool call identifiers.
//
// An identifier is the truncated SHA-256 of
//
//	name "@" version "|" normalized_input "|" sequence
//
// where normalized_input is the canonical JSON encoding of the call input
// (object keys sorted, insignificant whitespace removed). Two calls for the
// same tool, version, and structurally equal input at the same sequence
// position share an identifier; any difference in sequence yields a new one.
package callid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Prefix is prepended to every identifier. The remainder is 32 lowercase hex
// characters (128 bits).
const Prefix = "call_"

const digestBytes = 16

// Normalize returns the canonical JSON encoding of input. Empty input
// normalizes to "null". Numbers keep their literal text.
func Normalize(input json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("callid: decode input: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("callid: trailing data after input")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order, which makes the
	// re-encoding canonical.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("callid: encode input: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Compute returns the deterministic identifier for a call.
func Compute(name, version string, input json.RawMessage, sequence int) (string, error) {
	norm, err := Normalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("@"))
	h.Write([]byte(version))
	h.Write([]byte("|"))
	h.Write(norm)
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(sequence)))
	return encode(h.Sum(nil)), nil
}

// ContentKey returns an identifier derived from the tool, version, and
// normalized input only. It is stable across runs and sequence positions and is
// used for cross-run cache sharing.
func ContentKey(name, version string, input json.RawMessage) (string, error) {
	norm, err := Normalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("@"))
	h.Write([]byte(version))
	h.Write([]byte("|"))
	h.Write(norm)
	return "content_" + hex.EncodeToString(h.Sum(nil)[:digestBytes]), nil
}

func encode(sum []byte) string {
	return Prefix + hex.EncodeToString(sum[:digestBytes])
}
