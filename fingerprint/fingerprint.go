// Package fingerprint computes stable content hashes used as cache keys by
// the KV repository (getObjectAsIdString) and the output cache
// (key = fingerprint(input)).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Stable returns a content-stable hash of v: stable under insertion order of
// object keys (encoding/json sorts map keys), equivalent numeric
// representations once marshaled, and unaffected by process restarts.
//
// No corpus dependency specializes in canonical hashing of arbitrary Go
// values; encoding/json's deterministic map-key ordering plus crypto/sha256
// is the standard-library route and is used deliberately (see DESIGN.md).
func Stable(v interface{}) (string, error) {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips v through JSON so that Go-typed numbers (int64 vs
// float64) that marshal identically compare as equal fingerprints.
func normalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
