package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalJSON renders v as deterministic JSON: object keys sorted,
// numbers carried through as-is, no insignificant whitespace. Two
// structurally equal values always produce identical bytes, which is
// what makes recomputed hashes comparable to stored ones.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Round-trip through a generic value so map keys come back sorted
	// and struct field order stops mattering. UseNumber keeps numeric
	// literals byte-stable instead of reformatting them as float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm interface{}
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// HashPayload returns the hex SHA-256 of the canonical JSON form of v.
// Equal payloads hash equally regardless of key order at the call site.
func HashPayload(v interface{}) (string, error) {
	canon, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
