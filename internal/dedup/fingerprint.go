package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefaultIgnoredFields are payload keys that vary between otherwise identical
// submissions and do not affect the analysis.
var DefaultIgnoredFields = []string{"timestamp", "submitted_at", "request_id", "client_ip", "nonce"}

// Fingerprint hashes the user, the assessment and the canonical form of the
// payload with top-level ignored keys removed. Key order and whitespace do
// not change the result.
func Fingerprint(userID, assessment string, payload json.RawMessage, ignored []string) (string, error) {
	canonical, err := canonicalize(payload, ignored)
	if err != nil {
		return "", fmt.Errorf("dedup: fingerprint payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(assessment))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalize(payload json.RawMessage, ignored []string) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		for _, k := range ignored {
			delete(m, k)
		}
	}
	// encoding/json sorts map keys, which makes the output canonical.
	return json.Marshal(v)
}
