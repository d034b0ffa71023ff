package report

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Snapshot is the serialised document after a pass. Hosts emit one after
// the ready pass and periodically afterwards.
type Snapshot struct {
	ID        string `json:"id"`
	PageURL   string `json:"page_url"`
	PageID    string `json:"page_id,omitempty"`
	HTML      []byte `json:"html"`
	HTMLHash  string `json:"html_hash"` // SHA-256 hex
	Timestamp int64  `json:"timestamp"`
}

// HashHTML returns the SHA-256 hex digest of raw HTML bytes.
func HashHTML(html []byte) string {
	h := sha256.Sum256(html)
	return fmt.Sprintf("%x", h)
}

// Envelope tags a payload with its kind on the wire.
type Envelope struct {
	Type string `json:"type"` // pass | snapshot
	Data any    `json:"data"`
}

// Marshal wraps v in an Envelope of the given type.
func Marshal(typ string, v any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: v})
}
