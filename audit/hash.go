package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// hashedContent is the canonical form of an event. encoding/json sorts map
// keys, which makes the payload serialization deterministic.
type hashedContent struct {
	Type       interfaces.AuditEventType `json:"type"`
	EnvelopeID string                    `json:"envelope_id"`
	SignerID   string                    `json:"signer_id"`
	Payload    map[string]any            `json:"payload"`
	Timestamp  string                    `json:"timestamp"`
}

// HashEvent returns the hex SHA-256 of the event's canonical content.
// Network metadata and chain fields are not part of the hash. Personal payload
// values are hashed through their salted digests, so an anonymized event
// hashes the same as it did before its values were erased.
func HashEvent(event *interfaces.AuditEvent) (string, error) {
	payload, err := hashedPayload(event)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(hashedContent{
		Type:       event.Type,
		EnvelopeID: event.EnvelopeID,
		SignerID:   event.SignerID,
		Payload:    payload,
		Timestamp:  event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize audit event: %w", err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func hashedPayload(event *interfaces.AuditEvent) (map[string]any, error) {
	out := make(map[string]any, len(event.Payload)+len(event.Redacted))
	for k, v := range event.Payload {
		if !isPIIKey(k) {
			out[k] = v
			continue
		}
		d, err := piiDigest(event.Salt, k, v)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	for k, d := range event.Redacted {
		if _, ok := out[k]; !ok {
			out[k] = d
		}
	}
	return out, nil
}

// normalizePayload converts the payload to its JSON data model so that the
// hash computed at append time matches the one recomputed after a store
// round-trip.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload is not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
