package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// DefaultPIIKeys are the payload keys holding personal data. Their values
// enter the event hash as salted digests, so erasing them keeps the hash
// verifiable.
var DefaultPIIKeys = []string{
	"name", "email", "phone",
	"signer_name", "signer_email", "signer_phone",
	"delegate_name", "delegate_email",
	"ip_address", "user_agent", "geolocation",
	"decline_reason",
}

// signerReferences maps a payload key holding some other signer's id to the
// personal data the event records about that signer.
var signerReferences = map[string][]string{
	"delegate_id": {"delegate_name", "delegate_email"},
}

// SignerReferenceKeys returns the payload keys that may name a signer other
// than the event's own.
func SignerReferenceKeys() []string {
	return slices.Sorted(maps.Keys(signerReferences))
}

func isPIIKey(key string) bool {
	return slices.Contains(DefaultPIIKeys, key)
}

func holdsPII(payload map[string]any) bool {
	for k := range payload {
		if isPIIKey(k) {
			return true
		}
	}
	return false
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// piiDigest commits to one personal value of an event.
func piiDigest(salt, key string, value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("audit payload key %s is not serializable: %w", key, err)
	}
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// redactKeys moves the values under keys out of the payload, keeping their
// digests. The salt is dropped once no personal value is left.
func redactKeys(e *interfaces.AuditEvent, keys []string) (bool, error) {
	changed := false
	for _, k := range keys {
		v, ok := e.Payload[k]
		if !ok {
			continue
		}
		d, err := piiDigest(e.Salt, k, v)
		if err != nil {
			return changed, err
		}
		if e.Redacted == nil {
			e.Redacted = make(map[string]string)
		}
		e.Redacted[k] = d
		delete(e.Payload, k)
		changed = true
	}
	if changed && !holdsPII(e.Payload) {
		e.Salt = ""
	}
	return changed, nil
}

// signerRedaction erases what events say about signerID. On the signer's own
// events that is the network metadata and every personal payload value except
// those describing another signer. On events that reference the signer, it is
// the values recorded under that reference.
func signerRedaction(signerID string) func(*interfaces.AuditEvent) (bool, error) {
	return func(e *interfaces.AuditEvent) (bool, error) {
		changed := false

		if e.SignerID == signerID {
			changed = !e.Anonymized || e.IPAddress != "" || e.UserAgent != "" || e.Geolocation != ""
			e.IPAddress, e.UserAgent, e.Geolocation = "", "", ""

			keys := DefaultPIIKeys
			for ref, owned := range signerReferences {
				if id, _ := e.Payload[ref].(string); id != "" && id != signerID {
					keys = slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return slices.Contains(owned, k) })
				}
			}
			ok, err := redactKeys(e, keys)
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}

		for ref, owned := range signerReferences {
			if id, _ := e.Payload[ref].(string); id == signerID {
				ok, err := redactKeys(e, owned)
				if err != nil {
					return false, err
				}
				changed = changed || ok
			}
		}

		if changed {
			e.Anonymized = true
		}
		return changed, nil
	}
}
