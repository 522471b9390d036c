package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// MemoryStore is an in-process AuditStore.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	events     []*interfaces.AuditEvent
	byEnvelope map[string][]int
	bySigner   map[string][]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEnvelope: make(map[string][]int),
		bySigner:   make(map[string][]int),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, event *interfaces.AuditEvent) error {
	if event.EnvelopeID == "" {
		return errors.New("audit event without envelope id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head := ""
	if idx := s.byEnvelope[event.EnvelopeID]; len(idx) > 0 {
		head = s.events[idx[len(idx)-1]].EventHash
	}
	if event.PreviousHash != head {
		return fmt.Errorf("%w: audit chain of envelope %s has moved", interfaces.ErrConcurrentModification, event.EnvelopeID)
	}

	s.seq++
	event.Sequence = s.seq
	idx := len(s.events)
	s.events = append(s.events, copyEvent(event))
	s.byEnvelope[event.EnvelopeID] = append(s.byEnvelope[event.EnvelopeID], idx)
	if event.SignerID != "" {
		s.bySigner[event.SignerID] = append(s.bySigner[event.SignerID], idx)
	}
	return nil
}

func (s *MemoryStore) Last(ctx context.Context, envelopeID string) (*interfaces.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byEnvelope[envelopeID]
	if len(idx) == 0 {
		return nil, nil
	}
	return copyEvent(s.events[idx[len(idx)-1]]), nil
}

func (s *MemoryStore) ListByEnvelope(ctx context.Context, envelopeID string) ([]*interfaces.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byEnvelope[envelopeID]), nil
}

func (s *MemoryStore) ListBySigner(ctx context.Context, signerID string) ([]*interfaces.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySigner[signerID]), nil
}

func (s *MemoryStore) AnonymizeSigner(ctx context.Context, signerID string, referenceKeys []string, redact func(*interfaces.AuditEvent) (bool, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(map[int]*interfaces.AuditEvent)
	for i, e := range s.events {
		if e.SignerID != signerID && !references(e.Payload, referenceKeys, signerID) {
			continue
		}
		c := copyEvent(e)
		changed, err := redact(c)
		if err != nil {
			return 0, fmt.Errorf("failed to redact audit event %s: %w", e.ID, err)
		}
		if changed {
			updated[i] = c
		}
	}
	for i, c := range updated {
		s.events[i] = c
	}
	return len(updated), nil
}

func references(payload map[string]any, keys []string, signerID string) bool {
	for _, k := range keys {
		if id, _ := payload[k].(string); id == signerID {
			return true
		}
	}
	return false
}

// Tamper replaces a stored event. It exists to exercise integrity checks.
func (s *MemoryStore) Tamper(envelopeID string, index int, mutate func(*interfaces.AuditEvent)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.byEnvelope[envelopeID]
	if index < 0 || index >= len(idx) {
		return false
	}
	mutate(s.events[idx[index]])
	return true
}

func (s *MemoryStore) collect(idx []int) []*interfaces.AuditEvent {
	out := make([]*interfaces.AuditEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, copyEvent(s.events[i]))
	}
	return out
}

func copyEvent(e *interfaces.AuditEvent) *interfaces.AuditEvent {
	c := *e
	c.Payload = maps.Clone(e.Payload)
	c.Redacted = maps.Clone(e.Redacted)
	return &c
}
