package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// MemoryEnvelopeRepository keeps envelopes in process memory. Stored values
// are deep copies, so callers never share state with the repository.
type MemoryEnvelopeRepository struct {
	mu        sync.RWMutex
	envelopes map[string]*interfaces.Envelope
	signers   map[string]string
}

func NewMemoryEnvelopeRepository() *MemoryEnvelopeRepository {
	return &MemoryEnvelopeRepository{
		envelopes: make(map[string]*interfaces.Envelope),
		signers:   make(map[string]string),
	}
}

func (r *MemoryEnvelopeRepository) Create(ctx context.Context, envelope *interfaces.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.envelopes[envelope.ID]; exists {
		return fmt.Errorf("envelope %s already exists", envelope.ID)
	}
	envelope.Version = 1
	r.put(envelope)
	return nil
}

func (r *MemoryEnvelopeRepository) Get(ctx context.Context, id string) (*interfaces.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrEnvelopeNotFound, id)
	}
	return env.Clone(), nil
}

func (r *MemoryEnvelopeRepository) Update(ctx context.Context, envelope *interfaces.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.envelopes[envelope.ID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrEnvelopeNotFound, envelope.ID)
	}
	if stored.Version != envelope.Version {
		return fmt.Errorf("%w: envelope %s is at version %d, update was based on %d",
			interfaces.ErrConcurrentModification, envelope.ID, stored.Version, envelope.Version)
	}
	envelope.Version++
	r.put(envelope)
	return nil
}

func (r *MemoryEnvelopeRepository) put(envelope *interfaces.Envelope) {
	r.envelopes[envelope.ID] = envelope.Clone()
	for _, s := range envelope.Signers {
		r.signers[s.ID] = envelope.ID
	}
}

// List returns envelopes newest first.
func (r *MemoryEnvelopeRepository) List(ctx context.Context, filter interfaces.EnvelopeFilter) ([]*interfaces.Envelope, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*interfaces.Envelope
	for _, env := range r.envelopes {
		if filter.TenantID != "" && env.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && env.Status != filter.Status {
			continue
		}
		matched = append(matched, env)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := paginate(matched, filter.Offset, filter.Limit)
	out := make([]*interfaces.Envelope, len(page))
	for i, env := range page {
		out[i] = env.Clone()
	}
	return out, total, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (r *MemoryEnvelopeRepository) ListByStatus(ctx context.Context, statuses ...interfaces.EnvelopeStatus) ([]*interfaces.Envelope, error) {
	want := make(map[interfaces.EnvelopeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*interfaces.Envelope
	for _, env := range r.envelopes {
		if want[env.Status] {
			out = append(out, env.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryEnvelopeRepository) FindSigner(ctx context.Context, signerID string) (*interfaces.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	envelopeID, ok := r.signers[signerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSignerNotFound, signerID)
	}
	return r.envelopes[envelopeID].Clone(), nil
}

// MemoryVerificationRepository keeps identity verification records in memory.
type MemoryVerificationRepository struct {
	mu       sync.RWMutex
	records  map[string]*interfaces.IdentityVerification
	bySigner map[string][]string
}

func NewMemoryVerificationRepository() *MemoryVerificationRepository {
	return &MemoryVerificationRepository{
		records:  make(map[string]*interfaces.IdentityVerification),
		bySigner: make(map[string][]string),
	}
}

// Save inserts or replaces the record with the same id.
func (r *MemoryVerificationRepository) Save(ctx context.Context, v *interfaces.IdentityVerification) error {
	if v.ID == "" {
		return interfaces.NewValidationError("identity verification", "id", "required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[v.ID]; !exists {
		r.bySigner[v.SignerID] = append(r.bySigner[v.SignerID], v.ID)
	}
	r.records[v.ID] = copyVerification(v)
	return nil
}

func (r *MemoryVerificationRepository) Get(ctx context.Context, id string) (*interfaces.IdentityVerification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVerificationNotFound, id)
	}
	return copyVerification(v), nil
}

// ListBySigner returns records in creation order.
func (r *MemoryVerificationRepository) ListBySigner(ctx context.Context, signerID string) ([]*interfaces.IdentityVerification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bySigner[signerID]
	out := make([]*interfaces.IdentityVerification, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyVerification(r.records[id]))
	}
	return out, nil
}

func copyVerification(v *interfaces.IdentityVerification) *interfaces.IdentityVerification {
	c := *v
	if v.Evidence != nil {
		c.Evidence = make(map[string]any, len(v.Evidence))
		for k, val := range v.Evidence {
			c.Evidence[k] = val
		}
	}
	if v.VerifiedAt != nil {
		at := *v.VerifiedAt
		c.VerifiedAt = &at
	}
	return &c
}
