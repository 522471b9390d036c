package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// MemoryBackend keeps content in process memory. Used for tests and
// single-node development setups.
type MemoryBackend struct {
	name string

	mu    sync.RWMutex
	blobs map[interfaces.ContentType]map[interfaces.ContentID][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string) *MemoryBackend {
	if name == "" {
		name = "default"
	}
	return &MemoryBackend{
		name:  name,
		blobs: make(map[interfaces.ContentType]map[interfaces.ContentID][]byte),
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[contentType][id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.blobs[contentType]
	if !ok {
		ns = make(map[interfaces.ContentID][]byte)
		b.blobs[contentType] = ns
	}
	ns[id] = append([]byte(nil), data...)
	return id, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs[contentType], id)
	return nil
}

// Len returns the number of blobs stored under contentType.
func (b *MemoryBackend) Len(contentType interfaces.ContentType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs[contentType])
}

func (b *MemoryBackend) Available(ctx context.Context) bool { return true }

func (b *MemoryBackend) Name() string { return fmt.Sprintf("memory-%s", b.name) }

func (b *MemoryBackend) LocationURI() string { return fmt.Sprintf("memory://%s", b.name) }
