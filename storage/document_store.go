package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// KeyProvider supplies the symmetric key protecting an envelope's documents.
type KeyProvider interface {
	DocumentKey(envelopeID string) ([]byte, error)
}

// DocumentStore implements interfaces.DocumentStorage. Documents are
// encrypted with AES-256-GCM under a per-envelope key before they are handed
// to the backend, so no backend ever sees plaintext.
//
// Keys have the form "<kind>/<envelopeID>/<contentID>", where contentID is
// the hash of the ciphertext.
type DocumentStore struct {
	backend interfaces.StorageBackend
	keys    KeyProvider
	log     *slog.Logger
}

// NewDocumentStore creates a DocumentStore over backend.
func NewDocumentStore(backend interfaces.StorageBackend, keys KeyProvider, log *slog.Logger) *DocumentStore {
	return &DocumentStore{backend: backend, keys: keys, log: log}
}

func (s *DocumentStore) Put(ctx context.Context, data []byte, meta interfaces.DocumentMeta) (string, error) {
	if meta.EnvelopeID == "" || strings.Contains(meta.EnvelopeID, "/") {
		return "", fmt.Errorf("%w: invalid envelope id %q", interfaces.ErrInvalidStorageKey, meta.EnvelopeID)
	}

	key, err := s.keys.DocumentKey(meta.EnvelopeID)
	if err != nil {
		return "", fmt.Errorf("failed to obtain document key: %w", err)
	}

	ciphertext, err := cryptoutils.EncryptAESGCM(key, data, additionalData(meta.Kind, meta.EnvelopeID))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt document: %w", err)
	}

	id, err := s.backend.Store(ctx, ciphertext, meta.Kind)
	if err != nil {
		return "", err
	}

	storageKey := fmt.Sprintf("%s/%s/%s", meta.Kind, meta.EnvelopeID, id)
	s.log.Debug("Stored document",
		slog.String("envelope_id", meta.EnvelopeID),
		slog.String("kind", meta.Kind.String()),
		slog.String("name", meta.Name),
		slog.Int("size", len(data)))

	return storageKey, nil
}

func (s *DocumentStore) Get(ctx context.Context, storageKey string) ([]byte, error) {
	kind, envelopeID, id, err := parseStorageKey(storageKey)
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.backend.Fetch(ctx, id, kind)
	if err != nil {
		return nil, err
	}

	key, err := s.keys.DocumentKey(envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain document key: %w", err)
	}

	plaintext, err := cryptoutils.DecryptAESGCM(key, ciphertext, additionalData(kind, envelopeID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt document %s: %w", storageKey, err)
	}
	return plaintext, nil
}

func (s *DocumentStore) Delete(ctx context.Context, storageKey string) error {
	kind, _, id, err := parseStorageKey(storageKey)
	if err != nil {
		return err
	}
	return s.backend.Delete(ctx, id, kind)
}

func additionalData(kind interfaces.ContentType, envelopeID string) []byte {
	return []byte(kind.String() + "/" + envelopeID)
}

func parseStorageKey(storageKey string) (interfaces.ContentType, string, interfaces.ContentID, error) {
	parts := strings.Split(storageKey, "/")
	if len(parts) != 3 || parts[1] == "" {
		return 0, "", interfaces.ContentID{}, fmt.Errorf("%w: %q", interfaces.ErrInvalidStorageKey, storageKey)
	}

	kind, err := interfaces.ParseContentType(parts[0])
	if err != nil {
		return 0, "", interfaces.ContentID{}, errors.Join(interfaces.ErrInvalidStorageKey, err)
	}

	id, err := interfaces.NewContentIDFromHex(parts[2])
	if err != nil {
		return 0, "", interfaces.ContentID{}, errors.Join(interfaces.ErrInvalidStorageKey, err)
	}

	return kind, parts[1], id, nil
}
