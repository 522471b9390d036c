package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

func newEnvelope(tenant string, status interfaces.EnvelopeStatus, created time.Time) *interfaces.Envelope {
	id := uuid.NewString()
	return &interfaces.Envelope{
		ID:        id,
		TenantID:  tenant,
		Subject:   "NDA",
		Status:    status,
		CreatedAt: created,
		Signers: []*interfaces.Signer{
			{ID: uuid.NewString(), EnvelopeID: id, Name: "Ann", Email: "ann@example.com", Order: 1, Status: interfaces.SignerPending},
		},
	}
}

func envelopeRepositories(t *testing.T) map[string]interfaces.EnvelopeRepository {
	repos := map[string]interfaces.EnvelopeRepository{
		"memory": NewMemoryEnvelopeRepository(),
	}
	if dsn := os.Getenv("ESIGN_TEST_DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		require.NoError(t, Migrate(context.Background(), pool))
		repos["postgres"] = NewPostgresEnvelopeRepository(pool)
	}
	return repos
}

func TestEnvelopeRepository_CreateGetUpdate(t *testing.T) {
	for name, repo := range envelopeRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newEnvelope("tenant-a", interfaces.EnvelopeDraft, time.Now().UTC())
			require.NoError(t, repo.Create(ctx, env))
			assert.Equal(t, int64(1), env.Version)

			got, err := repo.Get(ctx, env.ID)
			require.NoError(t, err)
			assert.Equal(t, env.Subject, got.Subject)
			assert.Equal(t, int64(1), got.Version)

			// Mutating the returned copy must not leak into the store.
			got.Subject = "changed"
			again, err := repo.Get(ctx, env.ID)
			require.NoError(t, err)
			assert.Equal(t, "NDA", again.Subject)

			got.Status = interfaces.EnvelopeSent
			require.NoError(t, repo.Update(ctx, got))
			assert.Equal(t, int64(2), got.Version)

			// again still carries version 1.
			again.Status = interfaces.EnvelopeVoided
			err = repo.Update(ctx, again)
			require.ErrorIs(t, err, interfaces.ErrConcurrentModification)

			stored, err := repo.Get(ctx, env.ID)
			require.NoError(t, err)
			assert.Equal(t, interfaces.EnvelopeSent, stored.Status)

			found, err := repo.FindSigner(ctx, env.Signers[0].ID)
			require.NoError(t, err)
			assert.Equal(t, env.ID, found.ID)
		})
	}
}

func TestEnvelopeRepository_NotFound(t *testing.T) {
	for name, repo := range envelopeRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Get(ctx, uuid.NewString())
			assert.ErrorIs(t, err, interfaces.ErrEnvelopeNotFound)

			err = repo.Update(ctx, &interfaces.Envelope{ID: uuid.NewString(), Version: 1})
			assert.ErrorIs(t, err, interfaces.ErrEnvelopeNotFound)

			_, err = repo.FindSigner(ctx, uuid.NewString())
			assert.ErrorIs(t, err, interfaces.ErrSignerNotFound)
		})
	}
}

func TestMemoryEnvelopeRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEnvelopeRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		status := interfaces.EnvelopeDraft
		if i%2 == 0 {
			status = interfaces.EnvelopeSent
		}
		env := newEnvelope("tenant-a", status, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, repo.Create(ctx, env))
		ids = append(ids, env.ID)
	}
	require.NoError(t, repo.Create(ctx, newEnvelope("tenant-b", interfaces.EnvelopeSent, base)))

	tests := []struct {
		name      string
		filter    interfaces.EnvelopeFilter
		wantTotal int
		wantIDs   []string
	}{
		{name: "all", filter: interfaces.EnvelopeFilter{}, wantTotal: 6},
		{name: "tenant newest first", filter: interfaces.EnvelopeFilter{TenantID: "tenant-a", Limit: 2}, wantTotal: 5, wantIDs: []string{ids[4], ids[3]}},
		{name: "offset", filter: interfaces.EnvelopeFilter{TenantID: "tenant-a", Limit: 2, Offset: 4}, wantTotal: 5, wantIDs: []string{ids[0]}},
		{name: "status", filter: interfaces.EnvelopeFilter{TenantID: "tenant-a", Status: interfaces.EnvelopeSent}, wantTotal: 3, wantIDs: []string{ids[4], ids[2], ids[0]}},
		{name: "offset past end", filter: interfaces.EnvelopeFilter{Offset: 10}, wantTotal: 6, wantIDs: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			if tt.wantIDs == nil {
				return
			}
			got := make([]string, 0, len(items))
			for _, e := range items {
				got = append(got, e.ID)
			}
			assert.Equal(t, tt.wantIDs, got)
		})
	}

	sent, err := repo.ListByStatus(ctx, interfaces.EnvelopeSent, interfaces.EnvelopeInProgress)
	require.NoError(t, err)
	assert.Len(t, sent, 4)
}

func TestMemoryVerificationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryVerificationRepository()

	first := &interfaces.IdentityVerification{ID: "v1", SignerID: "s1", Status: interfaces.VerificationPending, Evidence: map[string]any{"a": 1}}
	second := &interfaces.IdentityVerification{ID: "v2", SignerID: "s1", Status: interfaces.VerificationPending}
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	first.Status = interfaces.VerificationVerified
	require.NoError(t, repo.Save(ctx, first))

	list, err := repo.ListBySigner(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].ID)
	assert.Equal(t, interfaces.VerificationVerified, list[0].Status)

	list[0].Evidence["a"] = 2
	got, err := repo.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Evidence["a"])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrVerificationNotFound)

	assert.True(t, interfaces.IsValidation(repo.Save(ctx, &interfaces.IdentityVerification{})))
}
