package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// Schema creates the envelope and verification tables. Envelopes are stored
// as one JSONB aggregate guarded by a version column; envelope_signers indexes
// signer ids for token lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS envelopes (
  id          TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL,
  data        JSONB NOT NULL,
  version     BIGINT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS envelopes_status_idx ON envelopes (status);
CREATE INDEX IF NOT EXISTS envelopes_tenant_idx ON envelopes (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS envelope_signers (
  signer_id   TEXT PRIMARY KEY,
  envelope_id TEXT NOT NULL REFERENCES envelopes(id)
);

CREATE TABLE IF NOT EXISTS identity_verifications (
  id          TEXT PRIMARY KEY,
  envelope_id TEXT NOT NULL,
  signer_id   TEXT NOT NULL,
  status      TEXT NOT NULL,
  data        JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  seq         BIGSERIAL
);
CREATE INDEX IF NOT EXISTS identity_verifications_signer_idx ON identity_verifications (signer_id, seq);
`

// Migrate creates the tables and indexes if missing.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// PostgresEnvelopeRepository is an EnvelopeRepository backed by PostgreSQL.
type PostgresEnvelopeRepository struct {
	DB *pgxpool.Pool
}

func NewPostgresEnvelopeRepository(db *pgxpool.Pool) *PostgresEnvelopeRepository {
	return &PostgresEnvelopeRepository{DB: db}
}

func (r *PostgresEnvelopeRepository) Create(ctx context.Context, envelope *interfaces.Envelope) error {
	envelope.Version = 1
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO envelopes(id,tenant_id,status,data,version,created_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6)
`, envelope.ID, envelope.TenantID, string(envelope.Status), string(data), envelope.Version, envelope.CreatedAt.UTC()); err != nil {
		return err
	}
	if err := indexSigners(ctx, tx, envelope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresEnvelopeRepository) Get(ctx context.Context, id string) (*interfaces.Envelope, error) {
	var data []byte
	err := r.DB.QueryRow(ctx, `SELECT data FROM envelopes WHERE id=$1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrEnvelopeNotFound, id)
		}
		return nil, err
	}
	return decodeEnvelope(data)
}

// Update writes the aggregate only when the stored version matches.
func (r *PostgresEnvelopeRepository) Update(ctx context.Context, envelope *interfaces.Envelope) error {
	expected := envelope.Version
	next := *envelope
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE envelopes SET data=$2::jsonb, status=$3, version=$4, updated_at=now()
WHERE id=$1 AND version=$5
`, envelope.ID, string(data), string(envelope.Status), next.Version, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var stored int64
		err := tx.QueryRow(ctx, `SELECT version FROM envelopes WHERE id=$1`, envelope.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", interfaces.ErrEnvelopeNotFound, envelope.ID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: envelope %s is at version %d, update was based on %d",
			interfaces.ErrConcurrentModification, envelope.ID, stored, expected)
	}
	if err := indexSigners(ctx, tx, envelope); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	envelope.Version = next.Version
	return nil
}

func indexSigners(ctx context.Context, tx pgx.Tx, envelope *interfaces.Envelope) error {
	for _, s := range envelope.Signers {
		if _, err := tx.Exec(ctx, `
INSERT INTO envelope_signers(signer_id,envelope_id) VALUES($1,$2)
ON CONFLICT (signer_id) DO NOTHING
`, s.ID, envelope.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresEnvelopeRepository) List(ctx context.Context, filter interfaces.EnvelopeFilter) ([]*interfaces.Envelope, int, error) {
	var total int
	if err := r.DB.QueryRow(ctx, `
SELECT count(*) FROM envelopes
WHERE ($1='' OR tenant_id=$1) AND ($2='' OR status=$2)
`, filter.TenantID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
SELECT data FROM envelopes
WHERE ($1='' OR tenant_id=$1) AND ($2='' OR status=$2)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4
`, filter.TenantID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, 0, err
	}
	return envelopes, total, nil
}

func (r *PostgresEnvelopeRepository) ListByStatus(ctx context.Context, statuses ...interfaces.EnvelopeStatus) ([]*interfaces.Envelope, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.DB.Query(ctx, `SELECT data FROM envelopes WHERE status = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	return scanEnvelopes(rows)
}

func (r *PostgresEnvelopeRepository) FindSigner(ctx context.Context, signerID string) (*interfaces.Envelope, error) {
	var data []byte
	err := r.DB.QueryRow(ctx, `
SELECT e.data FROM envelopes e
JOIN envelope_signers s ON s.envelope_id = e.id
WHERE s.signer_id=$1
`, signerID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrSignerNotFound, signerID)
		}
		return nil, err
	}
	return decodeEnvelope(data)
}

// Ping checks database connectivity.
func (r *PostgresEnvelopeRepository) Ping(ctx context.Context) error {
	return r.DB.Ping(ctx)
}

func scanEnvelopes(rows pgx.Rows) ([]*interfaces.Envelope, error) {
	defer rows.Close()

	var out []*interfaces.Envelope
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func decodeEnvelope(data []byte) (*interfaces.Envelope, error) {
	var env interfaces.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt envelope record: %w", err)
	}
	return &env, nil
}

// PostgresVerificationRepository is a VerificationRepository backed by PostgreSQL.
type PostgresVerificationRepository struct {
	DB *pgxpool.Pool
}

func NewPostgresVerificationRepository(db *pgxpool.Pool) *PostgresVerificationRepository {
	return &PostgresVerificationRepository{DB: db}
}

func (r *PostgresVerificationRepository) Save(ctx context.Context, v *interfaces.IdentityVerification) error {
	if v.ID == "" {
		return interfaces.NewValidationError("identity verification", "id", "required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
INSERT INTO identity_verifications(id,envelope_id,signer_id,status,data,created_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, data=EXCLUDED.data
`, v.ID, v.EnvelopeID, v.SignerID, string(v.Status), string(data), v.CreatedAt.UTC())
	return err
}

func (r *PostgresVerificationRepository) Get(ctx context.Context, id string) (*interfaces.IdentityVerification, error) {
	var data []byte
	err := r.DB.QueryRow(ctx, `SELECT data FROM identity_verifications WHERE id=$1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrVerificationNotFound, id)
		}
		return nil, err
	}
	var v interfaces.IdentityVerification
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("corrupt verification record: %w", err)
	}
	return &v, nil
}

func (r *PostgresVerificationRepository) ListBySigner(ctx context.Context, signerID string) ([]*interfaces.IdentityVerification, error) {
	rows, err := r.DB.Query(ctx, `SELECT data FROM identity_verifications WHERE signer_id=$1 ORDER BY seq`, signerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*interfaces.IdentityVerification
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v interfaces.IdentityVerification
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("corrupt verification record: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
