package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// Schema creates the audit table. The bigserial sequence is the insertion
// order and rows are never updated except by anonymization. Inserts for one
// envelope are serialized with a transaction-scoped advisory lock.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
  sequence      BIGSERIAL PRIMARY KEY,
  id            TEXT NOT NULL UNIQUE,
  envelope_id   TEXT NOT NULL,
  signer_id     TEXT,
  type          TEXT NOT NULL,
  payload       JSONB,
  ip_address    TEXT,
  user_agent    TEXT,
  geolocation   TEXT,
  created_at    TIMESTAMPTZ NOT NULL,
  event_hash    TEXT NOT NULL,
  previous_hash TEXT NOT NULL,
  anonymized    BOOLEAN NOT NULL DEFAULT FALSE
);
ALTER TABLE audit_events ADD COLUMN IF NOT EXISTS salt TEXT;
ALTER TABLE audit_events ADD COLUMN IF NOT EXISTS redacted JSONB;
CREATE INDEX IF NOT EXISTS audit_events_envelope_idx ON audit_events (envelope_id, sequence);
CREATE INDEX IF NOT EXISTS audit_events_signer_idx ON audit_events (signer_id, sequence) WHERE signer_id IS NOT NULL;
`

// PostgresStore is an AuditStore backed by PostgreSQL.
type PostgresStore struct {
	DB *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Migrate creates the table and indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, event *interfaces.AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	redacted, err := json.Marshal(event.Redacted)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, event.EnvelopeID); err != nil {
		return err
	}

	var head string
	err = tx.QueryRow(ctx, `
SELECT event_hash FROM audit_events
WHERE envelope_id=$1
ORDER BY sequence DESC
LIMIT 1`, event.EnvelopeID).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if head != event.PreviousHash {
		return fmt.Errorf("%w: audit chain of envelope %s has moved", interfaces.ErrConcurrentModification, event.EnvelopeID)
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO audit_events(
  id,envelope_id,signer_id,type,payload,ip_address,user_agent,geolocation,created_at,event_hash,previous_hash,salt,redacted
)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11,$12,$13::jsonb)
RETURNING sequence
`, event.ID, event.EnvelopeID, nullable(event.SignerID), string(event.Type), string(payload),
		nullable(event.IPAddress), nullable(event.UserAgent), nullable(event.Geolocation),
		event.CreatedAt.UTC(), event.EventHash, event.PreviousHash,
		nullable(event.Salt), string(redacted)).Scan(&event.Sequence); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const selectColumns = `
SELECT sequence,id,envelope_id,COALESCE(signer_id,''),type,payload,
  COALESCE(ip_address,''),COALESCE(user_agent,''),COALESCE(geolocation,''),
  created_at,event_hash,previous_hash,anonymized,COALESCE(salt,''),redacted
FROM audit_events`

func (s *PostgresStore) Last(ctx context.Context, envelopeID string) (*interfaces.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, selectColumns+`
WHERE envelope_id=$1
ORDER BY sequence DESC
LIMIT 1`, envelopeID)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *PostgresStore) ListByEnvelope(ctx context.Context, envelopeID string) ([]*interfaces.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, selectColumns+`
WHERE envelope_id=$1
ORDER BY sequence`, envelopeID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) ListBySigner(ctx context.Context, signerID string) ([]*interfaces.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, selectColumns+`
WHERE signer_id=$1
ORDER BY sequence`, signerID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) AnonymizeSigner(ctx context.Context, signerID string, referenceKeys []string, redact func(*interfaces.AuditEvent) (bool, error)) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectColumns+`
WHERE signer_id=$1
   OR EXISTS (SELECT 1 FROM unnest($2::text[]) AS k WHERE payload->>k = $1)
ORDER BY sequence
FOR UPDATE`, signerID, referenceKeys)
	if err != nil {
		return 0, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range events {
		changed, err := redact(e)
		if err != nil {
			return 0, fmt.Errorf("failed to redact audit event %s: %w", e.ID, err)
		}
		if !changed {
			continue
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, err
		}
		redacted, err := json.Marshal(e.Redacted)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `
UPDATE audit_events
SET ip_address=$2, user_agent=$3, geolocation=$4, payload=$5::jsonb,
    salt=$6, redacted=$7::jsonb, anonymized=$8
WHERE id=$1
`, e.ID, nullable(e.IPAddress), nullable(e.UserAgent), nullable(e.Geolocation), string(payload),
			nullable(e.Salt), string(redacted), e.Anonymized); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func scanEvents(rows pgx.Rows) ([]*interfaces.AuditEvent, error) {
	defer rows.Close()

	var out []*interfaces.AuditEvent
	for rows.Next() {
		var (
			e         interfaces.AuditEvent
			eventType string
			payload   []byte
			redacted  []byte
			createdAt time.Time
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.EnvelopeID, &e.SignerID, &eventType, &payload,
			&e.IPAddress, &e.UserAgent, &e.Geolocation, &createdAt, &e.EventHash, &e.PreviousHash, &e.Anonymized,
			&e.Salt, &redacted); err != nil {
			return nil, err
		}
		if len(redacted) > 0 && string(redacted) != "null" {
			if err := json.Unmarshal(redacted, &e.Redacted); err != nil {
				return nil, fmt.Errorf("invalid redaction digests in audit event %s: %w", e.ID, err)
			}
		}
		e.Type = interfaces.AuditEventType(eventType)
		e.CreatedAt = createdAt.UTC()
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("invalid payload in audit event %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var errNoPool = errors.New("postgres pool is nil")

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.DB == nil {
		return errNoPool
	}
	return s.DB.Ping(ctx)
}
