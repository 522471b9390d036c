// Package repository persists envelopes and identity verification records.
//
// Envelopes are stored as whole aggregates with an integer version. Update
// succeeds only when the caller's Version matches the stored one, so two
// writers that read the same version cannot both commit; the loser receives
// interfaces.ErrConcurrentModification and must reload.
//
// MemoryEnvelopeRepository and MemoryVerificationRepository serve tests and
// single-process deployments. The Postgres variants use pgx and keep the
// aggregate in a JSONB column.
package repository
