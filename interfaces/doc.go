// Package interfaces defines the domain model and the contracts between the
// components of the signing ceremony backend, separating interface definitions
// from their implementations.
//
// # Domain Model
//
// Envelope is the unit of work: one or more Documents, an ordered set of
// Signers, the Fields placed on the documents and optional RoutingRules that
// alter signer progression. AuditEvent is one link of an envelope's hash
// chain and IdentityVerification records a signer's identity ceremony.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed blob storage across multiple backend
// types (file, S3, IPFS, Vault, memory).
//
// DocumentStorage: the encrypted document store the engine depends on.
//
// # Collaborators
//
// Notifier, CodeSender, TrustServiceProvider, IdentityProvider and
// Integration are external services. They are injected, never global.
//
// # Persistence
//
// EnvelopeRepository, VerificationRepository and AuditStore are the storage
// contracts for the engine's state. In-memory and Postgres implementations
// live in the repository and audit packages.
//
// # Errors
//
// ValidationError and StateError carry structured context. Sentinel errors
// are matched with errors.Is.
package interfaces
