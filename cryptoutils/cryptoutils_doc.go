// Package cryptoutils provides the cryptographic primitives of the signing
// ceremony backend.
//
// # Document Encryption
//
// Documents are encrypted at rest with AES-256-GCM. Keys are derived per
// envelope from a master key with HKDF-SHA256 (see DeriveKey). The encrypted
// format is:
//
//	[nonce (12 bytes)][ciphertext][GCM tag (16 bytes)]
//
// The envelope id is bound as additional authenticated data, so a blob
// cannot be replayed into another envelope.
//
// # Secrets
//
// One-time verification codes are hashed at rest with Argon2id in PHC
// format and compared in constant time (HashSecret, VerifySecret). Signer
// access tokens carry 32 random bytes and are stored as their SHA-256.
//
// # Certificates
//
// ECDSA P-256 certificate helpers back the sandbox trust service provider:
// a self-signed CA, leaf signing certificates with the non-repudiation key
// usage, and digest signatures verified against a certificate.
package cryptoutils
