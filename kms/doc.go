// Package kms provides key management for the signing ceremony backend.
//
// # SimpleKMS
//
// SimpleKMS derives all keys deterministically from a master key:
//
//   - DocumentKey(envelopeID): the AES-256 key that encrypts an envelope's
//     documents at rest, derived with HKDF-SHA256.
//   - The signing CA key, whose self-signed certificate is created on first use
//     and issues signer certificates.
//
// The master key must be at least 32 bytes. Anyone holding it can decrypt
// every stored document, so production deployments load it from a secret store.
//
// # SandboxTSP
//
// SandboxTSP implements interfaces.TrustServiceProvider on top of SimpleKMS.
// Sessions are identified by random ids and expire after the session TTL.
// Certificates are issued per session and signatures are ECDSA P-256 over the
// provided document hash. Unknown sessions are an error for every operation
// except CheckStatus, which reports failed.
package kms
