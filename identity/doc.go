// Package identity runs the identity and qualified signature ceremonies a
// signer completes before signing.
//
// A Session moves through
//
//	initiated -> identity_pending -> identity_verified -> certificate_issued -> signing_ready -> signed
//
// with expired and failed as absorbing states. AES ceremonies (two-factor or
// government ID) end at identity_verified; QES ceremonies continue through the
// trust service provider until the document hash is signed on its QSCD.
//
// Sessions and one-time codes live in TTLStores owned by the Service. Codes
// are stored as argon2id hashes and consumed on successful verification.
// Every ceremony upserts an interfaces.IdentityVerification record and writes
// its transitions to the audit ledger.
package identity
