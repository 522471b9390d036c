// Package storage provides content-addressed blob storage with pluggable
// backends and the encrypted document store built on top of it.
//
// Backends are selected by location URI:
//
//	file:///var/lib/esign
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	ipfs://127.0.0.1:5001/esign?timeout=30s
//	vault://vault.internal:8200/secret/esign?tls=true
//	memory://dev
//
// Content is identified by the SHA-256 hash of the stored bytes and kept in
// one namespace per content type (documents, sealed, certificates). Several
// locations can be combined into a MultiStorageBackend, which writes to every
// available backend and reads from the first one that has the content.
//
// DocumentStore encrypts documents with a per-envelope AES-256-GCM key before
// storing them and returns opaque keys of the form
// "<kind>/<envelopeID>/<contentID>".
package storage
