// Package sealer produces the artifacts of record for a completed envelope.
//
// Seal merges every signer-assigned field value onto its document at the
// field's percentage placement: signature and initials fields embed a data
// URL image or typed text, checkboxes draw a border and a cross when checked,
// other fields render their text. The sealed PDF is stored as sealed content
// next to the untouched original and its SHA-256 is recorded on the document.
//
// GenerateCertificate renders a paginated completion certificate with the
// signer table, identity and QES evidence and the full audit trail.
package sealer
