// Package audit implements the tamper-evident audit ledger.
//
// Every event carries the SHA-256 of its canonical content (type, envelope
// id, signer id, payload and timestamp) and the hash of the event appended
// before it for the same envelope. Verify replays an envelope's events and
// reports broken links and modified content; it never repairs anything.
//
// Appending is best effort. When the store is unavailable Append returns a
// record marked as fallback instead of an error, so an unavailable audit
// store never blocks a signing ceremony. Gaps are found afterwards with
// VerifyChain and the audit_events_appended_total{result="fallback"} metric.
package audit
