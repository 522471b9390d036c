// Package orchestrator runs the envelope workflow.
//
// An envelope is created as a draft, sent to its first wave of signers and
// then advanced one signer action at a time. Each action consumes the
// signer's single-use token, validates and stores field values, applies the
// routing rules and invites the next wave. When every signer is terminal the
// envelope is completed: documents are sealed and a certificate is rendered,
// both best effort.
//
// All mutations of one envelope are serialized on a striped lock and written
// with an optimistic version check. Notifications, audit records and
// integration dispatches happen after the write and never fail the workflow.
//
// The Sweeper expires envelopes, releases delayed signers, sends reminders
// and expires identity sessions. Every sweep is safe to run repeatedly.
package orchestrator
