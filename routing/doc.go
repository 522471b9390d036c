// Package routing decides which signers of an envelope may act.
//
// In sequential mode signers act in waves: the current wave is every
// non-terminal signer tied at the minimum wave key, where the key is the
// signer's signing group if set and its order otherwise. In parallel mode
// every non-terminal signer is eligible.
//
// Routing rules alter progression. A rule pairs a condition (signer_declined,
// field_value, after_signer_completes) with an action (skip_to, route_to,
// add_signer, complete, delay). Rules are evaluated in declaration order and
// the first match wins; delay rules hold back the next wave until a sweep
// promotes it.
package routing
