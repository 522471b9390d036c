/*
Package handlers serves the envelope workflow over HTTP.

# Sender API

	POST /api/v1/envelopes                              create a draft
	GET  /api/v1/envelopes                              list (tenant_id, status, limit, offset)
	GET  /api/v1/envelopes/{envelope_id}                fetch
	POST /api/v1/envelopes/{envelope_id}/send           send to the first wave
	POST /api/v1/envelopes/{envelope_id}/void           void with a reason
	POST /api/v1/envelopes/{envelope_id}/complete       complete manually
	POST /api/v1/envelopes/{envelope_id}/fields/resolve preview field resolution
	GET  /api/v1/envelopes/{envelope_id}/audit          audit trail
	GET  /api/v1/envelopes/{envelope_id}/audit/verify   hash chain report
	POST /api/v1/signers/{signer_id}/anonymize          erase a signer's personal data

# Signer API

Signer requests carry the signer's token in the body or in the
X-Signing-Token header. In-person envelopes may name envelope_id and
signer_id instead.

	POST /api/v1/signing/actions                               sign or decline
	POST /api/v1/signing/delegate                              delegate to another person
	POST /api/v1/signing/verification                          start the identity ceremony
	POST /api/v1/signing/verification/{session_id}/two-factor  submit email and SMS codes
	POST /api/v1/signing/verification/{session_id}/resend      resend codes
	POST /api/v1/signing/verification/{session_id}/check       poll the provider
	POST /api/v1/signing/verification/{session_id}/sign        qualified signature

# Errors

Failures return {"request_id", "error": {"code", "message", "details"}}.
Validation errors are 400, state conflicts 409, unknown ids 404, bad tokens
and missing identity verification 403, expired sessions 410 and unreachable
providers 503. Anything else is a 500 with the cause only in the server log.

Signer token hashes are removed from every envelope returned.
*/
package handlers
