package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/signing-ceremony-backend/api"
	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with code %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// EnvelopeClient calls the envelope API.
type EnvelopeClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEnvelopeClient creates a client for the server at baseURL, e.g.
// "http://localhost:8080". The request timeout defaults to 30 seconds.
func NewEnvelopeClient(baseURL string, timeout ...time.Duration) *EnvelopeClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &EnvelopeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (c *EnvelopeClient) do(ctx context.Context, method, path string, body, out any, header http.Header) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp api.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Code != "" {
			apiErr.RequestID = errResp.RequestID
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
			apiErr.Details = errResp.Error.Details
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func envelopePath(id string, suffix ...string) string {
	p := "/api/v1/envelopes/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *EnvelopeClient) CreateEnvelope(ctx context.Context, in orchestrator.CreateEnvelopeInput) (*interfaces.Envelope, error) {
	var env interfaces.Envelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/envelopes", in, &env, nil); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *EnvelopeClient) GetEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error) {
	var env interfaces.Envelope
	if err := c.do(ctx, http.MethodGet, envelopePath(id), nil, &env, nil); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *EnvelopeClient) ListEnvelopes(ctx context.Context, filter interfaces.EnvelopeFilter) (*orchestrator.EnvelopeList, error) {
	q := url.Values{}
	if filter.TenantID != "" {
		q.Set("tenant_id", filter.TenantID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/api/v1/envelopes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list orchestrator.EnvelopeList
	if err := c.do(ctx, http.MethodGet, path, nil, &list, nil); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *EnvelopeClient) SendEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error) {
	var env interfaces.Envelope
	if err := c.do(ctx, http.MethodPost, envelopePath(id, "send"), nil, &env, nil); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *EnvelopeClient) VoidEnvelope(ctx context.Context, id, reason string) (*interfaces.Envelope, error) {
	var env interfaces.Envelope
	if err := c.do(ctx, http.MethodPost, envelopePath(id, "void"), api.VoidRequest{Reason: reason}, &env, nil); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *EnvelopeClient) CompleteEnvelope(ctx context.Context, id string) (*orchestrator.CompletionResult, error) {
	var result orchestrator.CompletionResult
	if err := c.do(ctx, http.MethodPost, envelopePath(id, "complete"), nil, &result, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *EnvelopeClient) ResolveFields(ctx context.Context, id string, values map[string]string) (*api.ResolveFieldsResponse, error) {
	var resp api.ResolveFieldsResponse
	if err := c.do(ctx, http.MethodPost, envelopePath(id, "fields", "resolve"), api.ResolveFieldsRequest{Values: values}, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *EnvelopeClient) AuditTrail(ctx context.Context, id string) (*api.AuditTrailResponse, error) {
	var resp api.AuditTrailResponse
	if err := c.do(ctx, http.MethodGet, envelopePath(id, "audit"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *EnvelopeClient) VerifyAuditTrail(ctx context.Context, id string) (*audit.ChainReport, error) {
	var report audit.ChainReport
	if err := c.do(ctx, http.MethodGet, envelopePath(id, "audit", "verify"), nil, &report, nil); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *EnvelopeClient) AnonymizeSigner(ctx context.Context, signerID string) (*api.AnonymizeResponse, error) {
	var resp api.AnonymizeResponse
	path := "/api/v1/signers/" + url.PathEscape(signerID) + "/anonymize"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitSignerAction signs or declines. The token travels in the
// X-Signing-Token header rather than the body.
func (c *EnvelopeClient) SubmitSignerAction(ctx context.Context, in orchestrator.SignerActionInput) (*orchestrator.SignerActionResult, error) {
	header := tokenHeader(&in.SignerRef)
	var result orchestrator.SignerActionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/signing/actions", in, &result, header); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *EnvelopeClient) DelegateSigner(ctx context.Context, in orchestrator.DelegationInput) (*interfaces.Envelope, error) {
	header := tokenHeader(&in.SignerRef)
	var env interfaces.Envelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/signing/delegate", in, &env, header); err != nil {
		return nil, err
	}
	return &env, nil
}

func tokenHeader(ref *orchestrator.SignerRef) http.Header {
	if ref.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set(api.SigningTokenHeader, ref.Token)
	ref.Token = ""
	return h
}
