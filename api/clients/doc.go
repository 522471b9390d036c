// Package clients provides a Go client for the envelope HTTP API.
//
// Non-2xx responses are returned as *APIError carrying the server's error
// code and request id:
//
//	c := clients.NewEnvelopeClient("http://localhost:8080")
//	env, err := c.GetEnvelope(ctx, id)
//	var apiErr *clients.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
//		...
//	}
package clients
