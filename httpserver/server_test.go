package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/signing-ceremony-backend/api"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type echoRoutes struct{}

func (echoRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(middleware.GetReqID(r.Context())))
	})
}

func testConfig() *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthAndDrain(t *testing.T) {
	srv, err := New(testConfig(), echoRoutes{}, nil)
	require.NoError(t, err)
	h := srv.Handler()

	rr := get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rr.Body.String())

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rr = get(t, h, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	assert.JSONEq(t, `{"status":"already draining"}`, get(t, h, "/drain").Body.String())

	rr = get(t, h, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
	assert.JSONEq(t, `{"status":"already ready"}`, get(t, h, "/undrain").Body.String())
}

func TestReadinessChecksDependencies(t *testing.T) {
	healthy := true
	pingers := map[string]Pinger{
		"database": pingFunc(func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		}),
	}
	srv, err := New(testConfig(), nil, pingers)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/readyz").Code)
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/readyz").Code)
}

func TestRoutesGetRequestID(t *testing.T) {
	srv, err := New(testConfig(), echoRoutes{}, nil)
	require.NoError(t, err)

	rr := get(t, srv.Handler(), "/api/v1/echo")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.String())
}

func TestPprofDisabledByDefault(t *testing.T) {
	srv, err := New(testConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/debug/pprof/").Code)

	cfg := testConfig()
	cfg.EnablePprof = true
	srv, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/debug/pprof/").Code)
}
