// ABOUTME: End-to-end tests for the gateway HTTP API
// ABOUTME: Exercises auth, credential provisioning, sends, status, and fallback seeding

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/dispatch"
)

const testSecret = "test-gateway-secret"

func testConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Auth: config.AuthConfig{
			GatewaySecret: testSecret,
			JWTSecret:     "jwt-signing-key",
		},
		Backend:  config.BackendConfig{WebhookURL: webhookURL},
		Protocol: config.ProtocolConfig{Driver: "fake"},
		Sessions: config.SessionsConfig{
			HealthInterval:  time.Minute,
			ConnectTimeout:  5 * time.Second,
			ReconnectBudget: 2,
			WorkerBudget:    4,
			ArtifactDir:     filepath.Join(t.TempDir(), "artifacts"),
		},
		Relay:   config.RelayConfig{MaxAttempts: 1, PostTimeout: time.Second},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestGateway builds a gateway on the fake driver and serves its handler
// over httptest. The listener in Run is never used.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	gw, err := New(testConfig(t, backend.URL), slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, gw.Shutdown(ctx))
	})
	return gw, srv
}

func doJSON(t *testing.T, method, url string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func authed() map[string]string {
	return map[string]string{"X-Gateway-Secret": testSecret}
}

func putCredential(t *testing.T, srv *httptest.Server, tenantID string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/credentials/"+tenantID, CredentialSync{
		ConnectionID:     "conn-" + tenantID,
		ConnectionSecret: "secret-" + tenantID,
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_HealthNoAuth(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, ModeMultiTenant, health["mode"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_APIRejectsMissingAuth(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{TenantID: "t1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/status", nil,
		map[string]string{"X-Gateway-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_BearerTokenAccepted(t *testing.T) {
	_, srv := newTestGateway(t)

	verifier := auth.NewJWTVerifier([]byte("jwt-signing-key"))
	token, err := verifier.Generate("backend-service", time.Minute)
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/status", nil,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_CredentialRoundTrip(t *testing.T) {
	_, srv := newTestGateway(t)
	putCredential(t, srv, "t1")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/credentials/t1", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cred CredentialSync
	require.NoError(t, json.Unmarshal(body, &cred))
	assert.Equal(t, "t1", cred.TenantID)
	assert.Equal(t, "conn-t1", cred.ConnectionID)
	assert.Equal(t, "secret-t1", cred.ConnectionSecret)
	assert.Empty(t, cred.SessionBlob, "no prior session is an empty string")
	assert.NotEmpty(t, cred.UpdatedAt)
}

func TestGateway_CredentialBadBlobRejected(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/credentials/t1", CredentialSync{
		ConnectionID:     "conn-t1",
		ConnectionSecret: "secret-t1",
		SessionBlob:      "not base64!!!",
	}, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_CredentialUnknownTenant(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/credentials/ghost", nil, authed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_SendDeliversThroughSession(t *testing.T) {
	_, srv := newTestGateway(t)
	putCredential(t, srv, "t1")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		TenantID: "t1",
		ChatID:   "room-1",
		Text:     "hello out there",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dispatch.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, dispatch.StatusOK, result.Status)
	assert.NotEmpty(t, result.ProviderMessageID)
}

func TestGateway_SendUnknownTenant(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		TenantID: "nobody",
		ChatID:   "room-1",
		Text:     "hello",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dispatch.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.OK())
	assert.Equal(t, dispatch.KindNoSession, result.Error)
}

// syncBuffer collects log output from the gateway's concurrent goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGateway_SendLogsResolveFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	var logs syncBuffer
	gw, err := New(testConfig(t, backend.URL), slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, gw.Shutdown(ctx))
	})

	// Knock the store out so alias resolution fails mid-request.
	require.NoError(t, gw.store.Close())

	payload, err := json.Marshal(dispatch.Request{TenantID: "t1", ChatID: "room-1", Text: "hi"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(payload)).WithContext(ctx)
	rec := httptest.NewRecorder()
	gw.handleSend(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.OK(), "a send cannot succeed with the store down")
	assert.Contains(t, logs.String(), "tenant alias resolve failed",
		"a failed resolve must be visible in the logs, not silently swallowed")
}

func TestGateway_SendMethodNotAllowed(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/send", nil, authed())
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_StatusListsTenants(t *testing.T) {
	_, srv := newTestGateway(t)
	putCredential(t, srv, "t1")
	putCredential(t, srv, "t2")

	// Connect t1 by sending through it; t2 stays absent.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		TenantID: "t1", ChatID: "room-1", Text: "hi",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/status", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, ModeMultiTenant, status.Mode)
	assert.NotEmpty(t, status.ServerID)

	byTenant := make(map[string]TenantStatusResponse)
	for _, ts := range status.Tenants {
		byTenant[ts.TenantID] = ts
	}
	require.Contains(t, byTenant, "t1")
	require.Contains(t, byTenant, "t2")
	assert.Equal(t, "connected", byTenant["t1"].Status)
	assert.NotEmpty(t, byTenant["t1"].ConnectedAt)
	assert.Equal(t, "absent", byTenant["t2"].Status)
}

func TestGateway_ReleaseTenant(t *testing.T) {
	_, srv := newTestGateway(t)
	putCredential(t, srv, "t1")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		TenantID: "t1", ChatID: "room-1", Text: "hi",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/tenants/t1/release", nil, authed())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/status", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	for _, ts := range status.Tenants {
		if ts.TenantID == "t1" {
			assert.NotEqual(t, "connected", ts.Status)
		}
	}
}

func TestGateway_ReleaseBadPath(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/tenants/t1/destroy", nil, authed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_SeedFallbackSetsSingleMode(t *testing.T) {
	t.Setenv("RELAY_CONNECTION_ID", "env-conn")
	t.Setenv("RELAY_CONNECTION_SECRET", "env-secret")

	gw, _ := newTestGateway(t)
	require.NoError(t, gw.seedFallback(context.Background()))
	assert.Equal(t, ModeSingle, gw.mode)

	cred, err := gw.store.Get(context.Background(), FallbackTenantID)
	require.NoError(t, err)
	assert.Equal(t, "env-conn", cred.ConnectionID)
	assert.Empty(t, cred.SessionBlob)
}

func TestGateway_SeedFallbackWithSessionBlob(t *testing.T) {
	state := []byte("resumable session state")
	t.Setenv("RELAY_CONNECTION_ID", "env-conn")
	t.Setenv("RELAY_CONNECTION_SECRET", "env-secret")
	t.Setenv("RELAY_SESSION_ID", credential.EncodeBlob(state))

	gw, _ := newTestGateway(t)
	require.NoError(t, gw.seedFallback(context.Background()))

	cred, err := gw.store.Get(context.Background(), FallbackTenantID)
	require.NoError(t, err)
	assert.Equal(t, state, cred.SessionBlob)
}

func TestGateway_SingleModeRoutesUnkeyedSends(t *testing.T) {
	t.Setenv("RELAY_CONNECTION_ID", "env-conn")
	t.Setenv("RELAY_CONNECTION_SECRET", "env-secret")

	gw, srv := newTestGateway(t)
	require.NoError(t, gw.seedFallback(context.Background()))

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		ChatID: "room-1",
		Text:   "unkeyed",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dispatch.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.OK())
	assert.Equal(t, "connected", gw.pool.Status(FallbackTenantID).Status)
}

func TestGateway_SeedFallbackRequiresBothVars(t *testing.T) {
	t.Setenv("RELAY_CONNECTION_ID", "env-conn")
	t.Setenv("RELAY_CONNECTION_SECRET", "")

	gw, _ := newTestGateway(t)
	err := gw.seedFallback(context.Background())
	require.Error(t, err)
	assert.Equal(t, ModeMultiTenant, gw.mode)
}

func TestGateway_MetricsEndpointExposed(t *testing.T) {
	_, srv := newTestGateway(t)
	putCredential(t, srv, "t1")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/send", dispatch.Request{
		TenantID: "t1", ChatID: "room-1", Text: "hi",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_dispatch_results_total")
}

func TestGateway_UnknownDriverRejected(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/webhook")
	cfg.Protocol.Driver = "carrier-pigeon"

	_, err := New(cfg, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestGenerateServerID(t *testing.T) {
	a, b := generateServerID(), generateServerID()
	assert.Contains(t, a, "relay-gateway-")
	assert.NotEqual(t, a, b)
}
