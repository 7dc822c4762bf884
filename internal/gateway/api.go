// ABOUTME: HTTP API handlers for outbound sends, credentials, and status
// ABOUTME: Thin JSON layer over the dispatcher, credential store, and pool

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/dispatch"
)

// CredentialSync is the credential push/pull wire object. SessionBlob is the
// opaque session state base64-encoded for transport; empty means "no prior
// session".
type CredentialSync struct {
	TenantID         string `json:"tenant_id,omitempty"`
	ConnectionID     string `json:"connection_id"`
	ConnectionSecret string `json:"connection_secret"`
	SessionBlob      string `json:"session_blob_base64"`
	CreatedAt        string `json:"created_at,omitempty"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// TenantStatusResponse is one tenant's entry in GET /status.
type TenantStatusResponse struct {
	TenantID         string `json:"tenant_id"`
	Status           string `json:"status"`
	LastError        string `json:"last_error,omitempty"`
	ConnectedAt      string `json:"connected_at,omitempty"`
	Reconnects       int    `json:"reconnects"`
	DeliveryFailures int    `json:"delivery_failures"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	ServerID      string                 `json:"server_id"`
	Mode          string                 `json:"mode"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Tenants       []TenantStatusResponse `json:"tenants"`
}

// handleSend handles POST /api/send. The dispatcher's verdict is returned in
// the body; transport-level HTTP status stays 200 unless the request itself
// is malformed.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Non-tenant-aware callers omit tenant_id; in single mode those requests
	// ride the fallback session.
	if req.TenantID == "" && g.mode == ModeSingle {
		req.TenantID = FallbackTenantID
	}
	if tenantID, err := g.store.Resolve(r.Context(), req.TenantID); err == nil {
		req.TenantID = tenantID
	} else {
		g.logger.Warn("tenant alias resolve failed, using id as given",
			"tenant_id", req.TenantID, "error", err)
	}

	result := g.dispatcher.Send(r.Context(), req)
	g.writeJSON(w, http.StatusOK, result)
}

// handleCredentials routes /api/credentials/{tenant_id}.
func (g *Gateway) handleCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimPrefix(r.URL.Path, "/api/credentials/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodPut:
		g.handlePutCredential(w, r, tenantID)
	case http.MethodGet:
		g.handleGetCredential(w, r, tenantID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handlePutCredential(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req CredentialSync
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cred := &credential.Credential{
		TenantID:         tenantID,
		ConnectionID:     req.ConnectionID,
		ConnectionSecret: req.ConnectionSecret,
	}
	if req.SessionBlob != "" {
		blob, err := credential.DecodeBlob(req.SessionBlob)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "session_blob_base64 is not valid base64")
			return
		}
		cred.SessionBlob = blob
	}

	if err := g.store.Put(r.Context(), cred); err != nil {
		if errors.Is(err, credential.ErrStoreUnavailable) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A fresh credential clears any terminal failed state for the tenant.
	g.pool.Reset(tenantID)

	g.logger.Info("credential stored", "tenant_id", tenantID)
	g.writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID})
}

func (g *Gateway) handleGetCredential(w http.ResponseWriter, r *http.Request, tenantID string) {
	resolved, err := g.store.Resolve(r.Context(), tenantID)
	if err == nil {
		tenantID = resolved
	}

	cred, err := g.store.Get(r.Context(), tenantID)
	if errors.Is(err, credential.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}

	var blob string
	if len(cred.SessionBlob) > 0 {
		blob = credential.EncodeBlob(cred.SessionBlob)
	}
	g.writeJSON(w, http.StatusOK, CredentialSync{
		TenantID:         cred.TenantID,
		ConnectionID:     cred.ConnectionID,
		ConnectionSecret: cred.ConnectionSecret,
		SessionBlob:      blob,
		CreatedAt:        cred.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        cred.UpdatedAt.Format(time.RFC3339),
	})
}

// handleTenants routes /api/tenants/{tenant_id}/release.
func (g *Gateway) handleTenants(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tenants/")
	tenantID, action, ok := strings.Cut(rest, "/")
	if !ok || tenantID == "" || action != "release" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if resolved, err := g.store.Resolve(r.Context(), tenantID); err == nil {
		tenantID = resolved
	}

	if err := g.pool.Release(r.Context(), tenantID); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /status: every provisioned tenant plus any the
// pool has touched, merged with relay delivery-failure counts.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	seen := make(map[string]bool)
	var tenants []TenantStatusResponse

	add := func(tenantID string) {
		if seen[tenantID] {
			return
		}
		seen[tenantID] = true
		st := g.pool.Status(tenantID)
		entry := TenantStatusResponse{
			TenantID:         tenantID,
			Status:           st.Status,
			LastError:        st.LastError,
			Reconnects:       st.Reconnects,
			DeliveryFailures: g.relay.Failures(tenantID),
		}
		if !st.ConnectedAt.IsZero() {
			entry.ConnectedAt = st.ConnectedAt.Format(time.RFC3339)
		}
		tenants = append(tenants, entry)
	}

	creds, err := g.store.List(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}
	for _, cred := range creds {
		add(cred.TenantID)
	}
	for _, st := range g.pool.Statuses() {
		add(st.TenantID)
	}

	g.writeJSON(w, http.StatusOK, StatusResponse{
		ServerID:      g.serverID,
		Mode:          g.mode,
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Tenants:       tenants,
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   g.mode,
	})
}

// handleReady returns 200 OK once the credential store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.List(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("credential store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
