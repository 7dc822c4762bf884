// ABOUTME: Materializer converts a persisted credential into a connectable artifact
// ABOUTME: Decoded state lives in a tenant-scoped temp dir released after connect

package session

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/relay-gateway/internal/credential"
)

// Artifact is the transient, decoded form of a credential's session state.
// Its lifetime is bound to the connect operation that requested it: the caller
// must Release it once the session is connected or abandoned.
type Artifact struct {
	Params ConnectParams

	// StatePath is the decoded state file; empty when HasState is false.
	StatePath string
	// HasState is false for the fresh-authentication path (no prior session).
	HasState bool

	dir string
}

// State reads the decoded session state from the artifact.
func (a *Artifact) State() ([]byte, error) {
	if !a.HasState {
		return nil, nil
	}
	data, err := os.ReadFile(a.StatePath)
	if err != nil {
		return nil, fmt.Errorf("reading artifact state: %w", err)
	}
	return data, nil
}

// Release removes the artifact's temp dir. Idempotent.
func (a *Artifact) Release() {
	if a.dir == "" {
		return
	}
	if err := os.RemoveAll(a.dir); err != nil {
		slog.Warn("failed to remove session artifact", "dir", a.dir, "error", err)
	}
	a.dir = ""
	a.StatePath = ""
	a.HasState = false
}

// Materializer turns persisted credentials into connectable artifacts.
type Materializer struct {
	baseDir string
	logger  *slog.Logger
}

// NewMaterializer creates a materializer rooted at baseDir. The directory is
// created if needed.
func NewMaterializer(baseDir string, logger *slog.Logger) (*Materializer, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Materializer{
		baseDir: baseDir,
		logger:  logger.With("component", "materializer"),
	}, nil
}

// Materialize validates the credential and decodes its session blob into a
// tenant-scoped temporary artifact.
//
//   - missing connection parameters -> ErrMissingParameters (fatal, not retried)
//   - empty blob -> artifact without state (fresh-authentication path)
//   - undecodable blob -> ErrCorruptedSession (caller falls back to fresh auth)
func (m *Materializer) Materialize(cred *credential.Credential) (*Artifact, error) {
	if cred.ConnectionID == "" || cred.ConnectionSecret == "" {
		return nil, fmt.Errorf("tenant %s: %w", cred.TenantID, ErrMissingParameters)
	}

	art := &Artifact{
		Params: ConnectParams{
			TenantID:         cred.TenantID,
			ConnectionID:     cred.ConnectionID,
			ConnectionSecret: cred.ConnectionSecret,
		},
	}

	if len(cred.SessionBlob) == 0 {
		m.logger.Debug("no prior session, fresh authentication", "tenant_id", cred.TenantID)
		return art, nil
	}

	state, err := DecodeState(cred.SessionBlob)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w: %v", cred.TenantID, ErrCorruptedSession, err)
	}

	dir, err := os.MkdirTemp(m.baseDir, "tenant-"+slugify(cred.TenantID)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	statePath := filepath.Join(dir, "session.state")
	if err := os.WriteFile(statePath, state, 0600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing artifact state: %w", err)
	}

	art.dir = dir
	art.StatePath = statePath
	art.HasState = true
	m.logger.Debug("materialized session state", "tenant_id", cred.TenantID, "bytes", len(state))
	return art, nil
}

// EncodeState wraps raw protocol state into the persisted blob form.
func EncodeState(state []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(state); err != nil {
		return nil, fmt.Errorf("compressing session state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing session state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeState unwraps a persisted blob back into raw protocol state.
func DecodeState(blob []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decompressing session state: %w", err)
	}
	defer func() { _ = zr.Close() }()

	state, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing session state: %w", err)
	}
	return state, nil
}

// slugify converts a tenant id to a filesystem-safe string.
func slugify(tenantID string) string {
	result := make([]byte, 0, len(tenantID))
	for i := 0; i < len(tenantID); i++ {
		c := tenantID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
