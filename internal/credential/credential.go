// ABOUTME: Credential model and store contract for per-tenant session state
// ABOUTME: Defines the opaque session blob codec and the store error taxonomy

package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no credential exists for a tenant.
var ErrNotFound = errors.New("credential not found")

// ErrStoreUnavailable indicates a transient storage failure; callers may retry.
var ErrStoreUnavailable = errors.New("credential store unavailable")

// Credential holds a tenant's persisted authentication state for the external
// messaging network. SessionBlob is opaque to the gateway: it is produced by the
// protocol layer and must round-trip byte-exact through the store and the wire.
type Credential struct {
	TenantID         string
	ConnectionID     string
	ConnectionSecret string
	SessionBlob      []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the fields every credential must carry. A missing blob is
// fine (it means "no prior session"), missing connection parameters are not.
func (c *Credential) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.ConnectionID == "" {
		return fmt.Errorf("connection_id is required")
	}
	if c.ConnectionSecret == "" {
		return fmt.Errorf("connection_secret is required")
	}
	return nil
}

// Store persists credentials keyed by tenant id.
//
// Get returns ErrNotFound when the tenant has no credential. Transient storage
// failures are reported wrapping ErrStoreUnavailable. Writes for the same tenant
// are last-writer-wins; writes only happen after a successful session snapshot,
// so that is acceptable.
type Store interface {
	// Resolve canonicalizes a tenant name, following legacy aliases if any.
	// Unknown names resolve to themselves.
	Resolve(ctx context.Context, name string) (string, error)
	Get(ctx context.Context, tenantID string) (*Credential, error)
	Put(ctx context.Context, cred *Credential) error
	List(ctx context.Context) ([]*Credential, error)
	Close() error
}

// EncodeBlob encodes a session blob for JSON transport. An empty blob encodes
// to the empty string ("no prior session").
func EncodeBlob(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeBlob decodes a transport-encoded session blob. The empty string decodes
// to nil.
func DecodeBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding session blob: %w", err)
	}
	return blob, nil
}
