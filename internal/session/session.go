// ABOUTME: Protocol-agnostic session capability interface and status machine
// ABOUTME: Drivers (matrix, telegram, fake) implement Session behind this contract

package session

import (
	"context"
	"errors"
	"time"
)

// Error kinds for session operations. Callers branch on these instead of
// inspecting error text, so fatal and retryable failures stay distinguishable.
var (
	// ErrMissingParameters is fatal per tenant: the credential lacks a
	// connection id or secret and the tenant must be reconfigured.
	ErrMissingParameters = errors.New("missing connection parameters")

	// ErrCorruptedSession means the stored session blob could not be decoded;
	// the caller should fall back to fresh authentication.
	ErrCorruptedSession = errors.New("corrupted session state")

	// ErrConnectFailure is a retryable connect error.
	ErrConnectFailure = errors.New("connect failed")

	// ErrProviderRejected means the external network refused the operation.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("session not connected")
)

// Status is the lifecycle state of a tenant's session.
type Status int

const (
	StatusAbsent Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusFailed
)

// String returns the wire name of the status as used by the status API.
func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InboundMessage is a protocol-normalized inbound event from a live session.
type InboundMessage struct {
	// ProviderEventID is the network's unique id for this event, used for dedupe.
	ProviderEventID string
	ChatID          string
	SenderID        string
	Text            string
	MediaRef        string
	OccurredAt      time.Time
}

// Session is a live, connected handle to the external messaging network.
// A Session is exclusively owned by the pool; nothing else holds one directly.
type Session interface {
	// Connect establishes the network connection, authenticating fresh or
	// resuming from materialized state.
	Connect(ctx context.Context) error

	// Send delivers a text message to a chat and returns the provider's
	// message id.
	Send(ctx context.Context, chatID, text string) (string, error)

	// Events returns the inbound event stream. The channel is closed when the
	// session disconnects. Events arrive in network receipt order.
	Events() <-chan InboundMessage

	// Ping verifies the connection is still healthy.
	Ping(ctx context.Context) error

	// ExportState snapshots the session's authentication state for
	// persistence. The returned bytes are the raw protocol state; callers
	// encode them with EncodeState before storing.
	ExportState(ctx context.Context) ([]byte, error)

	// Disconnect closes the connection. Safe to call more than once.
	Disconnect(ctx context.Context) error
}

// Driver opens sessions for one external protocol. The artifact carries the
// decoded session state, if any; art.HasState selects resume vs fresh auth.
type Driver interface {
	Open(ctx context.Context, params ConnectParams, art *Artifact) (Session, error)
}

// ConnectParams are the connection parameters a driver needs, extracted from a
// validated credential.
type ConnectParams struct {
	TenantID         string
	ConnectionID     string
	ConnectionSecret string
}
