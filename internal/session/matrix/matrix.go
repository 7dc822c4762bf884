// ABOUTME: Matrix protocol driver implementing the session capability interface
// ABOUTME: Resumes from saved access-token state or logs in fresh with password

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/session"
)

// savedState is the protocol state exported after a successful login.
// It becomes the tenant's opaque session blob.
type savedState struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Driver opens Matrix sessions against one homeserver.
type Driver struct {
	homeserver string
	logger     *slog.Logger
}

// NewDriver creates a Matrix driver for the given homeserver URL.
func NewDriver(homeserver string, logger *slog.Logger) (*Driver, error) {
	if homeserver == "" {
		return nil, fmt.Errorf("homeserver is required")
	}
	return &Driver{
		homeserver: homeserver,
		logger:     logger.With("component", "matrix-driver"),
	}, nil
}

// Open builds a session from connection parameters and optional saved state.
// ConnectionID is the Matrix user id; ConnectionSecret is the account password
// used only on the fresh-authentication path.
func (d *Driver) Open(_ context.Context, params session.ConnectParams, art *session.Artifact) (session.Session, error) {
	s := &Session{
		driver: d,
		params: params,
		logger: d.logger.With("tenant_id", params.TenantID),
	}

	if art != nil && art.HasState {
		raw, err := art.State()
		if err != nil {
			return nil, err
		}
		var state savedState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrCorruptedSession, err)
		}
		if state.AccessToken == "" {
			return nil, fmt.Errorf("%w: saved state has no access token", session.ErrCorruptedSession)
		}
		s.saved = &state
	}

	return s, nil
}

// Session is a live Matrix connection for one tenant.
type Session struct {
	driver *Driver
	params session.ConnectParams
	logger *slog.Logger
	saved  *savedState

	mu        sync.Mutex
	client    *mautrix.Client
	events    chan session.InboundMessage
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

// Connect authenticates (resume or fresh) and starts the sync loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	client, err := s.authenticate(ctx)
	if err != nil {
		return err
	}

	s.client = client
	s.events = make(chan session.InboundMessage, 64)
	s.closed = false

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("%w: unexpected syncer type %T", session.ErrConnectFailure, client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, s.handleMessageEvent)

	syncCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			s.logger.Error("matrix sync stopped", "error", err)
		}
		s.closeEvents()
	}()

	s.connected = true
	s.logger.Info("matrix session connected", "user_id", client.UserID.String(), "resumed", s.saved != nil)
	return nil
}

// authenticate builds the client, resuming from saved state when present.
func (s *Session) authenticate(ctx context.Context) (*mautrix.Client, error) {
	if s.saved != nil {
		client, err := mautrix.NewClient(s.driver.homeserver, id.UserID(s.saved.UserID), s.saved.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: creating client: %v", session.ErrConnectFailure, err)
		}
		client.DeviceID = id.DeviceID(s.saved.DeviceID)

		// Saved tokens can be revoked server-side; verify before syncing.
		if _, err := client.Whoami(ctx); err != nil {
			return nil, fmt.Errorf("%w: saved token rejected: %v", session.ErrCorruptedSession, err)
		}
		return client, nil
	}

	client, err := mautrix.NewClient(s.driver.homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %v", session.ErrConnectFailure, err)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: s.params.ConnectionID,
		},
		Password:         s.params.ConnectionSecret,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", session.ErrConnectFailure, err)
	}

	s.saved = &savedState{
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}
	return client, nil
}

// handleMessageEvent normalizes inbound room messages onto the event stream.
func (s *Session) handleMessageEvent(_ context.Context, evt *event.Event) {
	s.mu.Lock()
	client := s.client
	ch := s.events
	closed := s.closed
	s.mu.Unlock()

	if client == nil || closed {
		return
	}
	// Skip our own messages
	if evt.Sender == client.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	msg := session.InboundMessage{
		ProviderEventID: evt.ID.String(),
		ChatID:          evt.RoomID.String(),
		SenderID:        evt.Sender.String(),
		Text:            content.Body,
		OccurredAt:      time.UnixMilli(evt.Timestamp).UTC(),
	}
	if content.MsgType != event.MsgText && content.URL != "" {
		msg.MediaRef = string(content.URL)
	}

	select {
	case ch <- msg:
	default:
		s.logger.Warn("inbound event buffer full, dropping", "event_id", msg.ProviderEventID)
	}
}

// Send delivers a text message to a room.
func (s *Session) Send(ctx context.Context, chatID, text string) (string, error) {
	s.mu.Lock()
	client := s.client
	connected := s.connected
	s.mu.Unlock()

	if !connected || client == nil {
		return "", session.ErrNotConnected
	}

	resp, err := client.SendText(ctx, id.RoomID(chatID), text)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", session.ErrProviderRejected, err)
	}
	return resp.EventID.String(), nil
}

// Events returns the inbound stream.
func (s *Session) Events() <-chan session.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Ping verifies the access token is still honored by the homeserver.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	connected := s.connected
	s.mu.Unlock()

	if !connected || client == nil {
		return session.ErrNotConnected
	}
	if _, err := client.Whoami(ctx); err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	return nil
}

// ExportState snapshots the authenticated state for persistence.
func (s *Session) ExportState(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return nil, session.ErrNotConnected
	}
	return json.Marshal(s.saved)
}

// Disconnect stops the sync loop and closes the event stream.
func (s *Session) Disconnect(_ context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	client := s.client
	s.connected = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.StopSync()
	}
	s.closeEvents()
	return nil
}

func (s *Session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil && !s.closed {
		close(s.events)
		s.closed = true
	}
}

var _ session.Driver = (*Driver)(nil)
var _ session.Session = (*Session)(nil)
