// ABOUTME: In-memory session driver for tests and local development
// ABOUTME: Scriptable connect/ping/send failures and injectable inbound events

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/relay-gateway/internal/session"
)

// Driver implements session.Driver entirely in memory.
type Driver struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	opens        int
	failConnects int
	openErr      error
}

// New creates a fake driver.
func New() *Driver {
	return &Driver{sessions: make(map[string]*Session)}
}

// Open creates a new fake session for the tenant. The most recent session per
// tenant is retrievable via Session for assertions.
func (d *Driver) Open(_ context.Context, params session.ConnectParams, art *session.Artifact) (session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	var state []byte
	if art != nil && art.HasState {
		s, err := art.State()
		if err != nil {
			return nil, err
		}
		state = s
	}

	s := &Session{
		driver: d,
		Params: params,
		state:  state,
	}
	if len(state) == 0 {
		s.state = []byte("session-state:" + params.TenantID)
	}
	d.sessions[params.TenantID] = s
	return s, nil
}

// FailNextConnects makes the next n Connect calls fail with ErrConnectFailure.
func (d *Driver) FailNextConnects(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConnects = n
}

// SetOpenErr makes Open fail with err until cleared.
func (d *Driver) SetOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Session returns the most recently opened session for a tenant, or nil.
func (d *Driver) Session(tenantID string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[tenantID]
}

// Connects returns the total number of Connect attempts across all sessions.
func (d *Driver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *Driver) takeConnectFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.failConnects > 0 {
		d.failConnects--
		return true
	}
	return false
}

// SentMessage records one outbound send through a fake session.
type SentMessage struct {
	ChatID string
	Text   string
}

// Session is a scriptable in-memory session.
type Session struct {
	driver *Driver
	Params session.ConnectParams

	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan session.InboundMessage
	state     []byte
	sent      []SentMessage
	sendErr   error
	pingErr   error
	sendSeq   int
}

// Connect marks the session live and opens the event stream.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.driver.takeConnectFailure() {
		return session.ErrConnectFailure
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.events = make(chan session.InboundMessage, 64)
	return nil
}

// Send records the message and returns a synthetic provider id.
func (s *Session) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", session.ErrNotConnected
	}
	if s.sendErr != nil {
		return "", s.sendErr
	}

	s.sendSeq++
	s.sent = append(s.sent, SentMessage{ChatID: chatID, Text: text})
	return fmt.Sprintf("%s-msg-%d", s.Params.TenantID, s.sendSeq), nil
}

// Events returns the inbound stream.
func (s *Session) Events() <-chan session.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Ping reports the scripted health.
func (s *Session) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return session.ErrNotConnected
	}
	return s.pingErr
}

// ExportState returns the session's protocol state.
func (s *Session) ExportState(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Disconnect closes the event stream. Safe to call repeatedly.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.events != nil && !s.closed {
		close(s.events)
		s.closed = true
	}
	return nil
}

// Inject delivers an inbound event as if it arrived from the network.
func (s *Session) Inject(msg session.InboundMessage) {
	s.mu.Lock()
	ch := s.events
	connected := s.connected
	s.mu.Unlock()
	if connected && ch != nil {
		ch <- msg
	}
}

// SetPingErr scripts Ping results.
func (s *Session) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetSendErr scripts Send results.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns the messages sent through this session.
func (s *Session) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Connected reports the live flag.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

var _ session.Driver = (*Driver)(nil)
var _ session.Session = (*Session)(nil)
