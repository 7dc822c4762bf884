// ABOUTME: Telegram protocol driver built on the Bot API with long polling
// ABOUTME: ConnectionSecret is the bot token; saved state caches the bot identity

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/2389/relay-gateway/internal/session"
)

// savedState caches the bot identity confirmed by a prior getMe call. It is
// small, but carrying it through the session blob lets resumed connects skip
// nothing observable while exercising the same persistence path as other
// protocols.
type savedState struct {
	BotID    int64  `json:"bot_id"`
	Username string `json:"username"`
}

// Driver opens Telegram bot sessions.
type Driver struct {
	logger *slog.Logger
}

// NewDriver creates a Telegram driver.
func NewDriver(logger *slog.Logger) *Driver {
	return &Driver{logger: logger.With("component", "telegram-driver")}
}

// Open builds a session from connection parameters. ConnectionID is the bot's
// numeric id (informational), ConnectionSecret the BotFather token.
func (d *Driver) Open(_ context.Context, params session.ConnectParams, art *session.Artifact) (session.Session, error) {
	s := &Session{
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
		s.saved = &state
	}

	return s, nil
}

// Session is a live Telegram bot connection for one tenant.
type Session struct {
	params session.ConnectParams
	logger *slog.Logger
	saved  *savedState

	mu        sync.Mutex
	bot       *bot.Bot
	events    chan session.InboundMessage
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

// Connect validates the token against getMe and starts long polling.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	b, err := bot.New(s.params.ConnectionSecret, bot.WithDefaultHandler(s.handleUpdate))
	if err != nil {
		return fmt.Errorf("%w: creating bot: %v", session.ErrConnectFailure, err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("%w: getMe: %v", session.ErrConnectFailure, err)
	}

	s.bot = b
	s.saved = &savedState{BotID: me.ID, Username: me.Username}
	s.events = make(chan session.InboundMessage, 64)
	s.closed = false

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		b.Start(pollCtx)
		s.closeEvents()
	}()

	s.connected = true
	s.logger.Info("telegram session connected", "bot", me.Username)
	return nil
}

// handleUpdate normalizes inbound updates onto the event stream.
func (s *Session) handleUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message

	s.mu.Lock()
	ch := s.events
	closed := s.closed
	s.mu.Unlock()
	if ch == nil || closed {
		return
	}

	inbound := session.InboundMessage{
		ProviderEventID: strconv.Itoa(msg.ID),
		ChatID:          strconv.FormatInt(msg.Chat.ID, 10),
		Text:            msg.Text,
		OccurredAt:      time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if len(msg.Photo) > 0 {
		inbound.MediaRef = msg.Photo[0].FileID
	} else if msg.Document != nil {
		inbound.MediaRef = msg.Document.FileID
	}

	select {
	case ch <- inbound:
	default:
		s.logger.Warn("inbound event buffer full, dropping", "event_id", inbound.ProviderEventID)
	}
}

// Send delivers a text message to a chat.
func (s *Session) Send(ctx context.Context, chatID, text string) (string, error) {
	s.mu.Lock()
	b := s.bot
	connected := s.connected
	s.mu.Unlock()

	if !connected || b == nil {
		return "", session.ErrNotConnected
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: chat id %q is not numeric", session.ErrProviderRejected, chatID)
	}

	sent, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", session.ErrProviderRejected, err)
	}
	return strconv.Itoa(sent.ID), nil
}

// Events returns the inbound stream.
func (s *Session) Events() <-chan session.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Ping verifies the token is still honored by the Bot API.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	b := s.bot
	connected := s.connected
	s.mu.Unlock()

	if !connected || b == nil {
		return session.ErrNotConnected
	}
	if _, err := b.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// ExportState snapshots the bot identity for persistence.
func (s *Session) ExportState(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return nil, session.ErrNotConnected
	}
	return json.Marshal(s.saved)
}

// Disconnect stops long polling and closes the event stream.
func (s *Session) Disconnect(_ context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.connected = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
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
