// ABOUTME: Inbound relay forwarding session events to the backend webhook
// ABOUTME: One consumer per live session preserves per-tenant delivery order

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/backoff"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/pool"
	"github.com/2389/relay-gateway/internal/session"
)

// Config tunes relay behavior.
type Config struct {
	// WebhookURL is the backend endpoint inbound events are posted to.
	WebhookURL string
	// GatewaySecret is sent as X-Gateway-Secret on every post.
	GatewaySecret string
	// MaxAttempts bounds delivery retries per event.
	MaxAttempts int
	// Backoff paces delivery retries.
	Backoff backoff.Policy
	// PostTimeout bounds one webhook POST.
	PostTimeout time.Duration
	// DedupeTTL and DedupeSize bound the duplicate-suppression window.
	DedupeTTL  time.Duration
	DedupeSize int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = 10 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 5 * time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 100_000
	}
}

// inboundPayload is the wire form posted to the backend for each event.
type inboundPayload struct {
	Type            string    `json:"type"`
	TenantID        string    `json:"tenant_id"`
	ProviderEventID string    `json:"provider_event_id"`
	ChatID          string    `json:"chat_id"`
	SenderID        string    `json:"sender_id"`
	Text            string    `json:"text"`
	MediaRef        string    `json:"media_ref,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// alertPayload is posted when a tenant's session transitions to failed.
type alertPayload struct {
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Relay consumes inbound events from live sessions and posts them to the
// backend webhook. Each attached session gets its own consumer goroutine, so
// events for one tenant deliver in receipt order while tenants stay
// independent.
type Relay struct {
	cfg     Config
	client  *http.Client
	tracker *dedupe.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures map[string]int
}

// New creates a relay. Call Close to stop all consumers.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Relay {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.PostTimeout},
		tracker:  dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		metrics:  m,
		logger:   logger.With("component", "relay"),
		ctx:      ctx,
		cancel:   cancel,
		failures: make(map[string]int),
	}
}

// Attach starts consuming the session's event stream. The consumer exits when
// the session closes its channel or the relay shuts down. Intended as the
// pool's on-connect hook.
func (r *Relay) Attach(tenantID string, sess session.Session) {
	events := sess.Events()
	if events == nil {
		r.logger.Warn("session has no event stream", "tenant_id", tenantID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Debug("consumer attached", "tenant_id", tenantID)

		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					r.logger.Debug("event stream closed", "tenant_id", tenantID)
					return
				}
				r.handle(tenantID, msg)
			}
		}
	}()
}

// ForwardAlerts posts failed-tenant alerts from the pool to the backend.
// Blocks until the alert channel closes or the relay shuts down.
func (r *Relay) ForwardAlerts(alerts <-chan pool.Alert) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case alert, ok := <-alerts:
				if !ok {
					return
				}
				payload := alertPayload{
					Type:     "session_failed",
					TenantID: alert.TenantID,
					Reason:   alert.Reason,
					At:       alert.At,
				}
				if err := r.deliver(alert.TenantID, payload); err != nil {
					r.logger.Error("alert delivery failed", "tenant_id", alert.TenantID, "error", err)
				}
			}
		}
	}()
}

// handle posts one inbound event, suppressing duplicates and counting
// exhausted deliveries.
func (r *Relay) handle(tenantID string, msg session.InboundMessage) {
	if msg.ProviderEventID != "" && r.tracker.Seen(tenantID, msg.ProviderEventID) {
		r.metrics.InboundDuplicates.Inc()
		r.logger.Debug("suppressed duplicate event", "tenant_id", tenantID, "event_id", msg.ProviderEventID)
		return
	}

	payload := inboundPayload{
		Type:            "inbound_message",
		TenantID:        tenantID,
		ProviderEventID: msg.ProviderEventID,
		ChatID:          msg.ChatID,
		SenderID:        msg.SenderID,
		Text:            msg.Text,
		MediaRef:        msg.MediaRef,
		OccurredAt:      msg.OccurredAt,
	}

	if err := r.deliver(tenantID, payload); err != nil {
		// The event was dropped, so the mark set above must not outlive it:
		// a provider redelivery within the TTL is now the only remaining copy.
		if msg.ProviderEventID != "" {
			r.tracker.Forget(tenantID, msg.ProviderEventID)
		}
		r.metrics.DeliveryFailures.Inc()
		r.mu.Lock()
		r.failures[tenantID]++
		r.mu.Unlock()
		r.logger.Error("inbound delivery failed, event dropped",
			"tenant_id", tenantID, "event_id", msg.ProviderEventID, "error", err)
		return
	}
	r.metrics.InboundRelayed.Inc()
}

// deliver posts the payload with bounded retries.
func (r *Relay) deliver(tenantID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	return r.cfg.Backoff.Retry(r.ctx, r.cfg.MaxAttempts, func(attempt int) error {
		start := time.Now()
		err := r.post(body)
		r.metrics.WebhookPostDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			r.logger.Warn("webhook post failed", "tenant_id", tenantID, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (r *Relay) post(body []byte) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.GatewaySecret != "" {
		req.Header.Set("X-Gateway-Secret", r.cfg.GatewaySecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Failures returns the count of dropped inbound events for a tenant.
func (r *Relay) Failures(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[tenantID]
}

// Close stops every consumer and waits for in-flight deliveries.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
	r.tracker.Close()
}
