// ABOUTME: Outbound dispatcher sending backend messages through pooled sessions
// ABOUTME: Returns structured results instead of errors so callers always get a verdict

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/pool"
	"github.com/2389/relay-gateway/internal/session"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error kinds reported in Result. These are the dispatcher's whole failure
// vocabulary; callers branch on the kind, not on detail text.
const (
	KindNoSession        = "no_session"
	KindTimeout          = "timeout"
	KindProviderRejected = "provider_rejected"
)

// Request is one outbound message.
type Request struct {
	TenantID string `json:"tenant_id"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
}

// Result is the synchronous verdict for a dispatch.
type Result struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	// Error is one of the Kind constants when Status is "error".
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// OK reports whether the dispatch succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func delivered(providerMessageID string) Result {
	return Result{Status: StatusOK, ProviderMessageID: providerMessageID}
}

func failure(kind, detail string) Result {
	return Result{Status: StatusError, Error: kind, Detail: detail}
}

// Config tunes dispatch behavior.
type Config struct {
	// SendTimeout bounds one whole dispatch including connect and retries.
	SendTimeout time.Duration
	// TransportRetries is how many extra attempts follow a transport failure.
	// Provider rejections are never retried.
	TransportRetries int
	// RetryDelay paces transport retries.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.TransportRetries < 0 {
		c.TransportRetries = 0
	}
	if c.TransportRetries == 0 {
		c.TransportRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
}

// Dispatcher sends outbound messages through the pool. Sends for one tenant
// serialize so a flood of requests cannot interleave partial protocol writes
// on a single connection.
type Dispatcher struct {
	pool    *pool.Pool
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a dispatcher on top of the pool.
func New(p *pool.Pool, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		pool:    p,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Send dispatches one message and always returns a Result.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	res := d.send(ctx, req)
	outcome := res.Status
	if !res.OK() {
		outcome = res.Error
	}
	d.metrics.DispatchResults.WithLabelValues(outcome).Inc()
	return res
}

func (d *Dispatcher) send(ctx context.Context, req Request) Result {
	if req.TenantID == "" {
		return failure(KindNoSession, "tenant_id is required")
	}
	if req.ChatID == "" || req.Text == "" {
		return failure(KindProviderRejected, "chat_id and text are required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	lock := d.tenantLock(req.TenantID)
	if !lockWithContext(ctx, lock) {
		return failure(KindTimeout, "waiting for earlier sends timed out")
	}
	defer lock.Unlock()

	var lastDetail string
	for attempt := 0; attempt <= d.cfg.TransportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return failure(KindTimeout, ctx.Err().Error())
			case <-time.After(d.cfg.RetryDelay):
			}
		}

		sess, err := d.pool.Ensure(ctx, req.TenantID)
		if err != nil {
			if ctxExpired(ctx, err) {
				return failure(KindTimeout, err.Error())
			}
			// No credential, failed tenant, or connect exhaustion: there is
			// no session to speak through, and retrying here would just rerun
			// the pool's own retry budget.
			return failure(KindNoSession, err.Error())
		}

		providerID, err := sess.Send(ctx, req.ChatID, req.Text)
		if err == nil {
			return delivered(providerID)
		}

		if ctxExpired(ctx, err) {
			return failure(KindTimeout, err.Error())
		}
		if errors.Is(err, session.ErrProviderRejected) {
			return failure(KindProviderRejected, err.Error())
		}

		// Transport-level failure (connection died mid-send, etc). Worth
		// another attempt; the pool will hand back a reconnected session.
		lastDetail = err.Error()
		d.logger.Warn("send attempt failed", "tenant_id", req.TenantID, "attempt", attempt+1, "error", err)
	}

	return failure(KindNoSession, lastDetail)
}

func (d *Dispatcher) tenantLock(tenantID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[tenantID] = l
	}
	return l
}

func ctxExpired(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// lockWithContext acquires the mutex unless the context expires first.
func lockWithContext(ctx context.Context, l *sync.Mutex) bool {
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		if ctx.Err() != nil {
			l.Unlock()
			return false
		}
		return true
	case <-ctx.Done():
		// The goroutine will eventually take and must then free the lock.
		go func() {
			<-acquired
			l.Unlock()
		}()
		return false
	}
}
