// ABOUTME: Session pool owning one live session per tenant with health checks
// ABOUTME: Serializes lifecycle per tenant and reconnects with bounded backoff

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/relay-gateway/internal/backoff"
	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/session"
)

// ErrTenantFailed is returned by Ensure while a tenant is in the failed state.
// Storing a new credential for the tenant clears it.
var ErrTenantFailed = errors.New("tenant session failed; update credential to retry")

// Config tunes pool behavior.
type Config struct {
	// HealthInterval is the period between health-check sweeps.
	HealthInterval time.Duration
	// ConnectTimeout bounds a single connect or ping attempt.
	ConnectTimeout time.Duration
	// ReconnectBudget is the number of connect attempts before a tenant is
	// marked failed.
	ReconnectBudget int
	// Backoff paces attempts within the reconnect budget.
	Backoff backoff.Policy
	// WorkerBudget caps concurrent connect/ping work across tenants.
	WorkerBudget int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:  30 * time.Second,
		ConnectTimeout:  30 * time.Second,
		ReconnectBudget: 5,
		Backoff:         backoff.DefaultPolicy(),
		WorkerBudget:    8,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = d.ReconnectBudget
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = d.Backoff
	}
	if c.WorkerBudget <= 0 {
		c.WorkerBudget = d.WorkerBudget
	}
}

// Alert is emitted exactly once when a tenant transitions to failed.
type Alert struct {
	TenantID string
	Reason   string
	At       time.Time
}

// TenantStatus is a point-in-time snapshot of one tenant's session.
type TenantStatus struct {
	TenantID    string    `json:"tenant_id"`
	Status      string    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	Reconnects  int       `json:"reconnects"`
}

type tenantState struct {
	status      session.Status
	sess        session.Session
	lastErr     string
	connectedAt time.Time
	reconnects  int
	// cancelConnect interrupts the in-flight connect cycle, if any. Release
	// fires it so an explicit logout never waits out the retry backoff.
	cancelConnect context.CancelFunc
}

// Pool owns at most one live session per tenant. All lifecycle transitions
// for a tenant are serialized through its lock; concurrent Ensure calls for
// the same tenant coalesce onto one session.
type Pool struct {
	driver  session.Driver
	store   credential.Store
	mat     *session.Materializer
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	locks   *tenantLocks
	workers *semaphore.Weighted
	alerts  chan Alert

	mu        sync.RWMutex
	tenants   map[string]*tenantState
	onConnect func(tenantID string, sess session.Session)
	closed    bool

	wg         sync.WaitGroup
	loopCancel context.CancelFunc
}

// New creates a pool. Call Start to begin health checking and Close to shut
// everything down.
func New(driver session.Driver, store credential.Store, mat *session.Materializer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		driver:  driver,
		store:   store,
		mat:     mat,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "pool"),
		locks:   newTenantLocks(),
		workers: semaphore.NewWeighted(cfg.WorkerBudget),
		alerts:  make(chan Alert, 16),
		tenants: make(map[string]*tenantState),
	}
}

// SetOnConnect registers a hook invoked after every successful connect, before
// Ensure returns. The relay uses it to attach an event consumer to the new
// session. Must be called before Start.
func (p *Pool) SetOnConnect(fn func(tenantID string, sess session.Session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

// Alerts returns the stream of failed-tenant alerts.
func (p *Pool) Alerts() <-chan Alert {
	return p.alerts
}

// Ensure returns the tenant's live session, connecting one if needed. Callers
// racing on the same tenant serialize; the losers observe the winner's result.
func (p *Pool) Ensure(ctx context.Context, tenantID string) (session.Session, error) {
	if err := p.locks.acquire(ctx, tenantID); err != nil {
		return nil, err
	}
	defer p.locks.release(tenantID)

	p.mu.RLock()
	st := p.tenants[tenantID]
	p.mu.RUnlock()

	if st != nil {
		switch st.status {
		case session.StatusConnected:
			return st.sess, nil
		case session.StatusFailed:
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantFailed)
		}
	}

	return p.connect(ctx, tenantID)
}

// Get returns the tenant's session if currently connected, without connecting.
func (p *Pool) Get(tenantID string) (session.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.tenants[tenantID]
	if st == nil || st.status != session.StatusConnected {
		return nil, false
	}
	return st.sess, true
}

// Status reports the tenant's current lifecycle state. Unknown tenants are
// absent.
func (p *Pool) Status(tenantID string) TenantStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.tenants[tenantID]
	if st == nil {
		return TenantStatus{TenantID: tenantID, Status: session.StatusAbsent.String()}
	}
	return TenantStatus{
		TenantID:    tenantID,
		Status:      st.status.String(),
		LastError:   st.lastErr,
		ConnectedAt: st.connectedAt,
		Reconnects:  st.reconnects,
	}
}

// Statuses snapshots every tenant the pool has touched.
func (p *Pool) Statuses() []TenantStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TenantStatus, 0, len(p.tenants))
	for id, st := range p.tenants {
		out = append(out, TenantStatus{
			TenantID:    id,
			Status:      st.status.String(),
			LastError:   st.lastErr,
			ConnectedAt: st.connectedAt,
			Reconnects:  st.reconnects,
		})
	}
	return out
}

// Release disconnects and forgets the tenant's session. The tenant returns to
// absent and the next Ensure connects fresh. Any in-flight connect for the
// tenant is canceled rather than waited out.
func (p *Pool) Release(ctx context.Context, tenantID string) error {
	p.mu.RLock()
	if st := p.tenants[tenantID]; st != nil && st.cancelConnect != nil {
		st.cancelConnect()
	}
	p.mu.RUnlock()

	if err := p.locks.acquire(ctx, tenantID); err != nil {
		return err
	}
	defer p.locks.release(tenantID)

	p.mu.Lock()
	st := p.tenants[tenantID]
	delete(p.tenants, tenantID)
	p.updateGaugeLocked()
	p.mu.Unlock()

	if st != nil && st.sess != nil {
		if err := st.sess.Disconnect(ctx); err != nil {
			p.logger.Warn("disconnect during release failed", "tenant_id", tenantID, "error", err)
		}
	}
	p.logger.Info("released tenant session", "tenant_id", tenantID)
	return nil
}

// Reset clears a failed tenant so the next Ensure may connect again. Called
// when a new credential is stored.
func (p *Pool) Reset(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tenants[tenantID]
	if st != nil && st.status == session.StatusFailed {
		delete(p.tenants, tenantID)
		p.updateGaugeLocked()
		p.logger.Info("cleared failed tenant", "tenant_id", tenantID)
	}
}

// connect runs the full connect cycle for a tenant. Caller holds the tenant
// lock.
func (p *Pool) connect(ctx context.Context, tenantID string) (session.Session, error) {
	prev := session.StatusAbsent
	p.mu.RLock()
	if st := p.tenants[tenantID]; st != nil {
		prev = st.status
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.setCancelConnect(tenantID, cancel)
	defer p.setCancelConnect(tenantID, nil)

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.workers.Release(1)

	p.setStatus(tenantID, session.StatusConnecting, "")

	cred, err := p.store.Get(ctx, tenantID)
	if err != nil {
		p.setStatus(tenantID, session.StatusAbsent, err.Error())
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	sess, err := p.open(ctx, cred)
	if err != nil {
		// Materialization errors need operator action, not retries, so the
		// tenant stays absent rather than burning its reconnect budget or
		// landing in the terminal failed state.
		p.setStatus(tenantID, session.StatusAbsent, err.Error())
		p.metrics.ConnectAttempts.WithLabelValues("fatal").Inc()
		return nil, err
	}

	var connected session.Session
	retryErr := p.cfg.Backoff.Retry(ctx, p.cfg.ReconnectBudget, func(attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()

		if err := sess.Connect(cctx); err != nil {
			// A resumed session whose saved state the network no longer
			// honors falls back to fresh authentication once.
			if errors.Is(err, session.ErrCorruptedSession) {
				p.logger.Warn("saved session rejected, falling back to fresh authentication",
					"tenant_id", tenantID, "attempt", attempt, "error", err)
				fresh, openErr := p.openFresh(ctx, cred)
				if openErr != nil {
					return openErr
				}
				sess = fresh
				return err
			}
			p.metrics.ConnectAttempts.WithLabelValues("retryable").Inc()
			p.logger.Warn("connect attempt failed", "tenant_id", tenantID, "attempt", attempt, "error", err)
			return err
		}
		connected = sess
		return nil
	})
	if retryErr != nil {
		// Only an exhausted reconnect budget is terminal. A caller's context
		// expiring (or Release canceling the attempt) mid-cycle leaves the
		// tenant where it was so a later Ensure can try again.
		if errors.Is(retryErr, backoff.ErrBudgetExhausted) {
			p.failTenant(tenantID, retryErr)
			p.emitAlert(tenantID, retryErr)
		} else {
			p.setStatus(tenantID, prev, retryErr.Error())
		}
		return nil, retryErr
	}

	p.metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	p.persistState(ctx, cred, connected)

	p.mu.Lock()
	st := p.tenants[tenantID]
	if st == nil {
		st = &tenantState{}
		p.tenants[tenantID] = st
	}
	st.status = session.StatusConnected
	st.sess = connected
	st.lastErr = ""
	st.connectedAt = time.Now().UTC()
	hook := p.onConnect
	p.updateGaugeLocked()
	p.mu.Unlock()

	if hook != nil {
		hook(tenantID, connected)
	}
	p.logger.Info("tenant session connected", "tenant_id", tenantID)
	return connected, nil
}

// open materializes the credential and opens a driver session, falling back to
// fresh authentication when the stored blob is corrupt.
func (p *Pool) open(ctx context.Context, cred *credential.Credential) (session.Session, error) {
	art, err := p.mat.Materialize(cred)
	if errors.Is(err, session.ErrCorruptedSession) {
		p.logger.Warn("stored session blob is corrupt, falling back to fresh authentication",
			"tenant_id", cred.TenantID, "error", err)
		return p.openFresh(ctx, cred)
	}
	if err != nil {
		return nil, err
	}
	defer art.Release()

	sess, err := p.driver.Open(ctx, art.Params, art)
	if errors.Is(err, session.ErrCorruptedSession) {
		p.logger.Warn("decoded session state unusable, falling back to fresh authentication",
			"tenant_id", cred.TenantID, "error", err)
		return p.openFresh(ctx, cred)
	}
	return sess, err
}

// openFresh opens a session with no prior state.
func (p *Pool) openFresh(ctx context.Context, cred *credential.Credential) (session.Session, error) {
	params := session.ConnectParams{
		TenantID:         cred.TenantID,
		ConnectionID:     cred.ConnectionID,
		ConnectionSecret: cred.ConnectionSecret,
	}
	return p.driver.Open(ctx, params, &session.Artifact{Params: params})
}

// persistState snapshots the session's authentication state back into the
// credential store so the next connect can resume. Best effort: a store
// hiccup here must not tear down a session that just connected.
func (p *Pool) persistState(ctx context.Context, cred *credential.Credential, sess session.Session) {
	state, err := sess.ExportState(ctx)
	if err != nil || len(state) == 0 {
		if err != nil {
			p.logger.Warn("exporting session state failed", "tenant_id", cred.TenantID, "error", err)
		}
		return
	}
	blob, err := session.EncodeState(state)
	if err != nil {
		p.logger.Warn("encoding session state failed", "tenant_id", cred.TenantID, "error", err)
		return
	}
	cred.SessionBlob = blob
	if err := p.store.Put(ctx, cred); err != nil {
		p.logger.Warn("persisting session state failed", "tenant_id", cred.TenantID, "error", err)
	}
}

// Start launches the health-check loop.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.loopCancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.healthLoop(loopCtx)
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep pings every connected tenant and reconnects the unhealthy ones.
func (p *Pool) sweep(ctx context.Context) {
	p.mu.RLock()
	connected := make(map[string]session.Session)
	for id, st := range p.tenants {
		if st.status == session.StatusConnected {
			connected[id] = st.sess
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for tenantID, sess := range connected {
		if err := p.workers.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(tenantID string, sess session.Session) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			err := sess.Ping(pctx)
			cancel()
			// Released before reconnect: the connect cycle takes its own slot.
			p.workers.Release(1)
			if err == nil {
				return
			}
			if ctx.Err() != nil {
				return
			}

			p.logger.Warn("health check failed", "tenant_id", tenantID, "error", err)
			p.reconnect(ctx, tenantID, sess)
		}(tenantID, sess)
	}
	wg.Wait()
}

// reconnect tears down an unhealthy session and runs a fresh connect cycle.
func (p *Pool) reconnect(ctx context.Context, tenantID string, old session.Session) {
	if err := p.locks.acquire(ctx, tenantID); err != nil {
		return
	}
	defer p.locks.release(tenantID)

	p.mu.RLock()
	st := p.tenants[tenantID]
	stillCurrent := st != nil && st.sess == old
	p.mu.RUnlock()
	// Another path (release, new credential) replaced the session already.
	if !stillCurrent {
		return
	}

	p.metrics.Reconnects.Inc()
	p.setStatus(tenantID, session.StatusDisconnected, "health check failed")
	p.bumpReconnects(tenantID)

	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	_ = old.Disconnect(dctx)
	cancel()

	if _, err := p.connect(ctx, tenantID); err != nil {
		p.logger.Error("reconnect failed", "tenant_id", tenantID, "error", err)
	}
}

// failTenant marks the tenant failed. Failed is terminal until a new
// credential clears it via Reset.
func (p *Pool) failTenant(tenantID string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tenants[tenantID]
	if st == nil {
		st = &tenantState{}
		p.tenants[tenantID] = st
	}
	st.status = session.StatusFailed
	st.sess = nil
	st.lastErr = cause.Error()
	p.updateGaugeLocked()
}

func (p *Pool) setCancelConnect(tenantID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tenants[tenantID]
	if st == nil {
		st = &tenantState{}
		p.tenants[tenantID] = st
	}
	st.cancelConnect = cancel
}

func (p *Pool) setStatus(tenantID string, status session.Status, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tenants[tenantID]
	if st == nil {
		st = &tenantState{}
		p.tenants[tenantID] = st
	}
	st.status = status
	if lastErr != "" {
		st.lastErr = lastErr
	}
	p.updateGaugeLocked()
}

func (p *Pool) bumpReconnects(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.tenants[tenantID]; st != nil {
		st.reconnects++
	}
}

// emitAlert sends a failed-tenant alert without blocking the connect path.
func (p *Pool) emitAlert(tenantID string, cause error) {
	alert := Alert{TenantID: tenantID, Reason: cause.Error(), At: time.Now().UTC()}
	select {
	case p.alerts <- alert:
	default:
		p.logger.Warn("alert channel full, dropping alert", "tenant_id", tenantID)
	}
}

// updateGaugeLocked recomputes the per-status session gauge. Caller holds mu.
func (p *Pool) updateGaugeLocked() {
	counts := make(map[session.Status]int, 5)
	for _, st := range p.tenants {
		counts[st.status]++
	}
	for _, s := range []session.Status{
		session.StatusAbsent, session.StatusConnecting, session.StatusConnected,
		session.StatusDisconnected, session.StatusFailed,
	} {
		p.metrics.SessionsByStatus.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Close stops the health loop and disconnects every session.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.loopCancel
	sessions := make(map[string]session.Session)
	for id, st := range p.tenants {
		if st.sess != nil {
			sessions[id] = st.sess
		}
	}
	p.tenants = make(map[string]*tenantState)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	for id, sess := range sessions {
		if err := sess.Disconnect(ctx); err != nil {
			p.logger.Warn("disconnect during shutdown failed", "tenant_id", id, "error", err)
		}
	}
	close(p.alerts)
	return nil
}
