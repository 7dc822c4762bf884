// ABOUTME: Context-aware per-tenant locks serializing session lifecycle work
// ABOUTME: At most one connect, reconnect, or release runs per tenant at a time

package pool

import (
	"context"
	"sync"
)

// tenantLocks hands out one slot per tenant id. Acquire blocks until the slot
// frees up or the context is done.
type tenantLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{slots: make(map[string]chan struct{})}
}

func (l *tenantLocks) slot(tenantID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[tenantID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[tenantID] = s
	}
	return s
}

// acquire takes the tenant's slot, honoring context cancellation.
func (l *tenantLocks) acquire(ctx context.Context, tenantID string) error {
	select {
	case l.slot(tenantID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the tenant's slot. Must follow a successful acquire.
func (l *tenantLocks) release(tenantID string) {
	select {
	case <-l.slot(tenantID):
	default:
	}
}
