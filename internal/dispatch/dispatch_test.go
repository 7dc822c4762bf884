// ABOUTME: Tests for the outbound dispatcher's result contract
// ABOUTME: Covers success, error kinds, transport retries, and serialization

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/backoff"
	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/pool"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/session/fake"
)

type fixture struct {
	dispatcher *Dispatcher
	driver     *fake.Driver
	store      *credential.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := credential.NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mat, err := session.NewMaterializer(t.TempDir(), slog.Default())
	require.NoError(t, err)

	driver := fake.New()
	p := pool.New(driver, store, mat, pool.Config{
		ConnectTimeout:  time.Second,
		ReconnectBudget: 2,
		Backoff:         backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0},
	}, metrics.NewForTest(), slog.Default())
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	d := New(p, Config{
		SendTimeout:      2 * time.Second,
		TransportRetries: 2,
		RetryDelay:       time.Millisecond,
	}, metrics.NewForTest(), slog.Default())

	return &fixture{dispatcher: d, driver: driver, store: store}
}

func (f *fixture) seed(t *testing.T, tenantID string) {
	t.Helper()
	err := f.store.Put(context.Background(), &credential.Credential{
		TenantID:         tenantID,
		ConnectionID:     "conn-" + tenantID,
		ConnectionSecret: "secret",
	})
	require.NoError(t, err)
}

func TestSend_Success(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	res := f.dispatcher.Send(context.Background(), Request{
		TenantID: "t1", ChatID: "chat-1", Text: "hello",
	})

	require.True(t, res.OK())
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "t1-msg-1", res.ProviderMessageID)
	assert.Empty(t, res.Error)

	sent := f.driver.Session("t1").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "chat-1", sent[0].ChatID)
	assert.Equal(t, "hello", sent[0].Text)
}

func TestSend_UnknownTenantIsNoSession(t *testing.T) {
	f := newFixture(t)

	res := f.dispatcher.Send(context.Background(), Request{
		TenantID: "ghost", ChatID: "chat-1", Text: "hello",
	})

	assert.False(t, res.OK())
	assert.Equal(t, KindNoSession, res.Error)
	assert.NotEmpty(t, res.Detail)
}

func TestSend_MissingFields(t *testing.T) {
	f := newFixture(t)

	res := f.dispatcher.Send(context.Background(), Request{ChatID: "c", Text: "x"})
	assert.Equal(t, KindNoSession, res.Error)

	res = f.dispatcher.Send(context.Background(), Request{TenantID: "t1", Text: "x"})
	assert.Equal(t, KindProviderRejected, res.Error)
}

func TestSend_ProviderRejectedNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	// Prime the session, then script a rejection.
	res := f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "warmup"})
	require.True(t, res.OK())

	f.driver.Session("t1").SetSendErr(session.ErrProviderRejected)
	res = f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "nope"})

	assert.Equal(t, KindProviderRejected, res.Error)
	assert.Len(t, f.driver.Session("t1").Sent(), 1, "rejection is not retried")
}

func TestSend_TransportFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	res := f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "warmup"})
	require.True(t, res.OK())

	f.driver.Session("t1").SetSendErr(errors.New("broken pipe"))
	res = f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "flaky"})

	assert.False(t, res.OK())
	assert.Equal(t, KindNoSession, res.Error)
	assert.Contains(t, res.Detail, "broken pipe")
}

func TestSend_TransportRecoversMidRetry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	res := f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "warmup"})
	require.True(t, res.OK())

	sess := f.driver.Session("t1")
	sess.SetSendErr(errors.New("broken pipe"))

	// Clear the fault while the dispatcher is mid-retry.
	go func() {
		time.Sleep(2 * time.Millisecond)
		sess.SetSendErr(nil)
	}()

	res = f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "eventually"})
	assert.True(t, res.OK())
}

func TestSend_Timeout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.dispatcher.Send(ctx, Request{TenantID: "t1", ChatID: "c", Text: "late"})

	assert.False(t, res.OK())
	assert.Equal(t, KindTimeout, res.Error)
}

func TestSend_SerializesPerTenant(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.dispatcher.Send(context.Background(), Request{TenantID: "t1", ChatID: "c", Text: "m"})
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()

	sent := f.driver.Session("t1").Sent()
	assert.Len(t, sent, 10, "every serialized send lands exactly once")
}
