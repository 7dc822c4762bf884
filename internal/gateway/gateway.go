// ABOUTME: Gateway orchestrator wiring store, pool, relay, and dispatch together
// ABOUTME: Manages the HTTP API, listeners, fallback seeding, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/backoff"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/pool"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/session/fake"
	"github.com/2389/relay-gateway/internal/session/matrix"
	"github.com/2389/relay-gateway/internal/session/telegram"
)

// Operating modes reported by /health and /status.
const (
	ModeMultiTenant = "multi-tenant"
	ModeSingle      = "single"
)

// FallbackTenantID is the tenant seeded from environment variables when the
// gateway runs in single-session mode.
const FallbackTenantID = "default"

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config     *config.Config
	store      *credential.SQLiteStore
	pool       *pool.Pool
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	registry   *prometheus.Registry

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
	// mode is "multi-tenant", or "single" when fallback env credentials seeded
	// the default tenant
	mode      string
	startedAt time.Time
}

// initStore creates the credential store, sealing blobs at rest when a store
// key is configured.
func initStore(cfg *config.Config) (*credential.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	var opts []credential.Option
	if cfg.Database.StoreKey != "" {
		opts = append(opts, credential.WithSealer(credential.NewSealer(cfg.Database.StoreKey)))
	}

	s, err := credential.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}
	return s, nil
}

// initDriver selects the protocol driver from config.
func initDriver(cfg *config.Config, logger *slog.Logger) (session.Driver, error) {
	switch cfg.Protocol.Driver {
	case "matrix":
		return matrix.NewDriver(cfg.Protocol.Homeserver, logger)
	case "telegram":
		return telegram.NewDriver(logger), nil
	case "fake":
		logger.Warn("using the in-memory fake driver; no external network is reached")
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Protocol.Driver)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	store, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	driver, err := initDriver(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	artifactDir := cfg.Sessions.ArtifactDir
	if artifactDir == "" {
		artifactDir = filepath.Join(os.TempDir(), "relay-gateway-artifacts")
	}
	mat, err := session.NewMaterializer(artifactDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sessionPool := pool.New(driver, store, mat, pool.Config{
		HealthInterval:  cfg.Sessions.HealthInterval,
		ConnectTimeout:  cfg.Sessions.ConnectTimeout,
		ReconnectBudget: cfg.Sessions.ReconnectBudget,
		Backoff:         backoff.DefaultPolicy(),
		WorkerBudget:    int64(cfg.Sessions.WorkerBudget),
	}, m, logger)

	inboundRelay := relay.New(relay.Config{
		WebhookURL:    cfg.Backend.WebhookURL,
		GatewaySecret: cfg.Auth.GatewaySecret,
		MaxAttempts:   cfg.Relay.MaxAttempts,
		Backoff:       backoff.DefaultPolicy(),
		PostTimeout:   cfg.Relay.PostTimeout,
		DedupeTTL:     cfg.Relay.DedupeTTL,
	}, m, logger)

	sessionPool.SetOnConnect(inboundRelay.Attach)
	inboundRelay.ForwardAlerts(sessionPool.Alerts())

	dispatcher := dispatch.New(sessionPool, dispatch.Config{
		SendTimeout: cfg.Sessions.ConnectTimeout,
	}, m, logger)

	gw := &Gateway{
		config:     cfg,
		store:      store,
		pool:       sessionPool,
		relay:      inboundRelay,
		dispatcher: dispatcher,
		metrics:    m,
		registry:   registry,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
		mode:       ModeMultiTenant,
		startedAt:  time.Now().UTC(),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes mounts the authenticated API surface.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var verifier auth.TokenVerifier
	if g.config.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	}
	middleware := auth.Middleware(g.config.Auth.GatewaySecret, verifier)

	mux.Handle("/api/send", middleware(http.HandlerFunc(g.handleSend)))
	mux.Handle("/api/credentials/", middleware(http.HandlerFunc(g.handleCredentials)))
	mux.Handle("/api/tenants/", middleware(http.HandlerFunc(g.handleTenants)))
	mux.Handle("/status", middleware(http.HandlerFunc(g.handleStatus)))
}

// seedFallback provisions the default tenant from environment variables. This
// is the single-session escape hatch for deployments that predate the
// credential API: one connection, no provisioning calls.
func (g *Gateway) seedFallback(ctx context.Context) error {
	connID := os.Getenv("RELAY_CONNECTION_ID")
	connSecret := os.Getenv("RELAY_CONNECTION_SECRET")
	if connID == "" && connSecret == "" {
		return nil
	}
	if connID == "" || connSecret == "" {
		return errors.New("RELAY_CONNECTION_ID and RELAY_CONNECTION_SECRET must both be set")
	}

	cred := &credential.Credential{
		TenantID:         FallbackTenantID,
		ConnectionID:     connID,
		ConnectionSecret: connSecret,
	}
	if blob := os.Getenv("RELAY_SESSION_ID"); blob != "" {
		decoded, err := credential.DecodeBlob(blob)
		if err != nil {
			return fmt.Errorf("decoding RELAY_SESSION_ID: %w", err)
		}
		cred.SessionBlob = decoded
	}

	if err := g.store.Put(ctx, cred); err != nil {
		return fmt.Errorf("seeding fallback credential: %w", err)
	}

	g.mode = ModeSingle
	g.logger.Info("seeded fallback credential from environment", "tenant_id", FallbackTenantID)
	return nil
}

// warmSessions connects every provisioned tenant in the background so inbound
// events start flowing without waiting for the first outbound send.
func (g *Gateway) warmSessions(ctx context.Context) {
	creds, err := g.store.List(ctx)
	if err != nil {
		g.logger.Error("listing tenants for warmup failed", "error", err)
		return
	}

	for _, cred := range creds {
		tenantID := cred.TenantID
		go func() {
			if _, err := g.pool.Ensure(ctx, tenantID); err != nil {
				g.logger.Warn("warmup connect failed", "tenant_id", tenantID, "error", err)
			}
		}()
	}
	if len(creds) > 0 {
		g.logger.Info("warming tenant sessions", "count", len(creds))
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seedFallback(ctx); err != nil {
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.pool.Start(ctx)
	g.warmSessions(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "mode", g.mode)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the TCP or Tailscale listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if err := g.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool close: %w", err))
	}
	g.relay.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "relay-gateway-" + uuid.NewString()[:8]
}
