// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay-gateway server.
// It owns and manages all major components: credential store, session pool,
// inbound relay, outbound dispatcher, and the HTTP API surface.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      *credential.SQLiteStore
//	    pool       *pool.Pool
//	    relay      *relay.Relay
//	    dispatcher *dispatch.Dispatcher
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/send - Send an outbound message through a tenant's session
//   - PUT /api/credentials/{tenant_id} - Provision or rotate a credential
//   - GET /api/credentials/{tenant_id} - Credential metadata (no secret)
//   - POST /api/tenants/{tenant_id}/release - Drop a tenant's live session
//   - GET /status - Per-tenant session status
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /metrics - Prometheus metrics (when enabled)
//
// API routes require either the X-Gateway-Secret header or an HS256 bearer
// token; health and metrics endpoints are open.
//
// # Inbound Flow
//
// When the pool connects a tenant's session, the gateway attaches the inbound
// relay to it. Events received from the messaging network are deduplicated and
// POSTed to the configured backend webhook. Session-failure alerts from the
// pool travel the same path.
//
// # Fallback Single Session
//
// Deployments that predate the credential API can set RELAY_CONNECTION_ID and
// RELAY_CONNECTION_SECRET (plus optional RELAY_SESSION_ID) in the environment.
// On startup the gateway seeds these as the "default" tenant and reports
// mode "single".
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run drains the HTTP server, closes the pool and relay, and persists any
// final session state before returning.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers
package gateway
