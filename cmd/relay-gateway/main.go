// ABOUTME: Entry point for the relay-gateway server
// ABOUTME: Bridges messaging-network sessions to a backend webhook

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credential"
	"github.com/2389/relay-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                             _
  _ __ ___| | __ _ _   _        __ _  __| |___      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' |\ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | \ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|  \_/\_/ \__,_|\__, |
                   |___/       |___/                      |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > ./config.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the gateway server")
		fmt.Println("  init               Create a new config file interactively")
		fmt.Println("  import FILE.toml   Load tenant credentials from a seed file")
		fmt.Println("  token --sub NAME   Mint an API bearer token")
		fmt.Println("  health             Check gateway health")
		fmt.Println("  status             Show per-tenant session status")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "import":
		err = runImport(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Driver:    %s\n", cfg.Protocol.Driver)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Backend.WebhookURL)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"driver", cfg.Protocol.Driver,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runImport loads tenant credentials from a TOML seed file into the store.
// The gateway does not need to be running; the store is opened directly.
func runImport(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relay-gateway import FILE.toml")
	}
	seedPath := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var opts []credential.Option
	if cfg.Database.StoreKey != "" {
		opts = append(opts, credential.WithSealer(credential.NewSealer(cfg.Database.StoreKey)))
	}
	s, err := credential.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer s.Close()

	n, err := credential.ImportSeed(ctx, s, seedPath)
	if err != nil {
		return fmt.Errorf("importing seed file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Imported %d tenant credential(s) from %s\n", n, seedPath)
	return nil
}

// runToken mints an HS256 bearer token accepted by the API middleware.
func runToken() error {
	var subject string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sub="):
			subject = strings.TrimPrefix(arg, "--sub=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if subject == "" {
		return fmt.Errorf("--sub flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runStatus queries the running gateway's /status endpoint and prints a
// per-tenant summary.
func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/status", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.GatewaySecret != "" {
		req.Header.Set("X-Gateway-Secret", cfg.Auth.GatewaySecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status struct {
		ServerID string `json:"server_id"`
		Mode     string `json:"mode"`
		Tenants  []struct {
			TenantID         string `json:"tenant_id"`
			Status           string `json:"status"`
			LastError        string `json:"last_error"`
			Reconnects       int    `json:"reconnects"`
			DeliveryFailures int    `json:"delivery_failures"`
		} `json:"tenants"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("%s (%s)\n", status.ServerID, status.Mode)
	if len(status.Tenants) == 0 {
		fmt.Println("no tenants provisioned")
		return nil
	}
	for _, t := range status.Tenants {
		line := fmt.Sprintf("  %-20s %-12s reconnects=%d delivery_failures=%d",
			t.TenantID, t.Status, t.Reconnects, t.DeliveryFailures)
		if t.LastError != "" {
			line += " last_error=" + t.LastError
		}
		fmt.Println(line)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Backend
	fmt.Println("\n--- Backend Configuration ---")
	webhookURL := prompt(reader, "Backend webhook URL", "http://localhost:9000/inbound")

	// Protocol driver
	fmt.Println("\n--- Protocol Configuration ---")
	driver := prompt(reader, "Driver (matrix/telegram/fake)", "matrix")
	var homeserver string
	if driver == "matrix" {
		homeserver = prompt(reader, "Matrix homeserver URL", "https://matrix.org")
	}

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	gatewaySecret := prompt(reader, "Gateway shared secret", "")

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "relay-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  gateway_secret: \"%s\"\n", gatewaySecret))
	cfg.WriteString("\n")

	cfg.WriteString("backend:\n")
	cfg.WriteString(fmt.Sprintf("  webhook_url: \"%s\"\n", webhookURL))
	cfg.WriteString("\n")

	cfg.WriteString("protocol:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", driver))
	if homeserver != "" {
		cfg.WriteString(fmt.Sprintf("  homeserver: \"%s\"\n", homeserver))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  health_interval: \"30s\"\n")
	cfg.WriteString("  connect_timeout: \"30s\"\n")
	cfg.WriteString("  reconnect_budget: 5\n")
	cfg.WriteString("  worker_budget: 8\n")
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("  post_timeout: \"10s\"\n")
	cfg.WriteString("  dedupe_ttl: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  relay-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
