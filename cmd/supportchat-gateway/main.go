// ABOUTME: Entry point for the supportchat-gateway server
// ABOUTME: Serves the widget, automation engine and operator APIs and issues operator tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
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

	"github.com/2389/supportchat/internal/auth"
	"github.com/2389/supportchat/internal/config"
	"github.com/2389/supportchat/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _       _           _
 ___ _   _ _ __  _ __   ___  _ __| |_ ___| |__   __ _| |_
/ __| | | | '_ \| '_ \ / _ \| '__| __/ __| '_ \ / _' | __|
\__ \ |_| | |_) | |_) | (_) | |  | || (__| | | | (_| | |_
|___/\__,_| .__/| .__/ \___/|_|   \__\___|_| |_|\__,_|\__|
          |_|   |_|
`

// getConfigDir returns ~/.config/supportchat, honouring XDG_CONFIG_HOME.
func getConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "supportchat")
}

// getDataPath returns the supportchat data directory.
// Priority: XDG_DATA_HOME/supportchat > ~/.local/share/supportchat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "supportchat")
}

// loadConfig reads the located config file, or falls back to SUPPORTCHAT_*
// variables when there is none.
func loadConfig() (*config.Config, string, error) {
	path := config.Locate()
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", fmt.Errorf("loading config from environment: %w", err)
		}
		return cfg, "(environment)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: supportchat-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  token                  Issue an operator token")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  ready                  Check gateway readiness")
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
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
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Realtime:  ")
	if cfg.Realtime.RedisURL != "" {
		cyan.Println("redis")
	} else {
		fmt.Println("in-process")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! operator API disabled (auth.jwt_secret not set)")
	}
	if cfg.Auth.ResponderSecret == "" {
		yellow.Println("    ! responder callbacks are unauthenticated")
	}

	fmt.Println()

	logger.Info("starting supportchat-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

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
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output. Derived handlers share mu.
type colorHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
	group string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.group, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	buf.WriteString(color.HiBlackString(" " + key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, group: h.group}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, group: group}
}

func runProbe(ctx context.Context, path string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runToken issues an operator JWT signed with auth.jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	id := fs.String("id", "", "operator id (token subject)")
	email := fs.String("email", "", "operator email")
	role := fs.String("role", string(auth.RoleSupportAgent), "dashboard role")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := fs.Bool("save", false, "write the token to ~/.config/supportchat/token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*id) == "" {
		return fmt.Errorf("--id is required")
	}
	r := auth.Role(*role)
	if !r.Valid() {
		return fmt.Errorf("unknown role %q (want one of: %s, %s, %s, %s, %s)", *role,
			auth.RoleSuperAdmin, auth.RoleKnowledgeManager, auth.RoleChatbotManager, auth.RoleAnalyst, auth.RoleSupportAgent)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(auth.Operator{ID: *id, Email: *email, Role: r}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !*save {
		fmt.Println(token)
		return nil
	}

	tokenPath := filepath.Join(getConfigDir(), "token")
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)
	fmt.Printf("  Operator: %s (%s)\n", *id, r)
	fmt.Printf("  Expires:  %s\n", time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("supportchat-gateway configuration setup")
	fmt.Println("=======================================")
	fmt.Println()

	defaultConfigPath := filepath.Join(getConfigDir(), "gateway.yaml")
	defaultDbPath := filepath.Join(getDataPath(), "supportchat.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	origins := prompt(reader, "Allowed widget origins (comma separated, empty for any)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Automation Engine ---")
	responderURL := prompt(reader, "Responder webhook URL (empty to disable)", "")
	responderSecret, err := randomSecret()
	if err != nil {
		return err
	}

	fmt.Println("\n--- Realtime ---")
	redisURL := prompt(reader, "Redis URL for multi-instance feeds (empty for in-process)", "")

	jwtSecret, err := randomSecret()
	if err != nil {
		return err
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# supportchat-gateway configuration\n")
	cfg.WriteString("# Generated by supportchat-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("  shutdown_timeout: \"10s\"\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString(fmt.Sprintf("  responder_secret: %q\n\n", responderSecret))

	cfg.WriteString("responder:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", responderURL))
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("  callback_ttl: \"10m\"\n\n")

	cfg.WriteString("realtime:\n")
	cfg.WriteString(fmt.Sprintf("  redis_url: %q\n\n", redisURL))

	cfg.WriteString("widget:\n")
	cfg.WriteString("  allowed_origins:\n")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.WriteString(fmt.Sprintf("    - %q\n", o))
		}
	}
	cfg.WriteString("  reply_timeout: \"30s\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  supportchat-gateway serve")
	fmt.Println("  supportchat-gateway token --id you --role \"Super Admin\" --save")

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
