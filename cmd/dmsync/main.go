// ABOUTME: Entry point for the dmsync direct-messaging sync server
// ABOUTME: Provides serve, init, register, token, and health commands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
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
	"github.com/google/uuid"

	"github.com/quiltchat/dmsync/internal/auth"
	"github.com/quiltchat/dmsync/internal/blob"
	"github.com/quiltchat/dmsync/internal/composer"
	"github.com/quiltchat/dmsync/internal/config"
	"github.com/quiltchat/dmsync/internal/directory"
	"github.com/quiltchat/dmsync/internal/receipt"
	"github.com/quiltchat/dmsync/internal/server"
	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _
  __| |_ __ ___  _   _ _ __   ___
 / _' | '_ ' _ \| | | | '_ \ / __|
| (_| | | | | | | |_| | | | | (__
 \__,_|_| |_| |_|\__, |_| |_|\___|
                 |___/
`

// getConfigPath returns the path to the dmsync config file.
// Priority: DMSYNC_CONFIG env var > XDG_CONFIG_HOME/dmsync/config.yaml > ~/.config/dmsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DMSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dmsync", "config.yaml")
}

// getDataPath returns the path to the dmsync data directory.
// Priority: XDG_DATA_HOME/dmsync > ~/.local/share/dmsync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "dmsync")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dmsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the sync server")
		fmt.Println("  init                         Create a config file with a fresh JWT secret")
		fmt.Println("  register --username NAME     Register a user and print their id")
		fmt.Println("  token --user ID              Generate a session token for a user")
		fmt.Println("  health                       Check server health")
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
	case "register":
		err = runRegister(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Blobs:    %s\n", cfg.Blobs.Dir)
	fmt.Println()

	logger.Info("starting dmsync",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer sqlStore.Close()

	uploads, err := blob.NewDiskStore(cfg.Blobs.Dir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	stagingDir, err := prepareStagingDir(cfg.Blobs.Dir)
	if err != nil {
		return fmt.Errorf("preparing staging directory: %w", err)
	}

	broadcaster := stream.NewBroadcaster(logger)
	defer broadcaster.Close()

	srv, err := server.New(server.Config{
		Addr:         cfg.Server.HTTPAddr,
		Store:        sqlStore,
		Directory:    directory.New(sqlStore, logger),
		Stream:       stream.New(sqlStore, broadcaster, logger),
		Tracker:      receipt.New(sqlStore, broadcaster, cfg.Receipts.Window, logger),
		Composer:     composer.New(sqlStore, uploads, broadcaster, logger),
		Verifier:     auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		Blobs:        uploads,
		StagingDir:   stagingDir,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// prepareStagingDir creates the attachment staging directory under the
// blob root and sweeps staged files left over from a previous run. Staged
// blobs are only meaningful to live connections, so anything left behind
// is garbage.
func prepareStagingDir(blobDir string) (string, error) {
	stagingDir := filepath.Join(blobDir, "staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		_ = os.Remove(filepath.Join(stagingDir, entry.Name()))
	}
	return stagingDir, nil
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if _, err := os.Stat(configPath); err == nil {
		cyan.Printf("  Config already exists: %s\n", configPath)
		return nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# dmsync configuration
# Generated by dmsync init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

blobs:
  dir: "%s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "dmsync.db"), filepath.Join(dataPath, "blobs"), jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	return nil
}

func runRegister(ctx context.Context) error {
	var username, firstName, lastName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--username" && i+1 < len(args):
			username = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--username="):
			username = strings.TrimPrefix(args[i], "--username=")
		case args[i] == "--first" && i+1 < len(args):
			firstName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--first="):
			firstName = strings.TrimPrefix(args[i], "--first=")
		case args[i] == "--last" && i+1 < len(args):
			lastName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--last="):
			lastName = strings.TrimPrefix(args[i], "--last=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("--username flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	user := &store.UserProfile{
		ID:        uuid.New().String(),
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PutUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Registered %s\n", username)
	fmt.Println(user.ID)
	return nil
}

func runToken() error {
	var userID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--user="):
			userID = strings.TrimPrefix(args[i], "--user=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, 30*24*time.Hour)
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

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
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
