// ABOUTME: HTTP and WebSocket server exposing the sync core to clients
// ABOUTME: Handles JWT auth, REST endpoints, attachment staging, and live conversation sockets

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quiltchat/dmsync/internal/auth"
	"github.com/quiltchat/dmsync/internal/composer"
	"github.com/quiltchat/dmsync/internal/dedupe"
	"github.com/quiltchat/dmsync/internal/directory"
	"github.com/quiltchat/dmsync/internal/receipt"
	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"

	"log/slog"
)

const sendDedupeTTL = 10 * time.Minute

// BlobOpener reads previously uploaded attachment blobs for serving.
type BlobOpener interface {
	Open(ref string) (io.ReadCloser, error)
}

// Config carries the dependencies and settings for a Server.
type Config struct {
	Addr       string
	Store      store.Store
	Directory  *directory.Directory
	Stream     *stream.Stream
	Tracker    *receipt.Tracker
	Composer   *composer.Composer
	Verifier   auth.TokenVerifier
	Blobs      BlobOpener
	StagingDir string

	// WriteTimeout bounds individual websocket writes. Zero means default.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is the client-facing edge of dmsync. REST endpoints cover the
// contact directory and attachment staging; the websocket endpoint carries
// one open conversation per connection.
type Server struct {
	store      store.Store
	directory  *directory.Directory
	stream     *stream.Stream
	tracker    *receipt.Tracker
	composer   *composer.Composer
	verifier   auth.TokenVerifier
	blobs      BlobOpener
	stagingDir string
	sendKeys   *dedupe.Cache
	logger     *slog.Logger

	writeTimeout time.Duration
	httpServer   *http.Server
}

// New creates a server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	s := &Server{
		store:        cfg.Store,
		directory:    cfg.Directory,
		stream:       cfg.Stream,
		tracker:      cfg.Tracker,
		composer:     cfg.Composer,
		verifier:     cfg.Verifier,
		blobs:        cfg.Blobs,
		stagingDir:   cfg.StagingDir,
		sendKeys:     dedupe.New(sendDedupeTTL, 4096),
		logger:       logger.With("component", "server"),
		writeTimeout: writeTimeout,
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", s.handleHealth)

	// API endpoints - bearer token required
	mux.Handle("/api/contacts", s.authMiddleware(http.HandlerFunc(s.handleListContacts)))
	mux.Handle("/api/conversations", s.authMiddleware(http.HandlerFunc(s.handleListConversations)))
	mux.Handle("/api/attachments", s.authMiddleware(http.HandlerFunc(s.handleStageAttachment)))
	mux.Handle("/api/blobs/", s.authMiddleware(http.HandlerFunc(s.handleGetBlob)))
	mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWebSocket)))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	s.sendKeys.Close()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contextKey string

const userIDKey contextKey = "user_id"

// userIDFromContext returns the authenticated user id set by authMiddleware.
func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// authMiddleware extracts and validates the JWT, then adds the user id to
// the request context. Websocket clients cannot set headers, so the token
// is also accepted as a query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			var errMsg string
			token, errMsg = extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				s.writeError(w, http.StatusUnauthorized, errMsg)
				return
			}
		}

		userID, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
