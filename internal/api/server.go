// Package api serves the JSON API behind the dashboard: group listing,
// ranked stats and reset, gated by a shared password.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/voicetime/internal/directory"
	"github.com/goodtune/voicetime/internal/stats"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// DefaultDays is the query window used when a request names none
const DefaultDays = 7

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	Password        string
	JWTSecret       string
	TokenExpiration time.Duration
	SecureCookie    bool
	DefaultDays     int
	LoginRateLimit  int
	RateLimitWindow time.Duration
}

// Stats is the read and reset surface the API exposes.
type Stats interface {
	ListGroups(ctx context.Context) []directory.Group
	Query(ctx context.Context, group string, days int) ([]stats.Entry, error)
	Reset(ctx context.Context, group string) error
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// LoginRequest is the body of a login request.
type LoginRequest struct {
	Password string `json:"password"`
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	stats    Stats
	auth     *AuthService
	limiter  *RateLimiter
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc Stats, logger zerolog.Logger) (*Server, error) {
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = DefaultDays
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = 10 // Default: 10 login attempts per minute
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	auth, err := NewAuthService(cfg.Password, cfg.JWTSecret, cfg.TokenExpiration)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		stats:   svc,
		auth:    auth,
		limiter: NewRateLimiter(cfg.LoginRateLimit, cfg.RateLimitWindow),
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	if !auth.Enabled() {
		s.logger.Warn().Msg("No API password configured, authentication is disabled")
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Public routes (no auth required)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/api/auth/login", RateLimitMiddleware(s.limiter)(http.HandlerFunc(s.handleLogin))).Methods("POST")

	// Authenticated routes
	authRouter := s.router.PathPrefix("/api").Subrouter()
	authRouter.Use(AuthMiddleware(s.auth))

	authRouter.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	authRouter.HandleFunc("/groups", s.handleGroups).Methods("GET")
	authRouter.HandleFunc("/groups/{id}/stats", s.handleStats).Methods("GET")
	authRouter.HandleFunc("/groups/{id}/reset", s.handleReset).Methods("POST")
}

// Handler returns the server's routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expires, err := s.auth.Login(req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Failed login attempt")
			writeError(w, http.StatusUnauthorized, "wrong password")
			return
		}
		s.logger.Error().Err(err).Msg("Login error")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.config.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := requestToken(r); ok {
		s.auth.Revoke(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.SecureCookie,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.ListGroups(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["id"]

	days := s.config.DefaultDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	entries, err := s.stats.Query(r.Context(), group, days)
	if err != nil {
		if errors.Is(err, stats.ErrGroupRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("group_id", group).Msg("Stats query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["id"]

	if err := s.stats.Reset(r.Context(), group); err != nil {
		s.logger.Error().Err(err).Str("group_id", group).Msg("Reset failed")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	s.logger.Info().Str("group_id", group).Str("remote_addr", r.RemoteAddr).Msg("Group reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
