// Package api implements the operator HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rapportbot/rapport/internal/buildinfo"
	"github.com/rapportbot/rapport/internal/profile"
	"github.com/rapportbot/rapport/internal/session"
	"github.com/rapportbot/rapport/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the operator HTTP API server. It exposes read access to
// profiles and history, a message injection endpoint, and session
// statistics.
type Server struct {
	listen   string
	session  *session.Session
	logger   *slog.Logger
	server   *http.Server
	shutdown func()
}

// NewServer creates a server. shutdown is invoked by POST /v1/shutdown
// to stop the whole process gracefully; it may be nil.
func NewServer(listen string, sess *session.Session, shutdown func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		session:  sess,
		shutdown: shutdown,
		logger:   logger.With("component", "api"),
	}
}

// Start runs the server until it is shut down or fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting API server", "listen", s.listen)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/profiles/{userID}", s.handleProfileGet)
	mux.HandleFunc("GET /v1/profiles/{userID}/history", s.handleProfileHistory)

	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Rapport",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// profileView is the wire shape for a profile, with derived fields
// computed server-side.
type profileView struct {
	UserID       string              `json:"user_id"`
	AvgSentiment float64             `json:"avg_sentiment"`
	Observations int64               `json:"observations"`
	TopTopic     string              `json:"top_topic,omitempty"`
	Topics       profile.TopicCounts `json:"topics"`
	Version      int64               `json:"version"`
}

func viewOf(p *profile.Profile) profileView {
	v := profileView{
		UserID:       p.UserID,
		AvgSentiment: p.AvgSentiment(),
		Observations: p.SentimentCount,
		Topics:       p.Topics,
		Version:      p.Version,
	}
	if top, ok := p.TopTopic(); ok {
		v.TopTopic = top
	}
	return v
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	p, err := s.session.GetProfile(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no profile for %s", userID), s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, viewOf(p), s.logger)
}

func (s *Server) handleProfileHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		limit = n
	}

	entries, err := s.session.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"user_id": userID,
		"entries": entries,
	}, s.logger)
}

type messageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleMessage runs the full pipeline for an injected message and
// returns the reply. Useful for exercising the bot without a chat
// surface connection.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required", s.logger)
		return
	}

	reply, err := s.session.Ask(r.Context(), req.UserID, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"user_id": req.UserID,
		"reply":   reply,
	}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.session.Stats(r.Context()), s.logger)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		writeError(w, http.StatusNotImplemented, "shutdown not wired", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "shutting down"}, s.logger)
	go s.shutdown()
}
