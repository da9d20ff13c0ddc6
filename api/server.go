package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/logger"
	"github.com/wricardo/chessmatch/metrics"
)

// Leadership reports this replica's election state for /health.
type Leadership interface {
	IsLeader() bool
	HolderID() string
}

// Server represents the REST API server
type Server struct {
	matches  service.MatchService
	profiles profile.Store
	auth     *auth.Authenticator
	leader   Leadership
	router   *mux.Router
	logger   zerolog.Logger

	websocket http.Handler
	webhook   http.Handler
	mcp       http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithWebSocket mounts the realtime endpoint at /ws.
func WithWebSocket(h http.Handler) Option { return func(s *Server) { s.websocket = h } }

// WithTelegramWebhook mounts the update endpoint at /webhook/telegram.
func WithTelegramWebhook(h http.Handler) Option { return func(s *Server) { s.webhook = h } }

// WithMCP mounts the streamable HTTP MCP endpoint at /mcp.
func WithMCP(h http.Handler) Option { return func(s *Server) { s.mcp = h } }

func WithLeadership(l Leadership) Option { return func(s *Server) { s.leader = l } }

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a new API server
func NewServer(matches service.MatchService, profiles profile.Store, authenticator *auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		matches:  matches,
		profiles: profiles,
		auth:     authenticator,
		router:   mux.NewRouter(),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(logger.Requests(s.logger))

	api := s.router.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.Handle("/sessions/{id}/join", s.auth.Middleware(http.HandlerFunc(s.handleJoin))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/move", s.auth.Middleware(http.HandlerFunc(s.handleMove))).Methods(http.MethodPost)

	// Profiles
	api.HandleFunc("/profiles/{id}", s.handleGetProfile).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
	if s.webhook != nil {
		s.router.Handle("/webhook/telegram", s.webhook).Methods(http.MethodPost)
	}
	if s.mcp != nil {
		s.router.PathPrefix("/mcp").Handler(s.mcp)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ProfileResponse is returned by GET /api/profiles/{id}.
type ProfileResponse struct {
	Profile       *profile.Profile       `json:"profile"`
	RecentMatches []*profile.MatchRecord `json:"recent_matches"`
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondServiceError maps a coordinator failure onto an HTTP status.
func respondServiceError(w http.ResponseWriter, err error) {
	kind := service.KindOf(err)
	respondJSON(w, statusFor(kind), ErrorResponse{
		Error:  err.Error(),
		Kind:   string(kind),
		Reason: service.ReasonOf(err),
	})
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidState, service.KindConflict:
		return http.StatusConflict
	case service.KindUnauthorized:
		return http.StatusForbidden
	case service.KindIllegalMove:
		return http.StatusUnprocessableEntity
	case service.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Session Handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	sess, err := s.matches.CreateSession(r.Context(), session.Mode(req.Mode))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := s.matches.GetSession(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	identity := auth.FromContext(r.Context())

	sess, err := s.matches.JoinSession(r.Context(), sessionID, identity.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	identity := auth.FromContext(r.Context())

	var req struct {
		Move string `json:"move"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Move == "" {
		respondError(w, http.StatusBadRequest, "move is required")
		return
	}

	sess, err := s.matches.ApplyMove(r.Context(), sessionID, identity.ID, req.Move)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

// Profile Handlers

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["id"]

	limit := profile.DefaultRecentLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	p, err := s.profiles.Get(r.Context(), playerID)
	switch {
	case errors.Is(err, profile.ErrProfileNotFound):
		p = profile.NewProfile(playerID)
	case err != nil:
		s.logger.Error().Err(err).Str("player_id", playerID).Msg("profile lookup failed")
		respondError(w, http.StatusBadGateway, "profile store unavailable")
		return
	}

	recent, err := s.profiles.RecentMatches(r.Context(), playerID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("player_id", playerID).Msg("match history lookup failed")
		respondError(w, http.StatusBadGateway, "profile store unavailable")
		return
	}
	if recent == nil {
		recent = []*profile.MatchRecord{}
	}

	respondJSON(w, http.StatusOK, ProfileResponse{Profile: p, RecentMatches: recent})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"leader": false,
	}
	if s.leader != nil {
		resp["leader"] = s.leader.IsLeader()
		resp["holder_id"] = s.leader.HolderID()
	}
	respondJSON(w, http.StatusOK, resp)
}
