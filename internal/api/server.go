// Package api provides the HTTP surface of the server: health and metrics
// endpoints, the auth and room REST API, and the WebSocket mount points.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NoPKT/agentim/internal/auth"
	"github.com/NoPKT/agentim/internal/config"
	"github.com/NoPKT/agentim/internal/gateway"
	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	registry     *gateway.Registry
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, as *auth.Service, reg *gateway.Registry, disp *gateway.Dispatcher, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         as,
		registry:     reg,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	srv.loginRL = newRateLimiter(5, 10)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws/gateway", disp.HandleGatewayWS)
	mux.Get("/ws/client", disp.HandleClientWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(20, 40)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/auth/logout", srv.handleLogout)
		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/rooms", srv.handleListRooms)
		r.Post("/api/rooms", srv.handleCreateRoom)
		r.Post("/api/rooms/{roomID}/members", srv.handleAddRoomMember)
		r.Get("/api/rooms/{roomID}/messages", srv.handleListMessages)
		r.Get("/api/rooms/{roomID}/agents", srv.handleListRoomAgents)
		r.Get("/api/rooms/{roomID}/tasks", srv.handleListTasks)
		r.Post("/api/rooms/{roomID}/tasks", srv.handleCreateTask)
		r.Post("/api/rooms/{roomID}/messages/{messageID}/reactions", srv.handleReaction)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/users", srv.handleCreateUser)
			r.Delete("/api/agents/{agentID}", srv.handleDeleteAgent)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Info("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleLogout revokes every token issued to the user and drops their live
// connections. Without a shared store the revocation is a no-op, so only
// the disconnect takes effect.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.auth.Revoke(r.Context(), identity.UserID); err != nil {
		s.logger.Error("token revocation failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "logout unavailable")
		return
	}
	s.registry.DisconnectUser(identity.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Room handlers ---

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name          string `json:"name"`
		MaxAgentDepth int    `json:"max_agent_depth,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	room := &store.Room{
		ID:            uuid.New().String(),
		Name:          req.Name,
		MaxAgentDepth: req.MaxAgentDepth,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	if err := s.store.AddRoomMember(r.Context(), room.ID, identity.UserID, "user"); err != nil {
		s.logger.Warn("add room creator", "room_id", room.ID, "error", err)
	}

	s.registry.BroadcastToRoom(room.ID, protocol.TypeServerRoomUpdate, protocol.RoomUpdate{
		RoomID: room.ID, Event: "created",
	})
	writeJSON(w, http.StatusCreated, room)
}

// roomMemberOrAdmin allows members and admins; everyone else gets 403.
func (s *Server) roomMemberOrAdmin(w http.ResponseWriter, r *http.Request, roomID string) bool {
	identity := getIdentityFromContext(r.Context())
	if identity.Role == "admin" {
		return true
	}
	member, err := s.store.IsRoomMember(r.Context(), roomID, identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return false
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this room")
		return false
	}
	return true
}

func (s *Server) handleAddRoomMember(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	roomID := chi.URLParam(r, "roomID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}

	var req struct {
		MemberID string `json:"member_id"`
		Kind     string `json:"kind"` // "user" or "agent"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind != "user" && req.Kind != "agent" {
		writeError(w, http.StatusBadRequest, "kind must be \"user\" or \"agent\"")
		return
	}

	if _, err := s.store.GetRoom(r.Context(), roomID); err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err := s.store.AddRoomMember(r.Context(), roomID, req.MemberID, req.Kind); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	s.registry.BroadcastToRoom(roomID, protocol.TypeServerRoomUpdate, protocol.RoomUpdate{
		RoomID: roomID, Event: "member_added",
		Detail: map[string]string{"member_id": req.MemberID, "kind": req.Kind},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}

	afterID := r.URL.Query().Get("after")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.store.ListMessages(r.Context(), roomID, afterID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListRoomAgents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}

	agents, err := s.store.ListRoomAgents(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	// Liveness is authoritative only in the registry; the status column
	// can lag a crashed gateway.
	type agentResponse struct {
		store.Agent
		Online bool `json:"online"`
	}
	result := make([]agentResponse, len(agents))
	for i, a := range agents {
		_, online := s.registry.GatewayForAgent(a.ID)
		result[i] = agentResponse{Agent: a, Online: online}
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Task handlers ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}

	tasks, err := s.store.ListTasksByRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	roomID := chi.URLParam(r, "roomID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}

	var req struct {
		AgentID     string `json:"agent_id"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	member, err := s.store.IsRoomMember(r.Context(), roomID, req.AgentID)
	if err != nil || !member {
		writeError(w, http.StatusBadRequest, "agent is not a member of this room")
		return
	}

	task := &store.Task{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		AgentID:   req.AgentID,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	update := protocol.GatewayTaskUpdate{
		TaskID:  task.ID,
		RoomID:  roomID,
		AgentID: req.AgentID,
		Status:  task.Status,
		Result:  req.Description,
	}
	s.registry.SendToGateway(req.AgentID, protocol.TypeServerTaskUpdate, update)
	s.registry.BroadcastToRoom(roomID, protocol.TypeServerTaskUpdate, update)
	writeJSON(w, http.StatusCreated, task)
}

// --- Reaction handlers ---

// handleReaction fans a reaction change out to the room. Reactions are
// ephemeral presence-style state and are not persisted.
func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	roomID := chi.URLParam(r, "roomID")
	messageID := chi.URLParam(r, "messageID")
	if !s.roomMemberOrAdmin(w, r, roomID) {
		return
	}
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Emoji string `json:"emoji"`
		Added bool   `json:"added"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.registry.BroadcastToRoom(roomID, protocol.TypeServerReactionUpdate, protocol.ReactionUpdate{
		RoomID:    roomID,
		MessageID: messageID,
		Emoji:     req.Emoji,
		UserID:    identity.UserID,
		Added:     req.Added,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Admin handlers ---

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		Role        string `json:"role"`
		MaxGateways int    `json:"max_gateways,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.Role != "user" && req.Role != "admin" {
		writeError(w, http.StatusBadRequest, "role must be \"user\" or \"admin\"")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		MaxGateways:  req.MaxGateways,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, http.StatusConflict, "username already exists")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleDeleteAgent flags the agent deleted and evicts it from the live
// registry. The serving gateway is told to drop it; a later registration
// attempt under the same ID is refused.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.store.GetAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if err := s.store.FlagAgentDeleted(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	s.registry.SendToGateway(agentID, protocol.TypeServerAgentDeleted, protocol.AgentDeleted{AgentID: agentID})
	s.registry.UnregisterAgent(agentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
