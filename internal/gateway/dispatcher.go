package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NoPKT/agentim/internal/auth"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Dispatcher.
type Options struct {
	AllowedOrigins []string
	Limits         protocol.Limits
	AuthTimeout    time.Duration // how long a gateway may sit unauthenticated
}

// Dispatcher owns the WebSocket endpoints: it authenticates connections,
// runs their read loops, and hands validated frames to the router, stream
// tracker, and permission broker.
type Dispatcher struct {
	store    store.Store
	auth     *auth.Service
	registry *Registry
	streams  *StreamTracker
	router   *Router
	broker   *PermissionBroker
	logger   *slog.Logger

	upgrader    websocket.Upgrader
	limits      protocol.Limits
	authTimeout time.Duration
}

// NewDispatcher wires the WebSocket entry points.
func NewDispatcher(st store.Store, as *auth.Service, reg *Registry, streams *StreamTracker, router *Router, broker *PermissionBroker, logger *slog.Logger, opts Options) *Dispatcher {
	authTimeout := opts.AuthTimeout
	if authTimeout == 0 {
		authTimeout = 10 * time.Second
	}
	return &Dispatcher{
		store:       st,
		auth:        as,
		registry:    reg,
		streams:     streams,
		router:      router,
		broker:      broker,
		logger:      logger.With("component", "dispatcher"),
		upgrader:    makeUpgrader(opts.AllowedOrigins),
		limits:      opts.Limits,
		authTimeout: authTimeout,
	}
}

// HandleGatewayWS handles WebSocket connections from gateways. The first
// frame must be gateway:auth; anything else closes the connection with a
// policy violation before any state is created.
func (d *Dispatcher) HandleGatewayWS(w http.ResponseWriter, req *http.Request) {
	conn, err := d.upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.logger.Warn("gateway websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(int64(d.limits.MaxFrameBytes))

	_ = conn.SetReadDeadline(time.Now().Add(d.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		d.logger.Warn("gateway auth read failed", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, version, err := protocol.ParseGatewayFrame(raw, d.limits)
	if err != nil {
		d.closePolicy(conn, "expected auth frame")
		return
	}
	authFrame, ok := frame.(protocol.GatewayAuth)
	if !ok {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		d.closePolicy(conn, "expected auth frame")
		return
	}
	if version != "" && version != protocol.Version {
		d.logger.Warn("gateway protocol version mismatch",
			"gateway_id", authFrame.GatewayID, "theirs", version, "ours", protocol.Version)
	}

	ctx := req.Context()
	gc := NewGatewayConn(conn)
	identity, err := d.authenticateGateway(ctx, gc, authFrame)
	if err != nil {
		d.closePolicy(conn, err.Error())
		return
	}

	gc.send(protocol.TypeServerAuthOK, protocol.AuthOK{
		GatewayID:       authFrame.GatewayID,
		ProtocolVersion: protocol.Version,
	})
	d.logger.Info("gateway connected",
		"gateway_id", authFrame.GatewayID, "user", identity.Username)

	defer func() {
		bg := context.Background()
		d.registry.RemoveGateway(gc)
		if err := d.store.SetGatewayOnline(bg, authFrame.GatewayID, false); err != nil {
			d.logger.Warn("mark gateway offline", "gateway_id", authFrame.GatewayID, "error", err)
		}
		if err := d.store.SetAgentsOfflineByGateway(bg, authFrame.GatewayID); err != nil {
			d.logger.Warn("mark agents offline", "gateway_id", authFrame.GatewayID, "error", err)
		}
		d.logger.Info("gateway disconnected", "gateway_id", authFrame.GatewayID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			d.logger.Debug("gateway read error", "gateway_id", authFrame.GatewayID, "error", err)
			return
		}
		d.handleGatewayFrame(gc, raw)
	}
}

// authenticateGateway runs the admission sequence: token verification,
// revocation check, per-user cap with the users-row override, registry
// admission, then the gateway identity claim. A claim failure rolls the
// registry admission back, so no half-admitted connection survives.
func (d *Dispatcher) authenticateGateway(ctx context.Context, gc *GatewayConn, af protocol.GatewayAuth) (*auth.Identity, error) {
	identity, err := d.auth.Verify(af.Token)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		return nil, errors.New("invalid credentials")
	}
	revoked, err := d.auth.IsRevoked(ctx, identity.UserID, identity.IssuedAt)
	if err != nil {
		d.logger.Error("revocation check failed", "user_id", identity.UserID, "error", err)
		return nil, errors.New("authentication unavailable")
	}
	if revoked {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		return nil, errors.New("invalid credentials")
	}

	maxOverride := 0
	user, err := d.store.GetUserByID(ctx, identity.UserID)
	switch {
	case err == nil:
		maxOverride = user.MaxGateways
	case errors.Is(err, store.ErrNotFound):
		return nil, errors.New("invalid credentials")
	default:
		d.logger.Error("load user", "user_id", identity.UserID, "error", err)
		return nil, errors.New("authentication unavailable")
	}

	if err := d.registry.AddGateway(gc, identity.UserID, af.GatewayID, maxOverride); err != nil {
		if errors.Is(err, ErrGatewayConflict) {
			return nil, errors.New("gateway id already claimed")
		}
		return nil, errors.New("too many gateway connections")
	}
	if err := d.store.ClaimGateway(ctx, af.GatewayID, identity.UserID, af.Name); err != nil {
		d.registry.RemoveGateway(gc)
		if errors.Is(err, store.ErrOwnershipConflict) {
			d.logger.Warn("gateway id claimed by another user",
				"gateway_id", af.GatewayID, "user_id", identity.UserID)
			return nil, errors.New("gateway id already claimed")
		}
		d.logger.Error("claim gateway", "gateway_id", af.GatewayID, "error", err)
		return nil, errors.New("authentication unavailable")
	}
	return identity, nil
}

// handleGatewayFrame parses and dispatches one frame. A panic in a handler
// kills only the frame, not the connection.
func (d *Dispatcher) handleGatewayFrame(gc *GatewayConn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling gateway frame",
				"gateway_id", gc.GatewayID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	frame, _, err := protocol.ParseGatewayFrame(raw, d.limits)
	if err != nil {
		d.dropFrame(gc, err)
		return
	}
	metrics.FramesReceived.WithLabelValues(gatewayFrameType(frame)).Inc()

	ctx := context.Background()
	switch f := frame.(type) {
	case protocol.GatewayAuth:
		// Already authenticated; a second auth frame is a protocol error.
		gc.send(protocol.TypeServerError, protocol.ErrorFrame{
			Code: "already_authenticated", Message: "connection is already authenticated",
		})

	case protocol.GatewayRegisterAgent:
		d.handleRegisterAgent(ctx, gc, f)

	case protocol.GatewayUnregisterAgent:
		if !d.registry.ServesAgent(gc, f.AgentID) {
			d.denyAgent(gc, f.AgentID)
			return
		}
		d.registry.UnregisterAgent(f.AgentID)
		if err := d.store.SetAgentStatus(ctx, f.AgentID, "offline"); err != nil {
			d.logger.Warn("set agent offline", "agent_id", f.AgentID, "error", err)
		}

	case protocol.GatewayMessageChunk:
		d.handleMessageChunk(ctx, gc, f)

	case protocol.GatewayMessageComplete:
		d.handleMessageComplete(ctx, gc, f)

	case protocol.GatewayAgentStatus:
		if !d.registry.ServesAgent(gc, f.AgentID) {
			d.denyAgent(gc, f.AgentID)
			return
		}
		if err := d.store.SetAgentStatus(ctx, f.AgentID, f.Status); err != nil {
			d.logger.Warn("set agent status", "agent_id", f.AgentID, "error", err)
			return
		}
		d.registry.SetAgentQueueDepth(f.AgentID, f.QueueDepth)

	case protocol.GatewayTaskUpdate:
		d.handleTaskUpdate(ctx, gc, f)

	case protocol.GatewayPermissionRequest:
		if !d.registry.ServesAgent(gc, f.AgentID) {
			d.denyAgent(gc, f.AgentID)
			return
		}
		if !d.agentInRoom(ctx, f.AgentID, f.RoomID) {
			return
		}
		if err := d.broker.Submit(f); err != nil {
			d.logger.Warn("permission request rejected",
				"request_id", f.RequestID, "agent_id", f.AgentID, "error", err)
		}

	case protocol.GatewayPing:
		gc.send(protocol.TypeServerPong, nil)

	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

func (d *Dispatcher) handleRegisterAgent(ctx context.Context, gc *GatewayConn, f protocol.GatewayRegisterAgent) {
	agentID := f.AgentID
	existing, err := d.store.GetAgent(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("load agent", "agent_id", agentID, "error", err)
		gc.send(protocol.TypeServerError, protocol.ErrorFrame{
			Code: "internal", Message: "agent registration failed",
		})
		return
	}
	if existing != nil && existing.Deleted {
		// The server flagged this agent deleted; the gateway must drop it.
		gc.send(protocol.TypeServerAgentDeleted, protocol.AgentDeleted{AgentID: agentID})
		return
	}

	agent := &store.Agent{
		ID:           agentID,
		GatewayID:    gc.GatewayID(),
		Name:         f.Name,
		Type:         f.AgentType,
		Status:       "online",
		Capabilities: f.Capabilities,
		LastSeen:     time.Now().UTC(),
	}
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrOwnershipConflict) {
			gc.send(protocol.TypeServerError, protocol.ErrorFrame{
				Code: "agent_conflict", Message: "agent is served by another gateway",
			})
			return
		}
		d.logger.Error("upsert agent", "agent_id", agentID, "error", err)
		gc.send(protocol.TypeServerError, protocol.ErrorFrame{
			Code: "internal", Message: "agent registration failed",
		})
		return
	}

	// A re-registration under the same name retires stale rows from
	// earlier runs of this gateway.
	if err := d.store.RetireAgentsByName(ctx, gc.GatewayID(), f.Name, agentID); err != nil {
		d.logger.Warn("retire stale agents", "gateway_id", gc.GatewayID(), "name", f.Name, "error", err)
	}

	if !d.registry.RegisterAgent(gc, agentID) {
		// Connection vanished between the upsert and the bind; undo the
		// online status so the row does not claim liveness nothing backs.
		if err := d.store.SetAgentStatus(ctx, agentID, "offline"); err != nil {
			d.logger.Warn("revert agent status", "agent_id", agentID, "error", err)
		}
		return
	}

	gc.send(protocol.TypeServerAgentRegistered, protocol.AgentRegistered{AgentID: agentID})
	d.logger.Info("agent registered",
		"agent_id", agentID, "name", f.Name, "gateway_id", gc.GatewayID())
}

func (d *Dispatcher) handleMessageChunk(ctx context.Context, gc *GatewayConn, f protocol.GatewayMessageChunk) {
	if !d.registry.ServesAgent(gc, f.AgentID) {
		d.denyAgent(gc, f.AgentID)
		return
	}
	if !d.agentInRoom(ctx, f.AgentID, f.RoomID) {
		return
	}
	if err := d.streams.Append(f.MessageID, f.Content); err != nil {
		gc.send(protocol.TypeServerError, protocol.ErrorFrame{
			Code: "stream_too_large", Message: "stream exceeds maximum content size",
		})
		return
	}
	d.registry.BroadcastToRoom(f.RoomID, protocol.TypeServerMessageChunk, f)
}

func (d *Dispatcher) handleMessageComplete(ctx context.Context, gc *GatewayConn, f protocol.GatewayMessageComplete) {
	if !d.registry.ServesAgent(gc, f.AgentID) {
		d.denyAgent(gc, f.AgentID)
		return
	}

	// The complete frame carries the authoritative content; assembled
	// chunks only fill in when the gateway streamed without repeating the
	// full text.
	if assembled, ok := d.streams.Finish(f.MessageID); ok && f.Content == "" {
		f.Content = assembled
	}

	agent, err := d.store.GetAgent(ctx, f.AgentID)
	if err != nil {
		d.logger.Error("load agent", "agent_id", f.AgentID, "error", err)
		return
	}
	if _, err := d.router.RouteAgentCompletion(ctx, agent, f); err != nil {
		if errors.Is(err, ErrNotRoomMember) {
			// Cross-room injection, already logged and counted by the router.
			return
		}
		d.logger.Error("route completion",
			"agent_id", f.AgentID, "room_id", f.RoomID, "error", err)
		gc.send(protocol.TypeServerError, protocol.ErrorFrame{
			Code: "routing_failed", Message: "message could not be delivered",
		})
	}
}

func (d *Dispatcher) handleTaskUpdate(ctx context.Context, gc *GatewayConn, f protocol.GatewayTaskUpdate) {
	if !d.registry.ServesAgent(gc, f.AgentID) {
		d.denyAgent(gc, f.AgentID)
		return
	}
	task, err := d.store.GetTask(ctx, f.TaskID)
	if err != nil {
		d.logger.Warn("load task", "task_id", f.TaskID, "error", err)
		return
	}
	if task.AgentID != f.AgentID {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		d.logger.Warn("task update for another agent's task dropped",
			"task_id", f.TaskID, "agent_id", f.AgentID, "owner", task.AgentID)
		return
	}
	if err := d.store.UpdateTaskLocked(ctx, f.TaskID, f.Status, f.Result); err != nil {
		d.logger.Warn("update task", "task_id", f.TaskID, "error", err)
		return
	}
	d.registry.BroadcastToRoom(task.RoomID, protocol.TypeServerTaskUpdate, f)
}

func gatewayFrameType(f protocol.GatewayFrame) string {
	switch f.(type) {
	case protocol.GatewayAuth:
		return protocol.TypeGatewayAuth
	case protocol.GatewayRegisterAgent:
		return protocol.TypeGatewayRegisterAgent
	case protocol.GatewayUnregisterAgent:
		return protocol.TypeGatewayUnregisterAgent
	case protocol.GatewayMessageChunk:
		return protocol.TypeGatewayMessageChunk
	case protocol.GatewayMessageComplete:
		return protocol.TypeGatewayMessageComplete
	case protocol.GatewayAgentStatus:
		return protocol.TypeGatewayAgentStatus
	case protocol.GatewayTaskUpdate:
		return protocol.TypeGatewayTaskUpdate
	case protocol.GatewayPermissionRequest:
		return protocol.TypeGatewayPermissionRequest
	case protocol.GatewayPing:
		return protocol.TypeGatewayPing
	default:
		return "unknown"
	}
}

// denyAgent drops a frame claiming an agent this connection does not serve.
// Authorization failures get no response, only the log and the counter.
func (d *Dispatcher) denyAgent(gc *GatewayConn, agentID string) {
	metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
	d.logger.Warn("frame for agent not served by connection",
		"gateway_id", gc.GatewayID(), "agent_id", agentID)
}

// agentInRoom guards against cross-room injection: an agent frame
// addressing a room the agent is not a member of is logged and dropped.
func (d *Dispatcher) agentInRoom(ctx context.Context, agentID, roomID string) bool {
	member, err := d.store.IsRoomMember(ctx, roomID, agentID)
	if err != nil {
		d.logger.Error("room membership check", "agent_id", agentID, "room_id", roomID, "error", err)
		return false
	}
	if !member {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		d.logger.Warn("agent frame for room it is not a member of",
			"agent_id", agentID, "room_id", roomID)
	}
	return member
}

func (d *Dispatcher) dropFrame(gc *GatewayConn, err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrFieldTooLarge):
		reason = "oversized"
	case errors.Is(err, protocol.ErrUnknownType):
		reason = "unknown_type"
	}
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	gc.send(protocol.TypeServerError, protocol.ErrorFrame{
		Code: reason, Message: err.Error(),
	})
}

func (d *Dispatcher) closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}
