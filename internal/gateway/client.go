package gateway

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

// HandleClientWS handles WebSocket connections from UI clients.
//
// Security note: JWT in query parameter is required for WebSocket
// connections since browsers cannot set custom headers during the
// handshake. Ensure server access logs are configured to exclude query
// parameters to prevent token leakage.
func (d *Dispatcher) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := d.auth.Verify(tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	revoked, err := d.auth.IsRevoked(req.Context(), identity.UserID, identity.IssuedAt)
	if err != nil || revoked {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := d.upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(int64(d.limits.MaxFrameBytes))

	cc := NewClientConn(uuid.New().String(), identity.UserID, identity.Username, identity.Role, conn)
	if err := d.registry.AddClient(cc); err != nil {
		d.logger.Warn("too many client connections", "user", identity.Username)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	d.logger.Info("client connected", "user", identity.Username, "conn_id", cc.id)

	defer func() {
		d.registry.RemoveClient(cc)
		d.logger.Info("client disconnected", "user", identity.Username, "conn_id", cc.id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			d.logger.Debug("client read error", "conn_id", cc.id, "error", err)
			return
		}
		if !cc.allowMessage() {
			d.logger.Debug("client message rate limited", "conn_id", cc.id)
			continue
		}
		d.handleClientFrame(cc, raw)
	}
}

func (d *Dispatcher) handleClientFrame(cc *ClientConn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling client frame",
				"conn_id", cc.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	frame, err := protocol.ParseClientFrame(raw, d.limits)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrFieldTooLarge):
			reason = "oversized"
		case errors.Is(err, protocol.ErrUnknownType):
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		cc.send(protocol.TypeServerError, protocol.ErrorFrame{Code: reason, Message: err.Error()})
		return
	}
	metrics.FramesReceived.WithLabelValues(clientFrameType(frame)).Inc()

	ctx := context.Background()
	switch f := frame.(type) {
	case protocol.ClientJoinRoom:
		if !d.authorizeRoom(ctx, cc, f.RoomID) {
			return
		}
		d.registry.JoinRoom(cc, f.RoomID)

	case protocol.ClientLeaveRoom:
		d.registry.LeaveRoom(cc, f.RoomID)

	case protocol.ClientSendMessage:
		if !d.authorizeRoom(ctx, cc, f.RoomID) {
			return
		}
		if err := d.router.RouteUserMessage(ctx, cc.userID, cc.username, f); err != nil {
			d.logger.Error("route user message", "room_id", f.RoomID, "error", err)
			cc.send(protocol.TypeServerError, protocol.ErrorFrame{
				Code: "routing_failed", Message: "message could not be delivered",
			})
		}

	case protocol.ClientPermissionDecision:
		roomID, ok := d.broker.Lookup(f.RequestID)
		if !ok {
			// Already resolved or never existed; the decision is moot.
			return
		}
		if !d.authorizeRoom(ctx, cc, roomID) {
			return
		}
		d.broker.Resolve(f.RequestID, f.Approved)

	case protocol.ClientPing:
		cc.send(protocol.TypeServerPong, nil)

	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// authorizeRoom allows room members and admins. Anything else is logged
// and dropped with no response frame.
func (d *Dispatcher) authorizeRoom(ctx context.Context, cc *ClientConn, roomID string) bool {
	if cc.role == "admin" {
		return true
	}
	member, err := d.store.IsRoomMember(ctx, roomID, cc.userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("room membership check", "room_id", roomID, "error", err)
		}
		return false
	}
	if !member {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		d.logger.Warn("client frame for room it is not a member of",
			"conn_id", cc.id, "room_id", roomID)
		return false
	}
	return true
}

func clientFrameType(f protocol.ClientFrame) string {
	switch f.(type) {
	case protocol.ClientJoinRoom:
		return protocol.TypeClientJoinRoom
	case protocol.ClientLeaveRoom:
		return protocol.TypeClientLeaveRoom
	case protocol.ClientSendMessage:
		return protocol.TypeClientSendMessage
	case protocol.ClientPermissionDecision:
		return protocol.TypeClientPermissionDecision
	case protocol.ClientPing:
		return protocol.TypeClientPing
	default:
		return "unknown"
	}
}

// allowMessage is a per-connection token bucket keeping one noisy client
// from starving the read loop for everyone sharing its user account.
func (cc *ClientConn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.msgLastTime.IsZero() {
		cc.msgTokens = burst
		cc.msgLastTime = now
	}

	elapsed := now.Sub(cc.msgLastTime).Seconds()
	cc.msgTokens += elapsed * rate
	if cc.msgTokens > burst {
		cc.msgTokens = burst
	}
	cc.msgLastTime = now

	if cc.msgTokens < 1 {
		return false
	}
	cc.msgTokens--
	return true
}
