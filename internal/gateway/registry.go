// Package gateway implements the real-time gateway protocol: the connection
// registry, frame dispatch, stream accounting, agent-to-agent routing with
// loop detection, and the permission approval workflow.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/pkg/protocol"
)

// ErrLimitExceeded means an admission check rejected a new connection.
// Existing connections are never evicted to make room.
var ErrLimitExceeded = errors.New("connection limit exceeded")

// ErrGatewayConflict means the gateway ID is live under a different user.
// The existing connection is left untouched; the new one is rejected.
var ErrGatewayConflict = errors.New("gateway ID connected under another user")

// wsConn is the slice of *websocket.Conn the registry writes to. Tests plug
// in fakes.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// GatewayConn is one authenticated gateway connection and the agents it
// currently serves. The agents map is guarded by the registry lock; the conn
// mutex only serializes socket writes.
type GatewayConn struct {
	userID    string
	gatewayID string
	createdAt time.Time

	mu   sync.Mutex
	sock wsConn

	agents map[string]int // agent ID -> reported queue depth
}

// NewGatewayConn wraps a socket into an unregistered gateway connection.
func NewGatewayConn(sock wsConn) *GatewayConn {
	return &GatewayConn{
		sock:      sock,
		createdAt: time.Now(),
		agents:    make(map[string]int),
	}
}

// UserID returns the owning user, empty before AddGateway.
func (c *GatewayConn) UserID() string { return c.userID }

// GatewayID returns the claimed gateway identity, empty before AddGateway.
func (c *GatewayConn) GatewayID() string { return c.gatewayID }

func (c *GatewayConn) send(frameType string, payload any) {
	data, err := json.Marshal(protocol.Envelope{
		Type:      frameType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *GatewayConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.Close()
}

// ClientConn is one authenticated client connection and its room
// subscriptions. Rooms are guarded by the registry lock.
type ClientConn struct {
	id       string
	userID   string
	username string
	role     string

	mu          sync.Mutex
	sock        wsConn
	msgTokens   float64
	msgLastTime time.Time

	rooms map[string]struct{}
}

// NewClientConn wraps a socket into a client connection.
func NewClientConn(id, userID, username, role string, sock wsConn) *ClientConn {
	return &ClientConn{
		id:       id,
		userID:   userID,
		username: username,
		role:     role,
		sock:     sock,
		rooms:    make(map[string]struct{}),
	}
}

func (c *ClientConn) send(frameType string, payload any) {
	data, err := json.Marshal(protocol.Envelope{
		Type:      frameType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *ClientConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.Close()
}

// Registry is the authoritative live mapping of connections to their owning
// user, gateway identity, served agents, and room subscriptions. All lookups
// are O(1); broadcast snapshots subscribers under the read lock and sends
// outside it.
type Registry struct {
	logger             *slog.Logger
	maxGatewaysPerUser int
	maxClientsPerUser  int

	mu             sync.RWMutex
	gateways       map[*GatewayConn]struct{}
	byGatewayID    map[string]*GatewayConn
	byAgent        map[string]*GatewayConn
	gatewaysByUser map[string]int
	clients        map[string]*ClientConn
	clientsByUser  map[string]int
	rooms          map[string]map[string]*ClientConn // room ID -> conn ID -> conn
}

// NewRegistry creates an empty registry with per-user admission caps.
func NewRegistry(logger *slog.Logger, maxGatewaysPerUser, maxClientsPerUser int) *Registry {
	return &Registry{
		logger:             logger.With("component", "registry"),
		maxGatewaysPerUser: maxGatewaysPerUser,
		maxClientsPerUser:  maxClientsPerUser,
		gateways:           make(map[*GatewayConn]struct{}),
		byGatewayID:        make(map[string]*GatewayConn),
		byAgent:            make(map[string]*GatewayConn),
		gatewaysByUser:     make(map[string]int),
		clients:            make(map[string]*ClientConn),
		clientsByUser:      make(map[string]int),
		rooms:              make(map[string]map[string]*ClientConn),
	}
}

// AddGateway admits an authenticated gateway connection. maxOverride, when
// non-zero, replaces the configured per-user cap. First come, first served:
// an over-limit connection is rejected, never traded for an existing one.
// A reconnect under the same gateway ID and owner closes the previous
// socket; the same ID live under a different user rejects the newcomer
// without disturbing the existing connection.
func (r *Registry) AddGateway(c *GatewayConn, userID, gatewayID string, maxOverride int) error {
	limit := r.maxGatewaysPerUser
	if maxOverride > 0 {
		limit = maxOverride
	}

	r.mu.Lock()
	prev, reconnect := r.byGatewayID[gatewayID]
	if reconnect && prev.userID != userID {
		r.mu.Unlock()
		r.logger.Warn("gateway ID live under another user, rejecting",
			"gateway_id", gatewayID, "user_id", userID)
		return ErrGatewayConflict
	}
	effective := r.gatewaysByUser[userID]
	if reconnect {
		// Replacing our own connection does not consume a new slot.
		effective--
	}
	if effective >= limit {
		r.mu.Unlock()
		return ErrLimitExceeded
	}

	if reconnect {
		r.logger.Warn("gateway reconnect: closing previous connection", "gateway_id", gatewayID)
		r.removeGatewayLocked(prev)
	}

	c.userID = userID
	c.gatewayID = gatewayID
	r.gateways[c] = struct{}{}
	r.byGatewayID[gatewayID] = c
	r.gatewaysByUser[userID]++
	r.mu.Unlock()

	if reconnect {
		prev.close()
	}
	metrics.GatewaysConnected.Inc()
	return nil
}

// RemoveGateway drops the connection and every agent it served.
func (r *Registry) RemoveGateway(c *GatewayConn) {
	r.mu.Lock()
	_, present := r.gateways[c]
	if present {
		r.removeGatewayLocked(c)
	}
	r.mu.Unlock()
	if present {
		metrics.GatewaysConnected.Dec()
	}
}

func (r *Registry) removeGatewayLocked(c *GatewayConn) {
	delete(r.gateways, c)
	if r.byGatewayID[c.gatewayID] == c {
		delete(r.byGatewayID, c.gatewayID)
	}
	for agentID := range c.agents {
		if r.byAgent[agentID] == c {
			delete(r.byAgent, agentID)
		}
	}
	r.gatewaysByUser[c.userID]--
	if r.gatewaysByUser[c.userID] <= 0 {
		delete(r.gatewaysByUser, c.userID)
	}
}

// RegisterAgent binds an agent to its serving connection. Returns false if
// the connection vanished concurrently, so the caller can revert any status
// it already persisted.
func (r *Registry) RegisterAgent(c *GatewayConn, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[c]; !ok {
		return false
	}
	if prev, ok := r.byAgent[agentID]; ok && prev != c {
		delete(prev.agents, agentID)
	}
	r.byAgent[agentID] = c
	c.agents[agentID] = 0
	return true
}

// UnregisterAgent unbinds an agent wherever it is registered.
func (r *Registry) UnregisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byAgent[agentID]; ok {
		delete(c.agents, agentID)
		delete(r.byAgent, agentID)
	}
}

// GatewayForAgent returns the connection currently serving the agent.
func (r *Registry) GatewayForAgent(agentID string) (*GatewayConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAgent[agentID]
	return c, ok
}

// AgentIDs returns the agents served by the connection.
func (r *Registry) AgentIDs(c *GatewayConn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	return ids
}

// ServesAgent reports whether the connection currently serves the agent.
// The dispatcher uses it as its authorization check.
func (r *Registry) ServesAgent(c *GatewayConn, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAgent[agentID] == c
}

// SetAgentQueueDepth records a gateway-reported backlog for an agent.
func (r *Registry) SetAgentQueueDepth(agentID string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byAgent[agentID]; ok {
		c.agents[agentID] = depth
	}
}

// SendToGateway delivers a frame to the connection serving the agent.
// Fire and forget: an absent agent is a logged no-op, nothing is queued.
func (r *Registry) SendToGateway(agentID, frameType string, payload any) {
	r.mu.RLock()
	c, ok := r.byAgent[agentID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("send to offline agent dropped", "agent_id", agentID, "type", frameType)
		return
	}
	c.send(frameType, payload)
}

// AddClient admits an authenticated client connection, enforcing the
// per-user cap.
func (r *Registry) AddClient(c *ClientConn) error {
	r.mu.Lock()
	if r.clientsByUser[c.userID] >= r.maxClientsPerUser {
		r.mu.Unlock()
		return ErrLimitExceeded
	}
	r.clients[c.id] = c
	r.clientsByUser[c.userID]++
	r.mu.Unlock()
	metrics.ClientsConnected.Inc()
	return nil
}

// RemoveClient drops the connection and all its room subscriptions.
func (r *Registry) RemoveClient(c *ClientConn) {
	r.mu.Lock()
	_, present := r.clients[c.id]
	if present {
		delete(r.clients, c.id)
		r.clientsByUser[c.userID]--
		if r.clientsByUser[c.userID] <= 0 {
			delete(r.clientsByUser, c.userID)
		}
		for roomID := range c.rooms {
			if subs, ok := r.rooms[roomID]; ok {
				delete(subs, c.id)
				if len(subs) == 0 {
					delete(r.rooms, roomID)
				}
			}
		}
	}
	r.mu.Unlock()
	if present {
		metrics.ClientsConnected.Dec()
	}
}

// JoinRoom subscribes the client to a room's broadcasts.
func (r *Registry) JoinRoom(c *ClientConn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; !ok {
		return
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*ClientConn)
	}
	r.rooms[roomID][c.id] = c
	c.rooms[roomID] = struct{}{}
}

// LeaveRoom unsubscribes the client from a room.
func (r *Registry) LeaveRoom(c *ClientConn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.rooms[roomID]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(c.rooms, roomID)
}

// BroadcastToRoom sends a frame to every client subscribed to the room.
// Fan-out is unordered relative to other concurrent broadcasts.
func (r *Registry) BroadcastToRoom(roomID, frameType string, payload any) {
	r.mu.RLock()
	subs := r.rooms[roomID]
	conns := make([]*ClientConn, 0, len(subs))
	for _, c := range subs {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.send(frameType, payload)
	}
	metrics.RoomBroadcasts.Inc()
}

// IsUserOnline reports whether the user has any live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clientsByUser[userID] > 0 || r.gatewaysByUser[userID] > 0
}

// DisconnectUser force-closes every connection owned by the user, for
// logout and token revocation. The read loops observe the close and clean
// up through their usual paths.
func (r *Registry) DisconnectUser(userID string) {
	r.mu.RLock()
	var gws []*GatewayConn
	for c := range r.gateways {
		if c.userID == userID {
			gws = append(gws, c)
		}
	}
	var ccs []*ClientConn
	for _, c := range r.clients {
		if c.userID == userID {
			ccs = append(ccs, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range gws {
		c.close()
	}
	for _, c := range ccs {
		c.close()
	}
	if len(gws)+len(ccs) > 0 {
		r.logger.Info("disconnected user", "user_id", userID, "gateways", len(gws), "clients", len(ccs))
	}
}
