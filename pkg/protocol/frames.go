// Package protocol defines the wire protocol frames exchanged between
// AgentIM components (gateway ↔ server ↔ client) over WebSocket.
//
// All frames are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. The type vocabulary is closed:
// inbound frames parse into one of the per-direction sum types below, and
// anything outside the vocabulary is rejected by the codec.
package protocol

import "time"

// Envelope is the top-level wire format for all frames.
type Envelope struct {
	Type            string    `json:"type"`
	Timestamp       time.Time `json:"ts"`
	ProtocolVersion string    `json:"protocol_version,omitempty"` // advisory only
	Payload         any       `json:"payload,omitempty"`
}

// GatewayFrame is a validated frame received on a gateway connection.
// The set of implementations is closed; the dispatcher switches over it
// exhaustively.
type GatewayFrame interface{ gatewayFrame() }

// ClientFrame is a validated frame received on a client connection.
type ClientFrame interface{ clientFrame() }

// --- Gateway → server frames ---

// GatewayAuth is the first frame a gateway must send after connecting.
type GatewayAuth struct {
	Token           string `json:"token"`
	GatewayID       string `json:"gateway_id"`
	Name            string `json:"name,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// GatewayRegisterAgent announces an agent served by the gateway.
type GatewayRegisterAgent struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	AgentType    string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GatewayUnregisterAgent withdraws an agent from the gateway.
type GatewayUnregisterAgent struct {
	AgentID string `json:"agent_id"`
}

// GatewayMessageChunk carries one fragment of a streamed agent response.
type GatewayMessageChunk struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
}

// GatewayMessageComplete terminates a streamed response with its full content.
type GatewayMessageComplete struct {
	MessageID      string `json:"message_id"`
	RoomID         string `json:"room_id"`
	AgentID        string `json:"agent_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	Depth          int    `json:"depth,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
}

// GatewayAgentStatus reports an agent status change.
type GatewayAgentStatus struct {
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"` // "online", "offline", "busy", "error"
	QueueDepth int    `json:"queue_depth,omitempty"`
}

// GatewayTaskUpdate reports progress on a task assigned to an agent.
type GatewayTaskUpdate struct {
	TaskID  string `json:"task_id"`
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"` // "running", "completed", "failed"
	Result  string `json:"result,omitempty"`
}

// GatewayPermissionRequest asks the room's users to approve a tool use.
type GatewayPermissionRequest struct {
	RequestID      string `json:"request_id"`
	AgentID        string `json:"agent_id"`
	RoomID         string `json:"room_id"`
	Tool           string `json:"tool"`
	Description    string `json:"description,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// GatewayPing is a liveness probe, answered with server:pong.
type GatewayPing struct{}

func (GatewayAuth) gatewayFrame()              {}
func (GatewayRegisterAgent) gatewayFrame()     {}
func (GatewayUnregisterAgent) gatewayFrame()   {}
func (GatewayMessageChunk) gatewayFrame()      {}
func (GatewayMessageComplete) gatewayFrame()   {}
func (GatewayAgentStatus) gatewayFrame()       {}
func (GatewayTaskUpdate) gatewayFrame()        {}
func (GatewayPermissionRequest) gatewayFrame() {}
func (GatewayPing) gatewayFrame()              {}

// --- Client → server frames ---

// ClientJoinRoom subscribes the connection to a room's broadcasts.
type ClientJoinRoom struct {
	RoomID string `json:"room_id"`
}

// ClientLeaveRoom unsubscribes the connection from a room.
type ClientLeaveRoom struct {
	RoomID string `json:"room_id"`
}

// ClientSendMessage posts a user message into a room.
type ClientSendMessage struct {
	MessageID string `json:"message_id,omitempty"` // client-generated, for idempotency
	RoomID    string `json:"room_id"`
	Content   string `json:"content"`
}

// ClientPermissionDecision answers a pending permission request.
type ClientPermissionDecision struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// ClientPing is a liveness probe, answered with server:pong.
type ClientPing struct{}

func (ClientJoinRoom) clientFrame()           {}
func (ClientLeaveRoom) clientFrame()          {}
func (ClientSendMessage) clientFrame()        {}
func (ClientPermissionDecision) clientFrame() {}
func (ClientPing) clientFrame()               {}

// --- Server → gateway/client payloads ---

// AuthOK acknowledges a successful gateway authentication.
type AuthOK struct {
	GatewayID       string `json:"gateway_id"`
	ProtocolVersion string `json:"protocol_version"`
}

// ErrorFrame carries an error to the offending connection.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentRegistered acknowledges an agent registration.
type AgentRegistered struct {
	AgentID string `json:"agent_id"`
}

// AgentDeleted tells a gateway to drop an agent flagged deleted on the server.
type AgentDeleted struct {
	AgentID string `json:"agent_id"`
}

// SendToAgent forwards a routed agent-to-agent message to the target's gateway.
type SendToAgent struct {
	AgentID        string `json:"agent_id"`
	RoomID         string `json:"room_id"`
	ConversationID string `json:"conversation_id"`
	Depth          int    `json:"depth"`
	FromAgentID    string `json:"from_agent_id"`
	FromName       string `json:"from_name,omitempty"`
	Content        string `json:"content"`
}

// PermissionDecision is the terminal answer to a permission request.
// Reason is "approved", "denied", "timeout", or "queue_full".
type PermissionDecision struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
}

// PermissionExpired tells a room that a pending request timed out.
type PermissionExpired struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
}

// RoomUpdate notifies subscribers of a room-level change made elsewhere
// (membership, rename, deletion).
type RoomUpdate struct {
	RoomID string `json:"room_id"`
	Event  string `json:"event"`
	Detail any    `json:"detail,omitempty"`
}

// ReactionUpdate notifies subscribers of a reaction change on a message.
type ReactionUpdate struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Added     bool   `json:"added"`
}

// --- Frame type constants ---

// Version is the advisory protocol version. A mismatch is logged, never
// rejected, so mixed-version rollouts stay possible.
const Version = "1"

const (
	// Gateway → server
	TypeGatewayAuth              = "gateway:auth"
	TypeGatewayRegisterAgent     = "gateway:register_agent"
	TypeGatewayUnregisterAgent   = "gateway:unregister_agent"
	TypeGatewayMessageChunk      = "gateway:message_chunk"
	TypeGatewayMessageComplete   = "gateway:message_complete"
	TypeGatewayAgentStatus       = "gateway:agent_status"
	TypeGatewayTaskUpdate        = "gateway:task_update"
	TypeGatewayPermissionRequest = "gateway:permission_request"
	TypeGatewayPing              = "gateway:ping"

	// Client → server
	TypeClientJoinRoom           = "client:join_room"
	TypeClientLeaveRoom          = "client:leave_room"
	TypeClientSendMessage        = "client:send_message"
	TypeClientPermissionDecision = "client:permission_decision"
	TypeClientPing               = "client:ping"

	// Server → gateway/client
	TypeServerAuthOK             = "server:auth_ok"
	TypeServerError              = "server:error"
	TypeServerPong               = "server:pong"
	TypeServerAgentRegistered    = "server:agent_registered"
	TypeServerAgentDeleted       = "server:agent_deleted"
	TypeServerSendToAgent        = "server:send_to_agent"
	TypeServerMessageChunk       = "server:message_chunk"
	TypeServerMessageComplete    = "server:message_complete"
	TypeServerAgentStatus        = "server:agent_status"
	TypeServerTaskUpdate         = "server:task_update"
	TypeServerPermissionRequest  = "server:permission_request"
	TypeServerPermissionDecision = "server:permission_decision"
	TypeServerPermissionExpired  = "server:permission_expired"
	TypeServerRoomUpdate         = "server:room_update"
	TypeServerReactionUpdate     = "server:reaction_update"
)
