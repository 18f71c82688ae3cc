// Package store defines the persistence boundary for the server and provides
// SQLite and PostgreSQL implementations, plus the Redis-backed shared store
// used by the loop detector, rate limiter, and token revocation.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOwnershipConflict means a conditional upsert found the row claimed
	// by a different owner.
	ErrOwnershipConflict = errors.New("ownership conflict")
)

// Store is the relational persistence interface consumed by the gateway
// layer. Implementations must make ClaimGateway and UpsertAgent single
// conditional writes, and UpdateTaskLocked a transaction holding a row-level
// lock on the task, so concurrent handlers cannot double-apply an effect.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Gateways
	ClaimGateway(ctx context.Context, gatewayID, userID, name string) error
	SetGatewayOnline(ctx context.Context, gatewayID string, online bool) error

	// Agents
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpsertAgent(ctx context.Context, a *Agent) error
	RetireAgentsByName(ctx context.Context, gatewayID, name, exceptID string) error
	SetAgentStatus(ctx context.Context, id, status string) error
	SetAgentsOfflineByGateway(ctx context.Context, gatewayID string) error
	FlagAgentDeleted(ctx context.Context, id string) error

	// Rooms
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	AddRoomMember(ctx context.Context, roomID, memberID, kind string) error
	IsRoomMember(ctx context.Context, roomID, memberID string) (bool, error)
	ListRoomAgents(ctx context.Context, roomID string) ([]Agent, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, roomID, afterID string, limit int) ([]Message, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByRoom(ctx context.Context, roomID string) ([]Task, error)
	UpdateTaskLocked(ctx context.Context, taskID, status, result string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SharedStore is the distributed store shared across server processes.
// Callers apply their own policy on failure: the rate limiter fails open,
// the loop detector falls back to its local cache.
type SharedStore interface {
	AddToSet(ctx context.Context, key, member string) error
	IsMember(ctx context.Context, key, member string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Token revocation: tokens for subject issued at or before the recorded
	// cutoff are dead. A zero cutoff means nothing is revoked.
	RevokeTokens(ctx context.Context, subject string, at time.Time) error
	RevokedAfter(ctx context.Context, subject string) (time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// User is a server account. MaxGateways, when non-zero, overrides the
// configured per-user gateway cap.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	MaxGateways  int       `json:"max_gateways,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Agent is a tool-executing identity served by a gateway. Liveness is
// authoritative only while a connection holds the agent; the row persists
// identity across reconnects.
type Agent struct {
	ID           string    `json:"id"`
	GatewayID    string    `json:"gateway_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Status       string    `json:"status"` // "online", "offline", "busy", "error"
	Capabilities []string  `json:"capabilities,omitempty"`
	Deleted      bool      `json:"deleted"`
	LastSeen     time.Time `json:"last_seen"`
}

// Room is a chat room. MaxAgentDepth, when non-zero, lowers (never raises)
// the global agent-routing depth ceiling for this room.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MaxAgentDepth int       `json:"max_agent_depth,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is a persisted room message.
type Message struct {
	ID             string    `json:"id"` // ULID, sortable
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	SenderKind     string    `json:"sender_kind"` // "user" or "agent"
	Content        string    `json:"content"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Depth          int       `json:"depth,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task is a unit of work assigned to an agent in a room.
type Task struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"` // "pending", "running", "completed", "failed"
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
