package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			max_gateways INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS gateways (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			gateway_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			capabilities TEXT NOT NULL DEFAULT '[]',
			deleted INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_gateway_id ON agents(gateway_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_gateway_name ON agents(gateway_id, name)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			max_agent_depth INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			member_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, member_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_kind TEXT NOT NULL DEFAULT 'agent',
			content TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			depth INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_room_id ON tasks(room_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, max_gateways, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.MaxGateways, user.CreatedAt)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, max_gateways, created_at FROM users WHERE username = ?`, username))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, max_gateways, created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.MaxGateways, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Gateways ---

// ClaimGateway atomically upserts the gateway identity. The update arm only
// fires when the existing row is owned by the same user; a conflicting owner
// leaves zero rows changed and the claim fails.
func (s *SQLiteStore) ClaimGateway(ctx context.Context, gatewayID, userID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gateways (id, user_id, name, online, connected_at, last_seen)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, online = 1, last_seen = excluded.last_seen
		 WHERE gateways.user_id = excluded.user_id`,
		gatewayID, userID, name, time.Now(), time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOwnershipConflict
	}
	return nil
}

func (s *SQLiteStore) SetGatewayOnline(ctx context.Context, gatewayID string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET online = ?, last_seen = ? WHERE id = ?`, online, time.Now(), gatewayID)
	return err
}

// --- Agents ---

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var caps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, gateway_id, name, type, status, capabilities, deleted, last_seen FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.GatewayID, &a.Name, &a.Type, &a.Status, &caps, &a.Deleted, &a.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		a.Capabilities = nil
	}
	return &a, nil
}

// UpsertAgent atomically upserts the agent row. The update arm only fires
// when the row is not flagged deleted and is either owned by the same
// gateway or currently offline (an offline agent may migrate gateways).
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent) error {
	caps, _ := json.Marshal(a.Capabilities)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, gateway_id, name, type, status, capabilities, deleted, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   gateway_id = excluded.gateway_id, name = excluded.name, type = excluded.type,
		   status = excluded.status, capabilities = excluded.capabilities, last_seen = excluded.last_seen
		 WHERE agents.deleted = 0
		   AND (agents.gateway_id = excluded.gateway_id OR agents.status = 'offline')`,
		a.ID, a.GatewayID, a.Name, a.Type, a.Status, string(caps), time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOwnershipConflict
	}
	return nil
}

// RetireAgentsByName marks prior same-name agents on the gateway offline;
// orphan cleanup when an agent re-registers under a fresh ID.
func (s *SQLiteStore) RetireAgentsByName(ctx context.Context, gatewayID, name, exceptID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline' WHERE gateway_id = ? AND name = ? AND id != ?`,
		gatewayID, name, exceptID)
	return err
}

func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

func (s *SQLiteStore) SetAgentsOfflineByGateway(ctx context.Context, gatewayID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline' WHERE gateway_id = ?`, gatewayID)
	return err
}

func (s *SQLiteStore) FlagAgentDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deleted = 1, status = 'offline' WHERE id = ?`, id)
	return err
}

// --- Rooms ---

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, max_agent_depth, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.MaxAgentDepth, room.CreatedAt)
	return err
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_agent_depth, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.MaxAgentDepth, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, max_agent_depth, created_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.MaxAgentDepth, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) AddRoomMember(ctx context.Context, roomID, memberID, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, member_id, kind) VALUES (?, ?, ?)
		 ON CONFLICT(room_id, member_id) DO NOTHING`,
		roomID, memberID, kind)
	return err
}

func (s *SQLiteStore) IsRoomMember(ctx context.Context, roomID, memberID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = ? AND member_id = ?`, roomID, memberID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) ListRoomAgents(ctx context.Context, roomID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.gateway_id, a.name, a.type, a.status, a.capabilities, a.deleted, a.last_seen
		 FROM agents a JOIN room_members m ON m.member_id = a.id
		 WHERE m.room_id = ? AND m.kind = 'agent' AND a.deleted = 0`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var caps string
		if err := rows.Scan(&a.ID, &a.GatewayID, &a.Name, &a.Type, &a.Status, &caps, &a.Deleted, &a.LastSeen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			a.Capabilities = nil
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_kind, content, conversation_id, depth, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderKind, msg.Content, msg.ConversationID, msg.Depth, msg.CreatedAt)
	return err
}

// ListMessages returns up to limit messages after afterID. Message IDs are
// ULIDs, so lexicographic order is creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_kind, content, conversation_id, depth, created_at
		 FROM messages WHERE room_id = ? AND id > ? ORDER BY id LIMIT ?`,
		roomID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderKind, &m.Content, &m.ConversationID, &m.Depth, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, room_id, agent_id, status, result, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RoomID, task.AgentID, task.Status, task.Result, task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, agent_id, status, result, created_at, updated_at FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.RoomID, &t.AgentID, &t.Status, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasksByRoom(ctx context.Context, roomID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, agent_id, status, result, created_at, updated_at
		 FROM tasks WHERE room_id = ? ORDER BY created_at`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.RoomID, &t.AgentID, &t.Status, &t.Result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskLocked applies a task update inside a write transaction. SQLite
// serializes writers database-wide, which subsumes the per-row lock the
// Postgres implementation takes.
func (s *SQLiteStore) UpdateTaskLocked(ctx context.Context, taskID, status, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	// Terminal states stay terminal; a late or duplicate update is a no-op.
	if cur == "completed" || cur == "failed" {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		status, result, time.Now(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
