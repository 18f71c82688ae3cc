package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			max_gateways INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS gateways (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL DEFAULT '',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			gateway_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			capabilities TEXT NOT NULL DEFAULT '[]',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_gateway_id ON agents(gateway_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_gateway_name ON agents(gateway_id, name)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			max_agent_depth INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			member_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, max_gateways, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.MaxGateways, user.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, max_gateways, created_at FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, max_gateways, created_at FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
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

func (s *PostgresStore) ClaimGateway(ctx context.Context, gatewayID, userID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gateways (id, user_id, name, online, connected_at, last_seen)
		 VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   name = EXCLUDED.name, online = TRUE, last_seen = NOW()
		 WHERE gateways.user_id = EXCLUDED.user_id`,
		gatewayID, userID, name)
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

func (s *PostgresStore) SetGatewayOnline(ctx context.Context, gatewayID string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET online = $1, last_seen = NOW() WHERE id = $2`, online, gatewayID)
	return err
}

// --- Agents ---

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var caps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, gateway_id, name, type, status, capabilities, deleted, last_seen FROM agents WHERE id = $1`, id).
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

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	caps, _ := json.Marshal(a.Capabilities)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, gateway_id, name, type, status, capabilities, deleted, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   gateway_id = EXCLUDED.gateway_id, name = EXCLUDED.name, type = EXCLUDED.type,
		   status = EXCLUDED.status, capabilities = EXCLUDED.capabilities, last_seen = NOW()
		 WHERE agents.deleted = FALSE
		   AND (agents.gateway_id = EXCLUDED.gateway_id OR agents.status = 'offline')`,
		a.ID, a.GatewayID, a.Name, a.Type, a.Status, string(caps))
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

func (s *PostgresStore) RetireAgentsByName(ctx context.Context, gatewayID, name, exceptID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline' WHERE gateway_id = $1 AND name = $2 AND id != $3`,
		gatewayID, name, exceptID)
	return err
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, last_seen = NOW() WHERE id = $2`, status, id)
	return err
}

func (s *PostgresStore) SetAgentsOfflineByGateway(ctx context.Context, gatewayID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline' WHERE gateway_id = $1`, gatewayID)
	return err
}

func (s *PostgresStore) FlagAgentDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deleted = TRUE, status = 'offline' WHERE id = $1`, id)
	return err
}

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, max_agent_depth, created_at) VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, room.MaxAgentDepth, room.CreatedAt)
	return err
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_agent_depth, created_at FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.MaxAgentDepth, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
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

func (s *PostgresStore) AddRoomMember(ctx context.Context, roomID, memberID, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, member_id, kind) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, member_id) DO NOTHING`,
		roomID, memberID, kind)
	return err
}

func (s *PostgresStore) IsRoomMember(ctx context.Context, roomID, memberID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = $1 AND member_id = $2`, roomID, memberID).Scan(&n)
	return n > 0, err
}

func (s *PostgresStore) ListRoomAgents(ctx context.Context, roomID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.gateway_id, a.name, a.type, a.status, a.capabilities, a.deleted, a.last_seen
		 FROM agents a JOIN room_members m ON m.member_id = a.id
		 WHERE m.room_id = $1 AND m.kind = 'agent' AND a.deleted = FALSE`, roomID)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_kind, content, conversation_id, depth, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderKind, msg.Content, msg.ConversationID, msg.Depth, msg.CreatedAt)
	return err
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_kind, content, conversation_id, depth, created_at
		 FROM messages WHERE room_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
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

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, room_id, agent_id, status, result, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.RoomID, task.AgentID, task.Status, task.Result, task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, agent_id, status, result, created_at, updated_at FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.RoomID, &t.AgentID, &t.Status, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTasksByRoom(ctx context.Context, roomID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, agent_id, status, result, created_at, updated_at
		 FROM tasks WHERE room_id = $1 ORDER BY created_at`, roomID)
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

// UpdateTaskLocked applies a task update inside a transaction holding a
// row-level lock, so two concurrent handlers cannot double-apply an effect.
func (s *PostgresStore) UpdateTaskLocked(ctx context.Context, taskID, status, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur == "completed" || cur == "failed" {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, result = $2, updated_at = NOW() WHERE id = $3`,
		status, result, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
