// Package store persists sessions and messages to a SQLite database,
// following the shape of the teacher's sessions.Store interface while
// backing it with a real table instead of JSONL-on-disk files.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a persisted session row.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
	StatusError  Status = "error"
)

// Role distinguishes who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType distinguishes a conversational message from an attached
// context row; both share the same table and ordering.
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeContext MessageType = "context"
)

// Session is one row of the sessions table.
type Session struct {
	ID            int64
	ReviewID      int64
	ProviderID    string
	ModelID       sql.NullString
	ContextItemID sql.NullInt64
	Status        Status
	AgentHandle   sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one row of the messages table.
type Message struct {
	ID        int64
	SessionID int64
	Role      Role
	Type      MessageType
	Content   string
	CreatedAt time.Time
}

// Store owns the SQLite database and exposes the Session/Message
// persistence operations the Session Manager depends on.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id      INTEGER NOT NULL,
	provider_id    TEXT NOT NULL,
	model_id       TEXT,
	context_item_id INTEGER,
	status         TEXT NOT NULL,
	agent_handle   TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateSession inserts a new row with Status=active and returns its id.
func (s *Store) CreateSession(ctx context.Context, reviewID int64, providerID string, modelID *string, contextItemID *int64) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (review_id, provider_id, model_id, context_item_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reviewID, providerID, nullableString(modelID), nullableInt64(contextItemID), string(StatusActive), now, now)
	if err != nil {
		return 0, fmt.Errorf("store: create session: %w", err)
	}
	return res.LastInsertId()
}

// GetSession loads a session row by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, review_id, provider_id, model_id, context_item_id, status, agent_handle, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListActiveSessions returns every session row currently marked active,
// used at startup to reconcile persisted state against the (empty,
// freshly-started) in-memory live map.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, review_id, provider_id, model_id, context_item_id, status, agent_handle, created_at, updated_at
		 FROM sessions WHERE status = ?`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("store: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessions returns every session row, most recently created first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, review_id, provider_id, model_id, context_item_id, status, agent_handle, created_at, updated_at
		 FROM sessions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a session's status.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

// SetAgentHandle persists the provider-specific resume handle onto a
// session row.
func (s *Store) SetAgentHandle(ctx context.Context, id int64, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set agent handle: %w", err)
	}
	return nil
}

// AppendMessage inserts a single message row and returns its id.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role Role, typ MessageType, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), string(typ), content, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	return res.LastInsertId()
}

// ContextRow is one context row to insert alongside a user message.
type ContextRow struct {
	Content string
}

// AppendUserMessageWithContext atomically inserts N context rows and one
// user/message row in a single transaction, so a partial failure never
// leaves orphan context rows attached to a non-existent message.
func (s *Store) AppendUserMessageWithContext(ctx context.Context, sessionID int64, userContent string, contextRows []ContextRow) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contextRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(RoleUser), string(MessageTypeContext), c.Content, now,
		); err != nil {
			return 0, fmt.Errorf("store: insert context row: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(RoleUser), string(MessageTypeMessage), userContent, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert user message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// LoadMessages returns every message for a session ordered by id
// ascending (insertion order), never timestamp.
func (s *Store) LoadMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, type, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, typ string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &typ, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Role = Role(role)
		m.Type = MessageType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var status string
	if err := row.Scan(&s.ID, &s.ReviewID, &s.ProviderID, &s.ModelID, &s.ContextItemID, &status, &s.AgentHandle, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	s.Status = Status(status)
	return &s, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
