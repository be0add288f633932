package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriver = "sqlite"
	sqliteDSNOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
)

// SQLite implements the Store interface on a SQLite database. Messages reference their session with
// ON DELETE CASCADE, and keep an autoincrement sequence that breaks ties between equal timestamps.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates the schema.
func NewSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create dir: %w", err)
	}
	db, err := sql.Open(sqliteDriver, path+sqliteDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Session returns the session with the given id, or models.ErrNotFound.
func (s *SQLite) Session(ctx context.Context, id string) (models.Session, error) {
	return s.session(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) session(ctx context.Context, q queryRower, id string) (models.Session, error) {
	const query = `SELECT id, name, created_at, updated_at FROM sessions WHERE id = ?`
	var (
		session            models.Session
		createdAt, updated int64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&session.ID, &session.Name, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("sqlite store: get session: %w", err)
	}
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updated)
	return session, nil
}

// Sessions returns all sessions, most recently updated first.
func (s *SQLite) Sessions(ctx context.Context) ([]models.Session, error) {
	const query = `SELECT id, name, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			session            models.Session
			createdAt, updated int64
		)
		if err := rows.Scan(&session.ID, &session.Name, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		session.CreatedAt = fromNanos(createdAt)
		session.UpdatedAt = fromNanos(updated)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AddSession inserts a new session. It returns models.ErrExists if the id is taken.
func (s *SQLite) AddSession(ctx context.Context, session models.Session) (models.Session, error) {
	session.Touch(session.UpdatedAt)
	const query = `INSERT INTO sessions (id, name, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		session.ID, session.Name, session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if err != nil {
		return models.Session{}, fmt.Errorf("sqlite store: add session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Session{}, fmt.Errorf("sqlite store: add session: %w", err)
	}
	if n == 0 {
		return models.Session{}, models.ErrExists
	}
	return session, nil
}

// UpdateSession renames a session and moves its update time forward. The creation time is kept.
func (s *SQLite) UpdateSession(ctx context.Context, session models.Session) error {
	const query = `
UPDATE sessions SET
	name = ?,
	updated_at = MAX(updated_at, created_at, ?)
WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, session.Name, session.UpdatedAt.UnixNano(), session.ID)
	if err != nil {
		return fmt.Errorf("sqlite store: update session: %w", err)
	}
	return requireAffected(res)
}

// DeleteSession removes a session, its messages go with it through the foreign key cascade.
func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete session: %w", err)
	}
	return requireAffected(res)
}

// Messages returns the session's messages, oldest first.
func (s *SQLite) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	const query = `
SELECT id, session_id, role, content, status, created_at
FROM messages
WHERE session_id = ?
ORDER BY created_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg        models.Message
			role, stat string
			createdAt  int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &stat, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Status = models.Status(stat)
		msg.CreatedAt = fromNanos(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddMessage inserts a message and moves the session's update time forward in one transaction.
func (s *SQLite) AddMessage(ctx context.Context, sessionID string, message models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.session(ctx, tx, sessionID); err != nil {
		return err
	}

	const insert = `
INSERT INTO messages (id, session_id, role, content, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	ts := message.CreatedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, insert,
		message.ID, sessionID, string(message.Role), message.Content, string(message.Status), ts,
	); err != nil {
		return fmt.Errorf("sqlite store: add message: %w", err)
	}

	const touch = `UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`
	if _, err := tx.ExecContext(ctx, touch, ts, sessionID); err != nil {
		return fmt.Errorf("sqlite store: touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// ClearMessages removes all messages of a session and keeps the session itself.
func (s *SQLite) ClearMessages(ctx context.Context, sessionID string) error {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite store: clear messages: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store: rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
