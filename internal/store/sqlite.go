// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that lexical order of stored timestamps
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older builds used second precision
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer connection. Read-then-write transactions would otherwise
	// race to upgrade their locks, and every pooled connection to :memory:
	// would get its own database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id            TEXT PRIMARY KEY,
			chatbot_id    TEXT NOT NULL,
			visitor_id    TEXT NOT NULL,
			platform      TEXT NOT NULL DEFAULT 'web',
			status        TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('active', 'completed', 'abandoned'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_visitor_status
			ON chat_sessions(visitor_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_chatbot
			ON chat_sessions(chatbot_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated
			ON chat_sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON chat_messages(session_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON chat_messages(created_at);

		-- Private context window of the automation engine, keyed by session id
		CREATE TABLE IF NOT EXISTS automation_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_session
			ON automation_history(session_id, id);

		-- Sessions reference chatbots by id without a foreign key so that
		-- deleting a bot keeps its transcripts.
		CREATE TABLE IF NOT EXISTS chatbots (
			id                      TEXT PRIMARY KEY,
			name                    TEXT NOT NULL,
			description             TEXT NOT NULL DEFAULT '',
			knowledge_base_ids_json TEXT NOT NULL DEFAULT '[]',
			webhook_url             TEXT NOT NULL,
			config_json             TEXT NOT NULL DEFAULT '{}',
			is_active               INTEGER NOT NULL DEFAULT 1,
			owner_id                TEXT NOT NULL DEFAULT '',
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chatbots_created
			ON chatbots(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateSession inserts a new session row.
// Returns ErrDuplicateSession if a session with the same ID exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Platform == "" {
		session.Platform = PlatformWeb
	}

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, chatbot_id, visitor_id, platform, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.ChatbotID,
		session.VisitorID,
		session.Platform,
		string(session.Status),
		string(metadata),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "visitor_id", session.VisitorID)
	return nil
}

const sessionColumns = `id, chatbot_id, visitor_id, platform, status, metadata_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, metadata, createdAt, updatedAt string

	if err := row.Scan(
		&sess.ID,
		&sess.ChatbotID,
		&sess.VisitorID,
		&sess.Platform,
		&status,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}

	var err error
	sess.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies a patch inside a transaction so the metadata merge
// sees the latest stored value.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.Metadata != nil {
		sess.Metadata = sess.Metadata.Merge(*patch.Metadata)
	}
	sess.UpdatedAt = patch.UpdatedAt
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding session metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`, string(sess.Status), string(metadata), formatTime(sess.UpdatedAt), id); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session update: %w", err)
	}

	s.logger.Debug("updated session", "id", id, "status", sess.Status)
	return sess, nil
}

// ListSessions returns sessions matching the filter, most recently updated first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var conds []string
	var args []any
	if filter.VisitorID != "" {
		conds = append(conds, "visitor_id = ?")
		args = append(args, filter.VisitorID)
	}
	if filter.ChatbotID != "" {
		conds = append(conds, "chatbot_id = ?")
		args = append(args, filter.ChatbotID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// InsertMessage saves a message, assigning its ID and timestamp when absent.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	metadata, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		stored.ID,
		stored.SessionID,
		string(stored.Role),
		stored.Content,
		string(metadata),
		formatTime(stored.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("session %s: %w", stored.SessionID, ErrNotFound)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("message %s: %w", stored.ID, ErrDuplicateMessage)
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", stored.ID, "session_id", stored.SessionID, "role", stored.Role)
	return &stored, nil
}

// ListMessages retrieves messages for a session in chronological order.
// If limit > 0, only the most recent `limit` messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Take the N most recent, then return them oldest first
		query = `
			SELECT id, session_id, role, content, metadata_json, created_at
			FROM (
				SELECT id, session_id, role, content, metadata_json, created_at
				FROM chat_messages
				WHERE session_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, session_id, role, content, metadata_json, created_at
			FROM chat_messages
			WHERE session_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, metadata, createdAt string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = Role(role)
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding message metadata: %w", err)
		}
		msg.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// AppendHistory records a turn in the automation engine's context window.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_history (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.SessionID, string(entry.Role), entry.Content, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// ListHistory returns a session's context window oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, sessionID string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at
		FROM automation_history
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var role, createdAt string
		if err := rows.Scan(&e.SessionID, &role, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Role = Role(role)
		e.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing history created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeHistory deletes a session's context window. Purging an empty
// history is not an error.
func (s *SQLiteStore) PurgeHistory(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM automation_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("purging history: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("purged automation history", "session_id", sessionID, "entries", n)
	}
	return nil
}

// CountSessions counts sessions with the given status, or all sessions if
// status is empty.
func (s *SQLiteStore) CountSessions(ctx context.Context, status SessionStatus) (int, error) {
	var count int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE status = ?`, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}

// CountMessagesSince counts messages created at or after since.
func (s *SQLiteStore) CountMessagesSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE created_at >= ?`, formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
