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
	"time"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return newSQLite(dbPath)
}

func newSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		workspace_dir TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		model_json TEXT,
		editor_id TEXT,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_editor ON sessions(last_active_at) WHERE editor_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func withBusyRetry(ctx context.Context, what string, op func() error) error {
	return shared.DefaultRetry.Do(ctx, what, op)
}

const sessionColumns = `session_id, device_id, workspace_dir, name, status, model_json, editor_id, created_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var modelJSON, editorID sql.NullString
	var createdAt, lastActive int64

	if err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.WorkspaceDir, &sess.Name, &status,
		&modelJSON, &editorID, &createdAt, &lastActive,
	); err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.EditorID = editorID.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActiveAt = time.Unix(lastActive, 0)
	if modelJSON.Valid && modelJSON.String != "" {
		var model domain.ModelConfig
		if err := json.Unmarshal([]byte(modelJSON.String), &model); err != nil {
			return nil, fmt.Errorf("decode model config: %w", err)
		}
		sess.Model = &model
	}
	return &sess, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	modelJSON, err := encodeModel(session.Model)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`

	return withBusyRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.DeviceID, session.WorkspaceDir, session.Name,
			string(session.Status), modelJSON,
			session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns the sessions of a device, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, deviceID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id = ? ORDER BY created_at DESC, session_id`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

// GetIdleEditorSessions returns sessions with an editor whose activity is older than ttl.
func (s *SQLiteStore) GetIdleEditorSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE editor_id IS NOT NULL AND last_active_at < ?`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle editor sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*domain.Session, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionState records the status and model configuration of a session.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sessionID string, status domain.SessionStatus, model *domain.ModelConfig) error {
	modelJSON, err := encodeModel(model)
	if err != nil {
		return err
	}
	query := `
	UPDATE sessions SET status = ?, model_json = COALESCE(?, model_json), last_active_at = ?
	WHERE session_id = ?`

	return withBusyRetry(ctx, "update session state", func() error {
		result, err := s.db.ExecContext(ctx, query, string(status), modelJSON, time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		return expectRow(result, sessionID)
	})
}

// UpdateSessionName sets the display name of a session.
func (s *SQLiteStore) UpdateSessionName(ctx context.Context, sessionID, name string) error {
	return withBusyRetry(ctx, "update session name", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE session_id = ?`, name, sessionID)
		if err != nil {
			return fmt.Errorf("update session name: %w", err)
		}
		return expectRow(result, sessionID)
	})
}

// UpdateEditorID records the editor container bound to a session.
func (s *SQLiteStore) UpdateEditorID(ctx context.Context, sessionID, editorID, expectedID string) error {
	query := `UPDATE sessions SET editor_id = ? WHERE session_id = ?`
	args := []any{nil, sessionID}
	if editorID != "" {
		args[0] = editorID
	}
	if expectedID != "" {
		query += ` AND editor_id = ?`
		args = append(args, expectedID)
	}

	return withBusyRetry(ctx, "update editor id", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update editor_id: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateEditorID affected 0 rows", "session_id", sessionID, "expected_id", expectedID)
			if expectedID != "" {
				return fmt.Errorf("optimistic lock failed: editor_id does not match expected_id")
			}
			return fmt.Errorf("session not found")
		}
		return nil
	})
}

// DeleteSession removes a session, its events and its conversation.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM events WHERE session_id = ?`,
			`DELETE FROM conversations WHERE session_id = ?`,
			`DELETE FROM sessions WHERE session_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
				return fmt.Errorf("delete session %s: %w", sessionID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		return nil
	})
}

// AppendEvent appends an event with its pre-assigned sequence.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	if event.Sequence <= 0 {
		return 0, fmt.Errorf("append event: invalid sequence %d", event.Sequence)
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}

	err := withBusyRetry(ctx, "append event", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (session_id, sequence, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, sequence) DO NOTHING`,
			event.SessionID, event.Sequence, event.Type, payload, event.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_active_at = ? WHERE session_id = ?`,
			event.Timestamp.Unix(), event.SessionID,
		); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return event.Sequence, nil
}

// ListEvents returns events with sequence greater than afterSequence, in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSequence int64) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_type, payload, created_at
		FROM events WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC`, sessionID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload string
		var createdAt int64
		if err := rows.Scan(&ev.SessionID, &ev.Sequence, &ev.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp = time.Unix(0, createdAt).UTC()
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastSequence returns the highest persisted sequence of a session, or 0.
func (s *SQLiteStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return last.Int64, nil
}

// GetConversation returns the persisted conversation turns of a session.
func (s *SQLiteStore) GetConversation(ctx context.Context, sessionID string) ([]domain.StoredMessage, error) {
	var messagesJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&messagesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	var messages []domain.StoredMessage
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return messages, nil
}

// SaveConversation replaces the persisted conversation turns of a session.
func (s *SQLiteStore) SaveConversation(ctx context.Context, sessionID string, messages []domain.StoredMessage) error {
	if messages == nil {
		messages = []domain.StoredMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	query := `
	INSERT INTO conversations (session_id, messages_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "save conversation", func() error {
		if _, err := s.db.ExecContext(ctx, query, sessionID, string(data), time.Now().Unix()); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

func encodeModel(model *domain.ModelConfig) (any, error) {
	if model == nil {
		return nil, nil
	}
	data, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model config: %w", err)
	}
	return string(data), nil
}

func expectRow(result sql.Result, sessionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}
