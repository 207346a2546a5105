// Package store provides the embedded, per-session durable store: one
// SQLite file per session holding its transcript, prompt queue,
// questions, key/value state, connected-user set and audit log
// (spec.md §3). Every exported method is safe for concurrent use, but
// in normal operation all callers are serialized by the owning
// session.Agent goroutine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaysession/sessiond/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps a single session's SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or reopens the database file at path, applying schema
// migrations idempotently.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		parts_json TEXT,
		author_id TEXT,
		author_name TEXT,
		author_email TEXT,
		author_avatar TEXT,
		created_at INTEGER NOT NULL,
		tool_call_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_call ON messages(tool_call_id) WHERE tool_call_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS prompt_queue (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		model TEXT,
		status TEXT NOT NULL,
		author_id TEXT,
		author_name TEXT,
		author_email TEXT,
		author_avatar TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		options_json TEXT,
		status TEXT NOT NULL,
		answer TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS connected_users (
		user_id TEXT PRIMARY KEY,
		name TEXT,
		email TEXT,
		avatar TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL,
		actor TEXT,
		metadata_json TEXT,
		timestamp INTEGER NOT NULL,
		flushed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_flushed ON audit_log(flushed) WHERE flushed = 0;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry re-executes fn while it fails with SQLITE_BUSY, matching
// the teacher's pattern of tolerating transient lock contention rather
// than failing a write outright.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) || attempt >= 5 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// --- state key/value -------------------------------------------------

// PutState serializes the full State row under a single key. Sessions
// are low-write-volume enough that a whole-row upsert is simpler and
// just as fast as a column-per-field schema.
func (s *Store) PutState(ctx context.Context, st *model.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO state (key, value) VALUES ('session', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(b))
		return err
	})
}

// GetState loads the session's State row, or nil if never written.
func (s *Store) GetState(ctx context.Context) (*model.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = 'session'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	var st model.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// --- transcript --------------------------------------------------------

// AppendMessage inserts a new transcript row, or upserts it by
// tool-call id when the message carries tool Parts (spec.md §3). Any
// message whose id already has a row overwrites that row's content and
// parts instead of adding a second row.
func (s *Store) AppendMessage(ctx context.Context, m model.Message) error {
	var partsJSON sql.NullString
	var toolCallID sql.NullString
	if m.Parts != nil {
		b, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		partsJSON = sql.NullString{String: string(b), Valid: true}
		if m.Parts.Kind == model.PartsKindTool && m.Parts.Tool != nil {
			toolCallID = sql.NullString{String: m.Parts.Tool.CallID, Valid: true}
		}
	}

	return withRetry(ctx, func() error {
		if toolCallID.Valid {
			res, err := s.db.ExecContext(ctx, `
				UPDATE messages SET content = ?, parts_json = ?, created_at = ?
				WHERE tool_call_id = ?`,
				m.Content, partsJSON, m.CreatedAt.UnixNano(), toolCallID.String)
			if err != nil {
				return fmt.Errorf("update tool message: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, role, content, parts_json, author_id, author_name, author_email, author_avatar, created_at, tool_call_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET content = excluded.content, parts_json = excluded.parts_json`,
			m.ID, string(m.Role), m.Content, partsJSON, m.AuthorID, m.Author, m.Email, m.Avatar, m.CreatedAt.UnixNano(), toolCallID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// Transcript returns every message in creation order.
func (s *Store) Transcript(ctx context.Context) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, parts_json, author_id, author_name, author_email, author_avatar, created_at
		FROM messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessagesFrom removes the message with id and every message
// created at or after it, used by the revert operation (spec.md §4.1).
func (s *Store) DeleteMessagesFrom(ctx context.Context, id string) ([]string, error) {
	var cutoff int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?`, id).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locate revert cutoff: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE created_at >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query removed ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at >= ?`, cutoff)
		return err
	})
}

func scanMessage(rows *sql.Rows) (model.Message, error) {
	var m model.Message
	var role string
	var partsJSON sql.NullString
	var createdAtNano int64
	if err := rows.Scan(&m.ID, &role, &m.Content, &partsJSON, &m.AuthorID, &m.Author, &m.Email, &m.Avatar, &createdAtNano); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.Role = model.Role(role)
	m.CreatedAt = time.Unix(0, createdAtNano).UTC()
	if partsJSON.Valid {
		var p model.Parts
		if err := json.Unmarshal([]byte(partsJSON.String), &p); err != nil {
			return m, fmt.Errorf("unmarshal parts: %w", err)
		}
		m.Parts = &p
	}
	return m, nil
}

// --- prompt queue --------------------------------------------------------

// EnqueuePrompt appends a new queued prompt.
func (s *Store) EnqueuePrompt(ctx context.Context, p model.PromptQueueEntry) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO prompt_queue (id, content, model, status, author_id, author_name, author_email, author_avatar, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Content, p.Model, string(p.Status), p.AuthorID, p.Author, p.Email, p.Avatar, p.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("enqueue prompt: %w", err)
		}
		return nil
	})
}

// SetPromptStatus updates the status of one queue entry.
func (s *Store) SetPromptStatus(ctx context.Context, id string, status model.PromptStatus) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE prompt_queue SET status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

// DequeuePrompt removes a queue entry, used once it has been fully
// applied to the transcript.
func (s *Store) DequeuePrompt(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM prompt_queue WHERE id = ?`, id)
		return err
	})
}

// PromptQueue returns every queued/processing prompt in FIFO order.
func (s *Store) PromptQueue(ctx context.Context) ([]model.PromptQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, model, status, author_id, author_name, author_email, author_avatar, created_at
		FROM prompt_queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query prompt queue: %w", err)
	}
	defer rows.Close()

	var out []model.PromptQueueEntry
	for rows.Next() {
		var p model.PromptQueueEntry
		var status string
		var createdAtNano int64
		if err := rows.Scan(&p.ID, &p.Content, &p.Model, &status, &p.AuthorID, &p.Author, &p.Email, &p.Avatar, &createdAtNano); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.Status = model.PromptStatus(status)
		p.CreatedAt = time.Unix(0, createdAtNano).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- questions --------------------------------------------------------

// PutQuestion upserts a question row.
func (s *Store) PutQuestion(ctx context.Context, q model.Question) error {
	var optionsJSON sql.NullString
	if len(q.Options) > 0 {
		b, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		optionsJSON = sql.NullString{String: string(b), Valid: true}
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO questions (id, text, options_json, status, answer, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, answer = excluded.answer`,
			q.ID, q.Text, optionsJSON, string(q.Status), q.Answer, q.CreatedAt.UnixNano(), q.ExpiresAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert question: %w", err)
		}
		return nil
	})
}

// PendingQuestions returns every question still awaiting resolution.
func (s *Store) PendingQuestions(ctx context.Context) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, options_json, status, answer, created_at, expires_at
		FROM questions WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending questions: %w", err)
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQuestion(rows *sql.Rows) (model.Question, error) {
	var q model.Question
	var optionsJSON sql.NullString
	var status string
	var createdAtNano, expiresAtNano int64
	if err := rows.Scan(&q.ID, &q.Text, &optionsJSON, &status, &q.Answer, &createdAtNano, &expiresAtNano); err != nil {
		return q, fmt.Errorf("scan question: %w", err)
	}
	q.Status = model.QuestionStatus(status)
	q.CreatedAt = time.Unix(0, createdAtNano).UTC()
	q.ExpiresAt = time.Unix(0, expiresAtNano).UTC()
	if optionsJSON.Valid {
		if err := json.Unmarshal([]byte(optionsJSON.String), &q.Options); err != nil {
			return q, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return q, nil
}

// --- connected users --------------------------------------------------------

// MarkUserConnected adds a user to the connected set. It is
// idempotent: joining from a second tab is a no-op on this table.
func (s *Store) MarkUserConnected(ctx context.Context, u model.ConnectedUser) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connected_users (user_id, name, email, avatar) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, email = excluded.email, avatar = excluded.avatar`,
			u.UserID, u.Name, u.Email, u.Avatar)
		return err
	})
}

// MarkUserDisconnected removes a user from the connected set. Callers
// are responsible for only calling this once that user's last
// connection has closed.
func (s *Store) MarkUserDisconnected(ctx context.Context, userID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM connected_users WHERE user_id = ?`, userID)
		return err
	})
}

// ConnectedUsers returns the current connected-user set.
func (s *Store) ConnectedUsers(ctx context.Context) ([]model.ConnectedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, name, email, avatar FROM connected_users`)
	if err != nil {
		return nil, fmt.Errorf("query connected users: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectedUser
	for rows.Next() {
		var u model.ConnectedUser
		if err := rows.Scan(&u.UserID, &u.Name, &u.Email, &u.Avatar); err != nil {
			return nil, fmt.Errorf("scan connected user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- audit log --------------------------------------------------------

// AppendAudit inserts a new audit log row, unflushed.
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	var metaJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (event_type, summary, actor, metadata_json, timestamp, flushed)
			VALUES (?, ?, ?, ?, ?, 0)`,
			e.EventType, e.Summary, e.Actor, metaJSON, e.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return nil
	})
}

// UnflushedAudit returns audit rows not yet acknowledged by the
// external directory sink.
func (s *Store) UnflushedAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, summary, actor, metadata_json, timestamp, flushed
		FROM audit_log WHERE flushed = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unflushed audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllAudit returns the full audit log, used to replay history to
// late-joining clients on connect.
func (s *Store) AllAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, summary, actor, metadata_json, timestamp, flushed
		FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkAuditFlushed marks the given ids as acknowledged by the sink.
func (s *Store) MarkAuditFlushed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, `UPDATE audit_log SET flushed = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("mark audit flushed: %w", err)
			}
		}
		return tx.Commit()
	})
}

func scanAudit(rows *sql.Rows) (model.AuditEntry, error) {
	var e model.AuditEntry
	var actor sql.NullString
	var metaJSON sql.NullString
	var tsNano int64
	var flushed int
	if err := rows.Scan(&e.ID, &e.EventType, &e.Summary, &actor, &metaJSON, &tsNano, &flushed); err != nil {
		return e, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Actor = actor.String
	e.Timestamp = time.Unix(0, tsNano).UTC()
	e.Flushed = flushed != 0
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	return e, nil
}

// Remove deletes the database file entirely, used when a session is
// permanently terminated and its state should not survive a restart.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			log.Printf("remove %s: %v", path+suffix, err)
		}
	}
	return nil
}
