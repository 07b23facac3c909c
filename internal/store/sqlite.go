package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ponchohq/poncho/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	body          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);

CREATE TABLE IF NOT EXISTS run_states (
	run_id     TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// SQLite backs both stores with one database file.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLite opens (and migrates) the database at path.
func NewSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one connection
	// pool without WAL.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &SQLite{db: db, ttl: ttl}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// List implements Conversations.
func (s *SQLite) List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, message_count, created_at, updated_at
		FROM conversations
		WHERE (?1 = '' OR owner_id = ?1)
		ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var sum models.ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.OwnerID, &sum.Title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get implements Conversations.
func (s *SQLite) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM conversations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(body), &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *SQLite) put(ctx context.Context, conv *models.Conversation) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	sum := conv.Summary()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, message_count, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		conv.ID, sum.OwnerID, sum.Title, sum.MessageCount, sum.CreatedAt, sum.UpdatedAt, string(body))
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Create implements Conversations.
func (s *SQLite) Create(ctx context.Context, proto *models.Conversation) (*models.Conversation, error) {
	conv := NewConversation(proto)
	if err := s.put(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Update implements Conversations.
func (s *SQLite) Update(ctx context.Context, conv *models.Conversation) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	conv.UpdatedAt = time.Now().UTC()
	return s.put(ctx, conv)
}

// Delete implements Conversations.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Runs exposes the run state store. A separate view type is needed because
// both interfaces declare Get with different result types.
func (s *SQLite) Runs() RunStates { return sqliteRuns{s} }

type sqliteRuns struct{ s *SQLite }

func (r sqliteRuns) Get(ctx context.Context, runID string) (*RunState, error) {
	return r.s.getRun(ctx, runID)
}

func (r sqliteRuns) Set(ctx context.Context, state *RunState) error {
	return r.s.setRun(ctx, state)
}

func (r sqliteRuns) Delete(ctx context.Context, runID string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM run_states WHERE run_id = ?`, runID)
	return err
}

func (s *SQLite) getRun(ctx context.Context, runID string) (*RunState, error) {
	var body string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT body, expires_at FROM run_states WHERE run_id = ?`, runID).Scan(&body, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	if time.Now().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM run_states WHERE run_id = ?`, runID)
		return nil, ErrNotFound
	}
	var state RunState
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return nil, fmt.Errorf("parse run state %s: %w", runID, err)
	}
	return &state, nil
}

func (s *SQLite) setRun(ctx context.Context, state *RunState) error {
	state.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_states (run_id, body, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET body = excluded.body, expires_at = excluded.expires_at`,
		state.RunID, string(body), time.Now().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}
