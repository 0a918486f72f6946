// Package session persists conversation transcripts so a reconnecting
// client can pick up its history. Orchestrator state (pending actions, the
// active market) is deliberately not persisted; only the transcript is.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/agent"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Session is one stored conversation.
type Session struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Config holds session manager configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Manager stores sessions and their transcripts in SQLite.
type Manager struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewManager opens (or creates) the session database.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers from blocking the chat write path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	m := &Manager{db: db, logger: cfg.Logger}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	m.logger.Info().Str("db", cfg.DBPath).Msg("Session store opened")
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Create registers a new session and returns it.
func (m *Manager) Create(ctx context.Context, walletAddress, provider, model string) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now()
	_, err = m.db.ExecContext(ctx,
		"INSERT INTO sessions (id, wallet_address, provider, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, walletAddress, provider, model, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.refreshGauge(ctx)
	m.logger.Info().Str("session_id", id).Msg("Session created")

	return &Session{
		ID:            id,
		WalletAddress: walletAddress,
		Provider:      provider,
		Model:         model,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Get returns one session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	var created, updated int64
	err := m.db.QueryRowContext(ctx,
		"SELECT id, wallet_address, provider, model, created_at, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&s.ID, &s.WalletAddress, &s.Provider, &s.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s.CreatedAt = time.Unix(created, 0)
	s.UpdatedAt = time.Unix(updated, 0)
	return &s, nil
}

// Append stores messages at the end of a session's transcript and bumps its
// updated_at.
func (m *Manager) Append(ctx context.Context, sessionID string, messages ...agent.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?", sessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to determine message sequence: %w", err)
	}

	now := time.Now().Unix()
	for i, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, seq, role, content, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			sessionID, next+i, msg.Role, msg.Content, msg.ToolCallID, now,
		); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// History returns a session's transcript in order.
func (m *Manager) History(ctx context.Context, sessionID string) ([]agent.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT role, content, tool_call_id FROM messages WHERE session_id = ? ORDER BY seq", sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	messages := []agent.ChatMessage{}
	for rows.Next() {
		var msg agent.ChatMessage
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.ToolCallID); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Delete removes a session and its transcript.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	res, err := m.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	m.refreshGauge(ctx)
	return nil
}

// PruneIdle removes sessions untouched for longer than maxIdle and returns
// the ids of the removed sessions so callers can drop per-session state.
func (m *Manager) PruneIdle(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxIdle).Unix()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prune sessions: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune sessions: %w", err)
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
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at < ?", cutoff); err != nil {
		return nil, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to prune sessions: %w", err)
	}

	m.logger.Info().Int("pruned", len(ids)).Msg("Idle sessions pruned")
	m.refreshGauge(ctx)
	return ids, nil
}

// Count returns the number of stored sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if n, err := m.Count(ctx); err == nil {
		observability.SetActiveSessions(n)
	}
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing session store")
	return m.db.Close()
}
