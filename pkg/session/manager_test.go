package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rifqi/dexa/pkg/agent"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		DBPath: filepath.Join(t.TempDir(), "sessions.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "0xabc", "openrouter", "")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	loaded, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", loaded.WalletAddress)
	assert.Equal(t, "openrouter", loaded.Provider)
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAndHistoryPreserveOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Append(ctx, s.ID,
		agent.ChatMessage{Role: "user", Content: "balance?"},
		agent.ChatMessage{Role: "assistant", Content: "You hold 5 BASE."},
	))
	require.NoError(t, m.Append(ctx, s.ID,
		agent.ChatMessage{Role: "user", Content: "buy 10 base at 2"},
	))

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "balance?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "buy 10 base at 2", history[2].Content)
}

func TestAppendToUnknownSession(t *testing.T) {
	m := newTestManager(t)

	err := m.Append(context.Background(), "missing", agent.ChatMessage{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesToMessages(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, s.ID, agent.ChatMessage{Role: "user", Content: "hi"}))

	require.NoError(t, m.Delete(ctx, s.ID))

	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPruneIdle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Create(ctx, "", "", "")
	require.NoError(t, err)

	// Age the session past the cutoff.
	_, err = m.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().Add(-2*time.Hour).Unix(), stale.ID)
	require.NoError(t, err)

	fresh, err := m.Create(ctx, "", "", "")
	require.NoError(t, err)

	pruned, err := m.PruneIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, pruned)

	_, err = m.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
