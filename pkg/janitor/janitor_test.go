package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rifqi/dexa/pkg/session"
)

func newTestSessions(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.Config{
		DBPath: filepath.Join(t.TempDir(), "sessions.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewRequiresSessions(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(Config{
		Sessions:      newTestSessions(t),
		PruneSchedule: "not a schedule",
		Logger:        zerolog.Nop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune schedule")
}

func TestPruneSessionsRemovesIdle(t *testing.T) {
	sessions := newTestSessions(t)
	ctx := context.Background()

	stale, err := sessions.Create(ctx, "", "", "")
	require.NoError(t, err)

	var evicted []string
	j, err := New(Config{
		Sessions: sessions,
		MaxIdle:  time.Hour,
		Logger:   zerolog.Nop(),
		OnPruned: func(ids []string) { evicted = append(evicted, ids...) },
	})
	require.NoError(t, err)

	// Fresh sessions survive a prune pass.
	j.pruneSessions()
	_, err = sessions.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	// Aged sessions do not, and the eviction hook hears about them.
	j.maxIdle = -time.Second
	j.pruneSessions()
	_, err = sessions.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, []string{stale.ID}, evicted)
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{
		Sessions: newTestSessions(t),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	j.Start()
	j.Stop()
}
