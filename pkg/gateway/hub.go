package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionBusy is returned when a turn arrives while the session is
// already processing one.
var ErrSessionBusy = errors.New("session is busy with another turn")

// turnHub enforces one in-flight turn per session and holds the cancel
// function so a client can abort a running turn.
type turnHub struct {
	mu    sync.Mutex
	slots map[string]context.CancelFunc
}

func newTurnHub() *turnHub {
	return &turnHub{slots: make(map[string]context.CancelFunc)}
}

// acquire marks the session busy and returns a turn-scoped context. The
// returned release must be called when the turn finishes.
func (h *turnHub) acquire(parent context.Context, sessionID string) (context.Context, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.slots[sessionID]; busy {
		return nil, nil, ErrSessionBusy
	}

	ctx, cancel := context.WithCancel(parent)
	h.slots[sessionID] = cancel

	release := func() {
		h.mu.Lock()
		if current, ok := h.slots[sessionID]; ok {
			current()
			delete(h.slots, sessionID)
		}
		h.mu.Unlock()
	}
	return ctx, release, nil
}

// cancel aborts the session's in-flight turn, if any.
func (h *turnHub) cancel(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cancelFn, ok := h.slots[sessionID]
	if ok {
		cancelFn()
	}
	return ok
}
