package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rifqi/dexa/pkg/orchestrator"
	"github.com/rifqi/dexa/pkg/session"
)

// stubDispatcher answers turns from a fixed function and records them.
type stubDispatcher struct {
	mu    sync.Mutex
	turns []orchestrator.TurnRequest
	fn    func(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error)
}

func (d *stubDispatcher) RunTurn(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
	d.mu.Lock()
	d.turns = append(d.turns, req)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(ctx, sessionID, req)
	}
	return "ok", nil
}

func newTestServer(t *testing.T, dispatcher *stubDispatcher) (*Server, *session.Manager) {
	t.Helper()
	sessions, err := session.NewManager(session.Config{
		DBPath: filepath.Join(t.TempDir(), "sessions.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	server, err := NewServer(Config{
		Port:       18080,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return server, sessions
}

func postChat(t *testing.T, ts *httptest.Server, req ChatRequest) (ChatResponse, int) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out, resp.StatusCode
}

func TestChatCreatesSessionAndPersistsTranscript(t *testing.T) {
	dispatcher := &stubDispatcher{fn: func(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
		return "You hold 5 BASE.", nil
	}}
	server, sessions := newTestServer(t, dispatcher)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	out, status := postChat(t, ts, ChatRequest{Message: "balance?", WalletAddress: "0xabc"})
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, out.SessionID)
	assert.Equal(t, "You hold 5 BASE.", out.Reply)

	history, err := sessions.History(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "balance?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestChatReplaysHistoryOnFollowUp(t *testing.T) {
	dispatcher := &stubDispatcher{}
	server, _ := newTestServer(t, dispatcher)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	first, status := postChat(t, ts, ChatRequest{Message: "balance?"})
	require.Equal(t, http.StatusOK, status)

	_, status = postChat(t, ts, ChatRequest{SessionID: first.SessionID, Message: "and my orders?"})
	require.Equal(t, http.StatusOK, status)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.turns, 2)

	// The second turn must carry the first exchange plus the new message.
	second := dispatcher.turns[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "balance?", second[0].Content)
	assert.Equal(t, "and my orders?", second[2].Content)
}

func TestChatUnknownSession(t *testing.T) {
	server, _ := newTestServer(t, &stubDispatcher{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, status := postChat(t, ts, ChatRequest{SessionID: "missing", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	server, _ := newTestServer(t, &stubDispatcher{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, status := postChat(t, ts, ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChatBusySession(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	dispatcher := &stubDispatcher{fn: func(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
		close(started)
		<-finish
		return "done", nil
	}}
	server, sessions := newTestServer(t, dispatcher)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sess, err := sessions.Create(context.Background(), "", "", "")
	require.NoError(t, err)

	go func() {
		postChat(t, ts, ChatRequest{SessionID: sess.ID, Message: "slow one"})
	}()
	<-started

	_, status := postChat(t, ts, ChatRequest{SessionID: sess.ID, Message: "impatient"})
	assert.Equal(t, http.StatusConflict, status)

	close(finish)
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, &stubDispatcher{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketChatAndCancel(t *testing.T) {
	blocking := make(chan struct{})
	dispatcher := &stubDispatcher{fn: func(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "slow") {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-blocking:
				return "finished anyway", nil
			}
		}
		return "quick reply", nil
	}}
	server, sessions := newTestServer(t, dispatcher)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer close(blocking)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Plain round trip.
	require.NoError(t, conn.WriteJSON(ChatRequest{Type: TypeChat, Message: "hello"}))
	var reply ChatResponse
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeReply, reply.Type)
	assert.Equal(t, "quick reply", reply.Reply)

	// Cancel a slow turn mid-flight.
	sess, err := sessions.Create(context.Background(), "", "", "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ChatRequest{Type: TypeChat, SessionID: sess.ID, Message: "slow request"}))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(ChatRequest{Type: TypeCancel, SessionID: sess.ID}))

	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "cancel")
}

func TestWebSocketDisconnectAbortsTurn(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan error, 1)
	dispatcher := &stubDispatcher{fn: func(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			aborted <- ctx.Err()
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "finished anyway", nil
		}
	}}
	server, _ := newTestServer(t, dispatcher)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ChatRequest{Type: TypeChat, Message: "long running question"}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}

	require.NoError(t, conn.Close())

	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn kept running after the client disconnected")
	}
}
