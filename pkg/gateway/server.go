// Package gateway exposes the conversational interface over HTTP: a REST
// chat endpoint for single turns and a WebSocket stream that additionally
// supports cancelling an in-flight turn.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/agent"
	"github.com/rifqi/dexa/pkg/orchestrator"
	"github.com/rifqi/dexa/pkg/session"
)

// TurnDispatcher runs one conversation turn for a session. Implemented by
// the daemon, which keeps one orchestrator per session.
type TurnDispatcher interface {
	RunTurn(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error)
}

// Config holds gateway configuration.
type Config struct {
	Port       int
	Sessions   *session.Manager
	Dispatcher TurnDispatcher
	Logger     zerolog.Logger
}

// Server is the HTTP/WebSocket gateway.
type Server struct {
	port       int
	sessions   *session.Manager
	dispatcher TurnDispatcher
	logger     zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
	hub      *turnHub

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	connMu sync.Mutex
	conns  int
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("turn dispatcher is required")
	}

	return &Server{
		port:       cfg.Port,
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		hub:        newTurnHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight turns and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// handleChat serves one REST turn: resolve the session, run the turn, and
// persist both sides of the exchange.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ChatResponse{Type: TypeError, Error: "invalid request body"})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	resp, status := s.runTurn(r.Context(), req)
	writeJSON(w, status, resp)
}

// runTurn is the shared REST/WebSocket turn path.
func (s *Server) runTurn(ctx context.Context, req ChatRequest) (ChatResponse, int) {
	requestID := uuid.NewString()
	logger := s.logger.With().Str("request_id", requestID).Logger()

	if req.Message == "" {
		return ChatResponse{Type: TypeError, SessionID: req.SessionID, Error: "message is required"}, http.StatusBadRequest
	}

	sess, err := s.resolveSession(ctx, req)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ChatResponse{Type: TypeError, SessionID: req.SessionID, Error: "unknown session"}, http.StatusNotFound
		}
		logger.Error().Err(err).Msg("Failed to resolve session")
		return ChatResponse{Type: TypeError, SessionID: req.SessionID, Error: "failed to resolve session"}, http.StatusInternalServerError
	}

	history, err := s.sessions.History(ctx, sess.ID)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to load history")
		return ChatResponse{Type: TypeError, SessionID: sess.ID, Error: "failed to load history"}, http.StatusInternalServerError
	}

	userMsg := agent.ChatMessage{Role: "user", Content: req.Message}
	messages := append(history, userMsg)

	turnCtx, release, err := s.hub.acquire(ctx, sess.ID)
	if err != nil {
		return ChatResponse{Type: TypeError, SessionID: sess.ID, Error: err.Error()}, http.StatusConflict
	}
	defer release()

	reply, err := s.dispatcher.RunTurn(turnCtx, sess.ID, orchestrator.TurnRequest{
		Provider:      req.Provider,
		Model:         req.Model,
		APIKey:        req.APIKey,
		WalletAddress: req.WalletAddress,
		Messages:      messages,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ChatResponse{Type: TypeError, SessionID: sess.ID, Error: "turn cancelled"}, http.StatusRequestTimeout
		}
		logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Turn failed")
		return ChatResponse{Type: TypeError, SessionID: sess.ID, Error: err.Error()}, http.StatusBadGateway
	}

	if err := s.sessions.Append(ctx, sess.ID, userMsg, agent.ChatMessage{Role: "assistant", Content: reply}); err != nil {
		logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist turn")
	}

	return ChatResponse{Type: TypeReply, SessionID: sess.ID, Reply: reply}, http.StatusOK
}

func (s *Server) resolveSession(ctx context.Context, req ChatRequest) (*session.Session, error) {
	if req.SessionID != "" {
		return s.sessions.Get(ctx, req.SessionID)
	}
	return s.sessions.Create(ctx, req.WalletAddress, req.Provider, req.Model)
}

// handleWebSocket streams turns over one connection. A "cancel" frame aborts
// the session's in-flight turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	s.trackConn(1)
	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.handleClient(clientID, conn)
}

func (s *Server) handleClient(clientID string, conn *websocket.Conn) {
	// Turns started on this connection die with it: a dropped client must
	// not leave its turn running.
	connCtx, connCancel := context.WithCancel(context.Background())

	var writeMu sync.Mutex
	writeResponse := func(resp ChatResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send response")
		}
	}

	defer func() {
		connCancel()
		conn.Close()
		s.trackConn(-1)
		s.logger.Info().Str("client_id", clientID).Msg("Client disconnected")
	}()

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket error")
			}
			return
		}

		switch req.Type {
		case TypeCancel:
			if !s.hub.cancel(req.SessionID) {
				writeResponse(ChatResponse{Type: TypeError, SessionID: req.SessionID, Error: "no turn in flight"})
			}
		case TypeChat, "":
			s.inFlightReqs.Add(1)
			go func(req ChatRequest) {
				defer s.inFlightReqs.Done()
				resp, _ := s.runTurn(connCtx, req)
				writeResponse(resp)
			}(req)
		default:
			writeResponse(ChatResponse{Type: TypeError, Error: fmt.Sprintf("unknown message type: %s", req.Type)})
		}
	}
}

func (s *Server) trackConn(delta int) {
	s.connMu.Lock()
	s.conns += delta
	observability.SetGatewayConnections(s.conns)
	s.connMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
