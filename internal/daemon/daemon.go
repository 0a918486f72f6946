// Package daemon wires the pieces together: config, session store, tool
// backend, gateway, and background maintenance. It also implements the
// gateway's TurnDispatcher by keeping one orchestrator per session.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/internal/config"
	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/gateway"
	"github.com/rifqi/dexa/pkg/janitor"
	"github.com/rifqi/dexa/pkg/orchestrator"
	"github.com/rifqi/dexa/pkg/session"
	"github.com/rifqi/dexa/pkg/toolexec"
)

// Daemon is the long-running dexa process.
type Daemon struct {
	logger   zerolog.Logger
	sessions *session.Manager
	backend  *toolexec.Client
	gateway  *gateway.Server
	janitor  *janitor.Janitor

	cfgMu sync.RWMutex
	cfg   *config.Config

	orchMu        sync.Mutex
	orchestrators map[string]*orchestrator.Orchestrator
}

// New builds a daemon from configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	if cfg.DataDir != "" {
		auditPath := filepath.Join(cfg.DataDir, "audit.log")
		if err := observability.InitAuditLogger(auditPath); err != nil {
			logger.Warn().Err(err).Str("path", auditPath).Msg("Audit log unavailable")
		}
	}

	sessions, err := session.NewManager(session.Config{
		DBPath: cfg.Sessions.DBPath,
		Logger: logger.With().Str("component", "session").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	d := &Daemon{
		logger:        logger,
		cfg:           cfg,
		sessions:      sessions,
		backend:       toolexec.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout(), logger.With().Str("component", "toolexec").Logger()),
		orchestrators: make(map[string]*orchestrator.Orchestrator),
	}

	gw, err := gateway.NewServer(gateway.Config{
		Port:       cfg.Gateway.Port,
		Sessions:   sessions,
		Dispatcher: d,
		Logger:     logger.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = gw

	jan, err := janitor.New(janitor.Config{
		Sessions:      sessions,
		MaxIdle:       cfg.Sessions.MaxIdle(),
		PruneSchedule: cfg.Janitor.PruneSchedule,
		StatsSchedule: cfg.Janitor.StatsSchedule,
		Logger:        logger.With().Str("component", "janitor").Logger(),
		OnPruned:      d.evictSessions,
	})
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("failed to create janitor: %w", err)
	}
	d.janitor = jan

	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.gateway.Start(); err != nil {
		return err
	}
	d.janitor.Start()

	d.logger.Info().Msg("Daemon started")
	<-ctx.Done()
	d.logger.Info().Msg("Daemon shutting down")

	d.janitor.Stop()
	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Gateway shutdown failed")
	}
	return d.sessions.Close()
}

// ApplyConfig swaps in a reloaded configuration. Only per-turn defaults
// (provider selection, credentials) take effect without a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	d.logger.Info().Msg("Configuration updated")
}

// RunTurn implements gateway.TurnDispatcher: route one turn through the
// session's orchestrator, filling provider defaults from configuration.
func (d *Daemon) RunTurn(ctx context.Context, sessionID string, req orchestrator.TurnRequest) (string, error) {
	d.cfgMu.RLock()
	cfg := d.cfg
	d.cfgMu.RUnlock()

	if req.Provider == "" {
		req.Provider = cfg.Providers.Default
	}
	if req.APIKey == "" {
		req.APIKey = cfg.Providers.APIKeyFor(req.Provider)
	}
	if req.Model == "" {
		req.Model = cfg.Providers.Model
	}

	orch, err := d.orchestratorFor(sessionID)
	if err != nil {
		return "", err
	}
	return orch.Run(ctx, req)
}

// orchestratorFor returns the session's orchestrator, creating it on first
// use. Each session gets its own executor so pending confirmations and the
// active market never leak across conversations.
func (d *Daemon) orchestratorFor(sessionID string) (*orchestrator.Orchestrator, error) {
	d.orchMu.Lock()
	defer d.orchMu.Unlock()

	if orch, ok := d.orchestrators[sessionID]; ok {
		return orch, nil
	}

	executor := toolexec.NewExecutor(d.backend, d.logger.With().Str("component", "toolexec").Str("session_id", sessionID).Logger())
	orch, err := orchestrator.New(orchestrator.Config{
		Executor: executor,
		Logger:   d.logger.With().Str("component", "orchestrator").Str("session_id", sessionID).Logger(),
	})
	if err != nil {
		return nil, err
	}

	d.orchestrators[sessionID] = orch
	return orch, nil
}

// evictSessions drops the in-memory orchestrators of pruned sessions so
// their pending confirmations and market state die with them.
func (d *Daemon) evictSessions(sessionIDs []string) {
	d.orchMu.Lock()
	for _, id := range sessionIDs {
		delete(d.orchestrators, id)
	}
	d.orchMu.Unlock()
}
