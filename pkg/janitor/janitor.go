// Package janitor runs the daemon's scheduled maintenance: pruning idle
// sessions and logging store statistics.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/pkg/session"
)

const (
	defaultPruneSchedule = "*/10 * * * *"
	defaultStatsSchedule = "0 * * * *"
	defaultMaxIdle       = 24 * time.Hour
)

// Config holds janitor configuration.
type Config struct {
	Sessions      *session.Manager
	MaxIdle       time.Duration
	PruneSchedule string
	StatsSchedule string
	Logger        zerolog.Logger

	// OnPruned, when set, receives the ids of pruned sessions so the caller
	// can release per-session state held outside the store.
	OnPruned func(sessionIDs []string)
}

// Janitor owns the cron scheduler for background maintenance.
type Janitor struct {
	sessions *session.Manager
	maxIdle  time.Duration
	logger   zerolog.Logger
	cron     *cron.Cron
	onPruned func(sessionIDs []string)
}

// New creates a janitor and registers its jobs. Start must be called to
// begin scheduling.
func New(cfg Config) (*Janitor, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	pruneSchedule := cfg.PruneSchedule
	if pruneSchedule == "" {
		pruneSchedule = defaultPruneSchedule
	}
	statsSchedule := cfg.StatsSchedule
	if statsSchedule == "" {
		statsSchedule = defaultStatsSchedule
	}

	j := &Janitor{
		sessions: cfg.Sessions,
		maxIdle:  maxIdle,
		logger:   cfg.Logger,
		onPruned: cfg.OnPruned,
		cron: cron.New(cron.WithParser(
			cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		)),
	}

	if _, err := j.cron.AddFunc(pruneSchedule, j.pruneSessions); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", pruneSchedule, err)
	}
	if _, err := j.cron.AddFunc(statsSchedule, j.logStats); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", statsSchedule, err)
	}

	return j, nil
}

// Start begins running the scheduled jobs.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Dur("max_idle", j.maxIdle).Msg("Janitor started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info().Msg("Janitor stopped")
}

// pruneSessions drops sessions idle past the cutoff.
func (j *Janitor) pruneSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned, err := j.sessions.PruneIdle(ctx, j.maxIdle)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Session pruning failed")
		return
	}
	if len(pruned) == 0 {
		return
	}

	if j.onPruned != nil {
		j.onPruned(pruned)
	}
	j.logger.Info().Int("pruned", len(pruned)).Msg("Session pruning completed")
}

func (j *Janitor) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := j.sessions.Count(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Session count unavailable")
		return
	}
	j.logger.Info().Int("sessions", count).Msg("Session store statistics")
}
