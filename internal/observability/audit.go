package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one append-only record of a state-changing action. Order
// placements and cancellations always leave a trail here, independent of
// the regular log level.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Wallet    string                 `json:"wallet,omitempty"`
	Tool      string                 `json:"tool"`
	Status    string                 `json:"status"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// AuditLogger records audit events to a dedicated file.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger. Defaults to stderr until
// InitAuditLogger points it at a file; a file-backed instance installed by
// InitAuditLogger is never replaced by the default.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger directs the global audit logger at the given file path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record appends an audit event.
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("wallet", event.Wallet).
		Str("tool", event.Tool).
		Str("status", event.Status)
	if event.Args != nil {
		entry = entry.Interface("args", event.Args)
	}
	entry.Msg("")
}

// Close closes the audit logger's file handle.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordTradeAudit records an executed order placement or cancellation.
func RecordTradeAudit(tool, wallet, status string, args map[string]interface{}) {
	GetAuditLogger().Record(AuditEvent{
		Wallet: wallet,
		Tool:   tool,
		Status: status,
		Args:   args,
	})
}
