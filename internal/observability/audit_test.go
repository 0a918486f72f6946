package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEventsReachConfiguredFile(t *testing.T) {
	// A record before initialization must not pin the default instance.
	GetAuditLogger().Record(AuditEvent{Tool: "warmup", Status: "executed"})

	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordTradeAudit("place_order", "0xabc", "executed", map[string]interface{}{
		"side":   "buy",
		"amount": 10.0,
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "place_order")
	assert.Contains(t, string(data), "0xabc")
	assert.Contains(t, string(data), "executed")
	assert.NotContains(t, string(data), "warmup")
}

func TestInitAuditLoggerRejectsUnwritablePath(t *testing.T) {
	err := InitAuditLogger(filepath.Join(t.TempDir(), "missing", "audit.log"))
	require.Error(t, err)
}
