package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	Component(log, "buffer").Info("dropped below level")
	Component(log, "buffer").Warn("frame wait", zap.Int("waiters", 3))
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "buffer", entry["logger"])
	require.Equal(t, defaultServiceName, entry["service"])
	require.EqualValues(t, 3, entry["waiters"])
}

func TestComponent_NilBase(t *testing.T) {
	require.NotNil(t, Component(nil, "wal"))
}
