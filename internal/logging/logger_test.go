package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, categories map[string]bool) *observer.ObservedLogs {
	t.Helper()
	mu.Lock()
	config = Config{Categories: categories}
	mu.Unlock()

	core, logs := observer.New(zapcore.DebugLevel)
	SetRoot(zap.New(core))
	t.Cleanup(func() {
		mu.Lock()
		config = Config{}
		mu.Unlock()
		SetRoot(nil)
	})
	return logs
}

func TestCategoryLoggerNamesEntries(t *testing.T) {
	logs := observe(t, nil)

	Supervisor("spawned cluster %d", 3)
	IPCDebug("frame %s", "start")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "supervisor", entries[0].LoggerName)
	assert.Equal(t, "spawned cluster 3", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "ipc", entries[1].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	logs := observe(t, map[string]bool{"eval": false})

	assert.False(t, IsCategoryEnabled(CategoryEval))
	assert.True(t, IsCategoryEnabled(CategoryControl), "unlisted categories default to enabled")

	Eval("should not appear")
	Control("should appear")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "control", entries[0].LoggerName)
}

func TestStructuredLogFields(t *testing.T) {
	logs := observe(t, nil)

	Get(CategoryJournal).StructuredLog("warn", "cluster", map[string]interface{}{"id": 4})

	entries := logs.FilterMessage("cluster").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.EqualValues(t, 4, entries[0].ContextMap()["id"])
}

func TestWithCarriesFields(t *testing.T) {
	logs := observe(t, nil)

	Get(CategoryWorker).With("cluster", 7).Info("ready")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 7, entries[0].ContextMap()["cluster"])
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t, nil)

	timer := StartTimer(CategorySupervisor, "spawn")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThreshold(time.Nanosecond)

	require.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestInitializeWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.log")
	t.Cleanup(func() {
		mu.Lock()
		config = Config{}
		mu.Unlock()
		SetRoot(nil)
	})

	require.NoError(t, Initialize(Config{Level: "debug", Format: "json", File: path}))
	Boot("hello %s", "fleet")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"hello fleet"`), string(data))
	assert.True(t, strings.Contains(string(data), `"logger":"boot"`), string(data))
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	err := Initialize(Config{Level: "loud"})
	require.Error(t, err)
}
