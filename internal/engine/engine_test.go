package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		AccountsPath: filepath.Join(dir, "pm_config.json"),
		StrategyDir:  filepath.Join(dir, "strategies"),
		Database:     config.DatabaseConfig{Path: filepath.Join(dir, "data", "bot.db")},
		Shutdown:     config.ShutdownConfig{Grace: time.Second},
	}
}

func TestStartFailsWithoutAccountsFile(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	err = eng.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load accounts")
	eng.Stop()
}

func TestStartLoadsAccountsAndStops(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	accounts := `{
		"users": {
			"alice": {
				"name": "Alice",
				"api_key": "k",
				"api_secret": "s",
				"strategy": "main",
				"enabled": true
			}
		}
	}`
	require.NoError(t, os.WriteFile(cfg.AccountsPath, []byte(accounts), 0o600))

	eng, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	got := eng.Accounts()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "main", got[0].Strategy)

	tasks, err := eng.Tasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	events, err := eng.RecentEvents(50)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
