package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to stderr, ensuring
// all config debug output appears in test output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[server]
endpoint_name = "MigrationService_test"
dispatch_timeout = "15s"
max_message_bytes = 524288

[store]
db_path = "/var/lib/migrationd/state.db"

[logging]
log_level = "debug"
log_format = "json"
log_retention_days = 7

[orchestrator]
categories = ["Files", "Email"]
max_delays = 5
`
	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "MigrationService_test", cfg.Server.EndpointName)
	assert.Equal(t, "15s", cfg.Server.DispatchTimeout)
	assert.Equal(t, 524288, cfg.Server.MaxMessageBytes)
	assert.Equal(t, "/var/lib/migrationd/state.db", cfg.Store.DBPath)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, 7, cfg.Logging.LogRetentionDays)
	assert.Equal(t, []string{"Files", "Email"}, cfg.Orchestrator.Categories)
	assert.Equal(t, 5, cfg.Orchestrator.MaxDelays)
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, defaultEndpointName, cfg.Server.EndpointName)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, defaultCategories, cfg.Orchestrator.Categories)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[server
not valid toml`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeTestConfig(t, `bogus_top_level_key = true`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", testLogger(t))
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, "[orchestrator]\nmax_delays = -1\n")
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"debug\"\n")
	cfg, err := LoadOrDefault(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.toml", testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, defaultMaxDelays, cfg.Orchestrator.MaxDelays)
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, defaultMaxDelays, cfg.Orchestrator.MaxDelays)
	assert.Equal(t, defaultStatusCacheTTL, cfg.Cloud.StatusCacheTTL)
}

func TestResolve_ConfigPathPrecedence(t *testing.T) {
	envPath := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")
	cliPath := writeTestConfig(t, "[logging]\nlog_level = \"error\"\n")

	cfg, err := Resolve(
		EnvOverrides{ConfigPath: envPath},
		CLIOverrides{ConfigPath: cliPath},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.LogLevel)
}

func TestResolve_DBPathOverride(t *testing.T) {
	path := writeTestConfig(t, "")

	cfg, err := Resolve(
		EnvOverrides{ConfigPath: path, DBPath: "/env/state.db"},
		CLIOverrides{DBPath: "/cli/state.db"},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "/cli/state.db", cfg.Store.DBPath)
}

func TestResolveConfigPath_DefaultsWhenUnset(t *testing.T) {
	path := ResolveConfigPath(EnvOverrides{}, CLIOverrides{}, testLogger(t))
	assert.NotEmpty(t, path)
}
