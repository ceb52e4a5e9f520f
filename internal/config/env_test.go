package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvDBPath, "/custom/migrationd.db")

	overrides := ReadEnvOverrides(testLogger(t))
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/custom/migrationd.db", overrides.DBPath)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvDBPath, "")

	overrides := ReadEnvOverrides(testLogger(t))
	assert.Empty(t, overrides.ConfigPath)
	assert.Empty(t, overrides.DBPath)
}

func TestReadEnvOverrides_PartiallySet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvDBPath, "/var/lib/migrationd/state.db")

	overrides := ReadEnvOverrides(testLogger(t))
	assert.Empty(t, overrides.ConfigPath)
	assert.Equal(t, "/var/lib/migrationd/state.db", overrides.DBPath)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "MIGRATIOND_CONFIG", EnvConfig)
	assert.Equal(t, "MIGRATIOND_DB_PATH", EnvDBPath)
}
