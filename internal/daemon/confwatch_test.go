package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/msgbus"
)

func TestWatchConfigFile_EmptyPathIsNoop(t *testing.T) {
	st := testStore(t)
	listener := newPipeListener()

	d, err := New(config.DefaultConfig(), st, Providers{}, listener, testLogger())
	require.NoError(t, err)

	assert.NoError(t, d.WatchConfigFile(context.Background(), ""))
}

func TestReloadConfig_BroadcastsImmediately(t *testing.T) {
	st := testStore(t)
	cfg := config.DefaultConfig()

	path := filepath.Join(t.TempDir(), "migrationd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nendpoint_name = \"Changed\"\n"), 0o644))

	listener := newPipeListener()
	d, err := New(cfg, st, Providers{}, listener, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	conn := listener.dial()
	defer conn.Close()

	agentStarted, err := msgbus.NewMessage(msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{
		UserID: "u1", AgentVersion: "1.0.0", SessionID: "s1",
	})
	require.NoError(t, err)
	assertAckSuccess(t, sendAndRecv(t, conn, agentStarted))

	// The reload broadcasts on the pipe, which blocks until the read below.
	go d.ReloadConfig(path)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	msg, err := msgbus.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, msgbus.TypeConfigurationUpdate, msg.Type)

	cancel()
}

func TestWatchConfigFile_BroadcastsOnChange(t *testing.T) {
	st := testStore(t)
	cfg := config.DefaultConfig()

	path := filepath.Join(t.TempDir(), "migrationd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\n"), 0o644))

	listener := newPipeListener()
	d, err := New(cfg, st, Providers{}, listener, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	conn := listener.dial()
	defer conn.Close()

	agentStarted, err := msgbus.NewMessage(msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{
		UserID: "u1", AgentVersion: "1.0.0", SessionID: "s1",
	})
	require.NoError(t, err)
	assertAckSuccess(t, sendAndRecv(t, conn, agentStarted))

	require.NoError(t, d.WatchConfigFile(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("[server]\nendpoint_name = \"Changed\"\n"), 0o644))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	msg, err := msgbus.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, msgbus.TypeConfigurationUpdate, msg.Type)

	cancel()
}
