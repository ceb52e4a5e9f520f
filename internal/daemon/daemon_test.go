package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/msgbus"
	"github.com/fleetops/migrationd/internal/store"
)

// pipeListener is an in-memory connhub.Listener backed by net.Pipe, the same
// test double connhub's own tests use, so the daemon can be exercised
// end-to-end without a real Unix-domain socket.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *pipeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}

	return nil
}

func (l *pipeListener) dial() net.Conn {
	server, client := net.Pipe()
	l.conns <- server

	return client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()

	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return st
}

// sendAndRecv writes msg on conn and reads back the single response frame,
// applying a test-scoped deadline so a protocol bug hangs the test instead
// of the suite.
func sendAndRecv(t *testing.T, conn net.Conn, msg *msgbus.Message) *msgbus.Message {
	t.Helper()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, msgbus.WriteMessage(conn, msg))

	resp, err := msgbus.ReadMessage(conn)
	require.NoError(t, err)

	return resp
}

// TestDaemon_SingleUserBackupReachesReadyForReset runs the happy path
// end-to-end over the wire: a single active user completes every configured
// category and the reset gate opens.
func TestDaemon_SingleUserBackupReachesReadyForReset(t *testing.T) {
	st := testStore(t)
	cfg := config.DefaultConfig()
	cfg.Orchestrator.Categories = []string{"Files", "Browsers", "Email", "System"}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveProfile(context.Background(), &store.UserProfile{
		UserID: "u1", UserName: "alice", ProfileType: store.ProfileTypeLocal,
		IsActive: true, RequiresBackup: true, CreatedAt: now, UpdatedAt: now,
	}))

	listener := newPipeListener()
	d, err := New(cfg, st, Providers{}, listener, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn := listener.dial()
	defer conn.Close()

	agentStarted, err := msgbus.NewMessage(msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{
		UserID: "u1", AgentVersion: "1.0.0", SessionID: "s1",
	})
	require.NoError(t, err)

	ack := sendAndRecv(t, conn, agentStarted)
	assertAckSuccess(t, ack)

	backupStarted, err := msgbus.NewMessage(msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{
		UserID: "u1", Categories: cfg.Orchestrator.Categories, EstimatedSizeMB: 1024,
	})
	require.NoError(t, err)

	_, enqueueErr := d.orchestrator.EnqueueUser(context.Background(), "u1", true)
	require.NoError(t, enqueueErr)

	ack = sendAndRecv(t, conn, backupStarted)
	assertAckSuccess(t, ack)

	categories := map[string]msgbus.CategoryResult{}
	for _, c := range cfg.Orchestrator.Categories {
		categories[c] = msgbus.CategoryResult{Success: true, ItemCount: 10}
	}

	backupCompleted, err := msgbus.NewMessage(msgbus.TypeBackupCompleted, msgbus.BackupCompletedPayload{
		UserID: "u1", Success: true, Categories: categories,
	})
	require.NoError(t, err)

	// Completing the backup recomputes the reset gate, which broadcasts a
	// STATUS_UPDATE to every connection before the handler's ack is sent.
	status := sendAndRecv(t, conn, backupCompleted)
	assert.Equal(t, msgbus.TypeStatusUpdate, status.Type)

	ack, err = msgbus.ReadMessage(conn)
	require.NoError(t, err)
	assertAckSuccess(t, ack)

	// Later broadcasts (the reset-gate recompute below and the shutdown
	// notice) block on the pipe unless the client keeps reading.
	go io.Copy(io.Discard, conn)

	ms, ok, err := st.GetMigrationState(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.PhaseReadyForReset, ms.Phase)

	canReset, blocking, ready, err := d.orchestrator.RecomputeResetGate(context.Background())
	require.NoError(t, err)
	assert.True(t, canReset)
	assert.Empty(t, blocking)
	assert.Contains(t, ready, "u1")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

// TestDaemon_ReplayedMessageIsIdempotent replays a message over the wire:
// sending the same BACKUP_PROGRESS message id twice must not double-apply
// it.
func TestDaemon_ReplayedMessageIsIdempotent(t *testing.T) {
	st := testStore(t)
	cfg := config.DefaultConfig()

	now := time.Now().UTC()
	require.NoError(t, st.SaveProfile(context.Background(), &store.UserProfile{
		UserID: "u1", UserName: "alice", ProfileType: store.ProfileTypeLocal,
		IsActive: true, RequiresBackup: true, CreatedAt: now, UpdatedAt: now,
	}))

	listener := newPipeListener()
	d, err := New(cfg, st, Providers{}, listener, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	conn := listener.dial()
	defer conn.Close()

	_, err = d.orchestrator.EnqueueUser(context.Background(), "u1", true)
	require.NoError(t, err)

	started, err := msgbus.NewMessage(msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{
		UserID: "u1", Categories: []string{"Files"},
	})
	require.NoError(t, err)
	assertAckSuccess(t, sendAndRecv(t, conn, started))

	progress, err := msgbus.NewMessage(msgbus.TypeBackupProgress, msgbus.BackupProgressPayload{
		UserID: "u1", Category: "Files", Progress: 50, BytesTransferred: 500, BytesTotal: 1000,
	})
	require.NoError(t, err)

	first := sendAndRecv(t, conn, progress)
	assertAckSuccess(t, first)

	second := sendAndRecv(t, conn, progress)
	assertAckSuccess(t, second)

	assert.Equal(t, first.Payload, second.Payload)

	ops, err := st.UserBackupOps(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 50, ops[0].Progress)

	cancel()
}

func assertAckSuccess(t *testing.T, msg *msgbus.Message) {
	t.Helper()

	require.Equal(t, msgbus.TypeAcknowledgment, msg.Type)

	var ack msgbus.AcknowledgmentPayload
	require.NoError(t, msg.DecodePayload(&ack))
	assert.True(t, ack.Success, "expected success ack, got error: %s", ack.Error)
}
