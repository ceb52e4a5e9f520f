package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/connhub"
	"github.com/fleetops/migrationd/internal/msgbus"
	"github.com/fleetops/migrationd/internal/store"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

type orchCall struct {
	method   string
	userID   string
	category string
	progress int
	reason   string
	delay    time.Duration
}

type fakeOrch struct {
	calls []orchCall
}

func (f *fakeOrch) HandleBackupStarted(ctx context.Context, userID string, categories []string) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "started", userID: userID})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseInProgress}, nil
}

func (f *fakeOrch) HandleBackupProgress(ctx context.Context, userID, category string, progress int) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "progress", userID: userID, category: category, progress: progress})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseInProgress}, nil
}

func (f *fakeOrch) HandleBackupCompleted(ctx context.Context, userID, category string, success bool) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "completed", userID: userID, category: category})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseReadyForReset}, nil
}

func (f *fakeOrch) HandleDelayRequest(ctx context.Context, userID, reason string, requestedDelay time.Duration) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "delay", userID: userID, reason: reason, delay: requestedDelay})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseDelayed}, nil
}

func (f *fakeOrch) ResumeFromDelay(ctx context.Context, userID string) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "resume", userID: userID})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseInProgress}, nil
}

func (f *fakeOrch) HandleFatalError(ctx context.Context, userID, reason string) (*store.MigrationState, error) {
	f.calls = append(f.calls, orchCall{method: "fatal", userID: userID, reason: reason})
	return &store.MigrationState{UserID: userID, Phase: store.PhaseFailed}, nil
}

func (f *fakeOrch) RecomputeResetGate(ctx context.Context) (bool, []string, []string, error) {
	f.calls = append(f.calls, orchCall{method: "gate"})
	return true, nil, nil, nil
}

func (f *fakeOrch) methods() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

type fakeOps struct {
	ops []*store.BackupOperation
}

func (f *fakeOps) CreateBackupOperation(ctx context.Context, op *store.BackupOperation) error {
	cp := *op
	f.ops = append(f.ops, &cp)
	return nil
}

func (f *fakeOps) UpdateBackupOperation(ctx context.Context, op *store.BackupOperation) error {
	for i, have := range f.ops {
		if have.ID == op.ID {
			cp := *op
			f.ops[i] = &cp
			return nil
		}
	}
	return nil
}

func (f *fakeOps) UserBackupOps(ctx context.Context, userID string) ([]*store.BackupOperation, error) {
	var out []*store.BackupOperation
	for _, op := range f.ops {
		if op.UserID == userID {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T, orch *fakeOrch, ops *fakeOps) *connhub.Dispatcher {
	t.Helper()

	d := connhub.NewDispatcher()
	ids := 0
	Register(d, orch, ops, &fakeClock{time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, testLogger(), func() string {
		ids++
		return fmt.Sprintf("op-%d", ids)
	})

	return d
}

func dispatch(t *testing.T, d *connhub.Dispatcher, typ msgbus.Type, payload any) *msgbus.Message {
	t.Helper()

	msg, err := msgbus.NewMessage(typ, payload)
	require.NoError(t, err)

	return d.Dispatch(context.Background(), "client-1", msg, nil)
}

func requireSuccessAck(t *testing.T, resp *msgbus.Message) {
	t.Helper()

	require.NotNil(t, resp)
	require.Equal(t, msgbus.TypeAcknowledgment, resp.Type)

	var ack msgbus.AcknowledgmentPayload
	require.NoError(t, resp.DecodePayload(&ack))
	require.True(t, ack.Success, "expected success ack, got error: %s", ack.Error)
}

func TestBackupStarted_CreatesOperationRowsOnce(t *testing.T) {
	orch := &fakeOrch{}
	ops := &fakeOps{}
	d := newDispatcher(t, orch, ops)

	resp := dispatch(t, d, msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{
		UserID: "u1", Categories: []string{"Files", "Email"},
	})
	requireSuccessAck(t, resp)

	require.Len(t, ops.ops, 2)
	assert.Equal(t, store.StatusInProgress, ops.ops[0].Status)

	// A second BACKUP_STARTED (fresh message id, same user) must not
	// duplicate the rows already created.
	resp = dispatch(t, d, msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{
		UserID: "u1", Categories: []string{"Files", "Email"},
	})
	requireSuccessAck(t, resp)
	assert.Len(t, ops.ops, 2)
}

func TestBackupProgress_UpdatesRowAndDropsRegressions(t *testing.T) {
	orch := &fakeOrch{}
	ops := &fakeOps{}
	d := newDispatcher(t, orch, ops)

	dispatch(t, d, msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{UserID: "u1", Categories: []string{"Files"}})

	resp := dispatch(t, d, msgbus.TypeBackupProgress, msgbus.BackupProgressPayload{
		UserID: "u1", Category: "Files", Progress: 60, BytesTransferred: 600, BytesTotal: 1000,
	})
	requireSuccessAck(t, resp)
	require.Len(t, ops.ops, 1)
	assert.Equal(t, 60, ops.ops[0].Progress)
	assert.Equal(t, int64(600), ops.ops[0].BytesTransferred)

	// A stale reading below the recorded value is dropped, not applied.
	resp = dispatch(t, d, msgbus.TypeBackupProgress, msgbus.BackupProgressPayload{
		UserID: "u1", Category: "Files", Progress: 40, BytesTransferred: 400, BytesTotal: 1000,
	})
	requireSuccessAck(t, resp)
	assert.Equal(t, 60, ops.ops[0].Progress)
	assert.Equal(t, int64(600), ops.ops[0].BytesTransferred)
}

func TestBackupCompleted_FinishesEveryCategoryAndRecomputesGate(t *testing.T) {
	orch := &fakeOrch{}
	ops := &fakeOps{}
	d := newDispatcher(t, orch, ops)

	dispatch(t, d, msgbus.TypeBackupStarted, msgbus.BackupStartedPayload{UserID: "u1", Categories: []string{"Files", "Email"}})

	resp := dispatch(t, d, msgbus.TypeBackupCompleted, msgbus.BackupCompletedPayload{
		UserID: "u1", Success: true,
		Categories: map[string]msgbus.CategoryResult{
			"Files": {Success: true, ItemCount: 12},
			"Email": {Success: false, Error: "mailbox locked"},
		},
	})
	requireSuccessAck(t, resp)

	byCat := map[store.BackupCategory]*store.BackupOperation{}
	for _, op := range ops.ops {
		byCat[op.Category] = op
	}

	require.Len(t, byCat, 2)
	assert.Equal(t, store.StatusCompleted, byCat["Files"].Status)
	assert.Equal(t, 100, byCat["Files"].Progress)
	require.NotNil(t, byCat["Files"].EndedAt)
	assert.Equal(t, store.StatusFailed, byCat["Email"].Status)
	assert.Equal(t, "mailbox locked", byCat["Email"].Error)

	assert.Contains(t, orch.methods(), "gate")
}

func TestDelayRequest_PassesReasonAndDuration(t *testing.T) {
	orch := &fakeOrch{}
	d := newDispatcher(t, orch, &fakeOps{})

	resp := dispatch(t, d, msgbus.TypeDelayRequest, msgbus.DelayRequestPayload{
		UserID: "u1", Reason: "user_busy", RequestedDelaySeconds: 3600,
	})
	requireSuccessAck(t, resp)

	require.Len(t, orch.calls, 1)
	assert.Equal(t, "delay", orch.calls[0].method)
	assert.Equal(t, "user_busy", orch.calls[0].reason)
	assert.Equal(t, time.Hour, orch.calls[0].delay)
}

func TestUserAction_ResumeTriggersOrchestrator(t *testing.T) {
	orch := &fakeOrch{}
	d := newDispatcher(t, orch, &fakeOps{})

	resp := dispatch(t, d, msgbus.TypeUserAction, msgbus.UserActionPayload{UserID: "u1", Action: "resume_backup"})
	requireSuccessAck(t, resp)
	assert.Equal(t, []string{"resume"}, orch.methods())

	resp = dispatch(t, d, msgbus.TypeUserAction, msgbus.UserActionPayload{UserID: "u1", Action: "snooze_reminder"})
	requireSuccessAck(t, resp)
	assert.Equal(t, []string{"resume"}, orch.methods(), "non-resume actions are logged only")
}

func TestErrorReport_FatalPrefixFailsUser(t *testing.T) {
	orch := &fakeOrch{}
	d := newDispatcher(t, orch, &fakeOps{})

	resp := dispatch(t, d, msgbus.TypeErrorReport, msgbus.ErrorReportPayload{
		UserID: "u1", ErrorCode: "DISK_FULL", Message: "scratch volume exhausted",
	})
	requireSuccessAck(t, resp)
	assert.Empty(t, orch.calls)

	resp = dispatch(t, d, msgbus.TypeErrorReport, msgbus.ErrorReportPayload{
		UserID: "u1", ErrorCode: "FATAL_STORE_CORRUPT", Message: "backup store unreadable",
	})
	requireSuccessAck(t, resp)

	require.Len(t, orch.calls, 1)
	assert.Equal(t, "fatal", orch.calls[0].method)
	assert.Contains(t, orch.calls[0].reason, "FATAL_STORE_CORRUPT")
}

func TestErrorReport_LargeMessageSurvivesIntact(t *testing.T) {
	orch := &fakeOrch{}
	d := newDispatcher(t, orch, &fakeOps{})

	big := strings.Repeat("x", 100_000)

	resp := dispatch(t, d, msgbus.TypeErrorReport, msgbus.ErrorReportPayload{
		UserID: "u1", ErrorCode: "FATAL_AGENT_PANIC", Message: big,
	})
	requireSuccessAck(t, resp)

	require.Len(t, orch.calls, 1)
	assert.Len(t, orch.calls[0].reason, len("FATAL_AGENT_PANIC: ")+100_000)
}

func TestHeartbeat_Acknowledged(t *testing.T) {
	orch := &fakeOrch{}
	d := newDispatcher(t, orch, &fakeOps{})

	resp := dispatch(t, d, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "agent-1", SequenceNumber: 7})
	requireSuccessAck(t, resp)
	assert.Empty(t, orch.calls)
}
