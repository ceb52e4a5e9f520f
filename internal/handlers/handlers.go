// Package handlers wires the inbound message types to the core services:
// each registered handler reads payload fields and calls into Orchestrator,
// Store, or the logger, then returns a typed response or nil (Dispatcher
// synthesizes a success Acknowledgment). Idempotency with respect to
// message id is Dispatcher's job, not the handlers' — handlers stay simple
// pass-throughs so that guarantee isn't duplicated or accidentally
// weakened.
package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetops/migrationd/internal/connhub"
	"github.com/fleetops/migrationd/internal/msgbus"
	"github.com/fleetops/migrationd/internal/store"
)

// Orchestrator is the subset of *orchestrator.Service the handlers need.
type Orchestrator interface {
	HandleBackupStarted(ctx context.Context, userID string, categories []string) (*store.MigrationState, error)
	HandleBackupProgress(ctx context.Context, userID, category string, progress int) (*store.MigrationState, error)
	HandleBackupCompleted(ctx context.Context, userID, category string, success bool) (*store.MigrationState, error)
	HandleDelayRequest(ctx context.Context, userID, reason string, requestedDelay time.Duration) (*store.MigrationState, error)
	ResumeFromDelay(ctx context.Context, userID string) (*store.MigrationState, error)
	HandleFatalError(ctx context.Context, userID, reason string) (*store.MigrationState, error)
	RecomputeResetGate(ctx context.Context) (canReset bool, blockingUsers, readyUsers []string, err error)
}

// BackupOpStore is the subset of *store.Store used to keep the durable
// BackupOperation row for a category in step with the orchestrator's
// in-memory aggregate.
type BackupOpStore interface {
	CreateBackupOperation(ctx context.Context, op *store.BackupOperation) error
	UpdateBackupOperation(ctx context.Context, op *store.BackupOperation) error
	UserBackupOps(ctx context.Context, userID string) ([]*store.BackupOperation, error)
}

// Clock supplies the current time; production wires capability.SystemClock.
type Clock interface {
	Now() time.Time
}

// fatalErrorPrefix marks an ERROR_REPORT's errorCode as fatal. The wire
// schema carries no boolean fatal flag (see msgbus.ErrorReportPayload), so
// agents opt in through this fixed prefix convention.
const fatalErrorPrefix = "FATAL_"

// Register binds one handler per inbound message type onto d.
// newID generates ids for BackupOperation rows; production wires
// uuid.NewString.
func Register(d *connhub.Dispatcher, orch Orchestrator, ops BackupOpStore, clock Clock, logger *slog.Logger, newID func() string) {
	d.Register(msgbus.TypeAgentStarted, handleAgentStarted(logger))
	d.Register(msgbus.TypeBackupStarted, handleBackupStarted(orch, ops, clock, newID))
	d.Register(msgbus.TypeBackupProgress, handleBackupProgress(orch, ops, clock))
	d.Register(msgbus.TypeBackupCompleted, handleBackupCompleted(orch, ops, clock))
	d.Register(msgbus.TypeDelayRequest, handleDelayRequest(orch))
	d.Register(msgbus.TypeUserAction, handleUserAction(orch, logger))
	d.Register(msgbus.TypeErrorReport, handleErrorReport(orch, logger))
	d.Register(msgbus.TypeHeartbeat, handleHeartbeat())
}

// handleAgentStarted has nothing left to do beyond acknowledging: binding
// the connection's client_id to the payload's userId is Dispatcher/Hub's
// own responsibility (connhub.Dispatcher.Dispatch's onBind hook).
func handleAgentStarted(logger *slog.Logger) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.AgentStartedPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		logger.Info("agent started", "user_id", p.UserID, "agent_version", p.AgentVersion, "session_id", p.SessionID, "client_id", clientID)

		return nil, nil
	}
}

func handleBackupStarted(orch Orchestrator, ops BackupOpStore, clock Clock, newID func() string) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.BackupStartedPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		if _, err := orch.HandleBackupStarted(ctx, p.UserID, p.Categories); err != nil {
			return nil, err
		}

		if err := ensureBackupOperations(ctx, ops, clock, newID, p.UserID, p.Categories); err != nil {
			return nil, err
		}

		return nil, nil
	}
}

// ensureBackupOperations creates a BackupOperation row for every category
// not already tracked for the user, idempotently: a replay of
// BACKUP_STARTED must not create duplicate rows, so an existing row for
// (user, category) is left untouched.
func ensureBackupOperations(ctx context.Context, ops BackupOpStore, clock Clock, newID func() string, userID string, categories []string) error {
	existing, err := ops.UserBackupOps(ctx, userID)
	if err != nil {
		return err
	}

	have := make(map[store.BackupCategory]bool, len(existing))
	for _, op := range existing {
		have[op.Category] = true
	}

	now := clock.Now()

	for _, c := range categories {
		cat := store.BackupCategory(c)
		if have[cat] {
			continue
		}

		op := &store.BackupOperation{
			ID: newID(), UserID: userID, Category: cat, Status: store.StatusInProgress,
			StartedAt: now, LastUpdated: now,
		}
		if err := ops.CreateBackupOperation(ctx, op); err != nil {
			return err
		}
	}

	return nil
}

func handleBackupProgress(orch Orchestrator, ops BackupOpStore, clock Clock) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.BackupProgressPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		if _, err := orch.HandleBackupProgress(ctx, p.UserID, p.Category, p.Progress); err != nil {
			return nil, err
		}

		if err := updateBackupOperationProgress(ctx, ops, clock, p.UserID, p.Category, p.Progress, p.BytesTransferred, p.BytesTotal); err != nil {
			return nil, err
		}

		return nil, nil
	}
}

func updateBackupOperationProgress(ctx context.Context, ops BackupOpStore, clock Clock, userID, category string, progress int, bytesTransferred, bytesTotal int64) error {
	op, ok, err := findBackupOp(ctx, ops, userID, category)
	if err != nil || !ok {
		return err
	}

	if progress < op.Progress {
		// Progress is monotone: a late or reordered reading below the
		// already-recorded value is dropped rather than rejected outright.
		return nil
	}

	op.Progress = progress
	op.BytesTransferred = bytesTransferred
	op.BytesTotal = bytesTotal
	op.LastUpdated = clock.Now()

	return ops.UpdateBackupOperation(ctx, op)
}

func handleBackupCompleted(orch Orchestrator, ops BackupOpStore, clock Clock) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.BackupCompletedPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		for category, result := range p.Categories {
			if _, err := orch.HandleBackupCompleted(ctx, p.UserID, category, result.Success); err != nil {
				return nil, err
			}

			if err := finishBackupOperation(ctx, ops, clock, p.UserID, category, result); err != nil {
				return nil, err
			}
		}

		if _, _, _, err := orch.RecomputeResetGate(ctx); err != nil {
			return nil, err
		}

		return nil, nil
	}
}

func finishBackupOperation(ctx context.Context, ops BackupOpStore, clock Clock, userID, category string, result msgbus.CategoryResult) error {
	op, ok, err := findBackupOp(ctx, ops, userID, category)
	if err != nil || !ok {
		return err
	}

	now := clock.Now()

	if result.Success {
		op.Status = store.StatusCompleted
		op.Progress = 100
	} else {
		op.Status = store.StatusFailed
		op.Error = result.Error
	}

	op.EndedAt = &now
	op.LastUpdated = now

	return ops.UpdateBackupOperation(ctx, op)
}

func findBackupOp(ctx context.Context, ops BackupOpStore, userID, category string) (*store.BackupOperation, bool, error) {
	all, err := ops.UserBackupOps(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	for _, op := range all {
		if string(op.Category) == category {
			return op, true, nil
		}
	}

	return nil, false, nil
}

func handleDelayRequest(orch Orchestrator) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.DelayRequestPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		if _, err := orch.HandleDelayRequest(ctx, p.UserID, p.Reason, time.Duration(p.RequestedDelaySeconds)*time.Second); err != nil {
			return nil, err
		}

		return nil, nil
	}
}

// resumeAction is the USER_ACTION value that moves a Delayed user back to
// InProgress. Any other action is logged only; the action vocabulary is
// open beyond this one state-machine trigger.
const resumeAction = "resume_backup"

func handleUserAction(orch Orchestrator, logger *slog.Logger) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.UserActionPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		if p.Action == resumeAction {
			if _, err := orch.ResumeFromDelay(ctx, p.UserID); err != nil {
				return nil, err
			}

			return nil, nil
		}

		logger.Info("user action", "user_id", p.UserID, "action", p.Action, "details", p.Details)

		return nil, nil
	}
}

func handleErrorReport(orch Orchestrator, logger *slog.Logger) connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		var p msgbus.ErrorReportPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}

		logger.Warn("error report", "user_id", p.UserID, "error_code", p.ErrorCode, "message", p.Message)

		if strings.HasPrefix(p.ErrorCode, fatalErrorPrefix) {
			if _, err := orch.HandleFatalError(ctx, p.UserID, p.ErrorCode+": "+p.Message); err != nil {
				return nil, err
			}
		}

		return nil, nil
	}
}

// handleHeartbeat has nothing to do beyond acknowledging: Hub's read loop
// already refreshes the connection's last-seen timestamp on every frame,
// heartbeat or not.
func handleHeartbeat() connhub.Handler {
	return func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, nil
	}
}
