package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// CreateBackupOperation inserts a new BackupOperation row. Returns a
// KindConflict error if one already exists for the (user, category) pair in
// a non-terminal state — callers may translate that to an idempotent no-op
// per the Store's stated failure contract.
func (s *Store) CreateBackupOperation(ctx context.Context, op *BackupOperation) error {
	if !validCategories[op.Category] {
		return coreerr.New(coreerr.KindStore, "INVALID_CATEGORY", "unknown category "+string(op.Category))
	}

	if !validOperationStatuses[op.Status] {
		return coreerr.New(coreerr.KindStore, "INVALID_STATUS", "unknown status "+string(op.Status))
	}

	existing, err := s.UserBackupOps(ctx, op.UserID)
	if err != nil {
		return err
	}

	for _, e := range existing {
		if e.Category == op.Category && !terminalOperationStatuses[e.Status] {
			return coreerr.New(coreerr.KindConflict, "BACKUP_OP_ACTIVE",
				"an active backup operation already exists for "+op.UserID+" "+string(op.Category))
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backup_operations (id, user_id, category, status, progress, bytes_transferred,
			bytes_total, started_at, last_updated, ended_at, error, retry_count, last_error_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.UserID, string(op.Category), string(op.Status), op.Progress, op.BytesTransferred,
		op.BytesTotal, formatTime(op.StartedAt), formatTime(op.LastUpdated), nullableTime(op.EndedAt),
		nullString(op.Error), op.RetryCount, nullString(op.LastErrorCategory),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coreerr.Wrap(coreerr.KindConflict, "BACKUP_OP_EXISTS", "backup operation "+op.ID+" already exists", err)
		}

		return coreerr.Wrap(coreerr.KindStore, "CREATE_BACKUP_OP_FAILED", "creating backup operation", err)
	}

	return nil
}

// UpdateBackupOperation overwrites a BackupOperation's mutable fields.
// Rejects the write (KindConflict) if the stored row is already terminal —
// terminal statuses are immutable per the Store's invariant.
func (s *Store) UpdateBackupOperation(ctx context.Context, op *BackupOperation) error {
	current, err := s.GetBackupOperation(ctx, op.ID)
	if err != nil {
		return err
	}

	if terminalOperationStatuses[current.Status] {
		return coreerr.New(coreerr.KindConflict, "BACKUP_OP_TERMINAL",
			"backup operation "+op.ID+" is already terminal ("+string(current.Status)+")")
	}

	if op.Progress < current.Progress {
		return coreerr.New(coreerr.KindStore, "BACKUP_OP_REGRESSED",
			"backup operation "+op.ID+" progress may not decrease")
	}

	if op.Status == StatusCompleted && op.Progress != 100 {
		return coreerr.New(coreerr.KindStore, "BACKUP_OP_INCONSISTENT",
			"backup operation "+op.ID+" marked Completed with progress != 100")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE backup_operations SET status=?, progress=?, bytes_transferred=?, bytes_total=?,
			last_updated=?, ended_at=?, error=?, retry_count=?, last_error_category=?
		WHERE id=?`,
		string(op.Status), op.Progress, op.BytesTransferred, op.BytesTotal, formatTime(op.LastUpdated),
		nullableTime(op.EndedAt), nullString(op.Error), op.RetryCount, nullString(op.LastErrorCategory), op.ID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "UPDATE_BACKUP_OP_FAILED", "updating backup operation "+op.ID, err)
	}

	return nil
}

// GetBackupOperation returns a BackupOperation by id.
func (s *Store) GetBackupOperation(ctx context.Context, id string) (*BackupOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, status, progress, bytes_transferred, bytes_total,
			started_at, last_updated, ended_at, error, retry_count, last_error_category
		FROM backup_operations WHERE id = ?`, id)

	op, err := scanBackupOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Wrap(coreerr.KindStore, "BACKUP_OP_NOT_FOUND", "operation "+id, err)
		}

		return nil, coreerr.Wrap(coreerr.KindStore, "GET_BACKUP_OP_FAILED", "reading operation "+id, err)
	}

	return op, nil
}

// UserBackupOps returns every BackupOperation for a user, ordered by
// category.
func (s *Store) UserBackupOps(ctx context.Context, userID string) ([]*BackupOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, status, progress, bytes_transferred, bytes_total,
			started_at, last_updated, ended_at, error, retry_count, last_error_category
		FROM backup_operations WHERE user_id = ? ORDER BY category`, userID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_BACKUP_OPS_FAILED", "listing operations for "+userID, err)
	}
	defer rows.Close()

	var out []*BackupOperation
	for rows.Next() {
		op, err := scanBackupOperation(rows)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_BACKUP_OPS_FAILED", "scanning operation row", err)
		}

		out = append(out, op)
	}

	return out, rows.Err()
}

func scanBackupOperation(row rowScanner) (*BackupOperation, error) {
	var op BackupOperation
	var category, status string
	var startedAt, lastUpdated string
	var endedAt sql.NullString
	var errText, lastErrCat sql.NullString

	if err := row.Scan(&op.ID, &op.UserID, &category, &status, &op.Progress, &op.BytesTransferred,
		&op.BytesTotal, &startedAt, &lastUpdated, &endedAt, &errText, &op.RetryCount, &lastErrCat); err != nil {
		return nil, err
	}

	op.Category = BackupCategory(category)
	op.Status = OperationStatus(status)
	op.Error = errText.String
	op.LastErrorCategory = lastErrCat.String

	var err error
	if op.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}

	if op.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}

	if op.EndedAt, err = parseNullableTime(endedAt); err != nil {
		return nil, err
	}

	return &op, nil
}

// SaveMigrationState upserts a user's per-user state-machine row.
func (s *Store) SaveMigrationState(ctx context.Context, ms *MigrationState) error {
	if !validPhases[ms.Phase] {
		return coreerr.New(coreerr.KindStore, "INVALID_PHASE", "unknown phase "+string(ms.Phase))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_state (user_id, phase, overall_progress, deadline, delays_used, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			phase=excluded.phase, overall_progress=excluded.overall_progress,
			deadline=excluded.deadline, delays_used=excluded.delays_used, last_updated=excluded.last_updated`,
		ms.UserID, string(ms.Phase), ms.OverallProgress, formatTime(ms.Deadline), ms.DelaysUsed, formatTime(ms.LastUpdated),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_MIGRATION_STATE_FAILED", "saving migration state for "+ms.UserID, err)
	}

	return nil
}

// GetMigrationState returns a user's MigrationState, if present.
func (s *Store) GetMigrationState(ctx context.Context, userID string) (*MigrationState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, phase, overall_progress, deadline, delays_used, last_updated
		FROM migration_state WHERE user_id = ?`, userID)

	var ms MigrationState
	var phase, deadline, lastUpdated string

	err := row.Scan(&ms.UserID, &phase, &ms.OverallProgress, &deadline, &ms.DelaysUsed, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_MIGRATION_STATE_FAILED", "reading state for "+userID, err)
	}

	if !validPhases[Phase(phase)] {
		return nil, false, coreerr.New(coreerr.KindStore, "INVALID_PHASE", "stored phase "+phase+" is not recognized")
	}

	ms.Phase = Phase(phase)

	if ms.Deadline, err = parseTime(deadline); err != nil {
		return nil, false, err
	}

	if ms.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, false, err
	}

	return &ms, true, nil
}

// AllMigrationStates returns every persisted MigrationState, used by the
// Orchestrator to recompute the reset gate.
func (s *Store) AllMigrationStates(ctx context.Context) ([]*MigrationState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, phase, overall_progress, deadline, delays_used, last_updated FROM migration_state`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_MIGRATION_STATES_FAILED", "listing migration states", err)
	}
	defer rows.Close()

	var out []*MigrationState
	for rows.Next() {
		var ms MigrationState
		var phase, deadline, lastUpdated string

		if err := rows.Scan(&ms.UserID, &phase, &ms.OverallProgress, &deadline, &ms.DelaysUsed, &lastUpdated); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_MIGRATION_STATES_FAILED", "scanning state row", err)
		}

		ms.Phase = Phase(phase)

		if ms.Deadline, err = parseTime(deadline); err != nil {
			return nil, err
		}

		if ms.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, err
		}

		out = append(out, &ms)
	}

	return out, rows.Err()
}
