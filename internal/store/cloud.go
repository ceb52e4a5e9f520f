package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// SaveCloudStatus upserts a user's cached CloudStatusSnapshot.
func (s *Store) SaveCloudStatus(ctx context.Context, cs *CloudStatusSnapshot) error {
	if !validSyncStatuses[cs.SyncStatus] {
		return coreerr.New(coreerr.KindStore, "INVALID_SYNC_STATUS", "unknown sync_status "+string(cs.SyncStatus))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO onedrive_status (user_id, is_installed, is_running, is_signed_in, account_email,
			primary_sync_folder, sync_status, account_info_json, error_details, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_installed=excluded.is_installed, is_running=excluded.is_running,
			is_signed_in=excluded.is_signed_in, account_email=excluded.account_email,
			primary_sync_folder=excluded.primary_sync_folder, sync_status=excluded.sync_status,
			account_info_json=excluded.account_info_json, error_details=excluded.error_details,
			last_checked=excluded.last_checked`,
		cs.UserID, cs.IsInstalled, cs.IsRunning, cs.IsSignedIn, nullString(cs.AccountEmail),
		nullString(cs.PrimarySyncFolder), string(cs.SyncStatus), nullString(cs.AccountInfoJSON),
		nullString(cs.ErrorDetails), formatTime(cs.LastChecked),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_CLOUD_STATUS_FAILED", "saving cloud status for "+cs.UserID, err)
	}

	return nil
}

// GetCloudStatus returns the cached CloudStatusSnapshot for a user, if
// present.
func (s *Store) GetCloudStatus(ctx context.Context, userID string) (*CloudStatusSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, is_installed, is_running, is_signed_in, account_email, primary_sync_folder,
			sync_status, account_info_json, error_details, last_checked
		FROM onedrive_status WHERE user_id = ?`, userID)

	var cs CloudStatusSnapshot
	var accountEmail, syncFolder, accountInfo, errDetails sql.NullString
	var syncStatus, lastChecked string

	err := row.Scan(&cs.UserID, &cs.IsInstalled, &cs.IsRunning, &cs.IsSignedIn, &accountEmail, &syncFolder,
		&syncStatus, &accountInfo, &errDetails, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_CLOUD_STATUS_FAILED", "reading cloud status for "+userID, err)
	}

	cs.AccountEmail = accountEmail.String
	cs.PrimarySyncFolder = syncFolder.String
	cs.AccountInfoJSON = accountInfo.String
	cs.ErrorDetails = errDetails.String
	cs.SyncStatus = SyncStatus(syncStatus)

	if cs.LastChecked, err = parseTime(lastChecked); err != nil {
		return nil, false, err
	}

	return &cs, true, nil
}

// SetFolderScope upserts whether a (user, account, folder) triple is
// currently in the selective-sync scope.
func (s *Store) SetFolderScope(ctx context.Context, userID, account, folder string, inScope bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO onedrive_synced_folders (user_id, account_email, folder_path, in_scope)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, account_email, folder_path) DO UPDATE SET in_scope=excluded.in_scope`,
		userID, account, folder, inScope,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SET_FOLDER_SCOPE_FAILED", "setting scope for "+folder, err)
	}

	return nil
}

// FolderScope returns the set of folders currently marked in-scope for a
// (user, account) pair.
func (s *Store) FolderScope(ctx context.Context, userID, account string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder_path, in_scope FROM onedrive_synced_folders WHERE user_id = ? AND account_email = ?`,
		userID, account)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "GET_FOLDER_SCOPE_FAILED", "listing scope for "+userID, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var path string
		var inScope bool

		if err := rows.Scan(&path, &inScope); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "GET_FOLDER_SCOPE_FAILED", "scanning scope row", err)
		}

		out[path] = inScope
	}

	return out, rows.Err()
}

// CreateSyncOperation inserts a new SyncOperation row. Returns KindConflict
// if a non-terminal operation already exists for the (user, folder) pair.
func (s *Store) CreateSyncOperation(ctx context.Context, op *SyncOperation) error {
	existing, err := s.ActiveSyncOp(ctx, op.UserID, op.FolderPath)
	if err != nil {
		return err
	}

	if existing != nil {
		return coreerr.New(coreerr.KindConflict, "SYNC_OP_ACTIVE",
			"an active sync operation already exists for "+op.UserID+" "+op.FolderPath)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, user_id, folder_path, status, started_at, ended_at, files_total,
			files_uploaded, bytes_total, bytes_uploaded, local_only_files, error_count, retry_count,
			last_retry, session_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.UserID, op.FolderPath, string(op.Status), formatTime(op.StartedAt), nullableTime(op.EndedAt),
		nullInt(op.FilesTotal), nullInt(op.FilesUploaded), nullInt64(op.BytesTotal), nullInt64(op.BytesUploaded),
		nullInt(op.LocalOnlyFiles), op.ErrorCount, op.RetryCount, nullableTime(op.LastRetry), nullString(op.SessionURL),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "CREATE_SYNC_OP_FAILED", "creating sync operation", err)
	}

	return nil
}

// UpdateSyncOperation overwrites a SyncOperation's mutable fields. Rejects
// the write if the stored row is already terminal.
func (s *Store) UpdateSyncOperation(ctx context.Context, op *SyncOperation) error {
	current, err := s.GetSyncOperation(ctx, op.ID)
	if err != nil {
		return err
	}

	if terminalOperationStatuses[current.Status] {
		return coreerr.New(coreerr.KindConflict, "SYNC_OP_TERMINAL",
			"sync operation "+op.ID+" is already terminal ("+string(current.Status)+")")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status=?, ended_at=?, files_total=?, files_uploaded=?, bytes_total=?,
			bytes_uploaded=?, local_only_files=?, error_count=?, retry_count=?, last_retry=?, session_url=?
		WHERE id=?`,
		string(op.Status), nullableTime(op.EndedAt), nullInt(op.FilesTotal), nullInt(op.FilesUploaded),
		nullInt64(op.BytesTotal), nullInt64(op.BytesUploaded), nullInt(op.LocalOnlyFiles), op.ErrorCount,
		op.RetryCount, nullableTime(op.LastRetry), nullString(op.SessionURL), op.ID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "UPDATE_SYNC_OP_FAILED", "updating sync operation "+op.ID, err)
	}

	return nil
}

// GetSyncOperation returns a SyncOperation by id.
func (s *Store) GetSyncOperation(ctx context.Context, id string) (*SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, folder_path, status, started_at, ended_at, files_total, files_uploaded,
			bytes_total, bytes_uploaded, local_only_files, error_count, retry_count, last_retry, session_url
		FROM sync_operations WHERE id = ?`, id)

	op, err := scanSyncOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Wrap(coreerr.KindStore, "SYNC_OP_NOT_FOUND", "operation "+id, err)
		}

		return nil, coreerr.Wrap(coreerr.KindStore, "GET_SYNC_OP_FAILED", "reading operation "+id, err)
	}

	return op, nil
}

// ActiveSyncOp returns the non-terminal SyncOperation for (user, folder), if
// any.
func (s *Store) ActiveSyncOp(ctx context.Context, userID, folder string) (*SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, folder_path, status, started_at, ended_at, files_total, files_uploaded,
			bytes_total, bytes_uploaded, local_only_files, error_count, retry_count, last_retry, session_url
		FROM sync_operations WHERE user_id = ? AND folder_path = ?`, userID, folder)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "GET_ACTIVE_SYNC_OP_FAILED", "querying sync operations", err)
	}
	defer rows.Close()

	for rows.Next() {
		op, err := scanSyncOperation(rows)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "GET_ACTIVE_SYNC_OP_FAILED", "scanning sync operation row", err)
		}

		if !terminalOperationStatuses[op.Status] {
			return op, nil
		}
	}

	return nil, rows.Err()
}

func scanSyncOperation(row rowScanner) (*SyncOperation, error) {
	var op SyncOperation
	var status, startedAt string
	var endedAt, lastRetry, sessionURL sql.NullString
	var filesTotal, filesUploaded, localOnly sql.NullInt64
	var bytesTotal, bytesUploaded sql.NullInt64

	if err := row.Scan(&op.ID, &op.UserID, &op.FolderPath, &status, &startedAt, &endedAt, &filesTotal,
		&filesUploaded, &bytesTotal, &bytesUploaded, &localOnly, &op.ErrorCount, &op.RetryCount,
		&lastRetry, &sessionURL); err != nil {
		return nil, err
	}

	op.Status = OperationStatus(status)
	op.SessionURL = sessionURL.String

	var err error
	if op.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}

	if op.EndedAt, err = parseNullableTime(endedAt); err != nil {
		return nil, err
	}

	if op.LastRetry, err = parseNullableTime(lastRetry); err != nil {
		return nil, err
	}

	op.FilesTotal = nullIntPtr(filesTotal)
	op.FilesUploaded = nullIntPtr(filesUploaded)
	op.LocalOnlyFiles = nullIntPtr(localOnly)
	op.BytesTotal = nullInt64Ptr(bytesTotal)
	op.BytesUploaded = nullInt64Ptr(bytesUploaded)

	return &op, nil
}

// AppendSyncError records a failed file transfer within a SyncOperation.
func (s *Store) AppendSyncError(ctx context.Context, se *SyncError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_errors (id, sync_op_id, file_path, error_message, category, retry_attempts,
			is_resolved, escalated_to_it, error_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.SyncOpID, se.FilePath, se.ErrorMessage, string(se.Category), se.RetryAttempts,
		se.IsResolved, se.EscalatedToIT, formatTime(se.ErrorTime),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "APPEND_SYNC_ERROR_FAILED", "recording sync error for "+se.SyncOpID, err)
	}

	return nil
}

// UnresolvedSyncErrors returns every unresolved SyncError for a
// SyncOperation.
func (s *Store) UnresolvedSyncErrors(ctx context.Context, syncOpID string) ([]*SyncError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_op_id, file_path, error_message, category, retry_attempts, is_resolved,
			escalated_to_it, error_time
		FROM sync_errors WHERE sync_op_id = ? AND is_resolved = 0`, syncOpID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_SYNC_ERRORS_FAILED", "listing sync errors for "+syncOpID, err)
	}
	defer rows.Close()

	var out []*SyncError
	for rows.Next() {
		var se SyncError
		var category, errorTime string

		if err := rows.Scan(&se.ID, &se.SyncOpID, &se.FilePath, &se.ErrorMessage, &category,
			&se.RetryAttempts, &se.IsResolved, &se.EscalatedToIT, &errorTime); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_SYNC_ERRORS_FAILED", "scanning sync error row", err)
		}

		se.Category = ErrorCategory(category)

		if se.ErrorTime, err = parseTime(errorTime); err != nil {
			return nil, err
		}

		out = append(out, &se)
	}

	return out, rows.Err()
}

// ResolveSyncError marks a SyncError as resolved.
func (s *Store) ResolveSyncError(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_errors SET is_resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "RESOLVE_SYNC_ERROR_FAILED", "resolving sync error "+id, err)
	}

	return nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}

	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}

	return *p
}

func nullIntPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}

	v := int(ni.Int64)

	return &v
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}

	v := ni.Int64

	return &v
}
