package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// SaveQuotaStatus upserts the latest QuotaStatus snapshot for a user.
func (s *Store) SaveQuotaStatus(ctx context.Context, qs *QuotaStatus) error {
	issues, err := json.Marshal(qs.Issues)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "MARSHAL_ISSUES_FAILED", "marshaling quota issues", err)
	}

	recs, err := json.Marshal(qs.Recommendations)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "MARSHAL_RECOMMENDATIONS_FAILED", "marshaling quota recommendations", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quota_status (user_id, health, total_mb, used_mb, available_mb, required_mb,
			shortfall_mb, usage_pct, can_accommodate_backup, issues_json, recommendations_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			health=excluded.health, total_mb=excluded.total_mb, used_mb=excluded.used_mb,
			available_mb=excluded.available_mb, required_mb=excluded.required_mb,
			shortfall_mb=excluded.shortfall_mb, usage_pct=excluded.usage_pct,
			can_accommodate_backup=excluded.can_accommodate_backup, issues_json=excluded.issues_json,
			recommendations_json=excluded.recommendations_json, updated_at=excluded.updated_at`,
		qs.UserID, string(qs.Health), qs.TotalMB, qs.UsedMB, qs.AvailableMB, qs.RequiredMB, qs.ShortfallMB,
		qs.UsagePct, qs.CanAccommodateBackup, string(issues), string(recs), formatTime(qs.UpdatedAt),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_QUOTA_STATUS_FAILED", "saving quota status for "+qs.UserID, err)
	}

	return nil
}

// GetQuotaStatus returns the latest persisted QuotaStatus for a user, if
// present.
func (s *Store) GetQuotaStatus(ctx context.Context, userID string) (*QuotaStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, health, total_mb, used_mb, available_mb, required_mb, shortfall_mb, usage_pct,
			can_accommodate_backup, issues_json, recommendations_json, updated_at
		FROM quota_status WHERE user_id = ?`, userID)

	var qs QuotaStatus
	var health, updatedAt string
	var issuesJSON, recsJSON sql.NullString

	err := row.Scan(&qs.UserID, &health, &qs.TotalMB, &qs.UsedMB, &qs.AvailableMB, &qs.RequiredMB,
		&qs.ShortfallMB, &qs.UsagePct, &qs.CanAccommodateBackup, &issuesJSON, &recsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_QUOTA_STATUS_FAILED", "reading quota status for "+userID, err)
	}

	qs.Health = QuotaHealth(health)

	if issuesJSON.Valid && issuesJSON.String != "" {
		if err := json.Unmarshal([]byte(issuesJSON.String), &qs.Issues); err != nil {
			return nil, false, coreerr.Wrap(coreerr.KindStore, "UNMARSHAL_ISSUES_FAILED", "parsing quota issues", err)
		}
	}

	if recsJSON.Valid && recsJSON.String != "" {
		if err := json.Unmarshal([]byte(recsJSON.String), &qs.Recommendations); err != nil {
			return nil, false, coreerr.Wrap(coreerr.KindStore, "UNMARSHAL_RECOMMENDATIONS_FAILED", "parsing quota recommendations", err)
		}
	}

	if qs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, false, err
	}

	return &qs, true, nil
}

// CreateQuotaWarning inserts a new QuotaWarning row.
func (s *Store) CreateQuotaWarning(ctx context.Context, w *QuotaWarning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_warnings (id, user_id, warning_type, level, title, message, created_at,
			resolved_at, is_resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, string(w.WarningType), string(w.Level), w.Title, w.Message, formatTime(w.CreatedAt),
		nullableTime(w.ResolvedAt), w.IsResolved,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "CREATE_QUOTA_WARNING_FAILED", "creating quota warning for "+w.UserID, err)
	}

	return nil
}

// UnresolvedWarnings returns every unresolved QuotaWarning for a user.
func (s *Store) UnresolvedWarnings(ctx context.Context, userID string) ([]*QuotaWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, warning_type, level, title, message, created_at, resolved_at, is_resolved
		FROM quota_warnings WHERE user_id = ? AND is_resolved = 0`, userID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_WARNINGS_FAILED", "listing warnings for "+userID, err)
	}
	defer rows.Close()

	return scanWarnings(rows)
}

// ResolvedWarningsSince returns resolved QuotaWarnings of a type for a user
// created after `since`, used by QuotaSvc's repeated-warnings cooldown rule.
func (s *Store) ResolvedWarningsSince(ctx context.Context, userID string, warningType WarningType, since string) ([]*QuotaWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, warning_type, level, title, message, created_at, resolved_at, is_resolved
		FROM quota_warnings WHERE user_id = ? AND warning_type = ? AND is_resolved = 1 AND created_at >= ?`,
		userID, string(warningType), since)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_WARNINGS_FAILED", "listing resolved warnings for "+userID, err)
	}
	defer rows.Close()

	return scanWarnings(rows)
}

func scanWarnings(rows *sql.Rows) ([]*QuotaWarning, error) {
	var out []*QuotaWarning
	for rows.Next() {
		var w QuotaWarning
		var warningType, level, createdAt string
		var resolvedAt sql.NullString

		if err := rows.Scan(&w.ID, &w.UserID, &warningType, &level, &w.Title, &w.Message, &createdAt,
			&resolvedAt, &w.IsResolved); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_WARNINGS_FAILED", "scanning warning row", err)
		}

		w.WarningType = WarningType(warningType)
		w.Level = WarningLevel(level)

		var err error
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		if w.ResolvedAt, err = parseNullableTime(resolvedAt); err != nil {
			return nil, err
		}

		out = append(out, &w)
	}

	return out, rows.Err()
}

// ResolveQuotaWarning marks a warning resolved at the given time.
func (s *Store) ResolveQuotaWarning(ctx context.Context, id string, resolvedAt string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE quota_warnings SET is_resolved = 1, resolved_at = ? WHERE id = ?`, resolvedAt, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "RESOLVE_WARNING_FAILED", "resolving warning "+id, err)
	}

	return nil
}
