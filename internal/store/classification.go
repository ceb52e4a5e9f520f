package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// SaveClassification upserts the current ClassificationRecord for a user.
func (s *Store) SaveClassification(ctx context.Context, c *ClassificationRecord) error {
	if !validClassifications[c.Classification] {
		return coreerr.New(coreerr.KindStore, "INVALID_CLASSIFICATION", "unknown classification "+string(c.Classification))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_classifications (user_id, classification, confidence, reason, rule_set_name,
			rule_set_version, activity_score, is_overridden, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			classification=excluded.classification, confidence=excluded.confidence, reason=excluded.reason,
			rule_set_name=excluded.rule_set_name, rule_set_version=excluded.rule_set_version,
			activity_score=excluded.activity_score, is_overridden=excluded.is_overridden,
			updated_at=excluded.updated_at`,
		c.UserID, string(c.Classification), c.Confidence, c.Reason, nullString(c.RuleSetName),
		nullString(c.RuleSetVersion), nullFloat(c.ActivityScore), c.IsOverridden,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_CLASSIFICATION_FAILED", "saving classification for "+c.UserID, err)
	}

	return nil
}

// GetClassification returns the current ClassificationRecord for a user, if
// one exists.
func (s *Store) GetClassification(ctx context.Context, userID string) (*ClassificationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, classification, confidence, reason, rule_set_name, rule_set_version,
			activity_score, is_overridden, created_at, updated_at
		FROM user_classifications WHERE user_id = ?`, userID)

	var c ClassificationRecord
	var classification string
	var ruleSetName, ruleSetVersion sql.NullString
	var activityScore sql.NullFloat64
	var createdAt, updatedAt string

	err := row.Scan(&c.UserID, &classification, &c.Confidence, &c.Reason, &ruleSetName, &ruleSetVersion,
		&activityScore, &c.IsOverridden, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_CLASSIFICATION_FAILED", "reading classification for "+userID, err)
	}

	if !validClassifications[Classification(classification)] {
		return nil, false, coreerr.New(coreerr.KindStore, "INVALID_CLASSIFICATION", "stored classification "+classification+" is not recognized")
	}

	c.Classification = Classification(classification)
	c.RuleSetName = ruleSetName.String
	c.RuleSetVersion = ruleSetVersion.String

	if activityScore.Valid {
		c.ActivityScore = &activityScore.Float64
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, false, err
	}

	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, false, err
	}

	return &c, true, nil
}

// AppendClassificationHistory writes an immutable audit row. Called whenever
// a user's effective classification changes.
func (s *Store) AppendClassificationHistory(ctx context.Context, h *ClassificationHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_history
			(id, user_id, old_classification, new_classification, change_time, reason, activity_snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, nullString(string(h.OldClassification)), string(h.NewClassification),
		formatTime(h.ChangeTime), h.Reason, h.ActivitySnapshotJSON,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "APPEND_HISTORY_FAILED", "appending classification history for "+h.UserID, err)
	}

	return nil
}

// ClassificationHistoryFor returns history rows for a user, most recent
// first, bounded by limit (0 means unbounded).
func (s *Store) ClassificationHistoryFor(ctx context.Context, userID string, limit int) ([]*ClassificationHistory, error) {
	query := `SELECT id, user_id, old_classification, new_classification, change_time, reason, activity_snapshot_json
		FROM classification_history WHERE user_id = ? ORDER BY change_time DESC`

	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_HISTORY_FAILED", "listing classification history for "+userID, err)
	}
	defer rows.Close()

	var out []*ClassificationHistory
	for rows.Next() {
		var h ClassificationHistory
		var oldClass sql.NullString
		var changeTime string

		if err := rows.Scan(&h.ID, &h.UserID, &oldClass, &h.NewClassification, &changeTime, &h.Reason, &h.ActivitySnapshotJSON); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_HISTORY_FAILED", "scanning classification history row", err)
		}

		h.OldClassification = Classification(oldClass.String)

		if h.ChangeTime, err = parseTime(changeTime); err != nil {
			return nil, err
		}

		out = append(out, &h)
	}

	return out, rows.Err()
}

// SaveOverride upserts a manual classification override.
func (s *Store) SaveOverride(ctx context.Context, o *Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_overrides (user_id, target_classification, applied_by, reason, applied_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			target_classification=excluded.target_classification, applied_by=excluded.applied_by,
			reason=excluded.reason, applied_at=excluded.applied_at, expires_at=excluded.expires_at`,
		o.UserID, string(o.TargetClassification), o.AppliedBy, o.Reason, formatTime(o.AppliedAt), nullableTime(o.ExpiresAt),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_OVERRIDE_FAILED", "saving override for "+o.UserID, err)
	}

	return nil
}

// GetOverride returns the Override for a user, if one exists (expired or
// not — callers check expiry themselves per spec semantics).
func (s *Store) GetOverride(ctx context.Context, userID string) (*Override, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, target_classification, applied_by, reason, applied_at, expires_at
		FROM classification_overrides WHERE user_id = ?`, userID)

	var o Override
	var target string
	var appliedAt string
	var expiresAt sql.NullString

	err := row.Scan(&o.UserID, &target, &o.AppliedBy, &o.Reason, &appliedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_OVERRIDE_FAILED", "reading override for "+userID, err)
	}

	o.TargetClassification = Classification(target)

	if o.AppliedAt, err = parseTime(appliedAt); err != nil {
		return nil, false, err
	}

	if o.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return nil, false, err
	}

	return &o, true, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}

	return *f
}
