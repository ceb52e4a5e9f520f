package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// SaveProfile upserts a UserProfile. user_id is the natural key.
func (s *Store) SaveProfile(ctx context.Context, p *UserProfile) error {
	if !validProfileTypes[p.ProfileType] {
		return coreerr.New(coreerr.KindStore, "INVALID_PROFILE_TYPE", "unknown profile_type "+string(p.ProfileType))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, user_name, profile_path, profile_type, profile_size_bytes,
			last_login, is_active, requires_backup, backup_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name=excluded.user_name, profile_path=excluded.profile_path,
			profile_type=excluded.profile_type, profile_size_bytes=excluded.profile_size_bytes,
			last_login=excluded.last_login, is_active=excluded.is_active,
			requires_backup=excluded.requires_backup, backup_priority=excluded.backup_priority,
			updated_at=excluded.updated_at`,
		p.UserID, p.UserName, p.ProfilePath, string(p.ProfileType), p.ProfileSizeBytes,
		nullableTime(p.LastLogin), p.IsActive, p.RequiresBackup, p.BackupPriority,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "SAVE_PROFILE_FAILED", "saving user profile "+p.UserID, err)
	}

	return nil
}

// GetProfile returns the UserProfile for userID, or a KindStore error
// wrapping sql.ErrNoRows if it does not exist.
func (s *Store) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, profile_path, profile_type, profile_size_bytes,
			last_login, is_active, requires_backup, backup_priority, created_at, updated_at
		FROM user_profiles WHERE user_id = ?`, userID)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Wrap(coreerr.KindStore, "PROFILE_NOT_FOUND", "user "+userID, err)
		}

		return nil, coreerr.Wrap(coreerr.KindStore, "GET_PROFILE_FAILED", "reading user "+userID, err)
	}

	return p, nil
}

// ListProfiles returns every known UserProfile.
func (s *Store) ListProfiles(ctx context.Context) ([]*UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, user_name, profile_path, profile_type, profile_size_bytes,
			last_login, is_active, requires_backup, backup_priority, created_at, updated_at
		FROM user_profiles ORDER BY user_id`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_PROFILES_FAILED", "listing user profiles", err)
	}
	defer rows.Close()

	var out []*UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_PROFILES_FAILED", "scanning user profile row", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// ActiveProfiles returns every UserProfile with IsActive=true.
func (s *Store) ActiveProfiles(ctx context.Context) ([]*UserProfile, error) {
	all, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	var out []*UserProfile
	for _, p := range all {
		if p.IsActive {
			out = append(out, p)
		}
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*UserProfile, error) {
	var p UserProfile
	var profileType string
	var lastLogin sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&p.UserID, &p.UserName, &p.ProfilePath, &profileType, &p.ProfileSizeBytes,
		&lastLogin, &p.IsActive, &p.RequiresBackup, &p.BackupPriority, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if !validProfileTypes[ProfileType(profileType)] {
		return nil, coreerr.New(coreerr.KindStore, "INVALID_PROFILE_TYPE", "stored profile_type "+profileType+" is not recognized")
	}

	p.ProfileType = ProfileType(profileType)

	var err error
	if p.LastLogin, err = parseNullableTime(lastLogin); err != nil {
		return nil, err
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, coreerr.Wrap(coreerr.KindStore, "INVALID_TIMESTAMP", "parsing stored timestamp "+s, err)
	}

	return t, nil
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}

	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
