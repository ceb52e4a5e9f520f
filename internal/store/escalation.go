package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// CreateEscalation inserts a new Escalation row.
func (s *Store) CreateEscalation(ctx context.Context, e *Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, user_id, kind, priority, description, details, created_at,
			updated_at, resolved_at, acknowledged_by, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.UserID), string(e.Kind), string(e.Priority), e.Description, e.Details,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), nullableTime(e.ResolvedAt),
		nullString(e.AcknowledgedBy), nullableTime(e.AcknowledgedAt),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "CREATE_ESCALATION_FAILED", "creating escalation", err)
	}

	return nil
}

// UpdateEscalationDetails amends an open Escalation's details and bumps
// updated_at — the throttling/collapse path in Orchestrator.
func (s *Store) UpdateEscalationDetails(ctx context.Context, id, details, updatedAt string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalations SET details = ?, updated_at = ? WHERE id = ?`, details, updatedAt, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "UPDATE_ESCALATION_FAILED", "updating escalation "+id, err)
	}

	return nil
}

// AcknowledgeEscalation records that an operator has claimed an escalation.
func (s *Store) AcknowledgeEscalation(ctx context.Context, id, by, at string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalations SET acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`, by, at, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "ACK_ESCALATION_FAILED", "acknowledging escalation "+id, err)
	}

	return nil
}

// ResolveEscalation marks an escalation resolved.
func (s *Store) ResolveEscalation(ctx context.Context, id, resolvedAt string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalations SET resolved_at = ? WHERE id = ?`, resolvedAt, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStore, "RESOLVE_ESCALATION_FAILED", "resolving escalation "+id, err)
	}

	return nil
}

// OpenEscalationByKind returns the open (unresolved) Escalation of a given
// kind for a user, if one exists — the throttling/collapse lookup.
func (s *Store) OpenEscalationByKind(ctx context.Context, userID string, kind EscalationKind) (*Escalation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, priority, description, details, created_at, updated_at, resolved_at,
			acknowledged_by, acknowledged_at
		FROM escalations WHERE user_id = ? AND kind = ? AND resolved_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, userID, string(kind))

	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStore, "GET_ESCALATION_FAILED", "reading open escalation for "+userID, err)
	}

	return e, true, nil
}

// ListOpenEscalations returns every unresolved Escalation, for operator
// listing.
func (s *Store) ListOpenEscalations(ctx context.Context) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, priority, description, details, created_at, updated_at, resolved_at,
			acknowledged_by, acknowledged_at
		FROM escalations WHERE resolved_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStore, "LIST_ESCALATIONS_FAILED", "listing open escalations", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStore, "LIST_ESCALATIONS_FAILED", "scanning escalation row", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var e Escalation
	var userID sql.NullString
	var kind, priority, createdAt, updatedAt string
	var resolvedAt, ackBy, ackAt sql.NullString

	if err := row.Scan(&e.ID, &userID, &kind, &priority, &e.Description, &e.Details, &createdAt,
		&updatedAt, &resolvedAt, &ackBy, &ackAt); err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.Kind = EscalationKind(kind)
	e.Priority = EscalationPriority(priority)
	e.AcknowledgedBy = ackBy.String

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if e.ResolvedAt, err = parseNullableTime(resolvedAt); err != nil {
		return nil, err
	}

	if e.AcknowledgedAt, err = parseNullableTime(ackAt); err != nil {
		return nil, err
	}

	return &e, nil
}
