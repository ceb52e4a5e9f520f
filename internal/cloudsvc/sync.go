package cloudsvc

import (
	"context"
	"strings"
	"time"

	"github.com/fleetops/migrationd/internal/store"
)

// progressMark is the last bytes-uploaded reading observed for a sync
// operation and when it was observed, used for stall detection. Held in an
// in-process, mutex-guarded map rather than the Store since it is pure
// bookkeeping, not durable state — the same shape
// internal/sync/failure_tracker.go uses for its own counting window.
type progressMark struct {
	bytesUploaded int64
	observedAt    time.Time
}

// StartSync creates a new Pending SyncOperation for (user, folder),
// rejecting the call if an active one already exists.
func (s *Service) StartSync(ctx context.Context, userID, folder string) (*store.SyncOperation, error) {
	now := s.clock.Now()

	op := &store.SyncOperation{
		ID:         s.newID(),
		UserID:     userID,
		FolderPath: folder,
		Status:     store.StatusPending,
		StartedAt:  now,
	}

	if err := s.store.CreateSyncOperation(ctx, op); err != nil {
		return nil, err
	}

	s.markProgress(op.ID, 0, now)

	return op, nil
}

// UpdateSyncProgress applies a progress reading from the CloudProvider
// capability, transitioning Pending/InProgress operations and detecting
// stalls.
func (s *Service) UpdateSyncProgress(ctx context.Context, opID string, filesUploaded, filesTotal int, bytesUploaded, bytesTotal int64) (*store.SyncOperation, error) {
	op, err := s.store.GetSyncOperation(ctx, opID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	if op.Status == store.StatusPending {
		op.Status = store.StatusInProgress
	}

	op.FilesUploaded = &filesUploaded
	op.FilesTotal = &filesTotal
	op.BytesUploaded = &bytesUploaded
	op.BytesTotal = &bytesTotal

	if s.hasStalled(opID, bytesUploaded, now, filesTotal, filesUploaded) {
		op.Status = store.StatusTimedOut
		op.EndedAt = &now
	} else {
		s.markProgress(opID, bytesUploaded, now)
	}

	if err := s.store.UpdateSyncOperation(ctx, op); err != nil {
		return nil, err
	}

	return op, nil
}

func (s *Service) markProgress(opID string, bytes int64, at time.Time) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	s.progressMarks[opID] = progressMark{bytesUploaded: bytes, observedAt: at}
}

func (s *Service) hasStalled(opID string, bytes int64, now time.Time, filesTotal, filesUploaded int) bool {
	if filesTotal <= filesUploaded {
		return false
	}

	s.progressMu.Lock()
	prev, ok := s.progressMarks[opID]
	s.progressMu.Unlock()

	if !ok {
		return false
	}

	if bytes > prev.bytesUploaded {
		return false
	}

	return now.Sub(prev.observedAt) >= s.stallWindow
}

// CategorizeError maps a CloudProvider error message to one of the fixed
// ErrorCategory values, grounded on internal/graph/errors.go's classify-from-
// signal idiom (there: HTTP status code; here: message keyword).
func CategorizeError(message string) store.ErrorCategory {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "locked") || strings.Contains(lower, "in use"):
		return store.ErrorCategoryFileLocked
	case strings.Contains(lower, "invalid path") || strings.Contains(lower, "illegal character"):
		return store.ErrorCategoryInvalidPath
	case strings.Contains(lower, "not found"):
		return store.ErrorCategoryFileNotFound
	case strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient storage"):
		return store.ErrorCategoryQuotaExceeded
	case strings.Contains(lower, "sign in") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "auth"):
		return store.ErrorCategoryAuthRequired
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return store.ErrorCategoryTransientNetwork
	default:
		return store.ErrorCategoryOther
	}
}

// maxRetriesByCategory is the retry budget before FileLocked/FileNotFound
// errors are given up on and marked resolved.
const maxRetriesByCategory = 3

// HandleSyncError categorizes and records a failed file transfer, applies
// the category's recovery strategy, and — once three or more errors remain
// unresolved on the operation — creates a single IT Escalation and moves the
// operation to RequiresIntervention.
func (s *Service) HandleSyncError(ctx context.Context, op *store.SyncOperation, filePath, message string) error {
	now := s.clock.Now()
	category := CategorizeError(message)

	se := &store.SyncError{
		ID:           s.newID(),
		SyncOpID:     op.ID,
		FilePath:     filePath,
		ErrorMessage: message,
		Category:     category,
		ErrorTime:    now,
	}

	switch category {
	case store.ErrorCategoryInvalidPath:
		se.IsResolved = true
	case store.ErrorCategoryFileLocked, store.ErrorCategoryFileNotFound:
		se.RetryAttempts = 1
		se.IsResolved = se.RetryAttempts >= maxRetriesByCategory
	case store.ErrorCategoryQuotaExceeded, store.ErrorCategoryAuthRequired:
		// Handed off: QuotaSvc / the escalation path picks this up via the
		// unresolved-error count below, not resolved here.
	case store.ErrorCategoryTransientNetwork:
		se.RetryAttempts = 1
	}

	if err := s.store.AppendSyncError(ctx, se); err != nil {
		return err
	}

	op.ErrorCount++
	if err := s.store.UpdateSyncOperation(ctx, op); err != nil {
		return err
	}

	unresolved, err := s.store.UnresolvedSyncErrors(ctx, op.ID)
	if err != nil {
		return err
	}

	threshold := s.cfg.EscalateAfterErrs
	if threshold <= 0 {
		threshold = 3
	}

	if len(unresolved) < threshold {
		return nil
	}

	return s.escalateSyncErrors(ctx, op, unresolved, now)
}

func (s *Service) escalateSyncErrors(ctx context.Context, op *store.SyncOperation, unresolved []*store.SyncError, now time.Time) error {
	paths := make([]string, 0, len(unresolved))
	for _, se := range unresolved {
		paths = append(paths, se.FilePath)
	}

	existing, ok, err := s.store.OpenEscalationByKind(ctx, op.UserID, store.EscalationKindSyncErrors)
	if err != nil {
		return err
	}

	details := "unresolved sync errors for " + op.FolderPath + ": " + strings.Join(paths, ", ")

	if ok {
		if err := s.store.UpdateEscalationDetails(ctx, existing.ID, details, now.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	} else {
		esc := &store.Escalation{
			ID:          s.newID(),
			UserID:      op.UserID,
			Kind:        store.EscalationKindSyncErrors,
			Priority:    store.EscalationPriorityHigh,
			Description: "repeated sync errors require IT intervention",
			Details:     details,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err := s.store.CreateEscalation(ctx, esc); err != nil {
			return err
		}
	}

	op.Status = store.StatusRequiresIntervention
	op.EndedAt = &now

	return s.store.UpdateSyncOperation(ctx, op)
}
