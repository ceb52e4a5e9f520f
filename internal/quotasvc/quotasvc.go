// Package quotasvc implements quota health evaluation and warning/escalation
// throttling: percentage-based health banding over a user's cloud quota, plus
// a counting-window rule that escalates repeated warnings.
package quotasvc

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/store"
)

// Store is the subset of *store.Store the service needs.
type Store interface {
	GetCloudStatus(ctx context.Context, userID string) (*store.CloudStatusSnapshot, bool, error)
	SaveQuotaStatus(ctx context.Context, qs *store.QuotaStatus) error

	CreateQuotaWarning(ctx context.Context, w *store.QuotaWarning) error
	UnresolvedWarnings(ctx context.Context, userID string) ([]*store.QuotaWarning, error)
	ResolvedWarningsSince(ctx context.Context, userID string, warningType store.WarningType, since string) ([]*store.QuotaWarning, error)
	ResolveQuotaWarning(ctx context.Context, id string, resolvedAt string) error

	CreateEscalation(ctx context.Context, e *store.Escalation) error
	OpenEscalationByKind(ctx context.Context, userID string, kind store.EscalationKind) (*store.Escalation, bool, error)
	UpdateEscalationDetails(ctx context.Context, id, details, updatedAt string) error
}

// CloudAccount is the narrow view of account quota figures QuotaSvc needs,
// decoupled from capability.CloudProvider so callers can supply it from a
// cached CloudStatusSnapshot instead of making a live capability call on
// every check.
type CloudAccount struct {
	Installed  bool
	SignedIn   bool
	TotalMB    int64
	UsedMB     int64
}

// BackupRequirement returns the megabytes a user's pending backup requires.
// Production wiring sums BackupOperation.BytesTotal across categories;
// callers inject it so the pure evaluation logic stays testable without a
// Store round-trip.
type BackupRequirement func(ctx context.Context, userID string) (requiredMB int64, err error)

// Service evaluates per-user quota health and manages the warning/escalation
// throttling state around it.
type Service struct {
	store             Store
	backupRequirement BackupRequirement
	clock             capability.Clock
	logger            *slog.Logger
	cfg               config.QuotaConfig

	repeatedWindow time.Duration

	newID func() string
}

// New constructs a Service.
func New(st Store, backupRequirement BackupRequirement, clock capability.Clock, logger *slog.Logger, cfg config.QuotaConfig, newID func() string) *Service {
	if clock == nil {
		clock = capability.SystemClock{}
	}

	if newID == nil {
		newID = uuid.NewString
	}

	window, err := time.ParseDuration(cfg.RepeatedWarningWindow)
	if err != nil || window <= 0 {
		window = 7 * 24 * time.Hour
	}

	return &Service{store: st, backupRequirement: backupRequirement, clock: clock, logger: logger, cfg: cfg, repeatedWindow: window, newID: newID}
}

// CheckQuota evaluates a user's current quota health against their backup
// requirement, persists the resulting QuotaStatus, and raises
// QuotaWarnings/Escalations as required.
func (s *Service) CheckQuota(ctx context.Context, userID string, account CloudAccount) (*store.QuotaStatus, error) {
	now := s.clock.Now()

	if !account.Installed || !account.SignedIn {
		qs := &store.QuotaStatus{
			UserID:    userID,
			Health:    store.QuotaHealthUnknown,
			Issues:    []string{"cloud provider not installed or not signed in"},
			UpdatedAt: now,
		}

		if err := s.store.SaveQuotaStatus(ctx, qs); err != nil {
			return nil, err
		}

		return qs, nil
	}

	requiredMB, err := s.backupRequirement(ctx, userID)
	if err != nil {
		return nil, err
	}

	availableMB := account.TotalMB - account.UsedMB
	canAccommodate := availableMB >= requiredMB+s.cfg.MinFreeMB

	var shortfall int64
	if !canAccommodate {
		shortfall = requiredMB + s.cfg.MinFreeMB - availableMB
	}

	var usagePct float64
	if account.TotalMB > 0 {
		usagePct = 100 * float64(account.UsedMB) / float64(account.TotalMB)
	}

	health := s.band(usagePct, canAccommodate, availableMB)

	qs := &store.QuotaStatus{
		UserID:               userID,
		Health:                health,
		TotalMB:               account.TotalMB,
		UsedMB:                account.UsedMB,
		AvailableMB:           availableMB,
		RequiredMB:            requiredMB,
		ShortfallMB:           shortfall,
		UsagePct:              usagePct,
		CanAccommodateBackup:  canAccommodate,
		UpdatedAt:             now,
	}

	if shortfall > 0 {
		qs.Issues = append(qs.Issues, "insufficient space for pending backup")
		qs.Recommendations = append(qs.Recommendations, "free at least "+mbString(shortfall)+" or upgrade storage")
	}

	if err := s.store.SaveQuotaStatus(ctx, qs); err != nil {
		return nil, err
	}

	if err := s.raiseWarnings(ctx, qs, now); err != nil {
		return nil, err
	}

	return qs, nil
}

// band maps usage and headroom onto a health value, evaluated in
// descending-severity order.
func (s *Service) band(usagePct float64, canAccommodate bool, availableMB int64) store.QuotaHealth {
	switch {
	case usagePct >= 100:
		return store.QuotaHealthExceeded
	case !canAccommodate || usagePct >= float64(s.cfg.CriticalPct):
		return store.QuotaHealthCritical
	case usagePct >= float64(s.cfg.WarningPct) || availableMB < s.cfg.MinFreeMB:
		return store.QuotaHealthWarning
	default:
		return store.QuotaHealthHealthy
	}
}

func (s *Service) raiseWarnings(ctx context.Context, qs *store.QuotaStatus, now time.Time) error {
	switch qs.Health {
	case store.QuotaHealthCritical:
		if err := s.createWarningIfAbsent(ctx, qs.UserID, store.WarningTypeInsufficientBackupSpace, store.WarningLevelCritical,
			"Insufficient backup space", "Available storage cannot accommodate the pending backup.", now); err != nil {
			return err
		}

		return s.raiseOrCollapseEscalation(ctx, qs.UserID, store.EscalationKindInsufficientSpace, store.EscalationPriorityCritical,
			"insufficient cloud storage for pending backup", now)
	case store.QuotaHealthWarning:
		return s.createWarningIfAbsent(ctx, qs.UserID, store.WarningTypeHighUsage, store.WarningLevelWarning,
			"High storage usage", "Cloud storage usage is approaching capacity.", now)
	}

	return s.checkRepeatedWarnings(ctx, qs.UserID, now)
}

func (s *Service) createWarningIfAbsent(ctx context.Context, userID string, wt store.WarningType, level store.WarningLevel, title, message string, now time.Time) error {
	unresolved, err := s.store.UnresolvedWarnings(ctx, userID)
	if err != nil {
		return err
	}

	for _, w := range unresolved {
		if w.WarningType == wt {
			return nil
		}
	}

	w := &store.QuotaWarning{
		ID: s.newID(), UserID: userID, WarningType: wt, Level: level,
		Title: title, Message: message, CreatedAt: now,
	}

	return s.store.CreateQuotaWarning(ctx, w)
}

// checkRepeatedWarnings applies the repeated-warnings rule: three or more
// resolved warnings of the same type within the configured horizon raise a
// single RepeatedWarnings escalation, collapsing into any existing open one.
func (s *Service) checkRepeatedWarnings(ctx context.Context, userID string, now time.Time) error {
	since := now.Add(-s.repeatedWindow).UTC().Format(time.RFC3339Nano)

	resolved, err := s.store.ResolvedWarningsSince(ctx, userID, store.WarningTypeHighUsage, since)
	if err != nil {
		return err
	}

	threshold := s.cfg.RepeatedWarningCount
	if threshold <= 0 {
		threshold = 3
	}

	if len(resolved) < threshold {
		return nil
	}

	return s.raiseOrCollapseEscalation(ctx, userID, store.EscalationKindRepeatedWarnings, store.EscalationPriorityHigh,
		"repeated quota warnings within the monitoring window", now)
}

// raiseOrCollapseEscalation throttles escalations: a second raise of the
// same kind for the same user amends the existing open escalation instead of
// creating a duplicate.
func (s *Service) raiseOrCollapseEscalation(ctx context.Context, userID string, kind store.EscalationKind, priority store.EscalationPriority, details string, now time.Time) error {
	existing, ok, err := s.store.OpenEscalationByKind(ctx, userID, kind)
	if err != nil {
		return err
	}

	if ok {
		return s.store.UpdateEscalationDetails(ctx, existing.ID, details, now.UTC().Format(time.RFC3339Nano))
	}

	esc := &store.Escalation{
		ID: s.newID(), UserID: userID, Kind: kind, Priority: priority,
		Description: string(kind), Details: details, CreatedAt: now, UpdatedAt: now,
	}

	return s.store.CreateEscalation(ctx, esc)
}

func mbString(mb int64) string {
	if mb >= 1024 {
		return strconv.FormatFloat(float64(mb)/1024, 'f', 1, 64) + " GB"
	}

	return strconv.FormatInt(mb, 10) + " MB"
}
