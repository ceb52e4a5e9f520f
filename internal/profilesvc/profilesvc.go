// Package profilesvc implements the classification engine: override
// resolution, fixed rules, rule-set evaluation, and the activity-score
// function. Classification is a fixed chain of resolution steps applied in
// order, each one short-circuiting the rest (override > fixed rule >
// rule set > default).
package profilesvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/store"
)

// Store is the subset of *store.Store the service needs, narrowed to a
// local interface so tests can substitute an in-memory fake — the same
// narrow-interface idiom capability.go uses for external collaborators.
type Store interface {
	GetOverride(ctx context.Context, userID string) (*store.Override, bool, error)
	GetClassification(ctx context.Context, userID string) (*store.ClassificationRecord, bool, error)
	SaveClassification(ctx context.Context, c *store.ClassificationRecord) error
	AppendClassificationHistory(ctx context.Context, h *store.ClassificationHistory) error
	SaveProfile(ctx context.Context, p *store.UserProfile) error
}

// Service evaluates a UserProfile + ProfileMetrics into a
// ClassificationRecord, persists it, and records history on change. The
// active rule set is held under copy-on-write: LoadRuleSet installs a new
// *RuleSet atomically without a lock on the read path.
type Service struct {
	store  Store
	clock  capability.Clock
	logger *slog.Logger
	cfg    config.ProfileConfig

	ruleSet atomic.Pointer[RuleSet]

	idMu sync.Mutex
	// newHistoryID is injected so tests get deterministic ids; production
	// wires uuid.NewString.
	newHistoryID func() string
}

// New constructs a Service. ruleSet may be nil, in which case Classify
// falls through fixed rules straight to the Unknown default.
func New(st Store, clock capability.Clock, logger *slog.Logger, cfg config.ProfileConfig, ruleSet *RuleSet, newID func() string) *Service {
	if clock == nil {
		clock = capability.SystemClock{}
	}

	s := &Service{store: st, clock: clock, logger: logger, cfg: cfg, newHistoryID: newID}
	if ruleSet != nil {
		s.ruleSet.Store(ruleSet)
	}

	return s
}

// LoadRuleSet installs a new active rule set after validating it, atomically
// replacing whatever was active — never mutating the old one in place.
func (s *Service) LoadRuleSet(rs *RuleSet) error {
	if err := ValidateRuleSet(rs); err != nil {
		return err
	}

	s.ruleSet.Store(rs)

	return nil
}

// Classify evaluates profile+metrics through override resolution, fixed
// rules, then rule-set evaluation, computes the activity score, derives
// RequiresBackup/BackupPriority, persists the result, and appends a
// ClassificationHistory row if the effective classification changed.
// Deterministic in its inputs: the same profile, metrics, rule set, and
// override always produce the same record.
func (s *Service) Classify(ctx context.Context, profile *store.UserProfile, metrics capability.ActivitySnapshot) (*store.ClassificationRecord, error) {
	now := s.clock.Now()

	rec, err := s.classifyInner(ctx, profile, metrics, now)
	if err != nil {
		return nil, err
	}

	prior, hadPrior, err := s.store.GetClassification(ctx, profile.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveClassification(ctx, rec); err != nil {
		return nil, err
	}

	changed := !hadPrior || prior.Classification != rec.Classification
	if changed {
		snapshot, merr := json.Marshal(metrics)
		if merr != nil {
			snapshot = []byte("{}")
		}

		var old store.Classification
		if hadPrior {
			old = prior.Classification
		}

		h := &store.ClassificationHistory{
			ID:                   s.historyID(),
			UserID:               profile.UserID,
			OldClassification:    old,
			NewClassification:    rec.Classification,
			ChangeTime:           now,
			Reason:               rec.Reason,
			ActivitySnapshotJSON: string(snapshot),
		}

		if err := s.store.AppendClassificationHistory(ctx, h); err != nil {
			return nil, err
		}
	}

	s.applyBackupRequirements(profile, rec, metrics, now)

	if err := s.store.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *Service) historyID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if s.newHistoryID != nil {
		return s.newHistoryID()
	}

	return uuid.NewString()
}

// classifyInner runs the four-step decision chain without touching the
// Store, so it can be unit tested as a pure function.
func (s *Service) classifyInner(ctx context.Context, profile *store.UserProfile, metrics capability.ActivitySnapshot, now time.Time) (*store.ClassificationRecord, error) {
	// Step 1: override resolution.
	override, hasOverride, err := s.store.GetOverride(ctx, profile.UserID)
	if err != nil {
		return nil, err
	}

	if hasOverride && (override.ExpiresAt == nil || override.ExpiresAt.After(now)) {
		return &store.ClassificationRecord{
			UserID:         profile.UserID,
			Classification: override.TargetClassification,
			Confidence:     1.0,
			Reason:         "manual override",
			IsOverridden:   true,
			ActivityScore:  scorePtr(ActivityScore(profile, metrics, now)),
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}

	// Step 2: fixed rules.
	if cls, reason, ok := fixedRule(profile, metrics); ok {
		return &store.ClassificationRecord{
			UserID:         profile.UserID,
			Classification: cls,
			Confidence:     1.0,
			Reason:         reason,
			ActivityScore:  scorePtr(ActivityScore(profile, metrics, now)),
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}

	// Step 3: rule-set evaluation.
	score := ActivityScore(profile, metrics, now)

	rs := s.ruleSet.Load()
	if rs == nil {
		return &store.ClassificationRecord{
			UserID:         profile.UserID,
			Classification: store.ClassificationUnknown,
			Confidence:     0.3,
			Reason:         "no rule set loaded",
			ActivityScore:  scorePtr(score),
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}

	cls, reason, conf := Evaluate(rs, profile, metrics, now)

	return &store.ClassificationRecord{
		UserID:         profile.UserID,
		Classification: cls,
		Confidence:     conf,
		Reason:         reason,
		RuleSetName:    rs.Name,
		RuleSetVersion: rs.Version,
		ActivityScore:  scorePtr(score),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func scorePtr(f float64) *float64 { return &f }

// fixedRule applies the profile-type/path checks that bypass the rule
// engine entirely.
func fixedRule(profile *store.UserProfile, metrics capability.ActivitySnapshot) (store.Classification, string, bool) {
	if profile.ProfileType == store.ProfileTypeSystem {
		return store.ClassificationSystem, "system profile type", true
	}

	upper := strings.ToUpper(profile.ProfilePath)
	if strings.HasSuffix(upper, ".TMP") || strings.HasSuffix(upper, ".TEMP") || profile.ProfileType == store.ProfileTypeTemporary {
		return store.ClassificationTemporary, "temporary profile path or type", true
	}

	if !metrics.IsAccessible || len(metrics.Errors) > 0 {
		return store.ClassificationCorrupted, "profile inaccessible or has error markers", true
	}

	return "", "", false
}

// applyBackupRequirements derives RequiresBackup/BackupPriority from the
// classification.
func (s *Service) applyBackupRequirements(profile *store.UserProfile, rec *store.ClassificationRecord, metrics capability.ActivitySnapshot, now time.Time) {
	switch rec.Classification {
	case store.ClassificationActive:
		profile.RequiresBackup = true
		profile.BackupPriority = backupPriorityFor(profile, metrics, now)
	case store.ClassificationInactive:
		minBytes := s.cfg.InactiveBackupMinSizeMB * 1024 * 1024
		profile.RequiresBackup = s.cfg.BackupInactiveProfiles && profile.ProfileSizeBytes >= minBytes
		if profile.RequiresBackup {
			profile.BackupPriority = backupPriorityFor(profile, metrics, now) / 2
			if profile.BackupPriority < 1 {
				profile.BackupPriority = 1
			}
		} else {
			profile.BackupPriority = 0
		}
	default: // System, Temporary, Corrupted, Unknown
		profile.RequiresBackup = false
		profile.BackupPriority = 0
	}

	profile.UpdatedAt = now
}
