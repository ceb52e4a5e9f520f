// Package orchestrator implements the per-user backup state machine and the
// global reset-gate predicate. Each inbound event is one state-machine tick:
// read the user's current MigrationState, decide the next phase, persist it
// and any raised Escalation. The delay policy, escalation throttling, and
// reset-gate predicate are plain functions over MigrationState and the
// profile set, kept separate from Store and transport I/O.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/store"
)

// Store is the subset of *store.Store the orchestrator needs.
type Store interface {
	GetMigrationState(ctx context.Context, userID string) (*store.MigrationState, bool, error)
	SaveMigrationState(ctx context.Context, ms *store.MigrationState) error
	AllMigrationStates(ctx context.Context) ([]*store.MigrationState, error)
	ActiveProfiles(ctx context.Context) ([]*store.UserProfile, error)

	CreateEscalation(ctx context.Context, e *store.Escalation) error
	OpenEscalationByKind(ctx context.Context, userID string, kind store.EscalationKind) (*store.Escalation, bool, error)
	UpdateEscalationDetails(ctx context.Context, id, details, updatedAt string) error
}

// Broadcaster publishes the aggregate STATUS_UPDATE the reset-gate
// recomputation produces. Narrowed to the one call the orchestrator needs,
// the same way capability.CloudProvider is narrowed per concern rather than
// handed the whole connhub.Hub.
type Broadcaster interface {
	BroadcastStatusUpdate(overallStatus string, blockingUsers, readyUsers []string, totalUsers int)
}

// recognizedDelayReasons are the DELAY_REQUEST reasons that count against a
// user's delay budget instead of triggering an immediate escalation.
var recognizedDelayReasons = map[string]bool{"user_busy": true, "need_time": true, "other": true}

// Config bundles the orchestrator's tunables.
type Config struct {
	Categories         []string
	MaxDelays          int
	MaxSingleDelay     time.Duration
	DefaultDeadline    time.Duration
	WarningCooldown    time.Duration
	EscalationCooldown time.Duration
}

// Service owns the per-user MigrationState machine and the global reset
// gate.
type Service struct {
	store       Store
	broadcaster Broadcaster
	clock       capability.Clock
	logger      *slog.Logger
	cfg         Config
	newID       func() string

	usersMu sync.Mutex
	users   map[string]*userState
}

// New constructs a Service, parsing the raw string durations in
// config.OrchestratorConfig with conservative fallbacks so a malformed
// config value degrades rather than panics — the same posture
// cloudsvc.New and quotasvc.New take for their own duration fields.
func New(st Store, broadcaster Broadcaster, clock capability.Clock, logger *slog.Logger, raw config.OrchestratorConfig, newID func() string) *Service {
	if clock == nil {
		clock = capability.SystemClock{}
	}

	if newID == nil {
		newID = uuid.NewString
	}

	cfg := Config{
		Categories:         raw.Categories,
		MaxDelays:          raw.MaxDelays,
		MaxSingleDelay:     parseDurationOr(raw.MaxSingleDelay, 24*time.Hour),
		DefaultDeadline:    parseDurationOr(raw.DefaultDeadline, 72*time.Hour),
		WarningCooldown:    parseDurationOr(raw.WarningCooldown, 24*time.Hour),
		EscalationCooldown: parseDurationOr(raw.EscalationCooldown, 72*time.Hour),
	}

	if cfg.MaxDelays <= 0 {
		cfg.MaxDelays = 3
	}

	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"Files", "Browsers", "Email", "System"}
	}

	return &Service{store: st, broadcaster: broadcaster, clock: clock, logger: logger, cfg: cfg, newID: newID, users: make(map[string]*userState)}
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

// categoryProgress is the per-user, per-category progress snapshot the
// orchestrator folds into an aggregate. 0 for Pending, 100 for Completed,
// the reported int otherwise.
type categoryProgress struct {
	category string
	progress int
	done     bool
}

// userState is the in-memory tracking the orchestrator keeps alongside the
// persisted MigrationState: the narrowed category set a user declared via
// BACKUP_STARTED (if any) and the per-category progress observed so far.
// Held per-Service, not package-level, per the no-hidden-singleton design
// note already followed in cloudsvc/quotasvc.
type userState struct {
	categories map[string]categoryProgress
	narrowed   bool
	delayUntil time.Time
}

// EnqueueUser transitions a user from NotStarted to Requested once cloud
// readiness is confirmed by the caller (CloudSvc.Status), creating the
// MigrationState row if absent.
func (s *Service) EnqueueUser(ctx context.Context, userID string, cloudReady bool) (*store.MigrationState, error) {
	now := s.clock.Now()

	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok {
		ms = &store.MigrationState{UserID: userID, Phase: store.PhaseNotStarted, Deadline: now.Add(s.cfg.DefaultDeadline)}
	}

	if ms.Phase != store.PhaseNotStarted {
		return ms, nil
	}

	if !cloudReady {
		return ms, nil
	}

	ms.Phase = store.PhaseRequested
	ms.LastUpdated = now

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

// HandleBackupStarted transitions Requested→InProgress and records the
// narrowed category set the agent declared. From this point on the user's
// aggregate progress is computed over that narrower set only.
func (s *Service) HandleBackupStarted(ctx context.Context, userID string, categories []string) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, coreerr.New(coreerr.KindPolicy, "UNKNOWN_USER_STATE", "backup started for user with no migration state: "+userID)
	}

	if ms.Phase != store.PhaseRequested && ms.Phase != store.PhaseDelayed {
		return ms, nil
	}

	ms.Phase = store.PhaseInProgress
	ms.LastUpdated = s.clock.Now()

	s.trackCategories(userID, categories)

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

func (s *Service) trackCategories(userID string, categories []string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	set := categories
	if len(set) == 0 {
		set = s.cfg.Categories
	}

	st, ok := s.users[userID]
	if !ok {
		st = &userState{categories: map[string]categoryProgress{}}
		s.users[userID] = st
	}

	st.narrowed = true
	st.categories = map[string]categoryProgress{}
	for _, c := range set {
		st.categories[c] = categoryProgress{category: c}
	}
}

// HandleBackupProgress folds a per-category progress reading into a user's
// aggregate and persists the user's updated overall progress, the
// arithmetic mean over known categories.
func (s *Service) HandleBackupProgress(ctx context.Context, userID, category string, progress int) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok || ms.Phase != store.PhaseInProgress {
		return ms, nil
	}

	overall := s.recordProgress(userID, category, progress, false)

	if overall < ms.OverallProgress {
		overall = ms.OverallProgress
	}

	ms.OverallProgress = overall
	ms.LastUpdated = s.clock.Now()

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

// recordProgress updates the in-memory per-category tracking for userID and
// returns the recomputed mean, as a percentage, across the known category
// set (the narrowed set once BACKUP_STARTED declared one, else the
// configured default set).
func (s *Service) recordProgress(userID, category string, progress int, done bool) int {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		st = &userState{categories: map[string]categoryProgress{}}
		s.users[userID] = st
	}

	if !st.narrowed {
		for _, c := range s.cfg.Categories {
			if _, exists := st.categories[c]; !exists {
				st.categories[c] = categoryProgress{category: c}
			}
		}
	}

	if progress > 100 {
		progress = 100
	}

	cur := st.categories[category]
	if done {
		cur.progress = 100
		cur.done = true
	} else if progress > cur.progress {
		cur.progress = progress
	}
	st.categories[category] = cur

	if len(st.categories) == 0 {
		return 0
	}

	sum := 0
	for _, c := range st.categories {
		sum += c.progress
	}

	return sum / len(st.categories)
}

// allCategoriesComplete reports whether every category tracked for userID
// has been marked done.
func (s *Service) allCategoriesComplete(userID string) bool {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	st, ok := s.users[userID]
	if !ok || len(st.categories) == 0 {
		return false
	}

	for _, c := range st.categories {
		if !c.done {
			return false
		}
	}

	return true
}

// HandleBackupCompleted records a category's terminal result and, once
// every configured/narrowed category has succeeded, moves the user to
// ReadyForReset. A failed category does not itself fail the user — the
// caller surfaces the per-category error; the user only fails on an
// explicit fatal ERROR_REPORT or a Store/IPC fault (HandleFatalError).
func (s *Service) HandleBackupCompleted(ctx context.Context, userID, category string, success bool) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok || ms.Phase != store.PhaseInProgress {
		return ms, nil
	}

	overall := s.recordProgress(userID, category, 100, success)
	if overall > ms.OverallProgress {
		ms.OverallProgress = overall
	}

	now := s.clock.Now()
	ms.LastUpdated = now

	if success && s.allCategoriesComplete(userID) {
		ms.Phase = store.PhaseReadyForReset
		ms.OverallProgress = 100
	}

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

// HandleDelayRequest applies the delay policy: a recognized reason within
// budget shifts the user's deadline and moves them to Delayed; an
// unrecognized reason or an exhausted budget raises UserBusyExhausted and
// moves them to Escalated instead.
func (s *Service) HandleDelayRequest(ctx context.Context, userID, reason string, requestedDelay time.Duration) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok || ms.Phase != store.PhaseInProgress {
		return ms, nil
	}

	now := s.clock.Now()

	if !recognizedDelayReasons[reason] || ms.DelaysUsed >= s.cfg.MaxDelays {
		ms.Phase = store.PhaseEscalated
		ms.LastUpdated = now

		if err := s.raiseEscalation(ctx, userID, store.EscalationKindUserBusyExhausted, store.EscalationPriorityNormal,
			"delay budget exhausted or reason not recognized: "+reason, now); err != nil {
			return nil, err
		}

		if err := s.store.SaveMigrationState(ctx, ms); err != nil {
			return nil, err
		}

		return ms, nil
	}

	if requestedDelay <= 0 || requestedDelay > s.cfg.MaxSingleDelay {
		requestedDelay = s.cfg.MaxSingleDelay
	}

	remaining := ms.Deadline.Sub(now)
	if requestedDelay > remaining {
		requestedDelay = remaining
	}

	if requestedDelay > 0 {
		ms.Deadline = ms.Deadline.Add(requestedDelay)
	}

	ms.DelaysUsed++
	ms.Phase = store.PhaseDelayed
	ms.LastUpdated = now

	s.setDelayUntil(ms.UserID, now.Add(requestedDelay))

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

// ResumeFromDelay moves a Delayed user back to InProgress, triggered when
// the delay interval elapses or the user resumes work.
func (s *Service) ResumeFromDelay(ctx context.Context, userID string) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok || ms.Phase != store.PhaseDelayed {
		return ms, nil
	}

	ms.Phase = store.PhaseInProgress
	ms.LastUpdated = s.clock.Now()

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

func (s *Service) setDelayUntil(userID string, until time.Time) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		st = &userState{categories: map[string]categoryProgress{}}
		s.users[userID] = st
	}

	st.delayUntil = until
}

func (s *Service) delayUntilFor(userID string) time.Time {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if st, ok := s.users[userID]; ok {
		return st.delayUntil
	}

	return time.Time{}
}

// Tick advances a user's state machine on the polling cadence: a Delayed
// user whose granted interval has elapsed resumes, and a user past their
// deadline escalates.
func (s *Service) Tick(ctx context.Context, userID string) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	now := s.clock.Now()

	if ms.Phase == store.PhaseDelayed {
		if until := s.delayUntilFor(userID); !until.IsZero() && !now.Before(until) {
			if _, err := s.ResumeFromDelay(ctx, userID); err != nil {
				return nil, err
			}
		}
	}

	return s.EscalateMissedDeadline(ctx, userID)
}

// HandleFatalError moves a user to Failed from any non-terminal phase, on a
// Store/IPC fault that prevents further progress.
func (s *Service) HandleFatalError(ctx context.Context, userID, reason string) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ok || store.TerminalPhases[ms.Phase] {
		return ms, nil
	}

	ms.Phase = store.PhaseFailed
	ms.LastUpdated = s.clock.Now()

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	s.logger.Error("user migration failed", "user_id", userID, "reason", reason)

	return ms, nil
}

// EscalateMissedDeadline moves a non-terminal user to Escalated once their
// deadline has passed without completion.
func (s *Service) EscalateMissedDeadline(ctx context.Context, userID string) (*store.MigrationState, error) {
	ms, ok, err := s.store.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	if !ok || store.TerminalPhases[ms.Phase] || ms.Phase == store.PhaseEscalated || now.Before(ms.Deadline) {
		return ms, nil
	}

	ms.Phase = store.PhaseEscalated
	ms.LastUpdated = now

	if err := s.raiseEscalation(ctx, userID, store.EscalationKindServiceFault, store.EscalationPriorityHigh,
		"user missed backup deadline", now); err != nil {
		return nil, err
	}

	if err := s.store.SaveMigrationState(ctx, ms); err != nil {
		return nil, err
	}

	return ms, nil
}

// raiseEscalation throttles escalations: a second raise of the same kind
// for the same user collapses into the existing open escalation instead of
// duplicating it, the same find-open-or-create idiom cloudsvc and quotasvc
// use.
func (s *Service) raiseEscalation(ctx context.Context, userID string, kind store.EscalationKind, priority store.EscalationPriority, details string, now time.Time) error {
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

// RecomputeResetGate evaluates the reset gate: true iff every active,
// backup-required profile has reached ReadyForReset or Completed. It
// publishes the result as a STATUS_UPDATE broadcast with the blocking and
// ready user sets.
func (s *Service) RecomputeResetGate(ctx context.Context) (canReset bool, blockingUsers, readyUsers []string, err error) {
	profiles, err := s.store.ActiveProfiles(ctx)
	if err != nil {
		return false, nil, nil, err
	}

	states, err := s.store.AllMigrationStates(ctx)
	if err != nil {
		return false, nil, nil, err
	}

	byUser := make(map[string]*store.MigrationState, len(states))
	for _, ms := range states {
		byUser[ms.UserID] = ms
	}

	canReset = true

	for _, p := range profiles {
		if !p.RequiresBackup {
			continue
		}

		ms, ok := byUser[p.UserID]
		if !ok || (ms.Phase != store.PhaseReadyForReset && ms.Phase != store.PhaseCompleted) {
			canReset = false
			blockingUsers = append(blockingUsers, p.UserID)

			continue
		}

		readyUsers = append(readyUsers, p.UserID)
	}

	if s.broadcaster != nil {
		status := "Blocked"
		if canReset {
			status = "ReadyForReset"
		}

		s.broadcaster.BroadcastStatusUpdate(status, blockingUsers, readyUsers, len(profiles))
	}

	return canReset, blockingUsers, readyUsers, nil
}
