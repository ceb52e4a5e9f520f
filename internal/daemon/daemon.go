// Package daemon wires every core component into the running
// migration-coordination service: Store, LogPipeline, ConnHub/Dispatcher,
// the classification/cloud/quota/orchestrator services, and the periodic
// poll loop that drives re-evaluation of the reset gate.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/cloudsvc"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/connhub"
	"github.com/fleetops/migrationd/internal/handlers"
	"github.com/fleetops/migrationd/internal/msgbus"
	"github.com/fleetops/migrationd/internal/orchestrator"
	"github.com/fleetops/migrationd/internal/profilesvc"
	"github.com/fleetops/migrationd/internal/quotasvc"
	"github.com/fleetops/migrationd/internal/store"
)

// Providers bundles the external collaborators the daemon wires into the
// core. Tests substitute in-memory fakes for every field.
type Providers struct {
	ProfileDetector capability.ProfileDetector
	ActivitySource  capability.ActivitySource
	CloudProvider   capability.CloudProvider
	TicketClient    capability.TicketClient
	Clock           capability.Clock
}

// Daemon owns every long-lived component. Everything is built at startup
// and passed around as an explicit dependency; nothing lives in package
// globals.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	providers Providers

	orchestrator *orchestrator.Service
	cloud        *cloudsvc.Service
	quota        *quotasvc.Service
	profile      *profilesvc.Service

	dispatcher *connhub.Dispatcher
	hub        *connhub.Hub

	pollInterval time.Duration

	escalated map[string]bool // escalation ids already forwarded to the ticket sink
	requested map[string]bool // user ids already sent a BACKUP_REQUEST this process
}

// New wires every component from cfg and st, returning a Daemon ready to
// Run. listener is the already-bound platform-local transport (see
// ListenLocalSocket in listener.go); callers construct it so the daemon itself stays
// transport-agnostic and testable over net.Pipe.
func New(cfg *config.Config, st *store.Store, providers Providers, listener connhub.Listener, logger *slog.Logger) (*Daemon, error) {
	if providers.Clock == nil {
		providers.Clock = capability.SystemClock{}
	}

	d := &Daemon{cfg: cfg, logger: logger, store: st, providers: providers, escalated: make(map[string]bool), requested: make(map[string]bool)}

	d.profile = profilesvc.New(st, providers.Clock, logger, cfg.Profile, loadRuleSet(cfg.Profile, logger), uuidNewString)
	d.cloud = cloudsvc.New(st, providers.CloudProvider, providers.Clock, logger, cfg.Cloud, uuidNewString)
	d.quota = quotasvc.New(st, d.backupRequirement, providers.Clock, logger, cfg.Quota, uuidNewString)

	d.dispatcher = connhub.NewDispatcher()
	d.orchestrator = orchestrator.New(st, d, providers.Clock, logger, cfg.Orchestrator, uuidNewString)

	handlers.Register(d.dispatcher, d.orchestrator, st, providers.Clock, logger, uuidNewString)

	dispatchTimeout, err := time.ParseDuration(cfg.Server.DispatchTimeout)
	if err != nil || dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}

	d.hub = connhub.New(listener, d.dispatcher, logger, dispatchTimeout)

	d.pollInterval, err = time.ParseDuration(cfg.Orchestrator.PollInterval)
	if err != nil || d.pollInterval <= 0 {
		d.pollInterval = 5 * time.Minute
	}

	return d, nil
}

func loadRuleSet(cfg config.ProfileConfig, logger *slog.Logger) *profilesvc.RuleSet {
	if cfg.RuleSetPath == "" {
		return profilesvc.DefaultRuleSet()
	}

	rs, err := profilesvc.LoadRuleSetFile(cfg.RuleSetPath)
	if err != nil {
		logger.Warn("failed to load configured rule set, falling back to built-in", "path", cfg.RuleSetPath, "error", err)

		return profilesvc.DefaultRuleSet()
	}

	return rs
}

// backupRequirement sums the BytesTotal of every BackupOperation for a user
// that is neither Completed nor Cancelled (failed, timed-out and
// intervention-needed operations still count) and converts to megabytes,
// satisfying quotasvc.BackupRequirement.
func (d *Daemon) backupRequirement(ctx context.Context, userID string) (int64, error) {
	ops, err := d.store.UserBackupOps(ctx, userID)
	if err != nil {
		return 0, err
	}

	var totalBytes int64
	for _, op := range ops {
		if op.Status == store.StatusCompleted || op.Status == store.StatusCancelled {
			continue
		}

		totalBytes += op.BytesTotal
	}

	return totalBytes / (1024 * 1024), nil
}

// BroadcastStatusUpdate implements orchestrator.Broadcaster by framing and
// broadcasting a STATUS_UPDATE message to every connected agent.
func (d *Daemon) BroadcastStatusUpdate(overallStatus string, blockingUsers, readyUsers []string, totalUsers int) {
	msg, err := msgbus.NewMessage(msgbus.TypeStatusUpdate, msgbus.StatusUpdatePayload{
		OverallStatus: overallStatus,
		BlockingUsers: blockingUsers,
		ReadyUsers:    readyUsers,
		TotalUsers:    totalUsers,
	})
	if err != nil {
		d.logger.Error("failed to build STATUS_UPDATE message", "error", err)

		return
	}

	d.hub.Broadcast(msg)
}

// Run serves the transport and drives the periodic poll loop until ctx is
// cancelled, then drains in-flight work within the configured shutdown
// timeout.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.hub.Serve(gctx)
	})

	g.Go(func() error {
		d.pollLoop(gctx)

		return nil
	})

	<-ctx.Done()

	shutdownTimeout, err := time.ParseDuration(d.cfg.Server.ShutdownTimeout)
	if err != nil || shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if msg, merr := msgbus.NewMessage(msgbus.TypeShutdownRequest, msgbus.ShutdownRequestPayload{Reason: "Server shutdown"}); merr == nil {
		d.hub.Broadcast(msg)
	}

	if err := d.hub.Shutdown(shutdownCtx, "Server shutdown"); err != nil {
		d.logger.Error("hub shutdown reported an error", "error", err)
	}

	return g.Wait()
}

// pollLoop re-evaluates every active profile's classification, cloud
// readiness, and quota health on a fixed interval, then recomputes the
// global reset gate.
func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context) {
	profiles, err := d.refreshProfiles(ctx)
	if err != nil {
		d.logger.Error("profile refresh failed", "error", err)

		return
	}

	for _, p := range profiles {
		if !p.IsActive || !p.RequiresBackup {
			continue
		}

		cloudStatus, err := d.cloud.Status(ctx, p.UserID)
		if err != nil {
			d.logger.Warn("cloud status check failed", "user_id", p.UserID, "error", err)

			continue
		}

		ms, err := d.orchestrator.EnqueueUser(ctx, p.UserID, cloudStatus.SyncStatus != store.SyncStatusNotSignedIn && cloudStatus.SyncStatus != store.SyncStatusAuthRequired)
		if err != nil {
			d.logger.Error("enqueue user failed", "user_id", p.UserID, "error", err)
		} else if ms.Phase == store.PhaseRequested {
			d.sendBackupRequest(p, ms)
		}

		if _, err := d.orchestrator.Tick(ctx, p.UserID); err != nil {
			d.logger.Error("state machine tick failed", "user_id", p.UserID, "error", err)
		}

		if err := d.checkQuota(ctx, p.UserID, cloudStatus); err != nil {
			d.logger.Warn("quota check failed", "user_id", p.UserID, "error", err)
		}
	}

	if _, _, _, err := d.orchestrator.RecomputeResetGate(ctx); err != nil {
		d.logger.Error("reset gate recompute failed", "error", err)
	}

	d.forwardEscalations(ctx)
}

// refreshProfiles discovers local profiles via ProfileDetector, reads their
// activity metrics, and classifies each one, returning the up-to-date
// UserProfile set. Detector/ActivitySource errors for one profile do not
// abort the whole refresh.
func (d *Daemon) refreshProfiles(ctx context.Context) ([]*store.UserProfile, error) {
	if d.providers.ProfileDetector == nil {
		return d.store.ActiveProfiles(ctx)
	}

	discovered, err := d.providers.ProfileDetector.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*store.UserProfile, 0, len(discovered))

	for _, dp := range discovered {
		snapshot := capability.ActivitySnapshot{IsAccessible: dp.IsAccessible}

		if d.providers.ActivitySource != nil {
			if s, err := d.providers.ActivitySource.Snapshot(ctx, dp.UserID); err == nil {
				snapshot = s
			} else {
				snapshot.Errors = append(snapshot.Errors, err.Error())
			}
		}

		existing, _ := d.store.GetProfile(ctx, dp.UserID)

		profile := &store.UserProfile{
			UserID: dp.UserID, UserName: dp.UserName, ProfilePath: dp.ProfilePath,
			ProfileType: store.ProfileTypeLocal, IsActive: true,
		}

		if existing != nil {
			profile.ProfileType = existing.ProfileType
			profile.ProfileSizeBytes = existing.ProfileSizeBytes
			profile.CreatedAt = existing.CreatedAt
		}

		if snapshot.LastLogin.IsZero() {
			profile.LastLogin = nil
		} else {
			ll := snapshot.LastLogin
			profile.LastLogin = &ll
		}

		rec, err := d.profile.Classify(ctx, profile, snapshot)
		if err != nil {
			d.logger.Error("classification failed", "user_id", dp.UserID, "error", err)

			continue
		}

		d.logger.Debug("classified profile", "user_id", dp.UserID, "classification", rec.Classification)

		out = append(out, profile)
	}

	return out, nil
}

// sendBackupRequest pushes a BACKUP_REQUEST to the user's connected agent
// once per process. An unconnected agent leaves the user unmarked, so the
// next poll retries until an agent is there to receive it.
func (d *Daemon) sendBackupRequest(p *store.UserProfile, ms *store.MigrationState) {
	if d.requested[p.UserID] {
		return
	}

	msg, err := msgbus.NewMessage(msgbus.TypeBackupRequest, msgbus.BackupRequestPayload{
		UserID:     p.UserID,
		Priority:   priorityFor(p.BackupPriority),
		Deadline:   ms.Deadline,
		Categories: d.cfg.Orchestrator.Categories,
	})
	if err != nil {
		d.logger.Error("failed to build BACKUP_REQUEST message", "user_id", p.UserID, "error", err)

		return
	}

	if d.hub.SendToUser(p.UserID, msg) {
		d.requested[p.UserID] = true
		d.logger.Info("backup requested", "user_id", p.UserID, "deadline", ms.Deadline)
	}
}

// priorityFor maps a profile's numeric backup priority onto the coarse
// wire-level priority an agent acts on.
func priorityFor(backupPriority int) msgbus.Priority {
	switch {
	case backupPriority >= 700:
		return msgbus.PriorityUrgent
	case backupPriority >= 400:
		return msgbus.PriorityHigh
	default:
		return msgbus.PriorityNormal
	}
}

func (d *Daemon) checkQuota(ctx context.Context, userID string, cloudStatus *store.CloudStatusSnapshot) error {
	acct := quotasvc.CloudAccount{
		Installed: cloudStatus.IsInstalled,
		SignedIn:  cloudStatus.IsSignedIn,
	}

	if d.providers.CloudProvider != nil && cloudStatus.IsSignedIn {
		info, err := d.providers.CloudProvider.AccountInfo(ctx, userID)
		if err == nil && info != nil {
			acct.TotalMB = info.TotalBytes / (1024 * 1024)
			acct.UsedMB = info.UsedBytes / (1024 * 1024)
		}
	}

	_, err := d.quota.CheckQuota(ctx, userID, acct)

	return err
}

// forwardEscalations submits every open Escalation not yet forwarded to the
// ticket sink. Forwarded ids are tracked in memory only; re-forwarding
// after a restart is a harmless duplicate submission, not a correctness
// issue.
func (d *Daemon) forwardEscalations(ctx context.Context) {
	if d.providers.TicketClient == nil {
		return
	}

	open, err := d.store.ListOpenEscalations(ctx)
	if err != nil {
		d.logger.Error("listing open escalations failed", "error", err)

		return
	}

	for _, esc := range open {
		if d.escalated[esc.ID] {
			continue
		}

		ticket, err := d.providers.TicketClient.Submit(ctx, esc.ID, esc.Description, esc.Details)
		if err != nil {
			d.logger.Error("escalation submission failed", "escalation_id", esc.ID, "error", err)

			continue
		}

		d.escalated[esc.ID] = true

		notice, merr := msgbus.NewMessage(msgbus.TypeEscalationNotice, msgbus.EscalationNoticePayload{
			Reason:       string(esc.Kind),
			Details:      esc.Details,
			TicketNumber: ticket.Number,
		})
		if merr != nil {
			continue
		}

		if esc.UserID != "" {
			d.hub.SendToUser(esc.UserID, notice)
		} else {
			d.hub.Broadcast(notice)
		}
	}
}

func uuidNewString() string {
	return uuid.NewString()
}
