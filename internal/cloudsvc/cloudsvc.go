// Package cloudsvc implements cloud readiness: a TTL'd status cache,
// selective-sync scope management, sync-operation lifecycle tracking, and
// error categorization/recovery. The provider is only re-queried when the
// cached view is stale; failed transfers are categorized and dispatched to
// a per-category recovery strategy.
package cloudsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/store"
)

// Store is the subset of *store.Store the service needs.
type Store interface {
	GetCloudStatus(ctx context.Context, userID string) (*store.CloudStatusSnapshot, bool, error)
	SaveCloudStatus(ctx context.Context, cs *store.CloudStatusSnapshot) error

	SetFolderScope(ctx context.Context, userID, account, folder string, inScope bool) error
	FolderScope(ctx context.Context, userID, account string) (map[string]bool, error)

	CreateSyncOperation(ctx context.Context, op *store.SyncOperation) error
	UpdateSyncOperation(ctx context.Context, op *store.SyncOperation) error
	GetSyncOperation(ctx context.Context, id string) (*store.SyncOperation, error)
	ActiveSyncOp(ctx context.Context, userID, folder string) (*store.SyncOperation, error)

	AppendSyncError(ctx context.Context, se *store.SyncError) error
	UnresolvedSyncErrors(ctx context.Context, syncOpID string) ([]*store.SyncError, error)
	ResolveSyncError(ctx context.Context, id string) error

	CreateEscalation(ctx context.Context, e *store.Escalation) error
	OpenEscalationByKind(ctx context.Context, userID string, kind store.EscalationKind) (*store.Escalation, bool, error)
	UpdateEscalationDetails(ctx context.Context, id, details, updatedAt string) error
}

// Service implements cloud readiness detection, selective sync scope, and
// sync-operation lifecycle/error recovery.
type Service struct {
	store    Store
	provider capability.CloudProvider
	clock    capability.Clock
	logger   *slog.Logger
	cfg      config.CloudConfig

	statusTTL   time.Duration
	stallWindow time.Duration

	newID func() string

	progressMu    sync.Mutex
	progressMarks map[string]progressMark
}

// New constructs a Service. Durations in cfg that fail to parse fall back to
// the built-in defaults (5 min status cache, 5 min stall window) rather than
// failing construction, since a malformed duration string is caught by
// config.Validate before the service is ever built.
func New(st Store, provider capability.CloudProvider, clock capability.Clock, logger *slog.Logger, cfg config.CloudConfig, newID func() string) *Service {
	if clock == nil {
		clock = capability.SystemClock{}
	}

	if newID == nil {
		newID = uuid.NewString
	}

	ttl, err := time.ParseDuration(cfg.StatusCacheTTL)
	if err != nil || ttl <= 0 {
		ttl = 5 * time.Minute
	}

	stall, err := time.ParseDuration(cfg.StallWindow)
	if err != nil || stall <= 0 {
		stall = 5 * time.Minute
	}

	return &Service{
		store: st, provider: provider, clock: clock, logger: logger, cfg: cfg,
		statusTTL: ttl, stallWindow: stall, newID: newID,
		progressMarks: make(map[string]progressMark),
	}
}

// Status returns the cached CloudStatusSnapshot for a user if it is still
// fresh, otherwise performs a fresh detection via the CloudProvider
// capability and caches the result. A detection failure populates
// error_details on the existing cached row (or a fresh Unknown-ish row if
// none exists yet) rather than evicting the cache.
func (s *Service) Status(ctx context.Context, userID string) (*store.CloudStatusSnapshot, error) {
	now := s.clock.Now()

	cached, ok, err := s.store.GetCloudStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	if ok && now.Sub(cached.LastChecked) < s.statusTTL {
		return cached, nil
	}

	fresh, detectErr := s.detect(ctx, userID, now)
	if detectErr != nil {
		if ok {
			cached.ErrorDetails = detectErr.Error()
			cached.LastChecked = now

			if saveErr := s.store.SaveCloudStatus(ctx, cached); saveErr != nil {
				return nil, saveErr
			}

			return cached, nil
		}

		fresh = &store.CloudStatusSnapshot{UserID: userID, SyncStatus: store.SyncStatusUnknown, ErrorDetails: detectErr.Error(), LastChecked: now}
	}

	if err := s.store.SaveCloudStatus(ctx, fresh); err != nil {
		return nil, err
	}

	return fresh, nil
}

func (s *Service) detect(ctx context.Context, userID string, now time.Time) (*store.CloudStatusSnapshot, error) {
	installed, err := s.provider.IsInstalled(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCapability, "CLOUD_DETECT_FAILED", "checking cloud install state", err)
	}

	cs := &store.CloudStatusSnapshot{UserID: userID, IsInstalled: installed, LastChecked: now}
	if !installed {
		cs.SyncStatus = store.SyncStatusNotSignedIn

		return cs, nil
	}

	running, err := s.provider.IsRunning(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCapability, "CLOUD_DETECT_FAILED", "checking cloud running state", err)
	}

	cs.IsRunning = running

	signedIn, err := s.provider.IsSignedIn(ctx, userID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCapability, "CLOUD_DETECT_FAILED", "checking sign-in state", err)
	}

	cs.IsSignedIn = signedIn
	if !signedIn {
		cs.SyncStatus = store.SyncStatusAuthRequired

		return cs, nil
	}

	acct, err := s.provider.AccountInfo(ctx, userID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCapability, "CLOUD_DETECT_FAILED", "reading account info", err)
	}

	if acct != nil {
		cs.AccountEmail = acct.Email

		if raw, merr := json.Marshal(acct); merr == nil {
			cs.AccountInfoJSON = string(raw)
		}
	}

	folder, err := s.provider.PrimarySyncFolder(ctx, userID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCapability, "CLOUD_DETECT_FAILED", "reading primary sync folder", err)
	}

	cs.PrimarySyncFolder = folder
	cs.SyncStatus = store.SyncStatusUpToDate

	return cs, nil
}

// IsFolderInScope reports whether path is currently in the selective-sync
// scope for (user, account). A scope value recorded by AddToScope or
// RemoveFromScope wins; otherwise path is in scope when it is the primary
// sync-folder root or lies under it, and neither it nor an ancestor is in
// the provider's excluded list. With no primary sync folder, an unrecorded
// path is out of scope.
// path is Unicode-normalized to NFC before any comparison, since the same
// folder name can reach this call pre-composed or decomposed depending on
// which filesystem layer produced it.
func (s *Service) IsFolderInScope(ctx context.Context, userID, account, path string) (bool, error) {
	path = normalizePath(path)

	scope, err := s.store.FolderScope(ctx, userID, account)
	if err != nil {
		return false, err
	}

	if inScope, ok := scope[path]; ok {
		return inScope, nil
	}

	root, err := s.provider.PrimarySyncFolder(ctx, userID)
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindCapability, "PRIMARY_FOLDER_FAILED", "reading primary sync folder", err)
	}

	root = normalizePath(root)
	if root == "" || (path != root && !isAncestor(root, path)) {
		return false, nil
	}

	excluded, err := s.provider.ExcludedFolders(ctx, userID, account)
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindCapability, "EXCLUDED_FOLDERS_FAILED", "reading excluded folders", err)
	}

	return !containsFolder(excluded, path), nil
}

// AddToScope brings path into scope, removing any ancestor of path the
// provider currently excludes — an excluded ancestor would otherwise still
// shadow the newly included child.
func (s *Service) AddToScope(ctx context.Context, userID, account, path string) error {
	path = normalizePath(path)

	excluded, err := s.provider.ExcludedFolders(ctx, userID, account)
	if err != nil {
		return coreerr.Wrap(coreerr.KindCapability, "EXCLUDED_FOLDERS_FAILED", "reading excluded folders", err)
	}

	for _, ex := range excluded {
		ex := normalizePath(ex)

		if isAncestor(ex, path) {
			if err := s.provider.AddToScope(ctx, userID, account, ex); err != nil {
				return coreerr.Wrap(coreerr.KindCapability, "ADD_SCOPE_FAILED", "removing ancestor exclusion "+ex, err)
			}

			if err := s.store.SetFolderScope(ctx, userID, account, ex, true); err != nil {
				return err
			}
		}
	}

	if err := s.provider.AddToScope(ctx, userID, account, path); err != nil {
		return coreerr.Wrap(coreerr.KindCapability, "ADD_SCOPE_FAILED", "adding "+path+" to scope", err)
	}

	return s.store.SetFolderScope(ctx, userID, account, path, true)
}

// RemoveFromScope takes path out of the selective-sync scope.
func (s *Service) RemoveFromScope(ctx context.Context, userID, account, path string) error {
	path = normalizePath(path)

	if err := s.provider.RemoveFromScope(ctx, userID, account, path); err != nil {
		return coreerr.Wrap(coreerr.KindCapability, "REMOVE_SCOPE_FAILED", "removing "+path+" from scope", err)
	}

	return s.store.SetFolderScope(ctx, userID, account, path, false)
}

// normalizePath applies Unicode NFC normalization to a folder path. The
// local filesystem and the provider's listing can hand back the same name
// in different normalization forms, so every path is normalized before
// comparison.
func normalizePath(path string) string {
	return norm.NFC.String(path)
}

// EnsureCriticalFoldersIncluded guarantees every path in paths is in scope,
// adding it if necessary, and reports which ones required action.
func (s *Service) EnsureCriticalFoldersIncluded(ctx context.Context, userID, account string, paths []string) (map[string]bool, error) {
	result := make(map[string]bool, len(paths))

	for _, p := range paths {
		inScope, err := s.IsFolderInScope(ctx, userID, account, p)
		if err != nil {
			return nil, err
		}

		if inScope {
			result[p] = false

			continue
		}

		if err := s.AddToScope(ctx, userID, account, p); err != nil {
			return nil, err
		}

		result[p] = true
	}

	return result, nil
}

func isAncestor(candidate, path string) bool {
	if candidate == path {
		return false
	}

	return strings.HasPrefix(path, strings.TrimRight(candidate, "/\\")+"/") ||
		strings.HasPrefix(path, strings.TrimRight(candidate, "/\\")+`\`)
}

func containsFolder(excluded []string, path string) bool {
	for _, ex := range excluded {
		ex := normalizePath(ex)

		if ex == path || isAncestor(ex, path) {
			return true
		}
	}

	return false
}
