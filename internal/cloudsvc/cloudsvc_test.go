package cloudsvc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/store"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

type fakeProvider struct {
	installed bool
	running   bool
	signedIn  bool
	account   *capability.AccountInfo
	folder    string
	excluded  []string

	addCalls    []string
	removeCalls []string
}

func (p *fakeProvider) IsInstalled(ctx context.Context) (bool, error) { return p.installed, nil }
func (p *fakeProvider) IsRunning(ctx context.Context) (bool, error)   { return p.running, nil }
func (p *fakeProvider) IsSignedIn(ctx context.Context, userID string) (bool, error) {
	return p.signedIn, nil
}
func (p *fakeProvider) AccountInfo(ctx context.Context, userID string) (*capability.AccountInfo, error) {
	return p.account, nil
}
func (p *fakeProvider) PrimarySyncFolder(ctx context.Context, userID string) (string, error) {
	return p.folder, nil
}
func (p *fakeProvider) ExcludedFolders(ctx context.Context, userID, account string) ([]string, error) {
	return p.excluded, nil
}
func (p *fakeProvider) AddToScope(ctx context.Context, userID, account, path string) error {
	p.addCalls = append(p.addCalls, path)

	for i, e := range p.excluded {
		if e == path {
			p.excluded = append(p.excluded[:i], p.excluded[i+1:]...)

			break
		}
	}

	return nil
}
func (p *fakeProvider) RemoveFromScope(ctx context.Context, userID, account, path string) error {
	p.removeCalls = append(p.removeCalls, path)
	p.excluded = append(p.excluded, path)

	return nil
}
func (p *fakeProvider) LocalOnlyFiles(ctx context.Context, userID, folder string) ([]string, error) {
	return nil, nil
}
func (p *fakeProvider) ForceSync(ctx context.Context, userID, folder string) error { return nil }
func (p *fakeProvider) WaitForSync(ctx context.Context, userID, folder string) error {
	return nil
}
func (p *fakeProvider) FileSyncState(ctx context.Context, userID, path string) (capability.SyncState, error) {
	return capability.SyncStateUpToDate, nil
}

type fakeStore struct {
	status      map[string]*store.CloudStatusSnapshot
	scope       map[string]map[string]bool
	syncOps     map[string]*store.SyncOperation
	syncErrors  map[string][]*store.SyncError
	escalations map[string]*store.Escalation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:      map[string]*store.CloudStatusSnapshot{},
		scope:       map[string]map[string]bool{},
		syncOps:     map[string]*store.SyncOperation{},
		syncErrors:  map[string][]*store.SyncError{},
		escalations: map[string]*store.Escalation{},
	}
}

func (f *fakeStore) GetCloudStatus(ctx context.Context, userID string) (*store.CloudStatusSnapshot, bool, error) {
	cs, ok := f.status[userID]

	return cs, ok, nil
}

func (f *fakeStore) SaveCloudStatus(ctx context.Context, cs *store.CloudStatusSnapshot) error {
	cp := *cs
	f.status[cs.UserID] = &cp

	return nil
}

func (f *fakeStore) SetFolderScope(ctx context.Context, userID, account, folder string, inScope bool) error {
	key := userID + "|" + account
	if f.scope[key] == nil {
		f.scope[key] = map[string]bool{}
	}

	f.scope[key][folder] = inScope

	return nil
}

func (f *fakeStore) FolderScope(ctx context.Context, userID, account string) (map[string]bool, error) {
	return f.scope[userID+"|"+account], nil
}

func (f *fakeStore) CreateSyncOperation(ctx context.Context, op *store.SyncOperation) error {
	for _, existing := range f.syncOps {
		if existing.UserID == op.UserID && existing.FolderPath == op.FolderPath &&
			existing.Status != store.StatusCompleted && existing.Status != store.StatusFailed {
			return assertNoActiveOp
		}
	}

	cp := *op
	f.syncOps[op.ID] = &cp

	return nil
}

var assertNoActiveOp = &testStoreErr{"active sync operation already exists"}

type testStoreErr struct{ msg string }

func (e *testStoreErr) Error() string { return e.msg }

func (f *fakeStore) UpdateSyncOperation(ctx context.Context, op *store.SyncOperation) error {
	cp := *op
	f.syncOps[op.ID] = &cp

	return nil
}

func (f *fakeStore) GetSyncOperation(ctx context.Context, id string) (*store.SyncOperation, error) {
	op, ok := f.syncOps[id]
	if !ok {
		return nil, &testStoreErr{"not found"}
	}

	cp := *op

	return &cp, nil
}

func (f *fakeStore) ActiveSyncOp(ctx context.Context, userID, folder string) (*store.SyncOperation, error) {
	for _, op := range f.syncOps {
		if op.UserID == userID && op.FolderPath == folder && op.Status != store.StatusCompleted {
			return op, nil
		}
	}

	return nil, nil
}

func (f *fakeStore) AppendSyncError(ctx context.Context, se *store.SyncError) error {
	cp := *se
	f.syncErrors[se.SyncOpID] = append(f.syncErrors[se.SyncOpID], &cp)

	return nil
}

func (f *fakeStore) UnresolvedSyncErrors(ctx context.Context, syncOpID string) ([]*store.SyncError, error) {
	var out []*store.SyncError
	for _, se := range f.syncErrors[syncOpID] {
		if !se.IsResolved {
			out = append(out, se)
		}
	}

	return out, nil
}

func (f *fakeStore) ResolveSyncError(ctx context.Context, id string) error { return nil }

func (f *fakeStore) CreateEscalation(ctx context.Context, e *store.Escalation) error {
	cp := *e
	f.escalations[e.ID] = &cp

	return nil
}

func (f *fakeStore) OpenEscalationByKind(ctx context.Context, userID string, kind store.EscalationKind) (*store.Escalation, bool, error) {
	for _, e := range f.escalations {
		if e.UserID == userID && e.Kind == kind && e.ResolvedAt == nil {
			return e, true, nil
		}
	}

	return nil, false, nil
}

func (f *fakeStore) UpdateEscalationDetails(ctx context.Context, id, details, updatedAt string) error {
	if e, ok := f.escalations[id]; ok {
		e.Details = details
	}

	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestStatus_UsesCacheWhenFresh(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.status["u1"] = &store.CloudStatusSnapshot{UserID: "u1", IsInstalled: true, LastChecked: now.Add(-1 * time.Minute)}

	provider := &fakeProvider{installed: true, running: true, signedIn: true}
	svc := New(st, provider, &fakeClock{now}, testLogger(), config.CloudConfig{StatusCacheTTL: "5m"}, nil)

	cs, err := svc.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-1*time.Minute), cs.LastChecked)
}

func TestStatus_RefreshesWhenStale(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.status["u1"] = &store.CloudStatusSnapshot{UserID: "u1", IsInstalled: true, LastChecked: now.Add(-10 * time.Minute)}

	provider := &fakeProvider{installed: true, running: true, signedIn: true, folder: `C:\Users\u1\OneDrive`}
	svc := New(st, provider, &fakeClock{now}, testLogger(), config.CloudConfig{StatusCacheTTL: "5m"}, nil)

	cs, err := svc.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, now, cs.LastChecked)
	assert.Equal(t, store.SyncStatusUpToDate, cs.SyncStatus)
}

func TestAddToScope_RemovesAncestorExclusion(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{excluded: []string{`C:\Users\u1\OneDrive\Documents`}}
	svc := New(st, provider, &fakeClock{time.Now()}, testLogger(), config.CloudConfig{}, nil)

	err := svc.AddToScope(context.Background(), "u1", "acct", `C:\Users\u1\OneDrive\Documents\Work`)
	require.NoError(t, err)

	assert.Contains(t, provider.addCalls, `C:\Users\u1\OneDrive\Documents`)
	assert.Contains(t, provider.addCalls, `C:\Users\u1\OneDrive\Documents\Work`)
}

func TestEnsureCriticalFoldersIncluded(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{excluded: []string{`C:\Users\u1\OneDrive\Desktop`}}
	svc := New(st, provider, &fakeClock{time.Now()}, testLogger(), config.CloudConfig{}, nil)

	result, err := svc.EnsureCriticalFoldersIncluded(context.Background(), "u1", "acct",
		[]string{`C:\Users\u1\OneDrive\Desktop`, `C:\Users\u1\OneDrive\Pictures`})
	require.NoError(t, err)

	assert.True(t, result[`C:\Users\u1\OneDrive\Desktop`])
	assert.True(t, result[`C:\Users\u1\OneDrive\Pictures`])
}

// TestIsFolderInScope_NormalizesUnicodeForm verifies that a folder name
// reaching this call decomposed (NFD, "e" + combining acute accent) still
// matches a provider exclusion recorded in precomposed form (NFC, "é"), per
// the Unicode-normalization handling cloudsvc.normalizePath adds.
func TestIsFolderInScope_NormalizesUnicodeForm(t *testing.T) {
	const precomposed = "C:\\Users\\u1\\OneDrive\\Caf\u00e9"   // é as U+00E9
	const decomposed = "C:\\Users\\u1\\OneDrive\\Cafe\u0301" // e + combining acute

	st := newFakeStore()
	provider := &fakeProvider{excluded: []string{precomposed}}
	svc := New(st, provider, &fakeClock{time.Now()}, testLogger(), config.CloudConfig{}, nil)

	inScope, err := svc.IsFolderInScope(context.Background(), "u1", "acct", decomposed)
	require.NoError(t, err)
	assert.False(t, inScope, "a decomposed name matching a precomposed exclusion should still be recognized as excluded")
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, store.ErrorCategoryFileLocked, CategorizeError("file is locked by another process"))
	assert.Equal(t, store.ErrorCategoryQuotaExceeded, CategorizeError("insufficient storage quota"))
	assert.Equal(t, store.ErrorCategoryAuthRequired, CategorizeError("please sign in again"))
	assert.Equal(t, store.ErrorCategoryTransientNetwork, CategorizeError("connection timeout"))
	assert.Equal(t, store.ErrorCategoryOther, CategorizeError("something weird happened"))
}

func TestHandleSyncError_EscalatesAfterThreshold(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(st, &fakeProvider{}, &fakeClock{now}, testLogger(), config.CloudConfig{EscalateAfterErrs: 3}, nil)

	op := &store.SyncOperation{ID: "op1", UserID: "u1", FolderPath: "Documents", Status: store.StatusInProgress, StartedAt: now}
	require.NoError(t, st.CreateSyncOperation(context.Background(), op))

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleSyncError(context.Background(), op, "file.docx", "connection timeout"))
	}

	assert.Equal(t, store.StatusRequiresIntervention, op.Status)
	assert.Len(t, st.escalations, 1)
}

func TestUpdateSyncProgress_DetectsStall(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now}
	svc := New(st, &fakeProvider{}, clock, testLogger(), config.CloudConfig{StallWindow: "5m"}, nil)

	op, err := svc.StartSync(context.Background(), "u1", "Documents")
	require.NoError(t, err)

	_, err = svc.UpdateSyncProgress(context.Background(), op.ID, 1, 10, 100, 1000)
	require.NoError(t, err)

	clock.t = now.Add(10 * time.Minute)
	updated, err := svc.UpdateSyncProgress(context.Background(), op.ID, 1, 10, 100, 1000)
	require.NoError(t, err)

	assert.Equal(t, store.StatusTimedOut, updated.Status)
}
