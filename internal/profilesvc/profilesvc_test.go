package profilesvc

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

func (f fakeClock) Now() time.Time { return f.t }

type fakeStore struct {
	overrides       map[string]*store.Override
	classifications map[string]*store.ClassificationRecord
	history         []*store.ClassificationHistory
	profiles        map[string]*store.UserProfile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		overrides:       map[string]*store.Override{},
		classifications: map[string]*store.ClassificationRecord{},
		profiles:        map[string]*store.UserProfile{},
	}
}

func (f *fakeStore) GetOverride(_ context.Context, userID string) (*store.Override, bool, error) {
	o, ok := f.overrides[userID]
	return o, ok, nil
}

func (f *fakeStore) GetClassification(_ context.Context, userID string) (*store.ClassificationRecord, bool, error) {
	c, ok := f.classifications[userID]
	return c, ok, nil
}

func (f *fakeStore) SaveClassification(_ context.Context, c *store.ClassificationRecord) error {
	cp := *c
	f.classifications[c.UserID] = &cp
	return nil
}

func (f *fakeStore) AppendClassificationHistory(_ context.Context, h *store.ClassificationHistory) error {
	f.history = append(f.history, h)
	return nil
}

func (f *fakeStore) SaveProfile(_ context.Context, p *store.UserProfile) error {
	f.profiles[p.UserID] = p
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuleSet() *RuleSet {
	return &RuleSet{
		Name:    "default",
		Version: "1",
		Rules: []Rule{
			{
				Name:       "recently active",
				Priority:   100,
				Combinator: CombAnd,
				Target:     store.ClassificationActive,
				Reason:     "logged in recently",
				Conditions: []Condition{
					{Property: "daysSinceLogin", Operator: OpLe, Value: 7.0},
				},
			},
		},
		DefaultClassification: store.ClassificationInactive,
	}
}

func TestClassify_OverridePrecedence(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.overrides["u1"] = &store.Override{UserID: "u1", TargetClassification: store.ClassificationSystem, Reason: "manual"}

	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "u1", ProfileType: store.ProfileTypeLocal}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{IsAccessible: true})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationSystem, rec.Classification)
	assert.True(t, rec.IsOverridden)
}

func TestClassify_ExpiredOverrideIgnored(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	st.overrides["u1"] = &store.Override{UserID: "u1", TargetClassification: store.ClassificationSystem, ExpiresAt: &expired}

	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "u1", ProfileType: store.ProfileTypeLocal}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{IsAccessible: true, LastLogin: now})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationActive, rec.Classification)
	assert.False(t, rec.IsOverridden)
}

func TestClassify_FixedRuleSystemProfile(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "sys1", ProfileType: store.ProfileTypeSystem}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{IsAccessible: true})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationSystem, rec.Classification)
	assert.False(t, profile.RequiresBackup)
	assert.Equal(t, 0, profile.BackupPriority)
}

func TestClassify_TemporaryPathSuffix(t *testing.T) {
	st := newFakeStore()
	svc := New(st, fakeClock{time.Now()}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "tmp1", ProfileType: store.ProfileTypeLocal, ProfilePath: `C:\Users\foo.TMP`}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{IsAccessible: true})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationTemporary, rec.Classification)
}

func TestClassify_InaccessibleIsCorrupted(t *testing.T) {
	st := newFakeStore()
	svc := New(st, fakeClock{time.Now()}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "bad1", ProfileType: store.ProfileTypeLocal}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{IsAccessible: false})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationCorrupted, rec.Classification)
	assert.False(t, profile.RequiresBackup)
}

func TestClassify_RuleSetEvaluation_ActiveRequiresBackup(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "u2", ProfileType: store.ProfileTypeDomain, ProfileSizeBytes: 2 << 30}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{
		IsAccessible: true, LastLogin: now.Add(-24 * time.Hour), IsLoaded: true, HasActiveSession: true,
	})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationActive, rec.Classification)
	assert.True(t, profile.RequiresBackup)
	assert.GreaterOrEqual(t, profile.BackupPriority, 1)
	assert.LessOrEqual(t, profile.BackupPriority, 999)
}

func TestClassify_DefaultWhenNoRuleMatches(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile := &store.UserProfile{UserID: "u3", ProfileType: store.ProfileTypeLocal}
	rec, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{
		IsAccessible: true, LastLogin: now.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, store.ClassificationInactive, rec.Classification)
}

func TestClassify_HistoryAppendedOnChange(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	svc := New(st, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), func() string { return "hist-1" })

	profile := &store.UserProfile{UserID: "u4", ProfileType: store.ProfileTypeLocal}

	// First classification: Inactive (no prior record) -> history appended.
	_, err := svc.Classify(context.Background(), profile, capability.ActivitySnapshot{
		IsAccessible: true, LastLogin: now.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, st.history, 1)
	assert.Equal(t, store.ClassificationInactive, st.history[0].NewClassification)

	// Second classification with same inputs: no change, no new history row.
	_, err = svc.Classify(context.Background(), profile, capability.ActivitySnapshot{
		IsAccessible: true, LastLogin: now.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, st.history, 1)
}

func TestClassify_Deterministic(t *testing.T) {
	st1, st2 := newFakeStore(), newFakeStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	svc1 := New(st1, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)
	svc2 := New(st2, fakeClock{now}, testLogger(), config.ProfileConfig{}, testRuleSet(), nil)

	profile1 := &store.UserProfile{UserID: "u5", ProfileType: store.ProfileTypeDomain, ProfileSizeBytes: 3 << 30}
	profile2 := &store.UserProfile{UserID: "u5", ProfileType: store.ProfileTypeDomain, ProfileSizeBytes: 3 << 30}
	snap := capability.ActivitySnapshot{IsAccessible: true, LastLogin: now.Add(-2 * 24 * time.Hour), IsLoaded: true}

	rec1, err := svc1.Classify(context.Background(), profile1, snap)
	require.NoError(t, err)
	rec2, err := svc2.Classify(context.Background(), profile2, snap)
	require.NoError(t, err)

	assert.Equal(t, rec1.Classification, rec2.Classification)
	assert.Equal(t, rec1.Confidence, rec2.Confidence)
	assert.Equal(t, profile1.BackupPriority, profile2.BackupPriority)
}

func TestValidateRuleSet_RejectsUnknownProperty(t *testing.T) {
	rs := &RuleSet{
		Name:                   "bad",
		DefaultClassification:  store.ClassificationUnknown,
		Rules: []Rule{
			{Name: "r1", Target: store.ClassificationActive, Combinator: CombAnd, Conditions: []Condition{
				{Property: "nope.bogus", Operator: OpEq, Value: "x"},
			}},
		},
	}

	err := ValidateRuleSet(rs)
	require.Error(t, err)
}

func TestValidateRuleSet_RejectsUnknownTarget(t *testing.T) {
	rs := &RuleSet{
		Name:                  "bad2",
		DefaultClassification: store.ClassificationUnknown,
		Rules: []Rule{
			{Name: "r1", Target: store.Classification("Bogus"), Combinator: CombAnd},
		},
	}

	err := ValidateRuleSet(rs)
	require.Error(t, err)
}

func TestEvaluate_WeightedThreshold(t *testing.T) {
	rs := &RuleSet{
		DefaultClassification: store.ClassificationUnknown,
		Rules: []Rule{
			{
				Name:              "weighted",
				Combinator:        CombWeighted,
				Target:            store.ClassificationActive,
				WeightedThreshold: 0.6,
				Conditions: []Condition{
					{Property: "metrics.isLoaded", Operator: OpEq, Value: true, Weight: 1},
					{Property: "metrics.hasActiveSession", Operator: OpEq, Value: true, Weight: 1},
					{Property: "metrics.isAccessible", Operator: OpEq, Value: true, Weight: 1},
				},
			},
		},
	}

	profile := &store.UserProfile{}
	metrics := capability.ActivitySnapshot{IsLoaded: true, HasActiveSession: true, IsAccessible: false}

	cls, _, conf := Evaluate(rs, profile, metrics, time.Now())
	assert.Equal(t, store.ClassificationActive, cls)
	assert.InDelta(t, 2.0/3.0, conf, 0.001)
}

func TestEvaluate_ContinueOnMatchSkipsToNextRule(t *testing.T) {
	rs := &RuleSet{
		DefaultClassification: store.ClassificationUnknown,
		Rules: []Rule{
			{
				Name: "log only", Priority: 10, Combinator: CombAnd, Target: store.ClassificationActive,
				ContinueOnMatch: true,
				Conditions:      []Condition{{Property: "profile.isActive", Operator: OpEq, Value: true}},
			},
			{
				Name: "real", Priority: 5, Combinator: CombAnd, Target: store.ClassificationInactive,
				Conditions: []Condition{{Property: "profile.isActive", Operator: OpEq, Value: true}},
			},
		},
	}

	profile := &store.UserProfile{IsActive: true}
	cls, _, _ := Evaluate(rs, profile, capability.ActivitySnapshot{}, time.Now())
	assert.Equal(t, store.ClassificationInactive, cls)
}
