package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelane/patientplatform/backend/internal/adapters/cache"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/pkg/config"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// fakeStateRepo mirrors the database adapter's compare-and-set and
// ordering-guard semantics in memory. beforeBegin, when set, runs at
// the top of BeginVerification so a test can interleave another
// writer's commit with an in-progress verification.
type fakeStateRepo struct {
	mu          sync.Mutex
	states      map[string]*entities.PatientEligibilityState
	beforeBegin func()
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: make(map[string]*entities.PatientEligibilityState)}
}

func (r *fakeStateRepo) add(patientID, subscriberID string, status entities.PatientStatus) *entities.PatientEligibilityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := &entities.PatientEligibilityState{
		PatientID:     patientID,
		SubscriberID:  subscriberID,
		CurrentStatus: status,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	r.states[patientID] = state
	return state
}

func (r *fakeStateRepo) snapshot(patientID string) *entities.PatientEligibilityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[patientID]
	if !ok {
		return nil
	}
	copied := *state
	return &copied
}

func (r *fakeStateRepo) GetByPatientID(_ context.Context, patientID string) (*entities.PatientEligibilityState, error) {
	if state := r.snapshot(patientID); state != nil {
		return state, nil
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient state with patient_id %s not found", patientID))
}

func (r *fakeStateRepo) GetBySubscriberID(_ context.Context, subscriberID string) (*entities.PatientEligibilityState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.states {
		if state.SubscriberID == subscriberID {
			copied := *state
			return &copied, nil
		}
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient state with subscriber_id %s not found", subscriberID))
}

func (r *fakeStateRepo) ListPatientIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeStateRepo) Create(_ context.Context, state *entities.PatientEligibilityState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[state.PatientID]; exists {
		return apperrors.NewConflictError("patient already exists")
	}
	copied := *state
	r.states[state.PatientID] = &copied
	return nil
}

func (r *fakeStateRepo) BeginVerification(_ context.Context, patientID string, now time.Time) (bool, error) {
	if r.beforeBegin != nil {
		r.beforeBegin()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[patientID]
	if !ok || state.PendingVerification {
		return false, nil
	}
	state.PendingVerification = true
	state.PendingSince = &now
	return true, nil
}

func (r *fakeStateRepo) FinishVerification(_ context.Context, patientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[patientID]; ok {
		state.PendingVerification = false
		state.PendingSince = nil
	}
	return nil
}

func (r *fakeStateRepo) CommitTransition(_ context.Context, patientID string, status entities.PatientStatus, verifiedAt, recordRetrievedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[patientID]
	if !ok || !r.passesGuard(state, recordRetrievedAt) {
		return false, nil
	}
	state.CurrentStatus = status
	state.LastTransitionAt = &verifiedAt
	state.LastVerifiedAt = &verifiedAt
	state.RecordRetrievedAt = &recordRetrievedAt
	return true, nil
}

func (r *fakeStateRepo) TouchVerified(_ context.Context, patientID string, verifiedAt, recordRetrievedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[patientID]
	if !ok || !r.passesGuard(state, recordRetrievedAt) {
		return false, nil
	}
	state.LastVerifiedAt = &verifiedAt
	state.RecordRetrievedAt = &recordRetrievedAt
	return true, nil
}

func (r *fakeStateRepo) passesGuard(state *entities.PatientEligibilityState, recordRetrievedAt time.Time) bool {
	return state.RecordRetrievedAt == nil || state.RecordRetrievedAt.Before(recordRetrievedAt)
}

func (r *fakeStateRepo) ReleaseStalePending(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, state := range r.states {
		if state.PendingVerification && state.PendingSince != nil && state.PendingSince.Before(cutoff) {
			state.PendingVerification = false
			state.PendingSince = nil
			released++
		}
	}
	return released, nil
}

// fakeVerifier serves scripted records per subscriber.
type fakeVerifier struct {
	mu      sync.Mutex
	records map[string]*entities.EligibilityRecord
	errs    map[string]error
	calls   int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		records: make(map[string]*entities.EligibilityRecord),
		errs:    make(map[string]error),
	}
}

func (v *fakeVerifier) Verify(_ context.Context, subscriberID string) (*entities.EligibilityRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if err, ok := v.errs[subscriberID]; ok {
		return nil, err
	}
	if record, ok := v.records[subscriberID]; ok {
		copied := *record
		return &copied, nil
	}
	return nil, apperrors.NewNotFoundError("unknown subscriber")
}

// fakeNotifier records delivered transition events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []*entities.TransitionEvent
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, event *entities.TransitionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *fakeNotifier) all() []*entities.TransitionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*entities.TransitionEvent(nil), n.events...)
}

func syncTestConfig() *config.VerificationConfig {
	return &config.VerificationConfig{
		CacheTTL:         time.Hour,
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		SweepConcurrency: 4,
		PendingMaxAge:    5 * time.Minute,
	}
}

func newSyncFixture() (*SyncService, *fakeStateRepo, *fakeVerifier, *fakeNotifier, *cache.MemoryAdapter) {
	repo := newFakeStateRepo()
	verifier := newFakeVerifier()
	notifier := &fakeNotifier{}
	memory := cache.NewMemoryAdapter()
	eligibilityCache := cache.NewEligibilityCache(memory, nil)
	service := NewSyncService(repo, eligibilityCache, verifier, notifier, nil, syncTestConfig())
	return service, repo, verifier, notifier, memory
}

func activeRecord(subscriberID string) *entities.EligibilityRecord {
	return &entities.EligibilityRecord{
		SubscriberID:  subscriberID,
		RawStatusCode: entities.RawCodeActiveCoverage,
		RetrievedAt:   time.Now().UTC(),
	}
}

func TestVerifyNow_CommitsTransitionAndNotifies(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Verified)
	assert.False(t, outcome.Busy)
	require.NotNil(t, outcome.Transition)
	assert.Equal(t, entities.StatusInquiry, outcome.Transition.FromStatus)
	assert.Equal(t, entities.StatusActive, outcome.Transition.ToStatus)
	assert.Equal(t, entities.SourceOnDemand, outcome.Transition.Source)

	state := repo.snapshot("pat-1")
	assert.Equal(t, entities.StatusActive, state.CurrentStatus)
	assert.NotNil(t, state.LastVerifiedAt)
	assert.NotNil(t, state.RecordRetrievedAt)
	assert.False(t, state.PendingVerification, "pending flag must be released")

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, "pat-1", events[0].PatientID)
}

func TestVerifyNow_NoChangeTouchesWithoutNotifying(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusActive)
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Verified)
	assert.Nil(t, outcome.Transition)
	assert.Empty(t, notifier.all())

	state := repo.snapshot("pat-1")
	assert.Equal(t, entities.StatusActive, state.CurrentStatus)
	assert.Nil(t, state.LastTransitionAt)
	assert.NotNil(t, state.LastVerifiedAt)
}

func TestVerifyNow_BusyPatientIsNotVerifiedTwice(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()
	state := repo.add("pat-1", "SUB-1", entities.StatusActive)
	now := time.Now().UTC()
	state.PendingVerification = true
	state.PendingSince = &now

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Busy)
	assert.False(t, outcome.Verified)
	assert.Equal(t, entities.StatusActive, outcome.State.CurrentStatus)
	assert.Equal(t, 0, verifier.calls)
	assert.Empty(t, notifier.all())

	// The flag belongs to the other verification and must survive
	assert.True(t, repo.snapshot("pat-1").PendingVerification)
}

func TestVerifyNow_FailureReturnsLastCommittedState(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusActive)
	verifier.errs["SUB-1"] = apperrors.NewTransientError("payer down", nil)

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.False(t, outcome.Verified)
	assert.False(t, outcome.Busy)
	require.Error(t, outcome.FailureErr)
	assert.Equal(t, entities.StatusActive, outcome.State.CurrentStatus)
	assert.Empty(t, notifier.all())

	// Failure still releases the pending flag
	assert.False(t, repo.snapshot("pat-1").PendingVerification)
}

func TestVerifyNow_StaleRecordNeverRegressesStatus(t *testing.T) {
	service, repo, verifier, _, _ := newSyncFixture()
	state := repo.add("pat-1", "SUB-1", entities.StatusActive)

	// A newer record was already committed
	newer := time.Now().UTC()
	state.RecordRetrievedAt = &newer

	// The verifier returns an older churned record
	stale := activeRecord("SUB-1")
	stale.RawStatusCode = entities.RawCodeInactive
	stale.RetrievedAt = newer.Add(-time.Hour)
	verifier.records["SUB-1"] = stale

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Verified)
	assert.True(t, outcome.Superseded)
	assert.Nil(t, outcome.Transition)
	assert.Equal(t, entities.StatusActive, repo.snapshot("pat-1").CurrentStatus)
}

func TestVerifyNow_CommitInterleavedBeforeFlagIsNotLost(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusActive)

	// Another writer commits a churned record just before this
	// verification acquires the pending flag.
	earlier := time.Now().UTC().Add(-2 * time.Minute)
	repo.beforeBegin = func() {
		repo.beforeBegin = nil
		applied, err := repo.CommitTransition(context.Background(), "pat-1", entities.StatusChurned, earlier, earlier)
		require.NoError(t, err)
		require.True(t, applied)
	}

	// This verification holds a newer record that maps back to active.
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Verified)
	require.NotNil(t, outcome.Transition, "the newer record's status must be committed, not absorbed as a no-change touch")
	assert.Equal(t, entities.StatusChurned, outcome.Transition.FromStatus)
	assert.Equal(t, entities.StatusActive, outcome.Transition.ToStatus)

	state := repo.snapshot("pat-1")
	assert.Equal(t, entities.StatusActive, state.CurrentStatus)
	require.NotNil(t, state.RecordRetrievedAt)
	assert.True(t, state.RecordRetrievedAt.After(earlier), "the watermark must advance to the newer record")

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, entities.StatusChurned, events[0].FromStatus)
}

func TestVerifyNow_UnknownPatient(t *testing.T) {
	service, _, _, _, _ := newSyncFixture()

	_, err := service.VerifyNow(context.Background(), "nobody")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.TypeOf(err))
}

func TestVerifyNow_CorruptCacheEntryIsInvalidatedAndRefetched(t *testing.T) {
	service, repo, verifier, _, memory := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	require.NoError(t, memory.Set(context.Background(), "eligibility:SUB-1", []byte("garbage"), 0))

	outcome, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.True(t, outcome.Verified)
	assert.Equal(t, entities.StatusActive, outcome.State.CurrentStatus)
	assert.Equal(t, 1, verifier.calls)
}

func TestVerifyNow_SecondCallServedFromCache(t *testing.T) {
	service, repo, verifier, _, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	_, err := service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)
	_, err = service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	assert.Equal(t, 1, verifier.calls, "second verification should hit the cache")
}

func TestGetStatus(t *testing.T) {
	service, repo, verifier, _, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)

	// No cache entry yet
	state, record, err := service.GetStatus(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusInquiry, state.CurrentStatus)
	assert.Nil(t, record)

	// After a verification the cached record comes back too
	verifier.records["SUB-1"] = activeRecord("SUB-1")
	_, err = service.VerifyNow(context.Background(), "pat-1")
	require.NoError(t, err)

	state, record, err = service.GetStatus(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusActive, state.CurrentStatus)
	require.NotNil(t, record)
	assert.Equal(t, "SUB-1", record.SubscriberID)
	assert.Equal(t, 1, verifier.calls, "status reads never trigger verification")
}

func TestRegisterPatient(t *testing.T) {
	service, repo, _, _, _ := newSyncFixture()

	state, err := service.RegisterPatient(context.Background(), "pat-1", "SUB-1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusInquiry, state.CurrentStatus)
	assert.NotNil(t, repo.snapshot("pat-1"))

	_, err = service.RegisterPatient(context.Background(), "", "SUB-2")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, err = service.RegisterPatient(context.Background(), "pat-1", "SUB-1")
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(err))
}

func TestRunBatchSweep(t *testing.T) {
	service, repo, verifier, notifier, _ := newSyncFixture()

	// pat-1 transitions, pat-2 stays put, pat-3 fails, pat-4 is busy
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)
	verifier.records["SUB-1"] = activeRecord("SUB-1")

	repo.add("pat-2", "SUB-2", entities.StatusActive)
	verifier.records["SUB-2"] = activeRecord("SUB-2")

	repo.add("pat-3", "SUB-3", entities.StatusActive)
	verifier.errs["SUB-3"] = apperrors.NewTransientError("payer down", nil)

	busy := repo.add("pat-4", "SUB-4", entities.StatusActive)
	now := time.Now().UTC()
	busy.PendingVerification = true
	busy.PendingSince = &now

	summary, err := service.RunBatchSweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Verified)
	assert.Equal(t, 1, summary.Transitions)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, "pat-1", events[0].PatientID)
	assert.Equal(t, entities.SourceBatch, events[0].Source)
}

func TestRunBatchSweep_EmptyRoster(t *testing.T) {
	service, _, _, _, _ := newSyncFixture()

	summary, err := service.RunBatchSweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 0, summary.Verified)
}

func TestRunBatchSweep_ClassifiesAsOfCoverageDate(t *testing.T) {
	service, repo, verifier, _, _ := newSyncFixture()
	repo.add("pat-1", "SUB-1", entities.StatusInquiry)

	// Coverage starts after the batch document's coverage date but well
	// before today. Against the coverage date the patient is still
	// onboarding; against the wall clock they would already be active.
	record := activeRecord("SUB-1")
	effective := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	record.EffectiveDate = &effective
	verifier.records["SUB-1"] = record

	asOf := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	summary, err := service.RunBatchSweep(context.Background(), asOf)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, entities.StatusOnboarding, repo.snapshot("pat-1").CurrentStatus)
}

func TestReleaseStalePendingViaWatchdogCutoff(t *testing.T) {
	_, repo, _, _, _ := newSyncFixture()

	state := repo.add("pat-1", "SUB-1", entities.StatusActive)
	stuck := time.Now().UTC().Add(-time.Hour)
	state.PendingVerification = true
	state.PendingSince = &stuck

	fresh := repo.add("pat-2", "SUB-2", entities.StatusActive)
	recent := time.Now().UTC()
	fresh.PendingVerification = true
	fresh.PendingSince = &recent

	released, err := repo.ReleaseStalePending(context.Background(), time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.False(t, repo.snapshot("pat-1").PendingVerification)
	assert.True(t, repo.snapshot("pat-2").PendingVerification)
}

func TestVerifyNow_CachedRecordMarshalsCleanly(t *testing.T) {
	// Round-trip the record type the cache persists; a schema change
	// that breaks decoding would surface as corruption at runtime.
	record := activeRecord("SUB-1")
	record.Coverage = []entities.CoverageField{{Name: "payerName", Value: "Acme"}}

	entry := entities.CacheEntry{Record: *record, ExpiresAt: record.RetrievedAt.Add(time.Hour)}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded entities.CacheEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, entry.Record.SubscriberID, decoded.Record.SubscriberID)
	assert.True(t, decoded.Fresh(record.RetrievedAt))
}
