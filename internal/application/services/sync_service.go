package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/domain/repositories"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/observability"
	"github.com/carelane/patientplatform/backend/pkg/config"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// Verifier retrieves one subscriber's current eligibility record.
type Verifier interface {
	Verify(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error)
}

// TransitionNotifier handles a detected status transition.
type TransitionNotifier interface {
	Notify(ctx context.Context, event *entities.TransitionEvent) error
}

// VerifyOutcome is the result of one verification pass for a patient.
// State is always the patient's current committed state, even when the
// verification itself failed or lost the commit race.
type VerifyOutcome struct {
	State      *entities.PatientEligibilityState
	Record     *entities.EligibilityRecord
	Transition *entities.TransitionEvent

	// Verified is false when no eligibility record could be obtained.
	Verified bool

	// Busy means another verification already held the pending flag, so
	// this call did nothing and State is the last committed state.
	Busy bool

	// Superseded means the obtained record lost the ordering race to a
	// newer committed record and was discarded.
	Superseded bool

	// FailureErr carries the verification failure when Verified is false.
	FailureErr error
}

// SyncService orchestrates eligibility verification and patient status
// synchronization: on-demand verification, the periodic batch sweep,
// and recovery of verifications that died holding the pending flag.
type SyncService struct {
	stateRepo repositories.PatientStateRepository
	cache     providers.EligibilityCache
	verifier  Verifier
	notifier  TransitionNotifier
	metrics   *observability.Metrics

	cacheTTL         time.Duration
	sweepConcurrency int
	pendingMaxAge    time.Duration

	now func() time.Time
}

// NewSyncService creates a new sync service
func NewSyncService(
	stateRepo repositories.PatientStateRepository,
	cache providers.EligibilityCache,
	verifier Verifier,
	notifier TransitionNotifier,
	metrics *observability.Metrics,
	cfg *config.VerificationConfig,
) *SyncService {
	return &SyncService{
		stateRepo:        stateRepo,
		cache:            cache,
		verifier:         verifier,
		notifier:         notifier,
		metrics:          metrics,
		cacheTTL:         cfg.CacheTTL,
		sweepConcurrency: cfg.SweepConcurrency,
		pendingMaxAge:    cfg.PendingMaxAge,
		now:              time.Now,
	}
}

// SetClock overrides the service's time source. Test hook.
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

// VerifyNow runs an on-demand verification for one patient.
func (s *SyncService) VerifyNow(ctx context.Context, patientID string) (*VerifyOutcome, error) {
	return s.verifyPatient(ctx, patientID, entities.SourceOnDemand, s.now().UTC())
}

// verifyPatient is the shared per-patient pipeline: acquire the pending
// flag, obtain a record through the cache, map it as of asOf, and commit
// under the ordering guard. The pending flag is always released, whatever
// happens in between.
func (s *SyncService) verifyPatient(ctx context.Context, patientID string, source entities.TransitionSource, asOf time.Time) (*VerifyOutcome, error) {
	state, err := s.stateRepo.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	started := s.now()
	acquired, err := s.stateRepo.BeginVerification(ctx, patientID, started.UTC())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &VerifyOutcome{State: state, Busy: true}, nil
	}
	defer func() {
		if err := s.stateRepo.FinishVerification(context.WithoutCancel(ctx), patientID); err != nil {
			log.Printf("Failed to clear pending flag for patient %s: %v", patientID, err)
		}
	}()

	// Another writer may have committed between the first read and the
	// flag acquisition. The comparison baseline must be the row as it
	// stands now that this verification owns the flag.
	state, err = s.stateRepo.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	record, err := s.fetchRecord(ctx, state.SubscriberID)
	observability.RecordVerification(ctx, s.metrics, string(source), err == nil, time.Since(started))
	if err != nil {
		return &VerifyOutcome{State: state, FailureErr: err}, nil
	}

	return s.commit(ctx, state, record, source, asOf)
}

// fetchRecord obtains the record through the cache, retrying once after
// invalidation when the cached entry turns out to be corrupt.
func (s *SyncService) fetchRecord(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error) {
	fetch := func(ctx context.Context) (*entities.EligibilityRecord, error) {
		return s.verifier.Verify(ctx, subscriberID)
	}

	record, err := s.cache.GetOrFetch(ctx, subscriberID, s.cacheTTL, fetch)
	if err != nil && apperrors.TypeOf(err) == apperrors.ErrorTypeCacheCorruption {
		log.Printf("Corrupt cache entry for subscriber %s, invalidating: %v", subscriberID, err)
		if invErr := s.cache.Invalidate(ctx, subscriberID); invErr != nil {
			return nil, invErr
		}
		record, err = s.cache.GetOrFetch(ctx, subscriberID, s.cacheTTL, fetch)
	}
	return record, err
}

// commit maps the record to a status as of asOf and writes it under the
// ordering guard. Notification failures never roll the commit back.
func (s *SyncService) commit(ctx context.Context, state *entities.PatientEligibilityState, record *entities.EligibilityRecord, source entities.TransitionSource, asOf time.Time) (*VerifyOutcome, error) {
	verifiedAt := s.now().UTC()
	newStatus := entities.MapStatus(record, asOf)

	if newStatus == state.CurrentStatus {
		applied, err := s.stateRepo.TouchVerified(ctx, state.PatientID, verifiedAt, record.RetrievedAt)
		if err != nil {
			return nil, err
		}
		return s.reload(ctx, state, record, nil, !applied)
	}

	applied, err := s.stateRepo.CommitTransition(ctx, state.PatientID, newStatus, verifiedAt, record.RetrievedAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.reload(ctx, state, record, nil, true)
	}

	event := entities.NewTransitionEvent(state.PatientID, state.CurrentStatus, newStatus, verifiedAt, source)
	observability.RecordTransition(ctx, s.metrics, string(event.FromStatus), string(event.ToStatus))

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, event); err != nil {
			log.Printf("Failed to notify transition %s for patient %s: %v", event.ID, state.PatientID, err)
		}
	}

	return s.reload(ctx, state, record, event, false)
}

func (s *SyncService) reload(ctx context.Context, prev *entities.PatientEligibilityState, record *entities.EligibilityRecord, event *entities.TransitionEvent, superseded bool) (*VerifyOutcome, error) {
	state, err := s.stateRepo.GetByPatientID(ctx, prev.PatientID)
	if err != nil {
		// The commit already happened; fall back to what we last read.
		log.Printf("Failed to reload state for patient %s: %v", prev.PatientID, err)
		state = prev
	}
	return &VerifyOutcome{
		State:      state,
		Record:     record,
		Transition: event,
		Verified:   true,
		Superseded: superseded,
	}, nil
}

// GetStatus returns the patient's committed state together with the
// cached eligibility record when one is present, without touching the
// payer.
func (s *SyncService) GetStatus(ctx context.Context, patientID string) (*entities.PatientEligibilityState, *entities.EligibilityRecord, error) {
	state, err := s.stateRepo.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}

	record, err := s.cache.GetStaleIfPresent(ctx, state.SubscriberID)
	if err != nil {
		log.Printf("Failed to read cached record for subscriber %s: %v", state.SubscriberID, err)
		record = nil
	}

	return state, record, nil
}

// RegisterPatient creates the initial eligibility state for a patient.
// New patients start as inquiries until their first verification.
func (s *SyncService) RegisterPatient(ctx context.Context, patientID, subscriberID string) (*entities.PatientEligibilityState, error) {
	if patientID == "" || subscriberID == "" {
		return nil, apperrors.NewValidationError("patient id and subscriber id are required")
	}

	state := &entities.PatientEligibilityState{
		PatientID:     patientID,
		SubscriberID:  subscriberID,
		CurrentStatus: entities.StatusInquiry,
	}
	if err := s.stateRepo.Create(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// RunBatchSweep verifies every known patient with a bounded worker pool,
// classifying each record as of asOf. A file-based sweep passes the batch
// document's coverage date so that classification matches the day the
// payer produced the document. One patient's failure never stops the
// sweep; it is counted and the sweep moves on.
func (s *SyncService) RunBatchSweep(ctx context.Context, asOf time.Time) (*entities.SweepSummary, error) {
	patientIDs, err := s.stateRepo.ListPatientIDs(ctx)
	if err != nil {
		return nil, err
	}

	summary := &entities.SweepSummary{
		Total:     len(patientIDs),
		StartedAt: s.now().UTC(),
	}

	ids := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.sweepConcurrency
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for patientID := range ids {
				outcome, err := s.verifyPatient(ctx, patientID, entities.SourceBatch, asOf)

				mu.Lock()
				switch {
				case err != nil:
					summary.Failed++
					log.Printf("Sweep verification errored for patient %s: %v", patientID, err)
				case outcome.Busy:
					summary.Skipped++
				case !outcome.Verified:
					summary.Failed++
					log.Printf("Sweep verification failed for patient %s: %v", patientID, outcome.FailureErr)
				default:
					summary.Verified++
					if outcome.Transition != nil {
						summary.Transitions++
					}
				}
				mu.Unlock()
			}
		}()
	}

	for _, patientID := range patientIDs {
		select {
		case <-ctx.Done():
			// Stop feeding; in-flight patients finish on their own.
			close(ids)
			wg.Wait()
			summary.FinishedAt = s.now().UTC()
			return summary, ctx.Err()
		case ids <- patientID:
		}
	}
	close(ids)
	wg.Wait()

	summary.FinishedAt = s.now().UTC()
	observability.RecordSweep(ctx, s.metrics, summary.Total, summary.Failed, summary.FinishedAt.Sub(summary.StartedAt))
	log.Printf("Sweep finished: %d total, %d verified, %d transitions, %d failed, %d skipped",
		summary.Total, summary.Verified, summary.Transitions, summary.Failed, summary.Skipped)

	return summary, nil
}

// StartPeriodicSweeps starts a background goroutine that runs the batch
// sweep on a fixed interval until ctx is cancelled.
func (s *SyncService) StartPeriodicSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("Stopping periodic sweeps")
				return
			case <-ticker.C:
				if _, err := s.RunBatchSweep(ctx, s.now().UTC()); err != nil {
					log.Printf("Periodic sweep failed: %v", err)
				}
			}
		}
	}()
	log.Printf("Started periodic sweeps every %v", interval)
}

// StartWatchdog starts a background goroutine that releases pending
// flags left behind by verifications that never finished.
func (s *SyncService) StartWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("Stopping verification watchdog")
				return
			case <-ticker.C:
				cutoff := s.now().UTC().Add(-s.pendingMaxAge)
				released, err := s.stateRepo.ReleaseStalePending(ctx, cutoff)
				if err != nil {
					log.Printf("Watchdog failed to release stale verifications: %v", err)
					continue
				}
				if released > 0 {
					log.Printf("Watchdog released %d stale pending verifications", released)
				}
			}
		}
	}()
}
