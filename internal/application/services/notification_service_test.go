package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

type fakeAuditSink struct {
	entries []*entities.AuditEntry
	err     error
}

func (f *fakeAuditSink) Record(_ context.Context, entry *entities.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeAlertSink struct {
	alerts []*entities.Alert
	err    error
}

func (f *fakeAlertSink) Send(_ context.Context, alert *entities.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeLedger struct {
	claimed  map[string]bool
	claimErr error
	releases []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claimed: make(map[string]bool)}
}

func (f *fakeLedger) Claim(_ context.Context, alert *entities.Alert) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.claimed[alert.IdempotencyKey] {
		return false, nil
	}
	f.claimed[alert.IdempotencyKey] = true
	return true, nil
}

func (f *fakeLedger) Release(_ context.Context, key string) error {
	delete(f.claimed, key)
	f.releases = append(f.releases, key)
	return nil
}

type fakeEventBus struct {
	published map[string][]*entities.TransitionEvent
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{published: make(map[string][]*entities.TransitionEvent)}
}

func (f *fakeEventBus) Publish(_ context.Context, channel string, event *entities.TransitionEvent) error {
	f.published[channel] = append(f.published[channel], event)
	return nil
}

func (f *fakeEventBus) Subscribe(context.Context, string) (<-chan *entities.TransitionEvent, error) {
	return nil, nil
}

func (f *fakeEventBus) Unsubscribe(context.Context, string) error { return nil }

func (f *fakeEventBus) Close() error { return nil }

func churnEvent(patientID string) *entities.TransitionEvent {
	return entities.NewTransitionEvent(
		patientID,
		entities.StatusActive,
		entities.StatusChurned,
		time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		entities.SourceBatch,
	)
}

func TestNotify_WritesAuditAndSendsAlert(t *testing.T) {
	audit := &fakeAuditSink{}
	alerts := &fakeAlertSink{}
	service := NewNotificationService(audit, alerts, newFakeLedger(), nil)

	err := service.Notify(context.Background(), churnEvent("pat-1"))
	require.NoError(t, err)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "pat-1", audit.entries[0].PatientID)
	assert.Equal(t, entities.AuditActorSystem, audit.entries[0].Actor)
	assert.Contains(t, audit.entries[0].Event, "active -> churned")

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, entities.SeverityHigh, alerts.alerts[0].Severity)
	assert.Equal(t, "pat-1:churned:2026-03-15", alerts.alerts[0].IdempotencyKey)
}

func TestNotify_RepeatedTransitionAlertsOnce(t *testing.T) {
	audit := &fakeAuditSink{}
	alerts := &fakeAlertSink{}
	service := NewNotificationService(audit, alerts, newFakeLedger(), nil)

	event := churnEvent("pat-1")
	require.NoError(t, service.Notify(context.Background(), event))

	// Same transition detected again the same day: new event id, same key
	replay := churnEvent("pat-1")
	require.NoError(t, service.Notify(context.Background(), replay))

	assert.Len(t, alerts.alerts, 1, "the alert must not be duplicated")
	assert.Len(t, audit.entries, 2, "every detection is audited")
}

func TestNotify_LedgerDeduplicatesAcrossServiceInstances(t *testing.T) {
	ledger := newFakeLedger()
	alertsA := &fakeAlertSink{}
	alertsB := &fakeAlertSink{}

	// Two instances sharing one durable ledger, as after a restart
	serviceA := NewNotificationService(&fakeAuditSink{}, alertsA, ledger, nil)
	serviceB := NewNotificationService(&fakeAuditSink{}, alertsB, ledger, nil)

	require.NoError(t, serviceA.Notify(context.Background(), churnEvent("pat-1")))
	require.NoError(t, serviceB.Notify(context.Background(), churnEvent("pat-1")))

	assert.Len(t, alertsA.alerts, 1)
	assert.Empty(t, alertsB.alerts)
}

func TestNotify_AuditFailureIsReturned(t *testing.T) {
	audit := &fakeAuditSink{err: apperrors.NewInternalError("db down", nil)}
	alerts := &fakeAlertSink{}
	service := NewNotificationService(audit, alerts, newFakeLedger(), nil)

	err := service.Notify(context.Background(), churnEvent("pat-1"))
	require.Error(t, err)
	assert.Empty(t, alerts.alerts, "no alert without an audit record")
}

func TestNotify_AlertFailureDoesNotFailNotifyAndReleasesClaim(t *testing.T) {
	audit := &fakeAuditSink{}
	alerts := &fakeAlertSink{err: apperrors.NewTransientError("webhook down", nil)}
	ledger := newFakeLedger()
	service := NewNotificationService(audit, alerts, ledger, nil)

	event := churnEvent("pat-1")
	err := service.Notify(context.Background(), event)
	require.NoError(t, err, "a lost alert must not surface as a failure")

	assert.Len(t, audit.entries, 1, "the audit record survives the delivery failure")
	assert.Contains(t, ledger.releases, "pat-1:churned:2026-03-15")

	// Once delivery recovers, a retry of the transition alerts
	alerts.err = nil
	require.NoError(t, service.Notify(context.Background(), churnEvent("pat-1")))
	assert.Len(t, alerts.alerts, 1)
}

func TestNotify_InfoTransitionGetsInfoAlert(t *testing.T) {
	alerts := &fakeAlertSink{}
	service := NewNotificationService(&fakeAuditSink{}, alerts, newFakeLedger(), nil)

	event := entities.NewTransitionEvent(
		"pat-2",
		entities.StatusInquiry,
		entities.StatusOnboarding,
		time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		entities.SourceOnDemand,
	)
	require.NoError(t, service.Notify(context.Background(), event))

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, entities.SeverityInfo, alerts.alerts[0].Severity)
}

func TestNotify_BroadcastsOnGlobalAndPatientChannels(t *testing.T) {
	bus := newFakeEventBus()
	service := NewNotificationService(&fakeAuditSink{}, &fakeAlertSink{}, newFakeLedger(), bus)

	event := churnEvent("pat-1")
	require.NoError(t, service.Notify(context.Background(), event))

	require.Len(t, bus.published[providers.TransitionChannel], 1)
	assert.Equal(t, event.ID, bus.published[providers.TransitionChannel][0].ID)

	perPatient := bus.published[providers.PatientChannel("pat-1")]
	require.Len(t, perPatient, 1)
	assert.Equal(t, event.ID, perPatient[0].ID)
}

func TestNotify_NilLedgerStillDeduplicatesInProcess(t *testing.T) {
	alerts := &fakeAlertSink{}
	service := NewNotificationService(&fakeAuditSink{}, alerts, nil, nil)

	require.NoError(t, service.Notify(context.Background(), churnEvent("pat-1")))
	require.NoError(t, service.Notify(context.Background(), churnEvent("pat-1")))

	assert.Len(t, alerts.alerts, 1)
}
