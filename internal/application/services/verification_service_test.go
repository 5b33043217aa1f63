package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelane/patientplatform/backend/pkg/config"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// fakeTransport replays a scripted sequence of responses.
type fakeTransport struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	payload []byte
	err     error
}

func (f *fakeTransport) Fetch(_ context.Context, _ string) ([]byte, error) {
	if f.calls >= len(f.responses) {
		return nil, apperrors.NewInternalError("fakeTransport exhausted", nil)
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.payload, resp.err
}

func verifyTestConfig() *config.VerificationConfig {
	return &config.VerificationConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestVerify_Success(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{payload: []byte(`{"subscriberId":"SUB-1","statusCode":"1"}`)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	record, err := client.Verify(context.Background(), "SUB-1")
	require.NoError(t, err)
	assert.Equal(t, "SUB-1", record.SubscriberID)
	assert.Equal(t, "1", record.RawStatusCode)
	assert.False(t, record.RetrievedAt.IsZero())
	assert.Equal(t, 1, transport.calls)
}

func TestVerify_TransientFailuresAreRetried(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewTransientError("timeout", nil)},
		{err: apperrors.NewTransientError("503", nil)},
		{payload: []byte(`{"subscriberId":"SUB-1","statusCode":"6"}`)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	record, err := client.Verify(context.Background(), "SUB-1")
	require.NoError(t, err)
	assert.Equal(t, "6", record.RawStatusCode)
	assert.Equal(t, 3, transport.calls)
}

func TestVerify_ExhaustedAttemptsReturnTransient(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewTransientError("timeout", nil)},
		{err: apperrors.NewTransientError("timeout", nil)},
		{err: apperrors.NewTransientError("timeout", nil)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	_, err := client.Verify(context.Background(), "SUB-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransient, apperrors.TypeOf(err))
	assert.Equal(t, 3, transport.calls)
}

func TestVerify_PermanentFailureIsNotRetried(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewPermanentError("bad subscriber", nil)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	_, err := client.Verify(context.Background(), "SUB-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.TypeOf(err))
	assert.Equal(t, 1, transport.calls)
}

func TestVerify_NotFoundIsNotRetried(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewNotFoundError("unknown subscriber")},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	_, err := client.Verify(context.Background(), "SUB-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.TypeOf(err))
	assert.Equal(t, 1, transport.calls)
}

func TestVerify_ParseFailureIsNotRetried(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{payload: []byte(`{"statusCode":"1"}`)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	_, err := client.Verify(context.Background(), "SUB-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeParse, apperrors.TypeOf(err))
	assert.Equal(t, 1, transport.calls)
}

func TestVerify_RateLimitHintOverridesBackoff(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewRateLimitError("slow down", 30*time.Millisecond)},
		{payload: []byte(`{"subscriberId":"SUB-1","statusCode":"1"}`)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	start := time.Now()
	record, err := client.Verify(context.Background(), "SUB-1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "SUB-1", record.SubscriberID)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "the payer's hint should set the wait")
}

func TestVerify_CancellationStopsRetrying(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{err: apperrors.NewRateLimitError("slow down", time.Minute)},
	}}
	client := NewVerificationClient(transport, verifyTestConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Verify(ctx, "SUB-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransient, apperrors.TypeOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, transport.calls)
}
