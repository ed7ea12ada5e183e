package aggregation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/decoder"
	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/sink"
	"github.com/cuongbtq/smpc-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkCall struct {
	features []domain.DecodedFeature
	jobID    string
	clients  []string
}

type recordingSink struct {
	calls []sinkCall
}

func (s *recordingSink) SendAndSave(_ context.Context, features []domain.DecodedFeature, jobID string, clients []string) sink.Outcome {
	s.calls = append(s.calls, sinkCall{features: features, jobID: jobID, clients: clients})
	return sink.Outcome{APISuccess: false, SaveSuccess: false}
}

var runnerNow = time.Date(2025, 4, 5, 6, 7, 8, 0, time.UTC)

func newTestRunner(t *testing.T, s store.JobStore, baseURL string, mutate func(*Config)) (*Runner, *recordingSink) {
	t.Helper()
	rs := &recordingSink{}
	r := NewRunner(s, newTestClient(baseURL, mutate), decoder.New(nil), rs, testLogger())
	r.now = func() time.Time { return runnerNow }
	return r, rs
}

func seedClosedJob(t *testing.T, s store.JobStore, schema []domain.FeatureSpec, clients ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "job-1", len(clients)))
	if schema != nil {
		_, err := s.StoreSchemaOnce(ctx, "job-1", schema)
		require.NoError(t, err)
	}
	for _, c := range clients {
		_, err := s.RecordClientDone(ctx, "job-1", c)
		require.NoError(t, err)
	}
}

func TestRun_CompletesDecodesAndSinks(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){
		jsonResult("RUNNING", nil),
		jsonResult("COMPLETED", []float64{10, 5}),
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	schema := []domain.FeatureSpec{{FeatureName: "a", Offset: 0, Length: 2, DataType: "BOOLEAN"}}
	seedClosedJob(t, s, schema, "c2", "c1")

	r, rs := newTestRunner(t, s, srv.URL, nil)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	fake.mu.Lock()
	require.Len(t, fake.started, 1)
	assert.Equal(t, []string{"c1", "c2"}, fake.started[0].Clients)
	fake.mu.Unlock()

	want := []domain.DecodedFeature{{
		FeatureName:       "a",
		DataType:          "BOOLEAN",
		AggregatedNotNull: 10,
		AggregatedTrue:    domain.Float(5),
		Percentage:        domain.Float(50),
	}}

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.FinalResult)
	assert.Equal(t, &domain.JobResult{
		Status:            domain.ResultStatusCompleted,
		ComputationOutput: []float64{10, 5},
		DecodedFeatures:   want,
		CompletedAt:       runnerNow,
	}, job.FinalResult)
	assert.Equal(t, domain.PhaseCompleted, job.Phase())

	// a failing sink does not change the stored result
	require.Len(t, rs.calls, 1)
	assert.Equal(t, sinkCall{features: want, jobID: "job-1", clients: []string{"c1", "c2"}}, rs.calls[0])
}

func TestRun_NoSchemaSkipsDecodeAndSink(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("COMPLETED", []float64{1, 2, 3})}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	r, rs := newTestRunner(t, s, srv.URL, nil)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.FinalResult)
	assert.Equal(t, domain.ResultStatusCompleted, job.FinalResult.Status)
	assert.Nil(t, job.FinalResult.DecodedFeatures)
	assert.Empty(t, rs.calls)
}

func TestRun_StartFailureLeavesJobWithoutResult(t *testing.T) {
	fake := &fakeAggregator{startStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	r, _ := newTestRunner(t, s, srv.URL, nil)
	err := r.Run(context.Background(), "job-1")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	var retryable *domain.RetryableError
	assert.False(t, errors.As(err, &retryable))
	assert.Equal(t, int32(0), fake.polls.Load())

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, job.FinalResult)
	assert.Equal(t, domain.PhaseAggregating, job.Phase())
}

func TestRun_PollBudgetExhaustedStoresFailedResult(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("RUNNING", nil)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	r, rs := newTestRunner(t, s, srv.URL, func(c *Config) { c.MaxPollAttempts = 2 })
	require.NoError(t, r.Run(context.Background(), "job-1"))

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.FinalResult)
	assert.Equal(t, domain.ResultStatusFailed, job.FinalResult.Status)
	assert.Contains(t, job.FinalResult.Error, "poll budget exhausted")
	assert.Equal(t, domain.PhaseFailed, job.Phase())
	assert.Empty(t, rs.calls)
}

func TestRun_CancelledWritesNoResult(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("RUNNING", nil)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r, _ := newTestRunner(t, s, srv.URL, nil)
	err := r.Run(ctx, "job-1")

	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, job.FinalResult)
}

func TestRun_SkipsWhenAnotherRunnerHoldsTheLease(t *testing.T) {
	fake := &fakeAggregator{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")
	claimed, err := s.ClaimAggregation(context.Background(), "job-1", "other-worker", runnerNow, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	r, _ := newTestRunner(t, s, srv.URL, nil)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	fake.mu.Lock()
	assert.Empty(t, fake.started)
	fake.mu.Unlock()

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, job.FinalResult)
	assert.True(t, job.AggregationRunning(runnerNow))
}

func TestRun_ReleasesLeaseWhenDone(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("COMPLETED", []float64{1})}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	r, _ := newTestRunner(t, s, srv.URL, nil)
	r.WithClaimLease(time.Hour)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, job.AggregationLeaseUntil.IsZero())

	// a later run for the same job can take the lease again
	claimed, err := s.ClaimAggregation(context.Background(), "job-1", "next", runnerNow, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRun_CancelledBeforeStartIsRetryable(t *testing.T) {
	fake := &fakeAggregator{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := store.NewMemoryStore()
	seedClosedJob(t, s, nil, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newTestRunner(t, s, srv.URL, nil)
	err := r.Run(ctx, "job-1")

	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), fake.polls.Load())
}

func TestRun_SkipsWithoutWork(t *testing.T) {
	fake := &fakeAggregator{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	t.Run("unknown job", func(t *testing.T) {
		r, _ := newTestRunner(t, store.NewMemoryStore(), srv.URL, nil)
		assert.ErrorIs(t, r.Run(context.Background(), "job-1"), domain.ErrJobNotFound)
	})

	t.Run("no clients", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.Create(context.Background(), "job-1", 2))
		r, _ := newTestRunner(t, s, srv.URL, nil)
		assert.NoError(t, r.Run(context.Background(), "job-1"))
	})

	t.Run("already completed", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedClosedJob(t, s, nil, "c1")
		require.NoError(t, s.SetFinalResult(context.Background(), "job-1", &domain.JobResult{Status: domain.ResultStatusCompleted}))
		r, _ := newTestRunner(t, s, srv.URL, nil)
		assert.NoError(t, r.Run(context.Background(), "job-1"))
	})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.started)
}
