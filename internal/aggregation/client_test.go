package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAggregator serves the start and result endpoints; results are returned in order,
// the last one repeating.
type fakeAggregator struct {
	mu          sync.Mutex
	startStatus int
	started     []StartRequest
	startPath   string
	results     []func(w http.ResponseWriter)
	polls       atomic.Int32
}

func (f *fakeAggregator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/secure-aggregation/job-id/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.started = append(f.started, req)
		f.startPath = r.URL.Path
		status := f.startStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("GET /api/get-result/job-id/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.polls.Add(1)) - 1
		f.mu.Lock()
		idx := min(n, len(f.results)-1)
		respond := f.results[idx]
		f.mu.Unlock()
		respond(w)
	})
	return mux
}

func jsonResult(status string, output []float64) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            status,
			"computationOutput": output,
		})
	}
}

func httpStatus(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
	}
}

func newTestClient(baseURL string, mutate func(*Config)) *Client {
	cfg := Config{
		BaseURL:        baseURL,
		RequestTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, testLogger())
}

func TestStartComputation(t *testing.T) {
	fake := &fakeAggregator{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv.URL+"/", nil)
	require.NoError(t, c.StartComputation(context.Background(), "job 1", []string{"a", "b"}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.started, 1)
	assert.Equal(t, StartRequest{ComputationType: "sum", Clients: []string{"a", "b"}}, fake.started[0])
	assert.Equal(t, "/api/secure-aggregation/job-id/job 1", fake.startPath)
}

func TestStartComputation_NonOK(t *testing.T) {
	fake := &fakeAggregator{startStatus: http.StatusServiceUnavailable}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	err := newTestClient(srv.URL, nil).StartComputation(context.Background(), "job-1", []string{"a"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "start", statusErr.Op)
}

func TestStartComputation_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(url, nil).StartComputation(context.Background(), "job-1", []string{"a"})
	assert.Error(t, err)
}

func TestFetchResult(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("COMPLETED", []float64{1, 2})}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(srv.URL, nil).FetchResult(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultStatusCompleted, res.Status)
	assert.Equal(t, []float64{1, 2}, res.ComputationOutput)
}

func TestWaitForCompletion_RetriesUntilCompleted(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){
		httpStatus(http.StatusInternalServerError),
		jsonResult("RUNNING", nil),
		httpStatus(http.StatusNotFound),
		jsonResult("FAILED", nil),
		jsonResult("COMPLETED", []float64{10, 5}),
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(srv.URL, nil).WaitForCompletion(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 5}, res.ComputationOutput)
	assert.Equal(t, int32(5), fake.polls.Load())
}

func TestWaitForCompletion_Budget(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "max attempts", mutate: func(c *Config) { c.MaxPollAttempts = 3 }},
		{name: "deadline", mutate: func(c *Config) { c.PollDeadline = 30 * time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("RUNNING", nil)}}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			_, err := newTestClient(srv.URL, tt.mutate).WaitForCompletion(context.Background(), "job-1")
			assert.ErrorIs(t, err, ErrPollBudgetExhausted)
		})
	}
}

func TestWaitForCompletion_MaxAttemptsCountsPolls(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){httpStatus(http.StatusBadGateway)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, func(c *Config) { c.MaxPollAttempts = 4 }).WaitForCompletion(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrPollBudgetExhausted)
	assert.Equal(t, int32(4), fake.polls.Load())
}

func TestWaitForCompletion_FailOnRemoteError(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){
		func(w http.ResponseWriter) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "error": "party dropped out"})
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(srv.URL, func(c *Config) { c.FailOnRemoteError = true }).WaitForCompletion(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrRemoteFailure)
	assert.Contains(t, err.Error(), "party dropped out")
	require.NotNil(t, res)
	assert.Equal(t, domain.ResultStatusError, res.Status)
}

func TestWaitForCompletion_Cancelled(t *testing.T) {
	fake := &fakeAggregator{results: []func(http.ResponseWriter){jsonResult("RUNNING", nil)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL, nil).WaitForCompletion(ctx, "job-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrPollBudgetExhausted))
}
