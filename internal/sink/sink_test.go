package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFeatures() []domain.DecodedFeature {
	return []domain.DecodedFeature{
		{
			FeatureName:       "smoker",
			DataType:          domain.DataTypeBoolean,
			AggregatedNotNull: 10,
			AggregatedTrue:    domain.Float(5),
			Percentage:        domain.Float(50),
		},
		{
			FeatureName:             "dept",
			DataType:                domain.DataTypeCategorical,
			AggregatedNotNull:       20,
			AggregatedUniqueValues:  domain.Float(4),
			AggregatedTopValueCount: domain.Float(9),
			Diversity:               domain.Float(20),
		},
	}
}

func TestNewPayload(t *testing.T) {
	p := NewPayload(testFeatures(), "job-1", []string{"a", "b", "c"}, fixedNow)

	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, 3, p.TotalClients)
	assert.Equal(t, 2, p.Metadata.TotalFeatures)
	assert.Equal(t, fixedNow, p.Metadata.ProcessingCompletedAt)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"jobId", "timestamp", "clientList", "totalClients", "aggregatedResults", "metadata"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw["metadata"], "savedAt")
}

func TestAPISender_Send(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		features []domain.DecodedFeature
		want     bool
	}{
		{name: "200 accepted", status: http.StatusOK, features: testFeatures(), want: true},
		{name: "201 accepted", status: http.StatusCreated, features: testFeatures(), want: true},
		{name: "202 accepted", status: http.StatusAccepted, features: testFeatures(), want: true},
		{name: "500 rejected", status: http.StatusInternalServerError, features: testFeatures(), want: false},
		{name: "empty features not sent", status: http.StatusOK, features: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu       sync.Mutex
				received *Payload
				headers  http.Header
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var p Payload
				_ = json.NewDecoder(r.Body).Decode(&p)
				mu.Lock()
				received = &p
				headers = r.Header.Clone()
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sender := NewAPISender(srv.URL, map[string]string{"X-Api-Key": "secret"}, time.Second, testLogger())
			sender.now = func() time.Time { return fixedNow }

			got := sender.Send(context.Background(), tt.features, "job-1", []string{"c1", "c2"})
			assert.Equal(t, tt.want, got)

			mu.Lock()
			defer mu.Unlock()
			if len(tt.features) == 0 {
				assert.Nil(t, received)
				return
			}
			require.NotNil(t, received)
			assert.Equal(t, "job-1", received.JobID)
			assert.Equal(t, []string{"c1", "c2"}, received.ClientList)
			assert.Equal(t, 2, received.TotalClients)
			assert.Equal(t, tt.features, received.AggregatedResults)
			assert.Equal(t, "application/json", headers.Get("Content-Type"))
			assert.Equal(t, "secret", headers.Get("X-Api-Key"))
		})
	}
}

func TestAPISender_EmptyURL(t *testing.T) {
	sender := NewAPISender("", nil, time.Second, testLogger())
	assert.False(t, sender.Send(context.Background(), testFeatures(), "job-1", nil))
}

func TestFileStore_SaveJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	fs := NewFileStore(dir, "json", testLogger())
	fs.now = func() time.Time { return fixedNow }

	require.True(t, fs.Save(context.Background(), testFeatures(), "job-1", []string{"c1"}))

	path := filepath.Join(dir, "job-1_results_20250607_080910.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, path, p.Metadata.SavedAt)
	assert.Equal(t, testFeatures(), p.AggregatedResults)
}

func TestFileStore_SaveText(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir, "TXT", testLogger())
	fs.now = func() time.Time { return fixedNow }

	require.True(t, fs.Save(context.Background(), testFeatures(), "job-1", []string{"c1", "c2"}))

	data, err := os.ReadFile(filepath.Join(dir, "job-1_results_20250607_080910.txt"))
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "=== AGGREGATED RESULTS FOR JOB job-1 ===\n"))
	assert.Contains(t, text, "Clients: c1, c2\n")
	assert.Contains(t, text, "Total Features: 2\n")
	assert.Contains(t, text, "--- Feature 1: smoker ---\n")
	assert.Contains(t, text, "  percentage: 50\n")
	assert.Contains(t, text, "--- Feature 2: dept ---\n")
}

func TestFileStore_Rejects(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, NewFileStore(dir, "json", testLogger()).Save(context.Background(), nil, "job-1", nil))
	assert.False(t, NewFileStore(dir, "xml", testLogger()).Save(context.Background(), testFeatures(), "job-1", nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_KeepsFilesInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "results")
	fs := NewFileStore(dir, "json", testLogger())
	fs.now = func() time.Time { return fixedNow }

	for _, jobID := range []string{"../escaped", `..\other`, "a/b/c"} {
		require.True(t, fs.Save(context.Background(), testFeatures(), jobID, nil), jobID)
	}

	rootEntries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, rootEntries, 1)
	assert.Equal(t, "results", rootEntries[0].Name())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		".._escaped_results_20250607_080910.json",
		".._other_results_20250607_080910.json",
		"a_b_c_results_20250607_080910.json",
	}, names)
}

func TestObjectStore_Save(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewObjectStore(ObjectStoreConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "results",
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
		Prefix:    "/smpc/",
	}, testLogger())
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }

	require.True(t, store.Save(context.Background(), testFeatures(), "job-1", []string{"c1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/results/smpc/job-1_results_20250607_080910.json", path)
	assert.Contains(t, body, `"jobId":"job-1"`)
	assert.Contains(t, body, `"savedAt":"s3://results/smpc/job-1_results_20250607_080910.json"`)
}

type stubPersister struct {
	name  string
	ok    bool
	calls int
}

func (s *stubPersister) Name() string { return s.name }

func (s *stubPersister) Save(context.Context, []domain.DecodedFeature, string, []string) bool {
	s.calls++
	return s.ok
}

func TestHandler_SendAndSave(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	accepting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer accepting.Close()

	tests := []struct {
		name       string
		apiURL     string
		persisters []*stubPersister
		want       Outcome
	}{
		{
			name:       "api fails but save still runs",
			apiURL:     failing.URL,
			persisters: []*stubPersister{{name: "filesystem", ok: true}},
			want:       Outcome{APISuccess: false, SaveSuccess: true},
		},
		{
			name:       "no api configured counts as api success",
			persisters: []*stubPersister{{name: "filesystem", ok: true}},
			want:       Outcome{APISuccess: true, SaveSuccess: true},
		},
		{
			name:       "one persister failing fails save",
			apiURL:     accepting.URL,
			persisters: []*stubPersister{{name: "filesystem", ok: false}, {name: "object_storage", ok: true}},
			want:       Outcome{APISuccess: true, SaveSuccess: false},
		},
		{
			name:   "api only",
			apiURL: accepting.URL,
			want:   Outcome{APISuccess: true, SaveSuccess: false},
		},
		{
			name: "everything disabled logs results",
			want: Outcome{APISuccess: true, SaveSuccess: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var api *APISender
			if tt.apiURL != "" {
				api = NewAPISender(tt.apiURL, nil, time.Second, testLogger())
			}
			persisters := make([]Persister, 0, len(tt.persisters))
			for _, p := range tt.persisters {
				persisters = append(persisters, p)
			}

			h := NewHandler(api, persisters, testLogger())
			got := h.SendAndSave(context.Background(), testFeatures(), "job-1", []string{"c1"})
			assert.Equal(t, tt.want, got)

			for _, p := range tt.persisters {
				assert.Equal(t, 1, p.calls, p.name)
			}
		})
	}
}
