package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/smpc-orchestrator/internal/config"
	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := OpenStore(&config.Config{Store: config.StoreConfig{Driver: config.StoreDriverMemory}}, testLogger())
		require.NoError(t, err)
		assert.Nil(t, s.HealthCheck)
		require.NoError(t, s.Create(context.Background(), "job-1", 2))
		assert.NoError(t, s.Close())
	})

	t.Run("sqlite file survives reopen", func(t *testing.T) {
		cfg := &config.Config{Store: config.StoreConfig{
			Driver:     config.StoreDriverSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "jobs.db"),
		}}

		s, err := OpenStore(cfg, testLogger())
		require.NoError(t, err)
		require.NotNil(t, s.HealthCheck)
		require.NoError(t, s.HealthCheck(context.Background()))
		require.NoError(t, s.Create(context.Background(), "job-1", 2))
		_, err = s.RecordClientDone(context.Background(), "job-1", "c1")
		require.NoError(t, err)
		require.NoError(t, s.Close())

		reopened, err := OpenStore(cfg, testLogger())
		require.NoError(t, err)
		defer reopened.Close()

		job, err := reopened.Get(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, 1, job.DoneCount)
		assert.Equal(t, []string{"c1"}, job.UpdatedClients)
	})

	t.Run("unsupported driver", func(t *testing.T) {
		_, err := OpenStore(&config.Config{Store: config.StoreConfig{Driver: "redis"}}, testLogger())
		assert.ErrorContains(t, err, "unsupported store driver")
	})
}

func TestNewResultSink(t *testing.T) {
	dir := t.TempDir()
	h, err := NewResultSink(&config.ResultsConfig{
		EnableFilesystem: true,
		SavePath:         dir,
		FileFormat:       config.FileFormatJSON,
	}, testLogger())
	require.NoError(t, err)

	features := []domain.DecodedFeature{{FeatureName: "a", DataType: "BOOLEAN", AggregatedNotNull: 1}}
	outcome := h.SendAndSave(context.Background(), features, "job-1", []string{"c1"})
	assert.True(t, outcome.APISuccess)
	assert.True(t, outcome.SaveSuccess)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^job-1_results_\d{8}_\d{6}\.json$`, entries[0].Name())
}

func TestNewResultSink_InvalidObjectStorage(t *testing.T) {
	_, err := NewResultSink(&config.ResultsConfig{
		ObjectStorage: config.ObjectStorageConfig{Enabled: true, Endpoint: "localhost:9000/nested/path", Bucket: "b"},
	}, testLogger())
	assert.Error(t, err)
}

func TestNewRunner(t *testing.T) {
	cfg := &config.Config{
		Store:      config.StoreConfig{Driver: config.StoreDriverMemory},
		Aggregator: config.AggregatorConfig{BaseURL: "http://localhost:9000"},
	}
	s, err := OpenStore(cfg, testLogger())
	require.NoError(t, err)

	r, err := NewRunner(cfg, s, testLogger())
	require.NoError(t, err)
	require.NotNil(t, r)

	// a job without participants is skipped before any remote call
	require.NoError(t, s.Create(context.Background(), "job-1", 2))
	assert.NoError(t, r.Run(context.Background(), "job-1"))
}
