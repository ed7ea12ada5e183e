package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg.writer = buf
	l, err := New(&cfg)
	require.NoError(t, err)
	return l, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		checkFunc func(t *testing.T, logger *Logger, output *bytes.Buffer)
	}{
		{
			name:   "json format with debug level",
			config: Config{Level: "debug", Format: "json"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Debug("Polling aggregation status", slog.String("job_id", "job-1"))

				entries := decodeLines(t, output)
				require.Len(t, entries, 1)
				assert.Equal(t, "DEBUG", entries[0]["level"])
				assert.Equal(t, "Polling aggregation status", entries[0]["msg"])
				assert.Equal(t, "job-1", entries[0]["job_id"])
				assert.Contains(t, entries[0], "time")
			},
		},
		{
			name:   "json format filters below level",
			config: Config{Level: "warn", Format: "json"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Client recorded")
				logger.Warn("Aggregation poll failed", slog.Int("attempt", 3))

				entries := decodeLines(t, output)
				require.Len(t, entries, 1)
				assert.Equal(t, "WARN", entries[0]["level"])
				assert.EqualValues(t, 3, entries[0]["attempt"])
			},
		},
		{
			name:   "json format with source",
			config: Config{Level: "info", Format: "json", EnableSource: true},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Barrier closed")

				entries := decodeLines(t, output)
				require.Len(t, entries, 1)
				assert.Contains(t, entries[0], "source")
			},
		},
		{
			name:   "console format",
			config: Config{Level: "info", Format: "console"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Result saved", slog.String("path", "results/job-1.json"))

				assert.Contains(t, output.String(), "Result saved")
				assert.Contains(t, output.String(), "results/job-1.json")
			},
		},
		{
			name:   "unknown format falls back to json",
			config: Config{Level: "info", Format: "logfmt"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Job record created")

				entries := decodeLines(t, output)
				require.Len(t, entries, 1)
				assert.Equal(t, "Job record created", entries[0]["msg"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newBuffered(t, tt.config)
			tt.checkFunc(t, l, buf)
			assert.NoError(t, l.Close())
		})
	}
}

func TestNew_RedactsSecrets(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			l, buf := newBuffered(t, Config{Level: "info", Format: format})

			l.Info("Connecting to object storage",
				slog.String("endpoint", "minio:9000"),
				slog.String("access_key", "AKIAEXAMPLE"),
				slog.String("Password", "hunter2"),
			)

			out := buf.String()
			assert.Contains(t, out, "minio:9000")
			assert.NotContains(t, out, "AKIAEXAMPLE")
			assert.NotContains(t, out, "hunter2")
			assert.Contains(t, out, "[REDACTED]")
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orchestrator.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: "console",
		Output: path,
	})
	require.NoError(t, err)

	logger.With(slog.String("job_id", "job-1")).Info("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "job_id=job-1")
	assert.NotContains(t, string(data), "\x1b[")
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(&Config{Output: filepath.Join(blocker, "app.log")})
	assert.Error(t, err)
}

func TestNew_StandardStreams(t *testing.T) {
	for _, output := range []string{"", "stdout", "stderr"} {
		l, err := New(&Config{Output: output})
		require.NoError(t, err, output)
		assert.NoError(t, l.Close())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}
