package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// File formats supported by FileStore
const (
	FormatJSON = "json"
	FormatText = "txt"
)

// Persister stores a result payload durably
type Persister interface {
	Name() string
	Save(ctx context.Context, features []domain.DecodedFeature, jobID string, clients []string) bool
}

// FileStore writes one timestamped file per job into a directory
type FileStore struct {
	dir    string
	format string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a FileStore. An empty format means json.
func NewFileStore(dir, format string, logger *slog.Logger) *FileStore {
	if format == "" {
		format = FormatJSON
	}
	return &FileStore{
		dir:    dir,
		format: strings.ToLower(format),
		logger: logger,
		now:    time.Now,
	}
}

func (f *FileStore) Name() string {
	return "filesystem"
}

// Save writes {dir}/{jobId}_results_{YYYYMMDD_HHMMSS}.{format}
func (f *FileStore) Save(_ context.Context, features []domain.DecodedFeature, jobID string, clients []string) bool {
	logger := f.logger.With(slog.String("job_id", jobID))

	if len(features) == 0 {
		logger.Warn("No aggregated data to save")
		return false
	}
	if f.format != FormatJSON && f.format != FormatText {
		logger.Error("Unsupported result file format", slog.String("format", f.format))
		return false
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		logger.Error("Failed to create results directory", slog.String("dir", f.dir), slog.Any("error", err))
		return false
	}

	now := f.now()
	path := filepath.Join(f.dir, resultFileName(jobID, now, f.format))
	payload := NewPayload(features, jobID, clients, now)
	payload.Metadata.SavedAt = path

	var (
		data []byte
		err  error
	)
	if f.format == FormatJSON {
		data, err = json.MarshalIndent(payload, "", "    ")
	} else {
		data, err = renderText(payload)
	}
	if err != nil {
		logger.Error("Failed to render results", slog.Any("error", err))
		return false
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error("Failed to write results file", slog.String("path", path), slog.Any("error", err))
		return false
	}

	logger.Info("Results saved",
		slog.String("path", path),
		slog.Int("features", len(features)),
	)
	return true
}

// renderText produces the human-readable dump of a payload
func renderText(p Payload) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "=== AGGREGATED RESULTS FOR JOB %s ===\n", p.JobID)
	fmt.Fprintf(&b, "Timestamp: %s\n", p.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Clients: %s\n", strings.Join(p.ClientList, ", "))
	fmt.Fprintf(&b, "Total Features: %d\n\n", len(p.AggregatedResults))

	for i, feature := range p.AggregatedResults {
		raw, err := json.Marshal(feature)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(&b, "--- Feature %d: %s ---\n", i+1, feature.FeatureName)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, fields[k])
		}
		b.WriteString("\n")
	}

	return []byte(b.String()), nil
}
