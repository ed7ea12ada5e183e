package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// APISender posts result payloads to an external endpoint
type APISender struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewAPISender creates an APISender. Content-Type defaults to application/json.
func NewAPISender(url string, headers map[string]string, timeout time.Duration, logger *slog.Logger) *APISender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}

	return &APISender{
		url:        url,
		headers:    h,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Send delivers the payload and reports whether the endpoint accepted it (200, 201 or 202)
func (s *APISender) Send(ctx context.Context, features []domain.DecodedFeature, jobID string, clients []string) bool {
	logger := s.logger.With(slog.String("job_id", jobID), slog.String("url", s.url))

	if len(features) == 0 {
		logger.Warn("No aggregated data to send")
		return false
	}
	if s.url == "" {
		logger.Error("Results API URL not configured")
		return false
	}

	body, err := json.Marshal(NewPayload(features, jobID, clients, s.now()))
	if err != nil {
		logger.Error("Failed to marshal results payload", slog.Any("error", err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		logger.Error("Failed to build results request", slog.Any("error", err))
		return false
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	logger.Info("Sending aggregated results",
		slog.Int("features", len(features)),
		slog.Int("clients", len(clients)),
	)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("Failed to send results", slog.Any("error", err))
		return false
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		logger.Info("Results delivered",
			slog.Int("status", resp.StatusCode),
			slog.String("response", string(snippet)),
		)
		return true
	default:
		logger.Error("Results API rejected payload",
			slog.Int("status", resp.StatusCode),
			slog.String("response", string(snippet)),
		)
		return false
	}
}
