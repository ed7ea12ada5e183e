package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/lthibault/jitterbug/v2"
)

var (
	// ErrPollBudgetExhausted is returned when polling hits max_poll_attempts or poll_deadline
	ErrPollBudgetExhausted = errors.New("aggregator poll budget exhausted")

	// ErrRemoteFailure is returned when the aggregator reports FAILED or ERROR and fail_on_remote_error is set
	ErrRemoteFailure = errors.New("aggregator reported failure")
)

// StatusError is returned when the aggregator answers with a non-200 status
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aggregator %s returned HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Config holds remote aggregator settings
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	PollJitter        time.Duration
	MaxPollAttempts   int
	PollDeadline      time.Duration
	FailOnRemoteError bool
}

// StartRequest is the body of the start-computation call
type StartRequest struct {
	ComputationType string   `json:"computationType"`
	Clients         []string `json:"clients"`
}

// RemoteResult is the aggregator's answer to a result poll
type RemoteResult struct {
	Status            domain.ResultStatus `json:"status"`
	ComputationOutput []float64           `json:"computationOutput"`
	Error             string              `json:"error,omitempty"`
}

// Client talks to the remote secure-aggregation service
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new aggregator client
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// StartComputation asks the aggregator to sum the contributions of clients for jobID
func (c *Client) StartComputation(ctx context.Context, jobID string, clients []string) error {
	body, err := json.Marshal(StartRequest{
		ComputationType: domain.ComputationTypeSum,
		Clients:         clients,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/secure-aggregation/job-id/", jobID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start computation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "start", StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	c.logger.Info("Secure aggregation started",
		slog.String("job_id", jobID),
		slog.Int("clients", len(clients)),
	)
	return nil
}

// FetchResult performs a single result poll
func (c *Client) FetchResult(ctx context.Context, jobID string) (*RemoteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/get-result/job-id/", jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build result request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "get-result", StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var result RemoteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// WaitForCompletion polls until the aggregator reports COMPLETED.
// Poll errors and non-terminal statuses are retried on the next tick. Polling
// stops early only on context cancellation or an exhausted poll budget.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string) (*RemoteResult, error) {
	logger := c.logger.With(slog.String("job_id", jobID))

	var deadline <-chan time.Time
	if c.config.PollDeadline > 0 {
		timer := time.NewTimer(c.config.PollDeadline)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := jitterbug.New(c.config.PollInterval, &jitterbug.Norm{Stdev: c.config.PollJitter, Mean: 0})
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		result, err := c.FetchResult(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.IncreaseAggregatorPollsMetric("error")
			logger.Warn("Result poll failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", c.config.PollInterval),
				slog.Any("error", err),
			)

		case result.Status == domain.ResultStatusCompleted:
			metrics.IncreaseAggregatorPollsMetric("completed")
			logger.Info("Aggregation completed",
				slog.Int("attempt", attempt),
				slog.Int("output_len", len(result.ComputationOutput)),
			)
			return result, nil

		case result.Status.IsFailure() && c.config.FailOnRemoteError:
			metrics.IncreaseAggregatorPollsMetric("failed")
			reason := result.Error
			if reason == "" {
				reason = string(result.Status)
			}
			return result, fmt.Errorf("%w: %s", ErrRemoteFailure, reason)

		default:
			metrics.IncreaseAggregatorPollsMetric("pending")
			logger.Info("Aggregation in progress",
				slog.Int("attempt", attempt),
				slog.String("status", string(result.Status)),
			)
		}

		if c.config.MaxPollAttempts > 0 && attempt >= c.config.MaxPollAttempts {
			return nil, fmt.Errorf("%w: %d attempts", ErrPollBudgetExhausted, attempt)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: deadline %s reached", ErrPollBudgetExhausted, c.config.PollDeadline)
		case <-ticker.C:
		}
	}
}

func (c *Client) endpoint(path, jobID string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path + url.PathEscape(jobID)
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
