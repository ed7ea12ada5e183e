package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/decoder"
	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/cuongbtq/smpc-orchestrator/internal/sink"
	"github.com/cuongbtq/smpc-orchestrator/internal/store"
	"github.com/google/uuid"
)

// DefaultClaimLease is how long a runner's aggregation lease lasts between renewals
const DefaultClaimLease = 2 * time.Minute

// ResultSink receives decoded features once a job completes
type ResultSink interface {
	SendAndSave(ctx context.Context, features []domain.DecodedFeature, jobID string, clients []string) sink.Outcome
}

// Runner drives one aggregation from start request to stored result
type Runner struct {
	store   store.JobStore
	client  *Client
	decoder *decoder.Decoder
	sink    ResultSink
	logger  *slog.Logger
	lease   time.Duration
	now     func() time.Time
}

// NewRunner creates a new Runner. resultSink may be nil.
func NewRunner(jobStore store.JobStore, client *Client, dec *decoder.Decoder, resultSink ResultSink, logger *slog.Logger) *Runner {
	return &Runner{
		store:   jobStore,
		client:  client,
		decoder: dec,
		sink:    resultSink,
		logger:  logger,
		lease:   DefaultClaimLease,
		now:     time.Now,
	}
}

// WithClaimLease sets the aggregation lease duration; non-positive values keep the default
func (r *Runner) WithClaimLease(lease time.Duration) *Runner {
	if lease > 0 {
		r.lease = lease
	}
	return r
}

// Run starts the remote computation for jobID, waits for it and stores the outcome.
// Store failures are returned as domain.RetryableError.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	logger := r.logger.With(slog.String("job_id", jobID))
	started := r.now()

	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("No job record found, aborting aggregation")
			metrics.IncreaseAggregationRunsMetric(metrics.RunAborted)
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if job.IsCompleted() {
		logger.Info("Job already completed, skipping aggregation")
		return nil
	}

	if len(job.UpdatedClients) == 0 {
		logger.Warn("No reporting clients, nothing to aggregate")
		metrics.IncreaseAggregationRunsMetric(metrics.RunAborted)
		return nil
	}

	// one runner per job across processes; the lease is renewed while this run is alive
	owner := uuid.NewString()
	claimed, err := r.store.ClaimAggregation(ctx, jobID, owner, r.now(), r.lease)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to claim aggregation: %w", err))
	}
	if !claimed {
		logger.Info("Aggregation already running in another runner, skipping")
		return nil
	}
	stopRenewing := r.renewClaim(ctx, logger, jobID, owner)
	defer func() {
		stopRenewing()
		if err := r.store.ReleaseAggregation(context.WithoutCancel(ctx), jobID, owner); err != nil {
			logger.Warn("Failed to release aggregation claim", slog.Any("error", err))
		}
	}()

	// STARTING
	logger.Info("Starting secure aggregation", slog.Any("clients", job.UpdatedClients))
	if err := r.client.StartComputation(ctx, jobID, job.UpdatedClients); err != nil {
		if ctx.Err() != nil {
			logger.Warn("Aggregation cancelled before start")
			metrics.IncreaseAggregationRunsMetric(metrics.RunCancelled)
			return domain.NewRetryableError(fmt.Errorf("aggregation interrupted: %w", err))
		}
		logger.Error("Failed to start secure aggregation, job left without result", slog.Any("error", err))
		metrics.IncreaseAggregationRunsMetric(metrics.RunAborted)
		return fmt.Errorf("failed to start computation: %w", err)
	}

	// POLLING
	remote, err := r.client.WaitForCompletion(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrPollBudgetExhausted), errors.Is(err, ErrRemoteFailure):
			logger.Error("Aggregation failed", slog.Any("error", err))
			failed := &domain.JobResult{
				Status:      domain.ResultStatusFailed,
				Error:       err.Error(),
				CompletedAt: r.now(),
			}
			if remote != nil {
				failed.ComputationOutput = remote.ComputationOutput
			}
			if err := r.store.SetFinalResult(ctx, jobID, failed); err != nil {
				return domain.NewRetryableError(fmt.Errorf("failed to store failed result: %w", err))
			}
			metrics.IncreaseAggregationRunsMetric(metrics.RunFailed)
			return nil

		case ctx.Err() != nil:
			logger.Warn("Aggregation cancelled before completion")
			metrics.IncreaseAggregationRunsMetric(metrics.RunCancelled)
			return domain.NewRetryableError(fmt.Errorf("aggregation interrupted: %w", err))

		default:
			return fmt.Errorf("failed waiting for aggregation: %w", err)
		}
	}

	// DONE
	var features []domain.DecodedFeature
	if len(job.Schema) == 0 {
		logger.Warn("No schema stored for job, skipping decode")
	} else {
		features = r.decoder.Decode(job.Schema, remote.ComputationOutput)
		logger.Info("Decoded aggregator output",
			slog.Int("features", len(features)),
			slog.Int("schema_features", len(job.Schema)),
		)
	}

	result := &domain.JobResult{
		Status:            domain.ResultStatusCompleted,
		ComputationOutput: remote.ComputationOutput,
		CompletedAt:       r.now(),
	}
	if len(features) > 0 {
		result.DecodedFeatures = features
	}

	if err := r.store.SetFinalResult(ctx, jobID, result); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to store final result: %w", err))
	}
	metrics.IncreaseAggregationRunsMetric(metrics.RunCompleted)
	metrics.ObserveAggregationDuration(r.now().Sub(started).Seconds())
	logger.Info("Final result stored")

	if len(features) > 0 && r.sink != nil {
		outcome := r.sink.SendAndSave(ctx, features, jobID, job.UpdatedClients)
		logger.Info("Result sink finished",
			slog.Bool("api_success", outcome.APISuccess),
			slog.Bool("save_success", outcome.SaveSuccess),
		)
	}

	return nil
}

// renewClaim extends the lease every third of its duration until the returned stop is called
func (r *Runner) renewClaim(ctx context.Context, logger *slog.Logger, jobID, owner string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(r.lease/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := r.store.ClaimAggregation(ctx, jobID, owner, r.now(), r.lease)
				if err != nil || !held {
					logger.Warn("Failed to renew aggregation claim",
						slog.Bool("held", held),
						slog.Any("error", err),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
