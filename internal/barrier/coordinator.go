// Package barrier records client completion reports and releases the
// aggregation step exactly once per job, when the last expected client reports.
package barrier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/cuongbtq/smpc-orchestrator/internal/store"
)

// Outcome describes what a single client update did to the barrier
type Outcome string

const (
	OutcomeRecorded         Outcome = "RECORDED"
	OutcomeDuplicate        Outcome = "DUPLICATE"
	OutcomeAlreadyCompleted Outcome = "ALREADY_COMPLETED"
	OutcomeBarrierFull      Outcome = "BARRIER_FULL"
)

// Dispatcher starts the aggregation for a job off the request path.
// Implementations must return without waiting for the aggregation to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// UpdateRequest is one client's completion report
type UpdateRequest struct {
	JobID        string
	ClientID     string
	TotalClients int
	Schema       []domain.FeatureSpec
}

// UpdateResult is returned for every accepted update
type UpdateResult struct {
	Outcome      Outcome
	Triggered    bool
	DoneCount    int
	TotalClients int
	Message      string
}

// Coordinator owns the job barrier
type Coordinator struct {
	store      store.JobStore
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(jobStore store.JobStore, dispatcher Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      jobStore,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Update records one client's report and dispatches aggregation if this report closed the barrier
func (c *Coordinator) Update(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	logger := c.logger.With(
		slog.String("job_id", req.JobID),
		slog.String("client_id", req.ClientID),
	)
	logger.Info("Received client update", slog.Int("total_clients", req.TotalClients))

	exists, err := c.store.Exists(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		if err := c.store.Create(ctx, req.JobID, req.TotalClients); err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
	}

	job, err := c.store.Get(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if job.IsCompleted() {
		logger.Info("Job already completed, update ignored")
		return c.result(OutcomeAlreadyCompleted, false, job.DoneCount, job.TotalClients,
			fmt.Sprintf("Job %s is already completed. No further updates are needed.", req.JobID)), nil
	}

	if len(req.Schema) > 0 && job.Schema == nil {
		stored, err := c.store.StoreSchemaOnce(ctx, req.JobID, req.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to store schema: %w", err)
		}
		if stored {
			logger.Info("Feature schema stored", slog.Int("features", len(req.Schema)))
		}
	}

	outcome, err := c.store.RecordClientDone(ctx, req.JobID, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to record client: %w", err)
	}

	switch {
	case outcome.Full:
		logger.Warn("Barrier already full, client not counted",
			slog.Int("done_count", outcome.DoneCount),
			slog.Int("total_clients", outcome.TotalClients),
		)
		return c.result(OutcomeBarrierFull, false, outcome.DoneCount, outcome.TotalClients,
			fmt.Sprintf("Job %s already has all %d clients. Update from client %s not counted.",
				req.JobID, outcome.TotalClients, req.ClientID)), nil

	case !outcome.Added:
		logger.Info("Client already recorded, no increment")
		return c.result(OutcomeDuplicate, false, outcome.DoneCount, outcome.TotalClients,
			fmt.Sprintf("Update for job %s, client %s already recorded.", req.JobID, req.ClientID)), nil
	}

	triggered := false
	if outcome.Closed {
		logger.Info("All clients done, dispatching aggregation")
		triggered = c.dispatch(ctx, req.JobID)
	}

	return c.result(OutcomeRecorded, triggered, outcome.DoneCount, outcome.TotalClients,
		fmt.Sprintf("Update for job %s, client %s recorded.", req.JobID, req.ClientID)), nil
}

// Retrigger dispatches aggregation again for a job whose barrier closed but has no completed result
func (c *Coordinator) Retrigger(ctx context.Context, jobID string) error {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.IsCompleted() {
		return domain.ErrAlreadyCompleted
	}
	if !job.BarrierClosed() {
		return fmt.Errorf("%w (%d/%d)", domain.ErrBarrierOpen, job.DoneCount, job.TotalClients)
	}
	if job.AggregationRunning(c.now()) {
		return fmt.Errorf("%w (lease until %s)", domain.ErrAggregationRunning, job.AggregationLeaseUntil.Format(time.RFC3339))
	}

	c.logger.Info("Re-triggering aggregation", slog.String("job_id", jobID))
	if err := c.dispatcher.Dispatch(ctx, jobID); err != nil {
		return fmt.Errorf("failed to dispatch aggregation: %w", err)
	}
	metrics.IncreaseAggregationsTriggeredMetric()
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, jobID string) bool {
	if err := c.dispatcher.Dispatch(ctx, jobID); err != nil {
		c.logger.Error("Failed to dispatch aggregation",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	metrics.IncreaseAggregationsTriggeredMetric()
	return true
}

func (c *Coordinator) result(outcome Outcome, triggered bool, done, total int, msg string) *UpdateResult {
	metrics.IncreaseClientUpdatesMetric(string(outcome))
	return &UpdateResult{
		Outcome:      outcome,
		Triggered:    triggered,
		DoneCount:    done,
		TotalClients: total,
		Message:      msg,
	}
}

func percentage(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)/float64(total)*1000) / 10
}
