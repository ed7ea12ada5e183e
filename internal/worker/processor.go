package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// processJob runs one aggregation task and logs its outcome
func (w *Worker) processJob(ctx context.Context, workerName string, msg *domain.AggregationMessage) (err error) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
	)
	if msg.DeliveryTag != 0 {
		logger = logger.With(slog.Uint64("delivery_tag", msg.DeliveryTag))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregation task panicked: %v", r)
			logger.Error("Aggregation task panicked", slog.Any("panic", r))
		}
	}()

	logger.Info("Processing aggregation task")
	started := time.Now()

	err = w.processor.Run(ctx, msg.JobID)
	if err != nil {
		logger.Error("Aggregation task failed",
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err),
		)
		return err
	}

	logger.Info("Aggregation task finished", slog.Duration("elapsed", time.Since(started)))
	return nil
}
