package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			w.drain(workerName)
			return

		case <-ctx.Done():
			w.drain(workerName)
			return

		case t := <-w.jobsChan:
			err := w.processJob(ctx, workerName, t.msg)
			w.release(t.msg.JobID)
			if t.done != nil {
				t.done(err)
			}
		}
	}
}

// drain hands queued tasks back to their submitters as cancelled
func (w *Worker) drain(workerName string) {
	for {
		select {
		case t := <-w.jobsChan:
			w.logger.Info("Dropping queued task on shutdown",
				slog.String("worker_name", workerName),
				slog.String("job_id", t.msg.JobID),
			)
			w.release(t.msg.JobID)
			if t.done != nil {
				t.done(context.Canceled)
			}
		default:
			w.logger.Debug("Worker goroutine stopped", slog.String("worker_name", workerName))
			return
		}
	}
}
