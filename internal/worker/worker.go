package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyInFlight is returned when an aggregation for the job is already queued or running
	ErrAlreadyInFlight = errors.New("aggregation already in flight for job")

	// ErrQueueFull is returned when the task buffer has no free slot
	ErrQueueFull = errors.New("worker queue is full")

	// ErrStopped is returned when submitting to a worker that is not running
	ErrStopped = errors.New("worker is not running")
)

// Processor runs one aggregation task
type Processor interface {
	Run(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Processor   Processor
	Concurrency int
	QueueSize   int
	WorkerID    string
}

// task is one queued aggregation; done, when set, receives the processing error
type task struct {
	msg  *domain.AggregationMessage
	done func(error)
}

// Worker is a bounded goroutine pool that runs at most one task per job ID at a time
type Worker struct {
	logger      *slog.Logger
	processor   Processor
	concurrency int
	workerID    string

	jobsChan chan *task
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	running  bool
	cancel   context.CancelFunc
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	return &Worker{
		logger:      cfg.Logger,
		processor:   cfg.Processor,
		concurrency: concurrency,
		workerID:    workerID,
		jobsChan:    make(chan *task, queueSize),
		stopChan:    make(chan struct{}),
		inFlight:    make(map[string]struct{}),
	}
}

// ID returns the worker instance ID
func (w *Worker) ID() string {
	return w.workerID
}

// Start spawns the pool. Tasks run under a context derived from ctx that Stop cancels.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("queue_size", cap(w.jobsChan)),
	)
	w.spawnWorkerPool(ctx)
}

// Stop cancels running tasks and waits for every goroutine to exit
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	close(w.stopChan)
	w.mu.Unlock()

	w.logger.Info("Stopping worker...", slog.String("worker_id", w.workerID))
	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
}

// Shutdown stops the worker and reports whether it finished within timeout
func (w *Worker) Shutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		w.logger.Warn("Worker shutdown timeout exceeded", slog.Duration("timeout", timeout))
		return false
	}
}

// Submit queues msg without blocking. done, when not nil, is called once the task finishes.
func (w *Worker) Submit(msg *domain.AggregationMessage, done func(error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrStopped
	}
	if _, ok := w.inFlight[msg.JobID]; ok {
		metrics.IncreaseWorkerSubmissionsRejectedMetric("in_flight")
		return ErrAlreadyInFlight
	}

	select {
	case w.jobsChan <- &task{msg: msg, done: done}:
		w.inFlight[msg.JobID] = struct{}{}
		metrics.SetWorkerTasksInFlight(len(w.inFlight))
		return nil
	default:
		metrics.IncreaseWorkerSubmissionsRejectedMetric("queue_full")
		return ErrQueueFull
	}
}

// Dispatch runs the aggregation for jobID in this process
func (w *Worker) Dispatch(_ context.Context, jobID string) error {
	return w.Submit(&domain.AggregationMessage{JobID: jobID}, nil)
}

// InFlight returns the number of queued or running tasks
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

func (w *Worker) release(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, jobID)
	metrics.SetWorkerTasksInFlight(len(w.inFlight))
}
