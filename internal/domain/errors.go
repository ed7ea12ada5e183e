package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job ID has no record in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyCompleted is returned when an operation needs a job that has not finished yet
	ErrAlreadyCompleted = errors.New("job already completed")

	// ErrBarrierOpen is returned when aggregation is requested before every client reported
	ErrBarrierOpen = errors.New("barrier still open: not all clients have reported")

	// ErrAggregationRunning is returned when another runner holds the job's aggregation lease
	ErrAggregationRunning = errors.New("aggregation already running")

	// ErrInvalidSchema is returned when a submitted feature schema cannot be stored
	ErrInvalidSchema = errors.New("invalid feature schema")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
