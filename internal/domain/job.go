package domain

import (
	"fmt"
	"time"
)

// ResultStatus is the status carried by a job's final result
type ResultStatus string

// IsFailure reports whether the status marks an unsuccessful aggregation
func (s ResultStatus) IsFailure() bool {
	return s == ResultStatusFailed || s == ResultStatusError
}

// Phase is the externally visible lifecycle position of a job.
// WAITING -> IN_PROGRESS -> AGGREGATING -> COMPLETED | FAILED
type Phase string

// IsTerminal reports whether no further transitions can happen from p
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// JobRecord is the coordinator's state for one job
type JobRecord struct {
	JobID          string
	TotalClients   int
	DoneCount      int
	UpdatedClients []string // sorted
	Schema         []FeatureSpec
	FinalResult    *JobResult

	// AggregationLeaseUntil is zero unless a runner holds the aggregation lease
	AggregationLeaseUntil time.Time
}

// AggregationRunning reports whether a runner's lease is still valid at now
func (r *JobRecord) AggregationRunning(now time.Time) bool {
	return now.Before(r.AggregationLeaseUntil)
}

// IsCompleted reports whether the aggregation finished successfully
func (r *JobRecord) IsCompleted() bool {
	return r.FinalResult != nil && r.FinalResult.Status == ResultStatusCompleted
}

// BarrierClosed reports whether every expected client has reported
func (r *JobRecord) BarrierClosed() bool {
	return r.TotalClients > 0 && r.DoneCount >= r.TotalClients
}

// Phase derives the job phase from counters and the final result
func (r *JobRecord) Phase() Phase {
	if r.FinalResult != nil {
		if r.FinalResult.Status == ResultStatusCompleted {
			return PhaseCompleted
		}
		if r.FinalResult.Status.IsFailure() {
			return PhaseFailed
		}
	}

	switch {
	case r.DoneCount == 0:
		return PhaseWaiting
	case r.DoneCount < r.TotalClients:
		return PhaseInProgress
	default:
		return PhaseAggregating
	}
}

// JobResult is the terminal outcome written by the aggregation pipeline
type JobResult struct {
	Status            ResultStatus     `json:"status"`
	ComputationOutput []float64        `json:"computationOutput"`
	DecodedFeatures   []DecodedFeature `json:"decodedFeatures,omitempty"`
	Error             string           `json:"error,omitempty"`
	CompletedAt       time.Time        `json:"completedAt"`
}

// RecordOutcome is the result of atomically recording a client as done.
// Closed is true only for the single call that moved DoneCount to TotalClients.
type RecordOutcome struct {
	Added        bool
	Full         bool
	Closed       bool
	DoneCount    int
	TotalClients int
}

// AggregationMessage is the broker message that asks a worker to aggregate a job
type AggregationMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// ValidateSchema checks that offsets and lengths are usable slice bounds
func ValidateSchema(schema []FeatureSpec) error {
	for i, spec := range schema {
		if spec.FeatureName == "" {
			return fmt.Errorf("%w: feature %d has no name", ErrInvalidSchema, i)
		}
		if spec.Offset < 0 || spec.Length < 0 {
			return fmt.Errorf("%w: feature %q has negative offset or length", ErrInvalidSchema, spec.FeatureName)
		}
	}
	return nil
}
