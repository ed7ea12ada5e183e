// Package store persists job barrier state. Every implementation must make
// RecordClientDone a single atomic step: the membership test, the insert, the
// increment and the read-back happen together, so exactly one caller observes
// the transition that closes a job's barrier.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// JobStore is the durable record of job state shared by the coordinator and the aggregation runner
type JobStore interface {
	// Exists reports whether a record exists for jobID
	Exists(ctx context.Context, jobID string) (bool, error)

	// Create initializes a record; it is a no-op when the record already exists
	Create(ctx context.Context, jobID string, totalClients int) error

	// Get returns the record or domain.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)

	// StoreSchemaOnce sets the schema only if none is stored and reports whether it did
	StoreSchemaOnce(ctx context.Context, jobID string, schema []domain.FeatureSpec) (bool, error)

	// RecordClientDone atomically adds clientID to the job's membership and increments the count
	RecordClientDone(ctx context.Context, jobID, clientID string) (domain.RecordOutcome, error)

	// SetFinalResult overwrites the job's final result
	SetFinalResult(ctx context.Context, jobID string, result *domain.JobResult) error

	// ClaimAggregation takes the job's aggregation lease for owner until now+lease, or renews it
	// when owner already holds it. It reports false while another owner's lease is unexpired.
	ClaimAggregation(ctx context.Context, jobID, owner string, now time.Time, lease time.Duration) (bool, error)

	// ReleaseAggregation drops the lease if owner still holds it
	ReleaseAggregation(ctx context.Context, jobID, owner string) error
}
