package barrier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

const unknownErrorReason = "Unknown error"

// Progress is reported while the barrier is open or aggregation is running
type Progress struct {
	DoneCount    int
	TotalClients int
	Percentage   float64
}

// CompletionMetadata is reported for completed jobs
type CompletionMetadata struct {
	TotalFeatures int
	TotalClients  int
	DoneCount     int
	CompletedAt   time.Time
}

// JobStatus is the phase view of a job.
// Progress is set for non-terminal phases, Results and Metadata for COMPLETED,
// Error for FAILED.
type JobStatus struct {
	JobID    string
	Phase    domain.Phase
	Message  string
	Progress *Progress
	Results  []domain.DecodedFeature
	Metadata *CompletionMetadata
	Error    string
	Job      *domain.JobRecord
}

// Status returns the current phase view of a job or domain.ErrJobNotFound
func (c *Coordinator) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID: jobID,
		Phase: job.Phase(),
		Job:   job,
	}

	switch status.Phase {
	case domain.PhaseCompleted:
		results := job.FinalResult.DecodedFeatures
		if results == nil {
			results = []domain.DecodedFeature{}
		}
		status.Message = fmt.Sprintf("Job %s is completed.", jobID)
		status.Results = results
		status.Metadata = &CompletionMetadata{
			TotalFeatures: len(results),
			TotalClients:  job.TotalClients,
			DoneCount:     job.DoneCount,
			CompletedAt:   job.FinalResult.CompletedAt,
		}

	case domain.PhaseFailed:
		status.Message = fmt.Sprintf("Job %s failed during aggregation.", jobID)
		status.Error = job.FinalResult.Error
		if status.Error == "" {
			status.Error = unknownErrorReason
		}

	default:
		status.Message = fmt.Sprintf("Job %s is %s (doneCount=%d/%d).",
			jobID, strings.ToLower(string(status.Phase)), job.DoneCount, job.TotalClients)
		status.Progress = &Progress{
			DoneCount:    job.DoneCount,
			TotalClients: job.TotalClients,
			Percentage:   percentage(job.DoneCount, job.TotalClients),
		}
	}

	return status, nil
}
