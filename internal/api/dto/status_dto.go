package dto

import (
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/barrier"
	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

type ProgressDTO struct {
	DoneCount    int     `json:"doneCount"`
	TotalClients int     `json:"totalClients"`
	Percentage   float64 `json:"percentage"`
}

type MetadataDTO struct {
	TotalFeatures int       `json:"totalFeatures"`
	TotalClients  int       `json:"totalClients"`
	CompletedAt   time.Time `json:"completedAt"`
	DoneCount     int       `json:"doneCount"`
}

// JobInfoDTO is the raw job record echoed back by the status endpoint
type JobInfoDTO struct {
	TotalClients   int                  `json:"totalClients"`
	DoneCount      int                  `json:"doneCount"`
	UpdatedClients []string             `json:"updatedClients"`
	Schema         []domain.FeatureSpec `json:"schema"`
	FinalResult    *domain.JobResult    `json:"finalResult"`
}

// JobStatusResponse is the body of GET /api/job-status/:jobId.
// Exactly one of Progress, AggregatedResults+Metadata, Error is set depending on Status.
type JobStatusResponse struct {
	Status            string                   `json:"status"`
	JobID             string                   `json:"jobId"`
	Message           string                   `json:"message"`
	Progress          *ProgressDTO             `json:"progress,omitempty"`
	AggregatedResults *[]domain.DecodedFeature `json:"aggregatedResults,omitempty"`
	Metadata          *MetadataDTO             `json:"metadata,omitempty"`
	Error             string                   `json:"error,omitempty"`
	JobInfo           JobInfoDTO               `json:"jobInfo"`
}

// NewJobStatusResponse converts a barrier status view to its wire form
func NewJobStatusResponse(s *barrier.JobStatus) JobStatusResponse {
	resp := JobStatusResponse{
		Status:  string(s.Phase),
		JobID:   s.JobID,
		Message: s.Message,
		Error:   s.Error,
	}

	if s.Progress != nil {
		resp.Progress = &ProgressDTO{
			DoneCount:    s.Progress.DoneCount,
			TotalClients: s.Progress.TotalClients,
			Percentage:   s.Progress.Percentage,
		}
	}
	if s.Metadata != nil {
		results := s.Results
		resp.AggregatedResults = &results
		resp.Metadata = &MetadataDTO{
			TotalFeatures: s.Metadata.TotalFeatures,
			TotalClients:  s.Metadata.TotalClients,
			CompletedAt:   s.Metadata.CompletedAt,
			DoneCount:     s.Metadata.DoneCount,
		}
	}

	if job := s.Job; job != nil {
		clients := job.UpdatedClients
		if clients == nil {
			clients = []string{}
		}
		resp.JobInfo = JobInfoDTO{
			TotalClients:   job.TotalClients,
			DoneCount:      job.DoneCount,
			UpdatedClients: clients,
			Schema:         job.Schema,
			FinalResult:    job.FinalResult,
		}
	}

	return resp
}
