// Package sink delivers decoded aggregation results to an external endpoint
// and to durable storage.
package sink

import (
	"strings"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// Metadata describes a delivered payload
type Metadata struct {
	TotalFeatures         int       `json:"totalFeatures"`
	ProcessingCompletedAt time.Time `json:"processingCompletedAt"`
	SavedAt               string    `json:"savedAt,omitempty"`
}

// Payload is the document sent to the results API and written to storage
type Payload struct {
	JobID             string                  `json:"jobId"`
	Timestamp         time.Time               `json:"timestamp"`
	ClientList        []string                `json:"clientList"`
	TotalClients      int                     `json:"totalClients"`
	AggregatedResults []domain.DecodedFeature `json:"aggregatedResults"`
	Metadata          Metadata                `json:"metadata"`
}

// NewPayload builds the payload for a job's decoded features
func NewPayload(features []domain.DecodedFeature, jobID string, clients []string, now time.Time) Payload {
	if clients == nil {
		clients = []string{}
	}
	return Payload{
		JobID:             jobID,
		Timestamp:         now,
		ClientList:        clients,
		TotalClients:      len(clients),
		AggregatedResults: features,
		Metadata: Metadata{
			TotalFeatures:         len(features),
			ProcessingCompletedAt: now,
		},
	}
}

// Outcome reports the result of each sink target
type Outcome struct {
	APISuccess  bool
	SaveSuccess bool
}

// fileNameEscaper keeps a job ID inside a single path element
var fileNameEscaper = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")

// resultFileName returns "{jobId}_results_{YYYYMMDD_HHMMSS}.{ext}" with path separators in jobId replaced
func resultFileName(jobID string, now time.Time, ext string) string {
	return fileNameEscaper.Replace(jobID) + "_results_" + now.Format("20060102_150405") + "." + ext
}
