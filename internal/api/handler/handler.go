package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/smpc-orchestrator/internal/barrier"
)

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Coordinator  *barrier.Coordinator
	ServiceName  string
	HealthChecks map[string]HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	coordinator *barrier.Coordinator
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
	}
}
