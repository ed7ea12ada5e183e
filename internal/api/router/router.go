package router

import (
	"github.com/cuongbtq/smpc-orchestrator/internal/api/handler"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes.
// Request metrics are recorded only when m is not nil.
func SetupRouter(deps *handler.Dependencies, m *metrics.Middleware) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if m != nil {
		r.Use(m.Handler())
	}

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", metrics.ExposeHandler())

	jobHandler := handler.NewJobHandler(deps)

	api := r.Group("/api")
	{
		// POST /api/update - Record a client's completion report
		api.POST("/update", jobHandler.Update)

		// GET /api/job-status/:jobId - Get job phase, progress and results
		api.GET("/job-status/:jobId", jobHandler.GetJobStatus)

		// POST /api/aggregate/:jobId - Re-dispatch aggregation for a closed barrier
		api.POST("/aggregate/:jobId", jobHandler.Aggregate)
	}

	return r
}
