// Package api exposes the workflow engine over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/pkg/engine"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/store"
)

// Server wires the HTTP handlers to the engine and store.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	logger  observability.Logger
	metrics observability.MetricsClient
	limiter *rate.Limiter
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, st store.Store, logger observability.Logger, metrics observability.MetricsClient, rateLimit float64, burst int) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if burst <= 0 {
		burst = int(rateLimit)
	}
	return &Server{
		engine:  eng,
		store:   st,
		logger:  logger.WithPrefix("api"),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
	}
}

// Routes registers all endpoints on the router.
func (s *Server) Routes(r *gin.Engine) {
	r.Use(s.requestLogger(), s.rateLimit())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/workflows", s.publishWorkflow)
		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.GET("/workflows/:id/breaker", s.getBreakerStatus)
		v1.POST("/workflows/:id/runs", s.startRun)

		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.POST("/runs/:id/decision", s.submitDecision)

		v1.GET("/dead-letters", s.listDeadLetters)
		v1.POST("/dead-letters/:id/replay", s.replayDeadLetter)

		v1.POST("/connectors/:id/test", s.testConnector)
	}
}

// respondError maps engine and store errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var ee *models.EngineError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case models.ErrorKindValidation, models.ErrorKindMissingInput:
			c.JSON(http.StatusBadRequest, gin.H{"error": ee.Message, "kind": ee.Kind})
			return
		case models.ErrorKindCircuitOpen:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ee.Message, "kind": ee.Kind})
			return
		}
	}
	s.logger.Error("request failed", map[string]interface{}{
		"path":  c.FullPath(),
		"error": err.Error(),
	})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
