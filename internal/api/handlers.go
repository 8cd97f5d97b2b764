package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/compile"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// publishWorkflow compiles an authored definition document and stores it as
// a new immutable version.
func (s *Server) publishWorkflow(c *gin.Context) {
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	def, err := compile.Compile(doc)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.PublishDefinition(c.Request.Context(), def); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("workflow published", map[string]interface{}{
		"id":      def.ID,
		"name":    def.Name,
		"version": def.Version,
	})
	c.JSON(http.StatusCreated, gin.H{
		"id":      def.ID,
		"name":    def.Name,
		"version": def.Version,
	})
}

func (s *Server) listWorkflows(c *gin.Context) {
	defs, err := s.store.ListDefinitions(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs, "count": len(defs)})
}

func (s *Server) getWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	def, err := s.store.GetDefinition(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) getBreakerStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	def, err := s.store.GetDefinition(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Breakers().Status(def))
}

type startRunRequest struct {
	Trigger map[string]interface{} `json:"trigger"`
	Params  map[string]interface{} `json:"params"`
}

// startRun creates a run of the latest definition version. Returns 202; the
// run executes asynchronously and is polled via GET /runs/:id.
func (s *Server) startRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	var req startRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	run, err := s.engine.StartRun(c.Request.Context(), id, req.Trigger, req.Params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	done, total := run.Progress()
	c.JSON(http.StatusOK, gin.H{
		"run":      run,
		"progress": models.Progress{Completed: done, Total: total},
	})
}

func (s *Server) listRuns(c *gin.Context) {
	var filter models.RunFilter
	if v := c.Query("definition_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition_id"})
			return
		}
		filter.DefinitionID = &id
	}
	filter.Status = models.RunStatus(c.Query("status"))
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	runs, err := s.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) cancelRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	if err := s.engine.CancelRun(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancellation requested"})
}

type decisionRequest struct {
	StepID   string                 `json:"step_id" binding:"required"`
	Approved bool                   `json:"approved"`
	Form     map[string]interface{} `json:"form"`
}

func (s *Server) submitDecision(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step_id is required"})
		return
	}
	if err := s.engine.SubmitHumanDecision(c.Request.Context(), id, req.StepID, req.Approved, req.Form); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "decision recorded"})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	entries, err := s.store.ListDeadLetters(c.Request.Context(), c.Query("queue"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries, "count": len(entries)})
}

func (s *Server) replayDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
		return
	}
	run, err := s.engine.Replay(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

type testConnectorRequest struct {
	Action  string                 `json:"action" binding:"required"`
	Input   map[string]interface{} `json:"input"`
	Timeout time.Duration          `json:"timeout"`
}

// testConnector invokes a connector action in dry-run mode.
func (s *Server) testConnector(c *gin.Context) {
	var req testConnectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}
	out, err := s.engine.TestConnector(c.Request.Context(), c.Param("id"), req.Action, req.Input, req.Timeout)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}
