// Package api serves the optional read-only status HTTP endpoint: liveness
// for orchestrators and a small task-index view for operators. It exposes
// nothing that mutates state.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// Server is the read-only status HTTP server.
type Server struct {
	db    *database.Client
	tasks *services.TaskService

	httpServer *http.Server
}

// NewServer wires the status endpoints over the shared index.
func NewServer(db *database.Client, tasks *services.TaskService) *Server {
	return &Server{db: db, tasks: tasks}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:uuid", s.getTask)
	v1.GET("/stats", s.stats)

	return r
}

// Start begins serving on the given port. It returns once the listener is
// launched; serve errors other than graceful shutdown are logged.
func (s *Server) Start(port int) {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Status API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status API server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// health handles GET /health. Only the process's own dependencies are
// checked; external services (trackers, LLM endpoints) are excluded so an
// orchestrator does not restart the process over a third-party outage.
func (s *Server) health(c *gin.Context) {
	h := s.db.CheckHealth(c.Request.Context())

	status := healthStatusHealthy
	httpStatus := http.StatusOK
	if !h.Reachable {
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":   status,
		"version":  version.GitCommit,
		"database": h,
	})
}

// listTasks handles GET /api/v1/tasks?status=&limit=.
func (s *Server) listTasks(c *gin.Context) {
	var status models.TaskStatus
	if raw := c.Query("status"); raw != "" {
		status = models.TaskStatus(raw)
		switch status {
		case models.TaskStatusRunning, models.TaskStatusCompleted,
			models.TaskStatusFailed, models.TaskStatusPaused, models.TaskStatusStopped:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + raw})
			return
		}
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.tasks.ListTasks(c.Request.Context(), status, limit)
	if err != nil {
		slog.Error("Status API: listing tasks failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records, "count": len(records)})
}

// getTask handles GET /api/v1/tasks/:uuid.
func (s *Server) getTask(c *gin.Context) {
	rec, err := s.tasks.GetTask(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		slog.Error("Status API: fetching task failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch task"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// stats handles GET /api/v1/stats with per-status task counts.
func (s *Server) stats(c *gin.Context) {
	counts, err := s.tasks.CountByStatus(c.Request.Context())
	if err != nil {
		slog.Error("Status API: counting tasks failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": counts})
}
