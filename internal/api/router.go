// Package api serves the operator endpoints of both commands: breaker status, binding control
// and the materialized state records.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe"
	"github.com/giraone/jobpipe/storage"
)

const (
	defaultPageSize = 1000
	maxPageSize     = 10000
)

// StopperLookup finds the breaker of a stage.
type StopperLookup interface {
	Stopper(stage string) (jobpipe.ProcessingStopper, bool)
}

// BindingControl pauses and resumes bindings by name.
type BindingControl interface {
	ChangeStateToPaused(name string, paused bool) (bool, error)
	State(name string) (jobpipe.BindingState, error)
}

// StateRecords reads the materialized job table.
type StateRecords interface {
	FindByID(ctx context.Context, id string) (*storage.JobRecord, error)
	FindAll(ctx context.Context, limit, offset int) ([]storage.JobRecord, error)
	Count(ctx context.Context) (int64, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Option configures the router. Route groups are only mounted for the parts that are given.
type Option func(*Handler)

func WithStoppers(stoppers StopperLookup) Option {
	return func(h *Handler) {
		h.stoppers = stoppers
	}
}

func WithBindingControl(control BindingControl) Option {
	return func(h *Handler) {
		h.control = control
	}
}

func WithStateRecords(records StateRecords) Option {
	return func(h *Handler) {
		h.records = records
	}
}

// WithMetricsHandler serves handler on /metrics, typically promhttp.HandlerFor.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = handler
	}
}

func WithHealthCheck(check HealthCheck) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// Handler holds what the endpoints need.
type Handler struct {
	logger   *zap.Logger
	stoppers StopperLookup
	control  BindingControl
	records  StateRecords
	metrics  http.Handler
	health   HealthCheck
}

// NewRouter builds the gin engine.
func NewRouter(logger *zap.Logger, opts ...Option) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}

	router := gin.New()
	router.Use(gin.Recovery(), loggingMiddleware(logger))

	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	admin := router.Group("/admin-api")
	if h.stoppers != nil {
		admin.GET("/error-status/:stage", h.ErrorStatus)
		admin.GET("/reset-status/:stage", h.ResetStatus)
	}
	if h.control != nil {
		admin.GET("/processors/:name/pause", h.Pause)
		admin.GET("/processors/:name/resume", h.Resume)
		admin.GET("/processors/:name/status", h.Status)
	}

	if h.records != nil {
		api := router.Group("/api")
		api.GET("/state-records", h.ListStateRecords)
		api.GET("/state-records/:id", h.GetStateRecord)
		api.GET("/state-records-count", h.CountStateRecords)
	}

	return router
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ErrorStatus returns the success and error totals of a stage breaker.
func (h *Handler) ErrorStatus(c *gin.Context) {
	stopper, ok := h.stoppers.Stopper(c.Param("stage"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stage"})
		return
	}
	c.JSON(http.StatusOK, stopper.Status())
}

// ResetStatus clears a stage breaker and returns its totals afterwards.
func (h *Handler) ResetStatus(c *gin.Context) {
	stage := c.Param("stage")
	stopper, ok := h.stoppers.Stopper(stage)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stage"})
		return
	}
	stopper.Reset()
	h.logger.Info("Breaker reset", zap.String("stage", stage))
	c.JSON(http.StatusOK, stopper.Status())
}

func (h *Handler) Pause(c *gin.Context) {
	h.changeState(c, true)
}

func (h *Handler) Resume(c *gin.Context) {
	h.changeState(c, false)
}

func (h *Handler) changeState(c *gin.Context, paused bool) {
	name := c.Param("name")
	state, err := h.control.ChangeStateToPaused(name, paused)
	if err != nil {
		h.bindingError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": state})
}

// Status returns the running and paused flags of a binding.
func (h *Handler) Status(c *gin.Context) {
	name := c.Param("name")
	state, err := h.control.State(name)
	if err != nil {
		h.bindingError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) bindingError(c *gin.Context, name string, err error) {
	if errors.Is(err, jobpipe.ErrUnknownBinding) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("Binding control failed", zap.String("binding", name), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ListStateRecords pages through the job table ordered by id. Query parameters are page
// (zero based) and size.
func (h *Handler) ListStateRecords(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	size, err := queryInt(c, "size", defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}

	records, err := h.records.FindAll(c.Request.Context(), size, page*size)
	if err != nil {
		h.internalError(c, "Failed to list state records", err)
		return
	}
	if records == nil {
		records = []storage.JobRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetStateRecord(c *gin.Context) {
	record, err := h.records.FindByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to read state record", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) CountStateRecords(c *gin.Context) {
	count, err := h.records.Count(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to count state records", err)
		return
	}
	c.JSON(http.StatusOK, count)
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Debug("HTTP request", fields...)
	}
}
