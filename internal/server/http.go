package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/auth"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/events"
	"github.com/joseph-ayodele/health-records/internal/export"
	"github.com/joseph-ayodele/health-records/internal/ingest"
	"github.com/joseph-ayodele/health-records/internal/notify"
	"github.com/joseph-ayodele/health-records/internal/queue"
)

// HTTPDeps are the services behind the HTTP API. Notes may be nil.
type HTTPDeps struct {
	Queue   *queue.Service
	Ingest  *ingest.Service
	Export  *export.Service
	Changes *events.ChangeBus
	Notes   *events.Bus[notify.Notification]
	Auth    *auth.Service
	Health  func(ctx context.Context) error
}

type handler struct {
	HTTPDeps
	logger *slog.Logger
}

// NewRouter builds the gin engine for the /v1 API plus /healthz and /metrics.
func NewRouter(deps HTTPDeps, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{HTTPDeps: deps, logger: logger}

	g := gin.New()
	g.Use(gin.Recovery(), requestID(), accessLog(logger))
	g.GET("/healthz", h.healthz)
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.Group("/v1")
	v1.Use(deps.Auth.RequireAuth())
	{
		v1.GET("/queue", h.listQueue)
		v1.POST("/queue", h.enqueue)
		v1.GET("/queue/stats", h.stats)
		v1.GET("/queue/average-processing-time", h.averageProcessingTime)
		v1.GET("/queue/high-priority", h.highPriority)
		v1.GET("/queue/status/:status", h.itemsByStatus)
		v1.POST("/queue/retry-failed", h.retryAllFailed)
		v1.POST("/queue/clear-completed", h.clearCompleted)
		v1.GET("/queue/events", h.events)
		v1.GET("/queue/export.xlsx", h.exportXLSX)
		v1.GET("/queue/entries/:id", h.getEntry)
		v1.POST("/queue/entries/:id/retry", h.retry)
		v1.PUT("/queue/entries/:id/priority", h.setPriority)
		v1.DELETE("/queue/entries/:id", h.cancel)
		v1.POST("/documents", h.upload)
	}
	return g
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header("X-Request-ID", rid)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http.access",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"request_id", common.RequestIDFromContext(c.Request.Context()),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	code := common.HTTPStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("http.request.failed", "path", c.FullPath(), "request_id", common.RequestIDFromContext(c.Request.Context()), "err", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func (h *handler) entryID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *handler) healthz(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) listQueue(c *gin.Context) {
	list, err := h.Queue.ListQueue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entriesReply(list))
}

type enqueueRequest struct {
	DocumentID  string         `json:"document_id" binding:"required"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *handler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_id must be a UUID"})
		return
	}
	e, err := h.Queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		DocumentID:  docID,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entryReply{Entry: e})
}

func (h *handler) stats(c *gin.Context) {
	stats, err := h.Queue.GetStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) averageProcessingTime(c *gin.Context) {
	avg, err := h.Queue.AverageProcessingTime(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"average_ms": avg})
}

func (h *handler) highPriority(c *gin.Context) {
	list, err := h.Queue.HighPriorityItems(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entriesReply(list))
}

func (h *handler) itemsByStatus(c *gin.Context) {
	st, err := constants.ParseQueueStatus(c.Param("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := h.Queue.ItemsByStatus(c.Request.Context(), st)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entriesReply(list))
}

func (h *handler) getEntry(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	e, err := h.Queue.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entryReply{Entry: e})
}

func (h *handler) retry(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	e, err := h.Queue.Retry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entryReply{Entry: e})
}

func (h *handler) retryAllFailed(c *gin.Context) {
	res, err := h.Queue.RetryAllFailed(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) clearCompleted(c *gin.Context) {
	res, err := h.Queue.ClearCompleted(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) cancel(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	if err := h.Queue.Cancel(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type priorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

func (h *handler) setPriority(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := h.Queue.SetPriority(c.Request.Context(), id, *req.Priority)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entryReply{Entry: e})
}

func (h *handler) exportXLSX(c *gin.Context) {
	ctx := c.Request.Context()
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	var statuses []constants.QueueStatus
	for _, raw := range c.QueryArray("status") {
		st, err := constants.ParseQueueStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		statuses = append(statuses, st)
	}
	xlsx, err := h.Export.ExportQueueXLSX(ctx, owner, statuses...)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="queue.xlsx"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", xlsx)
}

func (h *handler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	priority := 0
	if raw := c.PostForm("priority"); raw != "" {
		if priority, err = strconv.Atoi(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
			return
		}
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	res, err := h.Ingest.Ingest(c.Request.Context(), ingest.Upload{Filename: fh.Filename, Body: f, Priority: priority})
	if err != nil {
		h.fail(c, err)
		return
	}
	code := http.StatusCreated
	if res.Deduplicated {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

// events streams the caller's queue as server-sent events: one "snapshot",
// then "insert", "update" and "delete" deltas plus "notification" events. A
// "resync" event means deltas were dropped and the client should reconnect.
func (h *handler) events(c *gin.Context) {
	ctx := c.Request.Context()
	owner, err := common.RequireOwnerID(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	changes := h.Changes.Subscribe(events.OwnerChanges(owner))
	defer changes.Close()
	var notes <-chan notify.Notification
	if h.Notes != nil {
		sub := h.Notes.Subscribe(notify.ForOwner(owner))
		defer sub.Close()
		notes = sub.C()
	}

	list, err := h.Queue.ListQueue(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("snapshot", entriesReply(list))
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ch, ok := <-changes.C():
			if !ok {
				if changes.Lagged() {
					c.SSEvent("resync", gin.H{"reason": "lagged"})
				}
				return false
			}
			c.SSEvent(string(ch.Kind), ch.Entry)
			return true
		case n, ok := <-notes:
			if !ok {
				notes = nil
				return true
			}
			c.SSEvent("notification", n)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{})
			return true
		}
	})
	h.logger.Debug("http.events.closed", "owner_id", owner)
}
