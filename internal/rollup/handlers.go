package rollup

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for snapshot queries
type Handler struct {
	worker *Worker
}

// NewHandler creates a new rollup handler
func NewHandler(worker *Worker) *Handler {
	return &Handler{worker: worker}
}

// RegisterRoutes sets up rollup endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trust/rollups/latest", h.GetLatest)
	r.POST("/trust/rollups/request", h.Request)
	r.GET("/trust/rollups/trend", h.Trend)
}

// GetLatest returns the most recent snapshot without throttling semantics
func (h *Handler) GetLatest(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.GetLatestSnapshot())
}

// Request serves an on-demand snapshot, throttled per requester. The
// requester identity is the authenticated client id header when present,
// else the remote address.
func (h *Handler) Request(c *gin.Context) {
	requester := c.GetHeader("X-Client-ID")
	if requester == "" {
		requester = c.ClientIP()
	}
	c.JSON(http.StatusOK, h.worker.RequestSnapshot(requester))
}

// Trend returns recent snapshots, newest first
func (h *Handler) Trend(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	snaps, err := h.worker.Trend(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}
