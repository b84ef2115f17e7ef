package venue

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for venue trust queries
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a new venue trust handler
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up venue trust endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/casinos/:id/trust", h.GetTrust)
	r.GET("/casinos/:id/trust/breakdown", h.GetBreakdown)
	r.GET("/casinos/:id/trust/explain", h.Explain)
}

// GetTrust returns the composite trust score for a venue
func (h *Handler) GetTrust(c *gin.Context) {
	venueID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"venueId": venueID,
		"score":   h.scorer.GetScore(venueID),
	})
}

// GetBreakdown returns per-category scores for a venue
func (h *Handler) GetBreakdown(c *gin.Context) {
	venueID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"venueId":    venueID,
		"score":      h.scorer.GetScore(venueID),
		"categories": h.scorer.GetBreakdown(venueID),
	})
}

// Explain returns the top contributing reasons per category
func (h *Handler) Explain(c *gin.Context) {
	venueID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"venueId": venueID,
		"reasons": h.scorer.Explain(venueID),
	})
}
