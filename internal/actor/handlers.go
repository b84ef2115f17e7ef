package actor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for actor trust queries
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a new actor trust handler
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up actor trust endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/degens/:id/trust", h.GetTrust)
	r.GET("/degens/:id/trust/explain", h.Explain)
}

// GetTrust returns the composite trust score and level for an actor
func (h *Handler) GetTrust(c *gin.Context) {
	actorID := c.Param("id")
	score := h.scorer.GetScore(actorID)
	c.JSON(http.StatusOK, gin.H{
		"actorId": actorID,
		"score":   score,
		"level":   LevelFor(score),
	})
}

// Explain returns the actor's score with its active contributing factors
func (h *Handler) Explain(c *gin.Context) {
	c.JSON(http.StatusOK, h.scorer.Explain(c.Param("id")))
}
