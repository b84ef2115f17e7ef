package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustpipe/internal/bus"
)

const (
	historyDefaultLimit = 100
	historyMaxLimit     = 500
)

// eventsHistory exposes the bus history ring for debugging and dashboard
// backfill. The ring is bounded, so this is a recent-events view, not an
// archive.
func (s *Server) eventsHistory(c *gin.Context) {
	f := bus.Filter{
		Type:    c.Query("type"),
		Source:  c.Query("source"),
		ActorID: c.Query("actorId"),
		Limit:   historyDefaultLimit,
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		f.Limit = min(n, historyMaxLimit)
	}
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since", "message": "unix milliseconds expected"})
			return
		}
		f.Since = time.UnixMilli(ms)
	}

	entries := s.bus.History(f)
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "events": entries})
}
