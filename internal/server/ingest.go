package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustpipe/internal/anomaly"
	"github.com/mbd888/trustpipe/internal/logging"
	"github.com/mbd888/trustpipe/internal/traces"
	"github.com/mbd888/trustpipe/internal/validation"
)

// outcomeRequest is the single-sample ingest body.
type outcomeRequest struct {
	SessionID string  `json:"sessionId"`
	ActorID   string  `json:"actorId"`
	VenueID   string  `json:"venueId"`
	GameID    string  `json:"gameId"`
	Wager     float64 `json:"wager"`
	Payout    float64 `json:"payout"`
	IsBonus   bool    `json:"isBonus"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix millis, optional
}

func (r outcomeRequest) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("sessionId", r.SessionID),
		validation.ValidID("sessionId", r.SessionID),
		validation.Required("venueId", r.VenueID),
		validation.ValidID("venueId", r.VenueID),
		validation.ValidID("actorId", r.ActorID),
		validation.ValidID("gameId", r.GameID),
		validation.NonNegative("payout", r.Payout),
	)
}

// ingestOutcome publishes one outcome sample onto the bus. The detector
// consumes it like any other subscriber; ingestion does not call the
// detector directly.
func (s *Server) ingestOutcome(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "ingest.outcome")
	defer span.End()

	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": errs})
		return
	}
	span.SetAttributes(traces.VenueID(req.VenueID), traces.SessionID(req.SessionID))

	payload := map[string]any{
		"sessionId": req.SessionID,
		"venueId":   req.VenueID,
		"wager":     req.Wager,
		"payout":    req.Payout,
		"isBonus":   req.IsBonus,
	}
	if req.ActorID != "" {
		payload["actorId"] = req.ActorID
	}
	if req.GameID != "" {
		payload["gameId"] = req.GameID
	}
	if req.Timestamp > 0 {
		payload["timestamp"] = req.Timestamp
	}

	if err := s.bus.Publish(anomaly.EventOutcomeRecorded, "http-ingest", payload, req.ActorID); err != nil {
		logging.FromContext(ctx).Error("outcome publish failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ingestOutcomeBatch accepts a gzip-compressed JSON array of samples, the
// transport used by bandwidth-constrained submitters. Decoded samples feed
// the identical per-sample path.
func (s *Server) ingestOutcomeBatch(c *gin.Context) {
	_, span := traces.StartSpan(c.Request.Context(), "ingest.outcome_batch")
	defer span.End()

	samples, err := anomaly.DecodeBatch(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_batch", "message": err.Error()})
		return
	}
	span.SetAttributes(traces.SampleCount(len(samples)))

	accepted, err := s.detector.IngestBatch(samples)
	resp := gin.H{"accepted": accepted, "received": len(samples)}
	if err != nil {
		resp["firstError"] = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// eventRequest is a behavioral event submitted by an external adapter
// (moderation, bonus tracker, tip service).
type eventRequest struct {
	Type    string         `json:"type" binding:"required"`
	Source  string         `json:"source" binding:"required"`
	ActorID string         `json:"actorId"`
	Payload map[string]any `json:"payload"`
}

// ingestableTypes are the namespaces adapters may publish through HTTP.
// Derived namespaces (fairness.*, trust.*) are pipeline-internal.
var ingestableTypes = map[string]bool{
	"tip.completed":           true,
	"accountability.success":  true,
	"tilt.detected":           true,
	"cooldown.violated":       true,
	"scam.reported":           true,
	"scam.report.invalidated": true,
	"scam.flag.reversed":      true,
	"bonus.updated":           true,
	"bonus.nerf.detected":     true,
	"casino.rollup.completed": true,
	"domain.rollup.completed": true,
}

func (s *Server) ingestEvent(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "ingest.event")
	defer span.End()

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}
	if !ingestableTypes[req.Type] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_type",
			"message": "event type is not accepted over HTTP ingest",
		})
		return
	}
	span.SetAttributes(traces.EventType(req.Type), traces.ActorID(req.ActorID))

	if err := s.bus.Publish(req.Type, req.Source, req.Payload, req.ActorID); err != nil {
		logging.FromContext(ctx).Error("event publish failed", "type", req.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
