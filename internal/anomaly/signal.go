package anomaly

import "time"

// Event types emitted by the detector.
const (
	EventPumpDetected        = "fairness.pump.detected"
	EventCompressionDetected = "fairness.compression.detected"
	EventClusterDetected     = "fairness.cluster.detected"
)

// Type classifies an anomaly signal.
type Type string

const (
	TypePump        Type = "pump"
	TypeCompression Type = "volatility_compression"
	TypeClustering  Type = "win_clustering"
)

// Severity grades how far an observation sits from the honest baseline.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Signal is a detector-emitted claim that an outcome stream statistically
// deviates from an honest baseline. Never mutated after creation.
type Signal struct {
	VenueID    string         `json:"venueId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Anomaly    Type           `json:"anomalyType"`
	Severity   Severity       `json:"severity"`
	Confidence float64        `json:"confidence"` // [0,1]
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// eventType maps the anomaly type to its bus event type.
func (s Signal) eventType() string {
	switch s.Anomaly {
	case TypeCompression:
		return EventCompressionDetected
	case TypeClustering:
		return EventClusterDetected
	default:
		return EventPumpDetected
	}
}

// payload flattens the signal for bus transport. The venue scorer dedups on
// (venueId, timestamp, anomalyType), so the signal timestamp rides along as
// Unix milliseconds.
func (s Signal) payload() map[string]any {
	p := map[string]any{
		"venueId":     s.VenueID,
		"anomalyType": string(s.Anomaly),
		"severity":    string(s.Severity),
		"confidence":  s.Confidence,
		"reason":      s.Reason,
		"timestamp":   s.Timestamp.UnixMilli(),
	}
	if s.SessionID != "" {
		p["sessionId"] = s.SessionID
	}
	if len(s.Metadata) > 0 {
		p["metadata"] = s.Metadata
	}
	return p
}
