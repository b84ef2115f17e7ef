package anomaly

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// OutcomeSample is a single wager/payout observation inside a play session.
// Samples are immutable once ingested.
type OutcomeSample struct {
	SessionID string    `json:"sessionId"`
	ActorID   string    `json:"actorId"`
	VenueID   string    `json:"venueId"`
	GameID    string    `json:"gameId"`
	Wager     float64   `json:"wager"`
	Payout    float64   `json:"payout"`
	IsBonus   bool      `json:"isBonus"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields the detector cannot work without.
func (s OutcomeSample) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("outcome sample: sessionId is required")
	}
	if s.VenueID == "" {
		return fmt.Errorf("outcome sample: venueId is required")
	}
	if s.Wager <= 0 {
		return fmt.Errorf("outcome sample: wager must be positive, got %v", s.Wager)
	}
	if s.Payout < 0 {
		return fmt.Errorf("outcome sample: payout cannot be negative, got %v", s.Payout)
	}
	return nil
}

// sessionKey groups samples per (actor, venue) session.
func (s OutcomeSample) sessionKey() string {
	return s.ActorID + "|" + s.VenueID + "|" + s.SessionID
}

// EncodeBatch writes samples as a gzip-compressed JSON array. Used by
// bandwidth-constrained submitters; decoding feeds the identical per-sample
// path, the compression is purely a transport optimization.
func EncodeBatch(w io.Writer, samples []OutcomeSample) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(samples); err != nil {
		_ = gz.Close()
		return fmt.Errorf("encode batch: %w", err)
	}
	return gz.Close()
}

// DecodeBatch reads a gzip-compressed JSON array of samples.
func DecodeBatch(r io.Reader) ([]OutcomeSample, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var samples []OutcomeSample
	if err := json.NewDecoder(gz).Decode(&samples); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return samples, nil
}
