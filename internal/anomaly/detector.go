// Package anomaly implements the statistical gameplay anomaly detector.
//
// The detector keeps a bounded sliding window of outcome samples per
// (actor, venue, session) key and re-evaluates three independent checks every
// detectionInterval samples: RTP pump, volatility compression, and win
// clustering. Sessions below minSpinsRequired never alert; short sessions
// are noise, not evidence.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
	"github.com/mbd888/trustpipe/internal/metrics"
	"github.com/mbd888/trustpipe/internal/syncutil"
)

// EventOutcomeRecorded is the raw sample event published by ingest adapters.
const EventOutcomeRecorded = "game.outcome.recorded"

const sourceID = "anomaly-detector"

type session struct {
	samples   []OutcomeSample
	sinceEval int
}

// Detector ingests outcome samples and publishes fairness.* signals.
type Detector struct {
	cfg    config.DetectionConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	locks syncutil.ShardedMutex // single writer per session key
	clock func() time.Time
}

// Option configures the Detector.
type Option func(*Detector)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// New creates a Detector publishing onto b.
func New(b *bus.Bus, cfg config.DetectionConfig, opts ...Option) *Detector {
	d := &Detector{
		cfg:      cfg,
		bus:      b,
		logger:   slog.Default(),
		sessions: make(map[string]*session),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes the detector to raw outcome events on the bus.
func (d *Detector) Register() *bus.Subscription {
	return d.bus.Subscribe(EventOutcomeRecorded, sourceID, d.handleOutcomeEvent)
}

func (d *Detector) handleOutcomeEvent(ev bus.Event) error {
	sample, err := sampleFromPayload(ev.Payload)
	if err != nil {
		// Fail closed: skip the sample, never guess at missing fields.
		return err
	}
	return d.Ingest(sample)
}

func sampleFromPayload(p map[string]any) (OutcomeSample, error) {
	var s OutcomeSample
	var ok bool
	if s.SessionID, ok = bus.GetString(p, "sessionId"); !ok {
		return s, fmt.Errorf("outcome event: missing sessionId")
	}
	if s.VenueID, ok = bus.GetString(p, "venueId"); !ok {
		return s, fmt.Errorf("outcome event: missing venueId")
	}
	s.ActorID, _ = bus.GetString(p, "actorId")
	s.GameID, _ = bus.GetString(p, "gameId")
	if s.Wager, ok = bus.GetFloat(p, "wager"); !ok {
		return s, fmt.Errorf("outcome event: missing wager")
	}
	if s.Payout, ok = bus.GetFloat(p, "payout"); !ok {
		return s, fmt.Errorf("outcome event: missing payout")
	}
	if b, exists := p["isBonus"]; exists {
		s.IsBonus, _ = b.(bool)
	}
	if ms, ok := bus.GetInt64(p, "timestamp"); ok {
		s.Timestamp = time.UnixMilli(ms)
	}
	return s, nil
}

// Ingest adds one sample to its session window and runs a detection cycle
// when the interval is due. Samples for the same session are serialized;
// different sessions proceed in parallel.
func (d *Detector) Ingest(sample OutcomeSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = d.clock()
	}

	key := sample.sessionKey()
	unlock := d.locks.Lock(key)
	defer unlock()

	s := d.getOrCreate(key)
	s.samples = append(s.samples, sample)
	if len(s.samples) > d.cfg.WindowSize {
		s.samples = s.samples[len(s.samples)-d.cfg.WindowSize:]
	}

	s.sinceEval++
	if s.sinceEval >= d.cfg.DetectionInterval {
		s.sinceEval = 0
		d.evaluate(sample.VenueID, sample.SessionID, s.samples)
	}
	return nil
}

// IngestBatch feeds decoded batch samples through the identical single-sample
// path. Returns the count accepted and the first validation error seen.
func (d *Detector) IngestBatch(samples []OutcomeSample) (int, error) {
	var firstErr error
	accepted := 0
	for _, s := range samples {
		if err := d.Ingest(s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

func (d *Detector) getOrCreate(key string) *session {
	d.mu.RLock()
	s := d.sessions[key]
	d.mu.RUnlock()
	if s != nil {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s = d.sessions[key]; s == nil {
		s = &session{}
		d.sessions[key] = s
		metrics.TrackedSessions.Set(float64(len(d.sessions)))
	}
	return s
}

// SessionCount reports how many session windows are currently tracked.
func (d *Detector) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// evaluate runs all three checks over the most recent detection window.
// The checks are independent; several signals may fire for the same window.
func (d *Detector) evaluate(venueID, sessionID string, samples []OutcomeSample) {
	if len(samples) < d.cfg.MinSpinsRequired {
		return
	}

	window := samples
	if len(window) > d.cfg.DetectionWindow {
		window = window[len(window)-d.cfg.DetectionWindow:]
	}

	if sig := d.checkPump(venueID, sessionID, window); sig != nil {
		d.emit(*sig)
	}
	if sig := d.checkCompression(venueID, sessionID, samples, window); sig != nil {
		d.emit(*sig)
	}
	if sig := d.checkClustering(venueID, sessionID, window); sig != nil {
		d.emit(*sig)
	}
}

// checkPump flags an observed RTP far above the honest baseline.
func (d *Detector) checkPump(venueID, sessionID string, window []OutcomeSample) *Signal {
	rtp := observedRTP(window)
	deviation := rtp - d.cfg.BaselineRTP
	if deviation <= d.cfg.PumpThreshold {
		return nil
	}

	severity := SeverityWarning
	if deviation >= 1.5*d.cfg.PumpThreshold {
		severity = SeverityCritical
	}

	return &Signal{
		VenueID:    venueID,
		SessionID:  sessionID,
		Anomaly:    TypePump,
		Severity:   severity,
		Confidence: math.Min(1, deviation/d.cfg.PumpThreshold),
		Reason: fmt.Sprintf("observed RTP %.3f exceeds baseline %.3f by %.1f points",
			rtp, d.cfg.BaselineRTP, deviation*100),
		Metadata: map[string]any{
			"observedRtp": rtp,
			"baselineRtp": d.cfg.BaselineRTP,
			"sampleCount": len(window),
		},
		Timestamp: d.clock(),
	}
}

// checkCompression flags a recent payout stream far smoother than the longer
// comparison window. Artificially compressed volatility often precedes a pump.
func (d *Detector) checkCompression(venueID, sessionID string, all, window []OutcomeSample) *Signal {
	recent := window
	if len(recent) > len(window)/4 {
		recent = recent[len(recent)-len(window)/4:]
	}
	if len(recent) < 5 {
		return nil
	}

	longVar := variance(multipliers(all))
	if longVar == 0 {
		return nil
	}
	ratio := variance(multipliers(recent)) / longVar
	if ratio >= d.cfg.CompressionRatio {
		return nil
	}

	severity := SeverityWarning
	if ratio < d.cfg.CompressionRatio/2 {
		severity = SeverityCritical
	}

	return &Signal{
		VenueID:    venueID,
		SessionID:  sessionID,
		Anomaly:    TypeCompression,
		Severity:   severity,
		Confidence: math.Min(1, (d.cfg.CompressionRatio-ratio)/d.cfg.CompressionRatio),
		Reason: fmt.Sprintf("recent payout variance ratio %.3f below %.2f threshold",
			ratio, d.cfg.CompressionRatio),
		Metadata: map[string]any{
			"varianceRatio": ratio,
			"recentSamples": len(recent),
		},
		Timestamp: d.clock(),
	}
}

// checkClustering flags win spacing inconsistent with independent trials.
func (d *Detector) checkClustering(venueID, sessionID string, window []OutcomeSample) *Signal {
	score, wins := clusteringScore(window)
	if score <= d.cfg.ClusterThreshold {
		return nil
	}

	severity := SeverityWarning
	if score > 0.9 {
		severity = SeverityCritical
	}

	return &Signal{
		VenueID:    venueID,
		SessionID:  sessionID,
		Anomaly:    TypeClustering,
		Severity:   severity,
		Confidence: score,
		Reason: fmt.Sprintf("win spacing dispersion score %.2f exceeds %.2f (%d wins in window)",
			score, d.cfg.ClusterThreshold, wins),
		Metadata: map[string]any{
			"clusterScore": score,
			"wins":         wins,
		},
		Timestamp: d.clock(),
	}
}

func (d *Detector) emit(sig Signal) {
	metrics.AnomaliesDetectedTotal.WithLabelValues(string(sig.Anomaly), string(sig.Severity)).Inc()
	d.logger.Warn("anomaly detected",
		"venue", sig.VenueID,
		"session", sig.SessionID,
		"anomaly", sig.Anomaly,
		"severity", sig.Severity,
		"confidence", sig.Confidence,
	)
	if err := d.bus.Publish(sig.eventType(), sourceID, sig.payload(), ""); err != nil {
		d.logger.Error("failed to publish anomaly signal", "error", err)
	}
}
