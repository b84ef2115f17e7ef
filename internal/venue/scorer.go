package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustpipe/internal/anomaly"
	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
	"github.com/mbd888/trustpipe/internal/metrics"
	"github.com/mbd888/trustpipe/internal/syncutil"
)

// Events consumed and published by the venue scorer.
const (
	EventCasinoUpdated = "trust.casino.updated"
	EventBonusNerf     = "bonus.nerf.detected"
	EventCasinoRollup  = "casino.rollup.completed"
	EventDomainRollup  = "domain.rollup.completed"
)

const sourceID = "venue-scorer"

// baseBySeverity scales anomaly penalties before the confidence multiplier.
var baseBySeverity = map[anomaly.Severity]float64{
	anomaly.SeverityInfo:     2,
	anomaly.SeverityWarning:  6,
	anomaly.SeverityCritical: 12,
}

// complianceShare is the fraction of a fairness penalty echoed into the
// compliance category.
const complianceShare = 0.25

// bonusNerfFactor converts an advertised-value percent drop into a bonusTerms
// penalty. 50 percent drop hits the -15 per-event cap.
const (
	bonusNerfFactor = 0.3
	bonusNerfCap    = 15.0
)

// dedupRetention bounds how long processed signal keys are remembered.
const dedupRetention = 24 * time.Hour

// Scorer subscribes to anomaly, bonus, and rollup events and maintains one
// trust profile per venue. Each profile has a single logical owner: all
// mutations for a venue are serialized through a per-key lock, venues
// proceed in parallel.
type Scorer struct {
	bus    *bus.Bus
	store  Store
	cfg    config.ScoringConfig
	logger *slog.Logger
	clock  func() time.Time

	locks syncutil.ShardedMutex

	mu       sync.RWMutex
	profiles map[string]*Profile

	dedupMu sync.Mutex
	seen    map[string]time.Time // processed anomaly signals
}

// Option configures the Scorer.
type Option func(*Scorer)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scorer) { s.clock = clock }
}

// NewScorer creates a venue trust scorer persisting through store.
func NewScorer(b *bus.Bus, store Store, cfg config.ScoringConfig, opts ...Option) *Scorer {
	s := &Scorer{
		bus:      b,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    time.Now,
		profiles: make(map[string]*Profile),
		seen:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register subscribes the scorer's handlers on the bus.
func (s *Scorer) Register() {
	s.bus.Subscribe(anomaly.EventPumpDetected, sourceID, s.handleAnomaly)
	s.bus.Subscribe(anomaly.EventClusterDetected, sourceID, s.handleAnomaly)
	s.bus.Subscribe(anomaly.EventCompressionDetected, sourceID, s.handleAnomaly)
	s.bus.Subscribe(EventBonusNerf, sourceID, s.handleBonusNerf)
	s.bus.Subscribe(EventCasinoRollup, sourceID, s.handleRollup)
	s.bus.Subscribe(EventDomainRollup, sourceID, s.handleRollup)
}

// -------------------------------------------------------------------------
// Event handlers
// -------------------------------------------------------------------------

func (s *Scorer) handleAnomaly(ev bus.Event) error {
	venueID, ok := bus.GetString(ev.Payload, "venueId")
	if !ok {
		return fmt.Errorf("anomaly event: missing venueId")
	}
	sevStr, ok := bus.GetString(ev.Payload, "severity")
	if !ok {
		return fmt.Errorf("anomaly event: missing severity")
	}
	severity := anomaly.Severity(sevStr)
	base, ok := baseBySeverity[severity]
	if !ok {
		return fmt.Errorf("anomaly event: unknown severity %q", sevStr)
	}
	confidence, ok := bus.GetFloat(ev.Payload, "confidence")
	if !ok || confidence < 0 || confidence > 1 {
		return fmt.Errorf("anomaly event: missing or out-of-range confidence")
	}
	anomalyType, ok := bus.GetString(ev.Payload, "anomalyType")
	if !ok {
		return fmt.Errorf("anomaly event: missing anomalyType")
	}
	ts, ok := bus.GetInt64(ev.Payload, "timestamp")
	if !ok {
		return fmt.Errorf("anomaly event: missing timestamp")
	}

	// Replaying the identical signal must not double-penalize.
	if !s.markSeen(fmt.Sprintf("%s|%d|%s", venueID, ts, anomalyType)) {
		return nil
	}

	reason, _ := bus.GetString(ev.Payload, "reason")
	if reason == "" {
		reason = anomalyType + " anomaly"
	}

	delta := -base * confidence
	s.mutate(venueID, string(severity), ev.Source, []catDelta{
		{CategoryFairness, delta, reason},
		{CategoryCompliance, delta * complianceShare, reason},
	})
	return nil
}

func (s *Scorer) handleBonusNerf(ev bus.Event) error {
	venueID, ok := bus.GetString(ev.Payload, "venueId")
	if !ok {
		return fmt.Errorf("bonus nerf event: missing venueId")
	}
	percentDrop, ok := bus.GetFloat(ev.Payload, "percentDrop")
	if !ok || percentDrop <= 0 {
		return fmt.Errorf("bonus nerf event: missing or non-positive percentDrop")
	}

	delta := -percentDrop * bonusNerfFactor
	if delta < -bonusNerfCap {
		delta = -bonusNerfCap
	}
	note := fmt.Sprintf("advertised bonus value dropped %.1f%%", percentDrop)
	s.mutate(venueID, string(anomaly.SeverityInfo), ev.Source, []catDelta{
		{CategoryBonusTerms, delta, note},
	})
	return nil
}

// handleRollup blends externally-aggregated signals, damped so one noisy
// external source cannot dominate directly-observed evidence.
func (s *Scorer) handleRollup(ev bus.Event) error {
	venueID, ok := bus.GetString(ev.Payload, "venueId")
	if !ok {
		return fmt.Errorf("rollup event: missing venueId")
	}

	var deltas []catDelta
	if d, ok := bus.GetFloat(ev.Payload, "fairnessDelta"); ok && d != 0 {
		deltas = append(deltas, catDelta{
			CategoryFairness, d * s.cfg.RollupDamping,
			fmt.Sprintf("external rollup fairness signal %+.1f (damped)", d),
		})
	}
	if d, ok := bus.GetFloat(ev.Payload, "payoutDelta"); ok && d != 0 {
		deltas = append(deltas, catDelta{
			CategoryPayoutSpeed, d * s.cfg.RollupDamping,
			fmt.Sprintf("external rollup payout signal %+.1f (damped)", d),
		})
	}
	if len(deltas) == 0 {
		return fmt.Errorf("rollup event: no usable deltas")
	}
	s.mutate(venueID, string(anomaly.SeverityInfo), ev.Source, deltas)
	return nil
}

// -------------------------------------------------------------------------
// Mutation core
// -------------------------------------------------------------------------

type catDelta struct {
	cat   Category
	delta float64
	note  string
}

// mutate applies deltas to a venue's profile under its per-key lock,
// persists the result, and publishes one update event per category that
// actually moved.
func (s *Scorer) mutate(venueID, severity, source string, deltas []catDelta) {
	type update struct {
		prev, next, delta float64
		note              string
	}
	var updates []update

	unlock := s.locks.Lock(venueID)
	p := s.loadOrCreate(venueID)
	now := s.clock()

	for _, d := range deltas {
		prev := p.Composite()
		applied := p.apply(d.cat, d.delta, d.note, source, now)
		if applied == 0 {
			continue
		}
		updates = append(updates, update{prev: prev, next: p.Composite(), delta: applied, note: d.note})
	}

	if len(updates) > 0 {
		if err := s.store.Save(context.Background(), p); err != nil {
			// Scoring continues from memory; the next mutation retries the write.
			s.logger.Warn("failed to persist venue profile", "venue", venueID, "error", err)
		}
	}
	// Publish outside the venue lock so update subscribers may query freely.
	unlock()

	for _, u := range updates {
		metrics.ScoreUpdatesTotal.WithLabelValues("casino").Inc()
		if err := s.bus.Publish(EventCasinoUpdated, sourceID, map[string]any{
			"venueId":       venueID,
			"previousScore": u.prev,
			"newScore":      u.next,
			"delta":         u.delta,
			"severity":      severity,
			"reason":        u.note,
			"source":        source,
		}, ""); err != nil {
			s.logger.Error("failed to publish venue update", "error", err)
		}
	}
}

// loadOrCreate returns the cached profile, falling back to the store and
// then to a fresh neutral baseline. Corrupt persisted state degrades to a
// fresh profile for that venue only. Caller holds the venue lock.
func (s *Scorer) loadOrCreate(venueID string) *Profile {
	s.mu.RLock()
	p := s.profiles[venueID]
	s.mu.RUnlock()
	if p != nil {
		return p
	}

	p, err := s.store.Load(context.Background(), venueID)
	if err != nil {
		if err != ErrNotFound {
			s.logger.Warn("corrupt venue profile, starting from neutral baseline",
				"venue", venueID, "error", err)
		}
		p = NewProfile(venueID)
	}

	s.mu.Lock()
	s.profiles[venueID] = p
	s.mu.Unlock()
	return p
}

// markSeen records an anomaly signal key and reports whether it was new.
func (s *Scorer) markSeen(key string) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	now := s.clock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	if len(s.seen) > 4096 {
		cutoff := now.Add(-dedupRetention)
		for k, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, k)
			}
		}
	}
	s.seen[key] = now
	return true
}

// -------------------------------------------------------------------------
// Query surface (read-only, no recomputation side effects)
// -------------------------------------------------------------------------

// read runs fn against the venue's current profile (nil if the venue has
// never been touched) under the venue lock, so queries never observe a
// half-applied mutation and never create cache state.
func (s *Scorer) read(venueID string, fn func(p *Profile)) {
	unlock := s.locks.Lock(venueID)
	defer unlock()

	s.mu.RLock()
	p := s.profiles[venueID]
	s.mu.RUnlock()
	if p == nil {
		if loaded, err := s.store.Load(context.Background(), venueID); err == nil {
			p = loaded
		}
	}
	fn(p)
}

// GetScore returns the venue's composite score. A venue with no recorded
// events sits at the neutral baseline.
func (s *Scorer) GetScore(venueID string) float64 {
	score := neutralScore
	s.read(venueID, func(p *Profile) {
		if p != nil {
			score = p.Composite()
		}
	})
	return score
}

// GetBreakdown returns the per-category scores.
func (s *Scorer) GetBreakdown(venueID string) map[Category]float64 {
	var out map[Category]float64
	s.read(venueID, func(p *Profile) {
		if p == nil {
			p = NewProfile(venueID)
		}
		out = p.Breakdown()
	})
	return out
}

// Explain returns the 2 highest-magnitude contributing reasons per category.
func (s *Scorer) Explain(venueID string) map[Category][]Reason {
	out := map[Category][]Reason{}
	s.read(venueID, func(p *Profile) {
		if p != nil {
			out = p.TopReasons(2)
		}
	})
	return out
}
