package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
	"github.com/mbd888/trustpipe/internal/metrics"
	"github.com/mbd888/trustpipe/internal/syncutil"
)

// Events consumed and published by the actor scorer.
const (
	EventDegenUpdated     = "trust.degen.updated"
	EventTipCompleted     = "tip.completed"
	EventAccountability   = "accountability.success"
	EventTiltDetected     = "tilt.detected"
	EventCooldownViolated = "cooldown.violated"
	EventScamReported     = "scam.reported"
	EventReportInvalid    = "scam.report.invalidated"
	EventScamReversed     = "scam.flag.reversed"
)

const sourceID = "actor-scorer"

// Per-event credit amounts feeding the accountability bonus pool.
const (
	tipCredit            = 1.0
	accountabilityCredit = 3.0
)

// Scorer subscribes to behavioral events and maintains one trust profile
// per actor. Mutations for an actor are serialized through a per-key lock;
// actors proceed in parallel. Composite scores are evaluated at the clock's
// current time on every read, so decay needs no background recomputation.
type Scorer struct {
	bus    *bus.Bus
	store  Store
	cfg    config.ScoringConfig
	logger *slog.Logger
	clock  func() time.Time

	locks syncutil.ShardedMutex

	mu       sync.RWMutex
	profiles map[string]*Profile
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

// NewScorer creates an actor trust scorer persisting through store.
func NewScorer(b *bus.Bus, store Store, cfg config.ScoringConfig, opts ...Option) *Scorer {
	s := &Scorer{
		bus:      b,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    time.Now,
		profiles: make(map[string]*Profile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register subscribes the scorer's handlers on the bus.
func (s *Scorer) Register() {
	s.bus.Subscribe(EventTipCompleted, sourceID, s.handleTip)
	s.bus.Subscribe(EventAccountability, sourceID, s.handleAccountability)
	s.bus.Subscribe(EventTiltDetected, sourceID, s.handleTilt)
	s.bus.Subscribe(EventCooldownViolated, sourceID, s.handleCooldown)
	s.bus.Subscribe(EventScamReported, sourceID, s.handleScamReport)
	s.bus.Subscribe(EventReportInvalid, sourceID, s.handleReportInvalidated)
	s.bus.Subscribe(EventScamReversed, sourceID, s.handleScamReversed)
}

// -------------------------------------------------------------------------
// Event handlers
// -------------------------------------------------------------------------

// actorFrom resolves the subject actor, preferring an explicit payload field
// over the event envelope.
func actorFrom(ev bus.Event) (string, error) {
	if id, ok := bus.GetString(ev.Payload, "actorId"); ok {
		return id, nil
	}
	if ev.ActorID != "" {
		return ev.ActorID, nil
	}
	return "", fmt.Errorf("%s event: missing actorId", ev.Type)
}

func (s *Scorer) handleTip(ev bus.Event) error {
	actorID, err := actorFrom(ev)
	if err != nil {
		return err
	}
	note, _ := bus.GetString(ev.Payload, "note")
	if note == "" {
		note = "tip completed"
	}
	s.mutate(actorID, note, ev.Source, func(p *Profile, now time.Time) {
		p.Bonuses = append(p.Bonuses, BonusEntry{Amount: tipCredit, Note: note, At: now})
	})
	return nil
}

func (s *Scorer) handleAccountability(ev bus.Event) error {
	actorID, err := actorFrom(ev)
	if err != nil {
		return err
	}
	note, _ := bus.GetString(ev.Payload, "note")
	if note == "" {
		note = "accountability check passed"
	}
	s.mutate(actorID, note, ev.Source, func(p *Profile, now time.Time) {
		p.Bonuses = append(p.Bonuses, BonusEntry{Amount: accountabilityCredit, Note: note, At: now})
	})
	return nil
}

func (s *Scorer) handleTilt(ev bus.Event) error {
	return s.applyIndicator(ev, KindTilt, indicatorWeight, "tilt behavior detected")
}

func (s *Scorer) handleCooldown(ev bus.Event) error {
	return s.applyIndicator(ev, KindCooldown, indicatorWeight, "cooldown violated")
}

// handleReportInvalidated penalizes the reporter whose scam report did not
// hold up. The event's actor is the reporter, not the accused.
func (s *Scorer) handleReportInvalidated(ev bus.Event) error {
	return s.applyIndicator(ev, KindInvalidReport, invalidReportWeight, "scam report invalidated")
}

func (s *Scorer) applyIndicator(ev bus.Event, kind IndicatorKind, weight float64, defaultNote string) error {
	actorID, err := actorFrom(ev)
	if err != nil {
		return err
	}
	note, _ := bus.GetString(ev.Payload, "note")
	if note == "" {
		note = defaultNote
	}
	s.mutate(actorID, note, ev.Source, func(p *Profile, now time.Time) {
		p.Indicators = append(p.Indicators, Indicator{
			Kind: kind, Weight: weight, Note: note, AppliedAt: now,
		})
	})
	return nil
}

func (s *Scorer) handleScamReport(ev bus.Event) error {
	actorID, err := actorFrom(ev)
	if err != nil {
		return err
	}
	reason, _ := bus.GetString(ev.Payload, "reason")
	if reason == "" {
		reason = "scam reported"
	}
	s.mutate(actorID, reason, ev.Source, func(p *Profile, now time.Time) {
		p.ScamFlags = append(p.ScamFlags, ScamFlag{Reason: reason, Source: ev.Source, At: now})
	})
	return nil
}

// handleScamReversed removes the most recent scam flag. Flags never decay,
// so moderation reversal is the only path back.
func (s *Scorer) handleScamReversed(ev bus.Event) error {
	actorID, err := actorFrom(ev)
	if err != nil {
		return err
	}
	s.mutate(actorID, "scam flag reversed by moderation", ev.Source, func(p *Profile, now time.Time) {
		if n := len(p.ScamFlags); n > 0 {
			p.ScamFlags = p.ScamFlags[:n-1]
		}
	})
	return nil
}

// -------------------------------------------------------------------------
// Mutation core
// -------------------------------------------------------------------------

// mutate applies fn to the actor's profile under its per-key lock, persists
// the result, and publishes an update event when the composite moved.
// Previous and new scores are both evaluated at the same instant so the
// reported delta reflects the event, not elapsed decay.
func (s *Scorer) mutate(actorID, reason, source string, fn func(p *Profile, now time.Time)) {
	unlock := s.locks.Lock(actorID)
	p := s.loadOrCreate(actorID)
	now := s.clock()

	prev := p.Composite(now, s.cfg.TiltDecayPerHour)
	fn(p, now)
	p.pruneDecayed(now, s.cfg.TiltDecayPerHour)
	next := p.Composite(now, s.cfg.TiltDecayPerHour)
	p.UpdatedAt = now

	if err := s.store.Save(context.Background(), p); err != nil {
		// Scoring continues from memory; the next mutation retries the write.
		s.logger.Warn("failed to persist actor profile", "actor", actorID, "error", err)
	}
	// Publish outside the actor lock so update subscribers may query freely.
	unlock()

	if next == prev {
		return
	}
	metrics.ScoreUpdatesTotal.WithLabelValues("degen").Inc()
	if err := s.bus.Publish(EventDegenUpdated, sourceID, map[string]any{
		"actorId":       actorID,
		"previousScore": prev,
		"newScore":      next,
		"delta":         next - prev,
		"level":         string(LevelFor(next)),
		"reason":        reason,
		"source":        source,
	}, actorID); err != nil {
		s.logger.Error("failed to publish actor update", "error", err)
	}
}

// loadOrCreate returns the cached profile, falling back to the store and
// then to a fresh baseline. Corrupt persisted state degrades to a fresh
// profile for that actor only. Caller holds the actor lock.
func (s *Scorer) loadOrCreate(actorID string) *Profile {
	s.mu.RLock()
	p := s.profiles[actorID]
	s.mu.RUnlock()
	if p != nil {
		return p
	}

	p, err := s.store.Load(context.Background(), actorID)
	if err != nil {
		if err != ErrNotFound {
			s.logger.Warn("corrupt actor profile, starting from baseline",
				"actor", actorID, "error", err)
		}
		p = NewProfile(actorID)
	}

	s.mu.Lock()
	s.profiles[actorID] = p
	s.mu.Unlock()
	return p
}

// -------------------------------------------------------------------------
// Query surface
// -------------------------------------------------------------------------

// read runs fn against the actor's current profile (nil if the actor has
// never been touched) under the actor lock.
func (s *Scorer) read(actorID string, fn func(p *Profile)) {
	unlock := s.locks.Lock(actorID)
	defer unlock()

	s.mu.RLock()
	p := s.profiles[actorID]
	s.mu.RUnlock()
	if p == nil {
		if loaded, err := s.store.Load(context.Background(), actorID); err == nil {
			p = loaded
		}
	}
	fn(p)
}

// GetScore returns the actor's composite score at the current time. An
// actor with no recorded events sits at the starting baseline.
func (s *Scorer) GetScore(actorID string) float64 {
	score := baseScore
	s.read(actorID, func(p *Profile) {
		if p != nil {
			score = p.Composite(s.clock(), s.cfg.TiltDecayPerHour)
		}
	})
	return score
}

// GetLevel returns the actor's classification band.
func (s *Scorer) GetLevel(actorID string) Level {
	return LevelFor(s.GetScore(actorID))
}

// Explanation is the breakdown returned by Explain.
type Explanation struct {
	ActorID    string            `json:"actorId"`
	Score      float64           `json:"score"`
	Level      Level             `json:"level"`
	Indicators []ActiveIndicator `json:"indicators"`
	ScamFlags  []ScamFlag        `json:"scamFlags"`
	Bonus      float64           `json:"bonus"`
}

// Explain returns the actor's score with its still-active contributing
// factors. Fully decayed indicators are omitted.
func (s *Scorer) Explain(actorID string) Explanation {
	now := s.clock()
	out := Explanation{
		ActorID: actorID,
		Score:   baseScore,
		Level:   LevelFor(baseScore),
	}
	s.read(actorID, func(p *Profile) {
		if p == nil {
			return
		}
		out.Score = p.Composite(now, s.cfg.TiltDecayPerHour)
		out.Level = LevelFor(out.Score)
		out.Indicators = p.ActiveIndicators(now, s.cfg.TiltDecayPerHour)
		out.ScamFlags = append([]ScamFlag(nil), p.ScamFlags...)
		out.Bonus = p.BonusTotal()
	})
	return out
}
