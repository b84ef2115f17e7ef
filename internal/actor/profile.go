// Package actor implements per-actor behavior scoring: a decaying composite
// of tilt indicators, scam flags, and accountability bonuses. Decay is a
// pure function of elapsed time computed on read; there is no background
// timer to drift or to mock.
package actor

import (
	"math"
	"time"
)

// Level is the five-band classification of a composite score.
type Level string

const (
	LevelVeryHigh Level = "very-high" // [95,100]
	LevelHigh     Level = "high"      // [80,94]
	LevelNeutral  Level = "neutral"   // [60,79]
	LevelLow      Level = "low"       // [40,59]
	LevelHighRisk Level = "high-risk" // [0,40)
)

// IndicatorKind tags why a decaying indicator was applied.
type IndicatorKind string

const (
	KindTilt          IndicatorKind = "tilt"
	KindCooldown      IndicatorKind = "cooldown_violation"
	KindInvalidReport IndicatorKind = "invalid_report"
)

// Scoring constants.
const (
	baseScore = 70.0

	indicatorWeight     = 5.0  // per tilt/cooldown indicator
	invalidReportWeight = 3.0  // reporter penalty for an invalidated report
	indicatorCap        = 25.0 // max aggregate indicator penalty

	scamFlagWeight = 20.0
	scamFlagCap    = 40.0

	bonusCap = 15.0
)

// Indicator is one decaying penalty. Weight is stored as a positive
// magnitude; the effective contribution at time t is
// -max(0, Weight - decayRate*hoursSince(AppliedAt)).
type Indicator struct {
	Kind      IndicatorKind `json:"kind"`
	Weight    float64       `json:"weight"`
	Note      string        `json:"note,omitempty"`
	AppliedAt time.Time     `json:"appliedAt"`
}

// Effective returns the remaining positive magnitude at time t.
func (i Indicator) Effective(at time.Time, decayPerHour float64) float64 {
	hours := at.Sub(i.AppliedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Max(0, i.Weight-decayPerHour*hours)
}

// ScamFlag is a non-decaying penalty requiring explicit moderation reversal.
type ScamFlag struct {
	Reason string    `json:"reason,omitempty"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// BonusEntry is one accountability credit.
type BonusEntry struct {
	Amount float64   `json:"amount"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Profile holds an actor's behavioral state. Created lazily, never
// destroyed; recoverable over time by design since everything except scam
// flags decays.
type Profile struct {
	ActorID    string       `json:"actorId"`
	Base       float64      `json:"base"`
	Indicators []Indicator  `json:"indicators"`
	ScamFlags  []ScamFlag   `json:"scamFlags"`
	Bonuses    []BonusEntry `json:"bonuses"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// NewProfile creates a profile at the neutral starting score.
func NewProfile(actorID string) *Profile {
	now := time.Now()
	return &Profile{
		ActorID:   actorID,
		Base:      baseScore,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IndicatorPenalty returns the aggregate decayed indicator penalty at t,
// as a non-negative magnitude capped at indicatorCap. Summing effective
// weights first makes the result independent of application order.
func (p *Profile) IndicatorPenalty(at time.Time, decayPerHour float64) float64 {
	var sum float64
	for _, i := range p.Indicators {
		sum += i.Effective(at, decayPerHour)
	}
	return math.Min(indicatorCap, sum)
}

// FlagPenalty returns the aggregate scam-flag penalty magnitude.
func (p *Profile) FlagPenalty() float64 {
	return math.Min(scamFlagCap, scamFlagWeight*float64(len(p.ScamFlags)))
}

// BonusTotal returns the capped accountability bonus.
func (p *Profile) BonusTotal() float64 {
	var sum float64
	for _, b := range p.Bonuses {
		sum += b.Amount
	}
	return math.Min(bonusCap, sum)
}

// Composite returns clamp(base - indicators - flags + bonus, 0, 100) at t.
func (p *Profile) Composite(at time.Time, decayPerHour float64) float64 {
	score := p.Base - p.IndicatorPenalty(at, decayPerHour) - p.FlagPenalty() + p.BonusTotal()
	return math.Max(0, math.Min(100, score))
}

// LevelFor maps a composite score to its classification band.
func LevelFor(score float64) Level {
	switch {
	case score >= 95:
		return LevelVeryHigh
	case score >= 80:
		return LevelHigh
	case score >= 60:
		return LevelNeutral
	case score >= 40:
		return LevelLow
	default:
		return LevelHighRisk
	}
}

// ActiveIndicator is a not-yet-fully-decayed indicator for Explain output.
type ActiveIndicator struct {
	Kind      IndicatorKind `json:"kind"`
	Remaining float64       `json:"remaining"` // positive magnitude still in effect
	Note      string        `json:"note,omitempty"`
	AppliedAt time.Time     `json:"appliedAt"`
}

// ActiveIndicators returns indicators with remaining magnitude at t.
func (p *Profile) ActiveIndicators(at time.Time, decayPerHour float64) []ActiveIndicator {
	var out []ActiveIndicator
	for _, i := range p.Indicators {
		if eff := i.Effective(at, decayPerHour); eff > 0 {
			out = append(out, ActiveIndicator{
				Kind:      i.Kind,
				Remaining: eff,
				Note:      i.Note,
				AppliedAt: i.AppliedAt,
			})
		}
	}
	return out
}

// pruneDecayed drops indicators that can no longer contribute, keeping the
// profile bounded for actors with long histories.
func (p *Profile) pruneDecayed(at time.Time, decayPerHour float64) {
	kept := p.Indicators[:0]
	for _, i := range p.Indicators {
		if i.Effective(at, decayPerHour) > 0 {
			kept = append(kept, i)
		}
	}
	p.Indicators = kept
}
