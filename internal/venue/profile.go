// Package venue implements casino trust scoring: a 7-category weighted
// composite per venue, mutated only by registered event handlers and
// explainable down to the individual contributing reasons.
package venue

import (
	"math"
	"sort"
	"time"
)

// Category is one scored dimension of a venue.
type Category string

const (
	CategoryFairness      Category = "fairness"
	CategoryPayoutSpeed   Category = "payoutSpeed"
	CategoryBonusTerms    Category = "bonusTerms"
	CategoryUserReports   Category = "userReports"
	CategoryFreespinValue Category = "freespinValue"
	CategoryCompliance    Category = "compliance"
	CategorySupport       Category = "support"
)

// Categories lists all scored dimensions in display order.
var Categories = []Category{
	CategoryFairness,
	CategoryPayoutSpeed,
	CategoryBonusTerms,
	CategoryUserReports,
	CategoryFreespinValue,
	CategoryCompliance,
	CategorySupport,
}

// Weights are the fixed category weights. They sum to 100; the composite is
// the weighted average of current category scores and is always recomputed,
// never stored.
var Weights = map[Category]float64{
	CategoryFairness:      30,
	CategoryPayoutSpeed:   20,
	CategoryBonusTerms:    15,
	CategoryUserReports:   15,
	CategoryFreespinValue: 10,
	CategoryCompliance:    5,
	CategorySupport:       5,
}

// neutralScore is where every category starts on first touch.
const neutralScore = 50.0

// maxReasonsPerCategory bounds the per-category reason log.
const maxReasonsPerCategory = 50

// Reason records one applied score mutation for explainability.
type Reason struct {
	Category Category  `json:"category"`
	Delta    float64   `json:"delta"` // the clamped delta actually applied
	Note     string    `json:"note"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Profile holds a venue's category scores and their history of reasons.
// Created lazily on the first relevant event, never destroyed.
type Profile struct {
	VenueID    string               `json:"venueId"`
	Categories map[Category]float64 `json:"categories"`
	Reasons    []Reason             `json:"reasons"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// NewProfile creates a neutral-baseline profile.
func NewProfile(venueID string) *Profile {
	cats := make(map[Category]float64, len(Categories))
	for _, c := range Categories {
		cats[c] = neutralScore
	}
	now := time.Now()
	return &Profile{
		VenueID:    venueID,
		Categories: cats,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Composite returns the fixed-weight sum of current category scores,
// always in [0,100].
func (p *Profile) Composite() float64 {
	var sum, weight float64
	for _, c := range Categories {
		sum += Weights[c] * p.Categories[c]
		weight += Weights[c]
	}
	return sum / weight
}

// apply mutates one category, clamping the result to [0,100], and records
// the delta that actually landed. Returns that applied delta.
func (p *Profile) apply(cat Category, delta float64, note, source string, at time.Time) float64 {
	current, ok := p.Categories[cat]
	if !ok {
		current = neutralScore
	}
	next := math.Max(0, math.Min(100, current+delta))
	applied := next - current
	if applied == 0 {
		return 0
	}

	p.Categories[cat] = next
	p.UpdatedAt = at
	p.Reasons = append(p.Reasons, Reason{
		Category: cat,
		Delta:    applied,
		Note:     note,
		Source:   source,
		At:       at,
	})
	p.trimReasons(cat)
	return applied
}

// trimReasons drops the oldest entries for a category past the bound.
func (p *Profile) trimReasons(cat Category) {
	count := 0
	for _, r := range p.Reasons {
		if r.Category == cat {
			count++
		}
	}
	if count <= maxReasonsPerCategory {
		return
	}
	trimmed := p.Reasons[:0]
	excess := count - maxReasonsPerCategory
	for _, r := range p.Reasons {
		if r.Category == cat && excess > 0 {
			excess--
			continue
		}
		trimmed = append(trimmed, r)
	}
	p.Reasons = trimmed
}

// Breakdown returns a copy of the per-category scores.
func (p *Profile) Breakdown() map[Category]float64 {
	out := make(map[Category]float64, len(p.Categories))
	for c, v := range p.Categories {
		out[c] = v
	}
	return out
}

// TopReasons returns up to n highest-magnitude reasons per category.
func (p *Profile) TopReasons(n int) map[Category][]Reason {
	byCat := make(map[Category][]Reason)
	for _, r := range p.Reasons {
		byCat[r.Category] = append(byCat[r.Category], r)
	}
	for c, rs := range byCat {
		sort.SliceStable(rs, func(i, j int) bool {
			return math.Abs(rs[i].Delta) > math.Abs(rs[j].Delta)
		})
		if len(rs) > n {
			rs = rs[:n]
		}
		byCat[c] = rs
	}
	return byCat
}
