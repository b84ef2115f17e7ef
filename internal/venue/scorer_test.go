package venue

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/mbd888/trustpipe/internal/anomaly"
	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
)

func newTestScorer(t *testing.T) (*Scorer, *bus.Bus, *MemoryStore) {
	t.Helper()
	b := bus.New(256)
	store := NewMemoryStore()
	s := NewScorer(b, store, config.DefaultScoring())
	s.Register()
	return s, b, store
}

func pumpPayload(venueID string, severity anomaly.Severity, confidence float64, ts int64) map[string]any {
	return map[string]any{
		"venueId":     venueID,
		"anomalyType": string(anomaly.TypePump),
		"severity":    string(severity),
		"confidence":  confidence,
		"reason":      "observed RTP above baseline",
		"timestamp":   float64(ts),
	}
}

func TestCriticalPumpReducesFairness(t *testing.T) {
	s, b, _ := newTestScorer(t)

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 1000), "")

	breakdown := s.GetBreakdown("v1")
	if got := breakdown[CategoryFairness]; got != 38 {
		t.Errorf("fairness = %v, want 38 (50 - 12*1.0)", got)
	}

	// Composite always equals the fixed-weight sum of current categories.
	var want float64
	for _, c := range Categories {
		want += Weights[c] * breakdown[c]
	}
	want /= 100
	if got := s.GetScore("v1"); math.Abs(got-want) > 1e-9 {
		t.Errorf("composite = %v, want recomputed %v", got, want)
	}
}

func TestSeverityScaling(t *testing.T) {
	tests := []struct {
		severity     anomaly.Severity
		confidence   float64
		wantFairness float64
	}{
		{anomaly.SeverityInfo, 1.0, 48},
		{anomaly.SeverityWarning, 1.0, 44},
		{anomaly.SeverityWarning, 0.5, 47},
		{anomaly.SeverityCritical, 0.5, 44},
	}

	for _, tc := range tests {
		s, b, _ := newTestScorer(t)
		b.Publish(anomaly.EventPumpDetected, "detector",
			pumpPayload("v1", tc.severity, tc.confidence, 1000), "")

		if got := s.GetBreakdown("v1")[CategoryFairness]; got != tc.wantFairness {
			t.Errorf("%s conf=%v: fairness = %v, want %v",
				tc.severity, tc.confidence, got, tc.wantFairness)
		}
	}
}

func TestDuplicateSignalNotDoublePenalized(t *testing.T) {
	s, b, _ := newTestScorer(t)

	payload := pumpPayload("v1", anomaly.SeverityCritical, 1.0, 5000)
	b.Publish(anomaly.EventPumpDetected, "detector", payload, "")
	b.Publish(anomaly.EventPumpDetected, "detector", payload, "")

	if got := s.GetBreakdown("v1")[CategoryFairness]; got != 38 {
		t.Errorf("fairness = %v after replay, want 38 (single penalty)", got)
	}

	// Same venue and type at a different timestamp is a distinct signal.
	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 6000), "")
	if got := s.GetBreakdown("v1")[CategoryFairness]; got != 26 {
		t.Errorf("fairness = %v after distinct signal, want 26", got)
	}
}

func TestCategoryClampedAtZero(t *testing.T) {
	s, b, _ := newTestScorer(t)

	for i := 0; i < 10; i++ {
		b.Publish(anomaly.EventPumpDetected, "detector",
			pumpPayload("v1", anomaly.SeverityCritical, 1.0, int64(1000+i)), "")
	}

	breakdown := s.GetBreakdown("v1")
	if breakdown[CategoryFairness] != 0 {
		t.Errorf("fairness = %v, want clamped to 0", breakdown[CategoryFairness])
	}
	if score := s.GetScore("v1"); score < 0 || score > 100 {
		t.Errorf("composite %v escaped [0,100]", score)
	}
}

func TestAnomalyAlsoNicksCompliance(t *testing.T) {
	s, b, _ := newTestScorer(t)

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 1000), "")

	if got := s.GetBreakdown("v1")[CategoryCompliance]; got != 47 {
		t.Errorf("compliance = %v, want 47 (50 - 12*0.25)", got)
	}
}

func TestBonusNerf(t *testing.T) {
	s, b, _ := newTestScorer(t)

	b.Publish(EventBonusNerf, "bonus-watcher", map[string]any{
		"venueId":     "v1",
		"percentDrop": 20.0,
	}, "")
	if got := s.GetBreakdown("v1")[CategoryBonusTerms]; got != 44 {
		t.Errorf("bonusTerms = %v, want 44 (50 - 20*0.3)", got)
	}

	// A massive drop is capped at -15 per event.
	b.Publish(EventBonusNerf, "bonus-watcher", map[string]any{
		"venueId":     "v2",
		"percentDrop": 90.0,
	}, "")
	if got := s.GetBreakdown("v2")[CategoryBonusTerms]; got != 35 {
		t.Errorf("bonusTerms = %v, want 35 (capped -15)", got)
	}
}

func TestRollupDamping(t *testing.T) {
	s, b, _ := newTestScorer(t)

	b.Publish(EventCasinoRollup, "aggregator", map[string]any{
		"venueId":       "v1",
		"fairnessDelta": 10.0,
		"payoutDelta":   -10.0,
	}, "")

	breakdown := s.GetBreakdown("v1")
	if got := breakdown[CategoryFairness]; got != 52 {
		t.Errorf("fairness = %v, want 52 (20%% of +10)", got)
	}
	if got := breakdown[CategoryPayoutSpeed]; got != 48 {
		t.Errorf("payoutSpeed = %v, want 48 (20%% of -10)", got)
	}

	// Domain-level rollups blend through the same damped path.
	b.Publish(EventDomainRollup, "aggregator", map[string]any{
		"venueId":       "v1",
		"fairnessDelta": 10.0,
	}, "")
	if got := s.GetBreakdown("v1")[CategoryFairness]; got != 54 {
		t.Errorf("fairness after domain rollup = %v, want 54", got)
	}
}

func TestMalformedEventsFailClosed(t *testing.T) {
	s, b, _ := newTestScorer(t)

	malformed := []map[string]any{
		{"severity": "critical", "confidence": 1.0, "anomalyType": "pump", "timestamp": 1.0}, // no venue
		{"venueId": "v1", "confidence": 1.0, "anomalyType": "pump", "timestamp": 1.0},        // no severity
		{"venueId": "v1", "severity": "critical", "anomalyType": "pump", "timestamp": 1.0},   // no confidence
		{"venueId": "v1", "severity": "apocalyptic", "confidence": 1.0, "anomalyType": "pump", "timestamp": 1.0},
		{"venueId": "v1", "severity": "critical", "confidence": 7.0, "anomalyType": "pump", "timestamp": 1.0},
	}
	for _, p := range malformed {
		b.Publish(anomaly.EventPumpDetected, "detector", p, "")
	}

	if got := s.GetScore("v1"); got != 50 {
		t.Errorf("malformed events moved the score to %v, want untouched 50", got)
	}
}

func TestUpdateEventsPublished(t *testing.T) {
	_, b, _ := newTestScorer(t)

	var mu sync.Mutex
	var updates []bus.Event
	b.Subscribe(EventCasinoUpdated, "sink", func(ev bus.Event) error {
		mu.Lock()
		updates = append(updates, ev)
		mu.Unlock()
		return nil
	})

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 1000), "")

	mu.Lock()
	defer mu.Unlock()
	// One update per category mutation: fairness and compliance.
	if len(updates) != 2 {
		t.Fatalf("published %d update events, want 2", len(updates))
	}
	first := updates[0].Payload
	if v, _ := bus.GetString(first, "venueId"); v != "v1" {
		t.Errorf("venueId = %s", v)
	}
	prev, _ := bus.GetFloat(first, "previousScore")
	next, _ := bus.GetFloat(first, "newScore")
	delta, _ := bus.GetFloat(first, "delta")
	if prev != 50 || next >= prev || delta != -12 {
		t.Errorf("update payload prev=%v next=%v delta=%v", prev, next, delta)
	}
}

func TestUnknownVenueStaysNeutral(t *testing.T) {
	s, _, _ := newTestScorer(t)

	if got := s.GetScore("never-seen"); got != 50 {
		t.Errorf("score = %v, want neutral 50", got)
	}
	for c, v := range s.GetBreakdown("never-seen") {
		if v != 50 {
			t.Errorf("category %s = %v, want 50", c, v)
		}
	}
}

func TestExplainTopTwoPerCategory(t *testing.T) {
	s, b, _ := newTestScorer(t)

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityInfo, 1.0, 1000), "")
	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 2000), "")
	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityWarning, 1.0, 3000), "")

	reasons := s.Explain("v1")
	fairness := reasons[CategoryFairness]
	if len(fairness) != 2 {
		t.Fatalf("fairness reasons = %d, want top 2", len(fairness))
	}
	// Ordered by magnitude: -12 before -6; -2 dropped.
	if fairness[0].Delta != -12 || fairness[1].Delta != -6 {
		t.Errorf("reasons ordered %v, %v; want -12, -6", fairness[0].Delta, fairness[1].Delta)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	_, b, store := newTestScorer(t)

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 0.8, 1000), "")

	loaded, err := store.Load(context.Background(), "v1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Reload must preserve category-level and reason-level state exactly.
	again, err := store.Load(context.Background(), "v1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, _ := json.Marshal(loaded)
	c, _ := json.Marshal(again)
	if string(a) != string(c) {
		t.Error("persisted profile does not round-trip byte-for-byte")
	}
	if loaded.Categories[CategoryFairness] != 50-12*0.8 {
		t.Errorf("persisted fairness = %v", loaded.Categories[CategoryFairness])
	}
	if len(loaded.Reasons) == 0 {
		t.Error("persisted profile lost its reasons")
	}
}

func TestCorruptProfileFallsBackToNeutral(t *testing.T) {
	s, b, store := newTestScorer(t)

	store.Corrupt("v1")

	// The first event for the corrupted venue starts from a fresh baseline.
	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 1000), "")

	if got := s.GetBreakdown("v1")[CategoryFairness]; got != 38 {
		t.Errorf("fairness = %v, want 38 from neutral baseline", got)
	}
}

func TestSaveFailureDoesNotBlockScoring(t *testing.T) {
	b := bus.New(64)
	s := NewScorer(b, failingStore{}, config.DefaultScoring())
	s.Register()

	b.Publish(anomaly.EventPumpDetected, "detector",
		pumpPayload("v1", anomaly.SeverityCritical, 1.0, 1000), "")

	// In-memory state is authoritative when persistence is down.
	if got := s.GetBreakdown("v1")[CategoryFairness]; got != 38 {
		t.Errorf("fairness = %v, want 38 despite save failure", got)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (*Profile, error) { return nil, ErrNotFound }
func (failingStore) Save(context.Context, *Profile) error {
	return context.DeadlineExceeded
}
func (failingStore) List(context.Context) ([]*Profile, error) { return nil, nil }

func TestConcurrentEventsForDifferentVenues(t *testing.T) {
	s, b, _ := newTestScorer(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			venue := []string{"v1", "v2", "v3", "v4"}[n%4]
			for j := 0; j < 20; j++ {
				b.Publish(anomaly.EventPumpDetected, "detector",
					pumpPayload(venue, anomaly.SeverityInfo, 1.0, int64(n*1000+j)), "")
			}
		}(i)
	}
	wg.Wait()

	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		if score := s.GetScore(v); score < 0 || score > 100 {
			t.Errorf("%s composite %v escaped [0,100]", v, score)
		}
	}
}

func TestWeightsSumTo100(t *testing.T) {
	var sum float64
	for _, w := range Weights {
		sum += w
	}
	if sum != 100 {
		t.Errorf("category weights sum to %v, want 100", sum)
	}
}
