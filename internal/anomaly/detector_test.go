package anomaly

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
)

// eventSink collects fairness.* events published during a test.
type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) handler(ev bus.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) byType(eventType string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// testConfig evaluates on every sample so tests control exactly when
// detection runs.
func testConfig() config.DetectionConfig {
	cfg := config.DefaultDetection()
	cfg.DetectionInterval = 1
	cfg.MinSpinsRequired = 20
	return cfg
}

func newTestDetector(cfg config.DetectionConfig) (*Detector, *eventSink) {
	b := bus.New(256)
	sink := &eventSink{}
	b.Subscribe(bus.Wildcard, "sink", sink.handler)
	return New(b, cfg), sink
}

func spin(session, venue string, wager, payout float64) OutcomeSample {
	return OutcomeSample{
		SessionID: session,
		ActorID:   "actor-1",
		VenueID:   venue,
		GameID:    "game-1",
		Wager:     wager,
		Payout:    payout,
		Timestamp: time.Now(),
	}
}

func TestInsufficientSamplesNeverAlert(t *testing.T) {
	d, sink := newTestDetector(testConfig())

	// 19 spins of absurd 5x RTP: one below the minimum, no emission allowed.
	for i := 0; i < 19; i++ {
		if err := d.Ingest(spin("s1", "v1", 1, 5)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if got := sink.count(); got != 0 {
		t.Errorf("emitted %d signals below minSpinsRequired, want 0", got)
	}
}

func TestPumpDetectedCritical(t *testing.T) {
	d, sink := newTestDetector(testConfig())

	// RTP 1.20 vs baseline 0.96: deviation 0.24 >= 1.5 * 0.10.
	for i := 0; i < 30; i++ {
		d.Ingest(spin("s1", "v1", 1, 1.2))
	}

	pumps := sink.byType(EventPumpDetected)
	if len(pumps) == 0 {
		t.Fatal("expected pump signal")
	}
	ev := pumps[0]
	if sev, _ := bus.GetString(ev.Payload, "severity"); sev != string(SeverityCritical) {
		t.Errorf("severity = %s, want critical", sev)
	}
	if conf, _ := bus.GetFloat(ev.Payload, "confidence"); conf != 1 {
		t.Errorf("confidence = %v, want 1 (capped)", conf)
	}
	if v, _ := bus.GetString(ev.Payload, "venueId"); v != "v1" {
		t.Errorf("venueId = %s", v)
	}
	if _, ok := bus.GetInt64(ev.Payload, "timestamp"); !ok {
		t.Error("payload missing timestamp for scorer dedup")
	}
}

func TestPumpDetectedWarningBand(t *testing.T) {
	d, sink := newTestDetector(testConfig())

	// Deviation 0.12: above threshold, below the 1.5x critical line.
	for i := 0; i < 30; i++ {
		d.Ingest(spin("s1", "v1", 1, 1.08))
	}

	pumps := sink.byType(EventPumpDetected)
	if len(pumps) == 0 {
		t.Fatal("expected pump signal")
	}
	if sev, _ := bus.GetString(pumps[0].Payload, "severity"); sev != string(SeverityWarning) {
		t.Errorf("severity = %s, want warning", sev)
	}
}

func TestHonestSessionStaysQuiet(t *testing.T) {
	d, sink := newTestDetector(testConfig())

	// Alternating wins and losses averaging RTP 0.95 with healthy variance.
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			d.Ingest(spin("s1", "v1", 1, 1.6))
		} else {
			d.Ingest(spin("s1", "v1", 1, 0.3))
		}
	}

	if got := sink.count(); got != 0 {
		t.Errorf("honest session produced %d signals: %v", got, sink.events)
	}
}

func TestVolatilityCompressionDetected(t *testing.T) {
	cfg := testConfig()
	cfg.DetectionInterval = 80 // evaluate once, after the full shape is in place
	d, sink := newTestDetector(cfg)

	// 60 high-variance spins (0x / 2x), then 20 flat 1x spins. Overall RTP 1.0
	// stays under the pump threshold; the flat tail trips the variance ratio.
	for i := 0; i < 60; i++ {
		if i%2 == 0 {
			d.Ingest(spin("s1", "v1", 1, 2))
		} else {
			d.Ingest(spin("s1", "v1", 1, 0.01))
		}
	}
	for i := 0; i < 20; i++ {
		d.Ingest(spin("s1", "v1", 1, 1))
	}

	comps := sink.byType(EventCompressionDetected)
	if len(comps) != 1 {
		t.Fatalf("expected exactly one compression signal, got %d (all: %d)", len(comps), sink.count())
	}
	if sev, _ := bus.GetString(comps[0].Payload, "severity"); sev != string(SeverityCritical) {
		t.Errorf("severity = %s, want critical for near-zero ratio", sev)
	}
}

func TestWinClusteringDetected(t *testing.T) {
	cfg := testConfig()
	cfg.DetectionInterval = 100
	d, sink := newTestDetector(cfg)

	// Wins bunched at both ends of the window with a long drought between.
	for i := 0; i < 100; i++ {
		win := i < 10 || i >= 90
		if win {
			d.Ingest(spin("s1", "v1", 1, 2))
		} else {
			d.Ingest(spin("s1", "v1", 1, 0.5))
		}
	}

	clusters := sink.byType(EventClusterDetected)
	if len(clusters) != 1 {
		t.Fatalf("expected exactly one clustering signal, got %d (all: %d)", len(clusters), sink.count())
	}
	if conf, _ := bus.GetFloat(clusters[0].Payload, "confidence"); conf <= 0.75 {
		t.Errorf("confidence = %v, want above the cluster threshold", conf)
	}
}

func TestEvenlySpacedWinsDoNotCluster(t *testing.T) {
	cfg := testConfig()
	cfg.DetectionInterval = 100
	d, sink := newTestDetector(cfg)

	// A win every 4th spin: perfectly regular spacing is not clustering.
	for i := 0; i < 100; i++ {
		if i%4 == 0 {
			d.Ingest(spin("s1", "v1", 1, 2))
		} else {
			d.Ingest(spin("s1", "v1", 1, 0.6))
		}
	}

	if got := len(sink.byType(EventClusterDetected)); got != 0 {
		t.Errorf("regular spacing produced %d clustering signals", got)
	}
}

func TestWindowEviction(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 50
	cfg.DetectionWindow = 50
	cfg.DetectionInterval = 1000 // never auto-evaluate
	d, _ := newTestDetector(cfg)

	for i := 0; i < 200; i++ {
		d.Ingest(spin("s1", "v1", 1, 1))
	}

	d.mu.RLock()
	s := d.sessions[spin("s1", "v1", 1, 1).sessionKey()]
	d.mu.RUnlock()
	if len(s.samples) != 50 {
		t.Errorf("window holds %d samples, want 50", len(s.samples))
	}
}

func TestIngestValidation(t *testing.T) {
	d, _ := newTestDetector(testConfig())

	bad := []OutcomeSample{
		{VenueID: "v1", Wager: 1, Payout: 1},                  // no session
		{SessionID: "s1", Wager: 1, Payout: 1},                // no venue
		{SessionID: "s1", VenueID: "v1", Wager: 0, Payout: 1}, // zero wager
		{SessionID: "s1", VenueID: "v1", Wager: 1, Payout: -1},
	}
	for i, s := range bad {
		if err := d.Ingest(s); err == nil {
			t.Errorf("sample %d: expected validation error", i)
		}
	}
	if d.SessionCount() != 0 {
		t.Errorf("invalid samples created %d sessions", d.SessionCount())
	}
}

func TestHandleOutcomeEventFailsClosed(t *testing.T) {
	b := bus.New(64)
	d := New(b, testConfig())
	d.Register()

	// Missing wager: the handler must skip, not apply garbage.
	b.Publish(EventOutcomeRecorded, "adapter", map[string]any{
		"sessionId": "s1",
		"venueId":   "v1",
		"payout":    2.0,
	}, "")

	if d.SessionCount() != 0 {
		t.Error("malformed event should not create session state")
	}

	// A well-formed event ingests normally.
	b.Publish(EventOutcomeRecorded, "adapter", map[string]any{
		"sessionId": "s1",
		"venueId":   "v1",
		"wager":     1.0,
		"payout":    2.0,
		"timestamp": float64(time.Now().UnixMilli()),
	}, "actor-1")

	if d.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", d.SessionCount())
	}
}

func TestBatchRoundTripMatchesSinglePath(t *testing.T) {
	samples := make([]OutcomeSample, 0, 30)
	for i := 0; i < 30; i++ {
		samples = append(samples, spin("s1", "v1", 1, 1.2))
	}

	var buf bytes.Buffer
	if err := EncodeBatch(&buf, samples); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBatch(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	d, sink := newTestDetector(testConfig())
	accepted, err := d.IngestBatch(decoded)
	if err != nil {
		t.Fatalf("ingest batch: %v", err)
	}
	if accepted != 30 {
		t.Errorf("accepted %d samples, want 30", accepted)
	}
	// Same behavior as individually-submitted samples: the pump fires.
	if len(sink.byType(EventPumpDetected)) == 0 {
		t.Error("batch-submitted pump session produced no signal")
	}
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	if _, err := DecodeBatch(bytes.NewReader([]byte("not gzip"))); err == nil {
		t.Error("expected error for non-gzip input")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	d, sink := newTestDetector(testConfig())

	// Pumped session and an honest one interleaved; only one venue flagged.
	for i := 0; i < 30; i++ {
		d.Ingest(spin("s1", "pumped-venue", 1, 1.3))
		d.Ingest(spin("s2", "honest-venue", 1, 0.95))
	}

	for _, ev := range sink.byType(EventPumpDetected) {
		if v, _ := bus.GetString(ev.Payload, "venueId"); v != "pumped-venue" {
			t.Errorf("honest venue flagged: %s", v)
		}
	}
	if len(sink.byType(EventPumpDetected)) == 0 {
		t.Error("pumped venue never flagged")
	}
}
