package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishFanOutInOrder(t *testing.T) {
	b := New(16)

	var order []string
	b.Subscribe("game.spin", "first", func(Event) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe("game.spin", "second", func(Event) error {
		order = append(order, "second")
		return nil
	})

	if err := b.Publish("game.spin", "test", nil, ""); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handlers ran out of registration order: %v", order)
	}
}

func TestPublishEmptyType(t *testing.T) {
	b := New(16)
	if err := b.Publish("", "test", nil, ""); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestHandlerErrorDoesNotStopFanOut(t *testing.T) {
	b := New(16)

	ran := false
	b.Subscribe("x", "failing", func(Event) error {
		return errors.New("boom")
	})
	b.Subscribe("x", "after", func(Event) error {
		ran = true
		return nil
	})

	if err := b.Publish("x", "test", nil, ""); err != nil {
		t.Fatalf("publish should succeed despite handler error: %v", err)
	}
	if !ran {
		t.Error("handler after the failing one never ran")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(16)

	ran := false
	b.Subscribe("x", "panicking", func(Event) error {
		panic("handler bug")
	})
	b.Subscribe("x", "after", func(Event) error {
		ran = true
		return nil
	})

	if err := b.Publish("x", "test", nil, ""); err != nil {
		t.Fatalf("publish should succeed despite handler panic: %v", err)
	}
	if !ran {
		t.Error("handler after the panicking one never ran")
	}
}

func TestWildcardReceivesAll(t *testing.T) {
	b := New(16)

	var types []string
	b.Subscribe(Wildcard, "audit", func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})

	b.Publish("a.one", "test", nil, "")
	b.Publish("b.two", "test", nil, "")

	if len(types) != 2 {
		t.Fatalf("wildcard saw %d events, want 2", len(types))
	}
}

func TestHandlersMayPublishDerivedEvents(t *testing.T) {
	b := New(16)

	derived := false
	b.Subscribe("raw", "deriver", func(Event) error {
		return b.Publish("derived", "deriver", nil, "")
	})
	b.Subscribe("derived", "sink", func(Event) error {
		derived = true
		return nil
	})

	done := make(chan struct{})
	go func() {
		b.Publish("raw", "test", nil, "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}
	if !derived {
		t.Error("derived event was not delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(16)

	calls := 0
	sub := b.Subscribe("x", "h", func(Event) error {
		calls++
		return nil
	})

	b.Publish("x", "test", nil, "")
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op
	b.Publish("x", "test", nil, "")

	if calls != 1 {
		t.Errorf("handler called %d times after unsubscribe, want 1", calls)
	}
}

func TestHistoryFIFOEviction(t *testing.T) {
	b := New(3)

	for i := 0; i < 5; i++ {
		b.Publish(fmt.Sprintf("t.%d", i), "test", nil, "")
	}

	entries := b.History(Filter{})
	if len(entries) != 3 {
		t.Fatalf("history kept %d entries, want 3", len(entries))
	}
	// Oldest two evicted; sequence numbers keep increasing.
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Errorf("unexpected sequence range: %d..%d", entries[0].Seq, entries[2].Seq)
	}
	if entries[0].Event.Type != "t.2" {
		t.Errorf("oldest retained entry = %s, want t.2", entries[0].Event.Type)
	}
}

func TestHistoryFilters(t *testing.T) {
	b := New(16)

	b.Publish("trust.casino.updated", "venue-scorer", nil, "")
	b.Publish("trust.degen.updated", "actor-scorer", nil, "alice")
	b.Publish("fairness.pump.detected", "detector", nil, "")

	if got := len(b.History(Filter{Type: "trust.*"})); got != 2 {
		t.Errorf("prefix filter matched %d, want 2", got)
	}
	if got := len(b.History(Filter{Type: "trust.degen.updated"})); got != 1 {
		t.Errorf("exact filter matched %d, want 1", got)
	}
	if got := len(b.History(Filter{Source: "detector"})); got != 1 {
		t.Errorf("source filter matched %d, want 1", got)
	}
	if got := len(b.History(Filter{ActorID: "alice"})); got != 1 {
		t.Errorf("actor filter matched %d, want 1", got)
	}
	if got := len(b.History(Filter{Limit: 2})); got != 2 {
		t.Errorf("limit returned %d, want 2", got)
	}

	// Limit keeps the newest entries.
	limited := b.History(Filter{Limit: 1})
	if limited[0].Event.Type != "fairness.pump.detected" {
		t.Errorf("limit dropped the wrong end: %s", limited[0].Event.Type)
	}
}

func TestHistorySince(t *testing.T) {
	b := New(16)

	b.Publish("old", "test", nil, "")
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	b.Publish("new", "test", nil, "")

	entries := b.History(Filter{Since: cut})
	if len(entries) != 1 || entries[0].Event.Type != "new" {
		t.Errorf("since filter returned %v", entries)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(1024)

	var mu sync.Mutex
	seen := 0
	b.Subscribe("load", "counter", func(Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("load", "test", nil, "")
			}
		}()
	}
	wg.Wait()

	if seen != 500 {
		t.Errorf("delivered %d events, want 500", seen)
	}
	if b.Seq() != 500 {
		t.Errorf("seq = %d, want 500", b.Seq())
	}
}

func TestPayloadAccessors(t *testing.T) {
	p := map[string]any{
		"venueId":    "lucky-spins",
		"confidence": 0.8,
		"count":      float64(42), // JSON numbers decode as float64
		"meta":       map[string]any{"k": "v"},
	}

	if s, ok := GetString(p, "venueId"); !ok || s != "lucky-spins" {
		t.Errorf("GetString = %q, %v", s, ok)
	}
	if _, ok := GetString(p, "missing"); ok {
		t.Error("GetString should fail closed on missing key")
	}
	if f, ok := GetFloat(p, "confidence"); !ok || f != 0.8 {
		t.Errorf("GetFloat = %v, %v", f, ok)
	}
	if _, ok := GetFloat(p, "venueId"); ok {
		t.Error("GetFloat should fail closed on wrong type")
	}
	if n, ok := GetInt64(p, "count"); !ok || n != 42 {
		t.Errorf("GetInt64 = %d, %v", n, ok)
	}
	if m, ok := GetMap(p, "meta"); !ok || m["k"] != "v" {
		t.Errorf("GetMap = %v, %v", m, ok)
	}
}
