// Package bus implements the in-process event bus the trust pipeline is
// built on: typed publish/subscribe with synchronous fan-out and a bounded
// history ring for audit and replay.
//
// Publish blocks until every handler registered for the event type has run.
// A handler that errors or panics is logged and skipped; it never fails the
// publish or starves the handlers after it. Durability is out of scope:
// consumers that need state to survive a restart persist their own derived
// state, the raw history does not.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustpipe/internal/idgen"
	"github.com/mbd888/trustpipe/internal/metrics"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is a single immutable occurrence published onto the bus.
// Handlers must not mutate the payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`   // dot-namespaced, e.g. "fairness.pump.detected"
	Source    string         `json:"source"` // emitting component id
	ActorID   string         `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryEntry is an Event plus its publish sequence number.
type HistoryEntry struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

// HandlerFunc processes a published event. Handlers run on the publishing
// goroutine and must be fast; slow work belongs in a background task that
// publishes its own completion event.
type HandlerFunc func(Event) error

// Filter selects history entries. Zero fields match everything.
type Filter struct {
	Type    string    // exact type, or prefix match with a trailing "*" (e.g. "trust.*")
	Source  string    // exact source
	ActorID string    // exact actor
	Since   time.Time // entries at or after this instant
	Limit   int       // max entries returned, newest preserved; 0 means no limit
}

type subscriber struct {
	id string
	fn HandlerFunc
}

// Subscription identifies a registered handler and can cancel it.
type Subscription struct {
	bus       *Bus
	eventType string
	handlerID string
}

// Unsubscribe removes the handler from the bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s.eventType, s.handlerID)
	}
}

// Bus routes events to subscribers and records them in a bounded ring.
// A Bus instance is passed explicitly into every component constructor;
// there is no package-level default.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscriber // keyed by event type, registration order

	histMu  sync.Mutex
	history []HistoryEntry // ring storage
	start   int            // index of oldest entry
	count   int
	seq     uint64

	logger *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a Bus retaining up to historySize events.
func New(historySize int, opts ...Option) *Bus {
	if historySize <= 0 {
		historySize = 4096
	}
	b := &Bus{
		handlers: make(map[string][]*subscriber),
		history:  make([]HistoryEntry, historySize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for eventType (or Wildcard) under handlerID.
// Handlers for a type run in registration order on every publish.
func (b *Bus) Subscribe(eventType, handlerID string, fn HandlerFunc) *Subscription {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], &subscriber{id: handlerID, fn: fn})
	b.mu.Unlock()
	return &Subscription{bus: b, eventType: eventType, handlerID: handlerID}
}

func (b *Bus) remove(eventType, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == handlerID {
			b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish records the event and fans it out synchronously to every handler
// registered for its type, then to wildcard handlers. Handler failures are
// logged and counted but never propagate; delivery is best-effort to
// consumers, not gated on consumer health.
func (b *Bus) Publish(eventType, source string, payload map[string]any, actorID string) error {
	if eventType == "" {
		return fmt.Errorf("bus: event type is required")
	}

	ev := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Source:    source,
		ActorID:   actorID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.append(ev)
	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()

	// Snapshot subscribers outside the invocation path so handlers may
	// themselves publish derived events without deadlocking.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.handlers[eventType])+len(b.handlers[Wildcard]))
	subs = append(subs, b.handlers[eventType]...)
	subs = append(subs, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, ev)
	}
	return nil
}

// invoke runs one handler, isolating errors and panics.
func (b *Bus) invoke(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailuresTotal.WithLabelValues(s.id, "panic").Inc()
			b.logger.Error("event handler panicked",
				"handler", s.id, "type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.fn(ev); err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(s.id, "error").Inc()
		b.logger.Warn("event handler failed",
			"handler", s.id, "type", ev.Type, "error", err)
	}
}

func (b *Bus) append(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.seq++
	entry := HistoryEntry{Seq: b.seq, Event: ev}
	if b.count < len(b.history) {
		b.history[(b.start+b.count)%len(b.history)] = entry
		b.count++
	} else {
		// Ring full: overwrite the oldest entry.
		b.history[b.start] = entry
		b.start = (b.start + 1) % len(b.history)
	}
}

// History returns retained entries matching f, oldest first. When Limit is
// set and more entries match, the oldest are dropped so the newest survive.
func (b *Bus) History(f Filter) []HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []HistoryEntry
	for i := 0; i < b.count; i++ {
		e := b.history[(b.start+i)%len(b.history)]
		if !matches(f, e.Event) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func matches(f Filter, ev Event) bool {
	if f.Type != "" {
		if prefix, ok := strings.CutSuffix(f.Type, "*"); ok {
			if !strings.HasPrefix(ev.Type, prefix) {
				return false
			}
		} else if ev.Type != f.Type {
			return false
		}
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.seq
}
