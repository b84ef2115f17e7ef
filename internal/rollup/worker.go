package rollup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustpipe/internal/actor"
	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/idgen"
	"github.com/mbd888/trustpipe/internal/metrics"
	"github.com/mbd888/trustpipe/internal/venue"
)

// EventRollup is the digest published after each snapshot.
const EventRollup = "trust.pipeline.rollup"

const sourceID = "rollup-worker"

// actorTrailing is the lookback for per-actor delta aggregation.
const actorTrailing = 24 * time.Hour

type timedDelta struct {
	delta float64
	at    time.Time
}

// Worker aggregates score-change events from the bus history into periodic
// snapshots. An on-demand request closes the current window early; requests
// inside a requester's cooldown are served the previous snapshot instead of
// an error, flagged as throttled.
type Worker struct {
	bus      *bus.Bus
	store    SnapshotStore
	interval time.Duration
	cooldown time.Duration
	retain   int
	logger   *slog.Logger
	clock    func() time.Time

	mu          sync.Mutex
	latest      *Snapshot
	lastSeq     uint64    // history high-water mark already rolled up
	windowStart time.Time // open window start
	actorHist   map[string][]timedDelta
	pending     *Snapshot // persisted write that failed, retried next cycle

	cdMu      sync.Mutex
	fulfilled map[string]time.Time // last fulfilled request per requester
}

// Option configures the Worker.
type Option func(*Worker)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

// NewWorker creates a rollup worker. interval is the scheduled cadence,
// cooldown the per-requester on-demand throttle, retain the trend depth.
func NewWorker(b *bus.Bus, store SnapshotStore, interval, cooldown time.Duration, retain int, opts ...Option) *Worker {
	w := &Worker{
		bus:       b,
		store:     store,
		interval:  interval,
		cooldown:  cooldown,
		retain:    retain,
		logger:    slog.Default(),
		clock:     time.Now,
		actorHist: make(map[string][]timedDelta),
		fulfilled: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.windowStart = w.clock()
	return w
}

// Reload restores the last persisted snapshot so restarts keep continuity.
// Call before Run.
func (w *Worker) Reload(ctx context.Context) error {
	snap, err := w.store.Latest(ctx)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.latest = snap
	w.windowStart = snap.WindowEnd
	w.mu.Unlock()
	w.logger.Info("restored last rollup snapshot",
		"id", snap.ID, "generatedAt", snap.GeneratedAt)
	return nil
}

// Run generates snapshots on the configured cadence until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Rollover()
		}
	}
}

// Rollover closes the current window and generates its snapshot.
func (w *Worker) Rollover() *Snapshot {
	w.mu.Lock()
	snap := w.generateLocked()
	w.mu.Unlock()

	w.publishDigest(snap)
	return snap
}

// generateLocked aggregates unseen score-change events into a snapshot and
// advances the window. Caller holds w.mu.
func (w *Worker) generateLocked() *Snapshot {
	now := w.clock()
	entries := w.bus.History(bus.Filter{Type: "trust.*"})

	perVenue := make(map[string]VenueDelta)
	maxSeq := w.lastSeq
	for _, e := range entries {
		if e.Seq <= w.lastSeq {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		delta, ok := bus.GetFloat(e.Event.Payload, "delta")
		if !ok {
			continue
		}
		switch e.Event.Type {
		case venue.EventCasinoUpdated:
			id, ok := bus.GetString(e.Event.Payload, "venueId")
			if !ok {
				continue
			}
			vd := perVenue[id]
			vd.TotalDelta += delta
			vd.EventCount++
			if sev, ok := bus.GetString(e.Event.Payload, "severity"); ok {
				vd.LastSeverity = sev
			}
			perVenue[id] = vd
		case actor.EventDegenUpdated:
			id, ok := bus.GetString(e.Event.Payload, "actorId")
			if !ok {
				continue
			}
			w.actorHist[id] = append(w.actorHist[id], timedDelta{delta: delta, at: now})
		}
	}

	perActor := make(map[string]ActorDelta)
	cutoff := now.Add(-actorTrailing)
	for id, hist := range w.actorHist {
		kept := hist[:0]
		var total float64
		for _, d := range hist {
			if d.at.Before(cutoff) {
				continue
			}
			kept = append(kept, d)
			total += d.delta
		}
		if len(kept) == 0 {
			delete(w.actorHist, id)
			continue
		}
		w.actorHist[id] = kept
		perActor[id] = ActorDelta{TotalDelta24h: total}
	}

	w.lastSeq = maxSeq

	snap := &Snapshot{
		ID:          idgen.WithPrefix("snap_"),
		WindowStart: w.windowStart,
		WindowEnd:   now,
		PerVenue:    perVenue,
		PerActor:    perActor,
		GeneratedAt: now,
	}
	w.windowStart = now
	w.latest = snap
	metrics.SnapshotsGeneratedTotal.Inc()

	w.persistLocked(snap)
	return snap
}

// persistLocked writes snap, retrying any previously failed write first.
// A failed write degrades to memory-only serving rather than blocking.
func (w *Worker) persistLocked(snap *Snapshot) {
	ctx := context.Background()
	if w.pending != nil {
		if err := w.store.Save(ctx, w.pending); err == nil {
			w.pending = nil
		}
	}
	if err := w.store.Save(ctx, snap); err != nil {
		metrics.SnapshotPersistFailuresTotal.Inc()
		w.logger.Warn("failed to persist rollup snapshot, serving from memory",
			"id", snap.ID, "error", err)
		w.pending = snap
	}
}

func (w *Worker) publishDigest(snap *Snapshot) {
	if err := w.bus.Publish(EventRollup, sourceID, map[string]any{
		"snapshotId":  snap.ID,
		"windowStart": snap.WindowStart.UnixMilli(),
		"windowEnd":   snap.WindowEnd.UnixMilli(),
		"venueCount":  int64(len(snap.PerVenue)),
		"actorCount":  int64(len(snap.PerActor)),
	}, ""); err != nil {
		w.logger.Error("failed to publish rollup digest", "error", err)
	}
}

// RequestSnapshot serves an on-demand snapshot. A fulfilled request closes
// the current window early; a request inside the requester's cooldown gets
// the previous snapshot with Throttled set. Callers always get a snapshot.
func (w *Worker) RequestSnapshot(requester string) Result {
	now := w.clock()

	w.cdMu.Lock()
	last, seen := w.fulfilled[requester]
	inCooldown := seen && now.Sub(last) < w.cooldown
	if !inCooldown {
		w.fulfilled[requester] = now
	}
	w.cdMu.Unlock()

	if inCooldown {
		metrics.SnapshotRequestsThrottledTotal.Inc()
		return Result{Snapshot: w.GetLatestSnapshot(), Throttled: true}
	}
	return Result{Snapshot: w.Rollover()}
}

// GetLatestSnapshot returns the most recent snapshot, generating the first
// one on demand if none exists yet.
func (w *Worker) GetLatestSnapshot() *Snapshot {
	w.mu.Lock()
	snap := w.latest
	if snap == nil {
		snap = w.generateLocked()
		w.mu.Unlock()
		w.publishDigest(snap)
		return snap
	}
	w.mu.Unlock()
	return snap
}

// Trend returns up to limit persisted snapshots, newest first.
func (w *Worker) Trend(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 || limit > w.retain {
		limit = w.retain
	}
	return w.store.Recent(ctx, limit)
}
