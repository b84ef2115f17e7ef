// Package rollup aggregates recent score-change events into periodic
// snapshots. Snapshots are immutable once generated: the next window
// supersedes them, never merges into them.
package rollup

import "time"

// VenueDelta summarizes score movement for one venue inside a window.
type VenueDelta struct {
	TotalDelta   float64 `json:"totalDelta"`
	EventCount   int     `json:"eventCount"`
	LastSeverity string  `json:"lastSeverity,omitempty"`
}

// ActorDelta summarizes score movement for one actor. The aggregate spans
// a trailing 24 hours, not just the snapshot window, so short windows still
// surface sustained behavior.
type ActorDelta struct {
	TotalDelta24h float64 `json:"totalDelta24h"`
}

// Snapshot is one aggregated view of score changes for a closed window.
type Snapshot struct {
	ID          string                `json:"id"`
	WindowStart time.Time             `json:"windowStart"`
	WindowEnd   time.Time             `json:"windowEnd"`
	PerVenue    map[string]VenueDelta `json:"perVenue"`
	PerActor    map[string]ActorDelta `json:"perActor"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

// Result is a snapshot request response. Throttled marks a stale snapshot
// served from inside the requester's cooldown window.
type Result struct {
	Snapshot  *Snapshot `json:"snapshot"`
	Throttled bool      `json:"throttled"`
}
