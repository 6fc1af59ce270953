// Package events provides tier-0 observability for the worktree fleet
// (component K). Events are simple, synchronous, append-only records of
// what happened, written to `.iMi/events.jsonl` alongside the control
// plane. They are kept apart from the AgentActivity audit trail
// (package registry) and the OpenTelemetry pipeline (package
// telemetry), which callers record to separately. Recording is
// best-effort: errors are logged to stderr but never returned to
// callers, so a broken event log never blocks a worktree operation.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event type constants. Only types iMi actually emits.
const (
	RepoRegistered  = "repo.registered"
	WorktreeCreated = "worktree.created"
	WorktreeClosed  = "worktree.closed"
	WorktreeRemoved = "worktree.removed"
	WorktreeStale   = "worktree.stale"
	PresenceClaimed = "presence.claimed"
	PresenceRelease = "presence.released"
	PruneCompleted  = "prune.completed"
	SyncCompleted   = "sync.completed"
)

// Event is a single recorded occurrence in the system.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Ts      time.Time       `json:"ts"`
	Actor   string          `json:"actor"`
	Subject string          `json:"subject,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Recorder records events. Safe for concurrent use. Best-effort.
type Recorder interface {
	Record(e Event)
}

// Provider is a Recorder that can also be read back and watched. The
// file-backed, in-memory, and subprocess-backed implementations
// ([FileRecorder], [Fake], [exec.Provider]) all satisfy it.
type Provider interface {
	Recorder
	List(filter Filter) ([]Event, error)
	LatestSeq() (uint64, error)
	Watch(ctx context.Context, afterSeq uint64) (Watcher, error)
	Close() error
}

// Watcher streams events appended after it was created. Next blocks
// until an event is available or its context is canceled.
type Watcher interface {
	Next() (Event, error)
	Close() error
}

// Discard silently drops all events.
var Discard Recorder = discardRecorder{}

type discardRecorder struct{}

func (discardRecorder) Record(Event) {}
