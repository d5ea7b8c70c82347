// Package envelope defines the versioned wire and state documents shared by
// every subsystem: loop run snapshots, event envelopes, cursors, projected
// state, health, and sequence state. The JSON shapes here are the on-disk
// contract; changing a tag is a schema migration.
package envelope

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the only schema version this build reads or writes.
const SchemaVersion = "v1"

// Envelope types.
const (
	TypeLoopRunSnapshot = "loop_run_snapshot"
	TypeLoopRunEvent    = "loop_run_event"
	TypeProjectedState  = "projected_state"
)

// Runtime loop statuses.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Confidence levels for projected transitions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Source identifies where an envelope came from.
type Source struct {
	RepoPath string `json:"repoPath"`
	LoopID   string `json:"loopId"`
}

// Sequence carries a monotonic ordering value and where it was minted.
type Sequence struct {
	Source string `json:"source"`
	Value  int64  `json:"value"`
}

// RuntimeProjection is the runtime-facing slice of a snapshot.
type RuntimeProjection struct {
	Status      string `json:"status"`
	LastEventAt string `json:"lastEventAt,omitempty"`
	Iteration   int    `json:"iteration"`
	RunID       string `json:"runId,omitempty"`
}

// GateSummary mirrors the runtime's approval/completion gates.
type GateSummary struct {
	Approval     string `json:"approval,omitempty"`
	CompletionOK *bool  `json:"completionOk,omitempty"`
}

// Heartbeat is the runtime's liveness beacon.
type Heartbeat struct {
	LastHeartbeatAt string `json:"lastHeartbeatAt,omitempty"`
}

// Cursor is the persistent per-loop event cursor. eventLineOffset is the
// 1-indexed count of consumed event lines and never regresses.
type Cursor struct {
	SchemaVersion   string `json:"schemaVersion"`
	RepoPath        string `json:"repoPath,omitempty"`
	LoopID          string `json:"loopId,omitempty"`
	EventsFile      string `json:"eventsFile,omitempty"`
	EventLineOffset int64  `json:"eventLineOffset"`
	EventLineCount  int64  `json:"eventLineCount"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

// LoopRunSnapshot is the transport-level projection of one loop's runtime
// artifacts at a point in time.
type LoopRunSnapshot struct {
	SchemaVersion string            `json:"schemaVersion"`
	EnvelopeType  string            `json:"envelopeType"`
	TraceID       string            `json:"traceId,omitempty"`
	Source        Source            `json:"source"`
	Runtime       RuntimeProjection `json:"runtime"`
	Gates         GateSummary       `json:"gates"`
	StuckStreak   int               `json:"stuckStreak"`
	Cursor        Cursor            `json:"cursor"`
	Heartbeat     *Heartbeat        `json:"heartbeat,omitempty"`
	Sequence      Sequence          `json:"sequence"`
	CurrentLoopID string            `json:"currentLoopId,omitempty"`
	CapturedAt    string            `json:"capturedAt,omitempty"`
}

// Validate rejects structurally broken snapshots.
func (s *LoopRunSnapshot) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("snapshot: unsupported schemaVersion %q", s.SchemaVersion)
	}
	if s.EnvelopeType != TypeLoopRunSnapshot {
		return fmt.Errorf("snapshot: unexpected envelopeType %q", s.EnvelopeType)
	}
	if s.Source.LoopID == "" {
		return fmt.Errorf("snapshot: source.loopId is required")
	}
	if s.Cursor.EventLineOffset < 0 {
		return fmt.Errorf("snapshot: cursor.eventLineOffset must be >= 0")
	}
	switch s.Runtime.Status {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, "":
	default:
		return fmt.Errorf("snapshot: unknown runtime status %q", s.Runtime.Status)
	}
	return nil
}

// EventBody is the runtime event wrapped by a LoopRunEvent.
type EventBody struct {
	Name string `json:"name"`
	At   string `json:"at,omitempty"`
}

// LoopRunEvent wraps one line of the runtime event stream. Sequence.Value is
// the 1-indexed line offset of the underlying line.
type LoopRunEvent struct {
	SchemaVersion string          `json:"schemaVersion"`
	EnvelopeType  string          `json:"envelopeType"`
	TraceID       string          `json:"traceId,omitempty"`
	LoopID        string          `json:"loopId"`
	RunID         string          `json:"runId,omitempty"`
	Iteration     int             `json:"iteration,omitempty"`
	Event         EventBody       `json:"event"`
	Sequence      Sequence        `json:"sequence"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects structurally broken event envelopes. An invalid envelope is
// fatal to projection: the projector never advances past one.
func (e *LoopRunEvent) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("event: unsupported schemaVersion %q", e.SchemaVersion)
	}
	if e.EnvelopeType != TypeLoopRunEvent {
		return fmt.Errorf("event: unexpected envelopeType %q", e.EnvelopeType)
	}
	if e.LoopID == "" {
		return fmt.Errorf("event: loopId is required")
	}
	if e.Event.Name == "" {
		return fmt.Errorf("event: event.name is required")
	}
	if e.Sequence.Value <= 0 {
		return fmt.Errorf("event: sequence.value must be a positive line offset")
	}
	return nil
}

// DivergenceFlags records every conflict the projector observed. Flags are
// additive within a pass.
type DivergenceFlags struct {
	ApprovalCompletionConflict bool `json:"approvalCompletionConflict"`
	CursorRegression           bool `json:"cursorRegression"`
	StateLoopRunMismatch       bool `json:"stateLoopRunMismatch"`
}

// Divergence is the rollup of flags; Any is always OR(flags).
type Divergence struct {
	Any   bool            `json:"any"`
	Flags DivergenceFlags `json:"flags"`
}

// Recompute sets Any from the flags.
func (d *Divergence) Recompute() {
	d.Any = d.Flags.ApprovalCompletionConflict || d.Flags.CursorRegression || d.Flags.StateLoopRunMismatch
}

// Transition describes the latest projected state change.
type Transition struct {
	CurrentState     string `json:"currentState"`
	TriggeringSignal string `json:"triggeringSignal"`
	Confidence       string `json:"confidence"`
}

// ProjectedState is the durable per-loop projection.
type ProjectedState struct {
	SchemaVersion string            `json:"schemaVersion"`
	EnvelopeType  string            `json:"envelopeType"`
	TraceID       string            `json:"traceId,omitempty"`
	Source        Source            `json:"source"`
	Projection    RuntimeProjection `json:"projection"`
	Transition    Transition        `json:"transition"`
	Divergence    Divergence        `json:"divergence"`
	Cursor        Cursor            `json:"cursor"`
	UpdatedAt     string            `json:"updatedAt,omitempty"`
}

// Fingerprint returns a stable identity for idempotence checks: everything
// except trace and timestamps.
func (p *ProjectedState) Fingerprint() string {
	clone := *p
	clone.TraceID = ""
	clone.UpdatedAt = ""
	clone.Cursor.UpdatedAt = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return ""
	}
	return string(data)
}

// SequenceState tracks snapshot/event sequence monotonicity per loop.
type SequenceState struct {
	SchemaVersion        string   `json:"schemaVersion"`
	LoopID               string   `json:"loopId"`
	LastSnapshotSequence int64    `json:"lastSnapshotSequence"`
	LastEventSequence    int64    `json:"lastEventSequence"`
	Violations           []string `json:"violations"`
	DriftActive          bool     `json:"driftActive"`
	TraceID              string   `json:"traceId,omitempty"`
	UpdatedAt            string   `json:"updatedAt,omitempty"`
}

// Sequence violation codes.
const (
	ViolationSnapshotRegression = "snapshot_sequence_regression"
	ViolationEventRegression    = "event_sequence_regression"
)
