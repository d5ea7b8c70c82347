// Package repo owns the on-disk layout of the ops-manager control plane.
//
// Every subsystem receives a *Repo and asks it for paths; nothing else in the
// codebase reconstructs paths from strings. All durable state lives under the
// repo-rooted .superloop/ directory alongside the loop runtime's own artifacts.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Repo is a handle to one repository tree governed by the control plane.
type Repo struct {
	root string
}

// Open resolves and validates a repo root. The root must exist; the .superloop
// tree underneath is created lazily by writers.
func Open(root string) (*Repo, error) {
	if root == "" {
		return nil, fmt.Errorf("repo path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("repo path not found: %s", abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo path is not a directory: %s", abs)
	}
	return &Repo{root: abs}, nil
}

// Root returns the absolute repo root.
func (r *Repo) Root() string { return r.root }

// SuperloopDir is the runtime state root shared with the loop runtime.
func (r *Repo) SuperloopDir() string { return filepath.Join(r.root, ".superloop") }

// ─── Runtime artifacts (owned by the loop runtime, read-only to us) ───

// RuntimeStateFile is the loop runtime's own state document.
func (r *Repo) RuntimeStateFile() string { return filepath.Join(r.SuperloopDir(), "state.json") }

// ActiveRunFile points at the currently active run, if any.
func (r *Repo) ActiveRunFile() string { return filepath.Join(r.SuperloopDir(), "active-run.json") }

// LoopDir holds one loop's runtime artifacts.
func (r *Repo) LoopDir(loopID string) string {
	return filepath.Join(r.SuperloopDir(), "loops", loopID)
}

// RunSummaryFile is the runtime's per-loop run summary.
func (r *Repo) RunSummaryFile(loopID string) string {
	return filepath.Join(r.LoopDir(loopID), "run-summary.json")
}

// EventsFile is the runtime's append-only event stream for a loop.
func (r *Repo) EventsFile(loopID string) string {
	return filepath.Join(r.LoopDir(loopID), "events.jsonl")
}

// RuntimeHeartbeatFile is the runtime's liveness beacon for a loop.
func (r *Repo) RuntimeHeartbeatFile(loopID string) string {
	return filepath.Join(r.LoopDir(loopID), "heartbeat.v1.json")
}

// ─── Per-loop ops-manager state ───

// OpsDir holds the control plane's per-loop state.
func (r *Repo) OpsDir(loopID string) string {
	return filepath.Join(r.SuperloopDir(), "ops-manager", loopID)
}

// ProjectedStateFile is the durable ProjectedState for a loop.
func (r *Repo) ProjectedStateFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "state.json")
}

// HealthFile is the last health evaluation for a loop.
func (r *Repo) HealthFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "health.json")
}

// CursorFile is the persistent event cursor for a loop.
func (r *Repo) CursorFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "cursor.json")
}

// OpsHeartbeatFile is the reconciler's own liveness beacon.
func (r *Repo) OpsHeartbeatFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "heartbeat.json")
}

// SequenceStateFile tracks snapshot/event sequence monotonicity per loop.
func (r *Repo) SequenceStateFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "sequence-state.json")
}

// IntentsFile is the per-loop append-only control intent log.
func (r *Repo) IntentsFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "intents.jsonl")
}

// EscalationsFile is the per-loop append-only escalation stream.
func (r *Repo) EscalationsFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "escalations.jsonl")
}

// AlertDispatchStateFile stores the alert dispatcher's escalation offset.
func (r *Repo) AlertDispatchStateFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "alert-dispatch-state.json")
}

// ServiceIdempotencyFile stores the sprite service's control idempotency map.
func (r *Repo) ServiceIdempotencyFile(loopID string) string {
	return filepath.Join(r.OpsDir(loopID), "service-idempotency.json")
}

// LoopTelemetryFile returns a per-loop telemetry JSONL path by stream name
// (reconcile, control, control-invocations, heartbeat, sequence, alerts).
func (r *Repo) LoopTelemetryFile(loopID, stream string) string {
	return filepath.Join(r.OpsDir(loopID), "telemetry", stream+".jsonl")
}

// ─── Fleet-level state ───

// FleetDir holds fleet-wide control-plane state.
func (r *Repo) FleetDir() string {
	return filepath.Join(r.SuperloopDir(), "ops-manager", "fleet")
}

// FleetRegistryFile is the fleet registry document.
func (r *Repo) FleetRegistryFile() string {
	return filepath.Join(r.FleetDir(), "registry.v1.json")
}

// FleetStateFile is the last fleet reconcile rollup.
func (r *Repo) FleetStateFile() string { return filepath.Join(r.FleetDir(), "state.json") }

// PolicyStateFile is the last policy pass output.
func (r *Repo) PolicyStateFile() string { return filepath.Join(r.FleetDir(), "policy-state.json") }

// HandoffStateFile is the last handoff plan/execute output.
func (r *Repo) HandoffStateFile() string { return filepath.Join(r.FleetDir(), "handoff-state.json") }

// PromotionStateFile is the last promotion gate evaluation.
func (r *Repo) PromotionStateFile() string {
	return filepath.Join(r.FleetDir(), "promotion-state.json")
}

// PromotionApplyStateFile is the last registry mutation outcome.
func (r *Repo) PromotionApplyStateFile() string {
	return filepath.Join(r.FleetDir(), "promotion-apply-state.json")
}

// DrillStateFile records operational drill results consumed by promotion gates.
func (r *Repo) DrillStateFile() string { return filepath.Join(r.FleetDir(), "drill-state.json") }

// BridgeQueueFile is the handoff queue fed by the horizon bridge.
func (r *Repo) BridgeQueueFile() string {
	return filepath.Join(r.FleetDir(), "horizon-bridge-queue.json")
}

// BridgeStateFile stores the bridge's dedupe keys.
func (r *Repo) BridgeStateFile() string {
	return filepath.Join(r.FleetDir(), "horizon-bridge-state.json")
}

// BridgeClaimsDir returns the bridge claim directory; kind is "processed" or
// "rejected".
func (r *Repo) BridgeClaimsDir(kind string) string {
	return filepath.Join(r.FleetDir(), "horizon-bridge-claims", kind)
}

// FleetTelemetryFile returns a fleet telemetry JSONL path by stream name
// (reconcile, handoff, policy-history, policy-governance, promotion-apply,
// horizon-bridge).
func (r *Repo) FleetTelemetryFile(stream string) string {
	return filepath.Join(r.FleetDir(), "telemetry", stream+".jsonl")
}

// ─── Horizon bus ───

// HorizonsDir holds the horizon packet bus state.
func (r *Repo) HorizonsDir() string { return filepath.Join(r.SuperloopDir(), "horizons") }

// PacketFile is the durable document for one packet.
func (r *Repo) PacketFile(packetID string) string {
	return filepath.Join(r.HorizonsDir(), "packets", packetID+".json")
}

// PacketsDir holds all packet documents.
func (r *Repo) PacketsDir() string { return filepath.Join(r.HorizonsDir(), "packets") }

// OutboxDir is the root of per-recipient outboxes.
func (r *Repo) OutboxDir() string { return filepath.Join(r.HorizonsDir(), "outbox") }

// OutboxFile is one recipient's outbox stream.
func (r *Repo) OutboxFile(recipientType, recipientID string) string {
	return filepath.Join(r.OutboxDir(), recipientType, recipientID+".jsonl")
}

// HorizonTelemetryFile returns a horizon telemetry JSONL path by stream name
// (packets, orchestrator, dead-letter).
func (r *Repo) HorizonTelemetryFile(stream string) string {
	return filepath.Join(r.HorizonsDir(), "telemetry", stream+".jsonl")
}

// RetryStateFile tracks horizon re-dispatch attempts.
func (r *Repo) RetryStateFile() string { return filepath.Join(r.HorizonsDir(), "retry-state.json") }

// AckStateFile tracks processed horizon acknowledgements.
func (r *Repo) AckStateFile() string { return filepath.Join(r.HorizonsDir(), "ack-state.json") }

// DeadLetterFile is the horizon dead-letter stream.
func (r *Repo) DeadLetterFile() string { return r.HorizonTelemetryFile("dead-letter") }
