// Package reconcile drives one loop through a full observation pass: fetch
// snapshot and events over the configured transport, project state, evaluate
// health, track sequence drift, persist cursors, and emit telemetry and
// escalations. Reconciles are idempotent: with no new inputs a repeat pass
// leaves the cursor, the state fingerprint, and every telemetry stream
// untouched.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/health"
	"opsmanager/internal/projector"
	"opsmanager/internal/repo"
	"opsmanager/internal/sequence"
	"opsmanager/internal/transport"
)

// Loop result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Escalation categories.
const (
	CategoryHealthDegraded     = "health_degraded"
	CategoryHealthCritical     = "health_critical"
	CategoryDivergenceDetected = "divergence_detected"
)

// Reconciler reconciles loops of a single repo over one transport.
type Reconciler struct {
	Repo       *repo.Repo
	Transport  transport.Transport
	Thresholds health.Thresholds
	// MaxEvents bounds one poll; 0 means unbounded.
	MaxEvents int
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Result is one loop's reconcile outcome, consumed by the fleet layer.
type Result struct {
	LoopID            string   `json:"loopId"`
	Status            string   `json:"status"`
	ReasonCode        string   `json:"reasonCode,omitempty"`
	HealthStatus      string   `json:"healthStatus"`
	HealthReasonCodes []string `json:"healthReasonCodes"`
	CursorOffset      int64    `json:"cursorOffset"`
	EventsConsumed    int      `json:"eventsConsumed"`
	DivergenceAny     bool     `json:"divergenceAny"`
	DurationSeconds   float64  `json:"durationSeconds"`
	TraceID           string   `json:"traceId"`
	Changed           bool     `json:"changed"`
	Error             string   `json:"error,omitempty"`
}

// opsHeartbeat is the reconciler's own durable liveness + streak record.
type opsHeartbeat struct {
	SchemaVersion          string `json:"schemaVersion"`
	LastReconcileAt        string `json:"lastReconcileAt"`
	LastStatus             string `json:"lastStatus"`
	TransportFailureStreak int    `json:"transportFailureStreak"`
}

func (rc *Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// Reconcile runs one observation pass for loopID, propagating traceID into
// every artifact the pass writes.
func (rc *Reconciler) Reconcile(ctx context.Context, loopID, traceID string) (*Result, error) {
	if loopID == "" {
		return nil, fmt.Errorf("reconcile: loopId is required")
	}
	start := rc.now()

	var hb opsHeartbeat
	if _, err := repo.ReadJSON(rc.Repo.OpsHeartbeatFile(loopID), &hb); err != nil {
		return nil, err
	}

	var priorCursor envelope.Cursor
	hadCursor, err := repo.ReadJSON(rc.Repo.CursorFile(loopID), &priorCursor)
	if err != nil {
		return nil, err
	}

	var priorState envelope.ProjectedState
	hadState, err := repo.ReadJSON(rc.Repo.ProjectedStateFile(loopID), &priorState)
	if err != nil {
		return nil, err
	}

	var priorHealth health.Health
	hadHealth, err := repo.ReadJSON(rc.Repo.HealthFile(loopID), &priorHealth)
	if err != nil {
		return nil, err
	}

	var priorSeq envelope.SequenceState
	hadSeq, err := repo.ReadJSON(rc.Repo.SequenceStateFile(loopID), &priorSeq)
	if err != nil {
		return nil, err
	}

	ctrlAmbiguous, err := rc.controlAmbiguous(loopID)
	if err != nil {
		return nil, err
	}

	snap, snapErr := rc.Transport.Snapshot(ctx, loopID)
	var page *transport.EventsPage
	if snapErr == nil {
		cursorOffset := priorCursor.EventLineOffset
		if !hadCursor {
			cursorOffset = 0
		}
		page, snapErr = rc.Transport.Events(ctx, loopID, cursorOffset, rc.MaxEvents)
	}

	if snapErr != nil {
		return rc.failurePass(loopID, traceID, start, snapErr, &hb, hadState, &priorState, hadSeq, &priorSeq, hadHealth, &priorHealth, ctrlAmbiguous)
	}

	// Transport success resets the failure streak.
	hb.TransportFailureStreak = 0

	nowTS := rc.now()
	snap.TraceID = traceID
	var priorStatePtr *envelope.ProjectedState
	if hadState {
		priorStatePtr = &priorState
	}
	nextState, err := projector.Project(priorStatePtr, snap, page.Events, traceID, nowTS)
	if err != nil {
		// Invalid envelopes never advance the projection.
		return rc.failurePass(loopID, traceID, start, err, &hb, hadState, &priorState, hadSeq, &priorSeq, hadHealth, &priorHealth, ctrlAmbiguous)
	}

	eventSeqs := make([]int64, 0, len(page.Events))
	for _, ev := range page.Events {
		eventSeqs = append(eventSeqs, ev.Sequence.Value)
	}
	var priorSeqPtr *envelope.SequenceState
	if hadSeq {
		priorSeqPtr = &priorSeq
	}
	nextSeq := sequence.Advance(priorSeqPtr, loopID, snap.Sequence.Value, eventSeqs, traceID, nowTS)

	newHealth := health.Evaluate(health.Inputs{
		State:                  nextState,
		Sequence:               nextSeq,
		RuntimeHeartbeat:       snap.Heartbeat,
		TransportFailureStreak: 0,
		ControlAmbiguous:       ctrlAmbiguous,
		Now:                    nowTS,
	}, rc.Thresholds, traceID)
	newHealth.UpdatedAt = nowTS.UTC().Format(time.RFC3339)

	changed := !hadState ||
		priorState.Fingerprint() != nextState.Fingerprint() ||
		len(page.Events) > 0 ||
		healthChanged(hadHealth, &priorHealth, &newHealth) ||
		sequenceChanged(hadSeq, &priorSeq, nextSeq)

	// Persist projections. Cursor advances only because projection succeeded.
	if err := repo.WriteJSONAtomic(rc.Repo.ProjectedStateFile(loopID), nextState); err != nil {
		return nil, err
	}
	if err := repo.WriteJSONAtomic(rc.Repo.HealthFile(loopID), newHealth); err != nil {
		return nil, err
	}
	if err := repo.WriteJSONAtomic(rc.Repo.CursorFile(loopID), nextState.Cursor); err != nil {
		return nil, err
	}
	if err := repo.WriteJSONAtomic(rc.Repo.SequenceStateFile(loopID), nextSeq); err != nil {
		return nil, err
	}

	hb.SchemaVersion = envelope.SchemaVersion
	hb.LastReconcileAt = nowTS.UTC().Format(time.RFC3339)
	hb.LastStatus = StatusSuccess
	if err := repo.WriteJSONAtomic(rc.Repo.OpsHeartbeatFile(loopID), hb); err != nil {
		return nil, err
	}

	result := &Result{
		LoopID:            loopID,
		Status:            StatusSuccess,
		HealthStatus:      newHealth.Status,
		HealthReasonCodes: newHealth.ReasonCodes,
		CursorOffset:      nextState.Cursor.EventLineOffset,
		EventsConsumed:    len(page.Events),
		DivergenceAny:     nextState.Divergence.Any,
		DurationSeconds:   rc.now().Sub(start).Seconds(),
		TraceID:           traceID,
		Changed:           changed,
	}

	if changed {
		if err := rc.appendTelemetry(loopID, result, nowTS); err != nil {
			return nil, err
		}
		if err := rc.appendSequenceRow(loopID, nextSeq, nowTS); err != nil {
			return nil, err
		}
		if err := rc.escalate(loopID, traceID, &newHealth, nextState.Divergence.Any, hadHealth, &priorHealth, nowTS); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// failurePass records a failed reconcile: streak bookkeeping, degraded or
// critical health from the streak, telemetry, and escalation. The cursor is
// never touched.
func (rc *Reconciler) failurePass(loopID, traceID string, start time.Time, cause error, hb *opsHeartbeat, hadState bool, priorState *envelope.ProjectedState, hadSeq bool, priorSeq *envelope.SequenceState, hadHealth bool, priorHealth *health.Health, ctrlAmbiguous bool) (*Result, error) {
	nowTS := rc.now()

	reason := "reconcile_failed"
	var unreachable *transport.UnreachableError
	if errors.As(cause, &unreachable) {
		reason = health.ReasonTransportUnreachable
		hb.TransportFailureStreak++
	}

	var statePtr *envelope.ProjectedState
	if hadState {
		statePtr = priorState
	}
	var seqPtr *envelope.SequenceState
	if hadSeq {
		seqPtr = priorSeq
	}
	newHealth := health.Evaluate(health.Inputs{
		State:                  statePtr,
		Sequence:               seqPtr,
		TransportFailureStreak: hb.TransportFailureStreak,
		ControlAmbiguous:       ctrlAmbiguous,
		Now:                    nowTS,
	}, rc.Thresholds, traceID)
	newHealth.UpdatedAt = nowTS.UTC().Format(time.RFC3339)

	if err := repo.WriteJSONAtomic(rc.Repo.HealthFile(loopID), newHealth); err != nil {
		return nil, err
	}

	hb.SchemaVersion = envelope.SchemaVersion
	hb.LastReconcileAt = nowTS.UTC().Format(time.RFC3339)
	hb.LastStatus = StatusFailed
	if err := repo.WriteJSONAtomic(rc.Repo.OpsHeartbeatFile(loopID), hb); err != nil {
		return nil, err
	}

	cursorOffset := int64(0)
	if hadState {
		cursorOffset = priorState.Cursor.EventLineOffset
	}
	result := &Result{
		LoopID:            loopID,
		Status:            StatusFailed,
		ReasonCode:        reason,
		HealthStatus:      newHealth.Status,
		HealthReasonCodes: newHealth.ReasonCodes,
		CursorOffset:      cursorOffset,
		DurationSeconds:   rc.now().Sub(start).Seconds(),
		TraceID:           traceID,
		Changed:           true,
		Error:             cause.Error(),
	}
	if err := rc.appendTelemetry(loopID, result, nowTS); err != nil {
		return nil, err
	}
	if err := rc.escalate(loopID, traceID, &newHealth, false, hadHealth, priorHealth, nowTS); err != nil {
		return nil, err
	}
	return result, nil
}

// controlAmbiguous reports whether the most recent control outcome for the
// loop ended ambiguous. A later confirmed or failed outcome clears it, so only
// an unresolved ambiguity degrades health.
func (rc *Reconciler) controlAmbiguous(loopID string) (bool, error) {
	last := ""
	err := repo.ScanJSONL(rc.Repo.LoopTelemetryFile(loopID, "control"), func(lineNo int, raw []byte) error {
		var row struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("reconcile: control telemetry line %d: %w", lineNo, err)
		}
		last = row.Status
		return nil
	})
	if err != nil {
		return false, err
	}
	return last == transport.OutcomeAmbiguous, nil
}

func (rc *Reconciler) appendTelemetry(loopID string, res *Result, nowTS time.Time) error {
	if err := repo.AppendJSONL(rc.Repo.LoopTelemetryFile(loopID, "reconcile"), map[string]any{
		"schemaVersion":     envelope.SchemaVersion,
		"timestamp":         nowTS.UTC().Format(time.RFC3339),
		"traceId":           res.TraceID,
		"loopId":            loopID,
		"status":            res.Status,
		"healthStatus":      res.HealthStatus,
		"healthReasonCodes": res.HealthReasonCodes,
		"durationSeconds":   res.DurationSeconds,
		"eventsConsumed":    res.EventsConsumed,
		"cursorOffset":      res.CursorOffset,
	}); err != nil {
		return err
	}
	return repo.AppendJSONL(rc.Repo.LoopTelemetryFile(loopID, "heartbeat"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     nowTS.UTC().Format(time.RFC3339),
		"traceId":       res.TraceID,
		"loopId":        loopID,
		"status":        res.Status,
	})
}

func (rc *Reconciler) appendSequenceRow(loopID string, seq *envelope.SequenceState, nowTS time.Time) error {
	return repo.AppendJSONL(rc.Repo.LoopTelemetryFile(loopID, "sequence"), map[string]any{
		"schemaVersion":        envelope.SchemaVersion,
		"timestamp":            nowTS.UTC().Format(time.RFC3339),
		"traceId":              seq.TraceID,
		"loopId":               loopID,
		"lastSnapshotSequence": seq.LastSnapshotSequence,
		"lastEventSequence":    seq.LastEventSequence,
		"violations":           seq.Violations,
		"driftActive":          seq.DriftActive,
	})
}

// escalate appends escalation rows for degraded or critical health, plus a
// dedicated divergence escalation when divergence is present.
func (rc *Reconciler) escalate(loopID, traceID string, h *health.Health, divergence bool, hadPrior bool, prior *health.Health, nowTS time.Time) error {
	if h.Status == health.StatusHealthy {
		return nil
	}
	if hadPrior && prior.Status == h.Status && equalStrings(prior.ReasonCodes, h.ReasonCodes) {
		// Unchanged condition; the earlier escalation already covers it.
		return nil
	}

	category := CategoryHealthDegraded
	severity := "warning"
	if h.Status == health.StatusCritical {
		category = CategoryHealthCritical
		severity = "critical"
	}
	row := map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     nowTS.UTC().Format(time.RFC3339),
		"traceId":       traceID,
		"loopId":        loopID,
		"category":      category,
		"severity":      severity,
		"reasonCodes":   h.ReasonCodes,
	}
	if err := repo.AppendJSONL(rc.Repo.EscalationsFile(loopID), row); err != nil {
		return err
	}

	if divergence {
		return repo.AppendJSONL(rc.Repo.EscalationsFile(loopID), map[string]any{
			"schemaVersion": envelope.SchemaVersion,
			"timestamp":     nowTS.UTC().Format(time.RFC3339),
			"traceId":       traceID,
			"loopId":        loopID,
			"category":      CategoryDivergenceDetected,
			"severity":      severity,
			"reasonCodes":   h.ReasonCodes,
		})
	}
	return nil
}

func healthChanged(hadPrior bool, prior, next *health.Health) bool {
	if !hadPrior {
		return next.Status != health.StatusHealthy || len(next.ReasonCodes) > 0
	}
	return prior.Status != next.Status || !equalStrings(prior.ReasonCodes, next.ReasonCodes)
}

func sequenceChanged(hadPrior bool, prior, next *envelope.SequenceState) bool {
	if !hadPrior {
		return next.DriftActive || next.LastEventSequence > 0 || next.LastSnapshotSequence > 0
	}
	return prior.DriftActive != next.DriftActive ||
		prior.LastEventSequence != next.LastEventSequence ||
		prior.LastSnapshotSequence != next.LastSnapshotSequence ||
		!equalStrings(prior.Violations, next.Violations)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
