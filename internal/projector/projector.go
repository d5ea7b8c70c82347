// Package projector folds a loop run snapshot plus a batch of ordered event
// envelopes into the next durable ProjectedState, recording every divergence
// it observes along the way.
package projector

import (
	"encoding/json"
	"fmt"
	"time"

	"opsmanager/internal/envelope"
)

// Event names with a well-known terminal meaning. Anything else keeps the
// snapshot's status and lowers confidence to medium.
var eventStatus = map[string]string{
	"run_started":   envelope.StatusRunning,
	"run_resumed":   envelope.StatusRunning,
	"run_completed": envelope.StatusCompleted,
	"run_failed":    envelope.StatusFailed,
	"run_cancelled": envelope.StatusCancelled,
}

// Project computes the next ProjectedState. prior may be nil on the first
// reconcile. An invalid event envelope is fatal: no projection advance.
func Project(prior *envelope.ProjectedState, snap *envelope.LoopRunSnapshot, events []envelope.LoopRunEvent, traceID string, now time.Time) (*envelope.ProjectedState, error) {
	if snap == nil {
		return nil, fmt.Errorf("project: snapshot required")
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}

	lastSeq := int64(0)
	for i := range events {
		ev := &events[i]
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("project: event %d: %w", i, err)
		}
		if ev.Sequence.Value <= lastSeq {
			return nil, fmt.Errorf("project: event sequences must be strictly increasing within a poll (%d after %d)", ev.Sequence.Value, lastSeq)
		}
		lastSeq = ev.Sequence.Value
	}

	next := &envelope.ProjectedState{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  envelope.TypeProjectedState,
		TraceID:       traceID,
		Source:        snap.Source,
		Projection:    snap.Runtime,
	}

	// Transition derivation: latest event wins over the snapshot.
	confidence := envelope.ConfidenceHigh
	if len(events) > 0 {
		latest := &events[len(events)-1]
		next.Transition.TriggeringSignal = "event:" + latest.Event.Name

		status, conf := statusFromEvent(latest)
		if status == "" {
			status = snap.Runtime.Status
		}
		next.Transition.CurrentState = status
		next.Projection.Status = status
		confidence = conf

		if latest.Event.At != "" {
			next.Projection.LastEventAt = latest.Event.At
		}
		if latest.RunID != "" {
			next.Projection.RunID = latest.RunID
		}
		if latest.Iteration > next.Projection.Iteration {
			next.Projection.Iteration = latest.Iteration
		}
	} else if prior != nil && prior.Projection.Status == snap.Runtime.Status && prior.Transition.CurrentState != "" {
		// No new events and no status movement: keep the prior transition and
		// event timestamps so repeat passes are fingerprint-stable.
		next.Transition = prior.Transition
		confidence = prior.Transition.Confidence
		next.Projection = prior.Projection
		if snap.Runtime.Iteration > next.Projection.Iteration {
			next.Projection.Iteration = snap.Runtime.Iteration
		}
		if snap.Runtime.RunID != "" {
			next.Projection.RunID = snap.Runtime.RunID
		}
	} else {
		next.Transition.TriggeringSignal = "snapshot"
		next.Transition.CurrentState = snap.Runtime.Status
	}

	// Divergence flags are additive within a pass.
	flags := &next.Divergence.Flags
	if snap.Gates.Approval == "approved" && snap.Gates.CompletionOK != nil && !*snap.Gates.CompletionOK {
		flags.ApprovalCompletionConflict = true
	}
	if snap.CurrentLoopID != "" && snap.CurrentLoopID != snap.Source.LoopID {
		flags.StateLoopRunMismatch = true
	}

	priorOffset := int64(0)
	if prior != nil {
		priorOffset = prior.Cursor.EventLineOffset
	}
	if snap.Cursor.EventLineOffset < priorOffset {
		flags.CursorRegression = true
		confidence = envelope.ConfidenceLow
	}

	// A low-confidence transition may not clear a previously recorded flag.
	if confidence == envelope.ConfidenceLow && prior != nil {
		flags.ApprovalCompletionConflict = flags.ApprovalCompletionConflict || prior.Divergence.Flags.ApprovalCompletionConflict
		flags.StateLoopRunMismatch = flags.StateLoopRunMismatch || prior.Divergence.Flags.StateLoopRunMismatch
		flags.CursorRegression = flags.CursorRegression || prior.Divergence.Flags.CursorRegression
	}
	next.Divergence.Recompute()
	next.Transition.Confidence = confidence

	// The cursor only moves forward.
	next.Cursor = snap.Cursor
	next.Cursor.SchemaVersion = envelope.SchemaVersion
	if next.Cursor.EventLineOffset < priorOffset {
		next.Cursor.EventLineOffset = priorOffset
	}
	if lastSeq > next.Cursor.EventLineOffset {
		next.Cursor.EventLineOffset = lastSeq
	}
	if next.Cursor.EventLineCount < next.Cursor.EventLineOffset {
		next.Cursor.EventLineCount = next.Cursor.EventLineOffset
	}
	next.Cursor.UpdatedAt = now.UTC().Format(time.RFC3339)
	next.UpdatedAt = now.UTC().Format(time.RFC3339)

	return next, nil
}

// statusFromEvent extracts a runtime status from an event. An explicit status
// in the payload is authoritative; a well-known event name is an inference
// with medium confidence.
func statusFromEvent(ev *envelope.LoopRunEvent) (string, string) {
	if len(ev.Payload) > 0 {
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err == nil && body.Status != "" {
			return body.Status, envelope.ConfidenceHigh
		}
	}
	if status, ok := eventStatus[ev.Event.Name]; ok {
		return status, envelope.ConfidenceHigh
	}
	return "", envelope.ConfidenceMedium
}
