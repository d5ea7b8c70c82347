// Package sequence tracks snapshot and event sequence monotonicity per loop.
// Regressions are recorded as drift, never discarded data: the high-water
// marks only move forward, and health reflects the violation.
package sequence

import (
	"sort"
	"time"

	"opsmanager/internal/envelope"
)

// Advance folds one poll's observed sequences into the stored state. prior may
// be nil on the first reconcile. The returned state's Violations describe this
// pass only; DriftActive mirrors whether any violation was observed.
func Advance(prior *envelope.SequenceState, loopID string, snapshotSeq int64, eventSeqs []int64, traceID string, now time.Time) *envelope.SequenceState {
	next := &envelope.SequenceState{
		SchemaVersion: envelope.SchemaVersion,
		LoopID:        loopID,
		TraceID:       traceID,
		Violations:    []string{},
		UpdatedAt:     now.UTC().Format(time.RFC3339),
	}
	if prior != nil {
		next.LastSnapshotSequence = prior.LastSnapshotSequence
		next.LastEventSequence = prior.LastEventSequence
	}

	violations := map[string]bool{}

	if snapshotSeq > 0 {
		if snapshotSeq < next.LastSnapshotSequence {
			violations[envelope.ViolationSnapshotRegression] = true
		} else {
			next.LastSnapshotSequence = snapshotSeq
		}
	}

	floor := next.LastEventSequence
	for _, seq := range eventSeqs {
		if seq <= floor {
			violations[envelope.ViolationEventRegression] = true
			continue
		}
		floor = seq
	}
	if floor > next.LastEventSequence {
		next.LastEventSequence = floor
	}

	for code := range violations {
		next.Violations = append(next.Violations, code)
	}
	sort.Strings(next.Violations)
	next.DriftActive = len(next.Violations) > 0
	return next
}
