// Package health maps a loop's projected state, transport history, and runtime
// heartbeat onto a three-level health status with a closed set of reason
// codes. Evaluation is a pure function of its inputs.
package health

import (
	"sort"
	"time"

	"opsmanager/internal/envelope"
)

// Status levels, worst wins.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Health is the durable evaluation result (ops-manager/<loopId>/health.json).
type Health struct {
	SchemaVersion string     `json:"schemaVersion"`
	Status        string     `json:"status"`
	ReasonCodes   []string   `json:"reasonCodes"`
	Thresholds    Thresholds `json:"thresholds"`
	TraceID       string     `json:"traceId,omitempty"`
	UpdatedAt     string     `json:"updatedAt,omitempty"`
}

// Inputs gathers everything the evaluator looks at.
type Inputs struct {
	State            *envelope.ProjectedState
	Sequence         *envelope.SequenceState
	RuntimeHeartbeat *envelope.Heartbeat

	// TransportFailureStreak counts consecutive failed transport calls; it is
	// reset by the reconciler on the first subsequent success.
	TransportFailureStreak int

	// ControlAmbiguous is set when the most recent control outcome for this
	// loop ended ambiguous without operator resolution.
	ControlAmbiguous bool

	Now time.Time
}

type level int

const (
	levelHealthy level = iota
	levelDegraded
	levelCritical
)

func (l level) status() string {
	switch l {
	case levelCritical:
		return StatusCritical
	case levelDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Evaluate derives health from the inputs under the given thresholds. The
// returned reason codes are sorted and always drawn from the closed set.
func Evaluate(in Inputs, th Thresholds, traceID string) Health {
	worst := levelHealthy
	reasons := map[string]bool{}

	raise := func(code string, l level) {
		if !KnownReason(code) {
			// The closed set is authoritative; an unknown code here is a
			// programming error, not an operational condition.
			panic("health: unknown reason code " + code)
		}
		reasons[code] = true
		if l > worst {
			worst = l
		}
	}

	// Ingest staleness from the newest observed event timestamp.
	if in.State != nil {
		if lag, ok := lagSeconds(in.State.Projection.LastEventAt, in.Now); ok {
			if th.CriticalIngestLagSeconds > 0 && lag >= th.CriticalIngestLagSeconds {
				raise(ReasonIngestStale, levelCritical)
			} else if th.DegradedIngestLagSeconds > 0 && lag >= th.DegradedIngestLagSeconds {
				raise(ReasonIngestStale, levelDegraded)
			}
		}

		if in.State.Divergence.Any {
			raise(ReasonDivergenceDetected, levelDegraded)
		}
		if in.State.Divergence.Flags.ApprovalCompletionConflict {
			raise(ReasonApprovalCompletionConflict, levelDegraded)
		}
	}

	// Runtime heartbeat staleness.
	if in.RuntimeHeartbeat != nil {
		if lag, ok := lagSeconds(in.RuntimeHeartbeat.LastHeartbeatAt, in.Now); ok {
			if th.CriticalHeartbeatLagSeconds > 0 && lag >= th.CriticalHeartbeatLagSeconds {
				raise(ReasonRuntimeHeartbeatStale, levelCritical)
			} else if th.DegradedHeartbeatLagSeconds > 0 && lag >= th.DegradedHeartbeatLagSeconds {
				raise(ReasonRuntimeHeartbeatStale, levelDegraded)
			}
		}
	}

	// Transport failure streaks.
	if th.CriticalTransportFailureStreak > 0 && in.TransportFailureStreak >= th.CriticalTransportFailureStreak {
		raise(ReasonTransportUnreachable, levelCritical)
	} else if th.DegradedTransportFailureStreak > 0 && in.TransportFailureStreak >= th.DegradedTransportFailureStreak {
		raise(ReasonTransportUnreachable, levelDegraded)
	}

	// Sequence drift never discards data; it degrades.
	if in.Sequence != nil && in.Sequence.DriftActive {
		raise(ReasonOrderingDriftDetected, levelDegraded)
	}

	if in.ControlAmbiguous {
		raise(ReasonControlAmbiguous, levelDegraded)
	}

	codes := make([]string, 0, len(reasons))
	for code := range reasons {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	return Health{
		SchemaVersion: envelope.SchemaVersion,
		Status:        worst.status(),
		ReasonCodes:   codes,
		Thresholds:    th,
		TraceID:       traceID,
	}
}

// lagSeconds parses an RFC3339 timestamp and returns its age. Missing or
// unparseable timestamps yield no signal rather than a false alarm.
func lagSeconds(ts string, now time.Time) (int64, bool) {
	if ts == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0, false
	}
	lag := int64(now.Sub(t) / time.Second)
	if lag < 0 {
		lag = 0
	}
	return lag, true
}
