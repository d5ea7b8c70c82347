package health

// The closed set of health reason codes. The evaluator never emits a code that
// is not listed here; extending the set means editing this file and the
// severity table in evaluator.go together.
const (
	ReasonIngestStale                = "ingest_stale"
	ReasonRuntimeHeartbeatStale      = "runtime_heartbeat_stale"
	ReasonTransportUnreachable       = "transport_unreachable"
	ReasonOrderingDriftDetected      = "ordering_drift_detected"
	ReasonControlAmbiguous           = "control_ambiguous"
	ReasonApprovalCompletionConflict = "approval_completion_conflict"
	ReasonDivergenceDetected         = "divergence_detected"
)

var knownReasons = map[string]bool{
	ReasonIngestStale:                true,
	ReasonRuntimeHeartbeatStale:      true,
	ReasonTransportUnreachable:       true,
	ReasonOrderingDriftDetected:      true,
	ReasonControlAmbiguous:           true,
	ReasonApprovalCompletionConflict: true,
	ReasonDivergenceDetected:         true,
}

// KnownReason reports membership in the closed reason-code set.
func KnownReason(code string) bool { return knownReasons[code] }
