package policy

import (
	"bytes"
	"encoding/json"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/repo"
)

// Governance audit event types.
const (
	EventPolicyInitialized = "autonomous_policy_initialized"
	EventPolicyMutated     = "autonomous_policy_mutated"
	EventModeToggled       = "autonomous_mode_toggled"
)

// auditEvent is one immutable row in telemetry/policy-governance.jsonl.
type auditEvent struct {
	SchemaVersion      string          `json:"schemaVersion"`
	Timestamp          string          `json:"timestamp"`
	EventType          string          `json:"eventType"`
	TraceID            string          `json:"traceId"`
	Mode               string          `json:"mode"`
	PreviousMode       string          `json:"previousMode,omitempty"`
	Governance         json.RawMessage `json:"governance,omitempty"`
	Controls           json.RawMessage `json:"controls,omitempty"`
	PreviousGovernance json.RawMessage `json:"previousGovernance,omitempty"`
	PreviousControls   json.RawMessage `json:"previousControls,omitempty"`
}

// controlsOf strips governance out of the autonomous block so the audit can
// report the two halves separately.
func controlsOf(auto *fleet.AutonomousPolicy) (json.RawMessage, error) {
	if auto == nil {
		return nil, nil
	}
	controls := struct {
		Allow      fleet.Allowlists         `json:"allow"`
		Thresholds fleet.AutonomyThresholds `json:"thresholds"`
		Safety     fleet.Safety             `json:"safety"`
		Rollout    *fleet.Rollout           `json:"rollout,omitempty"`
	}{auto.Allow, auto.Thresholds, auto.Safety, auto.Rollout}
	return repo.CanonicalValue(controls)
}

func governanceOf(auto *fleet.AutonomousPolicy) (json.RawMessage, error) {
	if auto == nil {
		return nil, nil
	}
	return repo.CanonicalValue(auto.Governance)
}

// audit compares this pass against the prior persisted policy state and
// appends exactly one event per detected change. Identical consecutive passes
// append nothing.
func (e *Engine) audit(prior *State, hadPrior bool, next *State, reg *fleet.Registry, traceID string, now time.Time) error {
	governance, err := governanceOf(reg.Policy.Autonomous)
	if err != nil {
		return err
	}
	controls, err := controlsOf(reg.Policy.Autonomous)
	if err != nil {
		return err
	}

	append1 := func(ev auditEvent) error {
		ev.SchemaVersion = envelope.SchemaVersion
		ev.Timestamp = now.UTC().Format(time.RFC3339)
		ev.TraceID = traceID
		return repo.AppendJSONL(e.Repo.FleetTelemetryFile("policy-governance"), ev)
	}

	if !hadPrior {
		return append1(auditEvent{
			EventType:  EventPolicyInitialized,
			Mode:       next.Mode,
			Governance: governance,
			Controls:   controls,
		})
	}

	if prior.Mode != next.Mode {
		if err := append1(auditEvent{
			EventType:    EventModeToggled,
			Mode:         next.Mode,
			PreviousMode: prior.Mode,
			Governance:   governance,
			Controls:     controls,
		}); err != nil {
			return err
		}
	}

	if !bytes.Equal(prior.AutonomousSnapshot, next.AutonomousSnapshot) {
		prevGovernance, prevControls := splitSnapshot(prior.AutonomousSnapshot)
		return append1(auditEvent{
			EventType:          EventPolicyMutated,
			Mode:               next.Mode,
			Governance:         governance,
			Controls:           controls,
			PreviousGovernance: prevGovernance,
			PreviousControls:   prevControls,
		})
	}
	return nil
}

// splitSnapshot re-derives governance and controls halves from a stored
// normalized autonomous block. Best effort: an unreadable snapshot yields nil
// halves rather than blocking the audit.
func splitSnapshot(snapshot json.RawMessage) (json.RawMessage, json.RawMessage) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	var auto fleet.AutonomousPolicy
	if err := json.Unmarshal(snapshot, &auto); err != nil {
		return nil, nil
	}
	governance, err := governanceOf(&auto)
	if err != nil {
		return nil, nil
	}
	controls, err := controlsOf(&auto)
	if err != nil {
		return governance, nil
	}
	return governance, controls
}
