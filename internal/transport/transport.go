// Package transport abstracts how the control plane reaches a loop runtime:
// directly through the filesystem (local) or through the sprite HTTP service
// (sprite_service). Both adapters expose identical semantics; for equivalent
// repo contents their snapshot and event projections canonicalize to the same
// bytes.
//
// Transport outputs carry no wall-clock stamps. Timestamps are applied by the
// reconciler when it persists, which is what makes cross-adapter parity
// bytewise checkable.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"opsmanager/internal/envelope"
)

// Adapter kinds, as configured in the fleet registry.
const (
	KindLocal         = "local"
	KindSpriteService = "sprite_service"
)

// EnvControlScript names the injected control actuator for the local adapter.
const EnvControlScript = "OPS_MANAGER_CONTROL_SCRIPT"

// Control outcome statuses.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeAmbiguous = "ambiguous"
	OutcomeFailed    = "failed"
)

// Control intents accepted by every adapter.
var allowedIntents = map[string]bool{
	"cancel":  true,
	"approve": true,
	"reject":  true,
}

// AllowedIntent reports whether an intent is accepted by the control pathway.
func AllowedIntent(intent string) bool { return allowedIntents[intent] }

// EventsPage is one bounded poll of the event stream.
type EventsPage struct {
	OK     bool                    `json:"ok"`
	Events []envelope.LoopRunEvent `json:"events"`
	Cursor envelope.Cursor         `json:"cursor"`
	Source envelope.Source         `json:"source"`
}

// ControlRequest describes one control actuation.
type ControlRequest struct {
	LoopID         string         `json:"loopId"`
	Intent         string         `json:"intent"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
	By             string         `json:"by,omitempty"`
	Note           string         `json:"note,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Validate rejects malformed control requests before they reach an actuator.
func (r *ControlRequest) Validate() error {
	if r.LoopID == "" {
		return fmt.Errorf("control: loopId is required")
	}
	if !AllowedIntent(r.Intent) {
		return fmt.Errorf("control: intent must be cancel, approve, or reject")
	}
	return nil
}

// ControlOutcome is the terminal result of a control actuation. Replays of an
// idempotency key return the stored outcome with Replayed=true.
type ControlOutcome struct {
	OK       bool            `json:"ok"`
	Status   string          `json:"status"`
	ExitCode int             `json:"exitCode"`
	Result   json.RawMessage `json:"result,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	Replayed bool            `json:"replayed"`
}

// Transport is the uniform surface over a loop runtime.
type Transport interface {
	Kind() string
	Snapshot(ctx context.Context, loopID string) (*envelope.LoopRunSnapshot, error)
	Events(ctx context.Context, loopID string, cursor int64, maxEvents int) (*EventsPage, error)
	Control(ctx context.Context, req ControlRequest) (*ControlOutcome, error)
}

// UnreachableError marks failures the reconciler classifies as
// transport_unreachable: timeouts, network errors, auth rejections, and
// service-side 5xx responses.
type UnreachableError struct {
	Kind string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s transport unreachable: %v", e.Kind, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }
