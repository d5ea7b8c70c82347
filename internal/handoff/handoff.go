// Package handoff turns policy candidates into control intents: a plan pass
// that materializes pending intents, and manual/autonomous execute passes that
// dispatch them through the loop control pathway with idempotency keys and an
// ambiguity retry-guard.
package handoff

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/policy"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

// Intent statuses.
const (
	StatusPending   = "pending_operator_confirmation"
	StatusExecuted  = "executed"
	StatusAmbiguous = "execution_ambiguous"
	StatusFailed    = "execution_failed"
	StatusSkipped   = "skipped"
)

// Outcome reason codes.
const (
	CodeControlConfirmed  = "control_confirmed"
	CodeControlAmbiguous  = "control_ambiguous"
	CodeControlFailed     = "control_failed_command"
	CodeDroppedRetryGuard = "control_dropped_retry_guard"
)

// Execution modes recorded in telemetry.
const (
	ModeManual     = "manual"
	ModeAutonomous = "autonomous"
)

// Intent is one actionable handoff unit derived from a policy candidate.
type Intent struct {
	IntentID       string          `json:"intentId"`
	LoopID         string          `json:"loopId"`
	Category       string          `json:"category"`
	Intent         string          `json:"intent"`
	Status         string          `json:"status"`
	ReasonCode     string          `json:"reasonCode,omitempty"`
	Autonomous     policy.Autonomy `json:"autonomous"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Transport      string          `json:"transport"`
}

// State is the handoff output persisted at fleet/handoff-state.json.
type State struct {
	SchemaVersion  string   `json:"schemaVersion"`
	EnvelopeType   string   `json:"envelopeType"`
	FleetID        string   `json:"fleetId"`
	TraceID        string   `json:"traceId"`
	Mode           string   `json:"mode,omitempty"`
	UpdatedAt      string   `json:"updatedAt"`
	Intents        []Intent `json:"intents"`
	ExecutedCount  int      `json:"executedCount"`
	AmbiguousCount int      `json:"ambiguousCount"`
	FailedCount    int      `json:"failedCount"`
	PendingCount   int      `json:"pendingCount"`
	ReasonCodes    []string `json:"reasonCodes"`
}

// Engine plans and executes handoff intents for one fleet.
type Engine struct {
	Repo *repo.Repo
	// By identifies the acting principal in control requests.
	By string
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
	// NewTransport overrides transport construction, used by tests.
	NewTransport func(entry *fleet.LoopEntry) (transport.Transport, error)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// IdempotencyKey derives the stable key for one intent within a trace.
func IdempotencyKey(traceID, intentID string) string {
	h := fnv.New64a()
	h.Write([]byte(intentID))
	return fmt.Sprintf("fleet-handoff-%s-%x", traceID, h.Sum64())
}

// Plan materializes one pending intent per unsuppressed candidate, in
// candidate order, and persists the handoff state.
func (e *Engine) Plan(reg *fleet.Registry, pol *policy.State, traceID string) (*State, error) {
	if traceID == "" {
		return nil, fmt.Errorf("handoff: traceId is required")
	}
	state := &State{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  "handoff_state",
		FleetID:       reg.FleetID,
		TraceID:       traceID,
	}
	for _, c := range pol.Candidates {
		if c.Suppressed {
			continue
		}
		intent := c.RecommendedIntent
		if intent == "" {
			intent = policy.DefaultIntent
		}
		entry, ok := reg.Loop(c.LoopID)
		if !ok {
			return nil, fmt.Errorf("handoff: candidate %s references unregistered loop", c.CandidateID)
		}
		intentID := c.CandidateID + ":" + intent
		state.Intents = append(state.Intents, Intent{
			IntentID:       intentID,
			LoopID:         c.LoopID,
			Category:       c.Category,
			Intent:         intent,
			Status:         StatusPending,
			Autonomous:     c.Autonomous,
			IdempotencyKey: IdempotencyKey(traceID, intentID),
			Transport:      entry.Transport,
		})
	}
	e.finish(state)
	if err := repo.WriteJSONAtomic(e.Repo.HandoffStateFile(), state); err != nil {
		return nil, err
	}
	return state, nil
}

// ExecuteManual dispatches exactly the listed intents from the persisted
// handoff state. The CLI layer enforces the --execute --confirm pairing; this
// method still refuses an empty selection.
func (e *Engine) ExecuteManual(ctx context.Context, reg *fleet.Registry, traceID string, intentIDs []string) (*State, error) {
	if len(intentIDs) == 0 {
		return nil, fmt.Errorf("handoff: manual execute requires at least one intent id")
	}
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	selected := map[string]bool{}
	for _, id := range intentIDs {
		selected[id] = true
	}
	for _, id := range intentIDs {
		if !hasIntent(state.Intents, id) {
			return nil, fmt.Errorf("handoff: unknown intent id %q", id)
		}
	}

	state.TraceID = traceID
	state.Mode = ModeManual
	for i := range state.Intents {
		it := &state.Intents[i]
		if !selected[it.IntentID] {
			continue
		}
		if err := e.dispatch(ctx, reg, it, traceID, ModeManual); err != nil {
			return nil, err
		}
	}
	e.finish(state)
	if err := repo.WriteJSONAtomic(e.Repo.HandoffStateFile(), state); err != nil {
		return nil, err
	}
	return state, nil
}

// ExecuteAutonomous plans from the current policy state and dispatches only
// eligible intents. Manual-only intents stay pending; retry-guarded intents
// are dropped without any control call.
func (e *Engine) ExecuteAutonomous(ctx context.Context, reg *fleet.Registry, pol *policy.State, traceID string) (*State, error) {
	if reg.Policy.Mode != fleet.ModeGuardedAuto {
		return nil, fmt.Errorf("handoff: autonomous execute requires policy mode %s", fleet.ModeGuardedAuto)
	}
	state, err := e.Plan(reg, pol, traceID)
	if err != nil {
		return nil, err
	}
	state.Mode = ModeAutonomous
	for i := range state.Intents {
		it := &state.Intents[i]
		if hasReason(it.Autonomous.Reasons, policy.ReasonRetryGuardAmbiguous) {
			it.ReasonCode = CodeDroppedRetryGuard
			continue
		}
		if !it.Autonomous.Eligible {
			continue
		}
		if err := e.dispatch(ctx, reg, it, traceID, ModeAutonomous); err != nil {
			return nil, err
		}
	}
	e.finish(state)
	if err := repo.WriteJSONAtomic(e.Repo.HandoffStateFile(), state); err != nil {
		return nil, err
	}
	return state, nil
}

// dispatch routes one control call and folds the outcome back into the intent.
func (e *Engine) dispatch(ctx context.Context, reg *fleet.Registry, it *Intent, traceID, mode string) error {
	entry, ok := reg.Loop(it.LoopID)
	if !ok {
		return fmt.Errorf("handoff: intent %s references unregistered loop", it.IntentID)
	}
	tr, err := e.transportFor(entry)
	if err != nil {
		return err
	}
	by := e.By
	if by == "" {
		by = "ops-manager"
	}

	outcome, err := tr.Control(ctx, transport.ControlRequest{
		LoopID:         it.LoopID,
		Intent:         it.Intent,
		IdempotencyKey: it.IdempotencyKey,
		TraceID:        traceID,
		By:             by,
		Note:           "handoff " + mode + " dispatch for " + it.Category,
	})
	switch {
	case err != nil:
		it.Status = StatusFailed
		it.ReasonCode = CodeControlFailed
	case outcome.Status == transport.OutcomeConfirmed:
		it.Status = StatusExecuted
		it.ReasonCode = CodeControlConfirmed
	case outcome.Status == transport.OutcomeAmbiguous:
		it.Status = StatusAmbiguous
		it.ReasonCode = CodeControlAmbiguous
	default:
		it.Status = StatusFailed
		it.ReasonCode = CodeControlFailed
	}

	e.logger().Info("handoff dispatch",
		zap.String("intentId", it.IntentID),
		zap.String("mode", mode),
		zap.String("status", it.Status))
	return repo.AppendJSONL(e.Repo.FleetTelemetryFile("handoff"), map[string]any{
		"schemaVersion":  envelope.SchemaVersion,
		"timestamp":      e.now().UTC().Format(time.RFC3339),
		"traceId":        traceID,
		"loopId":         it.LoopID,
		"category":       it.Category,
		"intent":         it.Intent,
		"intentId":       it.IntentID,
		"idempotencyKey": it.IdempotencyKey,
		"status":         it.Status,
		"reasonCode":     it.ReasonCode,
		"mode":           mode,
	})
}

func (e *Engine) transportFor(entry *fleet.LoopEntry) (transport.Transport, error) {
	if e.NewTransport != nil {
		return e.NewTransport(entry)
	}
	return fleet.TransportFor(e.Repo, entry, e.Now)
}

func (e *Engine) loadState() (*State, error) {
	var state State
	ok, err := repo.ReadJSON(e.Repo.HandoffStateFile(), &state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("handoff: no planned state at %s; run the plan pass first", e.Repo.HandoffStateFile())
	}
	return &state, nil
}

// finish recomputes counts, reason codes, and the timestamp.
func (e *Engine) finish(state *State) {
	state.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	state.ExecutedCount, state.AmbiguousCount, state.FailedCount, state.PendingCount = 0, 0, 0, 0
	codes := map[string]bool{}
	for _, it := range state.Intents {
		switch it.Status {
		case StatusExecuted:
			state.ExecutedCount++
		case StatusAmbiguous:
			state.AmbiguousCount++
		case StatusFailed:
			state.FailedCount++
		case StatusPending:
			state.PendingCount++
		}
		if it.ReasonCode != "" {
			codes[it.ReasonCode] = true
		}
		if it.ReasonCode == CodeDroppedRetryGuard || hasReason(it.Autonomous.Reasons, policy.ReasonRetryGuardAmbiguous) {
			codes[policy.CodeHandoffRetryGuarded] = true
		}
	}
	state.ReasonCodes = make([]string, 0, len(codes))
	for code := range codes {
		state.ReasonCodes = append(state.ReasonCodes, code)
	}
	sort.Strings(state.ReasonCodes)
}

func hasIntent(intents []Intent, id string) bool {
	for _, it := range intents {
		if it.IntentID == id {
			return true
		}
	}
	return false
}

func hasReason(reasons []string, reason string) bool {
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}
