package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/repo"
)

// Pass-level reason codes surfaced in policy-state.json. The set is fixed.
const (
	CodeActionRequired      = "fleet_action_required"
	CodeActionsSuppressed   = "fleet_actions_suppressed"
	CodeActionsDeduped      = "fleet_actions_deduped"
	CodeAutoEligible        = "fleet_auto_candidates_eligible"
	CodeAutoSafetyBlocked   = "fleet_auto_candidates_safety_blocked"
	CodeAutoRolloutGated    = "fleet_auto_candidates_rollout_gated"
	CodeAutoPaused          = "fleet_auto_candidates_paused"
	CodeAutopauseTriggered  = "fleet_auto_candidates_autopause_triggered"
	CodeAutoKillSwitch      = "fleet_auto_kill_switch_enabled"
	CodeHandoffRetryGuarded = "fleet_handoff_retry_guarded"
)

// Counts summarizes a candidate list.
type Counts struct {
	CandidateCount    int `json:"candidateCount"`
	UnsuppressedCount int `json:"unsuppressedCount"`
	SuppressedCount   int `json:"suppressedCount"`
	AutoEligibleCount int `json:"autoEligibleCount"`
	ManualOnlyCount   int `json:"manualOnlyCount"`
}

// Summary carries observability aggregates consumed by promotion gates.
type Summary struct {
	ByAutonomyReason map[string]int `json:"byAutonomyReason"`
	BlockedCounts    map[string]int `json:"blockedCounts"`
}

// State is the policy pass output persisted at fleet/policy-state.json.
// AutonomousSnapshot is the normalized autonomous block kept for audit
// diffing on the next pass.
type State struct {
	SchemaVersion      string          `json:"schemaVersion"`
	EnvelopeType       string          `json:"envelopeType"`
	FleetID            string          `json:"fleetId"`
	TraceID            string          `json:"traceId"`
	Mode               string          `json:"mode"`
	UpdatedAt          string          `json:"updatedAt"`
	Candidates         []Candidate     `json:"candidates"`
	Counts             Counts          `json:"counts"`
	Summary            Summary         `json:"summary"`
	ReasonCodes        []string        `json:"reasonCodes"`
	AutonomousSnapshot json.RawMessage `json:"autonomousSnapshot,omitempty"`
}

// Engine runs the policy pipeline over a fleet reconcile outcome.
type Engine struct {
	Repo *repo.Repo
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
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

// Run executes the full pipeline: generation, suppression, cooldown, autonomy
// gating, governance audit, output. The fleet state must come from a completed
// reconcile pass.
func (e *Engine) Run(reg *fleet.Registry, fleetState *fleet.State, traceID string) (*State, error) {
	if traceID == "" {
		return nil, fmt.Errorf("policy: traceId is required")
	}
	now := e.now()

	var prior State
	hadPrior, err := repo.ReadJSON(e.Repo.PolicyStateFile(), &prior)
	if err != nil {
		return nil, err
	}

	candidates := generate(e.Repo, fleetState.Results)
	suppress(candidates, reg.Policy.Suppressions)
	if err := cooldown(e.Repo, candidates, reg.Policy.NoiseControls.DedupeWindowSeconds, now); err != nil {
		return nil, err
	}
	if reg.Policy.Mode == fleet.ModeGuardedAuto {
		if err := gateAutonomy(e.Repo, candidates, reg.Policy.Autonomous, now); err != nil {
			return nil, err
		}
	} else {
		for i := range candidates {
			candidates[i].Autonomous = Autonomy{ManualOnly: true, Reasons: []string{}}
		}
	}

	state := &State{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  "policy_state",
		FleetID:       reg.FleetID,
		TraceID:       traceID,
		Mode:          reg.Policy.Mode,
		UpdatedAt:     now.UTC().Format(time.RFC3339),
		Candidates:    candidates,
	}
	state.summarize(reg.Policy.Mode)

	if reg.Policy.Autonomous != nil {
		snapshot, err := repo.CanonicalValue(reg.Policy.Autonomous)
		if err != nil {
			return nil, err
		}
		state.AutonomousSnapshot = snapshot
	}

	if err := e.audit(&prior, hadPrior, state, reg, traceID, now); err != nil {
		return nil, err
	}
	if err := recordFired(e.Repo, candidates, traceID, now); err != nil {
		return nil, err
	}
	if err := repo.WriteJSONAtomic(e.Repo.PolicyStateFile(), state); err != nil {
		return nil, err
	}

	e.logger().Info("policy pass complete",
		zap.String("fleetId", reg.FleetID),
		zap.String("traceId", traceID),
		zap.String("mode", state.Mode),
		zap.Int("candidates", state.Counts.CandidateCount),
		zap.Int("autoEligible", state.Counts.AutoEligibleCount),
		zap.Strings("reasonCodes", state.ReasonCodes))
	return state, nil
}

// Reason-to-gate attribution for promotion's safety_suppression evidence.
var blockedPathByReason = map[string]string{
	ReasonCategoryNotAllowlisted:    "policyGated",
	ReasonIntentNotAllowlisted:      "policyGated",
	ReasonSeverityBelowThreshold:    "policyGated",
	ReasonConfidenceBelowThreshold:  "policyGated",
	ReasonKillSwitchEnabled:         "governanceGated",
	ReasonMaxActionsPerLoopExceeded: "governanceGated",
	ReasonMaxActionsPerRunExceeded:  "governanceGated",
	ReasonAutonomousCooldownActive:  "governanceGated",
	ReasonRolloutScopeExcluded:      "rolloutGated",
	ReasonRolloutCanaryExcluded:     "rolloutGated",
	ReasonRolloutPausedManual:       "rolloutGated",
	ReasonRolloutPausedAuto:         "rolloutGated",
	ReasonAutopauseFailureSpike:     "rolloutGated",
	ReasonAutopauseAmbiguousSpike:   "rolloutGated",
	ReasonRetryGuardAmbiguous:       "transportGated",
}

func (st *State) summarize(mode string) {
	st.Summary.ByAutonomyReason = map[string]int{}
	st.Summary.BlockedCounts = map[string]int{
		"policyGated": 0, "rolloutGated": 0, "governanceGated": 0, "transportGated": 0,
	}
	codes := map[string]bool{}

	for _, c := range st.Candidates {
		st.Counts.CandidateCount++
		if c.Suppressed {
			st.Counts.SuppressedCount++
			if c.SuppressionScope == ScopeCooldown {
				codes[CodeActionsDeduped] = true
			} else {
				codes[CodeActionsSuppressed] = true
			}
			continue
		}
		st.Counts.UnsuppressedCount++
		codes[CodeActionRequired] = true

		if mode != fleet.ModeGuardedAuto {
			continue
		}
		if c.Autonomous.Eligible {
			st.Counts.AutoEligibleCount++
			codes[CodeAutoEligible] = true
			continue
		}
		st.Counts.ManualOnlyCount++
		seen := map[string]bool{}
		for _, reason := range c.Autonomous.Reasons {
			st.Summary.ByAutonomyReason[reason]++
			if path := blockedPathByReason[reason]; path != "" && !seen[path] {
				st.Summary.BlockedCounts[path]++
				seen[path] = true
			}
			switch reason {
			case ReasonKillSwitchEnabled:
				codes[CodeAutoKillSwitch] = true
				codes[CodeAutoSafetyBlocked] = true
			case ReasonMaxActionsPerLoopExceeded, ReasonMaxActionsPerRunExceeded, ReasonAutonomousCooldownActive:
				codes[CodeAutoSafetyBlocked] = true
			case ReasonRolloutScopeExcluded, ReasonRolloutCanaryExcluded:
				codes[CodeAutoRolloutGated] = true
			case ReasonRolloutPausedManual:
				codes[CodeAutoPaused] = true
			case ReasonRolloutPausedAuto, ReasonAutopauseFailureSpike, ReasonAutopauseAmbiguousSpike:
				codes[CodeAutopauseTriggered] = true
				codes[CodeAutoPaused] = true
			case ReasonRetryGuardAmbiguous:
				codes[CodeHandoffRetryGuarded] = true
			}
		}
	}

	st.ReasonCodes = make([]string, 0, len(codes))
	for code := range codes {
		st.ReasonCodes = append(st.ReasonCodes, code)
	}
	sort.Strings(st.ReasonCodes)
}
