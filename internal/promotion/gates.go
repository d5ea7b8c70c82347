// Package promotion decides whether autonomy may expand, and applies the
// resulting registry mutations: gate evaluation over governance, outcome
// reliability, safety-suppression evidence, and drill recency, plus an
// idempotent apply path for expand/resume/rollback intents.
package promotion

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/policy"
	"opsmanager/internal/repo"
)

// Decisions.
const (
	DecisionPromote = "promote"
	DecisionHold    = "hold"
)

// Gate group names.
const (
	GateGovernance         = "governance"
	GateOutcomeReliability = "outcome_reliability"
	GateSafetySuppression  = "safety_suppression"
	GateDrillRecency       = "drill_recency"
)

// Drill ids every promotion requires.
var RequiredDrills = []string{"kill_switch", "sprite_service_outage", "ambiguous_retry_guard"}

// GatesConfig tunes gate evaluation. Zero values fall back to defaults.
type GatesConfig struct {
	LookbackExecutions int
	MinSampleSize      int
	MaxAmbiguityRate   float64
	MaxFailureRate     float64
	MaxDrillAgeHours   int
	// RequireAuthorityContext demands governance.authorityContext be set.
	RequireAuthorityContext bool
}

func (c *GatesConfig) defaults() {
	if c.LookbackExecutions <= 0 {
		c.LookbackExecutions = 20
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 5
	}
	if c.MaxAmbiguityRate <= 0 {
		c.MaxAmbiguityRate = 0.2
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.2
	}
	if c.MaxDrillAgeHours <= 0 {
		c.MaxDrillAgeHours = 24 * 30
	}
}

// GateResult is one gate group's verdict.
type GateResult struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Reasons  []string       `json:"reasons"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// State is the gate evaluation persisted at fleet/promotion-state.json.
type State struct {
	SchemaVersion string       `json:"schemaVersion"`
	EnvelopeType  string       `json:"envelopeType"`
	FleetID       string       `json:"fleetId"`
	TraceID       string       `json:"traceId"`
	Decision      string       `json:"decision"`
	Gates         []GateResult `json:"gates"`
	UpdatedAt     string       `json:"updatedAt"`
}

// drillDoc is the operator-maintained fleet/drill-state.json.
type drillDoc struct {
	SchemaVersion string `json:"schemaVersion"`
	Drills        map[string]struct {
		Status      string `json:"status"`
		CompletedAt string `json:"completedAt"`
	} `json:"drills"`
}

// Gates evaluates promotion readiness for one fleet.
type Gates struct {
	Repo   *repo.Repo
	Config GatesConfig
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
}

func (g *Gates) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Evaluate runs all four gate groups and persists the decision. The decision
// is promote iff every gate passes.
func (g *Gates) Evaluate(reg *fleet.Registry, traceID string) (*State, error) {
	if traceID == "" {
		return nil, fmt.Errorf("promotion: traceId is required")
	}
	g.Config.defaults()
	now := g.now()

	var pol policy.State
	hadPolicy, err := repo.ReadJSON(g.Repo.PolicyStateFile(), &pol)
	if err != nil {
		return nil, err
	}

	gates := []GateResult{
		g.governanceGate(reg, now),
		g.reliabilityGate(),
		g.suppressionGate(&pol, hadPolicy),
		g.drillGate(now),
	}

	state := &State{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  "promotion_state",
		FleetID:       reg.FleetID,
		TraceID:       traceID,
		Decision:      DecisionPromote,
		Gates:         gates,
		UpdatedAt:     now.UTC().Format(time.RFC3339),
	}
	for _, gate := range gates {
		if !gate.Passed {
			state.Decision = DecisionHold
		}
	}
	if err := repo.WriteJSONAtomic(g.Repo.PromotionStateFile(), state); err != nil {
		return nil, err
	}
	if g.Logger != nil {
		g.Logger.Info("promotion gates evaluated",
			zap.String("fleetId", reg.FleetID),
			zap.String("decision", state.Decision))
	}
	return state, nil
}

func (g *Gates) governanceGate(reg *fleet.Registry, now time.Time) GateResult {
	res := GateResult{Name: GateGovernance, Reasons: []string{}}
	auto := reg.Policy.Autonomous
	if reg.Policy.Mode != fleet.ModeGuardedAuto || auto == nil {
		res.Reasons = append(res.Reasons, "autonomy_not_enabled")
		return res
	}
	if auto.Safety.KillSwitch {
		res.Reasons = append(res.Reasons, "kill_switch_enabled")
	}
	if g.Config.RequireAuthorityContext && auto.Governance.AuthorityContext == "" {
		res.Reasons = append(res.Reasons, "authority_context_missing")
	}
	reviewBy, err := time.Parse(time.RFC3339, auto.Governance.ReviewBy)
	if err != nil || !reviewBy.After(now) {
		res.Reasons = append(res.Reasons, "governance_review_expired")
	}
	res.Passed = len(res.Reasons) == 0
	return res
}

func (g *Gates) reliabilityGate() GateResult {
	res := GateResult{Name: GateOutcomeReliability, Reasons: []string{}}
	rows, err := repo.ReadJSONLInto[struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}](g.Repo.FleetTelemetryFile("handoff"))
	if err != nil {
		res.Reasons = append(res.Reasons, "handoff_telemetry_unreadable")
		return res
	}
	var window []string
	for _, row := range rows {
		if row.Mode != "autonomous" {
			continue
		}
		switch row.Status {
		case "executed", "execution_failed", "execution_ambiguous":
			window = append(window, row.Status)
		}
	}
	if len(window) > g.Config.LookbackExecutions {
		window = window[len(window)-g.Config.LookbackExecutions:]
	}
	attempted := len(window)
	failed, ambiguous := 0, 0
	for _, status := range window {
		switch status {
		case "execution_failed":
			failed++
		case "execution_ambiguous":
			ambiguous++
		}
	}
	res.Evidence = map[string]any{"attempted": attempted, "failed": failed, "ambiguous": ambiguous}

	if attempted < g.Config.MinSampleSize {
		res.Reasons = append(res.Reasons, "insufficient_sample")
		return res
	}
	if rate := float64(ambiguous) / float64(attempted); rate > g.Config.MaxAmbiguityRate {
		res.Reasons = append(res.Reasons, "ambiguity_rate_exceeded")
	}
	if rate := float64(failed) / float64(attempted); rate > g.Config.MaxFailureRate {
		res.Reasons = append(res.Reasons, "failure_rate_exceeded")
	}
	res.Passed = len(res.Reasons) == 0
	return res
}

// suppressionGate demands observed evidence that every gating path works:
// each blocked-count bucket in the last policy pass must be populated, and
// autopause must be inactive.
func (g *Gates) suppressionGate(pol *policy.State, hadPolicy bool) GateResult {
	res := GateResult{Name: GateSafetySuppression, Reasons: []string{}}
	if !hadPolicy {
		res.Reasons = append(res.Reasons, "no_policy_pass_recorded")
		return res
	}
	if pol.Summary.ByAutonomyReason[policy.ReasonRolloutPausedAuto] > 0 {
		res.Reasons = append(res.Reasons, "autopause_active")
	}
	res.Evidence = map[string]any{"blockedCounts": pol.Summary.BlockedCounts}
	for _, path := range []string{"policyGated", "rolloutGated", "governanceGated", "transportGated"} {
		if pol.Summary.BlockedCounts[path] == 0 {
			res.Reasons = append(res.Reasons, "suppression_path_unexercised:"+path)
		}
	}
	res.Passed = len(res.Reasons) == 0
	return res
}

func (g *Gates) drillGate(now time.Time) GateResult {
	res := GateResult{Name: GateDrillRecency, Reasons: []string{}}
	var doc drillDoc
	ok, err := repo.ReadJSON(g.Repo.DrillStateFile(), &doc)
	if err != nil || !ok {
		res.Reasons = append(res.Reasons, "drill_state_missing")
		return res
	}
	maxAge := time.Duration(g.Config.MaxDrillAgeHours) * time.Hour
	for _, id := range RequiredDrills {
		drill, ok := doc.Drills[id]
		if !ok {
			res.Reasons = append(res.Reasons, "drill_missing:"+id)
			continue
		}
		if drill.Status != "pass" {
			res.Reasons = append(res.Reasons, "drill_not_passed:"+id)
			continue
		}
		completed, err := time.Parse(time.RFC3339, drill.CompletedAt)
		if err != nil || now.Sub(completed) > maxAge {
			res.Reasons = append(res.Reasons, "drill_stale:"+id)
		}
	}
	res.Passed = len(res.Reasons) == 0
	return res
}
