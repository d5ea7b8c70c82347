// Package policy turns fleet reconcile outcomes into action candidates:
// generation from a fixed category set, suppression with loop-over-global
// precedence, cooldown de-duplication, and guarded_auto autonomy gating with
// an immutable governance audit trail.
package policy

import (
	"fmt"
	"sort"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/health"
	"opsmanager/internal/reconcile"
	"opsmanager/internal/repo"
)

// Candidate severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Suppression scopes.
const (
	ScopeLoop     = "loop"
	ScopeGlobal   = "global"
	ScopeCooldown = "cooldown"
)

// ReasonCooldownActive marks a candidate deduped by the advisory cooldown.
const ReasonCooldownActive = "advisory_cooldown_active"

// DefaultIntent is recommended when no category-specific intent applies.
const DefaultIntent = "cancel"

// Autonomy is a candidate's autonomous-execution classification.
// Invariant: Eligible iff Reasons is empty; ManualOnly is the complement.
type Autonomy struct {
	Eligible   bool           `json:"eligible"`
	ManualOnly bool           `json:"manualOnly"`
	Reasons    []string       `json:"reasons"`
	Rollout    *RolloutStatus `json:"rollout,omitempty"`
}

// RolloutStatus records how the rollout gate judged a candidate.
type RolloutStatus struct {
	Bucket        int  `json:"bucket"`
	CanaryPercent int  `json:"canaryPercent"`
	InCohort      bool `json:"inCohort"`
	PausedManual  bool `json:"pausedManual"`
	PausedAuto    bool `json:"pausedAuto"`
}

// Candidate is one derived policy action candidate. Candidates are never
// stored authoritatively; their fired history lives in policy-history.jsonl.
type Candidate struct {
	CandidateID       string   `json:"candidateId"`
	LoopID            string   `json:"loopId"`
	Category          string   `json:"category"`
	Severity          string   `json:"severity"`
	Confidence        string   `json:"confidence"`
	Rationale         string   `json:"rationale"`
	RecommendedIntent string   `json:"recommendedIntent"`
	Suppressed        bool     `json:"suppressed"`
	SuppressionScope  string   `json:"suppressionScope,omitempty"`
	SuppressionReason string   `json:"suppressionReason,omitempty"`
	Autonomous        Autonomy `json:"autonomous"`
}

// historyRow is one fired-candidate record in policy-history.jsonl.
type historyRow struct {
	Timestamp   string `json:"timestamp"`
	TraceID     string `json:"traceId"`
	CandidateID string `json:"candidateId"`
	LoopID      string `json:"loopId"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
}

// generate derives candidates from each loop result and its health reasons.
// Output is sorted by candidateId.
func generate(r *repo.Repo, results []reconcile.Result) []Candidate {
	var out []Candidate
	for _, res := range results {
		confidence := envelope.ConfidenceHigh
		var st envelope.ProjectedState
		if ok, _ := repo.ReadJSON(r.ProjectedStateFile(res.LoopID), &st); ok && st.Transition.Confidence != "" {
			confidence = st.Transition.Confidence
		}

		add := func(category, severity, rationale string) {
			out = append(out, Candidate{
				CandidateID:       res.LoopID + ":" + category,
				LoopID:            res.LoopID,
				Category:          category,
				Severity:          severity,
				Confidence:        confidence,
				Rationale:         rationale,
				RecommendedIntent: DefaultIntent,
			})
		}

		if res.Status == reconcile.StatusFailed {
			add(fleet.CategoryReconcileFailed, SeverityCritical, "reconcile failed: "+res.Error)
		}
		switch res.HealthStatus {
		case health.StatusCritical:
			add(fleet.CategoryHealthCritical, SeverityCritical, rationaleFor("health critical", res.HealthReasonCodes))
		case health.StatusDegraded:
			add(fleet.CategoryHealthDegraded, SeverityWarning, rationaleFor("health degraded", res.HealthReasonCodes))
		}
		if res.DivergenceAny {
			severity := SeverityWarning
			if res.HealthStatus == health.StatusCritical {
				severity = SeverityCritical
			}
			add(fleet.CategoryDivergenceDetected, severity, "projected state diverged from runtime artifacts")
		}
		for _, code := range res.HealthReasonCodes {
			switch code {
			case health.ReasonOrderingDriftDetected:
				add(fleet.CategoryOrderingDriftDetected, SeverityWarning, "sequence ordering drift observed")
			case health.ReasonControlAmbiguous:
				add(fleet.CategoryControlAmbiguous, SeverityWarning, "last control outcome was ambiguous")
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out
}

func rationaleFor(prefix string, codes []string) string {
	if len(codes) == 0 {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, codes)
}

// suppress applies registry suppressions. Loop scope strictly dominates the
// global "*" scope.
func suppress(candidates []Candidate, suppressions map[string][]string) {
	has := func(scope, category string) bool {
		for _, c := range suppressions[scope] {
			if c == category {
				return true
			}
		}
		return false
	}
	for i := range candidates {
		c := &candidates[i]
		switch {
		case has(c.LoopID, c.Category):
			c.Suppressed = true
			c.SuppressionScope = ScopeLoop
			c.SuppressionReason = "suppressed_by_loop_scope"
		case has(fleet.GlobalScope, c.Category):
			c.Suppressed = true
			c.SuppressionScope = ScopeGlobal
			c.SuppressionReason = "suppressed_by_global_scope"
		}
	}
}

// cooldown marks candidates that fired within the dedupe window.
func cooldown(r *repo.Repo, candidates []Candidate, windowSeconds int64, now time.Time) error {
	if windowSeconds <= 0 {
		return nil
	}
	lastFired, err := lastFiredAt(r)
	if err != nil {
		return err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.Suppressed {
			continue
		}
		fired, ok := lastFired[c.CandidateID]
		if !ok {
			continue
		}
		if now.Sub(fired) < time.Duration(windowSeconds)*time.Second {
			c.Suppressed = true
			c.SuppressionScope = ScopeCooldown
			c.SuppressionReason = ReasonCooldownActive
		}
	}
	return nil
}

func lastFiredAt(r *repo.Repo) (map[string]time.Time, error) {
	rows, err := repo.ReadJSONLInto[historyRow](r.FleetTelemetryFile("policy-history"))
	if err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339, row.Timestamp)
		if err != nil {
			continue
		}
		if prev, ok := out[row.CandidateID]; !ok || ts.After(prev) {
			out[row.CandidateID] = ts
		}
	}
	return out, nil
}

// recordFired appends one history row per unsuppressed candidate.
func recordFired(r *repo.Repo, candidates []Candidate, traceID string, now time.Time) error {
	for _, c := range candidates {
		if c.Suppressed {
			continue
		}
		err := repo.AppendJSONL(r.FleetTelemetryFile("policy-history"), historyRow{
			Timestamp:   now.UTC().Format(time.RFC3339),
			TraceID:     traceID,
			CandidateID: c.CandidateID,
			LoopID:      c.LoopID,
			Category:    c.Category,
			Severity:    c.Severity,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
