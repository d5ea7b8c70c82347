package policy

import (
	"hash/fnv"
	"time"

	"opsmanager/internal/fleet"
	"opsmanager/internal/repo"
)

// Autonomy disqualification reason codes. All applicable reasons are
// collected per candidate; eligibility requires an empty list.
const (
	ReasonCategoryNotAllowlisted    = "category_not_allowlisted"
	ReasonIntentNotAllowlisted      = "intent_not_allowlisted"
	ReasonSeverityBelowThreshold    = "severity_below_threshold"
	ReasonConfidenceBelowThreshold  = "confidence_below_threshold"
	ReasonKillSwitchEnabled         = "autonomous_kill_switch_enabled"
	ReasonMaxActionsPerLoopExceeded = "autonomous_max_actions_per_loop_exceeded"
	ReasonMaxActionsPerRunExceeded  = "autonomous_max_actions_per_run_exceeded"
	ReasonAutonomousCooldownActive  = "autonomous_cooldown_active"
	ReasonRolloutScopeExcluded      = "autonomous_rollout_scope_excluded"
	ReasonRolloutCanaryExcluded     = "autonomous_rollout_canary_excluded"
	ReasonRolloutPausedManual       = "autonomous_rollout_paused_manual"
	ReasonRolloutPausedAuto         = "autonomous_rollout_paused_auto"
	ReasonAutopauseFailureSpike     = "autonomous_autopause_failure_spike"
	ReasonAutopauseAmbiguousSpike   = "autonomous_autopause_ambiguous_spike"
	ReasonRetryGuardAmbiguous       = "autonomous_retry_guard_ambiguous"
)

var severityRank = map[string]int{SeverityWarning: 1, SeverityCritical: 2}
var confidenceRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// CohortBucket buckets a loop into [0,100) deterministically across runs and
// platforms: FNV-1a over "<loopId>|<salt>" mod 100.
func CohortBucket(loopID, salt string) int {
	h := fnv.New32a()
	h.Write([]byte(loopID + "|" + salt))
	return int(h.Sum32() % 100)
}

// autopauseState is the pass-wide auto-pause evaluation.
type autopauseState struct {
	Active  bool
	Reasons []string
}

// evaluateAutopause inspects the tail of the autonomous handoff telemetry.
func evaluateAutopause(r *repo.Repo, cfg *fleet.AutoPause) (autopauseState, error) {
	var st autopauseState
	if cfg == nil || !cfg.Enabled {
		return st, nil
	}
	rows, err := repo.ReadJSONLInto[handoffTelemetryRow](r.FleetTelemetryFile("handoff"))
	if err != nil {
		return st, err
	}
	var window []handoffTelemetryRow
	for _, row := range rows {
		if row.Mode != "autonomous" {
			continue
		}
		switch row.Status {
		case "executed", "execution_failed", "execution_ambiguous":
			window = append(window, row)
		}
	}
	if len(window) > cfg.LookbackExecutions {
		window = window[len(window)-cfg.LookbackExecutions:]
	}
	attempted := len(window)
	if attempted < cfg.MinSampleSize {
		return st, nil
	}
	failed, ambiguous := 0, 0
	for _, row := range window {
		switch row.Status {
		case "execution_failed":
			failed++
		case "execution_ambiguous":
			ambiguous++
		}
	}
	failureRate := float64(failed) / float64(attempted)
	ambiguityRate := float64(ambiguous) / float64(attempted)
	if failureRate >= cfg.FailureRateThreshold {
		st.Active = true
		st.Reasons = append(st.Reasons, ReasonAutopauseFailureSpike)
	}
	if ambiguityRate >= cfg.AmbiguityRateThreshold {
		st.Active = true
		st.Reasons = append(st.Reasons, ReasonAutopauseAmbiguousSpike)
	}
	return st, nil
}

// handoffTelemetryRow mirrors what the handoff engine appends per dispatch.
type handoffTelemetryRow struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"traceId"`
	LoopID    string `json:"loopId"`
	Category  string `json:"category"`
	Intent    string `json:"intent"`
	Status    string `json:"status"`
	Mode      string `json:"mode"`
}

// gateAutonomy classifies each unsuppressed candidate for autonomous
// execution. Candidates are visited in their (already sorted) order so the
// max-actions counters are deterministic.
func gateAutonomy(r *repo.Repo, candidates []Candidate, auto *fleet.AutonomousPolicy, now time.Time) error {
	lastFired, err := lastFiredAt(r)
	if err != nil {
		return err
	}
	guarded, err := ambiguousRetryKeys(r)
	if err != nil {
		return err
	}
	var autopause autopauseState
	if auto.Rollout != nil {
		autopause, err = evaluateAutopause(r, auto.Rollout.Pause.Auto)
		if err != nil {
			return err
		}
	}

	perLoop := map[string]int{}
	eligibleTotal := 0
	for i := range candidates {
		c := &candidates[i]
		if c.Suppressed {
			c.Autonomous = Autonomy{ManualOnly: true, Reasons: []string{}}
			continue
		}
		reasons := []string{}

		if !contains(auto.Allow.Categories, c.Category) {
			reasons = append(reasons, ReasonCategoryNotAllowlisted)
		}
		if !contains(auto.Allow.Intents, c.RecommendedIntent) {
			reasons = append(reasons, ReasonIntentNotAllowlisted)
		}
		if min := auto.Thresholds.MinSeverity; min != "" && severityRank[c.Severity] < severityRank[min] {
			reasons = append(reasons, ReasonSeverityBelowThreshold)
		}
		if min := auto.Thresholds.MinConfidence; min != "" && confidenceRank[c.Confidence] < confidenceRank[min] {
			reasons = append(reasons, ReasonConfidenceBelowThreshold)
		}
		if auto.Safety.KillSwitch {
			reasons = append(reasons, ReasonKillSwitchEnabled)
		}
		if auto.Safety.MaxActionsPerLoop > 0 && perLoop[c.LoopID] >= auto.Safety.MaxActionsPerLoop {
			reasons = append(reasons, ReasonMaxActionsPerLoopExceeded)
		}
		if auto.Safety.MaxActionsPerRun > 0 && eligibleTotal >= auto.Safety.MaxActionsPerRun {
			reasons = append(reasons, ReasonMaxActionsPerRunExceeded)
		}
		if auto.Safety.CooldownSeconds > 0 {
			if fired, ok := lastFired[c.CandidateID]; ok && now.Sub(fired) < time.Duration(auto.Safety.CooldownSeconds)*time.Second {
				reasons = append(reasons, ReasonAutonomousCooldownActive)
			}
		}

		if ro := auto.Rollout; ro != nil {
			status := &RolloutStatus{CanaryPercent: ro.CanaryPercent}
			if len(ro.Scope.LoopIDs) > 0 && !contains(ro.Scope.LoopIDs, c.LoopID) {
				reasons = append(reasons, ReasonRolloutScopeExcluded)
			}
			status.Bucket = CohortBucket(c.LoopID, ro.Selector.Salt)
			status.InCohort = status.Bucket < ro.CanaryPercent
			if !status.InCohort {
				reasons = append(reasons, ReasonRolloutCanaryExcluded)
			}
			if ro.Pause.Manual {
				status.PausedManual = true
				reasons = append(reasons, ReasonRolloutPausedManual)
			}
			if autopause.Active {
				status.PausedAuto = true
				reasons = append(reasons, autopause.Reasons...)
				reasons = append(reasons, ReasonRolloutPausedAuto)
			}
			c.Autonomous.Rollout = status
		}

		if guarded[retryKey(c.LoopID, c.Category, c.RecommendedIntent)] {
			reasons = append(reasons, ReasonRetryGuardAmbiguous)
		}

		c.Autonomous.Reasons = reasons
		c.Autonomous.Eligible = len(reasons) == 0
		c.Autonomous.ManualOnly = !c.Autonomous.Eligible
		if c.Autonomous.Eligible {
			perLoop[c.LoopID]++
			eligibleTotal++
		}
	}
	return nil
}

func retryKey(loopID, category, intent string) string {
	return loopID + "|" + category + "|" + intent
}

// ambiguousRetryKeys returns the (loopId, category, intent) keys whose most
// recent handoff outcome was execution_ambiguous. Any later row for the same
// key, including a manual re-execution, lifts the guard.
func ambiguousRetryKeys(r *repo.Repo) (map[string]bool, error) {
	rows, err := repo.ReadJSONLInto[handoffTelemetryRow](r.FleetTelemetryFile("handoff"))
	if err != nil {
		return nil, err
	}
	last := map[string]string{}
	for _, row := range rows {
		last[retryKey(row.LoopID, row.Category, row.Intent)] = row.Status
	}
	out := map[string]bool{}
	for key, status := range last {
		if status == "execution_ambiguous" {
			out[key] = true
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
