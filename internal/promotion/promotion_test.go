package promotion

import (
	"errors"
	"testing"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/policy"
	"opsmanager/internal/repo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func writeRegistry(t *testing.T, r *repo.Repo, canary int) *fleet.Registry {
	t.Helper()
	reg := &fleet.Registry{
		SchemaVersion: envelope.SchemaVersion,
		FleetID:       "fleet-1",
		Loops: []fleet.LoopEntry{
			{LoopID: "loop-a", Transport: "local", Enabled: true},
		},
		Policy: fleet.FleetPolicy{
			Mode: fleet.ModeGuardedAuto,
			Autonomous: &fleet.AutonomousPolicy{
				Governance: fleet.Governance{
					Actor:       "ops-lead",
					ApprovalRef: "CHG-100",
					Rationale:   "pilot",
					ChangedAt:   fixedNow.Add(-time.Hour).Format(time.RFC3339),
					ReviewBy:    fixedNow.Add(30 * 24 * time.Hour).Format(time.RFC3339),
				},
				Allow:   fleet.Allowlists{Categories: []string{fleet.CategoryReconcileFailed}, Intents: []string{"cancel"}},
				Rollout: &fleet.Rollout{CanaryPercent: canary},
			},
		},
	}
	reg.Policy.Autonomous.Rollout.Pause.Manual = true
	if err := repo.WriteJSONAtomic(r.FleetRegistryFile(), reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func seedPolicyState(t *testing.T, r *repo.Repo, blocked map[string]int) {
	t.Helper()
	st := policy.State{
		SchemaVersion: envelope.SchemaVersion,
		FleetID:       "fleet-1",
	}
	st.Summary.ByAutonomyReason = map[string]int{}
	st.Summary.BlockedCounts = blocked
	if err := repo.WriteJSONAtomic(r.PolicyStateFile(), st); err != nil {
		t.Fatal(err)
	}
}

func allBlocked() map[string]int {
	return map[string]int{"policyGated": 1, "rolloutGated": 2, "governanceGated": 1, "transportGated": 1}
}

func seedHandoffRows(t *testing.T, r *repo.Repo, statuses ...string) {
	t.Helper()
	for _, status := range statuses {
		err := repo.AppendJSONL(r.FleetTelemetryFile("handoff"), map[string]any{
			"timestamp": fixedNow.Add(-time.Hour).Format(time.RFC3339),
			"loopId":    "loop-a", "category": "reconcile_failed", "intent": "cancel",
			"status": status, "mode": "autonomous",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func seedDrills(t *testing.T, r *repo.Repo, completedAt time.Time, status string) {
	t.Helper()
	drills := map[string]map[string]string{}
	for _, id := range RequiredDrills {
		drills[id] = map[string]string{"status": status, "completedAt": completedAt.Format(time.RFC3339)}
	}
	doc := map[string]any{"schemaVersion": envelope.SchemaVersion, "drills": drills}
	if err := repo.WriteJSONAtomic(r.DrillStateFile(), doc); err != nil {
		t.Fatal(err)
	}
}

func newGates(r *repo.Repo) *Gates {
	return &Gates{
		Repo:   r,
		Config: GatesConfig{MinSampleSize: 3, MaxAmbiguityRate: 0.3, MaxFailureRate: 0.3, MaxDrillAgeHours: 48},
		Now:    func() time.Time { return fixedNow },
	}
}

func seedHealthyFleet(t *testing.T, r *repo.Repo) *fleet.Registry {
	t.Helper()
	reg := writeRegistry(t, r, 25)
	seedPolicyState(t, r, allBlocked())
	seedHandoffRows(t, r, "executed", "executed", "executed", "executed")
	seedDrills(t, r, fixedNow.Add(-2*time.Hour), "pass")
	return reg
}

func TestGatesAllPassPromotes(t *testing.T) {
	r := testRepo(t)
	reg := seedHealthyFleet(t, r)

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Decision != DecisionPromote {
		for _, gate := range state.Gates {
			t.Logf("%s passed=%v reasons=%v", gate.Name, gate.Passed, gate.Reasons)
		}
		t.Fatalf("decision = %s", state.Decision)
	}
	if len(state.Gates) != 4 {
		t.Errorf("gates = %d", len(state.Gates))
	}

	var persisted State
	if ok, _ := repo.ReadJSON(r.PromotionStateFile(), &persisted); !ok || persisted.Decision != DecisionPromote {
		t.Error("promotion state not persisted")
	}
}

func TestGovernanceGateKillSwitchHolds(t *testing.T) {
	r := testRepo(t)
	reg := seedHealthyFleet(t, r)
	reg.Policy.Autonomous.Safety.KillSwitch = true

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Decision != DecisionHold {
		t.Fatal("kill switch must hold")
	}
	gate := gateByName(state, GateGovernance)
	if gate.Passed || !containsString(gate.Reasons, "kill_switch_enabled") {
		t.Errorf("gate = %+v", gate)
	}
}

func TestGovernanceGateExpiredReview(t *testing.T) {
	r := testRepo(t)
	reg := seedHealthyFleet(t, r)
	reg.Policy.Autonomous.Governance.ReviewBy = fixedNow.Add(-time.Hour).Format(time.RFC3339)

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	gate := gateByName(state, GateGovernance)
	if !containsString(gate.Reasons, "governance_review_expired") {
		t.Errorf("reasons = %v", gate.Reasons)
	}
}

func TestReliabilityGateInsufficientSample(t *testing.T) {
	r := testRepo(t)
	reg := writeRegistry(t, r, 25)
	seedPolicyState(t, r, allBlocked())
	seedHandoffRows(t, r, "executed")
	seedDrills(t, r, fixedNow.Add(-time.Hour), "pass")

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	gate := gateByName(state, GateOutcomeReliability)
	if gate.Passed || !containsString(gate.Reasons, "insufficient_sample") {
		t.Errorf("gate = %+v", gate)
	}
}

func TestReliabilityGateAmbiguityRate(t *testing.T) {
	r := testRepo(t)
	reg := writeRegistry(t, r, 25)
	seedPolicyState(t, r, allBlocked())
	seedHandoffRows(t, r, "executed", "execution_ambiguous", "execution_ambiguous", "executed")
	seedDrills(t, r, fixedNow.Add(-time.Hour), "pass")

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	gate := gateByName(state, GateOutcomeReliability)
	if !containsString(gate.Reasons, "ambiguity_rate_exceeded") {
		t.Errorf("reasons = %v evidence = %v", gate.Reasons, gate.Evidence)
	}
}

func TestSuppressionGateUnexercisedPath(t *testing.T) {
	r := testRepo(t)
	reg := seedHealthyFleet(t, r)
	blocked := allBlocked()
	blocked["transportGated"] = 0
	seedPolicyState(t, r, blocked)

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	gate := gateByName(state, GateSafetySuppression)
	if gate.Passed || !containsString(gate.Reasons, "suppression_path_unexercised:transportGated") {
		t.Errorf("gate = %+v", gate)
	}
}

func TestDrillGateStale(t *testing.T) {
	r := testRepo(t)
	reg := seedHealthyFleet(t, r)
	seedDrills(t, r, fixedNow.Add(-100*time.Hour), "pass")

	state, err := newGates(r).Evaluate(reg, "t1")
	if err != nil {
		t.Fatal(err)
	}
	gate := gateByName(state, GateDrillRecency)
	if gate.Passed || !containsString(gate.Reasons, "drill_stale:kill_switch") {
		t.Errorf("gate = %+v", gate)
	}
}

func applyRequest(intent string, step int) ApplyRequest {
	return ApplyRequest{
		Intent:      intent,
		ExpandStep:  step,
		By:          "ops-lead",
		ApprovalRef: "CHG-200",
		Rationale:   "expand pilot",
		ReviewBy:    fixedNow.Add(60 * 24 * time.Hour).Format(time.RFC3339),
		TraceID:     "apply-t1",
	}
}

// S5: expand 25 -> 50, manual pause cleared, governance metadata rewritten.
func TestApplyExpand(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 25)
	a := &Applier{Repo: r, Now: func() time.Time { return fixedNow }}

	outcome, err := a.Apply(applyRequest(IntentExpand, 25))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.CanaryPercent != 50 || outcome.ManualPause {
		t.Errorf("outcome = %+v", outcome)
	}

	reg, err := fleet.LoadRegistry(r, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	auto := reg.Policy.Autonomous
	if auto.Rollout.CanaryPercent != 50 || auto.Rollout.Pause.Manual {
		t.Errorf("registry = %+v", auto.Rollout)
	}
	if auto.Governance.ApprovalRef != "CHG-200" || auto.Governance.Actor != "ops-lead" {
		t.Errorf("governance = %+v", auto.Governance)
	}

	rows, _ := repo.ReadJSONLInto[map[string]any](r.FleetTelemetryFile("promotion-apply"))
	if len(rows) != 1 {
		t.Fatalf("telemetry rows = %d", len(rows))
	}
}

func TestApplyExpandClampsAt100(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 90)
	a := &Applier{Repo: r, Now: func() time.Time { return fixedNow }}
	outcome, err := a.Apply(applyRequest(IntentExpand, 50))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.CanaryPercent != 100 {
		t.Errorf("canary = %d", outcome.CanaryPercent)
	}
}

func TestApplyRollbackPauses(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 50)
	a := &Applier{Repo: r, Now: func() time.Time { return fixedNow }}
	outcome, err := a.Apply(applyRequest(IntentRollback, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.ManualPause {
		t.Error("rollback must pause")
	}
}

func TestApplyRequiresGovernanceMetadata(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 25)
	a := &Applier{Repo: r, Now: func() time.Time { return fixedNow }}
	req := applyRequest(IntentExpand, 25)
	req.Rationale = ""
	if _, err := a.Apply(req); err == nil {
		t.Fatal("missing rationale must fail")
	}
}

func TestApplyIdempotencyReplay(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 25)
	a := &Applier{Repo: r, Now: func() time.Time { return fixedNow }}

	req := applyRequest(IntentExpand, 25)
	req.IdempotencyKey = "apply-key-1"
	first, err := a.Apply(req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Replayed {
		t.Error("first apply must not be a replay")
	}

	second, err := a.Apply(req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || second.CanaryPercent != first.CanaryPercent {
		t.Errorf("replay = %+v", second)
	}

	// Registry untouched by the replay; telemetry has exactly one row.
	reg, _ := fleet.LoadRegistry(r, fixedNow)
	if reg.Policy.Autonomous.Rollout.CanaryPercent != 50 {
		t.Errorf("canary = %d", reg.Policy.Autonomous.Rollout.CanaryPercent)
	}
	rows, _ := repo.ReadJSONLInto[map[string]any](r.FleetTelemetryFile("promotion-apply"))
	if len(rows) != 1 {
		t.Errorf("telemetry rows = %d", len(rows))
	}
}

func newOrchestrator(r *repo.Repo) *Orchestrator {
	return &Orchestrator{
		Repo:    r,
		Gates:   newGates(r),
		Applier: &Applier{Repo: r, Now: func() time.Time { return fixedNow }},
		Now:     func() time.Time { return fixedNow },
	}
}

func TestOrchestrateDryRunNeverMutates(t *testing.T) {
	r := testRepo(t)
	seedHealthyFleet(t, r)

	res, err := newOrchestrator(r).Run(ModeDryRun, applyRequest(IntentExpand, 25))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != nil {
		t.Error("dry_run must not apply")
	}
	reg, _ := fleet.LoadRegistry(r, fixedNow)
	if reg.Policy.Autonomous.Rollout.CanaryPercent != 25 {
		t.Errorf("canary mutated to %d", reg.Policy.Autonomous.Rollout.CanaryPercent)
	}
}

func TestOrchestrateApplyRefusesHold(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 25)
	// No policy state, no drills: several gates hold.
	_, err := newOrchestrator(r).Run(ModeApply, applyRequest(IntentExpand, 25))
	if !errors.Is(err, ErrDecisionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestOrchestrateApplyOnPromote(t *testing.T) {
	r := testRepo(t)
	seedHealthyFleet(t, r)

	res, err := newOrchestrator(r).Run(ModeApply, applyRequest(IntentExpand, 25))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied == nil || res.Applied.CanaryPercent != 50 {
		t.Errorf("applied = %+v", res.Applied)
	}
}

func TestOrchestrateRollbackAlwaysAllowed(t *testing.T) {
	r := testRepo(t)
	writeRegistry(t, r, 50)
	// Gates hold, rollback still proceeds.
	res, err := newOrchestrator(r).Run(ModeRollback, applyRequest(IntentRollback, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied == nil || !res.Applied.ManualPause {
		t.Errorf("applied = %+v", res.Applied)
	}
}

func gateByName(state *State, name string) GateResult {
	for _, gate := range state.Gates {
		if gate.Name == name {
			return gate
		}
	}
	return GateResult{}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
