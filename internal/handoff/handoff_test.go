package handoff

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/policy"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
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

// controlRecorder serves scripted control outcomes and counts calls.
type controlRecorder struct {
	mu       sync.Mutex
	calls    []transport.ControlRequest
	outcomes map[string]string // loopId -> outcome status
}

func (c *controlRecorder) Kind() string { return transport.KindLocal }
func (c *controlRecorder) Snapshot(context.Context, string) (*envelope.LoopRunSnapshot, error) {
	return nil, errors.New("not used")
}
func (c *controlRecorder) Events(context.Context, string, int64, int) (*transport.EventsPage, error) {
	return nil, errors.New("not used")
}
func (c *controlRecorder) Control(_ context.Context, req transport.ControlRequest) (*transport.ControlOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	status := c.outcomes[req.LoopID]
	if status == "" {
		status = transport.OutcomeConfirmed
	}
	return &transport.ControlOutcome{OK: status == transport.OutcomeConfirmed, Status: status}, nil
}

func (c *controlRecorder) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func registry(mode string, loopIDs ...string) *fleet.Registry {
	reg := &fleet.Registry{
		SchemaVersion: envelope.SchemaVersion,
		FleetID:       "fleet-1",
		Policy:        fleet.FleetPolicy{Mode: mode},
	}
	for _, id := range loopIDs {
		reg.Loops = append(reg.Loops, fleet.LoopEntry{LoopID: id, Transport: transport.KindLocal, Enabled: true})
	}
	return reg
}

func candidate(loopID, category string, suppressed bool, auto policy.Autonomy) policy.Candidate {
	return policy.Candidate{
		CandidateID:       loopID + ":" + category,
		LoopID:            loopID,
		Category:          category,
		Severity:          policy.SeverityCritical,
		Confidence:        envelope.ConfidenceHigh,
		RecommendedIntent: policy.DefaultIntent,
		Suppressed:        suppressed,
		Autonomous:        auto,
	}
}

func policyState(candidates ...policy.Candidate) *policy.State {
	return &policy.State{
		SchemaVersion: envelope.SchemaVersion,
		FleetID:       "fleet-1",
		Candidates:    candidates,
	}
}

func newEngine(r *repo.Repo, rec *controlRecorder) *Engine {
	return &Engine{
		Repo: r,
		By:   "tester",
		Now:  func() time.Time { return fixedNow },
		NewTransport: func(*fleet.LoopEntry) (transport.Transport, error) {
			return rec, nil
		},
	}
}

func TestPlanMaterializesPendingIntents(t *testing.T) {
	r := testRepo(t)
	e := newEngine(r, &controlRecorder{})
	reg := registry(fleet.ModeAdvisory, "loop-a", "loop-b")

	eligible := policy.Autonomy{Eligible: true, Reasons: []string{}}
	state, err := e.Plan(reg, policyState(
		candidate("loop-a", fleet.CategoryReconcileFailed, false, eligible),
		candidate("loop-a", fleet.CategoryHealthDegraded, true, policy.Autonomy{ManualOnly: true}),
		candidate("loop-b", fleet.CategoryHealthCritical, false, eligible),
	), "trace-1")
	if err != nil {
		t.Fatal(err)
	}

	if len(state.Intents) != 2 {
		t.Fatalf("intents = %d, suppressed candidate must not plan", len(state.Intents))
	}
	first := state.Intents[0]
	if first.IntentID != "loop-a:reconcile_failed:cancel" {
		t.Errorf("intentId = %s", first.IntentID)
	}
	if first.Status != StatusPending {
		t.Errorf("status = %s", first.Status)
	}
	if !strings.HasPrefix(first.IdempotencyKey, "fleet-handoff-trace-1-") {
		t.Errorf("idempotencyKey = %s", first.IdempotencyKey)
	}
	if first.IdempotencyKey != IdempotencyKey("trace-1", first.IntentID) {
		t.Error("idempotency key must be stable")
	}
	if first.Transport != transport.KindLocal {
		t.Errorf("transport = %s", first.Transport)
	}
	if state.PendingCount != 2 {
		t.Errorf("pendingCount = %d", state.PendingCount)
	}

	var persisted State
	if ok, _ := repo.ReadJSON(r.HandoffStateFile(), &persisted); !ok || len(persisted.Intents) != 2 {
		t.Error("plan must persist handoff state")
	}
}

func TestExecuteManualRequiresSelection(t *testing.T) {
	r := testRepo(t)
	e := newEngine(r, &controlRecorder{})
	if _, err := e.ExecuteManual(context.Background(), registry(fleet.ModeAdvisory, "loop-a"), "t1", nil); err == nil {
		t.Fatal("empty selection must fail")
	}
}

func TestExecuteManualDispatchesListedIntents(t *testing.T) {
	r := testRepo(t)
	rec := &controlRecorder{}
	e := newEngine(r, rec)
	reg := registry(fleet.ModeAdvisory, "loop-a", "loop-b")

	manual := policy.Autonomy{ManualOnly: true, Reasons: []string{}}
	if _, err := e.Plan(reg, policyState(
		candidate("loop-a", fleet.CategoryReconcileFailed, false, manual),
		candidate("loop-b", fleet.CategoryHealthCritical, false, manual),
	), "t1"); err != nil {
		t.Fatal(err)
	}

	state, err := e.ExecuteManual(context.Background(), reg, "t1", []string{"loop-a:reconcile_failed:cancel"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.callCount() != 1 {
		t.Fatalf("control calls = %d", rec.callCount())
	}
	if rec.calls[0].LoopID != "loop-a" || rec.calls[0].Intent != "cancel" {
		t.Errorf("call = %+v", rec.calls[0])
	}

	byID := map[string]Intent{}
	for _, it := range state.Intents {
		byID[it.IntentID] = it
	}
	if got := byID["loop-a:reconcile_failed:cancel"]; got.Status != StatusExecuted || got.ReasonCode != CodeControlConfirmed {
		t.Errorf("executed intent = %+v", got)
	}
	if got := byID["loop-b:health_critical:cancel"]; got.Status != StatusPending {
		t.Errorf("unlisted intent must stay pending: %+v", got)
	}

	rows, _ := repo.ReadJSONLInto[map[string]any](r.FleetTelemetryFile("handoff"))
	if len(rows) != 1 || rows[0]["mode"] != ModeManual || rows[0]["status"] != StatusExecuted {
		t.Errorf("telemetry = %v", rows)
	}
}

func TestExecuteManualUnknownIntent(t *testing.T) {
	r := testRepo(t)
	e := newEngine(r, &controlRecorder{})
	reg := registry(fleet.ModeAdvisory, "loop-a")
	if _, err := e.Plan(reg, policyState(
		candidate("loop-a", fleet.CategoryReconcileFailed, false, policy.Autonomy{ManualOnly: true}),
	), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ExecuteManual(context.Background(), reg, "t1", []string{"loop-a:nope:cancel"}); err == nil {
		t.Fatal("unknown intent id must fail")
	}
}

func TestExecuteAutonomousRequiresGuardedAuto(t *testing.T) {
	r := testRepo(t)
	e := newEngine(r, &controlRecorder{})
	_, err := e.ExecuteAutonomous(context.Background(), registry(fleet.ModeAdvisory, "loop-a"), policyState(), "t1")
	if err == nil {
		t.Fatal("advisory mode must reject autonomous execute")
	}
}

func TestExecuteAutonomousDispatchesEligibleOnly(t *testing.T) {
	r := testRepo(t)
	rec := &controlRecorder{outcomes: map[string]string{"loop-b": transport.OutcomeAmbiguous}}
	e := newEngine(r, rec)
	reg := registry(fleet.ModeGuardedAuto, "loop-a", "loop-b", "loop-c")

	state, err := e.ExecuteAutonomous(context.Background(), reg, policyState(
		candidate("loop-a", fleet.CategoryReconcileFailed, false, policy.Autonomy{Eligible: true, Reasons: []string{}}),
		candidate("loop-b", fleet.CategoryHealthCritical, false, policy.Autonomy{Eligible: true, Reasons: []string{}}),
		candidate("loop-c", fleet.CategoryHealthDegraded, false, policy.Autonomy{
			ManualOnly: true, Reasons: []string{policy.ReasonCategoryNotAllowlisted},
		}),
	), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.callCount() != 2 {
		t.Fatalf("control calls = %d", rec.callCount())
	}

	byID := map[string]Intent{}
	for _, it := range state.Intents {
		byID[it.IntentID] = it
	}
	if got := byID["loop-a:reconcile_failed:cancel"]; got.Status != StatusExecuted {
		t.Errorf("loop-a = %+v", got)
	}
	if got := byID["loop-b:health_critical:cancel"]; got.Status != StatusAmbiguous || got.ReasonCode != CodeControlAmbiguous {
		t.Errorf("loop-b = %+v", got)
	}
	if got := byID["loop-c:health_degraded:cancel"]; got.Status != StatusPending {
		t.Errorf("manual-only intent must stay pending: %+v", got)
	}
	if state.ExecutedCount != 1 || state.AmbiguousCount != 1 || state.PendingCount != 1 {
		t.Errorf("counts = %+v", state)
	}
}

// S6: retry-guarded intents produce zero control calls.
func TestExecuteAutonomousRetryGuardDropsDispatch(t *testing.T) {
	r := testRepo(t)
	rec := &controlRecorder{}
	e := newEngine(r, rec)
	reg := registry(fleet.ModeGuardedAuto, "loop-red")

	state, err := e.ExecuteAutonomous(context.Background(), reg, policyState(
		candidate("loop-red", fleet.CategoryReconcileFailed, false, policy.Autonomy{
			ManualOnly: true,
			Reasons:    []string{policy.ReasonRetryGuardAmbiguous},
		}),
	), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.callCount() != 0 {
		t.Fatalf("retry-guarded intent dispatched %d control calls", rec.callCount())
	}
	it := state.Intents[0]
	if it.Status != StatusPending || it.ReasonCode != CodeDroppedRetryGuard {
		t.Errorf("intent = %+v", it)
	}
	found := false
	for _, code := range state.ReasonCodes {
		if code == policy.CodeHandoffRetryGuarded {
			found = true
		}
	}
	if !found {
		t.Errorf("reasonCodes = %v", state.ReasonCodes)
	}
}

func TestDispatchFailureMapsToExecutionFailed(t *testing.T) {
	r := testRepo(t)
	rec := &controlRecorder{outcomes: map[string]string{"loop-a": transport.OutcomeFailed}}
	e := newEngine(r, rec)
	reg := registry(fleet.ModeGuardedAuto, "loop-a")

	state, err := e.ExecuteAutonomous(context.Background(), reg, policyState(
		candidate("loop-a", fleet.CategoryReconcileFailed, false, policy.Autonomy{Eligible: true, Reasons: []string{}}),
	), "t1")
	if err != nil {
		t.Fatal(err)
	}
	it := state.Intents[0]
	if it.Status != StatusFailed || it.ReasonCode != CodeControlFailed {
		t.Errorf("intent = %+v", it)
	}
}
