package fleet

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"opsmanager/internal/envelope"
	"opsmanager/internal/reconcile"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func validRegistry(loopIDs ...string) *Registry {
	reg := &Registry{
		SchemaVersion: envelope.SchemaVersion,
		FleetID:       "fleet-1",
		Policy:        FleetPolicy{Mode: ModeAdvisory},
	}
	for _, id := range loopIDs {
		reg.Loops = append(reg.Loops, LoopEntry{LoopID: id, Transport: transport.KindLocal, Enabled: true})
	}
	return reg
}

func TestRegistryValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Registry)
		wantErr string
	}{
		{"valid", func(*Registry) {}, ""},
		{"bad schema", func(r *Registry) { r.SchemaVersion = "v0" }, "schemaVersion"},
		{"missing fleet id", func(r *Registry) { r.FleetID = "" }, "fleetId"},
		{"duplicate loop", func(r *Registry) { r.Loops = append(r.Loops, r.Loops[0]) }, "duplicate"},
		{"unknown transport", func(r *Registry) { r.Loops[0].Transport = "carrier-pigeon" }, "unknown transport"},
		{"service without baseUrl", func(r *Registry) {
			r.Loops[0].Transport = transport.KindSpriteService
		}, "service.baseUrl"},
		{"bad mode", func(r *Registry) { r.Policy.Mode = "yolo" }, "policy.mode"},
		{"unknown suppression category", func(r *Registry) {
			r.Policy.Suppressions = map[string][]string{GlobalScope: {"made_up_category"}}
		}, "unknown category"},
		{"suppression scope not a loop", func(r *Registry) {
			r.Policy.Suppressions = map[string][]string{"loop-zz": {CategoryHealthDegraded}}
		}, "suppression scope"},
		{"guarded_auto without autonomous", func(r *Registry) {
			r.Policy.Mode = ModeGuardedAuto
		}, "requires policy.autonomous"},
		{"guarded_auto without reviewBy", func(r *Registry) {
			r.Policy.Mode = ModeGuardedAuto
			r.Policy.Autonomous = &AutonomousPolicy{
				Governance: Governance{Actor: "ops", ApprovalRef: "CHG-1", ChangedAt: fixedNow.Format(time.RFC3339)},
			}
		}, "reviewBy"},
		{"guarded_auto reviewBy in past", func(r *Registry) {
			r.Policy.Mode = ModeGuardedAuto
			r.Policy.Autonomous = &AutonomousPolicy{
				Governance: Governance{
					Actor: "ops", ApprovalRef: "CHG-1",
					ChangedAt: fixedNow.Add(-48 * time.Hour).Format(time.RFC3339),
					ReviewBy:  fixedNow.Add(-time.Hour).Format(time.RFC3339),
				},
			}
		}, "future"},
		{"canary percent out of range", func(r *Registry) {
			r.Policy.Mode = ModeGuardedAuto
			r.Policy.Autonomous = &AutonomousPolicy{
				Governance: Governance{
					Actor: "ops", ApprovalRef: "CHG-1",
					ChangedAt: fixedNow.Format(time.RFC3339),
					ReviewBy:  fixedNow.Add(24 * time.Hour).Format(time.RFC3339),
				},
				Rollout: &Rollout{CanaryPercent: 120},
			}
		}, "canaryPercent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := validRegistry("loop-a", "loop-b")
			tc.mutate(reg)
			err := reg.Validate(fixedNow)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRegistryMissing(t *testing.T) {
	r := testRepo(t)
	if _, err := LoadRegistry(r, fixedNow); err == nil {
		t.Fatal("expected error for absent registry")
	}
}

// fakeTransport serves canned snapshots with an optional delay, so completion
// order differs from loop id order.
type fakeTransport struct {
	loopID string
	delay  time.Duration
	fail   bool
}

func (f fakeTransport) Kind() string { return transport.KindLocal }

func (f fakeTransport) Snapshot(ctx context.Context, loopID string) (*envelope.LoopRunSnapshot, error) {
	time.Sleep(f.delay)
	if f.fail {
		return nil, &transport.UnreachableError{Kind: transport.KindSpriteService, Err: errors.New("boom")}
	}
	return &envelope.LoopRunSnapshot{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  envelope.TypeLoopRunSnapshot,
		Source:        envelope.Source{RepoPath: "/repo", LoopID: loopID},
		Runtime: envelope.RuntimeProjection{
			Status: envelope.StatusRunning, RunID: "run-1", Iteration: 1,
			LastEventAt: fixedNow.Add(-time.Second).Format(time.RFC3339),
		},
		Cursor:   envelope.Cursor{SchemaVersion: envelope.SchemaVersion},
		Sequence: envelope.Sequence{Source: "snapshot", Value: 1},
	}, nil
}

func (f fakeTransport) Events(ctx context.Context, loopID string, after int64, max int) (*transport.EventsPage, error) {
	if f.fail {
		return nil, &transport.UnreachableError{Kind: transport.KindSpriteService, Err: errors.New("boom")}
	}
	return &transport.EventsPage{OK: true, Cursor: envelope.Cursor{SchemaVersion: envelope.SchemaVersion, EventLineOffset: after}}, nil
}

func (f fakeTransport) Control(ctx context.Context, req transport.ControlRequest) (*transport.ControlOutcome, error) {
	return nil, errors.New("not supported")
}

func fakeFleet(r *repo.Repo, delays map[string]time.Duration, failing map[string]bool) *Runner {
	return &Runner{
		Repo: r,
		Config: Config{
			MaxParallel: 3,
			Now:         func() time.Time { return fixedNow },
			NewTransport: func(entry *LoopEntry) (transport.Transport, error) {
				return fakeTransport{loopID: entry.LoopID, delay: delays[entry.LoopID], fail: failing[entry.LoopID]}, nil
			},
		},
	}
}

// Property 3: result order tracks loop id order, not completion order.
func TestRunEmitsResultsInLoopIDOrder(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-c", "loop-a", "loop-b")
	delays := map[string]time.Duration{
		"loop-a": 30 * time.Millisecond,
		"loop-b": 10 * time.Millisecond,
		"loop-c": 0,
	}

	fr := fakeFleet(r, delays, nil)
	state, err := fr.Run(context.Background(), reg, "fleet-t1")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"loop-a", "loop-b", "loop-c"}
	if len(state.Results) != len(want) {
		t.Fatalf("results = %d", len(state.Results))
	}
	for i, res := range state.Results {
		if res.LoopID != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, res.LoopID, want[i])
		}
		if res.TraceID != "fleet-t1-"+want[i] {
			t.Errorf("per-loop trace = %q", res.TraceID)
		}
	}
	if state.Status != RollupSuccess {
		t.Errorf("rollup = %s", state.Status)
	}
	if state.Execution.TraceID != "fleet-t1" {
		t.Errorf("execution trace = %q", state.Execution.TraceID)
	}
}

func TestRunPartialFailureRollup(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-a", "loop-b", "loop-c")
	fr := fakeFleet(r, nil, map[string]bool{"loop-b": true})

	state, err := fr.Run(context.Background(), reg, "fleet-t2")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != RollupPartialFailure {
		t.Fatalf("rollup = %s", state.Status)
	}
	if state.SuccessCount != 2 || state.FailedCount != 1 {
		t.Errorf("counts = %d/%d", state.SuccessCount, state.FailedCount)
	}
	if len(state.ReasonCodes) != 1 || state.ReasonCodes[0] != ReasonPartialFailure {
		t.Errorf("reasons = %v", state.ReasonCodes)
	}
	if state.Results[1].Status != reconcile.StatusFailed {
		t.Errorf("loop-b result = %+v", state.Results[1])
	}

	var persisted State
	if ok, _ := repo.ReadJSON(r.FleetStateFile(), &persisted); !ok {
		t.Fatal("fleet state not persisted")
	}
	if persisted.Status != RollupPartialFailure {
		t.Errorf("persisted rollup = %s", persisted.Status)
	}
}

func TestRunAllFailedRollup(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-a", "loop-b")
	fr := fakeFleet(r, nil, map[string]bool{"loop-a": true, "loop-b": true})

	state, err := fr.Run(context.Background(), reg, "fleet-t3")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != RollupFailed {
		t.Errorf("rollup = %s", state.Status)
	}
	if len(state.ReasonCodes) != 1 || state.ReasonCodes[0] != ReasonReconcileFailed {
		t.Errorf("reasons = %v", state.ReasonCodes)
	}

	rows, err := repo.ReadJSONLInto[map[string]any](r.FleetTelemetryFile("reconcile"))
	if err != nil || len(rows) != 1 {
		t.Fatalf("telemetry rows = %d (err=%v)", len(rows), err)
	}
	if rows[0]["status"] != RollupFailed {
		t.Errorf("telemetry status = %v", rows[0]["status"])
	}
}

func TestRunSkipsDisabledLoops(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-a", "loop-b")
	reg.Loops[1].Enabled = false

	fr := fakeFleet(r, nil, nil)
	state, err := fr.Run(context.Background(), reg, "fleet-t4")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Results) != 1 || state.Results[0].LoopID != "loop-a" {
		t.Errorf("results = %+v", state.Results)
	}
}

func TestRunDeterministicOrderKeepsParallelism(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-c", "loop-a", "loop-b")
	delays := map[string]time.Duration{
		"loop-a": 30 * time.Millisecond,
		"loop-b": 10 * time.Millisecond,
		"loop-c": 0,
	}
	fr := fakeFleet(r, delays, nil)
	fr.Config.DeterministicOrder = true

	state, err := fr.Run(context.Background(), reg, "fleet-t5")
	if err != nil {
		t.Fatal(err)
	}
	if state.Execution.MaxParallel != 3 {
		t.Errorf("maxParallel = %d, want configured 3", state.Execution.MaxParallel)
	}
	if !state.Execution.DeterministicOrder {
		t.Error("execution stamp lost deterministicOrder")
	}
	for i, want := range []string{"loop-a", "loop-b", "loop-c"} {
		if state.Results[i].LoopID != want {
			t.Errorf("results[%d] = %s", i, state.Results[i].LoopID)
		}
	}
}

func TestRunUnknownProfileFailsLoops(t *testing.T) {
	r := testRepo(t)
	reg := validRegistry("loop-a", "loop-b")
	fr := fakeFleet(r, nil, nil)
	fr.Config.Profile = "paranoid"

	state, err := fr.Run(context.Background(), reg, "fleet-t6")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != RollupFailed {
		t.Fatalf("rollup = %s, want %s", state.Status, RollupFailed)
	}
	for _, res := range state.Results {
		if res.Status != reconcile.StatusFailed {
			t.Errorf("%s status = %s", res.LoopID, res.Status)
		}
		if !strings.Contains(res.Error, "paranoid") {
			t.Errorf("%s error = %q, want the bad profile named", res.LoopID, res.Error)
		}
	}
}

func TestTransportForTokenEnv(t *testing.T) {
	r := testRepo(t)
	fr := &Runner{Repo: r, Config: Config{}}
	entry := &LoopEntry{
		LoopID:    "loop-a",
		Transport: transport.KindSpriteService,
		Service:   &ServiceRef{BaseURL: "http://127.0.0.1:9", TokenEnv: "OPS_TEST_TOKEN_UNSET"},
	}
	if _, err := fr.transportFor(entry); err == nil {
		t.Fatal("unset token env must fail closed")
	}

	t.Setenv("OPS_TEST_TOKEN_SET", "secret")
	entry.Service.TokenEnv = "OPS_TEST_TOKEN_SET"
	tr, err := fr.transportFor(entry)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != transport.KindSpriteService {
		t.Errorf("kind = %s", tr.Kind())
	}
}
