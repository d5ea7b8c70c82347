package alerts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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

func appendEscalation(t *testing.T, r *repo.Repo, loopID, category, severity string) {
	t.Helper()
	err := repo.AppendJSONL(r.EscalationsFile(loopID), map[string]any{
		"timestamp": fixedNow.Format(time.RFC3339),
		"traceId":   "esc-trace",
		"loopId":    loopID,
		"category":  category,
		"severity":  severity,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func writeSinksFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sinks.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFailsClosedOnUnsetSecret(t *testing.T) {
	path := writeSinksFile(t, `
sinks:
  - name: pager
    type: webhook
    enabled: true
    urlEnv: ALERTS_TEST_URL_UNSET
`)
	if _, _, err := LoadConfig(path); err == nil {
		t.Fatal("enabled sink with unset urlEnv must abort the load")
	}
}

func TestLoadConfigSkipsDisabledSinks(t *testing.T) {
	path := writeSinksFile(t, `
sinks:
  - name: pager
    type: webhook
    enabled: false
    urlEnv: ALERTS_TEST_URL_UNSET
  - name: log
    type: webhook
    enabled: true
    urlEnv: ALERTS_TEST_URL_SET
`)
	t.Setenv("ALERTS_TEST_URL_SET", "http://127.0.0.1:1/hook")
	cfg, sinks, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sinks) != 2 || len(sinks) != 1 {
		t.Fatalf("sinks = %d resolved = %d", len(cfg.Sinks), len(sinks))
	}
	if sinks[0].Name != "log" || sinks[0].URL == "" {
		t.Errorf("resolved = %+v", sinks[0])
	}
}

func newDispatcher(r *repo.Repo, cfg *Config, sinks []ResolvedSink) (*Dispatcher, *[]string) {
	var delivered []string
	d := &Dispatcher{
		Repo:   r,
		Config: cfg,
		Sinks:  sinks,
		Now:    func() time.Time { return fixedNow },
		Deliver: func(sink ResolvedSink, payload map[string]any) error {
			delivered = append(delivered, sink.Name+":"+payload["category"].(string))
			return nil
		},
	}
	return d, &delivered
}

func TestDispatchAppendsRowsAndAdvancesOffset(t *testing.T) {
	r := testRepo(t)
	appendEscalation(t, r, "loop-a", "health_degraded", "warning")
	appendEscalation(t, r, "loop-a", "health_critical", "critical")

	sinks := []ResolvedSink{{SinkConfig: SinkConfig{Name: "pager", Type: "webhook"}}}
	d, delivered := newDispatcher(r, &Config{}, sinks)

	res, err := d.Dispatch("loop-a", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDispatched || res.NewEscalations != 2 || res.RowsDispatched != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(*delivered) != 2 {
		t.Errorf("delivered = %v", *delivered)
	}

	rows, _ := repo.ReadJSONLInto[map[string]any](r.LoopTelemetryFile("loop-a", "alerts"))
	if len(rows) != 2 {
		t.Fatalf("alerts rows = %d", len(rows))
	}
	if rows[0]["sink"] != "pager" || rows[0]["escalationTraceId"] != "esc-trace" {
		t.Errorf("row = %v", rows[0])
	}

	var st dispatchState
	if ok, _ := repo.ReadJSON(r.AlertDispatchStateFile("loop-a"), &st); !ok || st.Offset != 2 {
		t.Errorf("offset state = %+v", st)
	}
}

// Property 9: re-running with no new lines writes nothing.
func TestDispatchIdempotentWithoutNewEscalations(t *testing.T) {
	r := testRepo(t)
	appendEscalation(t, r, "loop-a", "health_degraded", "warning")
	sinks := []ResolvedSink{{SinkConfig: SinkConfig{Name: "pager"}}}
	d, _ := newDispatcher(r, &Config{}, sinks)

	if _, err := d.Dispatch("loop-a", "t1"); err != nil {
		t.Fatal(err)
	}
	res, err := d.Dispatch("loop-a", "t2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNoNewEscalations || res.RowsDispatched != 0 {
		t.Fatalf("result = %+v", res)
	}
	rows, _ := repo.ReadJSONLInto[map[string]any](r.LoopTelemetryFile("loop-a", "alerts"))
	if len(rows) != 1 {
		t.Errorf("re-run appended rows: %d", len(rows))
	}
}

func TestDispatchSeverityFloors(t *testing.T) {
	r := testRepo(t)
	appendEscalation(t, r, "loop-a", "health_degraded", "warning")
	appendEscalation(t, r, "loop-a", "health_critical", "critical")

	// Sink floor: critical only.
	sinks := []ResolvedSink{{SinkConfig: SinkConfig{Name: "pager", MinSeverity: "critical"}}}
	d, delivered := newDispatcher(r, &Config{}, sinks)
	res, err := d.Dispatch("loop-a", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsDispatched != 1 || res.RowsBelowFloor != 1 {
		t.Fatalf("result = %+v", res)
	}
	if (*delivered)[0] != "pager:health_critical" {
		t.Errorf("delivered = %v", *delivered)
	}

	// Category floor dominates the sink floor.
	r2 := testRepo(t)
	appendEscalation(t, r2, "loop-a", "health_degraded", "warning")
	cfg := &Config{CategoryMinSeverity: map[string]string{"health_degraded": "critical"}}
	d2, delivered2 := newDispatcher(r2, cfg, []ResolvedSink{{SinkConfig: SinkConfig{Name: "pager"}}})
	res, err = d2.Dispatch("loop-a", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsDispatched != 0 || len(*delivered2) != 0 {
		t.Errorf("category floor ignored: %+v", res)
	}
}

func TestDispatchSinkCategoryFilter(t *testing.T) {
	r := testRepo(t)
	appendEscalation(t, r, "loop-a", "divergence_detected", "warning")
	sinks := []ResolvedSink{
		{SinkConfig: SinkConfig{Name: "divergence-only", Categories: []string{"divergence_detected"}}},
		{SinkConfig: SinkConfig{Name: "health-only", Categories: []string{"health_critical"}}},
	}
	d, delivered := newDispatcher(r, &Config{}, sinks)
	res, err := d.Dispatch("loop-a", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsDispatched != 1 || len(*delivered) != 1 || (*delivered)[0] != "divergence-only:divergence_detected" {
		t.Errorf("delivered = %v result = %+v", *delivered, res)
	}
}
