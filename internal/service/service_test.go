package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testToken = "sekrit"

func testRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func seedLoop(t *testing.T, r *repo.Repo, loopID string, events int) {
	t.Helper()
	doc := map[string]any{
		"loopId":      loopID,
		"runId":       "run-1",
		"status":      "running",
		"iteration":   2,
		"lastEventAt": fixedNow.Format(time.RFC3339),
		"gates":       map[string]any{"approval": "approved", "completionOk": true},
		"stuckStreak": 0,
		"sequence":    2,
	}
	if err := repo.WriteJSONAtomic(r.RunSummaryFile(loopID), doc); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < events; i++ {
		err := repo.AppendJSONL(r.EventsFile(loopID), map[string]any{
			"name": "iteration_completed", "at": fixedNow.Format(time.RFC3339), "runId": "run-1", "iteration": i + 1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func testServer(t *testing.T, r *repo.Repo, cfg transport.LocalConfig) (*transport.Local, *httptest.Server) {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	local := transport.NewLocal(r, cfg)
	srv, err := New(local, testToken, nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return local, ts
}

func get(t *testing.T, ts *httptest.Server, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set(transport.TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error envelope unparseable: %s", body)
	}
	if env.OK {
		t.Fatalf("error envelope claims ok: %s", body)
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 1)
	_, ts := testServer(t, r, transport.LocalConfig{})

	resp, body := get(t, ts, "/ops/snapshot?loopId=loop-a", "")
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != CodeUnauthorized {
		t.Fatalf("missing token: %d %s", resp.StatusCode, body)
	}
	resp, body = get(t, ts, "/ops/snapshot?loopId=loop-a", "wrong")
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != CodeUnauthorized {
		t.Fatalf("wrong token: %d %s", resp.StatusCode, body)
	}
	resp, _ = get(t, ts, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not require auth: %d", resp.StatusCode)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 1)
	_, ts := testServer(t, r, transport.LocalConfig{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ops/snapshot?loopId=loop-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth rejected: %d", resp.StatusCode)
	}
}

func TestSnapshotParamValidation(t *testing.T) {
	r := testRepo(t)
	_, ts := testServer(t, r, transport.LocalConfig{})

	resp, body := get(t, ts, "/ops/snapshot", testToken)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != CodeBadRequest {
		t.Fatalf("missing loopId: %d %s", resp.StatusCode, body)
	}
	resp, body = get(t, ts, "/ops/snapshot?loopId=ghost", testToken)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, body) != CodeNotFound {
		t.Fatalf("unknown loop: %d %s", resp.StatusCode, body)
	}
}

func TestEventsParamValidation(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 1)
	_, ts := testServer(t, r, transport.LocalConfig{})

	for _, path := range []string{
		"/ops/events",
		"/ops/events?loopId=loop-a&cursor=abc",
		"/ops/events?loopId=loop-a&cursor=-1",
		"/ops/events?loopId=loop-a&maxEvents=x",
	} {
		resp, body := get(t, ts, path, testToken)
		if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != CodeBadRequest {
			t.Fatalf("%s: %d %s", path, resp.StatusCode, body)
		}
	}
}

// Both adapters over the same repo must canonicalize to identical bytes.
func TestSnapshotParityWithLocal(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 3)
	local, ts := testServer(t, r, transport.LocalConfig{})

	remote, err := transport.NewService(transport.ServiceConfig{BaseURL: ts.URL, Token: testToken})
	if err != nil {
		t.Fatal(err)
	}

	want, err := local.Snapshot(context.Background(), "loop-a")
	if err != nil {
		t.Fatal(err)
	}
	got, err := remote.Snapshot(context.Background(), "loop-a")
	if err != nil {
		t.Fatal(err)
	}

	wantBytes, err := repo.CanonicalValue(want)
	if err != nil {
		t.Fatal(err)
	}
	gotBytes, err := repo.CanonicalValue(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wantBytes, gotBytes) {
		t.Fatalf("snapshot parity broken:\nlocal:   %s\nservice: %s", wantBytes, gotBytes)
	}
}

func TestEventsParityWithLocal(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 5)
	local, ts := testServer(t, r, transport.LocalConfig{})

	remote, err := transport.NewService(transport.ServiceConfig{BaseURL: ts.URL, Token: testToken})
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		cursor    int64
		maxEvents int
	}{
		{0, 0}, {2, 2}, {5, 10},
	} {
		want, err := local.Events(context.Background(), "loop-a", tc.cursor, tc.maxEvents)
		if err != nil {
			t.Fatal(err)
		}
		got, err := remote.Events(context.Background(), "loop-a", tc.cursor, tc.maxEvents)
		if err != nil {
			t.Fatal(err)
		}
		wantBytes, err := repo.CanonicalValue(want)
		if err != nil {
			t.Fatal(err)
		}
		gotBytes, err := repo.CanonicalValue(got)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(wantBytes, gotBytes) {
			t.Fatalf("events parity broken at cursor=%d max=%d:\nlocal:   %s\nservice: %s",
				tc.cursor, tc.maxEvents, wantBytes, gotBytes)
		}
	}
}

func writeActuator(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func postControl(t *testing.T, ts *httptest.Server, token string, req transport.ControlRequest) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/ops/control", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set(transport.TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func TestControlStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		script     string
		wantHTTP   int
		wantStatus string
	}{
		{"confirmed", `echo '{"confirmation":"confirmed"}'`, http.StatusOK, transport.OutcomeConfirmed},
		{"ambiguous", `echo "maybe"`, http.StatusConflict, transport.OutcomeAmbiguous},
		{"failed", `exit 3`, http.StatusInternalServerError, transport.OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testRepo(t)
			seedLoop(t, r, "loop-a", 1)
			_, ts := testServer(t, r, transport.LocalConfig{ControlScript: writeActuator(t, tc.script)})

			resp, body := postControl(t, ts, testToken, transport.ControlRequest{
				LoopID: "loop-a", Intent: "cancel", TraceID: "t1",
			})
			if resp.StatusCode != tc.wantHTTP {
				t.Fatalf("http %d, want %d: %s", resp.StatusCode, tc.wantHTTP, body)
			}
			var outcome transport.ControlOutcome
			if err := json.Unmarshal(body, &outcome); err != nil {
				t.Fatal(err)
			}
			if outcome.Status != tc.wantStatus {
				t.Fatalf("status %q, want %q", outcome.Status, tc.wantStatus)
			}
		})
	}
}

func TestControlValidation(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 1)
	_, ts := testServer(t, r, transport.LocalConfig{ControlScript: writeActuator(t, `echo '{"confirmation":"confirmed"}'`)})

	resp, body := postControl(t, ts, testToken, transport.ControlRequest{LoopID: "loop-a", Intent: "destroy"})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != CodeBadRequest {
		t.Fatalf("unknown intent: %d %s", resp.StatusCode, body)
	}
	resp, body = postControl(t, ts, testToken, transport.ControlRequest{LoopID: "ghost", Intent: "cancel"})
	if resp.StatusCode != http.StatusNotFound || errorCode(t, body) != CodeNotFound {
		t.Fatalf("unknown loop: %d %s", resp.StatusCode, body)
	}
}

func TestControlIdempotencyThroughService(t *testing.T) {
	r := testRepo(t)
	seedLoop(t, r, "loop-a", 1)
	_, ts := testServer(t, r, transport.LocalConfig{ControlScript: writeActuator(t, `echo '{"confirmation":"confirmed"}'`)})

	req := transport.ControlRequest{LoopID: "loop-a", Intent: "cancel", IdempotencyKey: "key-1", TraceID: "t1"}
	if resp, body := postControl(t, ts, testToken, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("first call: %d %s", resp.StatusCode, body)
	}
	_, body := postControl(t, ts, testToken, req)
	var outcome transport.ControlOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		t.Fatal(err)
	}
	if !outcome.Replayed {
		t.Fatalf("second call must replay: %+v", outcome)
	}
}

func TestServiceRequiresToken(t *testing.T) {
	local := transport.NewLocal(testRepo(t), transport.LocalConfig{})
	if _, err := New(local, "", nil); err == nil {
		t.Fatal("empty token must be rejected")
	}
}
