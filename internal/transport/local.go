package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// runSummary is the loop runtime's run-summary.json (external contract).
type runSummary struct {
	LoopID      string `json:"loopId"`
	RunID       string `json:"runId"`
	Status      string `json:"status"`
	Iteration   int    `json:"iteration"`
	LastEventAt string `json:"lastEventAt"`
	Gates       struct {
		Approval     string `json:"approval"`
		CompletionOK *bool  `json:"completionOk"`
	} `json:"gates"`
	StuckStreak int   `json:"stuckStreak"`
	Sequence    int64 `json:"sequence"`
}

// runtimeState is the runtime's top-level state.json (external contract).
type runtimeState struct {
	CurrentLoopID string `json:"current_loop_id"`
}

// rawEvent is one line of the runtime event stream before enveloping.
type rawEvent struct {
	Name      string `json:"name"`
	At        string `json:"at"`
	RunID     string `json:"runId"`
	Iteration int    `json:"iteration"`
}

// LocalConfig tunes the local adapter.
type LocalConfig struct {
	// ControlScript is the injected actuator; empty disables control.
	ControlScript string
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Local reads loop runtime artifacts straight off the filesystem.
type Local struct {
	repo *repo.Repo
	cfg  LocalConfig

	// Serializes control writers per idempotency key (and the idempotency
	// map per loop).
	mu       sync.Mutex
	loopLock map[string]*sync.Mutex
}

// NewLocal creates a filesystem transport over one repo.
func NewLocal(r *repo.Repo, cfg LocalConfig) *Local {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Local{repo: r, cfg: cfg, loopLock: map[string]*sync.Mutex{}}
}

// Kind implements Transport.
func (l *Local) Kind() string { return KindLocal }

// NotFoundError marks a loop without runtime artifacts.
type NotFoundError struct{ LoopID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("loop %s: runtime artifacts not found", e.LoopID)
}

// Snapshot implements Transport by projecting the runtime artifacts into a
// LoopRunSnapshot. The snapshot carries no wall-clock stamps so the projection
// is a pure function of repo contents.
func (l *Local) Snapshot(_ context.Context, loopID string) (*envelope.LoopRunSnapshot, error) {
	if loopID == "" {
		return nil, fmt.Errorf("snapshot: loopId is required")
	}

	var summary runSummary
	ok, err := repo.ReadJSON(l.repo.RunSummaryFile(loopID), &summary)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", loopID, err)
	}
	if !ok {
		return nil, &NotFoundError{LoopID: loopID}
	}

	lineCount, err := repo.CountLines(l.repo.EventsFile(loopID))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", loopID, err)
	}

	snap := &envelope.LoopRunSnapshot{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  envelope.TypeLoopRunSnapshot,
		Source:        envelope.Source{RepoPath: l.repo.Root(), LoopID: loopID},
		Runtime: envelope.RuntimeProjection{
			Status:      summary.Status,
			LastEventAt: summary.LastEventAt,
			Iteration:   summary.Iteration,
			RunID:       summary.RunID,
		},
		Gates: envelope.GateSummary{
			Approval:     summary.Gates.Approval,
			CompletionOK: summary.Gates.CompletionOK,
		},
		StuckStreak: summary.StuckStreak,
		Cursor: envelope.Cursor{
			SchemaVersion:   envelope.SchemaVersion,
			RepoPath:        l.repo.Root(),
			LoopID:          loopID,
			EventsFile:      fmt.Sprintf(".superloop/loops/%s/events.jsonl", loopID),
			EventLineOffset: int64(lineCount),
			EventLineCount:  int64(lineCount),
		},
		Sequence: envelope.Sequence{Source: "run-summary", Value: summary.Sequence},
	}
	if snap.Sequence.Value == 0 {
		snap.Sequence.Value = int64(summary.Iteration)
	}

	var state runtimeState
	if ok, err := repo.ReadJSON(l.repo.RuntimeStateFile(), &state); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", loopID, err)
	} else if ok && state.CurrentLoopID != "" {
		snap.CurrentLoopID = state.CurrentLoopID
	}

	var hb envelope.Heartbeat
	if ok, err := repo.ReadJSON(l.repo.RuntimeHeartbeatFile(loopID), &hb); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", loopID, err)
	} else if ok {
		snap.Heartbeat = &hb
	}

	return snap, nil
}

// Events implements Transport. Lines before the cursor are skipped; at most
// maxEvents envelopes are returned (0 means unbounded). Sequence values are
// the 1-indexed line offsets.
func (l *Local) Events(_ context.Context, loopID string, cursor int64, maxEvents int) (*EventsPage, error) {
	if loopID == "" {
		return nil, fmt.Errorf("events: loopId is required")
	}
	if cursor < 0 {
		return nil, fmt.Errorf("events: cursor must be >= 0")
	}

	page := &EventsPage{
		OK:     true,
		Events: []envelope.LoopRunEvent{},
		Source: envelope.Source{RepoPath: l.repo.Root(), LoopID: loopID},
	}

	path := l.repo.EventsFile(loopID)
	lastLine := cursor
	err := repo.ScanJSONL(path, func(lineNo int, raw []byte) error {
		if int64(lineNo) <= cursor {
			return nil
		}
		if maxEvents > 0 && len(page.Events) >= maxEvents {
			return nil
		}
		var re rawEvent
		if err := json.Unmarshal(raw, &re); err != nil {
			return fmt.Errorf("events %s line %d: %w", loopID, lineNo, err)
		}
		ev := envelope.LoopRunEvent{
			SchemaVersion: envelope.SchemaVersion,
			EnvelopeType:  envelope.TypeLoopRunEvent,
			LoopID:        loopID,
			RunID:         re.RunID,
			Iteration:     re.Iteration,
			Event:         envelope.EventBody{Name: re.Name, At: re.At},
			Sequence:      envelope.Sequence{Source: "events.jsonl", Value: int64(lineNo)},
			Payload:       json.RawMessage(raw),
		}
		page.Events = append(page.Events, ev)
		lastLine = int64(lineNo)
		return nil
	})
	if err != nil {
		return nil, err
	}

	total, err := repo.CountLines(path)
	if err != nil {
		return nil, err
	}
	page.Cursor = envelope.Cursor{
		SchemaVersion:   envelope.SchemaVersion,
		RepoPath:        l.repo.Root(),
		LoopID:          loopID,
		EventsFile:      fmt.Sprintf(".superloop/loops/%s/events.jsonl", loopID),
		EventLineOffset: lastLine,
		EventLineCount:  int64(total),
	}
	return page, nil
}

// Control implements Transport by invoking the injected actuator script.
// Outcomes are persisted per idempotency key; replays return the stored
// outcome with Replayed=true and write no new telemetry.
func (l *Local) Control(ctx context.Context, req ControlRequest) (*ControlOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lock := l.lockFor(req.LoopID)
	lock.Lock()
	defer lock.Unlock()

	idemPath := l.repo.ServiceIdempotencyFile(req.LoopID)
	idemMap := map[string]*ControlOutcome{}
	if _, err := repo.ReadJSON(idemPath, &idemMap); err != nil {
		return nil, fmt.Errorf("control %s: %w", req.LoopID, err)
	}
	if req.IdempotencyKey != "" {
		if stored, ok := idemMap[req.IdempotencyKey]; ok && stored != nil {
			replay := *stored
			replay.Replayed = true
			return &replay, nil
		}
	}

	outcome := l.invokeActuator(ctx, req)

	if req.IdempotencyKey != "" {
		idemMap[req.IdempotencyKey] = outcome
		if err := repo.WriteJSONAtomic(idemPath, idemMap); err != nil {
			return nil, fmt.Errorf("control %s: persist idempotency: %w", req.LoopID, err)
		}
	}
	if err := l.recordControl(req, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (l *Local) lockFor(loopID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.loopLock[loopID]
	if !ok {
		lock = &sync.Mutex{}
		l.loopLock[loopID] = lock
	}
	return lock
}

// invokeActuator runs the control script and classifies the result. Exit 0
// with a confirming terminal JSON line is confirmed; exit 0 without one is
// ambiguous; anything else is failed.
func (l *Local) invokeActuator(ctx context.Context, req ControlRequest) *ControlOutcome {
	if l.cfg.ControlScript == "" {
		return &ControlOutcome{OK: false, Status: OutcomeFailed, ExitCode: -1, Stderr: "control actuator not configured"}
	}

	args := []string{
		"--repo", l.repo.Root(),
		"--loop", req.LoopID,
		"--intent", req.Intent,
	}
	if req.By != "" {
		args = append(args, "--by", req.By)
	}
	if req.Note != "" {
		args = append(args, "--note", req.Note)
	}

	start := l.cfg.Now()
	cmd := exec.CommandContext(ctx, l.cfg.ControlScript, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	duration := l.cfg.Now().Sub(start)

	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	_ = repo.AppendJSONL(l.repo.LoopTelemetryFile(req.LoopID, "control-invocations"), map[string]any{
		"schemaVersion":   envelope.SchemaVersion,
		"timestamp":       start.UTC().Format(time.RFC3339),
		"traceId":         req.TraceID,
		"loopId":          req.LoopID,
		"script":          l.cfg.ControlScript,
		"args":            args,
		"exitCode":        exitCode,
		"durationSeconds": duration.Seconds(),
	})

	result := lastJSONLine(stdout.String())
	outcome := &ControlOutcome{ExitCode: exitCode, Result: result, Stderr: tailText(stderr.String(), 40)}
	switch {
	case exitCode != 0:
		outcome.Status = OutcomeFailed
	case confirms(result):
		outcome.OK = true
		outcome.Status = OutcomeConfirmed
	default:
		outcome.Status = OutcomeAmbiguous
	}
	return outcome
}

func (l *Local) recordControl(req ControlRequest, outcome *ControlOutcome) error {
	ts := l.cfg.Now().UTC().Format(time.RFC3339)
	intentRow := map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     ts,
		"traceId":       req.TraceID,
		"loopId":        req.LoopID,
		"intent":        req.Intent,
		"by":            req.By,
		"note":          req.Note,
		"status":        outcome.Status,
	}
	if err := repo.AppendJSONL(l.repo.IntentsFile(req.LoopID), intentRow); err != nil {
		return err
	}
	return repo.AppendJSONL(l.repo.LoopTelemetryFile(req.LoopID, "control"), map[string]any{
		"schemaVersion":  envelope.SchemaVersion,
		"timestamp":      ts,
		"traceId":        req.TraceID,
		"loopId":         req.LoopID,
		"intent":         req.Intent,
		"status":         outcome.Status,
		"exitCode":       outcome.ExitCode,
		"idempotencyKey": req.IdempotencyKey,
		"replayed":       false,
	})
}

// lastJSONLine returns the last stdout line that parses as a JSON object.
func lastJSONLine(out string) json.RawMessage {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return json.RawMessage(line)
		}
	}
	return nil
}

// confirms reports whether an actuator result positively confirms execution.
func confirms(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var obj struct {
		Confirmation string `json:"confirmation"`
		OK           *bool  `json:"ok"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return false
	}
	if obj.Confirmation == "confirmed" {
		return true
	}
	return obj.OK != nil && *obj.OK
}

// tailText keeps the last maxLines non-blank lines of a command stream.
func tailText(s string, maxLines int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
