// Package alerts dispatches escalation rows to configured sinks. Sinks are
// declared in a YAML file; their secrets resolve through environment-variable
// indirection and dispatch fails closed when any enabled sink's secret is
// unset.
package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// EnvSinksFile names the environment variable pointing at the sinks config.
const EnvSinksFile = "OPS_MANAGER_ALERT_SINKS_FILE"

// Dispatch statuses.
const (
	StatusDispatched       = "dispatched"
	StatusNoNewEscalations = "no_new_escalations"
)

var severityRank = map[string]int{"warning": 1, "critical": 2}

// SinkConfig declares one alert sink. URLEnv and TokenEnv name environment
// variables; secrets never appear inline in the file.
type SinkConfig struct {
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"`
	Enabled        bool     `yaml:"enabled"`
	URLEnv         string   `yaml:"urlEnv"`
	TokenEnv       string   `yaml:"tokenEnv"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	MinSeverity    string   `yaml:"minSeverity"`
	Categories     []string `yaml:"categories"`
}

// Config is the full sinks file. CategoryMinSeverity overrides the sink floor
// per escalation category.
type Config struct {
	Sinks               []SinkConfig      `yaml:"sinks"`
	CategoryMinSeverity map[string]string `yaml:"categoryMinSeverity"`
}

// ResolvedSink is a sink with its secrets resolved.
type ResolvedSink struct {
	SinkConfig
	URL   string
	Token string
}

// LoadConfig reads and resolves the sinks file. Every enabled sink must
// resolve all of its named secret variables or the whole load fails.
func LoadConfig(path string) (*Config, []ResolvedSink, error) {
	if path == "" {
		path = os.Getenv(EnvSinksFile)
	}
	if path == "" {
		return nil, nil, fmt.Errorf("alerts: no sinks file; set %s or pass --sinks-file", EnvSinksFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("alerts: read sinks config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("alerts: parse sinks config: %w", err)
	}

	var resolved []ResolvedSink
	for _, sink := range cfg.Sinks {
		if !sink.Enabled {
			continue
		}
		if sink.Name == "" {
			return nil, nil, fmt.Errorf("alerts: enabled sink without a name")
		}
		rs := ResolvedSink{SinkConfig: sink}
		if sink.URLEnv != "" {
			rs.URL = os.Getenv(sink.URLEnv)
			if rs.URL == "" {
				return nil, nil, fmt.Errorf("alerts: sink %s: env %s is unset", sink.Name, sink.URLEnv)
			}
		}
		if sink.TokenEnv != "" {
			rs.Token = os.Getenv(sink.TokenEnv)
			if rs.Token == "" {
				return nil, nil, fmt.Errorf("alerts: sink %s: env %s is unset", sink.Name, sink.TokenEnv)
			}
		}
		resolved = append(resolved, rs)
	}
	return &cfg, resolved, nil
}

// escalationRow mirrors what the reconciler appends to escalations.jsonl.
type escalationRow struct {
	Timestamp   string   `json:"timestamp"`
	TraceID     string   `json:"traceId"`
	LoopID      string   `json:"loopId"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	ReasonCodes []string `json:"reasonCodes"`
}

// dispatchState is the per-loop offset record at alert-dispatch-state.json.
type dispatchState struct {
	SchemaVersion string `json:"schemaVersion"`
	Offset        int64  `json:"offset"`
	UpdatedAt     string `json:"updatedAt"`
}

// Result summarizes one dispatch invocation for a loop.
type Result struct {
	LoopID         string `json:"loopId"`
	Status         string `json:"status"`
	NewEscalations int    `json:"newEscalations"`
	RowsDispatched int    `json:"rowsDispatched"`
	RowsBelowFloor int    `json:"rowsBelowFloor"`
	Offset         int64  `json:"offset"`
	TraceID        string `json:"traceId"`
}

// Dispatcher reads new escalations past the stored offset and fans each one
// out to every matching sink.
type Dispatcher struct {
	Repo   *repo.Repo
	Config *Config
	Sinks  []ResolvedSink
	// Deliver sends one alert payload to one sink. nil means HTTP POST for
	// webhook-style sinks.
	Deliver func(sink ResolvedSink, payload map[string]any) error
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Dispatch processes every escalation line past the stored offset for loopID.
// Re-runs with no new lines return no_new_escalations and write nothing.
func (d *Dispatcher) Dispatch(loopID, traceID string) (*Result, error) {
	var st dispatchState
	if _, err := repo.ReadJSON(d.Repo.AlertDispatchStateFile(loopID), &st); err != nil {
		return nil, err
	}

	res := &Result{LoopID: loopID, TraceID: traceID, Offset: st.Offset}
	var pending []escalationRow
	err := repo.ScanJSONL(d.Repo.EscalationsFile(loopID), func(lineNo int, raw []byte) error {
		line := int64(lineNo)
		if line <= st.Offset {
			return nil
		}
		var row escalationRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("alerts: escalations line %d: %w", lineNo, err)
		}
		pending = append(pending, row)
		res.Offset = line
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.NewEscalations = len(pending)
	if len(pending) == 0 {
		res.Status = StatusNoNewEscalations
		return res, nil
	}

	for _, esc := range pending {
		for _, sink := range d.Sinks {
			if !sinkMatches(sink, esc.Category) {
				continue
			}
			if !d.aboveFloor(sink, esc) {
				res.RowsBelowFloor++
				continue
			}
			if err := d.send(loopID, traceID, sink, esc); err != nil {
				return nil, err
			}
			res.RowsDispatched++
		}
	}

	st.SchemaVersion = envelope.SchemaVersion
	st.Offset = res.Offset
	st.UpdatedAt = d.now().UTC().Format(time.RFC3339)
	if err := repo.WriteJSONAtomic(d.Repo.AlertDispatchStateFile(loopID), st); err != nil {
		return nil, err
	}
	res.Status = StatusDispatched
	d.logger().Info("alert dispatch complete",
		zap.String("loopId", loopID),
		zap.Int("newEscalations", res.NewEscalations),
		zap.Int("dispatched", res.RowsDispatched))
	return res, nil
}

// aboveFloor applies the category floor first, then the sink floor.
func (d *Dispatcher) aboveFloor(sink ResolvedSink, esc escalationRow) bool {
	rank := severityRank[esc.Severity]
	if d.Config != nil {
		if floor, ok := d.Config.CategoryMinSeverity[esc.Category]; ok && rank < severityRank[floor] {
			return false
		}
	}
	if sink.MinSeverity != "" && rank < severityRank[sink.MinSeverity] {
		return false
	}
	return true
}

func (d *Dispatcher) send(loopID, traceID string, sink ResolvedSink, esc escalationRow) error {
	payload := map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"loopId":        loopID,
		"category":      esc.Category,
		"severity":      esc.Severity,
		"reasonCodes":   esc.ReasonCodes,
		"escalatedAt":   esc.Timestamp,
		"traceId":       esc.TraceID,
	}
	deliver := d.Deliver
	if deliver == nil {
		deliver = deliverHTTP
	}
	if err := deliver(sink, payload); err != nil {
		return fmt.Errorf("alerts: sink %s: %w", sink.Name, err)
	}
	return repo.AppendJSONL(d.Repo.LoopTelemetryFile(loopID, "alerts"), map[string]any{
		"schemaVersion":     envelope.SchemaVersion,
		"timestamp":         d.now().UTC().Format(time.RFC3339),
		"traceId":           traceID,
		"escalationTraceId": esc.TraceID,
		"loopId":            loopID,
		"category":          esc.Category,
		"severity":          esc.Severity,
		"sink":              sink.Name,
		"sinkType":          sink.Type,
		"status":            StatusDispatched,
	})
}

func sinkMatches(sink ResolvedSink, category string) bool {
	if len(sink.Categories) == 0 {
		return true
	}
	for _, c := range sink.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// deliverHTTP posts the payload as JSON with an optional bearer token.
func deliverHTTP(sink ResolvedSink, payload map[string]any) error {
	if sink.URL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sink.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sink.Token)
	}
	timeout := time.Duration(sink.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}
