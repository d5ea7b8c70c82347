// Package bridge drains horizon outbox envelopes into the operator handoff
// queue. Claiming an outbox file by rename is the only step that mutates the
// outbox; everything after operates on the claimed copy.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/handoff"
	"opsmanager/internal/repo"
)

// CodeContractValidationFailed is surfaced when a claimed envelope misses
// required fields or names an unknown recipient type.
const CodeContractValidationFailed = "horizon_bridge_contract_validation_failed"

// ErrContractValidation makes contract failures distinguishable at the CLI
// boundary.
var ErrContractValidation = errors.New("bridge: " + CodeContractValidationFailed)

// Envelope is the parsed view of one outbox line. Raw keeps every key the
// sender wrote, including ones this version does not understand.
type Envelope struct {
	PacketID  string
	TraceID   string
	Intent    string
	Recipient struct {
		Type string
		ID   string
	}
	Raw map[string]json.RawMessage
}

var recipientTypes = map[string]bool{"local_agent": true, "human": true}

func parseEnvelope(line []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("envelope is not a JSON object: %w", err)
	}
	env := &Envelope{Raw: raw}
	for field, dst := range map[string]*string{
		"packetId": &env.PacketID,
		"traceId":  &env.TraceID,
		"intent":   &env.Intent,
	} {
		v, ok := raw[field]
		if !ok {
			return nil, fmt.Errorf("envelope missing required field %q", field)
		}
		if err := json.Unmarshal(v, dst); err != nil || *dst == "" {
			return nil, fmt.Errorf("envelope field %q must be a non-empty string", field)
		}
	}
	v, ok := raw["recipient"]
	if !ok {
		return nil, fmt.Errorf("envelope missing required field %q", "recipient")
	}
	var rec struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(v, &rec); err != nil || rec.ID == "" {
		return nil, fmt.Errorf("envelope recipient must carry type and id")
	}
	if !recipientTypes[rec.Type] {
		return nil, fmt.Errorf("envelope recipient type %q is not recognized", rec.Type)
	}
	env.Recipient.Type = rec.Type
	env.Recipient.ID = rec.ID
	return env, nil
}

// QueuedIntent is one pending operator-confirmation entry in the bridge
// queue. Envelope holds the claimed line verbatim.
type QueuedIntent struct {
	PacketID   string                     `json:"packetId"`
	TraceID    string                     `json:"traceId"`
	Intent     string                     `json:"intent"`
	Status     string                     `json:"status"`
	Autonomous struct {
		Eligible   bool `json:"eligible"`
		ManualOnly bool `json:"manualOnly"`
	} `json:"autonomous"`
	QueuedAt string                     `json:"queuedAt"`
	Envelope map[string]json.RawMessage `json:"envelope"`
}

type queueDoc struct {
	SchemaVersion string         `json:"schemaVersion"`
	EnvelopeType  string         `json:"envelopeType"`
	Intents       []QueuedIntent `json:"intents"`
	UpdatedAt     string         `json:"updatedAt"`
}

type bridgeState struct {
	SchemaVersion  string   `json:"schemaVersion"`
	ProcessedKeys  []string `json:"processedKeys"`
	DuplicateCount int      `json:"duplicateCount"`
	UpdatedAt      string   `json:"updatedAt"`
}

// Result summarizes one bridge pass.
type Result struct {
	ClaimedFiles   int      `json:"claimedFiles"`
	QueuedCount    int      `json:"queuedCount"`
	DuplicateCount int      `json:"duplicateCount"`
	RejectedFiles  []string `json:"rejectedFiles"`
}

// Bridge drains the horizon outbox into the handoff pending queue.
type Bridge struct {
	Repo *repo.Repo
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bridge) logger() *zap.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return zap.NewNop()
}

// Run claims every outbox file, validates and dedupes its envelopes, and
// queues pending intents. A file with any contract violation is moved to
// rejected/ whole (no partial ingest) and the pass returns
// ErrContractValidation after all files are handled.
func (b *Bridge) Run(traceID string) (*Result, error) {
	files, err := b.outboxFiles()
	if err != nil {
		return nil, err
	}

	var st bridgeState
	if _, err := repo.ReadJSON(b.Repo.BridgeStateFile(), &st); err != nil {
		return nil, err
	}
	var queue queueDoc
	if _, err := repo.ReadJSON(b.Repo.BridgeQueueFile(), &queue); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, f := range files {
		claim, err := b.claim(f)
		if err != nil {
			return nil, err
		}
		res.ClaimedFiles++
		envs, parseErr := b.parseClaim(claim)
		if parseErr != nil {
			rejected, err := b.reject(claim)
			if err != nil {
				return nil, err
			}
			res.RejectedFiles = append(res.RejectedFiles, filepath.Base(rejected))
			b.logger().Warn("bridge claim rejected",
				zap.String("claim", filepath.Base(rejected)),
				zap.Error(parseErr))
			continue
		}
		for _, env := range envs {
			key := env.PacketID + "|" + env.TraceID
			if containsKey(st.ProcessedKeys, key) {
				st.DuplicateCount++
				res.DuplicateCount++
				continue
			}
			st.ProcessedKeys = append(st.ProcessedKeys, key)
			intent := QueuedIntent{
				PacketID: env.PacketID,
				TraceID:  env.TraceID,
				Intent:   env.Intent,
				Status:   handoff.StatusPending,
				QueuedAt: b.now().UTC().Format(time.RFC3339),
				Envelope: env.Raw,
			}
			intent.Autonomous.ManualOnly = true
			queue.Intents = append(queue.Intents, intent)
			res.QueuedCount++
		}
	}

	now := b.now().UTC().Format(time.RFC3339)
	st.SchemaVersion = envelope.SchemaVersion
	st.UpdatedAt = now
	if err := repo.WriteJSONAtomic(b.Repo.BridgeStateFile(), st); err != nil {
		return nil, err
	}
	queue.SchemaVersion = envelope.SchemaVersion
	queue.EnvelopeType = "horizon_bridge_queue"
	queue.UpdatedAt = now
	if queue.Intents == nil {
		queue.Intents = []QueuedIntent{}
	}
	if err := repo.WriteJSONAtomic(b.Repo.BridgeQueueFile(), queue); err != nil {
		return nil, err
	}
	if err := repo.AppendJSONL(b.Repo.FleetTelemetryFile("horizon-bridge"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     now,
		"traceId":       traceID,
		"claimedFiles":  res.ClaimedFiles,
		"queued":        res.QueuedCount,
		"duplicates":    res.DuplicateCount,
		"rejected":      len(res.RejectedFiles),
	}); err != nil {
		return nil, err
	}
	b.logger().Info("bridge pass",
		zap.Int("claimedFiles", res.ClaimedFiles),
		zap.Int("queued", res.QueuedCount),
		zap.Int("duplicates", res.DuplicateCount),
		zap.Int("rejected", len(res.RejectedFiles)))

	if len(res.RejectedFiles) > 0 {
		return res, fmt.Errorf("%w: %s", ErrContractValidation, strings.Join(res.RejectedFiles, ", "))
	}
	return res, nil
}

// outboxFiles lists every per-recipient JSONL under the outbox root, sorted
// for a deterministic claim order.
func (b *Bridge) outboxFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.Repo.OutboxDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// claim moves an outbox file into processed/ under a unique name. Rename is
// atomic within the tree, so a concurrent dispatcher either sees the file or
// does not.
func (b *Bridge) claim(path string) (string, error) {
	dir := b.Repo.BridgeClaimsDir("processed")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	recipient := filepath.Base(filepath.Dir(path))
	name := fmt.Sprintf("%s-%s-%s", recipient,
		strings.TrimSuffix(filepath.Base(path), ".jsonl"), uuid.NewString()[:8])
	claim := filepath.Join(dir, name+".jsonl")
	if err := os.Rename(path, claim); err != nil {
		return "", err
	}
	return claim, nil
}

func (b *Bridge) reject(claim string) (string, error) {
	dir := b.Repo.BridgeClaimsDir("rejected")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	rejected := filepath.Join(dir, filepath.Base(claim))
	if err := os.Rename(claim, rejected); err != nil {
		return "", err
	}
	return rejected, nil
}

func (b *Bridge) parseClaim(claim string) ([]*Envelope, error) {
	var envs []*Envelope
	err := repo.ScanJSONL(claim, func(lineNo int, raw []byte) error {
		env, err := parseEnvelope(raw)
		if err != nil {
			return err
		}
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
