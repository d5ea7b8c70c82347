package horizon

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// Dispatch adapters.
const (
	AdapterFilesystemOutbox = "filesystem_outbox"
	AdapterStdout           = "stdout"
)

// Plan blocker reason codes.
const (
	BlockTTLExpired      = "packet_ttl_expired"
	BlockContactNotFound = "directory_contact_not_found"
)

// Directory modes.
const (
	DirectoryOff      = "off"
	DirectoryRequired = "required"
)

// Directory resolves recipients to contacts. Contacts are keyed
// "<type>/<id>".
type Directory struct {
	Mode     string            `json:"mode"`
	Contacts map[string]string `json:"contacts"`
}

func (d *Directory) contactFor(r Recipient) (string, bool) {
	contact, ok := d.Contacts[r.Type+"/"+r.ID]
	return contact, ok
}

// PlanItem is one packet's planning verdict.
type PlanItem struct {
	PacketID   string    `json:"packetId"`
	HorizonRef string    `json:"horizonRef"`
	Recipient  Recipient `json:"recipient"`
	Eligible   bool      `json:"eligible"`
	BlockCode  string    `json:"blockCode,omitempty"`
}

// PlanResult is the orchestrator's plan output.
type PlanResult struct {
	Items         []PlanItem `json:"items"`
	EligibleCount int        `json:"eligibleCount"`
	BlockedCount  int        `json:"blockedCount"`
}

// DispatchedEnvelope is what an adapter emits per packet.
type DispatchedEnvelope struct {
	SchemaVersion string    `json:"schemaVersion"`
	PacketID      string    `json:"packetId"`
	TraceID       string    `json:"traceId"`
	HorizonRef    string    `json:"horizonRef"`
	Sender        string    `json:"sender"`
	Recipient     Recipient `json:"recipient"`
	Intent        string    `json:"intent"`
	DispatchedAt  string    `json:"dispatchedAt"`
	RetryCount    int       `json:"retryCount"`
	EvidenceRefs  []string  `json:"evidenceRefs"`
}

// DispatchResult summarizes one dispatch invocation.
type DispatchResult struct {
	Adapter    string               `json:"adapter"`
	DryRun     bool                 `json:"dryRun"`
	Dispatched []DispatchedEnvelope `json:"dispatched"`
	Blocked    []PlanItem           `json:"blocked"`
}

// Orchestrator plans and dispatches queued packets.
type Orchestrator struct {
	Store     *Store
	Directory Directory
	// Logger may be nil.
	Logger *zap.Logger
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Plan filters queued packets, sorted by (horizonRef, createdAt), flagging
// TTL-expired packets and unresolvable recipients.
func (o *Orchestrator) Plan(now time.Time) (*PlanResult, error) {
	packets, err := o.Store.List()
	if err != nil {
		return nil, err
	}
	res := &PlanResult{}
	for _, p := range packets {
		if p.Status != StatusQueued {
			continue
		}
		item := PlanItem{PacketID: p.PacketID, HorizonRef: p.HorizonRef, Recipient: p.Recipient}
		switch {
		case o.ttlExpired(p, now):
			item.BlockCode = BlockTTLExpired
		case o.contactMissing(p):
			item.BlockCode = BlockContactNotFound
		default:
			item.Eligible = true
		}
		if item.Eligible {
			res.EligibleCount++
		} else {
			res.BlockedCount++
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func (o *Orchestrator) ttlExpired(p *Packet, now time.Time) bool {
	if p.TTLSeconds <= 0 {
		return false
	}
	created, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return false
	}
	return now.Sub(created) > time.Duration(p.TTLSeconds)*time.Second
}

func (o *Orchestrator) contactMissing(p *Packet) bool {
	if o.Directory.Mode != DirectoryRequired {
		return false
	}
	_, ok := o.Directory.contactFor(p.Recipient)
	return !ok
}

// Dispatch sends every eligible planned packet through the adapter. dry_run
// leaves packets queued and writes no outbox artifacts.
func (o *Orchestrator) Dispatch(adapter, traceID string, dryRun bool, now time.Time) (*DispatchResult, error) {
	switch adapter {
	case AdapterFilesystemOutbox, AdapterStdout:
	default:
		return nil, fmt.Errorf("horizon: unknown dispatch adapter %q", adapter)
	}
	plan, err := o.Plan(now)
	if err != nil {
		return nil, err
	}

	res := &DispatchResult{Adapter: adapter, DryRun: dryRun}
	for _, item := range plan.Items {
		if !item.Eligible {
			res.Blocked = append(res.Blocked, item)
			continue
		}
		p, err := o.Store.Load(item.PacketID)
		if err != nil {
			return nil, err
		}
		env := DispatchedEnvelope{
			SchemaVersion: envelope.SchemaVersion,
			PacketID:      p.PacketID,
			TraceID:       p.TraceID,
			HorizonRef:    p.HorizonRef,
			Sender:        p.Sender,
			Recipient:     p.Recipient,
			Intent:        p.Intent,
			DispatchedAt:  now.UTC().Format(time.RFC3339),
			RetryCount:    p.RetryCount,
			EvidenceRefs:  p.EvidenceRefs,
		}
		res.Dispatched = append(res.Dispatched, env)
		if dryRun {
			continue
		}
		if adapter == AdapterFilesystemOutbox {
			outbox := o.Store.Repo.OutboxFile(p.Recipient.Type, p.Recipient.ID)
			if err := repo.AppendJSONL(outbox, env); err != nil {
				return nil, err
			}
		}
		if err := o.Store.transition(p, StatusDispatched, traceID, "orchestrator dispatch"); err != nil {
			return nil, err
		}
	}

	if err := repo.AppendJSONL(o.Store.Repo.HorizonTelemetryFile("orchestrator"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     now.UTC().Format(time.RFC3339),
		"traceId":       traceID,
		"adapter":       adapter,
		"dryRun":        dryRun,
		"dispatched":    len(res.Dispatched),
		"blocked":       len(res.Blocked),
	}); err != nil {
		return nil, err
	}
	o.logger().Info("horizon dispatch",
		zap.String("adapter", adapter),
		zap.Bool("dryRun", dryRun),
		zap.Int("dispatched", len(res.Dispatched)),
		zap.Int("blocked", len(res.Blocked)))
	return res, nil
}
