// Package horizon is a typed packet bus independent of the loop control path:
// a strict packet FSM, a plan/dispatch orchestrator with pluggable adapters,
// de-duplicated acknowledgement ingest, and timeout-driven retry with a
// dead-letter terminal.
package horizon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// Packet statuses.
const (
	StatusQueued       = "queued"
	StatusDispatched   = "dispatched"
	StatusAcknowledged = "acknowledged"
	StatusInProgress   = "in_progress"
	StatusCompleted    = "completed"
	StatusEscalated    = "escalated"
	StatusDeadLetter   = "dead_letter"
)

// Recipient types.
const (
	RecipientLocalAgent = "local_agent"
	RecipientHuman      = "human"
)

// allowedTransitions is the full FSM. completed is terminal; dead_letter is
// terminal; escalated may only re-enter dispatched.
var allowedTransitions = map[string][]string{
	StatusQueued:       {StatusDispatched, StatusDeadLetter},
	StatusDispatched:   {StatusAcknowledged, StatusEscalated, StatusDeadLetter},
	StatusAcknowledged: {StatusInProgress, StatusDeadLetter},
	StatusInProgress:   {StatusCompleted, StatusEscalated, StatusDeadLetter},
	StatusCompleted:    {},
	StatusEscalated:    {StatusDispatched},
}

// TransitionError names the rejected source and target states.
type TransitionError struct {
	PacketID string
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("horizon: packet %s: transition %s -> %s is not allowed", e.PacketID, e.From, e.To)
}

// CanTransition reports whether from -> to is in the FSM.
func CanTransition(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Recipient addresses a packet.
type Recipient struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Transition is one FSM step recorded on the packet.
type Transition struct {
	From    string `json:"from"`
	To      string `json:"to"`
	At      string `json:"at"`
	TraceID string `json:"traceId"`
	Reason  string `json:"reason,omitempty"`
}

// Packet is the durable document at horizons/packets/<packetId>.json.
type Packet struct {
	SchemaVersion string       `json:"schemaVersion"`
	PacketID      string       `json:"packetId"`
	TraceID       string       `json:"traceId"`
	HorizonRef    string       `json:"horizonRef"`
	Sender        string       `json:"sender"`
	Recipient     Recipient    `json:"recipient"`
	Intent        string       `json:"intent"`
	Status        string       `json:"status"`
	CreatedAt     string       `json:"createdAt"`
	UpdatedAt     string       `json:"updatedAt"`
	CompletedAt   string       `json:"completedAt,omitempty"`
	TTLSeconds    int64        `json:"ttlSeconds,omitempty"`
	EvidenceRefs  []string     `json:"evidenceRefs"`
	RetryCount    int          `json:"retryCount"`
	Transitions   []Transition `json:"transitions"`
}

// Validate checks the creation contract.
func (p *Packet) Validate() error {
	if p.PacketID == "" {
		return fmt.Errorf("horizon: packetId is required")
	}
	if p.HorizonRef == "" {
		return fmt.Errorf("horizon: packet %s: horizonRef is required", p.PacketID)
	}
	if p.Intent == "" {
		return fmt.Errorf("horizon: packet %s: intent is required", p.PacketID)
	}
	switch p.Recipient.Type {
	case RecipientLocalAgent, RecipientHuman:
	default:
		return fmt.Errorf("horizon: packet %s: unknown recipient type %q", p.PacketID, p.Recipient.Type)
	}
	if p.Recipient.ID == "" {
		return fmt.Errorf("horizon: packet %s: recipient id is required", p.PacketID)
	}
	return nil
}

// Store owns packet persistence and the telemetry stream.
type Store struct {
	Repo *repo.Repo
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateRequest carries the operator-supplied packet fields.
type CreateRequest struct {
	PacketID     string
	TraceID      string
	HorizonRef   string
	Sender       string
	Recipient    Recipient
	Intent       string
	TTLSeconds   int64
	EvidenceRefs []string
}

// Create persists a new queued packet. A missing packetId is generated; a
// duplicate id is rejected.
func (s *Store) Create(req CreateRequest) (*Packet, error) {
	if req.PacketID == "" {
		req.PacketID = "pkt-" + uuid.NewString()[:8]
	}
	if req.TraceID == "" {
		req.TraceID = "horizon-" + uuid.NewString()[:8]
	}
	now := s.now().UTC().Format(time.RFC3339)
	p := &Packet{
		SchemaVersion: envelope.SchemaVersion,
		PacketID:      req.PacketID,
		TraceID:       req.TraceID,
		HorizonRef:    req.HorizonRef,
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Intent:        req.Intent,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
		TTLSeconds:    req.TTLSeconds,
		EvidenceRefs:  req.EvidenceRefs,
		Transitions:   []Transition{},
	}
	if p.EvidenceRefs == nil {
		p.EvidenceRefs = []string{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.Repo.PacketFile(p.PacketID)); err == nil {
		return nil, fmt.Errorf("horizon: packet %s already exists", p.PacketID)
	}
	if err := repo.WriteJSONAtomic(s.Repo.PacketFile(p.PacketID), p); err != nil {
		return nil, err
	}
	if err := s.appendPacketRow(p, "created", req.TraceID); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads one packet.
func (s *Store) Load(packetID string) (*Packet, error) {
	var p Packet
	ok, err := repo.ReadJSON(s.Repo.PacketFile(packetID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("horizon: packet %s not found", packetID)
	}
	return &p, nil
}

// List returns every packet, sorted by (horizonRef, createdAt, packetId).
func (s *Store) List() ([]*Packet, error) {
	entries, err := os.ReadDir(s.Repo.PacketsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Packet
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p, err := s.Load(strings.TrimSuffix(filepath.Base(entry.Name()), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HorizonRef != out[j].HorizonRef {
			return out[i].HorizonRef < out[j].HorizonRef
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].PacketID < out[j].PacketID
	})
	return out, nil
}

// Transition moves a packet through the FSM, recording the step. completedAt
// is set iff the packet lands in completed.
func (s *Store) Transition(packetID, to, traceID, reason string) (*Packet, error) {
	p, err := s.Load(packetID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(p, to, traceID, reason); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) transition(p *Packet, to, traceID, reason string) error {
	if !CanTransition(p.Status, to) {
		return &TransitionError{PacketID: p.PacketID, From: p.Status, To: to}
	}
	now := s.now().UTC().Format(time.RFC3339)
	p.Transitions = append(p.Transitions, Transition{
		From: p.Status, To: to, At: now, TraceID: traceID, Reason: reason,
	})
	p.Status = to
	p.UpdatedAt = now
	if to == StatusCompleted {
		p.CompletedAt = now
	}
	if err := repo.WriteJSONAtomic(s.Repo.PacketFile(p.PacketID), p); err != nil {
		return err
	}
	return s.appendPacketRow(p, "transitioned", traceID)
}

func (s *Store) appendPacketRow(p *Packet, action, traceID string) error {
	return repo.AppendJSONL(s.Repo.HorizonTelemetryFile("packets"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     s.now().UTC().Format(time.RFC3339),
		"traceId":       traceID,
		"packetId":      p.PacketID,
		"horizonRef":    p.HorizonRef,
		"action":        action,
		"status":        p.Status,
		"retryCount":    p.RetryCount,
	})
}
