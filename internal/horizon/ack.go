package horizon

import (
	"fmt"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// Receipt is an acknowledgement document submitted by a recipient.
type Receipt struct {
	PacketID string `json:"packetId"`
	TraceID  string `json:"traceId"`
	Status   string `json:"status"`
	By       string `json:"by,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ackState is the durable dedupe record at horizons/ack-state.json.
type ackState struct {
	SchemaVersion  string   `json:"schemaVersion"`
	ProcessedKeys  []string `json:"processedKeys"`
	DuplicateCount int      `json:"duplicateCount"`
	UpdatedAt      string   `json:"updatedAt"`
}

// IngestResult reports one receipt's handling.
type IngestResult struct {
	PacketID  string `json:"packetId"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// statuses a receipt may request.
var receiptStatuses = map[string]bool{
	StatusAcknowledged: true,
	StatusInProgress:   true,
	StatusCompleted:    true,
	StatusEscalated:    true,
}

// Ingest applies one receipt. Receipts are deduplicated on
// {packetId, traceId}; a duplicate increments duplicateCount and changes
// nothing else.
func (s *Store) Ingest(receipt Receipt) (*IngestResult, error) {
	if receipt.PacketID == "" || receipt.TraceID == "" {
		return nil, fmt.Errorf("horizon: receipt requires packetId and traceId")
	}
	if !receiptStatuses[receipt.Status] {
		return nil, fmt.Errorf("horizon: receipt status %q is not acceptable", receipt.Status)
	}

	var st ackState
	if _, err := repo.ReadJSON(s.Repo.AckStateFile(), &st); err != nil {
		return nil, err
	}
	key := receipt.PacketID + "|" + receipt.TraceID
	for _, k := range st.ProcessedKeys {
		if k == key {
			st.DuplicateCount++
			st.UpdatedAt = s.now().UTC().Format(time.RFC3339)
			if err := repo.WriteJSONAtomic(s.Repo.AckStateFile(), st); err != nil {
				return nil, err
			}
			p, err := s.Load(receipt.PacketID)
			if err != nil {
				return nil, err
			}
			return &IngestResult{PacketID: p.PacketID, Status: p.Status, Duplicate: true}, nil
		}
	}

	p, err := s.Transition(receipt.PacketID, receipt.Status, receipt.TraceID, "receipt from "+receipt.By)
	if err != nil {
		return nil, err
	}

	st.SchemaVersion = envelope.SchemaVersion
	st.ProcessedKeys = append(st.ProcessedKeys, key)
	st.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := repo.WriteJSONAtomic(s.Repo.AckStateFile(), st); err != nil {
		return nil, err
	}
	return &IngestResult{PacketID: p.PacketID, Status: p.Status}, nil
}
