package horizon

import (
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/backoff"
	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
)

// RetryConfig bounds the re-dispatch loop for unacknowledged packets.
type RetryConfig struct {
	// AckTimeoutSeconds is how long a dispatched packet may sit without a
	// receipt before it is retried.
	AckTimeoutSeconds int64 `json:"ackTimeoutSeconds"`
	// MaxRetries caps re-dispatch attempts; the next timeout after the cap
	// dead-letters the packet.
	MaxRetries int `json:"maxRetries"`
	// BackoffBaseSeconds spaces consecutive retries of the same packet.
	BackoffBaseSeconds int64 `json:"backoffBaseSeconds"`
}

// DefaultRetryConfig matches one unattended overnight window.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{AckTimeoutSeconds: 900, MaxRetries: 3, BackoffBaseSeconds: 300}
}

func (c RetryConfig) policy() backoff.Policy {
	return backoff.Policy{
		MaxRetries: c.MaxRetries,
		Base:       time.Duration(c.BackoffBaseSeconds) * time.Second,
	}
}

// retryState is the durable pacing record at horizons/retry-state.json.
type retryState struct {
	SchemaVersion string                 `json:"schemaVersion"`
	Packets       map[string]retryRecord `json:"packets"`
	UpdatedAt     string                 `json:"updatedAt"`
}

type retryRecord struct {
	LastRetryAt string `json:"lastRetryAt"`
	NextRetryAt string `json:"nextRetryAt"`
}

// RetryResult summarizes one retry reconcile pass.
type RetryResult struct {
	Retried      []string `json:"retried"`
	DeadLettered []string `json:"deadLettered"`
	Waiting      []string `json:"waiting"`
}

// Retrier re-dispatches dispatched packets whose acknowledgements timed out.
type Retrier struct {
	Store  *Store
	Config RetryConfig
	// Logger may be nil.
	Logger *zap.Logger
}

func (rt *Retrier) logger() *zap.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return zap.NewNop()
}

// Reconcile walks dispatched packets. A packet past the ack timeout is
// re-appended to its recipient's outbox with retryCount incremented; once
// retryCount reaches MaxRetries the next timeout moves it to dead_letter with
// a dead-letter telemetry row.
func (rt *Retrier) Reconcile(traceID string, now time.Time) (*RetryResult, error) {
	packets, err := rt.Store.List()
	if err != nil {
		return nil, err
	}
	var st retryState
	if _, err := repo.ReadJSON(rt.Store.Repo.RetryStateFile(), &st); err != nil {
		return nil, err
	}
	if st.Packets == nil {
		st.Packets = map[string]retryRecord{}
	}

	res := &RetryResult{Retried: []string{}, DeadLettered: []string{}, Waiting: []string{}}
	policy := rt.Config.policy()
	for _, p := range packets {
		if p.Status != StatusDispatched {
			delete(st.Packets, p.PacketID)
			continue
		}
		if !rt.timedOut(p, now) || !rt.retryDue(st.Packets[p.PacketID], now) {
			res.Waiting = append(res.Waiting, p.PacketID)
			continue
		}
		if p.RetryCount >= rt.Config.MaxRetries {
			if err := rt.deadLetter(p, traceID, now); err != nil {
				return nil, err
			}
			delete(st.Packets, p.PacketID)
			res.DeadLettered = append(res.DeadLettered, p.PacketID)
			continue
		}
		if err := rt.redispatch(p, traceID, now); err != nil {
			return nil, err
		}
		st.Packets[p.PacketID] = retryRecord{
			LastRetryAt: now.UTC().Format(time.RFC3339),
			NextRetryAt: now.Add(policy.DelayFor(p.RetryCount)).UTC().Format(time.RFC3339),
		}
		res.Retried = append(res.Retried, p.PacketID)
	}

	st.SchemaVersion = envelope.SchemaVersion
	st.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := repo.WriteJSONAtomic(rt.Store.Repo.RetryStateFile(), st); err != nil {
		return nil, err
	}
	rt.logger().Info("horizon retry reconcile",
		zap.Int("retried", len(res.Retried)),
		zap.Int("deadLettered", len(res.DeadLettered)),
		zap.Int("waiting", len(res.Waiting)))
	return res, nil
}

func (rt *Retrier) timedOut(p *Packet, now time.Time) bool {
	updated, err := time.Parse(time.RFC3339, p.UpdatedAt)
	if err != nil {
		return false
	}
	return now.Sub(updated) > time.Duration(rt.Config.AckTimeoutSeconds)*time.Second
}

func (rt *Retrier) retryDue(rec retryRecord, now time.Time) bool {
	if rec.NextRetryAt == "" {
		return true
	}
	next, err := time.Parse(time.RFC3339, rec.NextRetryAt)
	if err != nil {
		return true
	}
	return !now.Before(next)
}

// redispatch re-appends the envelope and bumps retryCount without leaving the
// dispatched state.
func (rt *Retrier) redispatch(p *Packet, traceID string, now time.Time) error {
	p.RetryCount++
	p.UpdatedAt = now.UTC().Format(time.RFC3339)
	env := DispatchedEnvelope{
		SchemaVersion: envelope.SchemaVersion,
		PacketID:      p.PacketID,
		TraceID:       p.TraceID,
		HorizonRef:    p.HorizonRef,
		Sender:        p.Sender,
		Recipient:     p.Recipient,
		Intent:        p.Intent,
		DispatchedAt:  p.UpdatedAt,
		RetryCount:    p.RetryCount,
		EvidenceRefs:  p.EvidenceRefs,
	}
	outbox := rt.Store.Repo.OutboxFile(p.Recipient.Type, p.Recipient.ID)
	if err := repo.AppendJSONL(outbox, env); err != nil {
		return err
	}
	if err := repo.WriteJSONAtomic(rt.Store.Repo.PacketFile(p.PacketID), p); err != nil {
		return err
	}
	return rt.Store.appendPacketRow(p, "retried", traceID)
}

func (rt *Retrier) deadLetter(p *Packet, traceID string, now time.Time) error {
	if err := rt.Store.transition(p, StatusDeadLetter, traceID, "ack retries exhausted"); err != nil {
		return err
	}
	return repo.AppendJSONL(rt.Store.Repo.DeadLetterFile(), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     now.UTC().Format(time.RFC3339),
		"traceId":       traceID,
		"packetId":      p.PacketID,
		"horizonRef":    p.HorizonRef,
		"recipient":     p.Recipient,
		"intent":        p.Intent,
		"retryCount":    p.RetryCount,
		"reasonCode":    "horizon_ack_retries_exhausted",
	})
}
