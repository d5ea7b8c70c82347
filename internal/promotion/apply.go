package promotion

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/fleet"
	"opsmanager/internal/repo"
)

// Apply intents.
const (
	IntentExpand   = "expand"
	IntentResume   = "resume"
	IntentRollback = "rollback"
)

// ErrDecisionMismatch is returned when apply is requested without a promote
// decision. The CLI maps it to its own exit code.
var ErrDecisionMismatch = errors.New("promotion: gate decision is not promote")

// ErrHold marks a hold decision under --fail-on-hold.
var ErrHold = errors.New("promotion: decision is hold")

// ApplyRequest is one governance-bearing registry mutation.
type ApplyRequest struct {
	Intent         string
	ExpandStep     int
	By             string
	ApprovalRef    string
	Rationale      string
	ReviewBy       string
	IdempotencyKey string
	TraceID        string
}

// Validate enforces the governance metadata every mutation must carry.
func (req *ApplyRequest) Validate() error {
	switch req.Intent {
	case IntentExpand, IntentResume, IntentRollback:
	default:
		return fmt.Errorf("promotion: unknown intent %q", req.Intent)
	}
	if req.Intent == IntentExpand && req.ExpandStep <= 0 {
		return fmt.Errorf("promotion: expand requires a positive --expand-step")
	}
	if req.By == "" || req.ApprovalRef == "" || req.Rationale == "" || req.ReviewBy == "" {
		return fmt.Errorf("promotion: --by, --approval-ref, --rationale and --review-by are all required")
	}
	if _, err := time.Parse(time.RFC3339, req.ReviewBy); err != nil {
		return fmt.Errorf("promotion: --review-by: %w", err)
	}
	if req.TraceID == "" {
		return fmt.Errorf("promotion: traceId is required")
	}
	return nil
}

// ApplyOutcome records one mutation result.
type ApplyOutcome struct {
	Intent        string `json:"intent"`
	CanaryPercent int    `json:"canaryPercent"`
	ManualPause   bool   `json:"manualPause"`
	AppliedAt     string `json:"appliedAt"`
	TraceID       string `json:"traceId"`
	Replayed      bool   `json:"replayed"`
}

// applyState is the durable idempotency map at promotion-apply-state.json.
type applyState struct {
	SchemaVersion string                  `json:"schemaVersion"`
	Outcomes      map[string]ApplyOutcome `json:"outcomes"`
}

// Applier mutates the fleet registry's autonomous posture.
type Applier struct {
	Repo *repo.Repo
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Apply performs the mutation, rewrites the registry, updates governance
// metadata, and appends one promotion-apply telemetry row. A replayed
// idempotency key returns the stored outcome untouched.
func (a *Applier) Apply(req ApplyRequest) (*ApplyOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := a.now()

	var st applyState
	if _, err := repo.ReadJSON(a.Repo.PromotionApplyStateFile(), &st); err != nil {
		return nil, err
	}
	if st.Outcomes == nil {
		st.Outcomes = map[string]ApplyOutcome{}
	}
	if req.IdempotencyKey != "" {
		if prior, ok := st.Outcomes[req.IdempotencyKey]; ok {
			prior.Replayed = true
			return &prior, nil
		}
	}

	reg, err := fleet.LoadRegistry(a.Repo, now)
	if err != nil {
		return nil, err
	}
	auto := reg.Policy.Autonomous
	if auto == nil {
		return nil, fmt.Errorf("promotion: registry has no autonomous policy to mutate")
	}
	if auto.Rollout == nil {
		auto.Rollout = &fleet.Rollout{}
	}

	switch req.Intent {
	case IntentExpand:
		auto.Rollout.CanaryPercent += req.ExpandStep
		if auto.Rollout.CanaryPercent > 100 {
			auto.Rollout.CanaryPercent = 100
		}
		auto.Rollout.Pause.Manual = false
	case IntentResume:
		auto.Rollout.Pause.Manual = false
	case IntentRollback:
		auto.Rollout.Pause.Manual = true
	}

	auto.Governance.Actor = req.By
	auto.Governance.ApprovalRef = req.ApprovalRef
	auto.Governance.Rationale = req.Rationale
	auto.Governance.ChangedAt = now.UTC().Format(time.RFC3339)
	auto.Governance.ReviewBy = req.ReviewBy

	if err := repo.WriteJSONAtomic(a.Repo.FleetRegistryFile(), reg); err != nil {
		return nil, err
	}

	outcome := ApplyOutcome{
		Intent:        req.Intent,
		CanaryPercent: auto.Rollout.CanaryPercent,
		ManualPause:   auto.Rollout.Pause.Manual,
		AppliedAt:     now.UTC().Format(time.RFC3339),
		TraceID:       req.TraceID,
	}
	if req.IdempotencyKey != "" {
		st.SchemaVersion = envelope.SchemaVersion
		st.Outcomes[req.IdempotencyKey] = outcome
		if err := repo.WriteJSONAtomic(a.Repo.PromotionApplyStateFile(), st); err != nil {
			return nil, err
		}
	}
	if err := repo.AppendJSONL(a.Repo.FleetTelemetryFile("promotion-apply"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     outcome.AppliedAt,
		"traceId":       req.TraceID,
		"intent":        req.Intent,
		"canaryPercent": outcome.CanaryPercent,
		"manualPause":   outcome.ManualPause,
		"by":            req.By,
		"approvalRef":   req.ApprovalRef,
	}); err != nil {
		return nil, err
	}
	if a.Logger != nil {
		a.Logger.Info("promotion applied",
			zap.String("intent", req.Intent),
			zap.Int("canaryPercent", outcome.CanaryPercent),
			zap.Bool("manualPause", outcome.ManualPause))
	}
	return &outcome, nil
}
