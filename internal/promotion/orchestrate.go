package promotion

import (
	"fmt"
	"time"

	"opsmanager/internal/fleet"
	"opsmanager/internal/repo"
)

// Orchestrator modes.
const (
	ModeDryRun   = "dry_run"
	ModeApply    = "apply"
	ModeRollback = "rollback"
)

// OrchestrateResult combines the gate evaluation with any mutation performed.
type OrchestrateResult struct {
	Mode     string        `json:"mode"`
	Decision string        `json:"decision"`
	Gates    []GateResult  `json:"gates"`
	Applied  *ApplyOutcome `json:"applied,omitempty"`
}

// Orchestrator sequences gates then apply.
type Orchestrator struct {
	Repo    *repo.Repo
	Gates   *Gates
	Applier *Applier
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run evaluates gates and, depending on mode, applies. apply refuses a
// non-promote decision with ErrDecisionMismatch; rollback always proceeds
// (it pauses autonomy); dry_run never mutates.
func (o *Orchestrator) Run(mode string, req ApplyRequest) (*OrchestrateResult, error) {
	reg, err := fleet.LoadRegistry(o.Repo, o.now())
	if err != nil {
		return nil, err
	}
	gateState, err := o.Gates.Evaluate(reg, req.TraceID)
	if err != nil {
		return nil, err
	}
	res := &OrchestrateResult{Mode: mode, Decision: gateState.Decision, Gates: gateState.Gates}

	switch mode {
	case ModeDryRun:
		return res, nil
	case ModeApply:
		if gateState.Decision != DecisionPromote {
			return res, ErrDecisionMismatch
		}
		outcome, err := o.Applier.Apply(req)
		if err != nil {
			return res, err
		}
		res.Applied = outcome
		return res, nil
	case ModeRollback:
		req.Intent = IntentRollback
		outcome, err := o.Applier.Apply(req)
		if err != nil {
			return res, err
		}
		res.Applied = outcome
		return res, nil
	default:
		return nil, fmt.Errorf("promotion: unknown mode %q", mode)
	}
}
