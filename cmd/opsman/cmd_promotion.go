package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"opsmanager/internal/logging"
	"opsmanager/internal/promotion"
)

var (
	gatesFailOnHold bool

	applyIntent     string
	applyExpandStep int
	applyBy         string
	applyApproval   string
	applyRationale  string
	applyReviewBy   string
	applyIdemKey    string

	orchestrateMode string
)

var promotionGatesCmd = &cobra.Command{
	Use:   "promotion-gates",
	Short: "Evaluate the canary promotion gates",
	Long: `Runs the four promotion gate groups (governance, outcome reliability,
safety suppression, drill recency) against the durable evidence and records
the promote/hold decision. --fail-on-hold turns a hold into a non-zero
exit for CI use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(r)
		if err != nil {
			return err
		}
		gates := &promotion.Gates{Repo: r, Logger: logFor(logging.CategoryPromotion)}
		st, err := gates.Evaluate(reg, traceID)
		if err != nil {
			return err
		}

		if pretty {
			renderLine("promotion", st.Decision, "")
			for _, g := range st.Gates {
				status := "passed"
				if !g.Passed {
					status = "failed"
				}
				renderLine("  "+g.Name, status, strings.Join(g.Reasons, ", "))
			}
		} else if err := emit(st); err != nil {
			return err
		}

		if gatesFailOnHold && st.Decision != promotion.DecisionPromote {
			return promotion.ErrHold
		}
		return nil
	},
}

func applyRequest() promotion.ApplyRequest {
	return promotion.ApplyRequest{
		Intent:         applyIntent,
		ExpandStep:     applyExpandStep,
		By:             applyBy,
		ApprovalRef:    applyApproval,
		Rationale:      applyRationale,
		ReviewBy:       applyReviewBy,
		IdempotencyKey: applyIdemKey,
		TraceID:        traceID,
	}
}

var promotionApplyCmd = &cobra.Command{
	Use:   "promotion-apply",
	Short: "Mutate the rollout block of the fleet registry",
	Long: `Applies expand, resume, or rollback to the registry's rollout
configuration. Every mutation requires full governance metadata (--by,
--approval-ref, --rationale, --review-by) and rewrites the governance block,
which the next policy pass audits. An --idempotency-key replays the stored
outcome without touching the registry again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		applier := &promotion.Applier{Repo: r, Logger: logFor(logging.CategoryPromotion)}
		outcome, err := applier.Apply(applyRequest())
		if err != nil {
			return err
		}
		if pretty {
			renderLine("apply "+outcome.Intent, "",
				fmt.Sprintf("canary=%d%% pause=%v replayed=%v", outcome.CanaryPercent, outcome.ManualPause, outcome.Replayed))
			return nil
		}
		return emit(outcome)
	},
}

var promotionOrchestrateCmd = &cobra.Command{
	Use:   "promotion-orchestrate",
	Short: "Gate-check then apply (or roll back) in one invocation",
	Long: `dry_run evaluates the gates and stops. apply refuses unless the
decision is promote. rollback skips the decision check entirely; pausing
autonomy is always allowed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		o := &promotion.Orchestrator{
			Repo:    r,
			Gates:   &promotion.Gates{Repo: r, Logger: logFor(logging.CategoryPromotion)},
			Applier: &promotion.Applier{Repo: r, Logger: logFor(logging.CategoryPromotion)},
		}
		res, runErr := o.Run(orchestrateMode, applyRequest())
		if res != nil {
			if pretty {
				renderLine("orchestrate "+res.Mode, res.Decision, "")
			} else if err := emit(res); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	promotionGatesCmd.Flags().BoolVar(&gatesFailOnHold, "fail-on-hold", false, "exit non-zero when the decision is hold")

	for _, c := range []*cobra.Command{promotionApplyCmd, promotionOrchestrateCmd} {
		c.Flags().StringVar(&applyIntent, "intent", "", "expand|resume|rollback")
		c.Flags().IntVar(&applyExpandStep, "expand-step", 0, "canary percent increment (with expand)")
		c.Flags().StringVar(&applyBy, "by", "", "who authorizes the mutation")
		c.Flags().StringVar(&applyApproval, "approval-ref", "", "change approval reference")
		c.Flags().StringVar(&applyRationale, "rationale", "", "why this mutation is happening")
		c.Flags().StringVar(&applyReviewBy, "review-by", "", "RFC3339 deadline for the next governance review")
		c.Flags().StringVar(&applyIdemKey, "idempotency-key", "", "replay guard for repeated invocations")
	}
	promotionOrchestrateCmd.Flags().StringVar(&orchestrateMode, "mode", promotion.ModeDryRun, "dry_run|apply|rollback")

	rootCmd.AddCommand(promotionGatesCmd, promotionApplyCmd, promotionOrchestrateCmd)
}
