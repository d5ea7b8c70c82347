package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"opsmanager/internal/fleet"
	"opsmanager/internal/handoff"
	"opsmanager/internal/health"
	"opsmanager/internal/logging"
	"opsmanager/internal/policy"
	"opsmanager/internal/repo"
)

var (
	fleetMaxParallel   int
	fleetDeterministic bool
	fleetProfile       string
	fleetMaxEvents     int

	handoffExecute    bool
	handoffConfirm    []string
	handoffAutonomous bool
	handoffBy         string
)

func loadRegistry(r *repo.Repo) (*fleet.Registry, error) {
	return fleet.LoadRegistry(r, time.Now())
}

func loadFleetState(r *repo.Repo) (*fleet.State, error) {
	var st fleet.State
	ok, err := repo.ReadJSON(r.FleetStateFile(), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no fleet state; run fleet-reconcile first")
	}
	return &st, nil
}

func loadPolicyState(r *repo.Repo) (*policy.State, error) {
	var st policy.State
	ok, err := repo.ReadJSON(r.PolicyStateFile(), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no policy state; run fleet-policy first")
	}
	return &st, nil
}

var fleetReconcileCmd = &cobra.Command{
	Use:   "fleet-reconcile",
	Short: "Reconcile every enabled loop in the fleet registry",
	Long: `Fans the per-loop reconcile pass out across the fleet with bounded
parallelism. Per-loop failures never abort the pass; the rollup records
them. Results are always emitted in loop id order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(r)
		if err != nil {
			return err
		}
		runner := &fleet.Runner{Repo: r, Config: fleet.Config{
			MaxParallel:        fleetMaxParallel,
			DeterministicOrder: fleetDeterministic,
			Profile:            fleetProfile,
			MaxEvents:          fleetMaxEvents,
			Logger:             logFor(logging.CategoryFleet),
		}}
		st, err := runner.Run(cmd.Context(), reg, traceID)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("fleet "+st.FleetID, st.Status,
				fmt.Sprintf("ok=%d failed=%d", st.SuccessCount, st.FailedCount))
			for _, res := range st.Results {
				renderLine("  "+res.LoopID, res.Status, "health="+res.HealthStatus)
			}
			return nil
		}
		return emit(st)
	},
}

var fleetPolicyCmd = &cobra.Command{
	Use:   "fleet-policy",
	Short: "Evaluate escalation policy over the last fleet reconcile",
	Long: `Generates action candidates from the fleet state, applies suppression
and cooldown noise controls, and (under guarded_auto) gates each candidate
through the autonomy allowlists, thresholds, safety caps, and rollout
cohort. Every policy change to the autonomous block appends a governance
audit event.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(r)
		if err != nil {
			return err
		}
		fleetState, err := loadFleetState(r)
		if err != nil {
			return err
		}
		engine := &policy.Engine{Repo: r, Logger: logFor(logging.CategoryPolicy)}
		st, err := engine.Run(reg, fleetState, traceID)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("policy "+st.Mode, "", fmt.Sprintf("candidates=%d eligible=%d suppressed=%d",
				st.Counts.CandidateCount, st.Counts.AutoEligibleCount, st.Counts.SuppressedCount))
			for _, c := range st.Candidates {
				detail := c.Severity
				if c.Suppressed {
					detail += " suppressed:" + c.SuppressionReason
				}
				renderLine("  "+c.CandidateID, c.Category, detail)
			}
			return nil
		}
		return emit(st)
	},
}

var fleetStatusCmd = &cobra.Command{
	Use:   "fleet-status",
	Short: "Show the last fleet reconcile and policy pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		fleetState, err := loadFleetState(r)
		if err != nil {
			return err
		}
		var pol policy.State
		hadPolicy, err := repo.ReadJSON(r.PolicyStateFile(), &pol)
		if err != nil {
			return err
		}

		if pretty {
			renderLine("fleet "+fleetState.FleetID, fleetState.Status,
				fmt.Sprintf("ok=%d failed=%d trace=%s", fleetState.SuccessCount, fleetState.FailedCount, fleetState.Execution.TraceID))
			if hadPolicy {
				renderLine("policy", pol.Mode,
					fmt.Sprintf("candidates=%d eligible=%d", pol.Counts.CandidateCount, pol.Counts.AutoEligibleCount))
			}
			return nil
		}
		doc := map[string]any{"fleet": fleetState}
		if hadPolicy {
			doc["policy"] = pol
		}
		return emit(doc)
	},
}

var fleetHandoffCmd = &cobra.Command{
	Use:   "fleet-handoff",
	Short: "Materialize, confirm, or autonomously execute handoff intents",
	Long: `Without flags, plans one pending intent per unsuppressed candidate.
--execute dispatches the intents named by --confirm through each loop's
transport. --autonomous-execute dispatches only autonomy-eligible intents
and drops retry-guarded ones without touching the transport.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if handoffExecute && handoffAutonomous {
			return fmt.Errorf("--execute and --autonomous-execute are mutually exclusive")
		}
		r, err := openRepo()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(r)
		if err != nil {
			return err
		}
		engine := &handoff.Engine{Repo: r, By: handoffBy, Logger: logFor(logging.CategoryHandoff)}

		var st *handoff.State
		switch {
		case handoffExecute:
			if len(handoffConfirm) == 0 {
				return fmt.Errorf("--execute requires --confirm with at least one intent id")
			}
			st, err = engine.ExecuteManual(cmd.Context(), reg, traceID, handoffConfirm)
		case handoffAutonomous:
			var pol *policy.State
			pol, err = loadPolicyState(r)
			if err != nil {
				return err
			}
			st, err = engine.ExecuteAutonomous(cmd.Context(), reg, pol, traceID)
		default:
			var pol *policy.State
			pol, err = loadPolicyState(r)
			if err != nil {
				return err
			}
			st, err = engine.Plan(reg, pol, traceID)
		}
		if err != nil {
			return err
		}

		if pretty {
			renderLine("handoff", st.Mode,
				fmt.Sprintf("pending=%d executed=%d ambiguous=%d failed=%d",
					st.PendingCount, st.ExecutedCount, st.AmbiguousCount, st.FailedCount))
			for _, it := range st.Intents {
				renderLine("  "+it.IntentID, it.Status, it.ReasonCode)
			}
			return nil
		}
		return emit(st)
	},
}

func init() {
	fleetReconcileCmd.Flags().IntVar(&fleetMaxParallel, "max-parallel", fleet.DefaultMaxParallel, "concurrent per-loop reconciles")
	fleetReconcileCmd.Flags().BoolVar(&fleetDeterministic, "deterministic-order", false, "start loops strictly in loop id order")
	fleetReconcileCmd.Flags().StringVar(&fleetProfile, "profile", health.ProfileBalanced, "health threshold profile: strict|balanced|relaxed")
	fleetReconcileCmd.Flags().IntVar(&fleetMaxEvents, "max-events", 0, "bound each loop's event poll (0 = unbounded)")

	fleetHandoffCmd.Flags().BoolVar(&handoffExecute, "execute", false, "dispatch the intents named by --confirm")
	fleetHandoffCmd.Flags().StringSliceVar(&handoffConfirm, "confirm", nil, "intent ids to dispatch (with --execute)")
	fleetHandoffCmd.Flags().BoolVar(&handoffAutonomous, "autonomous-execute", false, "dispatch autonomy-eligible intents without operator confirmation")
	fleetHandoffCmd.Flags().StringVar(&handoffBy, "by", "", "operator identity recorded on dispatched intents")

	rootCmd.AddCommand(fleetReconcileCmd, fleetPolicyCmd, fleetStatusCmd, fleetHandoffCmd)
}
