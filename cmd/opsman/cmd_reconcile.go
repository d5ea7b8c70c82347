package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opsmanager/internal/envelope"
	"opsmanager/internal/health"
	"opsmanager/internal/logging"
	"opsmanager/internal/reconcile"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

var (
	reconcileLoop      string
	reconcileProfile   string
	reconcileMaxEvents int
	reconcileWatch     bool

	controlLoop   string
	controlIntent string
	controlBy     string
	controlNote   string
	controlKey    string

	statusLoop string
)

func newLocalTransport(r *repo.Repo) *transport.Local {
	return transport.NewLocal(r, transport.LocalConfig{
		ControlScript: os.Getenv(transport.EnvControlScript),
	})
}

func newReconciler(r *repo.Repo) (*reconcile.Reconciler, error) {
	th, err := health.ProfileThresholds(reconcileProfile)
	if err != nil {
		return nil, err
	}
	return &reconcile.Reconciler{
		Repo:       r,
		Transport:  newLocalTransport(r),
		Thresholds: th,
		MaxEvents:  reconcileMaxEvents,
	}, nil
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one observation pass for a loop (or watch for changes)",
	Long: `Reads the loop runtime's artifacts, projects them into the ops state
envelope, advances the event cursor, evaluates health, and persists the
projection plus telemetry. With --watch, re-reconciles whenever the runtime
artifacts change until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		rc, err := newReconciler(r)
		if err != nil {
			return err
		}
		log := logFor(logging.CategoryReconcile)

		if reconcileWatch {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info("watching loop", zap.String("loopId", reconcileLoop))
			return rc.Watch(ctx, reconcileLoop, reconcile.WatchConfig{
				Debounce: 500 * time.Millisecond,
				OnResult: func(res *reconcile.Result, err error) {
					if err != nil {
						log.Error("reconcile pass failed", zap.Error(err))
						return
					}
					log.Info("reconcile pass",
						zap.String("loopId", res.LoopID),
						zap.String("status", res.Status),
						zap.String("health", res.HealthStatus),
						zap.Bool("changed", res.Changed))
				},
			})
		}

		res, err := rc.Reconcile(cmd.Context(), reconcileLoop, traceID)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("reconcile "+res.LoopID, res.Status,
				fmt.Sprintf("health=%s cursor=%d events=%d", res.HealthStatus, res.CursorOffset, res.EventsConsumed))
			return nil
		}
		return emit(res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a loop's projected state and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}

		var state envelope.ProjectedState
		hadState, err := repo.ReadJSON(r.ProjectedStateFile(statusLoop), &state)
		if err != nil {
			return err
		}
		if !hadState {
			return fmt.Errorf("loop %s: no projected state; run reconcile first", statusLoop)
		}
		var h health.Health
		if _, err := repo.ReadJSON(r.HealthFile(statusLoop), &h); err != nil {
			return err
		}

		if pretty {
			renderLine("loop "+statusLoop, h.Status,
				fmt.Sprintf("runtime=%s iteration=%d reasons=%v", state.Projection.Status, state.Projection.Iteration, h.ReasonCodes))
			return nil
		}
		return emit(map[string]any{"state": state, "health": h})
	},
}

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Actuate a control intent against a loop runtime",
	Long: `Sends cancel, approve, or reject through the configured control
actuator (` + transport.EnvControlScript + `). Outcomes are confirmed, ambiguous, or
failed; replays of the same idempotency key return the stored outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		local := newLocalTransport(r)
		outcome, err := local.Control(cmd.Context(), transport.ControlRequest{
			LoopID:         controlLoop,
			Intent:         controlIntent,
			IdempotencyKey: controlKey,
			TraceID:        traceID,
			By:             controlBy,
			Note:           controlNote,
		})
		if err != nil {
			return err
		}
		if pretty {
			renderLine("control "+controlIntent, outcome.Status,
				fmt.Sprintf("loop=%s exit=%d replayed=%v", controlLoop, outcome.ExitCode, outcome.Replayed))
			return nil
		}
		return emit(outcome)
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileLoop, "loop", "", "loop id (required)")
	reconcileCmd.Flags().StringVar(&reconcileProfile, "profile", health.ProfileBalanced, "health threshold profile: strict|balanced|relaxed")
	reconcileCmd.Flags().IntVar(&reconcileMaxEvents, "max-events", 0, "bound one event poll (0 = unbounded)")
	reconcileCmd.Flags().BoolVar(&reconcileWatch, "watch", false, "keep reconciling on runtime changes")
	_ = reconcileCmd.MarkFlagRequired("loop")

	statusCmd.Flags().StringVar(&statusLoop, "loop", "", "loop id (required)")
	_ = statusCmd.MarkFlagRequired("loop")

	controlCmd.Flags().StringVar(&controlLoop, "loop", "", "loop id (required)")
	controlCmd.Flags().StringVar(&controlIntent, "intent", "", "cancel|approve|reject (required)")
	controlCmd.Flags().StringVar(&controlBy, "by", "", "operator identity")
	controlCmd.Flags().StringVar(&controlNote, "note", "", "free-form note recorded with the intent")
	controlCmd.Flags().StringVar(&controlKey, "idempotency-key", "", "replay guard for repeated invocations")
	_ = controlCmd.MarkFlagRequired("loop")
	_ = controlCmd.MarkFlagRequired("intent")

	rootCmd.AddCommand(reconcileCmd, statusCmd, controlCmd)
}
