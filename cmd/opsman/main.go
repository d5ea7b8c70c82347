// Package main implements opsman, the operations control plane CLI for
// superloop fleets: per-loop reconciliation, fleet fan-out, policy and
// autonomy gating, operator handoff, alerting, promotion governance, and the
// horizon packet bus.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opsmanager/internal/bridge"
	"opsmanager/internal/logging"
	"opsmanager/internal/promotion"
	"opsmanager/internal/repo"
)

var (
	// Global flags.
	repoPath string
	verbose  bool
	quiet    bool
	traceID  string
	pretty   bool

	hub *logging.Hub
)

var rootCmd = &cobra.Command{
	Use:   "opsman",
	Short: "Operations control plane for superloop fleets",
	Long: `opsman observes and steers autonomous superloop runtimes without ever
writing to their files. It reconciles per-loop health, fans out across a
fleet registry, evaluates escalation policy and autonomy gates, hands
intents to operators (or executes them under guarded autonomy), dispatches
alerts, governs canary promotion, and runs the horizon packet bus.

All durable state lives under .superloop/ in the target repository.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environments set variables directly.
		_ = godotenv.Load()

		if traceID == "" {
			traceID = "ops-" + uuid.NewString()[:8]
		}

		var err error
		hub, err = logging.Setup(logging.Options{Root: repoPath, Verbose: verbose, Quiet: quiet})
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if hub != nil {
			_ = hub.Close()
		}
	},
}

// openRepo resolves the --repo flag (or the working directory) into a Repo.
func openRepo() (*repo.Repo, error) {
	path := repoPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path = wd
	}
	return repo.Open(path)
}

func logFor(category string) *zap.Logger {
	if hub == nil {
		return zap.NewNop()
	}
	return hub.For(category)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", "", "target repository root (default: working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress stderr logging")
	rootCmd.PersistentFlags().StringVar(&traceID, "trace-id", "", "trace id threaded through every artifact (default: generated)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable rendering instead of JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the CLI contract: 2 for gated holds and
// contract-validation failures, 7 for a refused promotion apply, 1 otherwise.
func exitCode(err error) int {
	switch {
	case errors.Is(err, promotion.ErrDecisionMismatch):
		return 7
	case errors.Is(err, promotion.ErrHold),
		errors.Is(err, bridge.ErrContractValidation):
		return 2
	default:
		return 1
	}
}
