package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opsmanager/internal/alerts"
	"opsmanager/internal/logging"
)

var (
	alertLoop      string
	alertSinksFile string
)

var alertDispatchCmd = &cobra.Command{
	Use:   "alert-dispatch",
	Short: "Fan new escalations out to the configured alert sinks",
	Long: `Reads escalations appended since the stored offset and delivers each
one to every matching sink, honoring per-sink category filters and severity
floors. Re-runs with no new escalations write nothing. Sink secrets resolve
from the environment; an enabled sink with a missing secret aborts the whole
dispatch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		cfg, sinks, err := alerts.LoadConfig(alertSinksFile)
		if err != nil {
			return err
		}
		d := &alerts.Dispatcher{
			Repo:   r,
			Config: cfg,
			Sinks:  sinks,
			Logger: logFor(logging.CategoryAlerts),
		}
		res, err := d.Dispatch(alertLoop, traceID)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("alerts "+alertLoop, res.Status,
				fmt.Sprintf("new=%d dispatched=%d offset=%d", res.NewEscalations, res.RowsDispatched, res.Offset))
			return nil
		}
		return emit(res)
	},
}

func init() {
	alertDispatchCmd.Flags().StringVar(&alertLoop, "loop", "", "loop id (required)")
	alertDispatchCmd.Flags().StringVar(&alertSinksFile, "sinks", "", "sink config path (default: $"+alerts.EnvSinksFile+")")
	_ = alertDispatchCmd.MarkFlagRequired("loop")

	rootCmd.AddCommand(alertDispatchCmd)
}
