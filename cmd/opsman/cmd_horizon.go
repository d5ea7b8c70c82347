package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"opsmanager/internal/bridge"
	"opsmanager/internal/horizon"
	"opsmanager/internal/logging"
	"opsmanager/internal/repo"
)

var (
	packetID       string
	packetHorizon  string
	packetSender   string
	packetRcptType string
	packetRcptID   string
	packetIntent   string
	packetTTL      int64
	packetEvidence []string
	packetTo       string
	packetReason   string

	dispatchAdapter string
	dispatchDryRun  bool
	directoryMode   string
	directoryPairs  []string

	ackStatus string
	ackBy     string

	retryAckTimeout int64
	retryMax        int
	retryBackoff    int64
)

func newPacketStore(r *repo.Repo) *horizon.Store {
	return &horizon.Store{Repo: r}
}

func newHorizonOrchestrator(r *repo.Repo) (*horizon.Orchestrator, error) {
	dir := horizon.Directory{Mode: directoryMode, Contacts: map[string]string{}}
	if dir.Mode == "" {
		dir.Mode = horizon.DirectoryOff
	}
	for _, pair := range directoryPairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("--contact must be <type>/<id>=<endpoint>, got %q", pair)
		}
		dir.Contacts[key] = value
	}
	return &horizon.Orchestrator{
		Store:     newPacketStore(r),
		Directory: dir,
		Logger:    logFor(logging.CategoryHorizon),
	}, nil
}

var horizonPacketCmd = &cobra.Command{
	Use:   "horizon-packet",
	Short: "Create, transition, and inspect horizon packets",
}

var horizonPacketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a new packet",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		p, err := newPacketStore(r).Create(horizon.CreateRequest{
			PacketID:     packetID,
			TraceID:      traceID,
			HorizonRef:   packetHorizon,
			Sender:       packetSender,
			Recipient:    horizon.Recipient{Type: packetRcptType, ID: packetRcptID},
			Intent:       packetIntent,
			TTLSeconds:   packetTTL,
			EvidenceRefs: packetEvidence,
		})
		if err != nil {
			return err
		}
		if pretty {
			renderLine("packet "+p.PacketID, p.Status, p.HorizonRef)
			return nil
		}
		return emit(p)
	},
}

var horizonPacketTransitionCmd = &cobra.Command{
	Use:   "transition",
	Short: "Move a packet through its state machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		p, err := newPacketStore(r).Transition(packetID, packetTo, traceID, packetReason)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("packet "+p.PacketID, p.Status, "")
			return nil
		}
		return emit(p)
	},
}

var horizonPacketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packets ordered by horizon and creation time",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		packets, err := newPacketStore(r).List()
		if err != nil {
			return err
		}
		if pretty {
			for _, p := range packets {
				renderLine(p.PacketID, p.Status,
					fmt.Sprintf("%s %s/%s retries=%d", p.HorizonRef, p.Recipient.Type, p.Recipient.ID, p.RetryCount))
			}
			return nil
		}
		return emit(packets)
	},
}

var horizonPacketShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one packet with its transition history",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		p, err := newPacketStore(r).Load(packetID)
		if err != nil {
			return err
		}
		if pretty {
			renderLine("packet "+p.PacketID, p.Status, p.HorizonRef)
			for _, tr := range p.Transitions {
				renderLine("  "+tr.At, tr.To, tr.Reason)
			}
			return nil
		}
		return emit(p)
	},
}

var horizonOrchestrateCmd = &cobra.Command{
	Use:   "horizon-orchestrate",
	Short: "Plan and dispatch queued packets",
}

var horizonPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which queued packets are dispatchable and which are blocked",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		o, err := newHorizonOrchestrator(r)
		if err != nil {
			return err
		}
		plan, err := o.Plan(time.Now())
		if err != nil {
			return err
		}
		if pretty {
			for _, item := range plan.Items {
				status := "eligible"
				if !item.Eligible {
					status = item.BlockCode
				}
				renderLine(item.PacketID, status, item.Recipient.Type+"/"+item.Recipient.ID)
			}
			return nil
		}
		return emit(plan)
	},
}

var horizonDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send every dispatchable packet through the adapter",
	Long: `filesystem_outbox appends the envelope to the recipient's outbox
file; stdout only returns it in the result. --dry-run leaves packets queued
and writes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		o, err := newHorizonOrchestrator(r)
		if err != nil {
			return err
		}
		res, err := o.Dispatch(dispatchAdapter, traceID, dispatchDryRun, time.Now())
		if err != nil {
			return err
		}
		if pretty {
			renderLine("dispatch "+res.Adapter, "",
				fmt.Sprintf("sent=%d blocked=%d dryRun=%v", len(res.Dispatched), len(res.Blocked), res.DryRun))
			return nil
		}
		return emit(res)
	},
}

var horizonAckCmd = &cobra.Command{
	Use:   "horizon-ack",
	Short: "Ingest acknowledgement receipts",
}

var horizonAckIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Apply one receipt, deduplicated on packet and trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		res, err := newPacketStore(r).Ingest(horizon.Receipt{
			PacketID: packetID,
			TraceID:  traceID,
			Status:   ackStatus,
			By:       ackBy,
		})
		if err != nil {
			return err
		}
		if pretty {
			renderLine("ack "+res.PacketID, res.Status, fmt.Sprintf("duplicate=%v", res.Duplicate))
			return nil
		}
		return emit(res)
	},
}

var horizonRetryCmd = &cobra.Command{
	Use:   "horizon-retry",
	Short: "Retry unacknowledged dispatches",
}

var horizonRetryReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-dispatch timed-out packets, dead-lettering after max retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		rt := &horizon.Retrier{
			Store: newPacketStore(r),
			Config: horizon.RetryConfig{
				AckTimeoutSeconds:  retryAckTimeout,
				MaxRetries:         retryMax,
				BackoffBaseSeconds: retryBackoff,
			},
			Logger: logFor(logging.CategoryHorizon),
		}
		res, err := rt.Reconcile(traceID, time.Now())
		if err != nil {
			return err
		}
		if pretty {
			renderLine("retry", "",
				fmt.Sprintf("retried=%d deadLettered=%d waiting=%d",
					len(res.Retried), len(res.DeadLettered), len(res.Waiting)))
			return nil
		}
		return emit(res)
	},
}

var horizonBridgeCmd = &cobra.Command{
	Use:   "horizon-bridge",
	Short: "Drain the horizon outbox into the operator handoff queue",
	Long: `Claims every outbox file by rename, validates the envelope contract,
deduplicates on packet and trace, and queues pending operator-confirmation
intents that are never autonomy-eligible. A contract violation moves the
claim to rejected/ and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		b := &bridge.Bridge{Repo: r, Logger: logFor(logging.CategoryBridge)}
		res, runErr := b.Run(traceID)
		if res != nil {
			if pretty {
				renderLine("bridge", "",
					fmt.Sprintf("claimed=%d queued=%d duplicates=%d rejected=%d",
						res.ClaimedFiles, res.QueuedCount, res.DuplicateCount, len(res.RejectedFiles)))
			} else if err := emit(res); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	defaults := horizon.DefaultRetryConfig()

	horizonPacketCreateCmd.Flags().StringVar(&packetID, "packet-id", "", "packet id (default: generated)")
	horizonPacketCreateCmd.Flags().StringVar(&packetHorizon, "horizon-ref", "", "horizon this packet belongs to (required)")
	horizonPacketCreateCmd.Flags().StringVar(&packetSender, "sender", "", "sending loop or system")
	horizonPacketCreateCmd.Flags().StringVar(&packetRcptType, "recipient-type", "", "local_agent|human (required)")
	horizonPacketCreateCmd.Flags().StringVar(&packetRcptID, "recipient-id", "", "recipient identifier (required)")
	horizonPacketCreateCmd.Flags().StringVar(&packetIntent, "intent", "", "what the recipient should do (required)")
	horizonPacketCreateCmd.Flags().Int64Var(&packetTTL, "ttl-seconds", 0, "planning TTL (0 = no expiry)")
	horizonPacketCreateCmd.Flags().StringSliceVar(&packetEvidence, "evidence", nil, "artifact references attached to the packet")
	_ = horizonPacketCreateCmd.MarkFlagRequired("horizon-ref")
	_ = horizonPacketCreateCmd.MarkFlagRequired("recipient-type")
	_ = horizonPacketCreateCmd.MarkFlagRequired("recipient-id")
	_ = horizonPacketCreateCmd.MarkFlagRequired("intent")

	horizonPacketTransitionCmd.Flags().StringVar(&packetID, "packet-id", "", "packet id (required)")
	horizonPacketTransitionCmd.Flags().StringVar(&packetTo, "to", "", "target status (required)")
	horizonPacketTransitionCmd.Flags().StringVar(&packetReason, "reason", "", "why the packet is moving")
	_ = horizonPacketTransitionCmd.MarkFlagRequired("packet-id")
	_ = horizonPacketTransitionCmd.MarkFlagRequired("to")

	horizonPacketShowCmd.Flags().StringVar(&packetID, "packet-id", "", "packet id (required)")
	_ = horizonPacketShowCmd.MarkFlagRequired("packet-id")

	horizonPacketCmd.AddCommand(horizonPacketCreateCmd, horizonPacketTransitionCmd, horizonPacketListCmd, horizonPacketShowCmd)

	for _, c := range []*cobra.Command{horizonPlanCmd, horizonDispatchCmd} {
		c.Flags().StringVar(&directoryMode, "directory-mode", horizon.DirectoryOff, "off|required")
		c.Flags().StringSliceVar(&directoryPairs, "contact", nil, "recipient contact as <type>/<id>=<endpoint>, repeatable")
	}
	horizonDispatchCmd.Flags().StringVar(&dispatchAdapter, "adapter", horizon.AdapterFilesystemOutbox, "filesystem_outbox|stdout")
	horizonDispatchCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "plan and render without mutating anything")
	horizonOrchestrateCmd.AddCommand(horizonPlanCmd, horizonDispatchCmd)

	horizonAckIngestCmd.Flags().StringVar(&packetID, "packet-id", "", "packet id (required)")
	horizonAckIngestCmd.Flags().StringVar(&ackStatus, "status", "", "acknowledged|in_progress|completed|escalated (required)")
	horizonAckIngestCmd.Flags().StringVar(&ackBy, "by", "", "who acknowledged")
	_ = horizonAckIngestCmd.MarkFlagRequired("packet-id")
	_ = horizonAckIngestCmd.MarkFlagRequired("status")
	horizonAckCmd.AddCommand(horizonAckIngestCmd)

	horizonRetryReconcileCmd.Flags().Int64Var(&retryAckTimeout, "ack-timeout", defaults.AckTimeoutSeconds, "seconds before a dispatched packet is retried")
	horizonRetryReconcileCmd.Flags().IntVar(&retryMax, "max-retries", defaults.MaxRetries, "re-dispatch attempts before dead-lettering")
	horizonRetryReconcileCmd.Flags().Int64Var(&retryBackoff, "backoff", defaults.BackoffBaseSeconds, "base seconds between retries of one packet")
	horizonRetryCmd.AddCommand(horizonRetryReconcileCmd)

	rootCmd.AddCommand(horizonPacketCmd, horizonOrchestrateCmd, horizonAckCmd, horizonRetryCmd, horizonBridgeCmd)
}
