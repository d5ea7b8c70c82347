package fleet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsmanager/internal/envelope"
	"opsmanager/internal/health"
	"opsmanager/internal/reconcile"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

// Fleet rollup statuses.
const (
	RollupSuccess        = "success"
	RollupPartialFailure = "partial_failure"
	RollupFailed         = "failed"
)

// Rollup reason codes.
const (
	ReasonPartialFailure  = "fleet_partial_failure"
	ReasonReconcileFailed = "fleet_reconcile_failed"
)

// DefaultMaxParallel bounds the fan-out when the caller does not.
const DefaultMaxParallel = 4

// Config drives one fleet reconcile pass.
type Config struct {
	// MaxParallel caps concurrent per-loop reconciles; <=0 means
	// DefaultMaxParallel.
	MaxParallel int
	// DeterministicOrder is recorded in the execution stamp. Results are
	// always emitted in lexicographic loopId order regardless of
	// completion order, so the flag changes nothing about scheduling.
	DeterministicOrder bool
	// Profile selects the health threshold profile for every loop.
	Profile string
	// MaxEvents bounds each loop's event poll; 0 means unbounded.
	MaxEvents int
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Logger may be nil.
	Logger *zap.Logger
	// NewTransport overrides transport construction, used by tests. nil means
	// the registry entry decides.
	NewTransport func(entry *LoopEntry) (transport.Transport, error)
}

// Execution is the immutable identity of one fan-out pass.
type Execution struct {
	TraceID            string `json:"traceId"`
	StartedAt          string `json:"startedAt"`
	CompletedAt        string `json:"completedAt"`
	DeterministicOrder bool   `json:"deterministicOrder"`
	MaxParallel        int    `json:"maxParallel"`
}

// State is the fleet reconcile rollup persisted at fleet/state.json.
type State struct {
	SchemaVersion string             `json:"schemaVersion"`
	EnvelopeType  string             `json:"envelopeType"`
	FleetID       string             `json:"fleetId"`
	Status        string             `json:"status"`
	SuccessCount  int                `json:"successCount"`
	FailedCount   int                `json:"failedCount"`
	ReasonCodes   []string           `json:"reasonCodes"`
	Results       []reconcile.Result `json:"results"`
	Execution     Execution          `json:"execution"`
}

// Runner fans a reconcile pass out across a fleet.
type Runner struct {
	Repo   *repo.Repo
	Config Config
}

func (fr *Runner) now() time.Time {
	if fr.Config.Now != nil {
		return fr.Config.Now()
	}
	return time.Now()
}

func (fr *Runner) logger() *zap.Logger {
	if fr.Config.Logger != nil {
		return fr.Config.Logger
	}
	return zap.NewNop()
}

// Run reconciles every enabled loop with bounded parallelism and writes the
// rollup. Per-loop failures never abort the pass; the rollup records them.
// Results are ordered by loopId regardless of completion order.
func (fr *Runner) Run(ctx context.Context, reg *Registry, fleetTraceID string) (*State, error) {
	if fleetTraceID == "" {
		return nil, fmt.Errorf("fleet: traceId is required")
	}
	start := fr.now()
	loopIDs := reg.SortedLoopIDs()
	if len(loopIDs) == 0 {
		return nil, fmt.Errorf("fleet %s: no enabled loops", reg.FleetID)
	}

	maxParallel := fr.Config.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	results := make([]reconcile.Result, len(loopIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, loopID := range loopIDs {
		i, loopID := i, loopID
		g.Go(func() error {
			entry, _ := reg.Loop(loopID)
			results[i] = fr.reconcileLoop(gctx, entry, fleetTraceID+"-"+loopID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := &State{
		SchemaVersion: envelope.SchemaVersion,
		EnvelopeType:  "fleet_state",
		FleetID:       reg.FleetID,
		Results:       results,
		Execution: Execution{
			TraceID:            fleetTraceID,
			StartedAt:          start.UTC().Format(time.RFC3339),
			CompletedAt:        fr.now().UTC().Format(time.RFC3339),
			DeterministicOrder: fr.Config.DeterministicOrder,
			MaxParallel:        maxParallel,
		},
	}
	for _, res := range results {
		if res.Status == reconcile.StatusSuccess {
			state.SuccessCount++
		} else {
			state.FailedCount++
		}
	}
	switch {
	case state.FailedCount == 0:
		state.Status = RollupSuccess
		state.ReasonCodes = []string{}
	case state.SuccessCount == 0:
		state.Status = RollupFailed
		state.ReasonCodes = []string{ReasonReconcileFailed}
	default:
		state.Status = RollupPartialFailure
		state.ReasonCodes = []string{ReasonPartialFailure}
	}

	if err := repo.WriteJSONAtomic(fr.Repo.FleetStateFile(), state); err != nil {
		return nil, err
	}
	if err := fr.appendTelemetry(state); err != nil {
		return nil, err
	}
	fr.logger().Info("fleet reconcile complete",
		zap.String("fleetId", reg.FleetID),
		zap.String("traceId", fleetTraceID),
		zap.String("status", state.Status),
		zap.Int("success", state.SuccessCount),
		zap.Int("failed", state.FailedCount))
	return state, nil
}

// reconcileLoop never returns an error: any failure becomes a failed Result so
// the rollup stays complete.
func (fr *Runner) reconcileLoop(ctx context.Context, entry *LoopEntry, traceID string) reconcile.Result {
	th, err := health.ProfileThresholds(fr.Config.Profile)
	if err != nil {
		return failedResult(entry.LoopID, traceID, err)
	}
	tr, err := fr.transportFor(entry)
	if err != nil {
		return failedResult(entry.LoopID, traceID, err)
	}
	rc := &reconcile.Reconciler{
		Repo:       fr.Repo,
		Transport:  tr,
		Thresholds: th,
		MaxEvents:  fr.Config.MaxEvents,
		Now:        fr.Config.Now,
	}
	res, err := rc.Reconcile(ctx, entry.LoopID, traceID)
	if err != nil {
		return failedResult(entry.LoopID, traceID, err)
	}
	return *res
}

func failedResult(loopID, traceID string, err error) reconcile.Result {
	return reconcile.Result{
		LoopID:     loopID,
		Status:     reconcile.StatusFailed,
		ReasonCode: "reconcile_failed",
		TraceID:    traceID,
		Changed:    true,
		Error:      err.Error(),
	}
}

func (fr *Runner) transportFor(entry *LoopEntry) (transport.Transport, error) {
	if fr.Config.NewTransport != nil {
		return fr.Config.NewTransport(entry)
	}
	return TransportFor(fr.Repo, entry, fr.Config.Now)
}

// TransportFor builds the transport a registry entry names. Service tokens
// resolve through the entry's tokenEnv indirection and fail closed when unset.
func TransportFor(r *repo.Repo, entry *LoopEntry, now func() time.Time) (transport.Transport, error) {
	switch entry.Transport {
	case transport.KindLocal:
		return transport.NewLocal(r, transport.LocalConfig{
			ControlScript: os.Getenv(transport.EnvControlScript),
			Now:           now,
		}), nil
	case transport.KindSpriteService:
		token := ""
		if entry.Service.TokenEnv != "" {
			token = os.Getenv(entry.Service.TokenEnv)
			if token == "" {
				return nil, fmt.Errorf("fleet: loop %s: token env %s is unset", entry.LoopID, entry.Service.TokenEnv)
			}
		}
		return transport.NewService(transport.ServiceConfig{BaseURL: entry.Service.BaseURL, Token: token})
	default:
		return nil, fmt.Errorf("fleet: loop %s: unknown transport %q", entry.LoopID, entry.Transport)
	}
}

func (fr *Runner) appendTelemetry(state *State) error {
	healthCounts := map[string]int{}
	for _, res := range state.Results {
		if res.HealthStatus != "" {
			healthCounts[res.HealthStatus]++
		}
	}
	return repo.AppendJSONL(fr.Repo.FleetTelemetryFile("reconcile"), map[string]any{
		"schemaVersion": envelope.SchemaVersion,
		"timestamp":     state.Execution.CompletedAt,
		"traceId":       state.Execution.TraceID,
		"fleetId":       state.FleetID,
		"status":        state.Status,
		"successCount":  state.SuccessCount,
		"failedCount":   state.FailedCount,
		"reasonCodes":   state.ReasonCodes,
		"healthCounts":  healthCounts,
	})
}

// SortResults orders results by loopId in place. The runner already emits
// sorted results; this guards external callers assembling their own slices.
func SortResults(results []reconcile.Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].LoopID < results[j].LoopID })
}
