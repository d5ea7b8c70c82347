// Package fleet owns the fleet registry contract and the bounded-parallel
// reconcile fan-out across its loops.
package fleet

import (
	"fmt"
	"sort"
	"time"

	"opsmanager/internal/envelope"
	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

// Policy modes.
const (
	ModeAdvisory    = "advisory"
	ModeGuardedAuto = "guarded_auto"
)

// GlobalScope is the suppression scope key covering every loop.
const GlobalScope = "*"

// The closed set of policy candidate categories. Registries naming anything
// else are rejected whole.
const (
	CategoryReconcileFailed       = "reconcile_failed"
	CategoryHealthCritical        = "health_critical"
	CategoryHealthDegraded        = "health_degraded"
	CategoryDivergenceDetected    = "divergence_detected"
	CategoryOrderingDriftDetected = "ordering_drift_detected"
	CategoryControlAmbiguous      = "control_ambiguous"
)

var knownCategories = map[string]bool{
	CategoryReconcileFailed:       true,
	CategoryHealthCritical:        true,
	CategoryHealthDegraded:        true,
	CategoryDivergenceDetected:    true,
	CategoryOrderingDriftDetected: true,
	CategoryControlAmbiguous:      true,
}

// KnownCategory reports membership in the closed category set.
func KnownCategory(category string) bool { return knownCategories[category] }

// ServiceRef locates a loop's sprite service endpoint. TokenEnv names the
// environment variable carrying the auth token; tokens never appear inline.
type ServiceRef struct {
	BaseURL  string `json:"baseUrl"`
	TokenEnv string `json:"tokenEnv,omitempty"`
}

// LoopEntry is one governed loop.
type LoopEntry struct {
	LoopID    string      `json:"loopId"`
	Transport string      `json:"transport"`
	Service   *ServiceRef `json:"service,omitempty"`
	Enabled   bool        `json:"enabled"`
}

// NoiseControls tunes cross-pass candidate de-duplication.
type NoiseControls struct {
	DedupeWindowSeconds int64 `json:"dedupeWindowSeconds"`
}

// Governance records who authorized the autonomous posture and until when.
type Governance struct {
	Actor            string `json:"actor"`
	ApprovalRef      string `json:"approvalRef"`
	Rationale        string `json:"rationale"`
	ChangedAt        string `json:"changedAt"`
	ReviewBy         string `json:"reviewBy"`
	AuthorityContext string `json:"authorityContext,omitempty"`
}

// Allowlists bound what guarded_auto may act on.
type Allowlists struct {
	Categories []string `json:"categories"`
	Intents    []string `json:"intents"`
}

// AutonomyThresholds gate candidates by severity and confidence.
type AutonomyThresholds struct {
	MinSeverity   string `json:"minSeverity"`
	MinConfidence string `json:"minConfidence"`
}

// Safety caps autonomous action volume.
type Safety struct {
	MaxActionsPerRun  int   `json:"maxActionsPerRun"`
	MaxActionsPerLoop int   `json:"maxActionsPerLoop"`
	CooldownSeconds   int64 `json:"cooldownSeconds"`
	KillSwitch        bool  `json:"killSwitch"`
}

// AutoPause trips the rollout on bad recent outcomes.
type AutoPause struct {
	Enabled                bool    `json:"enabled"`
	LookbackExecutions     int     `json:"lookbackExecutions"`
	MinSampleSize          int     `json:"minSampleSize"`
	AmbiguityRateThreshold float64 `json:"ambiguityRateThreshold"`
	FailureRateThreshold   float64 `json:"failureRateThreshold"`
}

// RolloutPause combines the manual switch with optional auto-pause.
type RolloutPause struct {
	Manual bool       `json:"manual"`
	Auto   *AutoPause `json:"auto,omitempty"`
}

// Rollout confines autonomy to a deterministic canary cohort.
type Rollout struct {
	CanaryPercent int `json:"canaryPercent"`
	Scope         struct {
		LoopIDs []string `json:"loopIds,omitempty"`
	} `json:"scope"`
	Selector struct {
		Salt string `json:"salt"`
	} `json:"selector"`
	Pause RolloutPause `json:"pause"`
}

// AutonomousPolicy is the full guarded_auto configuration.
type AutonomousPolicy struct {
	Governance Governance         `json:"governance"`
	Allow      Allowlists         `json:"allow"`
	Thresholds AutonomyThresholds `json:"thresholds"`
	Safety     Safety             `json:"safety"`
	Rollout    *Rollout           `json:"rollout,omitempty"`
}

// FleetPolicy is the registry's policy block.
type FleetPolicy struct {
	Mode          string              `json:"mode"`
	Suppressions  map[string][]string `json:"suppressions,omitempty"`
	NoiseControls NoiseControls       `json:"noiseControls"`
	Autonomous    *AutonomousPolicy   `json:"autonomous,omitempty"`
}

// Registry is the fleet registry document (registry.v1.json).
type Registry struct {
	SchemaVersion string      `json:"schemaVersion"`
	FleetID       string      `json:"fleetId"`
	Loops         []LoopEntry `json:"loops"`
	Policy        FleetPolicy `json:"policy"`
}

// LoadRegistry reads and validates the registry. Validation failures reject
// the whole document; there is no partial acceptance.
func LoadRegistry(r *repo.Repo, now time.Time) (*Registry, error) {
	var reg Registry
	ok, err := repo.ReadJSON(r.FleetRegistryFile(), &reg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fleet registry not found: %s", r.FleetRegistryFile())
	}
	if err := reg.Validate(now); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks the registry invariants.
func (reg *Registry) Validate(now time.Time) error {
	if reg.SchemaVersion != envelope.SchemaVersion {
		return fmt.Errorf("registry: unsupported schemaVersion %q", reg.SchemaVersion)
	}
	if reg.FleetID == "" {
		return fmt.Errorf("registry: fleetId is required")
	}
	if len(reg.Loops) == 0 {
		return fmt.Errorf("registry: at least one loop is required")
	}

	seen := map[string]bool{}
	for i, loop := range reg.Loops {
		if loop.LoopID == "" {
			return fmt.Errorf("registry: loops[%d].loopId is required", i)
		}
		if seen[loop.LoopID] {
			return fmt.Errorf("registry: duplicate loopId %q", loop.LoopID)
		}
		seen[loop.LoopID] = true
		switch loop.Transport {
		case transport.KindLocal:
		case transport.KindSpriteService:
			if loop.Service == nil || loop.Service.BaseURL == "" {
				return fmt.Errorf("registry: loop %q uses sprite_service but has no service.baseUrl", loop.LoopID)
			}
		default:
			return fmt.Errorf("registry: loop %q has unknown transport %q", loop.LoopID, loop.Transport)
		}
	}

	switch reg.Policy.Mode {
	case ModeAdvisory, ModeGuardedAuto:
	default:
		return fmt.Errorf("registry: policy.mode must be advisory or guarded_auto, got %q", reg.Policy.Mode)
	}

	for scope, categories := range reg.Policy.Suppressions {
		if scope != GlobalScope && !seen[scope] {
			return fmt.Errorf("registry: suppression scope %q is neither %q nor a configured loopId", scope, GlobalScope)
		}
		for _, category := range categories {
			if !KnownCategory(category) {
				return fmt.Errorf("registry: suppression scope %q names unknown category %q", scope, category)
			}
		}
	}

	if reg.Policy.Mode == ModeGuardedAuto {
		auto := reg.Policy.Autonomous
		if auto == nil {
			return fmt.Errorf("registry: guarded_auto requires policy.autonomous")
		}
		if err := auto.validate(now); err != nil {
			return err
		}
	}
	return nil
}

func (a *AutonomousPolicy) validate(now time.Time) error {
	g := a.Governance
	if g.Actor == "" || g.ApprovalRef == "" {
		return fmt.Errorf("registry: autonomous.governance requires actor and approvalRef")
	}
	if g.ChangedAt == "" || g.ReviewBy == "" {
		return fmt.Errorf("registry: guarded_auto demands governance.changedAt and governance.reviewBy")
	}
	if _, err := time.Parse(time.RFC3339, g.ChangedAt); err != nil {
		return fmt.Errorf("registry: governance.changedAt: %w", err)
	}
	reviewBy, err := time.Parse(time.RFC3339, g.ReviewBy)
	if err != nil {
		return fmt.Errorf("registry: governance.reviewBy: %w", err)
	}
	if !reviewBy.After(now) {
		return fmt.Errorf("registry: governance.reviewBy must be in the future under guarded_auto")
	}

	for _, category := range a.Allow.Categories {
		if !KnownCategory(category) {
			return fmt.Errorf("registry: autonomous.allow names unknown category %q", category)
		}
	}
	for _, intent := range a.Allow.Intents {
		if !transport.AllowedIntent(intent) {
			return fmt.Errorf("registry: autonomous.allow names unknown intent %q", intent)
		}
	}

	switch a.Thresholds.MinSeverity {
	case "warning", "critical", "":
	default:
		return fmt.Errorf("registry: autonomous.thresholds.minSeverity %q", a.Thresholds.MinSeverity)
	}
	switch a.Thresholds.MinConfidence {
	case envelope.ConfidenceHigh, envelope.ConfidenceMedium, envelope.ConfidenceLow, "":
	default:
		return fmt.Errorf("registry: autonomous.thresholds.minConfidence %q", a.Thresholds.MinConfidence)
	}

	if r := a.Rollout; r != nil {
		if r.CanaryPercent < 0 || r.CanaryPercent > 100 {
			return fmt.Errorf("registry: rollout.canaryPercent must be within [0,100], got %d", r.CanaryPercent)
		}
		if auto := r.Pause.Auto; auto != nil && auto.Enabled {
			if auto.LookbackExecutions <= 0 || auto.MinSampleSize <= 0 {
				return fmt.Errorf("registry: rollout.pause.auto requires positive lookbackExecutions and minSampleSize")
			}
		}
	}
	return nil
}

// SortedLoopIDs returns the ids of enabled loops in lexicographic order.
func (reg *Registry) SortedLoopIDs() []string {
	ids := make([]string, 0, len(reg.Loops))
	for _, loop := range reg.Loops {
		if loop.Enabled {
			ids = append(ids, loop.LoopID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Loop returns the entry for a loop id.
func (reg *Registry) Loop(loopID string) (*LoopEntry, bool) {
	for i := range reg.Loops {
		if reg.Loops[i].LoopID == loopID {
			return &reg.Loops[i], true
		}
	}
	return nil, false
}
