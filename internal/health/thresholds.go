package health

import "fmt"

// Thresholds are the concrete trip points a profile resolves to. Explicit
// values always override the profile they started from.
type Thresholds struct {
	Profile string `json:"profile,omitempty"`

	DegradedIngestLagSeconds int64 `json:"degradedIngestLagSeconds"`
	CriticalIngestLagSeconds int64 `json:"criticalIngestLagSeconds"`

	DegradedHeartbeatLagSeconds int64 `json:"degradedHeartbeatLagSeconds"`
	CriticalHeartbeatLagSeconds int64 `json:"criticalHeartbeatLagSeconds"`

	DegradedTransportFailureStreak int `json:"degradedTransportFailureStreak"`
	CriticalTransportFailureStreak int `json:"criticalTransportFailureStreak"`
}

// Profile names.
const (
	ProfileStrict   = "strict"
	ProfileBalanced = "balanced"
	ProfileRelaxed  = "relaxed"
)

// ProfileThresholds resolves a named profile to concrete thresholds.
func ProfileThresholds(profile string) (Thresholds, error) {
	switch profile {
	case ProfileStrict:
		return Thresholds{
			Profile:                        ProfileStrict,
			DegradedIngestLagSeconds:       60,
			CriticalIngestLagSeconds:       300,
			DegradedHeartbeatLagSeconds:    90,
			CriticalHeartbeatLagSeconds:    300,
			DegradedTransportFailureStreak: 1,
			CriticalTransportFailureStreak: 2,
		}, nil
	case ProfileBalanced, "":
		return Thresholds{
			Profile:                        ProfileBalanced,
			DegradedIngestLagSeconds:       300,
			CriticalIngestLagSeconds:       1800,
			DegradedHeartbeatLagSeconds:    300,
			CriticalHeartbeatLagSeconds:    1800,
			DegradedTransportFailureStreak: 2,
			CriticalTransportFailureStreak: 5,
		}, nil
	case ProfileRelaxed:
		return Thresholds{
			Profile:                        ProfileRelaxed,
			DegradedIngestLagSeconds:       1800,
			CriticalIngestLagSeconds:       7200,
			DegradedHeartbeatLagSeconds:    1800,
			CriticalHeartbeatLagSeconds:    7200,
			DegradedTransportFailureStreak: 3,
			CriticalTransportFailureStreak: 8,
		}, nil
	default:
		return Thresholds{}, fmt.Errorf("unknown threshold profile %q", profile)
	}
}
