package bridge

import (
	"errors"
	"time"

	"github.com/riverine/focus/pkg/common"
	"github.com/sirupsen/logrus"
)

// ErrNoBridgeAvailable is returned when no bridge satisfies the constraints.
var ErrNoBridgeAvailable = errors.New("no bridge satisfies the selection constraints")

// Strategy picks one bridge out of a pre-filtered candidate list. Strategies
// are pure over their inputs so they can be swapped and tested in isolation.
type Strategy interface {
	Select(candidates []Bridge, conferenceBridges map[ID]int, participantRegion string, octoEnabled bool) (Bridge, bool)
}

// SelectionConfig tunes the selector shared by all strategies.
type SelectionConfig struct {
	// MaxBridgeParticipants caps how many conference participants a single
	// bridge should carry before selection prefers spreading out. Zero means
	// no cap.
	MaxBridgeParticipants int `yaml:"maxBridgeParticipants"`
	// StressThreshold above which a bridge counts as overloaded and is
	// ordered last.
	StressThreshold float64 `yaml:"stressThreshold"`
	// RegionGroups are equivalence classes of regions considered near each
	// other, e.g. [["us-east", "us-west"], ["eu-central", "eu-west"]].
	RegionGroups [][]string `yaml:"regionGroups"`
	// FailureCooldown is how long a bridge is avoided after a failed
	// allocation.
	FailureCooldown time.Duration `yaml:"failureCooldown"`
	// Strategy names the strategy implementation: "region" or "external".
	Strategy string `yaml:"strategy"`
	// ExternalURL and ExternalTimeout configure the external strategy.
	ExternalURL     string        `yaml:"externalUrl"`
	ExternalTimeout time.Duration `yaml:"externalTimeout"`
}

// DefaultSelectionConfig returns the deployed defaults.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		MaxBridgeParticipants: 80,
		StressThreshold:       0.8,
		FailureCooldown:       time.Minute,
		Strategy:              "region",
	}
}

// Selector applies the candidate filter common to every strategy (operational
// state, graceful shutdown, version constraint, failure cooldown) and then
// delegates the policy decision to the configured strategy.
type Selector struct {
	registry *Registry
	strategy Strategy
	config   SelectionConfig
	clock    common.Clock
	logger   *logrus.Entry
}

func NewSelector(registry *Registry, strategy Strategy, config SelectionConfig, clock common.Clock) *Selector {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Selector{
		registry: registry,
		strategy: strategy,
		config:   config,
		clock:    clock,
		logger:   logrus.WithField("component", "bridge-selector"),
	}
}

// SelectionInput describes one selection request.
type SelectionInput struct {
	// ConferenceBridges maps each bridge already in the conference to its
	// participant count there.
	ConferenceBridges map[ID]int
	// ParticipantRegion is the joining participant's region, may be "".
	ParticipantRegion string
	// VersionConstraint pins the choice to one bridge version, may be "".
	VersionConstraint string
	// OctoEnabled permits picking a bridge not yet in the conference when the
	// conference already spans bridges.
	OctoEnabled bool
}

// Select picks a bridge or fails with ErrNoBridgeAvailable.
func (s *Selector) Select(input SelectionInput) (Bridge, error) {
	snapshot := s.registry.Snapshot()

	version := input.VersionConstraint
	// If the conference is already placed, all its bridges share a version and
	// any new bridge must match it.
	if version == "" && len(input.ConferenceBridges) > 0 {
		for id := range input.ConferenceBridges {
			if b, ok := s.registry.Get(id); ok {
				version = b.Version
				break
			}
		}
	}

	now := s.clock.Now()
	usable := s.filter(snapshot, version, now, false)
	if len(usable) == 0 {
		// Fall back to draining bridges rather than failing outright.
		usable = s.filter(snapshot, version, now, true)
	}
	if len(usable) == 0 {
		return Bridge{}, ErrNoBridgeAvailable
	}

	chosen, ok := s.strategy.Select(usable, input.ConferenceBridges, input.ParticipantRegion, input.OctoEnabled)
	if !ok {
		return Bridge{}, ErrNoBridgeAvailable
	}
	return chosen, nil
}

func (s *Selector) filter(snapshot []Bridge, version string, now time.Time, allowDraining bool) []Bridge {
	var usable []Bridge
	for _, b := range snapshot {
		if !b.Operational {
			continue
		}
		if b.GracefulShutdown && !allowDraining {
			continue
		}
		if version != "" && b.Version != version {
			continue
		}
		if b.FailedRecently(now, s.config.FailureCooldown) {
			continue
		}
		usable = append(usable, b)
	}
	return usable
}

// regionGroupOf returns the index of the region group containing the region,
// or -1.
func regionGroupOf(groups [][]string, region string) int {
	for i, group := range groups {
		for _, r := range group {
			if r == region {
				return i
			}
		}
	}
	return -1
}

// sameRegionGroup reports whether two regions belong to the same group. A
// region is always in its own group.
func sameRegionGroup(groups [][]string, a, b string) bool {
	if a == b {
		return a != ""
	}
	ga := regionGroupOf(groups, a)
	return ga >= 0 && ga == regionGroupOf(groups, b)
}
