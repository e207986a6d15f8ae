package bridge_test

import (
	"testing"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionConfig() bridge.SelectionConfig {
	config := bridge.DefaultSelectionConfig()
	config.MaxBridgeParticipants = 2
	config.RegionGroups = [][]string{{"us-east", "us-west"}}
	return config
}

func newSelector(t *testing.T, config bridge.SelectionConfig, bridges ...bridge.Bridge) (*bridge.Selector, *bridge.Registry) {
	t.Helper()
	registry := bridge.NewRegistry(nil)
	for _, b := range bridges {
		registry.AddOrUpdate(b.ID, bridge.LoadReport{
			Region: b.Region, Version: b.Version, Stress: b.Stress, GracefulShutdown: b.GracefulShutdown,
		})
	}
	return bridge.NewSelector(registry, bridge.NewRegionStrategy(config), config, nil), registry
}

func TestSelect_LowestLoadWins(t *testing.T) {
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Stress: 0.5},
		bridge.Bridge{ID: "b2", Stress: 0.1},
	)

	chosen, err := selector.Select(bridge.SelectionInput{OctoEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}

func TestSelect_ParticipantRegionPreferred(t *testing.T) {
	// Scenario: conference on b1 (region A); participant from region B picks b2.
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Region: "region-a", Stress: 0.1},
		bridge.Bridge{ID: "b2", Region: "region-b", Stress: 0.3},
	)

	chosen, err := selector.Select(bridge.SelectionInput{
		ConferenceBridges: map[bridge.ID]int{"b1": 1},
		ParticipantRegion: "region-b",
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}

func TestSelect_ConferenceBridgeInRegionBeatsLessLoadedOne(t *testing.T) {
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Region: "us-east", Stress: 0.5},
		bridge.Bridge{ID: "b2", Region: "us-east", Stress: 0.1},
	)

	chosen, err := selector.Select(bridge.SelectionInput{
		ConferenceBridges: map[bridge.ID]int{"b1": 1},
		ParticipantRegion: "us-east",
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b1"), chosen.ID, "existing conference bridge in region wins")
}

func TestSelect_BridgeParticipantCap(t *testing.T) {
	// b1 is at the cap (2): the next participant goes to another bridge in
	// the region.
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Region: "us-east", Stress: 0.1},
		bridge.Bridge{ID: "b2", Region: "us-east", Stress: 0.2},
	)

	chosen, err := selector.Select(bridge.SelectionInput{
		ConferenceBridges: map[bridge.ID]int{"b1": 2},
		ParticipantRegion: "us-east",
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}

func TestSelect_RegionGroupBeatsOutOfRegionConferenceBridge(t *testing.T) {
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b-eu", Region: "eu-central", Stress: 0.1},
		bridge.Bridge{ID: "b-west", Region: "us-west", Stress: 0.3},
	)

	chosen, err := selector.Select(bridge.SelectionInput{
		ConferenceBridges: map[bridge.ID]int{"b-eu": 1},
		ParticipantRegion: "us-east",
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b-west"), chosen.ID, "region group match preferred over existing out-of-region bridge")
}

func TestSelect_VersionConstraint(t *testing.T) {
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Version: "v1", Stress: 0.0},
		bridge.Bridge{ID: "b2", Version: "v2", Stress: 0.5},
	)

	chosen, err := selector.Select(bridge.SelectionInput{
		VersionConstraint: "v2",
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}

func TestSelect_ConferenceVersionIsSticky(t *testing.T) {
	selector, _ := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Version: "v1", Stress: 0.5},
		bridge.Bridge{ID: "b2", Version: "v2", Stress: 0.0},
	)

	// Conference is already on a v1 bridge: a new bridge must also be v1.
	chosen, err := selector.Select(bridge.SelectionInput{
		ConferenceBridges: map[bridge.ID]int{"b1": 3},
		OctoEnabled:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b1"), chosen.ID)
}

func TestSelect_DrainingIsLastResort(t *testing.T) {
	selector, registry := newSelector(t, regionConfig(),
		bridge.Bridge{ID: "b1", Stress: 0.1},
		bridge.Bridge{ID: "b2", Stress: 0.5, GracefulShutdown: true},
	)

	chosen, err := selector.Select(bridge.SelectionInput{OctoEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b1"), chosen.ID)

	// With b1 gone only the draining bridge remains; it is still usable.
	registry.Remove("b1")
	chosen, err = selector.Select(bridge.SelectionInput{OctoEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}

func TestSelect_NoOperationalBridge(t *testing.T) {
	selector, registry := newSelector(t, regionConfig(), bridge.Bridge{ID: "b1"})
	registry.OnHealth("b1", bridge.HealthFailed)

	_, err := selector.Select(bridge.SelectionInput{OctoEnabled: true})
	assert.ErrorIs(t, err, bridge.ErrNoBridgeAvailable)
}

func TestSelect_OverloadedBridgeOrderedLast(t *testing.T) {
	config := regionConfig()
	config.StressThreshold = 0.8
	selector, _ := newSelector(t, config,
		bridge.Bridge{ID: "b1", Stress: 0.9},
		bridge.Bridge{ID: "b2", Stress: 0.7},
	)

	chosen, err := selector.Select(bridge.SelectionInput{OctoEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), chosen.ID)
}
