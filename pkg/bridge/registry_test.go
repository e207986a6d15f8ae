package bridge_test

import (
	"testing"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddIsIdempotent(t *testing.T) {
	registry := bridge.NewRegistry(nil)

	var added int
	registry.Subscribe(func(e bridge.Event) {
		if e.Type == bridge.BridgeAdded {
			added++
		}
	})

	registry.AddOrUpdate("b1", bridge.LoadReport{Region: "us-east", Stress: 0.1})
	registry.AddOrUpdate("b1", bridge.LoadReport{Region: "us-east", Stress: 0.2})

	assert.Equal(t, 1, added)
	b, ok := registry.Get("b1")
	require.True(t, ok)
	assert.Equal(t, 0.2, b.Stress)
}

func TestRegistry_HealthFailureFiresRemoval(t *testing.T) {
	registry := bridge.NewRegistry(nil)
	registry.AddOrUpdate("b1", bridge.LoadReport{})

	var removed []bridge.ID
	registry.Subscribe(func(e bridge.Event) {
		if e.Type == bridge.BridgeRemoved {
			removed = append(removed, e.Bridge.ID)
		}
	})

	registry.OnHealth("b1", bridge.HealthFailed)

	assert.Equal(t, []bridge.ID{"b1"}, removed)
	b, ok := registry.Get("b1")
	require.True(t, ok, "a failed bridge stays registered as non-operational")
	assert.False(t, b.Operational)
}

func TestRegistry_HealthTimeoutDoesNotFireRemoval(t *testing.T) {
	registry := bridge.NewRegistry(nil)
	registry.AddOrUpdate("b1", bridge.LoadReport{})

	var events []bridge.EventType
	registry.Subscribe(func(e bridge.Event) { events = append(events, e.Type) })

	registry.OnHealth("b1", bridge.HealthTimedOut)

	assert.Empty(t, events, "a timeout must not trigger migration")
	b, _ := registry.Get("b1")
	assert.False(t, b.Operational)

	registry.OnHealth("b1", bridge.HealthPassed)
	b, _ = registry.Get("b1")
	assert.True(t, b.Operational)
}

func TestRegistry_FailureCooldown(t *testing.T) {
	clock := common.NewFakeClock(time.Unix(0, 0))
	registry := bridge.NewRegistry(clock)
	registry.AddOrUpdate("b1", bridge.LoadReport{})

	registry.MarkFailure("b1")
	b, _ := registry.Get("b1")
	assert.True(t, b.FailedRecently(clock.Now(), time.Minute))

	clock.Advance(2 * time.Minute)
	assert.False(t, b.FailedRecently(clock.Now(), time.Minute))
}
