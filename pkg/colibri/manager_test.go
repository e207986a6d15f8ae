package colibri

import (
	"fmt"
	"testing"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/riverine/focus/pkg/xmpp/xmpptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = xmpp.JID("room@conference.example.com")

// fakeBridge answers conference-modify requests the way a healthy bridge
// would: transports for created endpoints and relays, feedback sources on
// conference create.
func fakeBridge() xmpptest.Responder {
	next := 0
	return func(iq *xmpp.IQ) *xmpp.IQ {
		modify, ok := iq.Payload.(*xmpp.ConferenceModify)
		if !ok {
			return iq.Result()
		}
		next++
		modified := &xmpp.ConferenceModified{}
		for _, ep := range modify.Endpoints {
			answer := xmpp.Colibri2Endpoint{ID: ep.ID}
			if ep.Create {
				answer.Transport = &xmpp.ColibriTransport{IceUdp: &xmpp.IceUdpTransport{
					Ufrag: fmt.Sprintf("ufrag-%d", next),
					Pwd:   "pwd",
				}}
			}
			modified.Endpoints = append(modified.Endpoints, answer)
		}
		for _, r := range modify.Relays {
			answer := xmpp.Colibri2Relay{ID: r.ID}
			if r.Create {
				answer.Transport = &xmpp.ColibriTransport{IceUdp: &xmpp.IceUdpTransport{
					Ufrag: fmt.Sprintf("relay-ufrag-%d", next),
					Pwd:   "pwd",
				}}
			}
			modified.Relays = append(modified.Relays, answer)
		}
		if modify.Create {
			modified.Sources = &xmpp.EndpointSources{MediaSources: []xmpp.MediaSource{{
				Type:    "audio",
				Sources: []xmpp.SourceElement{{SSRC: 99999, Name: "jvb-a0"}},
			}}}
		}
		return iq.ResultWith(modified)
	}
}

func newTestManager(t *testing.T, regions map[bridge.ID]string) (*SessionManager, *xmpptest.FakeConnection, *bridge.Registry) {
	t.Helper()

	clock := common.NewFakeClock(time.Unix(1700000000, 0))
	registry := bridge.NewRegistry(clock)
	for id, region := range regions {
		registry.AddOrUpdate(id, bridge.LoadReport{Region: region, Version: "1.0"})
	}

	config := bridge.DefaultSelectionConfig()
	selector := bridge.NewSelector(registry, bridge.NewRegionStrategy(config), config, clock)

	conn := xmpptest.NewFakeConnection("focus.example.com")
	conn.Respond(fakeBridge())

	manager := NewSessionManager(conn, selector, registry, testRoom, DefaultConfig(), nil)
	return manager, conn, registry
}

func TestAllocateAndExpire(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{"b1": "us-east"})

	allocation, err := manager.Allocate(AllocationRequest{
		EndpointID: "alice", StatsID: "alice-stats", Region: "us-east", UseSctp: true,
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b1"), allocation.BridgeID)
	require.NotNil(t, allocation.Transport)
	assert.NotEmpty(t, allocation.Transport.Ufrag)
	// The bridge's feedback sources came back with the allocation.
	require.Contains(t, allocation.FeedbackSources, source.FeedbackOwner)
	assert.True(t, allocation.FeedbackSources[source.FeedbackOwner].HasSSRC(99999))

	assert.Equal(t, map[bridge.ID][]source.EndpointID{"b1": {"alice"}}, manager.Snapshot())

	manager.Expire("alice")
	assert.Empty(t, manager.Snapshot(), "last endpoint expires the session")
}

func TestAllocateDuplicate(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{"b1": "us-east"})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice"})
	require.NoError(t, err)

	_, err = manager.Allocate(AllocationRequest{EndpointID: "alice"})
	assert.ErrorIs(t, err, ErrParticipantAlreadyInvited)
	assert.Len(t, manager.Snapshot()["b1"], 1)
}

func TestSecondBridgeCreatesRelayMesh(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{
		"b1": "us-east",
		"b2": "eu-west",
	})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice", Region: "us-east"})
	require.NoError(t, err)
	_, err = manager.Allocate(AllocationRequest{EndpointID: "bob", Region: "eu-west"})
	require.NoError(t, err)

	snapshot := manager.Snapshot()
	require.Len(t, snapshot, 2, "participants in different regions land on different bridges")

	// Each bridge's relay toward the other carries exactly the endpoints
	// allocated on the other bridge.
	assert.Equal(t, []source.EndpointID{"bob"}, manager.RelayedEndpoints("b1", "b2"))
	assert.Equal(t, []source.EndpointID{"alice"}, manager.RelayedEndpoints("b2", "b1"))
}

func TestRelayTracksSourceAndMembershipChanges(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{
		"b1": "us-east",
		"b2": "eu-west",
	})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice", Region: "us-east"})
	require.NoError(t, err)
	_, err = manager.Allocate(AllocationRequest{EndpointID: "bob", Region: "eu-west"})
	require.NoError(t, err)
	_, err = manager.Allocate(AllocationRequest{EndpointID: "carol", Region: "eu-west"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []source.EndpointID{"bob", "carol"}, manager.RelayedEndpoints("b1", "b2"))

	require.NoError(t, manager.UpdateSources("bob", source.EndpointSourceSet{
		Sources: []source.Source{{SSRC: 1111, MediaType: source.MediaAudio, Name: "bob-a0"}},
	}))
	// Still exactly once on the relay after the update.
	assert.ElementsMatch(t, []source.EndpointID{"bob", "carol"}, manager.RelayedEndpoints("b1", "b2"))

	manager.Expire("bob")
	assert.Equal(t, []source.EndpointID{"carol"}, manager.RelayedEndpoints("b1", "b2"))

	manager.Expire("carol")
	assert.Empty(t, manager.RelayedEndpoints("b1", "b2"), "empty session tears its relay down")
	assert.Len(t, manager.Snapshot(), 1)
}

func TestAllocateBridgeTimeout(t *testing.T) {
	manager, conn, registry := newTestManager(t, map[bridge.ID]string{"b1": "us-east"})
	conn.Respond(func(iq *xmpp.IQ) *xmpp.IQ { return nil })

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice"})
	assert.ErrorIs(t, err, ErrBridgeFailedDuringAllocation)
	assert.Empty(t, manager.Snapshot(), "failed allocation leaves no session behind")

	b, ok := registry.Get("b1")
	require.True(t, ok)
	assert.False(t, b.LastFailure.IsZero(), "failure recorded for the selection cooldown")
}

func TestAllocateBridgeDraining(t *testing.T) {
	manager, conn, _ := newTestManager(t, map[bridge.ID]string{"b1": "us-east"})
	conn.Respond(func(iq *xmpp.IQ) *xmpp.IQ {
		return iq.ErrorWith("wait", xmpp.ServiceUnavailable, "graceful shutdown")
	})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice"})
	assert.ErrorIs(t, err, ErrBridgeInGracefulShutdown)
}

func TestBridgeRemovedReportsOrphans(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{
		"b1": "us-east",
		"b2": "eu-west",
	})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice", Region: "us-east"})
	require.NoError(t, err)
	_, err = manager.Allocate(AllocationRequest{EndpointID: "bob", Region: "eu-west"})
	require.NoError(t, err)

	orphans := manager.BridgeRemoved("b1")
	assert.Equal(t, []source.EndpointID{"alice"}, orphans)

	snapshot := manager.Snapshot()
	assert.NotContains(t, snapshot, bridge.ID("b1"))
	assert.Contains(t, snapshot, bridge.ID("b2"))
	assert.Empty(t, manager.RelayedEndpoints("b2", "b1"), "survivor drops its relay to the dead bridge")

	// The orphan can be reinvited and lands on the surviving bridge.
	allocation, err := manager.Allocate(AllocationRequest{EndpointID: "alice", Region: "us-east"})
	require.NoError(t, err)
	assert.Equal(t, bridge.ID("b2"), allocation.BridgeID)
}

func TestFeedbackSourcesExcludeOwnBridge(t *testing.T) {
	manager, _, _ := newTestManager(t, map[bridge.ID]string{
		"b1": "us-east",
		"b2": "eu-west",
	})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice", Region: "us-east"})
	require.NoError(t, err)
	_, err = manager.Allocate(AllocationRequest{EndpointID: "bob", Region: "eu-west"})
	require.NoError(t, err)

	// From b1's perspective only b2's feedback is visible and vice versa; a
	// bridge is never offered its own feedback sources back.
	fromB1 := manager.FeedbackSources("b1")
	require.Contains(t, fromB1, source.FeedbackOwner)
	assert.True(t, fromB1[source.FeedbackOwner].HasSSRC(99999))

	all := manager.FeedbackSources("other")
	require.Contains(t, all, source.FeedbackOwner)
}

func TestMuteIsIdempotent(t *testing.T) {
	manager, conn, _ := newTestManager(t, map[bridge.ID]string{"b1": "us-east"})

	_, err := manager.Allocate(AllocationRequest{EndpointID: "alice"})
	require.NoError(t, err)

	require.NoError(t, manager.Mute("alice", source.MediaAudio, true))
	require.NoError(t, manager.Mute("alice", source.MediaAudio, true))

	var muted int
	for _, iq := range conn.SentIQs() {
		modify, ok := iq.Payload.(*xmpp.ConferenceModify)
		if !ok {
			continue
		}
		for _, ep := range modify.Endpoints {
			if ep.ForceMute != nil && ep.ForceMute.Audio {
				muted++
			}
		}
	}
	assert.Equal(t, 2, muted, "each mute call reaches the bridge, flags unchanged")

	assert.ErrorIs(t, manager.Mute("ghost", source.MediaAudio, true), ErrUnknownEndpoint)
}
