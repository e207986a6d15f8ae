package conference

import (
	"fmt"
	"testing"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/colibri"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/riverine/focus/pkg/xmpp/xmpptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = xmpp.JID("room@conference.example.com")

type harness struct {
	t         *testing.T
	conf      *Conference
	conn      *xmpptest.FakeConnection
	registry  *bridge.Registry
	clock     *common.FakeClock
	destroyed chan struct{}
}

// respond answers disco#info queries with a full feature set and
// conference-modify requests like a healthy bridge.
func respond() xmpptest.Responder {
	next := 0
	return func(iq *xmpp.IQ) *xmpp.IQ {
		switch payload := iq.Payload.(type) {
		case *xmpp.DiscoInfoQuery:
			return iq.ResultWith(&xmpp.DiscoInfoQuery{Features: []xmpp.DiscoFeature{
				{Var: xmpp.FeatureAudio},
				{Var: xmpp.FeatureVideo},
				{Var: xmpp.FeatureIceUdp},
				{Var: xmpp.FeatureDtlsSrtp},
				{Var: xmpp.FeatureSctp},
				{Var: xmpp.FeatureRtx},
				{Var: xmpp.FeatureTcc},
			}})
		case *xmpp.ConferenceModify:
			next++
			modified := &xmpp.ConferenceModified{}
			for _, ep := range payload.Endpoints {
				answer := xmpp.Colibri2Endpoint{ID: ep.ID}
				if ep.Create {
					answer.Transport = &xmpp.ColibriTransport{IceUdp: &xmpp.IceUdpTransport{
						Ufrag: fmt.Sprintf("ufrag-%d", next), Pwd: "pwd",
					}}
				}
				modified.Endpoints = append(modified.Endpoints, answer)
			}
			for _, r := range payload.Relays {
				answer := xmpp.Colibri2Relay{ID: r.ID}
				if r.Create {
					answer.Transport = &xmpp.ColibriTransport{IceUdp: &xmpp.IceUdpTransport{
						Ufrag: fmt.Sprintf("relay-%d", next), Pwd: "pwd",
					}}
				}
				modified.Relays = append(modified.Relays, answer)
			}
			return iq.ResultWith(modified)
		default:
			return iq.Result()
		}
	}
}

func newHarness(t *testing.T, config Config, regions map[bridge.ID]string) *harness {
	t.Helper()

	clock := common.NewFakeClock(time.Unix(1700000000, 0))
	registry := bridge.NewRegistry(clock)
	for id, region := range regions {
		registry.AddOrUpdate(id, bridge.LoadReport{Region: region, Version: "1.0"})
	}
	selectionConfig := bridge.DefaultSelectionConfig()
	selector := bridge.NewSelector(registry, bridge.NewRegionStrategy(selectionConfig), selectionConfig, clock)

	conn := xmpptest.NewFakeConnection("focus.example.com")
	conn.Respond(respond())

	destroyed := make(chan struct{})
	conf, err := New(testRoom, "", config, Dependencies{
		Conn:     conn,
		Selector: selector,
		Registry: registry,
		Clock:    clock,
		Colibri:  colibri.DefaultConfig(),
	}, func() { close(destroyed) })
	require.NoError(t, err)
	require.NoError(t, conf.Start())

	return &harness{t: t, conf: conf, conn: conn, registry: registry, clock: clock, destroyed: destroyed}
}

func (h *harness) occupant(nick string) xmpp.JID {
	return xmpp.JID(string(testRoom) + "/" + nick)
}

func (h *harness) join(nick, region string) {
	h.conf.MemberJoined(Member{Occupant: h.occupant(nick), Region: region})
}

// jingleTo collects the jingle stanzas sent to one occupant with the given
// action.
func (h *harness) jingleTo(occupant xmpp.JID, action xmpp.JingleAction) []*xmpp.Jingle {
	var found []*xmpp.Jingle
	for _, stanza := range h.conn.Sent() {
		iq, ok := stanza.(*xmpp.IQ)
		if !ok || iq.To != occupant {
			continue
		}
		if jingle, ok := iq.Payload.(*xmpp.Jingle); ok && jingle.Action == action {
			found = append(found, jingle)
		}
	}
	return found
}

// awaitInitiate waits for the nth (1-based) session-initiate to an occupant.
func (h *harness) awaitInitiate(occupant xmpp.JID, n int) *xmpp.Jingle {
	h.t.Helper()
	var offers []*xmpp.Jingle
	require.Eventually(h.t, func() bool {
		offers = h.jingleTo(occupant, xmpp.ActionSessionInitiate)
		return len(offers) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected session-initiate %d to %s", n, occupant)
	return offers[n-1]
}

// accept answers an offer with a session-accept carrying one audio and one
// video source.
func (h *harness) accept(nick, sid string, audioSSRC, videoSSRC uint32) *xmpp.IQ {
	h.t.Helper()
	occupant := h.occupant(nick)
	iq := &xmpp.IQ{
		ID:   "accept-" + nick,
		From: occupant,
		To:   h.conn.JID(),
		Type: xmpp.IQSet,
	}
	jingle := &xmpp.Jingle{
		Action:    xmpp.ActionSessionAccept,
		Responder: string(occupant),
		SID:       sid,
		Contents: []xmpp.Content{
			{
				Name: "audio",
				Description: &xmpp.RTPDescription{
					Media:        "audio",
					PayloadTypes: []xmpp.PayloadType{{ID: 111, Name: "opus", ClockRate: 48000}},
					Sources:      []xmpp.SourceElement{{SSRC: audioSSRC, Name: nick + "-a0"}},
				},
				Transport: &xmpp.IceUdpTransport{Ufrag: nick + "-ufrag", Pwd: "pwd"},
			},
			{
				Name: "video",
				Description: &xmpp.RTPDescription{
					Media:        "video",
					PayloadTypes: []xmpp.PayloadType{{ID: 100, Name: "VP8", ClockRate: 90000}},
					Sources:      []xmpp.SourceElement{{SSRC: videoSSRC, Name: nick + "-v0"}},
				},
			},
		},
	}
	return h.conf.HandleJingle(iq, jingle)
}

func hasSSRC(jingle *xmpp.Jingle, ssrc uint32) bool {
	for _, content := range jingle.Contents {
		if content.Description == nil {
			continue
		}
		for _, s := range content.Description.Sources {
			if s.SSRC == ssrc {
				return true
			}
		}
	}
	return false
}

func TestTwoParticipantJoin(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	offer1 := h.awaitInitiate(h.occupant("p1"), 1)
	require.NotEmpty(t, offer1.Contents)

	response := h.accept("p1", offer1.SID, 1001, 2001)
	require.Equal(t, xmpp.IQResult, response.Type)

	h.join("p2", "")
	offer2 := h.awaitInitiate(h.occupant("p2"), 1)

	// The second offer carries the first participant's sources, tagged with
	// their owner.
	assert.True(t, hasSSRC(offer2, 1001), "offer to p2 should include p1's audio source")
	assert.True(t, hasSSRC(offer2, 2001), "offer to p2 should include p1's video source")
	var owner string
	for _, content := range offer2.Contents {
		if content.Description == nil {
			continue
		}
		for _, s := range content.Description.Sources {
			if s.SSRC == 1001 && s.Info != nil {
				owner = s.Info.Owner
			}
		}
	}
	assert.Equal(t, "p1", owner)

	response = h.accept("p2", offer2.SID, 3001, 4001)
	require.Equal(t, xmpp.IQResult, response.Type)

	// On p2's accept, p1 receives a source-add with p2's sources.
	require.Eventually(t, func() bool {
		for _, jingle := range h.jingleTo(h.occupant("p1"), xmpp.ActionSourceAdd) {
			if hasSSRC(jingle, 3001) && hasSSRC(jingle, 4001) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "p1 should receive p2's sources")
}

func TestSessionAcceptValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	offer1 := h.awaitInitiate(h.occupant("p1"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p1", offer1.SID, 1001, 2001).Type)

	h.join("p2", "")
	offer2 := h.awaitInitiate(h.occupant("p2"), 1)

	// p2 claims p1's SSRC: rejected with bad-request, participant kept.
	response := h.accept("p2", offer2.SID, 1001, 4001)
	require.Equal(t, xmpp.IQError, response.Type)
	require.NotNil(t, response.Error)
	assert.Equal(t, xmpp.BadRequest, response.Error.Condition)
	assert.Equal(t, 2, h.conf.ParticipantCount())
}

func TestMutePermissions(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	h.awaitInitiate(h.occupant("p1"), 1)
	h.join("p2", "")
	h.awaitInitiate(h.occupant("p2"), 1)

	// p1 joined first and owns the room under the first-occupant policy.
	assert.ErrorIs(t, h.conf.Mute("p2", "p1", source.MediaAudio, true), ErrNotAllowed)
	assert.NoError(t, h.conf.Mute("p1", "p2", source.MediaAudio, true))
	assert.ErrorIs(t, h.conf.Mute("p1", "p2", source.MediaAudio, false),
		ErrNotAllowed, "unmuting another participant is never allowed")
	assert.NoError(t, h.conf.Mute("p2", "p2", source.MediaVideo, true))
	assert.ErrorIs(t, h.conf.Mute("p1", "ghost", source.MediaAudio, true), ErrUnknownParticipant)
}

func TestBridgeFailureMigration(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{
		"b1": "region-a",
		"b2": "region-b",
	})

	h.join("p1", "region-a")
	offer1 := h.awaitInitiate(h.occupant("p1"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p1", offer1.SID, 1001, 2001).Type)

	h.join("p2", "region-b")
	offer2 := h.awaitInitiate(h.occupant("p2"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p2", offer2.SID, 3001, 4001).Type)

	// The focus wires registry removal events to BridgeRemoved; drive both
	// halves here.
	h.registry.OnHealth("b1", bridge.HealthFailed)
	h.conf.BridgeRemoved("b1")

	// p1 is re-invited; the new allocation lands on the surviving bridge.
	reOffer := h.awaitInitiate(h.occupant("p1"), 2)
	require.NotEqual(t, offer1.SID, reOffer.SID, "re-invite starts a fresh session")

	require.Eventually(t, func() bool {
		for _, iq := range h.conn.SentIQs() {
			if iq.To != "b2" {
				continue
			}
			modify, ok := iq.Payload.(*xmpp.ConferenceModify)
			if !ok {
				continue
			}
			for _, ep := range modify.Endpoints {
				if ep.ID == "p1" && ep.Create {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "p1 should be reallocated on b2")
}

func TestTransportReplaceRateLimited(t *testing.T) {
	config := DefaultConfig()
	config.MaxRestarts = 3
	h := newHarness(t, config, map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	offer := h.awaitInitiate(h.occupant("p1"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p1", offer.SID, 1001, 2001).Type)

	replace := func(n int) *xmpp.IQ {
		return h.conf.HandleJingle(&xmpp.IQ{
			ID:   fmt.Sprintf("replace-%d", n),
			From: h.occupant("p1"),
			Type: xmpp.IQSet,
		}, &xmpp.Jingle{
			Action: xmpp.ActionTransportReplace,
			SID:    offer.SID,
			Contents: []xmpp.Content{{
				Name:      "audio",
				Transport: &xmpp.IceUdpTransport{Ufrag: fmt.Sprintf("restart-%d", n), Pwd: "pwd"},
			}},
		})
	}

	for n := 1; n <= 3; n++ {
		require.Equal(t, xmpp.IQResult, replace(n).Type, "restart %d accepted", n)
		// Wait for the restart to complete before the next one.
		require.Eventually(t, func() bool {
			return len(h.jingleTo(h.occupant("p1"), xmpp.ActionTransportAccept)) >= n
		}, 2*time.Second, 5*time.Millisecond)
	}

	response := replace(4)
	require.Equal(t, xmpp.IQError, response.Type)
	require.NotNil(t, response.Error)
	assert.Equal(t, xmpp.ResourceConstraint, response.Error.Condition)
}

// sourceUpdatesFor collects, in send order, the source payloads of the
// conference-modify IQs addressed to a bridge for one endpoint.
func sourceUpdatesFor(h *harness, endpoint string) []*xmpp.EndpointSources {
	var updates []*xmpp.EndpointSources
	for _, iq := range h.conn.SentIQs() {
		modify, ok := iq.Payload.(*xmpp.ConferenceModify)
		if !ok {
			continue
		}
		for _, ep := range modify.Endpoints {
			if ep.ID == endpoint && ep.Sources != nil {
				updates = append(updates, ep.Sources)
			}
		}
	}
	return updates
}

func colibriHasSSRC(sources *xmpp.EndpointSources, ssrc uint32) bool {
	for _, media := range sources.MediaSources {
		for _, s := range media.Sources {
			if s.SSRC == ssrc {
				return true
			}
		}
	}
	return false
}

func TestRejoinReceivesFreshInvite(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	offer := h.awaitInitiate(h.occupant("p1"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p1", offer.SID, 1001, 2001).Type)

	// Leave and rejoin back to back. The old membership's expire must reach
	// the bridge before the new allocation, or the rejoin would be treated as
	// already invited and never offered a session.
	h.conf.MemberLeft(h.occupant("p1"))
	h.join("p1", "")

	reOffer := h.awaitInitiate(h.occupant("p1"), 2)
	require.NotEqual(t, offer.SID, reOffer.SID, "rejoin starts a fresh session")
	assert.Equal(t, 1, h.conf.ParticipantCount())

	expireAt, secondCreateAt, creates := -1, -1, 0
	for i, iq := range h.conn.SentIQs() {
		modify, ok := iq.Payload.(*xmpp.ConferenceModify)
		if !ok {
			continue
		}
		for _, ep := range modify.Endpoints {
			if ep.ID != "p1" {
				continue
			}
			if ep.Expire {
				expireAt = i
			}
			if ep.Create {
				creates++
				if creates == 2 {
					secondCreateAt = i
				}
			}
		}
	}
	require.NotEqual(t, -1, expireAt, "the old membership must be expired")
	require.NotEqual(t, -1, secondCreateAt, "the rejoin must be allocated again")
	assert.Less(t, expireAt, secondCreateAt, "expire must reach the bridge before the rejoin's allocation")
}

func TestSourceUpdateOrderPreserved(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	offer := h.awaitInitiate(h.occupant("p1"), 1)
	require.Equal(t, xmpp.IQResult, h.accept("p1", offer.SID, 1001, 2001).Type)

	sourceChange := func(action xmpp.JingleAction, ssrc uint32) *xmpp.IQ {
		return h.conf.HandleJingle(&xmpp.IQ{
			ID:   fmt.Sprintf("%s-%d", action, ssrc),
			From: h.occupant("p1"),
			Type: xmpp.IQSet,
		}, &xmpp.Jingle{
			Action: action,
			SID:    offer.SID,
			Contents: []xmpp.Content{{
				Name: "audio",
				Description: &xmpp.RTPDescription{
					Media:   "audio",
					Sources: []xmpp.SourceElement{{SSRC: ssrc, Name: "p1-a1"}},
				},
			}},
		})
	}

	// Back-to-back add and remove of the same source: the bridge must observe
	// them in stanza order and end up without it.
	require.Equal(t, xmpp.IQResult, sourceChange(xmpp.ActionSourceAdd, 5002).Type)
	require.Equal(t, xmpp.IQResult, sourceChange(xmpp.ActionSourceRemove, 5002).Type)

	require.Eventually(t, func() bool {
		return len(sourceUpdatesFor(h, "p1")) >= 3
	}, 2*time.Second, 5*time.Millisecond, "accept, add and remove each push an update")

	updates := sourceUpdatesFor(h, "p1")
	last := updates[len(updates)-1]
	assert.True(t, colibriHasSSRC(last, 1001), "accepted sources survive")
	assert.False(t, colibriHasSSRC(last, 5002), "the final update must not carry the removed source")

	added := false
	for _, update := range updates[:len(updates)-1] {
		if colibriHasSSRC(update, 5002) {
			added = true
		}
	}
	assert.True(t, added, "the add must have reached the bridge before the remove")
}

func TestGracePeriodDestroy(t *testing.T) {
	config := DefaultConfig()
	config.GracePeriod = 30 * time.Millisecond
	h := newHarness(t, config, map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	h.awaitInitiate(h.occupant("p1"), 1)
	h.conf.MemberLeft(h.occupant("p1"))

	select {
	case <-h.destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("empty conference should be destroyed after the grace period")
	}
}

func TestGracePeriodCancelledByRejoin(t *testing.T) {
	config := DefaultConfig()
	config.GracePeriod = 50 * time.Millisecond
	h := newHarness(t, config, map[bridge.ID]string{"b1": ""})

	h.join("p1", "")
	h.awaitInitiate(h.occupant("p1"), 1)
	h.conf.MemberLeft(h.occupant("p1"))
	h.join("p1", "")
	h.awaitInitiate(h.occupant("p1"), 2)

	select {
	case <-h.destroyed:
		t.Fatal("rejoin within the grace period must keep the conference alive")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, h.conf.ParticipantCount())
}
