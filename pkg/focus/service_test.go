package focus

import (
	"fmt"
	"testing"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/riverine/focus/pkg/xmpp/xmpptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bridgeBrewery = xmpp.JID("jvbbrewery@internal.example.com")
	jibriBrewery  = xmpp.JID("jibribrewery@internal.example.com")
	sipBrewery    = xmpp.JID("sipbrewery@internal.example.com")
	serviceRoom   = xmpp.JID("room@conference.example.com")
)

// serviceResponder plays the peers the focus talks to: clients answering
// disco#info with a full feature set and bridges answering conference-modify.
func serviceResponder() xmpptest.Responder {
	next := 0
	return func(iq *xmpp.IQ) *xmpp.IQ {
		switch payload := iq.Payload.(type) {
		case *xmpp.DiscoInfoQuery:
			return iq.ResultWith(&xmpp.DiscoInfoQuery{Features: []xmpp.DiscoFeature{
				{Var: xmpp.FeatureAudio},
				{Var: xmpp.FeatureVideo},
				{Var: xmpp.FeatureIceUdp},
				{Var: xmpp.FeatureDtlsSrtp},
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

func newTestService(t *testing.T) (*Service, *xmpptest.FakeConnection) {
	t.Helper()

	conn := xmpptest.NewFakeConnection("focus.example.com")
	conn.Respond(serviceResponder())

	config := DefaultConfig()
	config.BridgeBrewery = bridgeBrewery
	config.JibriBrewery = jibriBrewery
	config.SipBrewery = sipBrewery

	s := NewService(conn, config, common.NewFakeClock(time.Unix(1700000000, 0)))
	s.Start()
	t.Cleanup(s.Stop)
	return s, conn
}

func bridgeID(nick string) bridge.ID {
	return bridge.ID(string(bridgeBrewery) + "/" + nick)
}

func bridgePresence(nick, region string) *xmpp.Presence {
	return &xmpp.Presence{
		From: xmpp.JID(string(bridgeBrewery) + "/" + nick),
		Status: &xmpp.BridgeStats{Stats: []xmpp.Stat{
			{Name: "region", Value: region},
			{Name: "version", Value: "1.0"},
			{Name: "stress_level", Value: "0.1"},
		}},
	}
}

func requestConference(t *testing.T, conn *xmpptest.FakeConnection, room xmpp.JID) *xmpp.IQ {
	t.Helper()
	response := conn.DeliverIQ(&xmpp.IQ{
		ID:      "conf-req",
		From:    "client@example.com/web",
		To:      conn.JID(),
		Type:    xmpp.IQSet,
		Payload: &xmpp.ConferenceRequest{Room: room},
	})
	require.NotNil(t, response)
	return response
}

func TestBridgePresenceUpdatesRegistry(t *testing.T) {
	s, conn := newTestService(t)

	assert.False(t, s.Healthy(), "no bridges yet")

	conn.DeliverPresence(bridgePresence("b1", "region-a"))
	b, ok := s.Bridges().Get(bridgeID("b1"))
	require.True(t, ok)
	assert.Equal(t, "region-a", b.Region)
	assert.True(t, s.Healthy())

	conn.DeliverPresence(&xmpp.Presence{
		From: xmpp.JID(string(bridgeBrewery) + "/b1"),
		Type: "unavailable",
	})
	_, ok = s.Bridges().Get(bridgeID("b1"))
	assert.False(t, ok)
	assert.False(t, s.Healthy())
}

func TestConferenceRequestCreatesOnce(t *testing.T) {
	s, conn := newTestService(t)
	conn.DeliverPresence(bridgePresence("b1", ""))

	response := requestConference(t, conn, serviceRoom)
	require.Equal(t, xmpp.IQResult, response.Type)
	payload, ok := response.Payload.(*xmpp.ConferenceRequest)
	require.True(t, ok)
	assert.True(t, payload.Ready)
	assert.Equal(t, conn.JID(), payload.FocusJID)
	assert.NotEmpty(t, payload.PropertyValue("meetingId"))
	assert.Equal(t, 1, s.Conferences().Count())

	requestConference(t, conn, serviceRoom)
	assert.Equal(t, 1, s.Conferences().Count(), "repeated request reuses the conference")
}

func TestOccupantPresenceRouting(t *testing.T) {
	s, conn := newTestService(t)
	conn.DeliverPresence(bridgePresence("b1", ""))
	requestConference(t, conn, serviceRoom)

	occupant := xmpp.JID(string(serviceRoom) + "/p1")
	conn.DeliverPresence(&xmpp.Presence{
		From: occupant,
		User: &xmpp.MUCUser{Item: &xmpp.MUCItem{JID: "p1@example.com/device"}},
	})

	// The participant is discovered, allocated on the bridge and offered a
	// session.
	require.Eventually(t, func() bool {
		for _, stanza := range conn.Sent() {
			iq, ok := stanza.(*xmpp.IQ)
			if !ok || iq.To != occupant {
				continue
			}
			if jingle, ok := iq.Payload.(*xmpp.Jingle); ok && jingle.Action == xmpp.ActionSessionInitiate {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c := s.Conferences().Get(serviceRoom)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.ParticipantCount())

	// The focus's own reflected presence must not become a participant.
	conn.DeliverPresence(&xmpp.Presence{From: xmpp.JID(string(serviceRoom) + "/focus")})
	assert.Equal(t, 1, c.ParticipantCount())

	conn.DeliverPresence(&xmpp.Presence{From: occupant, Type: "unavailable"})
	require.Eventually(t, func() bool {
		return c.ParticipantCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJibriPresenceAndDispatch(t *testing.T) {
	s, conn := newTestService(t)

	conn.DeliverPresence(&xmpp.Presence{
		From: xmpp.JID(string(jibriBrewery) + "/jibri-1"),
		Jibri: &xmpp.JibriStatusExt{
			Busy:   &xmpp.JibriBusyStatus{Status: xmpp.JibriStatusIdle},
			Health: &xmpp.JibriHealthStatus{Status: xmpp.JibriHealthHealthy},
		},
	})
	total, idle := s.Jibri().Recorders().Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, idle)

	response := conn.DeliverIQ(&xmpp.IQ{
		ID:      "rec-1",
		From:    xmpp.JID(string(serviceRoom) + "/p1"),
		To:      conn.JID(),
		Type:    xmpp.IQSet,
		Payload: &xmpp.JibriIQ{Action: "start", Room: serviceRoom},
	})
	require.NotNil(t, response)
	require.Equal(t, xmpp.IQResult, response.Type)

	// The request was forwarded to the selected instance.
	forwarded := false
	for _, iq := range conn.SentIQs() {
		if iq.To == xmpp.JID(string(jibriBrewery)+"/jibri-1") {
			if _, ok := iq.Payload.(*xmpp.JibriIQ); ok {
				forwarded = true
			}
		}
	}
	assert.True(t, forwarded)
}

func TestJibriDispatchWithoutInstances(t *testing.T) {
	_, conn := newTestService(t)

	response := conn.DeliverIQ(&xmpp.IQ{
		ID:      "rec-1",
		From:    xmpp.JID(string(serviceRoom) + "/p1"),
		To:      conn.JID(),
		Type:    xmpp.IQSet,
		Payload: &xmpp.JibriIQ{Action: "start", Room: serviceRoom},
	})
	require.NotNil(t, response)
	require.Equal(t, xmpp.IQError, response.Type)
	require.NotNil(t, response.Error)
	assert.Equal(t, xmpp.ServiceUnavailable, response.Error.Condition)
}

func TestHealthCheckIQAnswered(t *testing.T) {
	_, conn := newTestService(t)

	response := conn.DeliverIQ(&xmpp.IQ{
		ID:      "hc-1",
		From:    "prober@example.com",
		To:      conn.JID(),
		Type:    xmpp.IQGet,
		Payload: &xmpp.HealthCheck{},
	})
	require.NotNil(t, response)
	assert.Equal(t, xmpp.IQResult, response.Type)
}

func TestBridgeHealthFailureMigratesConferences(t *testing.T) {
	s, conn := newTestService(t)
	conn.DeliverPresence(bridgePresence("b1", "region-a"))
	conn.DeliverPresence(bridgePresence("b2", "region-b"))
	requestConference(t, conn, serviceRoom)

	occupant := xmpp.JID(string(serviceRoom) + "/p1")
	conn.DeliverPresence(&xmpp.Presence{From: occupant})
	require.Eventually(t, func() bool {
		for _, iq := range conn.SentIQs() {
			if _, ok := iq.Payload.(*xmpp.ConferenceModify); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	allocatedOn := bridge.ID("")
	for _, iq := range conn.SentIQs() {
		if _, ok := iq.Payload.(*xmpp.ConferenceModify); ok {
			allocatedOn = bridge.ID(iq.To)
		}
	}
	require.NotEmpty(t, allocatedOn)

	// A failed health check evicts the bridge and the subscription fans the
	// removal out to the conference, which re-invites on the survivor.
	s.Bridges().OnHealth(allocatedOn, bridge.HealthFailed)

	survivor := bridgeID("b1")
	if allocatedOn == survivor {
		survivor = bridgeID("b2")
	}
	require.Eventually(t, func() bool {
		for _, iq := range conn.SentIQs() {
			if bridge.ID(iq.To) != survivor {
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
	}, 2*time.Second, 5*time.Millisecond, "p1 should be reallocated on the surviving bridge")
}
