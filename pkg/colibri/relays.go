package colibri

import (
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
)

// Relay maintenance. All functions here are called with the manager lock held.
//
// A relay element's id attribute names the *peer* bridge, so the relay on
// session A toward session B is addressed as B's relay id and vice versa.

// createRelayPair links an existing session with a newly created one. The
// handshake is three round-trips: create the relay on the existing side to
// obtain its transport, create the reverse relay on the new side carrying that
// transport, then hand the new side's transport back to the existing side.
func (m *SessionManager) createRelayPair(existing, created *session) error {
	existingSide, err := m.relayCreate(existing, created, nil)
	if err != nil {
		return err
	}
	createdSide, err := m.relayCreate(created, existing, existingSide)
	if err != nil {
		return err
	}
	if err := m.relaySetTransport(existing, created.bridge, createdSide); err != nil {
		return err
	}

	existing.relays[created.bridge.ID] = &relay{
		peer:          created.bridge.ID,
		peerMeetingID: created.meetingID,
		transport:     createdSide,
		endpoints:     relayedSet(created),
	}
	created.relays[existing.bridge.ID] = &relay{
		peer:          existing.bridge.ID,
		peerMeetingID: existing.meetingID,
		transport:     existingSide,
		endpoints:     relayedSet(existing),
	}
	return nil
}

// relayCreate creates the relay on s toward peer, seeding it with peer's
// current endpoints and sources. Returns s's side of the relay transport.
func (m *SessionManager) relayCreate(s, peer *session, peerTransport *xmpp.IceUdpTransport) (*xmpp.IceUdpTransport, error) {
	element := xmpp.Colibri2Relay{
		ID:        peer.bridge.RelayID(),
		MeshID:    "0",
		Create:    true,
		Endpoints: relayEndpointElements(peer),
	}
	if peerTransport != nil {
		element.Transport = &xmpp.ColibriTransport{IceUdp: peerTransport}
	} else {
		element.Transport = &xmpp.ColibriTransport{UseUniquePort: true}
	}

	modified, err := m.request(s.bridge.ID, &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Relays:    []xmpp.Colibri2Relay{element},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range modified.Relays {
		if r.ID == peer.bridge.RelayID() && r.Transport != nil {
			return r.Transport.IceUdp, nil
		}
	}
	return nil, nil
}

func (m *SessionManager) relaySetTransport(s *session, peer bridge.Bridge, transport *xmpp.IceUdpTransport) error {
	if transport == nil {
		return nil
	}
	_, err := m.request(s.bridge.ID, &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Relays: []xmpp.Colibri2Relay{{
			ID:        peer.RelayID(),
			Transport: &xmpp.ColibriTransport{IceUdp: transport},
		}},
	})
	return err
}

// announceEndpoint signals an endpoint of s (with its current sources) over
// every sibling session's relay toward s. Idempotent: re-announcing an
// endpoint updates its sources.
func (m *SessionManager) announceEndpoint(s *session, ep *endpoint) {
	for _, sibling := range m.sessions {
		if sibling == s {
			continue
		}
		r := sibling.relays[s.bridge.ID]
		if r == nil {
			continue
		}
		r.endpoints[ep.id] = struct{}{}

		_, err := m.request(sibling.bridge.ID, &xmpp.ConferenceModify{
			MeetingID: sibling.meetingID,
			Relays: []xmpp.Colibri2Relay{{
				ID: s.bridge.RelayID(),
				Endpoints: &xmpp.RelayEndpoints{Endpoints: []xmpp.Colibri2Endpoint{{
					ID:      string(ep.id),
					Create:  true,
					Sources: source.ToColibriSources(ep.sources, string(ep.id)),
				}}},
			}},
		})
		if err != nil {
			m.logger.WithError(err).WithField("bridge", sibling.bridge.ID).
				Warn("failed to announce endpoint over relay")
		}
	}
}

// relayRemoveEndpoint withdraws an endpoint from s's relay toward the peer.
func (m *SessionManager) relayRemoveEndpoint(s *session, peer bridge.ID, endpointID source.EndpointID) {
	r := s.relays[peer]
	if r == nil {
		return
	}
	delete(r.endpoints, endpointID)

	_, err := m.request(s.bridge.ID, &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Relays: []xmpp.Colibri2Relay{{
			ID: string(peer),
			Endpoints: &xmpp.RelayEndpoints{Endpoints: []xmpp.Colibri2Endpoint{{
				ID:     string(endpointID),
				Expire: true,
			}}},
		}},
	})
	if err != nil {
		m.logger.WithError(err).WithField("bridge", s.bridge.ID).
			Warn("failed to withdraw endpoint from relay")
	}
}

// relayExpire tears down s's relay toward a peer that left the conference.
func (m *SessionManager) relayExpire(s *session, peer bridge.ID) {
	if s.relays[peer] == nil {
		return
	}
	delete(s.relays, peer)

	_, err := m.request(s.bridge.ID, &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Relays:    []xmpp.Colibri2Relay{{ID: string(peer), Expire: true}},
	})
	if err != nil {
		m.logger.WithError(err).WithField("bridge", s.bridge.ID).Warn("failed to expire relay")
	}
}

func relayedSet(s *session) map[source.EndpointID]struct{} {
	set := make(map[source.EndpointID]struct{}, len(s.endpoints))
	for id := range s.endpoints {
		set[id] = struct{}{}
	}
	return set
}

func relayEndpointElements(s *session) *xmpp.RelayEndpoints {
	if len(s.endpoints) == 0 {
		return nil
	}
	elements := make([]xmpp.Colibri2Endpoint, 0, len(s.endpoints))
	for id, ep := range s.endpoints {
		elements = append(elements, xmpp.Colibri2Endpoint{
			ID:      string(id),
			Create:  true,
			Sources: source.ToColibriSources(ep.sources, string(id)),
		})
	}
	return &xmpp.RelayEndpoints{Endpoints: elements}
}
