package colibri

import (
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
)

// session is the conference's footprint on one bridge: the endpoints
// allocated there, the relays to sibling sessions, and the feedback sources
// the bridge synthesizes on its own behalf.
type session struct {
	bridge    bridge.Bridge
	meetingID string
	endpoints map[source.EndpointID]*endpoint
	// relays is keyed by the peer bridge. Exactly one relay per sibling
	// session with at least one endpoint on each side.
	relays map[bridge.ID]*relay
	// feedback sources reported by this bridge, owned by the "jvb" sentinel.
	feedback source.EndpointSourceSet
}

// endpoint is one participant's allocation on a bridge.
type endpoint struct {
	id         source.EndpointID
	statsID    string
	audioMuted bool
	videoMuted bool
	sctp       bool
	sources    source.EndpointSourceSet
}

// relay is one side of an inter-bridge link.
type relay struct {
	peer bridge.ID
	// peerMeetingID is the meeting id of the session on the other side.
	peerMeetingID string
	transport     *xmpp.IceUdpTransport
	// endpoints currently signaled over this relay (remote endpoints whose
	// sources the peer forwards here).
	endpoints map[source.EndpointID]struct{}
}

func newSession(b bridge.Bridge, meetingID string) *session {
	return &session{
		bridge:    b,
		meetingID: meetingID,
		endpoints: make(map[source.EndpointID]*endpoint),
		relays:    make(map[bridge.ID]*relay),
	}
}

func (s *session) endpointIDs() []source.EndpointID {
	ids := make([]source.EndpointID, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// signaledOver returns the endpoints announced to the given peer bridge.
func (s *session) signaledOver(peer bridge.ID) map[source.EndpointID]struct{} {
	if r, ok := s.relays[peer]; ok {
		return r.endpoints
	}
	return nil
}
