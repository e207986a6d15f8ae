package conference

import (
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/telemetry"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Member is a MUC occupant as seen in presence: the raw material a
// Participant is created from.
type Member struct {
	// Occupant is the full MUC JID (room@muc/nick). The nick doubles as the
	// endpoint id.
	Occupant xmpp.JID
	// RealJID is the occupant's real JID if the room exposes it.
	RealJID       xmpp.JID
	Region        string
	StatsID       string
	Authenticated bool
	// Bot marks service members (recorder, SIP gateway); bots are not invited.
	Bot bool
}

// EndpointID derives the colibri endpoint id from the occupant nick.
func (m Member) EndpointID() source.EndpointID {
	return source.EndpointID(m.Occupant.Resource())
}

// Participant is the per-occupant state the conference owns: discovered
// features, the Jingle session, the queued outgoing source changes and the
// restart limiter. All fields are only touched on the conference writer.
type Participant struct {
	id            source.EndpointID
	member        Member
	logger        *logrus.Entry
	telemetry     *telemetry.Telemetry
	joined        time.Time
	role          Role
	authenticated bool

	features map[string]bool
	session  *JingleSession
	queue    changeQueue
	limiter  *RestartLimiter

	// bridgeID and bridgeTransport are set once an allocation succeeded.
	bridgeID        bridge.ID
	bridgeTransport *xmpp.IceUdpTransport
	// inviteAttempts counts allocation tries across distinct bridges.
	inviteAttempts int

	// Force-mute state as last applied on the bridge.
	audioMuted bool
	videoMuted bool
}

func (p *Participant) ID() source.EndpointID { return p.id }
func (p *Participant) Role() Role            { return p.role }
func (p *Participant) Bridge() bridge.ID     { return p.bridgeID }

// SupportsJSONSources reports whether the peer understands the compact JSON
// source encoding.
func (p *Participant) SupportsJSONSources() bool {
	return p.features[xmpp.FeatureJSONSources]
}

// flush drains the queued source changes into the Jingle session. Only called
// when the session is active.
func (p *Participant) flush() {
	for _, change := range p.queue.Drain() {
		if err := p.session.SendSourceChange(change.kind, change.sources); err != nil {
			p.logger.WithError(err).Warn("failed to send queued source change")
		}
	}
}
