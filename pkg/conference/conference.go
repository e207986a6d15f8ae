/*
Copyright 2024 The Riverine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/colibri"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/telemetry"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Errors surfaced to the signaling layer.
var (
	ErrNotAllowed         = errors.New("not allowed")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrConferenceEnded    = errors.New("conference has ended")
)

const focusNick = "focus"

// Dependencies are the process-wide subsystems a conference is constructed
// with.
type Dependencies struct {
	Conn     xmpp.Connection
	Selector *bridge.Selector
	Registry *bridge.Registry
	Clock    common.Clock
	Colibri  colibri.Config
}

// Conference is the aggregate root for one room: the source graph, the
// participants, the colibri sessions and the role policy. Every mutation runs
// on its single writer queue; public methods only post work there.
type Conference struct {
	logger     *logrus.Entry
	config     Config
	room       xmpp.JID
	meetingID  string
	pinVersion string

	conn      xmpp.Connection
	clock     common.Clock
	colibri   *colibri.SessionManager
	roles     RoleManager
	telemetry *telemetry.Telemetry

	queue *common.Worker[func()]
	// dispatch runs the bridge round-trips off the writer, one at a time, in
	// the order the writer issued them. Detached goroutines would race for the
	// session manager lock and could run an old membership's expire after a
	// rejoin's allocation.
	dispatch *common.Worker[func()]

	// Writer-owned state below; never touched outside queued tasks.
	graph        *source.Graph
	participants map[source.EndpointID]*Participant
	prefs        *PreferenceAggregator
	codecOrder   []string
	destroyed    bool
	// emptyEpoch invalidates stale grace timers when someone rejoins.
	emptyEpoch int

	onDestroy func()
}

// New creates a conference for the room. pinVersion, when non-empty, restricts
// bridge selection to that bridge version.
func New(room xmpp.JID, pinVersion string, config Config, deps Dependencies, onDestroy func()) (*Conference, error) {
	roles, err := NewRoleManager(config.RoleManager)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = common.SystemClock{}
	}

	c := &Conference{
		logger:       logrus.WithFields(logrus.Fields{"component": "conference", "room": room}),
		config:       config,
		room:         room,
		meetingID:    uuid.NewString(),
		pinVersion:   pinVersion,
		conn:         deps.Conn,
		clock:        deps.Clock,
		roles:        roles,
		graph:        source.NewGraph(config.Limits),
		participants: make(map[source.EndpointID]*Participant),
		prefs:        NewPreferenceAggregator(),
		onDestroy:    onDestroy,
	}
	c.telemetry = telemetry.NewTelemetry(context.Background(), "conference",
		attribute.String("room", string(room)),
		attribute.String("meeting_id", c.meetingID))
	c.colibri = colibri.NewSessionManager(
		deps.Conn, deps.Selector, deps.Registry, room, deps.Colibri,
		func(failed bridge.ID, orphans []source.EndpointID) {
			c.post(func() { c.reinvite(failed, orphans) })
		},
	)
	c.queue = common.StartWorker[func()](common.WorkerConfig[func()]{
		ChannelSize: 256,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(fn func()) { fn() },
	})
	c.dispatch = common.StartWorker[func()](common.WorkerConfig[func()]{
		ChannelSize: 256,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(fn func()) { fn() },
	})
	return c, nil
}

func (c *Conference) Room() xmpp.JID    { return c.room }
func (c *Conference) MeetingID() string { return c.meetingID }

// Start joins the conference MUC as the focus occupant.
func (c *Conference) Start() error {
	return c.conn.Send(&xmpp.Presence{
		To:  xmpp.JID(string(c.room) + "/" + focusNick),
		MUC: &xmpp.MUCJoin{},
	})
}

// Shutdown tears the conference down: sessions terminated, colibri expired,
// MUC left. Idempotent.
func (c *Conference) Shutdown() {
	c.post(func() { c.destroy() })
}

// MemberJoined is called when an occupant enters the MUC.
func (c *Conference) MemberJoined(member Member) {
	c.post(func() { c.onMemberJoined(member) })
}

// MemberLeft is called when an occupant leaves the MUC.
func (c *Conference) MemberLeft(occupant xmpp.JID) {
	c.post(func() { c.onMemberLeft(occupant) })
}

// BridgeRemoved migrates every local participant off a failed bridge.
func (c *Conference) BridgeRemoved(id bridge.ID) {
	c.postColibri(func() {
		orphans := c.colibri.BridgeRemoved(id)
		if len(orphans) > 0 {
			c.post(func() { c.reinvite(id, orphans) })
		}
	})
}

// HandleJingle processes one inbound Jingle IQ on the conference writer and
// returns the stanza to answer with.
func (c *Conference) HandleJingle(iq *xmpp.IQ, jingle *xmpp.Jingle) *xmpp.IQ {
	response := c.postAwait(func() *xmpp.IQ { return c.handleJingle(iq, jingle) })
	if response == nil {
		return iq.ErrorWith("cancel", xmpp.ItemNotFound, "conference has ended")
	}
	return response
}

// Mute applies a force-mute request. actor and target are endpoint ids; a
// participant may always mute itself, only owners may mute others, and
// unmuting another participant is never allowed.
func (c *Conference) Mute(actor, target source.EndpointID, media source.MediaType, muted bool) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- c.mute(actor, target, media, muted) }) {
		return ErrConferenceEnded
	}
	return <-result
}

// ParticipantCount reports the current number of participants.
func (c *Conference) ParticipantCount() int {
	result := make(chan int, 1)
	if !c.post(func() { result <- len(c.participants) }) {
		return 0
	}
	return <-result
}

func (c *Conference) post(fn func()) bool {
	if err := c.queue.Send(fn); err != nil {
		c.logger.WithError(err).Debug("conference queue rejected task")
		return false
	}
	return true
}

func (c *Conference) postColibri(fn func()) {
	if err := c.dispatch.Send(fn); err != nil {
		c.logger.WithError(err).Debug("colibri dispatch rejected task")
	}
}

func (c *Conference) postAwait(fn func() *xmpp.IQ) *xmpp.IQ {
	result := make(chan *xmpp.IQ, 1)
	if !c.post(func() { result <- fn() }) {
		return nil
	}
	return <-result
}

func (c *Conference) onMemberJoined(member Member) {
	if c.destroyed || member.Bot {
		return
	}
	id := member.EndpointID()
	if _, exists := c.participants[id]; exists {
		return
	}
	c.emptyEpoch++ // cancel a pending grace-period destroy

	p := &Participant{
		id:     id,
		member: member,
		logger: c.logger.WithField("participant", id),
		joined: c.clock.Now(),
		limiter: NewRestartLimiter(
			c.config.MaxRestarts, c.config.RestartWindow, c.clock,
		),
	}
	p.authenticated = member.Authenticated
	p.telemetry = c.telemetry.CreateChild("participant", attribute.String("id", string(id)))
	p.role = c.roles.OnJoin(p, c.ownerPresent())
	c.participants[id] = p
	c.logger.WithFields(logrus.Fields{"participant": id, "role": p.role}).Info("member joined")

	c.invite(p)
}

// invite runs feature discovery off the writer, then continues with the
// allocation.
func (c *Conference) invite(p *Participant) {
	occupant := p.member.Occupant
	go func() {
		features := c.discoverFeatures(occupant)
		c.post(func() {
			if c.participants[p.id] != p {
				return
			}
			p.features = features
			c.allocateAndOffer(p)
		})
	}()
}

func (c *Conference) discoverFeatures(occupant xmpp.JID) map[string]bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DiscoveryTimeout)
	defer cancel()

	response, err := c.conn.SendIQ(ctx, &xmpp.IQ{
		To:      occupant,
		Type:    xmpp.IQGet,
		Payload: &xmpp.DiscoInfoQuery{},
	})
	if err == nil && response.Error == nil {
		if query, ok := response.Payload.(*xmpp.DiscoInfoQuery); ok {
			return query.FeatureSet()
		}
	}

	fallback := make(map[string]bool, len(xmpp.DefaultFeatures))
	for _, f := range xmpp.DefaultFeatures {
		fallback[f] = true
	}
	return fallback
}

// allocateAndOffer requests a bridge allocation off the writer, retrying on
// distinct bridges, then posts the offer.
func (c *Conference) allocateAndOffer(p *Participant) {
	request := colibri.AllocationRequest{
		EndpointID:        p.id,
		StatsID:           p.member.StatsID,
		Region:            p.member.Region,
		VersionConstraint: c.pinVersion,
		ForceMuteAudio:    p.audioMuted,
		ForceMuteVideo:    p.videoMuted,
		UseSctp:           c.config.Offer.Sctp && p.features[xmpp.FeatureSctp],
	}

	c.postColibri(func() {
		var allocation *colibri.Allocation
		var err error
		for attempt := 0; attempt <= c.config.MaxAllocationRetries; attempt++ {
			allocation, err = c.colibri.Allocate(request)
			if err == nil ||
				errors.Is(err, colibri.ErrParticipantAlreadyInvited) ||
				errors.Is(err, colibri.ErrBridgeUnavailable) {
				break
			}
			// Bridge failed or started draining: the failure cooldown steers
			// the next attempt to a different bridge.
		}
		c.post(func() { c.completeInvite(p, allocation, err) })
	})
}

func (c *Conference) completeInvite(p *Participant, allocation *colibri.Allocation, err error) {
	if c.participants[p.id] != p {
		return
	}
	if errors.Is(err, colibri.ErrParticipantAlreadyInvited) {
		return
	}
	if err != nil {
		p.logger.WithError(err).Warn("invite failed, no bridge allocation")
		p.telemetry.AddError(err)
		c.removeParticipant(p, xmpp.ReasonGeneralError, "no bridge available")
		return
	}

	p.bridgeID = allocation.BridgeID
	p.bridgeTransport = allocation.Transport
	p.telemetry.AddEvent("allocated", attribute.String("bridge", string(allocation.BridgeID)))

	options := c.config.Offer.Intersect(p.features)
	remote := c.graph.Snapshot().Without(p.id)
	remote.AddMap(c.colibri.FeedbackSources(p.bridgeID))

	contents, group := BuildOffer(options, allocation.Transport, remote, c.codecOrder)
	p.session = NewJingleSession(c.conn, p.member.Occupant, p.SupportsJSONSources())
	if err := p.session.Initiate(contents, group); err != nil {
		p.logger.WithError(err).Warn("failed to send session-initiate")
		c.removeParticipant(p, xmpp.ReasonConnectivityError, "unreachable")
		return
	}

	session := p.session
	time.AfterFunc(c.config.ReplyTimeout, func() {
		c.post(func() {
			if c.participants[p.id] == p && p.session == session && session.State() == stateInitiated {
				p.logger.Warn("session-initiate timed out")
				c.removeParticipant(p, xmpp.ReasonTimeout, "no session-accept")
			}
		})
	})
}

func (c *Conference) handleJingle(iq *xmpp.IQ, jingle *xmpp.Jingle) *xmpp.IQ {
	p := c.participantByOccupant(iq.From)
	if p == nil || p.session == nil || p.session.SID() != jingle.SID || p.session.Terminated() {
		return iq.ErrorWith("cancel", xmpp.ItemNotFound, "no such session")
	}

	switch jingle.Action {
	case xmpp.ActionSessionAccept:
		return c.onSessionAccept(iq, p, jingle)
	case xmpp.ActionSourceAdd:
		return c.onSourceAdd(iq, p, jingle)
	case xmpp.ActionSourceRemove:
		return c.onSourceRemove(iq, p, jingle)
	case xmpp.ActionTransportReplace:
		return c.onTransportReplace(iq, p, jingle)
	case xmpp.ActionSessionTerminate:
		p.session.OnTerminated()
		c.removeParticipant(p, "", "")
		return iq.Result()
	default:
		return iq.ErrorWith("cancel", xmpp.BadRequest, "unsupported action")
	}
}

func (c *Conference) onSessionAccept(iq *xmpp.IQ, p *Participant, jingle *xmpp.Jingle) *xmpp.IQ {
	sources, err := decodeSources(jingle)
	if err != nil {
		return iq.ErrorWith("modify", xmpp.BadRequest, err.Error())
	}

	accepted, err := c.graph.TryAdd(p.id, sources)
	if err != nil {
		return iq.ErrorWith("modify", xmpp.BadRequest, err.Error())
	}
	if err := p.session.OnAccept(); err != nil {
		return iq.ErrorWith("cancel", xmpp.BadRequest, "unexpected session-accept")
	}

	transport := firstTransport(jingle)
	c.pushToBridge(p, transport)

	if err := p.session.Activate(); err == nil {
		p.flush()
	}
	if !accepted.IsEmpty() {
		c.enqueueToOthers(p.id, sourceAdd, source.ConferenceSourceMap{p.id: accepted})
	}
	c.updatePreferences(p, jingle)
	return iq.Result()
}

func (c *Conference) onSourceAdd(iq *xmpp.IQ, p *Participant, jingle *xmpp.Jingle) *xmpp.IQ {
	sources, err := decodeSources(jingle)
	if err != nil {
		return iq.ErrorWith("modify", xmpp.BadRequest, err.Error())
	}
	accepted, err := c.graph.TryAdd(p.id, sources)
	if err != nil {
		// Validation failures reject the stanza; the participant stays.
		return iq.ErrorWith("modify", xmpp.BadRequest, err.Error())
	}
	c.pushToBridge(p, nil)
	if !accepted.IsEmpty() {
		c.enqueueToOthers(p.id, sourceAdd, source.ConferenceSourceMap{p.id: accepted})
	}
	return iq.Result()
}

func (c *Conference) onSourceRemove(iq *xmpp.IQ, p *Participant, jingle *xmpp.Jingle) *xmpp.IQ {
	sources, err := decodeSources(jingle)
	if err != nil {
		return iq.ErrorWith("modify", xmpp.BadRequest, err.Error())
	}
	removed := c.graph.TryRemove(p.id, sources)
	c.pushToBridge(p, nil)
	if !removed.IsEmpty() {
		c.enqueueToOthers(p.id, sourceRemove, source.ConferenceSourceMap{p.id: removed})
	}
	return iq.Result()
}

func (c *Conference) onTransportReplace(iq *xmpp.IQ, p *Participant, jingle *xmpp.Jingle) *xmpp.IQ {
	if !p.limiter.Allow() {
		return iq.ErrorWith("wait", xmpp.ResourceConstraint, "too many restarts")
	}
	if err := p.session.OnRestart(); err != nil {
		return iq.ErrorWith("cancel", xmpp.BadRequest, "unexpected transport-replace")
	}

	transport := firstTransport(jingle)
	contentName := "audio"
	if len(jingle.Contents) > 0 {
		contentName = jingle.Contents[0].Name
	}

	c.postColibri(func() {
		err := c.colibri.UpdateTransport(p.id, transport)
		c.post(func() {
			if c.participants[p.id] != p || p.session.Terminated() {
				return
			}
			if err != nil {
				p.logger.WithError(err).Warn("restart failed on the bridge")
				return
			}
			if err := p.session.SendTransportAccept(contentName, p.bridgeTransport); err != nil {
				p.logger.WithError(err).Warn("failed to send transport-accept")
			}
			if err := p.session.OnRestartComplete(); err == nil {
				// Source changes held during the restart go out now.
				p.flush()
			}
		})
	})
	return iq.Result()
}

func (c *Conference) mute(actor, target source.EndpointID, media source.MediaType, muted bool) error {
	actorP, ok := c.participants[actor]
	if !ok {
		return ErrUnknownParticipant
	}
	targetP, ok := c.participants[target]
	if !ok {
		return ErrUnknownParticipant
	}

	if actor != target {
		if actorP.role != RoleOwner {
			return ErrNotAllowed
		}
		if !muted {
			// Remotely unmuting someone is never allowed.
			return ErrNotAllowed
		}
	}

	switch media {
	case source.MediaAudio:
		targetP.audioMuted = muted
	case source.MediaVideo:
		targetP.videoMuted = muted
	}
	c.postColibri(func() {
		if err := c.colibri.Mute(target, media, muted); err != nil {
			c.logger.WithError(err).WithField("participant", target).Warn("force-mute failed")
		}
	})
	return nil
}

func (c *Conference) onMemberLeft(occupant xmpp.JID) {
	p := c.participantByOccupant(occupant)
	if p == nil {
		return
	}
	c.removeParticipant(p, xmpp.ReasonGone, "member left")
}

func (c *Conference) removeParticipant(p *Participant, reason, text string) {
	if c.participants[p.id] != p {
		return
	}
	delete(c.participants, p.id)
	p.telemetry.End()

	if p.session != nil && reason != "" {
		p.session.Terminate(reason, text)
	}

	removed := c.graph.RemoveEndpoint(p.id)
	if !removed.IsEmpty() {
		c.enqueueToOthers(p.id, sourceRemove, source.ConferenceSourceMap{p.id: removed})
	}
	// Queued behind any earlier bridge work, and ahead of a rejoin's
	// allocation for the same endpoint.
	id := p.id
	c.postColibri(func() { c.colibri.Expire(id) })

	if c.prefs.Remove(p.id) {
		c.codecOrder = c.prefs.Effective()
	}
	if promoted := c.roles.OnLeave(p, c.participantList()); promoted != nil {
		promoted.role = RoleOwner
		promoted.logger.Info("promoted to owner")
	}

	if len(c.participants) == 0 && !c.destroyed {
		c.scheduleDestroy()
	}
}

func (c *Conference) scheduleDestroy() {
	c.emptyEpoch++
	epoch := c.emptyEpoch
	time.AfterFunc(c.config.GracePeriod, func() {
		c.post(func() {
			if c.emptyEpoch == epoch && len(c.participants) == 0 {
				c.destroy()
			}
		})
	})
}

func (c *Conference) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.logger.Info("destroying conference")

	for _, p := range c.participants {
		if p.session != nil {
			p.session.Terminate(xmpp.ReasonGone, "conference ended")
		}
		p.telemetry.End()
	}
	c.participants = make(map[source.EndpointID]*Participant)

	// The final expire runs after any bridge work still queued; Stop lets the
	// dispatch worker drain and exit.
	c.postColibri(func() { c.colibri.ExpireAll() })
	c.dispatch.Stop()

	if err := c.conn.Send(&xmpp.Presence{
		To:   xmpp.JID(string(c.room) + "/" + focusNick),
		Type: "unavailable",
	}); err != nil {
		c.logger.WithError(err).Debug("failed to leave the room")
	}

	c.queue.Stop()
	c.telemetry.End()
	if c.onDestroy != nil {
		go c.onDestroy()
	}
}

// reinvite tears down and re-invites participants that lost their bridge.
func (c *Conference) reinvite(failed bridge.ID, orphans []source.EndpointID) {
	for _, id := range orphans {
		p, ok := c.participants[id]
		if !ok {
			continue
		}
		p.logger.WithField("bridge", failed).Info("re-inviting after bridge loss")
		p.telemetry.AddEvent("bridge lost", attribute.String("bridge", string(failed)))

		if p.session != nil {
			p.session.Terminate(xmpp.ReasonConnectivityError, "bridge failed")
			p.session = nil
		}
		p.bridgeID = ""
		p.bridgeTransport = nil
		p.queue.Drain()

		removed := c.graph.RemoveEndpoint(p.id)
		if !removed.IsEmpty() {
			c.enqueueToOthers(p.id, sourceRemove, source.ConferenceSourceMap{p.id: removed})
		}
		c.allocateAndOffer(p)
	}
}

// pushToBridge forwards a participant's transport and current sources to the
// colibri layer off the writer. Pushes run in the order the writer issued
// them, so the bridge and the relay fan-out never end up holding a snapshot
// older than one already sent.
func (c *Conference) pushToBridge(p *Participant, transport *xmpp.IceUdpTransport) {
	sources := c.graph.Endpoint(p.id)
	id := p.id
	c.postColibri(func() {
		if transport != nil {
			if err := c.colibri.UpdateTransport(id, transport); err != nil {
				c.logger.WithError(err).WithField("participant", id).Warn("transport update failed")
				return
			}
		}
		if err := c.colibri.UpdateSources(id, sources); err != nil {
			c.logger.WithError(err).WithField("participant", id).Warn("source update failed")
		}
	})
}

// enqueueToOthers queues a source change to every participant except the
// originator and flushes the queues of those with an active session.
func (c *Conference) enqueueToOthers(from source.EndpointID, kind changeKind, sources source.ConferenceSourceMap) {
	for id, q := range c.participants {
		if id == from {
			continue
		}
		q.queue.Enqueue(kind, sources)
		if q.session != nil && q.session.Active() {
			q.flush()
		}
	}
}

func (c *Conference) updatePreferences(p *Participant, jingle *xmpp.Jingle) {
	var codecs []string
	for _, content := range jingle.Contents {
		if content.Description == nil || content.Description.Media != "video" {
			continue
		}
		for _, pt := range content.Description.PayloadTypes {
			name := strings.ToLower(pt.Name)
			if name != "" && name != "rtx" && !contains(codecs, name) {
				codecs = append(codecs, name)
			}
		}
	}
	if len(codecs) == 0 {
		return
	}
	if c.prefs.Update(p.id, codecs) {
		c.codecOrder = c.prefs.Effective()
	}
}

func (c *Conference) participantByOccupant(occupant xmpp.JID) *Participant {
	for _, p := range c.participants {
		if p.member.Occupant == occupant {
			return p
		}
	}
	return nil
}

func (c *Conference) participantList() []*Participant {
	list := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		list = append(list, p)
	}
	return list
}

func (c *Conference) ownerPresent() bool {
	for _, p := range c.participants {
		if p.role == RoleOwner {
			return true
		}
	}
	return false
}

// decodeSources extracts the source payload of a jingle stanza, preferring the
// JSON encoding when present. The result is re-tagged with the sender's
// endpoint id by the graph entry it is filed under.
func decodeSources(jingle *xmpp.Jingle) (source.EndpointSourceSet, error) {
	if jingle.JSONSources != "" {
		decoded, err := source.DecodeJSON(jingle.JSONSources)
		if err != nil {
			return source.EndpointSourceSet{}, err
		}
		merged := source.EndpointSourceSet{}
		for _, set := range decoded {
			merged = merged.Union(set)
		}
		return merged, nil
	}
	return source.FromJingle(jingle.Contents), nil
}

func firstTransport(jingle *xmpp.Jingle) *xmpp.IceUdpTransport {
	for _, content := range jingle.Contents {
		if content.Transport != nil {
			return content.Transport
		}
	}
	return nil
}
