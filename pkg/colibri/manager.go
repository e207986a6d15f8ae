package colibri

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Config tunes the session manager.
type Config struct {
	// RequestTimeout bounds every conference-modify round-trip.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// OctoEnabled permits spanning a conference across multiple bridges.
	OctoEnabled bool `yaml:"octoEnabled"`
	// Observer, when set, receives allocation outcomes.
	Observer Observer `yaml:"-"`
}

// Observer receives allocation outcomes, e.g. for metrics.
type Observer interface {
	AllocationSucceeded(id bridge.ID, elapsed time.Duration)
	AllocationFailed(id bridge.ID)
}

func DefaultConfig() Config {
	return Config{RequestTimeout: 15 * time.Second, OctoEnabled: true}
}

// MigrationHandler is invoked when endpoints lost their bridge and must be
// reinvited elsewhere. Called without the manager lock held.
type MigrationHandler func(failed bridge.ID, endpoints []source.EndpointID)

// AllocationRequest describes one endpoint to place on a bridge.
type AllocationRequest struct {
	EndpointID        source.EndpointID
	StatsID           string
	Region            string
	VersionConstraint string
	ForceMuteAudio    bool
	ForceMuteVideo    bool
	UseSctp           bool
	Medias            []xmpp.Colibri2Media
}

// Allocation is the result: where the endpoint landed and what the bridge
// offered.
type Allocation struct {
	BridgeID     bridge.ID
	BridgeRegion string
	Transport    *xmpp.IceUdpTransport
	// FeedbackSources are the sources the bridge synthesizes on its own
	// behalf, owned by the "jvb" sentinel.
	FeedbackSources source.ConferenceSourceMap
}

// SessionManager keeps a minimal set of colibri sessions across bridges for
// one conference: every participant has an endpoint on exactly one bridge and
// all bridges holding the conference are meshed by relays.
//
// The manager serializes its colibri traffic: one request is in flight at a
// time, which gives the ordering guarantee that an allocation reaches a bridge
// before any relay update referencing the allocated endpoint.
type SessionManager struct {
	logger    *logrus.Entry
	conn      xmpp.Connection
	selector  *bridge.Selector
	registry  *bridge.Registry
	roomName  xmpp.JID
	config    Config
	onMigrate MigrationHandler

	mu          sync.Mutex
	sessions    map[bridge.ID]*session
	assignments map[source.EndpointID]bridge.ID
}

func NewSessionManager(
	conn xmpp.Connection,
	selector *bridge.Selector,
	registry *bridge.Registry,
	roomName xmpp.JID,
	config Config,
	onMigrate MigrationHandler,
) *SessionManager {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &SessionManager{
		logger:      logrus.WithFields(logrus.Fields{"component": "colibri", "room": roomName}),
		conn:        conn,
		selector:    selector,
		registry:    registry,
		roomName:    roomName,
		config:      config,
		onMigrate:   onMigrate,
		sessions:    make(map[bridge.ID]*session),
		assignments: make(map[source.EndpointID]bridge.ID),
	}
}

// Allocate places an endpoint on a bridge, creating the session and meshing
// it with the existing sessions if the bridge is new to the conference.
func (m *SessionManager) Allocate(request AllocationRequest) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, invited := m.assignments[request.EndpointID]; invited {
		return nil, ErrParticipantAlreadyInvited
	}

	counts := make(map[bridge.ID]int, len(m.sessions))
	for id, s := range m.sessions {
		counts[id] = len(s.endpoints)
	}

	chosen, err := m.selector.Select(bridge.SelectionInput{
		ConferenceBridges: counts,
		ParticipantRegion: request.Region,
		VersionConstraint: request.VersionConstraint,
		OctoEnabled:       m.config.OctoEnabled,
	})
	if err != nil {
		return nil, ErrBridgeUnavailable
	}

	s, sessionIsNew := m.sessions[chosen.ID], false
	if s == nil {
		s = newSession(chosen, uuid.NewString())
		sessionIsNew = true
	}

	ep := &endpoint{
		id:         request.EndpointID,
		statsID:    request.StatsID,
		audioMuted: request.ForceMuteAudio,
		videoMuted: request.ForceMuteVideo,
		sctp:       request.UseSctp,
	}

	modify := &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Name:      string(m.roomName),
		Create:    sessionIsNew,
		Endpoints: []xmpp.Colibri2Endpoint{m.endpointElement(ep, true)},
	}

	started := time.Now()
	modified, err := m.request(s.bridge.ID, modify)
	if err != nil {
		m.registry.MarkFailure(chosen.ID)
		if m.config.Observer != nil {
			m.config.Observer.AllocationFailed(chosen.ID)
		}
		if errors.Is(err, errHardRejection) {
			return nil, ErrAllocationFailed
		}
		if errors.Is(err, errBridgeDraining) {
			return nil, ErrBridgeInGracefulShutdown
		}
		return nil, ErrBridgeFailedDuringAllocation
	}
	if m.config.Observer != nil {
		m.config.Observer.AllocationSucceeded(chosen.ID, time.Since(started))
	}

	if sessionIsNew {
		m.sessions[chosen.ID] = s
	}
	s.endpoints[request.EndpointID] = ep
	m.assignments[request.EndpointID] = chosen.ID

	allocation := &Allocation{BridgeID: chosen.ID, BridgeRegion: chosen.Region}
	for _, respEp := range modified.Endpoints {
		if respEp.ID == string(request.EndpointID) && respEp.Transport != nil {
			allocation.Transport = respEp.Transport.IceUdp
		}
	}
	if modified.Sources != nil {
		s.feedback = source.FromColibriSources(modified.Sources)
	}
	if !s.feedback.IsEmpty() {
		allocation.FeedbackSources = source.ConferenceSourceMap{source.FeedbackOwner: s.feedback.Clone()}
	}

	// Mesh a new session with the existing ones, then announce the endpoint
	// on every sibling. The allocation above already reached the bridge, so
	// relay updates referencing it are safe.
	if sessionIsNew {
		for _, sibling := range m.sessions {
			if sibling == s {
				continue
			}
			if err := m.createRelayPair(sibling, s); err != nil {
				m.logger.WithError(err).WithField("bridge", sibling.bridge.ID).
					Warn("failed to mesh new bridge with sibling")
			}
		}
	}
	m.announceEndpoint(s, ep)

	return allocation, nil
}

// UpdateTransport applies the transport a participant reported in its
// session-accept (or after an ICE restart).
func (m *SessionManager) UpdateTransport(endpointID source.EndpointID, transport *xmpp.IceUdpTransport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ep, err := m.lookup(endpointID)
	if err != nil {
		return err
	}

	modify := &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Endpoints: []xmpp.Colibri2Endpoint{{
			ID:        string(endpointID),
			Transport: &xmpp.ColibriTransport{IceUdp: transport, Sctp: ep.sctp},
		}},
	}
	if _, err := m.request(s.bridge.ID, modify); err != nil {
		return m.failSession(s, err)
	}
	return nil
}

// UpdateSources replaces the endpoint's signaled sources on its own bridge and
// fans the change out to every sibling bridge over the relays.
func (m *SessionManager) UpdateSources(endpointID source.EndpointID, set source.EndpointSourceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ep, err := m.lookup(endpointID)
	if err != nil {
		return err
	}
	ep.sources = set.Clone()

	modify := &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Endpoints: []xmpp.Colibri2Endpoint{{
			ID:      string(endpointID),
			Sources: source.ToColibriSources(ep.sources, string(endpointID)),
		}},
	}
	if _, err := m.request(s.bridge.ID, modify); err != nil {
		return m.failSession(s, err)
	}

	m.announceEndpoint(s, ep)
	return nil
}

// Mute applies a force-mute flag. Idempotent.
func (m *SessionManager) Mute(endpointID source.EndpointID, media source.MediaType, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ep, err := m.lookup(endpointID)
	if err != nil {
		return err
	}
	switch media {
	case source.MediaAudio:
		ep.audioMuted = muted
	case source.MediaVideo:
		ep.videoMuted = muted
	}

	modify := &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Endpoints: []xmpp.Colibri2Endpoint{{
			ID:        string(endpointID),
			ForceMute: &xmpp.ForceMute{Audio: ep.audioMuted, Video: ep.videoMuted},
		}},
	}
	if _, err := m.request(s.bridge.ID, modify); err != nil {
		return m.failSession(s, err)
	}
	return nil
}

// Expire removes the endpoint from its bridge. If it was the last endpoint of
// that session, the session and its relays are torn down as well.
func (m *SessionManager) Expire(endpointID source.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.lookup(endpointID)
	if err != nil {
		return
	}

	delete(s.endpoints, endpointID)
	delete(m.assignments, endpointID)

	modify := &xmpp.ConferenceModify{
		MeetingID: s.meetingID,
		Endpoints: []xmpp.Colibri2Endpoint{{ID: string(endpointID), Expire: true}},
	}
	if _, err := m.request(s.bridge.ID, modify); err != nil {
		m.logger.WithError(err).WithField("endpoint", endpointID).Warn("failed to expire endpoint")
	}

	// Withdraw the endpoint from every sibling relay.
	for _, sibling := range m.sessions {
		if sibling == s {
			continue
		}
		m.relayRemoveEndpoint(sibling, s.bridge.ID, endpointID)
	}

	if len(s.endpoints) == 0 {
		m.expireSession(s)
	}
}

// BridgeRemoved drops the session on a failed bridge without contacting it and
// returns the endpoints that must be reinvited elsewhere.
func (m *SessionManager) BridgeRemoved(bridgeID bridge.ID) []source.EndpointID {
	m.mu.Lock()
	s, ok := m.sessions[bridgeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	orphans := s.endpointIDs()
	for _, id := range orphans {
		delete(m.assignments, id)
	}
	delete(m.sessions, bridgeID)

	// The failed bridge is gone; only the peers need their relays expired.
	for _, sibling := range m.sessions {
		m.relayExpire(sibling, bridgeID)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"bridge": bridgeID, "endpoints": len(orphans)}).
		Info("bridge removed, endpoints need migration")
	return orphans
}

// ExpireAll tears down every session, e.g. on conference shutdown.
func (m *SessionManager) ExpireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		modify := &xmpp.ConferenceModify{MeetingID: s.meetingID, Expire: true}
		if _, err := m.request(s.bridge.ID, modify); err != nil {
			m.logger.WithError(err).WithField("bridge", s.bridge.ID).Warn("failed to expire session")
		}
	}
	m.sessions = make(map[bridge.ID]*session)
	m.assignments = make(map[source.EndpointID]bridge.ID)
}

// BridgeOf returns the bridge an endpoint is allocated on.
func (m *SessionManager) BridgeOf(endpointID source.EndpointID) (bridge.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.assignments[endpointID]
	return id, ok
}

// FeedbackSources merges the feedback sources of every session except the
// given bridge's own: a bridge must never be offered its own feedback sources
// back.
func (m *SessionManager) FeedbackSources(exclude bridge.ID) source.ConferenceSourceMap {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := source.EndpointSourceSet{}
	for id, s := range m.sessions {
		if id == exclude || s.feedback.IsEmpty() {
			continue
		}
		merged = merged.Union(s.feedback)
	}
	if merged.IsEmpty() {
		return nil
	}
	return source.ConferenceSourceMap{source.FeedbackOwner: merged}
}

// Snapshot reports the current placement: bridge to endpoint ids. Used by
// tests and the operator surface.
func (m *SessionManager) Snapshot() map[bridge.ID][]source.EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[bridge.ID][]source.EndpointID, len(m.sessions))
	for id, s := range m.sessions {
		snapshot[id] = s.endpointIDs()
	}
	return snapshot
}

// RelayedEndpoints returns the endpoints signaled over `on`'s relay toward
// `peer`.
func (m *SessionManager) RelayedEndpoints(on, peer bridge.ID) []source.EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[on]
	if !ok {
		return nil
	}
	var ids []source.EndpointID
	for id := range s.signaledOver(peer) {
		ids = append(ids, id)
	}
	return ids
}

func (m *SessionManager) lookup(endpointID source.EndpointID) (*session, *endpoint, error) {
	bridgeID, ok := m.assignments[endpointID]
	if !ok {
		return nil, nil, ErrUnknownEndpoint
	}
	s := m.sessions[bridgeID]
	return s, s.endpoints[endpointID], nil
}

func (m *SessionManager) endpointElement(ep *endpoint, create bool) xmpp.Colibri2Endpoint {
	element := xmpp.Colibri2Endpoint{
		ID:      string(ep.id),
		StatsID: ep.statsID,
		Create:  create,
		Transport: &xmpp.ColibriTransport{
			IceControlling: true,
			Sctp:           ep.sctp,
		},
	}
	if ep.audioMuted || ep.videoMuted {
		element.ForceMute = &xmpp.ForceMute{Audio: ep.audioMuted, Video: ep.videoMuted}
	}
	element.Media = []xmpp.Colibri2Media{
		{Type: string(source.MediaAudio)},
		{Type: string(source.MediaVideo)},
	}
	return element
}

// failSession handles a hard error talking to a session's bridge: the session
// is dropped and its endpoints are reported for migration.
func (m *SessionManager) failSession(s *session, cause error) error {
	m.logger.WithError(cause).WithField("bridge", s.bridge.ID).
		Warn("colibri request failed, expiring session")
	m.registry.MarkFailure(s.bridge.ID)

	orphans := s.endpointIDs()
	for _, id := range orphans {
		delete(m.assignments, id)
	}
	delete(m.sessions, s.bridge.ID)
	for _, sibling := range m.sessions {
		m.relayExpire(sibling, s.bridge.ID)
	}

	if m.onMigrate != nil && len(orphans) > 0 {
		// Hand off outside the lock: the conference will call back in.
		failed := s.bridge.ID
		go m.onMigrate(failed, orphans)
	}
	return ErrBridgeFailedDuringAllocation
}

func (m *SessionManager) expireSession(s *session) {
	modify := &xmpp.ConferenceModify{MeetingID: s.meetingID, Expire: true}
	if _, err := m.request(s.bridge.ID, modify); err != nil {
		m.logger.WithError(err).WithField("bridge", s.bridge.ID).Warn("failed to expire session")
	}
	delete(m.sessions, s.bridge.ID)

	for _, sibling := range m.sessions {
		m.relayExpire(sibling, s.bridge.ID)
	}
}

// Sentinel causes used internally to classify request failures.
var (
	errHardRejection  = errors.New("bridge returned an error condition")
	errBridgeDraining = errors.New("bridge reported graceful shutdown")
)

// request performs one conference-modify round-trip with the configured
// timeout. Must be called with the manager lock held: the lock is what
// serializes colibri traffic per conference.
func (m *SessionManager) request(bridgeID bridge.ID, modify *xmpp.ConferenceModify) (*xmpp.ConferenceModified, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.RequestTimeout)
	defer cancel()

	iq := &xmpp.IQ{To: xmpp.JID(bridgeID), Type: xmpp.IQSet, Payload: modify}
	response, err := m.conn.SendIQ(ctx, iq)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		if response.Error.Condition == xmpp.ServiceUnavailable {
			return nil, errBridgeDraining
		}
		return nil, errHardRejection
	}
	if modified, ok := response.Payload.(*xmpp.ConferenceModified); ok {
		return modified, nil
	}
	return &xmpp.ConferenceModified{}, nil
}
