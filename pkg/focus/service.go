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

// Package focus is the top of the control plane: it owns the XMPP dispatch,
// the conference registry, the bridge registry and the service pools, and
// routes every inbound stanza to the component that handles it.
package focus

import (
	"strings"
	"sync"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/colibri"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/conference"
	"github.com/riverine/focus/pkg/jibri"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Config holds the service-level settings.
type Config struct {
	// BridgeBrewery is the MUC the bridges announce themselves in.
	BridgeBrewery xmpp.JID `yaml:"bridgeBrewery"`
	// JibriBrewery and SipBrewery are the recorder and SIP gateway MUCs.
	JibriBrewery xmpp.JID `yaml:"jibriBrewery"`
	SipBrewery   xmpp.JID `yaml:"sipBrewery"`

	// HealthInterval and HealthTimeout drive the periodic bridge health probe.
	HealthInterval time.Duration `yaml:"healthInterval"`
	HealthTimeout  time.Duration `yaml:"healthTimeout"`
	// JibriSelectTimeout is the per-caller pool selection cooldown.
	JibriSelectTimeout time.Duration `yaml:"jibriSelectTimeout"`
	// JibriRequestTimeout bounds the forwarded recording/dial round-trip.
	JibriRequestTimeout time.Duration `yaml:"jibriRequestTimeout"`
	// PinSweepInterval is how often expired pins are swept.
	PinSweepInterval time.Duration `yaml:"pinSweepInterval"`

	Conference conference.Config      `yaml:"conference"`
	Selection  bridge.SelectionConfig `yaml:"selection"`
	Colibri    colibri.Config         `yaml:"colibri"`
}

func DefaultConfig() Config {
	return Config{
		HealthInterval:      10 * time.Second,
		HealthTimeout:       5 * time.Second,
		JibriSelectTimeout:  30 * time.Second,
		JibriRequestTimeout: 30 * time.Second,
		PinSweepInterval:    time.Minute,
		Conference:          conference.DefaultConfig(),
		Selection:           bridge.DefaultSelectionConfig(),
		Colibri:             colibri.DefaultConfig(),
	}
}

// Service wires the subsystems together and dispatches inbound stanzas.
type Service struct {
	logger *logrus.Entry
	config Config
	conn   xmpp.Connection
	clock  common.Clock

	bridges     *bridge.Registry
	selector    *bridge.Selector
	pins        *Pins
	conferences *ConferenceRegistry
	dispatcher  *jibri.Dispatcher
	health      *HealthChecker

	observerMu sync.Mutex
	observer   colibri.Observer
}

func NewService(conn xmpp.Connection, config Config, clock common.Clock) *Service {
	if clock == nil {
		clock = common.SystemClock{}
	}

	s := &Service{
		logger:  logrus.WithField("component", "focus"),
		config:  config,
		conn:    conn,
		clock:   clock,
		bridges: bridge.NewRegistry(clock),
		pins:    NewPins(clock),
	}
	s.selector = bridge.NewSelector(s.bridges, bridge.NewStrategy(config.Selection), config.Selection, clock)
	s.conferences = NewConferenceRegistry(s.makeConference, s.pins)
	s.dispatcher = jibri.NewDispatcher(
		conn,
		jibri.NewPool("recorder", config.JibriSelectTimeout, clock),
		jibri.NewPool("sip", config.JibriSelectTimeout, clock),
		config.JibriRequestTimeout,
	)
	s.health = NewHealthChecker(conn, s.bridges, config.HealthInterval, config.HealthTimeout)

	// A bridge evicted for a hard failure takes its endpoints with it; every
	// conference migrates the ones it loses.
	s.bridges.Subscribe(func(event bridge.Event) {
		if event.Type != bridge.BridgeRemoved {
			return
		}
		for _, c := range s.conferences.Snapshot() {
			c.BridgeRemoved(event.Bridge.ID)
		}
	})

	return s
}

// SetColibriObserver installs the allocation observer used by conferences
// created from now on (the metrics package registers itself here).
func (s *Service) SetColibriObserver(observer colibri.Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observer = observer
}

func (s *Service) colibriConfig() colibri.Config {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	cfg := s.config.Colibri
	cfg.Observer = s.observer
	return cfg
}

func (s *Service) Bridges() *bridge.Registry        { return s.bridges }
func (s *Service) Conferences() *ConferenceRegistry { return s.conferences }
func (s *Service) Pins() *Pins                      { return s.pins }
func (s *Service) Jibri() *jibri.Dispatcher         { return s.dispatcher }

// Start registers the stanza handlers and starts the background loops.
func (s *Service) Start() {
	s.conn.HandleIQ(s.handleIQ)
	s.conn.HandlePresence(s.handlePresence)
	s.health.Start()
	s.pins.StartSweeper(s.config.PinSweepInterval)
}

// Stop tears everything down.
func (s *Service) Stop() {
	s.health.Stop()
	s.pins.Close()
	for _, c := range s.conferences.Snapshot() {
		c.Shutdown()
	}
}

// Healthy implements the health endpoint contract: the XMPP connection is up
// and at least one bridge is operational.
func (s *Service) Healthy() bool {
	return s.conn.Connected() && s.bridges.OperationalCount() > 0
}

// HandleConferenceRequest creates or looks up the conference for a room and
// returns the readiness response. Shared by the IQ and the REST paths.
func (s *Service) HandleConferenceRequest(request *xmpp.ConferenceRequest) (*xmpp.ConferenceRequest, error) {
	c, created, err := s.conferences.GetOrCreate(request.Room)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.WithField("room", request.Room).Info("conference created")
	}
	return &xmpp.ConferenceRequest{
		Room:     c.Room(),
		Ready:    true,
		FocusJID: s.conn.JID(),
		Properties: []xmpp.Property{
			{Name: "meetingId", Value: c.MeetingID()},
		},
	}, nil
}

// MoveEndpoints evacuates every conference endpoint off a bridge, e.g. before
// taking it down for maintenance. Returns the number of affected conferences.
func (s *Service) MoveEndpoints(id bridge.ID) int {
	affected := 0
	for _, c := range s.conferences.Snapshot() {
		c.BridgeRemoved(id)
		affected++
	}
	s.logger.WithFields(logrus.Fields{"bridge": id, "conferences": affected}).
		Info("endpoint evacuation requested")
	return affected
}

func (s *Service) handleIQ(iq *xmpp.IQ) *xmpp.IQ {
	switch payload := iq.Payload.(type) {
	case *xmpp.ConferenceRequest:
		response, err := s.HandleConferenceRequest(payload)
		if err != nil {
			return iq.ErrorWith("wait", xmpp.ServiceUnavailable, err.Error())
		}
		return iq.ResultWith(response)

	case *xmpp.Jingle:
		c := s.conferences.Get(iq.From.Bare())
		if c == nil {
			return iq.ErrorWith("cancel", xmpp.ItemNotFound, "no such conference")
		}
		return c.HandleJingle(iq, payload)

	case *xmpp.AudioMute:
		return s.handleMute(iq, payload.JID, source.MediaAudio, payload.Muted())
	case *xmpp.VideoMute:
		return s.handleMute(iq, payload.JID, source.MediaVideo, payload.Muted())

	case *xmpp.JibriIQ:
		status, err := s.dispatcher.StartRecording(string(iq.From.Bare()), payload)
		if err != nil {
			return iq.ErrorWith("wait", xmpp.ServiceUnavailable, err.Error())
		}
		return iq.ResultWith(status)

	case *xmpp.Dial:
		if err := s.dispatcher.Dial(string(iq.From.Bare()), payload); err != nil {
			return iq.ErrorWith("wait", xmpp.ServiceUnavailable, err.Error())
		}
		return iq.Result()

	case *xmpp.DiscoInfoQuery:
		return iq.ResultWith(&xmpp.DiscoInfoQuery{
			Identities: []xmpp.DiscoIdentity{{Category: "component", Type: "generic", Name: "focus"}},
			Features: []xmpp.DiscoFeature{
				{Var: xmpp.DiscoInfoNS},
				{Var: xmpp.FocusNS},
				{Var: xmpp.JingleNS},
			},
		})

	case *xmpp.HealthCheck:
		return iq.Result()

	default:
		return iq.ErrorWith("cancel", xmpp.ServiceUnavailable, "unsupported request")
	}
}

// handleMute routes a force-mute request. The actor is the sender occupant;
// an absent target means self.
func (s *Service) handleMute(iq *xmpp.IQ, target xmpp.JID, media source.MediaType, muted bool) *xmpp.IQ {
	c := s.conferences.Get(iq.From.Bare())
	if c == nil {
		return iq.ErrorWith("cancel", xmpp.ItemNotFound, "no such conference")
	}

	actor := source.EndpointID(iq.From.Resource())
	targetID := actor
	if target != "" {
		targetID = source.EndpointID(target.Resource())
	}

	switch err := c.Mute(actor, targetID, media, muted); {
	case err == nil:
		return iq.Result()
	case err == conference.ErrNotAllowed:
		return iq.ErrorWith("auth", xmpp.NotAllowed, "insufficient rights")
	case err == conference.ErrUnknownParticipant:
		return iq.ErrorWith("cancel", xmpp.ItemNotFound, "unknown participant")
	default:
		return iq.ErrorWith("wait", xmpp.ServiceUnavailable, err.Error())
	}
}

func (s *Service) handlePresence(p *xmpp.Presence) {
	switch p.From.Bare() {
	case s.config.BridgeBrewery:
		s.handleBridgePresence(p)
	case s.config.JibriBrewery:
		s.handlePoolPresence(s.dispatcher.Recorders(), p)
	case s.config.SipBrewery:
		s.handlePoolPresence(s.dispatcher.Gateways(), p)
	default:
		s.handleOccupantPresence(p)
	}
}

// handleBridgePresence keys bridges by their brewery occupant JID, which is
// also where colibri stanzas are addressed.
func (s *Service) handleBridgePresence(p *xmpp.Presence) {
	if p.From.Resource() == "" {
		return
	}
	id := bridge.ID(p.From)
	if p.Type == "unavailable" {
		s.bridges.Remove(id)
		return
	}
	if p.Status == nil {
		return
	}
	s.bridges.AddOrUpdate(id, bridge.ParseLoadReport(p.Status))
}

func (s *Service) handlePoolPresence(pool *jibri.Pool, p *xmpp.Presence) {
	id := jibri.InstanceID(p.From.Resource())
	if id == "" {
		return
	}
	if p.Type == "unavailable" {
		pool.Remove(id)
		return
	}

	busy, healthy := false, true
	if p.Jibri != nil {
		if p.Jibri.Busy != nil {
			busy = p.Jibri.Busy.Status == xmpp.JibriStatusBusy
		}
		if p.Jibri.Health != nil {
			healthy = p.Jibri.Health.Status == xmpp.JibriHealthHealthy
		}
	}
	pool.Update(id, p.From, busy, healthy)
}

func (s *Service) handleOccupantPresence(p *xmpp.Presence) {
	room := p.From.Bare()
	c := s.conferences.Get(room)
	if c == nil {
		return
	}
	nick := p.From.Resource()
	if nick == "" || nick == "focus" {
		return
	}

	if p.Type == "unavailable" {
		c.MemberLeft(p.From)
		return
	}

	member := conference.Member{
		Occupant: p.From,
		Region:   p.Region,
		StatsID:  p.StatsID,
		Bot:      isBotNick(nick),
	}
	if p.User != nil && p.User.Item != nil {
		member.RealJID = p.User.Item.JID
		member.Authenticated = p.User.Item.JID != ""
	}
	c.MemberJoined(member)
}

// isBotNick recognizes service members that must not be invited: recorders
// and SIP gateways join rooms with well-known nick prefixes.
func isBotNick(nick string) bool {
	return strings.HasPrefix(nick, "jibri") || strings.HasPrefix(nick, "jigasi")
}

func (s *Service) makeConference(room xmpp.JID, pinVersion string) (*conference.Conference, error) {
	return conference.New(room, pinVersion, s.config.Conference, conference.Dependencies{
		Conn:     s.conn,
		Selector: s.selector,
		Registry: s.bridges,
		Clock:    s.clock,
		Colibri:  s.colibriConfig(),
	}, func() { s.conferences.Remove(room) })
}
