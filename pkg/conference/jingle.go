package conference

import (
	"context"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/riverine/focus/pkg/source"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Jingle session states.
const (
	stateIdle       = "idle"
	stateInitiated  = "initiated"
	stateAccepted   = "accepted"
	stateActive     = "active"
	stateRestarting = "restarting"
	stateTerminated = "terminated"
)

// Jingle session transitions.
const (
	eventInitiate        = "initiate"
	eventAccept          = "accept"
	eventActivate        = "activate"
	eventRestart         = "restart"
	eventRestartComplete = "restart-complete"
	eventTerminate       = "terminate"
)

// JingleSession is one signaling dialog with one participant. State changes
// only happen on the owning conference's writer, so the session itself is not
// locked.
type JingleSession struct {
	logger *logrus.Entry
	conn   xmpp.Connection
	peer   xmpp.JID
	sid    string
	states *fsm.FSM

	// jsonSources switches the source encoding of outgoing stanzas for peers
	// advertising the compact JSON encoding.
	jsonSources bool
}

func NewJingleSession(conn xmpp.Connection, peer xmpp.JID, jsonSources bool) *JingleSession {
	sid := uuid.NewString()
	session := &JingleSession{
		logger:      logrus.WithFields(logrus.Fields{"component": "jingle", "peer": peer, "sid": sid}),
		conn:        conn,
		peer:        peer,
		sid:         sid,
		jsonSources: jsonSources,
	}
	session.states = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventInitiate, Src: []string{stateIdle}, Dst: stateInitiated},
			{Name: eventAccept, Src: []string{stateInitiated}, Dst: stateAccepted},
			{Name: eventActivate, Src: []string{stateAccepted}, Dst: stateActive},
			{Name: eventRestart, Src: []string{stateActive}, Dst: stateRestarting},
			{Name: eventRestartComplete, Src: []string{stateRestarting}, Dst: stateActive},
			{Name: eventTerminate, Src: []string{
				stateIdle, stateInitiated, stateAccepted, stateActive, stateRestarting,
			}, Dst: stateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				session.logger.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("session state")
			},
		},
	)
	return session
}

func (s *JingleSession) SID() string   { return s.sid }
func (s *JingleSession) State() string { return s.states.Current() }
func (s *JingleSession) Active() bool  { return s.states.Current() == stateActive }
func (s *JingleSession) Terminated() bool {
	return s.states.Current() == stateTerminated
}

// Initiate sends the session-initiate with the synthesized offer.
func (s *JingleSession) Initiate(contents []xmpp.Content, group *xmpp.ContentGroup) error {
	if err := s.states.Event(context.Background(), eventInitiate); err != nil {
		return err
	}
	jingle := &xmpp.Jingle{
		Action:    xmpp.ActionSessionInitiate,
		Initiator: string(s.conn.JID()),
		SID:       s.sid,
		Contents:  contents,
		Group:     group,
	}
	return s.send(jingle)
}

// OnAccept records the peer's session-accept.
func (s *JingleSession) OnAccept() error {
	return s.states.Event(context.Background(), eventAccept)
}

// Activate marks the peer's sources as applied; the session may now receive
// source changes.
func (s *JingleSession) Activate() error {
	return s.states.Event(context.Background(), eventActivate)
}

// OnRestart enters the restarting state after an accepted transport-replace.
func (s *JingleSession) OnRestart() error {
	return s.states.Event(context.Background(), eventRestart)
}

// OnRestartComplete returns to active once the replacement transport has been
// applied on the bridge.
func (s *JingleSession) OnRestartComplete() error {
	return s.states.Event(context.Background(), eventRestartComplete)
}

// SendSourceChange sends a source-add or source-remove carrying the given
// conference sources, using the JSON encoding when the peer supports it.
func (s *JingleSession) SendSourceChange(kind changeKind, sources source.ConferenceSourceMap) error {
	action := xmpp.ActionSourceAdd
	if kind == sourceRemove {
		action = xmpp.ActionSourceRemove
	}
	jingle := &xmpp.Jingle{
		Action:    action,
		Initiator: string(s.conn.JID()),
		SID:       s.sid,
	}
	if s.jsonSources {
		encoded, err := source.EncodeJSON(sources)
		if err != nil {
			return err
		}
		jingle.JSONSources = encoded
	} else {
		jingle.Contents = source.ToJingleContents(sources)
	}
	return s.send(jingle)
}

// SendTransportAccept answers a transport-replace with the bridge's current
// transport.
func (s *JingleSession) SendTransportAccept(name string, transport *xmpp.IceUdpTransport) error {
	return s.send(&xmpp.Jingle{
		Action:    xmpp.ActionTransportAccept,
		Initiator: string(s.conn.JID()),
		SID:       s.sid,
		Contents:  []xmpp.Content{{Creator: "initiator", Name: name, Transport: transport}},
	})
}

// Terminate sends session-terminate (best effort) and finalizes the session.
// Terminal: every call after the first is a no-op.
func (s *JingleSession) Terminate(reason, text string) {
	if s.Terminated() {
		return
	}
	if s.states.Current() != stateIdle {
		err := s.send(&xmpp.Jingle{
			Action:    xmpp.ActionSessionTerminate,
			Initiator: string(s.conn.JID()),
			SID:       s.sid,
			Reason:    xmpp.NewReason(reason, text),
		})
		if err != nil {
			s.logger.WithError(err).Debug("failed to send session-terminate")
		}
	}
	if err := s.states.Event(context.Background(), eventTerminate); err != nil {
		s.logger.WithError(err).Debug("terminate transition failed")
	}
}

// OnTerminated finalizes the session after the peer terminated it; nothing is
// sent back.
func (s *JingleSession) OnTerminated() {
	if !s.Terminated() {
		_ = s.states.Event(context.Background(), eventTerminate)
	}
}

// send ships a jingle IQ without waiting for the ack. The conference's reply
// timer covers peers that never answer a session-initiate; acks to other
// actions carry no information the focus acts on.
func (s *JingleSession) send(jingle *xmpp.Jingle) error {
	err := s.conn.Send(&xmpp.IQ{
		ID:      uuid.NewString(),
		To:      s.peer,
		Type:    xmpp.IQSet,
		Payload: jingle,
	})
	if err != nil {
		return xmpp.ErrPeerUnavailable
	}
	return nil
}
