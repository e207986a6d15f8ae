// Package xmpptest provides an in-memory Connection for tests.
package xmpptest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/riverine/focus/pkg/xmpp"
)

// Responder inspects an outgoing IQ and fabricates the peer's response.
// Returning nil simulates a peer that never answers (the send times out).
type Responder func(iq *xmpp.IQ) *xmpp.IQ

// FakeConnection records every stanza the focus sends and answers IQs via a
// scripted responder.
type FakeConnection struct {
	Address xmpp.JID

	mu        sync.Mutex
	sent      []any
	iqs       []*xmpp.IQ
	responder Responder
	closed    bool

	iqHandler       xmpp.IQHandler
	presenceHandler xmpp.PresenceHandler
}

func NewFakeConnection(address xmpp.JID) *FakeConnection {
	return &FakeConnection{Address: address}
}

// Respond installs the responder used for subsequent SendIQ calls.
func (c *FakeConnection) Respond(responder Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = responder
}

// RespondOK answers every IQ with an empty result.
func (c *FakeConnection) RespondOK() {
	c.Respond(func(iq *xmpp.IQ) *xmpp.IQ { return iq.Result() })
}

func (c *FakeConnection) JID() xmpp.JID { return c.Address }

func (c *FakeConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConnection) Send(stanza any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xmpp.ErrNotConnected
	}
	c.sent = append(c.sent, stanza)
	return nil
}

func (c *FakeConnection) SendIQ(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, xmpp.ErrNotConnected
	}
	c.sent = append(c.sent, iq)
	c.iqs = append(c.iqs, iq)
	responder := c.responder
	c.mu.Unlock()

	if responder == nil {
		return iq.Result(), nil
	}
	response := responder(iq)
	if response == nil {
		return nil, xmpp.ErrIQTimeout
	}
	_ = ctx
	return response, nil
}

func (c *FakeConnection) HandleIQ(handler xmpp.IQHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iqHandler = handler
}

func (c *FakeConnection) HandlePresence(handler xmpp.PresenceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceHandler = handler
}

// Sent returns everything sent so far (IQ round-trips included).
func (c *FakeConnection) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

// SentIQs returns the IQs sent with SendIQ.
func (c *FakeConnection) SentIQs() []*xmpp.IQ {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*xmpp.IQ(nil), c.iqs...)
}

// Reset clears the recorded stanzas.
func (c *FakeConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.iqs = nil
}

// DeliverIQ injects an inbound IQ as if the peer had sent it and returns the
// handler's response.
func (c *FakeConnection) DeliverIQ(iq *xmpp.IQ) *xmpp.IQ {
	c.mu.Lock()
	handler := c.iqHandler
	c.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(iq)
}

// DeliverPresence injects an inbound presence.
func (c *FakeConnection) DeliverPresence(p *xmpp.Presence) {
	c.mu.Lock()
	handler := c.presenceHandler
	c.mu.Unlock()
	if handler != nil {
		handler(p)
	}
}
