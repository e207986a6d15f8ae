package xmpp

import (
	"context"
	"errors"
)

// Errors surfaced by a connection.
var (
	ErrIQTimeout       = errors.New("timed out waiting for IQ response")
	ErrNotConnected    = errors.New("connection is not established")
	ErrPeerUnavailable = errors.New("peer is unavailable")
)

// IQHandler processes an inbound IQ of type get/set and returns the response
// to send, or nil if the handler already took care of responding.
type IQHandler func(iq *IQ) *IQ

// PresenceHandler processes an inbound presence stanza.
type PresenceHandler func(p *Presence)

// Connection is the XMPP transport as seen by the focus. The production
// implementation is the external-component connection below; tests substitute
// an in-memory fake.
type Connection interface {
	// JID is the address the focus is reachable at on this connection.
	JID() JID

	// SendIQ sends an IQ of type get/set and blocks until the matching
	// result/error arrives or ctx expires. An error-type response is returned
	// as (*IQ, nil); transport failures and timeouts as (nil, err).
	SendIQ(ctx context.Context, iq *IQ) (*IQ, error)

	// Send writes a stanza without waiting for a reply (presence, message,
	// IQ responses).
	Send(stanza any) error

	// HandleIQ registers the handler for inbound get/set IQs.
	HandleIQ(handler IQHandler)

	// HandlePresence registers the handler for inbound presence.
	HandlePresence(handler PresenceHandler)

	// Connected reports whether the underlying stream is usable.
	Connected() bool

	Close() error
}
