package jibri

import (
	"context"
	"errors"
	"time"

	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Errors surfaced when dispatching to a pool.
var (
	ErrNoInstanceAvailable = errors.New("no instance available")
	ErrInstanceRejected    = errors.New("instance rejected the request")
)

// Dispatcher forwards recording and SIP dial requests to selected pool
// members.
type Dispatcher struct {
	logger    *logrus.Entry
	conn      xmpp.Connection
	recorders *Pool
	gateways  *Pool
	timeout   time.Duration
}

func NewDispatcher(conn xmpp.Connection, recorders, gateways *Pool, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:    logrus.WithField("component", "jibri-dispatcher"),
		conn:      conn,
		recorders: recorders,
		gateways:  gateways,
		timeout:   timeout,
	}
}

func (d *Dispatcher) Recorders() *Pool { return d.recorders }
func (d *Dispatcher) Gateways() *Pool  { return d.gateways }

// StartRecording selects a recorder for the room and forwards the control IQ
// to it. The response IQ (status pending/on/failed) is returned to the caller.
func (d *Dispatcher) StartRecording(caller string, request *xmpp.JibriIQ) (*xmpp.JibriIQ, error) {
	instance := d.recorders.Select(caller)
	if instance == nil {
		return nil, ErrNoInstanceAvailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	response, err := d.conn.SendIQ(ctx, &xmpp.IQ{
		To:      instance.JID,
		Type:    xmpp.IQSet,
		Payload: request,
	})
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, ErrInstanceRejected
	}
	if status, ok := response.Payload.(*xmpp.JibriIQ); ok {
		return status, nil
	}
	return &xmpp.JibriIQ{Status: "pending"}, nil
}

// Dial selects a SIP gateway and forwards the Rayo dial to it.
func (d *Dispatcher) Dial(caller string, dial *xmpp.Dial) error {
	instance := d.gateways.Select(caller)
	if instance == nil {
		return ErrNoInstanceAvailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	response, err := d.conn.SendIQ(ctx, &xmpp.IQ{
		To:      instance.JID,
		Type:    xmpp.IQSet,
		Payload: dial,
	})
	if err != nil {
		return err
	}
	if response.Error != nil {
		return ErrInstanceRejected
	}
	return nil
}
