package focus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// HealthChecker probes every registered bridge periodically. A timed out
// probe degrades the bridge; an error response evicts it (see the registry's
// health semantics).
type HealthChecker struct {
	logger   *logrus.Entry
	conn     xmpp.Connection
	registry *bridge.Registry
	interval time.Duration
	timeout  time.Duration

	stop chan struct{}
	once sync.Once
}

func NewHealthChecker(conn xmpp.Connection, registry *bridge.Registry, interval, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		logger:   logrus.WithField("component", "health-checker"),
		conn:     conn,
		registry: registry,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

func (h *HealthChecker) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.probeAll()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *HealthChecker) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *HealthChecker) probeAll() {
	for _, b := range h.registry.Snapshot() {
		go h.probe(b.ID)
	}
}

func (h *HealthChecker) probe(id bridge.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	response, err := h.conn.SendIQ(ctx, &xmpp.IQ{
		To:      xmpp.JID(id),
		Type:    xmpp.IQGet,
		Payload: &xmpp.HealthCheck{},
	})
	switch {
	case errors.Is(err, xmpp.ErrIQTimeout) || errors.Is(err, context.DeadlineExceeded):
		h.logger.WithField("bridge", id).Warn("health check timed out")
		h.registry.OnHealth(id, bridge.HealthTimedOut)
	case err != nil:
		h.logger.WithError(err).WithField("bridge", id).Warn("health check failed")
		h.registry.OnHealth(id, bridge.HealthFailed)
	case response.Error != nil:
		h.logger.WithFields(logrus.Fields{"bridge": id, "condition": response.Error.Condition}).
			Warn("bridge reported unhealthy")
		h.registry.OnHealth(id, bridge.HealthFailed)
	default:
		h.registry.OnHealth(id, bridge.HealthPassed)
	}
}
