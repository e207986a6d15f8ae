package bridge

import (
	"sync"

	"github.com/riverine/focus/pkg/common"
	"github.com/sirupsen/logrus"
)

// HealthResult is the outcome of one health check against a bridge.
type HealthResult int

const (
	HealthPassed HealthResult = iota
	HealthFailed
	HealthTimedOut
)

// EventType is what happened to a bridge.
type EventType int

const (
	// BridgeAdded: a bridge announced itself for the first time.
	BridgeAdded EventType = iota
	// BridgeRemoved: a bridge withdrew or failed a health check. Conferences
	// must migrate endpoints off it.
	BridgeRemoved
)

// Event is published to registry subscribers.
type Event struct {
	Type   EventType
	Bridge Bridge
}

// Listener receives registry events. Handlers must not block: they are called
// under no lock but on the mutating goroutine.
type Listener func(Event)

// Registry is the process-wide set of known bridges. Mutations go through the
// registry's own lock; consumers take snapshots and subscribe to events.
type Registry struct {
	logger *logrus.Entry
	clock  common.Clock

	mu        sync.RWMutex
	bridges   map[ID]*Bridge
	listeners []Listener
}

func NewRegistry(clock common.Clock) *Registry {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Registry{
		logger:  logrus.WithField("component", "bridge-registry"),
		clock:   clock,
		bridges: make(map[ID]*Bridge),
	}
}

// Subscribe registers a listener for add/remove events.
func (r *Registry) Subscribe(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) publish(event Event) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}
}

// AddOrUpdate records a bridge announcement. Idempotent: a repeated
// announcement only refreshes the load report.
func (r *Registry) AddOrUpdate(id ID, report LoadReport) {
	r.mu.Lock()
	existing, known := r.bridges[id]
	if !known {
		existing = &Bridge{ID: id, Operational: true}
		r.bridges[id] = existing
	}
	existing.Region = report.Region
	existing.Version = report.Version
	existing.Stress = report.Stress
	existing.PacketRate = report.PacketRate
	existing.GracefulShutdown = report.GracefulShutdown
	existing.LastReport = r.clock.Now()
	snapshot := *existing
	r.mu.Unlock()

	if !known {
		r.logger.WithField("bridge", id).Info("new bridge")
		r.publish(Event{Type: BridgeAdded, Bridge: snapshot})
	}
}

// Remove handles an explicit withdrawal.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	existing, known := r.bridges[id]
	if !known {
		r.mu.Unlock()
		return
	}
	snapshot := *existing
	delete(r.bridges, id)
	r.mu.Unlock()

	r.logger.WithField("bridge", id).Info("bridge removed")
	r.publish(Event{Type: BridgeRemoved, Bridge: snapshot})
}

// OnHealth applies a health check result. A failure marks the bridge
// non-operational and fires a removal event so conferences migrate off it.
// A timeout only marks it non-operational: existing conferences stay and
// migrate individually if they observe failures themselves, which avoids a
// thundering herd during transient partitions between the focus and a bridge.
func (r *Registry) OnHealth(id ID, result HealthResult) {
	r.mu.Lock()
	existing, known := r.bridges[id]
	if !known {
		r.mu.Unlock()
		return
	}

	wasOperational := existing.Operational
	existing.Operational = result == HealthPassed
	snapshot := *existing
	r.mu.Unlock()

	switch result {
	case HealthPassed:
		if !wasOperational {
			r.logger.WithField("bridge", id).Info("bridge is healthy again")
		}
	case HealthFailed:
		r.logger.WithField("bridge", id).Warn("bridge failed its health check")
		r.publish(Event{Type: BridgeRemoved, Bridge: snapshot})
	case HealthTimedOut:
		r.logger.WithField("bridge", id).Warn("bridge health check timed out")
	}
}

// MarkFailure records a failed allocation so selection can avoid the bridge
// for a cooldown period.
func (r *Registry) MarkFailure(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, known := r.bridges[id]; known {
		existing.LastFailure = r.clock.Now()
	}
}

// Get returns a snapshot of one bridge.
func (r *Registry) Get(id ID) (Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if existing, known := r.bridges[id]; known {
		return *existing, true
	}
	return Bridge{}, false
}

// Snapshot returns value copies of all known bridges.
func (r *Registry) Snapshot() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		snapshot = append(snapshot, *b)
	}
	return snapshot
}

// OperationalCount returns the number of operational, non-draining bridges.
func (r *Registry) OperationalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, b := range r.bridges {
		if b.Operational && !b.GracefulShutdown {
			count++
		}
	}
	return count
}
