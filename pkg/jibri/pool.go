// Package jibri tracks the recorder and SIP gateway instance pools and
// dispatches work to them.
package jibri

import (
	"sort"
	"sync"
	"time"

	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// InstanceID identifies one pool member (its brewery occupant nick).
type InstanceID string

// Instance is one recorder or SIP gateway as last seen in brewery presence.
type Instance struct {
	ID       InstanceID
	JID      xmpp.JID
	Busy     bool
	Healthy  bool
	LastSeen time.Time
}

// Pool is a set of interchangeable service instances. Selection returns an
// idle healthy instance and then holds the caller off for the select timeout,
// so a stuck caller cannot drain the pool by re-requesting.
type Pool struct {
	logger        *logrus.Entry
	clock         common.Clock
	selectTimeout time.Duration

	mu        sync.Mutex
	instances map[InstanceID]*Instance
	cooldowns map[string]time.Time
}

func NewPool(name string, selectTimeout time.Duration, clock common.Clock) *Pool {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Pool{
		logger:        logrus.WithFields(logrus.Fields{"component": "jibri-pool", "pool": name}),
		clock:         clock,
		selectTimeout: selectTimeout,
		instances:     make(map[InstanceID]*Instance),
		cooldowns:     make(map[string]time.Time),
	}
}

// Update records an instance's presence status.
func (p *Pool) Update(id InstanceID, jid xmpp.JID, busy, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.instances[id]
	if !ok {
		existing = &Instance{ID: id}
		p.instances[id] = existing
		p.logger.WithField("instance", id).Info("instance joined the pool")
	}
	existing.JID = jid
	existing.Busy = busy
	existing.Healthy = healthy
	existing.LastSeen = p.clock.Now()
}

// Remove drops an instance that left the brewery.
func (p *Pool) Remove(id InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[id]; ok {
		delete(p.instances, id)
		p.logger.WithField("instance", id).Info("instance left the pool")
	}
}

// Select picks an idle healthy instance for the caller, or nil. A caller that
// selected recently is in cooldown and gets nil until the select timeout has
// elapsed.
func (p *Pool) Select(caller string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if deadline, ok := p.cooldowns[caller]; ok {
		if now.Before(deadline) {
			return nil
		}
		delete(p.cooldowns, caller)
	}

	ids := make([]InstanceID, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		candidate := p.instances[id]
		if candidate.Busy || !candidate.Healthy {
			continue
		}
		p.cooldowns[caller] = now.Add(p.selectTimeout)
		copied := *candidate
		return &copied
	}
	return nil
}

// Counts reports (total, idle healthy) pool sizes.
func (p *Pool) Counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, instance := range p.instances {
		if !instance.Busy && instance.Healthy {
			idle++
		}
	}
	return len(p.instances), idle
}
