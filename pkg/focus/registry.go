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

package focus

import (
	"sync"

	"github.com/riverine/focus/pkg/conference"
	"github.com/riverine/focus/pkg/xmpp"
)

// ConferenceFactory builds a conference for a room. The pinned bridge version
// (may be empty) is resolved by the caller.
type ConferenceFactory func(room xmpp.JID, pinVersion string) (*conference.Conference, error)

// ConferenceRegistry maps rooms to live conferences. Creation is mutually
// exclusive per room: concurrent requests for the same room yield one
// conference.
type ConferenceRegistry struct {
	factory ConferenceFactory
	pins    *Pins

	mu          sync.Mutex
	conferences map[xmpp.JID]*conference.Conference
	creating    map[xmpp.JID]*sync.Mutex
}

func NewConferenceRegistry(factory ConferenceFactory, pins *Pins) *ConferenceRegistry {
	return &ConferenceRegistry{
		factory:     factory,
		pins:        pins,
		conferences: make(map[xmpp.JID]*conference.Conference),
		creating:    make(map[xmpp.JID]*sync.Mutex),
	}
}

// Get returns the conference for a room, or nil.
func (r *ConferenceRegistry) Get(room xmpp.JID) *conference.Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conferences[room]
}

// GetOrCreate returns the room's conference, creating and starting it if
// needed. The room lock is held across the factory call, so a losing racer
// waits and then observes the winner's conference.
func (r *ConferenceRegistry) GetOrCreate(room xmpp.JID) (*conference.Conference, bool, error) {
	r.mu.Lock()
	if existing := r.conferences[room]; existing != nil {
		r.mu.Unlock()
		return existing, false, nil
	}
	lock := r.creating[room]
	if lock == nil {
		lock = &sync.Mutex{}
		r.creating[room] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if existing := r.conferences[room]; existing != nil {
		r.mu.Unlock()
		return existing, false, nil
	}
	r.mu.Unlock()

	created, err := r.factory(room, r.pins.VersionForRoom(room))
	if err != nil {
		return nil, false, err
	}
	if err := created.Start(); err != nil {
		created.Shutdown()
		return nil, false, err
	}

	r.mu.Lock()
	r.conferences[room] = created
	delete(r.creating, room)
	r.mu.Unlock()
	return created, true, nil
}

// Remove drops the room's entry without shutting the conference down; used by
// the conference's own destroy callback.
func (r *ConferenceRegistry) Remove(room xmpp.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conferences, room)
}

// Destroy shuts the room's conference down and removes it.
func (r *ConferenceRegistry) Destroy(room xmpp.JID) {
	r.mu.Lock()
	existing := r.conferences[room]
	delete(r.conferences, room)
	r.mu.Unlock()

	if existing != nil {
		existing.Shutdown()
	}
}

// Snapshot returns the live conferences.
func (r *ConferenceRegistry) Snapshot() []*conference.Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*conference.Conference, 0, len(r.conferences))
	for _, c := range r.conferences {
		list = append(list, c)
	}
	return list
}

// Count reports the number of live conferences.
func (r *ConferenceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conferences)
}
