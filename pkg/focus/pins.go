package focus

import (
	"sync"
	"time"

	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/xmpp"
)

// Pin fixes the bridge version new allocations for a room may use, until the
// deadline passes.
type Pin struct {
	Room    xmpp.JID  `json:"room"`
	Version string    `json:"version"`
	Expires time.Time `json:"expires"`
}

// Pins is the pin store consulted by bridge selection. Expired pins are
// dropped lazily on read and by a background sweep.
type Pins struct {
	clock common.Clock

	mu   sync.Mutex
	pins map[xmpp.JID]Pin
	stop chan struct{}
	once sync.Once
}

func NewPins(clock common.Clock) *Pins {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Pins{
		clock: clock,
		pins:  make(map[xmpp.JID]Pin),
		stop:  make(chan struct{}),
	}
}

// Pin stores or replaces the room's pin.
func (p *Pins) Pin(room xmpp.JID, version string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[room] = Pin{
		Room:    room,
		Version: version,
		Expires: p.clock.Now().Add(duration),
	}
}

// Unpin removes the room's pin if present.
func (p *Pins) Unpin(room xmpp.JID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pins, room)
}

// VersionForRoom returns the pinned version for a room, or "" if the room is
// unpinned or the pin expired.
func (p *Pins) VersionForRoom(room xmpp.JID) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, ok := p.pins[room]
	if !ok {
		return ""
	}
	if !p.clock.Now().Before(pin.Expires) {
		delete(p.pins, room)
		return ""
	}
	return pin.Version
}

// Snapshot returns the unexpired pins.
func (p *Pins) Snapshot() []Pin {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	list := make([]Pin, 0, len(p.pins))
	for _, pin := range p.pins {
		if now.Before(pin.Expires) {
			list = append(list, pin)
		}
	}
	return list
}

// StartSweeper removes expired pins periodically until Close.
func (p *Pins) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Pins) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Pins) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for room, pin := range p.pins {
		if !now.Before(pin.Expires) {
			delete(p.pins, room)
		}
	}
}
