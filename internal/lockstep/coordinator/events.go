package coordinator

import (
	"sync"
	"time"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// EventKind names a session event.
type EventKind string

const (
	EventValidation      EventKind = "validation"
	EventAllValidated    EventKind = "all_validated"
	EventStarted         EventKind = "started"
	EventRejected        EventKind = "rejected"
	EventTurnApplied     EventKind = "turn_applied"
	EventStalled         EventKind = "stalled"
	EventDurationChanged EventKind = "duration_changed"
	EventPeerRemoved     EventKind = "peer_removed"
	EventPaused          EventKind = "paused"
	EventFatal           EventKind = "fatal"
)

// Event is published to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind            `json:"kind"`
	At       time.Time            `json:"at"`
	Turn     protocol.Turn        `json:"turn,omitempty"`
	Faction  protocol.FactionID   `json:"faction,omitempty"`
	State    string               `json:"state,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Duration time.Duration        `json:"duration_ns,omitempty"`
	Laggards []protocol.FactionID `json:"laggards,omitempty"`
	Paused   bool                 `json:"paused,omitempty"`
	Err      string               `json:"error,omitempty"`
}

// Subscribe registers a listener. Events are dropped for a subscriber whose buffer is full.
// The returned func unsubscribes and closes the channel.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.nextSu
	c.nextSu++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		trySend(ch, ev)
	}
}

func trySend(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
