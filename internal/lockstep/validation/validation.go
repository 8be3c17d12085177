package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// Reason explains why a faction was rejected or removed.
type Reason string

const (
	ReasonSessionStarting    Reason = "SESSION_STARTING"
	ReasonIdentifierMismatch Reason = "IDENTIFIER_MISMATCH"
	ReasonCapacityExceeded   Reason = "CAPACITY_EXCEEDED"
	ReasonPeerLeft           Reason = "PEER_LEFT"
	ReasonProtocolViolation  Reason = "PROTOCOL_VIOLATION"
	ReasonKicked             Reason = "KICKED"
)

var (
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrUnknownFaction    = errors.New("unknown faction")
)

// AdmissionError is returned to a rejected requester. It is never fatal to the session.
type AdmissionError struct {
	Faction protocol.FactionID
	Reason  Reason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("faction %d: %s: %s", e.Faction, ErrAdmissionRejected, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// Transition is one faction state change, broadcast by the authority.
type Transition struct {
	Faction protocol.FactionID
	From    protocol.ValidationState
	To      protocol.ValidationState
}

// Config holds admission preconditions. A zero Capacity means unbounded.
type Config struct {
	GameCode string
	Capacity int
}

// Coordinator is the per-session handshake state machine. The authority drives it through
// Join/Request/Start/Remove; peers mirror the authority's broadcasts through Apply.
type Coordinator struct {
	cfg          Config
	started      bool
	allValidated bool
	states       map[protocol.FactionID]protocol.ValidationState
}

func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		states: make(map[protocol.FactionID]protocol.ValidationState),
	}
}

// Join registers a faction that is expected to validate.
func (c *Coordinator) Join(faction protocol.FactionID) error {
	if _, ok := c.states[faction]; ok {
		return nil
	}
	if c.started {
		return &AdmissionError{Faction: faction, Reason: ReasonSessionStarting}
	}
	if c.cfg.Capacity > 0 && len(c.states) >= c.cfg.Capacity {
		return &AdmissionError{Faction: faction, Reason: ReasonCapacityExceeded}
	}
	c.states[faction] = protocol.Unvalidated
	return nil
}

// Request admits a faction and moves it to LocallyValidated. A repeated request for an
// admitted faction is a no-op.
func (c *Coordinator) Request(faction protocol.FactionID, gameCode string) ([]Transition, error) {
	if gameCode != c.cfg.GameCode {
		return nil, &AdmissionError{Faction: faction, Reason: ReasonIdentifierMismatch}
	}
	if err := c.Join(faction); err != nil {
		return nil, err
	}
	if c.states[faction] != protocol.Unvalidated {
		return nil, nil
	}
	c.states[faction] = protocol.LocallyValidated
	out := []Transition{{Faction: faction, From: protocol.Unvalidated, To: protocol.LocallyValidated}}
	return append(out, c.recompute()...), nil
}

// Start closes the starting gate. No unknown faction may join afterwards.
func (c *Coordinator) Start() []Transition {
	c.started = true
	return c.recompute()
}

// Remove drops a faction from the aggregate.
func (c *Coordinator) Remove(faction protocol.FactionID) ([]Transition, error) {
	if _, ok := c.states[faction]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFaction, faction)
	}
	delete(c.states, faction)
	return c.recompute(), nil
}

// Apply mirrors a state broadcast by the authority. States only move forward.
func (c *Coordinator) Apply(faction protocol.FactionID, state protocol.ValidationState) []Transition {
	prev, ok := c.states[faction]
	if ok && state <= prev {
		return nil
	}
	c.states[faction] = state
	out := []Transition{{Faction: faction, From: prev, To: state}}
	if state == protocol.GloballyValidated {
		c.started = true
		c.allValidated = c.every(protocol.GloballyValidated)
	}
	return out
}

func (c *Coordinator) recompute() []Transition {
	if c.allValidated || !c.started || len(c.states) == 0 {
		return nil
	}
	if !c.every(protocol.LocallyValidated) {
		return nil
	}
	c.allValidated = true
	out := make([]Transition, 0, len(c.states))
	for _, f := range c.Factions() {
		out = append(out, Transition{Faction: f, From: c.states[f], To: protocol.GloballyValidated})
		c.states[f] = protocol.GloballyValidated
	}
	return out
}

func (c *Coordinator) every(atLeast protocol.ValidationState) bool {
	if len(c.states) == 0 {
		return false
	}
	for _, s := range c.states {
		if s < atLeast {
			return false
		}
	}
	return true
}

// State returns a faction's state and whether it is present.
func (c *Coordinator) State(faction protocol.FactionID) (protocol.ValidationState, bool) {
	s, ok := c.states[faction]
	return s, ok
}

func (c *Coordinator) AllValidated() bool { return c.allValidated }
func (c *Coordinator) Started() bool      { return c.started }
func (c *Coordinator) Len() int           { return len(c.states) }

// Factions lists present factions in ascending order.
func (c *Coordinator) Factions() []protocol.FactionID {
	out := make([]protocol.FactionID, 0, len(c.states))
	for f := range c.states {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
