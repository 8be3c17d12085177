package coordinator

import (
	"time"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

type FactionStatus struct {
	Faction   protocol.FactionID       `json:"faction"`
	State     protocol.ValidationState `json:"state"`
	Hosted    bool                     `json:"hosted,omitempty"`
	AckedTurn protocol.Turn            `json:"acked_turn"`
	RTT       time.Duration            `json:"rtt_ns,omitempty"`
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID      string             `json:"session_id"`
	Role           string             `json:"role"`
	Faction        protocol.FactionID `json:"faction"`
	Turn           protocol.Turn      `json:"turn"`
	TurnDuration   time.Duration      `json:"turn_duration_ns,omitempty"`
	Adaptive       bool               `json:"adaptive"`
	Started        bool               `json:"started"`
	AllValidated   bool               `json:"all_validated"`
	Paused         bool               `json:"paused"`
	Frozen         bool               `json:"frozen"`
	LastSequenceID int64              `json:"last_sequence_id"`
	PendingInputs  int                `json:"pending_inputs"`
	Failed         string             `json:"failed,omitempty"`
	Factions       []FactionStatus    `json:"factions"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		SessionID:    c.cfg.SessionID,
		Role:         c.cfg.Role.String(),
		Faction:      c.cfg.Faction,
		Started:      c.vc.Started(),
		AllValidated: c.vc.AllValidated(),
		Paused:       c.paused,
		Factions:     []FactionStatus{},
	}
	if c.failed != nil {
		s.Failed = c.failed.Error()
	}

	if c.cfg.Role == RolePeer {
		s.Turn = c.local.Turn()
		s.LastSequenceID = c.local.LastAckedID()
		s.PendingInputs = len(c.local.Pending())
		s.Frozen = c.paused || c.failed != nil || !c.localValidated()
		for _, f := range c.vc.Factions() {
			state, _ := c.vc.State(f)
			fs := FactionStatus{Faction: f, State: state, AckedTurn: -1}
			if f == c.cfg.Faction {
				fs.AckedTurn = c.local.Turn() - 1
				fs.RTT = c.relayedRTT
			}
			s.Factions = append(s.Factions, fs)
		}
		return s
	}

	s.Turn = c.turn
	s.TurnDuration = c.clock.Duration()
	s.Adaptive = c.clock.Adaptive()
	s.LastSequenceID = c.nextID
	s.PendingInputs = len(c.pending)
	s.Frozen = c.frozen()
	for _, f := range c.memberIDs() {
		m := c.members[f]
		state, _ := c.vc.State(f)
		s.Factions = append(s.Factions, FactionStatus{
			Faction:   f,
			State:     state,
			Hosted:    m.hosted,
			AckedTurn: m.acked,
			RTT:       c.tracker.Average(f),
		})
	}
	return s
}
