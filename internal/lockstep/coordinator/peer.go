package coordinator

import (
	"fmt"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

func (c *Coordinator) relayToAuthority(cmds []protocol.Command) error {
	return c.send(protocol.AuthorityID, protocol.OpCommands, protocol.CommandsPayload{Commands: cmds})
}

func (c *Coordinator) ackToAuthority(turn protocol.Turn) error {
	return c.send(protocol.AuthorityID, protocol.OpAck, protocol.AckPayload{Turn: turn})
}

func (c *Coordinator) applyLocal(turn protocol.Turn, cmds []protocol.Command) error {
	if c.sim != nil {
		if err := c.sim.ApplyTurn(turn, cmds); err != nil {
			return err
		}
	}
	if c.journal != nil {
		batch := protocol.CommandBatch{Turn: turn, Commands: cmds, LastSequenceID: c.local.LastAckedID()}
		if err := c.journal.Append(batch); err != nil {
			c.logger.Error().Err(err).Int64("turn", int64(turn)).Msg("journal append failed")
		}
	}
	c.publish(Event{Kind: EventTurnApplied, Turn: turn, Faction: c.cfg.Faction})
	return nil
}

func (c *Coordinator) handlePeer(from protocol.FactionID, msg protocol.Message) {
	if from != protocol.AuthorityID {
		c.logger.Warn().Int("from", int(from)).Str("op", string(msg.Op)).Msg("ignoring message from non-authority")
		return
	}
	if c.failed != nil {
		return
	}
	switch msg.Op {
	case protocol.OpBatch:
		p, err := protocol.DecodePayload[protocol.BatchPayload](msg.Payload)
		if err != nil {
			c.halt(fmt.Errorf("decode batch: %w", err))
			return
		}
		c.onBatch(p)
	case protocol.OpValidation:
		p, err := protocol.DecodePayload[protocol.ValidationPayload](msg.Payload)
		if err != nil {
			c.halt(fmt.Errorf("decode validation: %w", err))
			return
		}
		c.onValidation(p)
	case protocol.OpRejected:
		p, err := protocol.DecodePayload[protocol.RejectedPayload](msg.Payload)
		if err != nil {
			c.halt(fmt.Errorf("decode rejection: %w", err))
			return
		}
		if p.Faction == c.cfg.Faction {
			c.logger.Warn().Str("reason", p.Reason).Msg("admission rejected by authority")
			c.publish(Event{Kind: EventRejected, Faction: p.Faction, Reason: p.Reason})
		}
	case protocol.OpPause:
		p, err := protocol.DecodePayload[protocol.PausePayload](msg.Payload)
		if err != nil {
			c.halt(fmt.Errorf("decode pause: %w", err))
			return
		}
		c.onPause(p.Paused)
	case protocol.OpRemoved:
		p, err := protocol.DecodePayload[protocol.RemovedPayload](msg.Payload)
		if err != nil {
			c.halt(fmt.Errorf("decode removal: %w", err))
			return
		}
		c.onRemoved(p)
	default:
		c.logger.Warn().Str("op", string(msg.Op)).Msg("unexpected op from authority")
	}
}

func (c *Coordinator) onBatch(p protocol.BatchPayload) {
	r, err := c.local.Deliver(p.Batch)
	if err != nil {
		if c.local.Failed() != nil {
			c.halt(err)
			return
		}
		// a lost ack is recovered by the authority's resend
		c.logger.Warn().Err(err).Int64("turn", int64(p.Batch.Turn)).Msg("ack send failed")
	}
	if p.RelayedRTT > 0 {
		c.relayedRTT = p.RelayedRTT
	}
	c.logger.Debug().
		Int64("turn", int64(p.Batch.Turn)).
		Int("accepted", r.Accepted).
		Int("duplicates", r.Duplicates).
		Bool("resend", r.Resend).
		Bool("applied", r.Applied).
		Msg("batch received")
}

func (c *Coordinator) onValidation(p protocol.ValidationPayload) {
	for _, t := range c.vc.Apply(p.Faction, p.State) {
		c.publish(Event{Kind: EventValidation, Faction: t.Faction, State: t.To.String()})
	}
	if p.Faction == c.cfg.Faction && p.State == protocol.GloballyValidated {
		c.logger.Info().Msg("faction globally validated")
		c.resumeLocal()
	}
	c.announce()
}

func (c *Coordinator) onPause(paused bool) {
	c.paused = paused
	if c.localValidated() {
		if err := c.local.Pause(paused); err != nil {
			c.logger.Warn().Err(err).Msg("local channel resume failed")
		}
	}
	c.logger.Info().Bool("paused", paused).Msg("session pause changed")
	c.publish(Event{Kind: EventPaused, Paused: paused})
}

func (c *Coordinator) onRemoved(p protocol.RemovedPayload) {
	_, _ = c.vc.Remove(p.Faction)
	c.publish(Event{Kind: EventPeerRemoved, Faction: p.Faction, Reason: p.Reason})
	if p.Faction == c.cfg.Faction {
		c.halt(fmt.Errorf("%w: %s", ErrRemoved, p.Reason))
	}
}

func (c *Coordinator) localValidated() bool {
	s, ok := c.vc.State(c.cfg.Faction)
	return ok && s == protocol.GloballyValidated
}

// resumeLocal opens the local channel once the faction is globally validated, flushing
// commands entered before validation.
func (c *Coordinator) resumeLocal() {
	if c.paused || c.failed != nil || !c.local.Paused() || !c.localValidated() {
		return
	}
	if err := c.local.Pause(false); err != nil {
		c.logger.Warn().Err(err).Msg("local channel resume failed")
	}
}
