package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/execution-hub/lockstep/internal/lockstep/channel"
	"github.com/execution-hub/lockstep/internal/lockstep/clock"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
	"github.com/execution-hub/lockstep/internal/lockstep/validation"
)

// RegisterHosted adds a faction played on the authority node, such as an NPC. It is
// validated directly and fed batches by loopback. sim may be nil.
func (c *Coordinator) RegisterHosted(ctx context.Context, faction protocol.FactionID, sim Simulation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	if c.cfg.Role != RoleAuthority {
		return ErrNotAuthority
	}
	return c.registerHosted(faction, sim)
}

func (c *Coordinator) registerHosted(faction protocol.FactionID, sim Simulation) error {
	if faction < 0 {
		return fmt.Errorf("invalid hosted faction: %d", faction)
	}
	if _, ok := c.members[faction]; ok {
		return fmt.Errorf("faction %d already registered", faction)
	}
	ts, err := c.vc.Request(faction, c.cfg.GameCode)
	if err != nil {
		return err
	}
	m := &member{faction: faction, hosted: true, acked: -1}
	m.ch = channel.New(channel.Config{
		Faction: faction,
		Relay: func(cmds []protocol.Command) error {
			c.assign(faction, cmds)
			return nil
		},
		Apply: c.hostedApply(faction, sim),
		Ack: func(turn protocol.Turn) error {
			c.onAck(faction, turn)
			return nil
		},
	})
	c.members[faction] = m
	c.logger.Info().Int("faction", int(faction)).Msg("hosted faction registered")
	c.broadcastValidation(ts)
	return nil
}

func (c *Coordinator) hostedApply(faction protocol.FactionID, sim Simulation) channel.Apply {
	return func(turn protocol.Turn, cmds []protocol.Command) error {
		if sim != nil {
			if err := sim.ApplyTurn(turn, cmds); err != nil {
				return err
			}
		}
		c.publish(Event{Kind: EventTurnApplied, Turn: turn, Faction: faction})
		return nil
	}
}

// Start closes the starting gate.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	if c.cfg.Role != RoleAuthority {
		return ErrNotAuthority
	}
	if c.vc.Started() {
		return nil
	}
	ts := c.vc.Start()
	c.logger.Info().Int("factions", c.vc.Len()).Msg("session starting")
	c.publish(Event{Kind: EventStarted})
	c.broadcastValidation(ts)
	return nil
}

// Pause freezes or resumes every faction. Inputs entered while paused are held and relayed
// in order on resume.
func (c *Coordinator) Pause(ctx context.Context, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	if c.cfg.Role != RoleAuthority {
		return ErrNotAuthority
	}
	if c.paused == paused {
		return nil
	}
	c.paused = paused
	if err := c.broadcast(protocol.OpPause, protocol.PausePayload{Paused: paused}); err != nil {
		c.logger.Warn().Err(err).Msg("pause broadcast failed")
	}
	for _, f := range c.memberIDs() {
		m := c.members[f]
		if !m.hosted || !c.globallyValidated(f) {
			continue
		}
		if err := m.ch.Pause(paused); err != nil {
			c.logger.Warn().Err(err).Int("faction", int(f)).Msg("hosted channel pause failed")
		}
	}
	c.logger.Info().Bool("paused", paused).Msg("session pause changed")
	c.publish(Event{Kind: EventPaused, Paused: paused})
	return nil
}

// Kick removes a faction from the session.
func (c *Coordinator) Kick(ctx context.Context, faction protocol.FactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	if c.cfg.Role != RoleAuthority {
		return ErrNotAuthority
	}
	if _, ok := c.members[faction]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFaction, faction)
	}
	c.remove(faction, validation.ReasonKicked)
	return nil
}

func (c *Coordinator) frozen() bool {
	return !c.vc.AllValidated() || c.paused || c.failed != nil
}

func (c *Coordinator) globallyValidated(f protocol.FactionID) bool {
	s, ok := c.vc.State(f)
	return ok && s == protocol.GloballyValidated
}

func (c *Coordinator) memberIDs() []protocol.FactionID {
	out := make([]protocol.FactionID, 0, len(c.members))
	for f := range c.members {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) handleAuthority(from protocol.FactionID, msg protocol.Message) {
	switch msg.Op {
	case protocol.OpValidateRequest:
		p, err := protocol.DecodePayload[protocol.ValidateRequestPayload](msg.Payload)
		if err != nil {
			c.violation(from, fmt.Errorf("decode validate request: %w", err))
			return
		}
		c.onValidateRequest(from, p.GameCode)
	case protocol.OpCommands:
		p, err := protocol.DecodePayload[protocol.CommandsPayload](msg.Payload)
		if err != nil {
			c.violation(from, fmt.Errorf("decode commands: %w", err))
			return
		}
		c.onCommands(from, p.Commands)
	case protocol.OpAck:
		p, err := protocol.DecodePayload[protocol.AckPayload](msg.Payload)
		if err != nil {
			c.violation(from, fmt.Errorf("decode ack: %w", err))
			return
		}
		c.onAck(from, p.Turn)
	default:
		c.violation(from, fmt.Errorf("unexpected op %s", msg.Op))
	}
}

func (c *Coordinator) onPeerJoined(f protocol.FactionID) {
	if f < 0 {
		return
	}
	if err := c.vc.Join(f); err != nil {
		c.reject(f, err)
		return
	}
	c.ensureRemote(f)
	c.logger.Info().Int("faction", int(f)).Msg("peer joined")
}

func (c *Coordinator) ensureRemote(f protocol.FactionID) {
	if _, ok := c.members[f]; ok {
		return
	}
	c.members[f] = &member{faction: f, acked: -1}
	c.tracker.Track(f)
}

func (c *Coordinator) onValidateRequest(f protocol.FactionID, gameCode string) {
	if f < 0 {
		return
	}
	ts, err := c.vc.Request(f, gameCode)
	if err != nil {
		c.reject(f, err)
		return
	}
	c.ensureRemote(f)
	c.broadcastValidation(ts)

	// bring a late joiner up to date with the roster
	if err := c.sendRoster(f, f); err != nil {
		c.logger.Warn().Err(err).Int("faction", int(f)).Msg("roster send failed")
		c.members[f].resync = true
	}
}

// sendRoster sends the validation state of every faction except skip to f.
func (c *Coordinator) sendRoster(f, skip protocol.FactionID) error {
	for _, other := range c.vc.Factions() {
		if other == skip {
			continue
		}
		s, _ := c.vc.State(other)
		if err := c.send(f, protocol.OpValidation, protocol.ValidationPayload{Faction: other, State: s}); err != nil {
			return err
		}
	}
	return nil
}

// resyncValidation resends the whole roster to factions that may have missed an update.
// Peers apply validation states forward only, so repeats are harmless.
func (c *Coordinator) resyncValidation() {
	for _, f := range c.memberIDs() {
		m := c.members[f]
		if m.hosted || !m.resync {
			continue
		}
		if err := c.sendRoster(f, protocol.AuthorityID); err != nil {
			c.logger.Debug().Err(err).Int("faction", int(f)).Msg("roster resync failed")
			continue
		}
		m.resync = false
	}
}

func (c *Coordinator) reject(f protocol.FactionID, err error) {
	reason := string(validation.ReasonProtocolViolation)
	var admission *validation.AdmissionError
	if errors.As(err, &admission) {
		reason = string(admission.Reason)
	}
	c.logger.Warn().Int("faction", int(f)).Str("reason", reason).Msg("admission rejected")
	if sendErr := c.send(f, protocol.OpRejected, protocol.RejectedPayload{Faction: f, Reason: reason}); sendErr != nil {
		c.logger.Warn().Err(sendErr).Int("faction", int(f)).Msg("rejection send failed")
	}
	c.publish(Event{Kind: EventRejected, Faction: f, Reason: reason})
	// a rejected connection must not keep receiving session traffic
	if _, member := c.members[f]; !member {
		if d, ok := c.transport.(Disconnector); ok {
			d.Disconnect(f)
		}
	}
}

func (c *Coordinator) broadcastValidation(ts []validation.Transition) {
	for _, t := range ts {
		if err := c.broadcast(protocol.OpValidation, protocol.ValidationPayload{Faction: t.Faction, State: t.To}); err != nil {
			c.logger.Warn().Err(err).Int("faction", int(t.Faction)).Msg("validation broadcast failed")
			c.markResync()
		}
		c.publish(Event{Kind: EventValidation, Faction: t.Faction, State: t.To.String()})
		if t.To != protocol.GloballyValidated || c.paused {
			continue
		}
		if m, ok := c.members[t.Faction]; ok && m.hosted {
			if err := m.ch.Pause(false); err != nil {
				c.logger.Warn().Err(err).Int("faction", int(t.Faction)).Msg("hosted channel resume failed")
			}
		}
	}
	c.announce()
}

func (c *Coordinator) markResync() {
	for _, m := range c.members {
		if !m.hosted {
			m.resync = true
		}
	}
}

func (c *Coordinator) announce() {
	if c.announced || !c.vc.AllValidated() {
		return
	}
	c.announced = true
	c.logger.Info().Int("factions", c.vc.Len()).Msg("all factions validated")
	c.publish(Event{Kind: EventAllValidated})
}

// resumeHosted retries resuming hosted channels left paused by a failed relay.
func (c *Coordinator) resumeHosted() {
	if c.paused {
		return
	}
	for _, f := range c.memberIDs() {
		m := c.members[f]
		if m.hosted && m.ch.Paused() && c.globallyValidated(f) {
			_ = m.ch.Pause(false)
		}
	}
}

func (c *Coordinator) onCommands(f protocol.FactionID, cmds []protocol.Command) {
	if _, ok := c.members[f]; !ok {
		c.logger.Warn().Int("faction", int(f)).Msg("commands from unknown faction")
		return
	}
	if s, _ := c.vc.State(f); s == protocol.Unvalidated {
		c.logger.Warn().Int("faction", int(f)).Msg("commands from unvalidated faction")
		return
	}
	c.assign(f, cmds)
}

// assign stamps authoritative sequence ids in arrival order.
func (c *Coordinator) assign(f protocol.FactionID, cmds []protocol.Command) {
	for _, cmd := range cmds {
		c.nextID++
		c.pending = append(c.pending, protocol.Command{
			FactionID:  f,
			SequenceID: c.nextID,
			Payload:    cmd.Payload,
		})
	}
}

func (c *Coordinator) onAck(f protocol.FactionID, turn protocol.Turn) {
	m, ok := c.members[f]
	if !ok {
		return
	}
	switch {
	case turn <= m.acked:
		// duplicate
	case c.last == nil || turn != m.acked+1 || turn > c.last.Turn:
		c.violation(f, fmt.Errorf("ack for turn %d, expected %d", turn, m.acked+1))
	default:
		m.acked = turn
		if m.hosted || m.resent {
			return
		}
		sample := c.now().Sub(m.sentAt)
		if sample > 0 {
			m.rtt = sample
			c.tracker.Record(f, sample)
		}
	}
}

// step runs once per clock fire.
func (c *Coordinator) step() {
	if c.last != nil {
		if lag := c.laggards(); len(lag) > 0 {
			c.resend(*c.last, lag)
			c.logger.Warn().Int64("turn", int64(c.last.Turn)).Ints("laggards", factionInts(lag)).Msg("turn stalled")
			c.publish(Event{Kind: EventStalled, Turn: c.last.Turn, Laggards: lag})
			return
		}
	}

	batch := protocol.CommandBatch{Turn: c.turn, Commands: c.pending, LastSequenceID: c.nextID}
	if batch.Commands == nil {
		batch.Commands = []protocol.Command{}
	}
	c.pending = nil
	c.turn++
	c.last = &batch
	c.clock.TurnCompleted()

	if c.journal != nil {
		if err := c.journal.Append(batch); err != nil {
			c.logger.Error().Err(err).Int64("turn", int64(batch.Turn)).Msg("journal append failed")
		}
	}
	c.logger.Debug().Int64("turn", int64(batch.Turn)).Int("commands", len(batch.Commands)).Msg("batch sent")
	c.sendBatch(batch)
}

func (c *Coordinator) laggards() []protocol.FactionID {
	var out []protocol.FactionID
	for _, f := range c.memberIDs() {
		if c.members[f].acked < c.last.Turn {
			out = append(out, f)
		}
	}
	return out
}

func (c *Coordinator) sendBatch(batch protocol.CommandBatch) {
	now := c.now()
	for _, m := range c.members {
		m.sentAt = now
		m.resent = false
	}
	c.deliver(batch, c.memberIDs())
}

// resend repeats the last batch to laggards. Their next ack cannot be matched to one
// send, so it yields no RTT sample.
func (c *Coordinator) resend(batch protocol.CommandBatch, to []protocol.FactionID) {
	for _, f := range to {
		if m, ok := c.members[f]; ok {
			m.resent = true
		}
	}
	c.deliver(batch, to)
}

func (c *Coordinator) deliver(batch protocol.CommandBatch, to []protocol.FactionID) {
	for _, f := range to {
		m, ok := c.members[f]
		if !ok {
			continue
		}
		if m.hosted {
			if _, err := m.ch.Deliver(batch); err != nil {
				c.violation(f, err)
			}
			continue
		}
		payload := protocol.BatchPayload{Batch: batch, RelayedRTT: c.tracker.Average(f)}
		if err := c.send(f, protocol.OpBatch, payload); err != nil {
			c.logger.Warn().Err(err).Int("faction", int(f)).Int64("turn", int64(batch.Turn)).Msg("batch send failed")
		}
	}
}

func (c *Coordinator) remove(f protocol.FactionID, reason validation.Reason) {
	_, known := c.members[f]
	delete(c.members, f)
	if c.tracker != nil {
		c.tracker.Forget(f)
	}
	ts, err := c.vc.Remove(f)
	if err != nil && !known {
		return
	}
	if err := c.broadcast(protocol.OpRemoved, protocol.RemovedPayload{Faction: f, Reason: string(reason)}); err != nil {
		c.logger.Warn().Err(err).Int("faction", int(f)).Msg("removal broadcast failed")
	}
	c.logger.Info().Int("faction", int(f)).Str("reason", string(reason)).Msg("faction removed")
	c.publish(Event{Kind: EventPeerRemoved, Faction: f, Reason: string(reason)})
	c.broadcastValidation(ts)
}

func (c *Coordinator) onDurationChange(ch clock.DurationChange) {
	c.logger.Warn().
		Dur("old", ch.Old).
		Dur("new", ch.New).
		Int64("completed", ch.Completed).
		Msg("turn duration changed")
	c.publish(Event{Kind: EventDurationChanged, Duration: ch.New})
}

func factionInts(fs []protocol.FactionID) []int {
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out
}
