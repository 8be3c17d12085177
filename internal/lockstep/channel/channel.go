package channel

import (
	"errors"
	"fmt"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

var (
	// ErrOutOfOrderInput means a sequence id skipped ahead of lastAckedID+1.
	ErrOutOfOrderInput = errors.New("out of order input")
	// ErrTurnSkipped means a batch arrived for a turn after the local one.
	ErrTurnSkipped = errors.New("turn skipped")
	// ErrMalformedBatch means a batch failed structural validation.
	ErrMalformedBatch = errors.New("malformed batch")
)

// Relay hands commands to the authoritative role.
type Relay func(cmds []protocol.Command) error

// Apply delivers one turn's ordered commands to the simulation.
type Apply func(turn protocol.Turn, cmds []protocol.Command) error

// Ack confirms a turn to the sender.
type Ack func(turn protocol.Turn) error

// Config wires a channel to its collaborators. Apply may be nil for factions that do not
// drive a local simulation.
type Config struct {
	Faction protocol.FactionID
	Relay   Relay
	Apply   Apply
	Ack     Ack
}

// Receipt describes what one delivery did.
type Receipt struct {
	Accepted   int
	Duplicates int
	Resend     bool
	Applied    bool
	Acked      bool
}

func (r Receipt) merge(o Receipt) Receipt {
	r.Accepted += o.Accepted
	r.Duplicates += o.Duplicates
	r.Resend = r.Resend || o.Resend
	r.Applied = r.Applied || o.Applied
	r.Acked = r.Acked || o.Acked
	return r
}

// Channel is the input mailbox of one faction. It starts paused until the faction is
// globally validated. Not safe for concurrent use.
type Channel struct {
	faction protocol.FactionID
	relay   Relay
	apply   Apply
	ack     Ack

	turn        protocol.Turn
	lastSentID  int64
	lastAckedID int64
	buffered    []protocol.Command
	pending     []protocol.Command
	paused      bool
	err         error
}

func New(cfg Config) *Channel {
	return &Channel{
		faction: cfg.Faction,
		relay:   cfg.Relay,
		apply:   cfg.Apply,
		ack:     cfg.Ack,
		paused:  true,
	}
}

// Enqueue relays commands, or holds them while the channel is paused.
func (c *Channel) Enqueue(cmds ...protocol.Command) error {
	if c.err != nil {
		return c.err
	}
	if len(cmds) == 0 {
		return nil
	}
	if c.paused {
		c.pending = append(c.pending, cmds...)
		return nil
	}
	return c.relayCommands(cmds)
}

// Pause freezes or resumes the channel. Resuming relays held commands in enqueue order.
func (c *Channel) Pause(enable bool) error {
	c.paused = enable
	if enable || len(c.pending) == 0 || c.err != nil {
		return nil
	}
	held := c.pending
	c.pending = nil
	if err := c.relayCommands(held); err != nil {
		// stay paused so later commands cannot overtake the held ones
		c.paused = true
		c.pending = append(held, c.pending...)
		return err
	}
	return nil
}

func (c *Channel) relayCommands(cmds []protocol.Command) error {
	if c.relay == nil {
		return errors.New("channel has no relay")
	}
	for i := range cmds {
		cmds[i].FactionID = c.faction
	}
	return c.relay(cmds)
}

// ReceiveBatch accepts the gap-free prefix of batch commands. Ids at or below lastAckedID
// are duplicate re-deliveries and are dropped.
func (c *Channel) ReceiveBatch(batch protocol.CommandBatch) (Receipt, error) {
	var r Receipt
	if c.err != nil {
		return r, c.err
	}
	if err := batch.Validate(); err != nil {
		return r, c.fail(fmt.Errorf("%w: %v", ErrMalformedBatch, err))
	}
	if batch.Turn > c.turn {
		return r, c.fail(fmt.Errorf("%w: faction %d expected turn %d, got %d", ErrTurnSkipped, c.faction, c.turn, batch.Turn))
	}
	r.Resend = batch.Turn < c.turn
	for _, cmd := range batch.Commands {
		switch {
		case cmd.SequenceID <= c.lastAckedID:
			r.Duplicates++
		case cmd.SequenceID == c.lastAckedID+1 && !r.Resend:
			c.lastAckedID++
			c.buffered = append(c.buffered, cmd)
			r.Accepted++
		default:
			return r, c.fail(fmt.Errorf("%w: faction %d expected id %d, got %d", ErrOutOfOrderInput, c.faction, c.lastAckedID+1, cmd.SequenceID))
		}
	}
	return r, nil
}

// FlushOnFullAcknowledgement applies the buffered commands once every id through
// batch.LastSequenceID is acknowledged. A batch for an already applied turn is only
// re-acknowledged.
func (c *Channel) FlushOnFullAcknowledgement(batch protocol.CommandBatch) (Receipt, error) {
	var r Receipt
	if c.err != nil {
		return r, c.err
	}
	if batch.Turn > c.turn {
		return r, c.fail(fmt.Errorf("%w: faction %d expected turn %d, got %d", ErrTurnSkipped, c.faction, c.turn, batch.Turn))
	}
	if batch.Turn < c.turn {
		r.Resend = true
		if err := c.sendAck(batch.Turn); err != nil {
			return r, err
		}
		r.Acked = true
		return r, nil
	}
	if c.lastAckedID != batch.LastSequenceID {
		return r, nil
	}

	cmds := c.buffered
	c.buffered = nil
	if c.apply != nil {
		if err := c.apply(batch.Turn, cmds); err != nil {
			return r, c.fail(fmt.Errorf("apply turn %d: %w", batch.Turn, err))
		}
	}
	r.Applied = true
	c.turn++
	c.lastSentID = batch.LastSequenceID
	if err := c.sendAck(batch.Turn); err != nil {
		return r, err
	}
	r.Acked = true
	return r, nil
}

// Deliver receives a batch and flushes it when complete.
func (c *Channel) Deliver(batch protocol.CommandBatch) (Receipt, error) {
	r, err := c.ReceiveBatch(batch)
	if err != nil {
		return r, err
	}
	flushed, err := c.FlushOnFullAcknowledgement(batch)
	return r.merge(flushed), err
}

func (c *Channel) sendAck(turn protocol.Turn) error {
	if c.ack == nil {
		return nil
	}
	return c.ack(turn)
}

func (c *Channel) fail(err error) error {
	c.err = err
	return err
}

func (c *Channel) Faction() protocol.FactionID { return c.faction }
func (c *Channel) Turn() protocol.Turn         { return c.turn }
func (c *Channel) LastAckedID() int64          { return c.lastAckedID }
func (c *Channel) LastSentID() int64           { return c.lastSentID }
func (c *Channel) Paused() bool                { return c.paused }
func (c *Channel) Failed() error               { return c.err }

// Pending returns a copy of the commands held while paused.
func (c *Channel) Pending() []protocol.Command {
	return append([]protocol.Command(nil), c.pending...)
}
