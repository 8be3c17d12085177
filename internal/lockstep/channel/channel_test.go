package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

type recorder struct {
	relayed [][]protocol.Command
	applied []protocol.Turn
	batches [][]protocol.Command
	acks    []protocol.Turn
}

func (r *recorder) channel(faction protocol.FactionID) *Channel {
	return New(Config{
		Faction: faction,
		Relay: func(cmds []protocol.Command) error {
			r.relayed = append(r.relayed, append([]protocol.Command(nil), cmds...))
			return nil
		},
		Apply: func(turn protocol.Turn, cmds []protocol.Command) error {
			r.applied = append(r.applied, turn)
			r.batches = append(r.batches, cmds)
			return nil
		},
		Ack: func(turn protocol.Turn) error {
			r.acks = append(r.acks, turn)
			return nil
		},
	})
}

func cmd(faction protocol.FactionID, id int64) protocol.Command {
	return protocol.Command{FactionID: faction, SequenceID: id, Payload: json.RawMessage(`{}`)}
}

func batch(turn protocol.Turn, last int64, cmds ...protocol.Command) protocol.CommandBatch {
	return protocol.CommandBatch{Turn: turn, LastSequenceID: last, Commands: cmds}
}

func TestDeliverAppliesInOrderAndAdvancesTurn(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	r, err := ch.Deliver(batch(0, 2, cmd(1, 1), cmd(2, 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Accepted)
	assert.True(t, r.Applied)
	assert.True(t, r.Acked)

	_, err = ch.Deliver(batch(1, 2))
	require.NoError(t, err)

	_, err = ch.Deliver(batch(2, 3, cmd(2, 3)))
	require.NoError(t, err)

	assert.Equal(t, []protocol.Turn{0, 1, 2}, rec.applied)
	assert.Equal(t, []protocol.Turn{0, 1, 2}, rec.acks)
	assert.Equal(t, protocol.Turn(3), ch.Turn())
	assert.Equal(t, int64(3), ch.LastAckedID())
	assert.Equal(t, int64(3), ch.LastSentID())
	require.Len(t, rec.batches[0], 2)
	assert.Equal(t, int64(1), rec.batches[0][0].SequenceID)
	assert.Equal(t, int64(2), rec.batches[0][1].SequenceID)
	assert.Empty(t, rec.batches[1])
}

func TestDuplicateIdsAreIgnored(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	_, err := ch.Deliver(batch(0, 2, cmd(1, 1), cmd(1, 2)))
	require.NoError(t, err)

	r, err := ch.Deliver(batch(1, 3, cmd(1, 1), cmd(1, 2), cmd(1, 3)))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Duplicates)
	assert.Equal(t, 1, r.Accepted)
	require.Len(t, rec.batches, 2)
	require.Len(t, rec.batches[1], 1)
	assert.Equal(t, int64(3), rec.batches[1][0].SequenceID)
}

func TestGapIsFatal(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	_, err := ch.Deliver(batch(0, 3, cmd(1, 1), cmd(1, 3)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfOrderInput))
	assert.Empty(t, rec.applied)
	assert.Empty(t, rec.acks)

	// latched
	_, err = ch.Deliver(batch(0, 1, cmd(1, 1)))
	assert.True(t, errors.Is(err, ErrOutOfOrderInput))
	assert.True(t, errors.Is(ch.Failed(), ErrOutOfOrderInput))
}

func TestSkippedTurnIsFatal(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	_, err := ch.Deliver(batch(1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTurnSkipped))
	assert.Empty(t, rec.applied)
}

func TestResendOfAppliedTurnOnlyReacks(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	first := batch(0, 1, cmd(2, 1))
	_, err := ch.Deliver(first)
	require.NoError(t, err)

	r, err := ch.Deliver(first)
	require.NoError(t, err)
	assert.True(t, r.Resend)
	assert.False(t, r.Applied)
	assert.True(t, r.Acked)
	assert.Equal(t, 1, r.Duplicates)

	// an older resend is still only re-acknowledged
	_, err = ch.Deliver(batch(1, 1))
	require.NoError(t, err)
	_, err = ch.Deliver(first)
	require.NoError(t, err)

	assert.Equal(t, []protocol.Turn{0, 1}, rec.applied)
	assert.Equal(t, []protocol.Turn{0, 0, 1, 0}, rec.acks)
	assert.Equal(t, protocol.Turn(2), ch.Turn())
}

func TestResendCarryingNewIdIsFatal(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	_, err := ch.Deliver(batch(0, 1, cmd(1, 1)))
	require.NoError(t, err)

	_, err = ch.Deliver(batch(0, 2, cmd(1, 1), cmd(1, 2)))
	assert.True(t, errors.Is(err, ErrOutOfOrderInput))
}

func TestMalformedBatchIsFatal(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	_, err := ch.Deliver(batch(0, 1, cmd(1, 2), cmd(1, 1)))
	assert.True(t, errors.Is(err, ErrMalformedBatch))
}

func TestIncompleteBatchWaits(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(1)

	r, err := ch.Deliver(batch(0, 2, cmd(1, 1)))
	require.NoError(t, err)
	assert.False(t, r.Applied)
	assert.Empty(t, rec.acks)
	assert.Equal(t, protocol.Turn(0), ch.Turn())
}

func TestEnqueueHoldsWhilePausedAndFlushesInOrder(t *testing.T) {
	rec := &recorder{}
	ch := rec.channel(4)
	require.True(t, ch.Paused())

	for i := 0; i < 3; i++ {
		raw, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, ch.Enqueue(protocol.Command{Payload: raw}))
	}
	assert.Empty(t, rec.relayed)
	assert.Len(t, ch.Pending(), 3)

	require.NoError(t, ch.Pause(false))
	require.Len(t, rec.relayed, 1)
	require.Len(t, rec.relayed[0], 3)
	for i, c := range rec.relayed[0] {
		assert.Equal(t, protocol.FactionID(4), c.FactionID)
		assert.JSONEq(t, `{"n":`+string(rune('0'+i))+`}`, string(c.Payload))
	}
	assert.Empty(t, ch.Pending())

	require.NoError(t, ch.Enqueue(protocol.Command{Payload: json.RawMessage(`{"n":9}`)}))
	assert.Len(t, rec.relayed, 2)
}

func TestPauseKeepsHeldCommandsWhenRelayFails(t *testing.T) {
	fail := true
	ch := New(Config{
		Faction: 1,
		Relay: func([]protocol.Command) error {
			if fail {
				return errors.New("link down")
			}
			return nil
		},
	})
	require.NoError(t, ch.Enqueue(protocol.Command{Payload: json.RawMessage(`1`)}))

	require.Error(t, ch.Pause(false))
	assert.Len(t, ch.Pending(), 1)
	assert.True(t, ch.Paused())

	fail = false
	require.NoError(t, ch.Pause(false))
	assert.Empty(t, ch.Pending())
}

func TestFailedAckIsRecoveredByResend(t *testing.T) {
	var applied, acks []protocol.Turn
	failNext := true
	ch := New(Config{
		Faction: 1,
		Apply: func(turn protocol.Turn, _ []protocol.Command) error {
			applied = append(applied, turn)
			return nil
		},
		Ack: func(turn protocol.Turn) error {
			if failNext {
				failNext = false
				return errors.New("send buffer full")
			}
			acks = append(acks, turn)
			return nil
		},
	})

	first := batch(0, 1, cmd(1, 1))
	r, err := ch.Deliver(first)
	require.Error(t, err)
	assert.True(t, r.Applied)
	assert.False(t, r.Acked)
	assert.NoError(t, ch.Failed())
	assert.Equal(t, protocol.Turn(1), ch.Turn())

	r, err = ch.Deliver(first)
	require.NoError(t, err)
	assert.True(t, r.Resend)
	assert.True(t, r.Acked)

	_, err = ch.Deliver(batch(1, 1))
	require.NoError(t, err)
	assert.Equal(t, []protocol.Turn{0, 1}, applied)
	assert.Equal(t, []protocol.Turn{0, 1}, acks)
}
