package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/lockstep/internal/lockstep/clock"
	"github.com/execution-hub/lockstep/internal/lockstep/coordinator/mocks"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

const turnLength = 100 * time.Millisecond

// network connects one authority and its peers in memory.
type network struct {
	authority *Coordinator
	peers     map[protocol.FactionID]*Coordinator
	// drop reports whether a peer-to-authority message is lost.
	drop func(from protocol.FactionID, msg protocol.Message) bool
	// fail reports whether sending msg from one node to another returns an error.
	fail func(from, to protocol.FactionID, msg protocol.Message) bool
}

var errLinkDown = errors.New("send buffer full")

func (n *network) failed(from, to protocol.FactionID, msg protocol.Message) bool {
	return n.fail != nil && n.fail(from, to, msg)
}

type link struct {
	net  *network
	self protocol.FactionID
}

func (l *link) Send(_ context.Context, to protocol.FactionID, msg protocol.Message) error {
	if l.self != protocol.AuthorityID {
		if to != protocol.AuthorityID {
			return fmt.Errorf("peer %d cannot address %d", l.self, to)
		}
		if l.net.failed(l.self, to, msg) {
			return errLinkDown
		}
		if l.net.drop != nil && l.net.drop(l.self, msg) {
			return nil
		}
		l.net.authority.Deliver(l.self, msg)
		return nil
	}
	peer, ok := l.net.peers[to]
	if !ok {
		return errors.New("no such peer")
	}
	if l.net.failed(l.self, to, msg) {
		return errLinkDown
	}
	peer.Deliver(protocol.AuthorityID, msg)
	return nil
}

func (l *link) Broadcast(_ context.Context, msg protocol.Message) error {
	if l.self != protocol.AuthorityID {
		return errors.New("peers do not broadcast")
	}
	var errs []error
	for f, p := range l.net.peers {
		if l.net.failed(l.self, f, msg) {
			errs = append(errs, fmt.Errorf("faction %d: %w", f, errLinkDown))
			continue
		}
		p.Deliver(protocol.AuthorityID, msg)
	}
	return errors.Join(errs...)
}

type recordingSim struct {
	turns []protocol.Turn
	cmds  [][]protocol.Command
}

func (s *recordingSim) ApplyTurn(turn protocol.Turn, cmds []protocol.Command) error {
	s.turns = append(s.turns, turn)
	s.cmds = append(s.cmds, cmds)
	return nil
}

type memJournal struct{ batches []protocol.CommandBatch }

func (j *memJournal) Append(b protocol.CommandBatch) error {
	j.batches = append(j.batches, b)
	return nil
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type session struct {
	t     *testing.T
	ctx   context.Context
	net   *network
	clk   *fakeClock
	auth  *Coordinator
	host  *recordingSim
	peers map[protocol.FactionID]*Coordinator
}

func newSession(t *testing.T, opts ...Option) *session {
	t.Helper()
	s := &session{
		t:     t,
		ctx:   context.Background(),
		net:   &network{peers: map[protocol.FactionID]*Coordinator{}},
		clk:   &fakeClock{t: time.Unix(1700000000, 0)},
		host:  &recordingSim{},
		peers: map[protocol.FactionID]*Coordinator{},
	}
	opts = append(opts, WithNow(s.clk.now))
	auth, err := New(Config{
		Role:     RoleAuthority,
		Faction:  0,
		GameCode: "g",
		Clock:    clock.Config{Min: turnLength, Max: turnLength},
	}, &link{net: s.net, self: protocol.AuthorityID}, s.host, zerolog.Nop(), opts...)
	require.NoError(t, err)
	s.auth = auth
	s.net.authority = auth
	return s
}

func (s *session) addPeer(f protocol.FactionID, sim Simulation) *Coordinator {
	s.t.Helper()
	p, err := New(Config{Role: RolePeer, Faction: f, GameCode: "g"}, &link{net: s.net, self: f}, sim, zerolog.Nop())
	require.NoError(s.t, err)
	s.net.peers[f] = p
	s.peers[f] = p
	s.auth.PeerJoined(f)
	require.NoError(s.t, p.RequestValidation(s.ctx))
	return p
}

func (s *session) tickPeers() {
	for _, p := range s.peers {
		require.NoError(s.t, p.Tick(s.ctx, 0))
	}
}

// validate admits every peer and starts the session.
func (s *session) validate() {
	require.NoError(s.t, s.auth.Tick(s.ctx, 0))
	require.NoError(s.t, s.auth.Start(s.ctx))
	s.tickPeers()
	require.NoError(s.t, s.auth.Tick(s.ctx, 0))
}

// turns runs n authority turn boundaries, each followed by a peer tick.
func (s *session) turns(n int) {
	for i := 0; i < n; i++ {
		s.clk.advance(turnLength)
		require.NoError(s.t, s.auth.Tick(s.ctx, turnLength))
		s.tickPeers()
	}
}

func payload(n int) []byte {
	raw, _ := json.Marshal(map[string]int{"n": n})
	return raw
}

func TestLoopbackSessionAppliesEachTurnOnce(t *testing.T) {
	journal := &memJournal{}
	s := newSession(t, WithJournal(journal))
	sim := &recordingSim{}
	peer := s.addPeer(1, sim)

	s.validate()
	assert.True(t, s.auth.Status().AllValidated)
	assert.False(t, s.auth.Status().Frozen)

	require.NoError(t, peer.Enqueue(s.ctx, 1, payload(7)))
	require.NoError(t, s.auth.Enqueue(s.ctx, 0, payload(8)))
	s.turns(3)

	assert.Equal(t, []protocol.Turn{0, 1, 2}, sim.turns)
	assert.Equal(t, []protocol.Turn{0, 1, 2}, s.host.turns)
	// the hosted command is stamped at once, the peer's on the next drain
	require.Len(t, s.host.cmds[0], 2)
	assert.Equal(t, protocol.FactionID(0), s.host.cmds[0][0].FactionID)
	assert.Equal(t, int64(1), s.host.cmds[0][0].SequenceID)
	assert.Equal(t, protocol.FactionID(1), s.host.cmds[0][1].FactionID)
	assert.Equal(t, int64(2), s.host.cmds[0][1].SequenceID)
	assert.Equal(t, s.host.cmds[0], sim.cmds[0])

	require.Len(t, journal.batches, 3)
	assert.Equal(t, int64(2), journal.batches[2].LastSequenceID)

	st := peer.Status()
	assert.Equal(t, protocol.Turn(3), st.Turn)
	assert.Equal(t, int64(2), st.LastSequenceID)
}

func TestPreValidationCommandsFlushInOrder(t *testing.T) {
	s := newSession(t)
	sim := &recordingSim{}
	peer := s.addPeer(1, sim)

	for i := 0; i < 3; i++ {
		require.NoError(t, peer.Enqueue(s.ctx, 1, payload(i)))
	}
	assert.Equal(t, 3, peer.Status().PendingInputs)

	s.validate()
	s.turns(1)

	require.Len(t, sim.cmds, 1)
	require.Len(t, sim.cmds[0], 3)
	for i, c := range sim.cmds[0] {
		assert.Equal(t, int64(i+1), c.SequenceID)
		assert.Equal(t, protocol.FactionID(1), c.FactionID)
		assert.JSONEq(t, string(payload(i)), string(c.Payload))
	}
}

func TestResentBatchIsNotReapplied(t *testing.T) {
	s := newSession(t)
	sim := &mocks.MockSimulation{}
	sim.Test(t)
	sim.On("ApplyTurn", protocol.Turn(0), mock.Anything).Return(nil).Once()
	sim.On("ApplyTurn", protocol.Turn(1), mock.Anything).Return(nil).Once()
	s.addPeer(1, sim)
	s.validate()

	events, cancel := s.auth.Subscribe(32)
	defer cancel()

	dropped := false
	s.net.drop = func(_ protocol.FactionID, msg protocol.Message) bool {
		if msg.Op == protocol.OpAck && !dropped {
			dropped = true
			return true
		}
		return false
	}

	s.turns(1) // turn 0 applied, ack lost
	s.turns(1) // stalled: batch 0 resent, re-acked
	s.turns(1) // turn 1

	sim.AssertExpectations(t)
	assert.Equal(t, protocol.Turn(2), s.auth.Status().Turn)

	var stalled []Event
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventStalled {
			stalled = append(stalled, ev)
		}
	}
	require.Len(t, stalled, 1)
	assert.Equal(t, protocol.Turn(0), stalled[0].Turn)
	assert.Equal(t, []protocol.FactionID{1}, stalled[0].Laggards)
}

func TestAckRecordsRoundTrip(t *testing.T) {
	s := newSession(t)
	s.addPeer(1, nil)
	s.validate()

	s.turns(1)
	s.clk.advance(40 * time.Millisecond)
	require.NoError(t, s.auth.Tick(s.ctx, 0))

	st := s.auth.Status()
	require.Len(t, st.Factions, 2)
	assert.True(t, st.Factions[0].Hosted)
	assert.Equal(t, protocol.FactionID(1), st.Factions[1].Faction)
	assert.Equal(t, protocol.Turn(0), st.Factions[1].AckedTurn)
	assert.Equal(t, 40*time.Millisecond, st.Factions[1].RTT)
}

func TestRemovingPendingFactionUnblocksSession(t *testing.T) {
	s := newSession(t)
	s.auth.PeerJoined(2)
	require.NoError(t, s.auth.Tick(s.ctx, 0))
	require.NoError(t, s.auth.Start(s.ctx))

	require.NoError(t, s.auth.Tick(s.ctx, turnLength))
	assert.True(t, s.auth.Status().Frozen)
	assert.Empty(t, s.host.turns)

	s.auth.PeerLeft(2)
	require.NoError(t, s.auth.Tick(s.ctx, turnLength))
	assert.True(t, s.auth.Status().AllValidated)
	assert.Equal(t, []protocol.Turn{0}, s.host.turns)
}

func TestPauseHoldsInputsAndFreezesTurns(t *testing.T) {
	s := newSession(t)
	sim := &recordingSim{}
	peer := s.addPeer(1, sim)
	s.validate()
	s.turns(1)

	require.NoError(t, s.auth.Pause(s.ctx, true))
	s.tickPeers()
	assert.True(t, peer.Status().Paused)

	require.NoError(t, peer.Enqueue(s.ctx, 1, payload(1)))
	assert.Equal(t, 1, peer.Status().PendingInputs)

	s.turns(2)
	assert.Equal(t, []protocol.Turn{0}, sim.turns)
	assert.True(t, s.auth.Status().Frozen)

	require.NoError(t, s.auth.Pause(s.ctx, false))
	s.tickPeers()
	assert.Zero(t, peer.Status().PendingInputs)

	s.turns(1)
	require.Equal(t, []protocol.Turn{0, 1}, sim.turns)
	require.Len(t, sim.cmds[1], 1)
	assert.JSONEq(t, string(payload(1)), string(sim.cmds[1][0].Payload))
}

func TestKickHaltsRemovedPeer(t *testing.T) {
	s := newSession(t)
	peer := s.addPeer(1, nil)
	s.validate()

	require.NoError(t, s.auth.Kick(s.ctx, 1))
	err := peer.Tick(s.ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoved))
	assert.Len(t, s.auth.Status().Factions, 1)

	assert.True(t, errors.Is(s.auth.Kick(s.ctx, 1), ErrUnknownFaction))
}

func TestHostedNPCFactionIsFedByLoopback(t *testing.T) {
	s := newSession(t)
	npc := &recordingSim{}
	require.NoError(t, s.auth.RegisterHosted(s.ctx, 5, npc))
	s.validate()

	require.NoError(t, s.auth.Enqueue(s.ctx, 5, payload(3)))
	s.turns(2)

	assert.Equal(t, []protocol.Turn{0, 1}, npc.turns)
	require.Len(t, npc.cmds[0], 1)
	assert.Equal(t, protocol.FactionID(5), npc.cmds[0][0].FactionID)

	st := s.auth.Status()
	require.Len(t, st.Factions, 2)
	assert.Equal(t, protocol.FactionID(5), st.Factions[1].Faction)
	assert.Equal(t, protocol.Turn(1), st.Factions[1].AckedTurn)
}

func TestFailedAckDoesNotHaltPeer(t *testing.T) {
	s := newSession(t)
	sim := &recordingSim{}
	peer := s.addPeer(1, sim)
	s.validate()

	failed := false
	s.net.fail = func(from, _ protocol.FactionID, msg protocol.Message) bool {
		if from == 1 && msg.Op == protocol.OpAck && !failed {
			failed = true
			return true
		}
		return false
	}

	s.turns(1) // turn 0 applied, ack send fails
	assert.Empty(t, peer.Status().Failed)

	s.turns(3) // stall and re-ack, then turns 1 and 2
	assert.Equal(t, []protocol.Turn{0, 1, 2}, sim.turns)
	assert.Equal(t, protocol.Turn(3), s.auth.Status().Turn)
	st := peer.Status()
	assert.Empty(t, st.Failed)
	assert.Equal(t, protocol.Turn(3), st.Turn)
}

func TestMissedValidationIsResent(t *testing.T) {
	s := newSession(t)
	sim := &recordingSim{}
	peer := s.addPeer(1, sim)
	require.NoError(t, peer.Enqueue(s.ctx, 1, payload(4)))

	failed := false
	s.net.fail = func(from, to protocol.FactionID, msg protocol.Message) bool {
		if from != protocol.AuthorityID || to != 1 || msg.Op != protocol.OpValidation || failed {
			return false
		}
		p, err := protocol.DecodePayload[protocol.ValidationPayload](msg.Payload)
		if err == nil && p.Faction == 1 && p.State == protocol.GloballyValidated {
			failed = true
			return true
		}
		return false
	}

	s.validate()
	require.True(t, failed)
	s.turns(2)

	st := peer.Status()
	assert.False(t, st.Frozen)
	assert.Zero(t, st.PendingInputs)
	require.Len(t, sim.cmds, 2)
	require.Len(t, sim.cmds[1], 1)
	assert.JSONEq(t, string(payload(4)), string(sim.cmds[1][0].Payload))
}

func TestResendYieldsNoRoundTripSample(t *testing.T) {
	s := newSession(t)
	s.addPeer(1, nil)
	s.validate()

	dropped := false
	s.net.drop = func(_ protocol.FactionID, msg protocol.Message) bool {
		if msg.Op == protocol.OpAck && !dropped {
			dropped = true
			return true
		}
		return false
	}

	s.turns(1) // turn 0, ack lost
	s.turns(1) // batch 0 resent and re-acked
	s.clk.advance(40 * time.Millisecond)
	require.NoError(t, s.auth.Tick(s.ctx, 0))

	st := s.auth.Status()
	require.Len(t, st.Factions, 2)
	assert.Equal(t, protocol.Turn(0), st.Factions[1].AckedTurn)
	assert.Zero(t, st.Factions[1].RTT)

	// a fresh send is measured again
	s.turns(1)
	s.clk.advance(30 * time.Millisecond)
	require.NoError(t, s.auth.Tick(s.ctx, 0))
	st = s.auth.Status()
	assert.Equal(t, protocol.Turn(1), st.Factions[1].AckedTurn)
	assert.Equal(t, 30*time.Millisecond, st.Factions[1].RTT)
}
