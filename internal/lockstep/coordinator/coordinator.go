package coordinator

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/lockstep/channel"
	"github.com/execution-hub/lockstep/internal/lockstep/clock"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
	"github.com/execution-hub/lockstep/internal/lockstep/rtt"
	"github.com/execution-hub/lockstep/internal/lockstep/validation"
)

var (
	ErrNotAuthority   = errors.New("operation requires the authoritative role")
	ErrUnknownFaction = errors.New("unknown faction")
	ErrNotLocal       = errors.New("faction is not hosted on this node")
	ErrRemoved        = errors.New("removed from session")
	ErrAuthorityLost  = errors.New("authority connection lost")
)

// Transport carries messages between nodes. Send addresses protocol.AuthorityID to reach
// the authoritative node.
type Transport interface {
	Send(ctx context.Context, to protocol.FactionID, msg protocol.Message) error
	Broadcast(ctx context.Context, msg protocol.Message) error
}

// Disconnector is implemented by transports that can drop one faction's connection after
// its queued messages are written.
type Disconnector interface {
	Disconnect(faction protocol.FactionID)
}

// Simulation consumes turns. ApplyTurn is called once per turn in increasing order.
type Simulation interface {
	ApplyTurn(turn protocol.Turn, cmds []protocol.Command) error
}

// Journal records applied batches for replay.
type Journal interface {
	Append(batch protocol.CommandBatch) error
}

// Role selects which side of the protocol a node plays.
type Role int

const (
	RoleAuthority Role = iota
	RolePeer
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "peer"
}

// ParseRole maps a config value to a Role.
func ParseRole(v string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "authority", "host", "server":
		return RoleAuthority, nil
	case "peer", "client":
		return RolePeer, nil
	default:
		return RolePeer, fmt.Errorf("unknown role: %q", v)
	}
}

// Config configures one session on one node.
type Config struct {
	Role Role
	// Faction is the locally played faction. An authority with AuthorityID hosts none.
	Faction     protocol.FactionID
	SessionID   string
	GameCode    string
	Capacity    int
	Clock       clock.Config
	Aggregation rtt.Mode
	RTTCapacity int
}

func (c Config) normalized() (Config, error) {
	if c.Role == RolePeer && c.Faction < 0 {
		return c, errors.New("peer requires a faction id")
	}
	if c.Role == RoleAuthority && strings.TrimSpace(c.SessionID) == "" {
		c.SessionID = uuid.NewString()
	}
	if c.RTTCapacity <= 0 {
		c.RTTCapacity = 16
	}
	if c.Capacity < 0 {
		c.Capacity = 0
	}
	return c, nil
}

// Option customises a coordinator.
type Option func(*Coordinator)

func WithJournal(j Journal) Option { return func(c *Coordinator) { c.journal = j } }

// WithNow replaces the wall clock used for RTT samples.
func WithNow(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithRand sets the source for the initial turn duration draw.
func WithRand(rng *rand.Rand) Option { return func(c *Coordinator) { c.rng = rng } }

type inboundKind int

const (
	inboundMessage inboundKind = iota
	inboundJoined
	inboundLeft
)

type inbound struct {
	kind inboundKind
	msg  protocol.Message
}

// member is the authority's view of one faction.
type member struct {
	faction protocol.FactionID
	hosted  bool
	ch      *channel.Channel
	acked   protocol.Turn
	sentAt  time.Time
	resent  bool
	rtt     time.Duration
	// resync is set when a validation update may not have reached the faction.
	resync bool
}

// Coordinator owns all state of one lockstep session on one node. Tick and the control
// methods are serialised; Deliver, PeerJoined and PeerLeft may be called from any goroutine.
type Coordinator struct {
	cfg       Config
	transport Transport
	sim       Simulation
	journal   Journal
	logger    zerolog.Logger
	now       func() time.Time
	rng       *rand.Rand

	inboxMu sync.Mutex
	inbox   map[protocol.FactionID][]inbound

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextSu int

	mu        sync.Mutex
	ctx       context.Context
	vc        *validation.Coordinator
	paused    bool
	announced bool
	failed    error

	// authority
	clock   *clock.Clock
	tracker *rtt.Tracker
	members map[protocol.FactionID]*member
	turn    protocol.Turn
	nextID  int64
	pending []protocol.Command
	last    *protocol.CommandBatch

	// peer
	local      *channel.Channel
	relayedRTT time.Duration
}

func New(cfg Config, transport Transport, sim Simulation, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		sim:       sim,
		logger:    logger.With().Str("component", "coordinator").Str("role", cfg.Role.String()).Logger(),
		now:       time.Now,
		inbox:     make(map[protocol.FactionID][]inbound),
		subs:      make(map[int]chan Event),
		ctx:       context.Background(),
		vc:        validation.New(validation.Config{GameCode: cfg.GameCode, Capacity: cfg.Capacity}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Role == RolePeer {
		c.local = channel.New(channel.Config{
			Faction: cfg.Faction,
			Relay:   c.relayToAuthority,
			Apply:   c.applyLocal,
			Ack:     c.ackToAuthority,
		})
		return c, nil
	}

	c.tracker = rtt.NewTracker(cfg.RTTCapacity)
	c.members = make(map[protocol.FactionID]*member)
	rng := c.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c.clock, err = clock.New(cfg.Clock, rng, func() time.Duration {
		return c.tracker.Aggregate(cfg.Aggregation)
	})
	if err != nil {
		return nil, fmt.Errorf("turn clock: %w", err)
	}
	c.clock.OnChange(c.onDurationChange)
	if cfg.Faction >= 0 {
		if err := c.registerHosted(cfg.Faction, sim); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Deliver queues an inbound message from a sender. It never blocks on the tick.
func (c *Coordinator) Deliver(from protocol.FactionID, msg protocol.Message) {
	c.push(from, inbound{kind: inboundMessage, msg: msg})
}

// PeerJoined queues a connection event for a faction.
func (c *Coordinator) PeerJoined(faction protocol.FactionID) {
	c.push(faction, inbound{kind: inboundJoined})
}

// PeerLeft queues a disconnect. On the authority the faction is removed on the next tick.
func (c *Coordinator) PeerLeft(faction protocol.FactionID) {
	c.push(faction, inbound{kind: inboundLeft})
}

func (c *Coordinator) push(from protocol.FactionID, in inbound) {
	c.inboxMu.Lock()
	c.inbox[from] = append(c.inbox[from], in)
	c.inboxMu.Unlock()
}

// Tick drains inbound traffic and, on the authority, advances the turn clock unless the
// session is frozen. It returns the latched fatal error, if any.
func (c *Coordinator) Tick(ctx context.Context, delta time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	c.drain()
	if c.cfg.Role == RolePeer {
		c.resumeLocal()
		return c.failed
	}

	c.resumeHosted()
	c.resyncValidation()
	if c.frozen() {
		c.clock.Reset()
		return c.failed
	}
	fires := c.clock.Advance(delta)
	for i := 0; i < fires; i++ {
		c.step()
	}
	return c.failed
}

func (c *Coordinator) drain() {
	c.inboxMu.Lock()
	boxes := c.inbox
	c.inbox = make(map[protocol.FactionID][]inbound)
	c.inboxMu.Unlock()

	senders := make([]protocol.FactionID, 0, len(boxes))
	for f := range boxes {
		senders = append(senders, f)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	for _, from := range senders {
		for _, in := range boxes[from] {
			c.handle(from, in)
		}
	}
}

func (c *Coordinator) handle(from protocol.FactionID, in inbound) {
	switch in.kind {
	case inboundJoined:
		if c.cfg.Role == RoleAuthority {
			c.onPeerJoined(from)
		}
	case inboundLeft:
		if c.cfg.Role == RoleAuthority {
			c.remove(from, validation.ReasonPeerLeft)
		} else if from == protocol.AuthorityID {
			c.halt(ErrAuthorityLost)
		}
	case inboundMessage:
		if err := in.msg.ValidateBasic(); err != nil {
			c.violation(from, fmt.Errorf("invalid message: %w", err))
			return
		}
		if !c.sameSession(in.msg) {
			c.logger.Warn().Int("from", int(from)).Str("session_id", in.msg.SessionID).Msg("dropping message for another session")
			return
		}
		if c.cfg.Role == RoleAuthority {
			c.handleAuthority(from, in.msg)
		} else {
			c.handlePeer(from, in.msg)
		}
	}
}

func (c *Coordinator) sameSession(msg protocol.Message) bool {
	if msg.SessionID == "" {
		return true
	}
	if c.cfg.SessionID == "" && c.cfg.Role == RolePeer {
		c.cfg.SessionID = msg.SessionID
		return true
	}
	return msg.SessionID == c.cfg.SessionID
}

func (c *Coordinator) violation(from protocol.FactionID, err error) {
	if c.cfg.Role == RoleAuthority {
		c.logger.Error().Err(err).Int("faction", int(from)).Msg("protocol violation")
		c.remove(from, validation.ReasonProtocolViolation)
		return
	}
	c.halt(err)
}

// halt latches a fatal error on a peer and freezes it locally.
func (c *Coordinator) halt(err error) {
	if c.failed != nil {
		return
	}
	c.failed = err
	c.logger.Error().Err(err).Msg("session halted")
	c.publish(Event{Kind: EventFatal, Faction: c.cfg.Faction, Err: err.Error()})
}

// Enqueue submits a local command for a faction hosted on this node.
func (c *Coordinator) Enqueue(ctx context.Context, faction protocol.FactionID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	cmd := protocol.Command{FactionID: faction, Payload: append([]byte(nil), payload...)}
	if c.cfg.Role == RolePeer {
		if faction != c.cfg.Faction {
			return fmt.Errorf("%w: %d", ErrNotLocal, faction)
		}
		if c.failed != nil {
			return c.failed
		}
		return c.local.Enqueue(cmd)
	}
	m, ok := c.members[faction]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFaction, faction)
	}
	if !m.hosted {
		return fmt.Errorf("%w: %d", ErrNotLocal, faction)
	}
	return m.ch.Enqueue(cmd)
}

// RequestValidation sends the peer's admission request to the authority.
func (c *Coordinator) RequestValidation(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	if c.cfg.Role != RolePeer {
		return errors.New("validation is requested by peers")
	}
	return c.send(protocol.AuthorityID, protocol.OpValidateRequest, protocol.ValidateRequestPayload{
		Faction:  c.cfg.Faction,
		GameCode: c.cfg.GameCode,
	})
}

func (c *Coordinator) self() protocol.FactionID {
	if c.cfg.Role == RoleAuthority {
		return protocol.AuthorityID
	}
	return c.cfg.Faction
}

func (c *Coordinator) send(to protocol.FactionID, op protocol.Op, payload any) error {
	msg, err := protocol.NewMessage(c.cfg.SessionID, c.self(), op, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(c.ctx, to, msg)
}

func (c *Coordinator) broadcast(op protocol.Op, payload any) error {
	msg, err := protocol.NewMessage(c.cfg.SessionID, c.self(), op, payload)
	if err != nil {
		return err
	}
	return c.transport.Broadcast(c.ctx, msg)
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SessionID
}

func (c *Coordinator) Role() Role { return c.cfg.Role }

// Faction returns the locally played faction.
func (c *Coordinator) Faction() protocol.FactionID { return c.cfg.Faction }
