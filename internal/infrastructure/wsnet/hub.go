package wsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// Hub is the authority side of the websocket transport. One connection per faction; a
// reconnect replaces the previous socket.
type Hub struct {
	mu       sync.RWMutex
	peers    map[protocol.FactionID]*conn
	sink     Sink
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		peers:  make(map[protocol.FactionID]*conn),
		logger: logger.With().Str("component", "wsnet.hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Bind sets the receiver of inbound traffic. It must be called before serving.
func (h *Hub) Bind(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// ServeWS upgrades a request carrying ?faction=N.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	faction, err := strconv.Atoi(r.URL.Query().Get("faction"))
	if err != nil || faction < 0 {
		http.Error(w, "faction query parameter is required", http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	sink := h.sink
	h.mu.RUnlock()
	if sink == nil {
		http.Error(w, "session not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	f := protocol.FactionID(faction)
	c := newConn(f, ws, h.logger.With().Int("faction", faction).Logger())
	h.register(c)
	sink.PeerJoined(f)
	h.logger.Info().Int("faction", faction).Str("remote", r.RemoteAddr).Msg("peer connected")

	go c.writePump()
	c.readPump(func(msg protocol.Message) { sink.Deliver(f, msg) })

	if h.unregister(c) {
		sink.PeerLeft(f)
		h.logger.Info().Int("faction", faction).Msg("peer disconnected")
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.peers[c.peer]; ok {
		old.close()
	}
	h.peers[c.peer] = c
}

// unregister reports whether c was still the faction's current connection.
func (h *Hub) unregister(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[c.peer] != c {
		return false
	}
	delete(h.peers, c.peer)
	return true
}

func (h *Hub) Send(_ context.Context, to protocol.FactionID, msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	h.mu.RLock()
	c, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, to)
	}
	return c.enqueue(raw)
}

func (h *Hub) Broadcast(_ context.Context, msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	var errs []error
	for f, c := range h.peers {
		if err := c.enqueue(raw); err != nil {
			errs = append(errs, fmt.Errorf("faction %d: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes a faction's socket once its queued messages are written. The
// faction is then reported to the sink as left.
func (h *Hub) Disconnect(faction protocol.FactionID) {
	h.mu.RLock()
	c, ok := h.peers[faction]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// Connected lists factions with an open socket.
func (h *Hub) Connected() []protocol.FactionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.FactionID, 0, len(h.peers))
	for f := range h.peers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f, c := range h.peers {
		c.close()
		delete(h.peers, f)
	}
}
