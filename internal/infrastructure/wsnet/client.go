package wsnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// Client is the peer side of the websocket transport. Every message goes to the authority.
type Client struct {
	faction protocol.FactionID
	logger  zerolog.Logger

	mu   sync.RWMutex
	conn *conn
}

func NewClient(faction protocol.FactionID, logger zerolog.Logger) *Client {
	return &Client{
		faction: faction,
		logger:  logger.With().Str("component", "wsnet.client").Int("faction", int(faction)).Logger(),
	}
}

// Dial connects to the authority endpoint and starts pumping inbound messages into sink.
func (c *Client) Dial(ctx context.Context, endpoint string, sink Sink) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse authority url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("faction", strconv.Itoa(int(c.faction)))
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial authority: %w", err)
	}

	cn := newConn(protocol.AuthorityID, ws, c.logger)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.close()
	}
	c.conn = cn
	c.mu.Unlock()

	go cn.writePump()
	go func() {
		cn.readPump(func(msg protocol.Message) { sink.Deliver(protocol.AuthorityID, msg) })
		c.mu.Lock()
		current := c.conn == cn
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		if current {
			c.logger.Warn().Msg("authority connection closed")
			sink.PeerLeft(protocol.AuthorityID)
		}
	}()
	c.logger.Info().Str("url", u.String()).Msg("connected to authority")
	return nil
}

func (c *Client) Send(_ context.Context, to protocol.FactionID, msg protocol.Message) error {
	if to != protocol.AuthorityID {
		return fmt.Errorf("peers only address the authority, got %d", to)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.mu.RLock()
	cn := c.conn
	c.mu.RUnlock()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.enqueue(raw)
}

// Broadcast from a peer reaches the authority only.
func (c *Client) Broadcast(ctx context.Context, msg protocol.Message) error {
	return c.Send(ctx, protocol.AuthorityID, msg)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
}
