package wsnet

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrBufferFull   = errors.New("send buffer full")
)

// Sink receives inbound traffic. *coordinator.Coordinator satisfies it.
type Sink interface {
	Deliver(from protocol.FactionID, msg protocol.Message)
	PeerJoined(faction protocol.FactionID)
	PeerLeft(faction protocol.FactionID)
}

// conn pumps JSON messages over one websocket.
type conn struct {
	peer   protocol.FactionID
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newConn(peer protocol.FactionID, ws *websocket.Conn, logger zerolog.Logger) *conn {
	return &conn{
		peer:   peer,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *conn) enqueue(raw []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		// a dropped frame would break ordering, so the connection goes instead
		c.logger.Warn().Int("peer", int(c.peer)).Msg("send buffer full, closing connection")
		c.close()
		return ErrBufferFull
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump decodes messages until the socket fails, attributing each to c.peer.
func (c *conn) readPump(deliver func(protocol.Message)) {
	defer func() {
		c.close()
		if err := c.ws.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close websocket")
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to set read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		deliver(msg)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close websocket in write pump")
		}
	}()

	for {
		select {
		case raw := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("failed to set write deadline")
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("failed to set ping write deadline")
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before the connection was closed.
func (c *conn) flush() {
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			return
		}
	}
}
