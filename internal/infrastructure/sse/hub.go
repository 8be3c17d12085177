package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Message is one server-sent event.
type Message struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is an active SSE connection. An empty Kinds set accepts every event.
type Client struct {
	ClientID    string
	Kinds       map[string]struct{}
	ConnectedAt time.Time
	MessageChan chan *Message
}

func NewClient(clientID string, kinds []string) *Client {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &Client{
		ClientID:    clientID,
		Kinds:       set,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

func (c *Client) accepts(event string) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	_, ok := c.Kinds[event]
	return ok
}

// Close closes the client's message channel
func (c *Client) Close() {
	close(c.MessageChan)
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewMessage encodes v as the data of a new event.
func NewMessage(event string, v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{ID: uuid.NewString(), Event: event, Data: data}, nil
}

// Publish encodes v and fans it out to every client accepting event.
func (h *Hub) Publish(event string, v any) error {
	msg, err := NewMessage(event, v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.accepts(event) {
			trySend(c, msg)
		}
	}
	return nil
}

// SendToClient queues message for one client regardless of its kind filter.
func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
