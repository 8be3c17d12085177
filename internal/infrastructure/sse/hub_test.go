package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByKind(t *testing.T) {
	hub := NewHub()
	all := NewClient("all", nil)
	stalls := NewClient("stalls", []string{"stalled"})
	hub.Register(all)
	hub.Register(stalls)
	assert.Equal(t, 2, hub.GetClientCount())

	require.NoError(t, hub.Publish("turn_applied", map[string]int{"turn": 1}))
	require.NoError(t, hub.Publish("stalled", map[string]int{"turn": 2}))

	require.Len(t, all.MessageChan, 2)
	require.Len(t, stalls.MessageChan, 1)
	msg := <-stalls.MessageChan
	assert.Equal(t, "stalled", msg.Event)
	assert.JSONEq(t, `{"turn":2}`, string(msg.Data))
	assert.NotEmpty(t, msg.ID)
}

func TestSendToClient(t *testing.T) {
	hub := NewHub()
	c := NewClient("", nil)
	require.NotEmpty(t, c.ClientID)
	hub.Register(c)

	assert.ErrorIs(t, hub.SendToClient("missing", &Message{}), ErrClientNotFound)

	for i := 0; i < cap(c.MessageChan); i++ {
		require.NoError(t, hub.SendToClient(c.ClientID, &Message{Event: "x"}))
	}
	assert.ErrorIs(t, hub.SendToClient(c.ClientID, &Message{}), ErrChannelFull)
}

func TestUnregisterClosesClient(t *testing.T) {
	hub := NewHub()
	c := NewClient("a", nil)
	hub.Register(c)
	hub.Unregister("a")

	_, open := <-c.MessageChan
	assert.False(t, open)
	assert.Zero(t, hub.GetClientCount())

	hub.Register(NewClient("b", nil))
	hub.Stop()
	assert.Zero(t, hub.GetClientCount())
}
