package ws

import (
	"encoding/json"
	"testing"

	"github.com/ghaiht95/genmob/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(h *Hub, identity string) *Client {
	c := NewClient(h, nil, nil, identity)
	h.register(c)
	return c
}

func drain(c *Client) []string {
	events := make([]string, 0)
	for {
		select {
		case raw, ok := <-c.Send:
			if !ok {
				return events
			}
			msg := types.WebsocketMessage{}
			if err := json.Unmarshal(raw, &msg); err == nil {
				events = append(events, msg.Event)
			}
		default:
			return events
		}
	}
}

func TestNotifyRoutesByRoom(t *testing.T) {
	h := NewHub(nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	carol := newTestClient(h, "carol")
	h.bind(alice, "r1")
	h.bind(bob, "r1")
	h.bind(carol, "r2")

	h.Notify("r1", types.Notification{Event: types.EventNewMessage, Data: types.Message{Body: "hi"}})
	assert.Equal(t, []string{types.EventNewMessage}, drain(alice))
	assert.Equal(t, []string{types.EventNewMessage}, drain(bob))
	assert.Empty(t, drain(carol))

	h.NotifyAll(types.Notification{Event: types.EventRoomsUpdated, Data: types.RoomsUpdated{RoomId: "r1", Count: 2}})
	assert.Len(t, drain(carol), 1)
	assert.Equal(t, 3, h.NoClients())
}

func TestMemberLeftUnbindsItsConnections(t *testing.T) {
	h := NewHub(nil)
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")
	h.bind(alice, "r1")
	h.bind(bob, "r1")

	h.Notify("r1", types.Notification{Event: types.EventMemberLeft, Data: types.MemberEvent{RoomId: "r1", Identity: "bob"}})
	// the leaving member still sees its own departure
	assert.Equal(t, []string{types.EventMemberLeft}, drain(bob))
	assert.Equal(t, "", h.boundRoom(bob))
	assert.Equal(t, "r1", h.boundRoom(alice))
	assert.Equal(t, 1, h.RoomClients("r1"))
}

func TestRoomClosedDropsGroup(t *testing.T) {
	h := NewHub(nil)
	alice := newTestClient(h, "alice")
	h.bind(alice, "r1")
	h.Notify("r1", types.Notification{Event: types.EventRoomClosed, Data: types.RoomClosed{RoomId: "r1"}})
	assert.Equal(t, 0, h.RoomClients("r1"))
	assert.Equal(t, "", h.boundRoom(alice))
}

func TestBindMovesAndUnregisterCloses(t *testing.T) {
	h := NewHub(nil)
	alice := newTestClient(h, "alice")
	h.bind(alice, "r1")
	h.bind(alice, "r2")
	assert.Equal(t, 0, h.RoomClients("r1"))
	assert.Equal(t, 1, h.RoomClients("r2"))

	h.unregister(alice)
	h.unregister(alice)
	_, ok := <-alice.Send
	require.False(t, ok)
	assert.Equal(t, 0, h.RoomClients("r2"))
	assert.Equal(t, 0, h.NoClients())

	// unknown clients are never bound
	h.bind(alice, "r3")
	assert.Equal(t, 0, h.RoomClients("r3"))
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	h := NewHub(nil)
	alice := newTestClient(h, "alice")
	h.bind(alice, "r1")
	for i := 0; i < sendChannelSize+10; i++ {
		h.Notify("r1", types.Notification{Event: types.EventMembersUpdated, Data: types.MembersUpdated{RoomId: "r1"}})
	}
	assert.Len(t, alice.Send, sendChannelSize)
}
