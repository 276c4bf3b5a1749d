package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
)

const (
	maxMessageSize = 4096
	pongWait       = 2 * time.Minute
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second
)

// Hub keeps track of the connected clients and the room each of them is bound to. It implements the notifier of the
// room coordinator.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// clients by bound room id
	rooms map[string]map[*Client]struct{}

	logger hclog.Logger

	// guards clients, rooms, Client.room and closing of Client.Send
	sync.RWMutex
}

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// RoomClients returns the number of clients bound to roomId.
func (h *Hub) RoomClients(roomId string) int {
	h.RLock()
	defer h.RUnlock()
	return len(h.rooms[roomId])
}

func (h *Hub) register(c *Client) {
	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()
	h.logger.Debug("client registered", "conn", c.id, "identity", c.identity)
}

// unregister removes c and closes its send channel. Calling it twice is harmless.
func (h *Hub) unregister(c *Client) {
	h.Lock()
	defer h.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.unbindLocked(c)
	delete(h.clients, c)
	close(c.Send)
	h.logger.Debug("client unregistered", "conn", c.id, "identity", c.identity)
}

// bind routes notifications for roomId to c. A client follows one room at a time.
func (h *Hub) bind(c *Client, roomId string) {
	h.Lock()
	defer h.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if c.room == roomId {
		return
	}
	h.unbindLocked(c)
	group, ok := h.rooms[roomId]
	if !ok {
		group = make(map[*Client]struct{})
		h.rooms[roomId] = group
	}
	group[c] = struct{}{}
	c.room = roomId
}

func (h *Hub) unbind(c *Client) {
	h.Lock()
	defer h.Unlock()
	h.unbindLocked(c)
}

func (h *Hub) unbindLocked(c *Client) {
	if c.room == "" {
		return
	}
	if group, ok := h.rooms[c.room]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// boundRoom returns the room c currently follows.
func (h *Hub) boundRoom(c *Client) string {
	h.RLock()
	defer h.RUnlock()
	return c.room
}

// Notify sends n to every client bound to roomId. Clients of a member that left stop following the room afterwards,
// a closed room loses all of its clients.
func (h *Hub) Notify(roomId string, n types.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("could not marshal notification", "event", n.Event, "error", err)
		return
	}
	h.RLock()
	for c := range h.rooms[roomId] {
		c.send(data)
	}
	h.RUnlock()

	switch n.Event {
	case types.EventMemberLeft:
		ev, ok := n.Data.(types.MemberEvent)
		if !ok {
			return
		}
		h.Lock()
		for c := range h.rooms[roomId] {
			if c.identity == ev.Identity {
				h.unbindLocked(c)
			}
		}
		h.Unlock()
	case types.EventRoomClosed:
		h.Lock()
		for c := range h.rooms[roomId] {
			c.room = ""
		}
		delete(h.rooms, roomId)
		h.Unlock()
	}
}

// NotifyAll sends n to every registered client.
func (h *Hub) NotifyAll(n types.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("could not marshal notification", "event", n.Event, "error", err)
		return
	}
	h.RLock()
	defer h.RUnlock()
	for c := range h.clients {
		c.send(data)
	}
}

// Close closes every connection. Each client then goes through its normal disconnect handling.
func (h *Hub) Close() {
	h.RLock()
	defer h.RUnlock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
}
